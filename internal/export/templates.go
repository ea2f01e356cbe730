package export

import (
	"bytes"
	"html/template"
	"strings"
	"time"

	"lyricsync/internal/gitrepo"
)

type sheetSection struct {
	Name  string
	Lines []gitrepo.SheetLine
}

type templateData struct {
	Title       string
	BPM         int
	Mood        string
	Themes      string
	RhymeScheme string
	Version     string
	GeneratedAt time.Time
	Sections    []sheetSection
}

var sheetTemplate = template.Must(template.New("sheet").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Georgia, serif; line-height: 1.7; max-width: 720px; margin: 2rem auto; }
    h1 { margin-bottom: 0.25rem; }
    .meta { color: #666; font-size: 0.85em; margin-bottom: 2rem; }
    h2 { font-size: 0.9em; text-transform: uppercase; letter-spacing: 0.08em; color: #444; margin-top: 1.5rem; }
    ol { list-style: none; padding-left: 0; }
    .n { display: inline-block; width: 2.5em; color: #aaa; font-size: 0.8em; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">
    {{if .BPM}}{{.BPM}} BPM{{end}}{{if .Mood}} | {{.Mood}}{{end}}{{if .Themes}} | {{.Themes}}{{end}}{{if .RhymeScheme}} | {{.RhymeScheme}}{{end}}
    {{if .Version}}<br>Version {{.Version}}{{end}}
    <br>{{.GeneratedAt.Format "Jan 2, 2006 15:04 MST"}}
  </div>
  {{range .Sections}}
  <section>
    {{if .Name}}<h2>{{.Name}}</h2>{{end}}
    <ol>{{range .Lines}}
      <li><span class="n">{{.Number}}</span>{{.Content}}</li>{{end}}
    </ol>
  </section>
  {{end}}
</body>
</html>`))

// groupSections splits consecutive lines that share a section.
func groupSections(lines []gitrepo.SheetLine) []sheetSection {
	var sections []sheetSection
	for _, line := range lines {
		if len(sections) == 0 || sections[len(sections)-1].Name != line.Section {
			sections = append(sections, sheetSection{Name: line.Section})
		}
		last := &sections[len(sections)-1]
		last.Lines = append(last.Lines, line)
	}
	return sections
}

// RenderSheetHTML renders sheet as a standalone HTML page. Line content is
// escaped.
func RenderSheetHTML(sheet gitrepo.Sheet, version string, now time.Time) (string, error) {
	data := templateData{
		Title:       sheet.Title,
		BPM:         sheet.BPM,
		Mood:        strings.Join(sheet.Mood, ", "),
		Themes:      strings.Join(sheet.Themes, ", "),
		RhymeScheme: sheet.RhymeScheme,
		Version:     version,
		GeneratedAt: now,
		Sections:    groupSections(sheet.Lines),
	}
	var buf bytes.Buffer
	if err := sheetTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
