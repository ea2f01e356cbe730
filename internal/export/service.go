package export

import (
	"context"
	"fmt"
	"log"
	"time"

	"lyricsync/internal/gitrepo"
)

// Uploader stores a finished artifact and returns a link to it.
type Uploader interface {
	Upload(ctx context.Context, key string, result *Result) (string, error)
}

type Options struct {
	PandocPath string
	Uploader   Uploader
}

type Service struct {
	pandoc   string
	uploader Uploader
	now      func() time.Time
	pdf      func(ctx context.Context, html, title string) (*Result, error)
}

func NewService(opts Options) *Service {
	pandoc := opts.PandocPath
	if pandoc == "" {
		pandoc = "pandoc"
	}
	return &Service{pandoc: pandoc, uploader: opts.Uploader, now: time.Now, pdf: exportPDF}
}

// Export renders sheet in format. version names the sheet's version, empty
// for the live session. When an uploader is configured the artifact is also
// uploaded under sessionID; an upload failure is logged and the artifact is
// still returned.
func (s *Service) Export(ctx context.Context, sessionID string, sheet gitrepo.Sheet, version string, format Format) (*Result, error) {
	html, err := RenderSheetHTML(sheet, version, s.now())
	if err != nil {
		return nil, fmt.Errorf("render sheet: %w", err)
	}

	var result *Result
	switch format {
	case FormatHTML:
		result = &Result{Data: []byte(html), Filename: sanitizeFilename(sheet.Title) + ".html", MimeType: "text/html; charset=utf-8"}
	case FormatText:
		result = &Result{Data: []byte(gitrepo.PlainText(sheet)), Filename: sanitizeFilename(sheet.Title) + ".txt", MimeType: "text/plain; charset=utf-8"}
	case FormatPDF:
		result, err = s.pdf(ctx, html, sheet.Title)
	case FormatDOCX:
		result, err = exportDOCX(ctx, s.pandoc, html, sheet.Title)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, err
	}

	if s.uploader != nil {
		label := version
		if label == "" {
			label = "live"
		}
		key := fmt.Sprintf("%s/%s-%s-%s", sessionID, label, s.now().UTC().Format("20060102T150405Z"), result.Filename)
		url, err := s.uploader.Upload(ctx, key, result)
		if err != nil {
			log.Printf("export: upload %s: %v", key, err)
		} else {
			result.URL = url
		}
	}
	return result, nil
}
