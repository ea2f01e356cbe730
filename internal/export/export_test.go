package export

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"lyricsync/internal/gitrepo"
)

func testSheet() gitrepo.Sheet {
	return gitrepo.Sheet{
		Title:       "Neon Rain",
		BPM:         92,
		Mood:        []string{"night", "hopeful"},
		RhymeScheme: "AABB",
		Lines: []gitrepo.SheetLine{
			{Number: 1, Section: "Verse", Content: "Dreaming out loud tonight"},
			{Number: 2, Section: "Verse", Content: "Under <neon> rain"},
			{Number: 3, Section: "Chorus", Content: "We rise together"},
		},
	}
}

type fakeUploader struct {
	keys      []string
	uploadErr error
}

func (f *fakeUploader) Upload(ctx context.Context, key string, result *Result) (string, error) {
	f.keys = append(f.keys, key)
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	return "https://s3.example.com/" + key, nil
}

func newTestService(uploader Uploader) *Service {
	s := NewService(Options{Uploader: uploader})
	s.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Neon Rain", "Neon-Rain"},
		{"Take v1.2", "Take-v12"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "lyrics"},
		{"Very Long Title That Exceeds Fifty Characters Limit", "Very-Long-Title-That-Exceeds-Fifty-Characters-Limi"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := sanitizeFilename(tt.input); got != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat(""); err != nil || f != FormatHTML {
		t.Fatalf("ParseFormat(\"\") = %q, %v", f, err)
	}
	if f, err := ParseFormat("pdf"); err != nil || f != FormatPDF {
		t.Fatalf("ParseFormat(pdf) = %q, %v", f, err)
	}
	if _, err := ParseFormat("mp3"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("ParseFormat(mp3) error = %v", err)
	}
}

func TestRenderSheetHTMLGroupsSections(t *testing.T) {
	html, err := RenderSheetHTML(testSheet(), "abc1234", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("RenderSheetHTML() error = %v", err)
	}
	for _, want := range []string{"<h1>Neon Rain</h1>", "92 BPM", "night, hopeful", "AABB", "Version abc1234", "<h2>Verse</h2>", "<h2>Chorus</h2>"} {
		if !strings.Contains(html, want) {
			t.Errorf("HTML missing %q", want)
		}
	}
	if strings.Count(html, "<section>") != 2 {
		t.Errorf("expected two sections")
	}
	if strings.Contains(html, "<neon>") || !strings.Contains(html, "&lt;neon&gt;") {
		t.Error("line content must be escaped")
	}
}

func TestExportHTMLUploadsArtifact(t *testing.T) {
	uploader := &fakeUploader{}
	svc := newTestService(uploader)

	result, err := svc.Export(context.Background(), "ses-1", testSheet(), "", FormatHTML)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if result.Filename != "Neon-Rain.html" || !strings.HasPrefix(result.MimeType, "text/html") {
		t.Fatalf("unexpected result %+v", result)
	}
	wantKey := "ses-1/live-20260301T120000Z-Neon-Rain.html"
	if len(uploader.keys) != 1 || uploader.keys[0] != wantKey {
		t.Fatalf("uploaded keys = %v", uploader.keys)
	}
	if result.URL != "https://s3.example.com/"+wantKey {
		t.Fatalf("URL = %q", result.URL)
	}
}

func TestExportKeepsArtifactWhenUploadFails(t *testing.T) {
	svc := newTestService(&fakeUploader{uploadErr: errors.New("bucket gone")})

	result, err := svc.Export(context.Background(), "ses-1", testSheet(), "abc1234", FormatText)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if result.URL != "" {
		t.Fatalf("URL = %q, want none", result.URL)
	}
	if !strings.HasPrefix(string(result.Data), "[Verse]\nDreaming out loud tonight\n") {
		t.Fatalf("unexpected text %q", result.Data)
	}
}

func TestExportPDFUsesRenderer(t *testing.T) {
	svc := newTestService(nil)
	var gotHTML string
	svc.pdf = func(ctx context.Context, html, title string) (*Result, error) {
		gotHTML = html
		return &Result{Data: []byte("%PDF"), Filename: sanitizeFilename(title) + ".pdf", MimeType: "application/pdf"}, nil
	}
	result, err := svc.Export(context.Background(), "ses-1", testSheet(), "", FormatPDF)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if result.Filename != "Neon-Rain.pdf" || !strings.Contains(gotHTML, "We rise together") {
		t.Fatalf("unexpected pdf export %+v", result)
	}
}

func TestExportRejectsUnknownFormat(t *testing.T) {
	svc := newTestService(nil)
	if _, err := svc.Export(context.Background(), "ses-1", testSheet(), "", Format("mp3")); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("Export() error = %v", err)
	}
}
