// Package export renders a session's lyric sheet as HTML, plain text, PDF
// (headless Chrome) or DOCX (pandoc), and optionally uploads the artifact to
// S3-compatible storage.
package export

import "errors"

type Format string

const (
	FormatHTML Format = "html"
	FormatText Format = "txt"
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// ParseFormat accepts the formats above; an empty string means HTML.
func ParseFormat(value string) (Format, error) {
	switch Format(value) {
	case "":
		return FormatHTML, nil
	case FormatHTML, FormatText, FormatPDF, FormatDOCX:
		return Format(value), nil
	default:
		return "", ErrUnsupportedFormat
	}
}

type Result struct {
	Data     []byte
	Filename string
	MimeType string
	// URL is set when the artifact was uploaded.
	URL string
}

var (
	ErrUnsupportedFormat     = errors.New("unsupported export format")
	ErrPDFDependencyMissing  = errors.New("export pdf dependency missing")
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
