package export

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// exportDOCX converts HTML to DOCX with pandoc.
func exportDOCX(ctx context.Context, pandoc, html, title string) (*Result, error) {
	if _, err := exec.LookPath(pandoc); err != nil {
		return nil, fmt.Errorf("%w: %s not installed", ErrDOCXDependencyMissing, pandoc)
	}

	cmd := exec.CommandContext(ctx, pandoc, "-f", "html", "-t", "docx", "--standalone", "-o", "-")
	cmd.Stdin = strings.NewReader(html)
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("pandoc failed: %s", string(exitErr.Stderr))
		}
		return nil, fmt.Errorf("pandoc execution failed: %w", err)
	}

	return &Result{
		Data:     output,
		Filename: sanitizeFilename(title) + ".docx",
		MimeType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	}, nil
}
