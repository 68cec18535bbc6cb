package converter

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/ledongthuc/pdf"
)

// PDFText extracts the plain text layer of a PDF.
type PDFText struct{}

func (PDFText) Name() string { return "pdftext" }

func (PDFText) Routes() []Route {
	return []Route{{Sources: []string{"pdf"}, Target: "txt"}}
}

func (PDFText) Convert(ctx context.Context, sourceFormat, targetFormat string, in []byte) ([]byte, error) {
	r, err := pdf.NewReader(bytes.NewReader(in), int64(len(in)))
	if err != nil {
		return nil, fmt.Errorf("failed to open pdf: %w", err)
	}

	text, err := r.GetPlainText()
	if err != nil {
		return nil, fmt.Errorf("failed to extract text: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := io.ReadAll(text)
	if err != nil {
		return nil, fmt.Errorf("failed to read extracted text: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("pdf has no text layer across %d pages", r.NumPage())
	}
	return out, nil
}
