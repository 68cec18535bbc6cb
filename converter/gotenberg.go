package converter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
)

// PDFA2b is the archival conformance level requested when archival output is enabled.
const PDFA2b = "PDF/A-2b"

var officeSources = []string{"doc", "docx", "rtf", "odt", "xls", "xlsx", "ods", "ppt", "pptx", "odp"}

// Gotenberg converts office documents to PDF through a Gotenberg server's
// LibreOffice route.
type Gotenberg struct {
	baseURL string
	pdfa    string
	client  *http.Client
}

// NewGotenberg creates the capability. An empty pdfa leaves the output as plain PDF.
func NewGotenberg(baseURL, pdfa string) *Gotenberg {
	return &Gotenberg{
		baseURL: baseURL,
		pdfa:    pdfa,
		client: &http.Client{
			Timeout: 0, // Use context timeout instead
		},
	}
}

func (g *Gotenberg) Name() string { return "gotenberg" }

func (g *Gotenberg) Routes() []Route {
	return []Route{{Sources: officeSources, Target: "pdf"}}
}

func (g *Gotenberg) Convert(ctx context.Context, sourceFormat, targetFormat string, in []byte) ([]byte, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	// Gotenberg picks the import filter from the file extension
	part, err := writer.CreateFormFile("files", "input."+sourceFormat)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(in); err != nil {
		return nil, fmt.Errorf("failed to copy file: %w", err)
	}

	if g.pdfa != "" {
		if err := writer.WriteField("pdfa", g.pdfa); err != nil {
			return nil, fmt.Errorf("failed to write pdfa field: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close writer: %w", err)
	}

	url := fmt.Sprintf("%s/forms/libreoffice/convert", g.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gotenberg request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("gotenberg returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read converted file: %w", err)
	}
	return out, nil
}
