package converter

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"testing"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type multipartFields struct {
	fileName string
	file     []byte
	pdfa     string
}

func readMultipart(t *testing.T, r *http.Request) multipartFields {
	t.Helper()

	if r.URL.Path != "/forms/libreoffice/convert" {
		t.Fatalf("unexpected path: %s", r.URL.Path)
	}

	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		t.Fatalf("expected multipart/form-data, got %q (err=%v)", mediaType, err)
	}

	reader := multipart.NewReader(r.Body, params["boundary"])
	defer func() { _ = r.Body.Close() }()

	var fields multipartFields
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("failed to read multipart part: %v", err)
		}

		b, _ := io.ReadAll(part)
		switch part.FormName() {
		case "pdfa":
			fields.pdfa = string(b)
		case "files":
			fields.fileName = part.FileName()
			fields.file = b
		}
		_ = part.Close()
	}
	return fields
}

func TestGotenbergConvertUsesPDFA2b(t *testing.T) {
	t.Parallel()

	g := NewGotenberg("http://example.invalid", PDFA2b)
	g.client.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		fields := readMultipart(t, r)
		if fields.pdfa != PDFA2b {
			t.Errorf("expected pdfa=%q, got %q", PDFA2b, fields.pdfa)
		}
		if fields.fileName != "input.docx" {
			t.Errorf("file name = %q, want input.docx", fields.fileName)
		}
		if string(fields.file) != "dummy" {
			t.Errorf("file body = %q", fields.file)
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(bytes.NewReader([]byte("%PDF-1.4\n%EOF\n"))),
			Header:     make(http.Header),
		}, nil
	})

	out, err := g.Convert(context.Background(), "docx", "pdf", []byte("dummy"))
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if !bytes.HasPrefix(out, []byte("%PDF")) {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestGotenbergConvertWithoutPDFA(t *testing.T) {
	t.Parallel()

	g := NewGotenberg("http://example.invalid", "")
	g.client.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if fields := readMultipart(t, r); fields.pdfa != "" {
			t.Errorf("pdfa field should be omitted, got %q", fields.pdfa)
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(bytes.NewReader([]byte("%PDF-1.7"))),
			Header:     make(http.Header),
		}, nil
	})

	if _, err := g.Convert(context.Background(), "odt", "pdf", []byte("x")); err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
}

func TestGotenbergConvertReportsUpstreamError(t *testing.T) {
	t.Parallel()

	g := NewGotenberg("http://example.invalid", "")
	g.client.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusBadRequest,
			Body:       io.NopCloser(bytes.NewReader([]byte("corrupt document"))),
			Header:     make(http.Header),
		}, nil
	})

	_, err := g.Convert(context.Background(), "docx", "pdf", []byte("x"))
	if err == nil {
		t.Fatal("expected error for non-200 response")
	}
	if !bytes.Contains([]byte(err.Error()), []byte("corrupt document")) {
		t.Errorf("error should carry upstream body, got %v", err)
	}
}

func TestGotenbergConvertHonoursContext(t *testing.T) {
	t.Parallel()

	g := NewGotenberg("http://example.invalid", "")
	g.client.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		<-r.Context().Done()
		return nil, r.Context().Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Convert(ctx, "docx", "pdf", []byte("x"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
