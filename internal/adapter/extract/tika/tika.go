// Package tika provides Apache Tika integration for text extraction.
//
// It extracts text content from uploaded menu source files (PDF, Word,
// images with embedded text, plain text) and returns clean single-line
// output for the extraction result payload.
package tika

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/leonclem/one-minute-menu-sub000/internal/domain"
	"github.com/leonclem/one-minute-menu-sub000/pkg/textx"
)

// Client is a minimal Apache Tika HTTP client implementing domain.TextExtractor.
// It performs PUT /tika with Accept: text/plain to retrieve extracted text.
// See: https://tika.apache.org/server/ for API details.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New constructs a Tika client. The timeout is generous: OCR on a photo
// menu routinely takes tens of seconds.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Extract uploads the source bytes to the Tika server and returns the
// extracted text with control characters stripped and whitespace collapsed.
func (c *Client) Extract(ctx domain.Context, fileName string, data []byte) (string, error) {
	u := c.baseURL
	if u == "" {
		u = "http://localhost:9998"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u+"/tika", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("op=extract.request: %w", err)
	}
	req.Header.Set("Accept", "text/plain")
	if ct := sourceContentType(fileName, data); ct != "" {
		req.Header.Set("Content-Type", ct)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("op=extract.call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("op=extract.call: tika status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("op=extract.read: %w", err)
	}
	sanitized := textx.SanitizeText(string(b))
	return strings.Join(strings.Fields(sanitized), " "), nil
}

// sourceContentType prefers the extension and falls back to sniffing the
// bytes, so extension-less uploads still reach the right Tika parser.
func sourceContentType(fileName string, data []byte) string {
	if ct := contentTypeFromExt(filepath.Ext(fileName)); ct != "" {
		return ct
	}
	return mimetype.Detect(data).String()
}

func contentTypeFromExt(ext string) string {
	ext = strings.ToLower(ext)
	switch ext {
	case ".pdf":
		return "application/pdf"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".txt":
		return "text/plain"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		if ext != "" {
			return mime.TypeByExtension(ext)
		}
	}
	return ""
}
