// Package extract maps staged files to plain text.
//
// Plain-text formats are read directly from disk. Binary document formats
// (PDF, DOC, DOCX) are delegated to an optional extraction sidecar speaking
// a multipart /extract endpoint; without the sidecar those extensions are
// reported as unsupported.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/fx"

	"github.com/docfoundry/docfoundry/internal/config"
	"github.com/docfoundry/docfoundry/pkg/logger"
)

// Module provides the extractor as an fx module
var Module = fx.Module("extract",
	fx.Provide(NewExtractor),
)

// PlainTextExtensions are read directly from disk
var PlainTextExtensions = map[string]bool{
	".txt":      true,
	".csv":      true,
	".md":       true,
	".markdown": true,
	".json":     true,
	".xml":      true,
	".html":     true,
	".htm":      true,
}

// SidecarExtensions require the extraction sidecar
var SidecarExtensions = map[string]bool{
	".pdf":  true,
	".docx": true,
	".doc":  true,
}

// UnsupportedError reports a file extension the extractor cannot handle
type UnsupportedError struct {
	Ext    string
	Reason string
}

func (e *UnsupportedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("unsupported file extension %q: %s", e.Ext, e.Reason)
	}
	return fmt.Sprintf("unsupported file extension %q", e.Ext)
}

// IsUnsupported reports whether err is an UnsupportedError
func IsUnsupported(err error) bool {
	_, ok := err.(*UnsupportedError)
	return ok
}

// Extractor provides the extract(path) -> text capability
type Extractor struct {
	httpClient *http.Client
	serviceURL string
	timeout    time.Duration
	log        *slog.Logger
}

// NewExtractor creates an extractor from application config
func NewExtractor(cfg *config.Config, log *slog.Logger) *Extractor {
	return &Extractor{
		httpClient: &http.Client{Timeout: cfg.Extract.Timeout()},
		serviceURL: cfg.Extract.ServiceURL,
		timeout:    cfg.Extract.Timeout(),
		log:        log.With(logger.Scope("extract")),
	}
}

// Text extracts the plain-text content of the file at path.
// Line endings are normalized to LF. Returns UnsupportedError for
// extensions the extractor cannot handle.
func (x *Extractor) Text(ctx context.Context, path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))

	switch {
	case PlainTextExtensions[ext]:
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read file: %w", err)
		}
		return NormalizeNewlines(string(raw)), nil

	case SidecarExtensions[ext]:
		if x.serviceURL == "" {
			return "", &UnsupportedError{Ext: ext, Reason: "no extraction service configured"}
		}
		text, err := x.extractRemote(ctx, path)
		if err != nil {
			return "", err
		}
		return NormalizeNewlines(text), nil

	default:
		return "", &UnsupportedError{Ext: ext}
	}
}

// extractResult is the sidecar's /extract response
type extractResult struct {
	Content string `json:"content"`
}

func (x *Extractor) extractRemote(ctx context.Context, path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return "", fmt.Errorf("write file content: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.serviceURL+"/extract", &buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := x.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("extraction service unavailable at %s: %w", x.serviceURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("extraction service returned %d: %s", resp.StatusCode, truncateBody(body))
	}

	var result extractResult
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("decode extraction response: %w", err)
	}

	x.log.Debug("extraction completed",
		slog.String("file", filepath.Base(path)),
		slog.Int("content_length", len(result.Content)),
		slog.Duration("duration", time.Since(start)),
	)

	return result.Content, nil
}

// NormalizeNewlines converts CRLF and bare CR line endings to LF
func NormalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

func truncateBody(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max])
	}
	return string(body)
}
