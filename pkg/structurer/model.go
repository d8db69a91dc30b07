package structurer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/docfoundry/docfoundry/internal/config"
	"github.com/docfoundry/docfoundry/pkg/extract"
	"github.com/docfoundry/docfoundry/pkg/logger"
)

// Transport selects the wire protocol for the model backend
type Transport int

const (
	// TransportNative is Ollama's /api/generate protocol
	TransportNative Transport = iota
	// TransportChat is the OpenAI-compatible chat-completions protocol
	TransportChat
)

// maxSegmentChars caps the text sent to the model per request
const maxSegmentChars = 12000

// modelExtensions lists the file types the model-backed structurer accepts
var modelExtensions = map[string]bool{
	".txt": true, ".csv": true, ".md": true, ".markdown": true,
	".json": true, ".xml": true, ".html": true, ".htm": true,
	".pdf": true, ".docx": true, ".doc": true,
}

const systemPrompt = `You convert raw document text into structured chunks.
Respond with a single JSON object and nothing else, using this exact schema:
{"chunks":[{"chunkIndex":0,"text":"string","metadata":{}}]}
Each chunk must carry a meaningful, self-contained piece of the document.
Do not invent content that is not present in the input.`

// Model structures files by extracting their text and asking an LLM to
// emit chunked JSON. Long documents are segmented before sending.
type Model struct {
	provider    string
	baseURL     string
	model       string
	apiKey      string
	temperature float64
	numCtx      int
	maxTokens   int
	transport   Transport
	httpClient  *http.Client
	extractor   *extract.Extractor
	log         *slog.Logger
}

// NewModel creates a model-backed structurer from application config
func NewModel(cfg *config.Config, extractor *extract.Extractor, log *slog.Logger, transport Transport) *Model {
	return &Model{
		provider:    strings.ToLower(cfg.Structurer.Provider),
		baseURL:     strings.TrimRight(cfg.Structurer.BaseURL, "/"),
		model:       cfg.Structurer.Model,
		apiKey:      cfg.Structurer.APIKey,
		temperature: cfg.Structurer.Temperature,
		numCtx:      cfg.Structurer.NumCtx,
		maxTokens:   cfg.Structurer.MaxTokens,
		transport:   transport,
		// Model responses for large segments can take minutes
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		extractor:  extractor,
		log:        log.With(logger.Scope("structurer")),
	}
}

func (m *Model) Name() string {
	return m.provider
}

func (m *Model) Structure(ctx context.Context, path, mime string) Result {
	ext := strings.ToLower(filepath.Ext(path))
	if !modelExtensions[ext] {
		return Unsupported(fmt.Sprintf("extension %q is not supported by the %s structurer", ext, m.provider))
	}

	text, err := m.extractor.Text(ctx, path)
	if err != nil {
		if extract.IsUnsupported(err) {
			return Unsupported(err.Error())
		}
		return m.failed(err)
	}
	if strings.TrimSpace(text) == "" {
		return m.failed(fmt.Errorf("no extractable text"))
	}

	segments := segmentText(text, maxSegmentChars)

	var chunks []Chunk
	for i, segment := range segments {
		segChunks, err := m.structureSegment(ctx, segment, ext, mime, i, len(segments))
		if err != nil {
			return m.failed(err)
		}
		for _, c := range segChunks {
			if c.Metadata == nil {
				c.Metadata = map[string]any{}
			}
			c.Metadata["sourceExtension"] = ext
			c.Metadata["segmentIndex"] = i
			c.Index = len(chunks)
			chunks = append(chunks, c)
		}
	}

	m.log.Debug("structured document",
		slog.String("file", filepath.Base(path)),
		slog.Int("segments", len(segments)),
		slog.Int("chunks", len(chunks)),
	)

	return Structured(chunks)
}

func (m *Model) failed(err error) Result {
	return Failed(fmt.Sprintf("Structured extraction failed (provider=%s, model=%s): %v", m.provider, m.model, err))
}

func (m *Model) structureSegment(ctx context.Context, segment, ext, mime string, index, total int) ([]Chunk, error) {
	prompt := fmt.Sprintf(
		"Document extension: %s\nMime type: %s\nSegment %d of %d\n\nText:\n%s",
		ext, mime, index+1, total, segment,
	)

	var raw string
	var err error
	switch m.transport {
	case TransportChat:
		raw, err = m.completeChat(ctx, prompt)
	default:
		raw, err = m.completeNative(ctx, prompt)
	}
	if err != nil {
		return nil, err
	}

	payload, err := parseModelJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("parse model output: %w", err)
	}

	chunks, err := normalizeChunks(payload)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("model returned no usable chunks for segment %d", index)
	}
	return chunks, nil
}

// nativeRequest is Ollama's /api/generate body
type nativeRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options"`
}

type nativeResponse struct {
	Response string `json:"response"`
	Error    string `json:"error"`
}

func (m *Model) completeNative(ctx context.Context, userPrompt string) (string, error) {
	options := map[string]any{"temperature": m.temperature}
	if m.numCtx > 0 {
		options["num_ctx"] = m.numCtx
	}

	body := nativeRequest{
		Model:   m.model,
		Prompt:  systemPrompt + "\n\n" + userPrompt,
		Stream:  false,
		Options: options,
	}

	respBody, err := m.post(ctx, m.baseURL+"/api/generate", body)
	if err != nil {
		return "", err
	}

	var resp nativeResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("model backend error: %s", resp.Error)
	}
	return resp.Response, nil
}

// chatRequest is the OpenAI-compatible chat-completions body
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (m *Model) completeChat(ctx context.Context, userPrompt string) (string, error) {
	body := chatRequest{
		Model: m.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: m.temperature,
		MaxTokens:   m.maxTokens,
	}

	respBody, err := m.post(ctx, m.baseURL+"/chat/completions", body)
	if err != nil {
		return "", err
	}

	var resp chatResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("model backend error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("model backend returned no choices")
	}
	return joinChatContent(resp.Choices[0].Message.Content)
}

// joinChatContent accepts both string content and the array-of-parts form,
// concatenating string parts and the text field of object parts.
func joinChatContent(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", fmt.Errorf("unexpected message content shape")
	}

	var sb strings.Builder
	for _, part := range parts {
		var ps string
		if err := json.Unmarshal(part, &ps); err == nil {
			sb.WriteString(ps)
			continue
		}
		var obj struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(part, &obj); err == nil {
			sb.WriteString(obj.Text)
		}
	}
	return sb.String(), nil
}

func (m *Model) post(ctx context.Context, url string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model backend unavailable at %s: %w", m.baseURL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("model backend returned %d: %s", resp.StatusCode, truncateBody(respBody))
	}
	return respBody, nil
}

// segmentText splits text into pieces of at most limit bytes. A boundary
// inside a word is acceptable because the model re-chunks each segment,
// but a cut never lands mid-rune; it backs off to the nearest rune start
// so every segment stays valid UTF-8.
func segmentText(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var segments []string
	for len(text) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if cut == 0 {
			cut = limit
		}
		segments = append(segments, text[:cut])
		text = text[cut:]
	}
	if len(text) > 0 {
		segments = append(segments, text)
	}
	return segments
}

// parseModelJSON extracts the JSON object from model output. Accepts a
// bare object, an object inside a fenced code block, or falls back to the
// substring between the first '{' and the last '}'.
func parseModelJSON(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)

	if fenced := extractFencedBlock(raw); fenced != "" {
		raw = fenced
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err == nil {
		return payload, nil
	}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in model output")
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &payload); err != nil {
		return nil, fmt.Errorf("model output is not valid JSON: %w", err)
	}
	return payload, nil
}

func extractFencedBlock(raw string) string {
	start := strings.Index(raw, "```")
	if start < 0 {
		return ""
	}
	rest := raw[start+3:]
	if nl := strings.Index(rest, "\n"); nl >= 0 && !strings.ContainsAny(rest[:nl], "{}") {
		// Skip the language tag on the fence line
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}

// normalizeChunks validates the model's chunks array. Entries without a
// non-empty string text are dropped, indices are reassigned densely from
// zero, and metadata is kept only when it is an object.
func normalizeChunks(payload map[string]any) ([]Chunk, error) {
	rawChunks, ok := payload["chunks"].([]any)
	if !ok {
		return nil, fmt.Errorf("model output has no chunks array")
	}

	var chunks []Chunk
	for _, entry := range rawChunks {
		obj, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		text, ok := obj["text"].(string)
		if !ok || strings.TrimSpace(text) == "" {
			continue
		}
		chunk := Chunk{Index: len(chunks), Text: text}
		if meta, ok := obj["metadata"].(map[string]any); ok {
			chunk.Metadata = meta
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

func truncateBody(body []byte) string {
	const max = 300
	if len(body) > max {
		return string(body[:max])
	}
	return string(body)
}
