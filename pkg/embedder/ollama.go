package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/docfoundry/docfoundry/internal/config"
	"github.com/docfoundry/docfoundry/pkg/logger"
)

// Ollama calls a remote embedding endpoint speaking the Ollama
// /api/embeddings protocol.
type Ollama struct {
	baseURL    string
	model      string
	apiKey     string
	httpClient *http.Client
	log        *slog.Logger
}

// NewOllama creates a remote embedder from application config
func NewOllama(cfg *config.Config, log *slog.Logger) *Ollama {
	return &Ollama{
		baseURL:    strings.TrimRight(cfg.Embedder.BaseURL, "/"),
		model:      cfg.Embedder.Model,
		apiKey:     cfg.Embedder.APIKey,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		log:        log.With(logger.Scope("embedder")),
	}
}

func (o *Ollama) Name() string {
	return "ollama"
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
	Error     string    `json:"error"`
}

// Embed posts the text to the embedding endpoint and validates the
// returned vector. The reported dimension is the vector's length.
func (o *Ollama) Embed(ctx context.Context, text string) (*Result, error) {
	payload, err := json.Marshal(embedRequest{Model: o.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, o.wrap(fmt.Errorf("embedding backend unavailable: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, o.wrap(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode >= 400 {
		var er embedResponse
		if json.Unmarshal(body, &er) == nil && er.Error != "" {
			return nil, o.wrap(fmt.Errorf("backend returned %d: %s", resp.StatusCode, er.Error))
		}
		return nil, o.wrap(fmt.Errorf("backend returned %d", resp.StatusCode))
	}

	var er embedResponse
	if err := json.Unmarshal(body, &er); err != nil {
		return nil, o.wrap(fmt.Errorf("decode response: %w", err))
	}
	if er.Error != "" {
		return nil, o.wrap(fmt.Errorf("backend error: %s", er.Error))
	}
	if len(er.Embedding) == 0 {
		return nil, o.wrap(fmt.Errorf("backend returned an empty embedding"))
	}
	for i, v := range er.Embedding {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, o.wrap(fmt.Errorf("embedding contains a non-finite value at index %d", i))
		}
	}

	return &Result{
		Model:      o.model,
		Dimensions: len(er.Embedding),
		Vector:     er.Embedding,
	}, nil
}

func (o *Ollama) wrap(err error) error {
	return fmt.Errorf("embed (provider=ollama, model=%s): %w", o.model, err)
}
