// Package structurer converts uploaded files into ordered text chunks.
//
// Two implementations exist: a deterministic one for CSV and Markdown
// files, and a model-backed one that asks an LLM to emit structured JSON.
// The provider is selected by id through New.
package structurer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.uber.org/fx"

	"github.com/docfoundry/docfoundry/internal/config"
	"github.com/docfoundry/docfoundry/pkg/extract"
)

// Module provides the configured structurer as an fx module
var Module = fx.Module("structurer",
	fx.Provide(New),
)

// Status is the outcome of a structure call
type Status string

const (
	StatusStructured  Status = "structured"
	StatusUnsupported Status = "unsupported"
	StatusFailed      Status = "failed"
)

// Chunk is one ordered piece of structured text
type Chunk struct {
	Index    int
	Text     string
	Metadata map[string]any
}

// Result is the tagged outcome of structuring a single file.
// Unsupported and Failed are normal returns, not errors; they carry a
// diagnostic in Error and an empty chunk list.
type Result struct {
	Status Status
	Chunks []Chunk
	Error  string
}

// Structured builds a successful result
func Structured(chunks []Chunk) Result {
	return Result{Status: StatusStructured, Chunks: chunks}
}

// Unsupported builds a result for files the provider cannot handle
func Unsupported(reason string) Result {
	return Result{Status: StatusUnsupported, Error: reason}
}

// Failed builds a result for files the provider tried and could not structure
func Failed(reason string) Result {
	return Result{Status: StatusFailed, Error: reason}
}

// Structurer converts a file into ordered chunks
type Structurer interface {
	// Structure reads the file at path and returns its chunks. The mime
	// type is advisory; providers dispatch on the file extension.
	Structure(ctx context.Context, path, mime string) Result

	// Name returns the provider id
	Name() string
}

// New builds the structurer selected by DOCUMENT_STRUCTURER_PROVIDER.
// Unknown provider ids and missing transport settings are startup errors.
func New(cfg *config.Config, extractor *extract.Extractor, log *slog.Logger) (Structurer, error) {
	provider := strings.ToLower(cfg.Structurer.Provider)

	switch provider {
	case "", "deterministic":
		return NewDeterministic(), nil
	case "ollama":
		if err := cfg.Structurer.Validate(); err != nil {
			return nil, err
		}
		return NewModel(cfg, extractor, log, TransportNative), nil
	case "openai":
		if err := cfg.Structurer.Validate(); err != nil {
			return nil, err
		}
		return NewModel(cfg, extractor, log, TransportChat), nil
	default:
		return nil, fmt.Errorf("unknown structurer provider %q", cfg.Structurer.Provider)
	}
}
