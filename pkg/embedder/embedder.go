// Package embedder turns chunk text into dense vectors.
//
// The deterministic implementation is self-contained and used when no
// model backend is configured; the ollama implementation calls a remote
// embedding endpoint. The provider is selected by id through New.
package embedder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.uber.org/fx"

	"github.com/docfoundry/docfoundry/internal/config"
)

// Module provides the configured embedder as an fx module
var Module = fx.Module("embedder",
	fx.Provide(New),
)

// Result is one embedding produced from a piece of text
type Result struct {
	Model      string
	Dimensions int
	Vector     []float64
}

// Embedder converts text into a vector
type Embedder interface {
	Embed(ctx context.Context, text string) (*Result, error)

	// Name returns the provider id
	Name() string
}

// New builds the embedder selected by EMBEDDING_PROVIDER.
// Unknown provider ids and missing transport settings are startup errors.
func New(cfg *config.Config, log *slog.Logger) (Embedder, error) {
	provider := strings.ToLower(cfg.Embedder.Provider)

	switch provider {
	case "", "deterministic":
		return NewDeterministic(), nil
	case "ollama":
		if err := cfg.Embedder.Validate(); err != nil {
			return nil, err
		}
		return NewOllama(cfg, log), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Embedder.Provider)
	}
}
