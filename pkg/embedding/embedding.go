// Package embedding provides text embedding providers.
package embedding

import (
	"context"
	"fmt"

	"docsense-go/internal/config"
)

// Provider turns text into fixed-dimension vectors.
// EmbedBatch returns exactly one vector per input, in input order.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	ModelName() string
}

// NewProvider creates the provider selected by cfg.Provider.
func NewProvider(cfg config.EmbeddingConfig) (Provider, error) {
	switch cfg.Provider {
	case "", "openai":
		return NewClient(cfg)
	case "hash":
		return NewHashProvider(cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}
