package llm

import (
	"context"
	"fmt"

	"github.com/RichardoC/kisan-dost/internal/config"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

// NewBackend builds the configured model backend.
func NewBackend(ctx context.Context, cfg config.GeminiConfig, logger *zap.Logger) (Backend, error) {
	prompts, err := LoadCatalog(cfg.PromptsFile)
	if err != nil {
		return nil, err
	}

	opts := []Option{WithHistoryLimit(cfg.HistoryTokens)}

	switch cfg.Backend {
	case config.BackendGenAI:
		return NewGenAI(ctx, &genai.ClientConfig{
			APIKey:  cfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		}, cfg.Model, prompts, logger, opts...)
	case config.BackendVertex:
		return NewGenAI(ctx, &genai.ClientConfig{
			Project:  cfg.Project,
			Location: cfg.Location,
			Backend:  genai.BackendVertexAI,
		}, cfg.Model, prompts, logger, opts...)
	case config.BackendLangchain, "":
		return New(cfg.BaseURL, cfg.APIKey, cfg.Model, prompts, logger, opts...)
	default:
		return nil, fmt.Errorf("unknown gemini backend %q", cfg.Backend)
	}
}
