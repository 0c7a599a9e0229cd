package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
)

// Client turns an ordered message sequence into generated text.
type Client interface {
	Complete(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error)
}

// Config controls client construction.
type Config struct {
	Mode           string
	BaseURL        string
	APIKey         string
	Model          string
	Temperature    float64
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

var ErrEmptyCompletion = errors.New("completion returned no choices")

func NewClient(cfg Config) (Client, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.BaseURL) != "" {
			return NewOpenAIClient(cfg)
		}
		return NewMockClient(), nil
	case "openai":
		if strings.TrimSpace(cfg.BaseURL) == "" {
			return nil, errors.New("llm base url is required for openai mode")
		}
		return NewOpenAIClient(cfg)
	case "mock":
		return NewMockClient(), nil
	default:
		return nil, fmt.Errorf("unsupported llm client mode %q", cfg.Mode)
	}
}
