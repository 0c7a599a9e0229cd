package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ent0n29/localchat/internal/chat"
	"github.com/ent0n29/localchat/internal/config"
	"github.com/ent0n29/localchat/internal/conversation"
	"github.com/ent0n29/localchat/internal/httpapi"
	"github.com/ent0n29/localchat/internal/llm"
	"github.com/ent0n29/localchat/internal/observability"
	"github.com/ent0n29/localchat/internal/prompt"
	"github.com/ent0n29/localchat/internal/session"
	"github.com/ent0n29/localchat/internal/transcript"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Metrics  *observability.Metrics
	Backend  httpapi.Backend

	// Cleanup should be called on shutdown, after the HTTP server stops. It
	// waits for in-flight archive writes and then releases the DB pool.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	archive, err := transcript.NewArchive(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("transcript archive init failed: %w", err)
	}

	client, err := llm.NewClient(llm.Config{
		Mode:           cfg.LLMClientMode,
		BaseURL:        cfg.LLMBaseURL,
		APIKey:         cfg.LLMAPIKey,
		Model:          cfg.LLMModel,
		Temperature:    cfg.LLMTemperature,
		RequestTimeout: cfg.LLMRequestTimeout,
	})
	if err != nil {
		_ = archive.Close()
		return nil, fmt.Errorf("llm client init failed: %w", err)
	}

	pipeline, err := prompt.New(cfg.ChatPipeline, cfg.ChatSystemPrompt)
	if err != nil {
		_ = archive.Close()
		return nil, fmt.Errorf("prompt pipeline init failed: %w", err)
	}

	backend := httpapi.Backend{
		ClientMode:  clientMode(client),
		ArchiveMode: archiveMode(archive),
	}
	seed := cfg.SeedPrompt()
	pending := &sync.WaitGroup{}

	sessions := session.NewManager(cfg.SessionInactivityTimeout, func(sessionID, userID string) *chat.Loop {
		return chat.NewLoop(conversation.NewState(seed), pipeline, client, chat.Options{
			SessionID:        sessionID,
			UserID:           userID,
			NetworkErrorText: cfg.ChatNetworkErrorText,
			Archive:          archive,
			Pending:          pending,
			Metrics:          metrics,
			Logger:           logger,
		})
	})
	sessions.SetEndedRetention(cfg.SessionRetention)
	api := httpapi.New(cfg, sessions, metrics, logger, backend)
	sessions.SetExpireHook(func(s *session.Session) {
		metrics.ObserveSessionEvent("expired")
		metrics.SetActiveSessions(sessions.ActiveCount())
		api.SessionEnded(s.ID)
		logger.Info().Str("session_id", s.ID).Int("turns", s.TurnCount).Msg("session expired")
	})

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Metrics:  metrics,
		Backend:  backend,
		Cleanup: func() error {
			pending.Wait()
			return archive.Close()
		},
	}, nil
}

func clientMode(c llm.Client) string {
	if _, ok := c.(*llm.MockClient); ok {
		return "mock"
	}
	return "openai"
}

func archiveMode(a transcript.Archive) string {
	if _, ok := a.(*transcript.PostgresArchive); ok {
		return "postgres"
	}
	return "in-memory"
}
