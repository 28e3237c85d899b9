package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ent0n29/threadline/internal/brain"
	"github.com/ent0n29/threadline/internal/config"
	"github.com/ent0n29/threadline/internal/eventstream"
	"github.com/ent0n29/threadline/internal/eventstream/kafka"
	"github.com/ent0n29/threadline/internal/eventstream/nop"
	"github.com/ent0n29/threadline/internal/httpapi"
	"github.com/ent0n29/threadline/internal/memory"
	"github.com/ent0n29/threadline/internal/observability"
	"github.com/ent0n29/threadline/internal/session"
	"github.com/ent0n29/threadline/internal/stream"
	"github.com/ent0n29/threadline/internal/turns"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Runner   *turns.Runner
	Metrics  *observability.Metrics
	Events   eventstream.Publisher
	Store    memory.Store

	// Cleanup releases external resources (DB pool, Kafka writer).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	memoryStore, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}
	logger.Info("transcript store ready", "mode", memoryStore.Mode())

	adapter, err := brain.NewAdapter(brain.Config{
		Mode:    cfg.BrainAdapterMode,
		HTTPURL: cfg.BrainHTTPURL,
		Strict:  cfg.BrainHTTPStrict,
	})
	if err != nil {
		_ = memoryStore.Close()
		return nil, fmt.Errorf("brain adapter init failed: %w", err)
	}

	events, err := newEventPublisher(cfg)
	if err != nil {
		_ = memoryStore.Close()
		return nil, fmt.Errorf("event publisher init failed: %w", err)
	}
	if len(cfg.EventsKafkaBrokers) > 0 {
		logger.Info("turn events to kafka", "brokers", cfg.EventsKafkaBrokers, "topic", cfg.EventsKafkaTopic)
	}

	granularity, err := stream.ParseGranularity(cfg.StreamGranularity)
	if err != nil {
		_ = memoryStore.Close()
		_ = events.Close()
		return nil, err
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	hubLogger := logger.With("component", "stream_hub")
	sessions.SetHubFactory(func() *stream.Hub {
		return stream.NewHub(
			stream.WithLogger(hubLogger),
			stream.WithDeliveryHook(metrics.ObserveFanOut),
		)
	})
	sessions.SetExpireHook(func(s *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
		logger.Debug("session expired", "session_id", s.ID)
	})

	runner := turns.NewRunner(turns.Config{
		DefaultGranularity: granularity,
		DefaultStepDelay:   cfg.StreamStepDelay,
		MaxPayloadBytes:    cfg.StreamMaxPayloadBytes,
	}, sessions, adapter, memoryStore, events, metrics, logger.With("component", "turns"))

	api := httpapi.New(cfg, sessions, runner, metrics, logger.With("component", "httpapi"))

	cleanup := func() error {
		return errors.Join(events.Close(), memoryStore.Close())
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Runner:   runner,
		Metrics:  metrics,
		Events:   events,
		Store:    memoryStore,
		Cleanup:  cleanup,
	}, nil
}

func newEventPublisher(cfg config.Config) (eventstream.Publisher, error) {
	if len(cfg.EventsKafkaBrokers) == 0 {
		return nop.NewPublisher(), nil
	}
	return kafka.NewPublisher(kafka.Config{
		Brokers:      cfg.EventsKafkaBrokers,
		Topic:        cfg.EventsKafkaTopic,
		WriteTimeout: 5 * time.Second,
	})
}
