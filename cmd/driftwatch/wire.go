package main

import (
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/driftwatch/internal/api"
	"github.com/kalambet/driftwatch/internal/cache"
	"github.com/kalambet/driftwatch/internal/chunker"
	"github.com/kalambet/driftwatch/internal/config"
	"github.com/kalambet/driftwatch/internal/conflict"
	"github.com/kalambet/driftwatch/internal/engine"
	"github.com/kalambet/driftwatch/internal/evidence"
	"github.com/kalambet/driftwatch/internal/extract"
	"github.com/kalambet/driftwatch/internal/health"
	"github.com/kalambet/driftwatch/internal/impact"
	"github.com/kalambet/driftwatch/internal/jobs"
	"github.com/kalambet/driftwatch/internal/judge"
	"github.com/kalambet/driftwatch/internal/logging"
	"github.com/kalambet/driftwatch/internal/notify"
	"github.com/kalambet/driftwatch/internal/retrieval"
	"github.com/kalambet/driftwatch/internal/sources"
	"github.com/kalambet/driftwatch/internal/storage"
)

// app is the fully wired engine: services, the worker pool with a handler
// for every event, and the HTTP and MCP surfaces.
type app struct {
	store    *storage.Store
	counters *cache.SQL
	pool     *jobs.Pool
	handler  http.Handler
	mcp      *server.MCPServer
}

func newApp(cfg config.Config, store *storage.Store, eng engine.Engine) *app {
	bus := jobs.NewBus(store, nil)
	counters := cache.NewSQL(store)

	ch := chunker.New(chunker.WithMaxChars(cfg.Chunker.MaxChars), chunker.WithOverlap(cfg.Chunker.Overlap))
	embedder := retrieval.NewEmbedder(eng, cfg.Ollama.EmbedModel, cfg.Sources.EmbedBatchSize)
	srcs := sources.NewService(store, bus, ch, embedder, extract.NewRegistry(), sources.Config{MinChars: cfg.Sources.MinChars})

	jdg := judge.New(eng, judge.Config{
		Model:             cfg.Ollama.JudgeModel,
		Timeout:           cfg.Conflict.JudgeTimeout,
		BatchSize:         cfg.Conflict.BatchSize,
		RequestsPerSecond: cfg.Conflict.JudgeRPS,
	})
	detector := conflict.NewDetector(store, bus, jdg, conflict.Config{
		Threshold:     cfg.Conflict.Threshold,
		MinConfidence: cfg.Conflict.MinConfidence,
	})
	propagator := impact.NewPropagator(store, bus, jdg, impact.Config{
		MaxSummaryRetries: cfg.Impact.SummaryMaxRetries,
		SummaryRetryDelay: cfg.Impact.SummaryRetryDelay,
	})
	healthSvc := health.NewService(store, bus, counters, health.Config{
		Cooldown: cfg.Health.Cooldown,
		Weights: health.Weights{
			SourceDrift:      cfg.Health.SourceDrift,
			EvidenceCoverage: cfg.Health.EvidenceCoverage,
			QAPassRate:       cfg.Health.QAPassRate,
			DeliveryFeedback: cfg.Health.DeliveryFeedback,
			SourceAge:        cfg.Health.SourceAge,
		},
	})

	var mailer notify.Mailer = notify.NewLogMailer(logging.New("mailer"))
	if cfg.Notify.WebhookURL != "" {
		mailer = notify.NewWebhookMailer(cfg.Notify.WebhookURL, 0)
	}
	limiter := notify.NewRateLimiter(counters, cfg.Notify.EmailHourlyLimit, time.Hour)
	notifier := notify.NewService(store, bus, limiter, mailer)

	pool := jobs.NewPool(store, jobs.Config{
		Concurrency:   cfg.Jobs.Concurrency,
		PollInterval:  cfg.Jobs.PollInterval,
		ClaimTimeout:  cfg.Jobs.ClaimTimeout,
		RetentionDays: cfg.Jobs.RetentionDays,
	}, logging.New("jobs"))
	pool.Handle(jobs.SourceChunksCreated, srcs.HandleChunksCreated)
	pool.Handle(jobs.SourceChunksEmbedded, detector.HandleChunksEmbedded)
	pool.Handle(jobs.SourceVersionCreated, propagator.HandleVersionCreated)
	pool.Handle(jobs.ImpactSummarize, propagator.HandleSummarize)
	pool.Handle(jobs.HealthRecompute, healthSvc.HandleRecompute)
	pool.Handle(jobs.NotifyImpact, notifier.HandleImpact)
	pool.Handle(jobs.NotifyConflict, notifier.HandleConflict)
	pool.Handle(jobs.NotifyHealth, notifier.HandleHealth)
	pool.Handle(jobs.EmailSend, notifier.HandleEmail)

	searcher := retrieval.NewSearcher(embedder, store)

	return &app{
		store:    store,
		counters: counters,
		pool:     pool,
		handler: api.NewAppHandler(api.AppDeps{
			Store:      store,
			Sources:    srcs,
			Ledger:     evidence.NewLedger(store),
			Propagator: propagator,
			Health:     healthSvc,
			Notify:     notifier,
			Searcher:   searcher,
			Token:      cfg.Server.APIToken,
		}),
		mcp: api.NewMCPServer(api.MCPDeps{
			Store:    store,
			Health:   healthSvc,
			Searcher: searcher,
		}),
	}
}
