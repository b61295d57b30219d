package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kalambet/driftwatch/internal/storage"
)

// Handler processes one job.
type Handler func(ctx context.Context, job storage.Job) error

// Queue is the job-queue part of *storage.Store.
type Queue interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	SkipJob(ctx context.Context, id, reason string) error
	FailJob(ctx context.Context, id, errMsg string, permanent bool) error
	DeferJob(ctx context.Context, id string, runAfter time.Time, note string) error
	RequeueStuckJobs(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteFinishedJobsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config controls the worker pool.
type Config struct {
	Concurrency     int
	PollInterval    time.Duration
	ClaimTimeout    time.Duration // running jobs older than this are requeued
	RetentionDays   int           // finished jobs older than this are deleted
	CleanupInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	return c
}

// Pool runs registered handlers against the queue.
type Pool struct {
	queue    Queue
	cfg      Config
	logger   *slog.Logger
	mu       sync.RWMutex
	handlers map[string]Handler
	now      func() time.Time
}

func NewPool(q Queue, cfg Config, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		queue:    q,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		handlers: map[string]Handler{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handle registers h for an event name, replacing any earlier handler.
func (p *Pool) Handle(name string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[name] = h
}

func (p *Pool) types() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.handlers))
	for name := range p.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (p *Pool) handler(name string) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[name]
	return h, ok
}

// Run starts the workers and the cleanup loop and blocks until ctx is done
// and every worker has returned.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("job pool starting",
		"concurrency", p.cfg.Concurrency,
		"poll_interval", p.cfg.PollInterval.String(),
		"types", p.types())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.cleanupLoop(ctx)
	}()
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.workerLoop(ctx, worker)
		}(i)
	}
	<-ctx.Done()
	wg.Wait()
	p.logger.Info("job pool stopped")
}

func (p *Pool) workerLoop(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}
		did, err := p.RunOnce(ctx)
		if err != nil {
			p.logger.Error("job iteration failed", "worker", worker, "error", err)
		}
		if did {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// RunOnce claims and processes one due job. It reports whether a job was
// claimed, whatever its outcome.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.queue.ClaimNextJob(ctx, p.types())
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	return true, p.process(ctx, *job)
}

// Drain runs jobs until none are due. Jobs scheduled in the future stay queued.
func (p *Pool) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		did, err := p.RunOnce(ctx)
		if err != nil {
			return n, err
		}
		if !did {
			return n, nil
		}
		n++
	}
}

func (p *Pool) process(ctx context.Context, job storage.Job) error {
	log := p.logger.With("job_id", job.ID, "type", job.Type, "attempt", job.Attempts+1)

	h, ok := p.handler(job.Type)
	if !ok {
		return p.queue.FailJob(ctx, job.ID, "no handler for "+job.Type, true)
	}

	err := p.invoke(ctx, h, job)
	switch {
	case err == nil:
		log.Debug("job completed")
		return p.queue.CompleteJob(ctx, job.ID)

	case isSkip(err):
		reason, _ := SkipReason(err)
		log.Info("job skipped", "reason", reason)
		return p.queue.SkipJob(ctx, job.ID, reason)

	case isDeferred(err):
		d, _ := deferral(err)
		log.Info("job deferred", "reason", d.reason, "delay", d.delay)
		return p.queue.DeferJob(ctx, job.ID, p.now().Add(d.delay), d.reason)

	case isTransient(err):
		log.Warn("job failed, will retry", "error", err)
		return p.queue.FailJob(ctx, job.ID, err.Error(), false)

	case isPermanent(err):
		log.Error("job failed permanently", "error", err)
		return p.queue.FailJob(ctx, job.ID, err.Error(), true)

	case errors.Is(err, storage.ErrNotFound):
		log.Info("job skipped", "reason", "not found", "error", err)
		return p.queue.SkipJob(ctx, job.ID, "not found: "+err.Error())

	default:
		attempts := job.Attempts + 1
		if attempts >= job.MaxAttempts {
			log.Error("job failed, attempts exhausted", "error", err)
		} else {
			log.Warn("job failed, will retry", "error", err)
		}
		return p.queue.FailJob(ctx, job.ID, err.Error(), false)
	}
}

func (p *Pool) invoke(ctx context.Context, h Handler, job storage.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h(ctx, job)
}

func isDeferred(err error) bool {
	_, ok := deferral(err)
	return ok
}

func isSkip(err error) bool {
	_, ok := SkipReason(err)
	return ok
}

func (p *Pool) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Cleanup(ctx)
		}
	}
}

// Cleanup requeues stuck jobs and deletes old finished ones.
func (p *Pool) Cleanup(ctx context.Context) {
	now := p.now()
	if p.cfg.ClaimTimeout > 0 {
		n, err := p.queue.RequeueStuckJobs(ctx, now.Add(-p.cfg.ClaimTimeout))
		if err != nil {
			p.logger.Error("requeueing stuck jobs", "error", err)
		} else if n > 0 {
			p.logger.Info("requeued stuck jobs", "count", n)
		}
	}
	if p.cfg.RetentionDays > 0 {
		n, err := p.queue.DeleteFinishedJobsBefore(ctx, now.AddDate(0, 0, -p.cfg.RetentionDays))
		if err != nil {
			p.logger.Error("deleting finished jobs", "error", err)
		} else if n > 0 {
			p.logger.Info("deleted finished jobs", "count", n)
		}
	}
}
