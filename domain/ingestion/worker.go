package ingestion

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/docfoundry/docfoundry/internal/config"
	"github.com/docfoundry/docfoundry/internal/database"
	"github.com/docfoundry/docfoundry/pkg/logger"
)

// Pinger checks database reachability before a claim. *bun.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Worker polls the queue and processes at most one job per tick.
//
// Key properties:
// - At most one tick in flight at a time (reentrancy guard)
// - Waits for the database at startup before the first tick
// - Transient startup errors are absorbed and logged once
// - Graceful shutdown lets the in-flight job finish
// - Stale job recovery on startup
type Worker struct {
	store     Store
	processor *Processor
	pinger    Pinger
	cfg       *config.Config
	log       *slog.Logger

	stopCh    chan struct{}
	stoppedCh chan struct{}
	running   bool
	ticking   bool
	mu        sync.Mutex
	wg        sync.WaitGroup

	// transientLogged suppresses repeated transient error logs until a
	// tick succeeds again
	transientLogged bool

	// Metrics
	claimedCount   int64
	completedTicks int64
	transientCount int64
	metricsMu      sync.RWMutex
}

// NewWorker creates the ingestion worker
func NewWorker(store Store, processor *Processor, pinger Pinger, cfg *config.Config, log *slog.Logger) *Worker {
	return &Worker{
		store:     store,
		processor: processor,
		pinger:    pinger,
		cfg:       cfg,
		log:       log.With(logger.Scope("ingestion.worker")),
	}
}

// Start begins the worker's polling loop
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.stoppedCh = make(chan struct{})
	w.mu.Unlock()

	w.log.Info("ingestion worker starting",
		slog.Duration("poll_interval", w.cfg.Worker.PollInterval()),
		slog.Int("max_attempts", w.cfg.Worker.MaxAttempts))

	// The lifecycle start context is cancelled once startup completes, so
	// the loop runs on its own context and stops via stopCh.
	w.wg.Add(1)
	go w.run(context.Background())

	return nil
}

// Stop gracefully stops the worker, waiting for the in-flight tick
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	w.log.Debug("waiting for ingestion worker to stop...")

	select {
	case <-w.stoppedCh:
		w.log.Info("ingestion worker stopped gracefully")
	case <-ctx.Done():
		w.log.Warn("ingestion worker stop timeout, forcing shutdown")
	}

	return nil
}

// run is the main worker loop
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	defer close(w.stoppedCh)

	// Give the database a chance to come up before the first tick so
	// early claims don't burn job attempts.
	database.WaitForDB(ctx, &w.cfg.Database,
		w.cfg.Worker.DBWaitTimeout(), w.cfg.Worker.DBWaitPoll(), w.log)

	w.recoverStaleJobsOnStartup(ctx)

	ticker := time.NewTicker(w.cfg.Worker.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick claims and processes at most one job. It returns immediately when
// shutting down or when a prior tick is still running.
func (w *Worker) Tick(ctx context.Context) {
	select {
	case <-w.stopCh:
		return
	default:
	}

	w.mu.Lock()
	if w.ticking {
		w.mu.Unlock()
		return
	}
	w.ticking = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.ticking = false
		w.mu.Unlock()
	}()

	// A failed ping before the claim costs nothing; a failed claim after
	// a successful CAS costs a job attempt.
	if w.pinger != nil {
		if err := w.pinger.PingContext(ctx); err != nil {
			w.absorbTransient(err)
			return
		}
	}

	job, err := w.store.ClaimNext(ctx)
	if err != nil {
		if isTransientStartup(err) {
			w.absorbTransient(err)
			return
		}
		w.log.Error("claim failed", logger.Error(err))
		return
	}

	w.metricsMu.Lock()
	w.completedTicks++
	w.metricsMu.Unlock()
	w.clearTransient()

	if job == nil {
		return
	}

	w.metricsMu.Lock()
	w.claimedCount++
	w.metricsMu.Unlock()

	w.processor.Process(ctx, job)
}

func (w *Worker) recoverStaleJobsOnStartup(ctx context.Context) {
	staleAfter := time.Duration(w.cfg.Worker.StaleThresholdMinutes) * time.Minute
	recovered, err := w.store.RecoverStaleJobs(ctx, staleAfter)
	if err != nil {
		w.log.Warn("failed to recover stale jobs on startup", logger.Error(err))
		return
	}
	if recovered > 0 {
		w.log.Info("recovered stale ingestion jobs on startup", slog.Int("count", recovered))
	}
}

func (w *Worker) absorbTransient(err error) {
	w.metricsMu.Lock()
	w.transientCount++
	w.metricsMu.Unlock()

	w.mu.Lock()
	logged := w.transientLogged
	w.transientLogged = true
	w.mu.Unlock()

	if !logged {
		w.log.Warn("database not ready, will keep retrying quietly", logger.Error(err))
	}
}

func (w *Worker) clearTransient() {
	w.mu.Lock()
	w.transientLogged = false
	w.mu.Unlock()
}

// WorkerMetrics is a snapshot of worker counters
type WorkerMetrics struct {
	ClaimedJobs     int64 `json:"claimedJobs"`
	CompletedTicks  int64 `json:"completedTicks"`
	TransientErrors int64 `json:"transientErrors"`
}

// Metrics returns a snapshot of worker counters
func (w *Worker) Metrics() WorkerMetrics {
	w.metricsMu.RLock()
	defer w.metricsMu.RUnlock()
	return WorkerMetrics{
		ClaimedJobs:     w.claimedCount,
		CompletedTicks:  w.completedTicks,
		TransientErrors: w.transientCount,
	}
}

// isTransientStartup classifies errors the worker absorbs without
// consuming a job attempt: the database still starting up or not yet
// accepting connections.
func isTransientStartup(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "57P03" {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "database system is starting up")
}
