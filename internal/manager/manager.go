// Package manager runs the outbound send pipeline: a bounded worker
// pool that takes queued messages, places them with the provider, and
// retries transient failures with backoff before giving up to a
// dead letter (spec.md §4.7). It keeps the teacher's pipe/worker shape
// from its campaign engine — atomic counters and channel-fed
// workers — but the unit of work here is one outbound
// message rather than a campaign batch, and ordering is enforced per
// {tenant,conversation} instead of per campaign.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/paulbellamy/ratecounter"

	"github.com/sufrah/wa-gateway/internal/eventbus"
	"github.com/sufrah/wa-gateway/internal/ratelimit"
	"github.com/sufrah/wa-gateway/models"
)

// Sender places one message with the outbound provider, returning its
// provider-assigned message ID on success. internal/messenger/whatsapp.Client
// satisfies this.
type Sender interface {
	Send(ctx context.Context, t *models.Tenant, toAddress string, msg *models.Message) (string, error)
}

// TenantLoader resolves a tenant by ID. internal/tenant.Registry
// satisfies this.
type TenantLoader interface {
	Load(id int) (*models.Tenant, error)
}

// JobStore is the slice of internal/store.Store the worker pool needs
// to drive a job to completion. Narrowing to an interface here (rather
// than depending on *store.Store directly) lets tests exercise the
// retry/dead-letter logic against a fake with no database.
type JobStore interface {
	GetConversation(tenantID int, id int64) (*models.Conversation, error)
	SetMessageProviderID(tenantID int, messageID int64, providerMessageID string) error
	MarkOutboundSent(tenantID int, jobID int64, providerMessageID string) error
	MarkOutboundRetrying(tenantID int, jobID int64, lastError string) error
	MarkOutboundDeadLetter(tenantID int, jobID int64, lastError string) error
}

// OutboundPacer enforces the per-tenant outbound token bucket
// (spec.md §4.7 "outbound token bucket enforces tenant.perMinute").
// internal/ratelimit.Limiter satisfies this; backing it by Redis
// rather than an in-process counter means the pacing budget is shared
// across every worker process handling a tenant's traffic, not just
// the one running this goroutine.
type OutboundPacer interface {
	AllowWithRetryAfter(ctx context.Context, scope ratelimit.Scope, key string, limit int) (bool, time.Duration, error)
}

// classifiableError is satisfied by provider errors that carry an HTTP
// status, letting sendWithRetry classify a failure as terminal or
// transient without importing the concrete provider package
// (internal/messenger/whatsapp.ErrProviderRejected implements it).
type classifiableError interface {
	StatusCode() int
}

// isTerminal reports whether err should dead-letter immediately rather
// than retry. Per spec.md §4.7: retryable is timeout, 5xx, and 429;
// terminal is any other 4xx (invalid recipient, bad request, auth
// failure, etc). Errors with no status code at all (network timeouts,
// dial failures) are treated as transient.
func isTerminal(err error) bool {
	var ce classifiableError
	if !errors.As(err, &ce) {
		return false
	}
	status := ce.StatusCode()
	if status == 429 {
		return false
	}
	return status >= 400 && status < 500
}

// Config tunes the worker pool. Zero values fall back to the spec's
// defaults.
type Config struct {
	GlobalConcurrency int // total in-flight sends across all tenants
	TenantConcurrency int // in-flight sends for any one tenant
	MaxRetries        int // attempts after the first before dead-lettering
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
}

func (c Config) withDefaults() Config {
	if c.GlobalConcurrency <= 0 {
		c.GlobalConcurrency = 10
	}
	if c.TenantConcurrency <= 0 {
		c.TenantConcurrency = 5
	}
	if c.MaxRetries <= 0 {
		// spec.md §4.7: up to 3 attempts total, i.e. 2 retries after the first.
		c.MaxRetries = 2
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 5 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	return c
}

// TenantStats reports a tenant's current send rate and lifetime
// counts, mirroring the teacher's CampStats introspection.
type TenantStats struct {
	SendRate int64
	Sent     int64
	Failed   int64
}

type tenantCounters struct {
	rate   *ratecounter.RateCounter
	sent   atomic.Int64
	failed atomic.Int64
}

// conversationQueue serializes every job for one {tenant,conversation}
// pair through a single goroutine, so a customer's messages always
// leave in the order they were enqueued even though many conversations
// run concurrently.
type conversationQueue struct {
	key  string
	jobs chan *models.OutboundJob
}

// Manager owns the outbound queues and the send concurrency budget.
// One Manager serves every tenant; per-tenant isolation comes from the
// semaphore map and per-tenant rate counters, not from separate
// goroutine pools.
type Manager struct {
	cfg     Config
	sender  Sender
	store   JobStore
	bus     *eventbus.Bus
	tenants TenantLoader
	pacer   OutboundPacer
	log     *log.Logger

	globalSem chan struct{}

	mu        sync.Mutex
	tenantSem map[int]chan struct{}
	queues    map[string]*conversationQueue

	counters sync.Map // tenantID -> *tenantCounters

	deadMu sync.Mutex
	dead   []*models.OutboundJob
}

// New returns a Manager ready to accept Enqueue calls. pacer may be
// nil, in which case no outbound pacing is enforced (used in tests).
func New(cfg Config, sender Sender, st JobStore, bus *eventbus.Bus, tenants TenantLoader, pacer OutboundPacer, logger *log.Logger) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:       cfg,
		sender:    sender,
		store:     st,
		bus:       bus,
		tenants:   tenants,
		pacer:     pacer,
		log:       logger,
		globalSem: make(chan struct{}, cfg.GlobalConcurrency),
		tenantSem: make(map[int]chan struct{}),
		queues:    make(map[string]*conversationQueue),
	}
}

// Enqueue hands a job to its conversation's FIFO sub-queue, starting
// that sub-queue's drain goroutine on first use.
func (m *Manager) Enqueue(job *models.OutboundJob) {
	q := m.queueFor(job)
	q.jobs <- job
}

func (m *Manager) queueFor(job *models.OutboundJob) *conversationQueue {
	key := job.FIFOKey()

	m.mu.Lock()
	q, ok := m.queues[key]
	if !ok {
		q = &conversationQueue{key: key, jobs: make(chan *models.OutboundJob, 256)}
		m.queues[key] = q
		go m.drain(q)
	}
	m.mu.Unlock()

	return q
}

// drain runs every job in q's channel strictly in arrival order. It
// never exits — a conversation can go quiet for hours between orders,
// and the channel simply blocks until the next job arrives.
func (m *Manager) drain(q *conversationQueue) {
	for job := range q.jobs {
		m.runJob(job)
	}
}

// runJob acquires the global and per-tenant send budget, then
// dispatches with retry. Acquiring the semaphores here (rather than
// for the queue's whole lifetime) means an idle conversation holds no
// concurrency budget while it waits for its next message.
func (m *Manager) runJob(job *models.OutboundJob) {
	tenantSem := m.tenantSemaphore(job.TenantID)

	tenantSem <- struct{}{}
	m.globalSem <- struct{}{}
	defer func() {
		<-m.globalSem
		<-tenantSem
	}()

	m.sendWithRetry(job)
}

func (m *Manager) tenantSemaphore(tenantID int) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	sem, ok := m.tenantSem[tenantID]
	if !ok {
		sem = make(chan struct{}, m.cfg.TenantConcurrency)
		m.tenantSem[tenantID] = sem
	}
	return sem
}

func (m *Manager) counterFor(tenantID int) *tenantCounters {
	v, _ := m.counters.LoadOrStore(tenantID, &tenantCounters{rate: ratecounter.NewRateCounter(time.Minute)})
	return v.(*tenantCounters)
}

// waitPacing blocks the current job until tenantID's outbound token
// bucket has room, re-requeuing the wait rather than counting a denial
// as a send attempt (spec.md §4.7: "rate-limit denial: do not count as
// an attempt; requeue with delay = current window remainder + small
// jitter").
func (m *Manager) waitPacing(ctx context.Context, t *models.Tenant) error {
	if m.pacer == nil {
		return nil
	}
	for {
		allowed, retryAfter, err := m.pacer.AllowWithRetryAfter(ctx, ratelimit.ScopeTenantOutbound, strconv.Itoa(t.ID), t.EffectivePerMinute())
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		jitter := time.Duration(rand.Int63n(int64(200 * time.Millisecond)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryAfter + jitter):
		}
	}
}

// sendWithRetry drives one job to SENT or DEAD_LETTER, retrying
// transient provider failures with exponential backoff up to
// cfg.MaxRetries. Terminal provider errors (spec.md §4.7: any 4xx
// other than 429) dead-letter on the first attempt instead of burning
// the retry budget. A tenant or conversation that cannot be loaded
// dead-letters the job before any send attempt, without retrying.
func (m *Manager) sendWithRetry(job *models.OutboundJob) {
	ctx := context.Background()
	counters := m.counterFor(job.TenantID)

	t, err := m.tenants.Load(job.TenantID)
	if err != nil {
		m.deadLetter(job, counters, fmt.Errorf("tenant unavailable: %w", err))
		return
	}

	conv, err := m.store.GetConversation(job.TenantID, job.ConversationID)
	if err != nil {
		m.deadLetter(job, counters, fmt.Errorf("conversation unavailable: %w", err))
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.InitialBackoff
	bo.MaxInterval = m.cfg.MaxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2 // spec.md §4.7: jitter ±20%

	maxAttempts := m.cfg.MaxRetries + 1
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := m.waitPacing(ctx, t); err != nil {
			lastErr = err
			break
		}

		msg := &models.Message{ID: job.MessageID, TenantID: job.TenantID}
		providerID, sendErr := m.sender.Send(ctx, t, conv.CustomerAddress, msg)
		if sendErr == nil {
			m.markSent(ctx, job, providerID, conv, counters)
			return
		}

		lastErr = sendErr

		if isTerminal(sendErr) {
			break
		}

		if attempt < maxAttempts {
			_ = m.store.MarkOutboundRetrying(job.TenantID, job.ID, sendErr.Error())
			time.Sleep(bo.NextBackOff())
		}
	}

	m.deadLetter(job, counters, lastErr)
}

// markSent runs the post-send steps, in order: record the provider
// message ID on the message row, mark the job sent, bump the tenant's
// send counters, and publish message.sent. It does not update the
// conversation's last-message time.
func (m *Manager) markSent(ctx context.Context, job *models.OutboundJob, providerID string, conv *models.Conversation, counters *tenantCounters) {
	if err := m.store.SetMessageProviderID(job.TenantID, job.MessageID, providerID); err != nil && m.log != nil {
		m.log.Printf("manager: send succeeded but failed to record provider id for message %d: %v", job.MessageID, err)
	}
	if err := m.store.MarkOutboundSent(job.TenantID, job.ID, providerID); err != nil && m.log != nil {
		m.log.Printf("manager: failed to mark job %d sent: %v", job.ID, err)
	}

	counters.rate.Incr(1)
	counters.sent.Add(1)

	if m.bus != nil {
		_ = m.bus.PublishEvent(ctx, job.TenantID, eventbus.EventMessageSent, map[string]any{
			"messageId":      job.MessageID,
			"conversationId": conv.ID,
			"providerId":     providerID,
		})
	}
}

func (m *Manager) deadLetter(job *models.OutboundJob, counters *tenantCounters, cause error) {
	counters.failed.Add(1)

	if err := m.store.MarkOutboundDeadLetter(job.TenantID, job.ID, cause.Error()); err != nil && m.log != nil {
		m.log.Printf("manager: failed to dead-letter job %d: %v", job.ID, err)
	}

	m.deadMu.Lock()
	m.dead = append(m.dead, job)
	m.deadMu.Unlock()

	if m.log != nil {
		m.log.Printf("manager: job %d for tenant %d dead-lettered: %v", job.ID, job.TenantID, cause)
	}

	if m.bus != nil {
		_ = m.bus.PublishEvent(context.Background(), job.TenantID, eventbus.EventMessageFailed, map[string]any{
			"messageId":      job.MessageID,
			"conversationId": job.ConversationID,
			"reason":         cause.Error(),
		})
	}
}

// TenantStats reports tenantID's current outbound throughput.
func (m *Manager) TenantStats(tenantID int) TenantStats {
	v, ok := m.counters.Load(tenantID)
	if !ok {
		return TenantStats{}
	}
	c := v.(*tenantCounters)
	return TenantStats{
		SendRate: c.rate.Rate(),
		Sent:     c.sent.Load(),
		Failed:   c.failed.Load(),
	}
}

// DeadLetters returns a snapshot of jobs that exhausted their retries.
func (m *Manager) DeadLetters() []*models.OutboundJob {
	m.deadMu.Lock()
	defer m.deadMu.Unlock()

	out := make([]*models.OutboundJob, len(m.dead))
	copy(out, m.dead)
	return out
}
