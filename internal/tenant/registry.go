// Package tenant resolves and caches the Tenant row that owns a given
// WhatsApp destination address, and scopes the database session to it
// for row-level security (spec.md §4.1).
package tenant

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sufrah/wa-gateway/internal/identity"
	"github.com/sufrah/wa-gateway/models"
)

// ErrNotFound is returned when no tenant owns the given destination.
var ErrNotFound = errors.New("tenant: not found")

// ErrInactive is returned when the tenant exists but may not route
// traffic (spec.md §4.1 — PENDING/REJECTED/INACTIVE tenants are
// resolved but rejected, not silently dropped).
var ErrInactive = errors.New("tenant: inactive")

// cacheTTL bounds how stale a cached tenant row may be before a fresh
// lookup is forced, independent of explicit invalidation.
const cacheTTL = 30 * time.Second

type cacheEntry struct {
	tenant    *models.Tenant
	expiresAt time.Time
}

// Registry resolves tenants by canonical destination address, with an
// in-process TTL cache fronting Postgres. Call Invalidate when a
// tenant's credentials or status change so the next lookup is fresh
// (wired to internal/eventbus's admin.invalidate subscription).
type Registry struct {
	db *sqlx.DB

	mu        sync.RWMutex
	byAddr    map[string]cacheEntry
	byID      map[int]cacheEntry
}

// New returns a Registry backed by db.
func New(db *sqlx.DB) *Registry {
	return &Registry{
		db:     db,
		byAddr: make(map[string]cacheEntry),
		byID:   make(map[int]cacheEntry),
	}
}

// ResolveByDestination returns the active tenant whose CanonicalSender
// matches the given destination address. destination need not already
// be canonical; it is normalized before lookup.
func (r *Registry) ResolveByDestination(destination string) (*models.Tenant, error) {
	addr, err := identity.Canonicalize(destination)
	if err != nil {
		return nil, fmt.Errorf("tenant: %w: %v", ErrNotFound, err)
	}

	if t, ok := r.cachedByAddr(addr); ok {
		return checkActive(t)
	}

	var t models.Tenant
	err = r.db.Get(&t, `SELECT * FROM tenants WHERE canonical_sender = $1`, addr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	r.store(&t)
	return checkActive(&t)
}

// Load returns a tenant by ID, using the cache when fresh.
func (r *Registry) Load(id int) (*models.Tenant, error) {
	if t, ok := r.cachedByID(id); ok {
		return t, nil
	}

	var t models.Tenant
	err := r.db.Get(&t, `SELECT * FROM tenants WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	r.store(&t)
	return &t, nil
}

// UpdateCredentials rotates a tenant's provider credentials and
// invalidates the cache so every process picks up the change on its
// next lookup (paired with an eventbus admin.invalidate publish by the
// caller).
func (r *Registry) UpdateCredentials(id int, accountID, authSecret string) error {
	_, err := r.db.Exec(`
		UPDATE tenants
		SET provider_account_id = $1, provider_auth_secret = $2, updated_at = now()
		WHERE id = $3`, accountID, authSecret, id)
	if err != nil {
		return err
	}
	r.Invalidate(id)
	return nil
}

// SetStatus transitions a tenant's status (e.g. Activate/Deactivate)
// and invalidates its cache entry.
func (r *Registry) SetStatus(id int, status string, active bool) error {
	_, err := r.db.Exec(`
		UPDATE tenants SET status = $1, active = $2, updated_at = now() WHERE id = $3`,
		status, active, id)
	if err != nil {
		return err
	}
	r.Invalidate(id)
	return nil
}

// Activate marks a tenant active and routable.
func (r *Registry) Activate(id int) error {
	return r.SetStatus(id, models.TenantStatusActive, true)
}

// Deactivate marks a tenant inactive; ResolveByDestination will return
// ErrInactive for it until reactivated.
func (r *Registry) Deactivate(id int) error {
	return r.SetStatus(id, models.TenantStatusInactive, false)
}

// Invalidate drops any cached entry for the given tenant ID, by both
// ID and (if cached) address keys.
func (r *Registry) Invalidate(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byID[id]; ok {
		delete(r.byAddr, e.tenant.CanonicalSender)
	}
	delete(r.byID, id)
}

// SetDatabaseTenant scopes the current DB session to tenantID for
// row-level security, mirroring the teacher's set_config approach but
// via a parameterized call rather than string formatting.
func (r *Registry) SetDatabaseTenant(tenantID int) error {
	_, err := r.db.Exec(`SELECT set_config('app.current_tenant', $1, false)`, fmt.Sprintf("%d", tenantID))
	return err
}

func checkActive(t *models.Tenant) (*models.Tenant, error) {
	if !t.IsActive() {
		return t, ErrInactive
	}
	return t, nil
}

func (r *Registry) cachedByAddr(addr string) (*models.Tenant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byAddr[addr]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.tenant, true
}

func (r *Registry) cachedByID(id int) (*models.Tenant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.tenant, true
}

func (r *Registry) store(t *models.Tenant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := cacheEntry{tenant: t, expiresAt: time.Now().Add(cacheTTL)}
	r.byAddr[t.CanonicalSender] = e
	r.byID[t.ID] = e
}
