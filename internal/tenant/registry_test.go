package tenant

import (
	"testing"

	"github.com/sufrah/wa-gateway/models"
)

func newTestTenant(id int, addr, status string, active bool) *models.Tenant {
	return &models.Tenant{
		ID:              id,
		CanonicalSender: addr,
		Status:          status,
		Active:          active,
	}
}

func TestCheckActive(t *testing.T) {
	active := newTestTenant(1, "+14155550100", models.TenantStatusActive, true)
	if _, err := checkActive(active); err != nil {
		t.Fatalf("expected active tenant to pass, got %v", err)
	}

	inactive := newTestTenant(2, "+14155550101", models.TenantStatusInactive, false)
	if _, err := checkActive(inactive); err != ErrInactive {
		t.Fatalf("expected ErrInactive, got %v", err)
	}
}

func TestCacheStoreAndInvalidate(t *testing.T) {
	r := New(nil)
	tn := newTestTenant(7, "+201001234567", models.TenantStatusActive, true)
	r.store(tn)

	if _, ok := r.cachedByID(7); !ok {
		t.Fatal("expected tenant to be cached by id")
	}
	if _, ok := r.cachedByAddr("+201001234567"); !ok {
		t.Fatal("expected tenant to be cached by address")
	}

	r.Invalidate(7)

	if _, ok := r.cachedByID(7); ok {
		t.Fatal("expected cache entry to be gone after invalidate")
	}
	if _, ok := r.cachedByAddr("+201001234567"); ok {
		t.Fatal("expected address cache entry to be gone after invalidate")
	}
}
