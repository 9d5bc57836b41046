// Package media validates the tenant-namespaced address a media
// message's payload carries. Storing or proxying the binary itself is
// out of scope (spec.md §1 Non-goals) — the gateway only ever needs to
// know that a media address belongs to the tenant asking for it, so
// one conversation's attachment never leaks across to another
// tenant's.
//
// Adapted from the teacher's internal/media/tenant_media.go, which
// namespaced an on-disk upload store by tenant
// (tenants/{id}/media/{filename}) for security boundary reasons
// identical to this package's: the same path shape and the same
// "reject if the prefix doesn't match" validation survive, but every
// method that actually read or wrote bytes (Put/Get/Delete/List/
// Migrate/CleanupTenantFiles) is gone since there is no storage
// backend here to call.
package media

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

// Address builds the canonical tenant-namespaced address for a media
// file name.
func Address(tenantID int, filename string) string {
	return path.Join("tenants", strconv.Itoa(tenantID), "media", filename)
}

// Validate reports whether address is namespaced under tenantID.
func Validate(tenantID int, address string) error {
	if tenantID <= 0 {
		return fmt.Errorf("media: invalid tenant id %d", tenantID)
	}
	expectedPrefix := fmt.Sprintf("tenants/%d/media/", tenantID)
	clean := strings.TrimPrefix(path.Clean(address), "/")
	if !strings.HasPrefix(clean, expectedPrefix) {
		return fmt.Errorf("media: address does not belong to tenant %d", tenantID)
	}
	return nil
}

// ExtractTenant recovers the tenant ID namespacing a media address,
// or an error if the address isn't in the expected shape.
func ExtractTenant(address string) (int, error) {
	parts := strings.Split(path.Clean(strings.TrimPrefix(address, "/")), "/")
	for i, part := range parts {
		if part == "tenants" && i+2 < len(parts) && parts[i+2] == "media" {
			return strconv.Atoi(parts[i+1])
		}
	}
	return 0, fmt.Errorf("media: no tenant id found in address %q", address)
}
