package main

import (
	"context"
	"errors"
	"time"

	"github.com/sufrah/wa-gateway/internal/statemachine"
	"github.com/sufrah/wa-gateway/models"
)

// shutdownGrace bounds how long in-flight HTTP requests get to finish
// after a termination signal before the listener is forced closed.
const shutdownGrace = 10 * time.Second

// errCatalogNotConfigured is returned by unconfiguredCatalog's methods.
// Integrating an upstream merchant catalog and payment gateway is
// explicitly out of scope (spec.md §1 Non-goals) — the state machine
// only ever depends on statemachine.Catalog/OrderGateway, and a real
// deployment supplies its own implementation of those two interfaces in
// place of this stub.
var errCatalogNotConfigured = errors.New("catalog: not configured")

// unconfiguredCatalog satisfies statemachine.Catalog, statemachine.OrderGateway,
// and bootstrap.CatalogWarmer with a single placeholder that always
// reports "not configured", so the gateway starts and routes messages
// correctly up to the point a real merchant integration is wired in.
type unconfiguredCatalog struct{}

var (
	_ statemachine.Catalog      = (*unconfiguredCatalog)(nil)
	_ statemachine.OrderGateway = (*unconfiguredCatalog)(nil)
)

func (c *unconfiguredCatalog) Categories(ctx context.Context, tenantID int) ([]statemachine.CategoryOption, error) {
	return nil, errCatalogNotConfigured
}

func (c *unconfiguredCatalog) Items(ctx context.Context, tenantID int, categoryID string) ([]statemachine.ItemOption, error) {
	return nil, errCatalogNotConfigured
}

func (c *unconfiguredCatalog) Branches(ctx context.Context, tenantID int) ([]statemachine.BranchOption, error) {
	return nil, errCatalogNotConfigured
}

func (c *unconfiguredCatalog) Submit(ctx context.Context, tenantID int, order *models.Order) (string, error) {
	return "", errCatalogNotConfigured
}

// Warm satisfies bootstrap.CatalogWarmer. A merchant catalog that
// isn't configured has nothing to prefetch, so this reports success
// rather than spending the worker's retry budget on a permanent
// failure.
func (c *unconfiguredCatalog) Warm(ctx context.Context, tenantID int, kind string) error {
	return nil
}
