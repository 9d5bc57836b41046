// Command wa-gateway runs the multi-tenant WhatsApp bot gateway:
// inbound webhook ingestion, idempotent routing, the conversational
// order state machine, and the outbound send pipeline, all wired
// together here. Process config loading (env vars, flags, secrets) is
// an external collaborator's job (spec.md §1); this file only
// constructs components from a Config and starts serving.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/sufrah/wa-gateway/internal/automation"
	"github.com/sufrah/wa-gateway/internal/bootstrap"
	"github.com/sufrah/wa-gateway/internal/eventbus"
	"github.com/sufrah/wa-gateway/internal/idempotency"
	"github.com/sufrah/wa-gateway/internal/manager"
	"github.com/sufrah/wa-gateway/internal/messenger/whatsapp"
	"github.com/sufrah/wa-gateway/internal/outbox"
	"github.com/sufrah/wa-gateway/internal/ratelimit"
	"github.com/sufrah/wa-gateway/internal/session"
	"github.com/sufrah/wa-gateway/internal/statemachine"
	"github.com/sufrah/wa-gateway/internal/store"
	"github.com/sufrah/wa-gateway/internal/tenant"
	"github.com/sufrah/wa-gateway/internal/webhook"
	"github.com/sufrah/wa-gateway/internal/window"
)

func main() {
	cfg := defaultConfig()
	if v := os.Getenv("WA_GATEWAY_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseDSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	cfg.SendToken = os.Getenv("SEND_API_TOKEN")
	cfg.AdminToken = os.Getenv("ADMIN_API_TOKEN")

	logger := log.New(os.Stdout, "wa-gateway: ", log.LstdFlags|log.Lmsgprefix)

	db, err := sqlx.Connect("postgres", cfg.DatabaseDSN)
	if err != nil {
		logger.Fatalf("connect postgres: %v", err)
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	st := store.New(db)
	tenants := tenant.New(db)
	bus := eventbus.New(rdb)
	idem := idempotency.New(rdb).WithTTL(cfg.IdempotencyTTL)
	limiter := ratelimit.New(rdb)
	win := window.New(rdb, st)
	toggle := automation.New(bus)

	waClient := whatsapp.New("", logger)
	mgr := manager.New(cfg.Manager, waClient, st, bus, tenants, limiter, logger)

	sessions := &session.Tracker{Store: st, Tenants: tenants}

	warmer := &unconfiguredCatalog{}
	bw := bootstrap.New(cfg.Bootstrap, st, warmer, logger)

	box := &outbox.Box{Store: st, Manager: mgr, Window: win}

	engine := &statemachine.Engine{
		Store:     st,
		Catalog:   warmer,
		Gateway:   warmer,
		Outbox:    box,
		Bootstrap: bw,
		Window:    win,
		Log:       logger,
	}

	handler := &webhook.Handler{
		Tenants:    tenants,
		Idem:       idem,
		Limiter:    limiter,
		Store:      st,
		Bus:        bus,
		Sessions:   sessions,
		Dispatch:   engine,
		Automation: toggle,
		Outbound:   box,
		Log:        logger,
		SendToken:  cfg.SendToken,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bw.Start(ctx)
	go func() {
		if err := toggle.Listen(ctx); err != nil && ctx.Err() == nil {
			logger.Printf("automation: listen stopped: %v", err)
		}
	}()
	go func() {
		if err := bus.SubscribeInvalidate(ctx, func(ev eventbus.InvalidateEvent) {
			tenants.Invalidate(ev.TenantID)
		}); err != nil && ctx.Err() == nil {
			logger.Printf("tenant: invalidate listener stopped: %v", err)
		}
	}()

	e := echo.New()
	e.HideBanner = true
	handler.RegisterRoutes(e)
	registerAdminRoutes(e, toggle, cfg.AdminToken)

	srv := &http.Server{Addr: cfg.Addr, Handler: e}

	go func() {
		logger.Printf("listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("serve: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown: %v", err)
	}
}
