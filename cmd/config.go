package main

import (
	"time"

	"github.com/sufrah/wa-gateway/internal/bootstrap"
	"github.com/sufrah/wa-gateway/internal/manager"
)

// Config is the plain struct of tunables this process wires together
// with. Full env/flag parsing, secret loading, and multi-environment
// config are an external collaborator's job; this carries only the
// defaults spec.md §4/§5 call for, the same way manager.Config and
// bootstrap.Config are plain structs of tunables passed in by whoever
// wires the process together.
type Config struct {
	Addr string

	DatabaseDSN string
	RedisAddr   string

	SendToken string // bearer secret for the outbound send API
	AdminToken string // bearer secret for the admin toggle endpoint

	Manager   manager.Config
	Bootstrap bootstrap.Config

	TenantRateLimitPerMinute  int
	CustomerRateLimitPerMinute int

	IdempotencyTTL time.Duration
}

func defaultConfig() Config {
	return Config{
		Addr:                       ":8080",
		TenantRateLimitPerMinute:   60,
		CustomerRateLimitPerMinute: 20,
		IdempotencyTTL:             24 * time.Hour,
		Manager: manager.Config{
			GlobalConcurrency: 10,
			TenantConcurrency: 5,
			MaxRetries:        2, // spec.md §4.7: up to 3 attempts total
			InitialBackoff:    5 * time.Second,
			MaxBackoff:        30 * time.Second,
		},
		Bootstrap: bootstrap.Config{
			Concurrency:        5,
			PerTenantPerMinute: 20,
			MaxRetries:         3,
			QueueSize:          256,
		},
	}
}
