// Package app wires application components and startup helpers.
//
// It provides dependency injection and application initialization.
// The package coordinates between different layers and provides
// a clean application bootstrap process.
package app

import (
	"context"
	"fmt"

	"github.com/rodan32/imgen-orchestrator/internal/registry"
)

// Pinger is the minimal interface for a database pool capable of Ping.
// Satisfied by *pgxpool.Pool; nil when running with the in-memory repository.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BuildReadinessChecks returns the db and fleet readiness checks. The db
// check is a no-op success when pool is nil (in-memory repository mode).
func BuildReadinessChecks(pool Pinger, reg *registry.Registry) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return nil
		}
		return pool.Ping(ctx)
	}
	fleetCheck := func(ctx context.Context) error {
		if reg == nil {
			return fmt.Errorf("fleet registry not configured")
		}
		if len(reg.Healthy()) == 0 {
			return fmt.Errorf("no healthy workers in fleet")
		}
		return nil
	}
	return dbCheck, fleetCheck
}
