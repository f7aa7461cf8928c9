// Package store persists one TokenRecord per environment. The lifecycle
// manager treats a Store as an atomic environment-scoped register; all
// backends implement the same narrow contract so the lifecycle logic is
// identical regardless of backing.
package store

import (
	"context"
	"errors"

	"github.com/Checker-Finance/etrade-adapter/pkg/model"
)

// ErrNotFound is returned by Get when no record exists for the environment.
var ErrNotFound = errors.New("token record not found")

// Store is the credential store contract. Writes are last-writer-wins and
// full-record only; no backend performs partial updates.
type Store interface {
	Get(ctx context.Context, env model.Environment) (*model.TokenRecord, error)
	Put(ctx context.Context, env model.Environment, rec *model.TokenRecord) error
	// HealthCheck verifies the backend is reachable; used by /health.
	HealthCheck(ctx context.Context) error
}
