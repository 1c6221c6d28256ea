// Package store defines the persistence interface for the perp engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/perp-engine/internal/margin"
	"github.com/atmx/perp-engine/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Engine state ---

	// Commit atomically persists the state touched by one engine operation
	// together with its ledger entries.
	Commit(ctx context.Context, cs *model.ChangeSet) error

	// LoadState returns the last committed state, or ErrNotFound on an
	// empty store.
	LoadState(ctx context.Context) (*model.State, error)

	// GetVault retrieves a vault by its ID.
	GetVault(ctx context.Context, id string) (*margin.Vault, error)

	// --- Immutable ledger ---

	// GetLedgerEntriesByAccount returns all entries of a vault or LP position.
	GetLedgerEntriesByAccount(ctx context.Context, account string) ([]model.LedgerEntry, error)

	// GetLedgerEntriesByOwner returns all entries of an owner.
	GetLedgerEntriesByOwner(ctx context.Context, owner string) ([]model.LedgerEntry, error)
}
