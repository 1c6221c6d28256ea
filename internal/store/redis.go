package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/perp-engine/internal/margin"
	"github.com/atmx/perp-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Commit(ctx context.Context, cs *model.ChangeSet) error {
	if err := s.primary.Commit(ctx, cs); err != nil {
		return err
	}

	keys := make([]string, 0, len(cs.Vaults)+2*len(cs.Entries))
	for _, v := range cs.Vaults {
		keys = append(keys, vaultKey(v.ID))
	}
	for _, e := range cs.Entries {
		keys = append(keys, accountLedgerKey(e.Account), ownerLedgerKey(e.Owner))
	}
	if len(keys) > 0 {
		// Invalidate; next read will re-populate.
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetVault(ctx context.Context, id string) (*margin.Vault, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, vaultKey(id)).Bytes()
	if err == nil {
		var v margin.Vault
		if json.Unmarshal(data, &v) == nil {
			return &v, nil
		}
	}

	// Cache miss: read from primary.
	v, err := s.primary.GetVault(ctx, id)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, vaultKey(id), data, s.ttl)
	}
	return v, nil
}

func (s *CachedStore) GetLedgerEntriesByAccount(ctx context.Context, account string) ([]model.LedgerEntry, error) {
	return s.cachedEntries(ctx, accountLedgerKey(account), func() ([]model.LedgerEntry, error) {
		return s.primary.GetLedgerEntriesByAccount(ctx, account)
	})
}

func (s *CachedStore) GetLedgerEntriesByOwner(ctx context.Context, owner string) ([]model.LedgerEntry, error) {
	return s.cachedEntries(ctx, ownerLedgerKey(owner), func() ([]model.LedgerEntry, error) {
		return s.primary.GetLedgerEntriesByOwner(ctx, owner)
	})
}

// --- Passthrough (not cached) ---

func (s *CachedStore) LoadState(ctx context.Context) (*model.State, error) {
	return s.primary.LoadState(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cachedEntries(ctx context.Context, key string, load func() ([]model.LedgerEntry, error)) ([]model.LedgerEntry, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var entries []model.LedgerEntry
		if json.Unmarshal(data, &entries) == nil {
			return entries, nil
		}
	}

	entries, err := load()
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(entries); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return entries, nil
}

func vaultKey(id string) string          { return fmt.Sprintf("vault:%s", id) }
func accountLedgerKey(id string) string  { return fmt.Sprintf("ledger:account:%s", id) }
func ownerLedgerKey(owner string) string { return fmt.Sprintf("ledger:owner:%s", owner) }
