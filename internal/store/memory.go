package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/atmx/perp-engine/internal/margin"
	"github.com/atmx/perp-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	state   *model.State
	ledger  []model.LedgerEntry
	commits int

	// failNext makes the next Commit fail, for exercising rollbacks.
	failNext error
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// FailNextCommit makes the next Commit return err without applying it.
func (s *MemoryStore) FailNextCommit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// Commits reports how many change sets were applied.
func (s *MemoryStore) Commits() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commits
}

func (s *MemoryStore) Commit(_ context.Context, cs *model.ChangeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}

	if s.state == nil {
		s.state = &model.State{Vaults: make(map[string]*margin.Vault)}
	}
	// Store copies to avoid external mutation.
	if cs.Market != nil {
		s.state.Market = *cs.Market
	}
	for _, p := range cs.Pools {
		s.state.Pools[p.Product] = p.Clone()
	}
	if cs.Netting != nil {
		s.state.Netting = cs.Netting.Clone()
	}
	for _, v := range cs.Vaults {
		s.state.Vaults[v.ID] = v.Clone()
	}
	s.ledger = append(s.ledger, cs.Entries...)
	s.commits++
	return nil
}

func (s *MemoryStore) LoadState(_ context.Context) (*model.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state == nil {
		return nil, ErrNotFound
	}
	out := &model.State{
		Market: s.state.Market,
		Vaults: make(map[string]*margin.Vault, len(s.state.Vaults)),
	}
	for i, p := range s.state.Pools {
		if p != nil {
			out.Pools[i] = p.Clone()
		}
	}
	if s.state.Netting != nil {
		out.Netting = s.state.Netting.Clone()
	}
	for id, v := range s.state.Vaults {
		out.Vaults[id] = v.Clone()
	}
	return out, nil
}

func (s *MemoryStore) GetVault(_ context.Context, id string) (*margin.Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state == nil {
		return nil, fmt.Errorf("vault %s: %w", id, ErrNotFound)
	}
	v, ok := s.state.Vaults[id]
	if !ok {
		return nil, fmt.Errorf("vault %s: %w", id, ErrNotFound)
	}
	return v.Clone(), nil
}

func (s *MemoryStore) GetLedgerEntriesByAccount(_ context.Context, account string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.Account == account {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetLedgerEntriesByOwner(_ context.Context, owner string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.Owner == owner {
			result = append(result, e)
		}
	}
	return result, nil
}
