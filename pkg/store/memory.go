package store

import (
	"context"
	"sync"
	"time"

	"github.com/harun/banca/pkg/roster"
)

// MemoryStore keeps everything in process memory. State is lost on exit.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*Checkpoint
	active      map[string]roster.ID
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: make(map[string]*Checkpoint),
		active:      make(map[string]roster.ID),
	}
}

func (s *MemoryStore) Backend() string { return "memory" }

func (s *MemoryStore) Load(ctx context.Context, threadID string) (*Checkpoint, error) {
	if err := ValidateThreadID(threadID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	return cp.Clone(), nil
}

func (s *MemoryStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := prepareSave(cp); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.ThreadID] = cp.Clone()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, threadID string) error {
	if err := ValidateThreadID(threadID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, threadID)
	delete(s.active, threadID)
	return nil
}

func (s *MemoryStore) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, cp := range s.checkpoints {
		if cp.UpdatedAt.Before(cutoff) {
			delete(s.checkpoints, id)
			delete(s.active, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) GetActiveAgent(ctx context.Context, threadID string) (roster.ID, error) {
	if err := ValidateThreadID(threadID); err != nil {
		return roster.Unknown, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, ok := s.active[threadID]
	if !ok {
		return roster.Unknown, nil
	}
	return agent, nil
}

func (s *MemoryStore) SetActiveAgent(ctx context.Context, threadID string, agent roster.ID) error {
	if err := ValidateThreadID(threadID); err != nil {
		return err
	}
	if err := validateAgent(agent); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[threadID] = agent
	return nil
}

func (s *MemoryStore) Close() error { return nil }
