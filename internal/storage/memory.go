package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"trainkeeper/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string]model.RunRecord
	order       map[string]int
	epochs      map[string][]model.EpochRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.runs = make(map[string]model.RunRecord)
	s.order = make(map[string]int)
	s.epochs = make(map[string][]model.EpochRecord)
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	if run.ID == "" {
		return errors.New("run id is required")
	}
	if _, ok := s.order[run.ID]; !ok {
		s.order[run.ID] = len(s.order)
	}
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	return run, ok, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]model.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAtUTC == runs[j].StartedAtUTC {
			// Prefer later saved runs for equal timestamps.
			return s.order[runs[i].ID] > s.order[runs[j].ID]
		}
		return runs[i].StartedAtUTC > runs[j].StartedAtUTC
	})
	return runs, nil
}

func (s *MemoryStore) AppendEpoch(_ context.Context, runID string, record model.EpochRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	if runID == "" {
		return errors.New("run id is required")
	}
	s.epochs[runID] = append(s.epochs[runID], record)
	return nil
}

func (s *MemoryStore) GetEpochHistory(_ context.Context, runID string) ([]model.EpochRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.epochs[runID]
	if !ok {
		return nil, false, nil
	}
	copied := make([]model.EpochRecord, len(history))
	copy(copied, history)
	return copied, true, nil
}

var errNotInitialized = errors.New("store is not initialized")
