package catalog

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps entries for the lifetime of the process
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

// NewMemoryStore returns an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

// Record stores entry, replacing any earlier entry for the same task
func (s *MemoryStore) Record(ctx context.Context, entry Entry) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	entry, err := prepare(entry, s.now())
	if err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.entries[entry.Handle.TaskID]; ok {
		entry.ID = prev.ID
	}
	s.entries[entry.Handle.TaskID] = entry
	return entry, nil
}

// Get returns the entry for taskID
func (s *MemoryStore) Get(ctx context.Context, taskID string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[taskID]
	if !ok {
		return Entry{}, notFound(taskID)
	}
	entry.Handle = *entry.Handle.Clone()
	return entry, nil
}

// List returns the entries of one run in recording order. An empty runID
// lists everything.
func (s *MemoryStore) List(ctx context.Context, runID string) ([]Entry, error) {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if runID == "" || e.RunID == runID {
			e.Handle = *e.Handle.Clone()
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RecordedAt.Equal(out[j].RecordedAt) {
			return out[i].Handle.TaskID < out[j].Handle.TaskID
		}
		return out[i].RecordedAt.Before(out[j].RecordedAt)
	})
	return out, nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}
