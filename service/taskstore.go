package service

import (
	"sort"
	"sync"
	"time"

	"github.com/csiiiv/philgeps-awards-dashboard/model"
)

// TaskStore is the in-memory record of background tasks. Access is safe for
// concurrent readers and writers with last-writer-wins semantics; records
// are advisory, not transactional.
type TaskStore struct {
	mu         sync.RWMutex
	tasks      map[string]*model.TaskRecord
	maxRecords int
}

// NewTaskStore builds a store that keeps at most maxRecords tasks,
// evicting the oldest terminal records first.
func NewTaskStore(maxRecords int) *TaskStore {
	if maxRecords <= 0 {
		maxRecords = 500
	}
	return &TaskStore{
		tasks:      make(map[string]*model.TaskRecord),
		maxRecords: maxRecords,
	}
}

// Put inserts or replaces a task record.
func (s *TaskStore) Put(rec *model.TaskRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.tasks[rec.ID] = &cp
	s.cleanupLocked()
}

// Get returns a copy of the task record.
func (s *TaskStore) Get(id string) (*model.TaskRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// Update applies fn to the stored record under the write lock. Returns
// false when the task is unknown.
func (s *TaskStore) Update(id string, fn func(rec *model.TaskRecord)) (*model.TaskRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	fn(rec)
	rec.UpdatedAt = time.Now()
	cp := *rec
	return &cp, true
}

// List returns copies of all records, newest first.
func (s *TaskStore) List() []model.TaskRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.TaskRecord, 0, len(s.tasks))
	for _, rec := range s.tasks {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Len reports the number of stored records.
func (s *TaskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// cleanupLocked evicts the oldest terminal records over the cap. Running
// tasks are never evicted.
func (s *TaskStore) cleanupLocked() {
	if len(s.tasks) <= s.maxRecords {
		return
	}
	var terminal []*model.TaskRecord
	for _, rec := range s.tasks {
		if rec.State.Terminal() {
			terminal = append(terminal, rec)
		}
	}
	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].CreatedAt.Before(terminal[j].CreatedAt)
	})
	for _, rec := range terminal {
		if len(s.tasks) <= s.maxRecords {
			break
		}
		delete(s.tasks, rec.ID)
	}
}
