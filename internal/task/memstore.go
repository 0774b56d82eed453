package task

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-local ScheduleStore. Rows do not survive a restart.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[[2]string]ScheduleRow
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: map[[2]string]ScheduleRow{}}
}

func (s *MemoryStore) List(_ context.Context, worker string) ([]ScheduleRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ScheduleRow
	for k, row := range s.rows {
		if k[0] == worker {
			out = append(out, cloneRow(row))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemoryStore) Replace(_ context.Context, worker, key string, next *ScheduleRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := [2]string{worker, key}
	prev, had := s.rows[id]
	delete(s.rows, id)
	if next == nil {
		return nil
	}
	row := cloneRow(*next)
	row.Worker, row.Key = worker, key
	row.LastRun = nil
	if had {
		row.LastRun = prev.LastRun
	}
	s.rows[id] = row
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, worker, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, [2]string{worker, key})
	return nil
}

func (s *MemoryStore) LastRun(_ context.Context, worker, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[[2]string{worker, key}]
	if !ok || row.LastRun == nil {
		return time.Time{}, false, nil
	}
	return *row.LastRun, true, nil
}

func (s *MemoryStore) MarkRun(_ context.Context, worker, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := [2]string{worker, key}
	row, ok := s.rows[id]
	if !ok {
		return nil
	}
	row.LastRun = &at
	s.rows[id] = row
	return nil
}

func (s *MemoryStore) UpdatePayload(_ context.Context, worker, key string, version int, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := [2]string{worker, key}
	row, ok := s.rows[id]
	if !ok {
		return nil
	}
	row.Version = version
	row.Payload = append([]byte(nil), payload...)
	s.rows[id] = row
	return nil
}

// Put stores row as-is, including LastRun.
func (s *MemoryStore) Put(row ScheduleRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[[2]string{row.Worker, row.Key}] = cloneRow(row)
}

// Get returns the row for worker+key.
func (s *MemoryStore) Get(worker, key string) (ScheduleRow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[[2]string{worker, key}]
	return cloneRow(row), ok
}

func cloneRow(r ScheduleRow) ScheduleRow {
	r.Payload = append([]byte(nil), r.Payload...)
	if r.LastRun != nil {
		t := *r.LastRun
		r.LastRun = &t
	}
	return r
}
