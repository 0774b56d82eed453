// Package workertest provides in-memory collaborators for worker tests.
package workertest

import (
	"context"
	"sort"
	"sync"

	"stashd/internal/domain"
)

// Entries is an in-memory domain.EntryStore.
type Entries struct {
	mu   sync.Mutex
	rows map[int64]domain.Entry
	// Merges counts successful MergeProperties calls.
	Merges int
	// MergeErr, when set, is consulted before every merge.
	MergeErr func(id int64) error
}

var _ domain.EntryStore = (*Entries)(nil)

func NewEntries(es ...domain.Entry) *Entries {
	s := &Entries{rows: map[int64]domain.Entry{}}
	for _, e := range es {
		s.Put(e)
	}
	return s
}

func (s *Entries) Put(e domain.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Properties == nil {
		e.Properties = domain.Properties{}
	}
	s.rows[e.ID] = e
}

func (s *Entries) Remove(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, id)
}

func (s *Entries) Get(id int64) (domain.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[id]
	if ok {
		e.Properties = e.Properties.Clone()
	}
	return e, ok
}

func (s *Entries) Entry(_ context.Context, id int64) (domain.Entry, error) {
	e, ok := s.Get(id)
	if !ok {
		return domain.Entry{}, domain.ErrNotFound
	}
	return e, nil
}

func (s *Entries) Entries(_ context.Context, ids []int64) ([]domain.Entry, error) {
	var out []domain.Entry
	for _, id := range ids {
		if e, ok := s.Get(id); ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Entries) MergeProperties(_ context.Context, id int64, patch domain.PropertyPatch) (domain.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.MergeErr != nil {
		if err := s.MergeErr(id); err != nil {
			return domain.Entry{}, err
		}
	}
	e, ok := s.rows[id]
	if !ok {
		return domain.Entry{}, domain.ErrNotFound
	}
	e.Properties = patch.Apply(e.Properties)
	if e.Title == "" {
		e.Title = patch.Title
	}
	s.rows[id] = e
	s.Merges++
	e.Properties = e.Properties.Clone()
	return e, nil
}

// Audit records appended events.
type Audit struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (a *Audit) Append(_ context.Context, e domain.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return nil
}

func (a *Audit) Events() []domain.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.AuditEvent(nil), a.events...)
}

// Kinds returns the kind of every recorded event, in order.
func (a *Audit) Kinds() []string {
	var out []string
	for _, e := range a.Events() {
		out = append(out, e.Kind)
	}
	return out
}

// Delivery is one notification handed to Notifier.
type Delivery struct {
	Method       domain.Method
	Notification domain.Notification
}

// Notifier implements domain.Notifier and domain.Deliverer. Fail makes
// Deliver return an error for that method.
type Notifier struct {
	mu   sync.Mutex
	sent []Delivery
	Fail map[domain.Method]error
	// Sent, when set, receives every delivery after it is recorded.
	Sent chan Delivery
}

func (n *Notifier) Notify(ctx context.Context, note domain.Notification) error {
	return n.Deliver(ctx, domain.MethodWeb, note)
}

func (n *Notifier) Deliver(_ context.Context, m domain.Method, note domain.Notification) error {
	n.mu.Lock()
	err := n.Fail[m]
	if err == nil {
		n.sent = append(n.sent, Delivery{Method: m, Notification: note})
	}
	ch := n.Sent
	n.mu.Unlock()
	if err != nil {
		return err
	}
	if ch != nil {
		ch <- Delivery{Method: m, Notification: note}
	}
	return nil
}

func (n *Notifier) Deliveries() []Delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Delivery(nil), n.sent...)
}

// Resources is an in-memory domain.ResourceStore.
type Resources struct {
	mu   sync.Mutex
	seq  int64
	rows []domain.Resource
}

func (r *Resources) Resources(_ context.Context, entryID int64) ([]domain.Resource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Resource
	for _, row := range r.rows {
		if row.EntryID == entryID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r *Resources) AddResource(_ context.Context, res domain.Resource) (domain.Resource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	res.ID = r.seq
	r.rows = append(r.rows, res)
	return res, nil
}

func (r *Resources) DeleteGenerated(_ context.Context, entryID int64) ([]domain.Resource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kept, removed []domain.Resource
	for _, row := range r.rows {
		if row.EntryID == entryID && row.Generated {
			removed = append(removed, row)
			continue
		}
		kept = append(kept, row)
	}
	r.rows = kept
	return removed, nil
}

// Refs is an in-memory domain.RefStore.
type Refs struct {
	mu   sync.Mutex
	refs map[int64][]int64
}

func (r *Refs) ReplaceRefs(_ context.Context, origin int64, targets []int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refs == nil {
		r.refs = map[int64][]int64{}
	}
	if len(targets) == 0 {
		delete(r.refs, origin)
		return nil
	}
	cp := append([]int64(nil), targets...)
	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })
	r.refs[origin] = cp
	return nil
}

func (r *Refs) Targets(origin int64) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.refs[origin]...)
}

// Reminders is an in-memory domain.ReminderStore.
type Reminders struct {
	mu   sync.Mutex
	rows map[int64]domain.Reminder
}

func NewReminders(rs ...domain.Reminder) *Reminders {
	s := &Reminders{rows: map[int64]domain.Reminder{}}
	for _, r := range rs {
		s.Put(r)
	}
	return s
}

func (s *Reminders) Put(r domain.Reminder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[r.ID] = r
}

func (s *Reminders) ActiveReminders(context.Context) ([]domain.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Reminder
	for _, r := range s.rows {
		if r.Status == domain.ReminderActive {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Reminders) Reminder(_ context.Context, id int64) (domain.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return domain.Reminder{}, domain.ErrNotFound
	}
	return r, nil
}

func (s *Reminders) CompleteReminder(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.Status = domain.ReminderCompleted
	s.rows[id] = r
	return nil
}

func (s *Reminders) Status(id int64) domain.ReminderStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[id].Status
}
