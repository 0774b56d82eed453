// Package entryref keeps the entry reference graph in sync with entry bodies.
package entryref

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"github.com/jonboulle/clockwork"

	"stashd/internal/domain"
	"stashd/internal/eventbus"
	"stashd/internal/task"
	logx "stashd/pkg/logx"
)

const Name = "entry_ref"

// ChunkSize bounds one entry lookup.
const ChunkSize = 25

var tokenRe = regexp.MustCompile(`\[\[entry:(\d+)\]\]`)

// Request rebuilds the outbound references of OriginID. Deleted drops them.
type Request struct {
	OriginID int64
	Deleted  bool
}

// Intent is always Update: a deletion still runs, to drop the references.
func (r Request) Intent() task.Intent { return task.Update }

func (r Request) Key() string { return strconv.FormatInt(r.OriginID, 10) }

type Deps struct {
	Entries domain.EntryStore
	Refs    domain.RefStore

	Log   logx.Logger
	Bus   eventbus.Bus
	Clock clockwork.Clock
}

// Worker runs at most one rebuild per origin; a newer request for the same
// origin replaces a pending one.
type Worker struct {
	*task.Keyed[Request]

	entries domain.EntryStore
	refs    domain.RefStore
}

func New(d Deps) *Worker {
	w := &Worker{entries: d.Entries, refs: d.Refs}
	w.Keyed = task.NewKeyed(task.Config[Request]{
		Name:  Name,
		Log:   d.Log,
		Bus:   d.Bus,
		Clock: d.Clock,
	}, w.run)
	return w
}

func (w *Worker) run(ctx context.Context, req Request) error {
	if req.Deleted {
		return w.refs.ReplaceRefs(ctx, req.OriginID, nil)
	}
	origin, err := w.entries.Entry(ctx, req.OriginID)
	if errors.Is(err, domain.ErrNotFound) {
		return w.refs.ReplaceRefs(ctx, req.OriginID, nil)
	}
	if err != nil {
		return fmt.Errorf("load origin %d: %w", req.OriginID, err)
	}

	ids := ParseRefs(origin.Body, origin.ID)
	targets := make([]int64, 0, len(ids))
	for start := 0; start < len(ids); start += ChunkSize {
		end := min(start+ChunkSize, len(ids))
		found, err := w.entries.Entries(ctx, ids[start:end])
		if err != nil {
			return fmt.Errorf("resolve refs of %d: %w", origin.ID, err)
		}
		for _, e := range found {
			targets = append(targets, e.ID)
		}
	}
	if err := w.refs.ReplaceRefs(ctx, origin.ID, targets); err != nil {
		return fmt.Errorf("replace refs of %d: %w", origin.ID, err)
	}
	w.Logger().Debug("refs updated", logx.Int64("origin", origin.ID), logx.Int("tokens", len(ids)), logx.Int("targets", len(targets)))
	return nil
}

// ParseRefs returns the distinct ids of [[entry:<id>]] tokens in body, in
// ascending order, without self.
func ParseRefs(body string, self int64) []int64 {
	seen := map[int64]bool{}
	var out []int64
	for _, m := range tokenRe.FindAllStringSubmatch(body, -1) {
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil || id <= 0 || id == self || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
