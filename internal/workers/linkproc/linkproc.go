// Package linkproc enriches saved links with the configured processors.
package linkproc

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"stashd/internal/domain"
	"stashd/internal/eventbus"
	"stashd/internal/task"
	logx "stashd/pkg/logx"
)

const Name = "link_processor"

var ErrNoProcessor = errors.New("no processor matches link")

// Request is one of PersistRequest, SuggestRequest or ActiveCheckRequest.
type Request interface {
	linkRequest()
}

// PersistRequest enriches an entry and stores the result.
type PersistRequest struct {
	EntryID int64
}

// SuggestRequest reads metadata for a URL without storing anything.
type SuggestRequest struct {
	URL    string
	Result *task.Completion[domain.Suggestion]
}

// ActiveCheckRequest reports whether every processor initializes.
type ActiveCheckRequest struct {
	Result *task.Completion[bool]
}

func (PersistRequest) linkRequest()     {}
func (SuggestRequest) linkRequest()     {}
func (ActiveCheckRequest) linkRequest() {}

type Deps struct {
	Entries    domain.EntryStore
	Resources  domain.ResourceStore
	Audit      domain.AuditLog
	Notifier   domain.Notifier
	Processors []domain.Processor

	// DataDir holds tmp/ and resources/.
	DataDir string
	// Scrape runs each processor's Scrape after Enrich.
	Scrape bool

	Log   logx.Logger
	Bus   eventbus.Bus
	Clock clockwork.Clock
}

type Worker struct {
	*task.Runner[Request]

	entries    domain.EntryStore
	resources  domain.ResourceStore
	audit      domain.AuditLog
	notifier   domain.Notifier
	processors []domain.Processor
	dataDir    string
	scrape     bool
}

func New(d Deps) *Worker {
	w := &Worker{
		entries:    d.Entries,
		resources:  d.Resources,
		audit:      d.Audit,
		notifier:   d.Notifier,
		processors: d.Processors,
		dataDir:    d.DataDir,
		scrape:     d.Scrape,
	}
	w.Runner = task.NewRunner(task.Config[Request]{
		Name:  Name,
		Log:   d.Log,
		Bus:   d.Bus,
		Clock: d.Clock,
	}, w.run)
	return w
}

// TmpDir is where processors write artifacts before they are migrated.
func (w *Worker) TmpDir() string { return filepath.Join(w.dataDir, "tmp") }

// ResourceDir is the permanent home of an entry's generated resources.
func (w *Worker) ResourceDir(entryID int64) string {
	return filepath.Join(w.dataDir, "resources", fmt.Sprint(entryID))
}

func (w *Worker) run(ctx context.Context, req Request) error {
	switch r := req.(type) {
	case PersistRequest:
		return w.persist(ctx, r.EntryID)
	case SuggestRequest:
		defer r.Result.Fail(errors.New("suggest request abandoned"))
		s, err := w.suggest(ctx, r.URL)
		if err != nil {
			r.Result.Fail(err)
			return nil
		}
		r.Result.Complete(s)
		return nil
	case ActiveCheckRequest:
		defer r.Result.Fail(errors.New("active check abandoned"))
		r.Result.Complete(w.activeCheck(ctx))
		return nil
	default:
		return fmt.Errorf("unknown link request %T", req)
	}
}

func (w *Worker) matching(u *url.URL) []domain.Processor {
	var out []domain.Processor
	for _, p := range w.processors {
		if p.Match(u) {
			out = append(out, p)
		}
	}
	return out
}

func (w *Worker) persist(ctx context.Context, id int64) error {
	log := w.Logger().With(logx.Int64("entry", id))
	entry, err := w.entries.Entry(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		log.Debug("entry gone, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load entry %d: %w", id, err)
	}
	if !entry.IsLink() {
		return nil
	}

	props := domain.Properties{}
	title, err := w.process(ctx, entry, props)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("link processing failed", logx.String("url", entry.URL), logx.Err(err))
		w.markDead(ctx, entry, props, err)
		return nil
	}

	stored, err := w.entries.MergeProperties(ctx, id, domain.PropertyPatch{
		Set:    props,
		Remove: []string{domain.PropDead},
		Title:  title,
	})
	if err != nil {
		log.Warn("store enrichment failed", logx.Err(err))
		w.markDead(ctx, entry, props, err)
		return nil
	}
	entry = stored
	w.record(ctx, entry, domain.AuditLinkProcessed, "link processed", domain.LevelSuccess, "Link processed")
	log.Info("link processed", logx.Int("properties", len(props)))
	return nil
}

// process runs every matching processor and fills props. It returns the
// first non-empty title.
func (w *Worker) process(ctx context.Context, entry domain.Entry, props domain.Properties) (string, error) {
	u, err := url.Parse(entry.URL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	procs := w.matching(u)
	if len(procs) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoProcessor, entry.URL)
	}

	if err := w.clearGenerated(ctx, entry.ID); err != nil {
		return "", err
	}
	tmp := filepath.Join(w.TmpDir(), uuid.NewString())
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return "", err
	}
	defer func() { _ = os.RemoveAll(tmp) }()

	var (
		title     string
		content   []string
		artifacts []domain.Artifact
	)
	collect := func(out domain.Enrichment) {
		if title == "" {
			title = out.Title
		}
		props.Merge(out.Properties)
		if out.Content != "" {
			content = append(content, out.Content)
		}
		artifacts = append(artifacts, out.Artifacts...)
	}
	for _, p := range procs {
		out, err := p.Enrich(ctx, u, tmp)
		if err != nil {
			return title, fmt.Errorf("%s enrich: %w", p.Name(), err)
		}
		collect(out)
		if !w.scrape {
			continue
		}
		out, err = p.Scrape(ctx, u, tmp)
		if err != nil {
			return title, fmt.Errorf("%s scrape: %w", p.Name(), err)
		}
		collect(out)
	}

	resources, err := w.migrate(ctx, entry.ID, artifacts)
	if err != nil {
		return title, err
	}
	for _, r := range resources {
		if r.Kind == domain.ResourceThumbnail {
			if err := props.Set(domain.PropThumbnail, r.ID); err != nil {
				return title, err
			}
			break
		}
	}
	if len(content) > 0 {
		if err := props.Set(domain.PropContent, strings.Join(content, "\n\n")); err != nil {
			return title, err
		}
	}
	return title, nil
}

// clearGenerated drops resources left by an earlier run.
func (w *Worker) clearGenerated(ctx context.Context, entryID int64) error {
	removed, err := w.resources.DeleteGenerated(ctx, entryID)
	if err != nil {
		return fmt.Errorf("clear generated resources: %w", err)
	}
	for _, r := range removed {
		if err := os.Remove(r.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			w.Logger().Warn("remove stale resource failed", logx.String("path", r.Path), logx.Err(err))
		}
	}
	return nil
}

// migrate moves artifacts out of the request's temp dir into the entry's
// resource dir and records them.
func (w *Worker) migrate(ctx context.Context, entryID int64, artifacts []domain.Artifact) ([]domain.Resource, error) {
	if len(artifacts) == 0 {
		return nil, nil
	}
	dir := w.ResourceDir(entryID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	out := make([]domain.Resource, 0, len(artifacts))
	for _, a := range artifacts {
		dst := filepath.Join(dir, filepath.Base(a.Path))
		if err := os.Rename(a.Path, dst); err != nil {
			return out, fmt.Errorf("migrate %s: %w", filepath.Base(a.Path), err)
		}
		r, err := w.resources.AddResource(ctx, domain.Resource{
			EntryID:   entryID,
			Kind:      a.Kind,
			Path:      dst,
			Generated: true,
			CreatedAt: w.Clock().Now(),
		})
		if err != nil {
			return out, fmt.Errorf("record resource: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (w *Worker) markDead(ctx context.Context, entry domain.Entry, partial domain.Properties, cause error) {
	set := partial.Clone()
	if err := set.Set(domain.PropDead, w.Clock().Now().UnixMilli()); err != nil {
		w.Logger().Error("mark dead failed", logx.Err(err))
	}
	stored, err := w.entries.MergeProperties(ctx, entry.ID, domain.PropertyPatch{Set: set})
	if err != nil {
		w.Logger().Warn("store dead link failed", logx.Int64("entry", entry.ID), logx.Err(err))
	} else {
		entry = stored
	}
	w.record(ctx, entry, domain.AuditLinkFailed, cause.Error(), domain.LevelError, "Link processing failed")
}

func (w *Worker) record(ctx context.Context, entry domain.Entry, kind, msg string, level domain.Level, title string) {
	now := w.Clock().Now()
	if err := w.audit.Append(ctx, domain.AuditEvent{EntryID: entry.ID, Kind: kind, Message: msg, At: now}); err != nil {
		w.Logger().Warn("audit append failed", logx.Int64("entry", entry.ID), logx.Err(err))
	}
	body := entry.Title
	if body == "" {
		body = entry.URL
	}
	if level == domain.LevelError {
		body = body + ": " + msg
	}
	if err := w.notifier.Notify(ctx, domain.NewNotification(entry.UserID, entry.ID, level, title, body)); err != nil {
		w.Logger().Warn("notify failed", logx.Int64("entry", entry.ID), logx.Err(err))
	}
}

func (w *Worker) suggest(ctx context.Context, raw string) (domain.Suggestion, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return domain.Suggestion{}, fmt.Errorf("parse url: %w", err)
	}
	procs := w.matching(u)
	if len(procs) == 0 {
		return domain.Suggestion{}, fmt.Errorf("%w: %s", ErrNoProcessor, raw)
	}
	var errs []error
	for _, p := range procs {
		s, err := p.Suggest(ctx, u)
		if err == nil {
			return s, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return domain.Suggestion{}, errors.Join(errs...)
}

func (w *Worker) activeCheck(ctx context.Context) bool {
	ok := true
	for _, p := range w.processors {
		if err := p.Init(ctx); err != nil {
			w.Logger().Warn("processor init failed", logx.String("processor", p.Name()), logx.Err(err))
			ok = false
		}
	}
	return ok
}
