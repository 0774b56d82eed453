package maintenance

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"text/template"
	"time"

	"github.com/jonboulle/clockwork"

	"stashd/internal/domain"
	"stashd/internal/eventbus"
	"stashd/internal/task"
	logx "stashd/pkg/logx"
)

const DigestName = "unread_link_digest"

//go:embed digest.tmpl
var digestText string

var digestTmpl = template.Must(template.New("digest").Funcs(template.FuncMap{
	"linkTitle": func(e domain.Entry) string {
		if e.Title != "" {
			return e.Title
		}
		return e.URL
	},
}).Parse(digestText))

type DigestConfig struct {
	// Location of the weekly Monday 09:00 send. nil means UTC.
	Location *time.Location
	// Links per digest. 0 means 5.
	Links int
	// Every is the gap between digests. 0 means 7 days.
	Every time.Duration
}

type DigestRequest struct {
	Location *time.Location
	Links    int
	Every    time.Duration
}

type Digest struct {
	*task.Runner[DigestRequest]

	source    domain.DigestSource
	deliverer domain.Deliverer
}

func NewDigest(cfg DigestConfig, source domain.DigestSource, deliverer domain.Deliverer, log logx.Logger, bus eventbus.Bus, clk clockwork.Clock) *Digest {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Links <= 0 {
		cfg.Links = 5
	}
	if cfg.Every <= 0 {
		cfg.Every = 7 * 24 * time.Hour
	}
	d := &Digest{source: source, deliverer: deliverer}
	d.Runner = task.NewRunner(task.Config[DigestRequest]{
		Name:  DigestName,
		Log:   log,
		Bus:   bus,
		Clock: clk,
		Recover: func(context.Context) ([]DigestRequest, error) {
			return []DigestRequest{{Location: cfg.Location, Links: cfg.Links, Every: cfg.Every}}, nil
		},
	}, d.run)
	return d
}

func (d *Digest) run(ctx context.Context, req DigestRequest) error {
	clk := d.Clock()
	now := clk.Now()
	first := NextWeekly(now, req.Location, time.Monday, 9)
	d.Logger().Debug("first digest scheduled", logx.Time("at", first))
	if err := task.Sleep(ctx, clk, first.Sub(now)); err != nil {
		return err
	}
	for {
		sent, err := d.SendAll(ctx, req.Links)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.Logger().Warn("digest cycle failed", logx.Err(err))
		} else {
			d.Logger().Info("digests sent", logx.Int("count", sent))
		}
		if err := task.Sleep(ctx, clk, req.Every); err != nil {
			return err
		}
	}
}

// SendAll mails a digest to every eligible recipient and returns how many
// were delivered.
func (d *Digest) SendAll(ctx context.Context, links int) (int, error) {
	users, err := d.source.DigestRecipients(ctx)
	if err != nil {
		return 0, fmt.Errorf("load recipients: %w", err)
	}
	sent := 0
	for _, u := range users {
		if !u.DigestEnabled || u.Email == "" {
			continue
		}
		entries, err := d.source.RandomUnreadLinks(ctx, u.ID, links)
		if err != nil {
			d.Logger().Warn("load unread links failed", logx.Int64("user", u.ID), logx.Err(err))
			continue
		}
		if len(entries) == 0 {
			continue
		}
		body, err := RenderDigest(entries)
		if err != nil {
			return sent, err
		}
		n := domain.NewNotification(u.ID, 0, domain.LevelInfo, "Your unread links", body)
		if err := d.deliverer.Deliver(ctx, domain.MethodEmail, n); err != nil {
			d.Logger().Warn("digest delivery failed", logx.Int64("user", u.ID), logx.Err(err))
			continue
		}
		sent++
	}
	return sent, nil
}

func RenderDigest(links []domain.Entry) (string, error) {
	var buf bytes.Buffer
	if err := digestTmpl.Execute(&buf, struct{ Links []domain.Entry }{links}); err != nil {
		return "", fmt.Errorf("render digest: %w", err)
	}
	return buf.String(), nil
}

// NextWeekly returns the first wd at hour:00 in loc strictly after now.
func NextWeekly(now time.Time, loc *time.Location, wd time.Weekday, hour int) time.Time {
	local := now.In(loc)
	days := (int(wd) - int(local.Weekday()) + 7) % 7
	next := time.Date(local.Year(), local.Month(), local.Day()+days, hour, 0, 0, 0, loc)
	if !next.After(now) {
		next = time.Date(local.Year(), local.Month(), local.Day()+days+7, hour, 0, 0, 0, loc)
	}
	return next
}
