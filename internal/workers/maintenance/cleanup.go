package maintenance

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"

	"stashd/internal/eventbus"
	"stashd/internal/task"
	logx "stashd/pkg/logx"
)

const CleanupName = "temp_file_cleanup"

type CleanupConfig struct {
	// Dir is scanned for stale sub-directories.
	Dir      string
	MaxAge   time.Duration
	Interval time.Duration
}

// CleanupRequest is the startup request; it carries the config snapshot.
type CleanupRequest struct {
	Dir      string
	MaxAge   time.Duration
	Interval time.Duration
}

type Cleanup struct {
	*task.Runner[CleanupRequest]
}

func NewCleanup(cfg CleanupConfig, log logx.Logger, bus eventbus.Bus, clk clockwork.Clock) *Cleanup {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	c := &Cleanup{}
	c.Runner = task.NewRunner(task.Config[CleanupRequest]{
		Name:  CleanupName,
		Log:   log,
		Bus:   bus,
		Clock: clk,
		Recover: func(context.Context) ([]CleanupRequest, error) {
			return []CleanupRequest{{Dir: cfg.Dir, MaxAge: cfg.MaxAge, Interval: cfg.Interval}}, nil
		},
	}, c.run)
	return c
}

func (c *Cleanup) run(ctx context.Context, req CleanupRequest) error {
	clk := c.Clock()
	for {
		if err := task.Sleep(ctx, clk, req.Interval); err != nil {
			return err
		}
		removed, err := Sweep(req.Dir, req.MaxAge, clk.Now())
		if err != nil {
			c.Logger().Warn("temp cleanup failed", logx.String("dir", req.Dir), logx.Err(err))
			continue
		}
		if removed > 0 {
			c.Logger().Info("temp dirs removed", logx.Int("count", removed), logx.String("dir", req.Dir))
		}
	}
}

// Sweep deletes the sub-directories of dir last modified more than maxAge
// before now. Plain files are left alone. A missing dir is not an error.
func Sweep(dir string, maxAge time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= maxAge {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
