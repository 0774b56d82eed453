// Package sources finds discussions about a link on remote sites.
package sources

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"

	"stashd/internal/domain"
	logx "stashd/pkg/logx"
)

// Error is a failed call to a discussion source. Status is 0 for transport
// failures.
type Error struct {
	Source string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Source, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Source, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could succeed.
func (e *Error) Retryable() bool {
	return e.Status == 0 || e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Source is one discussion site.
type Source interface {
	Name() string
	Find(ctx context.Context, link string) ([]domain.Discussion, error)
}

type ClientConfig struct {
	UserAgent string
	Timeout   time.Duration
	// Retries bounds attempts after the first one. Negative disables retries.
	Retries      int
	RetryInitial time.Duration
}

// Client is the shared HTTP client of all sources.
type Client struct {
	rc  *resty.Client
	cfg ClientConfig
	log logx.Logger
}

func NewClient(cfg ClientConfig, log logx.Logger) *Client {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "stashd/1.0"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Retries == 0 {
		cfg.Retries = 3
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 500 * time.Millisecond
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	rc := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", cfg.UserAgent).
		SetHeader("Accept", "application/json")
	return &Client{rc: rc, cfg: cfg, log: log.With(logx.String("comp", "sources"))}
}

// getJSON decodes a 2xx JSON response into out. Transport errors, 429 and
// 5xx are retried with exponential backoff; other statuses fail at once.
func (c *Client) getJSON(ctx context.Context, source, url string, query map[string]string, out any) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.RetryInitial
	var policy backoff.BackOff = eb
	if c.cfg.Retries > 0 {
		policy = backoff.WithMaxRetries(eb, uint64(c.cfg.Retries))
	} else {
		policy = &backoff.StopBackOff{}
	}

	op := func() error {
		resp, err := c.rc.R().
			SetContext(ctx).
			SetQueryParams(query).
			SetResult(out).
			Get(url)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return &Error{Source: source, Err: err}
		}
		if resp.IsError() {
			e := &Error{Source: source, Status: resp.StatusCode(), Err: errors.New(http.StatusText(resp.StatusCode()))}
			if !e.Retryable() {
				return backoff.Permanent(e)
			}
			return e
		}
		return nil
	}
	return backoff.RetryNotify(op, backoff.WithContext(policy, ctx), func(err error, d time.Duration) {
		c.log.Debug("source retry", logx.String("source", source), logx.Err(err), logx.Duration("in", d))
	})
}

// Sort orders discussions newest first, then by comment count.
func Sort(ds []domain.Discussion) {
	sort.SliceStable(ds, func(i, j int) bool {
		if !ds[i].CreatedAt.Equal(ds[j].CreatedAt) {
			return ds[i].CreatedAt.After(ds[j].CreatedAt)
		}
		return ds[i].Comments > ds[j].Comments
	})
}
