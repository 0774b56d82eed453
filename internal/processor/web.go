// Package processor holds the link processors the link worker runs.
package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"stashd/internal/domain"
	logx "stashd/pkg/logx"
)

type WebConfig struct {
	UserAgent string
	Timeout   time.Duration
	// MaxBytes caps the downloaded page size. 0 means 5 MiB.
	MaxBytes int64
	// ProbeURL is fetched by Init when set.
	ProbeURL string
}

// Web handles any http(s) link: metadata, thumbnail, readable text.
type Web struct {
	rc  *resty.Client
	cfg WebConfig
	log logx.Logger
}

var _ domain.Processor = (*Web)(nil)

func NewWeb(cfg WebConfig, log logx.Logger) *Web {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0 (compatible; stashd/1.0)"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 5 << 20
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	rc := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", cfg.UserAgent).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(5))
	return &Web{rc: rc, cfg: cfg, log: log.With(logx.String("processor", "web"))}
}

func (w *Web) Name() string { return "web" }

func (w *Web) Match(u *url.URL) bool {
	return u != nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func (w *Web) Init(ctx context.Context) error {
	if w.cfg.ProbeURL == "" {
		return nil
	}
	resp, err := w.rc.R().SetContext(ctx).Head(w.cfg.ProbeURL)
	if err != nil {
		return fmt.Errorf("probe %s: %w", w.cfg.ProbeURL, err)
	}
	if resp.IsError() {
		return fmt.Errorf("probe %s: status %d", w.cfg.ProbeURL, resp.StatusCode())
	}
	return nil
}

func (w *Web) fetch(ctx context.Context, u *url.URL) ([]byte, error) {
	resp, err := w.rc.R().
		SetContext(ctx).
		SetHeader("Accept", "text/html,application/xhtml+xml").
		Get(u.String())
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch %s: status %d", u, resp.StatusCode())
	}
	body := resp.Body()
	if int64(len(body)) > w.cfg.MaxBytes {
		body = body[:w.cfg.MaxBytes]
	}
	ct := strings.ToLower(resp.Header().Get("Content-Type"))
	if ct != "" && !strings.Contains(ct, "html") {
		return nil, fmt.Errorf("fetch %s: unsupported content type %q", u, ct)
	}
	return body, nil
}

// Enrich reads title, description and image, and downloads the image as
// the thumbnail candidate.
func (w *Web) Enrich(ctx context.Context, u *url.URL, tmpDir string) (domain.Enrichment, error) {
	body, err := w.fetch(ctx, u)
	if err != nil {
		return domain.Enrichment{}, err
	}
	p, err := parsePage(bytes.NewReader(body))
	if err != nil {
		return domain.Enrichment{}, fmt.Errorf("parse %s: %w", u, err)
	}

	out := domain.Enrichment{Title: p.Title, Properties: domain.Properties{}}
	if p.Description != "" {
		if err := out.Properties.Set(domain.PropDescription, p.Description); err != nil {
			return out, err
		}
	}
	if p.Image == "" {
		return out, nil
	}
	img, err := u.Parse(p.Image)
	if err != nil {
		w.log.Debug("bad image url", logx.String("image", p.Image), logx.Err(err))
		return out, nil
	}
	if err := out.Properties.Set(domain.PropImage, img.String()); err != nil {
		return out, err
	}
	dst := filepath.Join(tmpDir, "thumbnail"+imageExt(img))
	if err := w.download(ctx, img, dst); err != nil {
		// The page itself was read; a missing thumbnail is not a failure.
		w.log.Warn("thumbnail download failed", logx.String("image", img.String()), logx.Err(err))
		return out, nil
	}
	out.Artifacts = append(out.Artifacts, domain.Artifact{Kind: domain.ResourceThumbnail, Path: dst})
	return out, nil
}

// Scrape stores an HTML snapshot and extracts readable text.
func (w *Web) Scrape(ctx context.Context, u *url.URL, tmpDir string) (domain.Enrichment, error) {
	body, err := w.fetch(ctx, u)
	if err != nil {
		return domain.Enrichment{}, err
	}
	p, err := parsePage(bytes.NewReader(body))
	if err != nil {
		return domain.Enrichment{}, fmt.Errorf("parse %s: %w", u, err)
	}
	dst := filepath.Join(tmpDir, "snapshot.html")
	if err := writeFile(dst, body); err != nil {
		return domain.Enrichment{}, err
	}
	return domain.Enrichment{
		Title:     p.Title,
		Content:   p.Text,
		Artifacts: []domain.Artifact{{Kind: domain.ResourceSnapshot, Path: dst}},
	}, nil
}

func (w *Web) Suggest(ctx context.Context, u *url.URL) (domain.Suggestion, error) {
	body, err := w.fetch(ctx, u)
	if err != nil {
		return domain.Suggestion{}, err
	}
	p, err := parsePage(bytes.NewReader(body))
	if err != nil {
		return domain.Suggestion{}, fmt.Errorf("parse %s: %w", u, err)
	}
	if p.Title == "" {
		return domain.Suggestion{}, errors.New("page has no title")
	}
	return domain.Suggestion{URL: u.String(), Title: p.Title, Description: p.Description, Tags: p.Keywords}, nil
}

func (w *Web) download(ctx context.Context, u *url.URL, dst string) error {
	resp, err := w.rc.R().SetContext(ctx).SetOutput(dst).Get(u.String())
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("status %d", resp.StatusCode())
	}
	return nil
}

func imageExt(u *url.URL) string {
	switch ext := strings.ToLower(path.Ext(u.Path)); ext {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".avif":
		return ext
	default:
		return ".img"
	}
}
