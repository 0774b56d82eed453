// Package schedule parses recurrence specs for recurring reminders.
package schedule

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrInvalidSpec = errors.New("invalid schedule")

// Kind describes the normalized kind of a spec string: a cron expression or
// a fixed interval.
type Kind int

const (
	KindCron Kind = iota
	KindInterval
)

// Spec is a parsed spec string.
//
// Supported forms:
//   - Cron: "0 9 * * *", "*/5 * * * *", "0 0 9 * * MON" (seconds optional), "@daily", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
type Spec struct {
	Kind   Kind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm"
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse classifies raw without compiling it. Use Compile to validate cron
// expressions.
func Parse(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, fmt.Errorf("%w: spec required", ErrInvalidSpec)
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Spec{}, fmt.Errorf("%w: cron expression required after 'cron:'", ErrInvalidSpec)
		}
		return Spec{Kind: KindCron, Cron: expr, Source: "cron"}, nil
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseInterval(s[len("every:"):])
	}

	// Whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return Spec{Kind: KindCron, Cron: s, Source: "cron"}, nil
	}
	if reHHMM.MatchString(s) {
		d, err := parseHHMM(s)
		if err != nil {
			return Spec{}, err
		}
		return Spec{Kind: KindInterval, Every: d, Source: "hhmm"}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return Spec{}, fmt.Errorf("%w: interval must be > 0", ErrInvalidSpec)
		}
		return Spec{Kind: KindInterval, Every: d, Source: "duration"}, nil
	}

	return Spec{}, fmt.Errorf(
		"%w: %q (use cron like '0 9 * * *', HH:MM like '02:30', or duration like '55m')",
		ErrInvalidSpec, raw,
	)
}

func parseInterval(v string) (Spec, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return Spec{}, fmt.Errorf("%w: interval required", ErrInvalidSpec)
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMM(v)
		if err != nil {
			return Spec{}, err
		}
		return Spec{Kind: KindInterval, Every: d, Source: "hhmm"}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return Spec{}, fmt.Errorf("%w: interval %q (use HH:MM or Go duration like '55m')", ErrInvalidSpec, v)
	}
	if d <= 0 {
		return Spec{}, fmt.Errorf("%w: interval must be > 0", ErrInvalidSpec)
	}
	return Spec{Kind: KindInterval, Every: d, Source: "duration"}, nil
}

func parseHHMM(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("%w: HH:MM %q", ErrInvalidSpec, v)
	}
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, fmt.Errorf("%w: minutes in %q", ErrInvalidSpec, v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("%w: interval must be > 0", ErrInvalidSpec)
	}
	return d, nil
}

// Schedule yields fire instants in a fixed location.
type Schedule struct {
	spec  Spec
	loc   *time.Location
	sched cron.Schedule
}

// Compile parses raw and binds it to loc (UTC when nil).
func Compile(raw string, loc *time.Location) (*Schedule, error) {
	spec, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.UTC
	}
	out := &Schedule{spec: spec, loc: loc}
	switch spec.Kind {
	case KindCron:
		sched, err := parser.Parse(spec.Cron)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
		}
		out.sched = sched
	default:
		out.sched = cron.Every(spec.Every)
	}
	return out, nil
}

func (s *Schedule) Spec() Spec               { return s.spec }
func (s *Schedule) Location() *time.Location { return s.loc }

// Next returns the first fire instant strictly after now, evaluated in the
// schedule's location.
func (s *Schedule) Next(now time.Time) time.Time {
	return s.sched.Next(now.In(s.loc))
}

// Validate checks a spec and an IANA timezone name ("" means UTC).
func Validate(raw, tz string) error {
	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("%w: timezone %q: %v", ErrInvalidSpec, tz, err)
		}
		loc = l
	}
	_, err := Compile(raw, loc)
	return err
}
