package plan

import (
	"fmt"
	"time"
)

// DayFormat is the canonical calendar-date layout used across stored state.
const DayFormat = "2006-01-02"

// Mode describes how a planned range was derived.
type Mode string

const (
	// ModeFull covers the whole lookback window.
	ModeFull Mode = "full"
	// ModeIncremental continues from an existing watermark.
	ModeIncremental Mode = "incremental"
)

// Range is an inclusive calendar-date interval.
type Range struct {
	Start time.Time
	End   time.Time
}

// Days returns the number of calendar days the range spans, inclusive.
// A zero or inverted range reports zero.
func (r Range) Days() int {
	if r.Start.IsZero() || r.End.Before(r.Start) {
		return 0
	}
	return int(r.End.Sub(r.Start).Hours()/24) + 1
}

// IsZero reports whether the range carries no dates.
func (r Range) IsZero() bool {
	return r.Start.IsZero() && r.End.IsZero()
}

func (r Range) String() string {
	if r.IsZero() {
		return "(empty)"
	}
	return r.Start.Format(DayFormat) + ".." + r.End.Format(DayFormat)
}

// Day truncates t to calendar-date granularity in UTC.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a DayFormat date.
func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(DayFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

// Options tune the planning decision.
type Options struct {
	Today           time.Time
	MaxLookbackDays int
	ForceFull       bool
}

// Result is a planning outcome: either a range to fetch or "already current".
type Result struct {
	Range    Range
	Mode     Mode
	UpToDate bool
}

// Compute decides the date interval still required for one instrument.
// lastIngested is the watermark date, or nil when the instrument was never
// ingested. 워터마크가 미래에 있으면 역전 구간 대신 최신 상태로 처리한다.
func Compute(lastIngested *time.Time, opts Options) Result {
	today := Day(opts.Today)
	full := Result{
		Range: Range{Start: today.AddDate(0, 0, -opts.MaxLookbackDays), End: today},
		Mode:  ModeFull,
	}

	if opts.ForceFull || lastIngested == nil {
		return full
	}

	last := Day(*lastIngested)
	if !last.Before(today) {
		// Covers both "already ingested today" and a future watermark
		// from clock skew or bad data.
		return Result{UpToDate: true, Mode: ModeIncremental}
	}

	// A watermark older than the lookback ceiling would make the
	// incremental range exceed what a full pass covers; resync instead.
	if int(today.Sub(last).Hours()/24) > opts.MaxLookbackDays {
		return full
	}

	start := last.AddDate(0, 0, 1)
	if start.After(today) {
		return Result{UpToDate: true, Mode: ModeIncremental}
	}
	return Result{
		Range: Range{Start: start, End: today},
		Mode:  ModeIncremental,
	}
}

// ValidateOptions rejects limits that indicate a broken invocation.
func ValidateOptions(opts Options) error {
	if opts.MaxLookbackDays <= 0 {
		return fmt.Errorf("max lookback days must be greater than zero")
	}
	return nil
}
