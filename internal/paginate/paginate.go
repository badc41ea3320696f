// Package paginate 는 수집 구간을 API 제한에 맞는 하위 구간으로 쪼개 순차 조회한다.
package paginate

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/dataset"
	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/plan"
)

const (
	defaultMaxDaysPerRequest = 100
	defaultDelay             = 200 * time.Millisecond
)

// FetchFunc retrieves the rows for one instrument over one sub-window.
type FetchFunc func(ctx context.Context, code string, window plan.Range) ([]dataset.Row, error)

// Options controls how a range is split and paced.
type Options struct {
	// MaxDaysPerRequest caps the inclusive span of a single request.
	MaxDaysPerRequest int
	// Delay is the pause between consecutive requests.
	Delay time.Duration
}

// WindowError is a fetch failure for one sub-window.
type WindowError struct {
	Window plan.Range
	Err    error
}

func (e WindowError) Error() string {
	return fmt.Sprintf("구간 %s 조회 실패: %v", e.Window, e.Err)
}

func (e WindowError) Unwrap() error { return e.Err }

// Result carries everything a paginated run produced, including rows
// gathered before any window failed.
type Result struct {
	Rows    []dataset.Row
	Windows []plan.Range
	Failed  []WindowError
}

// Partial reports whether some windows succeeded while others failed.
func (r Result) Partial() bool {
	return len(r.Failed) > 0 && len(r.Windows) > 0
}

// AllFailed reports whether every attempted window failed.
func (r Result) AllFailed() bool {
	return len(r.Failed) > 0 && len(r.Windows) == 0
}

// Split cuts r into contiguous chronological sub-windows of at most
// maxDays days each. Adjacent windows never overlap.
func Split(r plan.Range, maxDays int) ([]plan.Range, error) {
	if maxDays <= 0 {
		return nil, fmt.Errorf("요청당 최대 일수는 1 이상이어야 함: %d", maxDays)
	}
	if r.IsZero() || r.End.Before(r.Start) {
		return nil, fmt.Errorf("잘못된 수집 구간: %s", r)
	}

	var windows []plan.Range
	start := r.Start
	for !start.After(r.End) {
		end := start.AddDate(0, 0, maxDays-1)
		if end.After(r.End) {
			end = r.End
		}
		windows = append(windows, plan.Range{Start: start, End: end})
		start = end.AddDate(0, 0, 1)
	}
	return windows, nil
}

// Paginator runs windowed fetches sequentially with a fixed pacing delay.
type Paginator struct {
	opts   Options
	logger zerolog.Logger
}

// New creates a Paginator, falling back to defaults for unset options.
func New(opts Options, logger zerolog.Logger) *Paginator {
	if opts.MaxDaysPerRequest <= 0 {
		opts.MaxDaysPerRequest = defaultMaxDaysPerRequest
	}
	if opts.Delay < 0 {
		opts.Delay = defaultDelay
	}
	return &Paginator{
		opts:   opts,
		logger: logger.With().Str("component", "paginate").Logger(),
	}
}

// Collect fetches r window by window in chronological order. A failed
// window is recorded and the run continues with the next one, so one bad
// request does not throw away the rest. Only context cancellation stops
// the run early; the rows gathered so far are still returned.
func (p *Paginator) Collect(ctx context.Context, code string, r plan.Range, fetch FetchFunc) (Result, error) {
	var res Result

	windows, err := Split(r, p.opts.MaxDaysPerRequest)
	if err != nil {
		return res, err
	}

	p.logger.Debug().
		Str("code", code).
		Str("range", r.String()).
		Int("windows", len(windows)).
		Msg("구간 분할 완료")

	for i, window := range windows {
		if i > 0 && p.opts.Delay > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(p.opts.Delay):
			}
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		rows, err := fetch(ctx, code, window)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			p.logger.Warn().
				Err(err).
				Str("code", code).
				Str("window", window.String()).
				Msg("구간 조회 실패, 다음 구간 계속")
			res.Failed = append(res.Failed, WindowError{Window: window, Err: err})
			continue
		}

		res.Rows = append(res.Rows, rows...)
		res.Windows = append(res.Windows, window)
		p.logger.Debug().
			Str("code", code).
			Str("window", window.String()).
			Int("rows", len(rows)).
			Msg("구간 조회 완료")
	}

	return res, nil
}
