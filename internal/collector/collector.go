// Package collector 는 종목별 증분 수집 파이프라인(계획-조회-병합-워터마크)을 실행한다.
package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/alerting"
	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/dataset"
	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/fetcher"
	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/paginate"
	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/plan"
	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/storage"
	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/symbol"
	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/watermark"
)

// Collection feeds. Each feed has its own endpoint, TR ID, and state tree.
const (
	FeedDaily    = "daily"
	FeedMinute   = "minute"
	FeedInvestor = "investor"
)

// Per-instrument outcomes of one run.
const (
	StatusDone      = "DONE"      // already up to date, or upstream had nothing new
	StatusPlanned   = "PLANNED"   // dry-run: range computed, nothing fetched
	StatusPersisted = "PERSISTED" // fetched and merged cleanly
	StatusPartial   = "PARTIAL"   // some windows failed, the rest was merged
	StatusSkipped   = "SKIPPED"   // unrecognized instrument code
	StatusFailed    = "FAILED"    // fetch or persistence failure
)

// Outcome is the result of collecting one instrument.
type Outcome struct {
	Code   string
	Family string
	Status string
	Mode   plan.Mode
	Range  plan.Range
	Merge  dataset.MergeResult
	Failed []paginate.WindowError
	Err    error
}

// Summary aggregates one run across all requested instruments.
type Summary struct {
	RunID     string
	Feed      string
	StartedAt time.Time
	Duration  time.Duration
	Outcomes  []Outcome

	Done      int
	Planned   int
	Persisted int
	Partial   int
	Skipped   int
	Failed    int
}

func (s *Summary) add(o Outcome) {
	s.Outcomes = append(s.Outcomes, o)
	switch o.Status {
	case StatusDone:
		s.Done++
	case StatusPlanned:
		s.Planned++
	case StatusPersisted:
		s.Persisted++
	case StatusPartial:
		s.Partial++
	case StatusSkipped:
		s.Skipped++
	case StatusFailed:
		s.Failed++
	}
}

// Options parameterise one engine instance.
type Options struct {
	Feed              string
	Today             time.Time
	MaxLookbackDays   int
	MaxDaysPerRequest int
	Delay             time.Duration
	ForceFull         bool
	DryRun            bool
	AdvisoryLockKey   int64
}

// Engine orchestrates classification, planning, paginated fetching,
// reconciliation, and watermark advancement.
type Engine struct {
	classifier *symbol.Classifier
	source     fetcher.RowFetcher
	datasets   *dataset.Store
	watermarks *watermark.Store
	paginator  *paginate.Paginator
	mirror     storage.RowMirror
	notifier   alerting.Notifier
	logger     zerolog.Logger

	opts    Options
	locker  storage.AdvisoryLocker
	lockKey int64
}

// New constructs the collection engine. mirror and notifier may be nil.
func New(classifier *symbol.Classifier, source fetcher.RowFetcher, datasets *dataset.Store, watermarks *watermark.Store, mirror storage.RowMirror, notifier alerting.Notifier, opts Options, logger zerolog.Logger) *Engine {
	if opts.Feed == FeedMinute {
		// 분봉 조회는 요청당 단일 날짜만 받는다.
		opts.MaxDaysPerRequest = 1
	}

	var locker storage.AdvisoryLocker
	if l, ok := mirror.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Engine{
		classifier: classifier,
		source:     source,
		datasets:   datasets,
		watermarks: watermarks,
		paginator:  paginate.New(paginate.Options{MaxDaysPerRequest: opts.MaxDaysPerRequest, Delay: opts.Delay}, logger),
		mirror:     mirror,
		notifier:   notifier,
		logger:     logger.With().Str("component", "collector").Logger(),
		opts:       opts,
		locker:     locker,
		lockKey:    opts.AdvisoryLockKey,
	}
}

func (e *Engine) validate() error {
	if e.classifier == nil || e.source == nil || e.datasets == nil || e.watermarks == nil {
		return errors.New("collector 의존성이 비어 있음")
	}
	switch e.opts.Feed {
	case FeedDaily, FeedMinute, FeedInvestor:
	default:
		return fmt.Errorf("알 수 없는 피드: %q", e.opts.Feed)
	}
	if e.opts.MaxDaysPerRequest <= 0 {
		return fmt.Errorf("요청당 최대 일수는 1 이상이어야 함: %d", e.opts.MaxDaysPerRequest)
	}
	return plan.ValidateOptions(plan.Options{
		Today:           e.today(),
		MaxLookbackDays: e.opts.MaxLookbackDays,
		ForceFull:       e.opts.ForceFull,
	})
}

func (e *Engine) today() time.Time {
	if e.opts.Today.IsZero() {
		return plan.Day(time.Now().UTC())
	}
	return plan.Day(e.opts.Today)
}

// Run collects every requested instrument sequentially. Configuration
// problems abort before any instrument is touched; one instrument's
// failure never stops the batch. Only context cancellation ends the run
// early, returning what was collected so far together with ctx.Err().
func (e *Engine) Run(ctx context.Context, codes []string) (Summary, error) {
	summary := Summary{
		RunID:     uuid.NewString(),
		Feed:      e.opts.Feed,
		StartedAt: time.Now().UTC(),
	}
	if err := e.validate(); err != nil {
		return summary, err
	}

	logger := e.logger.With().Str("run_id", summary.RunID).Str("feed", e.opts.Feed).Logger()

	unlock, proceed, err := e.acquireLock(ctx)
	if err != nil {
		return summary, err
	}
	if !proceed {
		logger.Warn().Msg("다른 프로세스가 같은 피드를 수집 중, 이번 실행 건너뜀")
		summary.Duration = time.Since(summary.StartedAt)
		return summary, nil
	}
	if unlock != nil {
		defer unlock()
	}

	logger.Info().
		Int("instruments", len(codes)).
		Time("today", e.today()).
		Bool("force_full", e.opts.ForceFull).
		Bool("dry_run", e.opts.DryRun).
		Msg("수집 시작")

	for _, code := range codes {
		outcome, err := e.collectOne(ctx, logger, summary.RunID, code)
		if err != nil {
			summary.Duration = time.Since(summary.StartedAt)
			return summary, err
		}
		summary.add(outcome)
	}
	summary.Duration = time.Since(summary.StartedAt)

	logger.Info().
		Int("done", summary.Done).
		Int("persisted", summary.Persisted).
		Int("partial", summary.Partial).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Dur("elapsed", summary.Duration).
		Msg("수집 종료")

	if summary.Failed > 0 {
		e.notify(ctx, logger, alerting.Notification{
			RunID:      summary.RunID,
			Feed:       e.opts.Feed,
			Outcome:    StatusFailed,
			Error:      fmt.Sprintf("%d/%d 종목 수집 실패", summary.Failed, len(codes)),
			Failed:     summary.Failed,
			Total:      len(codes),
			OccurredAt: time.Now().UTC(),
		})
	}
	return summary, nil
}

// collectOne runs the full pipeline for a single instrument. The error
// return is reserved for context cancellation; every domain failure is
// folded into the Outcome instead.
func (e *Engine) collectOne(ctx context.Context, logger zerolog.Logger, runID, code string) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	fam, err := e.classifier.Classify(code)
	if err != nil {
		logger.Warn().Err(err).Str("code", code).Msg("미등록 종목, 건너뜀")
		return Outcome{Code: code, Status: StatusSkipped, Err: err}, nil
	}
	log := logger.With().Str("code", code).Str("family", fam.Name).Logger()
	outcome := Outcome{Code: code, Family: fam.Name}

	wm, err := e.watermarks.Get(code)
	if err != nil {
		return e.fail(ctx, log, runID, outcome, err), nil
	}
	var last *time.Time
	if wm != nil {
		t, err := wm.LastDate()
		if err != nil {
			// 손상된 워터마크는 전체 수집으로 복구한다.
			log.Warn().Err(err).Msg("워터마크 날짜 파싱 실패, 전체 수집으로 전환")
		} else if !t.IsZero() {
			last = &t
		}
	}

	planned := plan.Compute(last, plan.Options{
		Today:           e.today(),
		MaxLookbackDays: e.opts.MaxLookbackDays,
		ForceFull:       e.opts.ForceFull,
	})
	outcome.Mode = planned.Mode
	outcome.Range = planned.Range

	if planned.UpToDate {
		log.Info().Msg("이미 최신 상태")
		outcome.Status = StatusDone
		return outcome, nil
	}

	if e.opts.DryRun {
		log.Info().
			Str("range", planned.Range.String()).
			Str("mode", string(planned.Mode)).
			Int("days", planned.Range.Days()).
			Msg("수집 예정 구간 (dry-run)")
		outcome.Status = StatusPlanned
		return outcome, nil
	}

	params := e.classifier.RequestParams(code, fam)
	keyCols := e.keyColumns(fam)

	fetch := func(ctx context.Context, code string, window plan.Range) ([]dataset.Row, error) {
		rows, err := e.source.FetchWindow(ctx, code, params, window)
		if err != nil {
			return nil, err
		}
		if patched := dataset.FillMissingDates(rows, fam.DateColumn, window.End.Format(plan.DayFormat)); patched > 0 {
			log.Warn().Int("rows", patched).Str("window", window.String()).Msg("날짜 누락 행에 구간 종료일 주입")
		}
		if e.opts.Feed == FeedInvestor {
			// 투자자 매매동향 응답에는 시장 구분 컬럼이 없다.
			for _, row := range rows {
				if row["market_code"] == "" {
					row["market_code"] = code
				}
			}
		}
		return rows, nil
	}

	res, err := e.paginator.Collect(ctx, code, planned.Range, fetch)
	if err != nil {
		return Outcome{}, err
	}
	outcome.Failed = res.Failed

	if res.AllFailed() {
		err := fmt.Errorf("전체 %d개 구간 조회 실패: %w", len(res.Failed), res.Failed[0])
		return e.fail(ctx, log, runID, outcome, err), nil
	}

	if len(res.Rows) == 0 {
		if len(res.Failed) > 0 {
			// 성공한 구간이 비어 있고 일부는 실패: 병합할 것이 없으니
			// 워터마크를 그대로 두고 다음 실행이 같은 구간을 다시 본다.
			log.Warn().Int("failed_windows", len(res.Failed)).Msg("수집된 행 없음, 일부 구간 실패")
			outcome.Status = StatusPartial
			e.appendHistory(log, runID, code, outcome)
			return outcome, nil
		}
		log.Info().Str("range", planned.Range.String()).Msg("조회 구간에 새 데이터 없음")
		outcome.Status = StatusDone
		e.appendHistory(log, runID, code, outcome)
		return outcome, nil
	}

	merged, err := e.datasets.Merge(code, res.Rows, keyCols)
	if err != nil {
		return e.fail(ctx, log, runID, outcome, err), nil
	}
	outcome.Merge = merged

	if merged.RowsTotal == 0 {
		log.Warn().Int("fetched", len(res.Rows)).Msg("키 컬럼이 있는 행이 없어 저장 생략")
		outcome.Status = StatusDone
		e.appendHistory(log, runID, code, outcome)
		return outcome, nil
	}

	if e.mirror != nil {
		// 파일이 원본이므로 미러 실패는 경고로만 남긴다.
		if err := e.mirror.UpsertRows(ctx, code, res.Rows, keyCols); err != nil {
			log.Warn().Err(err).Msg("미러 적재 실패")
		}
	}

	advance := e.advanceTarget(planned.Range, res)
	if !advance.IsZero() {
		if err := e.putWatermark(wm, runID, code, planned, merged, advance); err != nil {
			return e.fail(ctx, log, runID, outcome, err), nil
		}
	}

	outcome.Status = StatusPersisted
	if len(res.Failed) > 0 {
		outcome.Status = StatusPartial
	}
	e.appendHistory(log, runID, code, outcome)

	log.Info().
		Str("status", outcome.Status).
		Str("range", planned.Range.String()).
		Int("rows_added", merged.RowsAdded).
		Int("rows_updated", merged.RowsUpdated).
		Int("rows_total", merged.RowsTotal).
		Int("failed_windows", len(res.Failed)).
		Msg("종목 수집 완료")
	return outcome, nil
}

// keyColumns picks the dedup key for the active feed: trading date alone
// for daily feeds, date plus time for the minute feed.
func (e *Engine) keyColumns(fam symbol.Family) []string {
	if e.opts.Feed == FeedMinute && fam.TimeColumn != "" {
		return []string{fam.DateColumn, fam.TimeColumn}
	}
	return []string{fam.DateColumn}
}

// advanceTarget returns the new watermark date: the requested end when
// every window succeeded, otherwise the last day before the first failed
// window. A failure in the first window keeps the watermark untouched.
func (e *Engine) advanceTarget(requested plan.Range, res paginate.Result) time.Time {
	if len(res.Failed) == 0 {
		return requested.End
	}
	firstFailed := res.Failed[0].Window
	if firstFailed.Start.Equal(requested.Start) {
		return time.Time{}
	}
	return firstFailed.Start.AddDate(0, 0, -1)
}

func (e *Engine) putWatermark(prev *watermark.Watermark, runID, code string, planned plan.Result, merged dataset.MergeResult, advance time.Time) error {
	last := advance
	if prev != nil {
		if prevDate, err := prev.LastDate(); err == nil && prevDate.After(last) {
			// 워터마크는 절대 뒤로 가지 않는다.
			last = prevDate
		}
	}

	wm := watermark.Watermark{
		Code:             code,
		Feed:             e.opts.Feed,
		LastIngestedDate: last.Format(plan.DayFormat),
		LastRunAt:        time.Now().UTC(),
		RunID:            runID,
		RowCount:         merged.RowsTotal,
		DateRange: watermark.DateRange{
			Start: planned.Range.Start.Format(plan.DayFormat),
			End:   advance.Format(plan.DayFormat),
		},
		CollectionMode: string(planned.Mode),
	}
	if sum, err := e.datasets.Summarize(code); err == nil {
		wm.DataHash = sum.SHA256
	}
	return e.watermarks.Put(wm)
}

func (e *Engine) appendHistory(log zerolog.Logger, runID, code string, outcome Outcome) {
	entry := watermark.HistoryEntry{
		RunID:     runID,
		RanAt:     time.Now().UTC(),
		Outcome:   outcome.Status,
		Mode:      string(outcome.Mode),
		RowsAdded: outcome.Merge.RowsAdded,
		RowsTotal: outcome.Merge.RowsTotal,
	}
	if !outcome.Range.IsZero() {
		entry.DateRange = watermark.DateRange{
			Start: outcome.Range.Start.Format(plan.DayFormat),
			End:   outcome.Range.End.Format(plan.DayFormat),
		}
	}
	if outcome.Err != nil {
		entry.Error = outcome.Err.Error()
	} else if len(outcome.Failed) > 0 {
		entry.Error = outcome.Failed[0].Error()
	}

	if err := e.watermarks.AppendHistory(code, entry); err != nil {
		log.Warn().Err(err).Msg("수집 이력 기록 실패")
	}
}

// fail marks the instrument FAILED, fires the notifier, and leaves the
// watermark untouched so the next run retries the same range.
func (e *Engine) fail(ctx context.Context, log zerolog.Logger, runID string, outcome Outcome, err error) Outcome {
	outcome.Status = StatusFailed
	outcome.Err = err
	log.Error().Err(err).Msg("종목 수집 실패")
	e.appendHistory(log, runID, outcome.Code, outcome)

	e.notify(ctx, log, alerting.Notification{
		RunID:      runID,
		Feed:       e.opts.Feed,
		Code:       outcome.Code,
		Outcome:    StatusFailed,
		Error:      err.Error(),
		RowsBefore: outcome.Merge.RowsBefore,
		OccurredAt: time.Now().UTC(),
	})
	return outcome
}

func (e *Engine) notify(ctx context.Context, log zerolog.Logger, note alerting.Notification) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, note); err != nil {
		log.Error().Err(err).Str("code", note.Code).Msg("알림 발송 실패")
	}
}

func (e *Engine) acquireLock(ctx context.Context) (func(), bool, error) {
	if e.lockKey == 0 || e.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := e.locker.TryAdvisoryLock(ctx, e.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("어드바이저리 락 획득 실패: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
