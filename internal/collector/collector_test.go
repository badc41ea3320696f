package collector

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/alerting"
	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/dataset"
	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/plan"
	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/symbol"
	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/watermark"
)

type stubSource struct {
	mu    sync.Mutex
	calls []plan.Range
	fetch func(ctx context.Context, code string, window plan.Range) ([]dataset.Row, error)
}

func (s *stubSource) FetchWindow(ctx context.Context, code string, _ map[string]string, window plan.Range) ([]dataset.Row, error) {
	s.mu.Lock()
	s.calls = append(s.calls, window)
	s.mu.Unlock()
	if s.fetch == nil {
		return nil, nil
	}
	return s.fetch(ctx, code, window)
}

func (s *stubSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note alerting.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return nil
}

func (n *recordingNotifier) all() []alerting.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]alerting.Notification(nil), n.notes...)
}

type testEngine struct {
	engine     *Engine
	source     *stubSource
	notifier   *recordingNotifier
	datasets   *dataset.Store
	watermarks *watermark.Store
}

func newTestEngine(t *testing.T, opts Options) *testEngine {
	t.Helper()

	classifier, err := symbol.NewClassifier(nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("분류기 생성 실패: %v", err)
	}

	dir := t.TempDir()
	source := &stubSource{}
	notifier := &recordingNotifier{}
	datasets := dataset.NewStore(dir, dataset.Options{}, zerolog.Nop())
	watermarks := watermark.NewStore(dir, zerolog.Nop())

	if opts.Feed == "" {
		opts.Feed = FeedDaily
	}
	if opts.Today.IsZero() {
		opts.Today = mustDay(t, "2025-06-20")
	}
	if opts.MaxLookbackDays == 0 {
		opts.MaxLookbackDays = 5
	}
	if opts.MaxDaysPerRequest == 0 {
		opts.MaxDaysPerRequest = 100
	}

	engine := New(classifier, source, datasets, watermarks, nil, notifier, opts, zerolog.Nop())
	return &testEngine{engine: engine, source: source, notifier: notifier, datasets: datasets, watermarks: watermarks}
}

func mustDay(t *testing.T, s string) time.Time {
	t.Helper()
	day, err := plan.ParseDay(s)
	if err != nil {
		t.Fatalf("날짜 파싱 실패: %v", err)
	}
	return day
}

func priceRow(date, price string) dataset.Row {
	return dataset.Row{"stck_bsop_date": date, "futs_prpr": price, "acml_vol": "100"}
}

// rowsForWindow returns one row per calendar day of the window.
func rowsForWindow(window plan.Range) []dataset.Row {
	var rows []dataset.Row
	for d := window.Start; !d.After(window.End); d = d.AddDate(0, 0, 1) {
		rows = append(rows, priceRow(d.Format(plan.DayFormat), "330.50"))
	}
	return rows
}

func TestRunFreshInstrumentFullRange(t *testing.T) {
	te := newTestEngine(t, Options{})
	te.source.fetch = func(_ context.Context, _ string, window plan.Range) ([]dataset.Row, error) {
		return rowsForWindow(window), nil
	}

	summary, err := te.engine.Run(context.Background(), []string{"101V06"})
	if err != nil {
		t.Fatalf("실행 실패: %v", err)
	}
	if summary.Persisted != 1 || len(summary.Outcomes) != 1 {
		t.Fatalf("PERSISTED 1개를 기대: %+v", summary)
	}

	outcome := summary.Outcomes[0]
	if outcome.Status != StatusPersisted || outcome.Mode != plan.ModeFull {
		t.Fatalf("예상 밖의 결과: %+v", outcome)
	}
	if got := outcome.Range.String(); got != "2025-06-15..2025-06-20" {
		t.Fatalf("전체 구간이 아님: %s", got)
	}
	if outcome.Merge.RowsAdded != 6 || outcome.Merge.RowsTotal != 6 {
		t.Fatalf("병합 행 수가 다름: %+v", outcome.Merge)
	}

	wm, err := te.watermarks.Get("101V06")
	if err != nil || wm == nil {
		t.Fatalf("워터마크가 없음: %v", err)
	}
	if wm.LastIngestedDate != "2025-06-20" {
		t.Fatalf("워터마크 날짜가 다름: %s", wm.LastIngestedDate)
	}
	if wm.RunID != summary.RunID || wm.CollectionMode != string(plan.ModeFull) {
		t.Fatalf("워터마크 메타데이터가 다름: %+v", wm)
	}
	if wm.RowCount != 6 || wm.DataHash == "" {
		t.Fatalf("행 수/해시가 기록되지 않음: %+v", wm)
	}

	history, err := te.watermarks.History("101V06")
	if err != nil || len(history) != 1 {
		t.Fatalf("이력 1건을 기대: %v, %d", err, len(history))
	}
	if history[0].Outcome != StatusPersisted || history[0].RowsAdded != 6 {
		t.Fatalf("이력 내용이 다름: %+v", history[0])
	}
}

func TestRunIncrementalFromWatermark(t *testing.T) {
	te := newTestEngine(t, Options{})
	seedWatermark(t, te, "101V06", "2025-06-18")
	te.source.fetch = func(_ context.Context, _ string, window plan.Range) ([]dataset.Row, error) {
		return rowsForWindow(window), nil
	}

	summary, err := te.engine.Run(context.Background(), []string{"101V06"})
	if err != nil {
		t.Fatalf("실행 실패: %v", err)
	}

	if got := te.source.calls[0].String(); got != "2025-06-19..2025-06-20" {
		t.Fatalf("증분 구간이 아님: %s", got)
	}
	if summary.Outcomes[0].Mode != plan.ModeIncremental {
		t.Fatalf("증분 모드를 기대: %+v", summary.Outcomes[0])
	}

	wm, err := te.watermarks.Get("101V06")
	if err != nil || wm == nil {
		t.Fatalf("워터마크가 없음: %v", err)
	}
	if wm.LastIngestedDate != "2025-06-20" {
		t.Fatalf("워터마크가 전진하지 않음: %s", wm.LastIngestedDate)
	}
}

func TestRunUpToDateSkipsFetch(t *testing.T) {
	te := newTestEngine(t, Options{})
	seedWatermark(t, te, "101V06", "2025-06-20")

	summary, err := te.engine.Run(context.Background(), []string{"101V06"})
	if err != nil {
		t.Fatalf("실행 실패: %v", err)
	}
	if summary.Done != 1 {
		t.Fatalf("DONE 1개를 기대: %+v", summary)
	}
	if te.source.callCount() != 0 {
		t.Fatalf("조회가 없어야 함: %d회", te.source.callCount())
	}
}

func TestRunDryRunTouchesNothing(t *testing.T) {
	te := newTestEngine(t, Options{DryRun: true})

	summary, err := te.engine.Run(context.Background(), []string{"101V06"})
	if err != nil {
		t.Fatalf("실행 실패: %v", err)
	}
	if summary.Planned != 1 {
		t.Fatalf("PLANNED 1개를 기대: %+v", summary)
	}
	if got := summary.Outcomes[0].Range.String(); got != "2025-06-15..2025-06-20" {
		t.Fatalf("계획 구간이 다름: %s", got)
	}
	if te.source.callCount() != 0 {
		t.Fatalf("드라이런인데 조회가 실행됨: %d회", te.source.callCount())
	}

	codes, err := te.datasets.Codes()
	if err != nil || len(codes) != 0 {
		t.Fatalf("드라이런인데 데이터셋이 생김: %v %v", codes, err)
	}
	wm, err := te.watermarks.Get("101V06")
	if err != nil || wm != nil {
		t.Fatalf("드라이런인데 워터마크가 생김: %+v", wm)
	}
}

func TestRunSkipsUnknownCode(t *testing.T) {
	te := newTestEngine(t, Options{})

	summary, err := te.engine.Run(context.Background(), []string{"ZZZ999X", "101V06"})
	if err != nil {
		t.Fatalf("실행 실패: %v", err)
	}
	if summary.Skipped != 1 {
		t.Fatalf("SKIPPED 1개를 기대: %+v", summary)
	}
	if !errors.Is(summary.Outcomes[0].Err, symbol.ErrUnknownSymbol) {
		t.Fatalf("미등록 종목 오류를 기대: %v", summary.Outcomes[0].Err)
	}
	// 나머지 종목은 계속 수집된다.
	if len(summary.Outcomes) != 2 {
		t.Fatalf("두 종목 모두 결과가 있어야 함: %d", len(summary.Outcomes))
	}
}

func TestRunPartialFailureStopsWatermarkAtGap(t *testing.T) {
	te := newTestEngine(t, Options{MaxDaysPerRequest: 2})
	te.source.fetch = func(_ context.Context, _ string, window plan.Range) ([]dataset.Row, error) {
		if window.Start.Format(plan.DayFormat) == "2025-06-17" {
			return nil, errors.New("원격 오류")
		}
		return rowsForWindow(window), nil
	}

	summary, err := te.engine.Run(context.Background(), []string{"101V06"})
	if err != nil {
		t.Fatalf("실행 실패: %v", err)
	}
	if summary.Partial != 1 {
		t.Fatalf("PARTIAL 1개를 기대: %+v", summary)
	}
	outcome := summary.Outcomes[0]
	if len(outcome.Failed) != 1 {
		t.Fatalf("실패 구간 1개를 기대: %+v", outcome.Failed)
	}

	// 실패 구간 이후의 행도 파일에는 병합된다.
	sum, err := te.datasets.Summarize("101V06")
	if err != nil || sum.Rows != 4 {
		t.Fatalf("4행을 기대: %+v, %v", sum, err)
	}

	// 워터마크는 첫 공백 직전에 멈춰서 다음 실행이 공백을 다시 본다.
	wm, err := te.watermarks.Get("101V06")
	if err != nil || wm == nil {
		t.Fatalf("워터마크가 없음: %v", err)
	}
	if wm.LastIngestedDate != "2025-06-16" {
		t.Fatalf("워터마크가 공백 직전이 아님: %s", wm.LastIngestedDate)
	}
	if wm.DateRange.End != "2025-06-16" {
		t.Fatalf("수집 구간 종료일이 다름: %+v", wm.DateRange)
	}

	history, err := te.watermarks.History("101V06")
	if err != nil || len(history) != 1 {
		t.Fatalf("이력 1건을 기대: %v", err)
	}
	if history[0].Error == "" {
		t.Fatalf("이력에 실패 구간 정보가 없음: %+v", history[0])
	}
}

func TestRunFirstWindowFailureLeavesWatermark(t *testing.T) {
	te := newTestEngine(t, Options{MaxDaysPerRequest: 2})
	te.source.fetch = func(_ context.Context, _ string, window plan.Range) ([]dataset.Row, error) {
		if window.Start.Format(plan.DayFormat) == "2025-06-15" {
			return nil, errors.New("원격 오류")
		}
		return rowsForWindow(window), nil
	}

	summary, err := te.engine.Run(context.Background(), []string{"101V06"})
	if err != nil {
		t.Fatalf("실행 실패: %v", err)
	}
	if summary.Partial != 1 {
		t.Fatalf("PARTIAL 1개를 기대: %+v", summary)
	}

	// 뒤쪽 구간의 행은 파일에 남지만 워터마크는 만들지 않는다.
	sum, err := te.datasets.Summarize("101V06")
	if err != nil || sum.Rows != 4 {
		t.Fatalf("4행을 기대: %+v, %v", sum, err)
	}
	wm, err := te.watermarks.Get("101V06")
	if err != nil {
		t.Fatalf("워터마크 조회 실패: %v", err)
	}
	if wm != nil {
		t.Fatalf("첫 구간 실패면 워터마크가 없어야 함: %+v", wm)
	}
}

func TestRunWatermarkNeverRegresses(t *testing.T) {
	te := newTestEngine(t, Options{MaxDaysPerRequest: 2, ForceFull: true})
	seedWatermark(t, te, "101V06", "2025-06-18")
	te.source.fetch = func(_ context.Context, _ string, window plan.Range) ([]dataset.Row, error) {
		if window.Start.Format(plan.DayFormat) == "2025-06-17" {
			return nil, errors.New("원격 오류")
		}
		return rowsForWindow(window), nil
	}

	summary, err := te.engine.Run(context.Background(), []string{"101V06"})
	if err != nil {
		t.Fatalf("실행 실패: %v", err)
	}
	if summary.Partial != 1 {
		t.Fatalf("PARTIAL 1개를 기대: %+v", summary)
	}

	wm, err := te.watermarks.Get("101V06")
	if err != nil || wm == nil {
		t.Fatalf("워터마크가 없음: %v", err)
	}
	// 전진 목표(06-16)가 기존 워터마크(06-18)보다 과거면 그대로 둔다.
	if wm.LastIngestedDate != "2025-06-18" {
		t.Fatalf("워터마크가 후퇴함: %s", wm.LastIngestedDate)
	}
}

func TestRunAllWindowsFailed(t *testing.T) {
	te := newTestEngine(t, Options{MaxDaysPerRequest: 2})
	boom := errors.New("원격 오류")
	te.source.fetch = func(_ context.Context, _ string, _ plan.Range) ([]dataset.Row, error) {
		return nil, boom
	}

	summary, err := te.engine.Run(context.Background(), []string{"101V06"})
	if err != nil {
		t.Fatalf("실행 실패: %v", err)
	}
	if summary.Failed != 1 {
		t.Fatalf("FAILED 1개를 기대: %+v", summary)
	}
	if !errors.Is(summary.Outcomes[0].Err, boom) {
		t.Fatalf("원인 오류가 보존되지 않음: %v", summary.Outcomes[0].Err)
	}

	wm, err := te.watermarks.Get("101V06")
	if err != nil || wm != nil {
		t.Fatalf("실패 시 워터마크가 없어야 함: %+v", wm)
	}

	notes := te.notifier.all()
	if len(notes) != 2 {
		t.Fatalf("종목 알림과 실행 요약 알림을 기대: %d건", len(notes))
	}
	if notes[0].Code != "101V06" || notes[0].Outcome != StatusFailed || notes[0].RunID != summary.RunID {
		t.Fatalf("종목 알림 내용이 다름: %+v", notes[0])
	}
	if notes[1].Code != "" || notes[1].Failed != 1 || notes[1].Total != 1 {
		t.Fatalf("실행 요약 알림 내용이 다름: %+v", notes[1])
	}
}

func TestRunSecondRunIsNoOp(t *testing.T) {
	te := newTestEngine(t, Options{})
	te.source.fetch = func(_ context.Context, _ string, window plan.Range) ([]dataset.Row, error) {
		return rowsForWindow(window), nil
	}

	if _, err := te.engine.Run(context.Background(), []string{"101V06"}); err != nil {
		t.Fatalf("1차 실행 실패: %v", err)
	}
	before, err := os.ReadFile(te.datasets.Path("101V06"))
	if err != nil {
		t.Fatalf("데이터셋 읽기 실패: %v", err)
	}

	summary, err := te.engine.Run(context.Background(), []string{"101V06"})
	if err != nil {
		t.Fatalf("2차 실행 실패: %v", err)
	}
	if summary.Done != 1 {
		t.Fatalf("2차 실행은 DONE 을 기대: %+v", summary)
	}
	if te.source.callCount() != 1 {
		t.Fatalf("2차 실행은 조회가 없어야 함: %d회", te.source.callCount())
	}

	after, err := os.ReadFile(te.datasets.Path("101V06"))
	if err != nil {
		t.Fatalf("데이터셋 읽기 실패: %v", err)
	}
	if string(before) != string(after) {
		t.Fatalf("2차 실행이 데이터셋을 바꿈")
	}
}

func TestRunEmptyWindowLeavesWatermark(t *testing.T) {
	te := newTestEngine(t, Options{})
	te.source.fetch = func(_ context.Context, _ string, _ plan.Range) ([]dataset.Row, error) {
		return nil, nil
	}

	summary, err := te.engine.Run(context.Background(), []string{"101V06"})
	if err != nil {
		t.Fatalf("실행 실패: %v", err)
	}
	if summary.Done != 1 {
		t.Fatalf("DONE 1개를 기대: %+v", summary)
	}

	wm, err := te.watermarks.Get("101V06")
	if err != nil || wm != nil {
		t.Fatalf("빈 조회면 워터마크가 없어야 함: %+v", wm)
	}
	history, err := te.watermarks.History("101V06")
	if err != nil || len(history) != 1 || history[0].Outcome != StatusDone {
		t.Fatalf("DONE 이력 1건을 기대: %v", err)
	}
}

func TestRunMinuteRowsWithoutTimeKeySkipped(t *testing.T) {
	te := newTestEngine(t, Options{Feed: FeedMinute})
	te.source.fetch = func(_ context.Context, _ string, window plan.Range) ([]dataset.Row, error) {
		// 시각 컬럼이 없는 행은 분봉 키를 만들 수 없다.
		return rowsForWindow(window), nil
	}

	summary, err := te.engine.Run(context.Background(), []string{"101V06"})
	if err != nil {
		t.Fatalf("실행 실패: %v", err)
	}
	if summary.Done != 1 {
		t.Fatalf("DONE 1개를 기대: %+v", summary)
	}

	// 분봉 피드는 하루짜리 구간으로만 조회한다.
	if te.source.callCount() != 6 {
		t.Fatalf("6일 구간이면 6회 조회를 기대: %d회", te.source.callCount())
	}
	for _, window := range te.source.calls {
		if !window.Start.Equal(window.End) {
			t.Fatalf("단일 날짜 구간이 아님: %s", window)
		}
	}

	codes, err := te.datasets.Codes()
	if err != nil || len(codes) != 0 {
		t.Fatalf("저장이 생략되어야 함: %v", codes)
	}
	wm, err := te.watermarks.Get("101V06")
	if err != nil || wm != nil {
		t.Fatalf("워터마크가 없어야 함: %+v", wm)
	}
}

func TestRunInvestorRowsCarryMarketCode(t *testing.T) {
	te := newTestEngine(t, Options{Feed: FeedInvestor, MaxLookbackDays: 2})
	te.source.fetch = func(_ context.Context, _ string, window plan.Range) ([]dataset.Row, error) {
		return rowsForWindow(window), nil
	}

	summary, err := te.engine.Run(context.Background(), []string{"KSP"})
	if err != nil {
		t.Fatalf("실행 실패: %v", err)
	}
	if summary.Persisted != 1 {
		t.Fatalf("PERSISTED 1개를 기대: %+v", summary)
	}

	_, rows, err := te.datasets.Load("KSP")
	if err != nil || len(rows) != 3 {
		t.Fatalf("3행을 기대: %d, %v", len(rows), err)
	}
	for _, row := range rows {
		if row["market_code"] != "KSP" {
			t.Fatalf("market_code가 주입되어야 함: %#v", row)
		}
	}
}

func TestRunCancelReturnsPartialSummary(t *testing.T) {
	te := newTestEngine(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	te.source.fetch = func(ctx context.Context, code string, window plan.Range) ([]dataset.Row, error) {
		if code == "105V06" {
			cancel()
			return nil, ctx.Err()
		}
		return rowsForWindow(window), nil
	}

	summary, err := te.engine.Run(ctx, []string{"101V06", "105V06"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("취소 오류를 기대: %v", err)
	}
	if len(summary.Outcomes) != 1 || summary.Persisted != 1 {
		t.Fatalf("첫 종목 결과만 있어야 함: %+v", summary)
	}
}

func TestRunRejectsUnknownFeed(t *testing.T) {
	te := newTestEngine(t, Options{Feed: "hourly"})

	if _, err := te.engine.Run(context.Background(), []string{"101V06"}); err == nil {
		t.Fatalf("알 수 없는 피드를 거부해야 함")
	}
	if te.source.callCount() != 0 {
		t.Fatalf("검증 실패 후 조회가 실행됨")
	}
}

func seedWatermark(t *testing.T, te *testEngine, code, lastDate string) {
	t.Helper()
	err := te.watermarks.Put(watermark.Watermark{
		Code:             code,
		Feed:             FeedDaily,
		LastIngestedDate: lastDate,
		LastRunAt:        time.Now().UTC(),
		RowCount:         1,
	})
	if err != nil {
		t.Fatalf("워터마크 시드 실패: %v", err)
	}
}
