package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/collector"
	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/scheduler"
	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/storage"
)

// Collect runs the incremental collection engine once, or repeatedly when
// opts.Watch is set. The watermark files decide how far back each instrument
// is fetched, so re-running is always safe.
func (a *App) Collect(ctx context.Context, opts CollectOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	feed, err := a.resolveFeed(opts.Feed)
	if err != nil {
		return err
	}
	codes, err := a.resolveInstruments(opts.Instruments)
	if err != nil {
		return err
	}
	if !opts.DryRun && (a.Config.API.AppKey == "" || a.Config.API.AppSecret == "") {
		return errors.New("api.app_key / api.app_secret 설정이 필요함")
	}

	classifier, err := a.newClassifier()
	if err != nil {
		return err
	}
	datasets, watermarks := a.newStores(feed)

	// 드라이런은 외부 자원에 손대지 않는다.
	var mirrorDep storage.RowMirror
	lockKey := int64(0)
	if !opts.DryRun {
		mirror, closeMirror, err := a.openMirror(ctx, feed)
		if err != nil {
			return err
		}
		if closeMirror != nil {
			defer closeMirror()
		}
		if mirror != nil {
			mirrorDep = mirror
			lockKey = a.Config.Mirror.AdvisoryLockKey
			if lockKey == 0 {
				lockKey = storage.LockKeyForFeed(feed)
			}
		}
	}

	engine := collector.New(classifier, a.newFetcher(feed), datasets, watermarks, mirrorDep, a.newNotifier(), collector.Options{
		Feed:              feed,
		MaxLookbackDays:   a.Config.Collect.MaxLookbackDays,
		MaxDaysPerRequest: a.Config.Collect.MaxDaysPerRequest,
		Delay:             a.Config.Collect.PaginationDelay,
		ForceFull:         opts.ForceFull || a.Config.Collect.ForceFullUpdate,
		DryRun:            opts.DryRun,
		AdvisoryLockKey:   lockKey,
	}, a.Logger)

	if opts.Watch {
		return a.watchCollect(ctx, engine, codes)
	}

	summary, err := engine.Run(ctx, codes)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	printSummary(summary)
	if errors.Is(err, context.Canceled) {
		a.Logger.Info().Msg("수집이 중단됨")
		return nil
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d개 종목 수집 실패, 로그를 확인하세요", summary.Failed)
	}
	return nil
}

func (a *App) watchCollect(ctx context.Context, engine *collector.Engine, codes []string) error {
	sched := scheduler.New(scheduler.Options{
		Interval:       a.Config.Watch.Interval,
		AlignToStart:   a.Config.Watch.AlignToStart,
		StartupDelay:   a.Config.Watch.StartupDelay,
		RunImmediately: true,
	}, a.Logger)

	a.Logger.Info().Dur("interval", a.Config.Watch.Interval).Msg("주기 수집 시작")
	err := sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
		summary, err := engine.Run(ctx, codes)
		if err != nil {
			return err
		}
		printSummary(summary)
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.Logger.Info().Msg("주기 수집 종료")
	return nil
}

// printSummary renders the per-instrument outcomes of one run as a table.
func printSummary(summary collector.Summary) {
	if len(summary.Outcomes) == 0 {
		return
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "CODE\tFAMILY\tSTATUS\tMODE\tRANGE\tADDED\tUPDATED\tTOTAL\tNOTE")
	for _, o := range summary.Outcomes {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			o.Code,
			valueOr(o.Family),
			o.Status,
			valueOr(string(o.Mode)),
			rangeOrDash(o.Range),
			o.Merge.RowsAdded,
			o.Merge.RowsUpdated,
			o.Merge.RowsTotal,
			outcomeNote(o),
		)
	}
	writer.Flush()

	fmt.Printf("run %s: done=%d planned=%d persisted=%d partial=%d skipped=%d failed=%d elapsed=%s\n",
		summary.RunID, summary.Done, summary.Planned, summary.Persisted, summary.Partial,
		summary.Skipped, summary.Failed, summary.Duration.Round(time.Millisecond))
}

func outcomeNote(o collector.Outcome) string {
	switch {
	case o.Err != nil:
		return sanitizeInline(o.Err.Error())
	case len(o.Failed) > 0:
		return fmt.Sprintf("%d개 구간 실패", len(o.Failed))
	default:
		return ""
	}
}
