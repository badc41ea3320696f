package app

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/plan"
)

// Status prints one line per known instrument: watermark position, stored row
// count and how long ago the last run touched it.
func (a *App) Status(opts StatusOptions) error {
	feed, err := a.resolveFeed(opts.Feed)
	if err != nil {
		return err
	}
	classifier, err := a.newClassifier()
	if err != nil {
		return err
	}
	datasets, watermarks := a.newStores(feed)

	tracked, err := watermarks.List()
	if err != nil {
		return err
	}
	stored, err := datasets.Codes()
	if err != nil {
		return err
	}
	codes := unionSorted(tracked, stored)
	if len(codes) == 0 {
		fmt.Printf("피드 %s: 수집된 종목이 없습니다\n", feed)
		return nil
	}

	now := time.Now().UTC()
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "CODE\tFAMILY\tLAST_DATE\tROWS\tMODE\tLAST_RUN\tAGE")
	for _, code := range codes {
		family := "-"
		if fam, err := classifier.Classify(code); err == nil {
			family = fam.Name
		}

		lastDate, rows, mode, lastRun, age := "-", "-", "-", "-", "-"
		wm, err := watermarks.Get(code)
		if err != nil {
			a.Logger.Warn().Err(err).Str("code", code).Msg("워터마크를 읽지 못함")
		}
		switch {
		case wm != nil:
			lastDate = valueOr(wm.LastIngestedDate)
			rows = strconv.Itoa(wm.RowCount)
			mode = valueOr(wm.CollectionMode)
			if !wm.LastRunAt.IsZero() {
				lastRun = wm.LastRunAt.UTC().Format(time.RFC3339)
				age = formatAge(now.Sub(wm.LastRunAt))
			}
		default:
			// 데이터셋 파일만 있고 워터마크가 없는 종목: init 명령 대상.
			if sum, err := datasets.Summarize(code); err == nil {
				lastDate = valueOr(sum.LastDate)
				rows = strconv.Itoa(sum.Rows)
			}
		}

		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", code, family, lastDate, rows, mode, lastRun, age)
	}
	return writer.Flush()
}

func unionSorted(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	merged := make([]string, 0, len(a)+len(b))
	for _, items := range [][]string{a, b} {
		for _, item := range items {
			if _, ok := seen[item]; ok {
				continue
			}
			seen[item] = struct{}{}
			merged = append(merged, item)
		}
	}
	sort.Strings(merged)
	return merged
}

func formatAge(d time.Duration) string {
	switch {
	case d < 0:
		return "-"
	case d < time.Minute:
		return "<1m"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd%dh", int(d.Hours())/24, int(d.Hours())%24)
	}
}

func valueOr(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func rangeOrDash(r plan.Range) string {
	if r.IsZero() {
		return "-"
	}
	return r.String()
}

func sanitizeInline(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	return strings.Join(strings.Fields(s), " ")
}
