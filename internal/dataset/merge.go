package dataset

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/plan"
)

// ErrInconsistentMerge reports a merged row count outside the bounds the
// inputs allow, which indicates corrupted state rather than bad upstream data.
var ErrInconsistentMerge = errors.New("dataset: merged row count outside expected bounds")

// gapWarnDays triggers a warning when consecutive stored dates are further
// apart than a normal exchange holiday stretch.
const gapWarnDays = 7

// MergeResult reports what one merge changed. Counts are observability
// output, never control input.
type MergeResult struct {
	RowsBefore  int
	RowsFetched int
	RowsAdded   int
	RowsUpdated int
	RowsTotal   int
	// MaxKeyDate is the largest key-column date in the merged set.
	MaxKeyDate string
	BackupPath string
}

// Merge reconciles freshly fetched rows into the stored dataset for one
// instrument: the union is deduplicated by keyCols with the newly fetched
// row winning a collision, sorted ascending by key, backed up, and written
// atomically. 수집 창이 시간순이므로 같은 키가 여러 번 오면 마지막 행이 남는다.
func (s *Store) Merge(code string, fetched []Row, keyCols []string) (MergeResult, error) {
	if len(keyCols) == 0 {
		return MergeResult{}, fmt.Errorf("merge %s: key columns required", code)
	}

	header, existing, err := s.Load(code)
	if err != nil {
		return MergeResult{}, err
	}

	result := MergeResult{RowsBefore: len(existing), RowsFetched: len(fetched)}

	merged := make(map[string]Row, len(existing)+len(fetched))
	existingKeys := make(map[string]struct{}, len(existing))
	for _, row := range existing {
		key := row.Key(keyCols)
		merged[key] = row
		existingKeys[key] = struct{}{}
	}

	skipped := 0
	updatedKeys := make(map[string]struct{})
	for _, row := range fetched {
		if !row.HasKey(keyCols) {
			skipped++
			continue
		}
		key := row.Key(keyCols)
		if _, ok := existingKeys[key]; ok {
			updatedKeys[key] = struct{}{}
		}
		merged[key] = row
	}
	if skipped > 0 {
		s.logger.Warn().Str("code", code).Int("rows", skipped).
			Msg("키 컬럼이 비어 있는 행을 병합에서 제외")
	}

	keys := make([]string, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result.RowsTotal = len(keys)
	result.RowsUpdated = len(updatedKeys)
	result.RowsAdded = result.RowsTotal - result.RowsBefore
	if len(keys) > 0 {
		last := merged[keys[len(keys)-1]]
		result.MaxKeyDate = last[keyCols[0]]
	}

	if result.RowsTotal < result.RowsBefore || result.RowsTotal > result.RowsBefore+result.RowsFetched {
		return MergeResult{}, fmt.Errorf("%w: before=%d fetched=%d total=%d",
			ErrInconsistentMerge, result.RowsBefore, result.RowsFetched, result.RowsTotal)
	}
	if result.RowsTotal == 0 {
		// Nothing stored and nothing usable fetched; leave the file alone.
		return result, nil
	}

	header = mergeHeader(header, keyCols, fetched)
	rows := make([]Row, len(keys))
	for i, key := range keys {
		rows[i] = merged[key]
	}

	s.warnDateGaps(code, rows, keyCols[0])

	if len(existing) > 0 && s.opts.BackupEnabled {
		backupPath, err := s.backup(code)
		if err != nil {
			return MergeResult{}, err
		}
		result.BackupPath = backupPath
	}

	if err := s.writeAtomic(code, header, rows); err != nil {
		return MergeResult{}, err
	}

	return result, nil
}

// mergeHeader keeps the stored column order and appends columns the fetch
// introduced. New datasets lead with the key columns; remaining columns are
// sorted so the header is deterministic regardless of map iteration.
func mergeHeader(header []string, keyCols []string, fetched []Row) []string {
	seen := make(map[string]struct{}, len(header))
	if len(header) == 0 {
		header = append([]string(nil), keyCols...)
	}
	for _, col := range header {
		seen[col] = struct{}{}
	}

	var added []string
	for _, row := range fetched {
		for col := range row {
			if _, ok := seen[col]; !ok {
				seen[col] = struct{}{}
				added = append(added, col)
			}
		}
	}
	sort.Strings(added)
	return append(header, added...)
}

func (s *Store) warnDateGaps(code string, rows []Row, dateCol string) {
	var prev time.Time
	for _, row := range rows {
		day, err := plan.ParseDay(row[dateCol])
		if err != nil {
			continue
		}
		if !prev.IsZero() {
			if gap := int(day.Sub(prev).Hours() / 24); gap > gapWarnDays {
				s.logger.Warn().Str("code", code).
					Str("from", prev.Format(plan.DayFormat)).
					Str("to", day.Format(plan.DayFormat)).
					Int("days", gap).
					Msg("병합 결과에 비정상적으로 긴 날짜 공백")
			}
		}
		prev = day
	}
}
