// Package watermark 는 종목별 수집 워터마크와 수집 이력을 JSON 파일로 관리한다.
package watermark

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/plan"
)

const (
	metadataDirName = ".metadata"
	historyCap      = 50
)

// DateRange is the requested collection window recorded alongside a watermark.
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Watermark records how far a single instrument has been ingested.
type Watermark struct {
	Code             string    `json:"code"`
	Feed             string    `json:"feed"`
	LastIngestedDate string    `json:"last_ingested_date"`
	LastRunAt        time.Time `json:"last_run_at"`
	RunID            string    `json:"run_id,omitempty"`
	RowCount         int       `json:"row_count"`
	DateRange        DateRange `json:"date_range"`
	DataHash         string    `json:"data_hash,omitempty"`
	CollectionMode   string    `json:"collection_mode,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
}

// LastDate parses the watermark date, or returns a zero time when unset.
func (w *Watermark) LastDate() (time.Time, error) {
	if w == nil || w.LastIngestedDate == "" {
		return time.Time{}, nil
	}
	return plan.ParseDay(w.LastIngestedDate)
}

// HistoryEntry is one line of the bounded per-instrument run history.
type HistoryEntry struct {
	RunID     string    `json:"run_id,omitempty"`
	RanAt     time.Time `json:"ran_at"`
	Outcome   string    `json:"outcome"`
	Mode      string    `json:"mode,omitempty"`
	DateRange DateRange `json:"date_range"`
	RowsAdded int       `json:"rows_added"`
	RowsTotal int       `json:"rows_total"`
	Error     string    `json:"error,omitempty"`
}

// Store persists watermarks under <dir>/.metadata/.
type Store struct {
	dir    string
	logger zerolog.Logger
}

// NewStore creates a watermark store rooted at dir.
func NewStore(dir string, logger zerolog.Logger) *Store {
	return &Store{
		dir:    filepath.Join(dir, metadataDirName),
		logger: logger.With().Str("component", "watermark").Logger(),
	}
}

// Dir returns the metadata directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) watermarkPath(code string) string {
	return filepath.Join(s.dir, fmt.Sprintf("last_update_%s.json", code))
}

func (s *Store) historyPath(code string) string {
	return filepath.Join(s.dir, fmt.Sprintf("update_history_%s.json", code))
}

// Get loads the watermark for code. A missing file yields (nil, nil).
func (s *Store) Get(code string) (*Watermark, error) {
	data, err := os.ReadFile(s.watermarkPath(code))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("워터마크 읽기 실패 (%s): %w", code, err)
	}

	var wm Watermark
	if err := json.Unmarshal(data, &wm); err != nil {
		return nil, fmt.Errorf("워터마크 파싱 실패 (%s): %w", code, err)
	}
	return &wm, nil
}

// Put atomically replaces the watermark for wm.Code.
func (s *Store) Put(wm Watermark) error {
	if wm.Code == "" {
		return fmt.Errorf("워터마크에 종목 코드가 없음")
	}
	if wm.LastIngestedDate != "" {
		if _, err := plan.ParseDay(wm.LastIngestedDate); err != nil {
			return fmt.Errorf("잘못된 워터마크 날짜 (%s): %w", wm.Code, err)
		}
	}

	data, err := json.MarshalIndent(wm, "", "  ")
	if err != nil {
		return fmt.Errorf("워터마크 직렬화 실패 (%s): %w", wm.Code, err)
	}
	if err := s.writeAtomic(s.watermarkPath(wm.Code), data); err != nil {
		return fmt.Errorf("워터마크 저장 실패 (%s): %w", wm.Code, err)
	}

	s.logger.Debug().
		Str("code", wm.Code).
		Str("last_ingested_date", wm.LastIngestedDate).
		Int("row_count", wm.RowCount).
		Msg("워터마크 갱신")
	return nil
}

// Rebuild synthesizes and stores a watermark from an existing dataset's
// summary, so adopted files continue incrementally instead of refetching.
func (s *Store) Rebuild(code, feed string, rowCount int, firstDate, lastDate, hash string) error {
	return s.Put(Watermark{
		Code:             code,
		Feed:             feed,
		LastIngestedDate: lastDate,
		LastRunAt:        time.Now().UTC(),
		RowCount:         rowCount,
		DateRange:        DateRange{Start: firstDate, End: lastDate},
		DataHash:         hash,
		CollectionMode:   "rebuild",
	})
}

// Reset removes the watermark and history for code. Missing files are fine.
func (s *Store) Reset(code string) error {
	for _, path := range []string{s.watermarkPath(code), s.historyPath(code)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("메타데이터 삭제 실패 (%s): %w", code, err)
		}
	}
	s.logger.Info().Str("code", code).Msg("워터마크 초기화")
	return nil
}

// AppendHistory prepends entry to the bounded run history for code.
// History is advisory: callers should treat failures as non-fatal.
func (s *Store) AppendHistory(code string, entry HistoryEntry) error {
	path := s.historyPath(code)

	var entries []HistoryEntry
	if data, err := os.ReadFile(path); err == nil {
		// 손상된 이력은 버리고 새로 시작한다.
		if err := json.Unmarshal(data, &entries); err != nil {
			s.logger.Warn().Err(err).Str("code", code).Msg("수집 이력 파싱 실패, 새로 시작")
			entries = nil
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("수집 이력 읽기 실패 (%s): %w", code, err)
	}

	entries = append([]HistoryEntry{entry}, entries...)
	if len(entries) > historyCap {
		entries = entries[:historyCap]
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("수집 이력 직렬화 실패 (%s): %w", code, err)
	}
	if err := s.writeAtomic(path, data); err != nil {
		return fmt.Errorf("수집 이력 저장 실패 (%s): %w", code, err)
	}
	return nil
}

// History returns the recorded runs for code, newest first.
func (s *Store) History(code string) ([]HistoryEntry, error) {
	data, err := os.ReadFile(s.historyPath(code))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("수집 이력 읽기 실패 (%s): %w", code, err)
	}

	var entries []HistoryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("수집 이력 파싱 실패 (%s): %w", code, err)
	}
	return entries, nil
}

// List returns all instrument codes that currently have a watermark.
func (s *Store) List() ([]string, error) {
	names, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("메타데이터 디렉터리 읽기 실패: %w", err)
	}

	var codes []string
	for _, entry := range names {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, "last_update_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		code := strings.TrimSuffix(strings.TrimPrefix(name, "last_update_"), ".json")
		if code != "" {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes, nil
}

func (s *Store) writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
