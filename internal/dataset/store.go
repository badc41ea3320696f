package dataset

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// ErrNoDataset reports a summary request for an instrument without a stored file.
var ErrNoDataset = errors.New("dataset: no stored file for instrument")

const backupStampFormat = "20060102_150405"

// Options tune store behaviour.
type Options struct {
	BackupEnabled bool
}

// Store owns the per-instrument CSV datasets under one directory. All
// mutations go through Merge; nothing else edits a dataset in place.
type Store struct {
	dir    string
	opts   Options
	logger zerolog.Logger
}

// NewStore roots a dataset store at dir.
func NewStore(dir string, opts Options, logger zerolog.Logger) *Store {
	return &Store{
		dir:    dir,
		opts:   opts,
		logger: logger.With().Str("component", "dataset").Logger(),
	}
}

// Dir returns the store root.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the dataset file path for an instrument.
func (s *Store) Path(code string) string {
	return filepath.Join(s.dir, code+".csv")
}

// Load reads the stored dataset. A missing file yields an empty dataset.
func (s *Store) Load(code string) ([]string, []Row, error) {
	file, err := os.Open(s.Path(code))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("open dataset %s: %w", code, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("read dataset header %s: %w", code, err)
	}

	var rows []Row
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read dataset %s: %w", code, err)
		}
		row := make(Row, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return header, rows, nil
}

// Codes lists instruments that have a stored dataset, backups excluded.
func (s *Store) Codes() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dataset dir: %w", err)
	}

	var codes []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".csv" {
			continue
		}
		code := name[:len(name)-len(".csv")]
		if isBackupName(code) {
			continue
		}
		codes = append(codes, code)
	}
	return codes, nil
}

func isBackupName(stem string) bool {
	// <code>_backup_<YYYYMMDD_HHMMSS>
	const marker = "_backup_"
	idx := len(stem) - len(backupStampFormat) - len(marker)
	if idx <= 0 {
		return false
	}
	return stem[idx:idx+len(marker)] == marker
}

// Summary condenses a stored dataset for watermark rebuilds and display.
type Summary struct {
	Rows      int
	FirstDate string
	LastDate  string
	SHA256    string
}

// Summarize reads a dataset and reports its row count, the first/last value
// of its leading key column, and a content hash. Rows are stored in
// ascending key order, so first and last rows bound the date span.
func (s *Store) Summarize(code string) (Summary, error) {
	header, rows, err := s.Load(code)
	if err != nil {
		return Summary{}, err
	}
	if header == nil {
		return Summary{}, fmt.Errorf("%w: %s", ErrNoDataset, code)
	}

	sum := Summary{Rows: len(rows)}
	if len(rows) > 0 && len(header) > 0 {
		keyCol := header[0]
		sum.FirstDate = rows[0][keyCol]
		sum.LastDate = rows[len(rows)-1][keyCol]
	}

	hash, err := fileSHA256(s.Path(code))
	if err != nil {
		return Summary{}, err
	}
	sum.SHA256 = hash
	return sum, nil
}

func fileSHA256(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("hash dataset: %w", err)
	}
	defer file.Close()

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", fmt.Errorf("hash dataset: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// backup copies the current dataset aside before it is overwritten.
func (s *Store) backup(code string) (string, error) {
	src := s.Path(code)
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open dataset for backup: %w", err)
	}
	defer in.Close()

	stamp := time.Now().Format(backupStampFormat)
	dst := filepath.Join(s.dir, fmt.Sprintf("%s_backup_%s.csv", code, stamp))
	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create backup: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	return dst, nil
}

// writeAtomic writes the merged dataset via temp-file-then-rename so a crash
// mid write cannot leave a truncated file behind.
func (s *Store) writeAtomic(code string, header []string, rows []Row) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create dataset dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+code+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp dataset: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	writer := csv.NewWriter(tmp)
	if err := writer.Write(header); err != nil {
		tmp.Close()
		return fmt.Errorf("write dataset header: %w", err)
	}
	record := make([]string, len(header))
	for _, row := range rows {
		for i, col := range header {
			record[i] = row[col]
		}
		if err := writer.Write(record); err != nil {
			tmp.Close()
			return fmt.Errorf("write dataset row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush dataset: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp dataset: %w", err)
	}

	if err := os.Rename(tmpName, s.Path(code)); err != nil {
		return fmt.Errorf("replace dataset: %w", err)
	}
	return nil
}
