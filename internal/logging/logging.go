package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config describes logger runtime configuration.
type Config struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	TimeFormat  string `mapstructure:"time_format"`
	Caller      bool   `mapstructure:"caller"`
	PrettyPrint bool   `mapstructure:"pretty"`
	Directory   string `mapstructure:"directory"`
	FilePrefix  string `mapstructure:"file_prefix"`
}

// NewLogger constructs a zerolog logger from config. When a directory is
// configured, output goes to the console and a dated log file.
func NewLogger(cfg Config) (zerolog.Logger, error) {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil {
		level = parsed
	}

	writer := logWriter(cfg)
	if cfg.Directory != "" {
		file, err := openLogFile(cfg)
		if err != nil {
			return zerolog.Logger{}, err
		}
		writer = zerolog.MultiLevelWriter(writer, file)
	}

	logger := zerolog.New(writer).Level(level)
	builder := logger.With().Timestamp()
	if cfg.Caller {
		builder = builder.Caller()
	}

	return builder.Logger(), nil
}

func logWriter(cfg Config) io.Writer {
	if cfg.PrettyPrint || strings.EqualFold(cfg.Format, "console") {
		return zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: zerolog.TimeFieldFormat,
		}
	}
	return os.Stdout
}

// openLogFile appends to <directory>/<prefix>_<YYYYMMDD>.log.
func openLogFile(cfg Config) (*os.File, error) {
	if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("로그 디렉터리 생성 실패: %w", err)
	}

	prefix := cfg.FilePrefix
	if prefix == "" {
		prefix = "kospifeed"
	}
	name := fmt.Sprintf("%s_%s.log", prefix, time.Now().Format("20060102"))

	file, err := os.OpenFile(filepath.Join(cfg.Directory, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("로그 파일 열기 실패: %w", err)
	}
	return file, nil
}
