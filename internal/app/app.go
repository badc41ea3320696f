package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/alerting"
	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/config"
	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/dataset"
	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/fetcher"
	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/storage"
	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/symbol"
	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/watermark"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// resolveFeed applies the CLI override over the configured default feed.
func (a *App) resolveFeed(override string) (string, error) {
	feed := override
	if feed == "" {
		feed = a.Config.Collect.Feed
	}
	if a.Config.API.EndpointFor(feed) == "" || a.Config.API.TRIDFor(feed) == "" {
		return "", fmt.Errorf("피드 %q의 api.endpoints / api.tr_ids 설정이 없음", feed)
	}
	return feed, nil
}

func (a *App) resolveInstruments(override []string) ([]string, error) {
	codes := override
	if len(codes) == 0 {
		codes = a.Config.Collect.Instruments
	}

	cleaned := make([]string, 0, len(codes))
	for _, code := range codes {
		if code = strings.TrimSpace(code); code != "" {
			cleaned = append(cleaned, code)
		}
	}
	if len(cleaned) == 0 {
		return nil, errors.New("수집할 종목이 없음: --instruments 또는 collect.instruments를 설정하세요")
	}
	return cleaned, nil
}

// feedDir is the per-feed state root: <data_dir>/<feed>/.
func (a *App) feedDir(feed string) string {
	return filepath.Join(a.Config.Collect.DataDir, feed)
}

func (a *App) newStores(feed string) (*dataset.Store, *watermark.Store) {
	dir := a.feedDir(feed)
	datasets := dataset.NewStore(dir, dataset.Options{BackupEnabled: a.Config.Collect.BackupEnabled}, a.Logger)
	watermarks := watermark.NewStore(dir, a.Logger)
	return datasets, watermarks
}

func (a *App) newClassifier() (*symbol.Classifier, error) {
	return symbol.NewClassifier(a.Config.Collect.ExtraRules, a.Config.Families, a.Logger)
}

func (a *App) newFetcher(feed string) fetcher.RowFetcher {
	return fetcher.NewKIS(fetcher.KISOptions{
		BaseURL:        a.Config.API.BaseURL,
		AppKey:         a.Config.API.AppKey,
		AppSecret:      a.Config.API.AppSecret,
		Endpoint:       a.Config.API.EndpointFor(feed),
		TRID:           a.Config.API.TRIDFor(feed),
		Timeout:        a.Config.API.Timeout,
		MaxRetries:     a.Config.API.MaxRetries,
		RetryDelay:     a.Config.API.RetryDelay,
		TokenDir:       a.Config.API.TokenDir,
		NumericColumns: a.Config.Collect.NumericColumns,
		UserAgent:      a.Config.API.UserAgent,
		ExtraParams:    a.Config.API.ParamsFor(feed),
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled || a.Config.Alerting.WebhookURL == "" {
		return nil
	}
	return alerting.NewWebhookNotifier(a.Config.Alerting.WebhookURL, a.Config.Alerting.Cooldown, a.Config.Alerting.Timeout, a.Logger)
}

func (a *App) openMirror(ctx context.Context, feed string) (*storage.Mirror, func(), error) {
	if !a.Config.Mirror.Enabled {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Mirror)
	if err != nil {
		return nil, nil, err
	}

	mirror, err := storage.NewMirror(pool, a.Config.Mirror.Schema, feed, a.Logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := mirror.EnsureSchema(ctx); err != nil {
		mirror.Close()
		return nil, nil, err
	}

	closer := func() {
		mirror.Close()
	}
	return mirror, closer, nil
}

// CollectOptions configure a collection run.
type CollectOptions struct {
	Feed        string
	Instruments []string
	ForceFull   bool
	DryRun      bool
	Watch       bool
}

// StatusOptions configure the status command.
type StatusOptions struct {
	Feed string
}

// ResetOptions configure operator watermark deletion.
type ResetOptions struct {
	Feed  string
	Codes []string
}

// InitOptions configure watermark rebuilding from dataset files.
type InitOptions struct {
	Feed string
}

// ExportOptions hold parameters for exporting a stored dataset.
type ExportOptions struct {
	Feed      string
	Code      string
	CSVPath   string
	PNGPath   string
	Column    string
	MaxPoints int
}
