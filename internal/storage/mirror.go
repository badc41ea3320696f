// Package storage 는 선택 기능인 PostgreSQL 미러를 제공한다. 파일
// 데이터셋이 원본이고, 미러는 조회용 복제본이다.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/dataset"
	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/plan"
)

// ErrNotConfigured indicates the storage pool was not initialised.
var ErrNotConfigured = errors.New("storage: pool not configured")

const (
	createSchemaSQL = `CREATE SCHEMA IF NOT EXISTS %s;`

	createDailyTableSQL = `CREATE TABLE IF NOT EXISTS %s (
        code        varchar(32) NOT NULL,
        trade_date  date        NOT NULL,
        data        jsonb       NOT NULL,
        created_at  timestamptz NOT NULL DEFAULT now(),
        PRIMARY KEY (code, trade_date)
    );`

	createIntradayTableSQL = `CREATE TABLE IF NOT EXISTS %s (
        code        varchar(32) NOT NULL,
        trade_date  date        NOT NULL,
        trade_time  varchar(6)  NOT NULL,
        data        jsonb       NOT NULL,
        created_at  timestamptz NOT NULL DEFAULT now(),
        PRIMARY KEY (code, trade_date, trade_time)
    );`

	upsertDailyRowSQL = `INSERT INTO %s (code, trade_date, data)
    VALUES ($1, $2, $3)
    ON CONFLICT (code, trade_date) DO UPDATE
    SET data = EXCLUDED.data, created_at = now();`

	upsertIntradayRowSQL = `INSERT INTO %s (code, trade_date, trade_time, data)
    VALUES ($1, $2, $3, $4)
    ON CONFLICT (code, trade_date, trade_time) DO UPDATE
    SET data = EXCLUDED.data, created_at = now();`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// 피드별 미러 테이블.
var feedTables = map[string]struct {
	name     string
	intraday bool
}{
	"daily":    {name: "daily_price"},
	"minute":   {name: "minute_price", intraday: true},
	"investor": {name: "investor_flow"},
}

// RowMirror receives merged rows after the file dataset was written.
type RowMirror interface {
	UpsertRows(ctx context.Context, code string, rows []dataset.Row, keyCols []string) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Mirror replicates one feed's rows into a per-feed Postgres table.
type Mirror struct {
	pool     *pgxpool.Pool
	schema   string
	table    string
	intraday bool
	logger   zerolog.Logger
}

// NewMirror wires a pgx pool into a per-feed mirror.
func NewMirror(pool *pgxpool.Pool, schema, feed string, logger zerolog.Logger) (*Mirror, error) {
	spec, ok := feedTables[feed]
	if !ok {
		return nil, fmt.Errorf("미러를 지원하지 않는 피드: %q", feed)
	}
	if schema == "" {
		schema = "market_data"
	}

	return &Mirror{
		pool:     pool,
		schema:   schema,
		table:    spec.name,
		intraday: spec.intraday,
		logger:   logger.With().Str("component", "mirror").Str("feed", feed).Logger(),
	}, nil
}

// Close releases the underlying pool resources.
func (m *Mirror) Close() {
	if m == nil || m.pool == nil {
		return
	}
	m.pool.Close()
}

func (m *Mirror) getPool() (*pgxpool.Pool, error) {
	if m == nil || m.pool == nil {
		return nil, ErrNotConfigured
	}
	return m.pool, nil
}

func (m *Mirror) qualifiedTable() string {
	return pgx.Identifier{m.schema, m.table}.Sanitize()
}

// EnsureSchema creates the schema and the feed table when missing.
func (m *Mirror) EnsureSchema(ctx context.Context) error {
	pool, err := m.getPool()
	if err != nil {
		return err
	}

	if _, err := pool.Exec(ctx, fmt.Sprintf(createSchemaSQL, pgx.Identifier{m.schema}.Sanitize())); err != nil {
		return fmt.Errorf("스키마 생성 실패: %w", err)
	}

	ddl := createDailyTableSQL
	if m.intraday {
		ddl = createIntradayTableSQL
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(ddl, m.qualifiedTable())); err != nil {
		return fmt.Errorf("테이블 생성 실패: %w", err)
	}

	m.logger.Debug().Str("table", m.qualifiedTable()).Msg("미러 스키마 준비 완료")
	return nil
}

// UpsertRows replicates rows in one batch. Rows missing a key column or
// carrying an unparseable date are skipped, not fatal.
func (m *Mirror) UpsertRows(ctx context.Context, code string, rows []dataset.Row, keyCols []string) error {
	pool, err := m.getPool()
	if err != nil {
		return err
	}
	if len(keyCols) == 0 {
		return errors.New("키 컬럼이 지정되지 않음")
	}

	upsert := upsertDailyRowSQL
	if m.intraday {
		upsert = upsertIntradayRowSQL
	}
	sql := fmt.Sprintf(upsert, m.qualifiedTable())

	batch := &pgx.Batch{}
	skipped := 0
	for _, row := range rows {
		tradeDate, err := plan.ParseDay(row[keyCols[0]])
		if err != nil {
			skipped++
			continue
		}
		payload, err := json.Marshal(row)
		if err != nil {
			skipped++
			continue
		}

		if m.intraday {
			tradeTime := ""
			if len(keyCols) > 1 {
				tradeTime = row[keyCols[1]]
			}
			if tradeTime == "" {
				skipped++
				continue
			}
			batch.Queue(sql, code, tradeDate, tradeTime, payload)
		} else {
			batch.Queue(sql, code, tradeDate, payload)
		}
	}
	if skipped > 0 {
		m.logger.Warn().Str("code", code).Int("rows", skipped).Msg("키를 해석할 수 없는 행 제외")
	}
	if batch.Len() == 0 {
		return nil
	}

	results := pool.SendBatch(ctx, batch)
	defer results.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("미러 업서트 실패 (%s, %d번째 행): %w", code, i, err)
		}
	}

	m.logger.Debug().Str("code", code).Int("rows", batch.Len()).Msg("미러 적재 완료")
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (m *Mirror) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := m.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("커넥션 획득 실패: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("어드바이저리 락 시도 실패: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			m.logger.Warn().Err(err).Int64("key", key).Msg("어드바이저리 락 해제 실패")
		}
		conn.Release()
	}
	return unlock, true, nil
}

// LockKeyForFeed derives a stable advisory lock key for a feed.
func LockKeyForFeed(feed string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("kospifeed:" + feed))
	return int64(h.Sum64())
}

var (
	_ RowMirror      = (*Mirror)(nil)
	_ AdvisoryLocker = (*Mirror)(nil)
)
