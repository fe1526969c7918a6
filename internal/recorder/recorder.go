// Package recorder пишет deviation записи и сигналы в Postgres.
// Ядро сервиса остаётся in-memory; БД - опциональный audit trail,
// включается флагом DB_ENABLED.
package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"screener/internal/config"
	"screener/internal/deviation"
)

// Recorder - sink deviation записей и сигналов
type Recorder struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

// Open подключается к Postgres и готовит схему
func Open(cfg config.DatabaseConfig, log *zap.SugaredLogger) (*Recorder, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &Recorder{db: db, log: log.Named("recorder")}
	if err := r.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return r, nil
}

// New оборачивает готовое соединение (тесты)
func New(db *sql.DB, log *zap.SugaredLogger) *Recorder {
	return &Recorder{db: db, log: log.Named("recorder")}
}

// ensureSchema создаёт таблицы, если их ещё нет
func (r *Recorder) ensureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS deviations (
			id BIGSERIAL PRIMARY KEY,
			symbol TEXT NOT NULL,
			exchange_cheap TEXT NOT NULL,
			exchange_expensive TEXT NOT NULL,
			bid_cheap NUMERIC NOT NULL,
			bid_expensive NUMERIC NOT NULL,
			dev_pct NUMERIC NOT NULL,
			staleness_ms BIGINT NOT NULL,
			observed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deviations_symbol_observed
			ON deviations (symbol, observed_at DESC)`,
		`CREATE TABLE IF NOT EXISTS signals (
			id BIGSERIAL PRIMARY KEY,
			kind TEXT NOT NULL,
			symbol TEXT NOT NULL,
			dev_pct NUMERIC NOT NULL,
			exchange_cheap TEXT NOT NULL,
			exchange_expensive TEXT NOT NULL,
			emitted_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ
		)`,
	}

	for _, q := range queries {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// Run потребляет каналы до отмены контекста.
// Ошибки записи логируются и не останавливают поток: audit trail
// не должен ронять рассылку.
func (r *Recorder) Run(ctx context.Context, devs <-chan []deviation.Deviation, sigs <-chan deviation.Signal) {
	for {
		select {
		case <-ctx.Done():
			return

		case batch, ok := <-devs:
			if !ok {
				devs = nil
				continue
			}
			for i := range batch {
				if err := r.InsertDeviation(ctx, &batch[i]); err != nil {
					r.log.Warnw("insert deviation", "symbol", batch[i].Symbol, "error", err)
				}
			}

		case sig, ok := <-sigs:
			if !ok {
				sigs = nil
				continue
			}
			if err := r.InsertSignal(ctx, &sig); err != nil {
				r.log.Warnw("insert signal", "symbol", sig.Symbol, "error", err)
			}
		}
	}
}

// InsertDeviation пишет одну deviation запись
func (r *Recorder) InsertDeviation(ctx context.Context, d *deviation.Deviation) error {
	query := `
		INSERT INTO deviations (symbol, exchange_cheap, exchange_expensive,
			bid_cheap, bid_expensive, dev_pct, staleness_ms, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.db.ExecContext(ctx, query,
		d.Symbol,
		d.ExchangeCheap,
		d.ExchangeExpensive,
		d.BidCheap.String(),
		d.BidExpensive.String(),
		d.DevPct.String(),
		d.Staleness.Milliseconds(),
		d.Ts,
	)
	return err
}

// InsertSignal пишет один entry/exit сигнал
func (r *Recorder) InsertSignal(ctx context.Context, s *deviation.Signal) error {
	query := `
		INSERT INTO signals (kind, symbol, dev_pct, exchange_cheap,
			exchange_expensive, emitted_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	var expires interface{}
	if !s.ExpiresAt.IsZero() {
		expires = s.ExpiresAt
	}

	_, err := r.db.ExecContext(ctx, query,
		string(s.Kind),
		s.Symbol,
		s.DevPct.String(),
		s.ExchangeCheap,
		s.ExchangeExpensive,
		s.Ts,
		expires,
	)
	return err
}

// Close закрывает соединение с БД
func (r *Recorder) Close() error {
	return r.db.Close()
}
