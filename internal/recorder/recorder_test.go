package recorder

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"

	"screener/internal/deviation"
	"screener/pkg/logger"
)

func sampleDeviation() deviation.Deviation {
	return deviation.Deviation{
		Symbol:            "BTC_USDT",
		ExchangeCheap:     "binance",
		ExchangeExpensive: "bybit",
		BidCheap:          decimal.RequireFromString("100"),
		BidExpensive:      decimal.RequireFromString("100.5"),
		DevPct:            decimal.RequireFromString("0.5"),
		Staleness:         40 * time.Millisecond,
		Ts:                time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
	}
}

func TestInsertDeviation(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	r := New(db, logger.Nop())
	d := sampleDeviation()

	mock.ExpectExec("INSERT INTO deviations").
		WithArgs(
			d.Symbol,
			d.ExchangeCheap,
			d.ExchangeExpensive,
			"100",
			"100.5",
			"0.5",
			int64(40),
			d.Ts,
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := r.InsertDeviation(context.Background(), &d); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestInsertSignalWithExpiry(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	r := New(db, logger.Nop())
	ts := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	sig := deviation.Signal{
		Kind:              deviation.SignalEntry,
		Symbol:            "BTC_USDT",
		DevPct:            decimal.RequireFromString("0.4"),
		ExchangeCheap:     "binance",
		ExchangeExpensive: "bybit",
		Ts:                ts,
		ExpiresAt:         ts.Add(5 * time.Minute),
	}

	mock.ExpectExec("INSERT INTO signals").
		WithArgs("entry", "BTC_USDT", "0.4", "binance", "bybit", ts, ts.Add(5*time.Minute)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := r.InsertSignal(context.Background(), &sig); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestInsertSignalExitNullExpiry(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	r := New(db, logger.Nop())
	ts := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	sig := deviation.Signal{
		Kind:              deviation.SignalExit,
		Symbol:            "BTC_USDT",
		DevPct:            decimal.RequireFromString("0.03"),
		ExchangeCheap:     "binance",
		ExchangeExpensive: "bybit",
		Ts:                ts,
	}

	// Exit без expiry пишет NULL
	mock.ExpectExec("INSERT INTO signals").
		WithArgs("exit", "BTC_USDT", "0.03", "binance", "bybit", ts, nil).
		WillReturnResult(sqlmock.NewResult(2, 1))

	if err := r.InsertSignal(context.Background(), &sig); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRunConsumesBatches(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	r := New(db, logger.Nop())
	d := sampleDeviation()

	mock.ExpectExec("INSERT INTO deviations").
		WillReturnResult(sqlmock.NewResult(1, 1))

	devs := make(chan []deviation.Deviation, 1)
	sigs := make(chan deviation.Signal)
	devs <- []deviation.Deviation{d}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		r.Run(ctx, devs, sigs)
		close(done)
	}()

	<-done
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
