package deviation

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"screener/internal/events"
	"screener/internal/store"
	"screener/pkg/logger"
)

func newTestStore(now time.Time) *store.Store {
	s := store.New(store.Config{
		Window:          30 * time.Minute,
		TradesPerSymbol: 5000,
		SymbolCap:       5000,
	}, 4)
	s.SetNowFunc(func() time.Time { return now })
	return s
}

func newTestEngine(s *store.Store, now time.Time, cfg Config) *Engine {
	e := NewEngine(s, cfg, logger.Nop())
	e.SetNowFunc(func() time.Time { return now })
	return e
}

func applyTrade(s *store.Store, exchange, symbol string, price int64, ts time.Time) {
	s.Apply(&events.Trade{
		Exchange: exchange,
		Symbol:   symbol,
		Price:    decimal.NewFromInt(price),
		Qty:      decimal.NewFromInt(1),
		Side:     events.SideBuy,
		TsServer: ts,
	})
}

func applyQuote(s *store.Store, exchange, symbol string, bid string, ts time.Time) {
	b, _ := decimal.NewFromString(bid)
	s.Apply(&events.Quote{
		Exchange: exchange,
		Symbol:   symbol,
		BestBid:  b,
		BestAsk:  b.Add(decimal.NewFromFloat(0.01)),
		TsServer: ts,
	})
}

// ============================================================
// Backward as-of join
// ============================================================

func TestGetAlignedPricesNoLookAhead(t *testing.T) {
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	now := base.Add(time.Minute)
	s := newTestStore(now)
	e := newTestEngine(s, now, Config{MinThresholdPct: decimal.NewFromFloat(0.10)})

	// E1: price=100 @ t=10s; E2: price=101 @ t=20s
	applyTrade(s, "E1", "BTC_USDT", 100, base.Add(10*time.Second))
	applyTrade(s, "E2", "BTC_USDT", 101, base.Add(20*time.Second))

	// t*=15s: у E2 ещё нет данных - вывода нет
	if _, _, ok := e.GetAlignedPrices("BTC_USDT", "E1", "E2", base.Add(15*time.Second)); ok {
		t.Error("expected no result at t*=15s (E2 has no data yet)")
	}

	// t*=25s: обе стороны видны
	pi, pj, ok := e.GetAlignedPrices("BTC_USDT", "E1", "E2", base.Add(25*time.Second))
	if !ok {
		t.Fatal("expected aligned prices at t*=25s")
	}
	if !pi.Equal(decimal.NewFromInt(100)) || !pj.Equal(decimal.NewFromInt(101)) {
		t.Errorf("expected (100, 101), got (%s, %s)", pi.String(), pj.String())
	}
}

func TestAlignedPricesExactBoundary(t *testing.T) {
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	now := base.Add(time.Minute)
	s := newTestStore(now)
	e := newTestEngine(s, now, Config{})

	applyTrade(s, "E1", "BTC_USDT", 100, base.Add(10*time.Second))
	applyTrade(s, "E2", "BTC_USDT", 101, base.Add(10*time.Second))

	// ts == t* включительно (backward join берёт ts <= t*)
	pi, pj, ok := e.GetAlignedPrices("BTC_USDT", "E1", "E2", base.Add(10*time.Second))
	if !ok {
		t.Fatal("trade at exactly t* must be visible")
	}
	if !pi.Equal(decimal.NewFromInt(100)) || !pj.Equal(decimal.NewFromInt(101)) {
		t.Errorf("expected (100, 101), got (%s, %s)", pi.String(), pj.String())
	}
}

// ============================================================
// Deviation sweep
// ============================================================

func TestSweepEmitsAboveThreshold(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s := newTestStore(now)
	e := newTestEngine(s, now, Config{MinThresholdPct: decimal.NewFromFloat(0.10)})

	// E1 bid=100, E2 bid=100.5 -> dev 0.5% >= 0.10%
	applyQuote(s, "E1", "BTC_USDT", "100", now)
	applyQuote(s, "E2", "BTC_USDT", "100.5", now)

	batch := e.Sweep()
	if len(batch) != 1 {
		t.Fatalf("expected 1 deviation, got %d", len(batch))
	}

	dev := batch[0]
	if dev.ExchangeCheap != "E1" || dev.ExchangeExpensive != "E2" {
		t.Errorf("expected cheap=E1 expensive=E2, got cheap=%s expensive=%s",
			dev.ExchangeCheap, dev.ExchangeExpensive)
	}
	want := decimal.NewFromFloat(0.5)
	if !dev.DevPct.Equal(want) {
		t.Errorf("expected dev_pct 0.5, got %s", dev.DevPct.String())
	}
}

func TestSweepThresholdFilter(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s := newTestStore(now)
	e := newTestEngine(s, now, Config{MinThresholdPct: decimal.NewFromFloat(0.10)})

	// dev = 0.05% < 0.10% - не эмитим
	applyQuote(s, "E1", "BTC_USDT", "100", now)
	applyQuote(s, "E2", "BTC_USDT", "100.05", now)

	if batch := e.Sweep(); len(batch) != 0 {
		t.Errorf("expected no emission below threshold, got %d", len(batch))
	}

	// Каждая эмиссия обязана удовлетворять |dev_pct| >= threshold
	applyQuote(s, "E2", "BTC_USDT", "100.5", now)
	for _, dev := range e.Sweep() {
		if dev.DevPct.Abs().LessThan(e.cfg.MinThresholdPct) {
			t.Errorf("emitted deviation below threshold: %s", dev.DevPct.String())
		}
	}
}

func TestSweepSetsSignificanceFlags(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s := newTestStore(now)
	// Пороги по умолчанию: significant 0.35%, near-parity 0.05%
	e := newTestEngine(s, now, Config{MinThresholdPct: decimal.NewFromFloat(0.01)})

	tests := []struct {
		name        string
		bidE2       string
		significant bool
		nearParity  bool
	}{
		{"wide spread", "100.5", true, false},  // 0.5% >= 0.35%
		{"middle", "100.2", false, false},      // между порогами
		{"near parity", "100.03", false, true}, // 0.03% <= 0.05%
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			applyQuote(s, "E1", "BTC_USDT", "100", now)
			applyQuote(s, "E2", "BTC_USDT", tt.bidE2, now)

			batch := e.Sweep()
			if len(batch) != 1 {
				t.Fatalf("expected 1 deviation, got %d", len(batch))
			}
			if batch[0].Significant != tt.significant {
				t.Errorf("significant: expected %v, got %v", tt.significant, batch[0].Significant)
			}
			if batch[0].NearParity != tt.nearParity {
				t.Errorf("near parity: expected %v, got %v", tt.nearParity, batch[0].NearParity)
			}
		})
	}
}

func TestSweepSkipsSingleExchangeAndZeroBid(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s := newTestStore(now)
	e := newTestEngine(s, now, Config{MinThresholdPct: decimal.NewFromFloat(0.10)})

	// Одна биржа - пары нет
	applyQuote(s, "E1", "SOLO_USDT", "10", now)
	if batch := e.Sweep(); len(batch) != 0 {
		t.Errorf("expected no deviations for single-exchange symbol, got %d", len(batch))
	}
}

func TestSweepThreeExchangesAllPairs(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s := newTestStore(now)
	e := newTestEngine(s, now, Config{MinThresholdPct: decimal.NewFromFloat(0.10)})

	applyQuote(s, "E1", "BTC_USDT", "100", now)
	applyQuote(s, "E2", "BTC_USDT", "101", now)
	applyQuote(s, "E3", "BTC_USDT", "102", now)

	// Все 3 неупорядоченные пары выше порога
	if batch := e.Sweep(); len(batch) != 3 {
		t.Errorf("expected 3 pair deviations, got %d", len(batch))
	}
}

// ============================================================
// Signal overlay
// ============================================================

func signalCfg() Config {
	return Config{
		MinThresholdPct:   decimal.NewFromFloat(0.10),
		SignalsEnabled:    true,
		EntryThresholdPct: decimal.NewFromFloat(0.35),
		ExitThresholdPct:  decimal.NewFromFloat(0.05),
		Cooldown:          10 * time.Second,
		Expiry:            5 * time.Minute,
	}
}

func TestSignalEntryThenExit(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s := newTestStore(now)
	e := newTestEngine(s, now, signalCfg())

	// 0.5% >= 0.35% -> entry
	applyQuote(s, "E1", "BTC_USDT", "100", now)
	applyQuote(s, "E2", "BTC_USDT", "100.5", now)
	e.Sweep()

	select {
	case sig := <-e.Signals():
		if sig.Kind != SignalEntry {
			t.Fatalf("expected entry signal, got %s", sig.Kind)
		}
		if sig.ExpiresAt.Sub(sig.Ts) != 5*time.Minute {
			t.Errorf("wrong expiry: %v", sig.ExpiresAt.Sub(sig.Ts))
		}
	default:
		t.Fatal("expected entry signal")
	}

	// Сходимся к 0.04% <= 0.05% -> exit
	applyQuote(s, "E2", "BTC_USDT", "100.04", now)
	e.Sweep()

	select {
	case sig := <-e.Signals():
		if sig.Kind != SignalExit {
			t.Fatalf("expected exit signal, got %s", sig.Kind)
		}
	default:
		t.Fatal("expected exit signal")
	}
}

func TestSignalCooldownBlocksReentry(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s := newTestStore(now)

	current := now
	e := NewEngine(s, signalCfg(), logger.Nop())
	e.SetNowFunc(func() time.Time { return current })

	applyQuote(s, "E1", "BTC_USDT", "100", now)
	applyQuote(s, "E2", "BTC_USDT", "100.5", now)
	e.Sweep()
	<-e.Signals() // entry

	// Выходим
	applyQuote(s, "E2", "BTC_USDT", "100.01", now)
	current = now.Add(2 * time.Second)
	e.Sweep()
	<-e.Signals() // exit

	// Снова расходимся, но cooldown (10s от entry) ещё не прошёл
	applyQuote(s, "E2", "BTC_USDT", "100.5", now)
	current = now.Add(5 * time.Second)
	e.Sweep()

	select {
	case sig := <-e.Signals():
		t.Fatalf("expected no signal during cooldown, got %s", sig.Kind)
	default:
	}

	// После cooldown - повторный entry
	current = now.Add(15 * time.Second)
	e.Sweep()
	select {
	case sig := <-e.Signals():
		if sig.Kind != SignalEntry {
			t.Fatalf("expected re-entry, got %s", sig.Kind)
		}
	default:
		t.Fatal("expected re-entry after cooldown")
	}
}

func TestSignalsDisabledByDefault(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s := newTestStore(now)
	e := newTestEngine(s, now, Config{MinThresholdPct: decimal.NewFromFloat(0.10)})

	applyQuote(s, "E1", "BTC_USDT", "100", now)
	applyQuote(s, "E2", "BTC_USDT", "101", now)
	e.Sweep()

	select {
	case sig := <-e.Signals():
		t.Fatalf("signals disabled, got %s", sig.Kind)
	default:
	}
}
