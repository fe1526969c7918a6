package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"screener/internal/events"
)

func testConfig() Config {
	return Config{
		Window:          30 * time.Minute,
		TradesPerSymbol: 5000,
		SymbolCap:       5000,
	}
}

func mkTrade(exchange, symbol string, price float64, ts time.Time) *events.Trade {
	return &events.Trade{
		Exchange: exchange,
		Symbol:   symbol,
		Price:    decimal.NewFromFloat(price),
		Qty:      decimal.NewFromInt(1),
		Side:     events.SideBuy,
		TsServer: ts,
	}
}

// frozenStore возвращает Store с фиксированным временем "сейчас"
func frozenStore(cfg Config, numShards int, now time.Time) *Store {
	s := New(cfg, numShards)
	s.SetNowFunc(func() time.Time { return now })
	return s
}

// ============================================================
// Window eviction
// ============================================================

func TestWindowBoundary(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s := frozenStore(testConfig(), 4, now)

	key := events.SymbolKey{Exchange: "binance", Symbol: "BTC_USDT"}

	// Ровно на границе окна: удерживается
	onEdge := mkTrade("binance", "BTC_USDT", 100, now.Add(-30*time.Minute))
	// За границей на 1ms: вылетает при следующей записи
	beyond := mkTrade("binance", "BTC_USDT", 99, now.Add(-30*time.Minute-time.Millisecond))

	if err := s.Apply(beyond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Apply(onEdge); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	trades := s.SnapshotTrades(key)
	if len(trades) != 1 {
		t.Fatalf("expected 1 retained trade, got %d", len(trades))
	}
	if !trades[0].Timestamp().Equal(now.Add(-30 * time.Minute)) {
		t.Errorf("wrong trade retained: ts=%v", trades[0].Timestamp())
	}
}

func TestTradeCapEviction(t *testing.T) {
	cfg := testConfig()
	cfg.TradesPerSymbol = 100

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s := frozenStore(cfg, 4, now)
	key := events.SymbolKey{Exchange: "binance", Symbol: "ETH_USDT"}

	// T_max + 1 сделок с различными timestamp в одном окне
	base := now.Add(-10 * time.Minute)
	for i := 0; i <= cfg.TradesPerSymbol; i++ {
		tr := mkTrade("binance", "ETH_USDT", float64(i), base.Add(time.Duration(i)*time.Millisecond))
		if err := s.Apply(tr); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}

	trades := s.SnapshotTrades(key)
	if len(trades) != cfg.TradesPerSymbol {
		t.Fatalf("expected exactly %d trades, got %d", cfg.TradesPerSymbol, len(trades))
	}
	// Самая старая (i=0) должна быть отброшена
	if !trades[0].Timestamp().Equal(base.Add(time.Millisecond)) {
		t.Errorf("oldest trade not discarded: head ts=%v", trades[0].Timestamp())
	}
}

func TestWindowAndCapAfterBulkInsert(t *testing.T) {
	// 6000 сделок за 45 минут: после записи ожидаем <= 5000 и ничего старше 30m
	cfg := testConfig()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s := frozenStore(cfg, 4, now)
	key := events.SymbolKey{Exchange: "binance", Symbol: "SOL_USDT"}

	start := now.Add(-45 * time.Minute)
	step := 45 * time.Minute / 6000
	for i := 0; i < 6000; i++ {
		s.Apply(mkTrade("binance", "SOL_USDT", 50, start.Add(time.Duration(i)*step)))
	}

	trades := s.SnapshotTrades(key)
	if len(trades) > cfg.TradesPerSymbol {
		t.Errorf("trade cap violated: %d > %d", len(trades), cfg.TradesPerSymbol)
	}
	cutoff := now.Add(-cfg.Window)
	for _, tr := range trades {
		if tr.Timestamp().Before(cutoff) {
			t.Fatalf("trade older than window retained: ts=%v", tr.Timestamp())
		}
	}
}

// ============================================================
// Symbol LRU eviction
// ============================================================

func TestSymbolCapLRU(t *testing.T) {
	cfg := testConfig()
	cfg.SymbolCap = 8

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s := New(cfg, 1) // один шард: кап = 8 целиком
	current := now
	s.SetNowFunc(func() time.Time { return current })

	var evicted []events.SymbolKey
	var mu sync.Mutex
	s.SetOnSymbolRemoved(func(key events.SymbolKey) {
		mu.Lock()
		evicted = append(evicted, key)
		mu.Unlock()
	})

	// Заполняем кап; SYM0 - least recently updated
	for i := 0; i < 8; i++ {
		current = now.Add(time.Duration(i) * time.Second)
		s.Apply(mkTrade("binance", fmt.Sprintf("SYM%d_USDT", i), 1, current))
	}

	if s.Len() != 8 {
		t.Fatalf("expected 8 symbols, got %d", s.Len())
	}

	// Девятый символ вытесняет SYM0
	current = now.Add(time.Minute)
	s.Apply(mkTrade("binance", "SYM8_USDT", 1, current))

	if s.Len() != 8 {
		t.Errorf("symbol cap violated: %d symbols", s.Len())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(evicted) != 1 || evicted[0].Symbol != "SYM0_USDT" {
		t.Errorf("expected SYM0_USDT evicted, got %v", evicted)
	}
}

// ============================================================
// Metadata, quotes, monotonic last_update
// ============================================================

func TestMetadataAndMonotonicLastUpdate(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s := New(testConfig(), 4)
	current := now
	s.SetNowFunc(func() time.Time { return current })

	key := events.SymbolKey{Exchange: "bybit", Symbol: "BTC_USDT"}

	s.Apply(mkTrade("bybit", "BTC_USDT", 100, now))
	meta, ok := s.Metadata(key)
	if !ok {
		t.Fatal("metadata missing after trade")
	}
	if !meta.LastPrice.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected last price 100, got %s", meta.LastPrice.String())
	}
	first := meta.LastUpdate

	current = now.Add(time.Second)
	s.Apply(mkTrade("bybit", "BTC_USDT", 101, current))
	meta, _ = s.Metadata(key)
	if meta.LastUpdate.Before(first) {
		t.Error("last_update went backwards")
	}

	// Часы шагнули назад: запись отклоняется, буфер валиден
	current = now.Add(-time.Second)
	err := s.Apply(mkTrade("bybit", "BTC_USDT", 102, current))
	if err != ErrIntegrity {
		t.Errorf("expected ErrIntegrity, got %v", err)
	}
	meta, _ = s.Metadata(key)
	if !meta.LastPrice.Equal(decimal.NewFromInt(101)) {
		t.Errorf("rejected write mutated state: last price %s", meta.LastPrice.String())
	}
}

func TestQuoteSlot(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s := frozenStore(testConfig(), 4, now)
	key := events.SymbolKey{Exchange: "binance", Symbol: "BTC_USDT"}

	q := &events.Quote{
		Exchange: "binance",
		Symbol:   "BTC_USDT",
		BestBid:  decimal.NewFromInt(100),
		BestAsk:  decimal.NewFromInt(101),
		TsServer: now,
	}
	s.Apply(q)

	got, ok := s.LastQuote(key)
	if !ok {
		t.Fatal("quote missing")
	}
	if !got.BestBid.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected bid 100, got %s", got.BestBid.String())
	}

	// Мутация источника не должна влиять на хранимую копию
	q.BestBid = decimal.NewFromInt(999)
	got, _ = s.LastQuote(key)
	if !got.BestBid.Equal(decimal.NewFromInt(100)) {
		t.Error("stored quote aliases caller memory")
	}
}

func TestFutureTimestampClamped(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s := frozenStore(testConfig(), 4, now)
	key := events.SymbolKey{Exchange: "binance", Symbol: "BTC_USDT"}

	s.Apply(mkTrade("binance", "BTC_USDT", 100, now.Add(time.Hour)))

	trades := s.SnapshotTrades(key)
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	if trades[0].Timestamp().After(now.Add(skewTolerance)) {
		t.Errorf("future timestamp not clamped: %v", trades[0].Timestamp())
	}
}

// ============================================================
// Counts and pending staging
// ============================================================

func TestWindowStatsSinglePass(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s := frozenStore(testConfig(), 4, now)
	key := events.SymbolKey{Exchange: "binance", Symbol: "BTC_USDT"}

	// 3 сделки в последней минуте, ещё 2 в последних трёх, ещё 1 в последних пяти
	offsets := []time.Duration{
		-10 * time.Second, -30 * time.Second, -50 * time.Second,
		-90 * time.Second, -150 * time.Second,
		-250 * time.Second,
	}
	for _, off := range offsets {
		s.Apply(mkTrade("binance", "BTC_USDT", 1, now.Add(off)))
	}

	counts, vol := s.WindowStats(key, now, []time.Duration{time.Minute, 2 * time.Minute, 3 * time.Minute, 5 * time.Minute})
	expected := []int{3, 4, 5, 6}
	for i := range expected {
		if counts[i] != expected[i] {
			t.Errorf("window %d: expected %d, got %d", i, expected[i], counts[i])
		}
	}

	// Объём собирается только из первого окна: 3 сделки price=1 qty=1
	if !vol.Equal(decimal.NewFromInt(3)) {
		t.Errorf("first-window volume: expected 3, got %s", vol)
	}

	if got := s.CountSince(key, now.Add(-time.Minute)); got != 3 {
		t.Errorf("CountSince: expected 3, got %d", got)
	}
}

func TestDrainPending(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s := frozenStore(testConfig(), 4, now)
	key := events.SymbolKey{Exchange: "binance", Symbol: "BTC_USDT"}

	s.Apply(mkTrade("binance", "BTC_USDT", 100, now))
	s.Apply(mkTrade("binance", "BTC_USDT", 101, now))

	pending := s.DrainPending()
	if len(pending[key]) != 2 {
		t.Fatalf("expected 2 staged trades, got %d", len(pending[key]))
	}

	// Повторный drain пуст: staging очищен
	pending = s.DrainPending()
	if len(pending) != 0 {
		t.Errorf("staging not cleared: %d symbols still pending", len(pending))
	}
}

func TestQuotesBySymbol(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s := frozenStore(testConfig(), 4, now)

	for _, ex := range []string{"binance", "bybit"} {
		s.Apply(&events.Quote{
			Exchange: ex,
			Symbol:   "BTC_USDT",
			BestBid:  decimal.NewFromInt(100),
			BestAsk:  decimal.NewFromInt(101),
			TsServer: now,
		})
	}

	quotes := s.QuotesBySymbol()
	if len(quotes["BTC_USDT"]) != 2 {
		t.Errorf("expected quotes from 2 exchanges, got %d", len(quotes["BTC_USDT"]))
	}
}

// ============================================================
// Benchmarks
// ============================================================

func BenchmarkApplyTrade(b *testing.B) {
	s := New(testConfig(), 16)
	now := time.Now()
	tr := mkTrade("binance", "BTC_USDT", 50000, now)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tr.TsServer = now.Add(time.Duration(i) * time.Microsecond)
		s.Apply(tr)
	}
}

func BenchmarkWindowStats(b *testing.B) {
	s := New(testConfig(), 16)
	now := time.Now()
	key := events.SymbolKey{Exchange: "binance", Symbol: "BTC_USDT"}
	for i := 0; i < 5000; i++ {
		s.Apply(mkTrade("binance", "BTC_USDT", 1, now.Add(-time.Duration(i)*100*time.Millisecond)))
	}
	windows := []time.Duration{time.Minute, 2 * time.Minute, 3 * time.Minute, 5 * time.Minute}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.WindowStats(key, now, windows)
	}
}
