package ingest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"screener/internal/config"
	"screener/internal/events"
	"screener/internal/exchange"
	"screener/internal/store"
	"screener/pkg/logger"
)

// fakeAdapter - управляемый адаптер для supervisor-тестов
type fakeAdapter struct {
	name       string
	symbols    []exchange.SymbolInfo
	tickers    []events.Ticker24h
	subscribes int32
	failAfter  time.Duration // Subscribe падает через failAfter (0 - ждёт ctx)

	streamsMu   sync.Mutex
	lastStreams exchange.StreamSet
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) ListSymbols(ctx context.Context) ([]exchange.SymbolInfo, error) {
	return f.symbols, nil
}

func (f *fakeAdapter) ListTickers(ctx context.Context) ([]events.Ticker24h, error) {
	return f.tickers, nil
}

func (f *fakeAdapter) Subscribe(ctx context.Context, symbols []string, streams exchange.StreamSet, out chan<- events.Event) error {
	atomic.AddInt32(&f.subscribes, 1)
	f.streamsMu.Lock()
	f.lastStreams = streams
	f.streamsMu.Unlock()
	if f.failAfter > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.failAfter):
			return fmt.Errorf("stream torn down")
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeAdapter) gotStreams() exchange.StreamSet {
	f.streamsMu.Lock()
	defer f.streamsMu.Unlock()
	return f.lastStreams
}

func (f *fakeAdapter) Health() exchange.HealthState { return exchange.HealthHealthy }
func (f *fakeAdapter) Close() error                 { return nil }

func info(symbol string) exchange.SymbolInfo {
	return exchange.SymbolInfo{Symbol: symbol, RawSymbol: symbol}
}

func ticker24h(symbol string, quoteVolume int64) events.Ticker24h {
	return events.Ticker24h{
		Exchange:       "test",
		Symbol:         symbol,
		QuoteVolume24h: decimal.NewFromInt(quoteVolume),
		LastPrice:      decimal.NewFromInt(1),
	}
}

func newTestStore() *store.Store {
	return store.New(store.Config{
		Window:          30 * time.Minute,
		TradesPerSymbol: 5000,
		SymbolCap:       5000,
	}, 4)
}

func allStreams() config.StreamsConfig {
	return config.StreamsConfig{EnableTrades: true, EnableQuotes: true}
}

// ============================================================
// Symbol filters
// ============================================================

func TestFilterSymbolsVolumeRange(t *testing.T) {
	infos := []exchange.SymbolInfo{info("LOW_USDT"), info("MID_USDT"), info("HIGH_USDT"), info("NOSTAT_USDT")}
	tickers := []events.Ticker24h{
		ticker24h("LOW_USDT", 500),
		ticker24h("MID_USDT", 50_000),
		ticker24h("HIGH_USDT", 900_000_000),
	}
	cfg := config.ExchangeConfig{
		MinQuoteVolume: decimal.NewFromInt(1000),
		MaxQuoteVolume: decimal.NewFromInt(1_000_000),
	}

	got := FilterSymbols("test", infos, tickers, cfg, nil)
	if len(got) != 1 || got[0].Symbol != "MID_USDT" {
		t.Errorf("expected [MID_USDT], got %v", got)
	}
}

func TestFilterSymbolsBoundariesInclusive(t *testing.T) {
	infos := []exchange.SymbolInfo{info("A_USDT"), info("B_USDT")}
	tickers := []events.Ticker24h{
		ticker24h("A_USDT", 1000),
		ticker24h("B_USDT", 2000),
	}
	cfg := config.ExchangeConfig{
		MinQuoteVolume: decimal.NewFromInt(1000),
		MaxQuoteVolume: decimal.NewFromInt(2000),
	}

	// Обе границы включительные
	if got := FilterSymbols("test", infos, tickers, cfg, nil); len(got) != 2 {
		t.Errorf("expected both boundary symbols to pass, got %d", len(got))
	}
}

func TestFilterSymbolsExcludeList(t *testing.T) {
	infos := []exchange.SymbolInfo{info("BTC_USDT"), info("ALT_USDT")}
	tickers := []events.Ticker24h{
		ticker24h("BTC_USDT", 5000),
		ticker24h("ALT_USDT", 5000),
	}
	cfg := config.ExchangeConfig{
		MinQuoteVolume: decimal.NewFromInt(1),
		ExcludeSymbols: []string{"BTC_USDT"},
	}

	got := FilterSymbols("test", infos, tickers, cfg, nil)
	if len(got) != 1 || got[0].Symbol != "ALT_USDT" {
		t.Errorf("expected [ALT_USDT], got %v", got)
	}
}

func TestFilterSymbolsMajorCross(t *testing.T) {
	infos := []exchange.SymbolInfo{info("BTC_USDT"), info("GEM_USDT")}
	tickers := []events.Ticker24h{
		ticker24h("BTC_USDT", 5000),
		ticker24h("GEM_USDT", 5000),
	}
	majors := map[string]bool{"BTC_USDT": true}
	cfg := config.ExchangeConfig{
		MinQuoteVolume:     decimal.NewFromInt(1),
		ExcludeMajorListed: true,
	}

	got := FilterSymbols("bybit", infos, tickers, cfg, majors)
	if len(got) != 1 || got[0].Symbol != "GEM_USDT" {
		t.Errorf("expected [GEM_USDT], got %v", got)
	}

	// На самой мажорной бирже кросс-фильтр не применяется
	got = FilterSymbols(majorExchange, infos, tickers, cfg, majors)
	if len(got) != 2 {
		t.Errorf("major exchange must keep its own symbols, got %d", len(got))
	}
}

// ============================================================
// Backpressure
// ============================================================

func TestEnqueueDropsNewestWhenFull(t *testing.T) {
	o := NewOrchestrator(map[string]exchange.Adapter{}, nil, allStreams(), newTestStore(), logger.Nop())
	o.ingress = make(chan events.Event, 2)

	mk := func(i int) *events.Trade {
		return &events.Trade{
			Exchange: "test",
			Symbol:   fmt.Sprintf("S%d_USDT", i),
			Price:    decimal.NewFromInt(1),
			Qty:      decimal.NewFromInt(1),
			Side:     events.SideBuy,
			TsServer: time.Now(),
		}
	}

	o.enqueue("test", mk(1))
	o.enqueue("test", mk(2))
	o.enqueue("test", mk(3)) // канал полон - дроп без блокировки

	if len(o.ingress) != 2 {
		t.Fatalf("expected 2 queued events, got %d", len(o.ingress))
	}

	// Старые события остались, новое отброшено
	first := (<-o.ingress).(*events.Trade)
	if first.Symbol != "S1_USDT" {
		t.Errorf("drop-newest must keep oldest event, got %s", first.Symbol)
	}
}

// ============================================================
// Stream selection
// ============================================================

func TestStreamTogglesReachAdapter(t *testing.T) {
	adapter := &fakeAdapter{
		name:      "test",
		symbols:   []exchange.SymbolInfo{info("AAA_USDT")},
		tickers:   []events.Ticker24h{ticker24h("AAA_USDT", 5000)},
		failAfter: 5 * time.Millisecond,
	}
	cfgs := map[string]config.ExchangeConfig{
		"test": {MinQuoteVolume: decimal.NewFromInt(1)},
	}
	streams := config.StreamsConfig{EnableTrades: true, EnableQuotes: false}

	o := NewOrchestrator(map[string]exchange.Adapter{"test": adapter}, cfgs, streams, newTestStore(), logger.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = o.runWorker(ctx, "test", adapter)

	got := adapter.gotStreams()
	if !got.Trades || got.Quotes {
		t.Errorf("expected {Trades:true Quotes:false}, got %+v", got)
	}
}

// ============================================================
// Supervision
// ============================================================

func TestSupervisorRestartsFailedWorker(t *testing.T) {
	adapter := &fakeAdapter{
		name:      "test",
		symbols:   []exchange.SymbolInfo{info("AAA_USDT")},
		tickers:   []events.Ticker24h{ticker24h("AAA_USDT", 5000)},
		failAfter: 10 * time.Millisecond,
	}
	cfgs := map[string]config.ExchangeConfig{
		"test": {MinQuoteVolume: decimal.NewFromInt(1)},
	}

	o := NewOrchestrator(map[string]exchange.Adapter{"test": adapter}, cfgs, allStreams(), newTestStore(), logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.supervise(ctx, "test", adapter)
		close(done)
	}()

	// Ждём минимум два запуска Subscribe (первый упал, supervisor перезапустил)
	deadline := time.After(15 * time.Second)
	for atomic.LoadInt32(&adapter.subscribes) < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected restart, subscribes=%d", atomic.LoadInt32(&adapter.subscribes))
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	<-done

	if st := o.Statuses()["test"]; st.Status != StatusStopped {
		t.Errorf("expected stopped after cancel, got %s", st.Status)
	}
}

func TestStatusLifecycle(t *testing.T) {
	adapter := &fakeAdapter{name: "test"}
	o := NewOrchestrator(map[string]exchange.Adapter{"test": adapter}, nil, allStreams(), newTestStore(), logger.Nop())

	if st := o.Statuses()["test"]; st.Status != StatusNotStarted {
		t.Errorf("expected not_started before Run, got %s", st.Status)
	}

	o.setStatus("test", StatusRunning, 42)
	st := o.Statuses()["test"]
	if st.Status != StatusRunning || st.Symbols != 42 {
		t.Errorf("expected running/42, got %s/%d", st.Status, st.Symbols)
	}

	// symbols < 0 не трогает счётчик
	o.setStatus("test", StatusFailed, -1)
	if st := o.Statuses()["test"]; st.Symbols != 42 {
		t.Errorf("symbol count must survive status change, got %d", st.Symbols)
	}
}

// ============================================================
// Ticker staging
// ============================================================

func TestApplyTickersRespectsSelection(t *testing.T) {
	s := newTestStore()
	o := NewOrchestrator(map[string]exchange.Adapter{}, nil, allStreams(), s, logger.Nop())

	// Символы должны существовать в окне до накатки статистики
	for _, sym := range []string{"AAA_USDT", "BBB_USDT"} {
		s.Apply(&events.Trade{
			Exchange: "test", Symbol: sym,
			Price: decimal.NewFromInt(1), Qty: decimal.NewFromInt(1),
			Side: events.SideBuy, TsServer: time.Now(),
		})
	}

	tickers := []events.Ticker24h{ticker24h("AAA_USDT", 100), ticker24h("BBB_USDT", 200)}
	o.applyTickers("test", tickers, []exchange.SymbolInfo{info("AAA_USDT")})

	meta, _ := s.Metadata(events.SymbolKey{Exchange: "test", Symbol: "AAA_USDT"})
	if meta.Ticker == nil {
		t.Error("selected symbol must receive ticker stats")
	}

	meta, _ = s.Metadata(events.SymbolKey{Exchange: "test", Symbol: "BBB_USDT"})
	if meta.Ticker != nil {
		t.Error("unselected symbol must not receive ticker stats")
	}
}
