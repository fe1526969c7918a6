package broadcast

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"screener/internal/deviation"
	"screener/internal/events"
	"screener/internal/scoring"
	"screener/internal/store"
	"screener/pkg/logger"
)

// fakeHub собирает всё отправленное, ничего не сериализуя
type fakeHub struct {
	aggregates []Aggregate
	snapshots  []*scoring.Snapshot
	topN       [][]string
	devBatches [][]deviation.Deviation
	sigs       []deviation.Signal
}

func (f *fakeHub) BroadcastTradeAggregate(agg Aggregate)          { f.aggregates = append(f.aggregates, agg) }
func (f *fakeHub) BroadcastScoredSymbols(snap *scoring.Snapshot)  { f.snapshots = append(f.snapshots, snap) }
func (f *fakeHub) BroadcastTopN(_ time.Time, symbols []string)    { f.topN = append(f.topN, symbols) }
func (f *fakeHub) BroadcastDeviations(_ time.Time, d []deviation.Deviation) {
	f.devBatches = append(f.devBatches, d)
}
func (f *fakeHub) BroadcastSignal(sig deviation.Signal) { f.sigs = append(f.sigs, sig) }

func newTestStore(now time.Time) *store.Store {
	s := store.New(store.Config{
		Window:          30 * time.Minute,
		TradesPerSymbol: 5000,
		SymbolCap:       5000,
	}, 4)
	s.SetNowFunc(func() time.Time { return now })
	return s
}

func trade(symbol, price string, side events.Side, ts time.Time) *events.Trade {
	p, _ := decimal.NewFromString(price)
	return &events.Trade{
		Exchange: "binance",
		Symbol:   symbol,
		Price:    p,
		Qty:      decimal.NewFromInt(1),
		Side:     side,
		TsServer: ts,
	}
}

// ============================================================
// OHLCV bucket
// ============================================================

func TestBuildAggregateOHLCV(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	key := events.SymbolKey{Exchange: "binance", Symbol: "BTC_USDT"}

	// Цены 10, 11, 9, 10.5 внутри одного тика, qty=1
	prices := []string{"10", "11", "9", "10.5"}
	sides := []events.Side{events.SideBuy, events.SideBuy, events.SideSell, events.SideBuy}
	trades := make([]events.Trade, 0, 4)
	for i := range prices {
		tr := trade("BTC_USDT", prices[i], sides[i], now.Add(time.Duration(i)*10*time.Millisecond))
		trades = append(trades, *tr)
	}

	agg := BuildAggregate(key, trades)

	check := func(name string, got decimal.Decimal, want string) {
		w, _ := decimal.NewFromString(want)
		if !got.Equal(w) {
			t.Errorf("%s: expected %s, got %s", name, want, got.String())
		}
	}
	check("open", agg.Open, "10")
	check("high", agg.High, "11")
	check("low", agg.Low, "9")
	check("close", agg.Close, "10.5")
	check("volume", agg.Volume, "40.5")
	check("buy_volume", agg.BuyVolume, "31.5")
	check("sell_volume", agg.SellVolume, "9")

	if agg.TradeCount != 4 {
		t.Errorf("expected trade_count 4, got %d", agg.TradeCount)
	}
	if !agg.BuyVolume.Add(agg.SellVolume).Equal(agg.Volume) {
		t.Error("buy_volume + sell_volume must equal volume")
	}
	if agg.TimestampMs != trades[3].Timestamp().UnixMilli() {
		t.Error("bucket timestamp must be the last trade timestamp")
	}
}

func TestBuildAggregateSingleTrade(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	key := events.SymbolKey{Exchange: "binance", Symbol: "BTC_USDT"}

	agg := BuildAggregate(key, []events.Trade{*trade("BTC_USDT", "42", events.SideSell, now)})

	// open == high == low == close
	for name, v := range map[string]decimal.Decimal{
		"open": agg.Open, "high": agg.High, "low": agg.Low, "close": agg.Close,
	} {
		if !v.Equal(decimal.NewFromInt(42)) {
			t.Errorf("%s: expected 42, got %s", name, v.String())
		}
	}
	if !agg.BuyVolume.IsZero() {
		t.Errorf("expected zero buy_volume, got %s", agg.BuyVolume.String())
	}
}

// ============================================================
// Tick behaviour
// ============================================================

func TestAggregateTickDrainsStaging(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s := newTestStore(now)
	hub := &fakeHub{}
	a := NewAggregator(s, Config{}, hub, nil, nil, nil, logger.Nop())

	s.Apply(trade("BTC_USDT", "10", events.SideBuy, now))
	s.Apply(trade("ETH_USDT", "20", events.SideSell, now))

	a.aggregateTick()
	if len(hub.aggregates) != 2 {
		t.Fatalf("expected 2 aggregates, got %d", len(hub.aggregates))
	}

	// Staging слит - второй тик без новых сделок ничего не шлёт
	a.aggregateTick()
	if len(hub.aggregates) != 2 {
		t.Errorf("empty tick must not emit, got %d aggregates", len(hub.aggregates))
	}
}

func TestMetadataTickSendsSnapshotAndTopN(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s := newTestStore(now)
	hub := &fakeHub{}

	snapCh := make(chan *scoring.Snapshot, 1)
	a := NewAggregator(s, Config{TopN: 2}, hub, snapCh, nil, nil, logger.Nop())

	// Без snapshot'а metadata тик молчит
	a.metadataTick()
	if len(hub.snapshots) != 0 {
		t.Fatal("metadata tick before first snapshot must be silent")
	}

	snapCh <- &scoring.Snapshot{
		At: now,
		Symbols: []scoring.SymbolScore{
			{Key: events.SymbolKey{Exchange: "binance", Symbol: "AAA_USDT"}, Trades3m: 50},
			{Key: events.SymbolKey{Exchange: "binance", Symbol: "BBB_USDT"}, Trades3m: 20},
			{Key: events.SymbolKey{Exchange: "binance", Symbol: "CCC_USDT"}, Trades3m: 5},
		},
	}

	a.metadataTick()
	if len(hub.snapshots) != 1 {
		t.Fatalf("expected 1 scored snapshot, got %d", len(hub.snapshots))
	}
	if len(hub.topN) != 1 || len(hub.topN[0]) != 2 {
		t.Fatalf("expected top-2 names, got %v", hub.topN)
	}
	if hub.topN[0][0] != "AAA_USDT" || hub.topN[0][1] != "BBB_USDT" {
		t.Errorf("top-N order mismatch: %v", hub.topN[0])
	}
}
