package events

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================
// NormalizeSymbol Tests
// ============================================================

func TestNormalizeSymbol(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected string
	}{
		{"slash separator", "btc/usdt", "BTC_USDT"},
		{"underscore separator", "BTC_USDT", "BTC_USDT"},
		{"dash separator", "btc-usdt", "BTC_USDT"},
		{"no separator", "btcusdt", "BTC_USDT"},
		{"space separator", "btc usdt", "BTC_USDT"},
		{"usdc quote", "solusdc", "SOL_USDC"},
		{"mixed case", "EtH/uSdT", "ETH_USDT"},
		{"non-usd quote untouched", "ETHBTC", "ETHBTC"},
		{"bare quote currency", "USDT", "USDT"},
		{"empty input", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeSymbol(tt.raw)
			if got != tt.expected {
				t.Errorf("NormalizeSymbol(%q) = %q, want %q", tt.raw, got, tt.expected)
			}
		})
	}
}

func TestNormalizeSymbolIdempotent(t *testing.T) {
	inputs := []string{"btc/usdt", "BTC_USDT", "btc-usdt", "ethbtc", "sol usdc", "1000PEPEUSDT"}

	for _, raw := range inputs {
		once := NormalizeSymbol(raw)
		twice := NormalizeSymbol(once)
		if once != twice {
			t.Errorf("normalization not idempotent for %q: %q != %q", raw, once, twice)
		}
	}
}

// ============================================================
// Factory Tests
// ============================================================

func TestNewTradeValidation(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		price   string
		qty     string
		side    Side
		wantErr bool
	}{
		{"valid buy", "100.5", "2", SideBuy, false},
		{"valid sell", "0.00001", "1000000", SideSell, false},
		{"zero price", "0", "1", SideBuy, true},
		{"negative price", "-5", "1", SideBuy, true},
		{"zero qty", "100", "0", SideSell, true},
		{"negative qty", "100", "-1", SideSell, true},
		{"bad side", "100", "1", Side("hold"), true},
		{"empty side", "100", "1", Side(""), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			price, _ := decimal.NewFromString(tt.price)
			qty, _ := decimal.NewFromString(tt.qty)

			trade, err := NewTrade("binance", "btc/usdt", price, qty, tt.side, now, now)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !errors.Is(err, ErrMalformedEvent) {
					t.Errorf("expected ErrMalformedEvent, got %v", err)
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if trade.Symbol != "BTC_USDT" {
				t.Errorf("expected normalized symbol BTC_USDT, got %s", trade.Symbol)
			}
		})
	}
}

func TestNewQuoteValidation(t *testing.T) {
	now := time.Now()
	bid := decimal.NewFromInt(100)
	ask := decimal.NewFromInt(101)

	q, err := NewQuote("bybit", "ethusdt", bid, ask, decimal.Zero, decimal.Zero, now, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.Symbol != "ETH_USDT" {
		t.Errorf("expected ETH_USDT, got %s", q.Symbol)
	}

	if _, err := NewQuote("bybit", "ethusdt", decimal.Zero, ask, decimal.Zero, decimal.Zero, now, now); !errors.Is(err, ErrMalformedEvent) {
		t.Errorf("expected ErrMalformedEvent for zero bid, got %v", err)
	}
	if _, err := NewQuote("bybit", "ethusdt", bid, decimal.Zero, decimal.Zero, decimal.Zero, now, now); !errors.Is(err, ErrMalformedEvent) {
		t.Errorf("expected ErrMalformedEvent for zero ask, got %v", err)
	}
}

func TestTradeTimestampFallback(t *testing.T) {
	local := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	server := local.Add(-50 * time.Millisecond)

	withServer := &Trade{TsServer: server, TsLocal: local}
	if !withServer.Timestamp().Equal(server) {
		t.Errorf("expected server timestamp, got %v", withServer.Timestamp())
	}

	withoutServer := &Trade{TsLocal: local}
	if !withoutServer.Timestamp().Equal(local) {
		t.Errorf("expected local fallback timestamp, got %v", withoutServer.Timestamp())
	}
}

func TestTradeNotional(t *testing.T) {
	price, _ := decimal.NewFromString("10.5")
	qty, _ := decimal.NewFromString("4")

	tr := &Trade{Price: price, Qty: qty}
	want, _ := decimal.NewFromString("42")
	if !tr.Notional().Equal(want) {
		t.Errorf("expected notional 42, got %s", tr.Notional().String())
	}
}
