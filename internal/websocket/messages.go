package websocket

import (
	"time"

	"github.com/shopspring/decimal"

	"screener/internal/broadcast"
	"screener/internal/deviation"
	"screener/internal/scoring"
)

// ============ Типизированные сообщения (без map[string]interface{}) ============
// Избегаем рефлексии по generic-типам - сериализация по известным структурам

// Типы исходящих сообщений
const (
	MsgTradeAggregate   = "trade_aggregate"
	MsgAllSymbolsScored = "all_symbols_scored"
	MsgTopNUpdate       = "top_N_update"
	MsgDeviationUpdate  = "deviation_update"
	MsgEntrySignal      = "entry_signal"
	MsgExitSignal       = "exit_signal"
)

// AggregatePayload - OHLCV бакет на wire
// decimal сериализуется строкой: клиент не теряет точность
type AggregatePayload struct {
	TimestampMs int64           `json:"timestamp_ms"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      decimal.Decimal `json:"volume"`
	BuyVolume   decimal.Decimal `json:"buy_volume"`
	SellVolume  decimal.Decimal `json:"sell_volume"`
	TradeCount  int             `json:"trade_count"`
}

// TradeAggregateMessage - OHLCV бакет одного символа за тик агрегации
type TradeAggregateMessage struct {
	Type      string           `json:"type"`
	Exchange  string           `json:"exchange"`
	Symbol    string           `json:"symbol"`
	Aggregate AggregatePayload `json:"aggregate"`
}

// NewTradeAggregateMessage конвертирует доменный бакет в wire-формат
func NewTradeAggregateMessage(agg broadcast.Aggregate) *TradeAggregateMessage {
	return &TradeAggregateMessage{
		Type:     MsgTradeAggregate,
		Exchange: agg.Key.Exchange,
		Symbol:   agg.Key.Symbol,
		Aggregate: AggregatePayload{
			TimestampMs: agg.TimestampMs,
			Open:        agg.Open,
			High:        agg.High,
			Low:         agg.Low,
			Close:       agg.Close,
			Volume:      agg.Volume,
			BuyVolume:   agg.BuyVolume,
			SellVolume:  agg.SellVolume,
			TradeCount:  agg.TradeCount,
		},
	}
}

// wireAccelerationCap - потолок acceleration на wire
const wireAccelerationCap = 5.0

// ScoredSymbolPayload - метрики одного символа в metadata snapshot.
// Поля обогащения присутствуют только у detailed символов.
type ScoredSymbolPayload struct {
	Exchange     string          `json:"exchange"`
	Symbol       string          `json:"symbol"`
	Score        float64         `json:"score"`
	TradesPerMin int             `json:"trades_per_min"`
	Trades2m     int             `json:"trades_2m"`
	Trades3m     int             `json:"trades_3m"`
	Trades5m     int             `json:"trades_5m"`
	LastPrice    decimal.Decimal `json:"last_price"`
	LastUpdateMs int64           `json:"last_update_ms"`

	Detailed       bool    `json:"detailed"`
	Acceleration   float64 `json:"acceleration,omitempty"`
	Imbalance      float64 `json:"imbalance,omitempty"`
	HasPattern     bool    `json:"has_pattern,omitempty"`
	CompositeScore float64 `json:"composite_score,omitempty"`

	Volume24h         *decimal.Decimal `json:"volume_24h,omitempty"`
	PriceChangePct24h *decimal.Decimal `json:"price_change_pct_24h,omitempty"`
}

// AllSymbolsScoredMessage - полный ранжированный список символов
type AllSymbolsScoredMessage struct {
	Type        string                `json:"type"`
	TimestampMs int64                 `json:"timestamp_ms"`
	Total       int                   `json:"total"`
	Symbols     []ScoredSymbolPayload `json:"symbols"`
}

// NewAllSymbolsScoredMessage конвертирует snapshot в wire-формат,
// сохраняя порядок ранжирования
func NewAllSymbolsScoredMessage(snap *scoring.Snapshot) *AllSymbolsScoredMessage {
	symbols := make([]ScoredSymbolPayload, 0, len(snap.Symbols))
	for i := range snap.Symbols {
		sc := &snap.Symbols[i]
		p := ScoredSymbolPayload{
			Exchange:     sc.Key.Exchange,
			Symbol:       sc.Key.Symbol,
			Score:        sc.PumpScore,
			TradesPerMin: sc.Trades1m,
			Trades2m:     sc.Trades2m,
			Trades3m:     sc.Trades3m,
			Trades5m:     sc.Trades5m,
			LastPrice:    sc.LastPrice,
			LastUpdateMs: sc.LastUpdate.UnixMilli(),
			Detailed:     sc.Detailed,
		}
		if sc.Detailed {
			p.Acceleration = sc.Acceleration
			if p.Acceleration > wireAccelerationCap {
				p.Acceleration = wireAccelerationCap
			}
			p.Imbalance = sc.Imbalance
			p.HasPattern = sc.HasPattern
			p.CompositeScore = sc.CompositeScore
		}
		if sc.HasTicker {
			vol := sc.Volume24h
			chg := sc.PriceChangePct24h
			p.Volume24h = &vol
			p.PriceChangePct24h = &chg
		}
		symbols = append(symbols, p)
	}

	return &AllSymbolsScoredMessage{
		Type:        MsgAllSymbolsScored,
		TimestampMs: snap.At.UnixMilli(),
		Total:       len(symbols),
		Symbols:     symbols,
	}
}

// TopNUpdateMessage - имена первых N символов ранжирования
type TopNUpdateMessage struct {
	Type        string   `json:"type"`
	TimestampMs int64    `json:"timestamp_ms"`
	Symbols     []string `json:"symbols"`
}

// DeviationPayload - одна запись межбиржевого расхождения
type DeviationPayload struct {
	Symbol            string          `json:"symbol"`
	ExchangeCheap     string          `json:"exchange_cheap"`
	ExchangeExpensive string          `json:"exchange_expensive"`
	PriceCheap        decimal.Decimal `json:"price_cheap"`
	PriceExpensive    decimal.Decimal `json:"price_expensive"`
	DeviationPct      decimal.Decimal `json:"deviation_pct"`
	IsSignificant     bool            `json:"is_significant"`
	IsNearParity      bool            `json:"is_near_parity"`
	StalenessMs       int64           `json:"staleness_ms"`
}

// DeviationUpdateMessage - батч deviation записей одного sweep'а
type DeviationUpdateMessage struct {
	Type        string             `json:"type"`
	TimestampMs int64              `json:"timestamp_ms"`
	Count       int                `json:"count"`
	Deviations  []DeviationPayload `json:"deviations"`
}

// NewDeviationUpdateMessage конвертирует батч в wire-формат
func NewDeviationUpdateMessage(at time.Time, devs []deviation.Deviation) *DeviationUpdateMessage {
	payload := make([]DeviationPayload, 0, len(devs))
	for i := range devs {
		d := &devs[i]
		payload = append(payload, DeviationPayload{
			Symbol:            d.Symbol,
			ExchangeCheap:     d.ExchangeCheap,
			ExchangeExpensive: d.ExchangeExpensive,
			PriceCheap:        d.BidCheap,
			PriceExpensive:    d.BidExpensive,
			DeviationPct:      d.DevPct,
			IsSignificant:     d.Significant,
			IsNearParity:      d.NearParity,
			StalenessMs:       d.Staleness.Milliseconds(),
		})
	}

	return &DeviationUpdateMessage{
		Type:        MsgDeviationUpdate,
		TimestampMs: at.UnixMilli(),
		Count:       len(payload),
		Deviations:  payload,
	}
}

// SignalMessage - entry/exit сигнал overlay
type SignalMessage struct {
	Type              string          `json:"type"`
	Symbol            string          `json:"symbol"`
	DeviationPct      decimal.Decimal `json:"deviation_pct"`
	CheapExchange     string          `json:"cheap_exchange"`
	ExpensiveExchange string          `json:"expensive_exchange"`
	TimestampMs       int64           `json:"timestamp_ms"`
	ExpiresAtMs       int64           `json:"expires_at_ms,omitempty"`
}

// NewSignalMessage конвертирует сигнал в wire-формат
func NewSignalMessage(sig deviation.Signal) *SignalMessage {
	msgType := MsgEntrySignal
	if sig.Kind == deviation.SignalExit {
		msgType = MsgExitSignal
	}

	msg := &SignalMessage{
		Type:              msgType,
		Symbol:            sig.Symbol,
		DeviationPct:      sig.DevPct,
		CheapExchange:     sig.ExchangeCheap,
		ExpensiveExchange: sig.ExchangeExpensive,
		TimestampMs:       sig.Ts.UnixMilli(),
	}
	if !sig.ExpiresAt.IsZero() {
		msg.ExpiresAtMs = sig.ExpiresAt.UnixMilli()
	}
	return msg
}

// ClientCommand - входящее сообщение клиента.
// Единственная поддерживаемая команда - subscribe_page: ограничить
// trade_aggregate страницей текущего ранжирования.
type ClientCommand struct {
	Action   string `json:"action"`
	Page     int    `json:"page"`      // 1-based
	PageSize int    `json:"page_size"` // 0 - без фильтрации
}

// Действия клиента
const (
	ActionSubscribePage   = "subscribe_page"
	ActionUnsubscribePage = "unsubscribe_page"
)
