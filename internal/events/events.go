// Package events определяет унифицированную модель рыночных событий.
//
// Все адаптеры бирж переводят свой протокол в эти типы ДО записи
// в общий канал ingestion. Денежные значения - decimal, никакого
// float64 в ценах и количествах.
package events

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMalformedEvent - событие с некорректными полями (цена/количество <= 0,
// неизвестная сторона сделки). Адаптер обязан отбросить такой вход.
var ErrMalformedEvent = errors.New("malformed event")

// Side - сторона сделки
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid проверяет, что сторона - один из двух допустимых токенов
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// SymbolKey идентифицирует символ: пара (биржа, нормализованное имя)
// Struct key - Go оптимизирует такие ключи в map без аллокаций строк
type SymbolKey struct {
	Exchange string
	Symbol   string
}

func (k SymbolKey) String() string {
	return k.Exchange + ":" + k.Symbol
}

// NormalizeSymbol приводит сырое имя символа к каноническому виду
//
// Правила:
//  1. Убираем разделители: / - _ и пробел
//  2. Верхний регистр
//  3. Если результат заканчивается на USDT или USDC - вставляем "_"
//     перед quote-валютой: BTCUSDT -> BTC_USDT
//
// Функция тотальна, детерминированна и идемпотентна: любые два входа,
// нормализующиеся одинаково, считаются одним символом.
func NormalizeSymbol(raw string) string {
	var b strings.Builder
	b.Grow(len(raw) + 1)

	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch c {
		case '/', '-', '_', ' ':
			continue
		}
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		b.WriteByte(c)
	}

	s := b.String()
	for _, quote := range [...]string{"USDT", "USDC"} {
		if len(s) > len(quote) && strings.HasSuffix(s, quote) {
			return s[:len(s)-len(quote)] + "_" + quote
		}
	}
	return s
}

// Event - общий интерфейс для событий на канале ingestion
type Event interface {
	Key() SymbolKey
}

// Trade - одна сделка
type Trade struct {
	Exchange string
	Symbol   string // нормализованное имя
	Price    decimal.Decimal
	Qty      decimal.Decimal
	Side     Side

	// TsServer - биржевой timestamp (авторитетный)
	// TsLocal - локальное время получения (fallback)
	TsServer time.Time
	TsLocal  time.Time
}

func (t *Trade) Key() SymbolKey {
	return SymbolKey{Exchange: t.Exchange, Symbol: t.Symbol}
}

// Timestamp возвращает авторитетное время сделки:
// серверное, если биржа его прислала, иначе локальное
func (t *Trade) Timestamp() time.Time {
	if !t.TsServer.IsZero() {
		return t.TsServer
	}
	return t.TsLocal
}

// Notional возвращает объём сделки в quote-валюте (price * qty)
func (t *Trade) Notional() decimal.Decimal {
	return t.Price.Mul(t.Qty)
}

// Quote - лучшие bid/ask
type Quote struct {
	Exchange string
	Symbol   string
	BestBid  decimal.Decimal
	BestAsk  decimal.Decimal

	// Количества на лучших уровнях (опциональны, Zero если биржа не прислала)
	BidQty decimal.Decimal
	AskQty decimal.Decimal

	TsServer time.Time
	TsLocal  time.Time
}

func (q *Quote) Key() SymbolKey {
	return SymbolKey{Exchange: q.Exchange, Symbol: q.Symbol}
}

func (q *Quote) Timestamp() time.Time {
	if !q.TsServer.IsZero() {
		return q.TsServer
	}
	return q.TsLocal
}

// Ticker24h - суточная REST-статистика символа
// Обновляется периодически (не из стрима)
type Ticker24h struct {
	Exchange          string
	Symbol            string
	QuoteVolume24h    decimal.Decimal
	PriceChangePct24h decimal.Decimal
	LastPrice         decimal.Decimal

	// Опциональные поля (Zero если REST endpoint их не отдаёт)
	BestBid decimal.Decimal
	BestAsk decimal.Decimal
}

func (t *Ticker24h) Key() SymbolKey {
	return SymbolKey{Exchange: t.Exchange, Symbol: t.Symbol}
}

// NewTrade конструирует Trade с валидацией полей
//
// Возвращает ErrMalformedEvent если price <= 0, qty <= 0 или сторона
// не входит в {buy, sell}. Имя символа нормализуется здесь же.
func NewTrade(exchange, rawSymbol string, price, qty decimal.Decimal, side Side, tsServer, tsLocal time.Time) (*Trade, error) {
	if !price.IsPositive() {
		return nil, fmt.Errorf("%w: non-positive price %s", ErrMalformedEvent, price.String())
	}
	if !qty.IsPositive() {
		return nil, fmt.Errorf("%w: non-positive qty %s", ErrMalformedEvent, qty.String())
	}
	if !side.Valid() {
		return nil, fmt.Errorf("%w: unknown side %q", ErrMalformedEvent, string(side))
	}

	return &Trade{
		Exchange: exchange,
		Symbol:   NormalizeSymbol(rawSymbol),
		Price:    price,
		Qty:      qty,
		Side:     side,
		TsServer: tsServer,
		TsLocal:  tsLocal,
	}, nil
}

// NewQuote конструирует Quote с валидацией bid/ask
func NewQuote(exchange, rawSymbol string, bestBid, bestAsk, bidQty, askQty decimal.Decimal, tsServer, tsLocal time.Time) (*Quote, error) {
	if !bestBid.IsPositive() {
		return nil, fmt.Errorf("%w: non-positive bid %s", ErrMalformedEvent, bestBid.String())
	}
	if !bestAsk.IsPositive() {
		return nil, fmt.Errorf("%w: non-positive ask %s", ErrMalformedEvent, bestAsk.String())
	}

	return &Quote{
		Exchange: exchange,
		Symbol:   NormalizeSymbol(rawSymbol),
		BestBid:  bestBid,
		BestAsk:  bestAsk,
		BidQty:   bidQty,
		AskQty:   askQty,
		TsServer: tsServer,
		TsLocal:  tsLocal,
	}, nil
}
