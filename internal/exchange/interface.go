package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"screener/internal/events"
)

// Adapter определяет унифицированный интерфейс источника рыночных данных.
// Только публичные эндпоинты: ключи и подписи не нужны.
type Adapter interface {
	// Name возвращает имя биржи ("binance", "bybit", ...)
	Name() string

	// ListSymbols получает список торгуемых спот-пар с лимитами
	ListSymbols(ctx context.Context) ([]SymbolInfo, error)

	// ListTickers получает 24h статистику по всем парам одним запросом
	ListTickers(ctx context.Context) ([]events.Ticker24h, error)

	// Subscribe подключается к публичному WebSocket и гонит нормализованные
	// события (Trade, Quote) в out до отмены контекста. Блокирует.
	// streams выбирает, какие типы потоков подписывать.
	// Переподключение при разрывах - забота адаптера, не вызывающего.
	Subscribe(ctx context.Context, symbols []string, streams StreamSet, out chan<- events.Event) error

	// Health возвращает состояние потока по времени последнего сообщения
	Health() HealthState

	// Close закрывает соединения
	Close() error
}

// StreamSet - выбранные типы потоков подписки
type StreamSet struct {
	Trades bool
	Quotes bool
}

// None сообщает, что не выбран ни один тип потока
func (s StreamSet) None() bool {
	return !s.Trades && !s.Quotes
}

// SymbolInfo - торгуемая пара и её биржевые лимиты
type SymbolInfo struct {
	Symbol      string          // нормализованное имя (BTC_USDT)
	RawSymbol   string          // имя в формате биржи (BTCUSDT)
	PriceStep   decimal.Decimal // шаг цены (tick size)
	QtyStep     decimal.Decimal // шаг количества (lot size)
	MinNotional decimal.Decimal // минимальная сумма сделки в quote-валюте
}

// HealthState - здоровье потока адаптера
type HealthState string

const (
	// HealthHealthy - сообщения идут
	HealthHealthy HealthState = "healthy"
	// HealthDegraded - тишина дольше degraded-порога
	HealthDegraded HealthState = "degraded"
	// HealthDead - тишина дольше dead-порога, принудительный reconnect
	HealthDead HealthState = "dead"
)

// ExchangeError представляет ошибку от биржи
type ExchangeError struct {
	Exchange string
	Code     string
	Message  string
	Original error
}

func (e *ExchangeError) Error() string {
	return e.Exchange + ": " + e.Message
}

// Unwrap возвращает оригинальную ошибку для поддержки errors.Is() и errors.As()
func (e *ExchangeError) Unwrap() error {
	return e.Original
}
