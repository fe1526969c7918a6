// Package broadcast агрегирует staged сделки в OHLCV бакеты и гонит
// их вместе с метаданными и deviation записями в hub рассылки.
package broadcast

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"screener/internal/deviation"
	"screener/internal/events"
	"screener/internal/scoring"
	"screener/internal/store"
)

// Aggregate - один OHLCV бакет символа за тик агрегации
type Aggregate struct {
	Key events.SymbolKey

	TimestampMs int64
	Open        decimal.Decimal
	High        decimal.Decimal
	Low         decimal.Decimal
	Close       decimal.Decimal

	// volume = Σ price*qty; buy + sell = volume
	Volume     decimal.Decimal
	TradeCount int
	BuyVolume  decimal.Decimal
	SellVolume decimal.Decimal
}

// Broadcaster - интерфейс рассылки клиентам
//
// Реализуется пакетом internal/websocket (Hub). Агрегатор не знает
// про WebSocket и wire-формат - только про доменные типы.
type Broadcaster interface {
	// BroadcastTradeAggregate отправляет OHLCV бакет одного символа
	BroadcastTradeAggregate(agg Aggregate)

	// BroadcastScoredSymbols отправляет полный ранжированный список
	BroadcastScoredSymbols(snap *scoring.Snapshot)

	// BroadcastTopN отправляет имена первых N символов ранжирования
	BroadcastTopN(at time.Time, symbols []string)

	// BroadcastDeviations отправляет батч deviation записей
	BroadcastDeviations(at time.Time, devs []deviation.Deviation)

	// BroadcastSignal отправляет entry/exit сигнал overlay
	BroadcastSignal(sig deviation.Signal)
}

// Config - параметры рассылки
type Config struct {
	AggregateInterval  time.Duration // период OHLCV тика (default 200ms)
	MetadataEveryTicks int           // snapshot каждые N тиков (default 10)
	TopN               int           // размер top_N_update (default 70)
}

// Aggregator - воркер двух независимых каденций:
// OHLCV каждые 200ms и metadata snapshot каждые N тиков
type Aggregator struct {
	store *store.Store
	cfg   Config
	hub   Broadcaster
	log   *zap.SugaredLogger

	snapshots  <-chan *scoring.Snapshot
	deviations <-chan []deviation.Deviation
	signals    <-chan deviation.Signal

	// Последний принятый snapshot (metadata тик шлёт именно его)
	lastSnap *scoring.Snapshot
}

// NewAggregator создаёт воркер рассылки
func NewAggregator(
	st *store.Store,
	cfg Config,
	hub Broadcaster,
	snapshots <-chan *scoring.Snapshot,
	deviations <-chan []deviation.Deviation,
	signals <-chan deviation.Signal,
	log *zap.SugaredLogger,
) *Aggregator {
	if cfg.AggregateInterval <= 0 {
		cfg.AggregateInterval = 200 * time.Millisecond
	}
	if cfg.MetadataEveryTicks <= 0 {
		cfg.MetadataEveryTicks = 10
	}
	if cfg.TopN <= 0 {
		cfg.TopN = 70
	}
	return &Aggregator{
		store:      st,
		cfg:        cfg,
		hub:        hub,
		snapshots:  snapshots,
		deviations: deviations,
		signals:    signals,
		log:        log.Named("broadcast"),
	}
}

// Run крутит цикл агрегации до отмены контекста
//
// Если тик пропущен (медленный hub, GC-пауза) - следующий просто
// покроет более длинный интервал: staging копится до drain'а.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.AggregateInterval)
	defer ticker.Stop()

	tickCount := 0
	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			a.aggregateTick()
			tickCount++
			if tickCount%a.cfg.MetadataEveryTicks == 0 {
				a.metadataTick()
			}

		case snap := <-a.snapshots:
			a.lastSnap = snap

		case devs := <-a.deviations:
			a.hub.BroadcastDeviations(time.Now(), devs)

		case sig := <-a.signals:
			a.hub.BroadcastSignal(sig)
		}
	}
}

// aggregateTick сливает staging и шлёт по одному бакету на символ.
// Пустые staging-слоты сообщений не порождают.
func (a *Aggregator) aggregateTick() {
	pending := a.store.DrainPending()
	for key, trades := range pending {
		if len(trades) == 0 {
			continue
		}
		a.hub.BroadcastTradeAggregate(BuildAggregate(key, trades))
	}
}

// metadataTick шлёт последний ранжированный snapshot целиком + top-N имена
func (a *Aggregator) metadataTick() {
	// Подбираем свежий snapshot, если scoring успел положить новый
	select {
	case snap := <-a.snapshots:
		a.lastSnap = snap
	default:
	}

	if a.lastSnap == nil {
		return
	}

	a.hub.BroadcastScoredSymbols(a.lastSnap)

	n := a.cfg.TopN
	if n > len(a.lastSnap.Symbols) {
		n = len(a.lastSnap.Symbols)
	}
	top := make([]string, n)
	for i := 0; i < n; i++ {
		top[i] = a.lastSnap.Symbols[i].Key.Symbol
	}
	a.hub.BroadcastTopN(a.lastSnap.At, top)
}

// BuildAggregate строит OHLCV бакет за один проход по staged сделкам
//
// Инвариант: open = первая цена, close = последняя, high/low - экстремумы,
// volume = Σ price*qty, buy_volume + sell_volume = volume,
// trade_count = len(trades). Timestamp бакета = ts последней сделки.
func BuildAggregate(key events.SymbolKey, trades []events.Trade) Aggregate {
	agg := Aggregate{
		Key:        key,
		Open:       trades[0].Price,
		High:       trades[0].Price,
		Low:        trades[0].Price,
		Close:      trades[len(trades)-1].Price,
		TradeCount: len(trades),
	}

	for i := range trades {
		tr := &trades[i]

		if tr.Price.GreaterThan(agg.High) {
			agg.High = tr.Price
		}
		if tr.Price.LessThan(agg.Low) {
			agg.Low = tr.Price
		}

		notional := tr.Notional()
		agg.Volume = agg.Volume.Add(notional)
		if tr.Side == events.SideBuy {
			agg.BuyVolume = agg.BuyVolume.Add(notional)
		} else {
			agg.SellVolume = agg.SellVolume.Add(notional)
		}
	}

	agg.TimestampMs = trades[len(trades)-1].Timestamp().UnixMilli()
	return agg
}
