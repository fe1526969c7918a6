// Package deviation сравнивает цены одного символа между биржами:
// backward as-of join по сделкам и периодический bid/bid sweep по котировкам.
package deviation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"screener/internal/events"
	"screener/internal/store"
	"screener/internal/telemetry"
)

// hundred для перевода долей в проценты
var hundred = decimal.NewFromInt(100)

// Deviation - расхождение bid-цен символа между двумя биржами
type Deviation struct {
	Symbol            string
	ExchangeCheap     string
	ExchangeExpensive string
	BidCheap          decimal.Decimal
	BidExpensive      decimal.Decimal

	// (bid_expensive - bid_cheap) / bid_cheap * 100
	DevPct decimal.Decimal

	// Staleness старшей стороны: разница timestamp котировок.
	// Часы бирж могут расходиться - downstream решает сам, что с этим делать.
	Staleness time.Duration

	// Significant: |dev_pct| >= entry-порога. NearParity: |dev_pct| <=
	// exit-порога. Считаются движком - у потребителей порогов нет.
	Significant bool
	NearParity  bool

	Ts time.Time
}

// SignalKind - тип сигнала overlay
type SignalKind string

const (
	SignalEntry SignalKind = "entry"
	SignalExit  SignalKind = "exit"
)

// Signal - событие entry/exit детектора
type Signal struct {
	Kind              SignalKind
	Symbol            string
	DevPct            decimal.Decimal
	ExchangeCheap     string
	ExchangeExpensive string
	Ts                time.Time
	ExpiresAt         time.Time
}

// Config - параметры deviation engine
type Config struct {
	SweepInterval   time.Duration
	MinThresholdPct decimal.Decimal

	// Overlay сигналов (выключен по умолчанию)
	SignalsEnabled    bool
	EntryThresholdPct decimal.Decimal
	ExitThresholdPct  decimal.Decimal
	Cooldown          time.Duration
	Expiry            time.Duration
}

// signalState - состояние детектора для одного символа
type signalState struct {
	active    bool
	lastEntry time.Time
	expiresAt time.Time
}

// Engine держит индекс последних котировок (через store) и гоняет sweep
type Engine struct {
	store *store.Store
	cfg   Config
	log   *zap.SugaredLogger

	out     chan []Deviation
	signals chan Signal

	sigMu    sync.Mutex
	sigState map[string]*signalState

	now func() time.Time
}

// NewEngine создаёт deviation engine
func NewEngine(st *store.Store, cfg Config, log *zap.SugaredLogger) *Engine {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 100 * time.Millisecond
	}
	// Пороги нужны и при выключенном overlay: от них считаются
	// флаги significant/near-parity на каждой записи
	if cfg.EntryThresholdPct.IsZero() {
		cfg.EntryThresholdPct = decimal.RequireFromString("0.35")
	}
	if cfg.ExitThresholdPct.IsZero() {
		cfg.ExitThresholdPct = decimal.RequireFromString("0.05")
	}
	return &Engine{
		store:    st,
		cfg:      cfg,
		log:      log.Named("deviation"),
		out:      make(chan []Deviation, 16),
		signals:  make(chan Signal, 64),
		sigState: make(map[string]*signalState),
		now:      time.Now,
	}
}

// SetNowFunc подменяет источник времени (только тесты)
func (e *Engine) SetNowFunc(now func() time.Time) {
	e.now = now
}

// ForgetSymbol сбрасывает состояние сигналов символа.
// Вызывается при вытеснении символа из окна, чтобы sigState не рос
// на давно неактивных символах.
func (e *Engine) ForgetSymbol(symbol string) {
	e.sigMu.Lock()
	delete(e.sigState, symbol)
	e.sigMu.Unlock()
}

// Deviations - канал батчей deviation записей (читает broadcast)
func (e *Engine) Deviations() <-chan []Deviation {
	return e.out
}

// Signals - канал entry/exit сигналов overlay
func (e *Engine) Signals() <-chan Signal {
	return e.signals
}

// Run крутит периодический sweep до отмены контекста
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			batch := e.Sweep()
			if len(batch) == 0 {
				continue
			}
			select {
			case e.out <- batch:
			default:
				// Потребитель отстал - батч устаревает мгновенно, дропаем
			}
		}
	}
}

// GetAlignedPrices выполняет backward as-of join: последняя известная цена
// каждой биржи с ts <= t* (по буферу сделок, без заглядывания в будущее).
// ok=false если хотя бы с одной стороны данных нет.
func (e *Engine) GetAlignedPrices(symbol, exI, exJ string, at time.Time) (pi, pj decimal.Decimal, ok bool) {
	pi, okI := e.lastPriceAsOf(events.SymbolKey{Exchange: exI, Symbol: symbol}, at)
	pj, okJ := e.lastPriceAsOf(events.SymbolKey{Exchange: exJ, Symbol: symbol}, at)
	if !okI || !okJ {
		return decimal.Decimal{}, decimal.Decimal{}, false
	}
	return pi, pj, true
}

// lastPriceAsOf ищет последнюю сделку с ts <= at бинарным поиском
// по copy-out снимку буфера (буфер упорядочен по времени)
func (e *Engine) lastPriceAsOf(key events.SymbolKey, at time.Time) (decimal.Decimal, bool) {
	trades := e.store.SnapshotTrades(key)
	if len(trades) == 0 {
		return decimal.Decimal{}, false
	}

	// Первый индекс с ts > at; нам нужен предыдущий
	idx := sort.Search(len(trades), func(i int) bool {
		return trades[i].Timestamp().After(at)
	})
	if idx == 0 {
		return decimal.Decimal{}, false
	}
	return trades[idx-1].Price, true
}

// Sweep выполняет один проход: для каждого символа с котировками
// на >= 2 биржах считает bid/bid отклонение всех неупорядоченных пар
// и возвращает записи с |dev_pct| >= MinThresholdPct
func (e *Engine) Sweep() []Deviation {
	now := e.now()
	quotes := e.store.QuotesBySymbol()

	var batch []Deviation
	for symbol, qs := range quotes {
		if len(qs) < 2 {
			continue
		}

		// Детерминированный порядок пар
		sort.Slice(qs, func(i, j int) bool { return qs[i].Exchange < qs[j].Exchange })

		best := e.bestPairDeviation(symbol, qs, now, &batch)

		if e.cfg.SignalsEnabled && best != nil {
			e.updateSignals(symbol, best, now)
		}
	}

	if len(batch) > 0 {
		telemetry.DeviationsEmitted.Add(float64(len(batch)))
	}
	return batch
}

// bestPairDeviation перебирает все пары бирж символа, добавляет в batch
// записи выше порога и возвращает максимальное по |dev_pct| отклонение
func (e *Engine) bestPairDeviation(symbol string, qs []events.Quote, now time.Time, batch *[]Deviation) *Deviation {
	var best *Deviation

	for i := 0; i < len(qs); i++ {
		for j := i + 1; j < len(qs); j++ {
			dev, ok := pairDeviation(symbol, &qs[i], &qs[j], now)
			if !ok {
				continue
			}

			abs := dev.DevPct.Abs()
			dev.Significant = abs.GreaterThanOrEqual(e.cfg.EntryThresholdPct)
			dev.NearParity = abs.LessThanOrEqual(e.cfg.ExitThresholdPct)

			if best == nil || abs.GreaterThan(best.DevPct.Abs()) {
				d := dev
				best = &d
			}

			if abs.GreaterThanOrEqual(e.cfg.MinThresholdPct) {
				*batch = append(*batch, dev)
			}
		}
	}
	return best
}

// pairDeviation считает отклонение одной пары котировок.
// Нулевой bid с любой стороны - отказ (не ошибка).
func pairDeviation(symbol string, a, b *events.Quote, now time.Time) (Deviation, bool) {
	if !a.BestBid.IsPositive() || !b.BestBid.IsPositive() {
		return Deviation{}, false
	}

	cheap, expensive := a, b
	if cheap.BestBid.GreaterThan(expensive.BestBid) {
		cheap, expensive = expensive, cheap
	}

	devPct := expensive.BestBid.Sub(cheap.BestBid).Div(cheap.BestBid).Mul(hundred)

	staleness := cheap.Timestamp().Sub(expensive.Timestamp())
	if staleness < 0 {
		staleness = -staleness
	}

	return Deviation{
		Symbol:            symbol,
		ExchangeCheap:     cheap.Exchange,
		ExchangeExpensive: expensive.Exchange,
		BidCheap:          cheap.BestBid,
		BidExpensive:      expensive.BestBid,
		DevPct:            devPct,
		Staleness:         staleness,
		Ts:                now,
	}, true
}

// updateSignals прокручивает state machine детектора для символа
//
// Entry: |dev| >= entry_threshold, нет активного сигнала, прошёл cooldown.
// Exit: активный сигнал и |dev| <= exit_threshold, либо истёк expiry.
func (e *Engine) updateSignals(symbol string, dev *Deviation, now time.Time) {
	e.sigMu.Lock()
	defer e.sigMu.Unlock()

	st, ok := e.sigState[symbol]
	if !ok {
		st = &signalState{}
		e.sigState[symbol] = st
	}

	abs := dev.DevPct.Abs()

	if st.active {
		expired := now.After(st.expiresAt)
		if expired || abs.LessThanOrEqual(e.cfg.ExitThresholdPct) {
			st.active = false
			e.emitSignal(Signal{
				Kind:              SignalExit,
				Symbol:            symbol,
				DevPct:            dev.DevPct,
				ExchangeCheap:     dev.ExchangeCheap,
				ExchangeExpensive: dev.ExchangeExpensive,
				Ts:                now,
			})
		}
		return
	}

	if abs.GreaterThanOrEqual(e.cfg.EntryThresholdPct) && now.Sub(st.lastEntry) >= e.cfg.Cooldown {
		st.active = true
		st.lastEntry = now
		st.expiresAt = now.Add(e.cfg.Expiry)
		e.emitSignal(Signal{
			Kind:              SignalEntry,
			Symbol:            symbol,
			DevPct:            dev.DevPct,
			ExchangeCheap:     dev.ExchangeCheap,
			ExchangeExpensive: dev.ExchangeExpensive,
			Ts:                now,
			ExpiresAt:         st.expiresAt,
		})
	}
}

func (e *Engine) emitSignal(sig Signal) {
	select {
	case e.signals <- sig:
	default:
		e.log.Warnw("signal channel full, dropping", "symbol", sig.Symbol, "kind", sig.Kind)
	}
}
