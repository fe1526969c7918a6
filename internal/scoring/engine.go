// Package scoring пересчитывает liveness/anomaly метрики символов
// и строит ранжированный snapshot для рассылки клиентам.
package scoring

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"screener/internal/events"
	"screener/internal/store"
	"screener/internal/telemetry"
)

// accelerationCap - потолок acceleration у потребителей composite score
const accelerationCap = 5.0

// patternMinTrades - минимум сделок с одинаковой парой (qty, side)
// в последней минуте для выставления has_volume_pattern
const patternMinTrades = 10

// окна подсчёта сделок; порядок фиксирован: 1m, 2m, 3m, 5m
var countWindows = []time.Duration{time.Minute, 2 * time.Minute, 3 * time.Minute, 5 * time.Minute}

// SymbolScore - метрики одного символа на момент тика
//
// Базовые поля (счётчики окон, PumpScore, LastPrice) считаются для ВСЕХ
// символов; поля обогащения (Acceleration, Imbalance, HasPattern,
// CompositeScore, ticker24h merge) заполняются только для top K_detail
// по trades_3m.
type SymbolScore struct {
	Key events.SymbolKey

	Trades1m int
	Trades2m int
	Trades3m int
	Trades5m int

	PumpScore float64

	LastPrice  decimal.Decimal
	LastUpdate time.Time

	// Поля обогащения (только top K_detail)
	Detailed       bool
	Acceleration   float64
	Imbalance      float64
	HasPattern     bool
	CompositeScore float64

	// Merge из ticker24h, если REST-статистика есть
	Volume24h         decimal.Decimal
	PriceChangePct24h decimal.Decimal
	HasTicker         bool
}

// Snapshot - ранжированный снимок всех символов одного тика
type Snapshot struct {
	At      time.Time
	Symbols []SymbolScore // отсортированы: trades_3m desc, last_update desc, symbol asc
}

// Config - параметры движка
type Config struct {
	Interval   time.Duration // период пересчёта (default 2s)
	DetailTopK int           // K_detail
}

// Engine считает метрики поверх окна; собственного хранилища нет -
// всё derived из store на каждом тике
type Engine struct {
	store *store.Store
	cfg   Config
	log   *zap.SugaredLogger

	// Последний snapshot уходит сюда; буфер 1, старый вытесняется
	out chan *Snapshot

	now func() time.Time
}

// NewEngine создаёт движок метрик
func NewEngine(st *store.Store, cfg Config, log *zap.SugaredLogger) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.DetailTopK <= 0 {
		cfg.DetailTopK = 500
	}
	return &Engine{
		store: st,
		cfg:   cfg,
		log:   log.Named("scoring"),
		out:   make(chan *Snapshot, 1),
		now:   time.Now,
	}
}

// SetNowFunc подменяет источник времени (только тесты)
func (e *Engine) SetNowFunc(now func() time.Time) {
	e.now = now
}

// Snapshots - канал готовых снимков (читает broadcast)
func (e *Engine) Snapshots() <-chan *Snapshot {
	return e.out
}

// Run крутит периодический пересчёт до отмены контекста
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			started := time.Now()
			snap := e.Tick()
			telemetry.ScoringTickDuration.Observe(float64(time.Since(started).Milliseconds()))
			e.publish(snap)
		}
	}
}

// publish кладёт snapshot в канал, вытесняя устаревший
func (e *Engine) publish(snap *Snapshot) {
	for {
		select {
		case e.out <- snap:
			return
		default:
			// Потребитель не успел забрать предыдущий - вытесняем
			select {
			case <-e.out:
			default:
			}
		}
	}
}

// Tick выполняет один пересчёт: базовые метрики для всех символов,
// сортировка, обогащение top K_detail
func (e *Engine) Tick() *Snapshot {
	now := e.now()
	keys := e.store.Keys()

	scores := make([]SymbolScore, 0, len(keys))
	for _, key := range keys {
		meta, ok := e.store.Metadata(key)
		if !ok {
			continue // символ вытеснен между Keys() и чтением
		}

		// Счётчики окон и минутный quote-объём за один проход:
		// pump_score обязан быть у КАЖДОГО символа, не только у top-K
		counts, usdVol1m := e.store.WindowStats(key, now, countWindows)
		sc := SymbolScore{
			Key:        key,
			Trades1m:   counts[0],
			Trades2m:   counts[1],
			Trades3m:   counts[2],
			Trades5m:   counts[3],
			PumpScore:  pumpScore(counts[0], usdVol1m),
			LastPrice:  meta.LastPrice,
			LastUpdate: meta.LastUpdate,
		}
		if meta.Ticker != nil {
			sc.Volume24h = meta.Ticker.QuoteVolume24h
			sc.PriceChangePct24h = meta.Ticker.PriceChangePct24h
			sc.HasTicker = true
		}
		scores = append(scores, sc)
	}

	// Первичный ключ сортировки - trades_3m desc; tie-break по
	// last_update desc, затем по символу для детерминизма
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Trades3m != scores[j].Trades3m {
			return scores[i].Trades3m > scores[j].Trades3m
		}
		if !scores[i].LastUpdate.Equal(scores[j].LastUpdate) {
			return scores[i].LastUpdate.After(scores[j].LastUpdate)
		}
		return scores[i].Key.String() < scores[j].Key.String()
	})

	// Обогащение только top K: per-tick CPU пропорционален K_detail,
	// а не общему количеству символов
	topK := e.cfg.DetailTopK
	if topK > len(scores) {
		topK = len(scores)
	}
	for i := 0; i < topK; i++ {
		e.enrich(&scores[i], now)
	}

	return &Snapshot{At: now, Symbols: scores}
}

// enrich считает acceleration, imbalance, pattern и composite
// для одного символа за один проход по сделкам последней минуты
func (e *Engine) enrich(sc *SymbolScore, now time.Time) {
	lastMinute := e.store.SnapshotTradesSince(sc.Key, now.Add(-time.Minute))

	var buyUSD, sellUSD decimal.Decimal
	patterns := make(map[string]int, len(lastMinute))
	patternHit := false

	for i := range lastMinute {
		tr := &lastMinute[i]
		notional := tr.Notional()
		if tr.Side == events.SideBuy {
			buyUSD = buyUSD.Add(notional)
		} else {
			sellUSD = sellUSD.Add(notional)
		}

		// Группировка по ТОЧНОЙ паре (qty, side): decimal-равенство,
		// Decimal.String() нормализует trailing zeros
		pk := tr.Qty.String() + "|" + string(tr.Side)
		patterns[pk]++
		if patterns[pk] >= patternMinTrades {
			patternHit = true
		}
	}

	sc.Acceleration = acceleration(sc.Trades1m, sc.Trades2m)
	sc.Imbalance = imbalance(buyUSD, sellUSD)
	sc.HasPattern = patternHit
	sc.CompositeScore = composite(sc.PumpScore, sc.Acceleration, sc.HasPattern, sc.Imbalance)
	sc.Detailed = true
}

// pumpScore = trades_1m * log10(usd_volume_1m + 1)
// Fallback на голый trades_1m при нулевом объёме
func pumpScore(trades1m int, usdVolume decimal.Decimal) float64 {
	if usdVolume.IsZero() {
		return float64(trades1m)
	}
	v, _ := usdVolume.Float64()
	return float64(trades1m) * math.Log10(v+1)
}

// acceleration = trades_1m / (trades_2m - trades_1m)
// Политика источника: при знаменателе <= 0 возвращаем 1.0
func acceleration(trades1m, trades2m int) float64 {
	prev := trades2m - trades1m
	if prev <= 0 {
		return 1.0
	}
	return float64(trades1m) / float64(prev)
}

// imbalance = |buy - sell| / (buy + sell), диапазон [0,1], 0 при нулевой сумме
func imbalance(buyUSD, sellUSD decimal.Decimal) float64 {
	total := buyUSD.Add(sellUSD)
	if total.IsZero() {
		return 0
	}
	ratio := buyUSD.Sub(sellUSD).Abs().Div(total)
	v, _ := ratio.Float64()
	return v
}

// composite = pump * (1 + min(accel,5)/2) + pattern*100 + imbalance*100
func composite(pump, accel float64, pattern bool, imb float64) float64 {
	if accel > accelerationCap {
		accel = accelerationCap
	}
	score := pump * (1 + accel/2)
	if pattern {
		score += 100
	}
	return score + imb*100
}
