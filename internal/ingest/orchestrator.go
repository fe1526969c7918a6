// Package ingest управляет жизненным циклом биржевых адаптеров:
// отбор символов, fan-in событий в общий канал, supervision воркеров
// и периодическое обновление 24h статистики.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"screener/internal/config"
	"screener/internal/events"
	"screener/internal/exchange"
	"screener/internal/store"
	"screener/internal/telemetry"
	"screener/pkg/ratelimit"
	"screener/pkg/retry"
)

const (
	// Ёмкость общего канала событий
	ingressCapacity = 100_000

	// Пауза supervisor'а перед перезапуском упавшего воркера
	restartDelay = 5 * time.Second

	// Период обновления 24h статистики
	tickerRefreshInterval = 60 * time.Second

	// Буфер per-exchange канала между адаптером и fan-in
	feedCapacity = 1024
)

// Status - состояние воркера одной биржи
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusRunning    Status = "running"
	StatusStopped    Status = "stopped"
	StatusFailed     Status = "failed"
)

// ExchangeStatus - статус воркера + здоровье потока для /api/v1/status
type ExchangeStatus struct {
	Status  Status               `json:"status"`
	Health  exchange.HealthState `json:"health"`
	Symbols int                  `json:"symbols"`
}

// Orchestrator поднимает воркер на каждую настроенную биржу
// и сливает их события в один ограниченный канал
type Orchestrator struct {
	adapters map[string]exchange.Adapter
	cfgs     map[string]config.ExchangeConfig
	streams  exchange.StreamSet
	store    *store.Store
	log      *zap.SugaredLogger

	ingress chan events.Event

	statusMu sync.RWMutex
	statuses map[string]ExchangeStatus

	// REST-запросы к биржам идут через limiter + retry:
	// discovery и ticker refresh не должны упираться в баны
	limiter  *ratelimit.MultiLimiter
	retryCfg retry.Config

	// Символы мажорной биржи для кросс-фильтра
	majorsMu sync.RWMutex
	majors   map[string]bool
}

// majorExchange - биржа, листинг на которой отсекает символ
// у бирж с ExcludeMajorListed
const majorExchange = "binance"

// NewOrchestrator создаёт оркестратор
func NewOrchestrator(
	adapters map[string]exchange.Adapter,
	cfgs map[string]config.ExchangeConfig,
	streams config.StreamsConfig,
	st *store.Store,
	log *zap.SugaredLogger,
) *Orchestrator {
	limiter := ratelimit.NewMultiLimiter()
	for name := range adapters {
		// Публичные REST лимиты щедрые, 5 rps с запасом хватает
		limiter.Add(name, 5, 10)
	}

	statuses := make(map[string]ExchangeStatus, len(adapters))
	for name := range adapters {
		statuses[name] = ExchangeStatus{Status: StatusNotStarted, Health: exchange.HealthDegraded}
	}

	return &Orchestrator{
		adapters: adapters,
		cfgs:     cfgs,
		streams:  exchange.StreamSet{Trades: streams.EnableTrades, Quotes: streams.EnableQuotes},
		store:    st,
		log:      log.Named("ingest"),
		ingress:  make(chan events.Event, ingressCapacity),
		statuses: statuses,
		limiter:  limiter,
		retryCfg: retry.NetworkConfig(),
		majors:   make(map[string]bool),
	}
}

// Events - общий канал событий всех бирж
func (o *Orchestrator) Events() <-chan events.Event {
	return o.ingress
}

// Statuses возвращает копию статусов всех бирж
func (o *Orchestrator) Statuses() map[string]ExchangeStatus {
	o.statusMu.RLock()
	defer o.statusMu.RUnlock()

	out := make(map[string]ExchangeStatus, len(o.statuses))
	for name, st := range o.statuses {
		st.Health = o.adapters[name].Health()
		out[name] = st
	}
	return out
}

// Run запускает supervisor'ов, ticker refresher и apply-цикл.
// Блокирует до отмены контекста.
func (o *Orchestrator) Run(ctx context.Context) {
	// Кросс-фильтр нужен до старта воркеров
	if o.needMajorFilter() {
		if err := o.loadMajorSymbols(ctx); err != nil {
			o.log.Warnw("major symbols unavailable, cross filter disabled", "error", err)
		}
	}

	var wg sync.WaitGroup
	for name, adapter := range o.adapters {
		wg.Add(1)
		go func(name string, adapter exchange.Adapter) {
			defer wg.Done()
			o.supervise(ctx, name, adapter)
		}(name, adapter)
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		o.refreshTickersLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		o.applyLoop(ctx)
	}()

	wg.Wait()
}

// needMajorFilter проверяет, включён ли кросс-фильтр хоть у одной биржи
func (o *Orchestrator) needMajorFilter() bool {
	for _, cfg := range o.cfgs {
		if cfg.ExcludeMajorListed {
			return true
		}
	}
	return false
}

// loadMajorSymbols выкачивает список символов мажорной биржи
func (o *Orchestrator) loadMajorSymbols(ctx context.Context) error {
	adapter, ok := o.adapters[majorExchange]
	if !ok {
		adapter = exchange.NewBinance(o.log)
		defer adapter.Close()
	}

	infos, err := o.listSymbols(ctx, majorExchange, adapter)
	if err != nil {
		return err
	}

	majors := make(map[string]bool, len(infos))
	for _, info := range infos {
		majors[info.Symbol] = true
	}

	o.majorsMu.Lock()
	o.majors = majors
	o.majorsMu.Unlock()

	o.log.Infow("major symbols loaded", "count", len(majors))
	return nil
}

// supervise перезапускает воркер биржи до отмены контекста
func (o *Orchestrator) supervise(ctx context.Context, name string, adapter exchange.Adapter) {
	for {
		o.setStatus(name, StatusRunning, -1)
		err := o.runWorker(ctx, name, adapter)

		if ctx.Err() != nil {
			o.setStatus(name, StatusStopped, -1)
			return
		}

		o.setStatus(name, StatusFailed, -1)
		o.log.Errorw("worker failed, restarting", "exchange", name,
			"error", err, "delay", restartDelay)

		select {
		case <-ctx.Done():
			o.setStatus(name, StatusStopped, -1)
			return
		case <-time.After(restartDelay):
		}
	}
}

// runWorker выполняет один цикл: discovery -> подписка -> fan-in.
// Возвращается только при ошибке или отмене контекста.
func (o *Orchestrator) runWorker(ctx context.Context, name string, adapter exchange.Adapter) error {
	infos, err := o.listSymbols(ctx, name, adapter)
	if err != nil {
		return fmt.Errorf("list symbols: %w", err)
	}

	tickers, err := o.listTickers(ctx, name, adapter)
	if err != nil {
		return fmt.Errorf("list tickers: %w", err)
	}

	o.majorsMu.RLock()
	majors := o.majors
	o.majorsMu.RUnlock()

	selected := FilterSymbols(name, infos, tickers, o.cfgs[name], majors)
	if len(selected) == 0 {
		return fmt.Errorf("no symbols passed filters")
	}

	o.setStatus(name, StatusRunning, len(selected))
	telemetry.ActiveSymbols.Set(float64(o.store.Len()))
	o.log.Infow("symbols selected", "exchange", name,
		"total", len(infos), "selected", len(selected))

	// Начальная 24h статистика - до первых сделок
	o.applyTickers(name, tickers, selected)

	rawSymbols := make([]string, len(selected))
	for i, info := range selected {
		rawSymbols[i] = info.RawSymbol
	}

	// Промежуточный канал: политика backpressure живёт здесь,
	// адаптер про неё не знает
	feed := make(chan events.Event, feedCapacity)
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- adapter.Subscribe(subCtx, rawSymbols, o.streams, feed)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return fmt.Errorf("subscribe: %w", err)
		case ev := <-feed:
			o.enqueue(name, ev)
		}
	}
}

// enqueue кладёт событие в общий канал.
// Канал полон - событие отбрасывается (drop-newest) со счётчиком:
// блокировать чтение из сокета биржи нельзя.
//
// Политика одна на все типы событий: канал общий, и выборочное
// вытеснение произвольного старого события могло бы выбросить сделку
// ради котировки. Потерянную котировку перекроет следующий кадр
// той же пары через миллисекунды, сделку не перекроет ничто.
func (o *Orchestrator) enqueue(name string, ev events.Event) {
	select {
	case o.ingress <- ev:
	default:
		telemetry.RecordBackpressureDrop(name)
	}
}

// applyLoop применяет события из общего канала к окну
func (o *Orchestrator) applyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-o.ingress:
			if err := o.store.Apply(ev); err != nil {
				o.log.Debugw("event rejected", "key", ev.Key().String(), "error", err)
			}
		}
	}
}

// refreshTickersLoop периодически обновляет 24h статистику всех бирж
func (o *Orchestrator) refreshTickersLoop(ctx context.Context) {
	ticker := time.NewTicker(tickerRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, adapter := range o.adapters {
				tickers, err := o.listTickers(ctx, name, adapter)
				if err != nil {
					o.log.Warnw("ticker refresh failed", "exchange", name, "error", err)
					continue
				}
				o.applyTickers(name, tickers, nil)
			}
			telemetry.ActiveSymbols.Set(float64(o.store.Len()))
		}
	}
}

// applyTickers накатывает 24h статистику на окно.
// selected == nil - без ограничения списка (refresh обновляет только
// уже существующие символы, store сам игнорирует незнакомые).
func (o *Orchestrator) applyTickers(name string, tickers []events.Ticker24h, selected []exchange.SymbolInfo) {
	var allow map[string]bool
	if selected != nil {
		allow = make(map[string]bool, len(selected))
		for _, info := range selected {
			allow[info.Symbol] = true
		}
	}

	applied := 0
	for i := range tickers {
		if allow != nil && !allow[tickers[i].Symbol] {
			continue
		}
		if err := o.store.Apply(&tickers[i]); err == nil {
			applied++
		}
	}

	if applied > 0 {
		o.log.Debugw("tickers applied", "exchange", name, "count", applied)
	}
}

// listSymbols - ListSymbols с rate limit и retry
func (o *Orchestrator) listSymbols(ctx context.Context, name string, adapter exchange.Adapter) ([]exchange.SymbolInfo, error) {
	return retry.DoWithResult(ctx, func() ([]exchange.SymbolInfo, error) {
		if err := o.limiter.Wait(ctx, name); err != nil {
			return nil, err
		}
		return adapter.ListSymbols(ctx)
	}, o.retryCfg)
}

// listTickers - ListTickers с rate limit и retry
func (o *Orchestrator) listTickers(ctx context.Context, name string, adapter exchange.Adapter) ([]events.Ticker24h, error) {
	return retry.DoWithResult(ctx, func() ([]events.Ticker24h, error) {
		if err := o.limiter.Wait(ctx, name); err != nil {
			return nil, err
		}
		return adapter.ListTickers(ctx)
	}, o.retryCfg)
}

// setStatus обновляет статус биржи; symbols < 0 - не менять счётчик
func (o *Orchestrator) setStatus(name string, status Status, symbols int) {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()

	st := o.statuses[name]
	st.Status = status
	if symbols >= 0 {
		st.Symbols = symbols
	}
	o.statuses[name] = st
}

// FilterSymbols применяет фильтры отбора к списку пар биржи:
// диапазон 24h quote volume, список исключений, кросс-фильтр мажоров.
// Символ без 24h статистики не проходит volume-фильтр.
func FilterSymbols(
	name string,
	infos []exchange.SymbolInfo,
	tickers []events.Ticker24h,
	cfg config.ExchangeConfig,
	majors map[string]bool,
) []exchange.SymbolInfo {
	volumes := make(map[string]events.Ticker24h, len(tickers))
	for _, t := range tickers {
		volumes[t.Symbol] = t
	}

	excluded := make(map[string]bool, len(cfg.ExcludeSymbols))
	for _, s := range cfg.ExcludeSymbols {
		excluded[s] = true
	}

	crossFilter := cfg.ExcludeMajorListed && name != majorExchange && len(majors) > 0

	out := make([]exchange.SymbolInfo, 0, len(infos))
	for _, info := range infos {
		if excluded[info.Symbol] {
			continue
		}
		if crossFilter && majors[info.Symbol] {
			continue
		}

		ticker, ok := volumes[info.Symbol]
		if !ok {
			continue
		}
		if ticker.QuoteVolume24h.LessThan(cfg.MinQuoteVolume) {
			continue
		}
		if cfg.MaxQuoteVolume.IsPositive() && ticker.QuoteVolume24h.GreaterThan(cfg.MaxQuoteVolume) {
			continue
		}

		out = append(out, info)
	}

	return out
}
