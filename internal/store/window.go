// Package store реализует скользящее 30-минутное окно сделок -
// единственный источник правды о недавней активности символов.
package store

import (
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"screener/internal/events"
	"screener/internal/telemetry"
)

// ErrIntegrity - запись отклонена из-за нарушения инварианта окна
// (например, append дал бы немонотонный last_update). Буфер остаётся валидным.
var ErrIntegrity = errors.New("window integrity violation")

// skewTolerance - допуск на рассинхронизацию часов биржи и сервера.
// Сделка с ts дальше в будущем клампится к локальному времени и учитывается
// в счётчике skewed_trades (не отбрасывается).
const skewTolerance = 5 * time.Second

// ============ Inline FNV-1a hash без аллокаций ============

const (
	fnvOffset32 = uint32(2166136261)
	fnvPrime32  = uint32(16777619)
)

// fnvKeyHash хэширует составной ключ (exchange, symbol) без конкатенации строк
func fnvKeyHash(key events.SymbolKey) uint32 {
	h := fnvOffset32
	for i := 0; i < len(key.Exchange); i++ {
		h ^= uint32(key.Exchange[i])
		h *= fnvPrime32
	}
	h ^= uint32(':')
	h *= fnvPrime32
	for i := 0; i < len(key.Symbol); i++ {
		h ^= uint32(key.Symbol[i])
		h *= fnvPrime32
	}
	return h
}

// Config - параметры окна
type Config struct {
	Window          time.Duration // W: горизонт хранения сделок
	TradesPerSymbol int           // T_max: кап буфера на символ
	SymbolCap       int           // S_max: кап количества символов (суммарно по шардам)
}

// Store - шардированное хранилище per-symbol состояния
//
// Архитектура (как у шардированного прайс-трекера):
// - numShards независимых шардов, каждый со своим мьютексом
// - (exchange, symbol) -> шард через FNV-1a % numShards
// - писатель и читатели берут критическую секцию шарда на минимум работы
// - читатели получают либо счётчик за один проход, либо copy-out snapshot;
//   никто не удерживает ссылки на память шарда после освобождения lock'а
//
// Кап символов S_max распределён по шардам поровну (S_max / numShards);
// при вставке в полный шард вытесняется least-recently-updated символ.
type Store struct {
	shards    []*shard
	numShards uint32

	cfg         Config
	perShardCap int

	// Callback при вытеснении символа (зависимые индексы инвалидируются)
	onEvict   func(events.SymbolKey)
	onEvictMu sync.RWMutex

	// Источник времени (подменяется в тестах)
	now func() time.Time
}

type shard struct {
	states map[events.SymbolKey]*symbolState
	mu     sync.RWMutex
}

// symbolState - всё per-symbol состояние, владеет им только Store
type symbolState struct {
	// Time-ordered FIFO: head - самая старая удержанная сделка
	trades []events.Trade

	lastQuote  *events.Quote
	lastPrice  decimal.Decimal
	lastUpdate time.Time
	ticker     *events.Ticker24h

	// Сделки, накопленные для следующего тика агрегации (владелец - broadcast)
	pending []events.Trade
}

// Meta - снимок метаданных символа
type Meta struct {
	LastPrice  decimal.Decimal
	LastUpdate time.Time
	Ticker     *events.Ticker24h // копия, nil если REST-статистики ещё нет
}

// New создаёт Store
// numShards <= 0 означает дефолт (16)
func New(cfg Config, numShards int) *Store {
	if numShards <= 0 {
		numShards = 16
	}

	perShard := cfg.SymbolCap / numShards
	if perShard < 1 {
		perShard = 1
	}

	s := &Store{
		shards:      make([]*shard, numShards),
		numShards:   uint32(numShards),
		cfg:         cfg,
		perShardCap: perShard,
		now:         time.Now,
	}
	for i := range s.shards {
		s.shards[i] = &shard{states: make(map[events.SymbolKey]*symbolState)}
	}
	return s
}

// SetNowFunc подменяет источник времени (только тесты)
func (s *Store) SetNowFunc(now func() time.Time) {
	s.now = now
}

// SetOnSymbolRemoved устанавливает listener вытеснения символов
func (s *Store) SetOnSymbolRemoved(fn func(events.SymbolKey)) {
	s.onEvictMu.Lock()
	s.onEvict = fn
	s.onEvictMu.Unlock()
}

func (s *Store) shardFor(key events.SymbolKey) *shard {
	return s.shards[fnvKeyHash(key)%s.numShards]
}

// Apply применяет событие к окну (единственный путь записи)
func (s *Store) Apply(ev events.Event) error {
	switch e := ev.(type) {
	case *events.Trade:
		return s.applyTrade(e)
	case *events.Quote:
		s.applyQuote(e)
		return nil
	case *events.Ticker24h:
		s.applyTicker(e)
		return nil
	}
	return nil
}

// applyTrade - путь записи сделки
//
// Внутри критической секции символа:
//  a. эвикция устаревших head-записей (now - ts > W)
//  b. append новой сделки
//  c. обрезка до T_max с головы
//
// Плюс обновление last_price/last_update и staging для агрегации.
func (s *Store) applyTrade(tr *events.Trade) error {
	now := s.now()
	key := tr.Key()

	// Копия по значению: снаружи никто не мутирует наш буфер
	rec := *tr
	ts := rec.Timestamp()

	// Патологический timestamp из будущего: клампим к now, считаем
	if ts.After(now.Add(skewTolerance)) {
		telemetry.SkewedTrades.Inc()
		rec.TsServer = now
		rec.TsLocal = now
		ts = now
	}
	// Древний timestamp (старше окна): сделка реальна для агрегации,
	// но в окне ей не место - счётчик + staging без удержания
	ancient := now.Sub(ts) > s.cfg.Window
	if ancient {
		telemetry.SkewedTrades.Inc()
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st := s.lookupOrCreateLocked(sh, key)

	if now.Before(st.lastUpdate) {
		// Часы шагнули назад: append дал бы немонотонный last_update
		telemetry.IntegrityErrors.Inc()
		return ErrIntegrity
	}

	// (a) эвикция по времени с головы
	cutoff := now.Add(-s.cfg.Window)
	idx := 0
	for idx < len(st.trades) && st.trades[idx].Timestamp().Before(cutoff) {
		idx++
	}
	if idx > 0 {
		st.trades = append(st.trades[:0], st.trades[idx:]...)
	}

	// (b) append
	if !ancient {
		st.trades = append(st.trades, rec)
	}

	// (c) обрезка до T_max
	if excess := len(st.trades) - s.cfg.TradesPerSymbol; excess > 0 {
		st.trades = append(st.trades[:0], st.trades[excess:]...)
	}

	st.lastPrice = rec.Price
	st.lastUpdate = now

	// Staging для 200ms агрегации (слайс заберёт и очистит broadcast)
	st.pending = append(st.pending, rec)

	return nil
}

// applyQuote обновляет слот последней котировки
func (s *Store) applyQuote(q *events.Quote) {
	now := s.now()
	key := q.Key()

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st := s.lookupOrCreateLocked(sh, key)

	qc := *q
	st.lastQuote = &qc
	if !now.Before(st.lastUpdate) {
		st.lastUpdate = now
	}
}

// applyTicker обновляет 24h REST-статистику (не трогает окно и last_update)
func (s *Store) applyTicker(t *events.Ticker24h) {
	key := t.Key()

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.states[key]
	if !ok {
		// Тикеры приходят только для символов, по которым уже идёт стрим;
		// состояние для незнакомого символа ради них не создаём
		return
	}

	tc := *t
	st.ticker = &tc
}

// lookupOrCreateLocked возвращает состояние символа, создавая при необходимости.
// Если создание превысило бы кап шарда - сначала вытесняет LRU символ.
// Вызывается под write-lock'ом шарда.
func (s *Store) lookupOrCreateLocked(sh *shard, key events.SymbolKey) *symbolState {
	if st, ok := sh.states[key]; ok {
		return st
	}

	if len(sh.states) >= s.perShardCap {
		s.evictLRULocked(sh)
	}

	st := &symbolState{}
	sh.states[key] = st
	telemetry.ActiveSymbols.Inc()
	return st
}

// evictLRULocked вытесняет least-recently-updated символ шарда
func (s *Store) evictLRULocked(sh *shard) {
	var victim events.SymbolKey
	var oldest time.Time
	first := true

	for key, st := range sh.states {
		if first || st.lastUpdate.Before(oldest) {
			victim = key
			oldest = st.lastUpdate
			first = false
		}
	}
	if first {
		return
	}

	delete(sh.states, victim)
	telemetry.SymbolsEvicted.Inc()
	telemetry.ActiveSymbols.Dec()

	s.onEvictMu.RLock()
	fn := s.onEvict
	s.onEvictMu.RUnlock()
	if fn != nil {
		fn(victim)
	}
}

// ============ Читатели ============

// CountSince считает сделки с ts >= since за один проход без копирования.
// Буфер упорядочен по времени, поэтому идём с хвоста и останавливаемся раньше.
func (s *Store) CountSince(key events.SymbolKey, since time.Time) int {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	st, ok := sh.states[key]
	if !ok {
		return 0
	}

	n := 0
	for i := len(st.trades) - 1; i >= 0; i-- {
		if st.trades[i].Timestamp().Before(since) {
			break
		}
		n++
	}
	return n
}

// WindowStats считает сделки для нескольких окон и quote-объём сделок
// ПЕРВОГО окна за ОДИН проход с хвоста. windows должны быть отсортированы
// по возрастанию; counts параллелен входу.
func (s *Store) WindowStats(key events.SymbolKey, now time.Time, windows []time.Duration) ([]int, decimal.Decimal) {
	counts := make([]int, len(windows))
	var firstVol decimal.Decimal
	if len(windows) == 0 {
		return counts, firstVol
	}

	cutoffs := make([]time.Time, len(windows))
	for i, w := range windows {
		cutoffs[i] = now.Add(-w)
	}

	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	st, ok := sh.states[key]
	if !ok {
		return counts, firstVol
	}

	for i := len(st.trades) - 1; i >= 0; i-- {
		ts := st.trades[i].Timestamp()
		if ts.Before(cutoffs[len(cutoffs)-1]) {
			break
		}
		for j := range cutoffs {
			if !ts.Before(cutoffs[j]) {
				counts[j]++
			}
		}
		if !ts.Before(cutoffs[0]) {
			firstVol = firstVol.Add(st.trades[i].Notional())
		}
	}
	return counts, firstVol
}

// SnapshotTradesSince возвращает copy-out snapshot сделок с ts >= since
func (s *Store) SnapshotTradesSince(key events.SymbolKey, since time.Time) []events.Trade {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	st, ok := sh.states[key]
	if !ok {
		return nil
	}

	start := len(st.trades)
	for start > 0 && !st.trades[start-1].Timestamp().Before(since) {
		start--
	}
	if start == len(st.trades) {
		return nil
	}

	out := make([]events.Trade, len(st.trades)-start)
	copy(out, st.trades[start:])
	return out
}

// SnapshotTrades возвращает copy-out snapshot всего буфера символа
func (s *Store) SnapshotTrades(key events.SymbolKey) []events.Trade {
	return s.SnapshotTradesSince(key, time.Time{})
}

// LastQuote возвращает копию последней котировки символа
func (s *Store) LastQuote(key events.SymbolKey) (events.Quote, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	st, ok := sh.states[key]
	if !ok || st.lastQuote == nil {
		return events.Quote{}, false
	}
	return *st.lastQuote, true
}

// Metadata возвращает снимок метаданных символа
func (s *Store) Metadata(key events.SymbolKey) (Meta, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	st, ok := sh.states[key]
	if !ok {
		return Meta{}, false
	}

	m := Meta{LastPrice: st.lastPrice, LastUpdate: st.lastUpdate}
	if st.ticker != nil {
		tc := *st.ticker
		m.Ticker = &tc
	}
	return m, true
}

// Keys возвращает все активные ключи символов
func (s *Store) Keys() []events.SymbolKey {
	keys := make([]events.SymbolKey, 0, 1024)
	for _, sh := range s.shards {
		sh.mu.RLock()
		for key := range sh.states {
			keys = append(keys, key)
		}
		sh.mu.RUnlock()
	}
	return keys
}

// Len возвращает текущее количество активных символов
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.states)
		sh.mu.RUnlock()
	}
	return n
}

// QuotesBySymbol группирует последние котировки по нормализованному имени.
// Используется deviation engine'ом: symbol -> котировки всех бирж.
func (s *Store) QuotesBySymbol() map[string][]events.Quote {
	out := make(map[string][]events.Quote)
	for _, sh := range s.shards {
		sh.mu.RLock()
		for key, st := range sh.states {
			if st.lastQuote != nil {
				out[key.Symbol] = append(out[key.Symbol], *st.lastQuote)
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

// DrainPending забирает staged сделки всех символов и очищает staging.
// Вызывается broadcast-воркером каждый тик агрегации.
func (s *Store) DrainPending() map[events.SymbolKey][]events.Trade {
	out := make(map[events.SymbolKey][]events.Trade)
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, st := range sh.states {
			if len(st.pending) > 0 {
				out[key] = st.pending
				st.pending = nil
			}
		}
		sh.mu.Unlock()
	}
	return out
}
