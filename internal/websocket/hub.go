// Package websocket раздаёт поток screener'а браузерным клиентам:
// hub ведёт сессии, кодирует сообщения один раз и рассылает их
// с per-клиентскими ограниченными очередями.
package websocket

import (
	"bytes"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"screener/internal/broadcast"
	"screener/internal/deviation"
	"screener/internal/scoring"
	"screener/internal/telemetry"
)

var jsonFast = jsoniter.ConfigCompatibleWithStandardLibrary

// ============ ОПТИМИЗАЦИЯ: sync.Pool для JSON буферов ============
// Убирает аллокации при каждом Broadcast (200ms тик * сотни символов)

var jsonBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// Hub управляет всеми активными WebSocket сессиями
//
// Назначение:
// Центральная точка рассылки: агрегатор зовёт Broadcast*-методы
// с доменными типами, hub кодирует сообщение ОДИН раз и раздаёт
// байты всем сессиям.
//
// Функции:
// - Регистрация и снятие клиентов
// - Однократная сериализация на сообщение
// - Server-side фильтрация trade_aggregate по странице ранжирования
// - Потокобезопасная работа с клиентами (sync.RWMutex)
type Hub struct {
	log *zap.SugaredLogger

	// Зарегистрированные клиенты
	clients map[*Client]bool
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client

	// Позиция символа в последнем ранжировании: "ex:sym" -> index.
	// Обновляется каждым metadata snapshot'ом, читается на каждом
	// trade_aggregate для page-фильтрации.
	rankMu sync.RWMutex
	rank   map[string]int
}

// NewHub создает новый Hub
func NewHub(log *zap.SugaredLogger) *Hub {
	return &Hub{
		log:        log.Named("hub"),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		rank:       make(map[string]int),
	}
}

// Run запускает главный цикл Hub
//
// Должен запускаться в отдельной горутине: go hub.Run()
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()

			telemetry.ConnectedClients.Set(float64(total))
			h.log.Infow("client connected", "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				// Канал send не закрываем: fanOut может писать в него
				// конкурентно. writePump завершится по закрытию conn.
				client.markClosed()
			}
			total := len(h.clients)
			h.mu.Unlock()

			telemetry.ConnectedClients.Set(float64(total))
			h.log.Infow("client disconnected", "total", total, "dropped", client.DropCount())
		}
	}
}

// encode сериализует сообщение через пул буферов
func (h *Hub) encode(msg interface{}) ([]byte, bool) {
	buf := jsonBufferPool.Get().(*bytes.Buffer)
	buf.Reset()

	if err := jsonFast.NewEncoder(buf).Encode(msg); err != nil {
		h.log.Errorw("marshal broadcast message", "error", err)
		jsonBufferPool.Put(buf)
		return nil, false
	}

	// Убираем trailing newline от Encode
	data := buf.Bytes()
	if len(data) > 0 && data[len(data)-1] == '\n' {
		data = data[:len(data)-1]
	}

	// Копируем данные (буфер вернётся в пул)
	msgCopy := make([]byte, len(data))
	copy(msgCopy, data)
	jsonBufferPool.Put(buf)

	return msgCopy, true
}

// fanOut раздаёт байты всем клиентам; rank >= 0 включает
// page-фильтрацию (клиент сам решает, нужна ли ему эта позиция)
func (h *Hub) fanOut(data []byte, rank int) {
	// Копируем список клиентов под коротким RLock:
	// enqueue не должен держать мьютекс hub'а
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if rank >= 0 && !client.wantsRank(rank) {
			continue
		}
		client.enqueue(data)
	}
}

// rankOf возвращает позицию символа в последнем ранжировании (-1 - нет)
func (h *Hub) rankOf(key string) int {
	h.rankMu.RLock()
	defer h.rankMu.RUnlock()
	if pos, ok := h.rank[key]; ok {
		return pos
	}
	return -1
}

// ============================================================
// broadcast.Broadcaster
// ============================================================

// BroadcastTradeAggregate отправляет OHLCV бакет.
// Клиенты с page-подпиской получают только свою страницу ранжирования;
// символ вне ранжирования (rank -1) уходит всем без фильтра.
func (h *Hub) BroadcastTradeAggregate(agg broadcast.Aggregate) {
	data, ok := h.encode(NewTradeAggregateMessage(agg))
	if !ok {
		return
	}
	h.fanOut(data, h.rankOf(agg.Key.String()))
}

// BroadcastScoredSymbols отправляет полный ранжированный список
// и обновляет индекс позиций для page-фильтрации
func (h *Hub) BroadcastScoredSymbols(snap *scoring.Snapshot) {
	rank := make(map[string]int, len(snap.Symbols))
	for i := range snap.Symbols {
		rank[snap.Symbols[i].Key.String()] = i
	}
	h.rankMu.Lock()
	h.rank = rank
	h.rankMu.Unlock()

	data, ok := h.encode(NewAllSymbolsScoredMessage(snap))
	if !ok {
		return
	}
	h.fanOut(data, -1)
}

// BroadcastTopN отправляет имена первых N символов ранжирования
func (h *Hub) BroadcastTopN(at time.Time, symbols []string) {
	data, ok := h.encode(&TopNUpdateMessage{
		Type:        MsgTopNUpdate,
		TimestampMs: at.UnixMilli(),
		Symbols:     symbols,
	})
	if !ok {
		return
	}
	h.fanOut(data, -1)
}

// BroadcastDeviations отправляет батч deviation записей
func (h *Hub) BroadcastDeviations(at time.Time, devs []deviation.Deviation) {
	if len(devs) == 0 {
		return
	}
	data, ok := h.encode(NewDeviationUpdateMessage(at, devs))
	if !ok {
		return
	}
	h.fanOut(data, -1)
}

// BroadcastSignal отправляет entry/exit сигнал
func (h *Hub) BroadcastSignal(sig deviation.Signal) {
	data, ok := h.encode(NewSignalMessage(sig))
	if !ok {
		return
	}
	h.fanOut(data, -1)
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
