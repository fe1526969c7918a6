package websocket

import (
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"screener/internal/telemetry"
)

const (
	// Время ожидания записи сообщения
	writeWait = 10 * time.Second

	// Соединение без pong дольше этого - мёртвое, закрываем
	pongWait = 30 * time.Second

	// Интервал отправки ping сообщений (должен быть меньше pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Максимальный размер входящего сообщения: клиент шлёт только
	// короткие команды
	maxMessageSize = 4096

	// Ёмкость исходящей очереди сессии.
	// trade_aggregate на каждый активный символ каждые 200ms - медленный
	// клиент копит очередь быстро, поэтому кап большой, а политика
	// переполнения - drop-oldest (свежие данные важнее истории)
	clientSendBufferSize = 10_000
)

// OriginChecker проверяет Origin с O(1) lookup через map
// Потокобезопасен для чтения после инициализации
type OriginChecker struct {
	allowedOrigins map[string]struct{}
	allowAll       bool
}

// originChecker - глобальный экземпляр, инициализируется один раз
var originChecker = initOriginChecker()

func initOriginChecker() *OriginChecker {
	checker := &OriginChecker{
		allowedOrigins: make(map[string]struct{}),
	}

	// Читаем из переменной окружения (comma-separated)
	// Пример: ALLOWED_ORIGINS=http://localhost:3000,https://example.com
	envOrigins := os.Getenv("ALLOWED_ORIGINS")

	if envOrigins == "" || envOrigins == "*" {
		checker.allowAll = true
	} else {
		for _, origin := range strings.Split(envOrigins, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				checker.allowedOrigins[origin] = struct{}{}
			}
		}
	}

	return checker
}

// Check проверяет origin за O(1)
func (oc *OriginChecker) Check(origin string) bool {
	if origin == "" {
		return true // Non-browser clients (curl, API tools)
	}
	if oc.allowAll {
		return true
	}
	_, ok := oc.allowedOrigins[origin]
	return ok
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return originChecker.Check(r.Header.Get("Origin"))
	},
	EnableCompression: true,
}

// Client представляет одну WebSocket сессию
//
// Архитектура:
// Каждый клиент имеет две горутины:
// 1. readPump - читает команды клиента (subscribe_page) и pong'и
// 2. writePump - пишет сообщения клиенту из очереди send
//
// Переполнение очереди send не отключает клиента: старые сообщения
// вытесняются новыми (drop-oldest), счётчик потерь копится в drops.
type Client struct {
	// WebSocket соединение
	conn *websocket.Conn

	// Hub которому принадлежит клиент
	hub *Hub

	// Буферизованный канал исходящих сообщений
	send chan []byte

	// Потерянные на переполнении сообщения за сессию
	drops int64 // atomic

	// Сессия снята с регистрации, enqueue - no-op
	closed int32 // atomic

	// Page-подписка: пока pageSize == 0, фильтрации нет
	pageMu   sync.RWMutex
	page     int
	pageSize int
}

// enqueue кладёт сообщение в очередь сессии.
// Очередь полна - вытесняем старейшее сообщение и пробуем снова:
// клиент с отставанием получает свежие данные, а не начало очереди.
func (c *Client) enqueue(data []byte) {
	if atomic.LoadInt32(&c.closed) == 1 {
		return
	}
	for {
		select {
		case c.send <- data:
			return
		default:
			select {
			case <-c.send:
				atomic.AddInt64(&c.drops, 1)
				telemetry.ClientOverflowDrops.Inc()
			default:
			}
		}
	}
}

// markClosed помечает сессию снятой: дальнейшие enqueue - no-op
func (c *Client) markClosed() {
	atomic.StoreInt32(&c.closed, 1)
}

// DropCount возвращает количество вытесненных сообщений за сессию
func (c *Client) DropCount() int64 {
	return atomic.LoadInt64(&c.drops)
}

// setPage выставляет page-подписку (page 1-based, pageSize 0 - сброс)
func (c *Client) setPage(page, pageSize int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 0 {
		pageSize = 0
	}

	c.pageMu.Lock()
	c.page = page
	c.pageSize = pageSize
	c.pageMu.Unlock()
}

// wantsRank решает, попадает ли позиция ранжирования на страницу клиента.
// Без подписки - попадает всё.
func (c *Client) wantsRank(rank int) bool {
	c.pageMu.RLock()
	page, size := c.page, c.pageSize
	c.pageMu.RUnlock()

	if size == 0 {
		return true
	}

	start := (page - 1) * size
	return rank >= start && rank < start+size
}

// readPump читает команды клиента
//
// Запускается в отдельной горутине для каждого клиента.
// Держит read deadline: нет pong'а за pongWait - соединение мёртвое.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debugw("client read error", "error", err)
			}
			break
		}

		c.handleCommand(message)
	}
}

// handleCommand разбирает входящую команду.
// Неизвестные действия молча игнорируются: протокол добавляет
// команды без разрыва старых клиентов.
func (c *Client) handleCommand(message []byte) {
	var cmd ClientCommand
	if err := jsonFast.Unmarshal(message, &cmd); err != nil {
		c.hub.log.Debugw("bad client command", "error", err)
		return
	}

	switch cmd.Action {
	case ActionSubscribePage:
		c.setPage(cmd.Page, cmd.PageSize)
	case ActionUnsubscribePage:
		c.setPage(1, 0)
	}
}

// writePump отправляет сообщения клиенту
//
// Запускается в отдельной горутине для каждого клиента.
// Читает из канала send и отправляет через WebSocket, добирая
// накопившиеся сообщения в один фрейм.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub закрыл канал
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Добираем очередь non-blocking select'ом: между len() и <-
			// канал мог измениться, поэтому только так
		drainLoop:
			for {
				select {
				case msg, ok := <-c.send:
					if !ok {
						break drainLoop
					}
					w.Write([]byte{'\n'})
					w.Write(msg)
				default:
					break drainLoop
				}
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS обрабатывает WebSocket запросы от клиента
//
// HTTP handler для WebSocket endpoint: апгрейдит соединение,
// создаёт сессию и запускает её горутины.
//
// Использование в routes:
// router.HandleFunc("/ws/stream", func(w, r) { websocket.ServeWS(hub, w, r) })
func ServeWS(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Warnw("websocket upgrade error", "error", err)
		return
	}

	client := &Client{
		conn: conn,
		hub:  hub,
		send: make(chan []byte, clientSendBufferSize),
	}

	hub.register <- client

	go client.writePump()
	go client.readPump()
}
