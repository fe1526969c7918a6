package exchange

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"screener/internal/telemetry"
)

// WSReconnectConfig конфигурация переподключения WebSocket
type WSReconnectConfig struct {
	// Начальная задержка перед переподключением
	InitialDelay time.Duration
	// Максимальная задержка (после exponential backoff)
	MaxDelay time.Duration
	// Таймаут подключения
	ConnectTimeout time.Duration
	// Интервал ping для проверки соединения
	PingInterval time.Duration
	// Таймаут ожидания pong
	PongTimeout time.Duration

	// Пороги idle watchdog: тишина дольше DegradedAfter -> degraded,
	// дольше DeadAfter -> dead + принудительный reconnect
	DegradedAfter time.Duration
	DeadAfter     time.Duration
}

// DefaultWSReconnectConfig возвращает конфигурацию по умолчанию:
// backoff 1s, 2s, 4s ... 30s, попытки не ограничены
func DefaultWSReconnectConfig() WSReconnectConfig {
	return WSReconnectConfig{
		InitialDelay:   1 * time.Second,
		MaxDelay:       30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		PingInterval:   20 * time.Second,
		PongTimeout:    10 * time.Second,
		DegradedAfter:  30 * time.Second,
		DeadAfter:      60 * time.Second,
	}
}

// WSConnectionState состояние WebSocket соединения
type WSConnectionState int32

const (
	WSStateDisconnected WSConnectionState = iota
	WSStateConnecting
	WSStateConnected
	WSStateReconnecting
	WSStateClosed
)

func (s WSConnectionState) String() string {
	switch s {
	case WSStateDisconnected:
		return "disconnected"
	case WSStateConnecting:
		return "connecting"
	case WSStateConnected:
		return "connected"
	case WSStateReconnecting:
		return "reconnecting"
	case WSStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// WSReconnectManager управляет WebSocket соединением с автоматическим переподключением
//
// Назначение:
// Держит поток рыночных данных живым неограниченно долго: переподключается
// при разрывах с exponential backoff и следит за тишиной в потоке
// (биржа может держать TCP открытым, но перестать слать данные).
//
// Функции:
// - Автоматическое переподключение с exponential backoff (без лимита попыток)
// - Повторная подписка на каналы после переподключения
// - Ping/Pong для проверки живости соединения
// - Idle watchdog: degraded/dead пороги по последнему сообщению,
//   dead -> принудительный разрыв и reconnect
// - Thread-safe операции
// - Callbacks для уведомления о событиях (connect, disconnect, message)
type WSReconnectManager struct {
	// Имя биржи (для логов и метрик)
	exchangeName string

	// URL для подключения
	wsURL string

	// Конфигурация
	config WSReconnectConfig

	log *zap.SugaredLogger

	// WebSocket соединение
	conn   *websocket.Conn
	connMu sync.RWMutex

	// Состояние
	state int32 // atomic WSConnectionState

	// Счётчик попыток переподключения
	retryCount int32 // atomic

	// UnixNano последнего входящего сообщения (для watchdog)
	lastMessageAt int64 // atomic

	// Каналы управления
	closeChan chan struct{}

	// Callbacks
	onMessage    func([]byte)
	onConnect    func()
	onDisconnect func(error)
	callbackMu   sync.RWMutex

	// Подписки для восстановления после переподключения
	subscriptions   []interface{}
	subscriptionsMu sync.RWMutex
}

// NewWSReconnectManager создаёт новый менеджер переподключений
func NewWSReconnectManager(exchangeName, wsURL string, config WSReconnectConfig, log *zap.SugaredLogger) *WSReconnectManager {
	return &WSReconnectManager{
		exchangeName:  exchangeName,
		wsURL:         wsURL,
		config:        config,
		log:           log.Named("ws." + exchangeName),
		closeChan:     make(chan struct{}),
		subscriptions: make([]interface{}, 0),
	}
}

// SetOnMessage устанавливает callback для входящих сообщений
func (m *WSReconnectManager) SetOnMessage(handler func([]byte)) {
	m.callbackMu.Lock()
	m.onMessage = handler
	m.callbackMu.Unlock()
}

// SetOnConnect устанавливает callback для события подключения
func (m *WSReconnectManager) SetOnConnect(handler func()) {
	m.callbackMu.Lock()
	m.onConnect = handler
	m.callbackMu.Unlock()
}

// SetOnDisconnect устанавливает callback для события отключения
func (m *WSReconnectManager) SetOnDisconnect(handler func(error)) {
	m.callbackMu.Lock()
	m.onDisconnect = handler
	m.callbackMu.Unlock()
}

// AddSubscription добавляет подписку для восстановления после переподключения
func (m *WSReconnectManager) AddSubscription(sub interface{}) {
	m.subscriptionsMu.Lock()
	m.subscriptions = append(m.subscriptions, sub)
	m.subscriptionsMu.Unlock()
}

// ClearSubscriptions очищает список подписок
func (m *WSReconnectManager) ClearSubscriptions() {
	m.subscriptionsMu.Lock()
	m.subscriptions = make([]interface{}, 0)
	m.subscriptionsMu.Unlock()
}

// GetState возвращает текущее состояние соединения
func (m *WSReconnectManager) GetState() WSConnectionState {
	return WSConnectionState(atomic.LoadInt32(&m.state))
}

// IsConnected проверяет, установлено ли соединение
func (m *WSReconnectManager) IsConnected() bool {
	return m.GetState() == WSStateConnected
}

// setLastMessageAt выставляет отметку активности (тесты watchdog'а)
func (m *WSReconnectManager) setLastMessageAt(t time.Time) {
	atomic.StoreInt64(&m.lastMessageAt, t.UnixNano())
}

// LastMessageAt возвращает время последнего входящего сообщения
func (m *WSReconnectManager) LastMessageAt() time.Time {
	ns := atomic.LoadInt64(&m.lastMessageAt)
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Health классифицирует поток по тишине с момента последнего сообщения
func (m *WSReconnectManager) Health() HealthState {
	last := m.LastMessageAt()
	if last.IsZero() {
		if m.IsConnected() {
			return HealthHealthy
		}
		return HealthDegraded
	}

	silence := time.Since(last)
	switch {
	case silence >= m.config.DeadAfter:
		return HealthDead
	case silence >= m.config.DegradedAfter:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

// Connect устанавливает WebSocket соединение и запускает watchdog
func (m *WSReconnectManager) Connect() error {
	select {
	case <-m.closeChan:
		return fmt.Errorf("manager is closed")
	default:
	}

	atomic.StoreInt32(&m.state, int32(WSStateConnecting))

	if err := m.dial(); err != nil {
		atomic.StoreInt32(&m.state, int32(WSStateDisconnected))
		return err
	}

	m.markConnected()
	go m.watchdogPump()

	m.log.Infow("websocket connected", "url", m.wsURL)
	return nil
}

// markConnected переводит менеджер в connected и запускает пампы соединения
func (m *WSReconnectManager) markConnected() {
	atomic.StoreInt32(&m.state, int32(WSStateConnected))
	atomic.StoreInt32(&m.retryCount, 0)
	atomic.StoreInt64(&m.lastMessageAt, time.Now().UnixNano())
	telemetry.RecordAdapterHealth(m.exchangeName, string(HealthHealthy))

	m.callbackMu.RLock()
	onConnect := m.onConnect
	m.callbackMu.RUnlock()
	if onConnect != nil {
		onConnect()
	}

	go m.readPump()
	go m.pingPump()
}

// dial выполняет подключение к WebSocket и восстанавливает подписки
func (m *WSReconnectManager) dial() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{
		HandshakeTimeout: m.config.ConnectTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, m.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial error: %w", err)
	}

	conn.SetPongHandler(func(string) error {
		atomic.StoreInt64(&m.lastMessageAt, time.Now().UnixNano())
		return nil
	})

	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()

	if err := m.resubscribe(); err != nil {
		// Не фатально: подписки могут быть восстановлены позже
		m.log.Warnw("resubscribe error", "error", err)
	}

	return nil
}

// resubscribe восстанавливает подписки после переподключения
func (m *WSReconnectManager) resubscribe() error {
	m.subscriptionsMu.RLock()
	subs := make([]interface{}, len(m.subscriptions))
	copy(subs, m.subscriptions)
	m.subscriptionsMu.RUnlock()

	m.connMu.RLock()
	conn := m.conn
	m.connMu.RUnlock()

	if conn == nil {
		return fmt.Errorf("no connection")
	}

	for _, sub := range subs {
		if err := conn.WriteJSON(sub); err != nil {
			return fmt.Errorf("resubscribe error: %w", err)
		}
	}

	if len(subs) > 0 {
		m.log.Infow("resubscribed", "channels", len(subs))
	}

	return nil
}

// readPump читает сообщения из WebSocket и обновляет отметку активности
func (m *WSReconnectManager) readPump() {
	for {
		select {
		case <-m.closeChan:
			return
		default:
		}

		m.connMu.RLock()
		conn := m.conn
		m.connMu.RUnlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			m.handleDisconnect(err)
			return
		}

		atomic.StoreInt64(&m.lastMessageAt, time.Now().UnixNano())

		m.callbackMu.RLock()
		onMessage := m.onMessage
		m.callbackMu.RUnlock()

		if onMessage != nil {
			onMessage(message)
		}
	}
}

// pingPump отправляет ping для проверки соединения
func (m *WSReconnectManager) pingPump() {
	ticker := time.NewTicker(m.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.closeChan:
			return
		case <-ticker.C:
			m.connMu.RLock()
			conn := m.conn
			m.connMu.RUnlock()

			if conn == nil || m.GetState() != WSStateConnected {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(m.config.PongTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				m.log.Warnw("ping error", "error", err)
				m.handleDisconnect(err)
				return
			}
		}
	}
}

// watchdogPump следит за тишиной в потоке независимо от состояния TCP.
// Один на менеджер: живёт от Connect() до Close(), переживая reconnect'ы.
func (m *WSReconnectManager) watchdogPump() {
	interval := m.config.DegradedAfter / 3
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.closeChan:
			return
		case <-ticker.C:
			if m.GetState() != WSStateConnected {
				continue
			}

			health := m.Health()
			telemetry.RecordAdapterHealth(m.exchangeName, string(health))

			switch health {
			case HealthDegraded:
				m.log.Warnw("stream degraded: no messages",
					"silence", time.Since(m.LastMessageAt()))
			case HealthDead:
				m.log.Errorw("stream dead: forcing reconnect",
					"silence", time.Since(m.LastMessageAt()))
				m.handleDisconnect(fmt.Errorf("idle watchdog: stream dead"))
			}
		}
	}
}

// handleDisconnect обрабатывает разрыв соединения
func (m *WSReconnectManager) handleDisconnect(err error) {
	select {
	case <-m.closeChan:
		return
	default:
	}

	// Избегаем повторной обработки
	state := m.GetState()
	if state == WSStateReconnecting || state == WSStateClosed {
		return
	}

	atomic.StoreInt32(&m.state, int32(WSStateReconnecting))
	telemetry.RecordAdapterHealth(m.exchangeName, string(HealthDegraded))

	m.connMu.Lock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.connMu.Unlock()

	m.callbackMu.RLock()
	onDisconnect := m.onDisconnect
	m.callbackMu.RUnlock()

	if onDisconnect != nil {
		onDisconnect(err)
	}

	if err != nil {
		m.log.Warnw("websocket disconnected", "error", err)
	}

	go m.reconnectLoop()
}

// reconnectLoop выполняет переподключение с exponential backoff.
// Попытки не ограничены: поток данных обязан восстановиться сам.
func (m *WSReconnectManager) reconnectLoop() {
	delay := m.config.InitialDelay

	for {
		select {
		case <-m.closeChan:
			return
		default:
		}

		retryCount := atomic.AddInt32(&m.retryCount, 1)
		telemetry.Reconnects.WithLabelValues(m.exchangeName).Inc()

		m.log.Infow("reconnecting", "delay", delay, "attempt", retryCount)

		select {
		case <-m.closeChan:
			return
		case <-time.After(delay):
		}

		if err := m.dial(); err != nil {
			m.log.Warnw("reconnect failed", "error", err)

			delay = delay * 2
			if delay > m.config.MaxDelay {
				delay = m.config.MaxDelay
			}
			continue
		}

		m.markConnected()
		m.log.Infow("websocket reconnected", "attempts", retryCount)
		return
	}
}

// Send отправляет сообщение через WebSocket
func (m *WSReconnectManager) Send(msg interface{}) error {
	if m.GetState() != WSStateConnected {
		return fmt.Errorf("not connected (state: %s)", m.GetState())
	}

	m.connMu.RLock()
	conn := m.conn
	m.connMu.RUnlock()

	if conn == nil {
		return fmt.Errorf("no connection")
	}

	return conn.WriteJSON(msg)
}

// Close закрывает WebSocket соединение и останавливает переподключение
func (m *WSReconnectManager) Close() error {
	select {
	case <-m.closeChan:
		return nil
	default:
		close(m.closeChan)
	}

	atomic.StoreInt32(&m.state, int32(WSStateClosed))

	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.conn != nil {
		err := m.conn.Close()
		m.conn = nil
		return err
	}

	return nil
}

// GetRetryCount возвращает текущее количество попыток переподключения
func (m *WSReconnectManager) GetRetryCount() int {
	return int(atomic.LoadInt32(&m.retryCount))
}
