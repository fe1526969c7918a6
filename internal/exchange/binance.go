package exchange

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"screener/internal/events"
	"screener/internal/telemetry"
)

const (
	binanceBaseURL = "https://api.binance.com"
	binanceWSURL   = "wss://stream.binance.com:9443/stream"

	// Лимит Binance - 1024 стрима на соединение; trade + bookTicker
	// на символ, поэтому не больше 500 символов на соединение
	binanceSymbolsPerConn = 500

	// Размер чанка SUBSCRIBE-сообщения
	binanceSubscribeChunk = 200
)

var jsonFast = jsoniter.ConfigCompatibleWithStandardLibrary

// Binance реализует Adapter поверх публичного spot API Binance
type Binance struct {
	httpClient *http.Client
	log        *zap.SugaredLogger
	wsURL      string

	managersMu sync.Mutex
	managers   []*WSReconnectManager

	closeOnce sync.Once
	closeChan chan struct{}
}

// NewBinance создает новый адаптер Binance
// Использует глобальный HTTP клиент с connection pooling
func NewBinance(log *zap.SugaredLogger) *Binance {
	return &Binance{
		httpClient: GetGlobalHTTPClient().GetClient(),
		log:        log.Named("binance"),
		wsURL:      binanceWSURL,
		closeChan:  make(chan struct{}),
	}
}

func (b *Binance) Name() string {
	return "binance"
}

// doRequest выполняет GET запрос к публичному REST API
func (b *Binance) doRequest(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, binanceBaseURL+endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		// Binance кладёт код и текст ошибки в тело
		var apiErr struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		_ = jsonFast.Unmarshal(body, &apiErr)
		return nil, &ExchangeError{
			Exchange: "binance",
			Code:     fmt.Sprintf("%d", apiErr.Code),
			Message:  fmt.Sprintf("HTTP %d: %s", resp.StatusCode, apiErr.Msg),
		}
	}

	return body, nil
}

// ListSymbols получает торгуемые спот-пары из exchangeInfo
func (b *Binance) ListSymbols(ctx context.Context) ([]SymbolInfo, error) {
	body, err := b.doRequest(ctx, "/api/v3/exchangeInfo")
	if err != nil {
		return nil, err
	}

	var resp struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Status  string `json:"status"`
			Filters []struct {
				FilterType  string `json:"filterType"`
				TickSize    string `json:"tickSize"`
				StepSize    string `json:"stepSize"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := jsonFast.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("exchangeInfo decode: %w", err)
	}

	out := make([]SymbolInfo, 0, len(resp.Symbols))
	for _, s := range resp.Symbols {
		if s.Status != "TRADING" {
			continue
		}

		info := SymbolInfo{
			Symbol:    events.NormalizeSymbol(s.Symbol),
			RawSymbol: s.Symbol,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				info.PriceStep, _ = decimal.NewFromString(f.TickSize)
			case "LOT_SIZE":
				info.QtyStep, _ = decimal.NewFromString(f.StepSize)
			case "NOTIONAL":
				info.MinNotional, _ = decimal.NewFromString(f.MinNotional)
			}
		}
		out = append(out, info)
	}

	return out, nil
}

// ListTickers получает 24h статистику по всем парам одним запросом
func (b *Binance) ListTickers(ctx context.Context) ([]events.Ticker24h, error) {
	body, err := b.doRequest(ctx, "/api/v3/ticker/24hr")
	if err != nil {
		return nil, err
	}

	var resp []struct {
		Symbol             string `json:"symbol"`
		LastPrice          string `json:"lastPrice"`
		BidPrice           string `json:"bidPrice"`
		AskPrice           string `json:"askPrice"`
		QuoteVolume        string `json:"quoteVolume"`
		PriceChangePercent string `json:"priceChangePercent"`
	}
	if err := jsonFast.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("ticker/24hr decode: %w", err)
	}

	out := make([]events.Ticker24h, 0, len(resp))
	for _, t := range resp {
		tk := events.Ticker24h{
			Exchange: "binance",
			Symbol:   events.NormalizeSymbol(t.Symbol),
		}
		tk.LastPrice, _ = decimal.NewFromString(t.LastPrice)
		tk.BestBid, _ = decimal.NewFromString(t.BidPrice)
		tk.BestAsk, _ = decimal.NewFromString(t.AskPrice)
		tk.QuoteVolume24h, _ = decimal.NewFromString(t.QuoteVolume)
		tk.PriceChangePct24h, _ = decimal.NewFromString(t.PriceChangePercent)
		out = append(out, tk)
	}

	return out, nil
}

// Subscribe подключается к combined stream и гонит нормализованные события
// в out до отмены контекста. Больше binanceSymbolsPerConn символов -
// несколько соединений.
func (b *Binance) Subscribe(ctx context.Context, symbols []string, streams StreamSet, out chan<- events.Event) error {
	if len(symbols) == 0 {
		return fmt.Errorf("binance: no symbols to subscribe")
	}
	if streams.None() {
		return fmt.Errorf("binance: no stream kinds enabled")
	}

	// runDone размыкает emit только этого запуска; closeChan не трогаем,
	// иначе supervisor не сможет перезапустить Subscribe после сбоя
	runDone := make(chan struct{})
	defer close(runDone)

	mgrs := make([]*WSReconnectManager, 0, len(symbols)/binanceSymbolsPerConn+1)
	for start := 0; start < len(symbols); start += binanceSymbolsPerConn {
		end := start + binanceSymbolsPerConn
		if end > len(symbols) {
			end = len(symbols)
		}
		mgr, err := b.connectChunk(symbols[start:end], streams, runDone, out)
		if err != nil {
			// Частичный сбой: уже поднятые соединения гасим, иначе они
			// продолжат переподключаться и заливать заброшенный канал
			for _, m := range mgrs {
				_ = m.Close()
			}
			return err
		}
		mgrs = append(mgrs, mgr)
	}

	b.managersMu.Lock()
	b.managers = mgrs
	b.managersMu.Unlock()

	b.log.Infow("subscribed", "symbols", len(symbols), "connections", len(mgrs))

	select {
	case <-ctx.Done():
	case <-b.closeChan:
	}

	b.teardown()
	return nil
}

// connectChunk поднимает одно соединение на порцию символов
func (b *Binance) connectChunk(symbols []string, streams StreamSet, done <-chan struct{}, out chan<- events.Event) (*WSReconnectManager, error) {
	mgr := NewWSReconnectManager("binance", b.wsURL, DefaultWSReconnectConfig(), b.log)
	mgr.SetOnMessage(func(raw []byte) {
		b.handleMessage(raw, done, out)
	})

	// SUBSCRIBE-сообщения регистрируем как подписки: менеджер
	// повторит их сам после каждого reconnect
	id := 0
	pending := make([]string, 0, binanceSubscribeChunk)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		id++
		mgr.AddSubscription(map[string]interface{}{
			"method": "SUBSCRIBE",
			"params": append([]string(nil), pending...),
			"id":     id,
		})
		pending = pending[:0]
	}

	for _, name := range binanceStreamNames(symbols, streams) {
		pending = append(pending, name)
		if len(pending) >= binanceSubscribeChunk {
			flush()
		}
	}
	flush()

	if err := mgr.Connect(); err != nil {
		_ = mgr.Close()
		return nil, fmt.Errorf("binance connect: %w", err)
	}
	return mgr, nil
}

// binanceStreamNames строит список стримов по выбранным типам потоков
func binanceStreamNames(symbols []string, streams StreamSet) []string {
	names := make([]string, 0, 2*len(symbols))
	for _, s := range symbols {
		lower := strings.ToLower(s)
		if streams.Trades {
			names = append(names, lower+"@trade")
		}
		if streams.Quotes {
			names = append(names, lower+"@bookTicker")
		}
	}
	return names
}

// teardown гасит соединения текущего запуска, не закрывая сам адаптер
func (b *Binance) teardown() {
	b.managersMu.Lock()
	defer b.managersMu.Unlock()
	for _, mgr := range b.managers {
		_ = mgr.Close()
	}
	b.managers = nil
}

// binanceStreamEnvelope - обёртка combined stream
type binanceStreamEnvelope struct {
	Stream string              `json:"stream"`
	Data   jsoniter.RawMessage `json:"data"`
}

// binanceTradeMsg - событие @trade
type binanceTradeMsg struct {
	Symbol      string `json:"s"`
	Price       string `json:"p"`
	Qty         string `json:"q"`
	TradeTimeMs int64  `json:"T"`
	BuyerMaker  bool   `json:"m"`
}

// binanceBookTickerMsg - событие @bookTicker (без серверного timestamp)
type binanceBookTickerMsg struct {
	Symbol string `json:"s"`
	Bid    string `json:"b"`
	BidQty string `json:"B"`
	Ask    string `json:"a"`
	AskQty string `json:"A"`
}

// handleMessage разбирает сырое сообщение и кладёт событие в out.
// Неразборчивые сообщения считаем и пропускаем - поток важнее одного кадра.
func (b *Binance) handleMessage(raw []byte, done <-chan struct{}, out chan<- events.Event) {
	var env binanceStreamEnvelope
	if err := jsonFast.Unmarshal(raw, &env); err != nil {
		telemetry.ProtocolErrors.WithLabelValues("binance").Inc()
		return
	}

	now := time.Now()

	switch {
	case strings.HasSuffix(env.Stream, "@trade"):
		var msg binanceTradeMsg
		if err := jsonFast.Unmarshal(env.Data, &msg); err != nil {
			telemetry.ProtocolErrors.WithLabelValues("binance").Inc()
			return
		}

		price, errP := decimal.NewFromString(msg.Price)
		qty, errQ := decimal.NewFromString(msg.Qty)
		if errP != nil || errQ != nil {
			telemetry.MalformedEvents.WithLabelValues("binance").Inc()
			return
		}

		// m=true: агрессор продавал (buyer был maker'ом)
		side := events.SideBuy
		if msg.BuyerMaker {
			side = events.SideSell
		}

		trade, err := events.NewTrade("binance", msg.Symbol, price, qty, side,
			time.UnixMilli(msg.TradeTimeMs), now)
		if err != nil {
			telemetry.MalformedEvents.WithLabelValues("binance").Inc()
			return
		}
		b.emit(done, out, trade)

	case strings.HasSuffix(env.Stream, "@bookTicker"):
		var msg binanceBookTickerMsg
		if err := jsonFast.Unmarshal(env.Data, &msg); err != nil {
			telemetry.ProtocolErrors.WithLabelValues("binance").Inc()
			return
		}

		bid, errB := decimal.NewFromString(msg.Bid)
		ask, errA := decimal.NewFromString(msg.Ask)
		bidQty, _ := decimal.NewFromString(msg.BidQty)
		askQty, _ := decimal.NewFromString(msg.AskQty)
		if errB != nil || errA != nil {
			telemetry.MalformedEvents.WithLabelValues("binance").Inc()
			return
		}

		// bookTicker не несёт серверного времени - ставим локальное
		quote, err := events.NewQuote("binance", msg.Symbol, bid, ask, bidQty, askQty,
			time.Time{}, now)
		if err != nil {
			telemetry.MalformedEvents.WithLabelValues("binance").Inc()
			return
		}
		b.emit(done, out, quote)
	}
}

// emit кладёт событие в out, пока ни запуск, ни адаптер не завершены.
// done спасает readPump от вечной блокировки на заброшенном канале
func (b *Binance) emit(done <-chan struct{}, out chan<- events.Event, ev events.Event) {
	select {
	case <-done:
	case <-b.closeChan:
	case out <- ev:
		telemetry.RecordIngested("binance", eventTypeLabel(ev))
	}
}

// Health возвращает худшее состояние среди соединений
func (b *Binance) Health() HealthState {
	b.managersMu.Lock()
	defer b.managersMu.Unlock()
	return worstHealth(b.managers)
}

// Close закрывает все соединения
func (b *Binance) Close() error {
	b.closeOnce.Do(func() {
		close(b.closeChan)
	})

	b.managersMu.Lock()
	defer b.managersMu.Unlock()

	var firstErr error
	for _, mgr := range b.managers {
		if err := mgr.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.managers = nil
	return firstErr
}

// worstHealth сводит здоровье нескольких соединений к одному значению
func worstHealth(managers []*WSReconnectManager) HealthState {
	if len(managers) == 0 {
		return HealthDegraded
	}
	worst := HealthHealthy
	for _, mgr := range managers {
		switch mgr.Health() {
		case HealthDead:
			return HealthDead
		case HealthDegraded:
			worst = HealthDegraded
		}
	}
	return worst
}

// eventTypeLabel - метка типа события для метрик
func eventTypeLabel(ev events.Event) string {
	switch ev.(type) {
	case *events.Trade:
		return "trade"
	case *events.Quote:
		return "quote"
	default:
		return "other"
	}
}
