package exchange

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
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
	bybitBaseURL  = "https://api.bybit.com"
	bybitWSPublic = "wss://stream.bybit.com/v5/public/spot"

	// Bybit принимает не больше 10 args в одном subscribe-запросе
	bybitSubscribeChunk = 10
)

// Bybit реализует Adapter поверх публичного spot API Bybit v5
type Bybit struct {
	httpClient *http.Client
	log        *zap.SugaredLogger
	wsURL      string

	managerMu sync.Mutex
	manager   *WSReconnectManager

	closeOnce sync.Once
	closeChan chan struct{}
}

// NewBybit создает новый адаптер Bybit
// Использует глобальный HTTP клиент с connection pooling
func NewBybit(log *zap.SugaredLogger) *Bybit {
	return &Bybit{
		httpClient: GetGlobalHTTPClient().GetClient(),
		log:        log.Named("bybit"),
		wsURL:      bybitWSPublic,
		closeChan:  make(chan struct{}),
	}
}

func (b *Bybit) Name() string {
	return "bybit"
}

// doRequest выполняет GET запрос к публичному REST API v5
func (b *Bybit) doRequest(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}

	reqURL := bybitBaseURL + endpoint
	if encoded := query.Encode(); encoded != "" {
		reqURL += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
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

	// Проверяем базовый ответ
	var baseResp struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	if err := jsonFast.Unmarshal(body, &baseResp); err != nil {
		return nil, err
	}

	if baseResp.RetCode != 0 {
		return nil, &ExchangeError{
			Exchange: "bybit",
			Code:     fmt.Sprintf("%d", baseResp.RetCode),
			Message:  baseResp.RetMsg,
		}
	}

	return body, nil
}

// ListSymbols получает торгуемые спот-пары из instruments-info
func (b *Bybit) ListSymbols(ctx context.Context) ([]SymbolInfo, error) {
	body, err := b.doRequest(ctx, "/v5/market/instruments-info", map[string]string{
		"category": "spot",
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Symbol      string `json:"symbol"`
				Status      string `json:"status"`
				PriceFilter struct {
					TickSize string `json:"tickSize"`
				} `json:"priceFilter"`
				LotSizeFilter struct {
					BasePrecision string `json:"basePrecision"`
					MinOrderAmt   string `json:"minOrderAmt"`
				} `json:"lotSizeFilter"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := jsonFast.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("instruments-info decode: %w", err)
	}

	out := make([]SymbolInfo, 0, len(resp.Result.List))
	for _, s := range resp.Result.List {
		if s.Status != "Trading" {
			continue
		}

		info := SymbolInfo{
			Symbol:    events.NormalizeSymbol(s.Symbol),
			RawSymbol: s.Symbol,
		}
		info.PriceStep, _ = decimal.NewFromString(s.PriceFilter.TickSize)
		info.QtyStep, _ = decimal.NewFromString(s.LotSizeFilter.BasePrecision)
		info.MinNotional, _ = decimal.NewFromString(s.LotSizeFilter.MinOrderAmt)
		out = append(out, info)
	}

	return out, nil
}

// ListTickers получает 24h статистику по всем парам одним запросом
func (b *Bybit) ListTickers(ctx context.Context) ([]events.Ticker24h, error) {
	body, err := b.doRequest(ctx, "/v5/market/tickers", map[string]string{
		"category": "spot",
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Symbol       string `json:"symbol"`
				LastPrice    string `json:"lastPrice"`
				Bid1Price    string `json:"bid1Price"`
				Ask1Price    string `json:"ask1Price"`
				Turnover24h  string `json:"turnover24h"`
				Price24hPcnt string `json:"price24hPcnt"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := jsonFast.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("tickers decode: %w", err)
	}

	out := make([]events.Ticker24h, 0, len(resp.Result.List))
	for _, t := range resp.Result.List {
		tk := events.Ticker24h{
			Exchange: "bybit",
			Symbol:   events.NormalizeSymbol(t.Symbol),
		}
		tk.LastPrice, _ = decimal.NewFromString(t.LastPrice)
		tk.BestBid, _ = decimal.NewFromString(t.Bid1Price)
		tk.BestAsk, _ = decimal.NewFromString(t.Ask1Price)
		tk.QuoteVolume24h, _ = decimal.NewFromString(t.Turnover24h)

		// Bybit отдаёт изменение долей (0.0215), приводим к процентам
		if pcnt, err := decimal.NewFromString(t.Price24hPcnt); err == nil {
			tk.PriceChangePct24h = pcnt.Mul(decimal.NewFromInt(100))
		}
		out = append(out, tk)
	}

	return out, nil
}

// Subscribe подключается к публичному WS (publicTrade + orderbook.1 на символ)
// и гонит нормализованные события в out до отмены контекста
func (b *Bybit) Subscribe(ctx context.Context, symbols []string, streams StreamSet, out chan<- events.Event) error {
	if len(symbols) == 0 {
		return fmt.Errorf("bybit: no symbols to subscribe")
	}
	if streams.None() {
		return fmt.Errorf("bybit: no stream kinds enabled")
	}

	// runDone размыкает emit только этого запуска; closeChan не трогаем,
	// иначе supervisor не сможет перезапустить Subscribe после сбоя
	runDone := make(chan struct{})
	defer close(runDone)

	mgr := NewWSReconnectManager("bybit", b.wsURL, DefaultWSReconnectConfig(), b.log)
	mgr.SetOnMessage(func(raw []byte) {
		b.handleMessage(raw, runDone, out)
	})

	// Топики чанками по 10: менеджер повторит их после каждого reconnect
	topics := bybitTopicNames(symbols, streams)
	for start := 0; start < len(topics); start += bybitSubscribeChunk {
		end := start + bybitSubscribeChunk
		if end > len(topics) {
			end = len(topics)
		}
		mgr.AddSubscription(map[string]interface{}{
			"op":   "subscribe",
			"args": append([]string(nil), topics[start:end]...),
		})
	}

	if err := mgr.Connect(); err != nil {
		_ = mgr.Close()
		return fmt.Errorf("bybit connect: %w", err)
	}

	b.managerMu.Lock()
	b.manager = mgr
	b.managerMu.Unlock()

	b.log.Infow("subscribed", "symbols", len(symbols))

	select {
	case <-ctx.Done():
	case <-b.closeChan:
	}

	b.teardown()
	return nil
}

// bybitTopicNames строит список топиков по выбранным типам потоков
func bybitTopicNames(symbols []string, streams StreamSet) []string {
	topics := make([]string, 0, 2*len(symbols))
	for _, s := range symbols {
		if streams.Trades {
			topics = append(topics, "publicTrade."+s)
		}
		if streams.Quotes {
			topics = append(topics, "orderbook.1."+s)
		}
	}
	return topics
}

// teardown гасит соединение текущего запуска, не закрывая сам адаптер
func (b *Bybit) teardown() {
	b.managerMu.Lock()
	defer b.managerMu.Unlock()
	if b.manager != nil {
		_ = b.manager.Close()
		b.manager = nil
	}
}

// bybitEnvelope - обёртка публичного стрима v5
type bybitEnvelope struct {
	Topic string              `json:"topic"`
	TsMs  int64               `json:"ts"`
	Data  jsoniter.RawMessage `json:"data"`
}

// bybitTradeMsg - элемент publicTrade (data - массив сделок)
type bybitTradeMsg struct {
	TradeTimeMs int64  `json:"T"`
	Symbol      string `json:"s"`
	Side        string `json:"S"` // "Buy" / "Sell"
	Qty         string `json:"v"`
	Price       string `json:"p"`
}

// bybitOrderbookMsg - orderbook.1: b/a - уровни [price, size]
type bybitOrderbookMsg struct {
	Symbol string      `json:"s"`
	Bids   [][2]string `json:"b"`
	Asks   [][2]string `json:"a"`
}

// handleMessage разбирает сырое сообщение и кладёт события в out
func (b *Bybit) handleMessage(raw []byte, done <-chan struct{}, out chan<- events.Event) {
	var env bybitEnvelope
	if err := jsonFast.Unmarshal(raw, &env); err != nil {
		telemetry.ProtocolErrors.WithLabelValues("bybit").Inc()
		return
	}
	if env.Topic == "" {
		// Служебный ответ (subscribe ack, pong) - не событие
		return
	}

	now := time.Now()

	switch {
	case strings.HasPrefix(env.Topic, "publicTrade."):
		var msgs []bybitTradeMsg
		if err := jsonFast.Unmarshal(env.Data, &msgs); err != nil {
			telemetry.ProtocolErrors.WithLabelValues("bybit").Inc()
			return
		}
		for _, msg := range msgs {
			b.emitTrade(&msg, now, done, out)
		}

	case strings.HasPrefix(env.Topic, "orderbook.1."):
		var msg bybitOrderbookMsg
		if err := jsonFast.Unmarshal(env.Data, &msg); err != nil {
			telemetry.ProtocolErrors.WithLabelValues("bybit").Inc()
			return
		}
		b.emitQuote(&msg, env.TsMs, now, done, out)
	}
}

func (b *Bybit) emitTrade(msg *bybitTradeMsg, now time.Time, done <-chan struct{}, out chan<- events.Event) {
	price, errP := decimal.NewFromString(msg.Price)
	qty, errQ := decimal.NewFromString(msg.Qty)
	if errP != nil || errQ != nil {
		telemetry.MalformedEvents.WithLabelValues("bybit").Inc()
		return
	}

	side := events.SideBuy
	if msg.Side == "Sell" {
		side = events.SideSell
	}

	trade, err := events.NewTrade("bybit", msg.Symbol, price, qty, side,
		time.UnixMilli(msg.TradeTimeMs), now)
	if err != nil {
		telemetry.MalformedEvents.WithLabelValues("bybit").Inc()
		return
	}
	b.emit(done, out, trade)
}

// emitQuote обновляет котировку из дельты стакана глубины 1.
// Пустая сторона в дельте значит "лучший уровень не менялся" -
// такие кадры пропускаем, чтобы не терять вторую сторону.
func (b *Bybit) emitQuote(msg *bybitOrderbookMsg, tsMs int64, now time.Time, done <-chan struct{}, out chan<- events.Event) {
	if len(msg.Bids) == 0 || len(msg.Asks) == 0 {
		return
	}

	bid, errB := decimal.NewFromString(msg.Bids[0][0])
	bidQty, _ := decimal.NewFromString(msg.Bids[0][1])
	ask, errA := decimal.NewFromString(msg.Asks[0][0])
	askQty, _ := decimal.NewFromString(msg.Asks[0][1])
	if errB != nil || errA != nil {
		telemetry.MalformedEvents.WithLabelValues("bybit").Inc()
		return
	}

	quote, err := events.NewQuote("bybit", msg.Symbol, bid, ask, bidQty, askQty,
		time.UnixMilli(tsMs), now)
	if err != nil {
		telemetry.MalformedEvents.WithLabelValues("bybit").Inc()
		return
	}
	b.emit(done, out, quote)
}

// emit кладёт событие в out, пока ни запуск, ни адаптер не завершены
func (b *Bybit) emit(done <-chan struct{}, out chan<- events.Event, ev events.Event) {
	select {
	case <-done:
	case <-b.closeChan:
	case out <- ev:
		telemetry.RecordIngested("bybit", eventTypeLabel(ev))
	}
}

// Health возвращает состояние потока
func (b *Bybit) Health() HealthState {
	b.managerMu.Lock()
	defer b.managerMu.Unlock()
	if b.manager == nil {
		return HealthDegraded
	}
	return b.manager.Health()
}

// Close закрывает соединение
func (b *Bybit) Close() error {
	b.closeOnce.Do(func() {
		close(b.closeChan)
	})

	b.managerMu.Lock()
	defer b.managerMu.Unlock()

	if b.manager == nil {
		return nil
	}
	err := b.manager.Close()
	b.manager = nil
	return err
}
