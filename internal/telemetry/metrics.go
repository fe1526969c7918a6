package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики для pipeline скринера
// ============================================================
//
// Все счётчики потерь из §7 спецификации ошибок живут здесь:
// malformed/protocol drops на адаптерах, backpressure drop на канале
// ingestion, client overflow на исходящих очередях.
//
// Использование:
// - Grafana дашборды для визуализации
// - Alertmanager для алертов на рост drop-счётчиков

// ============ Счётчики событий ============

// EventsIngested - события, принятые в ingestion канал, по биржам и типам
var EventsIngested = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "screener",
		Subsystem: "ingest",
		Name:      "events_total",
		Help:      "Total number of events accepted into the ingestion channel",
	},
	[]string{"exchange", "type"}, // type: trade, quote, ticker
)

// MalformedEvents - события, отброшенные адаптером при валидации
var MalformedEvents = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "screener",
		Subsystem: "ingest",
		Name:      "malformed_events_total",
		Help:      "Events dropped by adapters due to validation failure",
	},
	[]string{"exchange"},
)

// ProtocolErrors - нераспознанные wire-сообщения (соединение не рвём)
var ProtocolErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "screener",
		Subsystem: "ingest",
		Name:      "protocol_errors_total",
		Help:      "Unrecognized or undecodable wire messages dropped without tearing the connection",
	},
	[]string{"exchange"},
)

// BackpressureDrops - события, отброшенные при переполнении ingestion канала
var BackpressureDrops = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "screener",
		Subsystem: "ingest",
		Name:      "backpressure_drops_total",
		Help:      "Events dropped because the ingestion channel was full (drop-newest)",
	},
	[]string{"exchange"},
)

// ============ Метрики окна ============

// SkewedTrades - сделки с патологическими timestamp (будущее/древность)
var SkewedTrades = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "screener",
		Subsystem: "window",
		Name:      "skewed_trades_total",
		Help:      "Trades arriving with wildly skewed timestamps (clamped, not dropped)",
	},
)

// IntegrityErrors - отклонённые записи при нарушении инвариантов окна
var IntegrityErrors = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "screener",
		Subsystem: "window",
		Name:      "integrity_errors_total",
		Help:      "Writes rejected due to window invariant violations",
	},
)

// SymbolsEvicted - символы, вытесненные по LRU при достижении S_max
var SymbolsEvicted = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "screener",
		Subsystem: "window",
		Name:      "symbols_evicted_total",
		Help:      "Symbols evicted by LRU when the symbol cap would be exceeded",
	},
)

// ActiveSymbols - текущее количество символов в окне
var ActiveSymbols = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "screener",
		Subsystem: "window",
		Name:      "active_symbols",
		Help:      "Current number of symbols tracked by the rolling-window store",
	},
)

// ============ Метрики адаптеров ============

// AdapterStatus - здоровье адаптера (1=healthy, 0.5=degraded, 0=dead)
var AdapterStatus = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "screener",
		Subsystem: "exchange",
		Name:      "adapter_health",
		Help:      "Adapter health derived from last event age (1=healthy, 0.5=degraded, 0=dead)",
	},
	[]string{"exchange"},
)

// Reconnects - переподключения WebSocket по биржам
var Reconnects = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "screener",
		Subsystem: "exchange",
		Name:      "ws_reconnects_total",
		Help:      "WebSocket reconnect attempts per exchange",
	},
	[]string{"exchange"},
)

// ============ Метрики рассылки ============

// ClientOverflowDrops - сообщения, вытесненные из очередей клиентов (drop-oldest)
var ClientOverflowDrops = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "screener",
		Subsystem: "broadcast",
		Name:      "client_overflow_drops_total",
		Help:      "Oldest messages discarded from full client outbound queues",
	},
)

// ConnectedClients - подключенные WebSocket клиенты
var ConnectedClients = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "screener",
		Subsystem: "broadcast",
		Name:      "connected_clients",
		Help:      "Currently connected WebSocket clients",
	},
)

// ScoringTickDuration - длительность одного тика scoring engine
var ScoringTickDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "screener",
		Subsystem: "scoring",
		Name:      "tick_duration_ms",
		Help:      "Duration of one scoring tick in milliseconds",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2000},
	},
)

// DeviationsEmitted - эмиссии deviation записей
var DeviationsEmitted = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "screener",
		Subsystem: "deviation",
		Name:      "emitted_total",
		Help:      "Deviation records emitted above the configured threshold",
	},
)

// ============ Вспомогательные функции ============

// RecordAdapterHealth обновляет gauge здоровья адаптера
func RecordAdapterHealth(exchange, health string) {
	var v float64
	switch health {
	case "healthy":
		v = 1
	case "degraded":
		v = 0.5
	default:
		v = 0
	}
	AdapterStatus.WithLabelValues(exchange).Set(v)
}

// RecordBackpressureDrop учитывает событие, отброшенное на полном канале
func RecordBackpressureDrop(exchange string) {
	BackpressureDrops.WithLabelValues(exchange).Inc()
}

// RecordIngested учитывает принятое событие
func RecordIngested(exchange, eventType string) {
	EventsIngested.WithLabelValues(exchange, eventType).Inc()
}
