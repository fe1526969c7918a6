// Package api собирает HTTP поверхность сервиса: health, метрики,
// статус ingest'а и WebSocket endpoint для клиентов.
package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"screener/internal/api/middleware"
	"screener/internal/ingest"
	"screener/internal/store"
	ws "screener/internal/websocket"
)

var jsonFast = jsoniter.ConfigCompatibleWithStandardLibrary

// Dependencies содержит все зависимости HTTP слоя
type Dependencies struct {
	Hub          *ws.Hub
	Orchestrator *ingest.Orchestrator
	Store        *store.Store
	Log          *zap.SugaredLogger
	StartedAt    time.Time
}

// StatusResponse - ответ /api/v1/status
type StatusResponse struct {
	UptimeSeconds int64                            `json:"uptime_seconds"`
	ActiveSymbols int                              `json:"active_symbols"`
	Clients       int                              `json:"clients"`
	Exchanges     map[string]ingest.ExchangeStatus `json:"exchanges"`
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Структура маршрутов:
//
//	/healthz        - liveness probe
//	/metrics        - Prometheus метрики
//	/api/v1/status  - статус бирж, символов и клиентов
//	/ws/stream      - WebSocket поток для клиентов
//
// Middleware применяется в следующем порядке:
// 1. Recovery (для всех маршрутов)
// 2. Logging (для всех маршрутов)
// 3. CORS (для всех маршрутов)
func SetupRoutes(deps *Dependencies) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.Recovery(deps.Log))
	router.Use(middleware.Logging(deps.Log))
	router.Use(middleware.CORS)

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", statusHandler(deps)).Methods("GET")

	router.HandleFunc("/ws/stream", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWS(deps.Hub, w, r)
	})

	return router
}

// statusHandler отдаёт сводку по биржам, символам и клиентам
func statusHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StatusResponse{
			UptimeSeconds: int64(time.Since(deps.StartedAt).Seconds()),
			ActiveSymbols: deps.Store.Len(),
			Clients:       deps.Hub.ClientCount(),
			Exchanges:     deps.Orchestrator.Statuses(),
		}

		w.Header().Set("Content-Type", "application/json")
		if err := jsonFast.NewEncoder(w).Encode(resp); err != nil {
			deps.Log.Errorw("encode status response", "error", err)
		}
	}
}
