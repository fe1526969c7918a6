package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server    ServerConfig
	Exchanges map[string]ExchangeConfig
	Streams   StreamsConfig
	Window    WindowConfig
	Broadcast BroadcastConfig
	Deviation DeviationConfig
	Signals   SignalsConfig
	Database  DatabaseConfig
	Logging   LoggingConfig
}

// ServerConfig - настройки HTTP/WebSocket сервера
type ServerConfig struct {
	Host string
	Port int
}

// ExchangeConfig - настройки отбора символов для одной биржи
type ExchangeConfig struct {
	// Диапазон 24h quote volume (включительно с обеих сторон)
	MinQuoteVolume decimal.Decimal
	MaxQuoteVolume decimal.Decimal

	// Нормализованные имена символов, исключённые из подписки
	ExcludeSymbols []string

	// Если true - отбрасываем символы, которые также торгуются
	// на "мажорной" бирже (кросс-биржевой фильтр)
	ExcludeMajorListed bool
}

// StreamsConfig - какие потоки данных подписывать
type StreamsConfig struct {
	EnableTrades bool
	EnableQuotes bool
}

// WindowConfig - настройки скользящего окна сделок
type WindowConfig struct {
	Duration          time.Duration // W, окно хранения сделок
	TradesPerSymbol   int           // T_max, кап буфера на символ
	SymbolCap         int           // S_max, кап количества символов
}

// BroadcastConfig - настройки агрегации и рассылки клиентам
type BroadcastConfig struct {
	AggregateInterval  time.Duration // период OHLCV агрегации
	MetadataEveryTicks int           // metadata snapshot каждые N тиков агрегации
	TopN               int           // размер top_N_update
	DetailTopK         int           // K_detail, сколько символов обогащаем полными метриками
}

// DeviationConfig - настройки межбиржевого deviation sweep
type DeviationConfig struct {
	SweepInterval   time.Duration
	MinThresholdPct decimal.Decimal // минимальный |dev_pct| для эмиссии
}

// SignalsConfig - опциональный overlay entry/exit сигналов
type SignalsConfig struct {
	Enabled           bool
	EntryThresholdPct decimal.Decimal
	ExitThresholdPct  decimal.Decimal
	Cooldown          time.Duration
	Expiry            time.Duration
}

// DatabaseConfig - опциональный Postgres sink для deviation/signal записей
// Ядро остаётся in-memory; БД - только audit trail
type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string
	Format string
}

// Load загружает конфигурацию из переменных окружения
//
// Список бирж задаётся через SCREENER_EXCHANGES (comma-separated),
// параметры каждой биржи - через префикс с именем в верхнем регистре:
//
//	SCREENER_EXCHANGES=binance,bybit
//	BINANCE_MIN_QUOTE_VOLUME=1000000
//	BINANCE_MAX_QUOTE_VOLUME=500000000
//	BYBIT_EXCLUDE_SYMBOLS=BTC_USDT,ETH_USDT
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getEnvAsInt("SERVER_PORT", 8080),
		},
		Streams: StreamsConfig{
			EnableTrades: getEnvAsBool("STREAMS_ENABLE_TRADES", true),
			EnableQuotes: getEnvAsBool("STREAMS_ENABLE_QUOTES", true),
		},
		Window: WindowConfig{
			Duration:        getEnvAsDuration("WINDOW_DURATION", 30*time.Minute),
			TradesPerSymbol: getEnvAsInt("WINDOW_TRADES_PER_SYMBOL_CAP", 5000),
			SymbolCap:       getEnvAsInt("WINDOW_SYMBOL_CAP", 5000),
		},
		Broadcast: BroadcastConfig{
			AggregateInterval:  getEnvAsDuration("BROADCAST_AGGREGATE_INTERVAL", 200*time.Millisecond),
			MetadataEveryTicks: getEnvAsInt("BROADCAST_METADATA_EVERY_N_TICKS", 10),
			TopN:               getEnvAsInt("BROADCAST_TOP_N", 70),
			DetailTopK:         getEnvAsInt("BROADCAST_DETAIL_TOP_K", 500),
		},
		Deviation: DeviationConfig{
			SweepInterval:   getEnvAsDuration("DEVIATION_SWEEP_INTERVAL", 100*time.Millisecond),
			MinThresholdPct: getEnvAsDecimal("DEVIATION_MIN_THRESHOLD_PCT", "0.10"),
		},
		Signals: SignalsConfig{
			Enabled:           getEnvAsBool("SIGNALS_ENABLED", false),
			EntryThresholdPct: getEnvAsDecimal("SIGNALS_ENTRY_THRESHOLD_PCT", "0.35"),
			ExitThresholdPct:  getEnvAsDecimal("SIGNALS_EXIT_THRESHOLD_PCT", "0.05"),
			Cooldown:          getEnvAsDuration("SIGNALS_COOLDOWN", 10*time.Second),
			Expiry:            getEnvAsDuration("SIGNALS_EXPIRY", 5*time.Minute),
		},
		Database: DatabaseConfig{
			Enabled:  getEnvAsBool("DB_ENABLED", false),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Name:     getEnv("DB_NAME", "screener"),
			User:     getEnv("DB_USER", "user"),
			Password: getEnv("DB_PASSWORD", "password"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	exchanges, err := loadExchanges()
	if err != nil {
		return nil, err
	}
	cfg.Exchanges = exchanges

	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadExchanges разбирает per-exchange конфигурацию
func loadExchanges() (map[string]ExchangeConfig, error) {
	names := strings.Split(getEnv("SCREENER_EXCHANGES", "binance,bybit"), ",")

	exchanges := make(map[string]ExchangeConfig, len(names))
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			continue
		}

		prefix := strings.ToUpper(name)

		minVol := getEnvAsDecimal(prefix+"_MIN_QUOTE_VOLUME", "0")
		maxVol := getEnvAsDecimal(prefix+"_MAX_QUOTE_VOLUME", "0")
		if maxVol.IsPositive() && maxVol.LessThan(minVol) {
			return nil, fmt.Errorf("%s: max quote volume %s is below min %s",
				prefix, maxVol.String(), minVol.String())
		}

		var exclude []string
		for _, s := range strings.Split(getEnv(prefix+"_EXCLUDE_SYMBOLS", ""), ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				exclude = append(exclude, s)
			}
		}

		exchanges[name] = ExchangeConfig{
			MinQuoteVolume:     minVol,
			MaxQuoteVolume:     maxVol,
			ExcludeSymbols:     exclude,
			ExcludeMajorListed: getEnvAsBool(prefix+"_EXCLUDE_MAJOR_LISTED", false),
		}
	}

	if len(exchanges) == 0 {
		return nil, fmt.Errorf("SCREENER_EXCHANGES is empty: at least one exchange is required")
	}

	return exchanges, nil
}

// validateRanges проверяет числовые диапазоны параметров
// Ошибка здесь фатальна: процесс не должен стартовать с кривой конфигурацией
func (c *Config) validateRanges() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if !c.Streams.EnableTrades && !c.Streams.EnableQuotes {
		return fmt.Errorf("STREAMS_ENABLE_TRADES and STREAMS_ENABLE_QUOTES cannot both be false")
	}

	if c.Window.Duration <= 0 {
		return fmt.Errorf("WINDOW_DURATION must be positive, got %v", c.Window.Duration)
	}

	if c.Window.TradesPerSymbol < 1 {
		return fmt.Errorf("WINDOW_TRADES_PER_SYMBOL_CAP must be at least 1, got %d", c.Window.TradesPerSymbol)
	}

	if c.Window.SymbolCap < 1 {
		return fmt.Errorf("WINDOW_SYMBOL_CAP must be at least 1, got %d", c.Window.SymbolCap)
	}

	if c.Broadcast.AggregateInterval <= 0 {
		return fmt.Errorf("BROADCAST_AGGREGATE_INTERVAL must be positive, got %v", c.Broadcast.AggregateInterval)
	}

	if c.Broadcast.MetadataEveryTicks < 1 {
		return fmt.Errorf("BROADCAST_METADATA_EVERY_N_TICKS must be at least 1, got %d", c.Broadcast.MetadataEveryTicks)
	}

	if c.Broadcast.TopN < 1 {
		return fmt.Errorf("BROADCAST_TOP_N must be at least 1, got %d", c.Broadcast.TopN)
	}

	if c.Broadcast.DetailTopK < c.Broadcast.TopN {
		return fmt.Errorf("BROADCAST_DETAIL_TOP_K (%d) must not be below BROADCAST_TOP_N (%d)",
			c.Broadcast.DetailTopK, c.Broadcast.TopN)
	}

	if c.Deviation.SweepInterval <= 0 {
		return fmt.Errorf("DEVIATION_SWEEP_INTERVAL must be positive, got %v", c.Deviation.SweepInterval)
	}

	if c.Deviation.MinThresholdPct.IsNegative() {
		return fmt.Errorf("DEVIATION_MIN_THRESHOLD_PCT cannot be negative, got %s",
			c.Deviation.MinThresholdPct.String())
	}

	if c.Signals.Enabled {
		if c.Signals.ExitThresholdPct.GreaterThanOrEqual(c.Signals.EntryThresholdPct) {
			return fmt.Errorf("SIGNALS_EXIT_THRESHOLD_PCT (%s) must be below SIGNALS_ENTRY_THRESHOLD_PCT (%s)",
				c.Signals.ExitThresholdPct.String(), c.Signals.EntryThresholdPct.String())
		}
		if c.Signals.Expiry <= 0 {
			return fmt.Errorf("SIGNALS_EXPIRY must be positive, got %v", c.Signals.Expiry)
		}
	}

	if c.Database.Enabled {
		if c.Database.Port < 1 || c.Database.Port > 65535 {
			return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
		}
	}

	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDecimal(key, defaultValue string) decimal.Decimal {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		value, _ = decimal.NewFromString(defaultValue)
	}
	return value
}
