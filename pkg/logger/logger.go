package logger

// logger.go - настройка структурированного логирования
//
// Единая точка инициализации zap для всего приложения.
// Формат и уровень задаются через LoggingConfig (env: LOG_LEVEL, LOG_FORMAT).
//
// Использование:
//
//	log, err := logger.Init("info", "json")
//	defer log.Sync()
//	component := log.Named("store")

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Init создаёт и настраивает корневой logger
//
// level: debug, info, warn, error
// format: json (production) или console (разработка)
func Init(level, format string) (*zap.SugaredLogger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch format {
	case "json":
		cfg = zap.NewProductionConfig()
	case "console", "text":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q (expected json or console)", format)
	}

	cfg.Level = zap.NewAtomicLevelAt(lvl)
	// Миллисекундные timestamps - достаточно для market data, короче ISO8601 с наносекундами
	cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z0700")

	log, err := cfg.Build(zap.AddCallerSkip(0))
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return log.Sugar(), nil
}

// Nop возвращает logger, который никуда не пишет
// Используется в тестах чтобы не засорять вывод
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
