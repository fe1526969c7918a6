package exchange

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// SupportedExchanges - список поддерживаемых бирж
var SupportedExchanges = []string{
	"binance",
	"bybit",
}

// NewAdapter создает новый адаптер биржи по имени
func NewAdapter(name string, log *zap.SugaredLogger) (Adapter, error) {
	switch strings.ToLower(name) {
	case "binance":
		return NewBinance(log), nil
	case "bybit":
		return NewBybit(log), nil
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", name)
	}
}

// IsSupported проверяет, поддерживается ли биржа
func IsSupported(name string) bool {
	name = strings.ToLower(name)
	for _, supported := range SupportedExchanges {
		if name == supported {
			return true
		}
	}
	return false
}
