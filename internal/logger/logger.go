package logger

import (
	"go.uber.org/zap"
)

// New builds a production logger at the given verbosity. encoding is "json"
// or "console"; empty means json.
func New(verbosity, encoding string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(verbosity)
	if err != nil {
		return nil, err
	}
	config.Level = level
	if encoding != "" {
		config.Encoding = encoding
	}
	return config.Build()
}
