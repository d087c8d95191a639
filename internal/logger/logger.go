package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"huddle/internal/config"
)

// New builds the process-wide logger from config. It is constructed once in
// main and passed by reference to every service that logs.
func New(cfg config.Logger) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(cfg.Level); err != nil {
			return nil, err
		}
	}

	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
