package logger

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logMu sync.RWMutex
	log   *zap.Logger
)

type Config struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Init builds the process logger from cfg and installs it as zap's global. Production
// output is JSON, development output is console text; both stamp ISO8601 times under
// "timestamp".
func Init(cfg Config) error {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		lvl, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return fmt.Errorf("log level %q: %w", cfg.Level, err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	zcfg.EncoderConfig.TimeKey = "timestamp"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := zcfg.Build()
	if err != nil {
		return err
	}
	install(l)
	return nil
}

// install flushes the previous logger before replacing it.
func install(l *zap.Logger) {
	logMu.Lock()
	defer logMu.Unlock()
	if log != nil {
		_ = log.Sync()
	}
	zap.ReplaceGlobals(l)
	log = l
}

// Log never returns nil. Before Init it hands out zap's no-op global.
func Log() *zap.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	if log == nil {
		return zap.L()
	}
	return log
}

// Named scopes Log to one component, e.g. "pipeline" or "provider".
func Named(component string) *zap.Logger {
	return Log().Named(component)
}

func Sync() {
	logMu.RLock()
	defer logMu.RUnlock()
	if log != nil {
		_ = log.Sync()
	}
}
