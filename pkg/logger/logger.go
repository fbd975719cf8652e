package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu         sync.RWMutex
	baseLogger *zap.Logger
	atomicLVL  zap.AtomicLevel
)

func init() {
	atomicLVL = zap.NewAtomicLevelAt(parseLevel(getEnv("PULSEBUS_LOG_LEVEL", "info")))
	cfg := zap.Config{
		Level:       atomicLVL,
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stack",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	l, err := cfg.Build(zap.AddCaller())
	if err != nil {
		l = zap.NewNop()
	}
	baseLogger = l
}

// L 返回进程级 logger
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return baseLogger
}

// Named 返回带组件名的子 logger
func Named(component string) *zap.Logger { return L().Named(component) }

// Replace 替换全局 logger（测试中配合 zaptest 使用），返回恢复函数
func Replace(l *zap.Logger) (restore func()) {
	mu.Lock()
	prev := baseLogger
	baseLogger = l
	mu.Unlock()
	return func() {
		mu.Lock()
		baseLogger = prev
		mu.Unlock()
	}
}

func SetLevel(level string) { atomicLVL.SetLevel(parseLevel(level)) }

func Sync() { _ = L().Sync() }

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
