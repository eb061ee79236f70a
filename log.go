// Logs

package main

import (
	"os"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var baseLogger *zap.Logger

func init() {
	level := zapcore.InfoLevel
	if os.Getenv("LOG_DEBUG") == "YES" {
		level = zapcore.DebugLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		l = zap.NewNop()
	}
	baseLogger = l
}

func LogWarning(line string) {
	baseLogger.Warn(line)
}

func LogInfo(line string) {
	baseLogger.Info(line)
}

func LogError(err error) {
	baseLogger.Error(err.Error(), zap.Error(err))
}

func LogErrorMessage(line string) {
	baseLogger.Error(line)
}

var LOG_REQUESTS_ENABLED = (os.Getenv("LOG_REQUESTS") != "NO")

func LogRequest(session_id uint64, ip string, line string) {
	if LOG_REQUESTS_ENABLED {
		baseLogger.Info(line,
			zap.String("session", strconv.Itoa(int(session_id))),
			zap.String("ip", ip),
			zap.String("kind", "request"),
		)
	}
}

var LOG_DEBUG_ENABLED = (os.Getenv("LOG_DEBUG") == "YES")

func LogDebug(line string) {
	if LOG_DEBUG_ENABLED {
		baseLogger.Debug(line)
	}
}

func LogDebugSession(session_id uint64, ip string, line string) {
	if LOG_DEBUG_ENABLED {
		baseLogger.Debug(line,
			zap.String("session", strconv.Itoa(int(session_id))),
			zap.String("ip", ip),
		)
	}
}
