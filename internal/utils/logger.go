// internal/utils/logger.go
package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"labinstr/internal/config"
)

// NewLogger builds the zap logger described by cfg. Console format writes
// colored levels for terminals; any output other than stdout or stderr is
// a file rotated by lumberjack.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		l, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: invalid log level: %s", cfg.Level)
		}
		level = l
	}

	sink, err := writeSyncer(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig(true))
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig(false))
	}

	core := zapcore.NewCore(encoder, sink, level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

func encoderConfig(console bool) zapcore.EncoderConfig {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "timestamp"
	ec.MessageKey = "message"
	ec.EncodeCaller = zapcore.ShortCallerEncoder
	if console {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		ec.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
	} else {
		ec.EncodeLevel = zapcore.LowercaseLevelEncoder
		ec.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339Nano)
	}
	return ec
}

func writeSyncer(cfg config.LoggingConfig) (zapcore.WriteSyncer, error) {
	switch cfg.Output {
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr", "":
		return zapcore.Lock(os.Stderr), nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Output), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.Output,
		MaxSize:    cfg.MaxSize, // MB
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge, // days
		Compress:   cfg.Compress,
	}), nil
}

// InstrumentLogger wraps zap.Logger with instrument-specific fields
type InstrumentLogger struct {
	*zap.Logger
	instrumentID string
	transport    string
}

// NewInstrumentLogger creates an instrument-specific logger
func NewInstrumentLogger(baseLogger *zap.Logger, instrumentID, transport string) *InstrumentLogger {
	if baseLogger == nil {
		baseLogger = zap.NewNop()
	}
	logger := baseLogger.With(
		zap.String("instrument_id", instrumentID),
		zap.String("transport", transport),
		zap.String("component", "instrument"),
	)

	return &InstrumentLogger{
		Logger:       logger,
		instrumentID: instrumentID,
		transport:    transport,
	}
}

// LogTransaction logs one send, receive or query at debug level, or at
// warn level when it failed.
func (il *InstrumentLogger) LogTransaction(op, command string, bytes int, duration time.Duration, err error) {
	level := zapcore.DebugLevel
	if err != nil {
		level = zapcore.WarnLevel
	}

	if ce := il.Check(level, "Instrument transaction"); ce != nil {
		fields := []zap.Field{
			zap.String("op", op),
			zap.Int("bytes", bytes),
			zap.Duration("duration", duration),
		}
		if command != "" {
			fields = append(fields, zap.String("command", strconv.Quote(command)))
		}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		ce.Write(fields...)
	}
}

// LogConnection logs connection events
func (il *InstrumentLogger) LogConnection(action string, err error) {
	if err != nil {
		il.Error("Instrument connection event", zap.String("action", action), zap.Bool("success", false), zap.Error(err))
		return
	}
	il.Info("Instrument connection event", zap.String("action", action), zap.Bool("success", true))
}

// ServiceLogger provides service-level logging functionality
type ServiceLogger struct {
	*zap.Logger
	serviceName string
}

// NewServiceLogger creates a service-specific logger
func NewServiceLogger(baseLogger *zap.Logger, serviceName string) *ServiceLogger {
	logger := baseLogger.With(
		zap.String("service", serviceName),
		zap.String("component", "service"),
	)

	return &ServiceLogger{
		Logger:      logger,
		serviceName: serviceName,
	}
}

// LogServiceStart logs service startup
func (sl *ServiceLogger) LogServiceStart(version string, config interface{}) {
	sl.Info("Service starting",
		zap.String("version", version),
		zap.Any("config", config),
	)
}

// LogServiceStop logs service shutdown
func (sl *ServiceLogger) LogServiceStop(reason string) {
	sl.Info("Service stopping",
		zap.String("reason", reason),
	)
}

// LogAPIRequest logs HTTP API requests
func (sl *ServiceLogger) LogAPIRequest(method, path, userAgent, clientIP, requestID string, statusCode int, duration time.Duration) {
	level := zapcore.InfoLevel
	if statusCode >= 400 {
		level = zapcore.WarnLevel
	}
	if statusCode >= 500 {
		level = zapcore.ErrorLevel
	}

	if ce := sl.Check(level, "API request"); ce != nil {
		ce.Write(
			zap.String("method", method),
			zap.String("path", path),
			zap.String("user_agent", userAgent),
			zap.String("client_ip", clientIP),
			zap.String("request_id", requestID),
			zap.Int("status_code", statusCode),
			zap.Duration("duration", duration),
		)
	}
}

// LoggerWithRequestID adds request ID to logger
func LoggerWithRequestID(logger *zap.Logger, requestID string) *zap.Logger {
	return logger.With(zap.String("request_id", requestID))
}

// CloseLogger flushes buffered entries. Terminals and pipes reject fsync;
// that is not reported.
func CloseLogger(logger *zap.Logger) error {
	err := logger.Sync()
	if errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY) {
		return nil
	}
	return err
}
