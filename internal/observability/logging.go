package observability

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logger every component receives.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)
	With(fields ...Field) Logger
	WithContext(ctx context.Context) Logger
	Sync() error
}

// Field is a structured log field.
type Field = zap.Field

// Field constructors.
var (
	String   = zap.String
	Strings  = zap.Strings
	Int      = zap.Int
	Float64  = zap.Float64
	Bool     = zap.Bool
	Error    = zap.Error
	Any      = zap.Any
	Duration = zap.Duration
)

// LogConfig selects the level, the encoding ("json" or "console") and the
// destination: "stdout", "stderr" or a file path.
type LogConfig struct {
	Level  string
	Format string
	Output string
}

// DefaultLogConfig returns info level JSON on stdout.
func DefaultLogConfig() LogConfig {
	return LogConfig{Level: "info", Format: "json", Output: "stdout"}
}

type zapLogger struct {
	z *zap.Logger
}

// NewLogger builds a zap backed Logger from cfg.
func NewLogger(cfg LogConfig) (Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	sink, _, err := zap.Open(outputPath(cfg.Output))
	if err != nil {
		return nil, fmt.Errorf("open log output %q: %w", cfg.Output, err)
	}

	core := zapcore.NewCore(newEncoder(cfg.Format), sink, level)
	return &zapLogger{z: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))}, nil
}

func outputPath(output string) string {
	if output == "" {
		return "stdout"
	}
	return output
}

func newEncoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "timestamp"
	ec.MessageKey = "message"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeDuration = zapcore.MillisDurationEncoder

	if strings.EqualFold(format, "console") {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

// NewLoggerFromZap wraps an existing zap logger.
func NewLoggerFromZap(l *zap.Logger) Logger {
	return &zapLogger{z: l}
}

// NopLogger returns a logger that discards everything.
func NopLogger() Logger {
	return &zapLogger{z: zap.NewNop()}
}

func (l *zapLogger) Debug(msg string, fields ...Field) { l.z.Debug(msg, fields...) }
func (l *zapLogger) Info(msg string, fields ...Field)  { l.z.Info(msg, fields...) }
func (l *zapLogger) Warn(msg string, fields ...Field)  { l.z.Warn(msg, fields...) }
func (l *zapLogger) Error(msg string, fields ...Field) { l.z.Error(msg, fields...) }
func (l *zapLogger) Fatal(msg string, fields ...Field) { l.z.Fatal(msg, fields...) }
func (l *zapLogger) Sync() error                       { return l.z.Sync() }

func (l *zapLogger) With(fields ...Field) Logger {
	return &zapLogger{z: l.z.With(fields...)}
}

// WithContext adds the exchange, trace and span ids carried by ctx.
func (l *zapLogger) WithContext(ctx context.Context) Logger {
	ids := idsFrom(ctx)
	fields := ids.fields()
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}

type idsKey struct{}

// logIDs are the correlation ids attached to an exchange context.
type logIDs struct {
	exchange string
	trace    string
	span     string
}

func idsFrom(ctx context.Context) logIDs {
	ids, _ := ctx.Value(idsKey{}).(logIDs)
	return ids
}

func withIDs(ctx context.Context, update func(*logIDs)) context.Context {
	ids := idsFrom(ctx)
	update(&ids)
	return context.WithValue(ctx, idsKey{}, ids)
}

func (ids logIDs) fields() []Field {
	fields := make([]Field, 0, 3)
	if ids.exchange != "" {
		fields = append(fields, String("exchange_id", ids.exchange))
	}
	if ids.trace != "" {
		fields = append(fields, String("trace_id", ids.trace))
	}
	if ids.span != "" {
		fields = append(fields, String("span_id", ids.span))
	}
	return fields
}

// ContextWithExchangeID tags ctx with the exchange id.
func ContextWithExchangeID(ctx context.Context, id string) context.Context {
	return withIDs(ctx, func(ids *logIDs) { ids.exchange = id })
}

// ExchangeIDFromContext returns the exchange id of ctx, if any.
func ExchangeIDFromContext(ctx context.Context) string { return idsFrom(ctx).exchange }

// ContextWithTraceID tags ctx with a trace id.
func ContextWithTraceID(ctx context.Context, id string) context.Context {
	return withIDs(ctx, func(ids *logIDs) { ids.trace = id })
}

// TraceIDFromContext returns the trace id of ctx, if any.
func TraceIDFromContext(ctx context.Context) string { return idsFrom(ctx).trace }

// ContextWithSpanID tags ctx with a span id.
func ContextWithSpanID(ctx context.Context, id string) context.Context {
	return withIDs(ctx, func(ids *logIDs) { ids.span = id })
}

// SpanIDFromContext returns the span id of ctx, if any.
func SpanIDFromContext(ctx context.Context) string { return idsFrom(ctx).span }
