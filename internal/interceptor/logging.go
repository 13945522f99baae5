package interceptor

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avaproxy/internal/core"
	"github.com/vyrodovalexey/avaproxy/internal/observability"
)

// LoggingContext gives each exchange a logger carrying its id, rule and
// peer, and opens a server span continuing any propagated trace. The span
// ends when the exchange finishes.
type LoggingContext struct {
	core.Base
	logger observability.Logger
	tracer *observability.Tracer
}

// NewLoggingContext creates the logging-context interceptor.
func NewLoggingContext() *LoggingContext {
	return &LoggingContext{
		Base:   core.Base{ID: "loggingContext"},
		logger: observability.NopLogger(),
		tracer: observability.NopTracer(),
	}
}

// Init takes the logger and tracer from the router.
func (l *LoggingContext) Init(r core.Router) error {
	if lg := r.Logger(); lg != nil {
		l.logger = lg
	}
	if t := r.Tracer(); t != nil {
		l.tracer = t
	}
	return nil
}

// HandleRequest installs the exchange logger and span.
func (l *LoggingContext) HandleRequest(exc *core.Exchange) (core.Outcome, error) {
	req := exc.Request

	ctx := observability.ContextWithExchangeID(exc.Context(), exc.ID)
	ctx = observability.ExtractTraceContext(ctx, &req.Header)
	ctx, span := l.tracer.StartSpan(ctx, req.Method+" "+exc.RuleName(),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.path", req.PathOnly()),
			attribute.String("server.address", exc.OriginalHost),
			attribute.String("client.address", exc.RemoteIP),
			attribute.String("avaproxy.rule", exc.RuleName()),
			attribute.String("avaproxy.exchange_id", exc.ID),
		),
	)
	exc.SetContext(ctx)

	exc.SetLogger(l.logger.WithContext(ctx).With(
		observability.String("rule", exc.RuleName()),
		observability.String("remote_ip", exc.RemoteIP),
	))

	exc.OnFinish(func() {
		code := exc.StatusCode()
		span.SetAttributes(attribute.Int("http.response.status_code", code))
		if exc.Err != nil {
			span.RecordError(exc.Err)
			span.SetStatus(codes.Error, exc.Err.Error())
		} else if code >= 500 {
			span.SetStatus(codes.Error, "")
		}
		span.End()
	})
	return core.Continue, nil
}
