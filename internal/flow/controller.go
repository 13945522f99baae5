package flow

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/vyrodovalexey/avaproxy/internal/core"
	"github.com/vyrodovalexey/avaproxy/internal/message"
	"github.com/vyrodovalexey/avaproxy/internal/observability"
)

// ErrPanic wraps a value recovered from a panicking interceptor.
var ErrPanic = errors.New("interceptor panicked")

// StatusCoder is implemented by errors that know which status the client
// should see.
type StatusCoder interface {
	StatusCode() int
}

// Controller runs interceptor chains.
type Controller struct {
	logger  observability.Logger
	metrics *observability.Metrics
}

// Option is a functional option for configuring the controller.
type Option func(*Controller)

// WithLogger sets the logger for the controller.
func WithLogger(logger observability.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics recorder for the controller.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// NewController creates a new flow controller.
func NewController(opts ...Option) *Controller {
	c := &Controller{logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Invoke runs the request walk and, unless it aborted, the response walk.
// It returns the outcome that ended the request walk, or Abort when the
// response walk failed.
func (c *Controller) Invoke(exc *core.Exchange, chain []core.Interceptor) core.Outcome {
	outcome, stop := c.HandleRequest(exc, chain)
	if outcome == core.Abort {
		c.metrics.RecordFlowOutcome(outcome.String())
		return outcome
	}
	if !c.HandleResponse(exc, chain, stop) {
		outcome = core.Abort
	}
	c.metrics.RecordFlowOutcome(outcome.String())
	return outcome
}

// HandleRequest runs the request walk and returns the outcome together
// with the index the response walk must start from. When every
// interceptor continued, that index is len(chain)-1.
func (c *Controller) HandleRequest(exc *core.Exchange, chain []core.Interceptor) (core.Outcome, int) {
	for i, ic := range chain {
		outcome, err := c.call(exc, ic, true)
		if err != nil {
			c.fail(exc, ic, err, "request")
			return core.Abort, i
		}
		switch outcome {
		case core.Continue:
			continue
		case core.Return, core.Abort:
			exc.Logger().Debug("interceptor ended request flow",
				observability.String("interceptor", ic.Name()),
				observability.String("outcome", outcome.String()),
				observability.Int("index", i),
			)
			return outcome, i
		default:
			c.fail(exc, ic, fmt.Errorf("unknown outcome %d", outcome), "request")
			return core.Abort, i
		}
	}
	return core.Continue, len(chain) - 1
}

// HandleResponse walks the chain backward from start to 0. Outcomes other
// than Continue do not stop the walk. It returns false when an interceptor
// failed; the walk stops there and the exchange carries an error response.
func (c *Controller) HandleResponse(exc *core.Exchange, chain []core.Interceptor, start int) bool {
	if start >= len(chain) {
		start = len(chain) - 1
	}
	for i := start; i >= 0; i-- {
		ic := chain[i]
		outcome, err := c.call(exc, ic, false)
		if err != nil {
			c.fail(exc, ic, err, "response")
			return false
		}
		if outcome == core.Abort {
			exc.Logger().Warn("abort ignored during response flow",
				observability.String("interceptor", ic.Name()),
			)
		}
	}
	return true
}

// call invokes one handler, converting a panic into an error.
func (c *Controller) call(exc *core.Exchange, ic core.Interceptor, request bool) (outcome core.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic recovered in interceptor",
				observability.String("interceptor", ic.Name()),
				observability.String("exchange_id", exc.ID),
				observability.Any("panic", r),
				observability.String("stack", string(debug.Stack())),
			)
			outcome = core.Abort
			err = fmt.Errorf("%w: %s: %v", ErrPanic, ic.Name(), r)
		}
	}()

	if request {
		return ic.HandleRequest(exc)
	}
	return ic.HandleResponse(exc)
}

// fail converts an interceptor error into an error response.
func (c *Controller) fail(exc *core.Exchange, ic core.Interceptor, err error, phase string) {
	code := http.StatusInternalServerError
	var sc StatusCoder
	if errors.As(err, &sc) && sc.StatusCode() >= 400 {
		code = sc.StatusCode()
	}

	exc.Logger().Error("interceptor failed",
		observability.String("interceptor", ic.Name()),
		observability.String("phase", phase),
		observability.Int("status", code),
		observability.Error(err),
	)

	exc.SetResponse(message.ErrorResponse(code, ""))
	exc.Fail(err)
}
