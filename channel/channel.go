// Package channel adapts the relay to a named method-call interface: a call
// carries a method name and an argument map and is answered through a result
// handle exactly once.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/machinefabric/mcpchannel-go/relay"
)

// ErrNotImplemented is returned by Invoke for unknown methods
var ErrNotImplemented = errors.New("method not implemented")

// Relay is the part of *relay.Relay the channel drives
type Relay interface {
	Initialize(ctx context.Context, params map[string]any) (*relay.Status, error)
	ProcessMessage(ctx context.Context, params map[string]any) (json.RawMessage, error)
	StreamMessage(ctx context.Context, params map[string]any) (*relay.Status, error)
	TestConnection(ctx context.Context) (*relay.ConnectionInfo, error)
	GetCapabilities(ctx context.Context) (map[string]any, error)
	InjectContext(ctx context.Context, params map[string]any) (*relay.Status, error)
	Dispose(ctx context.Context) (*relay.Status, error)
	Listen(sink relay.EventSink) (cancel func())
}

// MethodCall is one incoming call
type MethodCall struct {
	Method    string
	Arguments any
}

// MethodResult receives the answer to one call. Exactly one method is called once.
type MethodResult interface {
	Success(result any)
	Error(code, message string, details any)
	NotImplemented()
}

type method struct {
	call func(ctx context.Context, args map[string]any) (any, error)
	// async methods wait on the worker and complete from their own goroutine
	async bool
}

// Channel dispatches method calls to a relay
type Channel struct {
	relay    Relay
	logger   *zap.Logger
	methods  map[string]method
	events   *EventStreamHandler
	inflight sync.WaitGroup
}

// Option configures a Channel
type Option func(*Channel)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Channel) {
		c.logger = logger
	}
}

// New creates a channel over r
func New(r Relay, opts ...Option) *Channel {
	c := &Channel{relay: r}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.events = &EventStreamHandler{relay: r}
	c.methods = map[string]method{
		"initialize": {async: true, call: func(ctx context.Context, args map[string]any) (any, error) {
			return r.Initialize(ctx, args)
		}},
		"processMessage": {async: true, call: func(ctx context.Context, args map[string]any) (any, error) {
			return r.ProcessMessage(ctx, args)
		}},
		"streamMessage": {call: func(ctx context.Context, args map[string]any) (any, error) {
			return r.StreamMessage(ctx, args)
		}},
		"testConnection": {async: true, call: func(ctx context.Context, _ map[string]any) (any, error) {
			return r.TestConnection(ctx)
		}},
		"getCapabilities": {async: true, call: func(ctx context.Context, _ map[string]any) (any, error) {
			return r.GetCapabilities(ctx)
		}},
		"injectContext": {call: func(ctx context.Context, args map[string]any) (any, error) {
			return r.InjectContext(ctx, args)
		}},
		"dispose": {call: func(ctx context.Context, _ map[string]any) (any, error) {
			return r.Dispose(ctx)
		}},
	}
	return c
}

// Methods returns the names of the supported methods
func (c *Channel) Methods() []string {
	names := make([]string, 0, len(c.methods))
	for name := range c.methods {
		names = append(names, name)
	}
	return names
}

// Events returns the handler for the event stream
func (c *Channel) Events() *EventStreamHandler {
	return c.events
}

// HandleMethodCall answers call through result. Calls that wait on the worker
// complete from a separate goroutine; use Wait to join them.
func (c *Channel) HandleMethodCall(ctx context.Context, call MethodCall, result MethodResult) {
	args, m, err := c.lookup(call)
	if err != nil {
		c.complete(call.Method, result, nil, err)
		return
	}
	if !m.async {
		value, err := m.call(ctx, args)
		c.complete(call.Method, result, value, err)
		return
	}

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		value, err := m.call(ctx, args)
		c.complete(call.Method, result, value, err)
	}()
}

// Invoke runs one call synchronously
func (c *Channel) Invoke(ctx context.Context, methodName string, arguments any) (any, error) {
	args, m, err := c.lookup(MethodCall{Method: methodName, Arguments: arguments})
	if err != nil {
		return nil, err
	}
	return m.call(ctx, args)
}

// Wait blocks until every asynchronous call has completed
func (c *Channel) Wait() {
	c.inflight.Wait()
}

func (c *Channel) lookup(call MethodCall) (map[string]any, method, error) {
	args, ok := call.Arguments.(map[string]any)
	if !ok {
		return nil, method{}, &relay.Error{Type: relay.ErrorTypeInvalidArguments, Message: "Arguments must be a map"}
	}
	m, ok := c.methods[call.Method]
	if !ok {
		return nil, method{}, ErrNotImplemented
	}
	return args, m, nil
}

func (c *Channel) complete(name string, result MethodResult, value any, err error) {
	if err == nil {
		result.Success(value)
		return
	}
	if errors.Is(err, ErrNotImplemented) {
		c.logger.Debug("method not implemented", zap.String("method", name))
		result.NotImplemented()
		return
	}

	code, message, details := Describe(err)
	c.logger.Debug("method failed", zap.String("method", name), zap.String("code", code), zap.Error(err))
	result.Error(code, message, details)
}

// Describe splits an operation error into code, message and details.
// Errors that are not relay errors are reported as MCP_ERROR.
func Describe(err error) (code, message string, details any) {
	var rerr *relay.Error
	if !errors.As(err, &rerr) {
		return relay.ErrorTypeWorker.Code(), err.Error(), nil
	}
	details = rerr.Details
	if details == nil && rerr.Err != nil {
		details = rerr.Err.Error()
	}
	message = rerr.Message
	if message == "" {
		message = rerr.Code()
	}
	return rerr.Code(), message, details
}
