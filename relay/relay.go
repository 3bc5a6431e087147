// Package relay drives one worker process on behalf of callers: it owns the
// lifecycle state machine, correlates responses to requests and forwards
// worker events to a single subscriber.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/machinefabric/mcpchannel-go/correlate"
	"github.com/machinefabric/mcpchannel-go/wire"
	"github.com/machinefabric/mcpchannel-go/worker"
)

// Worker is the process the relay talks to. *worker.Supervisor implements it.
type Worker interface {
	Start() error
	Stop() error
	Send(line []byte) error
	PID() int
	Stats(ctx context.Context) (*worker.ProcessStats, error)
}

// Hooks are the callbacks a Worker reports through. Nil hooks keep the worker's defaults.
type Hooks struct {
	Line          func(line []byte)
	Diagnostic    func(chunk []byte)
	Exit          func(err error)
	ProtocolError func(err error)
}

// WorkerFactory builds the relay's worker. It is called once, from New.
type WorkerFactory func(config worker.Config, hooks Hooks, logger *zap.Logger) Worker

// NewSupervisor is the default WorkerFactory
func NewSupervisor(config worker.Config, hooks Hooks, logger *zap.Logger) Worker {
	return worker.New(config,
		worker.WithLogger(logger),
		worker.WithLineHandler(hooks.Line),
		worker.WithDiagnosticHandler(hooks.Diagnostic),
		worker.WithExitHandler(hooks.Exit),
		worker.WithProtocolErrorHandler(hooks.ProtocolError),
	)
}

// EventSink receives the payload of each worker event
type EventSink func(payload json.RawMessage)

// Option configures a Relay
type Option func(*Relay)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(r *Relay) {
		r.logger = logger
	}
}

// WithWorkerFactory replaces the process supervisor
func WithWorkerFactory(factory WorkerFactory) Option {
	return func(r *Relay) {
		r.factory = factory
	}
}

// WithRegisterer registers the relay's metrics
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Relay) {
		r.registerer = reg
	}
}

// Status is the result of operations that only acknowledge
type Status struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// Relay is safe for concurrent use
type Relay struct {
	config     Config
	logger     *zap.Logger
	factory    WorkerFactory
	registerer prometheus.Registerer
	metrics    *Metrics
	validator  *wire.Validator
	ids        *correlate.IDGenerator
	table      *correlate.Table
	worker     Worker

	// lifecycle serializes Initialize; Dispose waits on it after marking Disposing
	lifecycle   sync.Mutex
	disposeOnce sync.Once

	mu    sync.Mutex
	state State

	// Delivery holds subMu, so no event reaches a sink after its cancel returns
	subMu     sync.Mutex
	sink      EventSink
	sinkToken uint64
}

// New creates a relay. The worker is not launched until Initialize.
func New(config Config, opts ...Option) (*Relay, error) {
	r := &Relay{
		config:  config,
		factory: NewSupervisor,
		ids:     correlate.NewIDGenerator(),
		table:   correlate.NewTable(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.config.DefaultCapabilities == nil {
		r.config.DefaultCapabilities = DefaultCapabilities()
	}

	if config.ValidateMessages {
		validator, err := wire.DefaultValidator()
		if err != nil {
			return nil, err
		}
		r.validator = validator
	}

	r.metrics = newMetrics(r.registerer, func() float64 { return float64(r.table.Len()) })
	r.worker = r.factory(config.Worker, Hooks{
		Line:          r.dispatch,
		Exit:          r.handleExit,
		ProtocolError: r.handleProtocolError,
	}, r.logger.Named("worker"))

	r.logger.Debug("relay created", zap.String("session", r.ids.Session()))
	return r, nil
}

// State returns the current lifecycle state
func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Pending returns the number of requests waiting for a reply
func (r *Relay) Pending() int {
	return r.table.Len()
}

// Metrics returns the relay's collectors
func (r *Relay) Metrics() *Metrics {
	return r.metrics
}

// setStateLocked records a transition (caller must hold mu)
func (r *Relay) setStateLocked(next State) {
	if r.state == next {
		return
	}
	r.logger.Debug("relay state", zap.Stringer("from", r.state), zap.Stringer("to", next))
	r.state = next
	r.metrics.State.Set(float64(next))
}

func (r *Relay) setState(next State) {
	r.mu.Lock()
	r.setStateLocked(next)
	r.mu.Unlock()
}

// requireReady returns a NOT_INITIALIZED error outside Ready
func (r *Relay) requireReady() error {
	r.mu.Lock()
	state := r.state
	r.mu.Unlock()
	if state != StateReady {
		return newError(ErrorTypeNotInitialized, "MCP not initialized", nil)
	}
	return nil
}

// Initialize launches the worker and sends the handshake
func (r *Relay) Initialize(ctx context.Context, params map[string]any) (status *Status, err error) {
	defer func() { r.metrics.observe("initialize", err) }()

	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	switch r.state {
	case StateReady:
		r.mu.Unlock()
		return &Status{Success: true, Message: "Already initialized"}, nil
	case StateDisposing, StateDisposed:
		r.mu.Unlock()
		return nil, newError(ErrorTypeDisposed, "MCP disposed", nil)
	}
	r.setStateLocked(StateStarting)
	r.mu.Unlock()

	if err := r.worker.Start(); err != nil {
		return nil, r.abortStart(newError(ErrorTypeInitializationFailed, "failed to start worker", err))
	}

	id := r.ids.Next("init")
	var pending *correlate.Pending
	if r.config.AwaitHandshake {
		pending, err = r.table.Register(id, r.config.RequestTimeout)
		if err != nil {
			return nil, r.abortStart(newError(ErrorTypeInitializationFailed, "failed to register handshake", err))
		}
		// A Dispose or exit that ran failAll before this registration would never complete it
		if state := r.State(); state != StateStarting {
			r.table.Cancel(id, newError(ErrorTypeInitializationFailed, "startup interrupted", nil))
			return nil, r.abortStart(newError(ErrorTypeInitializationFailed, "startup interrupted", nil))
		}
	}

	if err := r.send("initialize", params, id); err != nil {
		if pending != nil {
			r.table.Cancel(id, err)
		}
		return nil, r.abortStart(newError(ErrorTypeInitializationFailed, "failed to send handshake", err))
	}

	if pending != nil {
		out := pending.Wait(ctx)
		if out.Err != nil {
			return nil, r.abortStart(newError(ErrorTypeInitializationFailed, "handshake failed", r.outcomeError(out.Err)))
		}
	}

	r.mu.Lock()
	if r.state != StateStarting {
		// Disposed or the worker died while starting
		state := r.state
		r.mu.Unlock()
		r.worker.Stop()
		return nil, r.startError(state, newError(ErrorTypeInitializationFailed, "worker exited during startup", nil))
	}
	r.setStateLocked(StateReady)
	r.mu.Unlock()

	r.logger.Info("relay initialized", zap.Int("pid", r.worker.PID()), zap.String("handshake", id))
	return &Status{Success: true, Message: "MCP initialized successfully"}, nil
}

// abortStart stops the worker and leaves Starting
func (r *Relay) abortStart(cause *Error) error {
	r.worker.Stop()

	r.mu.Lock()
	state := r.state
	if state == StateStarting {
		r.setStateLocked(StateUninitialized)
	}
	r.mu.Unlock()

	r.logger.Warn("relay initialization failed", zap.Error(cause))
	return r.startError(state, cause)
}

// startError reports DISPOSED when startup lost a race with Dispose
func (r *Relay) startError(state State, cause *Error) error {
	if state == StateDisposing || state == StateDisposed {
		return newError(ErrorTypeDisposed, "MCP disposed", cause)
	}
	return cause
}

// Dispose stops the worker, fails every pending request and detaches the
// subscriber. It always succeeds and the relay cannot be used afterwards.
func (r *Relay) Dispose(ctx context.Context) (*Status, error) {
	r.disposeOnce.Do(func() {
		r.setState(StateDisposing)
		disposed := newError(ErrorTypeDisposed, "MCP disposed", nil)

		r.failAll(disposed, "disposed")
		if err := r.worker.Stop(); err != nil {
			r.logger.Warn("failed to stop worker", zap.Error(err))
		}

		// An Initialize in flight sees Disposing and stops what it started
		r.lifecycle.Lock()
		r.lifecycle.Unlock()
		r.failAll(disposed, "disposed")

		r.subMu.Lock()
		r.sink = nil
		r.subMu.Unlock()

		r.setState(StateDisposed)
		r.logger.Info("relay disposed")
	})
	r.metrics.observe("dispose", nil)
	return &Status{Success: true, Message: "MCP disposed"}, nil
}

func (r *Relay) failAll(err *Error, reason string) {
	if n := r.table.FailAll(err); n > 0 {
		r.metrics.FailedPending.WithLabelValues(reason).Add(float64(n))
		r.logger.Info("failed pending requests", zap.Int("count", n), zap.String("reason", reason))
	}
}

// handleExit runs on the supervisor's monitor before the worker may be started again
func (r *Relay) handleExit(err error) {
	r.metrics.WorkerExits.Inc()

	r.mu.Lock()
	if r.state == StateReady || r.state == StateStarting {
		r.setStateLocked(StateUninitialized)
	}
	r.mu.Unlock()

	r.logger.Error("worker terminated", zap.Error(err))
	r.failAll(newError(ErrorTypeWorkerTerminated, "worker terminated", err), "worker_terminated")
}

func (r *Relay) handleProtocolError(err error) {
	var perr *wire.ProtocolError
	label := "unknown"
	if errors.As(err, &perr) {
		label = perr.Type.String()
	}
	r.metrics.ProtocolErrors.WithLabelValues(label).Inc()
	r.logger.Warn("dropping worker output", zap.Error(err))
}

// send encodes and writes one command. Nil params are sent as {}.
func (r *Relay) send(method string, params map[string]any, id string) error {
	if params == nil {
		params = map[string]any{}
	}
	line, err := wire.EncodeCommand(wire.NewCommand(method, params, id))
	if err != nil {
		return newError(ErrorTypeInvalidArguments, "params cannot be encoded", err)
	}
	if err := r.worker.Send(line); err != nil {
		return newError(ErrorTypeSendFailed, "failed to send message", err)
	}
	return nil
}

// dispatch routes one worker output line. It runs on the worker's stdout reader.
func (r *Relay) dispatch(line []byte) {
	msg, err := wire.DecodeMessage(line, r.validator)
	if err != nil {
		r.handleProtocolError(err)
		return
	}

	switch msg.Type {
	case wire.MessageTypeResponse:
		out := correlate.Outcome{Result: msg.Result}
		if msg.HasError() {
			out = correlate.Outcome{Err: &Error{
				Type:    ErrorTypeWorker,
				Message: "Error processing request",
				Details: msg.Error,
			}}
		}
		if !r.table.Resolve(msg.RequestID, out) {
			r.metrics.UnmatchedReplies.Inc()
			r.logger.Debug("dropping response for unknown request", zap.String("request_id", msg.RequestID))
		}

	case wire.MessageTypeEvent:
		r.deliver(msg.Payload)
	}
}

// Listen attaches sink as the only event subscriber, replacing any earlier one.
// The returned cancel detaches it if it is still current; no event reaches the
// sink after cancel returns. The sink must not call Listen or cancel itself.
func (r *Relay) Listen(sink EventSink) (cancel func()) {
	r.mu.Lock()
	closed := r.state == StateDisposing || r.state == StateDisposed
	r.mu.Unlock()
	if closed || sink == nil {
		return func() {}
	}

	r.subMu.Lock()
	r.sinkToken++
	token := r.sinkToken
	replaced := r.sink != nil
	r.sink = sink
	r.subMu.Unlock()

	if replaced {
		r.logger.Debug("event subscriber replaced")
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.subMu.Lock()
			if r.sinkToken == token {
				r.sink = nil
			}
			r.subMu.Unlock()
		})
	}
}

func (r *Relay) deliver(payload json.RawMessage) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if r.sink == nil {
		r.metrics.Events.WithLabelValues("dropped").Inc()
		return
	}
	r.metrics.Events.WithLabelValues("delivered").Inc()
	r.sink(payload)
}
