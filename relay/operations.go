package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/machinefabric/mcpchannel-go/correlate"
)

// ConnectionInfo is the result of TestConnection. Latency is in milliseconds.
type ConnectionInfo struct {
	Connected bool           `json:"connected"`
	Latency   int64          `json:"latency"`
	Metadata  map[string]any `json:"metadata"`
}

// ProcessMessage forwards params to the worker and waits for its response.
// params must carry a non-empty string "requestId" that is not outstanding.
func (r *Relay) ProcessMessage(ctx context.Context, params map[string]any) (result json.RawMessage, err error) {
	defer func() { r.metrics.observe("processMessage", err) }()

	if err := r.requireReady(); err != nil {
		return nil, err
	}
	id, _ := params["requestId"].(string)
	if id == "" {
		return nil, newError(ErrorTypeMissingRequestID, "Request ID is required", nil)
	}

	return r.roundTrip(ctx, "processMessage", params, id, r.config.RequestTimeout)
}

// roundTrip registers id, sends the command and waits for the outcome.
// The entry is always removed from the table before roundTrip returns.
func (r *Relay) roundTrip(ctx context.Context, method string, params map[string]any, id string, timeout time.Duration) (json.RawMessage, error) {
	pending, err := r.table.Register(id, timeout)
	if err != nil {
		if errors.Is(err, correlate.ErrDuplicateID) {
			return nil, newError(ErrorTypeDuplicateRequestID, "Request ID is already in use", err)
		}
		return nil, newError(ErrorTypeMissingRequestID, "Request ID is required", err)
	}

	// Dispose or an exit may have raced the state check; their failAll ran before this registration
	if err := r.requireReady(); err != nil {
		r.table.Cancel(id, err)
		return nil, r.terminalError(err)
	}

	started := time.Now()
	if err := r.send(method, params, id); err != nil {
		r.table.Cancel(id, err)
		r.logger.Warn("send failed", zap.String("method", method), zap.String("request_id", id), zap.Error(err))
		return nil, err
	}

	out := pending.Wait(ctx)
	if out.Err != nil {
		return nil, r.outcomeError(out.Err)
	}
	r.metrics.RequestDuration.WithLabelValues(method).Observe(time.Since(started).Seconds())
	return out.Result, nil
}

// terminalError prefers DISPOSED over NOT_INITIALIZED once disposal started
func (r *Relay) terminalError(err error) error {
	switch r.State() {
	case StateDisposing, StateDisposed:
		return newError(ErrorTypeDisposed, "MCP disposed", nil)
	}
	return err
}

// outcomeError maps a completion error to a relay *Error
func (r *Relay) outcomeError(err error) error {
	var rerr *Error
	switch {
	case errors.As(err, &rerr):
		return rerr
	case errors.Is(err, correlate.ErrTimeout):
		return newError(ErrorTypeTimeout, "Request timed out", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newError(ErrorTypeCanceled, "Request canceled", err)
	default:
		return newError(ErrorTypeWorker, "Error processing request", err)
	}
}

// StreamMessage forwards params without waiting. Progress arrives as events.
// A request id is generated when params has none.
func (r *Relay) StreamMessage(ctx context.Context, params map[string]any) (status *Status, err error) {
	defer func() { r.metrics.observe("streamMessage", err) }()

	if err := r.requireReady(); err != nil {
		return nil, err
	}
	id, _ := params["requestId"].(string)
	if id == "" {
		id = r.ids.Next("stream")
	}
	if err := r.send("streamMessage", params, id); err != nil {
		return nil, err
	}
	return &Status{Success: true, Message: "Stream started", RequestID: id}, nil
}

// TestConnection round-trips a testConnection command bounded by the ping timeout.
// A worker that does not answer yields Connected=false rather than an error.
func (r *Relay) TestConnection(ctx context.Context) (info *ConnectionInfo, err error) {
	defer func() { r.metrics.observe("testConnection", err) }()

	if err := r.requireReady(); err != nil {
		return nil, err
	}

	metadata := map[string]any{
		"pid":     r.worker.PID(),
		"session": r.ids.Session(),
		"pending": r.table.Len(),
	}
	if stats, err := r.worker.Stats(ctx); err == nil {
		metadata["process"] = stats
	} else {
		r.logger.Debug("worker stats unavailable", zap.Error(err))
	}

	started := time.Now()
	result, err := r.roundTrip(ctx, "testConnection", nil, r.ids.Next("ping"), r.config.PingTimeout)
	latency := time.Since(started).Milliseconds()

	var rerr *Error
	if err != nil && errors.As(err, &rerr) {
		switch rerr.Type {
		case ErrorTypeNotInitialized, ErrorTypeDisposed:
			return nil, err
		case ErrorTypeWorker:
			// The worker answered, so the channel works
			metadata["error"] = rerr.Details
			return &ConnectionInfo{Connected: true, Latency: latency, Metadata: metadata}, nil
		}
	}
	if err != nil {
		metadata["error"] = err.Error()
		return &ConnectionInfo{Connected: false, Latency: latency, Metadata: metadata}, nil
	}
	if len(result) > 0 {
		metadata["worker"] = result
	}
	return &ConnectionInfo{Connected: true, Latency: latency, Metadata: metadata}, nil
}

// GetCapabilities asks the worker for its capability map and falls back to
// the configured defaults when it does not answer with one
func (r *Relay) GetCapabilities(ctx context.Context) (caps map[string]any, err error) {
	defer func() { r.metrics.observe("getCapabilities", err) }()

	if err := r.requireReady(); err != nil {
		return nil, err
	}

	result, err := r.roundTrip(ctx, "getCapabilities", nil, r.ids.Next("caps"), r.config.PingTimeout)
	if err != nil {
		var rerr *Error
		if errors.As(err, &rerr) && (rerr.Type == ErrorTypeNotInitialized || rerr.Type == ErrorTypeDisposed) {
			return nil, err
		}
		r.logger.Debug("using default capabilities", zap.Error(err))
		return cloneMap(r.config.DefaultCapabilities), nil
	}

	if err := json.Unmarshal(result, &caps); err != nil || caps == nil {
		r.logger.Debug("worker capabilities are not a map, using defaults", zap.ByteString("result", result))
		return cloneMap(r.config.DefaultCapabilities), nil
	}
	return caps, nil
}

// InjectContext forwards params to the worker without waiting for a reply
func (r *Relay) InjectContext(ctx context.Context, params map[string]any) (status *Status, err error) {
	defer func() { r.metrics.observe("injectContext", err) }()

	if err := r.requireReady(); err != nil {
		return nil, err
	}
	if err := r.send("injectContext", params, r.ids.Next("context")); err != nil {
		return nil, err
	}
	return &Status{Success: true, Message: "Context injected"}, nil
}

// cloneMap copies the top level so callers cannot mutate the configured defaults
func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
