package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/machinefabric/mcpchannel-go/channel"
)

const maxBodyBytes = 4 << 20

// errorBody is the JSON body of a failed call
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// resultBody is the JSON body of a successful call
type resultBody struct {
	Result any `json:"result"`
}

// StatusForCode maps a relay error code to an HTTP status
func StatusForCode(code string) int {
	switch code {
	case "INVALID_ARGUMENTS", "MISSING_REQUEST_ID":
		return http.StatusBadRequest
	case "NOT_INITIALIZED", "DUPLICATE_REQUEST_ID":
		return http.StatusConflict
	case "DISPOSED":
		return http.StatusGone
	case "CANCELED":
		return http.StatusRequestTimeout
	case "INITIALIZATION_FAILED", "MCP_ERROR":
		return http.StatusBadGateway
	case "SEND_FAILED", "WORKER_TERMINATED":
		return http.StatusServiceUnavailable
	case "TIMEOUT":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// httpResult completes one HTTP call. The first completion wins.
type httpResult struct {
	w    http.ResponseWriter
	once sync.Once
	done chan struct{}
}

func newHTTPResult(w http.ResponseWriter) *httpResult {
	return &httpResult{w: w, done: make(chan struct{})}
}

func (h *httpResult) finish(status int, body any) {
	h.once.Do(func() {
		writeJSON(h.w, status, body)
		close(h.done)
	})
}

func (h *httpResult) Success(result any) {
	h.finish(http.StatusOK, resultBody{Result: result})
}

func (h *httpResult) Error(code, message string, details any) {
	h.finish(StatusForCode(code), errorBody{Code: code, Message: message, Details: details})
}

func (h *httpResult) NotImplemented() {
	h.finish(http.StatusNotImplemented, errorBody{Code: "NOT_IMPLEMENTED", Message: "Method not implemented"})
}

// callMethod decodes the body as the call arguments. An empty body means {}.
func (s *Server) callMethod(w http.ResponseWriter, r *http.Request) {
	method := chi.URLParam(r, "method")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	if len(body) > maxBodyBytes {
		http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	var arguments any = map[string]any{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &arguments); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Code: "INVALID_ARGUMENTS", Message: "Body is not valid JSON"})
			return
		}
	}

	result := newHTTPResult(w)
	s.channel.HandleMethodCall(r.Context(), channel.MethodCall{Method: method, Arguments: arguments}, result)
	<-result.done
}

// eventStream is one connected event client
type eventStream struct {
	events chan json.RawMessage
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	dropped int
}

func newEventStream(buffer int) *eventStream {
	return &eventStream{
		events: make(chan json.RawMessage, buffer),
		closed: make(chan struct{}),
	}
}

// push never blocks; events beyond the buffer are dropped
func (e *eventStream) push(payload json.RawMessage) {
	select {
	case <-e.closed:
		return
	default:
	}
	select {
	case e.events <- payload:
	default:
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
	}
}

func (e *eventStream) close() {
	e.once.Do(func() { close(e.closed) })
}

func (e *eventStream) droppedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// attach makes stream the only subscriber and ends the previous one
func (s *Server) attach(stream *eventStream) {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	if s.closing {
		stream.close()
		return
	}
	if s.stream != nil {
		s.stream.close()
	}
	s.stream = stream
	s.channel.Events().OnListen(stream.push)
}

// detach cancels the subscription if stream is still current
func (s *Server) detach(stream *eventStream) {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	stream.close()
	if s.stream == stream {
		s.channel.Events().OnCancel()
		s.stream = nil
	}
}

// closeStream ends the current stream and refuses new ones
func (s *Server) closeStream() {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	s.closing = true
	if s.stream != nil {
		s.stream.close()
	}
}

// writeEvent writes one SSE message. The payload is compacted first since CR
// or LF inside JSON whitespace would end the data field.
func writeEvent(w io.Writer, payload json.RawMessage) error {
	var frame bytes.Buffer
	frame.WriteString("event: message\ndata: ")
	if err := json.Compact(&frame, payload); err != nil {
		return err
	}
	frame.WriteString("\n\n")
	_, err := w.Write(frame.Bytes())
	return err
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	stream := newEventStream(s.config.EventBuffer)
	s.attach(stream)
	defer func() {
		s.detach(stream)
		if n := stream.droppedCount(); n > 0 {
			s.logger.Warn("event client fell behind", zap.Int("dropped", n))
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if _, err := io.WriteString(w, ": connected\n\n"); err != nil {
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(s.config.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-stream.closed:
			// Replaced by a newer client or shutting down
			return
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case payload := <-stream.events:
			if err := writeEvent(w, payload); err != nil {
				var syntaxErr *json.SyntaxError
				if errors.As(err, &syntaxErr) {
					s.logger.Warn("dropping event that is not valid JSON", zap.Error(err))
					continue
				}
				return
			}
			flusher.Flush()
		}
	}
}
