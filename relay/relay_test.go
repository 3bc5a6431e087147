package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/machinefabric/mcpchannel-go/internal/echoworker"
	"github.com/machinefabric/mcpchannel-go/wire"
	"github.com/machinefabric/mcpchannel-go/worker"
)

func TestMain(m *testing.M) {
	echoworker.ServeIfHelper()
	os.Exit(m.Run())
}

func testConfig(t *testing.T) Config {
	t.Helper()
	path, env, err := echoworker.HelperCommand()
	require.NoError(t, err)
	config := DefaultConfig()
	config.Worker = worker.Config{Path: path, Env: env}
	config.RequestTimeout = 10 * time.Second
	return config
}

func newRelay(t *testing.T, config Config, opts ...Option) *Relay {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	r, err := New(config, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { r.Dispose(context.Background()) })
	return r
}

func readyRelay(t *testing.T, opts ...Option) *Relay {
	t.Helper()
	r := newRelay(t, testConfig(t), opts...)
	_, err := r.Initialize(context.Background(), map[string]any{})
	require.NoError(t, err)
	return r
}

func requireCode(t *testing.T, err error, code string) *Error {
	t.Helper()
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, code, rerr.Code(), rerr.Error())
	return rerr
}

// Initialize before any other call
func TestInitialize(t *testing.T) {
	r := newRelay(t, testConfig(t))
	assert.Equal(t, StateUninitialized, r.State())

	status, err := r.Initialize(context.Background(), map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, &Status{Success: true, Message: "MCP initialized successfully"}, status)
	assert.Equal(t, StateReady, r.State())

	status, err = r.Initialize(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "Already initialized", status.Message)
}

// A worker that cannot start fails initialize and leaves the relay uninitialized
func TestInitializeLaunchFailure(t *testing.T) {
	config := DefaultConfig()
	config.Worker = worker.Config{Path: "/nonexistent/mcp-worker"}
	r := newRelay(t, config)

	_, err := r.Initialize(context.Background(), nil)
	requireCode(t, err, "INITIALIZATION_FAILED")
	assert.Equal(t, StateUninitialized, r.State())
}

// With an awaited handshake a worker error fails initialize
func TestInitializeAwaitHandshakeRejected(t *testing.T) {
	config := testConfig(t)
	config.AwaitHandshake = true
	r := newRelay(t, config)

	_, err := r.Initialize(context.Background(), map[string]any{"fail": true})
	requireCode(t, err, "INITIALIZATION_FAILED")
	assert.Equal(t, StateUninitialized, r.State())
	assert.Zero(t, r.Pending())

	status, err := r.Initialize(context.Background(), map[string]any{})
	require.NoError(t, err)
	assert.True(t, status.Success)
}

// A successful response resolves the caller with its result
func TestProcessMessageSuccess(t *testing.T) {
	r := readyRelay(t)
	result, err := r.ProcessMessage(context.Background(), map[string]any{"requestId": "r1", "text": "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true,"echo":"hi"}`, string(result))
	assert.Zero(t, r.Pending())
}

// A response with an error object fails the caller with MCP_ERROR
func TestProcessMessageWorkerError(t *testing.T) {
	r := readyRelay(t)
	_, err := r.ProcessMessage(context.Background(), map[string]any{"requestId": "r1", "mode": "error"})
	rerr := requireCode(t, err, "MCP_ERROR")
	assert.ErrorIs(t, err, ErrWorker)
	assert.Equal(t, "Error processing request", rerr.Message)

	details, ok := rerr.Details.(json.RawMessage)
	require.True(t, ok)
	assert.JSONEq(t, `{"code":"X","message":"requested failure"}`, string(details))
}

// Concurrent requests answered out of order each get their own reply
func TestProcessMessageCorrelation(t *testing.T) {
	r := readyRelay(t)

	const n = 12
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("r%d", i)
			result, err := r.ProcessMessage(context.Background(), map[string]any{
				"requestId": id,
				"text":      id,
				"delay_ms":  (n - i) * 10,
			})
			if assert.NoError(t, err) {
				assert.JSONEq(t, fmt.Sprintf(`{"ok":true,"echo":%q}`, id), string(result))
			}
		}(i)
	}
	wg.Wait()
	assert.Zero(t, r.Pending())
}

// A request id that is still outstanding is refused
func TestProcessMessageDuplicateID(t *testing.T) {
	r := readyRelay(t)

	first := make(chan error, 1)
	go func() {
		_, err := r.ProcessMessage(context.Background(), map[string]any{"requestId": "dup", "delay_ms": 300})
		first <- err
	}()
	require.Eventually(t, func() bool { return r.Pending() == 1 }, 5*time.Second, 5*time.Millisecond)

	_, err := r.ProcessMessage(context.Background(), map[string]any{"requestId": "dup"})
	requireCode(t, err, "DUPLICATE_REQUEST_ID")
	assert.NoError(t, <-first)
}

// A request the worker never answers fails with TIMEOUT
func TestProcessMessageTimeout(t *testing.T) {
	config := testConfig(t)
	config.RequestTimeout = 100 * time.Millisecond
	r := newRelay(t, config)
	_, err := r.Initialize(context.Background(), nil)
	require.NoError(t, err)

	_, err = r.ProcessMessage(context.Background(), map[string]any{"requestId": "lost", "mode": "silent"})
	requireCode(t, err, "TIMEOUT")
	assert.Zero(t, r.Pending())
}

// Canceling the caller's context fails the request with CANCELED
func TestProcessMessageContextCanceled(t *testing.T) {
	r := readyRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := r.ProcessMessage(ctx, map[string]any{"requestId": "r1", "mode": "silent"})
	requireCode(t, err, "CANCELED")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, r.Pending())
}

// Every operation but initialize and dispose is refused outside Ready
func TestStateGating(t *testing.T) {
	r := newRelay(t, testConfig(t))
	ctx := context.Background()

	check := func(phase string) {
		_, err := r.ProcessMessage(ctx, map[string]any{"requestId": "r1"})
		assert.ErrorIs(t, err, ErrNotInitialized, phase)
		_, err = r.StreamMessage(ctx, map[string]any{})
		assert.ErrorIs(t, err, ErrNotInitialized, phase)
		_, err = r.TestConnection(ctx)
		assert.ErrorIs(t, err, ErrNotInitialized, phase)
		_, err = r.GetCapabilities(ctx)
		assert.ErrorIs(t, err, ErrNotInitialized, phase)
		_, err = r.InjectContext(ctx, map[string]any{})
		assert.ErrorIs(t, err, ErrNotInitialized, phase)
	}

	check("before initialize")

	_, err := r.Initialize(ctx, nil)
	require.NoError(t, err)
	status, err := r.Dispose(ctx)
	require.NoError(t, err)
	assert.Equal(t, "MCP disposed", status.Message)
	assert.Equal(t, StateDisposed, r.State())

	check("after dispose")

	_, err = r.Initialize(ctx, nil)
	requireCode(t, err, "DISPOSED")
}

// Dispose fails every outstanding request
func TestDisposeFailsPending(t *testing.T) {
	r := readyRelay(t)

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func(i int) {
			_, err := r.ProcessMessage(context.Background(), map[string]any{"requestId": fmt.Sprintf("r%d", i), "mode": "silent"})
			errs <- err
		}(i)
	}
	require.Eventually(t, func() bool { return r.Pending() == 3 }, 5*time.Second, 5*time.Millisecond)

	status, err := r.Dispose(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Success)

	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrDisposed)
		case <-time.After(5 * time.Second):
			t.Fatal("pending request never completed")
		}
	}
	assert.Zero(t, r.Pending())

	_, err = r.Dispose(context.Background())
	assert.NoError(t, err, "dispose is idempotent")
}

// An unexpected exit fails pending requests and allows re-initialization
func TestWorkerCrash(t *testing.T) {
	r := readyRelay(t)

	waiting := make(chan error, 1)
	go func() {
		_, err := r.ProcessMessage(context.Background(), map[string]any{"requestId": "victim", "mode": "silent"})
		waiting <- err
	}()
	require.Eventually(t, func() bool { return r.Pending() == 1 }, 5*time.Second, 5*time.Millisecond)

	_, err := r.ProcessMessage(context.Background(), map[string]any{"requestId": "crash", "mode": "crash", "code": 7})
	requireCode(t, err, "WORKER_TERMINATED")

	select {
	case err := <-waiting:
		assert.ErrorIs(t, err, ErrWorkerTerminated)
		var exitErr *worker.ExitError
		require.ErrorAs(t, err, &exitErr)
		assert.Equal(t, 7, exitErr.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("pending request never completed")
	}
	assert.Equal(t, StateUninitialized, r.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Metrics().WorkerExits))

	_, err = r.Initialize(context.Background(), nil)
	require.NoError(t, err)
	result, err := r.ProcessMessage(context.Background(), map[string]any{"requestId": "again"})
	require.NoError(t, err)
	assert.Contains(t, string(result), `"ok":true`)
}

// streamMessage returns at once and progress arrives as events
func TestStreamMessageEvents(t *testing.T) {
	r := readyRelay(t)

	events := make(chan json.RawMessage, 16)
	cancel := r.Listen(func(payload json.RawMessage) { events <- payload })
	defer cancel()

	status, err := r.StreamMessage(context.Background(), map[string]any{"text": "one two three"})
	require.NoError(t, err)
	assert.Equal(t, "Stream started", status.Message)
	assert.True(t, strings.HasPrefix(status.RequestID, "stream_"), status.RequestID)

	var got []map[string]any
	for len(got) < 4 {
		select {
		case payload := <-events:
			var decoded map[string]any
			require.NoError(t, json.Unmarshal(payload, &decoded))
			got = append(got, decoded)
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d events arrived", len(got))
		}
	}
	assert.Equal(t, "one", got[0]["delta"])
	assert.Equal(t, "two", got[1]["delta"])
	assert.Equal(t, "three", got[2]["delta"])
	assert.Equal(t, true, got[3]["done"])
	assert.Equal(t, status.RequestID, got[3]["requestId"])

	status, err = r.StreamMessage(context.Background(), map[string]any{"requestId": "mine", "text": ""})
	require.NoError(t, err)
	assert.Equal(t, "mine", status.RequestID)
}

// An event with no subscriber is dropped without error
func TestEventWithoutSubscriber(t *testing.T) {
	r := readyRelay(t)
	dropped := r.Metrics().Events.WithLabelValues("dropped")

	_, err := r.StreamMessage(context.Background(), map[string]any{"text": "x"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return testutil.ToFloat64(dropped) >= 2 }, 5*time.Second, 5*time.Millisecond)
}

// injectContext is acknowledged without waiting for the worker
func TestInjectContext(t *testing.T) {
	r := readyRelay(t)
	events := make(chan json.RawMessage, 4)
	cancel := r.Listen(func(payload json.RawMessage) { events <- payload })
	defer cancel()

	status, err := r.InjectContext(context.Background(), map[string]any{"files": []string{"a.txt"}})
	require.NoError(t, err)
	assert.Equal(t, &Status{Success: true, Message: "Context injected"}, status)

	select {
	case payload := <-events:
		assert.JSONEq(t, `{"kind":"context","count":1}`, string(payload))
	case <-time.After(5 * time.Second):
		t.Fatal("worker never acknowledged the context")
	}
}

// testConnection round-trips and reports worker metadata
func TestTestConnection(t *testing.T) {
	r := readyRelay(t)
	info, err := r.TestConnection(context.Background())
	require.NoError(t, err)
	assert.True(t, info.Connected)
	assert.NotZero(t, info.Metadata["pid"])
	assert.Contains(t, info.Metadata, "process")
	assert.GreaterOrEqual(t, info.Latency, int64(0))
}

// getCapabilities returns the worker's own map
func TestGetCapabilitiesFromWorker(t *testing.T) {
	r := readyRelay(t)
	caps, err := r.GetCapabilities(context.Background())
	require.NoError(t, err)
	assert.Contains(t, caps, "echo")
}

// Invalid lines are dropped and counted while valid traffic keeps flowing
func TestProtocolErrorsDropped(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := readyRelay(t, WithRegisterer(reg))

	result, err := r.ProcessMessage(context.Background(), map[string]any{"requestId": "r1", "mode": "garbage"})
	require.NoError(t, err)
	assert.Contains(t, string(result), `"ok":true`)

	errs := r.Metrics().ProtocolErrors
	assert.Equal(t, 1.0, testutil.ToFloat64(errs.WithLabelValues("malformed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(errs.WithLabelValues("missing_request_id")))
	assert.Equal(t, 1.0, testutil.ToFloat64(errs.WithLabelValues("unknown_type")))

	count, err := testutil.GatherAndCount(reg, "mcpchannel_relay_protocol_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

// fakeWorker stands in for the supervisor so transport failures can be forced
type fakeWorker struct {
	mu      sync.Mutex
	hooks   Hooks
	sent    []*wire.Command
	sendErr error
	reply   func(cmd *wire.Command) []string
}

func (f *fakeWorker) factory(_ worker.Config, hooks Hooks, _ *zap.Logger) Worker {
	f.hooks = hooks
	return f
}

func (f *fakeWorker) Start() error { return nil }
func (f *fakeWorker) Stop() error  { return nil }
func (f *fakeWorker) PID() int     { return 4242 }

func (f *fakeWorker) Stats(context.Context) (*worker.ProcessStats, error) {
	return nil, errors.New("no process")
}

func (f *fakeWorker) Send(line []byte) error {
	cmd, err := wire.DecodeCommand(line)
	if err != nil {
		return err
	}

	f.mu.Lock()
	sendErr := f.sendErr
	reply := f.reply
	f.sent = append(f.sent, cmd)
	f.mu.Unlock()

	if sendErr != nil {
		return sendErr
	}
	if reply != nil {
		for _, out := range reply(cmd) {
			go f.hooks.Line([]byte(out))
		}
	}
	return nil
}

func (f *fakeWorker) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var methods []string
	for _, cmd := range f.sent {
		methods = append(methods, cmd.Method)
	}
	return methods
}

func fakeRelay(t *testing.T, fw *fakeWorker, mutate func(*Config)) *Relay {
	t.Helper()
	config := DefaultConfig()
	config.Worker = worker.Config{Path: "fake"}
	if mutate != nil {
		mutate(&config)
	}
	r := newRelay(t, config, WithWorkerFactory(fw.factory))
	_, err := r.Initialize(context.Background(), nil)
	require.NoError(t, err)
	return r
}

// ProcessMessage without requestId fails before anything is sent
func TestMissingRequestIDSendsNothing(t *testing.T) {
	fw := &fakeWorker{}
	r := fakeRelay(t, fw, nil)
	assert.Equal(t, []string{"initialize"}, fw.methods())

	_, err := r.ProcessMessage(context.Background(), map[string]any{"text": "hi"})
	rerr := requireCode(t, err, "MISSING_REQUEST_ID")
	assert.Equal(t, "Request ID is required", rerr.Message)

	_, err = r.ProcessMessage(context.Background(), map[string]any{"requestId": 12})
	requireCode(t, err, "MISSING_REQUEST_ID")

	assert.Equal(t, []string{"initialize"}, fw.methods())
	assert.Zero(t, r.Pending())
}

// A failed write completes the request and leaves nothing behind
func TestSendFailureRemovesPending(t *testing.T) {
	fw := &fakeWorker{}
	r := fakeRelay(t, fw, nil)

	fw.mu.Lock()
	fw.sendErr = &worker.SendError{Err: errors.New("broken pipe")}
	fw.mu.Unlock()

	_, err := r.ProcessMessage(context.Background(), map[string]any{"requestId": "r1"})
	requireCode(t, err, "SEND_FAILED")
	var serr *worker.SendError
	assert.ErrorAs(t, err, &serr)
	assert.Zero(t, r.Pending())

	_, err = r.StreamMessage(context.Background(), map[string]any{})
	requireCode(t, err, "SEND_FAILED")
	_, err = r.InjectContext(context.Background(), nil)
	requireCode(t, err, "SEND_FAILED")

	info, err := r.TestConnection(context.Background())
	require.NoError(t, err)
	assert.False(t, info.Connected)
	assert.Contains(t, info.Metadata, "error")
}

// A handshake send failure returns the relay to Uninitialized
func TestInitializeSendFailure(t *testing.T) {
	fw := &fakeWorker{sendErr: errors.New("broken pipe")}
	config := DefaultConfig()
	config.Worker = worker.Config{Path: "fake"}
	r := newRelay(t, config, WithWorkerFactory(fw.factory))

	_, err := r.Initialize(context.Background(), nil)
	requireCode(t, err, "INITIALIZATION_FAILED")
	assert.Equal(t, StateUninitialized, r.State())
}

// getCapabilities falls back to the defaults when the worker gives none
func TestCapabilitiesFallback(t *testing.T) {
	fw := &fakeWorker{}
	r := fakeRelay(t, fw, func(c *Config) { c.PingTimeout = 50 * time.Millisecond })

	caps, err := r.GetCapabilities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultCapabilities(), caps)
	assert.Zero(t, r.Pending())

	info, err := r.TestConnection(context.Background())
	require.NoError(t, err)
	assert.False(t, info.Connected)
	assert.Equal(t, 4242, info.Metadata["pid"])
}

// Late and duplicate responses have no effect
func TestDuplicateResponseIgnored(t *testing.T) {
	fw := &fakeWorker{reply: func(cmd *wire.Command) []string {
		if cmd.Method != "processMessage" {
			return nil
		}
		return []string{fmt.Sprintf(`{"type":"response","requestId":%q,"error":null,"result":1}`, cmd.RequestID)}
	}}
	r := fakeRelay(t, fw, nil)

	result, err := r.ProcessMessage(context.Background(), map[string]any{"requestId": "r1"})
	require.NoError(t, err)
	assert.Equal(t, "1", string(result))

	fw.hooks.Line([]byte(`{"type":"response","requestId":"r1","error":null,"result":2}`))
	fw.hooks.Line([]byte(`{"type":"response","requestId":"ghost","error":null,"result":3}`))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.Metrics().UnmatchedReplies))
	assert.Zero(t, r.Pending())
}

// Later subscribers replace earlier ones and a stale cancel leaves the new one attached
func TestListenSingleSlot(t *testing.T) {
	fw := &fakeWorker{}
	r := fakeRelay(t, fw, nil)

	var mu sync.Mutex
	var first, second []string
	cancelFirst := r.Listen(func(p json.RawMessage) { mu.Lock(); first = append(first, string(p)); mu.Unlock() })
	fw.hooks.Line([]byte(`{"type":"event","payload":1}`))

	cancelSecond := r.Listen(func(p json.RawMessage) { mu.Lock(); second = append(second, string(p)); mu.Unlock() })
	fw.hooks.Line([]byte(`{"type":"event","payload":2}`))

	cancelFirst()
	fw.hooks.Line([]byte(`{"type":"event","payload":3}`))

	cancelSecond()
	fw.hooks.Line([]byte(`{"type":"event","payload":4}`))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"1"}, first)
	assert.Equal(t, []string{"2", "3"}, second)
}

// Events are delivered in the order the worker wrote them
func TestEventOrder(t *testing.T) {
	fw := &fakeWorker{}
	r := fakeRelay(t, fw, nil)

	var got []string
	cancel := r.Listen(func(p json.RawMessage) { got = append(got, string(p)) })
	defer cancel()

	for i := 0; i < 50; i++ {
		fw.hooks.Line([]byte(fmt.Sprintf(`{"type":"event","payload":%d}`, i)))
	}
	require.Len(t, got, 50)
	for i, p := range got {
		assert.Equal(t, fmt.Sprint(i), p)
	}
}

// Dispose detaches the subscriber and later Listen calls are inert
func TestDisposeDetachesSubscriber(t *testing.T) {
	fw := &fakeWorker{}
	r := fakeRelay(t, fw, nil)

	delivered := 0
	r.Listen(func(json.RawMessage) { delivered++ })
	_, err := r.Dispose(context.Background())
	require.NoError(t, err)

	fw.hooks.Line([]byte(`{"type":"event","payload":1}`))
	r.Listen(func(json.RawMessage) { delivered++ })
	fw.hooks.Line([]byte(`{"type":"event","payload":2}`))
	assert.Zero(t, delivered)
}

// Every error type has its stable code
func TestErrorCodes(t *testing.T) {
	assert.Equal(t, "MCP_ERROR", ErrWorker.Code())
	err := fmt.Errorf("wrapped: %w", newError(ErrorTypeTimeout, "Request timed out", nil))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrDisposed)
	assert.Equal(t, "TIMEOUT: Request timed out", errors.Unwrap(err).Error())
}

// handshakeRaceWorker releases Start only once Dispose stops it, and holds that
// Stop until the handshake is written or a short grace period passes
type handshakeRaceWorker struct {
	fakeWorker
	stopping chan struct{}
	sentCh   chan struct{}
	stopOnce sync.Once
	sentOnce sync.Once
}

func (w *handshakeRaceWorker) factory(_ worker.Config, hooks Hooks, _ *zap.Logger) Worker {
	w.hooks = hooks
	return w
}

func (w *handshakeRaceWorker) Start() error {
	<-w.stopping
	return nil
}

func (w *handshakeRaceWorker) Stop() error {
	first := false
	w.stopOnce.Do(func() {
		close(w.stopping)
		first = true
	})
	if first {
		select {
		case <-w.sentCh:
		case <-time.After(200 * time.Millisecond):
		}
	}
	return nil
}

func (w *handshakeRaceWorker) Send(line []byte) error {
	err := w.fakeWorker.Send(line)
	w.sentOnce.Do(func() { close(w.sentCh) })
	return err
}

// Dispose racing an awaited handshake completes and leaves nothing pending
func TestDisposeDuringAwaitedHandshake(t *testing.T) {
	w := &handshakeRaceWorker{stopping: make(chan struct{}), sentCh: make(chan struct{})}
	config := DefaultConfig()
	config.Worker = worker.Config{Path: "fake"}
	config.AwaitHandshake = true
	config.RequestTimeout = 0
	r := newRelay(t, config, WithWorkerFactory(w.factory))

	initErr := make(chan error, 1)
	go func() {
		_, err := r.Initialize(context.Background(), nil)
		initErr <- err
	}()
	require.Eventually(t, func() bool { return r.State() == StateStarting }, 5*time.Second, 5*time.Millisecond)

	disposed := make(chan struct{})
	go func() {
		r.Dispose(context.Background())
		close(disposed)
	}()

	select {
	case <-disposed:
	case <-time.After(5 * time.Second):
		t.Fatalf("Dispose still blocked: state=%s pending=%d", r.State(), r.Pending())
	}

	select {
	case err := <-initErr:
		requireCode(t, err, "DISPOSED")
	case <-time.After(5 * time.Second):
		t.Fatal("Initialize never returned")
	}
	assert.Zero(t, r.Pending())
	assert.Equal(t, StateDisposed, r.State())
	assert.NotContains(t, w.methods(), "initialize")
}
