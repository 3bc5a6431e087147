// Package echoworker is a reference worker that speaks the relay's line protocol.
// It backs cmd/echoworker and the helper processes used in tests.
package echoworker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/machinefabric/mcpchannel-go/wire"
)

// CrashError asks the hosting process to exit immediately with Code
type CrashError struct {
	Code int
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("crash requested with code %d", e.Code)
}

// Capabilities is what getCapabilities reports
var Capabilities = map[string]any{
	"echo": map[string]any{
		"tools":            []string{"echo", "stream"},
		"resources":        []string{},
		"supportsProgress": true,
		"supportsCancel":   false,
	},
}

// HelperEnv set to "1" makes ServeIfHelper take over a test binary
const HelperEnv = "MCPCHANNEL_ECHOWORKER"

// Main serves stdio and returns the process exit code
func Main() int {
	err := Run(os.Stdin, os.Stdout, os.Stderr)
	var crash *CrashError
	if errors.As(err, &crash) {
		return crash.Code
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "echoworker: %v\n", err)
		return 1
	}
	return 0
}

// ServeIfHelper runs the worker and exits when HelperEnv is set.
// Tests call it from TestMain so the test binary can stand in for a worker.
func ServeIfHelper() {
	if os.Getenv(HelperEnv) != "1" {
		return
	}
	os.Exit(Main())
}

// HelperCommand returns the path and environment that relaunch the running
// test binary as a worker
func HelperCommand() (string, []string, error) {
	path, err := os.Executable()
	if err != nil {
		return "", nil, err
	}
	return path, []string{HelperEnv + "=1"}, nil
}

// params understood by processMessage and streamMessage
type params struct {
	RequestID string          `json:"requestId"`
	Text      string          `json:"text"`
	Mode      string          `json:"mode"`
	DelayMS   int             `json:"delay_ms"`
	Code      int             `json:"code"`
	Fail      bool            `json:"fail"`
	Pad       int             `json:"pad"`
	Extra     json.RawMessage `json:"-"`
}

type server struct {
	out      *wire.LineWriter
	diag     io.Writer
	inflight sync.WaitGroup

	mu      sync.Mutex
	context []json.RawMessage
}

// Run serves commands read from in until in ends. Messages go to out and
// diagnostics to diag. A *CrashError return means the host should exit now.
func Run(in io.Reader, out, diag io.Writer) error {
	s := &server{out: wire.NewLineWriter(out), diag: diag}
	defer s.inflight.Wait()

	reader := wire.NewLineReader(in)
	for {
		line, err := reader.ReadLine()
		if err != nil {
			var perr *wire.ProtocolError
			if errors.As(err, &perr) {
				fmt.Fprintf(diag, "echoworker: %v\n", perr)
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		cmd, err := wire.DecodeCommand(line)
		if err != nil {
			fmt.Fprintf(diag, "echoworker: %v\n", err)
			continue
		}
		if err := s.handle(cmd); err != nil {
			return err
		}
	}
}

func (s *server) handle(cmd *wire.Command) error {
	var p params
	if raw, ok := cmd.Params.(json.RawMessage); ok && len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return s.respond(cmd.RequestID, nil, map[string]string{"code": "INVALID_PARAMS", "message": err.Error()})
		}
		p.Extra = raw
	}

	switch cmd.Method {
	case "initialize":
		if p.Fail {
			return s.respond(cmd.RequestID, nil, map[string]string{"code": "INIT_REJECTED", "message": "initialization rejected"})
		}
		return s.respond(cmd.RequestID, map[string]any{"initialized": true}, nil)

	case "processMessage":
		return s.process(cmd.RequestID, p)

	case "streamMessage":
		return s.stream(cmd.RequestID, p)

	case "testConnection":
		return s.respond(cmd.RequestID, map[string]any{"pong": true}, nil)

	case "getCapabilities":
		return s.respond(cmd.RequestID, Capabilities, nil)

	case "injectContext":
		s.mu.Lock()
		s.context = append(s.context, p.Extra)
		n := len(s.context)
		s.mu.Unlock()
		return s.event(map[string]any{"kind": "context", "count": n})

	default:
		return s.respond(cmd.RequestID, nil, map[string]string{"code": "UNKNOWN_METHOD", "message": cmd.Method})
	}
}

func (s *server) process(id string, p params) error {
	switch p.Mode {
	case "error":
		return s.respond(id, nil, map[string]string{"code": "X", "message": "requested failure"})
	case "silent":
		return nil
	case "crash":
		return &CrashError{Code: p.Code}
	case "stderr":
		fmt.Fprintln(s.diag, p.Text)
	case "garbage":
		if err := s.out.WriteLine([]byte("this is not json")); err != nil {
			return err
		}
		if err := s.out.WriteLine([]byte(`{"type":"response","result":"orphan"}`)); err != nil {
			return err
		}
		if err := s.out.WriteLine([]byte(`{"type":"progress","requestId":"` + id + `"}`)); err != nil {
			return err
		}
	}

	result := map[string]any{"ok": true, "echo": p.Text}
	if p.Pad > 0 {
		result["pad"] = strings.Repeat("x", p.Pad)
	}
	if p.DelayMS > 0 {
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			time.Sleep(time.Duration(p.DelayMS) * time.Millisecond)
			_ = s.respond(id, result, nil)
		}()
		return nil
	}
	return s.respond(id, result, nil)
}

// stream emits one event per word followed by a done event. No response is sent.
func (s *server) stream(id string, p params) error {
	for i, word := range strings.Fields(p.Text) {
		if err := s.event(map[string]any{"requestId": id, "index": i, "delta": word}); err != nil {
			return err
		}
	}
	return s.event(map[string]any{"requestId": id, "done": true})
}

func (s *server) respond(id string, result any, errValue any) error {
	msg, err := wire.NewResponse(id, result, errValue)
	if err != nil {
		return err
	}
	return s.out.WriteMessage(msg)
}

func (s *server) event(payload any) error {
	msg, err := wire.NewEvent(payload)
	if err != nil {
		return err
	}
	return s.out.WriteMessage(msg)
}
