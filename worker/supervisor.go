// Package worker supervises the external worker process and its three pipes.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/machinefabric/mcpchannel-go/wire"
)

// Config describes how to launch the worker
type Config struct {
	Path   string
	Args   []string
	Dir    string
	Env    []string
	Limits wire.Limits
}

// Option configures a Supervisor
type Option func(*Supervisor)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithLineHandler sets the callback for each complete stdout line.
// It runs on the stdout reader goroutine, one line at a time, in stream order.
func WithLineHandler(fn func(line []byte)) Option {
	return func(s *Supervisor) {
		s.onLine = fn
	}
}

// WithDiagnosticHandler sets the sink for raw stderr chunks
func WithDiagnosticHandler(fn func(chunk []byte)) Option {
	return func(s *Supervisor) {
		s.onDiagnostic = fn
	}
}

// WithExitHandler sets the callback for an exit that Stop did not request.
// It runs before Start may launch a replacement and must not call Start.
func WithExitHandler(fn func(err error)) Option {
	return func(s *Supervisor) {
		s.onExit = fn
	}
}

// WithProtocolErrorHandler sets the callback for framing errors on stdout
func WithProtocolErrorHandler(fn func(err error)) Option {
	return func(s *Supervisor) {
		s.onProtocolError = fn
	}
}

// Supervisor owns at most one live worker process
type Supervisor struct {
	config Config
	logger *zap.Logger

	onLine          func([]byte)
	onDiagnostic    func([]byte)
	onExit          func(error)
	onProtocolError func(error)

	mu   sync.Mutex
	proc *process
	// last is the most recent process that is no longer current; Start waits for its teardown
	last *process
}

// process is the state of one launch
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	writer *wire.LineWriter

	running  atomic.Bool
	stopping bool // guarded by Supervisor.mu
	done     chan struct{}
}

// New creates a supervisor. Nothing is launched until Start.
func New(config Config, opts ...Option) *Supervisor {
	s := &Supervisor{config: config}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.onLine == nil {
		s.onLine = func([]byte) {}
	}
	if s.onDiagnostic == nil {
		s.onDiagnostic = func(chunk []byte) {
			s.logger.Warn("worker stderr", zap.ByteString("output", bytes.TrimRight(chunk, "\r\n")))
		}
	}
	if s.onExit == nil {
		s.onExit = func(error) {}
	}
	if s.onProtocolError == nil {
		s.onProtocolError = func(err error) {
			s.logger.Warn("dropping worker output", zap.Error(err))
		}
	}
	return s
}

// Start launches the worker. It is a no-op when a worker is already running.
// If the previous worker exited unexpectedly, Start first waits until its exit
// handler has returned.
func (s *Supervisor) Start() error {
	for {
		s.mu.Lock()
		if p := s.proc; p != nil {
			s.mu.Unlock()
			if p.running.Load() {
				return nil
			}
			// Exited but not yet reaped by its monitor
			<-p.done
			continue
		}
		if last := s.last; last != nil {
			s.mu.Unlock()
			<-last.done
			s.mu.Lock()
			if s.last == last {
				s.last = nil
			}
			s.mu.Unlock()
			continue
		}
		err := s.launchLocked()
		s.mu.Unlock()
		return err
	}
}

// launchLocked creates the pipes, starts the process and its readers (caller must hold mu)
func (s *Supervisor) launchLocked() error {
	if s.config.Path == "" {
		return fmt.Errorf("worker has no path")
	}

	cmd := exec.Command(s.config.Path, s.config.Args...)
	cmd.Dir = s.config.Dir
	if len(s.config.Env) > 0 {
		cmd.Env = append(os.Environ(), s.config.Env...)
	}

	// Parent ends created so far are closed if a later step fails
	var opened []io.Closer
	cleanup := func() {
		for _, c := range opened {
			c.Close()
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	opened = append(opened, stdin)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cleanup()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	opened = append(opened, stdout)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cleanup()
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	opened = append(opened, stderr)

	if err := cmd.Start(); err != nil {
		cleanup()
		return fmt.Errorf("failed to start worker %s: %w", s.config.Path, err)
	}

	limits := s.config.Limits.Normalize()
	p := &process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		writer: wire.NewLineWriterWithLimits(stdin, limits),
		done:   make(chan struct{}),
	}
	p.running.Store(true)
	s.proc = p

	s.logger.Info("worker started", zap.String("path", s.config.Path), zap.Int("pid", cmd.Process.Pid))

	var readers errgroup.Group
	readers.Go(func() error { return s.readOutput(p, limits) })
	readers.Go(func() error { return s.readDiagnostics(p, limits.ReadBuffer) })
	go s.monitor(p, &readers)

	return nil
}

// readOutput delivers complete stdout lines until the stream ends
func (s *Supervisor) readOutput(p *process, limits wire.Limits) error {
	reader := wire.NewLineReaderWithLimits(p.stdout, limits)
	for {
		line, err := reader.ReadLine()
		if err != nil {
			var perr *wire.ProtocolError
			if errors.As(err, &perr) {
				s.onProtocolError(perr)
				continue
			}
			if !p.running.Load() || errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("stdout: %w", err)
		}
		if !p.running.Load() {
			return nil
		}
		s.onLine(line)
	}
}

// readDiagnostics drains stderr so the worker never blocks on it
func (s *Supervisor) readDiagnostics(p *process, size int) error {
	buf := make([]byte, size)
	for {
		n, err := p.stderr.Read(buf)
		if n > 0 {
			s.onDiagnostic(bytes.Clone(buf[:n]))
		}
		if err != nil {
			if !p.running.Load() || errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("stderr: %w", err)
		}
	}
}

// monitor joins the readers, reaps the process and reports an unrequested exit
func (s *Supervisor) monitor(p *process, readers *errgroup.Group) {
	readErr := readers.Wait()
	waitErr := p.cmd.Wait()
	p.running.Store(false)

	s.mu.Lock()
	unexpected := !p.stopping
	if s.proc == p {
		s.proc = nil
		s.last = p
	}
	s.mu.Unlock()

	pid := p.cmd.Process.Pid
	code := p.cmd.ProcessState.ExitCode()
	if readErr != nil {
		s.logger.Warn("worker pipe read failed", zap.Int("pid", pid), zap.Error(readErr))
	}

	if unexpected {
		exitErr := &ExitError{PID: pid, Code: code, Err: waitErr}
		s.logger.Error("worker exited unexpectedly", zap.Int("pid", pid), zap.Int("code", code), zap.Error(waitErr))
		s.onExit(exitErr)
	} else {
		s.logger.Info("worker stopped", zap.Int("pid", pid))
	}
	close(p.done)
}

// Stop terminates the worker and waits for its readers and reaping.
// It is idempotent and safe for concurrent use.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	p := s.proc
	if p == nil {
		last := s.last
		// A concurrent Stop owns the teardown, so wait with it. An unrequested
		// exit is not waited on: Stop may be running inside its exit handler.
		waitLast := last != nil && last.stopping
		s.mu.Unlock()
		if waitLast {
			<-last.done
		}
		return nil
	}
	p.stopping = true
	s.proc = nil
	s.last = p
	s.mu.Unlock()

	p.running.Store(false)
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("failed to kill worker", zap.Int("pid", p.cmd.Process.Pid), zap.Error(err))
	}
	p.stdin.Close()
	p.stdout.Close()
	p.stderr.Close()

	<-p.done
	return nil
}

// Send writes one line to the worker's stdin, appending the terminator.
// Failures are returned to the caller; nothing is retried or queued.
func (s *Supervisor) Send(line []byte) error {
	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	if p == nil || !p.running.Load() {
		return ErrNotRunning
	}
	if err := p.writer.WriteLine(line); err != nil {
		return &SendError{Err: err}
	}
	return nil
}

// Running reports whether a worker process is live
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil && s.proc.running.Load()
}

// PID returns the live worker's process id, or 0
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.cmd.Process.Pid
}

// Wait blocks until the current worker has been torn down or ctx ends
func (s *Supervisor) Wait(ctx context.Context) error {
	s.mu.Lock()
	p := s.proc
	if p == nil {
		p = s.last
	}
	s.mu.Unlock()
	if p == nil {
		return nil
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
