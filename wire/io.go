package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrEmbeddedNewline is returned when an outgoing line would break framing
var ErrEmbeddedNewline = errors.New("line contains a newline")

// LineReader splits a byte stream into newline-terminated lines.
// Empty lines are skipped and a trailing partial line is dropped at end of stream.
type LineReader struct {
	reader     io.Reader
	limits     Limits
	buf        []byte
	acc        []byte
	start      int
	discarding bool
	err        error
}

// NewLineReader creates a new LineReader with default limits
func NewLineReader(r io.Reader) *LineReader {
	return NewLineReaderWithLimits(r, DefaultLimits())
}

// NewLineReaderWithLimits creates a LineReader with the given limits
func NewLineReaderWithLimits(r io.Reader, limits Limits) *LineReader {
	limits = limits.Normalize()
	return &LineReader{
		reader: r,
		limits: limits,
		buf:    make([]byte, limits.ReadBuffer),
	}
}

// Limits returns the reader's limits
func (lr *LineReader) Limits() Limits {
	return lr.limits
}

// ReadLine returns the next non-empty line without its terminator.
//
// A line longer than MaxLine is skipped up to its terminator and reported once
// as a *ProtocolError; callers may keep reading after it. Any other error is
// the underlying read error (io.EOF at end of stream) and is sticky.
func (lr *LineReader) ReadLine() ([]byte, error) {
	for {
		pending := lr.acc[lr.start:]
		if i := bytes.IndexByte(pending, '\n'); i >= 0 {
			lr.start += i + 1
			if lr.discarding {
				lr.discarding = false
				continue
			}
			if i == 0 {
				continue
			}
			if i > lr.limits.MaxLine {
				return nil, &ProtocolError{
					Type:    ProtocolErrorTypeLineTooLong,
					Message: fmt.Sprintf("dropped %d bytes exceeding max_line %d", i, lr.limits.MaxLine),
				}
			}
			return bytes.Clone(pending[:i]), nil
		}

		if len(pending) > lr.limits.MaxLine {
			dropped := len(pending)
			lr.acc = lr.acc[:0]
			lr.start = 0
			if !lr.discarding {
				lr.discarding = true
				return nil, &ProtocolError{
					Type:    ProtocolErrorTypeLineTooLong,
					Message: fmt.Sprintf("dropped %d bytes exceeding max_line %d", dropped, lr.limits.MaxLine),
				}
			}
		}

		if lr.err != nil {
			lr.acc = nil
			lr.start = 0
			return nil, lr.err
		}

		lr.compact()
		n, err := lr.reader.Read(lr.buf)
		if n > 0 {
			lr.acc = append(lr.acc, lr.buf[:n]...)
		}
		if err != nil {
			lr.err = err
		}
	}
}

// compact moves unconsumed bytes to the front of the accumulation buffer
func (lr *LineReader) compact() {
	if lr.start == 0 {
		return
	}
	n := copy(lr.acc, lr.acc[lr.start:])
	lr.acc = lr.acc[:n]
	lr.start = 0
}

// LineWriter writes newline-terminated lines. Safe for concurrent use.
type LineWriter struct {
	mu     sync.Mutex
	writer io.Writer
	limits Limits
}

// NewLineWriter creates a new LineWriter with default limits
func NewLineWriter(w io.Writer) *LineWriter {
	return NewLineWriterWithLimits(w, DefaultLimits())
}

// NewLineWriterWithLimits creates a LineWriter with the given limits
func NewLineWriterWithLimits(w io.Writer, limits Limits) *LineWriter {
	return &LineWriter{
		writer: w,
		limits: limits.Normalize(),
	}
}

// WriteLine appends the terminator and writes the line with a single Write call
func (lw *LineWriter) WriteLine(line []byte) error {
	if bytes.IndexByte(line, '\n') >= 0 {
		return ErrEmbeddedNewline
	}
	if len(line) > lw.limits.MaxLine {
		return fmt.Errorf("line size %d exceeds max_line limit %d", len(line), lw.limits.MaxLine)
	}

	framed := make([]byte, len(line)+1)
	copy(framed, line)
	framed[len(line)] = '\n'

	lw.mu.Lock()
	defer lw.mu.Unlock()
	_, err := lw.writer.Write(framed)
	return err
}

// WriteCommand encodes and writes one command
func (lw *LineWriter) WriteCommand(cmd *Command) error {
	line, err := EncodeCommand(cmd)
	if err != nil {
		return err
	}
	return lw.WriteLine(line)
}

// WriteMessage encodes and writes one worker message
func (lw *LineWriter) WriteMessage(msg *Message) error {
	line, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	return lw.WriteLine(line)
}
