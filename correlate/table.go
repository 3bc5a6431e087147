// Package correlate matches worker replies to the requests that are waiting for them.
package correlate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrDuplicateID is returned by Register when the id is already outstanding
	ErrDuplicateID = errors.New("request id already outstanding")
	// ErrEmptyID is returned by Register for an empty id
	ErrEmptyID = errors.New("request id is empty")
	// ErrTimeout matches every *TimeoutError
	ErrTimeout = errors.New("request timed out")
)

// TimeoutError completes a request whose deadline expired before a reply arrived
type TimeoutError struct {
	RequestID string
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out after %s", e.RequestID, e.After)
}

// Is reports whether target is ErrTimeout
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// Outcome is the completion value of one request. Err is nil on success.
type Outcome struct {
	Result json.RawMessage
	Err    error
}

// Pending is the completion handle of one registered request
type Pending struct {
	id    string
	table *Table
	done  chan Outcome
	timer *time.Timer
}

// ID returns the request id
func (p *Pending) ID() string {
	return p.id
}

// Done returns a channel that receives the outcome exactly once
func (p *Pending) Done() <-chan Outcome {
	return p.done
}

// Wait blocks until the request completes or ctx ends.
// When ctx ends first the entry is removed and completed with the context error.
// The outcome is delivered once, so Wait and Done must not both be consumed.
func (p *Pending) Wait(ctx context.Context) Outcome {
	select {
	case out := <-p.done:
		return out
	case <-ctx.Done():
		// Cancel loses if another path completed the entry first; either way done is filled.
		p.table.Cancel(p.id, ctx.Err())
		return <-p.done
	}
}

// Table maps outstanding request ids to their completion handles.
// The lock only guards the map; completion happens after it is released.
type Table struct {
	mu      sync.Mutex
	pending map[string]*Pending
}

// NewTable creates an empty table
func NewTable() *Table {
	return &Table{pending: make(map[string]*Pending)}
}

// Register adds an outstanding request. A timeout <= 0 means no deadline.
func (t *Table) Register(id string, timeout time.Duration) (*Pending, error) {
	if id == "" {
		return nil, ErrEmptyID
	}

	p := &Pending{
		id:    id,
		table: t,
		done:  make(chan Outcome, 1),
	}

	t.mu.Lock()
	if _, exists := t.pending[id]; exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	t.pending[id] = p
	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() {
			t.complete(p, Outcome{Err: &TimeoutError{RequestID: id, After: timeout}})
		})
	}
	t.mu.Unlock()

	return p, nil
}

// Resolve removes id and completes it with out.
// Unknown or already completed ids are ignored and false is returned.
func (t *Table) Resolve(id string, out Outcome) bool {
	t.mu.Lock()
	p, ok := t.pending[id]
	t.mu.Unlock()
	if !ok {
		return false
	}
	return t.complete(p, out)
}

// Cancel removes id and completes it with err
func (t *Table) Cancel(id string, err error) bool {
	return t.Resolve(id, Outcome{Err: err})
}

// FailAll removes every outstanding request and completes each with err.
// It returns the number of requests failed.
func (t *Table) FailAll(err error) int {
	t.mu.Lock()
	drained := make([]*Pending, 0, len(t.pending))
	for id, p := range t.pending {
		drained = append(drained, p)
		delete(t.pending, id)
	}
	t.mu.Unlock()

	for _, p := range drained {
		p.finish(Outcome{Err: err})
	}
	return len(drained)
}

// Len returns the number of outstanding requests
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// IDs returns the outstanding request ids in sorted order
func (t *Table) IDs() []string {
	t.mu.Lock()
	ids := make([]string, 0, len(t.pending))
	for id := range t.pending {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// complete removes p if it is still the registered entry for its id and finishes it.
// Only the caller that deletes the entry finishes it.
func (t *Table) complete(p *Pending, out Outcome) bool {
	t.mu.Lock()
	current, ok := t.pending[p.id]
	if !ok || current != p {
		t.mu.Unlock()
		return false
	}
	delete(t.pending, p.id)
	t.mu.Unlock()

	p.finish(out)
	return true
}

func (p *Pending) finish(out Outcome) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- out
}
