package channel

import (
	"sync"

	"github.com/machinefabric/mcpchannel-go/relay"
)

// EventStreamHandler connects one event stream listener to the relay
type EventStreamHandler struct {
	relay Relay

	mu     sync.Mutex
	cancel func()
}

// OnListen attaches sink, replacing the previous listener
func (h *EventStreamHandler) OnListen(sink relay.EventSink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
	}
	h.cancel = h.relay.Listen(sink)
}

// OnCancel detaches the current listener
func (h *EventStreamHandler) OnCancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}
