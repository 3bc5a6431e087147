package correlate

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDGenerator produces request ids that are unique for the lifetime of the generator.
// Ids look like "<prefix>_<session>-<counter>".
type IDGenerator struct {
	session string
	counter atomic.Uint64
}

// NewIDGenerator creates a generator with a fresh random session token
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{session: strings.ReplaceAll(uuid.NewString(), "-", "")[:12]}
}

// Session returns the generator's session token
func (g *IDGenerator) Session() string {
	return g.session
}

// Next returns a new id with the given prefix
func (g *IDGenerator) Next(prefix string) string {
	n := g.counter.Add(1)
	return fmt.Sprintf("%s_%s-%d", prefix, g.session, n)
}
