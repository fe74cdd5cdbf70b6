package socket

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// trackingGenerator produces tracking ids unique within a connection
// lifetime. The id composes a monotonic sequence number with a random UUID
// so correlation survives even a colliding random source.
type trackingGenerator struct {
	seq atomic.Uint64
}

// Next returns a fresh tracking id for the given frame type.
func (g *trackingGenerator) Next(kind MessageType) string {
	return fmt.Sprintf("%s-%d-%s", kind, g.seq.Add(1), uuid.NewString())
}
