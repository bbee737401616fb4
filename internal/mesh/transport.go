package mesh

import "context"

// Transport moves encoded envelopes between nodes. Implementations deliver
// best-effort; the gossip layer supplies redundancy.
type Transport interface {
	// Listen serves inbound frames until ctx is cancelled, invoking recv for
	// each one.
	Listen(ctx context.Context, addr string, recv func([]byte)) error
	// Send delivers one frame to addr. It must not block on slow peers.
	Send(addr string, frame []byte) error
}
