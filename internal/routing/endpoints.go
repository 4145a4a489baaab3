package routing

import (
	"github.com/someipd/someipd/internal/registry"
	"github.com/someipd/someipd/internal/transport"
)

// SharedEndpoints is the daemon's Endpoints implementation: one TCP server
// endpoint carries every reliable instance, one UDP server endpoint carries
// every unreliable instance. spec.md's endpoint layer allows a distinct
// socket pair per offered instance; this build shares a single pair across
// all instances, since every offered service binds the same two listen
// addresses in practice and per-instance sockets would only multiply file
// descriptors without changing arbitration behavior.
type SharedEndpoints struct {
	reliable   *transport.TCPServerEndpoint
	unreliable *transport.UDPServerEndpoint
}

// NewSharedEndpoints wraps the daemon's one TCP and one UDP server endpoint.
// Either may be nil if that transport was not configured; Reliable/Unreliable
// report a miss rather than panicking in that case.
func NewSharedEndpoints(reliable *transport.TCPServerEndpoint, unreliable *transport.UDPServerEndpoint) *SharedEndpoints {
	return &SharedEndpoints{reliable: reliable, unreliable: unreliable}
}

// Reliable returns the shared TCP endpoint for every key.
func (e *SharedEndpoints) Reliable(key registry.InstanceKey) (transport.Endpoint, bool) {
	if e.reliable == nil {
		return nil, false
	}
	return e.reliable, true
}

// Unreliable returns the shared UDP endpoint for every key.
func (e *SharedEndpoints) Unreliable(key registry.InstanceKey) (transport.Endpoint, bool) {
	if e.unreliable == nil {
		return nil, false
	}
	return e.unreliable, true
}
