package discovery

import (
	"context"

	"github.com/someipd/someipd/internal/registry"
	"github.com/someipd/someipd/internal/wire"
)

// Suspend stops every locally offered instance's cyclic/repetition sending
// without tearing down its registry entry, and sends a StopOffer for each so
// remote peers stop treating them as available (spec §4.6 SUSPENDED state:
// "stop emitting offers... keep IPC connections open").
func (e *Engine) Suspend() {
	e.mu.Lock()
	machines := make([]*offerMachine, 0, len(e.offers))
	for _, m := range e.offers {
		machines = append(machines, m)
	}
	e.mu.Unlock()

	for _, m := range machines {
		m.cancel()
		<-m.done
		entry, options := e.offerEntry(m, 0)
		if err := e.sendMulticastSD([]wire.SDEntry{entry}, options); err != nil {
			e.log.Debug().Err(err).Msg("failed to send StopOffer on suspend")
		}
	}
}

type offerRestart struct {
	key     registry.InstanceKey
	major   uint8
	minor   uint32
	ttl     uint32
	options []wire.SDOption
}

// Resume restarts the Initial-wait/Repetition/Main cycle for every instance
// still recorded in the offer table, as though each had just been offered
// again (spec §4.6 RESUMED state: "re-enter the repetition phase for every
// locally offered service").
func (e *Engine) Resume(ctx context.Context) {
	e.mu.Lock()
	restarts := make([]offerRestart, 0, len(e.offers))
	for key, m := range e.offers {
		restarts = append(restarts, offerRestart{key: key, major: m.major, minor: m.minor, ttl: m.ttl, options: m.options})
	}
	e.mu.Unlock()

	for _, r := range restarts {
		e.StartOffering(ctx, r.key, r.major, r.minor, r.ttl, OfferOptions{Options: r.options})
	}
}

// Shutdown sends a final StopOffer for every locally offered instance and
// stops all offer machines, with no further SD traffic expected afterward
// (spec §4.6 SHUTDOWN state).
func (e *Engine) Shutdown() {
	e.mu.Lock()
	keys := make([]registry.InstanceKey, 0, len(e.offers))
	for key := range e.offers {
		keys = append(keys, key)
	}
	e.mu.Unlock()

	for _, key := range keys {
		e.StopOffering(key)
	}
}
