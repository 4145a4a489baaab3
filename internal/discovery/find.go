package discovery

import (
	"net"

	"github.com/someipd/someipd/internal/registry"
	"github.com/someipd/someipd/internal/wire"
)

// handleFind answers an inbound FindService entry immediately if a matching
// instance is currently locally offered, replying by unicast to src (spec
// §4.5: "On any finding request, respond immediately").
func (e *Engine) handleFind(src *net.UDPAddr, entry wire.SDEntry) {
	key := registry.InstanceKey{ServiceID: entry.ServiceID, InstanceID: entry.InstanceID}

	e.mu.Lock()
	m, offered := e.offers[key]
	e.mu.Unlock()
	if !offered {
		return
	}
	if entry.MajorVersion != wire.AnyMajor && entry.MajorVersion != m.major {
		return
	}

	replyEntry, options := e.offerEntry(m, m.ttl)
	if err := e.sendUnicastSD(src, []wire.SDEntry{replyEntry}, options); err != nil {
		e.log.Debug().Err(err).Msg("failed to answer FindService")
	}
}

// RequestFind multicasts a single FindService entry for key, used when the
// routing manager learns of a local request for an instance that isn't
// currently available (spec §4.4/§4.5 find-on-request flow).
func (e *Engine) RequestFind(key registry.InstanceKey, major uint8, minor uint32) error {
	entry := wire.SDEntry{
		Type:         wire.SDEntryFindService,
		ServiceID:    key.ServiceID,
		InstanceID:   key.InstanceID,
		MajorVersion: major,
		MinorVersion: minor,
	}
	return e.sendMulticastSD([]wire.SDEntry{entry}, nil)
}
