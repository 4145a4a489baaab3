package discovery

import (
	"net"

	"github.com/someipd/someipd/internal/registry"
	"github.com/someipd/someipd/internal/wire"
)

// handleOffer processes an inbound OfferService entry from a remote peer,
// recording or withdrawing it in the registry under that peer's stable
// handle (spec §4.5). A ttl of 0 is a StopOffer.
func (e *Engine) handleOffer(src *net.UDPAddr, entry wire.SDEntry, sd wire.SDMessage) {
	key := registry.InstanceKey{ServiceID: entry.ServiceID, InstanceID: entry.InstanceID}
	provider := e.peers.get(src.String())

	if entry.TTL == 0 {
		if err := e.reg.StopOffer(key, provider); err != nil {
			e.log.Debug().Err(err).Stringer("service", offerLogKey{key}).Msg("remote StopOffer for unknown/foreign instance")
		}
		return
	}

	reliable := false
	for _, opt := range e.entryOptions(sd, entry) {
		if opt.Type == wire.SDOptionIPv4Endpoint || opt.Type == wire.SDOptionIPv6Endpoint {
			if opt.Protocol == wire.SDProtocolTCP {
				reliable = true
			}
		}
	}

	result, existingProvider := e.reg.Offer(key, entry.MajorVersion, entry.MinorVersion, entry.TTL, reliable, provider)
	if result == registry.Conflict {
		e.log.Debug().Stringer("service", offerLogKey{key}).Uint32("existing_provider", uint32(existingProvider)).Msg("remote offer conflicts with a different existing provider")
	}
}

// handleSubscribeAck processes an inbound SubscribeEventgroupAck/Nack for a
// subscription this engine previously requested on behalf of a local
// client. ttl == 0 signals a Nack (spec §4.5).
func (e *Engine) handleSubscribeAck(src *net.UDPAddr, entry wire.SDEntry) {
	key := registry.InstanceKey{ServiceID: entry.ServiceID, InstanceID: entry.InstanceID}
	acked := entry.TTL != 0

	e.log.Debug().
		Stringer("service", offerLogKey{key}).
		Uint16("eventgroup", entry.EventgroupID).
		Str("peer", src.String()).
		Bool("acked", acked).
		Msg("subscription ack/nack received")

	if e.onSubscribeAck != nil {
		e.onSubscribeAck(key, entry.EventgroupID, src, acked)
	}
}

// entryOptions resolves the endpoint options referenced by entry's
// Options1/Options2 index/count pairs into sd.Options.
func (e *Engine) entryOptions(sd wire.SDMessage, entry wire.SDEntry) []wire.SDOption {
	var out []wire.SDOption
	if entry.Options1Count > 0 && entry.Options1Index+entry.Options1Count <= len(sd.Options) {
		out = append(out, sd.Options[entry.Options1Index:entry.Options1Index+entry.Options1Count]...)
	}
	if entry.Options2Count > 0 && entry.Options2Index+entry.Options2Count <= len(sd.Options) {
		out = append(out, sd.Options[entry.Options2Index:entry.Options2Index+entry.Options2Count]...)
	}
	return out
}
