package discovery

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/someipd/someipd/internal/registry"
	"github.com/someipd/someipd/internal/wire"
)

// sdServiceID, sdMethodID are the well-known SOME/IP service/method
// identifying an SD payload inside its envelope, per AUTOSAR convention
// (spec §4.5 leaves envelope framing to the discovery engine).
const (
	sdServiceID = 0xffff
	sdMethodID  = 0x8100
)

// Sender is the multicast/unicast transport the engine sends SD datagrams
// over. Satisfied by a transport.MulticastEndpoint in production
// (cmd/someipd); faked in tests.
type Sender interface {
	SendMulticast(payload []byte) error
	SendUnicast(dest *net.UDPAddr, payload []byte) error
}

// SubscriptionHandler decides whether to accept an inbound subscription. It
// may be asynchronous (spec §4.5: "user-supplied predicates may be
// asynchronous"); the engine queues the entry until it resolves.
type SubscriptionHandler func(ctx context.Context, key registry.InstanceKey, eventgroupID uint16, subscriber net.Addr) (ok bool, reason string)

// Engine is the Service Discovery state machine: it advertises locally
// offered instances, answers Find requests, and negotiates subscriptions,
// over one dedicated UDP multicast endpoint (spec §4.5).
type Engine struct {
	cfg    Config
	reg    *registry.Registry
	sender Sender
	log    zerolog.Logger

	ownSessionID uint32 // atomic, SD session counter for our own multicasts
	rebootFlag   atomic.Bool

	// diagnosisMode, when set, suppresses cyclic/repetition multicast offers
	// while leaving unicast Find responses enabled (spec §4.6 DIAGNOSIS
	// state: "stop multicast offers (ttl=0 effectively)... keep answering
	// unicast requests").
	diagnosisMode atomic.Bool

	peers *peerHandles

	mu            sync.Mutex
	remoteState   map[string]*remoteSessionState
	offers        map[registry.InstanceKey]*offerMachine
	subscriptions *subscriptionTracker

	subscriptionHandler SubscriptionHandler

	// onSubscribeAck, if set, is notified of every inbound
	// SubscribeEventgroupAck/Nack for a subscription this engine requested
	// (routing manager hook; left nil in engine-only tests).
	onSubscribeAck func(key registry.InstanceKey, eventgroupID uint16, peer net.Addr, acked bool)
}

// SetDiagnosis toggles diagnosis mode (spec §4.6 DIAGNOSIS state).
func (e *Engine) SetDiagnosis(on bool) { e.diagnosisMode.Store(on) }

// DiagnosisMode reports whether diagnosis mode is currently active.
func (e *Engine) DiagnosisMode() bool { return e.diagnosisMode.Load() }

// OnSubscribeAck registers the callback invoked for every inbound
// SubscribeEventgroupAck/Nack entry.
func (e *Engine) OnSubscribeAck(fn func(key registry.InstanceKey, eventgroupID uint16, peer net.Addr, acked bool)) {
	e.onSubscribeAck = fn
}

// NewEngine constructs a Service Discovery engine. subscriptionHandler may
// be nil, in which case every well-formed subscription is accepted
// (permit-all, matching the policy gate's own default, spec §4.6).
func NewEngine(cfg Config, reg *registry.Registry, sender Sender, subscriptionHandler SubscriptionHandler, log zerolog.Logger) *Engine {
	e := &Engine{
		cfg:                 cfg,
		reg:                 reg,
		sender:              sender,
		log:                 log.With().Str("component", "discovery").Logger(),
		peers:               newPeerHandles(),
		remoteState:         make(map[string]*remoteSessionState),
		offers:              make(map[registry.InstanceKey]*offerMachine),
		subscriptionHandler: subscriptionHandler,
	}
	e.subscriptions = newSubscriptionTracker(e)
	e.rebootFlag.Store(true) // spec §4.5: reboot flag starts set, per AUTOSAR convention, until the first full cycle
	return e
}

// nextSessionID returns the next session_id for an outbound SD multicast,
// wrapping from 0xFFFF back to 1 (0 is never used on the wire).
func (e *Engine) nextSessionID() uint16 {
	id := atomic.AddUint32(&e.ownSessionID, 1)
	if id > 0xffff {
		atomic.StoreUint32(&e.ownSessionID, 1)
		id = 1
	}
	return uint16(id)
}

func (e *Engine) sendMulticastSD(entries []wire.SDEntry, options []wire.SDOption) error {
	flags := uint8(0)
	if e.rebootFlag.Load() {
		flags = 0x80
	}
	sd := wire.SDMessage{Header: wire.SDHeader{Flags: flags}, Entries: entries, Options: options}
	sdBytes, err := wire.EncodeSD(sd)
	if err != nil {
		return err
	}

	codec := wire.NewCodec(uint32(len(sdBytes) + wire.HeaderSize))
	msg := wire.Message{
		Header: wire.Header{
			ServiceID:   sdServiceID,
			MethodID:    sdMethodID,
			ClientID:    0,
			SessionID:   e.nextSessionID(),
			MessageType: wire.MessageTypeNotification,
		},
		Payload: sdBytes,
	}
	frame, err := codec.Encode(msg)
	if err != nil {
		return err
	}

	// A full multicast marks the reboot flag clear from here on; AUTOSAR
	// only keeps it set until the process has sent its first cycle.
	e.rebootFlag.Store(false)

	return e.sender.SendMulticast(frame)
}

func (e *Engine) sendUnicastSD(dest *net.UDPAddr, entries []wire.SDEntry, options []wire.SDOption) error {
	sd := wire.SDMessage{Header: wire.SDHeader{}, Entries: entries, Options: options}
	sdBytes, err := wire.EncodeSD(sd)
	if err != nil {
		return err
	}
	codec := wire.NewCodec(uint32(len(sdBytes) + wire.HeaderSize))
	msg := wire.Message{
		Header: wire.Header{
			ServiceID:   sdServiceID,
			MethodID:    sdMethodID,
			SessionID:   e.nextSessionID(),
			MessageType: wire.MessageTypeNotification,
		},
		Payload: sdBytes,
	}
	frame, err := codec.Encode(msg)
	if err != nil {
		return err
	}
	return e.sender.SendUnicast(dest, frame)
}

// HandleDatagram decodes and dispatches one inbound SD datagram. src is the
// remote peer's socket address, used for reboot detection and option-implied
// reply addressing.
func (e *Engine) HandleDatagram(ctx context.Context, src *net.UDPAddr, payload []byte) {
	codec := wire.NewCodec(uint32(len(payload)))
	msg, result, _, _, err := codec.Decode(payload)
	if result != wire.DecodeOK {
		e.log.Debug().Err(err).Msg("discarding malformed SD envelope")
		return
	}
	if msg.Header.ServiceID != sdServiceID || msg.Header.MethodID != sdMethodID {
		return // not an SD payload
	}

	sd, err := wire.DecodeSD(msg.Payload)
	if err != nil {
		e.log.Debug().Err(err).Msg("discarding malformed SD payload")
		return
	}

	key := src.String()
	e.mu.Lock()
	state, ok := e.remoteState[key]
	if !ok {
		state = &remoteSessionState{}
		e.remoteState[key] = state
	}
	isReboot := state.observe(msg.Header.SessionID, sd.Header.SDRebootFlag())
	e.mu.Unlock()

	if isReboot {
		e.handleReboot(src)
	}

	e.dispatchEntries(ctx, src, sd)
}

func (e *Engine) handleReboot(src *net.UDPAddr) {
	handle := e.peers.get(src.String())
	e.log.Info().Str("peer", src.String()).Msg("remote SD peer reboot detected, purging its state")
	e.reg.PurgeProvider(handle)
}

func (e *Engine) dispatchEntries(ctx context.Context, src *net.UDPAddr, sd wire.SDMessage) {
	var subscribeBatch []wire.SDEntry
	for _, entry := range sd.Entries {
		switch entry.Type {
		case wire.SDEntryFindService:
			e.handleFind(src, entry)
		case wire.SDEntryOfferService:
			e.handleOffer(src, entry, sd)
		case wire.SDEntrySubscribeEventgroup:
			subscribeBatch = append(subscribeBatch, entry)
		case wire.SDEntrySubscribeEventgroupAck:
			e.handleSubscribeAck(src, entry)
		}
	}
	if len(subscribeBatch) > 0 {
		e.subscriptions.handleBatch(ctx, src, subscribeBatch, sd.Options)
	}
}
