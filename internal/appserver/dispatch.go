package appserver

import (
	"context"
	"net"

	"github.com/someipd/someipd/internal/discovery"
	"github.com/someipd/someipd/internal/ipc"
	"github.com/someipd/someipd/internal/policy"
	"github.com/someipd/someipd/internal/registry"
	"github.com/someipd/someipd/internal/routing"
	"github.com/someipd/someipd/internal/wire"
)

// localCredential stands in for the attaching process's real UID/GID until
// peer-credential extraction lands on internal/transport's unix listener
// (see DESIGN.md); every policy check below runs under the zero Credential,
// which the Gate treats as permit-all unless CheckCredentials is enabled.
var localCredential policy.Credential

// onFrame dispatches one decoded local IPC command from an attached
// application (spec §4.3's command set). Mirrors application.onFrame's
// never-block discipline in spirit, but the routing manager side has no
// dispatch queue to hand off to: every handler below is expected to return
// quickly, since registry and discovery operations are lock-bounded rather
// than I/O-bound.
func (s *Server) onFrame(ctx context.Context, c *conn, f ipc.Frame) {
	switch f.Command {
	case ipc.RegisterApplication:
		s.handleRegister(ctx, c, f)
	case ipc.DeregisterApplication:
		s.handleDeregister(c)
	case ipc.Pong:
		// consumed by ipc.Session itself; never forwarded here.
	case ipc.ProvideService:
		s.handleProvideService(c, f)
	case ipc.WithdrawService:
		s.handleWithdrawService(c, f)
	case ipc.RequestService:
		s.handleRequestService(ctx, c, f)
	case ipc.ReleaseService:
		s.handleReleaseService(c, f)
	case ipc.ProvideEventgroup:
		s.handleProvideEventgroup(c, f)
	case ipc.WithdrawEventgroup:
		s.handleWithdrawEventgroup(c, f)
	case ipc.RegisterMethod, ipc.AddField:
		s.handleRegisterEvent(c, f)
	case ipc.DeregisterMethod, ipc.RemoveField:
		s.handleDeregisterEvent(c, f)
	case ipc.Subscribe:
		s.handleSubscribe(c, f)
	case ipc.Unsubscribe:
		s.handleUnsubscribe(c, f)
	case ipc.Send, ipc.Notify:
		s.handleOutbound(ctx, c, f, f.Payload)
	case ipc.NotifyOne:
		s.handleNotifyOne(ctx, c, f)
	case ipc.UpdateSecurityPolicy:
		s.handleUpdateSecurityPolicy(f)
	case ipc.RemoveSecurityPolicy:
		s.handleRemoveSecurityPolicy(f)
	case ipc.RequestEventgroup, ipc.ReleaseEventgroup,
		ipc.OfferedServicesRequest, ipc.OfferedServicesResponse:
		s.log.Debug().Stringer("command", f.Command).Msg("command accepted but not acted on in this build")
	default:
		s.log.Debug().Stringer("command", f.Command).Msg("unhandled IPC command")
	}
}

func (s *Server) handleRegister(ctx context.Context, c *conn, f ipc.Frame) {
	req, err := ipc.DecodeRegisterApplication(f.Payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("malformed REGISTER_APPLICATION")
		return
	}
	clientID, _ := s.registrar.Register(req.RequestedClientID, req.EndpointName, c.session)
	c.clientID = clientID

	info := ipc.ApplicationInfoPayload{AssignedClientID: clientID, Peers: s.registrar.Peers(clientID)}
	if _, err := c.session.Send(ctx, clientID, ipc.ApplicationInfo, ipc.EncodeApplicationInfo(info)); err != nil {
		s.log.Debug().Err(err).Msg("failed to send APPLICATION_INFO")
	}

	c.session.StartKeepalive(ctx, clientID, KeepaliveInterval, func() { s.handleDeregister(c) })
}

func (s *Server) handleDeregister(c *conn) {
	if c.clientID == 0 {
		return
	}
	s.registrar.Deregister(c.clientID)
	s.reg.PurgeProvider(registry.Handle(c.clientID))
	c.session.StopKeepalive()
	s.registrar.Broadcast(ipc.ApplicationLost, ipc.EncodeApplicationLost(ipc.ApplicationLostPayload{ClientID: c.clientID}), c.clientID)
}

func (s *Server) handleProvideService(c *conn, f ipc.Frame) {
	inst, err := ipc.DecodeInstance(f.Payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("malformed PROVIDE_SERVICE")
		return
	}
	key := registry.InstanceKey{ServiceID: inst.ServiceID, InstanceID: inst.InstanceID}
	if d := s.manager.CheckOfferPolicy(localCredential, key, wire.AnyMethod); !d.Allowed {
		s.log.Info().Stringer("instance", key).Str("reason", d.Reason).Msg("PROVIDE_SERVICE denied by policy")
		return
	}

	result, existing := s.reg.Offer(key, inst.Major, inst.Minor, inst.TTL, inst.Reliable, registry.Handle(c.clientID))
	if result == registry.Conflict {
		s.log.Info().Stringer("instance", key).Uint32("existing_provider", uint32(existing)).Msg("PROVIDE_SERVICE conflict, ignoring")
		return
	}
	s.sd.StartOffering(context.Background(), key, inst.Major, inst.Minor, inst.TTL, discovery.OfferOptions{})
}

func (s *Server) handleWithdrawService(c *conn, f ipc.Frame) {
	inst, err := ipc.DecodeInstance(f.Payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("malformed WITHDRAW_SERVICE")
		return
	}
	key := registry.InstanceKey{ServiceID: inst.ServiceID, InstanceID: inst.InstanceID}
	if err := s.reg.StopOffer(key, registry.Handle(c.clientID)); err != nil {
		s.log.Debug().Err(err).Msg("WITHDRAW_SERVICE no-op")
	}
	s.sd.StopOffering(key)
}

func (s *Server) handleRequestService(ctx context.Context, c *conn, f ipc.Frame) {
	inst, err := ipc.DecodeInstance(f.Payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("malformed REQUEST_SERVICE")
		return
	}
	key := registry.InstanceKey{ServiceID: inst.ServiceID, InstanceID: inst.InstanceID}
	if d := s.manager.CheckRequestPolicy(localCredential, key, wire.AnyMethod); !d.Allowed {
		s.log.Info().Stringer("instance", key).Str("reason", d.Reason).Msg("REQUEST_SERVICE denied by policy")
		return
	}

	s.reg.Request(key, inst.Major, inst.Minor, registry.Handle(c.clientID))

	ttl := uint32(0)
	if snap, ok := s.reg.Instance(key); ok && s.reg.AvailabilityOf(key, inst.Major, inst.Minor) != registry.Unavailable {
		ttl = snap.TTL.GetRemainingTTL()
	} else if err := s.sd.RequestFind(key, inst.Major, inst.Minor); err != nil {
		s.log.Debug().Err(err).Msg("failed to multicast FindService")
	}

	ack := ipc.InstancePayload{ServiceID: inst.ServiceID, InstanceID: inst.InstanceID, Major: inst.Major, Minor: inst.Minor, TTL: ttl}
	if _, err := c.session.Send(ctx, c.clientID, ipc.RequestServiceAck, ipc.EncodeInstance(ack)); err != nil {
		s.log.Debug().Err(err).Msg("failed to send REQUEST_SERVICE_ACK")
	}
}

func (s *Server) handleReleaseService(c *conn, f ipc.Frame) {
	inst, err := ipc.DecodeInstance(f.Payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("malformed RELEASE_SERVICE")
		return
	}
	key := registry.InstanceKey{ServiceID: inst.ServiceID, InstanceID: inst.InstanceID}
	s.reg.Release(key, registry.Handle(c.clientID))
}

func toPolicyRules(rules []ipc.PolicyRule) policy.RightSet {
	out := make(policy.RightSet, len(rules))
	for i, r := range rules {
		out[i] = policy.Rule{
			Services:  policy.Range{Min: r.ServiceMin, Max: r.ServiceMax},
			Instances: policy.Range{Min: r.InstanceMin, Max: r.InstanceMax},
			Methods:   policy.Range{Min: r.MethodMin, Max: r.MethodMax},
		}
	}
	return out
}

// handleUpdateSecurityPolicy installs or replaces the (uid, gid)
// credential's request/offer right sets, effective immediately for
// subsequent decisions (spec §4.6: policies may be hot-updated via local
// IPC).
func (s *Server) handleUpdateSecurityPolicy(f ipc.Frame) {
	p, err := ipc.DecodeSecurityPolicy(f.Payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("malformed UPDATE_SECURITY_POLICY")
		return
	}
	cred := policy.Credential{UID: p.UID, GID: p.GID}
	s.manager.UpdatePolicy(policy.Policy{
		Credential:    cred,
		RequestRights: toPolicyRules(p.RequestRights),
		OfferRights:   toPolicyRules(p.OfferRights),
	})
}

// handleRemoveSecurityPolicy drops a previously installed credential policy
// (spec §4.6: policies may be removed via local IPC).
func (s *Server) handleRemoveSecurityPolicy(f ipc.Frame) {
	p, err := ipc.DecodeRemoveSecurityPolicy(f.Payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("malformed REMOVE_SECURITY_POLICY")
		return
	}
	s.manager.RemovePolicy(policy.Credential{UID: p.UID, GID: p.GID})
}

func (s *Server) handleProvideEventgroup(c *conn, f ipc.Frame) {
	eg, err := ipc.DecodeEventgroup(f.Payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("malformed PROVIDE_EVENTGROUP")
		return
	}
	key := registry.InstanceKey{ServiceID: eg.ServiceID, InstanceID: eg.InstanceID}
	s.reg.ProvideEventgroup(key, registry.Eventgroup{EventgroupID: eg.EventgroupID, EventIDs: eg.EventIDs})
}

func (s *Server) handleWithdrawEventgroup(c *conn, f ipc.Frame) {
	eg, err := ipc.DecodeEventgroup(f.Payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("malformed WITHDRAW_EVENTGROUP")
		return
	}
	key := registry.InstanceKey{ServiceID: eg.ServiceID, InstanceID: eg.InstanceID}
	s.reg.WithdrawEventgroup(key, eg.EventgroupID)
}

func (s *Server) handleRegisterEvent(c *conn, f ipc.Frame) {
	m, err := ipc.DecodeMethod(f.Payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("malformed REGISTER_METHOD/ADD_FIELD")
		return
	}
	key := registry.InstanceKey{ServiceID: m.ServiceID, InstanceID: m.InstanceID}
	s.reg.RegisterEvent(key, registry.Event{EventID: m.ID, Reliable: m.Reliable})
}

func (s *Server) handleDeregisterEvent(c *conn, f ipc.Frame) {
	m, err := ipc.DecodeMethod(f.Payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("malformed DEREGISTER_METHOD/REMOVE_FIELD")
		return
	}
	key := registry.InstanceKey{ServiceID: m.ServiceID, InstanceID: m.InstanceID}
	s.reg.DeregisterEvent(key, m.ID)
}

// handleSubscribe services a local application's SUBSCRIBE. A locally
// offered instance is acknowledged immediately, since the registry state
// change is itself the authority; a remotely offered one requires an actual
// SD round trip, whose result arrives later through onRemoteSubscribeAck.
func (s *Server) handleSubscribe(c *conn, f ipc.Frame) {
	eg, err := ipc.DecodeEventgroup(f.Payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("malformed SUBSCRIBE")
		return
	}
	key := registry.InstanceKey{ServiceID: eg.ServiceID, InstanceID: eg.InstanceID}
	if d := s.manager.CheckRequestPolicy(localCredential, key, wire.AnyMethod); !d.Allowed {
		s.log.Info().Stringer("instance", key).Str("reason", d.Reason).Msg("SUBSCRIBE denied by policy")
		s.sendSubscribeResult(c, key, eg.EventgroupID, false)
		return
	}
	inst, ok := s.reg.Instance(key)
	if !ok {
		s.sendSubscribeResult(c, key, eg.EventgroupID, false)
		return
	}

	s.reg.Subscribe(key, eg.EventgroupID, registry.Handle(c.clientID), eg.Reliable, eg.TTL)

	if discovery.IsRemote(inst.Provider) {
		if err := s.sd.RequestSubscribe(key, eg.EventgroupID, eg.Major, inst.Provider, eg.Reliable, eg.TTL); err != nil {
			s.log.Debug().Err(err).Msg("failed to request remote subscription")
			s.sendSubscribeResult(c, key, eg.EventgroupID, false)
		}
		return
	}
	s.sendSubscribeResult(c, key, eg.EventgroupID, true)
}

func (s *Server) handleUnsubscribe(c *conn, f ipc.Frame) {
	eg, err := ipc.DecodeEventgroup(f.Payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("malformed UNSUBSCRIBE")
		return
	}
	key := registry.InstanceKey{ServiceID: eg.ServiceID, InstanceID: eg.InstanceID}
	s.reg.Unsubscribe(key, eg.EventgroupID, registry.Handle(c.clientID))
}

func (s *Server) sendSubscribeResult(c *conn, key registry.InstanceKey, eventgroupID uint16, ok bool) {
	cmd := ipc.SubscribeAck
	if !ok {
		cmd = ipc.SubscribeNack
	}
	payload := ipc.EncodeSubscribeAck(ipc.SubscribeAckPayload{ServiceID: key.ServiceID, InstanceID: key.InstanceID, EventgroupID: eventgroupID})
	if _, err := c.session.Send(context.Background(), c.clientID, cmd, payload); err != nil {
		s.log.Debug().Err(err).Msg("failed to send SUBSCRIBE_ACK/NACK")
	}
}

// onRemoteSubscribeAck forwards a remote peer's SubscribeEventgroupAck/Nack
// to every local application subscribed to (key, eventgroupID): the engine
// only knows which peer answered, not which local client_id is waiting, so
// this looks the subscriber set back up in the registry rather than
// threading a side table through RequestSubscribe.
func (s *Server) onRemoteSubscribeAck(key registry.InstanceKey, eventgroupID uint16, peer net.Addr, acked bool) {
	cmd := ipc.SubscribeAck
	if !acked {
		cmd = ipc.SubscribeNack
	}
	payload := ipc.EncodeSubscribeAck(ipc.SubscribeAckPayload{ServiceID: key.ServiceID, InstanceID: key.InstanceID, EventgroupID: eventgroupID})
	for _, sub := range s.reg.Subscribers(key, eventgroupID) {
		att, ok := s.registrar.Lookup(uint16(sub.ClientID))
		if !ok || att.Session == nil {
			continue
		}
		if _, err := att.Session.Send(context.Background(), att.ClientID, cmd, payload); err != nil {
			s.log.Debug().Err(err).Msg("failed to forward remote subscribe ack/nack")
		}
	}
}

// handleOutbound resolves the InstanceKey implied by a SEND or NOTIFY
// command's raw SOME/IP bytes and hands it to the routing manager for
// arbitration (spec §4.6). Neither command carries an instance_id on the
// wire, so the key is inferred from whichever side of the registry the
// sending client_id appears on.
func (s *Server) handleOutbound(ctx context.Context, c *conn, f ipc.Frame, someipBytes []byte) {
	msg, key, ok := s.decodeAndResolve(c.clientID, someipBytes)
	if !ok {
		return
	}
	origin := routing.RouteOrigin{Local: true, ClientID: c.clientID}
	if err := s.manager.Route(ctx, origin, key, msg); err != nil {
		s.log.Debug().Err(err).Stringer("instance", key).Msg("routing failed")
	}
}

// handleNotifyOne delivers directly to the one subscriber NOTIFY_ONE names,
// bypassing the routing manager's instance arbitration entirely: the 2-byte
// target prefix is a client_id, which by construction can only ever name a
// locally attached application (remote subscriber handles start at 1<<16,
// outside the uint16 range the wire payload carries).
func (s *Server) handleNotifyOne(ctx context.Context, c *conn, f ipc.Frame) {
	target, someipBytes, err := decodeNotifyOne(f.Payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("malformed NOTIFY_ONE")
		return
	}
	att, ok := s.registrar.Lookup(target)
	if !ok || att.Session == nil {
		s.log.Debug().Uint16("target", target).Msg("NOTIFY_ONE target not attached")
		return
	}
	if _, err := att.Session.Send(ctx, att.ClientID, ipc.Send, someipBytes); err != nil {
		s.log.Debug().Err(err).Msg("failed to deliver NOTIFY_ONE")
	}
}

// decodeAndResolve decodes raw SOME/IP bytes and resolves the InstanceKey a
// SEND/NOTIFY command implies: a reply or notification comes from
// whoever offers the service, a request comes from whoever currently
// requests it. Falls back to any instance currently offering the service
// when neither per-client view has an entry, since an application may send
// without having called REQUEST_SERVICE first.
func (s *Server) decodeAndResolve(clientID uint16, someipBytes []byte) (wire.Message, registry.InstanceKey, bool) {
	codec := wire.NewCodec(uint32(len(someipBytes)))
	msg, result, _, _, err := codec.Decode(someipBytes)
	if result != wire.DecodeOK {
		s.log.Warn().Err(err).Msg("malformed outbound SOME/IP message")
		return wire.Message{}, registry.InstanceKey{}, false
	}

	handle := registry.Handle(clientID)
	serviceID := msg.Header.ServiceID

	var candidates []registry.InstanceKey
	switch msg.Header.MessageType.Base() {
	case wire.MessageTypeResponse, wire.MessageTypeError, wire.MessageTypeNotification:
		candidates = s.reg.OfferedInstancesByProvider(handle, serviceID)
	default:
		candidates = s.reg.RequestedInstancesByClient(handle, serviceID)
	}
	if len(candidates) == 0 {
		candidates = s.reg.InstancesByService(serviceID)
	}
	if len(candidates) == 0 {
		s.log.Debug().Uint16("service", serviceID).Msg("cannot resolve instance for outbound message")
		return wire.Message{}, registry.InstanceKey{}, false
	}
	return msg, candidates[0], true
}

// decodeNotifyOne mirrors application.decodeNotifyOne's framing: a 2-byte
// little-endian target client_id prefix ahead of the encoded SOME/IP
// message.
func decodeNotifyOne(payload []byte) (target uint16, someipBytes []byte, err error) {
	const overhead = 2
	if len(payload) < overhead {
		return 0, nil, errShortNotifyOne
	}
	return uint16(payload[0]) | uint16(payload[1])<<8, payload[overhead:], nil
}

var errShortNotifyOne = shortPayloadError("appserver: NOTIFY_ONE payload too short")

type shortPayloadError string

func (e shortPayloadError) Error() string { return string(e) }
