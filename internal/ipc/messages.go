package ipc

import (
	"encoding/binary"
	"fmt"
)

// RegisterApplicationPayload is REGISTER_APPLICATION's payload: the
// application's local endpoint name and, optionally, a client_id it would
// like to keep across a reconnect (0 = "assign me one", spec §4.3).
type RegisterApplicationPayload struct {
	RequestedClientID uint16
	EndpointName      string
}

func EncodeRegisterApplication(p RegisterApplicationPayload) []byte {
	name := []byte(p.EndpointName)
	buf := make([]byte, 2+2+len(name))
	binary.LittleEndian.PutUint16(buf[0:2], p.RequestedClientID)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(name)))
	copy(buf[4:], name)
	return buf
}

func DecodeRegisterApplication(payload []byte) (RegisterApplicationPayload, error) {
	if len(payload) < 4 {
		return RegisterApplicationPayload{}, fmt.Errorf("ipc: REGISTER_APPLICATION payload too short: %d bytes", len(payload))
	}
	requested := binary.LittleEndian.Uint16(payload[0:2])
	nameLen := int(binary.LittleEndian.Uint16(payload[2:4]))
	if len(payload) < 4+nameLen {
		return RegisterApplicationPayload{}, fmt.Errorf("ipc: REGISTER_APPLICATION name truncated")
	}
	return RegisterApplicationPayload{
		RequestedClientID: requested,
		EndpointName:      string(payload[4 : 4+nameLen]),
	}, nil
}

// PeerInfo is one entry of APPLICATION_INFO's peer enumeration.
type PeerInfo struct {
	ClientID uint16
	Name     string
}

// ApplicationInfoPayload is APPLICATION_INFO's payload: the client_id the
// routing manager assigned, plus every other currently-attached
// application, so the new application can address them (spec §4.3 catch-up
// flow).
type ApplicationInfoPayload struct {
	AssignedClientID uint16
	Peers            []PeerInfo
}

func EncodeApplicationInfo(p ApplicationInfoPayload) []byte {
	size := 2 + 2
	for _, peer := range p.Peers {
		size += 2 + 2 + len(peer.Name)
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint16(buf[0:2], p.AssignedClientID)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(p.Peers)))
	offset := 4
	for _, peer := range p.Peers {
		binary.LittleEndian.PutUint16(buf[offset:offset+2], peer.ClientID)
		binary.LittleEndian.PutUint16(buf[offset+2:offset+4], uint16(len(peer.Name)))
		copy(buf[offset+4:], peer.Name)
		offset += 4 + len(peer.Name)
	}
	return buf
}

func DecodeApplicationInfo(payload []byte) (ApplicationInfoPayload, error) {
	if len(payload) < 4 {
		return ApplicationInfoPayload{}, fmt.Errorf("ipc: APPLICATION_INFO payload too short: %d bytes", len(payload))
	}
	out := ApplicationInfoPayload{AssignedClientID: binary.LittleEndian.Uint16(payload[0:2])}
	count := int(binary.LittleEndian.Uint16(payload[2:4]))
	offset := 4
	for i := 0; i < count; i++ {
		if len(payload) < offset+4 {
			return ApplicationInfoPayload{}, fmt.Errorf("ipc: APPLICATION_INFO peer %d truncated", i)
		}
		clientID := binary.LittleEndian.Uint16(payload[offset : offset+2])
		nameLen := int(binary.LittleEndian.Uint16(payload[offset+2 : offset+4]))
		offset += 4
		if len(payload) < offset+nameLen {
			return ApplicationInfoPayload{}, fmt.Errorf("ipc: APPLICATION_INFO peer %d name truncated", i)
		}
		out.Peers = append(out.Peers, PeerInfo{ClientID: clientID, Name: string(payload[offset : offset+nameLen])})
		offset += nameLen
	}
	return out, nil
}

// ApplicationLostPayload is APPLICATION_LOST's payload: the client_id the
// routing manager has declared lost after three missed PONGs (spec §4.3).
type ApplicationLostPayload struct {
	ClientID uint16
}

func EncodeApplicationLost(p ApplicationLostPayload) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, p.ClientID)
	return buf
}

func DecodeApplicationLost(payload []byte) (ApplicationLostPayload, error) {
	if len(payload) < 2 {
		return ApplicationLostPayload{}, fmt.Errorf("ipc: APPLICATION_LOST payload too short: %d bytes", len(payload))
	}
	return ApplicationLostPayload{ClientID: binary.LittleEndian.Uint16(payload[0:2])}, nil
}

// RoutingStatePayload is ROUTING_STATE's payload: the routing manager's
// current state (spec §4.6), broadcast to attached applications on change.
type RoutingStatePayload struct {
	State uint8
}

func EncodeRoutingState(p RoutingStatePayload) []byte {
	return []byte{p.State}
}

func DecodeRoutingState(payload []byte) (RoutingStatePayload, error) {
	if len(payload) < 1 {
		return RoutingStatePayload{}, fmt.Errorf("ipc: ROUTING_STATE payload too short")
	}
	return RoutingStatePayload{State: payload[0]}, nil
}
