package ipc

import (
	"encoding/binary"
	"fmt"
)

// InstancePayload is the common (service_id, instance_id, major, minor)
// tuple carried by PROVIDE_SERVICE, WITHDRAW_SERVICE, REQUEST_SERVICE, and
// RELEASE_SERVICE (spec §4.3).
type InstancePayload struct {
	ServiceID  uint16
	InstanceID uint16
	Major      uint8
	Minor      uint32
	TTL        uint32
	Reliable   bool
}

func EncodeInstance(p InstancePayload) []byte {
	buf := make([]byte, 14)
	binary.LittleEndian.PutUint16(buf[0:2], p.ServiceID)
	binary.LittleEndian.PutUint16(buf[2:4], p.InstanceID)
	buf[4] = p.Major
	binary.LittleEndian.PutUint32(buf[5:9], p.Minor)
	binary.LittleEndian.PutUint32(buf[9:13], p.TTL)
	if p.Reliable {
		buf[13] = 1
	}
	return buf
}

func DecodeInstance(payload []byte) (InstancePayload, error) {
	if len(payload) < 14 {
		return InstancePayload{}, fmt.Errorf("ipc: instance payload too short: %d bytes", len(payload))
	}
	return InstancePayload{
		ServiceID:  binary.LittleEndian.Uint16(payload[0:2]),
		InstanceID: binary.LittleEndian.Uint16(payload[2:4]),
		Major:      payload[4],
		Minor:      binary.LittleEndian.Uint32(payload[5:9]),
		TTL:        binary.LittleEndian.Uint32(payload[9:13]),
		Reliable:   payload[13] != 0,
	}, nil
}

// EventgroupPayload is PROVIDE_EVENTGROUP/WITHDRAW_EVENTGROUP/
// REQUEST_EVENTGROUP/SUBSCRIBE/UNSUBSCRIBE's common shape: the instance plus
// an eventgroup_id and, for PROVIDE_EVENTGROUP, its member event_ids.
type EventgroupPayload struct {
	ServiceID    uint16
	InstanceID   uint16
	EventgroupID uint16
	Major        uint8
	TTL          uint32
	Reliable     bool
	EventIDs     []uint16
}

func EncodeEventgroup(p EventgroupPayload) []byte {
	size := 2 + 2 + 2 + 1 + 4 + 1 + 2 + 2*len(p.EventIDs)
	buf := make([]byte, size)
	binary.LittleEndian.PutUint16(buf[0:2], p.ServiceID)
	binary.LittleEndian.PutUint16(buf[2:4], p.InstanceID)
	binary.LittleEndian.PutUint16(buf[4:6], p.EventgroupID)
	buf[6] = p.Major
	binary.LittleEndian.PutUint32(buf[7:11], p.TTL)
	if p.Reliable {
		buf[11] = 1
	}
	binary.LittleEndian.PutUint16(buf[12:14], uint16(len(p.EventIDs)))
	offset := 14
	for _, id := range p.EventIDs {
		binary.LittleEndian.PutUint16(buf[offset:offset+2], id)
		offset += 2
	}
	return buf
}

func DecodeEventgroup(payload []byte) (EventgroupPayload, error) {
	if len(payload) < 14 {
		return EventgroupPayload{}, fmt.Errorf("ipc: eventgroup payload too short: %d bytes", len(payload))
	}
	p := EventgroupPayload{
		ServiceID:    binary.LittleEndian.Uint16(payload[0:2]),
		InstanceID:   binary.LittleEndian.Uint16(payload[2:4]),
		EventgroupID: binary.LittleEndian.Uint16(payload[4:6]),
		Major:        payload[6],
		TTL:          binary.LittleEndian.Uint32(payload[7:11]),
		Reliable:     payload[11] != 0,
	}
	count := int(binary.LittleEndian.Uint16(payload[12:14]))
	offset := 14
	if len(payload) < offset+2*count {
		return EventgroupPayload{}, fmt.Errorf("ipc: eventgroup payload event_ids truncated")
	}
	for i := 0; i < count; i++ {
		p.EventIDs = append(p.EventIDs, binary.LittleEndian.Uint16(payload[offset:offset+2]))
		offset += 2
	}
	return p, nil
}

// MethodPayload is REGISTER_METHOD/DEREGISTER_METHOD/ADD_FIELD/REMOVE_FIELD's
// shape: the instance plus a method_id or event_id and, for fields, whether
// it is backed by an event (reliable delivery hint).
type MethodPayload struct {
	ServiceID  uint16
	InstanceID uint16
	ID         uint16
	Reliable   bool
}

func EncodeMethod(p MethodPayload) []byte {
	buf := make([]byte, 7)
	binary.LittleEndian.PutUint16(buf[0:2], p.ServiceID)
	binary.LittleEndian.PutUint16(buf[2:4], p.InstanceID)
	binary.LittleEndian.PutUint16(buf[4:6], p.ID)
	if p.Reliable {
		buf[6] = 1
	}
	return buf
}

func DecodeMethod(payload []byte) (MethodPayload, error) {
	if len(payload) < 7 {
		return MethodPayload{}, fmt.Errorf("ipc: method payload too short: %d bytes", len(payload))
	}
	return MethodPayload{
		ServiceID:  binary.LittleEndian.Uint16(payload[0:2]),
		InstanceID: binary.LittleEndian.Uint16(payload[2:4]),
		ID:         binary.LittleEndian.Uint16(payload[4:6]),
		Reliable:   payload[6] != 0,
	}, nil
}

// SubscribeAckPayload is SUBSCRIBE_ACK/SUBSCRIBE_NACK's payload, delivered to
// the subscribing application so it can update its own availability view
// (spec §4.5 local-application subscription feedback).
type SubscribeAckPayload struct {
	ServiceID    uint16
	InstanceID   uint16
	EventgroupID uint16
}

func EncodeSubscribeAck(p SubscribeAckPayload) []byte {
	buf := make([]byte, 6)
	binary.LittleEndian.PutUint16(buf[0:2], p.ServiceID)
	binary.LittleEndian.PutUint16(buf[2:4], p.InstanceID)
	binary.LittleEndian.PutUint16(buf[4:6], p.EventgroupID)
	return buf
}

func DecodeSubscribeAck(payload []byte) (SubscribeAckPayload, error) {
	if len(payload) < 6 {
		return SubscribeAckPayload{}, fmt.Errorf("ipc: subscribe ack payload too short: %d bytes", len(payload))
	}
	return SubscribeAckPayload{
		ServiceID:    binary.LittleEndian.Uint16(payload[0:2]),
		InstanceID:   binary.LittleEndian.Uint16(payload[2:4]),
		EventgroupID: binary.LittleEndian.Uint16(payload[4:6]),
	}, nil
}
