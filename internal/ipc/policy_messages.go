package ipc

import (
	"encoding/binary"
	"fmt"
)

// PolicyRule is one (service range, instance range, method range) tuple
// carried over the wire for UPDATE_SECURITY_POLICY, mirroring
// internal/policy.Rule without importing that package from internal/ipc.
type PolicyRule struct {
	ServiceMin, ServiceMax   uint16
	InstanceMin, InstanceMax uint16
	MethodMin, MethodMax     uint16
}

const policyRuleSize = 12

func encodeRules(buf []byte, rules []PolicyRule) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(rules)))
	for _, r := range rules {
		buf = binary.LittleEndian.AppendUint16(buf, r.ServiceMin)
		buf = binary.LittleEndian.AppendUint16(buf, r.ServiceMax)
		buf = binary.LittleEndian.AppendUint16(buf, r.InstanceMin)
		buf = binary.LittleEndian.AppendUint16(buf, r.InstanceMax)
		buf = binary.LittleEndian.AppendUint16(buf, r.MethodMin)
		buf = binary.LittleEndian.AppendUint16(buf, r.MethodMax)
	}
	return buf
}

func decodeRules(payload []byte, offset int) ([]PolicyRule, int, error) {
	if len(payload) < offset+2 {
		return nil, 0, fmt.Errorf("ipc: policy rule count truncated")
	}
	count := int(binary.LittleEndian.Uint16(payload[offset : offset+2]))
	offset += 2
	if len(payload) < offset+count*policyRuleSize {
		return nil, 0, fmt.Errorf("ipc: policy rules truncated")
	}
	rules := make([]PolicyRule, count)
	for i := range rules {
		b := payload[offset : offset+policyRuleSize]
		rules[i] = PolicyRule{
			ServiceMin:  binary.LittleEndian.Uint16(b[0:2]),
			ServiceMax:  binary.LittleEndian.Uint16(b[2:4]),
			InstanceMin: binary.LittleEndian.Uint16(b[4:6]),
			InstanceMax: binary.LittleEndian.Uint16(b[6:8]),
			MethodMin:   binary.LittleEndian.Uint16(b[8:10]),
			MethodMax:   binary.LittleEndian.Uint16(b[10:12]),
		}
		offset += policyRuleSize
	}
	return rules, offset, nil
}

// SecurityPolicyPayload is UPDATE_SECURITY_POLICY's payload: the (uid, gid)
// credential the policy applies to plus its request-side and offer-side
// right sets (spec §4.6, grounded on vsomeip's policy.hpp ids_t pairing).
type SecurityPolicyPayload struct {
	UID           uint32
	GID           uint32
	RequestRights []PolicyRule
	OfferRights   []PolicyRule
}

func EncodeSecurityPolicy(p SecurityPolicyPayload) []byte {
	buf := make([]byte, 0, 8)
	buf = binary.LittleEndian.AppendUint32(buf, p.UID)
	buf = binary.LittleEndian.AppendUint32(buf, p.GID)
	buf = encodeRules(buf, p.RequestRights)
	buf = encodeRules(buf, p.OfferRights)
	return buf
}

func DecodeSecurityPolicy(payload []byte) (SecurityPolicyPayload, error) {
	if len(payload) < 8 {
		return SecurityPolicyPayload{}, fmt.Errorf("ipc: security policy payload too short: %d bytes", len(payload))
	}
	p := SecurityPolicyPayload{
		UID: binary.LittleEndian.Uint32(payload[0:4]),
		GID: binary.LittleEndian.Uint32(payload[4:8]),
	}
	reqRights, offset, err := decodeRules(payload, 8)
	if err != nil {
		return SecurityPolicyPayload{}, err
	}
	p.RequestRights = reqRights
	offRights, _, err := decodeRules(payload, offset)
	if err != nil {
		return SecurityPolicyPayload{}, err
	}
	p.OfferRights = offRights
	return p, nil
}

// RemoveSecurityPolicyPayload is REMOVE_SECURITY_POLICY's payload: just the
// (uid, gid) credential whose policy should be dropped.
type RemoveSecurityPolicyPayload struct {
	UID uint32
	GID uint32
}

func EncodeRemoveSecurityPolicy(p RemoveSecurityPolicyPayload) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], p.UID)
	binary.LittleEndian.PutUint32(buf[4:8], p.GID)
	return buf
}

func DecodeRemoveSecurityPolicy(payload []byte) (RemoveSecurityPolicyPayload, error) {
	if len(payload) < 8 {
		return RemoveSecurityPolicyPayload{}, fmt.Errorf("ipc: remove security policy payload too short: %d bytes", len(payload))
	}
	return RemoveSecurityPolicyPayload{
		UID: binary.LittleEndian.Uint32(payload[0:4]),
		GID: binary.LittleEndian.Uint32(payload[4:8]),
	}, nil
}
