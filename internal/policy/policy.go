// Package policy implements the UID/GID credential gate the routing manager
// consults on every incoming command and SOME/IP message (spec §4.6).
//
// Grounded on vsomeip's original_source/implementation/configuration/
// include/policy.hpp: a policy names a set of allowed (service, instance)
// ranges split into a request side and an offer side. This package
// generalizes that shape from a single allow-list struct into a
// sync.RWMutex-guarded gate supporting hot update/remove, matching the
// teacher's registry discipline in internal/registry rather than vsomeip's
// read-once-at-startup configuration file model.
package policy

import "sync"

// Range is an inclusive (min, max) range of service or instance identifiers,
// generalizing vsomeip's ranges_t (a set of uint32 pairs) to the uint16
// SOME/IP identifier space.
type Range struct {
	Min, Max uint16
}

func (r Range) contains(id uint16) bool { return id >= r.Min && id <= r.Max }

// RightSet is one named set of rights: a union of (service range, instance
// range, method range) tuples, mirroring vsomeip's ids_t.
type RightSet []Rule

// Rule is one (service_range, instance_range, method_range) tuple.
type Rule struct {
	Services  Range
	Instances Range
	Methods   Range
}

func (s RightSet) allows(service, instance, method uint16) bool {
	for _, r := range s {
		if r.Services.contains(service) && r.Instances.contains(instance) && r.Methods.contains(method) {
			return true
		}
	}
	return false
}

// Credential identifies the caller a policy decision is made for.
type Credential struct {
	UID uint32
	GID uint32
}

// Policy is one (uid, gid) -> (request_rights, offer_rights) entry.
type Policy struct {
	Credential    Credential
	RequestRights RightSet
	OfferRights   RightSet
}

// Gate is the policy decision point. Absence of any policy for a credential
// permits everything unless CheckCredentials is enabled (spec §4.6); when
// AuditMode is set, denials are logged (via the Audit hook) but still
// permitted.
type Gate struct {
	mu       sync.RWMutex
	policies map[Credential]Policy

	CheckCredentials bool
	AuditMode        bool

	// Audit, if set, is called for every decision that would have been a
	// denial, both when AuditMode suppresses the denial and when it does
	// not. The bool argument reports whether the decision was actually
	// enforced (false under AuditMode).
	Audit func(cred Credential, reason string, enforced bool)
}

// NewGate returns a Gate with no policies: permit-all until
// CheckCredentials is set or a policy is installed.
func NewGate() *Gate {
	return &Gate{policies: make(map[Credential]Policy)}
}

// Update installs or replaces the policy for p.Credential, effective
// immediately for subsequent decisions (spec §4.6: "hot-updated... via local
// IPC").
func (g *Gate) Update(p Policy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.policies[p.Credential] = p
}

// Remove deletes the policy for cred, if any.
func (g *Gate) Remove(cred Credential) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.policies, cred)
}

// Decision is the outcome of a gate check.
type Decision struct {
	Allowed bool
	Reason  string
}

// CheckRequest decides whether cred may request (service, instance, method).
func (g *Gate) CheckRequest(cred Credential, service, instance, method uint16) Decision {
	return g.check(cred, service, instance, method, func(p Policy) RightSet { return p.RequestRights })
}

// CheckOffer decides whether cred may offer (service, instance, method).
func (g *Gate) CheckOffer(cred Credential, service, instance, method uint16) Decision {
	return g.check(cred, service, instance, method, func(p Policy) RightSet { return p.OfferRights })
}

func (g *Gate) check(cred Credential, service, instance, method uint16, rights func(Policy) RightSet) Decision {
	g.mu.RLock()
	p, ok := g.policies[cred]
	g.mu.RUnlock()

	if !ok {
		if !g.CheckCredentials {
			return Decision{Allowed: true}
		}
		return g.deny(cred, "no policy installed for credential")
	}

	if rights(p).allows(service, instance, method) {
		return Decision{Allowed: true}
	}
	return g.deny(cred, "credential's right set does not cover this service/instance/method")
}

func (g *Gate) deny(cred Credential, reason string) Decision {
	if g.Audit != nil {
		g.Audit(cred, reason, !g.AuditMode)
	}
	if g.AuditMode {
		return Decision{Allowed: true, Reason: reason}
	}
	return Decision{Allowed: false, Reason: reason}
}
