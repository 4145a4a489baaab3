package discovery

import (
	"context"
	"math/rand"
	"time"

	"github.com/someipd/someipd/internal/registry"
	"github.com/someipd/someipd/internal/wire"
)

// offerMachine runs the Initial-wait → Repetition → Main phase cycle for one
// locally offered service instance (spec §4.5), one goroutine per instance,
// directly generalizing the teacher's one-goroutine-per-service
// Probing/Announcing state machine (ADR-005).
type offerMachine struct {
	key     registry.InstanceKey
	major   uint8
	minor   uint32
	ttl     uint32
	options []wire.SDOption

	cancel context.CancelFunc
	done   chan struct{}
}

// OfferOptions describes the endpoint options (IPv4/IPv6 [multicast]
// endpoint, configuration, load balancing) advertised with an offer.
type OfferOptions struct {
	Options []wire.SDOption
}

// StartOffering begins advertising (key, major, minor) with the given TTL
// and endpoint options, spawning its Initial-wait/Repetition/Main phase
// goroutine. Calling StartOffering again for an already-offered key restarts
// its timing cycle with the new parameters.
func (e *Engine) StartOffering(ctx context.Context, key registry.InstanceKey, major uint8, minor uint32, ttl uint32, opts OfferOptions) {
	e.mu.Lock()
	if existing, ok := e.offers[key]; ok {
		existing.cancel()
	}

	machineCtx, cancel := context.WithCancel(ctx)
	m := &offerMachine{key: key, major: major, minor: minor, ttl: ttl, options: opts.Options, cancel: cancel, done: make(chan struct{})}
	e.offers[key] = m
	e.mu.Unlock()

	go e.runOfferMachine(machineCtx, m)
}

// StopOffering cancels key's offer machine and sends a StopOffer (ttl=0)
// multicast.
func (e *Engine) StopOffering(key registry.InstanceKey) {
	e.mu.Lock()
	m, ok := e.offers[key]
	if ok {
		delete(e.offers, key)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	m.cancel()
	<-m.done

	entry, options := e.offerEntry(m, 0)
	if err := e.sendMulticastSD([]wire.SDEntry{entry}, options); err != nil {
		e.log.Debug().Err(err).Msg("failed to send StopOffer")
	}
}

func (e *Engine) runOfferMachine(ctx context.Context, m *offerMachine) {
	defer close(m.done)

	initialWait := m.randomInitialDelay(e.cfg)
	select {
	case <-time.After(initialWait):
	case <-ctx.Done():
		return
	}

	if !e.diagnosisMode.Load() {
		if err := e.sendOffer(m); err != nil {
			e.log.Debug().Err(err).Stringer("service", offerLogKey{m.key}).Msg("offer send failed")
		}
	}

	delay := e.cfg.RepetitionsBaseDelay
	for i := 0; i < e.cfg.RepetitionsMax; i++ {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		if !e.diagnosisMode.Load() {
			if err := e.sendOffer(m); err != nil {
				e.log.Debug().Err(err).Stringer("service", offerLogKey{m.key}).Msg("offer repetition send failed")
			}
		}
		delay *= 2
	}

	ticker := time.NewTicker(e.cfg.CyclicOfferDelay)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if e.diagnosisMode.Load() {
				continue
			}
			if err := e.sendOffer(m); err != nil {
				e.log.Debug().Err(err).Stringer("service", offerLogKey{m.key}).Msg("cyclic offer send failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *offerMachine) randomInitialDelay(cfg Config) time.Duration {
	span := cfg.InitialDelayMax - cfg.InitialDelayMin
	if span <= 0 {
		return cfg.InitialDelayMin
	}
	return cfg.InitialDelayMin + time.Duration(rand.Int63n(int64(span)))
}

func (e *Engine) sendOffer(m *offerMachine) error {
	entry, options := e.offerEntry(m, m.ttl)
	return e.sendMulticastSD([]wire.SDEntry{entry}, options)
}

func (e *Engine) offerEntry(m *offerMachine, ttl uint32) (wire.SDEntry, []wire.SDOption) {
	entry := wire.SDEntry{
		Type:         wire.SDEntryOfferService,
		ServiceID:    m.key.ServiceID,
		InstanceID:   m.key.InstanceID,
		MajorVersion: m.major,
		MinorVersion: m.minor,
		TTL:          ttl,
	}
	if len(m.options) > 0 {
		entry.Options1Index = 0
		entry.Options1Count = len(m.options)
	}
	return entry, m.options
}

type offerLogKey struct{ registry.InstanceKey }

func (k offerLogKey) String() string {
	return k.InstanceKey.String()
}
