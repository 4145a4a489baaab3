package discovery

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/someipd/someipd/internal/registry"
	"github.com/someipd/someipd/internal/wire"
)

type fakeSender struct {
	mu        sync.Mutex
	multicast [][]byte
	unicast   map[string][][]byte
}

func newFakeSender() *fakeSender {
	return &fakeSender{unicast: make(map[string][][]byte)}
}

func (f *fakeSender) SendMulticast(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.multicast = append(f.multicast, append([]byte(nil), payload...))
	return nil
}

func (f *fakeSender) SendUnicast(dest *net.UDPAddr, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unicast[dest.String()] = append(f.unicast[dest.String()], append([]byte(nil), payload...))
	return nil
}

func (f *fakeSender) multicastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.multicast)
}

func (f *fakeSender) unicastCount(addr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.unicast[addr])
}

func (f *fakeSender) lastUnicast(addr string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.unicast[addr]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

func decodeSDFrame(t *testing.T, frame []byte) wire.SDMessage {
	t.Helper()
	codec := wire.NewCodec(uint32(len(frame)))
	msg, result, _, _, err := codec.Decode(frame)
	if result != wire.DecodeOK {
		t.Fatalf("decode envelope: %v (result=%v)", err, result)
	}
	sd, err := wire.DecodeSD(msg.Payload)
	if err != nil {
		t.Fatalf("decode sd payload: %v", err)
	}
	return sd
}

func testConfig() Config {
	return Config{
		MulticastGroup:       "224.0.0.0",
		MulticastPort:        30490,
		InitialDelayMin:      1 * time.Millisecond,
		InitialDelayMax:      2 * time.Millisecond,
		RepetitionsMax:       1,
		RepetitionsBaseDelay: 2 * time.Millisecond,
		CyclicOfferDelay:     20 * time.Millisecond,
		RequestResponseDelay: 5 * time.Millisecond,
	}
}

func TestEngine_StartOffering_SendsInitialAndRepeatedOffers(t *testing.T) {
	sender := newFakeSender()
	reg := registry.New()
	e := NewEngine(testConfig(), reg, sender, nil, zerolog.Nop())

	key := registry.InstanceKey{ServiceID: 0x1234, InstanceID: 0x0001}
	e.StartOffering(context.Background(), key, 1, 0, 3, OfferOptions{})

	deadline := time.Now().Add(500 * time.Millisecond)
	for sender.multicastCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sender.multicastCount() < 2 {
		t.Fatalf("expected at least 2 multicast offers (initial + repetition), got %d", sender.multicastCount())
	}

	e.StopOffering(key)
}

func TestEngine_StopOffering_SendsTTLZero(t *testing.T) {
	sender := newFakeSender()
	reg := registry.New()
	e := NewEngine(testConfig(), reg, sender, nil, zerolog.Nop())

	key := registry.InstanceKey{ServiceID: 0x1234, InstanceID: 0x0002}
	e.StartOffering(context.Background(), key, 1, 0, 3, OfferOptions{})
	time.Sleep(10 * time.Millisecond)
	e.StopOffering(key)

	sd := decodeSDFrame(t, sender.multicast[len(sender.multicast)-1])
	if len(sd.Entries) != 1 || sd.Entries[0].TTL != 0 {
		t.Fatalf("expected a single ttl=0 StopOffer entry, got %+v", sd.Entries)
	}
}

func TestEngine_HandleFind_RespondsWithMatchingOffer(t *testing.T) {
	sender := newFakeSender()
	reg := registry.New()
	e := NewEngine(testConfig(), reg, sender, nil, zerolog.Nop())

	key := registry.InstanceKey{ServiceID: 0x5678, InstanceID: 0x0001}
	e.StartOffering(context.Background(), key, 2, 5, 10, OfferOptions{})
	time.Sleep(10 * time.Millisecond)

	src := &net.UDPAddr{IP: net.ParseIP("192.0.2.10"), Port: 30490}
	findEntry := wire.SDEntry{Type: wire.SDEntryFindService, ServiceID: key.ServiceID, InstanceID: key.InstanceID, MajorVersion: wire.AnyMajor}
	e.handleFind(src, findEntry)

	if sender.unicastCount(src.String()) == 0 {
		t.Fatal("expected a unicast reply to the Find request")
	}
	sd := decodeSDFrame(t, sender.lastUnicast(src.String()))
	if len(sd.Entries) != 1 || sd.Entries[0].Type != wire.SDEntryOfferService || sd.Entries[0].TTL != 10 {
		t.Fatalf("unexpected reply entries: %+v", sd.Entries)
	}

	e.StopOffering(key)
}

func TestEngine_HandleFind_NoMatchIsSilent(t *testing.T) {
	sender := newFakeSender()
	reg := registry.New()
	e := NewEngine(testConfig(), reg, sender, nil, zerolog.Nop())

	src := &net.UDPAddr{IP: net.ParseIP("192.0.2.10"), Port: 30490}
	findEntry := wire.SDEntry{Type: wire.SDEntryFindService, ServiceID: 0x9999, InstanceID: 0x0001, MajorVersion: wire.AnyMajor}
	e.handleFind(src, findEntry)

	if sender.unicastCount(src.String()) != 0 {
		t.Fatal("expected no reply for an unknown instance")
	}
}

func TestEngine_HandleOffer_RecordsRemoteOffer(t *testing.T) {
	sender := newFakeSender()
	reg := registry.New()
	e := NewEngine(testConfig(), reg, sender, nil, zerolog.Nop())

	key := registry.InstanceKey{ServiceID: 0x1111, InstanceID: 0x0001}
	src := &net.UDPAddr{IP: net.ParseIP("192.0.2.20"), Port: 30490}
	entry := wire.SDEntry{Type: wire.SDEntryOfferService, ServiceID: key.ServiceID, InstanceID: key.InstanceID, MajorVersion: 1, TTL: 5}
	e.handleOffer(src, entry, wire.SDMessage{})

	if av := reg.AvailabilityOf(key, 1, wire.AnyMinor); av == registry.Unavailable {
		t.Fatal("expected instance to become available after remote offer")
	}
}

func TestEngine_HandleOffer_TTLZeroWithdraws(t *testing.T) {
	sender := newFakeSender()
	reg := registry.New()
	e := NewEngine(testConfig(), reg, sender, nil, zerolog.Nop())

	key := registry.InstanceKey{ServiceID: 0x2222, InstanceID: 0x0001}
	src := &net.UDPAddr{IP: net.ParseIP("192.0.2.21"), Port: 30490}
	offerEntry := wire.SDEntry{Type: wire.SDEntryOfferService, ServiceID: key.ServiceID, InstanceID: key.InstanceID, MajorVersion: 1, TTL: 5}
	e.handleOffer(src, offerEntry, wire.SDMessage{})

	stopEntry := offerEntry
	stopEntry.TTL = 0
	e.handleOffer(src, stopEntry, wire.SDMessage{})

	if av := reg.AvailabilityOf(key, 1, wire.AnyMinor); av != registry.Unavailable {
		t.Fatalf("expected instance to become unavailable after StopOffer, got %v", av)
	}
}

func TestEngine_HandleReboot_PurgesPeerState(t *testing.T) {
	sender := newFakeSender()
	reg := registry.New()
	e := NewEngine(testConfig(), reg, sender, nil, zerolog.Nop())

	key := registry.InstanceKey{ServiceID: 0x3333, InstanceID: 0x0001}
	src := &net.UDPAddr{IP: net.ParseIP("192.0.2.30"), Port: 30490}
	offerEntry := wire.SDEntry{Type: wire.SDEntryOfferService, ServiceID: key.ServiceID, InstanceID: key.InstanceID, MajorVersion: 1, TTL: 5}
	e.handleOffer(src, offerEntry, wire.SDMessage{})

	if av := reg.AvailabilityOf(key, 1, wire.AnyMinor); av == registry.Unavailable {
		t.Fatal("setup: expected instance to be available before reboot")
	}

	e.handleReboot(src)

	if av := reg.AvailabilityOf(key, 1, wire.AnyMinor); av != registry.Unavailable {
		t.Fatalf("expected reboot to purge the peer's offer, got %v", av)
	}
}

func TestRemoteSessionState_Observe_DetectsReboot(t *testing.T) {
	s := &remoteSessionState{}
	if s.observe(5, false) {
		t.Fatal("first observation must never be a reboot")
	}
	if s.observe(6, false) {
		t.Fatal("plain session increment without reboot flag must not signal reboot")
	}
	if !s.observe(1, true) {
		t.Fatal("reboot flag set plus session reset to 1 must signal reboot")
	}
	if s.observe(2, true) {
		t.Fatal("subsequent increments under the same reboot flag must not re-signal reboot")
	}
}
