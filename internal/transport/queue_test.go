package transport

import "testing"

func TestOutboundQueue_GeneralCapRejectsOverflow(t *testing.T) {
	q := newOutboundQueue(NewQueueLimits(10))

	if r := q.enqueue(Frame{Bytes: make([]byte, 6)}); r != Enqueued {
		t.Fatalf("first enqueue = %v, want Enqueued", r)
	}
	if r := q.enqueue(Frame{Bytes: make([]byte, 6)}); r != Rejected {
		t.Fatalf("second enqueue = %v, want Rejected", r)
	}
}

func TestOutboundQueue_SpecificOverridesGeneral(t *testing.T) {
	limits := NewQueueLimits(10, SpecificLimit{ServiceID: 0x1234, MethodID: 0x0001, Bytes: 100})
	q := newOutboundQueue(limits)

	// Exceeds the general cap but not the specific override for this
	// (service, method): must be accepted (spec §9 "specific-overrides-general").
	frame := Frame{Bytes: make([]byte, 50), ServiceID: 0x1234, MethodID: 0x0001}
	if r := q.enqueue(frame); r != Enqueued {
		t.Fatalf("enqueue under specific cap = %v, want Enqueued", r)
	}

	// A different (service, method) pair still falls under the general cap.
	other := Frame{Bytes: make([]byte, 50), ServiceID: 0x9999, MethodID: 0x0001}
	if r := q.enqueue(other); r != Rejected {
		t.Fatalf("enqueue over general cap = %v, want Rejected", r)
	}
}

func TestOutboundQueue_ResponsesDrainBeforeRequests(t *testing.T) {
	q := newOutboundQueue(NewQueueLimits(0))

	q.enqueue(Frame{Bytes: []byte("request-1")})
	q.enqueue(Frame{Bytes: []byte("response-1"), IsResponse: true})
	q.enqueue(Frame{Bytes: []byte("request-2")})

	first, ok := q.pop()
	if !ok || string(first.Bytes) != "response-1" {
		t.Fatalf("first pop = %q, want response-1", first.Bytes)
	}

	second, ok := q.pop()
	if !ok || string(second.Bytes) != "request-1" {
		t.Fatalf("second pop = %q, want request-1 (FIFO within the request queue)", second.Bytes)
	}
}

func TestOutboundQueue_WakeOnlyOnEmptyToNonEmptyTransition(t *testing.T) {
	q := newOutboundQueue(NewQueueLimits(0))

	q.enqueue(Frame{Bytes: []byte("a")})
	select {
	case <-q.wake:
	default:
		t.Fatal("expected a wake signal on the first enqueue into an empty queue")
	}

	q.enqueue(Frame{Bytes: []byte("b")})
	select {
	case <-q.wake:
		t.Fatal("did not expect a second wake signal while the queue was already non-empty")
	default:
	}
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	b := NewBackoff(10, 35)

	got := []int{}
	for i := 0; i < 4; i++ {
		got = append(got, int(b.Next()))
	}

	want := []int{10, 20, 35, 35}
	for i, w := range want {
		if got[i] != w {
			t.Errorf("Next() #%d = %d, want %d", i, got[i], w)
		}
	}

	b.Reset()
	if got := int(b.Next()); got != 10 {
		t.Errorf("Next() after Reset() = %d, want 10", got)
	}
}
