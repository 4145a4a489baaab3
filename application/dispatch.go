package application

import (
	"context"

	"github.com/rs/zerolog"
)

// defaultDispatchWatermark is the default depth of the dispatch queue before
// inbound frames are dropped (spec §4.7: "grows beyond a watermark").
const defaultDispatchWatermark = 256

// dispatchKind distinguishes the two callback classes a dispatchItem can
// carry: an inbound SOME/IP message, or an availability transition.
type dispatchKind int

const (
	dispatchMessage dispatchKind = iota
	dispatchAvailability
)

type dispatchItem struct {
	kind dispatchKind

	msg       inboundMessage
	available availabilityChange
}

// dispatchQueue decouples the IPC read loop from user callbacks: frames are
// enqueued from onFrame (the I/O side) and drained by one worker goroutine
// that invokes the registered handlers, so a slow or blocking callback never
// stalls framing or keepalive replies (spec §5: "user callbacks execute off
// the I/O thread").
type dispatchQueue struct {
	items     chan dispatchItem
	watermark int
	log       zerolog.Logger

	done chan struct{}
}

func newDispatchQueue(watermark int, log zerolog.Logger) *dispatchQueue {
	if watermark <= 0 {
		watermark = defaultDispatchWatermark
	}
	return &dispatchQueue{
		items:     make(chan dispatchItem, watermark),
		watermark: watermark,
		log:       log,
		done:      make(chan struct{}),
	}
}

// deliverFn is invoked by the worker goroutine for every queued item.
type deliverFn func(dispatchItem)

func (q *dispatchQueue) start(ctx context.Context, deliver deliverFn) {
	go func() {
		for {
			select {
			case item := <-q.items:
				deliver(item)
			case <-q.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (q *dispatchQueue) stop() {
	select {
	case <-q.done:
	default:
		close(q.done)
	}
}

// tryEnqueue attempts a non-blocking enqueue, reporting whether the item was
// accepted. Callers use the result to apply the per-command overflow policy
// (E_NOT_READY for requests, silent drop for notifications).
func (q *dispatchQueue) tryEnqueue(item dispatchItem) bool {
	select {
	case q.items <- item:
		return true
	default:
		return false
	}
}
