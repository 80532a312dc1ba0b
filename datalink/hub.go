package datalink

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// subscriberBacklog is the bounded channel capacity for each consumer.
const subscriberBacklog = 64

// CaptureError is fatal: the receive handle is presumed dead and the
// orchestrator should trigger a global shutdown.
type CaptureError struct {
	Err error
}

func (e *CaptureError) Error() string { return fmt.Sprintf("capture: %v", e.Err) }
func (e *CaptureError) Unwrap() error { return e.Err }

// Frame is a captured Ethernet II frame. It is shared (never reallocated)
// across every subscriber that receives it.
type Frame struct {
	Data []byte
}

// ConsumerHandle is returned by CaptureHub.Subscribe. Frames arrive in
// capture order; a slow consumer has its oldest pending frame dropped
// rather than blocking the capture loop (overflow policy: drop-oldest).
type ConsumerHandle struct {
	id uuid.UUID
	ch chan *Frame
	hub *CaptureHub
}

// Frames returns the channel frames are delivered on.
func (c *ConsumerHandle) Frames() <-chan *Frame { return c.ch }

// Unsubscribe removes this consumer from the hub. Safe to call more than
// once.
func (c *ConsumerHandle) Unsubscribe() { c.hub.unsubscribe(c.id) }

// CaptureHub owns a PacketSource on a dedicated blocking worker and fans
// out every captured frame to registered consumers.
type CaptureHub struct {
	src     PacketSource
	log     *zap.Logger
	mu      sync.RWMutex
	subs    map[uuid.UUID]chan *Frame
	stopped atomic.Bool
	errC    chan error
	done    chan struct{}
}

// NewCaptureHub constructs a hub around src. Call Run to start the
// blocking capture worker.
func NewCaptureHub(src PacketSource, log *zap.Logger) *CaptureHub {
	return &CaptureHub{
		src:  src,
		log:  log,
		subs: make(map[uuid.UUID]chan *Frame),
		errC: make(chan error, 1),
		done: make(chan struct{}),
	}
}

// Subscribe registers a new consumer and returns a handle delivering every
// subsequent captured frame. Must be called before the frames of interest
// are sent, to avoid missing fast replies (see arpengine.ArpQueryExecutor).
func (h *CaptureHub) Subscribe() *ConsumerHandle {
	ch := make(chan *Frame, subscriberBacklog)
	id := uuid.New()
	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()
	return &ConsumerHandle{id: id, ch: ch, hub: h}
}

func (h *CaptureHub) unsubscribe(id uuid.UUID) {
	h.mu.Lock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
	h.mu.Unlock()
}

// publish delivers f to every current subscriber, dropping the oldest
// pending frame for any subscriber whose backlog is full.
func (h *CaptureHub) publish(f *Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subs {
		select {
		case ch <- f:
		default:
			// backlog full: drop the oldest pending frame, then retry once.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- f:
			default:
				h.log.Debug("dropped frame for slow consumer", zap.String("consumer", id.String()))
			}
		}
	}
}

// Run drives the blocking capture loop until Stop is called or the
// underlying read fails. A read failure is fatal and is reported on Err.
func (h *CaptureHub) Run() {
	defer close(h.done)
	for {
		if h.stopped.Load() {
			return
		}
		data, _, err := h.src.ReadPacketData()
		if err != nil {
			if h.stopped.Load() {
				return
			}
			select {
			case h.errC <- &CaptureError{Err: err}:
			default:
			}
			return
		}
		h.publish(&Frame{Data: data})
	}
}

// Err reports a fatal capture failure, if any.
func (h *CaptureHub) Err() <-chan error { return h.errC }

// Stop requests the capture worker to exit after its next read returns.
func (h *CaptureHub) Stop() {
	h.stopped.Store(true)
	h.src.Close()
	<-h.done
}
