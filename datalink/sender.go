package datalink

import (
	"fmt"

	"go.uber.org/zap"
)

// SendError is returned by Send when the OS-level write fails. It is
// logged and returned; the sender remains usable afterward.
type SendError struct {
	Err error
}

func (e *SendError) Error() string { return fmt.Sprintf("send: %v", e.Err) }
func (e *SendError) Unwrap() error { return e.Err }

// sendRequest pairs a frame with the channel its caller waits on for the
// write result, so concurrent Send callers are serialized but each still
// gets its own completion.
type sendRequest struct {
	frame []byte
	done  chan error
}

// FrameSender owns a PacketSink on a single serialization worker. Every
// call to Send is enqueued and completes in submission order.
type FrameSender struct {
	sink  PacketSink
	log   *zap.Logger
	reqC  chan sendRequest
	stopC chan struct{}
	done  chan struct{}
}

// NewFrameSender constructs a sender around sink. Call Run to start the
// serialization worker.
func NewFrameSender(sink PacketSink, log *zap.Logger) *FrameSender {
	return &FrameSender{
		sink:  sink,
		log:   log,
		reqC:  make(chan sendRequest),
		stopC: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Run drains the request queue until Stop is called.
func (s *FrameSender) Run() {
	defer close(s.done)
	for {
		select {
		case <-s.stopC:
			return
		case req := <-s.reqC:
			err := s.sink.WritePacketData(req.frame)
			if err != nil {
				s.log.Error("frame send failed", zap.Error(err))
				err = &SendError{Err: err}
			}
			req.done <- err
		}
	}
}

// Send enqueues frame and blocks until the OS-level write returns.
// Concurrent callers are serialized; completion order follows enqueue
// order.
func (s *FrameSender) Send(frame []byte) error {
	done := make(chan error, 1)
	select {
	case s.reqC <- sendRequest{frame: frame, done: done}:
	case <-s.stopC:
		return &SendError{Err: fmt.Errorf("sender stopped")}
	}
	return <-done
}

// Stop halts the serialization worker. In-flight Send calls that already
// enqueued their request still complete; calls racing Stop may observe a
// stopped error instead.
func (s *FrameSender) Stop() {
	close(s.stopC)
	<-s.done
}
