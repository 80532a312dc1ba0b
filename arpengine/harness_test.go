package arpengine

import (
	"errors"
	"sync"

	"github.com/google/gopacket"
)

// loopbackSource is an in-memory datalink.PacketSource: frames pushed via
// push() are returned in order by ReadPacketData, which blocks until one
// is available or the source is closed.
type loopbackSource struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending [][]byte
	closed  bool
}

func newLoopbackSource() *loopbackSource {
	s := &loopbackSource{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *loopbackSource) push(data []byte) {
	s.mu.Lock()
	s.pending = append(s.pending, data)
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *loopbackSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.pending) == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed && len(s.pending) == 0 {
		return nil, gopacket.CaptureInfo{}, errors.New("loopback source closed")
	}
	data := s.pending[0]
	s.pending = s.pending[1:]
	return data, gopacket.CaptureInfo{}, nil
}

func (s *loopbackSource) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

func pushFrame(h *harness, frame []byte) {
	h.src.push(frame)
}
