package datalink

import (
	"errors"
	"sync"

	"github.com/google/gopacket"
)

// fakeSource is an in-memory PacketSource for tests: frames pushed onto
// pending are returned in order by ReadPacketData, which blocks until one
// is available or the source is closed.
type fakeSource struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending [][]byte
	closed  bool
}

func newFakeSource() *fakeSource {
	f := &fakeSource{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *fakeSource) Push(data []byte) {
	f.mu.Lock()
	f.pending = append(f.pending, data)
	f.cond.Signal()
	f.mu.Unlock()
}

func (f *fakeSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.pending) == 0 && !f.closed {
		f.cond.Wait()
	}
	if f.closed && len(f.pending) == 0 {
		return nil, gopacket.CaptureInfo{}, errors.New("fake source closed")
	}
	data := f.pending[0]
	f.pending = f.pending[1:]
	return data, gopacket.CaptureInfo{}, nil
}

func (f *fakeSource) Close() {
	f.mu.Lock()
	f.closed = true
	f.cond.Broadcast()
	f.mu.Unlock()
}

// fakeSink records every frame written to it.
type fakeSink struct {
	mu      sync.Mutex
	written [][]byte
	failNext bool
}

func (f *fakeSink) WritePacketData(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("simulated write failure")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakeSink) Written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}
