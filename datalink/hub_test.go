package datalink

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestCaptureHubFanout(t *testing.T) {
	src := newFakeSource()
	hub := NewCaptureHub(src, zap.NewNop())
	go hub.Run()
	defer hub.Stop()

	c1 := hub.Subscribe()
	c2 := hub.Subscribe()

	src.Push([]byte("frame-1"))

	for _, c := range []*ConsumerHandle{c1, c2} {
		select {
		case f := <-c.Frames():
			if string(f.Data) != "frame-1" {
				t.Errorf("got %q, want frame-1", f.Data)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for frame")
		}
	}
}

func TestCaptureHubDropOldestOnSlowConsumer(t *testing.T) {
	src := newFakeSource()
	hub := NewCaptureHub(src, zap.NewNop())
	go hub.Run()
	defer hub.Stop()

	slow := hub.Subscribe()

	// fill the backlog past capacity without reading
	for i := 0; i < subscriberBacklog+10; i++ {
		src.Push([]byte{byte(i)})
	}

	// give the capture loop time to drain the pushes into the backlog
	time.Sleep(100 * time.Millisecond)

	if got := len(slow.Frames()); got > subscriberBacklog {
		t.Fatalf("backlog length %d exceeds capacity %d", got, subscriberBacklog)
	}

	// the most recent frame must have been retained, not dropped, since
	// drop-oldest always makes room for the newest arrival.
	var last *Frame
	drained := 0
	for {
		select {
		case f := <-slow.Frames():
			last = f
			drained++
			continue
		default:
		}
		break
	}
	if drained == 0 {
		t.Fatal("expected at least one frame in backlog")
	}
	if last.Data[0] != byte(subscriberBacklog+10-1) {
		t.Errorf("last frame = %v, want the most recently pushed byte", last.Data)
	}
}

func TestCaptureHubSubscribeAfterCaptureMisses(t *testing.T) {
	src := newFakeSource()
	hub := NewCaptureHub(src, zap.NewNop())
	go hub.Run()
	defer hub.Stop()

	src.Push([]byte("before-subscribe"))
	time.Sleep(50 * time.Millisecond)

	late := hub.Subscribe()
	select {
	case <-late.Frames():
		t.Fatal("late subscriber should not observe a frame captured before it subscribed")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCaptureHubUnsubscribe(t *testing.T) {
	src := newFakeSource()
	hub := NewCaptureHub(src, zap.NewNop())
	go hub.Run()
	defer hub.Stop()

	c := hub.Subscribe()
	c.Unsubscribe()
	// unsubscribe must not panic on a second call
	c.Unsubscribe()
}

func TestCaptureHubStop(t *testing.T) {
	src := newFakeSource()
	hub := NewCaptureHub(src, zap.NewNop())
	go hub.Run()
	hub.Stop()

	select {
	case err := <-hub.Err():
		t.Fatalf("unexpected error after clean stop: %v", err)
	default:
	}
}
