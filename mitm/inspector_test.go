package mitm

import (
	"net"
	"testing"

	"go.uber.org/zap"

	"github.com/tapline/tapline/arpwire"
	"github.com/tapline/tapline/datalink"
)

type recordingSink struct {
	frames chan []byte
}

func (r *recordingSink) WritePacketData(data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	r.frames <- cp
	return nil
}

type recordingEventSink struct {
	events chan TrafficLogEvent
}

func (r *recordingEventSink) Post(e TrafficLogEvent) { r.events <- e }

func mustMAC(t *testing.T, s string) net.HardwareAddr {
	t.Helper()
	mac, err := net.ParseMAC(s)
	if err != nil {
		t.Fatalf("parsing mac: %v", err)
	}
	return mac
}

func buildIPv4Frame(t *testing.T, src, dst net.HardwareAddr, srcIP, dstIP net.IP) []byte {
	t.Helper()
	// minimal IPv4 header (20 bytes) manually laid out, no gopacket
	// serialization needed since the inspector only reads src/dst/payload.
	hdr := make([]byte, 20)
	hdr[0] = 0x45 // version=4, ihl=5
	hdr[9] = 17   // protocol = UDP, arbitrary
	copy(hdr[12:16], srcIP.To4())
	copy(hdr[16:20], dstIP.To4())
	body := append(hdr, []byte("payload")...)
	frame, err := arpwire.WrapEthernet(src, dst, EthertypeIPv4, body)
	if err != nil {
		t.Fatalf("WrapEthernet: %v", err)
	}
	return frame
}

func TestInspectorForwardsAndLogsIPv4(t *testing.T) {
	sink := &recordingSink{frames: make(chan []byte, 4)}
	sender := datalink.NewFrameSender(sink, zap.NewNop())
	go sender.Run()
	defer sender.Stop()

	events := &recordingEventSink{events: make(chan TrafficLogEvent, 4)}

	own := mustMAC(t, "02:00:00:00:00:01")
	peer := mustMAC(t, "02:00:00:00:00:02")
	victimMAC := mustMAC(t, "02:00:00:00:00:09")

	insp := NewInspector(Config{OwnMAC: own, PeerMAC: peer}, sender, events, zap.NewNop())

	frame := buildIPv4Frame(t, victimMAC, own, net.ParseIP("192.0.2.5"), net.ParseIP("192.0.2.9"))
	insp.Process(&datalink.Frame{Data: frame})

	select {
	case ev := <-events.events:
		if ev.SrcIP != "192.0.2.5" || ev.DstIP != "192.0.2.9" {
			t.Errorf("event ips = %s -> %s, want 192.0.2.5 -> 192.0.2.9", ev.SrcIP, ev.DstIP)
		}
	default:
		t.Fatal("expected a traffic log event to be posted")
	}

	select {
	case fwd := <-sink.frames:
		if len(fwd) < 12 {
			t.Fatalf("forwarded frame too short: %d", len(fwd))
		}
		gotDst := net.HardwareAddr(fwd[0:6])
		gotSrc := net.HardwareAddr(fwd[6:12])
		if gotDst.String() != peer.String() {
			t.Errorf("forwarded dst = %v, want %v", gotDst, peer)
		}
		if gotSrc.String() != own.String() {
			t.Errorf("forwarded src = %v, want %v", gotSrc, own)
		}
	default:
		t.Fatal("expected frame to be forwarded")
	}
}

func TestInspectorDropsSelfSourcedFrames(t *testing.T) {
	sink := &recordingSink{frames: make(chan []byte, 4)}
	sender := datalink.NewFrameSender(sink, zap.NewNop())
	go sender.Run()
	defer sender.Stop()

	events := &recordingEventSink{events: make(chan TrafficLogEvent, 4)}
	own := mustMAC(t, "02:00:00:00:00:01")
	peer := mustMAC(t, "02:00:00:00:00:02")

	insp := NewInspector(Config{
		OwnMAC:          own,
		PeerMAC:         peer,
		IgnoreSourceMAC: own,
	}, sender, events, zap.NewNop())

	// a frame sourced from our own outbound MAC (i.e. something the other
	// direction's inspector just forwarded) must not be re-forwarded.
	frame := buildIPv4Frame(t, own, peer, net.ParseIP("192.0.2.5"), net.ParseIP("192.0.2.9"))
	insp.Process(&datalink.Frame{Data: frame})

	select {
	case <-sink.frames:
		t.Fatal("expected self-sourced frame to be dropped, not forwarded")
	default:
	}
	select {
	case <-events.events:
		t.Fatal("expected no traffic log event for dropped frame")
	default:
	}
}

func TestInspectorPassesThroughNonIPFrames(t *testing.T) {
	sink := &recordingSink{frames: make(chan []byte, 4)}
	sender := datalink.NewFrameSender(sink, zap.NewNop())
	go sender.Run()
	defer sender.Stop()

	events := &recordingEventSink{events: make(chan TrafficLogEvent, 4)}
	own := mustMAC(t, "02:00:00:00:00:01")
	peer := mustMAC(t, "02:00:00:00:00:02")
	insp := NewInspector(Config{OwnMAC: own, PeerMAC: peer}, sender, events, zap.NewNop())

	req, err := arpwire.BuildRequest(
		arpwire.NetworkLocation{IPv4: net.ParseIP("192.0.2.1").To4(), MAC: mustMAC(t, "02:00:00:00:00:05")},
		arpwire.NetworkLocation{IPv4: net.ParseIP("192.0.2.2").To4(), MAC: arpwire.Broadcast},
	)
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	insp.Process(&datalink.Frame{Data: req})

	select {
	case <-sink.frames:
	default:
		t.Fatal("expected arp frame to be forwarded unmodified in payload")
	}
	select {
	case <-events.events:
		t.Fatal("expected no traffic log event for a non-IP frame")
	default:
	}
}
