// Package mitm implements the two-directional forwarding inspector: for
// each captured frame it decides forward/drop, rewrites the Ethernet
// header, and posts traffic metadata for logging.
package mitm

import (
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"go.uber.org/zap"

	"github.com/tapline/tapline/arpwire"
	"github.com/tapline/tapline/datalink"
)

const (
	EthertypeIPv4 = uint16(layers.EthernetTypeIPv4)
	EthertypeIPv6 = uint16(layers.EthernetTypeIPv6)
	EthertypeARP  = uint16(layers.EthernetTypeARP)
)

// TrafficLogEvent is posted for every IPv4/IPv6 frame that passes the
// inspector's MAC filter. Reverse DNS enrichment happens asynchronously
// downstream, so src_dns/dst_dns start empty for both IPv4 and IPv6 and
// are resolved (or left empty) by the caller that owns the NameResolver.
type TrafficLogEvent struct {
	UnixSeconds int64
	SrcIP       string
	DstIP       string
	SrcDNS      string
	DstDNS      string
	FrameLen    int
	PayloadLen  int
}

// Sink receives TrafficLogEvent values posted by the inspector. The
// inspector never calls synchronously into the logger; it posts and
// returns so a slow logging backend can never stall the forwarding path.
type Sink interface {
	Post(TrafficLogEvent)
}

// Config configures one direction of a MitmInspector pair.
type Config struct {
	// OwnMAC replaces the source address of every forwarded frame.
	OwnMAC net.HardwareAddr
	// PeerMAC is the next-hop destination address of every forwarded
	// frame on this direction (the configured next hop for the
	// opposite side of the conversation).
	PeerMAC net.HardwareAddr
	// IgnoreSourceMAC drops any frame whose source MAC matches this
	// value (normally set to the inspector's own outbound MAC on the
	// opposite direction, to prevent forwarding loops).
	IgnoreSourceMAC net.HardwareAddr
	// IgnoreDestinationMAC drops any frame whose destination MAC
	// matches this value, for the same reason.
	IgnoreDestinationMAC net.HardwareAddr
}

// Inspector is instantiated once per direction (input->output,
// output->input).
type Inspector struct {
	cfg    Config
	sender *datalink.FrameSender
	sink   Sink
	log    *zap.Logger
	now    func() time.Time
}

// NewInspector constructs an Inspector for one direction. sender is the
// opposite-side FrameSender that rewritten frames are submitted to.
func NewInspector(cfg Config, sender *datalink.FrameSender, sink Sink, log *zap.Logger) *Inspector {
	return &Inspector{cfg: cfg, sender: sender, sink: sink, log: log, now: time.Now}
}

// Process handles a single captured frame: filters by MAC, dispatches by
// ethertype for metadata extraction, rewrites the Ethernet header, and
// submits the forwarded frame. It never blocks on the sink.
func (in *Inspector) Process(f *datalink.Frame) {
	eth, err := arpwire.DecodeEthernet(f.Data)
	if err != nil {
		in.log.Debug("dropping undecodable frame", zap.Error(err))
		return
	}

	if macEqual(eth.SrcMAC, in.cfg.IgnoreSourceMAC) || macEqual(eth.DstMAC, in.cfg.IgnoreDestinationMAC) {
		// forwarding-loop prevention: never re-forward what this
		// pipeline just sent.
		return
	}

	switch uint16(eth.EthernetType) {
	case EthertypeIPv4:
		in.logIPv4(f.Data, len(f.Data))
	case EthertypeIPv6:
		in.logIPv6(f.Data, len(f.Data))
	default:
		in.log.Debug("passing through non-IP frame", zap.String("ethertype", eth.EthernetType.String()))
	}

	in.forward(f.Data)
}

func macEqual(a, b net.HardwareAddr) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	return a.String() == b.String()
}

func (in *Inspector) logIPv4(data []byte, frameLen int) {
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.NoCopy)
	l := pkt.Layer(layers.LayerTypeIPv4)
	if l == nil {
		return
	}
	ip4, ok := l.(*layers.IPv4)
	if !ok {
		return
	}
	in.sink.Post(TrafficLogEvent{
		UnixSeconds: in.now().Unix(),
		SrcIP:       ip4.SrcIP.String(),
		DstIP:       ip4.DstIP.String(),
		FrameLen:    frameLen,
		PayloadLen:  len(ip4.Payload),
	})
}

func (in *Inspector) logIPv6(data []byte, frameLen int) {
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.NoCopy)
	l := pkt.Layer(layers.LayerTypeIPv6)
	if l == nil {
		return
	}
	ip6, ok := l.(*layers.IPv6)
	if !ok {
		return
	}
	in.sink.Post(TrafficLogEvent{
		UnixSeconds: in.now().Unix(),
		SrcIP:       ip6.SrcIP.String(),
		DstIP:       ip6.DstIP.String(),
		FrameLen:    frameLen,
		PayloadLen:  len(ip6.Payload),
	})
}

// forward rewrites the 14-byte Ethernet header (src=own mac,
// dst=configured peer mac) and submits the frame, preserving the original
// payload and ethertype byte-for-byte.
func (in *Inspector) forward(data []byte) {
	if len(data) < 14 {
		in.log.Debug("dropping undersized frame", zap.Int("len", len(data)))
		return
	}
	rewritten := make([]byte, len(data))
	copy(rewritten, data)
	copy(rewritten[0:6], in.cfg.PeerMAC)
	copy(rewritten[6:12], in.cfg.OwnMAC)

	if err := in.sender.Send(rewritten); err != nil {
		in.log.Error("failed to forward frame", zap.Error(err))
	}
}
