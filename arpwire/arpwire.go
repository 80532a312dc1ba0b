// Package arpwire builds and decodes the Ethernet+ARP frames that tapline
// sends and observes. It is a pure function surface: no state, no I/O.
package arpwire

import (
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Broadcast is the Ethernet/ARP broadcast address ff:ff:ff:ff:ff:ff. The
// ARP query executor returns this as the sentinel "not found" MAC.
var Broadcast = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// DecodeError indicates a captured frame could not be parsed as the layer
// it was expected to be. Decode failures are never fatal; the caller drops
// the frame.
type DecodeError struct {
	Layer string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Layer, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// NetworkLocation is an immutable, copyable (ipv4, mac) pair.
type NetworkLocation struct {
	IPv4 net.IP
	MAC  net.HardwareAddr
}

// ArpMessage is the decoded form of an ARP packet body.
type ArpMessage struct {
	Operation uint16
	Sender    NetworkLocation
	Target    NetworkLocation
}

const (
	OpRequest = uint16(layers.ARPRequest)
	OpReply   = uint16(layers.ARPReply)
)

var serializeOpts = gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

// buildArp serializes an Ethernet+ARP frame for the given operation.
func buildArp(op uint16, sender, target NetworkLocation) ([]byte, error) {
	eth := layers.Ethernet{
		SrcMAC:       sender.MAC,
		DstMAC:       target.MAC,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         op,
		SourceHwAddress:   sender.MAC,
		SourceProtAddress: sender.IPv4.To4(),
		DstHwAddress:      target.MAC,
		DstProtAddress:    target.IPv4.To4(),
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOpts, &eth, &arp); err != nil {
		return nil, fmt.Errorf("serializing arp frame: %w", err)
	}
	frame := make([]byte, len(buf.Bytes()))
	copy(frame, buf.Bytes())
	return frame, nil
}

// BuildRequest produces an Ethernet II frame carrying a 28-byte ARP
// request body after the 14-byte header, zero-padded by the serializer to
// the 60-byte Ethernet minimum: sender is the requester's own (ipv4, mac); target's MAC is
// usually Broadcast and its IPv4 is the address being resolved.
func BuildRequest(sender, target NetworkLocation) ([]byte, error) {
	if target.MAC == nil {
		target.MAC = Broadcast
	}
	return buildArp(OpRequest, sender, target)
}

// BuildReply produces an ARP reply frame with the same layout as
// BuildRequest but operation=2. Used both for legitimate replies and for
// the forged replies the spoof driver transmits.
func BuildReply(sender, target NetworkLocation) ([]byte, error) {
	if target.MAC == nil {
		return nil, errors.New("arpwire: sending an arp reply requires a target mac")
	}
	return buildArp(OpReply, sender, target)
}

// WrapEthernet prepends a 14-byte Ethernet II header to body. ethertype is
// typically layers.EthernetTypeIPv4/IPv6/ARP, expressed here as a raw
// uint16 so callers forwarding arbitrary traffic don't need the layers
// import just to wrap a header.
func WrapEthernet(src, dst net.HardwareAddr, ethertype uint16, body []byte) ([]byte, error) {
	eth := layers.Ethernet{
		SrcMAC:       src,
		DstMAC:       dst,
		EthernetType: layers.EthernetType(ethertype),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, &eth, gopacket.Payload(body)); err != nil {
		return nil, fmt.Errorf("wrapping ethernet header: %w", err)
	}
	frame := make([]byte, len(buf.Bytes()))
	copy(frame, buf.Bytes())
	return frame, nil
}

// DecodeEthernet parses the 14-byte Ethernet II header of frame.
func DecodeEthernet(frame []byte) (*layers.Ethernet, error) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	ethL := pkt.Layer(layers.LayerTypeEthernet)
	if ethL == nil {
		return nil, &DecodeError{Layer: "ethernet", Err: errors.New("no ethernet layer")}
	}
	eth, ok := ethL.(*layers.Ethernet)
	if !ok {
		return nil, &DecodeError{Layer: "ethernet", Err: errors.New("unexpected layer type")}
	}
	return eth, nil
}

// DecodeArp parses the ARP body of an Ethernet+ARP frame. It returns a
// *DecodeError (never a bare error) so callers can identify the failure
// class without examining error text.
func DecodeArp(frame []byte) (*ArpMessage, error) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	arpL := pkt.Layer(layers.LayerTypeARP)
	if arpL == nil {
		return nil, &DecodeError{Layer: "arp", Err: errors.New("no arp layer")}
	}
	arp, ok := arpL.(*layers.ARP)
	if !ok {
		return nil, &DecodeError{Layer: "arp", Err: errors.New("unexpected layer type")}
	}
	return &ArpMessage{
		Operation: arp.Operation,
		Sender: NetworkLocation{
			IPv4: net.IP(arp.SourceProtAddress),
			MAC:  net.HardwareAddr(arp.SourceHwAddress),
		},
		Target: NetworkLocation{
			IPv4: net.IP(arp.DstProtAddress),
			MAC:  net.HardwareAddr(arp.DstHwAddress),
		},
	}, nil
}

// Ethertype returns the ethertype field of an Ethernet II frame without a
// full layer decode, for the inspector's fast dispatch path.
func Ethertype(frame []byte) (uint16, error) {
	eth, err := DecodeEthernet(frame)
	if err != nil {
		return 0, err
	}
	return uint16(eth.EthernetType), nil
}
