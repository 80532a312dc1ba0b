// Package datalink owns the raw Layer-2 handles: a single promiscuous
// capture stream fanned out to many consumers (CaptureHub), and a single
// serialized transmit path (FrameSender).
package datalink

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
)

// minBufferSize is the smallest read/write buffer size requested from the
// kernel for a capture handle.
const minBufferSize = 8 << 10 // 8 KiB

// PacketSource is the read half of a raw L2 handle. *pcap.Handle satisfies
// this already; it is factored out so CaptureHub can be driven by a fake
// in tests without a real NIC.
type PacketSource interface {
	ReadPacketData() (data []byte, ci gopacket.CaptureInfo, err error)
	Close()
}

// PacketSink is the write half of a raw L2 handle. *pcap.Handle satisfies
// this already.
type PacketSink interface {
	WritePacketData(data []byte) error
}

// InterfaceOpenError is returned by Open when the OS denies access to the
// interface or it is not Ethernet-class. It is fatal: the caller should
// exit rather than retry.
type InterfaceOpenError struct {
	Interface string
	Err       error
}

func (e *InterfaceOpenError) Error() string {
	return fmt.Sprintf("opening interface %s: %v", e.Interface, e.Err)
}

func (e *InterfaceOpenError) Unwrap() error { return e.Err }

// OpenConfig configures Open. The zero value selects sane defaults.
type OpenConfig struct {
	// SnapLen is the maximum number of bytes to capture per frame.
	// Zero selects 65536, large enough for any Ethernet II frame.
	SnapLen int32
	// FanoutGroup is passed to setFanout when non-zero. setFanout is a
	// no-op on every platform, Linux included, because the pcap handle
	// has no fanout control; no kernel-level packet fanout is configured.
	FanoutGroup uint16
}

// Open starts a promiscuous Layer-2 capture on ifaceName and returns a
// PacketSource for reading and a PacketSink for writing, both backed by
// the same underlying handle. Promiscuous mode is always on; there is no
// read/write timeout (pcap.BlockForever); buffer sizes are at least 8 KiB
// per direction.
func Open(ifaceName string, cfg OpenConfig) (PacketSource, PacketSink, error) {
	snap := cfg.SnapLen
	if snap <= 0 {
		snap = 65536
	}

	inactive, err := pcap.NewInactiveHandle(ifaceName)
	if err != nil {
		return nil, nil, &InterfaceOpenError{Interface: ifaceName, Err: err}
	}
	defer inactive.CleanUp()

	if err := inactive.SetSnapLen(int(snap)); err != nil {
		return nil, nil, &InterfaceOpenError{Interface: ifaceName, Err: err}
	}
	if err := inactive.SetPromisc(true); err != nil {
		return nil, nil, &InterfaceOpenError{Interface: ifaceName, Err: err}
	}
	if err := inactive.SetTimeout(pcap.BlockForever); err != nil {
		return nil, nil, &InterfaceOpenError{Interface: ifaceName, Err: err}
	}
	if err := inactive.SetBufferSize(minBufferSize); err != nil {
		return nil, nil, &InterfaceOpenError{Interface: ifaceName, Err: err}
	}

	handle, err := inactive.Activate()
	if err != nil {
		return nil, nil, &InterfaceOpenError{Interface: ifaceName, Err: err}
	}

	if handle.LinkType() != layersEthernet {
		handle.Close()
		return nil, nil, &InterfaceOpenError{Interface: ifaceName, Err: fmt.Errorf("interface link type %s is not Ethernet", handle.LinkType())}
	}

	if cfg.FanoutGroup != 0 {
		setFanout(handle, cfg.FanoutGroup)
	}

	return handle, handle, nil
}
