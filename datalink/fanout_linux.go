//go:build linux

package datalink

import "github.com/google/gopacket/pcap"

// setFanout would request AF_PACKET fanout with load-balancing
// distribution across multiple reader handles. libpcap itself has no
// fanout knob (that lives on raw AF_PACKET sockets, e.g. gopacket/afpacket,
// not gopacket/pcap); Open is always single-reader per handle, so this is
// a documented no-op until the capture backend grows an afpacket variant.
func setFanout(handle *pcap.Handle, group uint16) {}
