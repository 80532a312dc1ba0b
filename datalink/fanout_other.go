//go:build !linux

package datalink

import "github.com/google/gopacket/pcap"

// setFanout is a no-op outside Linux; fanout is not part of libpcap's
// cross-platform surface.
func setFanout(handle *pcap.Handle, group uint16) {}
