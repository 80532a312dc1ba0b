package datalink

import "github.com/google/gopacket/layers"

// layersEthernet is the link type Open requires of the opened handle.
const layersEthernet = layers.LinkTypeEthernet
