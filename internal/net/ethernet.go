// Package net is the upper-layer packet stack spec.md §4.5.2 hands
// received frames to ("the driver walks the rx used ring and hands
// each packet to an upper-layer smoltcp-style stack"). internal/virtio
// stops at Ethernet frames in and out; this package is what gives the
// shell's ifconfig/ping commands something real to drive, within the
// Non-goal that scopes this build to "a single Ethernet interface with
// one IPv4 address" — no routing table, no multi-interface ARP
// resolution, no DHCP.
//
// The pack has no networking example to ground the wire formats on
// (the teacher is a Raspberry Pi kernel with no NIC driver at all), so
// Ethernet/ARP/IPv4/ICMP framing here follows the RFC layouts directly,
// in the same register-struct-as-byte-slice style internal/virtio's
// virtio_net_hdr handling already establishes for this codebase.
package net

import "fmt"

// MAC is a 6-byte Ethernet hardware address.
type MAC [6]byte

func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// Broadcast is the all-ones Ethernet destination.
var Broadcast = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

const (
	etherHeaderSize = 14

	EtherTypeIPv4 = 0x0800
	EtherTypeARP  = 0x0806
)

// encodeEthernet prepends a 14-byte Ethernet II header to payload.
func encodeEthernet(dst, src MAC, ethertype uint16, payload []byte) []byte {
	frame := make([]byte, etherHeaderSize+len(payload))
	copy(frame[0:6], dst[:])
	copy(frame[6:12], src[:])
	frame[12] = byte(ethertype >> 8)
	frame[13] = byte(ethertype)
	copy(frame[etherHeaderSize:], payload)
	return frame
}

// decodeEthernet splits a received frame into its header fields and
// payload. ok is false if the frame is shorter than a bare header.
func decodeEthernet(frame []byte) (dst, src MAC, ethertype uint16, payload []byte, ok bool) {
	if len(frame) < etherHeaderSize {
		return MAC{}, MAC{}, 0, nil, false
	}
	copy(dst[:], frame[0:6])
	copy(src[:], frame[6:12])
	ethertype = uint16(frame[12])<<8 | uint16(frame[13])
	payload = frame[etherHeaderSize:]
	return dst, src, ethertype, payload, true
}
