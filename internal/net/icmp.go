package net

const (
	icmpEchoRequest = 8
	icmpEchoReply   = 0
	icmpHeaderLen   = 8
)

// encodeICMPEchoRequest builds an ICMP echo request (RFC 792) with the
// given identifier/sequence and payload, checksum included.
func encodeICMPEchoRequest(id, seq uint16, payload []byte) []byte {
	pkt := make([]byte, icmpHeaderLen+len(payload))
	pkt[0] = icmpEchoRequest
	pkt[1] = 0 // code
	pkt[2], pkt[3] = 0, 0
	pkt[4] = byte(id >> 8)
	pkt[5] = byte(id)
	pkt[6] = byte(seq >> 8)
	pkt[7] = byte(seq)
	copy(pkt[icmpHeaderLen:], payload)

	sum := checksum(pkt)
	pkt[2] = byte(sum >> 8)
	pkt[3] = byte(sum)
	return pkt
}

type icmpEcho struct {
	Type byte
	ID   uint16
	Seq  uint16
}

// decodeICMPEcho parses an ICMP echo request/reply header. ok is false
// if the payload is shorter than the header or isn't an echo message.
func decodeICMPEcho(payload []byte) (icmpEcho, bool) {
	if len(payload) < icmpHeaderLen {
		return icmpEcho{}, false
	}
	if payload[0] != icmpEchoRequest && payload[0] != icmpEchoReply {
		return icmpEcho{}, false
	}
	return icmpEcho{
		Type: payload[0],
		ID:   uint16(payload[4])<<8 | uint16(payload[5]),
		Seq:  uint16(payload[6])<<8 | uint16(payload[7]),
	}, true
}
