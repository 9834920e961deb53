package net

import (
	"testing"

	"vkernel/internal/errs"
)

func TestParseIPv4(t *testing.T) {
	cases := []struct {
		in   string
		want IPv4Addr
		ok   bool
	}{
		{"10.0.2.15", IPv4Addr{10, 0, 2, 15}, true},
		{"0.0.0.0", IPv4Addr{0, 0, 0, 0}, true},
		{"255.255.255.255", IPv4Addr{255, 255, 255, 255}, true},
		{"256.0.0.1", IPv4Addr{}, false},
		{"1.2.3", IPv4Addr{}, false},
		{"1.2.3.4.5", IPv4Addr{}, false},
		{"not.an.ip.addr", IPv4Addr{}, false},
		{"", IPv4Addr{}, false},
	}
	for _, c := range cases {
		got, ok := ParseIPv4(c.in)
		if ok != c.ok || (ok && got != c.want) {
			t.Errorf("ParseIPv4(%q) = %v, %v; want %v, %v", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestIPv4AddrString(t *testing.T) {
	a := IPv4Addr{10, 0, 2, 15}
	if got := a.String(); got != "10.0.2.15" {
		t.Errorf("String() = %q, want 10.0.2.15", got)
	}
}

func TestMACString(t *testing.T) {
	m := MAC{0x52, 0x55, 0x0a, 0x00, 0x02, 0x02}
	if got := m.String(); got != "52:55:0a:00:02:02" {
		t.Errorf("String() = %q, want 52:55:0a:00:02:02", got)
	}
}

func TestEthernetRoundTrip(t *testing.T) {
	dst := MAC{1, 2, 3, 4, 5, 6}
	src := MAC{6, 5, 4, 3, 2, 1}
	frame := encodeEthernet(dst, src, EtherTypeIPv4, []byte("payload"))

	gotDst, gotSrc, ethertype, payload, ok := decodeEthernet(frame)
	if !ok || gotDst != dst || gotSrc != src || ethertype != EtherTypeIPv4 || string(payload) != "payload" {
		t.Fatalf("decodeEthernet round trip = %v %v %v %q %v", gotDst, gotSrc, ethertype, payload, ok)
	}
}

func TestDecodeEthernetRejectsShortFrame(t *testing.T) {
	if _, _, _, _, ok := decodeEthernet([]byte{1, 2, 3}); ok {
		t.Fatal("decodeEthernet accepted a too-short frame")
	}
}

func TestARPRoundTrip(t *testing.T) {
	srcMAC := MAC{1, 2, 3, 4, 5, 6}
	srcIP := IPv4Addr{10, 0, 2, 15}
	targetIP := IPv4Addr{10, 0, 2, 2}

	req := encodeARPRequest(srcMAC, srcIP, targetIP)
	got, ok := decodeARP(req)
	if !ok || got.Op != arpOpRequest || got.SenderMAC != srcMAC || got.SenderIP != srcIP || got.TargetIP != targetIP {
		t.Fatalf("decodeARP round trip = %+v, %v", got, ok)
	}
}

func TestIPv4RoundTrip(t *testing.T) {
	src := IPv4Addr{10, 0, 2, 15}
	dst := IPv4Addr{8, 8, 8, 8}
	payload := []byte("icmp body")

	pkt := encodeIPv4(src, dst, ipProtoICMP, 7, payload)
	got, ok := decodeIPv4(pkt)
	if !ok || got.Proto != ipProtoICMP || got.Src != src || got.Dst != dst || string(got.Payload) != string(payload) {
		t.Fatalf("decodeIPv4 round trip = %+v, %v", got, ok)
	}
}

func TestDecodeIPv4RejectsTruncated(t *testing.T) {
	if _, ok := decodeIPv4([]byte{0x45, 0, 0}); ok {
		t.Fatal("decodeIPv4 accepted a truncated packet")
	}
}

func TestICMPEchoRoundTrip(t *testing.T) {
	pkt := encodeICMPEchoRequest(42, 1, []byte("ping"))
	got, ok := decodeICMPEcho(pkt)
	if !ok || got.Type != icmpEchoRequest || got.ID != 42 || got.Seq != 1 {
		t.Fatalf("decodeICMPEcho round trip = %+v, %v", got, ok)
	}
}

func TestChecksumOfKnownBuffer(t *testing.T) {
	// RFC 1071 worked example-style sanity check: this buffer's words
	// sum to 0xddf2, so its checksum is 0x220d, and appending the
	// checksum back onto the buffer must make the whole thing re-sum
	// to zero.
	data := []byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}
	sum := checksum(data)
	full := append(append([]byte{}, data...), byte(sum>>8), byte(sum))
	if checksum(full) != 0 {
		t.Errorf("checksum of data+its own checksum = %#x, want 0", checksum(full))
	}
}

// fakeDevice is an in-memory Device: Transmit appends to Sent, Poll
// drains Incoming. Tests drive ARP/ICMP replies by pre-loading Incoming
// before calling Stack methods, mirroring the fake-peripheral pattern
// internal/virtio's tests already use for Memory/BlockDevice fakes.
type fakeDevice struct {
	Sent     [][]byte
	Incoming [][]byte
}

func (d *fakeDevice) Transmit(frame []byte) error {
	d.Sent = append(d.Sent, append([]byte{}, frame...))
	return nil
}

func (d *fakeDevice) Poll() ([][]byte, error) {
	out := d.Incoming
	d.Incoming = nil
	return out, nil
}

func gatewayStack() (*Stack, IPv4Addr) {
	local := MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	localIP := IPv4Addr{10, 0, 2, 15}
	gateway := IPv4Addr{10, 0, 2, 2}
	return NewStack(local, localIP, gateway), gateway
}

func TestPingToGatewayUsesHardcodedMAC(t *testing.T) {
	s, gateway := gatewayStack()
	dev := &fakeDevice{}

	// Queue the echo reply before Ping runs its poll loop.
	id := s.nextID
	reply := encodeICMPEchoRequest(id, 1, []byte("vkernel ping"))
	reply[0] = icmpEchoReply
	reply[2], reply[3] = 0, 0
	sum := checksum(reply)
	reply[2], reply[3] = byte(sum>>8), byte(sum)
	ip := encodeIPv4(gateway, s.LocalIP, ipProtoICMP, id, reply)
	frame := encodeEthernet(s.LocalMAC, qemuUserGatewayMAC, EtherTypeIPv4, ip)
	dev.Incoming = [][]byte{frame}

	result, err := s.Ping(dev, gateway)
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if result.ReplyFrom != gateway || result.Seq != 1 {
		t.Errorf("Ping result = %+v, want reply from %v seq 1", result, gateway)
	}
	if len(dev.Sent) != 1 {
		t.Fatalf("Sent = %d frames, want 1 (no ARP needed for the gateway)", len(dev.Sent))
	}
}

func TestPingTimesOutWithNoReply(t *testing.T) {
	s, gateway := gatewayStack()
	dev := &fakeDevice{}

	if _, err := s.Ping(dev, gateway); !errs.Is(err, errs.Timeout) {
		t.Fatalf("Ping error = %v, want Timeout", err)
	}
}

func TestResolveOffSubnetUsesGatewayMAC(t *testing.T) {
	s, _ := gatewayStack()
	dev := &fakeDevice{}

	mac, err := s.resolve(dev, IPv4Addr{8, 8, 8, 8}, 10)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if mac != qemuUserGatewayMAC {
		t.Errorf("resolve(off-subnet) = %v, want the hardcoded gateway MAC", mac)
	}
	if len(dev.Sent) != 0 {
		t.Errorf("resolve(off-subnet) sent %d ARP requests, want 0 (gateway MAC is hardcoded)", len(dev.Sent))
	}
}

func TestResolveOnSubnetSendsArpAndCaches(t *testing.T) {
	s, _ := gatewayStack()
	dev := &fakeDevice{}
	peerIP := IPv4Addr{10, 0, 2, 20}
	peerMAC := MAC{9, 9, 9, 9, 9, 9}

	arpReply := encodeARP(arpOpReply, peerMAC, peerIP, s.LocalMAC, s.LocalIP)
	dev.Incoming = [][]byte{encodeEthernet(s.LocalMAC, peerMAC, EtherTypeARP, arpReply)}

	mac, err := s.resolve(dev, peerIP, 10)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if mac != peerMAC {
		t.Errorf("resolve(on-subnet) = %v, want %v", mac, peerMAC)
	}
	if len(dev.Sent) != 1 {
		t.Fatalf("Sent = %d frames, want 1 ARP request", len(dev.Sent))
	}

	// Second call should hit the cache and send nothing further.
	dev.Sent = nil
	mac2, err := s.resolve(dev, peerIP, 10)
	if err != nil {
		t.Fatalf("resolve (cached): %v", err)
	}
	if mac2 != peerMAC || len(dev.Sent) != 0 {
		t.Errorf("resolve (cached) = %v, sent %d frames; want cached %v and no new ARP", mac2, len(dev.Sent), peerMAC)
	}
}
