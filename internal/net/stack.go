package net

import "vkernel/internal/errs"

// Device is the minimal transmit/poll surface Stack needs; kernel.go
// adapts a *virtio.Net (plus its backing Memory pool) to this
// interface, so this package stays host-testable and ignorant of
// VirtIO, the same split internal/fs draws around BlockDevice.
type Device interface {
	Transmit(frame []byte) error
	// Poll returns every frame received since the last call, each one
	// already stripped of the virtio_net_hdr prefix.
	Poll() ([][]byte, error)
}

// qemuUserGatewayMAC is QEMU user-mode networking's fixed gateway
// hardware address (52:55:0a:00:02:02 for the default 10.0.2.2
// gateway). QEMU's user-mode NIC never answers ARP requests for its own
// gateway, so every front-end that talks to it (the original shell
// included) hardcodes this rather than resolving it; documented here
// rather than silently baked into Ping so a real-hardware deployment
// knows exactly what to change.
var qemuUserGatewayMAC = MAC{0x52, 0x55, 0x0a, 0x00, 0x02, 0x02}

// Stack is the single-interface IPv4 stack spec.md's Non-goals scope
// this build to: one Ethernet device, one statically configured
// address, a hardcoded gateway MAC (the gateway is never ARPed), ARP
// for on-subnet peers and ICMP echo for ping. It
// owns no routing table, no DHCP client and no multi-interface ARP
// cache — "beyond" those is explicitly out of scope.
type Stack struct {
	LocalMAC MAC
	LocalIP  IPv4Addr
	Gateway  IPv4Addr

	arpCache map[IPv4Addr]MAC
	nextID   uint16
}

// NewStack builds a Stack for one local MAC/IP over the given gateway.
func NewStack(localMAC MAC, localIP, gateway IPv4Addr) *Stack {
	return &Stack{
		LocalMAC: localMAC,
		LocalIP:  localIP,
		Gateway:  gateway,
		arpCache: make(map[IPv4Addr]MAC),
		nextID:   1,
	}
}

// sameSubnet reports whether ip shares the local address's first octet — a
// standalone shell has no subnet mask plumbed through from ifconfig,
// so this mirrors the original's own simplification (first octet
// match) for deciding whether to address a target directly or via the
// gateway.
func (s *Stack) sameSubnet(ip IPv4Addr) bool {
	return ip[0] == s.LocalIP[0]
}

// resolve returns the MAC address to send frames for ip to: the
// gateway's hardcoded MAC for off-subnet or gateway-itself addresses,
// an ARP exchange for anything else.
func (s *Stack) resolve(dev Device, ip IPv4Addr, pollAttempts int) (MAC, error) {
	nextHop := ip
	if !s.sameSubnet(ip) {
		nextHop = s.Gateway
	}
	if nextHop == s.Gateway {
		return qemuUserGatewayMAC, nil
	}
	if mac, ok := s.arpCache[nextHop]; ok {
		return mac, nil
	}

	req := encodeARPRequest(s.LocalMAC, s.LocalIP, nextHop)
	if err := dev.Transmit(encodeEthernet(Broadcast, s.LocalMAC, EtherTypeARP, req)); err != nil {
		return MAC{}, err
	}
	for i := 0; i < pollAttempts; i++ {
		frames, err := dev.Poll()
		if err != nil {
			return MAC{}, err
		}
		for _, frame := range frames {
			_, src, ethertype, payload, ok := decodeEthernet(frame)
			if !ok || ethertype != EtherTypeARP {
				continue
			}
			arp, ok := decodeARP(payload)
			if !ok || arp.Op != arpOpReply || arp.SenderIP != nextHop {
				continue
			}
			s.arpCache[nextHop] = src
			return src, nil
		}
	}
	return MAC{}, errs.New(errs.Timeout, "arp: no reply from %v", nextHop)
}

// PingResult is what a successful Ping reports back to the shell.
type PingResult struct {
	ReplyFrom IPv4Addr
	Seq       uint16
}

// pingPollAttempts bounds the busy-wait poll loop Ping and resolve run
// while waiting for a reply; there is no wall-clock timer wired to this
// package, so "timeout" means "this many polls produced nothing".
const pingPollAttempts = 2000

// Ping sends one ICMP echo request to target and waits for its reply,
// resolving the next-hop MAC first if needed (spec.md's shell `ping
// <ip>` command).
func (s *Stack) Ping(dev Device, target IPv4Addr) (PingResult, error) {
	destMAC, err := s.resolve(dev, target, pingPollAttempts)
	if err != nil {
		return PingResult{}, err
	}

	id := s.nextID
	s.nextID++
	seq := uint16(1)
	echo := encodeICMPEchoRequest(id, seq, []byte("vkernel ping"))
	ip := encodeIPv4(s.LocalIP, target, ipProtoICMP, id, echo)
	frame := encodeEthernet(destMAC, s.LocalMAC, EtherTypeIPv4, ip)
	if err := dev.Transmit(frame); err != nil {
		return PingResult{}, err
	}

	for i := 0; i < pingPollAttempts; i++ {
		frames, err := dev.Poll()
		if err != nil {
			return PingResult{}, err
		}
		for _, raw := range frames {
			_, _, ethertype, payload, ok := decodeEthernet(raw)
			if !ok || ethertype != EtherTypeIPv4 {
				continue
			}
			iphdr, ok := decodeIPv4(payload)
			if !ok || iphdr.Proto != ipProtoICMP {
				continue
			}
			reply, ok := decodeICMPEcho(iphdr.Payload)
			if !ok || reply.Type != icmpEchoReply || reply.ID != id {
				continue
			}
			return PingResult{ReplyFrom: iphdr.Src, Seq: reply.Seq}, nil
		}
	}
	return PingResult{}, errs.New(errs.Timeout, "ping: no reply from %v", target)
}
