package internal

import (
	"encoding/binary"
	"net/netip"
)

// Family tags an address family. Outer sockets are paired with a family at
// construction; inner packets are classified by their version nibble.
type Family uint8

const (
	FamilyV4 Family = 4
	FamilyV6 Family = 6
)

func (f Family) String() string {
	if f == FamilyV6 {
		return "v6"
	}
	return "v4"
}

// minPacket is the size threshold of the forwarding paths: a packet must be
// longer than this to be forwarded; one of exactly this size is dropped.
const minPacket = 32

// ppiHeader is the link-type tag some tun drivers require in front of every
// packet.
var ppiHeader = [4]byte{0x00, 0x00, 0x08, 0x00}

// packetFamily classifies a raw IP packet by its version nibble. ok is
// false for anything that is neither v4 nor v6.
func packetFamily(pkt []byte) (Family, bool) {
	if len(pkt) == 0 {
		return 0, false
	}
	switch pkt[0] & 0xf0 {
	case 0x40:
		return FamilyV4, true
	case 0x60:
		return FamilyV6, true
	}
	return 0, false
}

// The readers below use fixed offsets into an options-free inner header:
// the v4 destination address sits at bytes 16..20 and the transport
// destination port at 22..24; for v6 those are 24..40 and 42..44.

func innerDstAddr(pkt []byte, f Family) (netip.Addr, bool) {
	if f == FamilyV6 {
		if len(pkt) < 40 {
			return netip.Addr{}, false
		}
		return netip.AddrFrom16([16]byte(pkt[24:40])), true
	}
	if len(pkt) < 20 {
		return netip.Addr{}, false
	}
	return netip.AddrFrom4([4]byte(pkt[16:20])), true
}

func innerDstPort(pkt []byte, f Family) (uint16, bool) {
	off := 22
	if f == FamilyV6 {
		off = 42
	}
	if len(pkt) < off+2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(pkt[off : off+2]), true
}

func innerSrcPort(pkt []byte, f Family) (uint16, bool) {
	off := 20
	if f == FamilyV6 {
		off = 40
	}
	if len(pkt) < off+2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(pkt[off : off+2]), true
}

func innerProto(pkt []byte, f Family) uint8 {
	if f == FamilyV6 {
		if len(pkt) < 7 {
			return 0
		}
		return pkt[6]
	}
	if len(pkt) < 10 {
		return 0
	}
	return pkt[9]
}
