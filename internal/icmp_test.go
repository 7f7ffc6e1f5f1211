package internal

import (
	"bytes"
	"encoding/binary"
	"net/netip"
	"testing"
)

// refChecksum is an independent 16-bit one's-complement sum used to
// cross-check the forged headers.
func refChecksum(b []byte) uint16 {
	var sum uint32
	for len(b) > 1 {
		sum += uint32(binary.BigEndian.Uint16(b))
		b = b[2:]
	}
	if len(b) == 1 {
		sum += uint32(b[0]) << 8
	}
	for sum>>16 != 0 {
		sum = sum>>16 + sum&0xffff
	}
	return ^uint16(sum)
}

func TestForgeICMP(t *testing.T) {
	rep := &ICMPError{
		Type:     3,
		Code:     3,
		Offender: netip.MustParseAddr("198.51.100.9"),
		Data:     [8]byte{0xaa, 0xbb, 0xcc, 0xdd, 1, 2, 3, 4},
	}
	priv := netip.MustParseAddr("10.0.0.1")

	pkt := forgeICMP(rep, priv)
	if len(pkt) != forgedICMPLen {
		t.Fatalf("length: %d", len(pkt))
	}

	// IPv4 header fields.
	if pkt[0] != 0x45 {
		t.Fatalf("version/ihl: %#x", pkt[0])
	}
	if got := binary.BigEndian.Uint16(pkt[2:4]); got != forgedICMPLen {
		t.Fatalf("total length: %d", got)
	}
	if pkt[8] != 255 {
		t.Fatalf("ttl: %d", pkt[8])
	}
	if pkt[9] != 1 {
		t.Fatalf("protocol: %d", pkt[9])
	}
	if !bytes.Equal(pkt[12:16], rep.Offender.AsSlice()) {
		t.Fatalf("src: %v", pkt[12:16])
	}
	if !bytes.Equal(pkt[16:20], priv.AsSlice()) {
		t.Fatalf("dst: %v", pkt[16:20])
	}

	// A valid header checksums to zero when re-summed with the field in
	// place.
	if refChecksum(pkt[:20]) != 0 {
		t.Fatal("ip checksum invalid")
	}

	// ICMP part.
	ic := pkt[20:]
	if ic[0] != 3 || ic[1] != 3 {
		t.Fatalf("type/code: %d/%d", ic[0], ic[1])
	}
	if !bytes.Equal(ic[4:12], rep.Data[:]) {
		t.Fatalf("echoed data: %x", ic[4:12])
	}
	if refChecksum(ic) != 0 {
		t.Fatal("icmp checksum invalid")
	}
}

func TestForgeICMPDistinctErrors(t *testing.T) {
	priv := netip.MustParseAddr("10.0.0.1")
	a := forgeICMP(&ICMPError{Type: 3, Code: 0, Offender: netip.MustParseAddr("203.0.113.1")}, priv)
	b := forgeICMP(&ICMPError{Type: 11, Code: 0, Offender: netip.MustParseAddr("203.0.113.1")}, priv)
	if bytes.Equal(a, b) {
		t.Fatal("different reports should forge different packets")
	}
	if refChecksum(b[20:]) != 0 {
		t.Fatal("icmp checksum invalid for time-exceeded")
	}
}
