package internal

import (
	"encoding/binary"
	"net/netip"

	"go.uber.org/zap"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// ICMPError is one kernel-reported asynchronous error drained from an
// outer socket's error queue.
type ICMPError struct {
	Type     uint8
	Code     uint8
	Offender netip.Addr
	// Data holds the leading bytes of the offending datagram, echoed
	// back inside the forged packet.
	Data [8]byte
}

// forgedICMPLen is a minimal v4 header plus a 4-byte ICMP header and the
// 8 echoed bytes.
const forgedICMPLen = header.IPv4MinimumSize + 4 + 8

// forgeICMP synthesises an ICMPv4 packet that replays a path error toward
// the private side: source is the offending hop, destination the local
// private address, type/code copied from the kernel report, both
// checksums one's-complement sums. The caller writes the result into the
// tun so the inner transport observes the error end to end.
func forgeICMP(e *ICMPError, privAddr netip.Addr) []byte {
	pkt := make([]byte, forgedICMPLen)

	ip := header.IPv4(pkt)
	ip.Encode(&header.IPv4Fields{
		TotalLength: forgedICMPLen,
		TTL:         255,
		Protocol:    uint8(header.ICMPv4ProtocolNumber),
		SrcAddr:     tcpip.AddrFrom4(e.Offender.As4()),
		DstAddr:     tcpip.AddrFrom4(privAddr.As4()),
	})
	ip.SetChecksum(^ip.CalculateChecksum())

	ic := pkt[header.IPv4MinimumSize:]
	ic[0] = e.Type
	ic[1] = e.Code
	copy(ic[4:], e.Data[:])
	binary.BigEndian.PutUint16(ic[2:4], ^checksum.Checksum(ic, 0))

	return pkt
}

// logICMPType spells out the common unreachable codes the way operators
// expect to read them.
func logICMPType(log *zap.SugaredLogger, typ, code uint8) {
	const icmpDestUnreach = 3
	switch typ {
	case icmpDestUnreach:
		switch code {
		case 0:
			log.Debug("icmp network unreachable")
		case 1:
			log.Debug("icmp host unreachable")
		case 2:
			log.Debug("icmp protocol unreachable")
		case 3:
			log.Debug("icmp port unreachable")
		default:
			log.Debugf("icmp unreachable code %d", code)
		}
	case 4:
		log.Debug("icmp source quench")
	case 5:
		log.Debug("icmp redirect")
	case 11:
		log.Debug("icmp time exceeded")
	case 12:
		log.Debug("icmp parameter problem")
	default:
		log.Debugf("icmp type %d code %d", typ, code)
	}
}
