//go:build linux

package internal

import (
	"fmt"
	"net/netip"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Error-queue origins, from the kernel's extended error reporting.
const (
	eeOriginICMP  = 2
	eeOriginICMP6 = 3
)

// drainErrqueue pulls one pending extended error off a socket whose
// receive just failed. The returned report is nil when the queue held
// something other than an ICMP-originated error.
func drainErrqueue(fd int, f Family) (*ICMPError, error) {
	// The iovec catches the leading bytes of the offending datagram.
	payload := make([]byte, 8)
	oob := make([]byte, 512)

	_, oobn, _, _, err := unix.Recvmsg(fd, payload, oob, unix.MSG_ERRQUEUE)
	if err != nil {
		return nil, fmt.Errorf("recvmsg errqueue: %w", err)
	}

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, fmt.Errorf("parse errqueue cmsg: %w", err)
	}

	for _, m := range cmsgs {
		v4err := m.Header.Level == unix.SOL_IP && m.Header.Type == unix.IP_RECVERR
		v6err := m.Header.Level == unix.SOL_IPV6 && m.Header.Type == unix.IPV6_RECVERR
		if !v4err && !v6err {
			continue
		}
		seSize := int(unsafe.Sizeof(unix.SockExtendedErr{}))
		if len(m.Data) < seSize {
			continue
		}
		se := (*unix.SockExtendedErr)(unsafe.Pointer(&m.Data[0]))
		if se.Origin != eeOriginICMP && se.Origin != eeOriginICMP6 {
			continue
		}

		rep := &ICMPError{Type: se.Type, Code: se.Code}
		copy(rep.Data[:], payload)
		rep.Offender = offenderAddr(m.Data[seSize:], f)
		return rep, nil
	}
	return nil, nil
}

// offenderAddr decodes the sockaddr the kernel appends after the extended
// error: the hop that generated the ICMP message.
func offenderAddr(b []byte, f Family) netip.Addr {
	if f == FamilyV6 {
		if len(b) < unix.SizeofSockaddrInet6 {
			return netip.Addr{}
		}
		sa := (*unix.RawSockaddrInet6)(unsafe.Pointer(&b[0]))
		return netip.AddrFrom16(sa.Addr)
	}
	if len(b) < unix.SizeofSockaddrInet4 {
		return netip.Addr{}
	}
	sa := (*unix.RawSockaddrInet4)(unsafe.Pointer(&b[0]))
	return netip.AddrFrom4(sa.Addr)
}
