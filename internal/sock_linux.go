//go:build linux

package internal

import (
	"fmt"
	"net/netip"
	"unsafe"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// packetSock implements OuterSock over a datagram or raw-IP descriptor.
type packetSock struct {
	fd  int
	fam Family
}

func (s *packetSock) Fd() int        { return s.fd }
func (s *packetSock) Family() Family { return s.fam }

func (s *packetSock) ReadFrom(p []byte) (int, netip.AddrPort, error) {
	n, from, err := unix.Recvfrom(s.fd, p, 0)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	return n, sockaddrToAddrPort(from), nil
}

func (s *packetSock) WriteTo(p []byte, dst netip.AddrPort) (int, error) {
	sa, err := addrPortToSockaddr(dst, s.fam)
	if err != nil {
		return 0, err
	}
	if err := unix.Sendto(s.fd, p, 0, sa); err != nil {
		return 0, fmt.Errorf("sendto %s: %w", dst, err)
	}
	return len(p), nil
}

func (s *packetSock) PendingError() (*ICMPError, error) {
	return drainErrqueue(s.fd, s.fam)
}

func (s *packetSock) Close() error { return unix.Close(s.fd) }

// NewUDPSock opens the outer UDP socket bound to addr:port, with the
// kernel error queue enabled so path errors surface as receive failures.
func NewUDPSock(f Family, addr netip.Addr, port uint16) (OuterSock, error) {
	domain := unix.AF_INET
	if f == FamilyV6 {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("udp socket: %w", err)
	}

	sa, err := addrPortToSockaddr(netip.AddrPortFrom(addr, port), f)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind udp %s:%d: %w", addr, port, err)
	}

	if f == FamilyV6 {
		err = unix.SetsockoptInt(fd, unix.SOL_IPV6, unix.IPV6_RECVERR, 1)
	} else {
		err = unix.SetsockoptInt(fd, unix.SOL_IP, unix.IP_RECVERR, 1)
	}
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("enable recverr: %w", err)
	}

	return &packetSock{fd: fd, fam: f}, nil
}

// NewRawSock opens a raw-IP outer socket speaking the configured protocol
// number. The kernel builds the outer header on send and delivers it on
// receive. A source-port filter keeps the descriptor from seeing every
// matching-protocol packet on the host, and dev pins it to the public
// egress interface.
func NewRawSock(f Family, port uint16, proto int, filter []bpf.RawInstruction, dev string) (OuterSock, error) {
	domain := unix.AF_INET
	if f == FamilyV6 {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_RAW|unix.SOCK_CLOEXEC, proto)
	if err != nil {
		return nil, fmt.Errorf("raw socket proto %d: %w", proto, err)
	}

	if dev != "" {
		if err := unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, dev); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("bind to device %s: %w", dev, err)
		}
	}
	if len(filter) > 0 {
		if err := attachFilter(fd, filter); err != nil {
			unix.Close(fd)
			return nil, err
		}
	}

	if port != 0 {
		sa, err := addrPortToSockaddr(netip.AddrPortFrom(zeroAddr(f), port), f)
		if err != nil {
			unix.Close(fd)
			return nil, err
		}
		if err := unix.Bind(fd, sa); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("bind raw port %d: %w", port, err)
		}
	}

	return &packetSock{fd: fd, fam: f}, nil
}

func attachFilter(fd int, prog []bpf.RawInstruction) error {
	filt := make([]unix.SockFilter, len(prog))
	for i, ins := range prog {
		filt[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	fprog := unix.SockFprog{
		Len:    uint16(len(filt)),
		Filter: (*unix.SockFilter)(unsafe.Pointer(&filt[0])),
	}
	if err := unix.SetsockoptSockFprog(fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &fprog); err != nil {
		return fmt.Errorf("attach filter: %w", err)
	}
	return nil
}

func zeroAddr(f Family) netip.Addr {
	if f == FamilyV6 {
		return netip.IPv6Unspecified()
	}
	return netip.IPv4Unspecified()
}

func addrPortToSockaddr(ap netip.AddrPort, f Family) (unix.Sockaddr, error) {
	if f == FamilyV6 {
		a := ap.Addr()
		if !a.Is6() {
			return nil, fmt.Errorf("address %s is not IPv6", a)
		}
		return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: a.As16()}, nil
	}
	a := ap.Addr()
	if !a.Is4() {
		return nil, fmt.Errorf("address %s is not IPv4", a)
	}
	return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: a.As4()}, nil
}

func sockaddrToAddrPort(sa unix.Sockaddr) netip.AddrPort {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(v.Addr), uint16(v.Port))
	}
	return netip.AddrPort{}
}
