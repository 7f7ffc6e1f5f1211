package internal

import (
	"io"
	"net/netip"
)

// TunDevice is the virtual interface the kernel injects inner packets
// into. The forwarding loop needs the raw descriptor for its readiness
// set, so the device exposes it alongside the usual stream operations.
type TunDevice interface {
	io.ReadWriteCloser
	Fd() int
	Name() string
}

// OuterSock is one encapsulation socket, statically paired with its
// address family. A failed ReadFrom may leave a kernel error report
// queued; PendingError drains exactly one.
type OuterSock interface {
	Fd() int
	Family() Family
	ReadFrom(p []byte) (int, netip.AddrPort, error)
	WriteTo(p []byte, dst netip.AddrPort) (int, error)
	PendingError() (*ICMPError, error)
	Close() error
}
