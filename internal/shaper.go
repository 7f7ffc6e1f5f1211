package internal

import (
	"errors"
	"fmt"
)

// PacketBuf is a packet buffer with leading slack so that header prepends
// and strips reshape the slice instead of copying.
type PacketBuf struct {
	store []byte
	head  int
	tail  int
	room  int
}

// NewPacketBuf allocates a buffer able to carry size payload bytes behind
// headroom bytes of slack.
func NewPacketBuf(size, headroom int) *PacketBuf {
	return &PacketBuf{
		store: make([]byte, headroom+size),
		head:  headroom,
		tail:  headroom,
		room:  headroom,
	}
}

// Reset rewinds the buffer to its full headroom for the next packet.
func (b *PacketBuf) Reset() {
	b.head = b.room
	b.tail = b.room
}

// Writable is the region a read syscall fills; follow with SetLen.
func (b *PacketBuf) Writable() []byte { return b.store[b.head:] }

// SetLen records the number of bytes a read placed into Writable.
func (b *PacketBuf) SetLen(n int) { b.tail = b.head + n }

// Bytes is the current packet.
func (b *PacketBuf) Bytes() []byte { return b.store[b.head:b.tail] }

// Len is the current packet length.
func (b *PacketBuf) Len() int { return b.tail - b.head }

// Strip drops n leading bytes.
func (b *PacketBuf) Strip(n int) error {
	if n < 0 || b.head+n > b.tail {
		return fmt.Errorf("strip %d of %d-byte packet", n, b.Len())
	}
	b.head += n
	return nil
}

// Prepend places p immediately before the packet.
func (b *PacketBuf) Prepend(p []byte) error {
	if len(p) > b.head {
		return errors.New("no headroom left")
	}
	b.head -= len(p)
	copy(b.store[b.head:], p)
	return nil
}

// Shaper applies the scoped header adjustments between the tun side and
// the wire side: the 4-byte PPI tun tag, the configured shim header, and
// the outer IP header a raw-socket receiver is handed by the kernel.
//
// Tun egress runs StripPPI, then the address lookup on the bare inner
// packet, then PrependRaw before the wire send. Wire ingress runs
// StripWire, then PrependPPI before the tun write.
type Shaper struct {
	ppi       bool
	rawHeader []byte
	rawSize   int
	rawOuter  bool
}

// NewShaper builds the shaper for the configured transport.
func NewShaper(cfg *Config) *Shaper {
	return &Shaper{
		ppi:       cfg.PlanetLab,
		rawHeader: cfg.RawHeader(),
		rawSize:   cfg.RawHeaderSize,
		rawOuter:  !cfg.UDP,
	}
}

// WireHeadroom is the slack a wire-read buffer needs before the tun write.
func (s *Shaper) WireHeadroom() int { return len(ppiHeader) }

// TunHeadroom is the slack a tun-read buffer needs before the wire send.
func (s *Shaper) TunHeadroom() int { return s.rawSize }

// StripPPI removes the tun link tag from a packet read from the tun.
func (s *Shaper) StripPPI(b *PacketBuf) error {
	if !s.ppi {
		return nil
	}
	return b.Strip(len(ppiHeader))
}

// PrependPPI places the tun link tag in front of a packet bound for the
// tun.
func (s *Shaper) PrependPPI(b *PacketBuf) error {
	if !s.ppi {
		return nil
	}
	return b.Prepend(ppiHeader[:])
}

// PrependRaw places the shim header in front of a packet bound for the
// wire.
func (s *Shaper) PrependRaw(b *PacketBuf) error {
	if s.rawSize == 0 {
		return nil
	}
	return b.Prepend(s.rawHeader)
}

// StripWire removes the shim header — and, on a raw outer socket, the
// kernel-delivered outer IP header in front of it — from a received
// packet.
func (s *Shaper) StripWire(b *PacketBuf, f Family) error {
	if s.rawOuter {
		outer := 20
		if f == FamilyV6 {
			outer = 40
		}
		if err := b.Strip(outer); err != nil {
			return err
		}
	}
	if s.rawSize == 0 {
		return nil
	}
	return b.Strip(s.rawSize)
}
