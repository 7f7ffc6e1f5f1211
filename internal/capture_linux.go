//go:build linux

package internal

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"go.uber.org/zap"
)

// Capture sniffs one interface into a libpcap trace. The sink arms
// itself, waits at the start barrier, and only then lets the rest of the
// process emit measurement traffic, so the traces cover every packet of
// the run.
type Capture struct {
	st   *RuntimeState
	log  *zap.SugaredLogger
	tun  bool
	dev  string
	port uint16
}

// NewTunCapture captures the tun side of a run.
func NewTunCapture(st *RuntimeState) *Capture {
	return &Capture{st: st, log: st.Log(), tun: true, dev: st.Tun.Name()}
}

// NewWireCapture captures the public side of a run, filtered to the outer
// port plus ICMP.
func NewWireCapture(st *RuntimeState) *Capture {
	return &Capture{
		st:   st,
		log:  st.Log(),
		dev:  st.Config.DefaultIf,
		port: st.Config.PublicPort,
	}
}

// Start opens the handle and the dump file and parks the capture loop on
// the lifecycle registry.
func (c *Capture) Start() error {
	cfg := c.st.Config

	tag := "notun"
	if c.tun {
		tag = "tun"
	}
	path := fmt.Sprintf("%s%s.%s.pcap", cfg.OutDir, tag, cfg.RunID)

	handle, err := pcapgo.NewEthernetHandle(c.dev)
	if err != nil {
		return fmt.Errorf("open capture on %s: %w", c.dev, err)
	}

	f, err := os.Create(path)
	if err != nil {
		handle.Close()
		return fmt.Errorf("pcap file: %w", err)
	}
	if err := os.Chmod(path, 0o666); err != nil {
		handle.Close()
		f.Close()
		return fmt.Errorf("chmod pcap file: %w", err)
	}

	link := layers.LinkTypeEthernet
	if c.tun {
		// A tun device carries bare IP packets.
		link = layers.LinkTypeRaw
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(uint32(cfg.Snaplen), link); err != nil {
		handle.Close()
		f.Close()
		return fmt.Errorf("pcap header: %w", err)
	}

	c.st.Life.RegisterCloser("capture-"+tag, handleCloser{handle})
	c.st.Life.Go("capture-"+tag, func(ctx context.Context) {
		defer f.Close()
		c.st.Start.Wait()
		c.log.Infof("capturing %s into %s", c.dev, path)
		c.loop(ctx, handle, w, uint32(cfg.Snaplen))
	})
	return nil
}

func (c *Capture) loop(ctx context.Context, handle *pcapgo.EthernetHandle, w *pcapgo.Writer, snaplen uint32) {
	for {
		data, ci, err := handle.ZeroCopyReadPacketData()
		if err != nil {
			if ctx.Err() == nil {
				c.log.Debugw("capture read", "dev", c.dev, "err", err)
			}
			return
		}
		if !c.wanted(data) {
			continue
		}
		if uint32(len(data)) > snaplen {
			data = data[:snaplen]
			ci.CaptureLength = int(snaplen)
		}
		if err := w.WritePacket(ci, data); err != nil {
			c.log.Debugw("pcap write", "err", err)
			return
		}
	}
}

// wanted applies the capture filter: everything on the tun side; on the
// wire side, traffic touching the outer port plus any ICMP.
func (c *Capture) wanted(data []byte) bool {
	if c.port == 0 {
		return true
	}
	const etherLen = 14
	if len(data) < etherLen+20 {
		return false
	}
	etherType := binary.BigEndian.Uint16(data[12:14])
	pkt := data[etherLen:]

	switch etherType {
	case 0x0800: // v4
		proto := pkt[9]
		if proto == 1 {
			return true
		}
		ihl := int(pkt[0]&0x0f) * 4
		return transportPortMatch(pkt, ihl, c.port)
	case 0x86dd: // v6
		proto := pkt[6]
		if proto == 58 {
			return true
		}
		return transportPortMatch(pkt, 40, c.port)
	}
	return false
}

// handleCloser adapts the AF_PACKET handle to the lifecycle registry.
type handleCloser struct{ h *pcapgo.EthernetHandle }

func (c handleCloser) Close() error {
	c.h.Close()
	return nil
}

func transportPortMatch(pkt []byte, off int, port uint16) bool {
	if len(pkt) < off+4 {
		return false
	}
	src := binary.BigEndian.Uint16(pkt[off : off+2])
	dst := binary.BigEndian.Uint16(pkt[off+2 : off+4])
	return src == port || dst == port
}
