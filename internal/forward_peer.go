package internal

import "net/netip"

// RunPeer enters the fullmesh forwarding loop. A peer binds two outer
// sockets per family — the server side on the public port, the client
// side on the source port — and the tun carries both locally-initiated
// flows and locally-answered responses. Egress tells them apart by the
// inner destination port: traffic aimed at the private server port is
// client-originated and routes by address; everything else is a server
// reply and routes by unique port. The two sets are disjoint because no
// peer's unique port equals the private server port.
func (e *Engine) RunPeer() error {
	cfg := e.st.Config
	tun := e.st.Tun

	ebuf := NewPacketBuf(cfg.BufLength, e.shaper.TunHeadroom())
	ibuf := NewPacketBuf(cfg.BufLength, e.shaper.WireHeadroom())

	events := []fdEvent{{
		fd:    tun.Fd(),
		serve: func() error { return e.peerTunIn(tun, ebuf) },
	}}
	for _, f := range cfg.Families() {
		cli := e.st.Sock(sockCli, f)
		serv := e.st.Sock(sockServ, f)
		events = append(events,
			fdEvent{
				fd:    cli.Fd(),
				serve: func() error { return e.clientWireOut(cli, tun, ibuf) },
			},
			fdEvent{
				fd:    serv.Fd(),
				serve: func() error { return e.serverWireOut(serv, tun, ibuf) },
			},
		)
	}

	e.st.Start.Wait()
	e.log.Infof("fullmesh forwarding on %s", tun.Name())
	return e.loop(events)
}

// peerTunIn classifies one tun packet and forwards it on the matching
// outer socket.
func (e *Engine) peerTunIn(tun TunDevice, buf *PacketBuf) error {
	if err := e.readTun(tun, buf); err != nil {
		return err
	}
	if buf.Len() <= minPacket {
		observeDrop("short")
		return nil
	}
	if err := e.shaper.StripPPI(buf); err != nil {
		observeDrop("short")
		return nil
	}

	pkt := buf.Bytes()
	fam, ok := packetFamily(pkt)
	if !ok {
		e.log.Debugf("non-ip proto:%d", pkt[0])
		observeDrop("family")
		return nil
	}
	return e.peerTunInFam(tun, buf, fam)
}

func (e *Engine) peerTunInFam(tun TunDevice, buf *PacketBuf, fam Family) error {
	pkt := buf.Bytes()
	dport, ok := innerDstPort(pkt, fam)
	if !ok {
		observeDrop("short")
		return nil
	}

	if dport == e.st.Config.PrivatePort {
		// Client-originated: route by inner destination address.
		dst, ok := innerDstAddr(pkt, fam)
		if !ok {
			observeDrop("short")
			return nil
		}
		rec, ok := e.st.Dir.LookupPriv(dst, fam)
		if !ok {
			e.log.Debugw("private address lookup failed", "dst", dst)
			observeDrop("lookup")
			return nil
		}
		return e.peerSend(sockCli, fam, buf, rec.Pub(fam))
	}

	// Server reply: route by the peer's unique port.
	if ap, ok := e.st.Dir.Sport().Lookup(dport, fam); ok {
		return e.peerSend(sockServ, fam, buf, ap)
	}

	sport, _ := innerSrcPort(pkt, fam)
	e.log.Debugw("unique port lookup failed",
		"proto", innerProto(pkt, fam), "sport", sport, "dport", dport)
	observeDrop("lookup")
	return nil
}

func (e *Engine) peerSend(k sockKind, fam Family, buf *PacketBuf, dst netip.AddrPort) error {
	sock := e.st.Sock(k, fam)
	if sock == nil {
		observeDrop("family")
		return nil
	}
	if err := e.shaper.PrependRaw(buf); err != nil {
		observeDrop("short")
		return nil
	}
	sent, err := sock.WriteTo(buf.Bytes(), dst)
	if err != nil {
		e.log.Debugw("outer send failed", "peer", dst, "err", err)
		observeDrop("send")
		return nil
	}
	observeForwarded("out", fam)
	e.log.Debugf("wrote %db to internet", sent)
	return nil
}
