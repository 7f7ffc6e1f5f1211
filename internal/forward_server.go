package internal

import "net/netip"

// RunServer enters the server forwarding loop: wire ingress is demuxed on
// the outer source port (admitting unknown peers when policy allows), tun
// egress is routed by the inner destination port.
func (e *Engine) RunServer() error {
	cfg := e.st.Config
	tun := e.st.Tun

	ebuf := NewPacketBuf(cfg.BufLength, e.shaper.TunHeadroom())
	ibuf := NewPacketBuf(cfg.BufLength, e.shaper.WireHeadroom())

	events := []fdEvent{{
		fd:    tun.Fd(),
		serve: func() error { return e.serverTunIn(tun, ebuf) },
	}}
	for _, f := range cfg.Families() {
		sock := e.st.Sock(sockServ, f)
		events = append(events, fdEvent{
			fd:    sock.Fd(),
			serve: func() error { return e.serverWireOut(sock, tun, ibuf) },
		})
	}

	e.st.Start.Wait()
	e.log.Infof("server forwarding on %s", tun.Name())
	return e.loop(events)
}

// serverTunIn forwards one locally-answered packet back into the tunnel;
// the inner destination port is the peer's unique port.
func (e *Engine) serverTunIn(tun TunDevice, buf *PacketBuf) error {
	if err := e.readTun(tun, buf); err != nil {
		return err
	}
	if err := e.shaper.StripPPI(buf); err != nil {
		observeDrop("short")
		return nil
	}
	if buf.Len() <= minPacket {
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
	sock := e.st.Sock(sockServ, fam)
	if sock == nil {
		observeDrop("family")
		return nil
	}

	dport, ok := innerDstPort(pkt, fam)
	if !ok {
		observeDrop("short")
		return nil
	}
	ap, ok := e.st.Dir.Sport().Lookup(dport, fam)
	if !ok {
		sport, _ := innerSrcPort(pkt, fam)
		e.log.Debugw("unique port lookup failed",
			"proto", innerProto(pkt, fam), "sport", sport, "dport", dport)
		observeDrop("lookup")
		return nil
	}

	if err := e.shaper.PrependRaw(buf); err != nil {
		observeDrop("short")
		return nil
	}
	sent, err := sock.WriteTo(buf.Bytes(), ap)
	if err != nil {
		e.log.Debugw("outer send failed", "peer", ap, "err", err)
		observeDrop("send")
		return nil
	}
	observeForwarded("out", fam)
	e.log.Debugf("serv: wrote %db to internet", sent)
	return nil
}

// serverWireOut forwards one encapsulated packet to the tun, keyed by the
// sender's source port. Unknown senders are admitted up to the table
// limit unless the peer set is locked.
func (e *Engine) serverWireOut(sock OuterSock, tun TunDevice, buf *PacketBuf) error {
	buf.Reset()
	n, from, err := sock.ReadFrom(buf.Writable())
	if err != nil {
		return e.sockError(sock, tun, err, true)
	}
	buf.SetLen(n)
	e.log.Debugf("serv: recvd %db from internet", n)

	if n <= minPacket {
		e.log.Debug("serv: recvd short pkt")
		observeDrop("short")
		return nil
	}
	if !e.admit(from, sock.Family()) {
		return nil
	}

	if err := e.shaper.StripWire(buf, sock.Family()); err != nil {
		observeDrop("short")
		return nil
	}
	if err := e.shaper.PrependPPI(buf); err != nil {
		observeDrop("short")
		return nil
	}
	return e.writeTun(tun, buf, sock.Family())
}

// admit resolves the sender against the source-port table, recording a
// new peer when the admission policy allows it.
func (e *Engine) admit(from netip.AddrPort, f Family) bool {
	t := e.st.Dir.Sport()
	sport := from.Port()

	known := t.Known(sport)
	if err := t.Admit(sport, from, f); err != nil {
		e.log.Debugw("dropping unknown datagram", "from", from, "err", err)
		observeDrop("policy")
		return false
	}
	if !known {
		observeAdmission()
		e.log.Debugf("serv: added new entry: %d", sport)
	}
	return true
}
