package internal

// RunClient enters the client forwarding loop: tun egress is routed by
// the inner destination address through the private-address index, wire
// ingress is unwrapped and written back to the tun. Returns when the
// shutdown flag is set or the inactivity timeout expires.
func (e *Engine) RunClient() error {
	cfg := e.st.Config
	tun := e.st.Tun

	ebuf := NewPacketBuf(cfg.BufLength, e.shaper.TunHeadroom())
	ibuf := NewPacketBuf(cfg.BufLength, e.shaper.WireHeadroom())

	events := []fdEvent{{
		fd:    tun.Fd(),
		serve: func() error { return e.clientTunIn(tun, ebuf) },
	}}
	for _, f := range cfg.Families() {
		sock := e.st.Sock(sockCli, f)
		events = append(events, fdEvent{
			fd:    sock.Fd(),
			serve: func() error { return e.clientWireOut(sock, tun, ibuf) },
		})
	}

	e.st.Start.Wait()
	e.log.Infof("client forwarding on %s", tun.Name())
	return e.loop(events)
}

// clientTunIn forwards one locally-originated packet into the tunnel.
func (e *Engine) clientTunIn(tun TunDevice, buf *PacketBuf) error {
	if err := e.readTun(tun, buf); err != nil {
		return err
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
	sock := e.st.Sock(sockCli, fam)
	if sock == nil {
		e.log.Debugw("no outer socket for family", "family", fam)
		observeDrop("family")
		return nil
	}

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

	if err := e.shaper.PrependRaw(buf); err != nil {
		observeDrop("short")
		return nil
	}
	sent, err := sock.WriteTo(buf.Bytes(), rec.Pub(fam))
	if err != nil {
		e.log.Debugw("outer send failed", "peer", rec.Pub(fam), "err", err)
		observeDrop("send")
		return nil
	}
	observeForwarded("out", fam)
	e.log.Debugf("cli: wrote %db to internet", sent)
	return nil
}

// clientWireOut forwards one encapsulated packet out of the tunnel.
func (e *Engine) clientWireOut(sock OuterSock, tun TunDevice, buf *PacketBuf) error {
	buf.Reset()
	n, _, err := sock.ReadFrom(buf.Writable())
	if err != nil {
		return e.sockError(sock, tun, err, false)
	}
	buf.SetLen(n)
	e.log.Debugf("cli: recvd %db from internet", n)

	if n <= minPacket {
		e.log.Debug("cli: recvd short pkt")
		observeDrop("short")
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
