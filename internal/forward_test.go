package internal

import (
	"bytes"
	"errors"
	"io"
	"net/netip"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// fakeTun scripts reads and records writes.
type fakeTun struct {
	rd [][]byte
	wr [][]byte
}

func (f *fakeTun) Read(p []byte) (int, error) {
	if len(f.rd) == 0 {
		return 0, io.EOF
	}
	pkt := f.rd[0]
	f.rd = f.rd[1:]
	return copy(p, pkt), nil
}

func (f *fakeTun) Write(p []byte) (int, error) {
	f.wr = append(f.wr, append([]byte(nil), p...))
	return len(p), nil
}

func (f *fakeTun) Close() error { return nil }
func (f *fakeTun) Fd() int      { return -1 }
func (f *fakeTun) Name() string { return "tun-test" }

type wireRead struct {
	data []byte
	from netip.AddrPort
	fail bool
}

type wireSent struct {
	data []byte
	to   netip.AddrPort
}

// fakeSock scripts receives (including receive failures with queued
// reports) and records sends.
type fakeSock struct {
	fam     Family
	rd      []wireRead
	pending []*ICMPError
	sent    []wireSent
}

func (f *fakeSock) Fd() int        { return -1 }
func (f *fakeSock) Family() Family { return f.fam }
func (f *fakeSock) Close() error   { return nil }

func (f *fakeSock) ReadFrom(p []byte) (int, netip.AddrPort, error) {
	if len(f.rd) == 0 {
		return 0, netip.AddrPort{}, io.EOF
	}
	r := f.rd[0]
	f.rd = f.rd[1:]
	if r.fail {
		return 0, netip.AddrPort{}, errors.New("recv: pending error")
	}
	return copy(p, r.data), r.from, nil
}

func (f *fakeSock) WriteTo(p []byte, dst netip.AddrPort) (int, error) {
	f.sent = append(f.sent, wireSent{append([]byte(nil), p...), dst})
	return len(p), nil
}

func (f *fakeSock) PendingError() (*ICMPError, error) {
	if len(f.pending) == 0 {
		return nil, nil
	}
	rep := f.pending[0]
	f.pending = f.pending[1:]
	return rep, nil
}

func newTestEngine(t *testing.T, cfg *Config, dir *Directory, role Role) (*Engine, *RuntimeState) {
	t.Helper()
	st := NewRuntimeState(cfg, dir, role, zap.NewNop().Sugar())
	st.Shaper = NewShaper(cfg)
	return NewEngine(st), st
}

func loadTestDir(t *testing.T, cfg *Config, rows string) *Directory {
	t.Helper()
	d, err := LoadDirectory(writeTemp(t, "dest.txt", rows), cfg)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestClientEgress(t *testing.T) {
	cfg := testConfig4(t)
	dir := loadTestDir(t, cfg, "34501 203.0.113.7 10.0.0.2\n")
	eng, st := newTestEngine(t, cfg, dir, RoleClient)

	inner := mkInner4(netip.MustParseAddr("10.0.0.2"), 34500, 443, 40)
	tun := &fakeTun{rd: [][]byte{inner}}
	cli := &fakeSock{fam: FamilyV4}
	st.AttachSock(sockCli, cli)

	buf := NewPacketBuf(cfg.BufLength, st.Shaper.TunHeadroom())
	if err := eng.clientTunIn(tun, buf); err != nil {
		t.Fatal(err)
	}

	if len(cli.sent) != 1 {
		t.Fatalf("sent %d packets", len(cli.sent))
	}
	if want := netip.MustParseAddrPort("203.0.113.7:5000"); cli.sent[0].to != want {
		t.Fatalf("sent to %s", cli.sent[0].to)
	}
	if !bytes.Equal(cli.sent[0].data, inner) {
		t.Fatal("payload altered in flight")
	}
}

func TestClientEgressMisses(t *testing.T) {
	cfg := testConfig4(t)
	dir := loadTestDir(t, cfg, "34501 203.0.113.7 10.0.0.2\n")
	eng, st := newTestEngine(t, cfg, dir, RoleClient)

	cli := &fakeSock{fam: FamilyV4}
	st.AttachSock(sockCli, cli)
	buf := NewPacketBuf(cfg.BufLength, st.Shaper.TunHeadroom())

	// Unknown inner destination: dropped.
	tun := &fakeTun{rd: [][]byte{mkInner4(netip.MustParseAddr("10.9.9.9"), 1, 443, 40)}}
	if err := eng.clientTunIn(tun, buf); err != nil {
		t.Fatal(err)
	}
	// Not an IP version nibble: dropped.
	odd := make([]byte, 40)
	odd[0] = 0x00
	tun = &fakeTun{rd: [][]byte{odd}}
	if err := eng.clientTunIn(tun, buf); err != nil {
		t.Fatal(err)
	}

	if len(cli.sent) != 0 {
		t.Fatalf("sent %d packets, want none", len(cli.sent))
	}
}

func TestClientIngressMinPacketBoundary(t *testing.T) {
	cfg := testConfig4(t)
	dir := loadTestDir(t, cfg, "34501 203.0.113.7 10.0.0.2\n")
	eng, st := newTestEngine(t, cfg, dir, RoleClient)

	from := netip.MustParseAddrPort("203.0.113.7:34501")
	exactly := make([]byte, minPacket)
	exactly[0] = 0x45
	above := make([]byte, minPacket+1)
	above[0] = 0x45

	sock := &fakeSock{fam: FamilyV4, rd: []wireRead{
		{data: exactly, from: from},
		{data: above, from: from},
	}}
	st.AttachSock(sockCli, sock)
	tun := &fakeTun{}
	buf := NewPacketBuf(cfg.BufLength, st.Shaper.WireHeadroom())

	if err := eng.clientWireOut(sock, tun, buf); err != nil {
		t.Fatal(err)
	}
	if err := eng.clientWireOut(sock, tun, buf); err != nil {
		t.Fatal(err)
	}

	if len(tun.wr) != 1 {
		t.Fatalf("tun writes: %d, want 1 (threshold drop)", len(tun.wr))
	}
	if len(tun.wr[0]) != minPacket+1 {
		t.Fatalf("forwarded %d bytes", len(tun.wr[0]))
	}
}

func TestClientPlanetlabStripsPPI(t *testing.T) {
	cfg := testConfig4(t)
	cfg.PlanetLab = true
	dir := loadTestDir(t, cfg, "34501 203.0.113.7 10.0.0.2\n")
	eng, st := newTestEngine(t, cfg, dir, RoleClient)

	inner := mkInner4(netip.MustParseAddr("10.0.0.2"), 34500, 443, 40)
	tagged := append([]byte{0x00, 0x00, 0x08, 0x00}, inner...)

	tun := &fakeTun{rd: [][]byte{tagged}}
	cli := &fakeSock{fam: FamilyV4}
	st.AttachSock(sockCli, cli)

	buf := NewPacketBuf(cfg.BufLength, st.Shaper.TunHeadroom())
	if err := eng.clientTunIn(tun, buf); err != nil {
		t.Fatal(err)
	}
	if len(cli.sent) != 1 {
		t.Fatalf("sent %d packets", len(cli.sent))
	}
	if !bytes.Equal(cli.sent[0].data, inner) {
		t.Fatalf("want bare %d-byte inner packet, got %d bytes",
			len(inner), len(cli.sent[0].data))
	}
}

func TestServerIngressKnownPeer(t *testing.T) {
	cfg := testConfig4(t)
	dir := loadTestDir(t, cfg, "34501 203.0.113.7 10.0.0.2\n")
	eng, st := newTestEngine(t, cfg, dir, RoleServer)

	payload := make([]byte, 60)
	payload[0] = 0x45
	from := netip.MustParseAddrPort("203.0.113.7:34501")

	sock := &fakeSock{fam: FamilyV4, rd: []wireRead{{data: payload, from: from}}}
	st.AttachSock(sockServ, sock)
	tun := &fakeTun{}
	buf := NewPacketBuf(cfg.BufLength, st.Shaper.WireHeadroom())

	if err := eng.serverWireOut(sock, tun, buf); err != nil {
		t.Fatal(err)
	}

	if len(tun.wr) != 1 || len(tun.wr[0]) != 60 {
		t.Fatalf("tun writes: %v", tun.wr)
	}
	if ap, ok := dir.Sport().Lookup(34501, FamilyV4); !ok || ap != from {
		t.Fatalf("sport entry after ingress: %v %s", ok, ap)
	}
}

func TestServerDynamicAdmissionLimit(t *testing.T) {
	cfg := testConfig4(t)
	cfg.FdLim = 2
	cfg.LockedPeers = false
	eng, st := newTestEngine(t, cfg, EmptyDirectory(cfg), RoleServer)

	payload := make([]byte, 60)
	payload[0] = 0x45
	mkFrom := func(p uint16) netip.AddrPort {
		return netip.AddrPortFrom(netip.MustParseAddr("198.51.100.1"), p)
	}

	sock := &fakeSock{fam: FamilyV4, rd: []wireRead{
		{data: payload, from: mkFrom(1001)},
		{data: payload, from: mkFrom(1002)},
		{data: payload, from: mkFrom(1003)},
	}}
	st.AttachSock(sockServ, sock)
	tun := &fakeTun{}
	buf := NewPacketBuf(cfg.BufLength, st.Shaper.WireHeadroom())

	for i := 0; i < 3; i++ {
		if err := eng.serverWireOut(sock, tun, buf); err != nil {
			t.Fatal(err)
		}
	}

	// The limit-th admission passes, the one above it is dropped.
	if len(tun.wr) != 2 {
		t.Fatalf("tun writes: %d, want 2", len(tun.wr))
	}
	if st.Dir.Sport().Size() != 2 {
		t.Fatalf("table size: %d", st.Dir.Sport().Size())
	}
}

func TestServerLockedRefusesUnknown(t *testing.T) {
	cfg := testConfig4(t)
	cfg.LockedPeers = true
	dir := loadTestDir(t, cfg, "34501 203.0.113.7 10.0.0.2\n")
	eng, st := newTestEngine(t, cfg, dir, RoleServer)

	payload := make([]byte, 60)
	payload[0] = 0x45

	sock := &fakeSock{fam: FamilyV4, rd: []wireRead{
		{data: payload, from: netip.MustParseAddrPort("198.51.100.1:7777")},
		{data: payload, from: netip.MustParseAddrPort("203.0.113.7:34501")},
	}}
	st.AttachSock(sockServ, sock)
	tun := &fakeTun{}
	buf := NewPacketBuf(cfg.BufLength, st.Shaper.WireHeadroom())

	if err := eng.serverWireOut(sock, tun, buf); err != nil {
		t.Fatal(err)
	}
	if err := eng.serverWireOut(sock, tun, buf); err != nil {
		t.Fatal(err)
	}

	if len(tun.wr) != 1 {
		t.Fatalf("tun writes: %d, want only the listed peer's", len(tun.wr))
	}
}

func TestServerEgressByUniquePort(t *testing.T) {
	cfg := testConfig4(t)
	dir := loadTestDir(t, cfg, "34501 203.0.113.7 10.0.0.2\n")
	eng, st := newTestEngine(t, cfg, dir, RoleServer)

	// A locally-answered reply: inner destination port is the unique
	// peer port.
	inner := mkInner4(netip.MustParseAddr("10.0.0.2"), 9999, 34501, 40)
	tun := &fakeTun{rd: [][]byte{inner}}
	serv := &fakeSock{fam: FamilyV4}
	st.AttachSock(sockServ, serv)

	buf := NewPacketBuf(cfg.BufLength, st.Shaper.TunHeadroom())
	if err := eng.serverTunIn(tun, buf); err != nil {
		t.Fatal(err)
	}

	if len(serv.sent) != 1 {
		t.Fatalf("sent %d packets", len(serv.sent))
	}
	if want := netip.MustParseAddrPort("203.0.113.7:34501"); serv.sent[0].to != want {
		t.Fatalf("sent to %s", serv.sent[0].to)
	}
}

func TestPeerDispatchDisjoint(t *testing.T) {
	cfg := testConfig4(t)
	dir := loadTestDir(t, cfg, "34501 203.0.113.7 10.0.0.2\n")
	eng, st := newTestEngine(t, cfg, dir, RolePeer)

	cli := &fakeSock{fam: FamilyV4}
	serv := &fakeSock{fam: FamilyV4}
	st.AttachSock(sockCli, cli)
	st.AttachSock(sockServ, serv)
	buf := NewPacketBuf(cfg.BufLength, st.Shaper.TunHeadroom())

	// Destination port == private server port: client-originated,
	// routed by inner destination address.
	toServer := mkInner4(netip.MustParseAddr("10.0.0.2"), 34500, cfg.PrivatePort, 40)
	tun := &fakeTun{rd: [][]byte{toServer}}
	if err := eng.peerTunIn(tun, buf); err != nil {
		t.Fatal(err)
	}
	if len(cli.sent) != 1 || len(serv.sent) != 0 {
		t.Fatalf("client path: cli=%d serv=%d", len(cli.sent), len(serv.sent))
	}
	if want := netip.MustParseAddrPort("203.0.113.7:5000"); cli.sent[0].to != want {
		t.Fatalf("client path sent to %s", cli.sent[0].to)
	}

	// Any other destination port: server reply, routed by unique port.
	reply := mkInner4(netip.MustParseAddr("10.0.0.2"), cfg.PrivatePort, 34501, 40)
	tun = &fakeTun{rd: [][]byte{reply}}
	if err := eng.peerTunIn(tun, buf); err != nil {
		t.Fatal(err)
	}
	if len(cli.sent) != 1 || len(serv.sent) != 1 {
		t.Fatalf("server path: cli=%d serv=%d", len(cli.sent), len(serv.sent))
	}
	if want := netip.MustParseAddrPort("203.0.113.7:34501"); serv.sent[0].to != want {
		t.Fatalf("server path sent to %s", serv.sent[0].to)
	}

	// Unroutable destination port: dropped.
	stray := mkInner4(netip.MustParseAddr("10.0.0.2"), 1, 5555, 40)
	tun = &fakeTun{rd: [][]byte{stray}}
	if err := eng.peerTunIn(tun, buf); err != nil {
		t.Fatal(err)
	}
	if len(cli.sent)+len(serv.sent) != 2 {
		t.Fatal("stray dport should not be forwarded")
	}
}

func TestPeerDualStackV6Egress(t *testing.T) {
	cfg := testConfig4(t)
	cfg.DualStack = true
	cfg.PrivateAddr6 = "fd00::1"
	cfg.PublicAddr6 = "2001:db8::1"
	dir := loadTestDir(t, cfg, "34501 203.0.113.7 10.0.0.2 2001:db8::7 fd00::7\n")
	eng, st := newTestEngine(t, cfg, dir, RolePeer)

	cli4 := &fakeSock{fam: FamilyV4}
	serv4 := &fakeSock{fam: FamilyV4}
	cli6 := &fakeSock{fam: FamilyV6}
	serv6 := &fakeSock{fam: FamilyV6}
	st.AttachSock(sockCli, cli4)
	st.AttachSock(sockServ, serv4)
	st.AttachSock(sockCli, cli6)
	st.AttachSock(sockServ, serv6)

	inner := mkInner6(netip.MustParseAddr("fd00::7"), 34500, cfg.PrivatePort, 80)
	tun := &fakeTun{rd: [][]byte{inner}}
	buf := NewPacketBuf(cfg.BufLength, st.Shaper.TunHeadroom())
	if err := eng.peerTunIn(tun, buf); err != nil {
		t.Fatal(err)
	}

	if len(cli6.sent) != 1 {
		t.Fatalf("v6 client socket sent %d packets", len(cli6.sent))
	}
	if want := netip.MustParseAddrPort("[2001:db8::7]:5000"); cli6.sent[0].to != want {
		t.Fatalf("sent to %s", cli6.sent[0].to)
	}
	if len(cli4.sent)+len(serv4.sent)+len(serv6.sent) != 0 {
		t.Fatal("v6 packet leaked onto another socket")
	}
}

func TestServerErrqueueForgesICMP(t *testing.T) {
	cfg := testConfig4(t)
	dir := loadTestDir(t, cfg, "34501 203.0.113.7 10.0.0.2\n")
	eng, st := newTestEngine(t, cfg, dir, RoleServer)

	offender := netip.MustParseAddr("198.51.100.9")
	sock := &fakeSock{
		fam:     FamilyV4,
		rd:      []wireRead{{fail: true}},
		pending: []*ICMPError{{Type: 3, Code: 3, Offender: offender}},
	}
	st.AttachSock(sockServ, sock)
	tun := &fakeTun{}
	buf := NewPacketBuf(cfg.BufLength, st.Shaper.WireHeadroom())

	if err := eng.serverWireOut(sock, tun, buf); err != nil {
		t.Fatal(err)
	}

	if len(tun.wr) != 1 {
		t.Fatalf("tun writes: %d, want one forged packet", len(tun.wr))
	}
	pkt := tun.wr[0]
	if len(pkt) != forgedICMPLen {
		t.Fatalf("forged length: %d", len(pkt))
	}
	if !bytes.Equal(pkt[12:16], offender.AsSlice()) {
		t.Fatalf("forged src: %v", pkt[12:16])
	}
	if !bytes.Equal(pkt[16:20], netip.MustParseAddr("10.0.0.1").AsSlice()) {
		t.Fatalf("forged dst: %v", pkt[16:20])
	}
	if pkt[20] != 3 || pkt[21] != 3 {
		t.Fatalf("forged type/code: %d/%d", pkt[20], pkt[21])
	}
	if refChecksum(pkt[:20]) != 0 || refChecksum(pkt[20:]) != 0 {
		t.Fatal("forged checksums invalid")
	}
}

func TestClientErrqueueLogsOnly(t *testing.T) {
	cfg := testConfig4(t)
	dir := loadTestDir(t, cfg, "34501 203.0.113.7 10.0.0.2\n")
	eng, st := newTestEngine(t, cfg, dir, RoleClient)

	sock := &fakeSock{
		fam:     FamilyV4,
		rd:      []wireRead{{fail: true}},
		pending: []*ICMPError{{Type: 3, Code: 3, Offender: netip.MustParseAddr("198.51.100.9")}},
	}
	st.AttachSock(sockCli, sock)
	tun := &fakeTun{}
	buf := NewPacketBuf(cfg.BufLength, st.Shaper.WireHeadroom())

	if err := eng.clientWireOut(sock, tun, buf); err != nil {
		t.Fatal(err)
	}
	if len(tun.wr) != 0 {
		t.Fatal("client side must not inject forged packets")
	}
}

func TestLoopInactivityTimeout(t *testing.T) {
	cfg := testConfig4(t)
	cfg.InactivityTimeout = 0 // expire on the first empty cycle
	dir := loadTestDir(t, cfg, "34501 203.0.113.7 10.0.0.2\n")
	eng, _ := newTestEngine(t, cfg, dir, RoleClient)

	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	done := make(chan error, 1)
	go func() {
		done <- eng.loop([]fdEvent{{fd: fds[0], serve: func() error { return nil }}})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("timeout exit should be clean: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit on inactivity timeout")
	}
}

func TestLoopShutdownDrains(t *testing.T) {
	cfg := testConfig4(t)
	cfg.CloseTimeout = 10 * time.Millisecond
	dir := loadTestDir(t, cfg, "34501 203.0.113.7 10.0.0.2\n")
	eng, st := newTestEngine(t, cfg, dir, RoleClient)

	st.Shutdown()
	start := time.Now()
	if err := eng.loop(nil); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) < cfg.CloseTimeout {
		t.Fatal("shutdown should linger for the close timeout")
	}
}
