package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Scheduler drives the measurement flows: for every peer in the
// directory, one TCP transfer through the tunnel and one outside it, in
// the configured ordering. Each transfer is received into a file under
// the client directory for post-hoc comparison.
type Scheduler struct {
	st  *RuntimeState
	log *zap.SugaredLogger
}

func NewScheduler(st *RuntimeState) *Scheduler {
	return &Scheduler{st: st, log: st.Log()}
}

// Run walks the peer list. A client shuts the process down after the last
// peer; a fullmesh peer keeps serving and leaves termination to the
// forwarding loop's inactivity timeout.
func (s *Scheduler) Run(ctx context.Context) {
	s.st.Start.Wait()

	if d := s.st.Config.InitialSleep; d > 0 {
		// Rendezvous delay: give the remote ends time to come up.
		select {
		case <-time.After(time.Duration(d) * time.Second):
		case <-ctx.Done():
			return
		}
	}

	for _, rec := range s.st.Dir.List() {
		if ctx.Err() != nil {
			return
		}
		s.runPeer(ctx, rec)
	}

	if s.st.Role == RoleClient {
		s.log.Info("all transfers done, shutting down")
		s.st.Shutdown()
	}
}

func (s *Scheduler) runPeer(ctx context.Context, rec *PeerRecord) {
	cfg := s.st.Config

	if cfg.DualStack {
		// Dual stack serialises the families and forces the parallel
		// shape within each: both v4 flows, join, then both v6 flows.
		for _, f := range cfg.Families() {
			if !rec.Priv(f).IsValid() {
				continue
			}
			s.runPair(ctx, rec, f)
		}
		return
	}

	f := cfg.Families()[0]
	switch s.st.Sched {
	case SchedTunFirst:
		s.fetch(ctx, rec, f, true)
		s.fetch(ctx, rec, f, false)
	case SchedNotunFirst:
		s.fetch(ctx, rec, f, false)
		s.fetch(ctx, rec, f, true)
	default:
		s.runPair(ctx, rec, f)
	}
}

// runPair runs the tunneled and direct flows concurrently and joins both.
func (s *Scheduler) runPair(ctx context.Context, rec *PeerRecord, f Family) {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.fetch(ctx, rec, f, true)
		return nil
	})
	g.Go(func() error {
		s.fetch(ctx, rec, f, false)
		return nil
	})
	_ = g.Wait()
}

// fetch is one measurement worker: connect, receive to EOF into the
// result file, half-close, wait for the peer's FIN, mark the file
// world-readable. A connect timeout yields a short (or empty) file, which
// is itself a valid observation.
func (s *Scheduler) fetch(ctx context.Context, rec *PeerRecord, f Family, tunneled bool) {
	cfg := s.st.Config

	path := resultPath(cfg, rec, f, tunneled)
	raddr, laddr, err := s.flowAddrs(rec, f, tunneled)
	if err != nil {
		s.log.Warnw("skipping flow", "peer", rec.SPort, "err", err)
		return
	}

	conn, err := s.dial(ctx, laddr, raddr, tunneled)
	if err != nil {
		s.log.Infow("connect failed", "peer", raddr, "tunneled", tunneled, "err", err)
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			// A timed-out connect still leaves its (empty) result file.
			if out, cerr := os.Create(path); cerr == nil {
				out.Close()
				_ = os.Chmod(path, 0o666)
			}
		}
		return
	}
	defer conn.Close()

	out, err := os.Create(path)
	if err != nil {
		s.log.Warnw("result file", "path", path, "err", err)
		return
	}
	defer out.Close()

	if err := s.receive(conn, out); err != nil {
		s.log.Debugw("transfer ended", "peer", raddr, "err", err)
	}

	if err := os.Chmod(path, 0o666); err != nil {
		s.log.Warnw("chmod result file", "path", path, "err", err)
	}
	s.log.Infow("transfer complete", "file", path, "peer", raddr, "tunneled", tunneled)
}

func (s *Scheduler) flowAddrs(rec *PeerRecord, f Family, tunneled bool) (raddr netip.AddrPort, laddr netip.AddrPort, err error) {
	cfg := s.st.Config
	if tunneled {
		priv := rec.Priv(f)
		if !priv.IsValid() {
			return raddr, laddr, fmt.Errorf("peer %d has no private %s address", rec.SPort, f)
		}
		local, aerr := cfg.PrivateAddr(f)
		if aerr != nil {
			return raddr, laddr, aerr
		}
		return netip.AddrPortFrom(priv, cfg.PrivatePort), netip.AddrPortFrom(local, cfg.Port), nil
	}
	pub := rec.Pub(f)
	if !pub.IsValid() {
		return raddr, laddr, fmt.Errorf("peer %d has no public %s address", rec.SPort, f)
	}
	local, aerr := cfg.PublicAddr(f)
	if aerr != nil {
		return raddr, laddr, aerr
	}
	return pub, netip.AddrPortFrom(local, 0), nil
}

func (s *Scheduler) dial(ctx context.Context, laddr, raddr netip.AddrPort, tunneled bool) (*net.TCPConn, error) {
	cfg := s.st.Config

	d := net.Dialer{
		LocalAddr: net.TCPAddrFromAddrPort(laddr),
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if serr != nil {
					return
				}
				if tunneled && cfg.MaxSegmentSize > 0 {
					serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_MAXSEG, cfg.MaxSegmentSize)
				}
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
	if cfg.TCPSndTimeout > 0 {
		d.Timeout = time.Duration(cfg.TCPSndTimeout) * time.Second
	}

	conn, err := d.DialContext(ctx, "tcp", raddr.String())
	if err != nil {
		return nil, err
	}
	return conn.(*net.TCPConn), nil
}

// receive drains the connection into out, then performs the closing
// handshake: half-close our side and wait for the peer's FIN.
func (s *Scheduler) receive(conn *net.TCPConn, out *os.File) error {
	cfg := s.st.Config
	buf := make([]byte, cfg.BufLength)

	for {
		if cfg.TCPRcvTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(time.Duration(cfg.TCPRcvTimeout) * time.Second))
		}
		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return fmt.Errorf("result write: %w", werr)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
	}

	if err := conn.CloseWrite(); err != nil {
		return err
	}
	if cfg.TCPRcvTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(time.Duration(cfg.TCPRcvTimeout) * time.Second))
	}
	// Absorb anything up to the peer's FIN so the teardown is clean.
	_, err := io.Copy(io.Discard, conn)
	return err
}

// resultPath names the received trace: cli_{tun,notun}{4,6}.<port>.dat in
// the client directory, one file per peer and flow.
func resultPath(cfg *Config, rec *PeerRecord, f Family, tunneled bool) string {
	kind := "notun"
	if tunneled {
		kind = "tun"
	}
	return fmt.Sprintf("%scli_%s%d.%d.dat", cfg.CliDir, kind, f, rec.SPort)
}
