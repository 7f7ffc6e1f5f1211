package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// FileServer accepts measurement connections and streams the configured
// file to each of them. Two listeners per active family: one on the
// private address (reachable only through the tunnel from a peer's side)
// and one on the public address (the direct path). Workers are leaves —
// they never touch the directory or the forwarding engine.
type FileServer struct {
	st  *RuntimeState
	log *zap.SugaredLogger
}

func NewFileServer(st *RuntimeState) *FileServer {
	return &FileServer{st: st, log: st.Log()}
}

// Run opens the listeners and parks one accept loop per listener on the
// lifecycle registry. It returns once all listeners are up.
func (s *FileServer) Run() error {
	cfg := s.st.Config

	for _, f := range cfg.Families() {
		priv, err := cfg.PrivateAddr(f)
		if err != nil {
			return err
		}
		pub, err := cfg.PublicAddr(f)
		if err != nil {
			return err
		}

		// The tunneled listener carries the MSS override so the inner
		// TCP fits inside the encapsulation.
		ln, err := listenTCP(netip.AddrPortFrom(priv, cfg.PrivatePort), cfg.BacklogSize, cfg.MaxSegmentSize)
		if err != nil {
			return err
		}
		s.startAccept(ln, "private")

		ln, err = listenTCP(netip.AddrPortFrom(pub, cfg.PublicPort), cfg.BacklogSize, 0)
		if err != nil {
			return err
		}
		s.startAccept(ln, "public")
	}
	return nil
}

func (s *FileServer) startAccept(ln net.Listener, side string) {
	s.st.Life.RegisterCloser("listener-"+side, ln)
	s.st.Life.Go("accept-"+side, func(ctx context.Context) {
		s.st.Start.Wait()
		s.log.Infof("%s server ready on %s", side, ln.Addr())
		s.acceptLoop(ctx, ln)
	})
}

func (s *FileServer) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warnw("accept", "err", err)
			return
		}
		s.log.Debugf("accepted connection from %s", conn.RemoteAddr())
		go s.serveConn(conn.(*net.TCPConn))
	}
}

// serveConn streams the server file in buffer-sized chunks, then
// half-closes and lets the client finish the teardown.
func (s *FileServer) serveConn(conn *net.TCPConn) {
	defer conn.Close()
	cfg := s.st.Config

	fp, err := os.Open(cfg.ServFile)
	if err != nil {
		s.log.Warnw("server file", "path", cfg.ServFile, "err", err)
		return
	}
	defer fp.Close()

	s.log.Debug("sending data ...")
	buf := make([]byte, cfg.BufLength)
	// The wrappers hide ReaderFrom/WriterTo so the copy goes through buf.
	if _, err := io.CopyBuffer(struct{ io.Writer }{conn}, struct{ io.Reader }{fp}, buf); err != nil {
		s.log.Debugw("send", "peer", conn.RemoteAddr(), "err", err)
		return
	}

	if err := conn.CloseWrite(); err != nil {
		s.log.Debugw("half-close", "peer", conn.RemoteAddr(), "err", err)
	}
	s.log.Debugf("connection to %s served", conn.RemoteAddr())
}

// listenTCP builds the listening socket by hand so the backlog and the
// MSS are under our control, then wraps it for the accept loop.
func listenTCP(ap netip.AddrPort, backlog, mss int) (net.Listener, error) {
	domain := unix.AF_INET
	if ap.Addr().Is6() {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("listen socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("reuseaddr: %w", err)
	}
	if mss > 0 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_MAXSEG, mss); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("set mss %d: %w", mss, err)
		}
	}

	sa, err := addrPortToSockaddr(ap, famOf(ap.Addr()))
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", ap, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", ap, err)
	}

	file := os.NewFile(uintptr(fd), "listener")
	defer file.Close()
	ln, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("listener from fd: %w", err)
	}
	return ln, nil
}

func famOf(a netip.Addr) Family {
	if a.Is6() {
		return FamilyV6
	}
	return FamilyV4
}
