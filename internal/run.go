//go:build linux

package internal

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// Run assembles a role and drives it to completion: tun and outer
// sockets, capture sinks, the measurement server and scheduler where the
// role carries them, and finally the forwarding loop. It returns after
// the lifecycle teardown, nil on normal termination (shutdown or
// inactivity timeout).
func Run(cfg *Config, dir *Directory, role Role, sched SchedMode, log *zap.SugaredLogger) error {
	if err := cfg.Validate(role); err != nil {
		return err
	}

	st := NewRuntimeState(cfg, dir, role, log)
	st.Sched = sched
	st.Shaper = NewShaper(cfg)
	defer func() {
		if err := st.Life.Teardown(); err != nil {
			log.Warnw("teardown", "err", err)
		}
	}()

	// The signal handler only flips the flag; the loop drains and the
	// deferred teardown releases everything.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		if _, ok := <-sigCh; ok {
			log.Info("shutting down ...")
			st.Shutdown()
		}
	}()

	tun, err := NewTun(cfg)
	if err != nil {
		return err
	}
	st.AttachTun(tun)

	if err := openOuterSocks(st); err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		EnableMetrics()
		st.Life.Go("metrics", func(ctx context.Context) {
			if err := StartMetricsServer(ctx, cfg.MetricsAddr); err != nil {
				log.Warnw("metrics", "err", err)
			}
		})
	}

	// Everyone that emits or records traffic meets at the barrier once,
	// so the sniffers are armed before the first measurement packet.
	st.Start = NewBarrier(barrierParticipants(cfg, role))

	if role == RoleServer || role == RolePeer {
		if err := NewFileServer(st).Run(); err != nil {
			return err
		}
	}

	if err := startCaptures(st, role); err != nil {
		return err
	}

	if role == RoleClient || role == RolePeer {
		sc := NewScheduler(st)
		st.Life.Go("scheduler", sc.Run)
	}

	eng := NewEngine(st)
	switch role {
	case RoleClient:
		err = eng.RunClient()
	case RoleServer:
		err = eng.RunServer()
	case RolePeer:
		err = eng.RunPeer()
	}
	return err
}

func openOuterSocks(st *RuntimeState) error {
	cfg := st.Config
	for _, f := range cfg.Families() {
		pub, err := cfg.PublicAddr(f)
		if err != nil {
			return err
		}

		if st.Role == RoleClient || st.Role == RolePeer {
			sock, err := openOuterSock(cfg, f, pub, cfg.Port)
			if err != nil {
				return err
			}
			st.AttachSock(sockCli, sock)
		}
		if st.Role == RoleServer || st.Role == RolePeer {
			sock, err := openOuterSock(cfg, f, pub, cfg.PublicPort)
			if err != nil {
				return err
			}
			st.AttachSock(sockServ, sock)
		}
	}
	return nil
}

func openOuterSock(cfg *Config, f Family, addr netip.Addr, port uint16) (OuterSock, error) {
	if cfg.UDP {
		return NewUDPSock(f, addr, port)
	}
	filter, err := SrcPortFilter(port)
	if err != nil {
		return nil, err
	}
	dev := cfg.DefaultIf
	if dev == "" {
		if dev, err = addrToIface(addr); err != nil {
			return nil, err
		}
	}
	return NewRawSock(f, port, cfg.ProtocolNum, filter, dev)
}

func startCaptures(st *RuntimeState, role Role) error {
	cfg := st.Config
	if cfg.DefaultIf == "" {
		pub, err := cfg.PublicAddr(cfg.Families()[0])
		if err != nil {
			return err
		}
		if cfg.DefaultIf, err = addrToIface(pub); err != nil {
			return fmt.Errorf("public egress interface: %w", err)
		}
	}

	if err := NewWireCapture(st).Start(); err != nil {
		return err
	}
	if role == RoleClient {
		if err := NewTunCapture(st).Start(); err != nil {
			return err
		}
	}
	return nil
}

// barrierParticipants counts the goroutines that rendezvous before the
// first packet: the forwarding loop, every capture sink, the scheduler,
// and one accept loop per listener.
func barrierParticipants(cfg *Config, role Role) int {
	n := 1 // forwarding loop
	switch role {
	case RoleClient:
		n += 2 // tun + wire captures
		n++    // scheduler
	case RoleServer:
		n++                          // wire capture
		n += 2 * len(cfg.Families()) // accept loops
	case RolePeer:
		n++                          // wire capture
		n++                          // scheduler
		n += 2 * len(cfg.Families()) // accept loops
	}
	return n
}
