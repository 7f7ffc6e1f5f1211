package internal

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Engine is the select-driven forwarding core. One engine instance runs
// one role's loop on a single goroutine; handlers never block on anything
// but the syscall servicing the ready descriptor.
type Engine struct {
	st     *RuntimeState
	shaper *Shaper
	log    *zap.SugaredLogger
}

func NewEngine(st *RuntimeState) *Engine {
	return &Engine{st: st, shaper: st.Shaper, log: st.Log()}
}

// fdEvent pairs a descriptor with its service routine. Slice order is
// service priority within one readiness cycle.
type fdEvent struct {
	fd    int
	serve func() error
}

// loop multiplexes the events until the inactivity timeout fires (normal
// termination) or the shutdown flag is set. On shutdown it waits for the
// close timeout with the sockets still open before returning; no packets
// are forwarded during that wait.
func (e *Engine) loop(events []fdEvent) error {
	for !e.st.ShuttingDown() {
		var rfds unix.FdSet
		rfds.Zero()
		maxFd := 0
		for _, ev := range events {
			rfds.Set(ev.fd)
			if ev.fd > maxFd {
				maxFd = ev.fd
			}
		}

		// A negative timeout means no inactivity limit; the wait is
		// still bounded so the shutdown flag gets polled.
		infinite := e.st.Config.InactivityTimeout < 0
		wait := time.Duration(e.st.Config.InactivityTimeout) * time.Second
		if infinite {
			wait = time.Second
		}
		tv := unix.NsecToTimeval(wait.Nanoseconds())

		n, err := unix.Select(maxFd+1, &rfds, nil, nil, &tv)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("select: %w", err)
		}
		if n == 0 {
			if infinite {
				continue
			}
			e.log.Debug("inactivity timeout")
			return nil
		}

		for _, ev := range events {
			if !rfds.IsSet(ev.fd) {
				continue
			}
			if err := ev.serve(); err != nil {
				return err
			}
		}
	}

	// Drain delayed acks before the sockets go away, so closing does
	// not provoke spurious ICMP at the peers.
	e.log.Debug("draining before close")
	time.Sleep(e.st.Config.CloseTimeout)
	return nil
}

// sockError services a failed outer receive: one queued kernel error is
// drained and reported. When inject is set and the offender is an IPv4
// hop, the error is reforged as an ICMP packet targeted at the private
// address and written into the tun, so the inner transport sees it end to
// end. IPv6 offenders are only logged.
func (e *Engine) sockError(sock OuterSock, tun TunDevice, recvErr error, inject bool) error {
	rep, err := sock.PendingError()
	if err != nil {
		e.log.Debugf("outer recv: %v (errqueue: %v)", recvErr, err)
		return nil
	}
	if rep == nil {
		e.log.Debugf("outer recv: %v (no icmp report)", recvErr)
		return nil
	}

	observeErrqueue(sock.Family())
	logICMPType(e.log, rep.Type, rep.Code)

	if !inject || !rep.Offender.Is4() {
		return nil
	}
	priv, err := e.st.Config.PrivateAddr(FamilyV4)
	if err != nil {
		return nil
	}

	pkt := forgeICMP(rep, priv)
	buf := NewPacketBuf(len(pkt), e.shaper.WireHeadroom())
	copy(buf.Writable(), pkt)
	buf.SetLen(len(pkt))
	if err := e.shaper.PrependPPI(buf); err != nil {
		return nil
	}
	if _, err := tun.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("tun write forged icmp: %w", err)
	}
	e.log.Debugw("injected forged icmp",
		"offender", rep.Offender, "type", rep.Type, "code", rep.Code)
	return nil
}

// readTun pulls one packet from the tun into buf. Tun failures are fatal
// to the role.
func (e *Engine) readTun(tun TunDevice, buf *PacketBuf) error {
	buf.Reset()
	n, err := tun.Read(buf.Writable())
	if err != nil {
		return fmt.Errorf("tun read: %w", err)
	}
	buf.SetLen(n)
	e.log.Debugf("recvd %db from tun", n)
	return nil
}

// writeTun pushes the shaped packet to the tun. Failures are fatal.
func (e *Engine) writeTun(tun TunDevice, buf *PacketBuf, f Family) error {
	n, err := tun.Write(buf.Bytes())
	if err != nil {
		return fmt.Errorf("tun write: %w", err)
	}
	observeForwarded("in", f)
	e.log.Debugf("wrote %db to tun", n)
	return nil
}
