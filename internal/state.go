package internal

import (
	"fmt"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Role selects which forwarding state machine runs.
type Role int

const (
	RoleClient Role = iota
	RoleServer
	RolePeer
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	case RolePeer:
		return "peer"
	}
	return "none"
}

// SchedMode orders the two measurement flows per destination.
type SchedMode int

const (
	SchedParallel SchedMode = iota
	SchedTunFirst
	SchedNotunFirst
)

func (m SchedMode) String() string {
	switch m {
	case SchedTunFirst:
		return "tun-first"
	case SchedNotunFirst:
		return "notun-first"
	}
	return "parallel"
}

// RuntimeState ties together everything a role needs: the configuration,
// the peer directory, the tun handle, the outer sockets, the lifecycle
// registry and the start barrier. It is built once at startup and torn
// down through the lifecycle manager.
//
// The shutdown flag has exactly one writer besides the roles themselves:
// the signal handler. The forwarding loop polls it between readiness
// cycles.
type RuntimeState struct {
	Config *Config
	Dir    *Directory
	Role   Role
	Sched  SchedMode

	Tun    TunDevice
	Shaper *Shaper
	Life   *Lifecycle
	Start  *Barrier

	socks map[Family]map[sockKind]OuterSock

	shutdown atomic.Bool
	log      *zap.SugaredLogger
}

// sockKind separates the two outer sockets a fullmesh peer binds per
// family: one on the server port, one on the client port.
type sockKind int

const (
	sockCli sockKind = iota
	sockServ
)

// NewRuntimeState wires the immutable parts together; sockets and the tun
// are attached by the role setup.
func NewRuntimeState(cfg *Config, dir *Directory, role Role, log *zap.SugaredLogger) *RuntimeState {
	return &RuntimeState{
		Config: cfg,
		Dir:    dir,
		Role:   role,
		Life:   NewLifecycle(log),
		socks:  make(map[Family]map[sockKind]OuterSock),
		log:    log,
	}
}

// AttachSock registers an outer socket under its family and kind, and
// hands its descriptor to the lifecycle registry.
func (s *RuntimeState) AttachSock(k sockKind, sock OuterSock) {
	m := s.socks[sock.Family()]
	if m == nil {
		m = make(map[sockKind]OuterSock)
		s.socks[sock.Family()] = m
	}
	m[k] = sock
	s.Life.RegisterCloser(fmt.Sprintf("outer-%s", sock.Family()), sock)
}

// Sock returns the outer socket for a family and kind, nil when the
// family is not active.
func (s *RuntimeState) Sock(k sockKind, f Family) OuterSock {
	return s.socks[f][k]
}

// AttachTun registers the tun device.
func (s *RuntimeState) AttachTun(t TunDevice) {
	s.Tun = t
	s.Life.RegisterCloser("tun", t)
}

// Shutdown flips the termination flag; the forwarding loop drains and
// exits on its next cycle.
func (s *RuntimeState) Shutdown() { s.shutdown.Store(true) }

// ShuttingDown reports whether termination was requested.
func (s *RuntimeState) ShuttingDown() bool { return s.shutdown.Load() }

// Log exposes the process logger.
func (s *RuntimeState) Log() *zap.SugaredLogger { return s.log }
