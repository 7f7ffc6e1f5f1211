package internal

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Lifecycle is the process-wide registry of owned resources: goroutines,
// child processes and closable descriptors. Teardown runs once: it cancels
// the goroutines' context, kills and reaps the children, closes the
// descriptors in LIFO order, and then joins the goroutines.
type Lifecycle struct {
	mu      sync.Mutex
	closers []namedCloser
	procs   []*os.Process

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	log *zap.SugaredLogger
}

type namedCloser struct {
	name string
	c    io.Closer
}

// joinTimeout bounds how long Teardown waits for the goroutines to return.
// Their descriptors are already closed by then, which unblocks those still
// in system calls.
const joinTimeout = 3 * time.Second

func NewLifecycle(log *zap.SugaredLogger) *Lifecycle {
	ctx, cancel := context.WithCancel(context.Background())
	return &Lifecycle{ctx: ctx, cancel: cancel, log: log}
}

// Context is cancelled when teardown begins; every long-lived goroutine
// derives from it.
func (l *Lifecycle) Context() context.Context { return l.ctx }

// Go runs fn on a registered goroutine. fn must return when its context
// is cancelled or its descriptor is closed under it.
func (l *Lifecycle) Go(name string, fn func(ctx context.Context)) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		fn(l.ctx)
		l.log.Debugf("%s finished", name)
	}()
}

// RegisterCloser records a descriptor for LIFO release at teardown.
func (l *Lifecycle) RegisterCloser(name string, c io.Closer) {
	l.mu.Lock()
	l.closers = append(l.closers, namedCloser{name, c})
	l.mu.Unlock()
}

// RegisterProcess records a child to kill and reap at teardown.
func (l *Lifecycle) RegisterProcess(p *os.Process) {
	l.mu.Lock()
	l.procs = append(l.procs, p)
	l.mu.Unlock()
}

// Teardown releases everything. Safe to call more than once; only the
// first call acts.
func (l *Lifecycle) Teardown() error {
	var err error
	l.once.Do(func() {
		l.log.Debug("tearing down")
		l.cancel()

		l.mu.Lock()
		closers := l.closers
		procs := l.procs
		l.closers = nil
		l.procs = nil
		l.mu.Unlock()

		for _, p := range procs {
			_ = p.Kill()
			_, _ = p.Wait()
		}
		for i := len(closers) - 1; i >= 0; i-- {
			if cerr := closers[i].c.Close(); cerr != nil {
				err = multierr.Append(err, cerr)
			}
		}

		done := make(chan struct{})
		go func() {
			l.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(joinTimeout):
			l.log.Warn("teardown: goroutines still running after join timeout")
		}
	})
	return err
}

// Barrier is a counted rendezvous: every participant blocks in Wait until
// all of them arrived. It keeps measurement traffic from flowing before
// the capture sinks are armed.
type Barrier struct {
	mu      sync.Mutex
	need    int
	arrived int
	release chan struct{}
}

func NewBarrier(participants int) *Barrier {
	return &Barrier{need: participants, release: make(chan struct{})}
}

// Wait blocks until the configured number of participants reached the
// barrier.
func (b *Barrier) Wait() {
	b.mu.Lock()
	b.arrived++
	if b.arrived >= b.need {
		close(b.release)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	<-b.release
}
