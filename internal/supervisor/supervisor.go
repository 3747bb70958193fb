// Package supervisor implements the global process-state coordinator
// (spec §4.8/§6.5): admission, delivery and the SMSC pool are brought down
// in a controlled "avalanche" sequence, driven by admin commands. After
// Shutdown the process reaches Dead once every watched queue has been
// seen empty on three consecutive polls; producer refcounts and worker
// exit are not checked.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kannelcore/bearerbox/internal/blog"
)

// State is the global process state (§4.8).
type State int

const (
	Running State = iota
	Isolated
	Suspended
	Shutdown
	Dead
	Full
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Isolated:
		return "isolated"
	case Suspended:
		return "suspended"
	case Shutdown:
		return "shutdown"
	case Dead:
		return "dead"
	case Full:
		return "full"
	default:
		return "unknown"
	}
}

// Admission is the subset of internal/admission.Filter the supervisor
// drives directly, kept as an interface to avoid supervisor depending on
// every concrete component package it coordinates.
type Admission interface {
	Suspend()
	Resume()
	Close()
}

// Delivery is the subset of internal/smsc.Pool the supervisor drives.
type Delivery interface {
	Suspend()
	Resume()
	Shutdown()
	Restart(id string) error
	Stop(id string) error
}

// DrainQueue exposes a queue's drained-ness so Supervisor can wait for
// Dead without importing internal/queue's full surface beyond Len.
type DrainQueue interface {
	Len() int
}

// Supervisor coordinates Admission, Delivery and the queues feeding them.
type Supervisor struct {
	admission Admission
	delivery  Delivery
	queues    []DrainQueue

	mu    sync.Mutex
	state State

	deadCh chan struct{}
	once   sync.Once
}

func New(admission Admission, delivery Delivery, queues ...DrainQueue) *Supervisor {
	return &Supervisor{admission: admission, delivery: delivery, queues: queues, state: Running, deadCh: make(chan struct{})}
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	blog.Infof("supervisor: state -> %s", st)
}

// Isolate closes admission while delivery continues (§4.8).
func (s *Supervisor) Isolate() string {
	s.admission.Close()
	s.setState(Isolated)
	return "isolated: admission closed, delivery continues"
}

// Suspend pauses both admission and delivery without tearing anything down.
func (s *Supervisor) Suspend() string {
	s.admission.Suspend()
	s.delivery.Suspend()
	s.setState(Suspended)
	return "suspended"
}

// Resume reverses Suspend, returning to Running.
func (s *Supervisor) Resume() string {
	s.admission.Resume()
	s.delivery.Resume()
	s.setState(Running)
	return "running"
}

// RestartSMSC restarts one connector by id (§6.5 restart-smsc(id)).
func (s *Supervisor) RestartSMSC(id string) string {
	if err := s.delivery.Restart(id); err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return fmt.Sprintf("restarted %s", id)
}

// StopSMSC stops one connector by id (§6.5 stop-smsc(id)).
func (s *Supervisor) StopSMSC(id string) string {
	if err := s.delivery.Stop(id); err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return fmt.Sprintf("stopped %s", id)
}

// Shutdown begins the avalanche sequence (§4.8): admission closed, SMSC
// shutdowns requested with finish_sending=true. It returns immediately;
// WaitDead blocks until watchForDead declares Dead.
func (s *Supervisor) Shutdown() string {
	s.setState(Shutdown)
	s.admission.Close()
	s.delivery.Shutdown()
	go s.watchForDead()
	return "shutdown initiated"
}

// watchForDead polls every queue's Len every 200ms and declares Dead after
// three consecutive polls in which all queues are empty. Len cannot see a
// queue's producer refcount, so whether a queue is closed, or still has
// producers, is not checked.
func (s *Supervisor) watchForDead() {
	stable := 0
	for stable < 3 {
		allEmpty := true
		for _, q := range s.queues {
			if q.Len() > 0 {
				allEmpty = false
				break
			}
		}
		if allEmpty {
			stable++
		} else {
			stable = 0
		}
		time.Sleep(200 * time.Millisecond)
	}
	s.setState(Dead)
	s.once.Do(func() { close(s.deadCh) })
}

// WaitDead blocks until the supervisor reaches Dead or ctx is done.
func (s *Supervisor) WaitDead(ctx context.Context) error {
	select {
	case <-s.deadCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ShutdownAndWait runs Shutdown then blocks for Dead, bounded by timeout;
// used by cmd/bearerbox on SIGTERM for a graceful-but-bounded exit.
func (s *Supervisor) ShutdownAndWait(timeout time.Duration) error {
	s.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.WaitDead(gctx) })
	return g.Wait()
}

// FlushDLR is the admin hook for "flush-dlr" (§6.5): this core keeps no
// buffer of delivery reports, so there is nothing to flush; it reports so.
func (s *Supervisor) FlushDLR() string {
	return "no buffered dlr to flush"
}
