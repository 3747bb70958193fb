package smsc

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/kannelcore/bearerbox/internal/blog"
	"github.com/kannelcore/bearerbox/internal/message"
	"github.com/kannelcore/bearerbox/internal/queue"
)

// Admitter is the inbound admission filter (internal/admission) that the
// pool's Receive callback delegates to. Kept as an interface here so the
// connector pool does not import the admission package (§2.9 dependency
// order: admission is built on top of the pool's queue, not the reverse).
type Admitter interface {
	Admit(m *message.Message) error
}

// Config configures one connector entry (spec §3 SMSCConn configuration
// fields).
type Config struct {
	ID             string
	Name           string
	Selectors      Selectors
	ReconnectDelay int // seconds
	Throughput     float64
	Driver         Driver
}

// Pool owns the dynamic list of SMSCConn and implements the driver
// callback contract of §4.2. The connector-list mutex is never held while
// blocked on I/O or while holding a Conn's own mutex (§5 locking
// discipline: connector-list → Conn, never the reverse).
type Pool struct {
	mu    sync.RWMutex
	conns []*Conn

	incoming *queue.Queue // producer: this pool, once started
	outgoing *queue.Queue // consumer: the router (internal/router)

	admitter Admitter

	running bool
}

// New creates an empty pool. incoming/outgoing are the typed sms queues
// shared with admission and the router respectively.
func New(incoming, outgoing *queue.Queue, admitter Admitter) *Pool {
	return &Pool{incoming: incoming, outgoing: outgoing, admitter: admitter}
}

func (p *Pool) Outgoing() *queue.Queue { return p.outgoing }

// Start builds a Conn for each configured entry in the stopped state and
// starts its driver. Fails if called while already running (§4.2 `start`).
func (p *Pool) Start(cfgs []Config) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("smsc: pool already running")
	}
	p.running = true

	conns := make([]*Conn, 0, len(cfgs))
	for _, cfg := range cfgs {
		c := newConn(cfg.ID, cfg.Name, cfg.Selectors, time.Duration(cfg.ReconnectDelay)*time.Second, cfg.Throughput, cfg.Driver)
		c.pool = p
		conns = append(conns, c)
	}
	p.conns = conns
	p.mu.Unlock()

	for _, c := range conns {
		c.setStatus(StatusStarting)
		if err := c.driver.Start(c); err != nil {
			blog.Errorf("smsc: %s: start failed: %v", c.ID, err)
			c.setStatus(StatusDisconnected)
		}
	}
	return nil
}

// Stop transitions one connector to disconnected without removing it from
// the pool (§4.2 `stop(id)`).
func (p *Pool) Stop(id string) error {
	c, err := p.find(id)
	if err != nil {
		return err
	}
	c.setStatus(StatusDisconnected)
	return c.driver.Stop(c)
}

// Restart stops then starts one connector.
func (p *Pool) Restart(id string) error {
	c, err := p.find(id)
	if err != nil {
		return err
	}
	if err := c.driver.Stop(c); err != nil {
		blog.Warnf("smsc: %s: stop before restart failed: %v", id, err)
	}
	c.setStatus(StatusStarting)
	return c.driver.Start(c)
}

// Suspend broadcasts stop to every connector without removing any of them.
func (p *Pool) Suspend() {
	for _, c := range p.snapshot() {
		if err := c.driver.Stop(c); err != nil {
			blog.Warnf("smsc: %s: suspend failed: %v", c.ID, err)
		}
		c.setStatus(StatusDisconnected)
	}
}

// Resume broadcasts start to every connector.
func (p *Pool) Resume() {
	for _, c := range p.snapshot() {
		c.setStatus(StatusStarting)
		if err := c.driver.Start(c); err != nil {
			blog.Warnf("smsc: %s: resume failed: %v", c.ID, err)
		}
	}
}

// Shutdown marks all connectors for drain and requests driver shutdown
// with finish_sending=true. Terminal producer removal on the incoming
// queue happens as each driver calls Killed (§4.2 `shutdown`).
func (p *Pool) Shutdown() {
	for _, c := range p.snapshot() {
		if err := c.driver.Shutdown(c, true); err != nil {
			blog.Warnf("smsc: %s: shutdown request failed: %v", c.ID, err)
		}
	}
}

func (p *Pool) find(id string) (*Conn, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, c := range p.conns {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, fmt.Errorf("smsc: no such connector %q", id)
}

// snapshot takes the connector-list lock just long enough to copy the
// slice header (§5: "iteration takes the lock, snapshots the minimum
// needed, releases, then acts").
func (p *Pool) snapshot() []*Conn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Conn, len(p.conns))
	copy(out, p.conns)
	return out
}

// Candidates returns connectors in random-offset order starting from a
// random index, giving the router (§4.3 step 3, fairness across
// equal-weight connectors) its iteration order without re-implementing the
// rotation at each call site.
func (p *Pool) Candidates() []*Conn {
	conns := p.snapshot()
	if len(conns) == 0 {
		return conns
	}
	offset := rand.Intn(len(conns))
	out := make([]*Conn, len(conns))
	for i := range conns {
		out[i] = conns[(offset+i)%len(conns)]
	}
	return out
}

// Status returns a read-only snapshot of every connector (§4.2 `status(fmt)`).
func (p *Pool) Status() []StatusSnapshot {
	conns := p.snapshot()
	out := make([]StatusSnapshot, len(conns))
	for i, c := range conns {
		out[i] = c.snapshot()
	}
	return out
}

// Send submits m to conn's driver and returns the driver's result. It does
// not change conn's queued length.
func (p *Pool) Send(conn *Conn, m *message.Message) SendResult {
	result := conn.driver.Send(conn, m)
	return result
}

// --- Driver callback contract (§4.2) ---

// Ready is called once a driver has registered its worker goroutines; the
// pool adds itself as a producer on the incoming queue on the connector's
// behalf (§4.2 `ready(conn)`).
func (p *Pool) Ready(c *Conn) {
	p.incoming.AddProducer()
	blog.Infof("smsc: %s ready", c.ID)
}

// Connected transitions a connector to Active.
func (p *Pool) Connected(c *Conn) {
	c.setStatus(StatusActive)
	blog.Infof("smsc: %s connected", c.ID)
}

// Receive runs inbound admission on a driver-delivered sms. Returns nil on
// acceptance (the driver may release its buffer), or an error on rejection.
func (p *Pool) Receive(c *Conn, m *message.Message) error {
	if m.Kind != message.KindSMS {
		return fmt.Errorf("smsc: Receive requires an sms message")
	}
	m.SMS.SMSCID = c.ID

	if err := p.admitter.Admit(m); err != nil {
		return err
	}
	c.received.inc()
	return nil
}

// Sent records a successful delivery: increments counters. The ack record
// itself (§4.2 `sent(conn, sms)`: "append ack record; increment counters;
// log; release sms") is appended by the router once Send returns SendOK,
// since Send is synchronous with the driver's Sent callback and the router
// already owns the store reference needed to write it.
func (p *Pool) Sent(c *Conn, m *message.Message) {
	c.sent.inc()
}

// SendFailed handles a failed send per §4.2: temporary failures are
// re-queued to outgoing (never dropped); permanent failures are reported
// to the caller for nack recording.
func (p *Pool) SendFailed(c *Conn, m *message.Message, reason SendResult) {
	c.failed.inc()
	switch reason {
	case SendFailedShutdown, SendFailedTemporarilyDown:
		p.outgoing.Produce(m)
	case SendFailedRejected, SendFailedMalformed:
		// Permanent failure: caller (router) records the nack via the store.
	}
}

// Killed removes one producer slot from the incoming queue; once every
// connector has called Killed the queue's producer refcount reaches zero,
// which closes the incoming queue once it is empty and so ends its
// consumer (§4.1/§4.2).
func (p *Pool) Killed(c *Conn, why WhyKilled) {
	c.mu.Lock()
	c.whyKilled = why
	c.status = StatusKilled
	c.mu.Unlock()

	p.incoming.RemoveProducer()
	blog.Infof("smsc: %s killed (%v)", c.ID, why)
}
