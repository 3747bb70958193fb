// Package smsc implements the SMSC connector pool described in spec §4.2:
// lifecycle management for each configured SMS-center connection, the
// driver callback contract drivers use to report progress back to the
// core, and per-connector status/load/counters.
package smsc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kannelcore/bearerbox/internal/message"
)

// Status is a connector's lifecycle state.
type Status int

const (
	StatusUnknown Status = iota
	StatusStarting
	StatusActive
	StatusConnecting
	StatusReconnecting
	StatusDisconnected
	StatusKilled
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusActive:
		return "active"
	case StatusConnecting:
		return "connecting"
	case StatusReconnecting:
		return "reconnecting"
	case StatusDisconnected:
		return "disconnected"
	case StatusKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// WhyKilled classifies a terminal connector's cause of death.
type WhyKilled int

const (
	WhyAlive WhyKilled = iota
	WhyWrongPassword
	WhyCannotConnect
	WhyShutdown
)

// Selectors configure which outgoing messages a connector is eligible for
// (§3 SMSCConn, §4.3 usable()).
type Selectors struct {
	DeniedSMSCIDs   []string
	PreferredSMSCID []string
	AllowedPrefix   []string
	DeniedPrefix    []string
}

// SendResult is the outcome of Driver.Send.
type SendResult int

const (
	SendOK SendResult = iota
	SendFailedShutdown
	SendFailedTemporarilyDown
	SendFailedRejected
	SendFailedMalformed
)

// Driver is the contract an SMSC connector implementation (SMPP, CIMD,
// EMI/UCP, an HTTP aggregator — see drivers/httpsmsc for the one bearerbox
// ships) must satisfy. Wire-format specifics are explicitly out of scope
// (spec §1); the core only ever calls these four methods.
type Driver interface {
	// Start begins the driver's connection/worker goroutines. Must
	// eventually call Conn.Pool().Ready and, once a session is live,
	// Conn.Pool().Connected.
	Start(c *Conn) error
	// Stop tears down the driver's connection without destroying c.
	Stop(c *Conn) error
	// Send hands one sms to the driver for delivery and returns the
	// outcome. On success the driver calls Conn.Pool().Sent itself; a
	// failure result goes back to the caller (the router), which passes
	// it on to Conn.Pool().SendFailed.
	Send(c *Conn, m *message.Message) SendResult
	// Shutdown requests final drain; if finishSending is true, the driver
	// should keep delivering already-accepted messages before calling
	// Conn.Pool().Killed.
	Shutdown(c *Conn, finishSending bool) error
}

// Conn is the per-SMSC handle described in spec §3 (SMSCConn). Status,
// load, queued length and start time are guarded by mu; the counters are
// atomic; driver callbacks are thread-safe per §4.2.
type Conn struct {
	mu sync.Mutex

	ID   string
	Name string

	Selectors      Selectors
	ReconnectDelay time.Duration
	Throughput     float64 // messages/sec ceiling, 0 = unlimited

	status    Status
	whyKilled WhyKilled
	load      int

	received Counter
	sent     Counter
	failed   Counter

	queuedLen int
	startedAt time.Time

	driver Driver
	pool   *Pool
}

// Counter is one of the per-connector received/sent/failed counters in §3.
// The pool's driver callbacks bump it without holding Conn.mu, so it is
// updated and read atomically.
type Counter struct{ v atomic.Int64 }

func (c *Counter) inc() int64  { return c.v.Add(1) }
func (c *Counter) get() int64  { return c.v.Load() }

func newConn(id, name string, sel Selectors, reconnectDelay time.Duration, throughput float64, driver Driver) *Conn {
	return &Conn{
		ID:             id,
		Name:           name,
		Selectors:      sel,
		ReconnectDelay: reconnectDelay,
		Throughput:     throughput,
		status:         StatusUnknown,
		driver:         driver,
	}
}

func (c *Conn) Pool() *Pool { return c.pool }

func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Conn) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	if s == StatusActive && c.startedAt.IsZero() {
		c.startedAt = time.Now()
	}
	c.mu.Unlock()
}

func (c *Conn) Load() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load
}

// SetLoad is called by the driver to report its subjective load (§4.3 tie
// breaking uses this for lowest-load selection).
func (c *Conn) SetLoad(load int) {
	c.mu.Lock()
	c.load = load
	c.mu.Unlock()
}

func (c *Conn) QueuedLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queuedLen
}

func (c *Conn) setQueuedLen(n int) {
	c.mu.Lock()
	c.queuedLen = n
	c.mu.Unlock()
}

// StatusSnapshot is the read-only view returned by Pool.Status (§4.2
// `status(fmt)`).
type StatusSnapshot struct {
	ID            string
	Name          string
	Status        Status
	WhyKilled     WhyKilled
	Received      int64
	Sent          int64
	Failed        int64
	Queued        int
	Load          int
	OnlineSeconds float64
}

func (c *Conn) snapshot() StatusSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	var online float64
	if !c.startedAt.IsZero() {
		online = time.Since(c.startedAt).Seconds()
	}

	return StatusSnapshot{
		ID:            c.ID,
		Name:          c.Name,
		Status:        c.status,
		WhyKilled:     c.whyKilled,
		Received:      c.received.get(),
		Sent:          c.sent.get(),
		Failed:        c.failed.get(),
		Queued:        c.queuedLen,
		Load:          c.load,
		OnlineSeconds: online,
	}
}
