// Package boxc implements the box-connection multiplexer (spec §4.6):
// accepts smsbox/wapbox peers, demultiplexes by routing key, and forwards
// messages in both directions with heartbeat-driven load awareness.
package boxc

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/kannelcore/bearerbox/internal/blog"
	"github.com/kannelcore/bearerbox/internal/message"
	"github.com/kannelcore/bearerbox/internal/queue"
	"github.com/kannelcore/bearerbox/internal/wire"
)

// Peer is one connected smsbox/wapbox: a reader task unpacking inbound
// frames and a writer task draining a per-peer outbound queue (§4.6).
type Peer struct {
	ConnID string // internal identity, assigned at accept time
	BoxID  string // peer-supplied identity, from the identify handshake

	conn     net.Conn
	outbound *queue.Queue

	mu   sync.Mutex
	load int
}

func (p *Peer) Load() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.load
}

func (p *Peer) setLoad(l int) {
	p.mu.Lock()
	p.load = l
	p.mu.Unlock()
}

// Dispatcher routes an inbound message from a peer into the appropriate
// internal queue — the outgoing-SMS queue for sms a box submits, the WTP
// datagram path for wdp_datagram, etc. Implemented by whatever component owns the
// target queue, so boxc stays decoupled from router/admission/wtp.
type Dispatcher interface {
	Dispatch(m *message.Message) error
}

// Multiplexer listens for peer box connections.
type Multiplexer struct {
	addr       string
	dispatcher Dispatcher

	mu    sync.RWMutex
	peers map[string]*Peer

	listener net.Listener
	rrSeed   uint64
}

func New(addr string, dispatcher Dispatcher) *Multiplexer {
	return &Multiplexer{addr: addr, dispatcher: dispatcher, peers: make(map[string]*Peer)}
}

// SetDispatcher assigns the dispatcher after construction, for callers that
// need a *Multiplexer reference to build the Dispatcher they pass in (e.g.
// a WTP responder's Sender wraps the multiplexer it is dispatched through).
// Must be called before Listen.
func (m *Multiplexer) SetDispatcher(d Dispatcher) {
	m.dispatcher = d
}

// Listen starts accepting peer connections. Blocks until the listener is
// closed by Shutdown.
func (m *Multiplexer) Listen() error {
	ln, err := net.Listen("tcp", m.addr)
	if err != nil {
		return err
	}
	m.listener = ln
	blog.Infof("boxc: listening on %s", m.addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go m.handleConn(conn)
	}
}

func (m *Multiplexer) Shutdown() error {
	if m.listener == nil {
		return nil
	}
	return m.listener.Close()
}

func (m *Multiplexer) handleConn(conn net.Conn) {
	connID := uuid.NewString()

	// Identify handshake: peer sends an admin{identify} with its box-id
	// (§4.6) before any other traffic is accepted.
	first, err := wire.ReadFrame(conn)
	if err != nil || first.Kind != message.KindAdmin || first.Admin.Command != message.AdminIdentify {
		blog.Warnf("boxc: %s: identify handshake failed: %v", connID, err)
		conn.Close()
		return
	}

	peer := &Peer{ConnID: connID, BoxID: first.Admin.Arg, conn: conn, outbound: queue.New()}
	peer.outbound.AddProducer()

	m.mu.Lock()
	m.peers[connID] = peer
	m.mu.Unlock()

	blog.Infof("boxc: %s identified as box %q", connID, peer.BoxID)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); m.readLoop(peer) }()
	go func() { defer wg.Done(); m.writeLoop(peer) }()
	wg.Wait()

	m.mu.Lock()
	delete(m.peers, connID)
	m.mu.Unlock()
	conn.Close()
	blog.Infof("boxc: %s (box %q) disconnected", connID, peer.BoxID)
}

func (m *Multiplexer) readLoop(peer *Peer) {
	for {
		msg, err := wire.ReadFrame(peer.conn)
		if err != nil {
			peer.outbound.RemoveProducer()
			return
		}

		if msg.Kind == message.KindHeartbeat {
			peer.setLoad(msg.Heartbeat.Load)
			continue
		}

		if err := m.dispatcher.Dispatch(msg); err != nil {
			blog.Warnf("boxc: %s: dispatch failed: %v", peer.ConnID, err)
		}
	}
}

func (m *Multiplexer) writeLoop(peer *Peer) {
	for {
		msg, ok := peer.outbound.Consume()
		if !ok {
			return
		}
		if err := wire.WriteFrame(peer.conn, msg); err != nil {
			blog.Warnf("boxc: %s: write failed: %v", peer.ConnID, err)
			return
		}
	}
}

// Route delivers m to the appropriate peer: preferring an explicit
// boxc_id if the message carries one, else round-robin among eligible
// peers (§4.6 routing on the box side).
func (m *Multiplexer) Route(msg *message.Message) error {
	boxID := ""
	if msg.Kind == message.KindSMS {
		boxID = msg.SMS.BoxCID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if boxID != "" {
		for _, p := range m.peers {
			if p.BoxID == boxID {
				p.outbound.Produce(msg)
				return nil
			}
		}
		return fmt.Errorf("boxc: no peer with box id %q", boxID)
	}

	if len(m.peers) == 0 {
		return fmt.Errorf("boxc: no peers connected")
	}

	candidates := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		candidates = append(candidates, p)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ConnID < candidates[j].ConnID })

	idx := atomic.AddUint64(&m.rrSeed, 1) % uint64(len(candidates))
	candidates[idx].outbound.Produce(msg)
	return nil
}

// PeerCount returns the number of currently connected peers.
func (m *Multiplexer) PeerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}
