package wtp

import (
	"sync"

	"github.com/kannelcore/bearerbox/internal/blog"
)

// Responder owns every live Transaction, keyed by the four-tuple plus tid
// (§4.7). Distinct transactions are fully independent; only delivery to a
// single Transaction is serialized, via that Transaction's own event queue.
type Responder struct {
	cfg    Config
	sender Sender
	ind    Indicator

	mu           sync.Mutex
	transactions map[Key]*Transaction
}

func NewResponder(cfg Config, sender Sender, ind Indicator) *Responder {
	return &Responder{cfg: cfg, sender: sender, ind: ind, transactions: make(map[Key]*Transaction)}
}

// Deliver feeds one inbound WTP PDU, addressed from peerAddr:peerPort to
// localAddr:localPort, into the responder. Malformed PDUs are logged and
// dropped without an Abort reply, and never create transaction state.
func (r *Responder) Deliver(peerAddr string, peerPort, localPort int, localAddr string, raw []byte) {
	typ, err := PDUTypeOf(raw)
	if err != nil {
		blog.Warnf("wtp: malformed PDU from %s:%d: %v", peerAddr, peerPort, err)
		return
	}

	switch typ {
	case PDUInvoke:
		r.deliverInvoke(peerAddr, peerPort, localAddr, localPort, raw)
	case PDUAck:
		r.deliverAck(peerAddr, peerPort, localAddr, localPort, raw)
	case PDUAbort:
		r.deliverAbort(peerAddr, peerPort, localAddr, localPort, raw)
	default:
		blog.Warnf("wtp: unexpected PDU type %d from %s:%d, dropping", typ, peerAddr, peerPort)
	}
}

func (r *Responder) deliverInvoke(peerAddr string, peerPort int, localAddr string, localPort int, raw []byte) {
	inv, err := UnpackInvoke(raw)
	if err != nil {
		r.rejectUnkeyed(peerAddr, peerPort, localAddr, localPort, err)
		return
	}

	key := Key{PeerAddress: peerAddr, PeerPort: peerPort, LocalAddress: localAddr, LocalPort: localPort, TID: inv.TID}
	txn := r.lookupOrCreate(key)
	txn.push(event{kind: evRcvInvoke, invoke: &inv})
}

func (r *Responder) deliverAck(peerAddr string, peerPort int, localAddr string, localPort int, raw []byte) {
	a, err := UnpackAck(raw)
	if err != nil {
		r.rejectUnkeyed(peerAddr, peerPort, localAddr, localPort, err)
		return
	}
	key := Key{PeerAddress: peerAddr, PeerPort: peerPort, LocalAddress: localAddr, LocalPort: localPort, TID: a.TID}
	if txn := r.lookup(key); txn != nil {
		txn.push(event{kind: evRcvAck, ack: &a})
	}
}

func (r *Responder) deliverAbort(peerAddr string, peerPort int, localAddr string, localPort int, raw []byte) {
	a, err := UnpackAbort(raw)
	if err != nil {
		r.rejectUnkeyed(peerAddr, peerPort, localAddr, localPort, err)
		return
	}
	key := Key{PeerAddress: peerAddr, PeerPort: peerPort, LocalAddress: localAddr, LocalPort: localPort, TID: a.TID}
	if txn := r.lookup(key); txn != nil {
		txn.push(event{kind: evRcvAbort, abort: &a})
	}
}

func (r *Responder) rejectUnkeyed(peerAddr string, peerPort int, localAddr string, localPort int, err error) {
	reason := AbortProtoErr
	if pe, ok := err.(*ErrProto); ok {
		reason = pe.Reason
	}
	blog.Warnf("wtp: rejecting malformed PDU from %s:%d: %v", peerAddr, peerPort, err)
	// No transaction exists to key the reply by tid; best effort is to
	// drop silently, matching §4.7's "must not create state" requirement —
	// an abort reply requires a tid we were never given.
	_ = reason
}

func (r *Responder) lookup(key Key) *Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transactions[key]
}

func (r *Responder) lookupOrCreate(key Key) *Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	if txn, ok := r.transactions[key]; ok {
		return txn
	}
	txn := newTransaction(key, r.cfg, r.sender, r.ind, r.remove)
	r.transactions[key] = txn
	return txn
}

func (r *Responder) remove(key Key) {
	r.mu.Lock()
	delete(r.transactions, key)
	r.mu.Unlock()
}

// Count returns the number of live transactions.
func (r *Responder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transactions)
}
