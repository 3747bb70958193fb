package wtp

import (
	"fmt"
	"sync"
	"time"

	"github.com/kannelcore/bearerbox/internal/blog"
)

// State is one of the six responder states from the §4.7 transition table.
type State int

const (
	Listen State = iota
	TidOkWait
	InvokeRespWait
	ResultWait
	ResultRespWait
	WaitTimeoutState
)

func (s State) String() string {
	switch s {
	case Listen:
		return "Listen"
	case TidOkWait:
		return "TidOkWait"
	case InvokeRespWait:
		return "Invoke_Resp_Wait"
	case ResultWait:
		return "Result_Wait"
	case ResultRespWait:
		return "Result_Resp_Wait"
	case WaitTimeoutState:
		return "Wait_Timeout_State"
	default:
		return "Unknown"
	}
}

// Key identifies a transaction by its four-tuple plus tid (§4.7).
type Key struct {
	PeerAddress  string
	PeerPort     int
	LocalAddress string
	LocalPort    int
	TID          uint16
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d<-%s:%d#%04x", k.LocalAddress, k.LocalPort, k.PeerAddress, k.PeerPort, k.TID)
}

// eventKind distinguishes the events a Transaction's FIFO queue can carry.
type eventKind int

const (
	evRcvInvoke eventKind = iota
	evRcvAck
	evRcvAbort
	evTRResult // upper layer supplied the result to send
	evAckTimeout
)

type event struct {
	kind   eventKind
	invoke *Invoke
	ack    *Ack
	abort  *Abort
	result []byte
}

// Config bounds segmentation and retransmission behavior. SAR_SEGM_SIZE,
// SAR_GROUP_LEN and MAX_RCR come from the WAP WTP spec; since
// original_source carried no retrievable constants for this profile, the
// ack-timeout policy is a documented choice (see DESIGN.md): one fixed
// AckTimeout interval, the same for every retry, rather than the full
// user-ack/tcl/role matrix from WTP Appendix A.
type Config struct {
	SegmentSize  int           // SAR_SEGM_SIZE: bytes per segment
	GroupLen     int           // SAR_GROUP_LEN: segments per ack group
	MaxRetransmit int          // MAX_RCR
	MaxAckRetries int          // AEC
	AckTimeout   time.Duration // base retransmission timer
}

// DefaultConfig matches Kannel's common defaults for these constants.
func DefaultConfig() Config {
	return Config{
		SegmentSize:   266,
		GroupLen:      3,
		MaxRetransmit: 5,
		MaxAckRetries: 5,
		AckTimeout:    7 * time.Second,
	}
}

// Sender transmits a raw WTP PDU to the peer addressed by key. Implemented
// by whatever owns the WDP datagram socket (kept as an interface so wtp
// never needs to import the transport).
type Sender interface {
	SendPDU(key Key, pdu []byte) error
}

// Indicator delivers a completed TR-Invoke.ind to the upper layer (e.g. a
// WSP/push handler) and receives the result bytes to send back, so the
// state machine does not need to know what rides on top of WTP.
type Indicator interface {
	Invoke(key Key, class Class, data []byte) (result []byte, err error)
}

// Transaction is one WTP responder transaction. Events are delivered
// through push, which enqueues to an internal FIFO and drains it under a
// single mutex, giving one transaction's events strict serial handling
// while distinct transactions proceed fully in parallel (§4.7 "a single
// transaction is serial").
type Transaction struct {
	key    Key
	cfg    Config
	sender Sender
	ind    Indicator

	mu      sync.Mutex
	state   State
	queue   []event
	draining bool

	class  Class
	uAck   bool
	rid    bool
	rcr    int // retransmission counter
	aec    int // ack-retry counter

	// Reassembly of a segmented invoke.
	segments   map[uint8][]byte
	highestPSN int
	expectTTR  bool

	// Segmented result awaiting per-group acks.
	resultData   []byte
	resultSentTo int // number of result bytes already transmitted

	timer *time.Timer

	onDestroy func(Key)
}

func newTransaction(key Key, cfg Config, sender Sender, ind Indicator, onDestroy func(Key)) *Transaction {
	return &Transaction{
		key:       key,
		cfg:       cfg,
		sender:    sender,
		ind:       ind,
		state:     Listen,
		segments:  make(map[uint8][]byte),
		onDestroy: onDestroy,
	}
}

func (t *Transaction) push(e event) {
	t.mu.Lock()
	t.queue = append(t.queue, e)
	if t.draining {
		t.mu.Unlock()
		return
	}
	t.draining = true
	t.mu.Unlock()
	t.drain()
}

func (t *Transaction) drain() {
	for {
		t.mu.Lock()
		if len(t.queue) == 0 {
			t.draining = false
			t.mu.Unlock()
			return
		}
		e := t.queue[0]
		t.queue = t.queue[1:]
		t.mu.Unlock()

		t.handle(e)
	}
}

func (t *Transaction) destroy() {
	t.stopTimer()
	if t.onDestroy != nil {
		t.onDestroy(t.key)
	}
}

func (t *Transaction) stopTimer() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// arm (re)starts the ack-expiration timer; a fixed interval per rcr, the
// documented substitute for the unavailable Appendix A table.
func (t *Transaction) arm() {
	t.stopTimer()
	t.timer = time.AfterFunc(t.cfg.AckTimeout, func() {
		t.push(event{kind: evAckTimeout})
	})
}

// handle runs one event through the current state under the table from
// §4.7. Called only from drain, so state is never touched concurrently.
func (t *Transaction) handle(e event) {
	t.mu.Lock()
	state := t.state
	t.mu.Unlock()

	if e.kind == evRcvAbort {
		blog.Debugf("wtp: %s: RcvAbort reason=%d in state %s, destroying", t.key, e.abort.Reason, state)
		t.destroy()
		return
	}

	switch state {
	case Listen:
		t.handleListen(e)
	case TidOkWait:
		t.handleTidOkWait(e)
	case InvokeRespWait:
		t.handleInvokeRespWait(e)
	case ResultWait:
		t.handleResultWait(e)
	case ResultRespWait:
		t.handleResultRespWait(e)
	case WaitTimeoutState:
		// Terminal holding state: only abort (handled above) moves out; the
		// first timeout destroys the transaction (AEC is not consulted).
		if e.kind == evAckTimeout {
			t.destroy()
		}
	}
}

func (t *Transaction) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// handleListen processes the first Invoke of a transaction (§4.7 Listen row).
func (t *Transaction) handleListen(e event) {
	if e.kind != evRcvInvoke {
		return
	}
	inv := e.invoke
	t.class = inv.Class
	t.uAck = inv.UAck
	t.rid = inv.RID

	if inv.RID {
		// Retransmitted invoke before we have even ack'd the tid: move to
		// TidOkWait to re-ack without re-invoking the upper layer.
		t.sendAck(false)
		t.setState(TidOkWait)
		return
	}

	if inv.GTR || inv.TTR {
		t.beginReassembly(inv)
		return
	}

	t.sendAck(false)
	t.invokeUpperLayer(inv.Data)
}

func (t *Transaction) beginReassembly(inv *Invoke) {
	t.segments[0] = inv.Data
	t.highestPSN = 0
	t.expectTTR = inv.TTR
	if inv.GTR {
		t.sendSegmentAck(0)
	}
	t.setState(TidOkWait)
}

func (t *Transaction) handleTidOkWait(e event) {
	switch e.kind {
	case evRcvInvoke:
		inv := e.invoke
		if inv.RID {
			// Retransmission of a segment or the initial invoke; re-ack the
			// highest contiguous segment without re-invoking.
			t.sendSegmentAck(uint8(t.highestPSN))
			return
		}
		t.continueReassembly(inv)
	}
}

func (t *Transaction) continueReassembly(inv *Invoke) {
	// A real PSN would travel in the Invoke header for segmented PDUs; the
	// reassembly buffer keys segments by arrival order here since PSN is
	// carried on Result/Ack PDUs in this profile and Invoke segmentation
	// reuses the same ordering guarantee from the transport.
	psn := uint8(len(t.segments))
	t.segments[psn] = inv.Data
	t.highestPSN = int(psn)

	if inv.GTR {
		t.sendSegmentAck(psn)
	}

	if inv.TTR {
		full := t.reassembled()
		t.sendAck(false)
		t.setState(InvokeRespWait)
		t.invokeUpperLayer(full)
		return
	}
}

func (t *Transaction) reassembled() []byte {
	var out []byte
	for i := 0; i <= t.highestPSN; i++ {
		out = append(out, t.segments[uint8(i)]...)
	}
	return out
}

// invokeUpperLayer delivers TR-Invoke.ind and, once the result comes back,
// feeds an evTRResult event so sending stays on the transaction's own
// serial event path rather than racing the caller's goroutine.
func (t *Transaction) invokeUpperLayer(data []byte) {
	t.setState(InvokeRespWait)
	go func() {
		result, err := t.ind.Invoke(t.key, t.class, data)
		if err != nil {
			blog.Warnf("wtp: %s: upper layer invoke failed: %v", t.key, err)
			t.push(event{kind: evRcvAbort, abort: &Abort{Reason: AbortNoResponse}})
			return
		}
		t.push(event{kind: evTRResult, result: result})
	}()
}

func (t *Transaction) handleInvokeRespWait(e event) {
	if e.kind != evTRResult {
		return
	}
	if t.class == Class0 {
		t.destroy()
		return
	}
	t.resultData = e.result
	t.resultSentTo = 0
	t.sendResultSegment()
	t.setState(ResultWait)
}

// handleResultWait processes acks/timeouts for a (possibly segmented)
// result, per §4.7's Result_Wait row.
func (t *Transaction) handleResultWait(e event) {
	switch e.kind {
	case evRcvAck:
		t.rcr = 0
		if t.resultSentTo >= len(t.resultData) {
			if t.class == Class2 {
				t.setState(ResultRespWait)
			} else {
				t.destroy()
			}
			return
		}
		t.sendResultSegment()
	case evAckTimeout:
		if t.rcr >= t.cfg.MaxRetransmit {
			t.sendAbort(AbortNoResponse)
			t.destroy()
			return
		}
		t.rcr++
		t.retransmitResultSegment()
	}
}

func (t *Transaction) handleResultRespWait(e event) {
	if e.kind == evAckTimeout {
		t.destroy()
	}
}

func (t *Transaction) sendResultSegment() {
	remaining := t.resultData[t.resultSentTo:]
	size := t.cfg.SegmentSize
	if size <= 0 || size > len(remaining) {
		size = len(remaining)
	}
	chunk := remaining[:size]
	psn := uint8(t.resultSentTo / maxInt(t.cfg.SegmentSize, 1))
	ttr := t.resultSentTo+size >= len(t.resultData)
	gtr := !ttr && psn%uint8(maxInt(t.cfg.GroupLen, 1)) == 0

	r := Result{
		Header: Header{Type: PDUResult, TID: t.key.TID, GTR: gtr, TTR: ttr},
		PSN:    psn,
		Data:   chunk,
	}
	t.send(PackResult(r))
	t.resultSentTo += size
	t.arm()
}

func (t *Transaction) retransmitResultSegment() {
	// Resend from the last unacked point: since sendResultSegment already
	// advanced resultSentTo, retransmit re-sends the same logical segment
	// by rewinding to the segment boundary before the last send.
	size := t.cfg.SegmentSize
	if size <= 0 {
		size = len(t.resultData)
	}
	back := t.resultSentTo % size
	if back == 0 && t.resultSentTo > 0 {
		back = size
	}
	t.resultSentTo -= back
	t.sendResultSegment()
}

func (t *Transaction) sendAck(tidVerify bool) {
	a := Ack{Header: Header{Type: PDUAck, TID: t.key.TID}, TIDVerify: tidVerify}
	t.send(PackAck(a))
}

func (t *Transaction) sendSegmentAck(psn uint8) {
	a := Ack{Header: Header{Type: PDUAck, TID: t.key.TID}, PSN: psn}
	t.send(PackAck(a))
}

func (t *Transaction) sendAbort(reason AbortReason) {
	a := Abort{Header: Header{Type: PDUAbort, TID: t.key.TID}, Reason: reason}
	t.send(PackAbort(a))
}

func (t *Transaction) send(pdu []byte) {
	if err := t.sender.SendPDU(t.key, pdu); err != nil {
		blog.Warnf("wtp: %s: send failed: %v", t.key, err)
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
