// Package message defines bearerbox's canonical in-memory message types —
// the tagged union described in spec §3. Every component that moves data
// between queues, the store, and connectors operates on a *Message.
package message

import "fmt"

// Kind selects which payload field of Message is valid.
type Kind int

const (
	KindSMS Kind = iota
	KindAck
	KindDatagram
	KindHeartbeat
	KindAdmin
)

func (k Kind) String() string {
	switch k {
	case KindSMS:
		return "sms"
	case KindAck:
		return "ack"
	case KindDatagram:
		return "wdp_datagram"
	case KindHeartbeat:
		return "heartbeat"
	case KindAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// Coding is the SMS data-coding-scheme class.
type Coding int

const (
	CodingUndef Coding = iota
	Coding7Bit
	Coding8Bit
	CodingUCS2
)

// NackReason classifies why an sms could not be (or will not be) delivered.
type NackReason int

const (
	NackNone NackReason = iota
	NackFailed
	NackFailedTemp
	NackRejected
)

// SMSType classifies the direction/purpose of an sms record.
type SMSType int

const (
	SMSTypeMO SMSType = iota
	SMSTypeMTReply
	SMSTypeMTPush
	SMSTypeReport
)

// AdminCommand enumerates the supervisor control commands carried by an
// `admin` message (§6.5).
type AdminCommand int

const (
	AdminShutdown AdminCommand = iota
	AdminSuspend
	AdminResume
	AdminIdentify
)

// SMS is the sms variant payload. msgdata and udhdata are byte-opaque (§3).
type SMS struct {
	Sender   string
	Receiver string
	MsgData  []byte
	UDHData  []byte

	Coding  Coding
	MClass  int
	MWI     int
	AltDCS  int
	PID     int
	Validity int64
	Deferred int64

	Time int64
	// ID is assigned exactly once, at first store.Save, and never mutated.
	ID uint64

	SMSCID  string
	BoxCID  string
	Service string
	Account string
	BInfo   string

	DLRURL  string
	DLRMask int

	Type SMSType
}

// Ack is the ack variant payload.
type Ack struct {
	ID         uint64
	Time       int64
	NackReason NackReason
}

// WDPDatagram is the wdp_datagram variant payload — the WAP bearer-agnostic
// datagram carrying a WTP PDU as UserData.
type WDPDatagram struct {
	SourceAddress      string
	SourcePort         int
	DestinationAddress string
	DestinationPort    int
	UserData           []byte
}

// Heartbeat is the heartbeat variant payload, carrying a connector's
// subjective load for load-aware selection.
type Heartbeat struct {
	Load int
}

// Admin is the admin variant payload.
type Admin struct {
	Command AdminCommand
	Arg     string // e.g. an smsc id for stop-smsc/restart-smsc
}

// Message is the tagged union described in spec §3. Exactly one of the
// payload pointers is non-nil, matching Kind.
type Message struct {
	Kind Kind

	SMS       *SMS
	Ack       *Ack
	Datagram  *WDPDatagram
	Heartbeat *Heartbeat
	Admin     *Admin
}

func NewSMS(s *SMS) *Message       { return &Message{Kind: KindSMS, SMS: s} }
func NewAck(a *Ack) *Message        { return &Message{Kind: KindAck, Ack: a} }
func NewDatagram(d *WDPDatagram) *Message { return &Message{Kind: KindDatagram, Datagram: d} }
func NewHeartbeat(h *Heartbeat) *Message  { return &Message{Kind: KindHeartbeat, Heartbeat: h} }
func NewAdmin(a *Admin) *Message    { return &Message{Kind: KindAdmin, Admin: a} }

// Clone makes a deep-enough copy for re-queueing: byte slices are not
// aliased, so a retried send cannot be mutated by a driver that already
// released the original.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := &Message{Kind: m.Kind}
	switch m.Kind {
	case KindSMS:
		s := *m.SMS
		s.MsgData = append([]byte(nil), m.SMS.MsgData...)
		s.UDHData = append([]byte(nil), m.SMS.UDHData...)
		out.SMS = &s
	case KindAck:
		a := *m.Ack
		out.Ack = &a
	case KindDatagram:
		d := *m.Datagram
		d.UserData = append([]byte(nil), m.Datagram.UserData...)
		out.Datagram = &d
	case KindHeartbeat:
		h := *m.Heartbeat
		out.Heartbeat = &h
	case KindAdmin:
		a := *m.Admin
		out.Admin = &a
	}
	return out
}

func (m *Message) String() string {
	switch m.Kind {
	case KindSMS:
		return fmt.Sprintf("sms{id=%d %s->%s len=%d}", m.SMS.ID, m.SMS.Sender, m.SMS.Receiver, len(m.SMS.MsgData))
	case KindAck:
		return fmt.Sprintf("ack{id=%d reason=%d}", m.Ack.ID, m.Ack.NackReason)
	case KindDatagram:
		return fmt.Sprintf("wdp{%s:%d->%s:%d len=%d}", m.Datagram.SourceAddress, m.Datagram.SourcePort,
			m.Datagram.DestinationAddress, m.Datagram.DestinationPort, len(m.Datagram.UserData))
	case KindHeartbeat:
		return fmt.Sprintf("heartbeat{load=%d}", m.Heartbeat.Load)
	case KindAdmin:
		return fmt.Sprintf("admin{cmd=%d arg=%q}", m.Admin.Command, m.Admin.Arg)
	default:
		return "message{?}"
	}
}
