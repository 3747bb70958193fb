// Package wire implements the inter-box wire codec described in spec §3/§6.1:
// each field serializes as either a 32-bit big-endian signed integer or a
// length-prefixed byte string (length -1 means absent), and the whole
// message is itself length-prefixed. The same codec underlies the
// persistent store's append-only log format (§6.4).
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kannelcore/bearerbox/internal/message"
)

// ErrAbsentLength is the length value a field writes when a byte string is
// not present (nil), distinct from an empty-but-present string.
const ErrAbsentLength = -1

var ErrTruncated = errors.New("wire: truncated frame")

// variant tags, written as the first inner int32 field of a packed message.
const (
	tagSMS uint8 = iota
	tagAck
	tagDatagram
	tagHeartbeat
	tagAdmin
)

// Encoder accumulates a packed message body (everything after the outer
// total-length prefix).
type Encoder struct {
	buf []byte
}

func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) PutInt32(v int32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	e.buf = append(e.buf, b[:]...)
}

func (e *Encoder) PutInt64(v int64) {
	e.PutInt32(int32(v >> 32))
	e.PutInt32(int32(v))
}

func (e *Encoder) PutUint64(v uint64) { e.PutInt64(int64(v)) }

func (e *Encoder) PutString(s []byte) {
	if s == nil {
		e.PutInt32(ErrAbsentLength)
		return
	}
	e.PutInt32(int32(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *Encoder) PutText(s string) {
	if s == "" {
		e.PutInt32(ErrAbsentLength)
		return
	}
	e.PutString([]byte(s))
}

// Decoder reads fields sequentially from a packed message body.
type Decoder struct {
	buf []byte
	pos int
}

func NewDecoder(buf []byte) *Decoder { return &Decoder{buf: buf} }

func (d *Decoder) GetInt32() (int32, error) {
	if d.pos+4 > len(d.buf) {
		return 0, ErrTruncated
	}
	v := int32(binary.BigEndian.Uint32(d.buf[d.pos:]))
	d.pos += 4
	return v, nil
}

func (d *Decoder) GetInt64() (int64, error) {
	hi, err := d.GetInt32()
	if err != nil {
		return 0, err
	}
	lo, err := d.GetInt32()
	if err != nil {
		return 0, err
	}
	return int64(hi)<<32 | int64(uint32(lo)), nil
}

func (d *Decoder) GetUint64() (uint64, error) {
	v, err := d.GetInt64()
	return uint64(v), err
}

// GetString returns nil (not an empty, non-nil slice) when the field was
// encoded absent.
func (d *Decoder) GetString() ([]byte, error) {
	n, err := d.GetInt32()
	if err != nil {
		return nil, err
	}
	if n == ErrAbsentLength {
		return nil, nil
	}
	if n < 0 {
		return nil, fmt.Errorf("wire: negative length %d", n)
	}
	if d.pos+int(n) > len(d.buf) {
		return nil, ErrTruncated
	}
	s := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return s, nil
}

func (d *Decoder) GetText() (string, error) {
	b, err := d.GetString()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *Decoder) Remaining() int { return len(d.buf) - d.pos }

// Pack serializes m into a packed message body (variant tag + fields, no
// outer length prefix — callers that need the §6.1 frame should use
// WriteFrame instead).
func Pack(m *message.Message) []byte {
	e := &Encoder{}
	switch m.Kind {
	case message.KindSMS:
		e.PutInt32(int32(tagSMS))
		s := m.SMS
		e.PutText(s.Sender)
		e.PutText(s.Receiver)
		e.PutString(s.MsgData)
		e.PutString(s.UDHData)
		e.PutInt32(int32(s.Coding))
		e.PutInt32(int32(s.MClass))
		e.PutInt32(int32(s.MWI))
		e.PutInt32(int32(s.AltDCS))
		e.PutInt32(int32(s.PID))
		e.PutInt64(s.Validity)
		e.PutInt64(s.Deferred)
		e.PutInt64(s.Time)
		e.PutUint64(s.ID)
		e.PutText(s.SMSCID)
		e.PutText(s.BoxCID)
		e.PutText(s.Service)
		e.PutText(s.Account)
		e.PutText(s.BInfo)
		e.PutText(s.DLRURL)
		e.PutInt32(int32(s.DLRMask))
		e.PutInt32(int32(s.Type))
	case message.KindAck:
		e.PutInt32(int32(tagAck))
		a := m.Ack
		e.PutUint64(a.ID)
		e.PutInt64(a.Time)
		e.PutInt32(int32(a.NackReason))
	case message.KindDatagram:
		e.PutInt32(int32(tagDatagram))
		d := m.Datagram
		e.PutText(d.SourceAddress)
		e.PutInt32(int32(d.SourcePort))
		e.PutText(d.DestinationAddress)
		e.PutInt32(int32(d.DestinationPort))
		e.PutString(d.UserData)
	case message.KindHeartbeat:
		e.PutInt32(int32(tagHeartbeat))
		e.PutInt32(int32(m.Heartbeat.Load))
	case message.KindAdmin:
		e.PutInt32(int32(tagAdmin))
		e.PutInt32(int32(m.Admin.Command))
		e.PutText(m.Admin.Arg)
	}
	return e.buf
}

// Unpack is the inverse of Pack.
func Unpack(buf []byte) (*message.Message, error) {
	d := NewDecoder(buf)
	tag, err := d.GetInt32()
	if err != nil {
		return nil, err
	}

	switch uint8(tag) {
	case tagSMS:
		s := &message.SMS{}
		var e error
		if s.Sender, e = d.GetText(); e != nil {
			return nil, e
		}
		if s.Receiver, e = d.GetText(); e != nil {
			return nil, e
		}
		if s.MsgData, e = d.GetString(); e != nil {
			return nil, e
		}
		if s.UDHData, e = d.GetString(); e != nil {
			return nil, e
		}
		coding, e := d.GetInt32()
		if e != nil {
			return nil, e
		}
		s.Coding = message.Coding(coding)
		if v, e := d.GetInt32(); e != nil {
			return nil, e
		} else {
			s.MClass = int(v)
		}
		if v, e := d.GetInt32(); e != nil {
			return nil, e
		} else {
			s.MWI = int(v)
		}
		if v, e := d.GetInt32(); e != nil {
			return nil, e
		} else {
			s.AltDCS = int(v)
		}
		if v, e := d.GetInt32(); e != nil {
			return nil, e
		} else {
			s.PID = int(v)
		}
		if s.Validity, e = d.GetInt64(); e != nil {
			return nil, e
		}
		if s.Deferred, e = d.GetInt64(); e != nil {
			return nil, e
		}
		if s.Time, e = d.GetInt64(); e != nil {
			return nil, e
		}
		if s.ID, e = d.GetUint64(); e != nil {
			return nil, e
		}
		if s.SMSCID, e = d.GetText(); e != nil {
			return nil, e
		}
		if s.BoxCID, e = d.GetText(); e != nil {
			return nil, e
		}
		if s.Service, e = d.GetText(); e != nil {
			return nil, e
		}
		if s.Account, e = d.GetText(); e != nil {
			return nil, e
		}
		if s.BInfo, e = d.GetText(); e != nil {
			return nil, e
		}
		if s.DLRURL, e = d.GetText(); e != nil {
			return nil, e
		}
		mask, e := d.GetInt32()
		if e != nil {
			return nil, e
		}
		s.DLRMask = int(mask)
		typ, e := d.GetInt32()
		if e != nil {
			return nil, e
		}
		s.Type = message.SMSType(typ)
		return message.NewSMS(s), nil

	case tagAck:
		a := &message.Ack{}
		var e error
		if a.ID, e = d.GetUint64(); e != nil {
			return nil, e
		}
		if a.Time, e = d.GetInt64(); e != nil {
			return nil, e
		}
		reason, e := d.GetInt32()
		if e != nil {
			return nil, e
		}
		a.NackReason = message.NackReason(reason)
		return message.NewAck(a), nil

	case tagDatagram:
		dg := &message.WDPDatagram{}
		var e error
		if dg.SourceAddress, e = d.GetText(); e != nil {
			return nil, e
		}
		sp, e := d.GetInt32()
		if e != nil {
			return nil, e
		}
		dg.SourcePort = int(sp)
		if dg.DestinationAddress, e = d.GetText(); e != nil {
			return nil, e
		}
		dp, e := d.GetInt32()
		if e != nil {
			return nil, e
		}
		dg.DestinationPort = int(dp)
		if dg.UserData, e = d.GetString(); e != nil {
			return nil, e
		}
		return message.NewDatagram(dg), nil

	case tagHeartbeat:
		load, e := d.GetInt32()
		if e != nil {
			return nil, e
		}
		return message.NewHeartbeat(&message.Heartbeat{Load: int(load)}), nil

	case tagAdmin:
		cmd, e := d.GetInt32()
		if e != nil {
			return nil, e
		}
		arg, e := d.GetText()
		if e != nil {
			return nil, e
		}
		return message.NewAdmin(&message.Admin{Command: message.AdminCommand(cmd), Arg: arg}), nil

	default:
		return nil, fmt.Errorf("wire: unknown variant tag %d", tag)
	}
}

// WriteFrame writes the §6.1 frame: a 32-bit big-endian total length
// followed by the packed message.
func WriteFrame(w io.Writer, m *message.Message) error {
	body := Pack(m)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadFrame reads one §6.1 frame and unpacks it. A parse failure on the
// frame body (§7: "Parse failure on framed message") leaves the connection
// usable for the next frame — callers decide whether to keep reading.
func ReadFrame(r io.Reader) (*message.Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return Unpack(body)
}
