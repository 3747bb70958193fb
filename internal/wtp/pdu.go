// Package wtp implements the WTP (Wireless Transaction Protocol) responder
// state machine on the WAP datagram path (spec §4.7): per-transaction
// state, PDU pack/unpack with segmentation/reassembly, and
// ack/abort/retransmission governed by timers.
package wtp

import (
	"encoding/binary"
	"fmt"
)

// PDUType is the WTP PDU tag carried in the header's type field.
type PDUType uint8

const (
	PDUInvoke PDUType = 1
	PDUResult PDUType = 2
	PDUAck    PDUType = 3
	PDUAbort  PDUType = 4
	// PDUSegmentedInvoke/Result reuse Invoke/Result's type value with the
	// gtr/ttr header bits indicating a segment rather than a standalone PDU.
)

// AbortReason enumerates the WTP abort reasons the responder can emit.
type AbortReason uint8

const (
	AbortUnknown           AbortReason = 0
	AbortProtoErr          AbortReason = 1
	AbortNotImplementedSAR AbortReason = 8
	AbortWTPVersionZero    AbortReason = 9
	AbortNoResponse        AbortReason = 10
)

// Class is the WTP transaction class requested by an Invoke PDU.
type Class uint8

const (
	Class0 Class = 0
	Class1 Class = 1
	Class2 Class = 2
)

// Header carries the fixed bits common to every WTP PDU (§4.7 "PDU
// pack/unpack"): con (options present), gtr/ttr (segmentation trailers),
// rid (retransmission indicator) and the 16-bit tid.
type Header struct {
	Type PDUType
	Con  bool
	GTR  bool
	TTR  bool
	RID  bool
	TID  uint16
}

// Invoke is the first PDU of a transaction.
type Invoke struct {
	Header
	TIDNew bool
	UAck   bool
	Class  Class
	Data   []byte
}

// Result carries the responder's reply, possibly segmented.
type Result struct {
	Header
	PSN  uint8
	Data []byte
}

// Ack acknowledges an Invoke or a Result segment group.
type Ack struct {
	Header
	TIDVerify bool
	PSN       uint8 // highest contiguous segment received, when segmented
}

// Abort terminates a transaction.
type Abort struct {
	Header
	Reason AbortReason
}

// sendTID computes the wire TID for a machine-owned tid, per §4.7: "the
// Send-TID used on the wire is machine.tid XOR 0x8000".
func sendTID(tid uint16) uint16 { return tid ^ 0x8000 }

// packHeader/unpackHeader implement §6.3's first-byte layout:
// [con:1][type:4][gtr:1][ttr:1][rid:1] — con at the MSB, a 4-bit type
// field, then gtr/ttr/rid as the three LSBs.
func packHeader(h Header) uint8 {
	var b uint8
	if h.Con {
		b |= 1 << 7
	}
	b |= (uint8(h.Type) & 0x0f) << 3
	if h.GTR {
		b |= 1 << 2
	}
	if h.TTR {
		b |= 1 << 1
	}
	if h.RID {
		b |= 1
	}
	return b
}

func unpackHeader(b uint8, tid uint16) Header {
	return Header{
		Type: PDUType((b >> 3) & 0x0f),
		Con:  b&(1<<7) != 0,
		GTR:  b&(1<<2) != 0,
		TTR:  b&(1<<1) != 0,
		RID:  b&1 != 0,
		TID:  tid,
	}
}

// PackInvoke serializes an Invoke PDU. Layout: 1 byte packed header flags,
// 2 bytes tid, 1 byte class/flags, then data.
func PackInvoke(inv Invoke) []byte {
	out := make([]byte, 4, 4+len(inv.Data))
	out[0] = packHeader(inv.Header)
	binary.BigEndian.PutUint16(out[1:3], sendTID(inv.TID))
	var flags uint8
	flags |= uint8(inv.Class) & 0x03
	if inv.TIDNew {
		flags |= 1 << 2
	}
	if inv.UAck {
		flags |= 1 << 3
	}
	out[3] = flags
	return append(out, inv.Data...)
}

// ErrProto signals a malformed PDU that must produce an Abort with the
// wrapped reason rather than create or mutate transaction state.
type ErrProto struct {
	Reason AbortReason
}

func (e *ErrProto) Error() string { return fmt.Sprintf("wtp: protocol error, reason=%d", e.Reason) }

// UnpackInvoke parses an Invoke PDU. Rejects a PDU shorter than four bytes,
// a non-Invoke type, or an unsupported class with ErrProto{AbortProtoErr}.
// The layout parsed here carries no version field, so no version check is
// made.
func UnpackInvoke(buf []byte) (Invoke, error) {
	if len(buf) < 4 {
		return Invoke{}, &ErrProto{Reason: AbortProtoErr}
	}
	h := unpackHeader(buf[0], binary.BigEndian.Uint16(buf[1:3])^0x8000)
	if h.Type != PDUInvoke {
		return Invoke{}, &ErrProto{Reason: AbortProtoErr}
	}

	flags := buf[3]
	class := Class(flags & 0x03)
	if class > Class2 {
		return Invoke{}, &ErrProto{Reason: AbortProtoErr}
	}

	return Invoke{
		Header: h,
		Class:  class,
		TIDNew: flags&(1<<2) != 0,
		UAck:   flags&(1<<3) != 0,
		Data:   append([]byte(nil), buf[4:]...),
	}, nil
}

// PackResult serializes a (possibly segmented) Result PDU.
func PackResult(r Result) []byte {
	out := make([]byte, 4, 4+len(r.Data))
	out[0] = packHeader(r.Header)
	binary.BigEndian.PutUint16(out[1:3], sendTID(r.TID))
	out[3] = r.PSN
	return append(out, r.Data...)
}

func UnpackResult(buf []byte) (Result, error) {
	if len(buf) < 4 {
		return Result{}, &ErrProto{Reason: AbortProtoErr}
	}
	h := unpackHeader(buf[0], binary.BigEndian.Uint16(buf[1:3])^0x8000)
	if h.Type != PDUResult {
		return Result{}, &ErrProto{Reason: AbortProtoErr}
	}
	return Result{Header: h, PSN: buf[3], Data: append([]byte(nil), buf[4:]...)}, nil
}

// PackAck serializes an Ack PDU.
func PackAck(a Ack) []byte {
	out := make([]byte, 5)
	out[0] = packHeader(a.Header)
	binary.BigEndian.PutUint16(out[1:3], sendTID(a.TID))
	if a.TIDVerify {
		out[3] = 1
	}
	out[4] = a.PSN
	return out
}

func UnpackAck(buf []byte) (Ack, error) {
	if len(buf) < 5 {
		return Ack{}, &ErrProto{Reason: AbortProtoErr}
	}
	h := unpackHeader(buf[0], binary.BigEndian.Uint16(buf[1:3])^0x8000)
	if h.Type != PDUAck {
		return Ack{}, &ErrProto{Reason: AbortProtoErr}
	}
	return Ack{Header: h, TIDVerify: buf[3] != 0, PSN: buf[4]}, nil
}

// PackAbort serializes an Abort PDU.
func PackAbort(a Abort) []byte {
	out := make([]byte, 4)
	out[0] = packHeader(a.Header)
	binary.BigEndian.PutUint16(out[1:3], sendTID(a.TID))
	out[3] = uint8(a.Reason)
	return out
}

func UnpackAbort(buf []byte) (Abort, error) {
	if len(buf) < 4 {
		return Abort{}, &ErrProto{Reason: AbortProtoErr}
	}
	h := unpackHeader(buf[0], binary.BigEndian.Uint16(buf[1:3])^0x8000)
	if h.Type != PDUAbort {
		return Abort{}, &ErrProto{Reason: AbortProtoErr}
	}
	return Abort{Header: h, Reason: AbortReason(buf[3])}, nil
}

// PDUTypeOf peeks the type of a raw PDU without fully parsing it, so the
// responder can dispatch to the right Unpack* function.
func PDUTypeOf(buf []byte) (PDUType, error) {
	if len(buf) < 1 {
		return 0, &ErrProto{Reason: AbortProtoErr}
	}
	return PDUType((buf[0] >> 3) & 0x0f), nil
}
