package wtp

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackUnpackInvokeRoundTrip(t *testing.T) {
	inv := Invoke{
		Header: Header{Type: PDUInvoke, TID: 0x1234, Con: true},
		Class:  Class1,
		UAck:   true,
		Data:   []byte("push-payload"),
	}
	buf := PackInvoke(inv)
	got, err := UnpackInvoke(buf)
	require.NoError(t, err)
	assert.Equal(t, inv.TID, got.TID)
	assert.Equal(t, inv.Class, got.Class)
	assert.True(t, got.UAck)
	assert.Equal(t, inv.Data, got.Data)
}

func TestUnpackInvokeRejectsBadClass(t *testing.T) {
	buf := []byte{packHeader(Header{Type: PDUInvoke}), 0, 0, 0x07}
	_, err := UnpackInvoke(buf)
	require.Error(t, err)
	var pe *ErrProto
	require.ErrorAs(t, err, &pe)
}

func TestPackUnpackAckRoundTrip(t *testing.T) {
	a := Ack{Header: Header{Type: PDUAck, TID: 7}, TIDVerify: true, PSN: 3}
	buf := PackAck(a)
	got, err := UnpackAck(buf)
	require.NoError(t, err)
	assert.Equal(t, a.TID, got.TID)
	assert.True(t, got.TIDVerify)
	assert.EqualValues(t, 3, got.PSN)
}

func TestSendTIDXorsHighBit(t *testing.T) {
	inv := Invoke{Header: Header{Type: PDUInvoke, TID: 0x0001}}
	buf := PackInvoke(inv)
	wireTID := uint16(buf[1])<<8 | uint16(buf[2])
	assert.Equal(t, uint16(0x8001), wireTID)
}

type recordingSender struct {
	mu   sync.Mutex
	pdus [][]byte
}

func (s *recordingSender) SendPDU(key Key, pdu []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pdus = append(s.pdus, pdu)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pdus)
}

type echoIndicator struct{}

func (echoIndicator) Invoke(key Key, class Class, data []byte) ([]byte, error) {
	return append([]byte("echo:"), data...), nil
}

func TestResponderClassZeroInvokeDestroysAfterAck(t *testing.T) {
	sender := &recordingSender{}
	r := NewResponder(DefaultConfig(), sender, echoIndicator{})

	inv := Invoke{Header: Header{Type: PDUInvoke, TID: 1}, Class: Class0, Data: []byte("ping")}
	r.Deliver("1.2.3.4", 2159, 2159, "0.0.0.0", PackInvoke(inv))

	require.Eventually(t, func() bool { return r.Count() == 0 }, time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, sender.count(), 1)
}

func TestResponderClassTwoSendsResultAndAwaitsAck(t *testing.T) {
	sender := &recordingSender{}
	r := NewResponder(DefaultConfig(), sender, echoIndicator{})

	inv := Invoke{Header: Header{Type: PDUInvoke, TID: 2}, Class: Class2, Data: []byte("ping")}
	r.Deliver("1.2.3.4", 2159, 2159, "0.0.0.0", PackInvoke(inv))

	require.Eventually(t, func() bool { return sender.count() >= 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, r.Count(), "transaction stays alive awaiting the final ack in Result_Wait/Result_Resp_Wait")
}

type verbatimIndicator struct{ result []byte }

func (v verbatimIndicator) Invoke(key Key, class Class, data []byte) ([]byte, error) {
	return v.result, nil
}

// TestScenarioS6WTPSegmentation reproduces §8 scenario S6 verbatim:
// TR-Result.req with a 3400-byte payload, SAR_SEGM_SIZE=1400, expects 3
// segments sent with psn=0,1,2; gtr set on psn=0 when SAR_GROUP_LEN=2, ttr
// set only on psn=2; transmit resumes from psn=1 on an ack for psn=0.
func TestScenarioS6WTPSegmentation(t *testing.T) {
	payload := make([]byte, 3400)
	for i := range payload {
		payload[i] = byte(i)
	}

	cfg := DefaultConfig()
	cfg.SegmentSize = 1400
	cfg.GroupLen = 2

	sender := &recordingSender{}
	r := NewResponder(cfg, sender, verbatimIndicator{result: payload})

	inv := Invoke{Header: Header{Type: PDUInvoke, TID: 6}, Class: Class2, Data: []byte("trigger")}
	r.Deliver("1.2.3.4", 2159, 2159, "0.0.0.0", PackInvoke(inv))

	// pdus[0] is the invoke-level Ack (§4.7 Listen row); the Result
	// segments follow once the upper layer returns.
	require.Eventually(t, func() bool { return sender.count() >= 2 }, time.Second, 10*time.Millisecond)
	seg0, err := UnpackResult(sender.pdus[1])
	require.NoError(t, err)
	assert.EqualValues(t, 0, seg0.PSN)
	assert.True(t, seg0.GTR, "psn=0 starts a group of SAR_GROUP_LEN=2")
	assert.False(t, seg0.TTR)
	assert.Len(t, seg0.Data, 1400)

	ack0 := Ack{Header: Header{Type: PDUAck, TID: 6}, PSN: 0}
	r.Deliver("1.2.3.4", 2159, 2159, "0.0.0.0", PackAck(ack0))

	require.Eventually(t, func() bool { return sender.count() >= 3 }, time.Second, 10*time.Millisecond)
	seg1, err := UnpackResult(sender.pdus[2])
	require.NoError(t, err)
	assert.EqualValues(t, 1, seg1.PSN)
	assert.False(t, seg1.GTR)
	assert.False(t, seg1.TTR)
	assert.Len(t, seg1.Data, 1400)

	ack1 := Ack{Header: Header{Type: PDUAck, TID: 6}, PSN: 1}
	r.Deliver("1.2.3.4", 2159, 2159, "0.0.0.0", PackAck(ack1))

	require.Eventually(t, func() bool { return sender.count() >= 4 }, time.Second, 10*time.Millisecond)
	seg2, err := UnpackResult(sender.pdus[3])
	require.NoError(t, err)
	assert.EqualValues(t, 2, seg2.PSN)
	assert.False(t, seg2.GTR)
	assert.True(t, seg2.TTR, "ttr set only on the final segment, psn=2")
	assert.Len(t, seg2.Data, 600)
}

func TestResponderRejectsMalformedPDU(t *testing.T) {
	sender := &recordingSender{}
	r := NewResponder(DefaultConfig(), sender, echoIndicator{})
	r.Deliver("1.2.3.4", 2159, 2159, "0.0.0.0", []byte{0x01})
	assert.Equal(t, 0, r.Count())
}

func TestResponderAbortDestroysTransaction(t *testing.T) {
	sender := &recordingSender{}
	r := NewResponder(DefaultConfig(), sender, echoIndicator{})

	inv := Invoke{Header: Header{Type: PDUInvoke, TID: 3}, Class: Class2, Data: []byte("ping")}
	r.Deliver("1.2.3.4", 2159, 2159, "0.0.0.0", PackInvoke(inv))
	require.Eventually(t, func() bool { return sender.count() >= 1 }, time.Second, 10*time.Millisecond)

	ab := Abort{Header: Header{Type: PDUAbort, TID: 3}, Reason: AbortProtoErr}
	r.Deliver("1.2.3.4", 2159, 2159, "0.0.0.0", PackAbort(ab))

	require.Eventually(t, func() bool { return r.Count() == 0 }, time.Second, 10*time.Millisecond)
}
