package smsc

import (
	"sync"
	"testing"

	"github.com/kannelcore/bearerbox/internal/message"
	"github.com/kannelcore/bearerbox/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	mu       sync.Mutex
	started  bool
	stopped  bool
	sent     []*message.Message
	sendFunc func(*Conn, *message.Message) SendResult
}

func (f *fakeDriver) Start(c *Conn) error {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	c.Pool().Ready(c)
	c.Pool().Connected(c)
	return nil
}

func (f *fakeDriver) Stop(c *Conn) error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	return nil
}

func (f *fakeDriver) Send(c *Conn, m *message.Message) SendResult {
	f.mu.Lock()
	f.sent = append(f.sent, m)
	f.mu.Unlock()
	if f.sendFunc != nil {
		return f.sendFunc(c, m)
	}
	c.Pool().Sent(c, m)
	return SendOK
}

func (f *fakeDriver) Shutdown(c *Conn, finishSending bool) error {
	c.Pool().Killed(c, WhyShutdown)
	return nil
}

type fakeAdmitter struct {
	admitted []*message.Message
	reject   error
}

func (a *fakeAdmitter) Admit(m *message.Message) error {
	if a.reject != nil {
		return a.reject
	}
	a.admitted = append(a.admitted, m)
	return nil
}

func TestPoolStartTransitionsToActive(t *testing.T) {
	in, out := queue.New(), queue.New()
	admitter := &fakeAdmitter{}
	p := New(in, out, admitter)

	driver := &fakeDriver{}
	require.NoError(t, p.Start([]Config{{ID: "a", Name: "Alpha", Driver: driver}}))

	statuses := p.Status()
	require.Len(t, statuses, 1)
	assert.Equal(t, StatusActive, statuses[0].Status)
	assert.True(t, driver.started)
}

func TestPoolStartTwiceFails(t *testing.T) {
	in, out := queue.New(), queue.New()
	p := New(in, out, &fakeAdmitter{})
	driver := &fakeDriver{}
	require.NoError(t, p.Start([]Config{{ID: "a", Driver: driver}}))
	assert.Error(t, p.Start([]Config{{ID: "b", Driver: driver}}))
}

func TestReceiveDelegatesToAdmitterAndTagsSMSCID(t *testing.T) {
	in, out := queue.New(), queue.New()
	admitter := &fakeAdmitter{}
	p := New(in, out, admitter)
	driver := &fakeDriver{}
	require.NoError(t, p.Start([]Config{{ID: "a", Driver: driver}}))

	c, err := p.find("a")
	require.NoError(t, err)

	m := message.NewSMS(&message.SMS{Sender: "1", Receiver: "2"})
	require.NoError(t, p.Receive(c, m))
	require.Len(t, admitter.admitted, 1)
	assert.Equal(t, "a", admitter.admitted[0].SMS.SMSCID)
	assert.EqualValues(t, 1, c.snapshot().Received)
}

func TestReceiveRejectionDoesNotIncrementReceived(t *testing.T) {
	in, out := queue.New(), queue.New()
	admitter := &fakeAdmitter{reject: assert.AnError}
	p := New(in, out, admitter)
	driver := &fakeDriver{}
	require.NoError(t, p.Start([]Config{{ID: "a", Driver: driver}}))
	c, _ := p.find("a")

	m := message.NewSMS(&message.SMS{Sender: "1", Receiver: "2"})
	assert.Error(t, p.Receive(c, m))
	assert.EqualValues(t, 0, c.snapshot().Received)
}

func TestSendFailedTemporaryRequeues(t *testing.T) {
	in, out := queue.New(), queue.New()
	out.AddProducer()
	p := New(in, out, &fakeAdmitter{})
	driver := &fakeDriver{}
	require.NoError(t, p.Start([]Config{{ID: "a", Driver: driver}}))
	c, _ := p.find("a")

	m := message.NewSMS(&message.SMS{Sender: "1", Receiver: "2"})
	p.SendFailed(c, m, SendFailedTemporarilyDown)
	assert.Equal(t, 1, out.Len())
}

func TestSendFailedPermanentDoesNotRequeue(t *testing.T) {
	in, out := queue.New(), queue.New()
	out.AddProducer()
	p := New(in, out, &fakeAdmitter{})
	driver := &fakeDriver{}
	require.NoError(t, p.Start([]Config{{ID: "a", Driver: driver}}))
	c, _ := p.find("a")

	m := message.NewSMS(&message.SMS{Sender: "1", Receiver: "2"})
	p.SendFailed(c, m, SendFailedRejected)
	assert.Equal(t, 0, out.Len())
}

func TestKilledRemovesProducer(t *testing.T) {
	in, out := queue.New(), queue.New()
	p := New(in, out, &fakeAdmitter{})
	driver := &fakeDriver{}
	require.NoError(t, p.Start([]Config{{ID: "a", Driver: driver}}))

	// Ready() added one producer; Killed() should remove it, closing the queue.
	p.Shutdown()
	_, ok := in.Consume()
	assert.False(t, ok)
}

func TestCandidatesRotateStartingOffset(t *testing.T) {
	in, out := queue.New(), queue.New()
	p := New(in, out, &fakeAdmitter{})
	driver := &fakeDriver{}
	require.NoError(t, p.Start([]Config{{ID: "a", Driver: driver}, {ID: "b", Driver: driver}, {ID: "c", Driver: driver}}))

	cands := p.Candidates()
	require.Len(t, cands, 3)
	seen := map[string]bool{}
	for _, c := range cands {
		seen[c.ID] = true
	}
	assert.Len(t, seen, 3)

	// Whatever the random starting offset, the order is a rotation of the
	// configured order a, b, c.
	ids := []string{"a", "b", "c"}
	start := -1
	for i, id := range ids {
		if id == cands[0].ID {
			start = i
		}
	}
	require.NotEqual(t, -1, start)
	for i, c := range cands {
		assert.Equal(t, ids[(start+i)%3], c.ID)
	}
}
