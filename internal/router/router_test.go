package router

import (
	"path/filepath"
	"testing"

	"github.com/kannelcore/bearerbox/internal/message"
	"github.com/kannelcore/bearerbox/internal/queue"
	"github.com/kannelcore/bearerbox/internal/smsc"
	"github.com/kannelcore/bearerbox/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDriver struct {
	sends []*message.Message
	result smsc.SendResult
}

func (d *recordingDriver) Start(c *smsc.Conn) error {
	c.Pool().Ready(c)
	c.Pool().Connected(c)
	return nil
}
func (d *recordingDriver) Stop(c *smsc.Conn) error { return nil }
func (d *recordingDriver) Send(c *smsc.Conn, m *message.Message) smsc.SendResult {
	d.sends = append(d.sends, m)
	result := d.result
	if result == 0 && len(d.sends) > 0 {
		result = smsc.SendOK
	}
	if result == smsc.SendOK {
		c.Pool().Sent(c, m)
	}
	return result
}
func (d *recordingDriver) Shutdown(c *smsc.Conn, finishSending bool) error {
	c.Pool().Killed(c, smsc.WhyShutdown)
	return nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bearerbox.store")
	st, err := store.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Shutdown() })
	return st
}

func TestRoutePicksLowestLoadAmongEligible(t *testing.T) {
	in, out := queue.New(), queue.New()
	pool := smsc.New(in, out, nil)
	lowLoad := &recordingDriver{result: smsc.SendOK}
	highLoad := &recordingDriver{result: smsc.SendOK}
	require.NoError(t, pool.Start([]smsc.Config{
		{ID: "low", Driver: lowLoad},
		{ID: "high", Driver: highLoad},
	}))

	for _, c := range pool.Candidates() {
		if c.ID == "high" {
			c.SetLoad(5)
		}
	}

	st := newTestStore(t)
	r, err := New(Config{}, pool, st)
	require.NoError(t, err)

	m := message.NewSMS(&message.SMS{Sender: "1", Receiver: "2", MsgData: []byte("hi")})
	_, saveErr := st.Save(m)
	require.NoError(t, saveErr)

	r.rout(m)

	// Both drivers accept with SendOK and both are plain-eligible; "high"
	// reports load 5 and "low" load 0, so "low" wins whichever of the two
	// comes first in rotation order, and exactly one send happens.
	total := len(lowLoad.sends) + len(highLoad.sends)
	assert.Equal(t, 1, total)
	assert.Len(t, lowLoad.sends, 1)
	assert.Len(t, highLoad.sends, 0)

	// A successful send must append exactly one ack(id, none) record and
	// release the sms from the pending set.
	assert.Equal(t, 0, st.PendingCount())
}

// TestScenarioS1RouteToOnlySMSC reproduces §8 scenario S1 verbatim: one
// SMSC "A", status=Active, load=0; submit sms(sender="100", receiver="200",
// msgdata="hi"); expect A.send called once, an ack(id, none) record
// written, the outgoing queue empty, and A.sent=1.
func TestScenarioS1RouteToOnlySMSC(t *testing.T) {
	in, out := queue.New(), queue.New()
	pool := smsc.New(in, out, nil)
	a := &recordingDriver{result: smsc.SendOK}
	require.NoError(t, pool.Start([]smsc.Config{{ID: "A", Driver: a}}))

	st := newTestStore(t)
	r, err := New(Config{}, pool, st)
	require.NoError(t, err)

	m := message.NewSMS(&message.SMS{Sender: "100", Receiver: "200", MsgData: []byte("hi")})
	_, saveErr := st.Save(m)
	require.NoError(t, saveErr)

	r.rout(m)

	assert.Len(t, a.sends, 1)
	assert.Equal(t, 0, out.Len())
	assert.Equal(t, 0, st.PendingCount())

	snaps := pool.Status()
	require.Len(t, snaps, 1)
	assert.Equal(t, int64(1), snaps[0].Sent)
}

func TestRouteRejectsWithNoConnectors(t *testing.T) {
	in, out := queue.New(), queue.New()
	pool := smsc.New(in, out, nil)
	st := newTestStore(t)
	r, err := New(Config{}, pool, st)
	require.NoError(t, err)

	m := message.NewSMS(&message.SMS{Sender: "1", Receiver: "2", MsgData: []byte("hi")})
	_, saveErr := st.Save(m)
	require.NoError(t, saveErr)

	r.rout(m)
	assert.Equal(t, 0, st.PendingCount())
}

func TestUsableRespectsDeniedPrefix(t *testing.T) {
	in, out := queue.New(), queue.New()
	pool := smsc.New(in, out, nil)
	driver := &recordingDriver{}
	require.NoError(t, pool.Start([]smsc.Config{
		{ID: "a", Driver: driver, Selectors: smsc.Selectors{DeniedPrefix: []string{"49"}}},
	}))
	st := newTestStore(t)
	r, err := New(Config{}, pool, st)
	require.NoError(t, err)

	conns := pool.Candidates()
	require.Len(t, conns, 1)
	elig := r.usable(conns[0], &message.Message{Kind: message.KindSMS, SMS: &message.SMS{Receiver: "491234"}})
	assert.Equal(t, notEligible, elig)
}

func TestUsableTargetsExplicitSMSCID(t *testing.T) {
	in, out := queue.New(), queue.New()
	pool := smsc.New(in, out, nil)
	driver := &recordingDriver{}
	require.NoError(t, pool.Start([]smsc.Config{{ID: "a", Driver: driver}, {ID: "b", Driver: driver}}))
	st := newTestStore(t)
	r, err := New(Config{}, pool, st)
	require.NoError(t, err)

	conns := pool.Candidates()
	var connA *smsc.Conn
	for _, c := range conns {
		if c.ID == "a" {
			connA = c
		}
	}
	require.NotNil(t, connA)

	m := &message.Message{Kind: message.KindSMS, SMS: &message.SMS{Receiver: "123", SMSCID: "a"}}
	assert.Equal(t, preferred, r.usable(connA, m))

	m2 := &message.Message{Kind: message.KindSMS, SMS: &message.SMS{Receiver: "123", SMSCID: "b"}}
	assert.Equal(t, notEligible, r.usable(connA, m2))
}
