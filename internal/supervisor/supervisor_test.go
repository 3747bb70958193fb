package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdmission struct {
	suspended, resumed, closed int
}

func (f *fakeAdmission) Suspend() { f.suspended++ }
func (f *fakeAdmission) Resume()  { f.resumed++ }
func (f *fakeAdmission) Close()   { f.closed++ }

type fakeDelivery struct {
	suspended, resumed, shutdown int
	restarted, stopped           []string
}

func (f *fakeDelivery) Suspend()             { f.suspended++ }
func (f *fakeDelivery) Resume()              { f.resumed++ }
func (f *fakeDelivery) Shutdown()            { f.shutdown++ }
func (f *fakeDelivery) Restart(id string) error {
	f.restarted = append(f.restarted, id)
	return nil
}
func (f *fakeDelivery) Stop(id string) error {
	f.stopped = append(f.stopped, id)
	return nil
}

type fakeQueue struct{ n int }

func (q *fakeQueue) Len() int { return q.n }

func TestIsolateClosesAdmissionOnly(t *testing.T) {
	a, d := &fakeAdmission{}, &fakeDelivery{}
	s := New(a, d)
	s.Isolate()
	assert.Equal(t, 1, a.closed)
	assert.Equal(t, 0, d.shutdown)
	assert.Equal(t, Isolated, s.State())
}

func TestSuspendResumeRoundTrip(t *testing.T) {
	a, d := &fakeAdmission{}, &fakeDelivery{}
	s := New(a, d)
	s.Suspend()
	assert.Equal(t, Suspended, s.State())
	s.Resume()
	assert.Equal(t, Running, s.State())
	assert.Equal(t, 1, a.suspended)
	assert.Equal(t, 1, a.resumed)
}

func TestShutdownReachesDeadOnceQueuesDrain(t *testing.T) {
	a, d := &fakeAdmission{}, &fakeDelivery{}
	q := &fakeQueue{n: 0}
	s := New(a, d, q)

	err := s.ShutdownAndWait(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, Dead, s.State())
	assert.Equal(t, 1, a.closed)
	assert.Equal(t, 1, d.shutdown)
}

func TestRestartAndStopDelegateToDelivery(t *testing.T) {
	a, d := &fakeAdmission{}, &fakeDelivery{}
	s := New(a, d)
	assert.Contains(t, s.RestartSMSC("foo"), "restarted")
	assert.Contains(t, s.StopSMSC("foo"), "stopped")
	assert.Equal(t, []string{"foo"}, d.restarted)
	assert.Equal(t, []string{"foo"}, d.stopped)
}
