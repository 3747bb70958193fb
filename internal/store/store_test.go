package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kannelcore/bearerbox/internal/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bearerbox.store")
	s, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Shutdown() })
	return s
}

func TestSaveAssignsIDAndTracksPending(t *testing.T) {
	s := newTestStore(t)

	m := message.NewSMS(&message.SMS{Sender: "1", Receiver: "2", MsgData: []byte("hi")})
	id, err := s.Save(m)
	require.NoError(t, err)
	assert.NotZero(t, id)
	assert.Equal(t, 1, s.PendingCount())

	m2 := message.NewSMS(&message.SMS{Sender: "1", Receiver: "3", MsgData: []byte("yo")})
	id2, err := s.Save(m2)
	require.NoError(t, err)
	assert.NotEqual(t, id, id2)
}

func TestSaveAckRemovesFromPending(t *testing.T) {
	s := newTestStore(t)

	m := message.NewSMS(&message.SMS{Sender: "1", Receiver: "2", MsgData: []byte("hi")})
	id, err := s.Save(m)
	require.NoError(t, err)

	require.NoError(t, s.SaveAck(id, message.NackNone))
	assert.Equal(t, 0, s.PendingCount())

	reason, ok := s.WasRecentlyAcked(id)
	require.True(t, ok)
	assert.Equal(t, message.NackNone, reason)
}

func TestRecoveryReplaysPendingOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bearerbox.store")

	s1, err := New(path)
	require.NoError(t, err)

	m1 := message.NewSMS(&message.SMS{Sender: "1", Receiver: "2", MsgData: []byte("a")})
	id1, err := s1.Save(m1)
	require.NoError(t, err)

	m2 := message.NewSMS(&message.SMS{Sender: "1", Receiver: "3", MsgData: []byte("b")})
	id2, err := s1.Save(m2)
	require.NoError(t, err)

	require.NoError(t, s1.SaveAck(id1, message.NackNone))
	require.NoError(t, s1.Shutdown())

	s2, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { s2.Shutdown() })

	assert.Equal(t, 1, s2.PendingCount())
	dump := s2.Dump()
	require.Len(t, dump, 1)
	assert.Equal(t, id2, dump[0].SMS.ID)
}

// TestScenarioS7RestartAfterAckReplaysNothing reproduces §8 scenario S7
// verbatim: save sms id=17, write ack(17, none), restart. Expect the loader
// to replay nothing for id=17, and a compacted file to come out empty.
func TestScenarioS7RestartAfterAckReplaysNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bearerbox.store")

	s1, err := New(path)
	require.NoError(t, err)

	m := message.NewSMS(&message.SMS{ID: 17, Sender: "1", Receiver: "2", MsgData: []byte("hi")})
	id, err := s1.Save(m)
	require.NoError(t, err)
	require.EqualValues(t, 17, id)

	require.NoError(t, s1.SaveAck(17, message.NackNone))
	require.NoError(t, s1.Shutdown())

	s2, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { s2.Shutdown() })

	assert.Equal(t, 0, s2.PendingCount())
	assert.Empty(t, s2.Dump(), "loader must replay nothing for an already-acked id")

	require.NoError(t, s2.Compact())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, raw, "compacted file must be empty once the only sms is acked")
}

func TestCompactPreservesPendingSet(t *testing.T) {
	s := newTestStore(t)

	m1 := message.NewSMS(&message.SMS{Sender: "1", Receiver: "2", MsgData: []byte("a")})
	id1, err := s.Save(m1)
	require.NoError(t, err)
	m2 := message.NewSMS(&message.SMS{Sender: "1", Receiver: "3", MsgData: []byte("b")})
	_, err = s.Save(m2)
	require.NoError(t, err)
	require.NoError(t, s.SaveAck(id1, message.NackNone))

	require.NoError(t, s.Compact())
	assert.Equal(t, 1, s.PendingCount())
}

func TestDumpReturnsClones(t *testing.T) {
	s := newTestStore(t)
	m := message.NewSMS(&message.SMS{Sender: "1", Receiver: "2", MsgData: []byte("hi")})
	_, err := s.Save(m)
	require.NoError(t, err)

	dump := s.Dump()
	require.Len(t, dump, 1)
	dump[0].SMS.MsgData[0] = 'X'
	assert.Equal(t, byte('h'), m.SMS.MsgData[0])
}
