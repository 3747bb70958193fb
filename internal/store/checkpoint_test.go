package store

import (
	"path/filepath"
	"testing"

	"github.com/kannelcore/bearerbox/internal/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.avro")

	msgs := []*message.Message{
		message.NewSMS(&message.SMS{ID: 1, Sender: "1", Receiver: "2", MsgData: []byte("hi"), SMSCID: "smsc-a", Time: 100}),
		message.NewSMS(&message.SMS{ID: 2, Sender: "3", Receiver: "4", MsgData: []byte("yo"), SMSCID: "smsc-b", Time: 200}),
	}

	require.NoError(t, WriteCheckpoint(path, msgs))

	out, err := ReadCheckpoint(path)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, uint64(1), out[0].SMS.ID)
	assert.Equal(t, "smsc-b", out[1].SMS.SMSCID)
}
