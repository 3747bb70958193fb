package admission

import (
	"path/filepath"
	"testing"

	"github.com/kannelcore/bearerbox/internal/message"
	"github.com/kannelcore/bearerbox/internal/queue"
	"github.com/kannelcore/bearerbox/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFilter(t *testing.T, cfg Config) (*Filter, *queue.Queue) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bearerbox.store")
	st, err := store.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Shutdown() })

	incoming := queue.New()
	incoming.AddProducer()
	return New(cfg, st, incoming), incoming
}

func sms(sender, receiver string) *message.Message {
	return message.NewSMS(&message.SMS{Sender: sender, Receiver: receiver, MsgData: []byte("hi")})
}

func TestAdmitAcceptsAndEnqueues(t *testing.T) {
	f, q := newTestFilter(t, Config{})
	m := sms("123", "456")
	require.NoError(t, f.Admit(m))

	got, ok := q.Consume()
	require.True(t, ok)
	assert.Equal(t, message.SMSTypeMO, got.SMS.Type)
	assert.NotZero(t, got.SMS.ID)
}

func TestAdmitRejectsNotWhitelisted(t *testing.T) {
	f, _ := newTestFilter(t, Config{WhiteList: []string{"999"}})
	assert.Error(t, f.Admit(sms("123", "456")))
}

func TestAdmitAcceptsWhitelisted(t *testing.T) {
	f, q := newTestFilter(t, Config{WhiteList: []string{"123"}})
	require.NoError(t, f.Admit(sms("123", "456")))
	_, ok := q.Consume()
	assert.True(t, ok)
}

func TestAdmitRejectsBlacklisted(t *testing.T) {
	f, _ := newTestFilter(t, Config{BlackList: []string{"123"}})
	assert.Error(t, f.Admit(sms("123", "456")))
}

func TestNormalizeNumberRewritesAltPrefix(t *testing.T) {
	assert.Equal(t, "+4912345", NormalizeNumber("012345", "+49,0"))
	assert.Equal(t, "+4912345", NormalizeNumber("+4912345", "+49,0"))
	assert.Equal(t, "012345", NormalizeNumber("012345", ""))
}

func TestAdmitNormalizesBeforeListCheck(t *testing.T) {
	f, q := newTestFilter(t, Config{UnifiedPrefix: "+49,0", WhiteList: []string{"+4912345"}})
	require.NoError(t, f.Admit(sms("012345", "456")))
	got, ok := q.Consume()
	require.True(t, ok)
	assert.Equal(t, "+4912345", got.SMS.Sender)
}
