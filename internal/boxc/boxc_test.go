package boxc

import (
	"net"
	"testing"
	"time"

	"github.com/kannelcore/bearerbox/internal/message"
	"github.com/kannelcore/bearerbox/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	ch chan *message.Message
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{ch: make(chan *message.Message, 16)}
}

func (d *recordingDispatcher) Dispatch(m *message.Message) error {
	d.ch <- m
	return nil
}

func connectIdentified(t *testing.T, addr, boxID string) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", addr)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)

	identify := message.NewAdmin(&message.Admin{Command: message.AdminIdentify, Arg: boxID})
	require.NoError(t, wire.WriteFrame(conn, identify))
	return conn
}

func TestIdentifyHandshakeRegistersPeer(t *testing.T) {
	dispatcher := newRecordingDispatcher()
	mux := New("127.0.0.1:0", dispatcher)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	mux.addr = addr

	go mux.Listen()
	defer mux.Shutdown()

	conn := connectIdentified(t, addr, "smsbox-1")
	defer conn.Close()

	require.Eventually(t, func() bool { return mux.PeerCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestInboundFrameIsDispatched(t *testing.T) {
	dispatcher := newRecordingDispatcher()
	mux := New("127.0.0.1:0", dispatcher)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	mux.addr = addr

	go mux.Listen()
	defer mux.Shutdown()

	conn := connectIdentified(t, addr, "smsbox-1")
	defer conn.Close()

	m := message.NewSMS(&message.SMS{Sender: "1", Receiver: "2", MsgData: []byte("hi")})
	require.NoError(t, wire.WriteFrame(conn, m))

	select {
	case got := <-dispatcher.ch:
		assert.Equal(t, "1", got.SMS.Sender)
	case <-time.After(time.Second):
		t.Fatal("dispatch was not called")
	}
}

func TestRouteToBoxByExplicitID(t *testing.T) {
	dispatcher := newRecordingDispatcher()
	mux := New("127.0.0.1:0", dispatcher)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	mux.addr = addr

	go mux.Listen()
	defer mux.Shutdown()

	conn := connectIdentified(t, addr, "smsbox-target")
	defer conn.Close()
	require.Eventually(t, func() bool { return mux.PeerCount() == 1 }, time.Second, 10*time.Millisecond)

	out := message.NewSMS(&message.SMS{Sender: "1", Receiver: "2", MsgData: []byte("reply"), BoxCID: "smsbox-target"})
	require.NoError(t, mux.Route(out))

	got, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, "reply", string(got.SMS.MsgData))
}

func TestRouteUnknownBoxIDErrors(t *testing.T) {
	dispatcher := newRecordingDispatcher()
	mux := New("127.0.0.1:0", dispatcher)
	out := message.NewSMS(&message.SMS{Sender: "1", Receiver: "2", BoxCID: "missing"})
	assert.Error(t, mux.Route(out))
}
