package queue

import (
	"testing"
	"time"

	"github.com/kannelcore/bearerbox/internal/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProduceConsumeFIFO(t *testing.T) {
	q := New()
	q.AddProducer()

	a := message.NewHeartbeat(&message.Heartbeat{Load: 1})
	b := message.NewHeartbeat(&message.Heartbeat{Load: 2})
	q.Produce(a)
	q.Produce(b)

	require.Equal(t, 2, q.Len())
	got1, ok := q.Consume()
	require.True(t, ok)
	assert.Same(t, a, got1)

	got2, ok := q.Consume()
	require.True(t, ok)
	assert.Same(t, b, got2)
}

func TestConsumeBlocksUntilProduce(t *testing.T) {
	q := New()
	q.AddProducer()

	done := make(chan *message.Message, 1)
	go func() {
		m, ok := q.Consume()
		if ok {
			done <- m
		} else {
			done <- nil
		}
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("consume returned before any item was produced")
	default:
	}

	m := message.NewHeartbeat(&message.Heartbeat{Load: 7})
	q.Produce(m)

	select {
	case got := <-done:
		assert.Same(t, m, got)
	case <-time.After(time.Second):
		t.Fatal("consume did not unblock after produce")
	}
}

func TestRemoveLastProducerUnblocksConsumers(t *testing.T) {
	q := New()
	q.AddProducer()
	q.AddProducer()

	results := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, ok := q.Consume()
			results <- ok
		}()
	}

	time.Sleep(20 * time.Millisecond)
	q.RemoveProducer()
	q.RemoveProducer()

	for i := 0; i < 2; i++ {
		select {
		case ok := <-results:
			assert.False(t, ok)
		case <-time.After(time.Second):
			t.Fatal("consume did not unblock after all producers removed")
		}
	}
}

func TestRemoveProducerKeepsQueueOpenWhileOthersRemain(t *testing.T) {
	q := New()
	q.AddProducer()
	q.AddProducer()
	q.RemoveProducer()

	m := message.NewHeartbeat(&message.Heartbeat{Load: 3})
	q.Produce(m)
	got, ok := q.Consume()
	require.True(t, ok)
	assert.Same(t, m, got)
}

func TestDrainBeforeCloseIsDelivered(t *testing.T) {
	q := New()
	q.AddProducer()
	m := message.NewHeartbeat(&message.Heartbeat{Load: 9})
	q.Produce(m)
	q.RemoveProducer()

	got, ok := q.Consume()
	require.True(t, ok)
	assert.Same(t, m, got)

	_, ok = q.Consume()
	assert.False(t, ok)
}

func TestCounter(t *testing.T) {
	var c Counter
	assert.EqualValues(t, 1, c.Increase())
	assert.EqualValues(t, 2, c.Increase())
	assert.EqualValues(t, 1, c.Decrease())
	assert.EqualValues(t, 1, c.Value())
	assert.EqualValues(t, 6, c.Add(5))
}
