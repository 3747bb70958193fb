// Package queue implements the multi-producer/multi-consumer queues
// described in spec §4.1: unbounded slices guarded by a mutex and a
// condition variable, with explicit producer refcounts,
// so that a consumer's blocking receive can be told "no item, and no
// producer will ever add one again" rather than blocking forever.
package queue

import (
	"sync"
	"sync/atomic"

	"github.com/kannelcore/bearerbox/internal/message"
)

// Queue carries *message.Message items of one logical kind (incoming sms,
// outgoing sms, a box connection's per-peer outbound queue, and so on —
// callers decide what kind by which Queue they hold). Zero value is not
// usable; use New.
type Queue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	items     []*message.Message
	producers int
	closed    bool
}

func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// AddProducer registers one producer against this queue. Call once per
// task/connector that intends to Produce into it.
func (q *Queue) AddProducer() {
	q.mu.Lock()
	q.producers++
	q.mu.Unlock()
}

// RemoveProducer releases one producer slot. When the last producer is
// removed, the queue is marked closed: all blocked and future Consume calls
// return (nil, false) once drained, propagating shutdown to consumers
// without an explicit signal channel.
func (q *Queue) RemoveProducer() {
	q.mu.Lock()
	if q.producers > 0 {
		q.producers--
	}
	if q.producers == 0 {
		q.closed = true
		q.cond.Broadcast()
	}
	q.mu.Unlock()
}

// Produce is a non-blocking enqueue. The caller must hold a producer slot
// (AddProducer) for the queue's lifetime guarantees to hold, but Produce
// itself does not check this — it is a contract, not an enforced
// precondition, matching the connector-pool callback contract in §4.2.
func (q *Queue) Produce(m *message.Message) {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.cond.Signal()
	q.mu.Unlock()
}

// Consume blocks until an item is available or every producer has been
// removed and the queue has drained, in which case it returns (nil, false).
func (q *Queue) Consume() (*message.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		if q.closed {
			return nil, false
		}
		q.cond.Wait()
	}
	m := q.items[0]
	q.items = q.items[1:]
	return m, true
}

// Len returns the number of items currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Lock/Unlock expose the queue's mutex for callers needing critical
// iteration over a consistent snapshot alongside other state (§4.1
// `lock`/`unlock`), without racing a concurrent Produce.
func (q *Queue) Lock()   { q.mu.Lock() }
func (q *Queue) Unlock() { q.mu.Unlock() }

// Counter is a monotonic, atomically-updated integer used for the
// received/sent/failed counters in §4.2 and §4.5.
type Counter struct {
	v int64
}

func (c *Counter) Increase() int64       { return atomic.AddInt64(&c.v, 1) }
func (c *Counter) Decrease() int64       { return atomic.AddInt64(&c.v, -1) }
func (c *Counter) Add(delta int64) int64 { return atomic.AddInt64(&c.v, delta) }
func (c *Counter) Value() int64          { return atomic.LoadInt64(&c.v) }
