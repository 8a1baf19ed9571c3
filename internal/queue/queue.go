package queue

import (
	"context"
	"sync"
)

// Item is a single queued outbound control packet.
type Item struct {
	next, prev *Item

	// Finished wire packet, shared between all subscribers it is
	// fanned out to. Never mutated after enqueue.
	B []byte
}

var itemPool = sync.Pool{New: func() interface{} { return new(Item) }}

func GetItem(b []byte) *Item {
	i := itemPool.Get().(*Item)
	i.B = b
	return i
}

func ReturnItem(i *Item) {
	i.next, i.prev, i.B = nil, nil, nil
	itemPool.Put(i)
}

// Basic is the at-most-once outbound message queue of a client.
type Basic struct {
	sync.Mutex
	h, t *Item
	trig *sync.Cond
}

func (q *Basic) Init() {
	q.trig = sync.NewCond(q)
}

func (q *Basic) Reset() {
	q.Lock()
	for i := q.h; i != nil; {
		n := i.next
		ReturnItem(i)
		i = n
	}
	q.h, q.t = nil, nil
	q.Unlock()
}

func (q *Basic) Add(i *Item) {
	q.Lock()
	if q.h == nil {
		q.h = i
		q.t = i
	} else {
		q.t.next = i
		i.prev = q.t
		q.t = i
	}
	q.trig.Signal()
	q.Unlock()
}

// NotifyDispatcher will signal dispatcher to check the queue and its
// context. Taking the lock closes the window between the dispatcher's
// empty check and its wait, so the signal cannot be lost.
func (q *Basic) NotifyDispatcher() {
	q.Lock()
	q.trig.Signal()
	q.Unlock()
}

// StartDispatcher will continuously dispatch queue items and remove them,
// until ctx is done or the dispatch func fails.
func (q *Basic) StartDispatcher(ctx context.Context, d func(*Item) error, wg *sync.WaitGroup) {
	defer wg.Done()
	done := ctx.Done()

	for {
		q.Lock()
		if q.h == nil && ctx.Err() == nil {
			q.trig.Wait()
		}
		select {
		case <-done:
			q.Unlock()
			return
		default:
		}

		i := q.h
		if i != nil {
			q.h = i.next
			if q.h == nil {
				q.t = nil
			} else {
				i.next = nil // avoid memory leakage
				q.h.prev = nil
			}
		}
		q.Unlock()

		if i != nil {
			err := d(i)
			ReturnItem(i)
			if err != nil {
				return
			}
		}
	}
}
