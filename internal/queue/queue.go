package queue

import (
	"sync"
)

// Base packet queue.
type queue struct {
	h, t *Item
	sync.Mutex
}

// Outbound holds encoded packets waiting to be written to the client,
// plus the packet currently being written.
// Lock order: queue lock, then current lock.
type Outbound struct {
	queue
	trig   *sync.Cond
	closed bool

	curLock sync.Mutex
	current *Item
}

func (q *Outbound) Init() {
	q.trig = sync.NewCond(q)
}

func (q *queue) add(i *Item) {
	if q.h == nil {
		q.h = i
		q.t = i
	} else {
		q.t.next = i
		i.prev = q.t
		q.t = i
	}
}

func (q *queue) pop() *Item {
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
	return i
}

func (q *queue) reset() {
	for i := q.pop(); i != nil; i = q.pop() {
		ReturnItem(i)
	}
}

// Add appends i. It reports false, and takes ownership of i, if the queue is closed.
func (q *Outbound) Add(i *Item) bool {
	q.Lock()
	if q.closed {
		q.Unlock()
		ReturnItem(i)
		return false
	}
	q.add(i)
	q.NotifyDispatcher()
	q.Unlock()
	return true
}

// Empty reports whether nothing is queued or being written.
func (q *Outbound) Empty() bool {
	q.Lock()
	q.curLock.Lock()
	empty := q.h == nil && q.current == nil
	q.curLock.Unlock()
	q.Unlock()
	return empty
}

// Len returns the number of packets waiting, excluding the one being written.
func (q *Outbound) Len() int {
	n := 0
	q.Lock()
	for i := q.h; i != nil; i = i.next {
		n++
	}
	q.Unlock()
	return n
}

// Reset drops all packets that have not started writing.
func (q *Outbound) Reset() {
	q.Lock()
	q.reset()
	q.Unlock()
}

// Close drops all waiting packets and stops the dispatcher.
func (q *Outbound) Close() {
	q.Lock()
	q.closed = true
	q.reset()
	q.trig.Broadcast()
	q.Unlock()
}

// NotifyDispatcher will signal dispatcher to check the queue.
func (q *Outbound) NotifyDispatcher() {
	q.trig.Signal()
}

// StartDispatcher will continuously dispatch queue items in order until the
// queue is closed or d fails. drained, if set, is called each time the
// queue empties after a successful dispatch.
func (q *Outbound) StartDispatcher(d func(*Item) error, drained func(), wg *sync.WaitGroup) {
	defer func() {
		if wg != nil {
			wg.Done()
		}
	}()
	for {
		q.Lock()
		for q.h == nil && !q.closed {
			q.trig.Wait()
		}
		if q.closed {
			q.Unlock()
			return
		}

		i := q.pop()
		q.curLock.Lock()
		q.current = i
		q.curLock.Unlock()
		q.Unlock()

		err := d(i)

		q.Lock()
		q.curLock.Lock()
		q.current = nil
		q.curLock.Unlock()
		empty := q.h == nil
		q.Unlock()

		ReturnItem(i)
		if err != nil {
			return
		}
		if empty && drained != nil {
			drained()
		}
	}
}
