package queue

import (
	"sync"
	"time"

	"github.com/RoanBrand/mockbroker/internal/model"
)

// Inflight tracks QoS 1 and 2 messages of one direction until their
// handshake completes. Methods that decide something must be transmitted
// return copies of the affected messages, so callers encode and queue them
// after the lock is released.
type Inflight struct {
	sync.Mutex
	msgs   []*model.Message // publish order
	lookup map[uint16]*model.Message

	inflight int // messages not in StateQueued
	max      int // 0 is unlimited
}

func (q *Inflight) Init(max int) {
	q.lookup = make(map[uint16]*model.Message)
	q.max = max
}

func (q *Inflight) SetMax(max int) {
	q.Lock()
	q.max = max
	q.Unlock()
}

func (q *Inflight) Max() int {
	q.Lock()
	defer q.Unlock()
	return q.max
}

func (q *Inflight) Len() int {
	q.Lock()
	defer q.Unlock()
	return len(q.msgs)
}

// InflightCount returns how many messages occupy the inflight window.
func (q *Inflight) InflightCount() int {
	q.Lock()
	defer q.Unlock()
	return q.inflight
}

func (q *Inflight) Present(mid uint16) bool {
	q.Lock()
	_, ok := q.lookup[mid]
	q.Unlock()
	return ok
}

// Snapshot returns copies of all tracked messages in order.
func (q *Inflight) Snapshot() []model.Message {
	q.Lock()
	s := make([]model.Message, len(q.msgs))
	for i, m := range q.msgs {
		s[i] = *m
	}
	q.Unlock()
	return s
}

func (q *Inflight) Clear() {
	q.Lock()
	q.msgs = q.msgs[:0]
	for mid := range q.lookup {
		delete(q.lookup, mid)
	}
	q.inflight = 0
	q.Unlock()
}

func (q *Inflight) windowOpen() bool {
	return q.max == 0 || q.inflight < q.max
}

func waitState(qos uint8) model.MessageState {
	if qos == 2 {
		return model.StateWaitForPubrec
	}
	return model.StateWaitForPuback
}

// Add tracks a new outgoing QoS>0 message. It reports whether m should be
// sent now; otherwise it waits in StateQueued for the window, or in
// StatePublish for the next connection.
func (q *Inflight) Add(m *model.Message, now time.Time, connected bool) (model.Message, bool) {
	q.Lock()
	defer q.Unlock()

	q.msgs = append(q.msgs, m)
	q.lookup[m.Mid] = m

	if !q.windowOpen() {
		m.State = model.StateQueued
		return *m, false
	}

	q.inflight++
	if !connected {
		m.State = model.StatePublish
		return *m, false
	}
	m.State, m.Timestamp = waitState(m.QoS), now
	return *m, true
}

func (q *Inflight) remove(m *model.Message) {
	delete(q.lookup, m.Mid)
	for i, o := range q.msgs {
		if o == m {
			copy(q.msgs[i:], q.msgs[i+1:])
			q.msgs[len(q.msgs)-1] = nil
			q.msgs = q.msgs[:len(q.msgs)-1]
			break
		}
	}
	if m.State != model.StateQueued {
		q.inflight--
	}
}

func (q *Inflight) promote(now time.Time, connected bool) []model.Message {
	var send []model.Message
	for _, m := range q.msgs {
		if !q.windowOpen() {
			break
		}
		if m.State != model.StateQueued {
			continue
		}
		q.inflight++
		if connected {
			m.State, m.Timestamp = waitState(m.QoS), now
			send = append(send, *m)
		} else {
			m.State = model.StatePublish
		}
	}
	return send
}

// Promote admits queued messages while the window has room, returning those to send.
func (q *Inflight) Promote(now time.Time, connected bool) []model.Message {
	q.Lock()
	defer q.Unlock()
	return q.promote(now, connected)
}

// Puback completes an outgoing QoS 1 message. done is false for an unknown
// mid or a message that is not waiting for PUBACK.
func (q *Inflight) Puback(mid uint16, now time.Time) (done bool, promoted []model.Message) {
	q.Lock()
	defer q.Unlock()

	m, ok := q.lookup[mid]
	if !ok || m.QoS != 1 {
		return false, nil
	}
	switch m.State {
	case model.StateWaitForPuback, model.StatePublish:
	default:
		return false, nil
	}

	q.remove(m)
	return true, q.promote(now, true)
}

// Pubrec moves an outgoing QoS 2 message to wait for PUBCOMP. It reports
// whether a PUBREL must be sent; a repeated PUBREC does not send another.
func (q *Inflight) Pubrec(mid uint16, now time.Time) bool {
	q.Lock()
	defer q.Unlock()

	m, ok := q.lookup[mid]
	if !ok || m.QoS != 2 {
		return false
	}
	switch m.State {
	case model.StateWaitForPubrec, model.StatePublish:
		m.State, m.Timestamp = model.StateWaitForPubcomp, now
		return true
	}
	return false
}

// Pubcomp completes an outgoing QoS 2 message.
func (q *Inflight) Pubcomp(mid uint16, now time.Time) (done bool, promoted []model.Message) {
	q.Lock()
	defer q.Unlock()

	m, ok := q.lookup[mid]
	if !ok || m.QoS != 2 {
		return false, nil
	}
	switch m.State {
	case model.StateWaitForPubcomp, model.StateResendPubrel:
	default:
		return false, nil
	}

	q.remove(m)
	return true, q.promote(now, true)
}

// Receive tracks an incoming QoS 2 message until its PUBREL arrives.
// It reports false if the mid is already held.
func (q *Inflight) Receive(m *model.Message, now time.Time) bool {
	q.Lock()
	defer q.Unlock()

	if _, ok := q.lookup[m.Mid]; ok {
		return false
	}
	m.State, m.Timestamp = model.StateWaitForPubrel, now
	q.msgs = append(q.msgs, m)
	q.lookup[m.Mid] = m
	q.inflight++
	return true
}

// Release removes the incoming message for mid, returning it for delivery.
func (q *Inflight) Release(mid uint16) (model.Message, bool) {
	q.Lock()
	defer q.Unlock()

	m, ok := q.lookup[mid]
	if !ok {
		return model.Message{}, false
	}
	q.remove(m)
	return *m, true
}

// Retry returns the messages whose next handshake packet is due, updating
// their state and timestamp. The returned state tells which packet to send:
// StateWaitForPuback or StateWaitForPubrec a PUBLISH, StateWaitForPubcomp a
// PUBREL, StateWaitForPubrel a PUBREC.
func (q *Inflight) Retry(now time.Time, interval time.Duration) []model.Message {
	q.Lock()
	defer q.Unlock()

	var send []model.Message
	for _, m := range q.msgs {
		switch m.State {
		case model.StatePublish:
			m.State = waitState(m.QoS)
		case model.StateResendPubrel:
			m.State = model.StateWaitForPubcomp
		case model.StateWaitForPuback, model.StateWaitForPubrec, model.StateWaitForPubcomp:
			if now.Sub(m.Timestamp) <= interval {
				continue
			}
			m.Dup = true
		case model.StateWaitForPubrel:
			if now.Sub(m.Timestamp) <= interval {
				continue
			}
		default:
			continue
		}
		m.Timestamp = now
		send = append(send, *m)
	}
	return send
}

// ReconnectReset prepares outgoing messages for redelivery on a resumed
// session: messages caught mid handshake restart it with DUP set, and the
// window is applied again to what was queued.
func (q *Inflight) ReconnectReset() {
	q.Lock()
	defer q.Unlock()

	q.inflight = 0
	for _, m := range q.msgs {
		m.Timestamp = time.Time{}
		switch m.State {
		case model.StateWaitForPuback, model.StateWaitForPubrec:
			m.State, m.Dup = model.StatePublish, true
			q.inflight++
		case model.StateWaitForPubcomp, model.StateResendPubrel:
			m.State, m.Dup = model.StateResendPubrel, true
			q.inflight++
		case model.StatePublish:
			q.inflight++
		}
	}
	q.promote(time.Time{}, false)
}

// ReconnectResetIncoming keeps only incoming QoS 2 messages for a resumed
// session, so their PUBREL can still complete.
func (q *Inflight) ReconnectResetIncoming() {
	q.Lock()
	defer q.Unlock()

	kept := q.msgs[:0]
	for _, m := range q.msgs {
		if m.QoS != 2 {
			delete(q.lookup, m.Mid)
			if m.State != model.StateQueued {
				q.inflight--
			}
			continue
		}
		m.Timestamp = time.Time{}
		kept = append(kept, m)
	}
	for i := len(kept); i < len(q.msgs); i++ {
		q.msgs[i] = nil
	}
	q.msgs = kept
}
