package queue

import (
	"sync"
)

// Item is one encoded control packet waiting in the outbound queue.
type Item struct {
	B []byte // complete frame

	Mid     uint16 // PUBLISH with QoS>0, acks
	Command uint8  // fixed header byte
	QoS     uint8  // PUBLISH

	next, prev *Item
}

var pool = sync.Pool{}

func GetItem(b []byte) (i *Item) {
	if pi := pool.Get(); pi == nil {
		i = new(Item)
	} else {
		i = pi.(*Item)
	}

	i.B = b
	if len(b) > 0 {
		i.Command = b[0]
	}
	return i
}

func ReturnItem(i *Item) {
	i.B, i.Mid, i.Command, i.QoS = nil, 0, 0, 0
	pool.Put(i)
}
