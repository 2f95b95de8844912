package mockbroker

import (
	"sync"

	"github.com/RoanBrand/mockbroker/internal/queue"
)

// client holds the delivery state that outlives a single connection, so a
// client resuming its session gets its unacknowledged messages again.
type client struct {
	out queue.Inflight // QoS 1&2 to the client
	in  queue.Inflight // QoS 2 from the client, awaiting PUBREL

	midLock sync.Mutex
	lastMid uint16

	// previous connection asked for its session to be kept
	hadSession bool
}

func (c *client) init(maxInflight int) {
	c.out.Init(maxInflight)
	c.in.Init(0)
}

// nextMid returns the next packet identifier, skipping 0 and ids still in flight. [MQTT-2.3.1-4]
func (c *client) nextMid() uint16 {
	c.midLock.Lock()
	defer c.midLock.Unlock()

	for i := 0; i < 65535; i++ {
		c.lastMid++
		if c.lastMid == 0 {
			c.lastMid = 1
		}
		if !c.out.Present(c.lastMid) {
			break
		}
	}
	return c.lastMid
}

func (c *client) clearState() {
	c.out.Clear()
	c.in.Clear()
}

// resume prepares held messages for redelivery on a new connection.
func (c *client) resume() {
	c.out.ReconnectReset()
	c.in.ReconnectResetIncoming()
}
