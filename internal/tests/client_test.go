package tests_test

import (
	"crypto/tls"
	"encoding/hex"
	"net"
	"testing"
	"time"

	"github.com/RoanBrand/mockbroker"
	"github.com/RoanBrand/mockbroker/internal/codec"
	"github.com/RoanBrand/mockbroker/internal/model"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const waitTime = 2 * time.Second

// events collects hook calls so tests can wait on them.
type events struct {
	connects    chan *mockbroker.ConnectOptions
	disconnects chan mockbroker.Result
	messages    chan mockbroker.Message
	published   chan uint16
	subscribes  chan []mockbroker.TopicQoS
}

func newEvents() *events {
	return &events{
		connects:    make(chan *mockbroker.ConnectOptions, 16),
		disconnects: make(chan mockbroker.Result, 16),
		messages:    make(chan mockbroker.Message, 64),
		published:   make(chan uint16, 64),
		subscribes:  make(chan []mockbroker.TopicQoS, 16),
	}
}

// hooks records every event, keeping the default responses for CONNECT and SUBSCRIBE.
func (e *events) hooks() mockbroker.Hooks {
	return mockbroker.Hooks{
		OnClientDisconnect: func(b *mockbroker.Broker, _ interface{}, rc mockbroker.Result) {
			e.disconnects <- rc
		},
		OnMessage: func(b *mockbroker.Broker, _ interface{}, m *mockbroker.Message) {
			e.messages <- *m
		},
		OnPublish: func(b *mockbroker.Broker, _ interface{}, mid uint16) {
			e.published <- mid
		},
	}
}

func (e *events) disconnect(t *testing.T) mockbroker.Result {
	t.Helper()
	select {
	case rc := <-e.disconnects:
		return rc
	case <-time.After(waitTime):
		t.Fatal("timed out waiting for OnClientDisconnect")
	}
	return 0
}

func (e *events) message(t *testing.T) mockbroker.Message {
	t.Helper()
	select {
	case m := <-e.messages:
		return m
	case <-time.After(waitTime):
		t.Fatal("timed out waiting for OnMessage")
	}
	return mockbroker.Message{}
}

func (e *events) publish(t *testing.T) uint16 {
	t.Helper()
	select {
	case mid := <-e.published:
		return mid
	case <-time.After(waitTime):
		t.Fatal("timed out waiting for OnPublish")
	}
	return 0
}

func startBroker(t *testing.T, h mockbroker.Hooks, setup func(b *mockbroker.Broker)) (*mockbroker.Broker, string) {
	t.Helper()
	b := mockbroker.New(h)
	b.Host = "127.0.0.1"
	b.Log.Level = "warn"
	if setup != nil {
		setup(b)
	}

	addr, err := b.LoopStart()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, b.LoopStop())
	})
	return b, addr.String()
}

// fakeClient speaks raw MQTT to the broker so tests control every byte.
type fakeClient struct {
	ClientID string

	conn net.Conn
	rx   chan *model.Packet
	dead chan struct{}
}

func generateNewClientID() string {
	uuid := [16]byte(uuid.New())
	return hex.EncodeToString(uuid[:])
}

func dialOnly(t *testing.T, addr string) *fakeClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	return newClient(t, conn)
}

func dialTLS(t *testing.T, addr string) *fakeClient {
	t.Helper()
	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: time.Second}, "tcp", addr, &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	return newClient(t, conn)
}

func newClient(t *testing.T, conn net.Conn) *fakeClient {
	c := fakeClient{
		ClientID: generateNewClientID(),
		conn:     conn,
		rx:       make(chan *model.Packet, 1024),
		dead:     make(chan struct{}),
	}
	go c.reader()
	t.Cleanup(func() { conn.Close() })
	return &c
}

// dial connects and expects an accepted CONNACK with the given session present flag.
func dial(t *testing.T, addr, clientID string, cleanSes bool, expectSp uint8) *fakeClient {
	t.Helper()
	c := dialOnly(t, addr)
	if clientID != "" {
		c.ClientID = clientID
	}
	c.write(t, c.connectPacket(cleanSes, 0))

	p := c.expect(t, model.CONNACK)
	require.Equal(t, []byte{expectSp, 0}, p.Payload)
	return c
}

func (c *fakeClient) reader() {
	defer close(c.dead)
	var r codec.Reader
	buf := make([]byte, 4096)

	for {
		if err := r.Fill(c.conn, buf); err != nil && err != codec.ErrIncomplete {
			return
		}
		for {
			p, err := r.DecodeNext()
			if err == codec.ErrIncomplete {
				break
			}
			if err != nil {
				return
			}
			c.rx <- p
		}
	}
}

func (c *fakeClient) write(t *testing.T, p []byte) {
	t.Helper()
	_, err := c.conn.Write(p)
	require.NoError(t, err)
}

// expect returns the next packet from the broker, which must be of type cmd.
func (c *fakeClient) expect(t *testing.T, cmd uint8) *model.Packet {
	t.Helper()
	select {
	case p := <-c.rx:
		require.Equal(t, model.PacketName(cmd), model.PacketName(p.Command))
		return p
	case <-time.After(waitTime):
		t.Fatalf("timed out waiting for %s", model.PacketName(cmd))
	}
	return nil
}

func (c *fakeClient) expectNothing(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case p := <-c.rx:
		t.Fatalf("unexpected %s", model.PacketName(p.Command))
	case <-time.After(d):
	}
}

// expectClosed waits for the broker to close the connection, returning what arrived before.
func (c *fakeClient) expectClosed(t *testing.T) []*model.Packet {
	t.Helper()
	select {
	case <-c.dead:
	case <-time.After(waitTime):
		t.Fatal("timed out waiting for broker to close connection")
	}

	var ps []*model.Packet
	for {
		select {
		case p := <-c.rx:
			ps = append(ps, p)
		default:
			return ps
		}
	}
}

func (c *fakeClient) expectPublish(t *testing.T) *model.Message {
	t.Helper()
	p := c.expect(t, model.PUBLISH)
	m, err := codec.DecodePublish(p)
	require.NoError(t, err)
	return m
}

func (c *fakeClient) connectPacket(cleanSes bool, keepAlive uint16) []byte {
	var flags uint8
	if cleanSes {
		flags |= model.CleanSessionFlag
	}
	return connectPacket(model.ProtocolNameV311, model.MQTTv311, flags, keepAlive, c.ClientID)
}

func connectPacket(name string, level, flags uint8, keepAlive uint16, clientID string) []byte {
	vh, _ := codec.AppendStr16(nil, []byte(name))
	vh = append(vh, level, flags, byte(keepAlive>>8), byte(keepAlive))
	vh, _ = codec.AppendStr16(vh, []byte(clientID))
	return frame(model.CONNECT, vh)
}

func frame(header uint8, body []byte) []byte {
	p, _ := codec.AppendRemainingLength([]byte{header}, len(body))
	return append(p, body...)
}

func publishPacket(t *testing.T, topic string, payload []byte, qos uint8, mid uint16, dup bool) []byte {
	p, err := codec.Publish(&model.Message{Topic: topic, Payload: payload, QoS: qos, Mid: mid, Dup: dup})
	require.NoError(t, err)
	return p
}

func subscribePacket(mid uint16, topics ...model.TopicQoS) []byte {
	body := []byte{byte(mid >> 8), byte(mid)}
	for _, tq := range topics {
		body, _ = codec.AppendStr16(body, []byte(tq.Topic))
		body = append(body, tq.QoS)
	}
	return frame(model.SUBSCRIBE|2, body)
}

func unsubscribePacket(mid uint16, topics ...string) []byte {
	body := []byte{byte(mid >> 8), byte(mid)}
	for _, topic := range topics {
		body, _ = codec.AppendStr16(body, []byte(topic))
	}
	return frame(model.UNSUBSCRIBE|2, body)
}

func ack(header uint8, mid uint16) []byte {
	return []byte{header, 2, byte(mid >> 8), byte(mid)}
}

func mid(p *model.Packet) uint16 {
	m, _ := codec.DecodeMid(p.Payload)
	return m
}
