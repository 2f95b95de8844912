// Package mockbroker is a scriptable MQTT v3.1.1 broker for testing MQTT
// clients. It serves one client connection at a time over TCP, TLS or a
// WebSocket tunnel, and lets test code decide every response through Hooks
// and explicit Send calls.
package mockbroker

import (
	"context"
	"crypto/tls"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/RoanBrand/mockbroker/internal/codec"
	"github.com/RoanBrand/mockbroker/internal/config"
	"github.com/RoanBrand/mockbroker/internal/model"
	"github.com/RoanBrand/mockbroker/internal/store"
	"github.com/RoanBrand/mockbroker/internal/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const stopTimeout = 5 * time.Second

type Broker struct {
	config.Config

	log     *log.Logger
	logFile *os.File

	hookLock sync.RWMutex
	hooks    Hooks
	userdata interface{}
	filtered []messageCallback
	cbLock   sync.Mutex // serialises hooks

	tlsConfig *tls.Config
	l         net.Listener
	addr      net.Addr
	ws        *websocket.Proxy
	journal   *store.DiskStore

	client client

	sesLock sync.Mutex
	ses     *session

	retry    atomic.Int64 // ns
	retrySet atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	running           atomic.Bool
	terminate         atomic.Bool
	shutdownAfterLast atomic.Bool
	done              chan struct{}
}

// New returns a broker with default configuration. Adjust the embedded
// config, TLS and hooks before calling LoopStart.
func New(h Hooks) *Broker {
	b := Broker{
		Config: config.Default(),
		log:    log.New(),
		hooks:  h,
		done:   make(chan struct{}),
	}
	b.log.AddHook(logHook{&b})
	b.client.init(b.Inflight())
	b.retry.Store(int64(b.Config.Retry()))
	return &b
}

func (b *Broker) SetHooks(h Hooks) {
	b.hookLock.Lock()
	b.hooks = h
	b.hookLock.Unlock()
}

// SetUserData sets the value handed to every hook.
func (b *Broker) SetUserData(ud interface{}) {
	b.hookLock.Lock()
	b.userdata = ud
	b.hookLock.Unlock()
}

func (b *Broker) UserData() interface{} {
	b.hookLock.RLock()
	defer b.hookLock.RUnlock()
	return b.userdata
}

// LoopStart binds the listener and starts serving in the background.
// It returns the address clients should connect to.
func (b *Broker) LoopStart() (addr net.Addr, err error) {
	if b.running.Load() || b.terminate.Load() {
		return nil, errors.New("broker already started")
	}

	if err = b.Validate(); err != nil {
		return nil, err
	}
	if err = b.setupLogging(); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			b.cleanup()
		}
	}()

	b.shutdownAfterLast.Store(false)
	b.client.out.SetMax(b.Inflight())
	if !b.retrySet.Load() {
		b.retry.Store(int64(b.Config.Retry()))
	}

	if b.tlsConfig == nil && b.TLS.Enabled {
		if err = b.SetupTLS(tlsOptionsFromConfig(&b.TLS)); err != nil {
			return nil, err
		}
	}

	if b.Journal.Dir != "" {
		if b.journal, err = store.Open(b.Journal.Dir); err != nil {
			return nil, err
		}
	}

	b.ctx, b.cancel = context.WithCancel(context.Background())
	if b.l, err = b.listen(); err != nil {
		return nil, err
	}
	b.addr = b.l.Addr()

	if b.WS.Enabled {
		b.ws = &websocket.Proxy{
			Target:      b.l.Addr().String(),
			Path:        b.WS.Path,
			CheckOrigin: b.WS.CheckOrigin,
			Listen:      b.bind,
			Log:         b.log,
		}
		if b.addr, err = b.ws.Start(b.Host, b.Port, b.tlsConfig); err != nil {
			return nil, err
		}
	}

	b.log.WithFields(log.Fields{
		"address":      b.addr.String(),
		"tls":          b.tlsConfig != nil,
		"websocket":    b.WS.Enabled,
		"max_inflight": b.Inflight(),
		"retry":        b.retryInterval(),
	}).Info("Starting mock MQTT broker")

	b.running.Store(true)
	go b.run()
	return b.addr, nil
}

// LoopStop shuts the broker down now and waits for it to finish.
func (b *Broker) LoopStop() error {
	b.TriggerShutdown(false)
	if !b.Execute(stopTimeout) {
		return errors.New("timed out waiting for broker to stop")
	}
	return nil
}

// Execute waits for the broker to stop, up to timeout. A zero timeout waits
// forever. It reports whether the broker has stopped.
func (b *Broker) Execute(timeout time.Duration) bool {
	if !b.running.Load() {
		return true
	}
	if timeout <= 0 {
		<-b.done
		return true
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-b.done:
		return true
	case <-t.C:
		return false
	}
}

// TriggerShutdown stops the broker. With afterLastPacketSent, the connected
// client first receives everything already queued for it; otherwise queued
// packets are abandoned.
func (b *Broker) TriggerShutdown(afterLastPacketSent bool) {
	if afterLastPacketSent {
		b.shutdownAfterLast.Store(true)
		if s := b.session(); s != nil && !s.tx.Empty() {
			return // writer shuts down once drained
		}
	}
	b.shutdown()
}

func (b *Broker) shutdown() {
	if !b.running.Load() || !b.terminate.CompareAndSwap(false, true) {
		return
	}

	b.log.Info("Shutting down mock MQTT broker")
	b.cancel()
	b.l.Close()
	if s := b.session(); s != nil {
		s.disconnecting()
		s.conn.Close()
	}
}

func (b *Broker) setupLogging() error {
	if b.Log.File != "" {
		f, err := os.OpenFile(b.Log.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return errors.Wrap(err, "open log file")
		}
		b.log.SetOutput(f)
		b.logFile = f
	}
	if b.Log.Level != "" {
		switch strings.ToLower(b.Log.Level) {
		case "error":
			b.log.SetLevel(log.ErrorLevel)
		case "warn":
			b.log.SetLevel(log.WarnLevel)
		case "info":
			b.log.SetLevel(log.InfoLevel)
		case "debug":
			b.log.SetLevel(log.DebugLevel)
		default:
			return errors.New("unknown log level: " + b.Log.Level)
		}
	}

	return nil
}

// listen binds the client listener. With the WebSocket tunnel enabled it
// binds an ephemeral port for the proxy to dial.
func (b *Broker) listen() (net.Listener, error) {
	port := b.Port
	if b.WS.Enabled {
		port = 0
	}
	return b.bind(net.JoinHostPort(b.Host, strconv.Itoa(port)))
}

// bind listens on address, retrying while it is still in use.
func (b *Broker) bind(address string) (net.Listener, error) {
	deadline := time.Now().Add(time.Duration(b.StartupTimeout) * time.Second)

	for {
		l, err := net.Listen("tcp", address)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) || time.Now().After(deadline) {
			return nil, errors.Wrap(err, "listen")
		}

		b.log.WithField("address", address).Debug("Address in use, retrying")
		time.Sleep(100 * time.Millisecond)
	}
}

// run accepts and serves one connection at a time until shutdown.
func (b *Broker) run() {
	defer close(b.done)
	defer b.cleanup()

	for {
		conn, err := b.l.Accept()
		if err != nil {
			if !b.terminate.Load() && !errors.Is(err, net.ErrClosed) {
				b.log.WithField("err", err).Error("Accept failed, stopping")
			}
			return
		}

		if b.tlsConfig != nil && b.ws == nil {
			if conn, err = b.handshake(conn); err != nil {
				continue
			}
		}

		b.serve(conn)
		if b.shutdownAfterLast.Load() {
			b.shutdown() // connection ended before its queue was flushed
		}
		if b.terminate.Load() {
			return
		}
	}
}

func (b *Broker) serve(conn net.Conn) {
	s := newSession(b, conn)
	b.sesLock.Lock()
	b.ses = s
	b.sesLock.Unlock()

	if b.terminate.Load() {
		s.disconnecting()
		conn.Close()
	}

	b.log.WithField("remote", s.remote).Debug("New client connection")
	s.run()
}

func (b *Broker) handshake(conn net.Conn) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(b.ctx, time.Duration(b.ConnectTimeout)*time.Second)
	defer cancel()

	tc := tls.Server(conn, b.tlsConfig)
	if err := tc.HandshakeContext(ctx); err != nil {
		b.log.WithFields(log.Fields{
			"remote": conn.RemoteAddr().String(),
			"err":    err,
		}).Info("TLS handshake failed")
		conn.Close()
		return nil, err
	}
	return tc, nil
}

func (b *Broker) cleanup() {
	if b.ws != nil {
		if err := b.ws.Stop(); err != nil {
			b.log.WithField("err", err).Error("Unable to stop websocket proxy")
		}
	}
	if b.l != nil {
		b.l.Close()
	}
	if b.journal != nil {
		if err := b.journal.Close(); err != nil {
			b.log.WithField("err", err).Error("Unable to close journal")
		}
		b.journal = nil
	}
	b.log.Info("Mock MQTT broker stopped")
	if b.logFile != nil {
		b.log.SetOutput(os.Stderr)
		b.logFile.Close()
		b.logFile = nil
	}
}

func (b *Broker) record(dir store.Direction, command uint8, body []byte) {
	if b.journal == nil {
		return
	}
	if err := b.journal.Record(dir, command, body); err != nil {
		b.log.WithField("err", err).Error("Unable to journal packet")
	}
}

func (b *Broker) session() *session {
	b.sesLock.Lock()
	defer b.sesLock.Unlock()
	return b.ses
}

func (b *Broker) retryInterval() time.Duration {
	return time.Duration(b.retry.Load())
}

// Addr returns the address clients connect to, nil before LoopStart.
func (b *Broker) Addr() net.Addr {
	return b.addr
}

// State returns the state of the current connection, ConnNew if there is none.
func (b *Broker) State() ConnState {
	if s := b.session(); s != nil {
		return s.State()
	}
	return model.ConnNew
}

// SetMaxInflight limits the outgoing QoS 1&2 messages awaiting acknowledgement.
// 0 is unlimited.
func (b *Broker) SetMaxInflight(n int) error {
	if n < 0 {
		return errors.Wrap(ErrInval, "negative max inflight")
	}
	if n == 0 {
		b.MaxInflight = -1
	} else {
		b.MaxInflight = n
	}
	b.client.out.SetMax(n)
	return nil
}

// SetMessageRetry sets how long an unacknowledged message waits before it is
// sent again. 0 resends on every check.
func (b *Broker) SetMessageRetry(d time.Duration) error {
	if d < 0 {
		return errors.Wrap(ErrInval, "negative message retry")
	}
	b.retry.Store(int64(d))
	b.retrySet.Store(true)
	return nil
}

// Publish sends an application message to the client. QoS 1&2 messages are
// held until acknowledged and survive an unclean reconnect; with no client
// connected they are kept for the next one and ErrNoConn is returned.
func (b *Broker) Publish(topic string, payload []byte, qos uint8, retain bool) (uint16, error) {
	if qos > 2 {
		return 0, errors.Wrapf(ErrInval, "invalid QoS %d", qos)
	}
	if err := codec.ValidatePublishTopic(topic); err != nil {
		return 0, errors.Wrapf(ErrInval, "topic %q: %v", topic, err)
	}
	max := codec.MaxRemainingLength - 2 - len(topic)
	if qos > 0 {
		max -= 2
	}
	if len(payload) > max {
		return 0, ErrPayloadSize
	}

	m := &model.Message{
		Mid:     b.client.nextMid(),
		Topic:   topic,
		Payload: append([]byte(nil), payload...),
		QoS:     qos,
		Retain:  retain,
	}
	s := b.session()

	if qos == 0 {
		if s == nil {
			return m.Mid, ErrNoConn
		}
		return m.Mid, s.sendMessage(m)
	}

	connected := s != nil && s.connackSent.Load()
	if msg, send := b.client.out.Add(m, time.Now(), connected); send {
		if err := s.sendMessage(&msg); err != nil {
			return m.Mid, err
		}
	}
	if s == nil {
		return m.Mid, ErrNoConn
	}
	return m.Mid, nil
}

// SendConnack answers the client's CONNECT. An accepted CONNACK releases the
// messages held for the client.
func (b *Broker) SendConnack(code uint8) error {
	s := b.session()
	if s == nil {
		return ErrNoConn
	}
	return s.sendConnack(code)
}

// SendSuback answers a SUBSCRIBE. Each QoS is the granted QoS, or 0x80 for a failure.
func (b *Broker) SendSuback(mid uint16, granted []TopicQoS) error {
	s := b.session()
	if s == nil {
		return ErrNoConn
	}
	return s.sendSuback(mid, granted)
}

func (b *Broker) SendUnsuback(mid uint16) error {
	s := b.session()
	if s == nil {
		return ErrNoConn
	}
	s.logger().WithField("mid", mid).Debug("Sending UNSUBACK")
	return s.send(codec.Unsuback(mid), mid, 0)
}

func (b *Broker) SendPuback(mid uint16) error {
	s := b.session()
	if s == nil {
		return ErrNoConn
	}
	s.logger().WithField("mid", mid).Debug("Sending PUBACK")
	return s.send(codec.Puback(mid), mid, 0)
}

// Disconnect drops the client connection, abandoning packets not yet written.
// OnClientDisconnect then fires with Success.
func (b *Broker) Disconnect() error {
	s := b.session()
	if s == nil {
		return ErrNoConn
	}
	s.logger().Debug("Disconnecting client")
	s.disconnecting()
	s.tx.Reset()
	s.conn.Close()
	return nil
}

// OutgoingMessages returns the QoS 1&2 messages held for the client.
func (b *Broker) OutgoingMessages() []Message {
	return b.client.out.Snapshot()
}

// IncomingMessages returns the QoS 2 messages received and awaiting PUBREL.
func (b *Broker) IncomingMessages() []Message {
	return b.client.in.Snapshot()
}
