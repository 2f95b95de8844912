package mockbroker

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoanBrand/mockbroker/internal/codec"
	"github.com/RoanBrand/mockbroker/internal/model"
	"github.com/RoanBrand/mockbroker/internal/queue"
	"github.com/RoanBrand/mockbroker/internal/store"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const monitorInterval = time.Second

// session is one client connection, from accept to teardown.
type session struct {
	b      *Broker
	conn   net.Conn
	remote string

	tx queue.Outbound
	rx codec.Reader

	stateLock sync.Mutex
	state     model.ConnState
	connect   *model.ConnectOptions
	keepAlive time.Duration
	resumed   bool          // session present flag for CONNACK
	reason    *model.Result // cause of a close we initiated

	started     time.Time
	lastIn      int64 // unix ns
	lastOut     int64
	connackSent atomic.Bool

	onlyOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	ended    sync.WaitGroup
}

func newSession(b *Broker, conn net.Conn) *session {
	ctx, cancel := context.WithCancel(b.ctx)
	now := time.Now()
	s := session{
		b:       b,
		conn:    conn,
		remote:  conn.RemoteAddr().String(),
		started: now,
		lastIn:  now.UnixNano(),
		lastOut: now.UnixNano(),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.tx.Init()
	return &s
}

func (s *session) logger() *log.Entry {
	f := log.Fields{"remote": s.remote}
	if o := s.connectOptions(); o != nil {
		f["ClientId"] = o.ClientID
	}
	return s.b.log.WithFields(f)
}

// run serves the connection until it ends and returns the disconnect result.
func (s *session) run() model.Result {
	s.ended.Add(2)
	go s.tx.StartDispatcher(s.write, s.drained, &s.ended)
	go s.monitor()

	err := s.readLoop()
	return s.end(err)
}

func (s *session) readLoop() error {
	buf := make([]byte, 4096)
	for {
		if err := s.rx.Fill(s.conn, buf); err != nil && err != codec.ErrIncomplete {
			return err
		}

		for {
			p, err := s.rx.DecodeNext()
			if err == codec.ErrIncomplete {
				break
			}
			if err != nil {
				return err
			}

			atomic.StoreInt64(&s.lastIn, time.Now().UnixNano())
			s.b.record(store.Inbound, p.Command|p.Flags, p.Payload)

			if err = s.handlePacket(p); err != nil {
				return err
			}
		}
	}
}

// write is the outbound dispatcher. It runs on the writer goroutine.
func (s *session) write(i *queue.Item) error {
	if _, n, err := codec.DecodeRemainingLength(i.B[1:]); err == nil {
		s.b.record(store.Outbound, i.Command, i.B[1+n:])
	}

	if _, err := s.conn.Write(i.B); err != nil {
		if !errors.Is(err, net.ErrClosed) {
			s.logger().WithField("err", err).Debug("TCP TX error")
		}
		s.closeWith(model.ErrConnLost)
		return err
	}
	atomic.StoreInt64(&s.lastOut, time.Now().UnixNano())

	if i.Command&0xF0 == model.PUBLISH && i.QoS == 0 {
		mid := i.Mid
		s.b.callback(func(h *Hooks, ud interface{}) {
			if h.OnPublish != nil {
				h.OnPublish(s.b, ud, mid)
			}
		})
	}
	return nil
}

func (s *session) drained() {
	if s.b.shutdownAfterLast.Load() {
		s.b.shutdown()
	}
}

func (s *session) monitor() {
	defer s.ended.Done()
	t := time.NewTicker(monitorInterval)
	defer t.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-t.C:
			s.check(now)
		}
	}
}

// check enforces the CONNECT and keep alive timeouts and resends unacknowledged messages.
func (s *session) check(now time.Time) {
	s.stateLock.Lock()
	state, ka := s.state, s.keepAlive
	s.stateLock.Unlock()

	switch state {
	case model.ConnNew:
		if now.Sub(s.started) > time.Duration(s.b.ConnectTimeout)*time.Second {
			s.logger().Debug("Timeout waiting for CONNECT. Dropping connection")
			s.closeWith(model.ErrConnLost)
		}
	case model.ConnConnected:
		last := time.Unix(0, atomic.LoadInt64(&s.lastIn))
		if ka > 0 && now.Sub(last) > ka*3/2 { // v4[MQTT-3.1.2-24]
			s.logger().WithField("keepalive", ka).Info("Client has exceeded keep alive timeout, disconnecting")
			s.closeWith(model.ErrConnLost)
			return
		}
		if s.connackSent.Load() {
			s.resend(now)
		}
	}
}

// resend transmits whatever the delivery engine says is due.
func (s *session) resend(now time.Time) {
	c, interval := &s.b.client, s.b.retryInterval()

	for _, m := range c.out.Retry(now, interval) {
		m := m
		var err error
		if m.State == model.StateWaitForPubcomp {
			s.logger().WithField("mid", m.Mid).Debug("Resending PUBREL")
			err = s.send(codec.Pubrel(m.Mid, m.Dup && s.protocolVersion() == model.MQTTv31), m.Mid, 0)
		} else {
			err = s.sendMessage(&m)
		}
		if err != nil {
			return
		}
	}

	for _, m := range c.in.Retry(now, interval) {
		s.logger().WithField("mid", m.Mid).Debug("Resending PUBREC")
		if s.send(codec.Pubrec(m.Mid), m.Mid, 0) != nil {
			return
		}
	}
}

// send queues a complete frame for the writer.
func (s *session) send(p []byte, mid uint16, qos uint8) error {
	i := queue.GetItem(p)
	i.Mid, i.QoS = mid, qos
	if !s.tx.Add(i) {
		return model.ErrNoConn
	}
	return nil
}

func (s *session) sendMessage(m *model.Message) error {
	p, err := codec.Publish(m)
	if err != nil {
		return err
	}

	s.logger().WithFields(log.Fields{
		"mid":    m.Mid,
		"topic":  m.Topic,
		"qos":    m.QoS,
		"dup":    m.Dup,
		"retain": m.Retain,
		"bytes":  len(m.Payload),
	}).Debug("Sending PUBLISH")
	return s.send(p, m.Mid, m.QoS)
}

func (s *session) sendConnack(code uint8) error {
	s.stateLock.Lock()
	sp := s.resumed
	s.stateLock.Unlock()

	s.logger().WithFields(log.Fields{
		"code":            code,
		"session_present": sp && code == model.ConnackAccepted,
	}).Debug("Sending CONNACK")
	if err := s.send(codec.Connack(sp, code), 0, 0); err != nil {
		return err
	}

	// held messages go out right behind the CONNACK
	if code == model.ConnackAccepted && s.connackSent.CompareAndSwap(false, true) {
		s.resend(time.Now())
	}
	return nil
}

func (s *session) sendSuback(mid uint16, topics []model.TopicQoS) error {
	granted := make([]uint8, len(topics))
	for i := range topics {
		granted[i] = topics[i].QoS
	}
	p, err := codec.Suback(mid, granted)
	if err != nil {
		return err
	}

	s.logger().WithFields(log.Fields{
		"mid":     mid,
		"granted": granted,
	}).Debug("Sending SUBACK")
	return s.send(p, mid, 0)
}

func (s *session) State() model.ConnState {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.state
}

func (s *session) connectOptions() *model.ConnectOptions {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.connect
}

func (s *session) protocolVersion() uint8 {
	if o := s.connectOptions(); o != nil {
		return o.ProtocolVersion
	}
	return model.MQTTv311
}

// disconnecting marks a teardown both sides asked for, ending in Success.
func (s *session) disconnecting() {
	s.stateLock.Lock()
	s.state = model.ConnDisconnecting
	s.stateLock.Unlock()
}

// closeWith closes the connection, recording why unless a cause is already known.
func (s *session) closeWith(r model.Result) {
	s.stateLock.Lock()
	if s.reason == nil {
		s.reason = &r
	}
	s.stateLock.Unlock()
	s.conn.Close()
}

// result translates why the read loop stopped into the disconnect result.
func (s *session) result(err error) model.Result {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()

	if s.state == model.ConnDisconnecting {
		return model.Success
	}
	if s.reason != nil {
		return *s.reason
	}

	var r model.Result
	var rhe tls.RecordHeaderError
	switch {
	case errors.As(err, &r):
		return r
	case errors.Is(err, errProtocol), codec.IsMalformed(err):
		return model.ErrProtocol
	case errors.As(err, &rhe):
		return model.ErrTLS
	}
	return model.ErrConnLost
}

// end tears the connection down once, keeps or drops the client state
// depending on the clean session flag and fires OnClientDisconnect.
func (s *session) end(err error) (rc model.Result) {
	s.onlyOnce.Do(func() {
		rc = s.result(err)

		s.cancel()
		s.tx.Close()
		s.conn.Close()
		s.ended.Wait()

		b := s.b
		b.sesLock.Lock()
		b.ses = nil
		b.sesLock.Unlock()

		if o := s.connectOptions(); o != nil {
			if o.CleanSession() { // v4[MQTT-3.1.2-6]
				b.client.clearState()
			}
			b.client.hadSession = !o.CleanSession()
		}

		l := s.logger().WithField("rc", rc)
		switch {
		case rc == model.Success:
			l.Debug("Client disconnected")
		case err != nil && rc == model.ErrProtocol:
			l.WithField("err", err).Info("Client protocol error, disconnected")
		default:
			l.WithField("err", err).Debug("Client connection lost")
		}

		b.callback(func(h *Hooks, ud interface{}) {
			if h.OnClientDisconnect != nil {
				h.OnClientDisconnect(b, ud, rc)
			}
		})
	})
	return rc
}
