package mockbroker

import (
	"time"

	"github.com/RoanBrand/mockbroker/internal/codec"
	"github.com/RoanBrand/mockbroker/internal/model"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	errProtocol      = errors.New("client protocol violation")
	errGotDisconnect = errors.New("client sent DISCONNECT")
)

func protocolViolation(format string, args ...interface{}) error {
	return errors.Wrapf(errProtocol, format, args...)
}

// handlePacket dispatches one complete packet. It runs on the serve goroutine
// so hooks see packets in arrival order.
func (s *session) handlePacket(p *model.Packet) error {
	if err := s.checkFixedHeader(p); err != nil {
		return err
	}

	if s.connectOptions() == nil && p.Command != model.CONNECT { // [MQTT-3.1.0-1]
		return protocolViolation("first packet %s not CONNECT", model.PacketName(p.Command))
	}

	switch p.Command {
	case model.CONNECT:
		return s.handleConnect(p)
	case model.PUBLISH:
		return s.handlePublish(p)
	case model.PUBACK:
		return s.handlePuback(p)
	case model.PUBREC:
		return s.handlePubrec(p)
	case model.PUBREL:
		return s.handlePubrel(p)
	case model.PUBCOMP:
		return s.handlePubcomp(p)
	case model.SUBSCRIBE:
		return s.handleSubscribe(p)
	case model.UNSUBSCRIBE:
		return s.handleUnsubscribe(p)
	case model.PINGREQ:
		s.logger().Debug("PINGREQ received")
		return s.send(codec.Pingresp(), 0, 0)
	case model.DISCONNECT:
		return s.handleDisconnect()
	case model.CONNACK, model.SUBACK, model.UNSUBACK, model.PINGRESP:
		return protocolViolation("unexpected %s from client", model.PacketName(p.Command))
	}
	return protocolViolation("invalid control packet %#x", p.Command|p.Flags)
}

// checkFixedHeader enforces reserved flags and fixed remaining lengths when
// strict_protocol is set. [MQTT-2.2.2-1, 2-2]
func (s *session) checkFixedHeader(p *model.Packet) error {
	if !s.b.StrictProtocol {
		return nil
	}

	switch p.Command {
	case model.PUBLISH:
		if p.Flags&model.PublishDup != 0 && p.Flags&model.PublishQoS == 0 { // [MQTT-3.3.1-2]
			return protocolViolation("DUP set on QoS 0 PUBLISH")
		}
	case model.PUBREL, model.SUBSCRIBE, model.UNSUBSCRIBE:
		if p.Flags != 0x02 {
			return protocolViolation("%s fixed header flags %#x", model.PacketName(p.Command), p.Flags)
		}
	default:
		if p.Flags != 0 {
			return protocolViolation("%s fixed header flags %#x", model.PacketName(p.Command), p.Flags)
		}
	}

	switch p.Command {
	case model.PUBACK, model.PUBREC, model.PUBREL, model.PUBCOMP:
		if p.RemainingLength != 2 {
			return protocolViolation("%s remaining length %d", model.PacketName(p.Command), p.RemainingLength)
		}
	case model.PINGREQ, model.DISCONNECT:
		if p.RemainingLength != 0 {
			return protocolViolation("%s remaining length %d", model.PacketName(p.Command), p.RemainingLength)
		}
	}
	return nil
}

func (s *session) handleConnect(p *model.Packet) error {
	if s.connectOptions() != nil { // [MQTT-3.1.0-2]
		return protocolViolation("second CONNECT packet")
	}

	o, err := codec.DecodeConnect(p.Payload)
	if err != nil {
		return err
	}

	b, c := s.b, &s.b.client
	var resumed bool
	switch {
	case !o.CleanSession():
		resumed = c.hadSession
		c.resume()
	case c.hadSession:
		c.clearState()
		c.hadSession = false
	}

	s.stateLock.Lock()
	s.connect = o
	s.state = model.ConnConnected
	s.keepAlive = time.Duration(o.KeepAlive) * time.Second
	s.resumed = resumed
	s.stateLock.Unlock()

	s.logger().WithFields(log.Fields{
		"protocol":  o.ProtocolName,
		"version":   o.ProtocolVersion,
		"keepalive": o.KeepAlive,
		"clean":     o.CleanSession(),
		"username":  o.Username,
	}).Debug("CONNECT received")

	b.callback(func(h *Hooks, ud interface{}) {
		if h.OnClientConnect != nil {
			h.OnClientConnect(b, ud, o)
			return
		}
		err = s.sendConnack(defaultConnackCode(o))
	})
	return err
}

func defaultConnackCode(o *model.ConnectOptions) uint8 {
	switch {
	case o.ProtocolVersion == model.MQTTv311 && o.ProtocolName == model.ProtocolNameV311,
		o.ProtocolVersion == model.MQTTv31 && o.ProtocolName == model.ProtocolNameV31:
		return model.ConnackAccepted
	}
	return model.ConnackRefusedProtocolVersion // v4[MQTT-3.1.2-2]
}

func (s *session) handlePublish(p *model.Packet) error {
	m, err := codec.DecodePublish(p)
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
	}).Debug("PUBLISH received")

	switch m.QoS {
	case 0:
		s.deliver(m)
	case 1:
		s.deliver(m)
		if s.b.AutoPuback {
			return s.send(codec.Puback(m.Mid), m.Mid, 0)
		}
	case 2:
		if !s.b.client.in.Receive(m, time.Now()) {
			s.logger().WithField("mid", m.Mid).Debug("QoS 2 PUBLISH already received, resending PUBREC")
		}
		return s.send(codec.Pubrec(m.Mid), m.Mid, 0)
	}
	return nil
}

func (s *session) deliver(m *model.Message) {
	s.b.dispatchMessage(m)
}

func (s *session) handlePuback(p *model.Packet) error {
	mid, err := codec.DecodeMid(p.Payload)
	if err != nil {
		return errors.Wrap(err, "PUBACK")
	}

	done, promoted := s.b.client.out.Puback(mid, time.Now())
	if !done {
		s.logger().WithField("mid", mid).Debug("PUBACK for unknown message")
		return nil
	}
	s.logger().WithField("mid", mid).Debug("PUBACK received")
	return s.completed(mid, promoted)
}

func (s *session) handlePubcomp(p *model.Packet) error {
	mid, err := codec.DecodeMid(p.Payload)
	if err != nil {
		return errors.Wrap(err, "PUBCOMP")
	}

	done, promoted := s.b.client.out.Pubcomp(mid, time.Now())
	if !done {
		s.logger().WithField("mid", mid).Debug("PUBCOMP for unknown message")
		return nil
	}
	s.logger().WithField("mid", mid).Debug("PUBCOMP received")
	return s.completed(mid, promoted)
}

// completed fires OnPublish and sends the messages the freed window admitted.
func (s *session) completed(mid uint16, promoted []model.Message) error {
	b := s.b
	b.callback(func(h *Hooks, ud interface{}) {
		if h.OnPublish != nil {
			h.OnPublish(b, ud, mid)
		}
	})

	for i := range promoted {
		if err := s.sendMessage(&promoted[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) handlePubrec(p *model.Packet) error {
	mid, err := codec.DecodeMid(p.Payload)
	if err != nil {
		return errors.Wrap(err, "PUBREC")
	}

	if !s.b.client.out.Pubrec(mid, time.Now()) {
		s.logger().WithField("mid", mid).Debug("PUBREC for unknown or released message")
		return nil
	}
	s.logger().WithField("mid", mid).Debug("PUBREC received, sending PUBREL")
	return s.send(codec.Pubrel(mid, false), mid, 0)
}

func (s *session) handlePubrel(p *model.Packet) error {
	if len(p.Payload) != 2 {
		return protocolViolation("PUBREL remaining length %d", len(p.Payload))
	}
	mid, _ := codec.DecodeMid(p.Payload)

	if m, ok := s.b.client.in.Release(mid); ok {
		s.logger().WithField("mid", mid).Debug("PUBREL received, delivering")
		s.deliver(&m)
	} else {
		s.logger().WithField("mid", mid).Debug("PUBREL for unknown message")
	}
	return s.send(codec.Pubcomp(mid), mid, 0) // [MQTT-4.3.3-2]
}

func (s *session) handleSubscribe(p *model.Packet) error {
	mid, topics, err := codec.DecodeSubscribe(p.Payload)
	if err != nil {
		return err
	}
	dup := p.Flags&model.PublishDup != 0

	s.logger().WithFields(log.Fields{
		"mid":    mid,
		"topics": topics,
	}).Debug("SUBSCRIBE received")

	b := s.b
	b.callback(func(h *Hooks, ud interface{}) {
		if h.OnClientSubscribe != nil {
			h.OnClientSubscribe(b, ud, mid, topics, dup)
			return
		}
		err = s.sendSuback(mid, topics)
	})
	return err
}

func (s *session) handleUnsubscribe(p *model.Packet) error {
	mid, topics, err := codec.DecodeUnsubscribe(p.Payload)
	if err != nil {
		return err
	}

	s.logger().WithFields(log.Fields{
		"mid":    mid,
		"topics": topics,
	}).Debug("UNSUBSCRIBE received")

	b := s.b
	b.callback(func(h *Hooks, ud interface{}) {
		if h.OnClientUnsubscribe != nil {
			h.OnClientUnsubscribe(b, ud, mid, topics)
			return
		}
		err = s.send(codec.Unsuback(mid), mid, 0)
	})
	return err
}

func (s *session) handleDisconnect() error {
	s.logger().Debug("DISCONNECT received")
	s.disconnecting()
	s.tx.Reset()
	return errGotDisconnect
}
