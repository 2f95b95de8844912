package codec

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/RoanBrand/mockbroker/internal/model"
	"github.com/pkg/errors"
)

var (
	ErrMalformed         = errors.New("malformed packet")
	ErrInvalidUTF        = errors.New("invalid UTF-8 string")
	ErrContainsWildCards = errors.New("topic name contains wildcards")
	ErrEmptyTopic        = errors.New("empty topic")
)

// DecodeRemainingLength decodes a variable length integer at the start of b.
// It returns the value and the number of bytes it occupied.
func DecodeRemainingLength(b []byte) (int, int, error) {
	var l, mul int = 0, 1
	for i := 0; i < 4; i++ {
		if i >= len(b) {
			return 0, 0, errors.Wrap(ErrMalformed, "remaining length truncated")
		}
		l += int(b[i]&127) * mul
		mul *= 128
		if b[i]&128 == 0 {
			return l, i + 1, nil
		}
	}
	return 0, 0, ErrRemainingLength
}

// DecodeStr16 reads a length prefixed string and returns it with the rest of b.
func DecodeStr16(b []byte) ([]byte, []byte, error) {
	if len(b) < 2 {
		return nil, nil, errors.Wrap(ErrMalformed, "string length missing")
	}
	l := int(binary.BigEndian.Uint16(b))
	if len(b) < 2+l {
		return nil, nil, errors.Wrapf(ErrMalformed, "string of %d bytes truncated to %d", l, len(b)-2)
	}
	return b[2 : 2+l], b[2+l:], nil
}

// DecodeMid reads the packet identifier of PUBACK, PUBREC, PUBREL and PUBCOMP.
func DecodeMid(payload []byte) (uint16, error) {
	if len(payload) < 2 {
		return 0, errors.Wrap(ErrMalformed, "packet identifier missing")
	}
	return binary.BigEndian.Uint16(payload), nil
}

// DecodeConnect reads the CONNECT variable header and payload in wire order.
func DecodeConnect(payload []byte) (*model.ConnectOptions, error) {
	o := new(model.ConnectOptions)

	name, rest, err := DecodeStr16(payload)
	if err != nil {
		return nil, errors.Wrap(err, "CONNECT protocol name")
	}
	o.ProtocolName = string(name)

	if len(rest) < 4 {
		return nil, errors.Wrap(ErrMalformed, "CONNECT variable header too short")
	}
	o.ProtocolVersion, o.ConnectFlags = rest[0], rest[1]
	o.KeepAlive = binary.BigEndian.Uint16(rest[2:])
	rest = rest[4:]

	if o.ReservedFlagSet() { // v4[MQTT-3.1.2-3]
		return nil, errors.Wrap(ErrMalformed, "CONNECT reserved flag set")
	}
	if o.WillQoS() > 2 { // v4[MQTT-3.1.2-14]
		return nil, errors.Wrap(ErrMalformed, "CONNECT will QoS 3")
	}
	if !o.WillFlag() && o.ConnectFlags&(model.WillQoSFlag|model.WillRetainFlag) != 0 { // v4[MQTT-3.1.2-13,15]
		return nil, errors.Wrap(ErrMalformed, "CONNECT will QoS or retain set without will flag")
	}
	if o.HasPassword() && !o.HasUsername() && o.ProtocolVersion == model.MQTTv311 { // v4[MQTT-3.1.2-22]
		return nil, errors.Wrap(ErrMalformed, "CONNECT password flag set without username flag")
	}

	cid, rest, err := DecodeStr16(rest)
	if err != nil {
		return nil, errors.Wrap(err, "CONNECT client id")
	}
	if err = CheckUTF8(cid, false); err != nil {
		return nil, errors.Wrap(err, "CONNECT client id")
	}
	o.ClientID = string(cid)

	if o.WillFlag() {
		var wt, wm []byte
		if wt, rest, err = DecodeStr16(rest); err != nil {
			return nil, errors.Wrap(err, "CONNECT will topic")
		}
		if err = CheckUTF8(wt, true); err != nil {
			return nil, errors.Wrap(err, "CONNECT will topic")
		}
		if wm, rest, err = DecodeStr16(rest); err != nil {
			return nil, errors.Wrap(err, "CONNECT will message")
		}
		o.WillTopic, o.WillMessage = string(wt), wm
	}

	if o.HasUsername() {
		var u []byte
		if u, rest, err = DecodeStr16(rest); err != nil {
			return nil, errors.Wrap(err, "CONNECT username")
		}
		if err = CheckUTF8(u, false); err != nil {
			return nil, errors.Wrap(err, "CONNECT username")
		}
		o.Username = string(u)
	}

	if o.HasPassword() {
		if o.Password, _, err = DecodeStr16(rest); err != nil {
			return nil, errors.Wrap(err, "CONNECT password")
		}
	}

	return o, nil
}

// DecodePublish reads a PUBLISH packet into a message in state invalid.
func DecodePublish(p *model.Packet) (*model.Message, error) {
	m := &model.Message{
		QoS:    (p.Flags & model.PublishQoS) >> 1,
		Dup:    p.Flags&model.PublishDup != 0,
		Retain: p.Flags&model.PublishRetain != 0,
	}
	if m.QoS > 2 { // v4[MQTT-3.3.1-4]
		return nil, errors.Wrap(ErrMalformed, "PUBLISH QoS 3")
	}

	topic, rest, err := DecodeStr16(p.Payload)
	if err != nil {
		return nil, errors.Wrap(err, "PUBLISH topic")
	}
	if len(topic) == 0 { // v4[MQTT-4.7.3-1]
		return nil, errors.Wrap(ErrEmptyTopic, "PUBLISH")
	}
	if err = CheckUTF8(topic, true); err != nil { // v4[MQTT-3.3.2-2]
		return nil, errors.Wrap(err, "PUBLISH topic")
	}
	m.Topic = string(topic)

	if m.QoS > 0 {
		if len(rest) < 2 {
			return nil, errors.Wrap(ErrMalformed, "PUBLISH packet identifier missing")
		}
		m.Mid = binary.BigEndian.Uint16(rest)
		rest = rest[2:]
	}
	m.Payload = rest
	return m, nil
}

// DecodeSubscribe reads the packet identifier and the requested topic filters.
func DecodeSubscribe(payload []byte) (uint16, []model.TopicQoS, error) {
	mid, err := DecodeMid(payload)
	if err != nil {
		return 0, nil, errors.Wrap(err, "SUBSCRIBE")
	}

	var topics []model.TopicQoS
	for rest := payload[2:]; len(rest) > 0; {
		var f []byte
		if f, rest, err = DecodeStr16(rest); err != nil {
			return 0, nil, errors.Wrap(err, "SUBSCRIBE topic filter")
		}
		if err = CheckUTF8(f, false); err != nil {
			return 0, nil, errors.Wrap(err, "SUBSCRIBE topic filter")
		}
		if len(rest) < 1 {
			return 0, nil, errors.Wrap(ErrMalformed, "SUBSCRIBE requested QoS missing")
		}
		if rest[0] > 2 { // v4[MQTT-3-8.3-4]
			return 0, nil, errors.Wrap(ErrMalformed, "SUBSCRIBE requested QoS invalid")
		}
		topics = append(topics, model.TopicQoS{Topic: string(f), QoS: rest[0]})
		rest = rest[1:]
	}

	if len(topics) == 0 { // v4[MQTT-3.8.3-3]
		return 0, nil, errors.Wrap(ErrMalformed, "SUBSCRIBE with no topic filters")
	}
	return mid, topics, nil
}

// DecodeUnsubscribe reads the packet identifier and the topic filters to remove.
func DecodeUnsubscribe(payload []byte) (uint16, []string, error) {
	mid, err := DecodeMid(payload)
	if err != nil {
		return 0, nil, errors.Wrap(err, "UNSUBSCRIBE")
	}

	var topics []string
	for rest := payload[2:]; len(rest) > 0; {
		var f []byte
		if f, rest, err = DecodeStr16(rest); err != nil {
			return 0, nil, errors.Wrap(err, "UNSUBSCRIBE topic filter")
		}
		if err = CheckUTF8(f, false); err != nil {
			return 0, nil, errors.Wrap(err, "UNSUBSCRIBE topic filter")
		}
		topics = append(topics, string(f))
	}

	if len(topics) == 0 { // v4[MQTT-3.10.3-2]
		return 0, nil, errors.Wrap(ErrMalformed, "UNSUBSCRIBE with no topic filters")
	}
	return mid, topics, nil
}

// CheckUTF8 validates an MQTT UTF-8 encoded string, optionally rejecting wildcards.
func CheckUTF8(str []byte, checkWildCards bool) error {
	for i := 0; i < len(str); {
		if str[i] == 0 { // [MQTT-1.5.3-2]
			return ErrInvalidUTF
		}

		if checkWildCards && (str[i] == '+' || str[i] == '#') { // [MQTT-3.3.2-2]
			return ErrContainsWildCards
		} else if str[i]&0x80 == 0 {
			i++
		} else {
			r, size := utf8.DecodeRune(str[i:])
			if r == utf8.RuneError && size == 1 { // [MQTT-1.5.3-1]
				return ErrInvalidUTF
			}
			i += size
		}
	}
	return nil
}

// ValidatePublishTopic checks a topic name the broker is asked to publish on.
func ValidatePublishTopic(topic string) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if len(topic) > MaxStr16Length {
		return ErrStringTooLong
	}
	return CheckUTF8([]byte(topic), true)
}

// IsMalformed reports whether err came from bytes that break the MQTT wire format.
func IsMalformed(err error) bool {
	for _, e := range []error{ErrMalformed, ErrInvalidUTF, ErrContainsWildCards,
		ErrEmptyTopic, ErrRemainingLength, ErrStringTooLong} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
