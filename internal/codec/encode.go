// Package codec encodes and decodes MQTT v3.1.1 control packets.
package codec

import (
	"github.com/RoanBrand/mockbroker/internal/model"
	"github.com/pkg/errors"
)

// MaxRemainingLength is the largest value 4 remaining length bytes can carry.
const MaxRemainingLength = 268435455

// MaxStr16Length is the largest string a 2 byte length prefix can describe.
const MaxStr16Length = 65535

var (
	ErrRemainingLength = errors.New("remaining length exceeds 268435455")
	ErrStringTooLong   = errors.New("string longer than 65535 bytes")
)

// AppendRemainingLength appends the variable length encoding of l to packet.
func AppendRemainingLength(packet []byte, l int) ([]byte, error) {
	if l < 0 || l > MaxRemainingLength {
		return packet, ErrRemainingLength
	}
	for {
		eb := l % 128
		l /= 128
		if l > 0 {
			eb |= 128
		}
		packet = append(packet, byte(eb))
		if l <= 0 {
			return packet, nil
		}
	}
}

// RemainingLengthSize returns how many bytes the encoding of l takes.
func RemainingLengthSize(l int) int {
	switch {
	case l < 128:
		return 1
	case l < 16384:
		return 2
	case l < 2097152:
		return 3
	default:
		return 4
	}
}

// AppendStr16 appends s prefixed by its big-endian 16 bit length.
func AppendStr16(packet []byte, s []byte) ([]byte, error) {
	l := len(s)
	if l > MaxStr16Length {
		return packet, ErrStringTooLong
	}
	packet = append(packet, byte(l>>8), byte(l))
	return append(packet, s...), nil
}

// Connack returns a CONNACK. The session present flag is only set when the
// connection is accepted. v4[MQTT-3.2.2-4]
func Connack(sessionPresent bool, code uint8) []byte {
	var sp byte
	if sessionPresent && code == model.ConnackAccepted {
		sp = 1
	}
	return []byte{model.CONNACK, 2, sp, code}
}

func withMid(command uint8, mid uint16) []byte {
	return []byte{command, 2, byte(mid >> 8), byte(mid)}
}

func Puback(mid uint16) []byte {
	return withMid(model.PUBACK, mid)
}

func Pubrec(mid uint16) []byte {
	return withMid(model.PUBREC, mid)
}

// Pubrel returns a PUBREL. The DUP bit is only legal for MQTT v3.1 peers,
// so callers pass dup=false for v3.1.1.
func Pubrel(mid uint16, dup bool) []byte {
	var header uint8 = model.PUBRELSend
	if dup {
		header |= model.PublishDup
	}
	return withMid(header, mid)
}

func Pubcomp(mid uint16) []byte {
	return withMid(model.PUBCOMP, mid)
}

func Unsuback(mid uint16) []byte {
	return withMid(model.UNSUBACK, mid)
}

// Suback returns a SUBACK carrying one return code per granted entry.
func Suback(mid uint16, granted []uint8) ([]byte, error) {
	rl := 2 + len(granted)
	p := make([]byte, 0, 1+RemainingLengthSize(rl)+rl)
	p = append(p, model.SUBACK)
	p, err := AppendRemainingLength(p, rl)
	if err != nil {
		return nil, err
	}
	p = append(p, byte(mid>>8), byte(mid))
	return append(p, granted...), nil
}

func Pingresp() []byte {
	return []byte{model.PINGRESP, 0}
}

func Disconnect() []byte {
	return []byte{model.DISCONNECT, 0}
}

// Publish returns a complete PUBLISH frame. The mid is only written for QoS > 0.
func Publish(m *model.Message) ([]byte, error) {
	if m.QoS > 2 {
		return nil, errors.New("invalid QoS")
	}
	header := uint8(model.PUBLISH) | m.QoS<<1
	if m.Dup {
		header |= model.PublishDup
	}
	if m.Retain {
		header |= model.PublishRetain
	}

	rl := 2 + len(m.Topic) + len(m.Payload)
	if m.QoS > 0 {
		rl += 2
	}
	if len(m.Topic) > MaxStr16Length {
		return nil, ErrStringTooLong
	}

	p := make([]byte, 0, 1+RemainingLengthSize(rl)+rl)
	p = append(p, header)
	p, err := AppendRemainingLength(p, rl)
	if err != nil {
		return nil, err
	}
	p, _ = AppendStr16(p, []byte(m.Topic))
	if m.QoS > 0 {
		p = append(p, byte(m.Mid>>8), byte(m.Mid))
	}
	return append(p, m.Payload...), nil
}
