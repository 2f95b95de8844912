package codec

import (
	"io"
	"net"

	"github.com/RoanBrand/mockbroker/internal/model"
	"github.com/pkg/errors"
)

var (
	// ErrIncomplete means more bytes are needed. Partial progress is kept.
	ErrIncomplete = errors.New("incomplete packet")
	// ErrConnClosed is returned when the peer closed the stream.
	ErrConnClosed = errors.New("connection closed by peer")
)

const (
	rxCommand = iota
	rxLength
	rxPayload
)

// Reader assembles complete packets from a byte stream delivered in arbitrary
// fragments. It is not safe for concurrent use.
type Reader struct {
	pending []byte

	payload   []byte
	remaining int // max 268,435,455 (256 MB)
	lenMul    int
	lenBytes  int
	command   uint8
	rxState   uint8
}

// Feed appends bytes read from the transport.
func (r *Reader) Feed(b []byte) {
	r.pending = append(r.pending, b...)
}

// Fill performs one read from src into buf and feeds whatever arrived.
// A read timeout yields ErrIncomplete, end of stream ErrConnClosed.
func (r *Reader) Fill(src io.Reader, buf []byte) error {
	n, err := src.Read(buf)
	if n > 0 {
		r.Feed(buf[:n])
	}
	if err == nil {
		if n == 0 {
			return ErrIncomplete
		}
		return nil
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrIncomplete
	}
	if err == io.EOF {
		if n > 0 {
			return nil
		}
		return ErrConnClosed
	}
	return err
}

// DecodeNext returns the next complete packet from the bytes fed so far.
func (r *Reader) DecodeNext() (*model.Packet, error) {
	for {
		switch r.rxState {
		case rxCommand:
			if len(r.pending) == 0 {
				return nil, ErrIncomplete
			}
			r.command = r.pending[0]
			r.pending = r.pending[1:]
			r.remaining, r.lenMul, r.lenBytes = 0, 1, 0
			r.rxState = rxLength

		case rxLength:
			if len(r.pending) == 0 {
				return nil, ErrIncomplete
			}
			b := r.pending[0]
			r.pending = r.pending[1:]
			r.lenBytes++
			r.remaining += int(b&127) * r.lenMul
			r.lenMul *= 128

			if b&128 == 0 {
				c := r.remaining
				if c > 4096 {
					c = 4096
				}
				r.payload = make([]byte, 0, c)
				r.rxState = rxPayload
			} else if r.lenBytes == 4 {
				r.rxState = rxCommand
				return nil, errors.Wrap(ErrRemainingLength, model.PacketName(r.command))
			}

		case rxPayload:
			toRead := r.remaining - len(r.payload)
			if toRead > len(r.pending) {
				toRead = len(r.pending)
			}
			r.payload = append(r.payload, r.pending[:toRead]...)
			r.pending = r.pending[toRead:]

			if len(r.payload) < r.remaining {
				return nil, ErrIncomplete
			}

			p := &model.Packet{
				Command:         r.command & 0xF0,
				Flags:           r.command & 0x0F,
				RemainingLength: uint32(r.remaining),
				Payload:         r.payload,
			}
			r.payload = nil
			r.rxState = rxCommand
			return p, nil
		}
	}
}

// Reset drops any partially read packet and buffered bytes.
func (r *Reader) Reset() {
	r.pending, r.payload = r.pending[:0], nil
	r.rxState = rxCommand
}
