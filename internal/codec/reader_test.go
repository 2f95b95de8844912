package codec

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/RoanBrand/mockbroker/internal/model"
	"github.com/pkg/errors"
)

func drain(t *testing.T, r *Reader) []*model.Packet {
	t.Helper()
	var ps []*model.Packet
	for {
		p, err := r.DecodeNext()
		if err == ErrIncomplete {
			return ps
		}
		if err != nil {
			t.Fatal(err)
		}
		ps = append(ps, p)
	}
}

func TestReaderFragmented(t *testing.T) {
	t.Parallel()

	pub, err := Publish(&model.Message{Mid: 3, Topic: "t", Payload: []byte("payload"), QoS: 1})
	if err != nil {
		t.Fatal(err)
	}
	sub := []byte{model.SUBSCRIBE | 2, 6, 0, 4, 0, 1, 'x', 1}

	stream := append([]byte{model.PINGREQ, 0}, pub...)
	stream = append(stream, sub...)

	// one byte at a time
	var r Reader
	var got []*model.Packet
	for _, b := range stream {
		r.Feed([]byte{b})
		got = append(got, drain(t, &r)...)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 packets, got %d", len(got))
	}
	if got[0].Command != model.PINGREQ || got[0].RemainingLength != 0 {
		t.Fatalf("bad PINGREQ %+v", got[0])
	}
	if got[1].Command != model.PUBLISH || got[1].Flags != 0x02 || !bytes.Equal(got[1].Payload, pub[2:]) {
		t.Fatalf("bad PUBLISH %+v", got[1])
	}
	if got[2].Command != model.SUBSCRIBE || got[2].Flags != 2 || got[2].RemainingLength != 6 {
		t.Fatalf("bad SUBSCRIBE %+v", got[2])
	}

	// all at once
	r.Feed(stream)
	if n := len(drain(t, &r)); n != 3 {
		t.Fatalf("expected 3 packets, got %d", n)
	}
}

func TestReaderLargePacket(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("0123456789"), 30000)
	pub, err := Publish(&model.Message{Topic: "big", Payload: payload})
	if err != nil {
		t.Fatal(err)
	}

	var r Reader
	var got []*model.Packet
	for len(pub) > 0 {
		n := 1000
		if n > len(pub) {
			n = len(pub)
		}
		r.Feed(pub[:n])
		pub = pub[n:]
		got = append(got, drain(t, &r)...)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 packet, got %d", len(got))
	}
	m, err := DecodePublish(got[0])
	if err != nil {
		t.Fatal(err)
	}
	if m.Topic != "big" || !bytes.Equal(m.Payload, payload) {
		t.Fatal("payload mismatch")
	}
}

func TestReaderBadLength(t *testing.T) {
	t.Parallel()

	var r Reader
	r.Feed([]byte{model.PUBLISH, 0xFF, 0xFF, 0xFF, 0xFF, 0x01})
	if _, err := r.DecodeNext(); !errors.Is(err, ErrRemainingLength) {
		t.Fatalf("expected ErrRemainingLength, got %v", err)
	}
}

func TestReaderFill(t *testing.T) {
	t.Parallel()

	var r Reader
	buf := make([]byte, 16)
	src := bytes.NewReader([]byte{model.PINGREQ, 0})

	if err := r.Fill(src, buf); err != nil {
		t.Fatal(err)
	}
	if p, err := r.DecodeNext(); err != nil || p.Command != model.PINGREQ {
		t.Fatalf("expected PINGREQ, got %v %v", p, err)
	}
	if err := r.Fill(src, buf); err != ErrConnClosed {
		t.Fatalf("expected ErrConnClosed, got %v", err)
	}

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	c1.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
	if err := r.Fill(c1, buf); err != ErrIncomplete {
		t.Fatalf("expected ErrIncomplete on timeout, got %v", err)
	}
}
