package codec

import (
	"bytes"
	"testing"

	"github.com/RoanBrand/mockbroker/internal/model"
	"github.com/pkg/errors"
)

func str16(s string) []byte {
	p, _ := AppendStr16(nil, []byte(s))
	return p
}

func connectPayload(flags uint8, fields ...string) []byte {
	p := str16("MQTT")
	p = append(p, model.MQTTv311, flags, 0, 60)
	for _, f := range fields {
		p = append(p, str16(f)...)
	}
	return p
}

func TestDecodeConnect(t *testing.T) {
	t.Parallel()

	flags := uint8(model.UsernameFlag | model.PasswordFlag | model.WillRetainFlag | 0x08 | model.WillFlag | model.CleanSessionFlag)
	p := connectPayload(flags, "cid", "will/t", "bye", "user", "pass")

	o, err := DecodeConnect(p)
	if err != nil {
		t.Fatal(err)
	}
	if o.ProtocolName != "MQTT" || o.ProtocolVersion != model.MQTTv311 || o.KeepAlive != 60 {
		t.Fatalf("bad variable header: %+v", o)
	}
	if o.ClientID != "cid" || o.WillTopic != "will/t" || string(o.WillMessage) != "bye" {
		t.Fatalf("bad payload: %+v", o)
	}
	if o.Username != "user" || string(o.Password) != "pass" {
		t.Fatalf("bad credentials: %+v", o)
	}
	if !o.CleanSession() || !o.WillFlag() || o.WillQoS() != 1 || !o.WillRetain() || !o.HasUsername() || !o.HasPassword() {
		t.Fatalf("bad flag accessors for %x", o.ConnectFlags)
	}

	// every truncation must be rejected
	for i := 0; i < len(p); i++ {
		if _, err := DecodeConnect(p[:i]); !errors.Is(err, ErrMalformed) {
			t.Fatalf("truncated to %d bytes: expected ErrMalformed, got %v", i, err)
		}
	}
}

func TestDecodeConnectMinimal(t *testing.T) {
	t.Parallel()

	o, err := DecodeConnect(connectPayload(model.CleanSessionFlag, ""))
	if err != nil {
		t.Fatal(err)
	}
	if o.ClientID != "" || o.HasUsername() || o.WillFlag() || !o.CleanSession() {
		t.Fatalf("unexpected %+v", o)
	}
}

func TestDecodeConnectBadFlags(t *testing.T) {
	t.Parallel()

	for _, flags := range []uint8{
		0x01,                     // reserved
		model.WillQoSFlag | 0x04, // will QoS 3
		0x08,                     // will QoS without will flag
		model.PasswordFlag,       // password without username
	} {
		if _, err := DecodeConnect(connectPayload(flags, "cid", "t", "m", "p")); !errors.Is(err, ErrMalformed) {
			t.Fatalf("flags %x: expected ErrMalformed, got %v", flags, err)
		}
	}
}

func TestDecodePublish(t *testing.T) {
	t.Parallel()

	p := &model.Packet{
		Command: model.PUBLISH,
		Flags:   0x0B,
		Payload: []byte{0, 3, 'a', '/', 'b', 0x12, 0x34, 'h', 'i'},
	}
	m, err := DecodePublish(p)
	if err != nil {
		t.Fatal(err)
	}
	if m.Topic != "a/b" || m.Mid != 0x1234 || m.QoS != 1 || !m.Dup || !m.Retain || string(m.Payload) != "hi" {
		t.Fatalf("unexpected %+v", m)
	}

	p.Flags = 0
	if m, err = DecodePublish(p); err != nil {
		t.Fatal(err)
	}
	if m.Mid != 0 || !bytes.Equal(m.Payload, []byte{0x12, 0x34, 'h', 'i'}) {
		t.Fatalf("QoS 0 has no packet identifier: %+v", m)
	}

	p.Flags = model.PublishQoS
	if _, err = DecodePublish(p); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for QoS 3, got %v", err)
	}

	p.Flags, p.Payload = 0, []byte{0, 3, 'a', '/', '+'}
	if _, err = DecodePublish(p); !errors.Is(err, ErrContainsWildCards) {
		t.Fatalf("expected ErrContainsWildCards, got %v", err)
	}

	p.Payload = []byte{0, 0, 'x'}
	if _, err = DecodePublish(p); !errors.Is(err, ErrEmptyTopic) {
		t.Fatalf("expected ErrEmptyTopic, got %v", err)
	}
}

func TestDecodeSubscribe(t *testing.T) {
	t.Parallel()

	p := []byte{0, 10}
	p = append(p, str16("a/b")...)
	p = append(p, 1)
	p = append(p, str16("#")...)
	p = append(p, 0)

	mid, topics, err := DecodeSubscribe(p)
	if err != nil {
		t.Fatal(err)
	}
	if mid != 10 || len(topics) != 2 {
		t.Fatalf("unexpected mid %d topics %v", mid, topics)
	}
	if topics[0] != (model.TopicQoS{Topic: "a/b", QoS: 1}) || topics[1] != (model.TopicQoS{Topic: "#", QoS: 0}) {
		t.Fatalf("unexpected topics %v", topics)
	}

	bad := append([]byte{0, 10}, str16("a")...)
	if _, _, err = DecodeSubscribe(append(bad, 3)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for QoS 3, got %v", err)
	}
	if _, _, err = DecodeSubscribe(bad); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for missing QoS, got %v", err)
	}
	if _, _, err = DecodeSubscribe([]byte{0, 10}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for empty SUBSCRIBE, got %v", err)
	}
}

func TestDecodeUnsubscribe(t *testing.T) {
	t.Parallel()

	p := []byte{1, 0}
	p = append(p, str16("a/b")...)
	p = append(p, str16("c/#")...)

	mid, topics, err := DecodeUnsubscribe(p)
	if err != nil {
		t.Fatal(err)
	}
	if mid != 256 || len(topics) != 2 || topics[0] != "a/b" || topics[1] != "c/#" {
		t.Fatalf("unexpected mid %d topics %v", mid, topics)
	}

	if _, _, err = DecodeUnsubscribe([]byte{1, 0}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestUTF8(t *testing.T) {
	t.Parallel()

	if err := CheckUTF8([]byte("a/b/ü"), true); err != nil {
		t.Fatal(err)
	}
	if err := CheckUTF8([]byte("a/#"), false); err != nil {
		t.Fatal(err)
	}
	if err := CheckUTF8([]byte("a/#"), true); err != ErrContainsWildCards {
		t.Fatal("expected ErrContainsWildCards")
	}
	if err := CheckUTF8([]byte{'a', 0}, false); err != ErrInvalidUTF {
		t.Fatal("expected ErrInvalidUTF for null char")
	}
	if err := CheckUTF8([]byte{'a', 0xC3}, false); err != ErrInvalidUTF {
		t.Fatal("expected ErrInvalidUTF for cut sequence")
	}

	if err := ValidatePublishTopic(""); err != ErrEmptyTopic {
		t.Fatal("expected ErrEmptyTopic")
	}
	if err := ValidatePublishTopic("a/+/b"); err != ErrContainsWildCards {
		t.Fatal("expected ErrContainsWildCards")
	}
}

func TestIsMalformed(t *testing.T) {
	if _, err := DecodeMid([]byte{1}); !IsMalformed(err) {
		t.Fatalf("short ack not malformed: %v", err)
	}
	if _, _, err := DecodeRemainingLength([]byte{0xFF, 0xFF, 0xFF, 0xFF}); !IsMalformed(err) {
		t.Fatalf("5 byte length not malformed: %v", err)
	}
	if IsMalformed(ErrConnClosed) || IsMalformed(nil) {
		t.Fatal("transport errors are not malformed packets")
	}
}
