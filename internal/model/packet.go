package model

// Control Packets
const (
	CONNECT     = 1 << 4
	CONNACK     = 2 << 4
	PUBLISH     = 3 << 4
	PUBACK      = 4 << 4
	PUBREC      = 5 << 4
	PUBREL      = 6 << 4
	PUBCOMP     = 7 << 4
	SUBSCRIBE   = 8 << 4
	SUBACK      = 9 << 4
	UNSUBSCRIBE = 10 << 4
	UNSUBACK    = 11 << 4
	PINGREQ     = 12 << 4
	PINGRESP    = 13 << 4
	DISCONNECT  = 14 << 4

	PUBRELSend = PUBREL | 2
)

// PUBLISH fixed header flags
const (
	PublishDup    = 0x08
	PublishQoS    = 0x06
	PublishRetain = 0x01
)

// CONNECT flags
const (
	UsernameFlag     = 0x80
	PasswordFlag     = 0x40
	WillRetainFlag   = 0x20
	WillQoSFlag      = 0x18
	WillFlag         = 0x04
	CleanSessionFlag = 0x02
	reservedFlag     = 0x01
)

// CONNACK return codes
const (
	ConnackAccepted                   = 0
	ConnackRefusedProtocolVersion     = 1
	ConnackRefusedIdentifierRejected  = 2
	ConnackRefusedServerUnavailable   = 3
	ConnackRefusedBadUsernamePassword = 4
	ConnackRefusedNotAuthorized       = 5
)

// Protocol levels
const (
	MQTTv31  = 3
	MQTTv311 = 4

	ProtocolNameV31  = "MQIsdp"
	ProtocolNameV311 = "MQTT"
)

// SUBACK failure return code.
const SubackFailure = 0x80

// Packet is one complete control packet as read off the wire.
type Packet struct {
	Command         uint8 // upper nibble of the fixed header
	Flags           uint8 // lower nibble
	RemainingLength uint32
	Payload         []byte
}

// PacketName returns the control packet name for a fixed header byte.
func PacketName(command uint8) string {
	switch command & 0xF0 {
	case CONNECT:
		return "CONNECT"
	case CONNACK:
		return "CONNACK"
	case PUBLISH:
		return "PUBLISH"
	case PUBACK:
		return "PUBACK"
	case PUBREC:
		return "PUBREC"
	case PUBREL:
		return "PUBREL"
	case PUBCOMP:
		return "PUBCOMP"
	case SUBSCRIBE:
		return "SUBSCRIBE"
	case SUBACK:
		return "SUBACK"
	case UNSUBSCRIBE:
		return "UNSUBSCRIBE"
	case UNSUBACK:
		return "UNSUBACK"
	case PINGREQ:
		return "PINGREQ"
	case PINGRESP:
		return "PINGRESP"
	case DISCONNECT:
		return "DISCONNECT"
	}
	return "UNKNOWN"
}

// ConnectOptions holds the decoded fields of a CONNECT packet.
type ConnectOptions struct {
	ProtocolName    string
	ProtocolVersion uint8
	ConnectFlags    uint8
	KeepAlive       uint16 // seconds
	ClientID        string
	WillTopic       string
	WillMessage     []byte
	Username        string
	Password        []byte
}

func (o *ConnectOptions) CleanSession() bool {
	return o.ConnectFlags&CleanSessionFlag != 0
}

func (o *ConnectOptions) WillFlag() bool {
	return o.ConnectFlags&WillFlag != 0
}

func (o *ConnectOptions) WillQoS() uint8 {
	return (o.ConnectFlags & WillQoSFlag) >> 3
}

func (o *ConnectOptions) WillRetain() bool {
	return o.ConnectFlags&WillRetainFlag != 0
}

func (o *ConnectOptions) HasUsername() bool {
	return o.ConnectFlags&UsernameFlag != 0
}

func (o *ConnectOptions) HasPassword() bool {
	return o.ConnectFlags&PasswordFlag != 0
}

// ReservedFlagSet reports a set reserved bit, which v4[MQTT-3.1.2-3] forbids.
func (o *ConnectOptions) ReservedFlagSet() bool {
	return o.ConnectFlags&reservedFlag != 0
}

// TopicQoS is one entry of a SUBSCRIBE payload, or one granted entry of a SUBACK.
type TopicQoS struct {
	Topic string
	QoS   uint8
}
