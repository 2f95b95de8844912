package model

import (
	"strconv"
	"time"
)

// MessageState tracks where a QoS message is in its acknowledgement handshake.
type MessageState uint8

const (
	StateInvalid MessageState = iota
	StatePublish
	StateWaitForPuback
	StateWaitForPubrec
	StateResendPubrel
	StateWaitForPubrel
	StateResendPubcomp
	StateWaitForPubcomp
	StateSendPubrec
	StateQueued
)

var stateNames = [...]string{
	"invalid",
	"publish",
	"wait_for_puback",
	"wait_for_pubrec",
	"resend_pubrel",
	"wait_for_pubrel",
	"resend_pubcomp",
	"wait_for_pubcomp",
	"send_pubrec",
	"queued",
}

func (s MessageState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Message is an application message travelling in either direction.
type Message struct {
	Mid       uint16
	Topic     string
	Payload   []byte
	QoS       uint8
	Retain    bool
	Dup       bool
	State     MessageState
	Timestamp time.Time // last transmission, zero if never sent on the current connection
}

// ConnState is the state of the single client connection.
type ConnState uint8

const (
	ConnNew ConnState = iota
	ConnConnected
	ConnDisconnecting
)

func (s ConnState) String() string {
	switch s {
	case ConnNew:
		return "new"
	case ConnConnected:
		return "connected"
	case ConnDisconnecting:
		return "disconnecting"
	}
	return "conn_state(" + strconv.Itoa(int(s)) + ")"
}
