package codec

import (
	"strings"

	"github.com/pkg/errors"
)

var ErrInvalidFilter = errors.New("invalid topic filter")

// ValidateFilter checks a subscription topic filter.
func ValidateFilter(filter string) error {
	if filter == "" {
		return ErrEmptyTopic
	}
	if len(filter) > MaxStr16Length {
		return ErrStringTooLong
	}
	if err := CheckUTF8([]byte(filter), false); err != nil {
		return err
	}

	levels := strings.Split(filter, "/")
	for i, l := range levels {
		if len(l) > 1 && strings.ContainsAny(l, "+#") { // [MQTT-4.7.1-2, 4.7.1-3]
			return ErrInvalidFilter
		}
		if l == "#" && i != len(levels)-1 {
			return ErrInvalidFilter
		}
	}
	return nil
}

// MatchTopic reports whether topic matches the subscription filter.
func MatchTopic(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if (filter[0] == '$') != (topic[0] == '$') { // [MQTT-4.7.2-1]
		return false
	}

	f, t := strings.Split(filter, "/"), strings.Split(topic, "/")
	for i, l := range f {
		switch {
		case l == "#":
			return true
		case i >= len(t):
			return false
		case l != "+" && l != t[i]:
			return false
		}
	}
	return len(f) == len(t)
}
