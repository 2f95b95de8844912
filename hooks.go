package mockbroker

import (
	"fmt"
	"sort"
	"strings"

	"github.com/RoanBrand/mockbroker/internal/codec"
	"github.com/RoanBrand/mockbroker/internal/model"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type (
	Message        = model.Message
	MessageState   = model.MessageState
	ConnectOptions = model.ConnectOptions
	TopicQoS       = model.TopicQoS
	Result         = model.Result
	LogLevel       = model.LogLevel
	ConnState      = model.ConnState
)

// Results. Each is also usable as an error.
const (
	Success         = model.Success
	ErrNoMem        = model.ErrNoMem
	ErrProtocol     = model.ErrProtocol
	ErrInval        = model.ErrInval
	ErrNoConn       = model.ErrNoConn
	ErrConnRefused  = model.ErrConnRefused
	ErrNotFound     = model.ErrNotFound
	ErrConnLost     = model.ErrConnLost
	ErrTLS          = model.ErrTLS
	ErrPayloadSize  = model.ErrPayloadSize
	ErrNotSupported = model.ErrNotSupported
	ErrAuth         = model.ErrAuth
	ErrACLDenied    = model.ErrACLDenied
	ErrUnknown      = model.ErrUnknown
	ErrErrno        = model.ErrErrno
)

// CONNACK return codes.
const (
	ConnackAccepted                   = model.ConnackAccepted
	ConnackRefusedProtocolVersion     = model.ConnackRefusedProtocolVersion
	ConnackRefusedIdentifierRejected  = model.ConnackRefusedIdentifierRejected
	ConnackRefusedServerUnavailable   = model.ConnackRefusedServerUnavailable
	ConnackRefusedBadUsernamePassword = model.ConnackRefusedBadUsernamePassword
	ConnackRefusedNotAuthorized       = model.ConnackRefusedNotAuthorized
)

const (
	LogInfo    = model.LogInfo
	LogNotice  = model.LogNotice
	LogWarning = model.LogWarning
	LogErr     = model.LogErr
	LogDebug   = model.LogDebug
)

// Hooks are the callbacks through which a test drives the broker. A nil hook
// falls back to the default noted on it. Hooks run one at a time, in packet
// arrival order. They may call any Broker method except LoopStop and Execute.
type Hooks struct {
	// OnClientConnect runs for every decoded CONNECT.
	// Default: CONNACK accepted.
	OnClientConnect func(b *Broker, userdata interface{}, opts *ConnectOptions)

	// OnClientDisconnect runs exactly once per connection when it is torn down.
	// rc is Success when the disconnect was requested by either side.
	OnClientDisconnect func(b *Broker, userdata interface{}, rc Result)

	// OnMessage runs for QoS 0 and 1 PUBLISH on arrival, and for QoS 2 on PUBREL,
	// unless a callback added with MessageCallbackAdd takes the message.
	// QoS 1 is not acknowledged unless the hook calls SendPuback or
	// auto_puback is configured.
	OnMessage func(b *Broker, userdata interface{}, m *Message)

	// OnClientSubscribe runs for every SUBSCRIBE.
	// Default: SUBACK granting the requested QoS.
	OnClientSubscribe func(b *Broker, userdata interface{}, mid uint16, topics []TopicQoS, dup bool)

	// OnClientUnsubscribe runs for every UNSUBSCRIBE.
	// Default: UNSUBACK.
	OnClientUnsubscribe func(b *Broker, userdata interface{}, mid uint16, topics []string)

	// OnPublish runs when an outgoing message is done: QoS 0 once written,
	// QoS 1 on PUBACK, QoS 2 on PUBCOMP.
	OnPublish func(b *Broker, userdata interface{}, mid uint16)

	// OnLog receives every log entry the broker emits at its configured level.
	// It is not serialised with the other hooks.
	OnLog func(b *Broker, userdata interface{}, level LogLevel, text string)
}

// callback runs f with the current hooks under the callback lock.
func (b *Broker) callback(f func(h *Hooks, userdata interface{})) {
	b.cbLock.Lock()
	defer b.cbLock.Unlock()

	b.hookLock.RLock()
	h, ud := b.hooks, b.userdata
	b.hookLock.RUnlock()

	f(&h, ud)
}

// MessageCallback handles incoming messages on topics matching a filter.
type MessageCallback func(b *Broker, userdata interface{}, m *Message)

type messageCallback struct {
	filter string
	fn     MessageCallback
}

// MessageCallbackAdd sends incoming messages whose topic matches filter to fn
// instead of OnMessage. A message matching several filters goes to each of
// them. Adding a filter again replaces its callback.
func (b *Broker) MessageCallbackAdd(filter string, fn MessageCallback) error {
	if fn == nil {
		return errors.Wrap(ErrInval, "nil message callback")
	}
	if err := codec.ValidateFilter(filter); err != nil {
		return errors.Wrapf(ErrInval, "filter %q: %v", filter, err)
	}

	b.hookLock.Lock()
	defer b.hookLock.Unlock()

	// copy on write, deliveries in progress keep their snapshot
	cbs := make([]messageCallback, 0, len(b.filtered)+1)
	replaced := false
	for _, cb := range b.filtered {
		if cb.filter == filter {
			cb.fn, replaced = fn, true
		}
		cbs = append(cbs, cb)
	}
	if !replaced {
		cbs = append(cbs, messageCallback{filter, fn})
	}
	b.filtered = cbs
	return nil
}

// MessageCallbackRemove drops the callback added for filter. It returns
// ErrNotFound if there is none.
func (b *Broker) MessageCallbackRemove(filter string) error {
	b.hookLock.Lock()
	defer b.hookLock.Unlock()

	for i, cb := range b.filtered {
		if cb.filter == filter {
			cbs := make([]messageCallback, 0, len(b.filtered)-1)
			cbs = append(cbs, b.filtered[:i]...)
			b.filtered = append(cbs, b.filtered[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// dispatchMessage hands m to the matching filtered callbacks, or to OnMessage if none match.
func (b *Broker) dispatchMessage(m *Message) {
	b.hookLock.RLock()
	filtered := b.filtered
	b.hookLock.RUnlock()

	b.callback(func(h *Hooks, ud interface{}) {
		matched := false
		for _, cb := range filtered {
			if codec.MatchTopic(cb.filter, m.Topic) {
				cb.fn(b, ud, m)
				matched = true
			}
		}
		if !matched && h.OnMessage != nil {
			h.OnMessage(b, ud, m)
		}
	})
}

// logHook forwards log entries to OnLog.
type logHook struct {
	b *Broker
}

func (l logHook) Levels() []log.Level {
	return log.AllLevels
}

func (l logHook) Fire(e *log.Entry) error {
	l.b.hookLock.RLock()
	f, ud := l.b.hooks.OnLog, l.b.userdata
	l.b.hookLock.RUnlock()

	if f != nil {
		f(l.b, ud, logLevel(e.Level), formatEntry(e))
	}
	return nil
}

func logLevel(l log.Level) LogLevel {
	switch l {
	case log.DebugLevel, log.TraceLevel:
		return LogDebug
	case log.InfoLevel:
		return LogInfo
	case log.WarnLevel:
		return LogWarning
	default:
		return LogErr
	}
}

func formatEntry(e *log.Entry) string {
	if len(e.Data) == 0 {
		return e.Message
	}

	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(e.Message)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, e.Data[k])
	}
	return sb.String()
}
