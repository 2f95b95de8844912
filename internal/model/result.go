package model

import "strconv"

// Result is the outcome code handed to OnClientDisconnect and used for
// broker operation failures.
type Result int

const (
	ResultAgain Result = iota - 1
	Success
	ErrNoMem
	ErrProtocol
	ErrInval
	ErrNoConn
	ErrConnRefused
	ErrNotFound
	ErrConnLost
	ErrTLS
	ErrPayloadSize
	ErrNotSupported
	ErrAuth
	ErrACLDenied
	ErrUnknown
	ErrErrno
)

var resultNames = [...]string{
	"success",
	"out of memory",
	"protocol error",
	"invalid argument",
	"no connection",
	"connection refused",
	"not found",
	"connection lost",
	"tls error",
	"payload too large",
	"not supported",
	"authentication failed",
	"access denied",
	"unknown error",
	"system error",
}

func (r Result) String() string {
	if r == ResultAgain {
		return "try again"
	}
	if r >= 0 && int(r) < len(resultNames) {
		return resultNames[r]
	}
	return "result(" + strconv.Itoa(int(r)) + ")"
}

// Error lets a Result be returned as an error.
func (r Result) Error() string {
	return r.String()
}

// LogLevel is the severity passed to the OnLog hook.
type LogLevel uint8

const (
	LogInfo    LogLevel = 0x01
	LogNotice  LogLevel = 0x02
	LogWarning LogLevel = 0x04
	LogErr     LogLevel = 0x08
	LogDebug   LogLevel = 0x10
)

func (l LogLevel) String() string {
	switch l {
	case LogInfo:
		return "info"
	case LogNotice:
		return "notice"
	case LogWarning:
		return "warning"
	case LogErr:
		return "error"
	case LogDebug:
		return "debug"
	}
	return "log_level(" + strconv.Itoa(int(l)) + ")"
}
