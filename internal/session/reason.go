package session

import (
	"go.uber.org/zap"

	"github.com/sirupsen/logrus"
)

// ReasonKind enumerates the terminal reasons a Session can close for,
// matching the error kinds spec.md §7 defines.
type ReasonKind int

const (
	ReasonNone ReasonKind = iota
	ReasonBadHandshake
	ReasonUnauthorized
	ReasonUnsupportedCommand
	ReasonDialFailed
	ReasonUpstreamClosed
	ReasonClientClosed
	ReasonIdleTimeout
	ReasonInternalError
)

func (k ReasonKind) String() string {
	switch k {
	case ReasonBadHandshake:
		return "BadHandshake"
	case ReasonUnauthorized:
		return "Unauthorized"
	case ReasonUnsupportedCommand:
		return "UnsupportedCommand"
	case ReasonDialFailed:
		return "DialFailed"
	case ReasonUpstreamClosed:
		return "UpstreamClosed"
	case ReasonClientClosed:
		return "ClientClosed"
	case ReasonIdleTimeout:
		return "IdleTimeout"
	case ReasonInternalError:
		return "InternalError"
	default:
		return "None"
	}
}

// CloseReason is the terminal outcome of a Session, logged exactly once
// at the Closing->Closed transition. Errors never cross the Session
// boundary; this is the one place a reason is surfaced, to the log.
type CloseReason struct {
	Kind ReasonKind
	Err  error
}

// ZapFields renders the reason for a zap logger, mirroring the way the
// relay's teacher codebase exposes both zap and logrus views of the
// same terminal state.
func (r CloseReason) ZapFields() []zap.Field {
	fields := []zap.Field{zap.String("reason", r.Kind.String())}
	if r.Err != nil {
		fields = append(fields, zap.Error(r.Err))
	}
	return fields
}

// LogrusFields renders the reason for a logrus logger.
func (r CloseReason) LogrusFields() logrus.Fields {
	fields := logrus.Fields{"reason": r.Kind.String()}
	if r.Err != nil {
		fields["error"] = r.Err.Error()
	}
	return fields
}
