package domain

import (
	"errors"
	"fmt"
)

// Kind is the closed error taxonomy every component boundary speaks.
// The HTTP layer owns the status mapping; everything below it only
// classifies.
type Kind string

const (
	KindBadRequest       Kind = "bad_request"
	KindAuthFailed       Kind = "auth_failed"
	KindRateLimited      Kind = "rate_limited"
	KindPlanQuota        Kind = "plan_quota_exceeded"
	KindWeeklyTradeLimit Kind = "weekly_trade_limit_reached"
	KindWeeklyLossLimit  Kind = "weekly_loss_limit_reached"
	KindMLBlocked        Kind = "ml_blocked"
	KindNotConfigured    Kind = "not_configured"
	KindUnsupportedVenue Kind = "unsupported_venue"
	KindCredentialBad    Kind = "credential_malformed"
	KindAlreadyOpen      Kind = "already_open"
	KindInsufficientFund Kind = "insufficient_funds"
	KindMarketClosed     Kind = "market_closed"
	KindUnknownSymbol    Kind = "unknown_symbol"
	KindTooSmall         Kind = "too_small"
	KindTransient        Kind = "transient"
	KindUnavailable      Kind = "unavailable"
	KindClient           Kind = "client"
)

// Error carries a Kind plus optional structured fields for the response
// payload (limit type, current value, reset time).
type Error struct {
	Kind   Kind
	Msg    string
	Fields map[string]any
	err    error
}

func (e *Error) Error() string {
	if e.err != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.err)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.err)
	}
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.err }

// WithField attaches a structured payload field and returns e.
func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any, 4)
	}
	e.Fields[key] = value
	return e
}

// E builds a classified error.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. The cause stays reachable through
// errors.Unwrap.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), err: err}
}

// KindOf walks the chain for a classified error. Unclassified errors
// report KindClient, the adapter-local logic bucket.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindClient
}

// IsKind reports whether err classifies as k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// FieldsOf returns the structured payload of a classified error, nil
// otherwise.
func FieldsOf(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Fields
	}
	return nil
}
