// Package audit writes security-relevant bucket events as structured
// log entries with an event_type field for filtering.
package audit

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Results recorded on events.
const (
	Allowed = "allowed"
	Denied  = "denied"
)

// Logger provides structured audit logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates an audit logger writing to logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Str("component", "audit").Logger()}
}

// Default returns an audit logger on the global zerolog logger.
func Default() *Logger {
	return NewLogger(log.Logger)
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

func level(result string) zerolog.Level {
	if result == Denied {
		return zerolog.WarnLevel
	}
	return zerolog.InfoLevel
}

// LogAuthz logs an access decision. id and reason may be empty.
func (l *Logger) LogAuthz(caller, op, resource, id, result, reason string) {
	event := l.logger.WithLevel(level(result)).
		Str("event_type", "authz").
		Str("caller", caller).
		Str("op", op).
		Str("resource", resource).
		Str("result", result)

	if id != "" {
		event = event.Str("id", id)
	}
	if reason != "" {
		event = event.Str("reason", reason)
	}
	event.Msg("Authorization event")
}

// LogToken logs a token that failed verification.
func (l *Logger) LogToken(caller, op, resource string, err error) {
	l.logger.Warn().
		Str("event_type", "token").
		Str("caller", caller).
		Str("op", op).
		Str("resource", resource).
		Str("result", Denied).
		Err(err).
		Msg("Token rejected")
}

// LogAdmin logs an administrative call on the bucket.
func (l *Logger) LogAdmin(adminID, action, result, details string) {
	event := l.logger.WithLevel(level(result)).
		Str("event_type", "admin").
		Str("admin_id", adminID).
		Str("action", action).
		Str("result", result)

	if details != "" {
		event = event.Str("details", details)
	}
	event.Msg("Admin event")
}

// LogRoleChange logs the role sets after an admin changed them.
func (l *Logger) LogRoleChange(adminID, action string, managers, auditors []string) {
	l.logger.Info().
		Str("event_type", "role_binding").
		Str("admin_id", adminID).
		Str("action", action).
		Strs("managers", managers).
		Strs("auditors", auditors).
		Msg("Role binding event")
}
