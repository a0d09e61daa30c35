// Package observability provides logging, metrics, and tracing.
package observability

import (
	"context"
	"log/slog"
	"os"
)

var (
	base *slog.Logger
	// sessionEvents is off under the stress profile.
	sessionEvents bool
)

func init() {
	level := slog.LevelInfo
	if os.Getenv("APP_ENV") == "test" {
		level = slog.LevelWarn
	}
	base = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	sessionEvents = os.Getenv("APP_ENV") != "stress"
}

// EngineLogger logs realtime engine events under a fixed component name.
type EngineLogger struct {
	l *slog.Logger
}

// NewEngineLogger returns a logger tagged with component.
func NewEngineLogger(component string) *EngineLogger {
	return &EngineLogger{l: base.With(slog.String("component", component))}
}

// SessionOpened records a new live session. first is set when it is the
// user's only session.
func (e *EngineLogger) SessionOpened(ctx context.Context, userID, sessionID string, first bool) {
	if !sessionEvents {
		return
	}
	e.l.InfoContext(ctx, "session opened",
		slog.String("user_id", userID),
		slog.String("session_id", sessionID),
		slog.Bool("first", first),
	)
}

// SessionClosed records a removed session. last is set when the user has no
// sessions left.
func (e *EngineLogger) SessionClosed(ctx context.Context, userID, sessionID string, last bool) {
	if !sessionEvents {
		return
	}
	e.l.InfoContext(ctx, "session closed",
		slog.String("user_id", userID),
		slog.String("session_id", sessionID),
		slog.Bool("last", last),
	)
}

// RouteFailed records an event that could not be routed to any recipient.
func (e *EngineLogger) RouteFailed(ctx context.Context, envelope, chatID, userID string, err error) {
	e.l.ErrorContext(ctx, "event not routed",
		slog.String("envelope", envelope),
		slog.String("chat_id", chatID),
		slog.String("user_id", userID),
		slog.String("error", err.Error()),
	)
}

// Event logs a component lifecycle change such as a relay starting or a shutdown.
func (e *EngineLogger) Event(ctx context.Context, name string, attrs ...slog.Attr) {
	e.l.LogAttrs(ctx, slog.LevelInfo, name, attrs...)
}
