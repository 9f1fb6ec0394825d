package logger

import "context"

type contextKey struct{}

var logContextKey = contextKey{}

// LogContext holds the per-session fields worth attaching to every log
// line emitted while handling one connection: its correlation ID, the
// authenticated principal (once known), the peer address, and whatever
// command is currently being dispatched.
type LogContext struct {
	SessionID  string
	Principal  string
	RemoteAddr string
	Command    string
}

const (
	KeySessionID  = "session_id"
	KeyPrincipal  = "principal"
	KeyRemoteAddr = "remote_addr"
	KeyCommand    = "command"
)

func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// WithPrincipal returns a copy of lc with Principal set, for use once the
// handshake has completed and the session gains an identity.
func (lc *LogContext) WithPrincipal(principal string) *LogContext {
	if lc == nil {
		return &LogContext{Principal: principal}
	}
	clone := *lc
	clone.Principal = principal
	return &clone
}

// WithCommand returns a copy of lc with Command set.
func (lc *LogContext) WithCommand(command string) *LogContext {
	if lc == nil {
		return &LogContext{Command: command}
	}
	clone := *lc
	clone.Command = command
	return &clone
}
