package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with the request, connection and message groups
// attached to the context by the helpers below.
type Handler struct {
	slog.Handler
}

// Wrap returns a logger whose handler is h wrapped by Handler. A nil logger
// wraps slog.Default().
func Wrap(l *slog.Logger) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	if _, ok := l.Handler().(Handler); ok {
		return l
	}
	return slog.New(Handler{Handler: l.Handler()})
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if cd, ok := ctx.Value(connDataKey{}).(*ConnData); ok {
		r.AddAttrs(slog.Group("conn",
			slog.String("session_id", cd.SessionID),
			slog.String("user_id", cd.UserID),
			slog.String("unit_id", cd.UnitID),
		))
	}

	if md, ok := ctx.Value(msgDataKey{}).(*MessageData); ok {
		r.AddAttrs(slog.Group("message",
			slog.String("id", md.ID),
			slog.String("event", md.Event),
			slog.String("target", md.Target),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type connDataKey struct{}

// ConnData identifies the stream a log line belongs to.
type ConnData struct {
	SessionID string
	UserID    string
	UnitID    string
}

func WithConnData(ctx context.Context, data *ConnData) context.Context {
	return context.WithValue(ctx, connDataKey{}, data)
}

type msgDataKey struct{}

type MessageData struct {
	ID     string
	Event  string
	Target string
}

func WithMessageData(ctx context.Context, data *MessageData) context.Context {
	return context.WithValue(ctx, msgDataKey{}, data)
}
