package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/notifycast/auth"
	"github.com/ggoodman/notifycast/directory"
	"github.com/ggoodman/notifycast/internal/logctx"
	"github.com/ggoodman/notifycast/notifier"
	"github.com/ggoodman/notifycast/notify"
	"github.com/ggoodman/notifycast/registry"
	"github.com/google/uuid"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	sessionIDHeader       = "X-Session-Id"
	sessionIDQuery        = "session_id"
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"

	DefaultStreamPath        = "/events"
	DefaultStatsPath         = "/admin/stats"
	DefaultKeepAliveInterval = 15 * time.Second
	DefaultLookupTimeout     = 2 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultAdminPermission   = "admin"
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before
// the event stream starts. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger          *slog.Logger
	realm           string
	streamPath      string
	statsPath       string
	keepAlive       time.Duration
	lookupTimeout   time.Duration
	writeTimeout    time.Duration
	adminPermission string
	now             func() time.Time
}

// WithLogger sets the slog logger used by the handler. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithRealm sets the HTTP authentication realm advertised in WWW-Authenticate
// challenges. If empty (default), the realm attribute is omitted.
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = strings.TrimSpace(realm) }
}

func WithStreamPath(p string) Option {
	return func(c *newConfig) { c.streamPath = p }
}

func WithStatsPath(p string) Option {
	return func(c *newConfig) { c.statsPath = p }
}

// WithKeepAliveInterval sets how often a keep-alive comment is written to
// every open stream.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(c *newConfig) { c.keepAlive = d }
}

// WithLookupTimeout bounds the directory lookup made at connect time.
func WithLookupTimeout(d time.Duration) Option {
	return func(c *newConfig) { c.lookupTimeout = d }
}

// WithWriteTimeout bounds each event or keep-alive write so a stalled client
// cannot pin its stream. Zero disables the deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *newConfig) { c.writeTimeout = d }
}

// WithAdminPermission names the permission required to read statistics.
func WithAdminPermission(p string) Option {
	return func(c *newConfig) { c.adminPermission = p }
}

func WithClock(now func() time.Time) Option {
	return func(c *newConfig) { c.now = now }
}

// Handler serves notification streams and the admin statistics endpoint.
type Handler struct {
	mux             *http.ServeMux
	log             *slog.Logger
	auth            auth.Authenticator
	dir             directory.Directory
	svc             *notifier.Service
	realm           string
	keepAlive       time.Duration
	lookupTimeout   time.Duration
	writeTimeout    time.Duration
	adminPermission string
	now             func() time.Time
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and avoids writing after ctx is canceled.
// When rc is set, every Write first pushes the connection's write deadline
// timeout into the future.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu      sync.Mutex
	ctx     context.Context
	rc      *http.ResponseController
	timeout time.Duration
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	if l.rc != nil && l.timeout > 0 {
		// ErrNotSupported only means the writer cannot time out.
		_ = l.rc.SetWriteDeadline(time.Now().Add(l.timeout))
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// New constructs a Handler.
//
// Required:
//   - svc: the notifier service that admits and releases connections
//   - dir: the session directory consulted at connect time
//   - authenticator: validates bearer tokens
func New(svc *notifier.Service, dir directory.Directory, authenticator auth.Authenticator, opts ...Option) (*Handler, error) {
	if svc == nil {
		return nil, fmt.Errorf("notifier service is required")
	}
	if dir == nil {
		return nil, fmt.Errorf("directory is required")
	}
	if authenticator == nil {
		return nil, fmt.Errorf("authenticator is required")
	}

	cfg := &newConfig{
		logger:          slog.Default(),
		streamPath:      DefaultStreamPath,
		statsPath:       DefaultStatsPath,
		keepAlive:       DefaultKeepAliveInterval,
		lookupTimeout:   DefaultLookupTimeout,
		writeTimeout:    DefaultWriteTimeout,
		adminPermission: DefaultAdminPermission,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.keepAlive <= 0 {
		return nil, fmt.Errorf("keep-alive interval must be positive")
	}
	if cfg.streamPath == cfg.statsPath {
		return nil, fmt.Errorf("stream and stats paths must differ")
	}

	h := &Handler{
		log:             logctx.Wrap(cfg.logger),
		auth:            authenticator,
		dir:             dir,
		svc:             svc,
		realm:           cfg.realm,
		keepAlive:       cfg.keepAlive,
		lookupTimeout:   cfg.lookupTimeout,
		writeTimeout:    cfg.writeTimeout,
		adminPermission: cfg.adminPermission,
		now:             cfg.now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("GET %s", pathOnly(cfg.streamPath)), h.handleStream)
	mux.HandleFunc(fmt.Sprintf("GET %s", pathOnly(cfg.statsPath)), h.handleStats)
	h.mux = mux
	return h, nil
}

func pathOnly(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "text/event-stream required")
		h.log.WarnContext(ctx, "http.get.unacceptable_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		return
	}

	sessionID := r.Header.Get(sessionIDHeader)
	if sessionID == "" {
		sessionID = r.URL.Query().Get(sessionIDQuery)
	}
	if sessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing session id")
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}

	ctx = logctx.WithConnData(ctx, &logctx.ConnData{SessionID: sessionID, UserID: userInfo.UserID()})

	if userInfo.SessionID() != sessionID {
		writeJSONError(w, http.StatusForbidden, "session does not match credential")
		h.log.WarnContext(ctx, "session.id.mismatch", slog.String("token_sid", userInfo.SessionID()))
		return
	}

	rec, ok := h.resolveSession(ctx, w, sessionID, userInfo.UserID())
	if !ok {
		return
	}
	ctx = logctx.WithConnData(ctx, &logctx.ConnData{SessionID: sessionID, UserID: rec.UserID, UnitID: rec.UnitID})

	conn, err := h.svc.Connect(ctx, notifier.ConnectRequest{
		SessionID: sessionID,
		UserID:    rec.UserID,
		Snapshot: registry.Snapshot{
			Permissions: rec.Permissions,
			UnitID:      rec.UnitID,
			Role:        rec.Role,
		},
		Meta: registry.Metadata{
			RemoteAddr: r.RemoteAddr,
			UserAgent:  r.UserAgent(),
		},
	})
	if err != nil {
		switch {
		case errors.Is(err, notify.ErrRateLimited):
			writeJSONError(w, http.StatusTooManyRequests, err.Error())
		case errors.Is(err, notify.ErrTooManyConnections):
			writeJSONError(w, http.StatusConflict, err.Error())
		default:
			writeJSONError(w, http.StatusInternalServerError, "internal error")
			h.log.ErrorContext(ctx, "session.connect.fail", slog.String("err", err.Error()))
			return
		}
		h.log.InfoContext(ctx, "session.connect.rejected", slog.String("err", err.Error()))
		return
	}
	defer h.svc.Disconnect(conn)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx, rc: http.NewResponseController(w), timeout: h.writeTimeout}

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start")

	err = h.pump(ctx, wf, conn)
	_ = wf.rc.SetWriteDeadline(time.Time{})
	switch {
	case errors.Is(err, notify.ErrConnectionClosed):
		h.log.InfoContext(ctx, "sse.stream.closed", slog.String("reason", conn.CloseReason()))
	case errors.Is(err, context.Canceled):
		h.log.InfoContext(ctx, "sse.stream.done")
	case err != nil:
		h.log.WarnContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
	}

	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

// pump forwards queued messages to the client and interleaves keep-alive
// comments until the connection closes, ctx ends or a write fails. Writes
// happen only on the calling goroutine.
func (h *Handler) pump(ctx context.Context, wf *lockedWriteFlusher, conn *registry.Connection) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	items := make(chan *notify.Message)
	done := make(chan error, 1)
	go func() {
		for {
			msg, err := conn.Next(ctx)
			if err != nil {
				done <- err
				return
			}
			select {
			case items <- msg:
			case <-ctx.Done():
				done <- ctx.Err()
				return
			}
		}
	}()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case msg := <-items:
			if err := writeSSEEvent(wf, msg); err != nil {
				if errors.Is(err, notify.ErrSerialization) {
					h.log.WarnContext(ctx, "sse.message.skip",
						slog.String("id", msg.ID),
						slog.String("err", err.Error()))
					continue
				}
				return err
			}
			conn.Touch()
			h.log.DebugContext(ctx, "sse.message.deliver", slog.String("id", msg.ID), slog.String("event", msg.Event.Name()))
		case <-ticker.C:
			if err := writeKeepAlive(wf); err != nil {
				return err
			}
			conn.Touch()
		case err := <-done:
			return err
		}
	}
}

// resolveSession looks the session up in the directory and writes the
// rejection itself when it may not stream.
func (h *Handler) resolveSession(ctx context.Context, w http.ResponseWriter, sessionID, userID string) (*directory.Record, bool) {
	lookupCtx := ctx
	if h.lookupTimeout > 0 {
		var cancel context.CancelFunc
		lookupCtx, cancel = context.WithTimeout(ctx, h.lookupTimeout)
		defer cancel()
	}

	rec, err := h.dir.Lookup(lookupCtx, sessionID)
	if err != nil {
		if errors.Is(err, notify.ErrSessionNotFound) {
			writeJSONError(w, http.StatusUnauthorized, "unknown session")
			h.log.InfoContext(ctx, "session.lookup.miss")
			return nil, false
		}
		writeJSONError(w, http.StatusServiceUnavailable, "session directory unavailable")
		h.log.ErrorContext(ctx, "session.lookup.fail", slog.String("err", err.Error()))
		return nil, false
	}
	if reason := rec.Invalid(h.now()); reason != "" {
		writeJSONError(w, http.StatusUnauthorized, "session "+reason)
		h.log.InfoContext(ctx, "session.lookup.invalid", slog.String("reason", reason))
		return nil, false
	}
	if rec.UserID != userID {
		writeJSONError(w, http.StatusForbidden, "session does not belong to user")
		h.log.WarnContext(ctx, "session.user.mismatch", slog.String("session_user", rec.UserID))
		return nil, false
	}
	return rec, true
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		return
	}
	if !auth.HasPermission(userInfo, h.adminPermission) {
		c := auth.Challenge{Status: http.StatusForbidden, Error: "insufficient_scope", Scope: h.adminPermission}
		w.Header().Add(wwwAuthenticateHeader, c.Header(h.realm))
		writeJSONError(w, http.StatusForbidden, "admin permission required")
		h.log.InfoContext(ctx, "admin.stats.forbidden", slog.String("user_id", userInfo.UserID()))
		return
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(h.svc.Stats()); err != nil {
		h.log.WarnContext(ctx, "admin.stats.write.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) auth.UserInfo {
	authHeader := r.Header.Get(authorizationHeader)

	if authHeader == "" {
		h.log.InfoContext(ctx, "auth.check.missing", slog.String("err", "no authorization header"))
		h.challenge(w, auth.MissingCredentials())
		return nil
	}

	const bearerPrefix = "Bearer "
	if len(authHeader) <= len(bearerPrefix) || !strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		h.challenge(w, auth.InvalidRequest("malformed bearer authorization header"))
		return nil
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if tok == "" {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "empty bearer token"))
		h.challenge(w, auth.InvalidRequest("empty bearer token"))
		return nil
	}

	userInfo, err := h.auth.CheckAuthentication(ctx, tok)
	if err != nil {
		if c, ok := auth.ChallengeFor(err); ok {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			h.challenge(w, c)
			return nil
		}
		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return nil
	}

	return userInfo
}

func (h *Handler) challenge(w http.ResponseWriter, c auth.Challenge) {
	w.Header().Add(wwwAuthenticateHeader, c.Header(h.realm))
	msg := c.Description
	if msg == "" {
		msg = http.StatusText(c.Status)
	}
	writeJSONError(w, c.Status, msg)
}

// writeSSEEvent writes one message as a Server-Sent Event and flushes. The
// payload is compacted so it always fits on a single data line.
func writeSSEEvent(wf *lockedWriteFlusher, msg *notify.Message) error {
	var buf bytes.Buffer
	if msg.ID != "" {
		fmt.Fprintf(&buf, "id: %s\n", msg.ID)
	}
	fmt.Fprintf(&buf, "event: %s\n", msg.Event.Name())
	fmt.Fprintf(&buf, "retry: %d\n", msg.Priority.RetryHint().Milliseconds())
	buf.WriteString("data: ")
	if len(msg.Payload) == 0 {
		buf.WriteString("{}")
	} else if err := json.Compact(&buf, msg.Payload); err != nil {
		return fmt.Errorf("%w: compact payload: %v", notify.ErrSerialization, err)
	}
	buf.WriteString("\n\n")

	if _, err := wf.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write SSE event: %w", err)
	}
	wf.Flush()
	return nil
}

func writeKeepAlive(wf *lockedWriteFlusher) error {
	if _, err := wf.Write([]byte(": keep-alive\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE keep-alive: %w", err)
	}
	wf.Flush()
	return nil
}
