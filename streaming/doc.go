// Package streaming serves notification streams over Server-Sent Events. It
// mounts as a standard net/http handler.
//
// A client opens GET {stream path} with Accept: text/event-stream, a bearer
// token and its session id (X-Session-Id header or session_id query). The
// token's session claim must name the same session. The session is then
// resolved in the directory and admitted to the registry; from then on every
// queued message is written as one event:
//
//	id: <message id>
//	event: <event name>
//	retry: <reconnect hint in ms>
//	data: <compact JSON payload>
//
// A ": keep-alive" comment is written on a fixed interval regardless of
// traffic. The stream ends when the client goes away, when the connection is
// removed from the registry (revocation, replacement, eviction, shutdown) or
// when a write fails.
//
// GET {stats path} returns the instance's live statistics as JSON to callers
// holding the admin permission.
//
// Construction
//
//	h, err := streaming.New(svc, dir, authenticator,
//	    streaming.WithLogger(log),
//	    streaming.WithKeepAliveInterval(15*time.Second),
//	)
package streaming
