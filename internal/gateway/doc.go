// Package gateway orchestrates the vrme-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator of the vrme-gateway server.
// It owns the SQLite store, the optional Redis credential store, the auth
// gate, the rate limiter, the session registry and the request pipeline, and
// exposes them over HTTP and gRPC.
//
// # Request Flow
//
// Every control operation, on either transport, is wrapped into a
// pipeline.Request and executed by the standard pipeline:
//
//	transport -> AuthStage -> RateLimitStage -> session.Registry
//
// A rejected request never reaches the registry. Errors are classified by
// pipeline.Classify and rendered as HTTP statuses or gRPC codes.
//
// # HTTP API
//
//	POST   /api/sessions                          create a session
//	GET    /api/sessions/{id}                     session info (public)
//	POST   /api/sessions/{id}/join                join
//	POST   /api/sessions/{id}/leave               leave
//	DELETE /api/sessions/{id}                     destroy
//	POST   /api/sessions/{id}/broadcast           broadcast the request body
//	GET    /api/sessions/{id}/listen              subscribe (WebSocket or SSE)
//	DELETE /api/sessions/{id}/listeners/{lid}     unsubscribe
//	GET    /health, /health/ready                 liveness and readiness
//
// Errors are returned as:
//
//	{"error": "rate_limited", "message": "..."}
//
// with a Retry-After header on rate-limit rejections.
//
// # Listener Streams
//
// The listen endpoint upgrades to a WebSocket when asked and otherwise falls
// back to server-sent events. Both send JSON frames:
//
//	{"type": "subscribed", "listener_id": "..."}
//	{"type": "message", "seq": 7, "dropped": 2, "payload": "..."}
//	{"type": "closed", "reason": "session_closed"}
//
// A non-zero dropped count means updates were discarded for this listener and
// the client should resynchronize. WebSocket streams ping every
// listeners.heartbeat_interval; a connection that misses pongs for
// listeners.heartbeat_timeout is unsubscribed. Browsers that cannot set
// headers on the upgrade request may pass ?access_token=.
//
// # gRPC
//
// The vrme.v1.MeetingService is registered with a JSON codec; clients select
// it with grpc.CallContentSubtype("json"). The bearer credential travels in
// the "authorization" metadata key. Subscribe is server-streaming and sends
// the same frames as the WebSocket stream. Unary and stream interceptors run
// the same pipeline as HTTP; rate-limit rejections carry a retry-after
// trailer. Client wraps a connection with typed calls for Go callers.
//
// The HTTP listener also speaks cleartext HTTP/2 (h2c), so one connection
// can carry several SSE listeners.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return gw.Run(ctx)
//
// Run starts both servers, the idle-session reaper and the expired-token
// pruner, and blocks until ctx is cancelled. Shutdown tears down every
// session so open streams receive their closed frame before the servers
// drain.
package gateway
