// ABOUTME: Listener streams over WebSocket (gorilla/websocket) with an SSE fallback
// ABOUTME: Converts session updates to JSON frames and runs ping/pong heartbeats

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vrme/vrme-gateway/internal/auth"
	"github.com/vrme/vrme-gateway/internal/pipeline"
	"github.com/vrme/vrme-gateway/internal/session"
)

// Frame types sent to listeners.
const (
	FrameSubscribed = "subscribed"
	FrameMessage    = "message"
	FrameClosed     = "closed"
)

// writeWait bounds every WebSocket write.
const writeWait = 10 * time.Second

// Frame is one item on a listener stream. The first frame is always
// FrameSubscribed and carries the listener ID used to unsubscribe.
type Frame struct {
	Type        string    `json:"type"`
	ListenerID  string    `json:"listener_id,omitempty"`
	Seq         uint64    `json:"seq,omitempty"`
	Dropped     uint64    `json:"dropped,omitempty"`
	From        string    `json:"from,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Payload     []byte    `json:"payload,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

func subscribedFrame(l *session.Listener) *Frame {
	return &Frame{
		Type:       FrameSubscribed,
		ListenerID: l.ID().String(),
		At:         l.SubscribedAt(),
	}
}

func frameFromUpdate(u session.Update) *Frame {
	f := &Frame{
		Seq:         u.Seq,
		Dropped:     u.Dropped,
		ContentType: u.ContentType,
		Payload:     u.Payload,
		Reason:      u.Reason,
		At:          u.At,
	}
	switch u.Kind {
	case session.UpdateClosed:
		f.Type = FrameClosed
	default:
		f.Type = FrameMessage
	}
	if u.From != uuid.Nil {
		f.From = u.From.String()
	}
	return f
}

// handleListen subscribes the caller and streams updates. WebSocket upgrade
// requests get a WebSocket stream; everything else gets server-sent events.
func (g *Gateway) handleListen(w http.ResponseWriter, r *http.Request) {
	req := newRequest(r, pipeline.RouteSubscribe)
	req.Authorization = accessToken(r)

	// Stream functions return an error only before anything is written.
	err := g.pipeline.Execute(r.Context(), req, func(ctx context.Context, req *pipeline.Request) error {
		id, err := parseUUID(r, "id")
		if err != nil {
			return err
		}
		if websocket.IsWebSocketUpgrade(r) {
			return g.streamWebSocket(ctx, w, r, id, req.Identity)
		}
		return g.streamSSE(ctx, w, id, req.Identity)
	})
	if err != nil {
		g.sendJSONError(w, err)
	}
}

// streamWebSocket upgrades the connection and pumps listener updates to it.
// A missed pong or a client close cancels the subscription.
func (g *Gateway) streamWebSocket(ctx context.Context, w http.ResponseWriter, r *http.Request, id uuid.UUID, identity auth.Identity) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	listener, err := g.registry.Subscribe(ctx, id, identity)
	if err != nil {
		return err
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied with an HTTP error.
		g.logger.Warn("websocket upgrade failed", "session_id", id.String(), "error", err)
		return nil
	}
	defer conn.Close()

	logger := g.logger.With("session_id", id.String(), "listener_id", listener.ID().String())
	logger.Debug("websocket listener connected")

	timeout := g.config.Listeners.HeartbeatTimeout
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	conn.SetReadLimit(512)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(timeout))
	})

	// Reader: clients send nothing but control frames, so any read error
	// (close, deadline, protocol) ends the subscription.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	go g.pingLoop(ctx, cancel, conn)

	if err := writeFrame(conn, subscribedFrame(listener)); err != nil {
		logger.Debug("websocket write failed", "error", err)
		return nil
	}

	for {
		u, err := listener.Next(ctx)
		if err != nil {
			logger.Debug("websocket listener disconnected", "error", err)
			return nil
		}
		if err := writeFrame(conn, frameFromUpdate(u)); err != nil {
			logger.Debug("websocket write failed", "error", err)
			return nil
		}
		if u.Kind == session.UpdateClosed {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, u.Reason),
				time.Now().Add(writeWait))
			return nil
		}
	}
}

// pingLoop sends a ping every heartbeat interval. WriteControl may run
// concurrently with the frame writer.
func (g *Gateway) pingLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	ticker := time.NewTicker(g.config.Listeners.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				cancel()
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, f *Frame) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(f)
}

// streamSSE streams listener updates as server-sent events. A comment line
// is written whenever the stream has been idle for a heartbeat interval.
func (g *Gateway) streamSSE(ctx context.Context, w http.ResponseWriter, id uuid.UUID, identity auth.Identity) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return errors.New("streaming not supported")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	listener, err := g.registry.Subscribe(ctx, id, identity)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	g.writeSSEEvent(w, FrameSubscribed, subscribedFrame(listener))
	flusher.Flush()

	interval := g.config.Listeners.HeartbeatInterval
	for {
		waitCtx, waitCancel := context.WithTimeout(ctx, interval)
		u, err := listener.Next(waitCtx)
		waitCancel()

		switch {
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
			continue
		case err != nil:
			return nil
		}

		f := frameFromUpdate(u)
		g.writeSSEEvent(w, f.Type, f)
		flusher.Flush()
		if u.Kind == session.UpdateClosed {
			return nil
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	_, _ = fmt.Fprintf(w, "event: %s\n", event)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}
