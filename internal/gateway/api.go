// ABOUTME: HTTP API handlers for meeting session control operations
// ABOUTME: Every handler runs through the auth and rate-limit pipeline before touching the registry

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/vrme/vrme-gateway/internal/pipeline"
)

// maxBroadcastBytes bounds a single broadcast payload.
const maxBroadcastBytes = 1 << 20

// defaultContentType is used when a broadcast carries no Content-Type.
const defaultContentType = "application/octet-stream"

// BroadcastResponse is the JSON response for POST /api/sessions/{id}/broadcast.
type BroadcastResponse struct {
	Seq uint64 `json:"seq"`
}

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// registerHTTPAPIRoutes registers the session API on mux.
func (g *Gateway) registerHTTPAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sessions", g.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", g.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", g.handleDestroySession)
	mux.HandleFunc("POST /api/sessions/{id}/join", g.handleJoinSession)
	mux.HandleFunc("POST /api/sessions/{id}/leave", g.handleLeaveSession)
	mux.HandleFunc("POST /api/sessions/{id}/broadcast", g.handleBroadcast)
	mux.HandleFunc("GET /api/sessions/{id}/listen", g.handleListen)
	mux.HandleFunc("DELETE /api/sessions/{id}/listeners/{listener}", g.handleUnsubscribe)
}

// newRequest builds the pipeline envelope for an HTTP request.
func newRequest(r *http.Request, route pipeline.Route) *pipeline.Request {
	return &pipeline.Request{
		Route:         route,
		Authorization: r.Header.Get("Authorization"),
		RemoteIP:      remoteIP(r),
	}
}

// remoteIP returns the client address without its port.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// parseUUID reads a UUID path parameter.
func parseUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid %s", pipeline.ErrBadRequest, name)
	}
	return id, nil
}

// serve runs op through the pipeline and writes the error response if it fails.
func (g *Gateway) serve(w http.ResponseWriter, r *http.Request, route pipeline.Route, op pipeline.Operation) {
	if err := g.pipeline.Execute(r.Context(), newRequest(r, route), op); err != nil {
		g.sendJSONError(w, err)
	}
}

func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	g.serve(w, r, pipeline.RouteCreateSession, func(ctx context.Context, req *pipeline.Request) error {
		s, err := g.registry.Create(req.Identity)
		if err != nil {
			return err
		}
		g.writeJSON(w, http.StatusCreated, s.Info())
		return nil
	})
}

func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	g.serve(w, r, pipeline.RouteGetSession, func(ctx context.Context, req *pipeline.Request) error {
		id, err := parseUUID(r, "id")
		if err != nil {
			return err
		}
		info, err := g.registry.Info(id)
		if err != nil {
			return err
		}
		g.writeJSON(w, http.StatusOK, info)
		return nil
	})
}

func (g *Gateway) handleJoinSession(w http.ResponseWriter, r *http.Request) {
	g.serve(w, r, pipeline.RouteJoinSession, func(ctx context.Context, req *pipeline.Request) error {
		id, err := parseUUID(r, "id")
		if err != nil {
			return err
		}
		if err := g.registry.Join(id, req.Identity); err != nil {
			return err
		}
		info, err := g.registry.Info(id)
		if err != nil {
			return err
		}
		g.writeJSON(w, http.StatusOK, info)
		return nil
	})
}

func (g *Gateway) handleLeaveSession(w http.ResponseWriter, r *http.Request) {
	g.serve(w, r, pipeline.RouteLeaveSession, func(ctx context.Context, req *pipeline.Request) error {
		id, err := parseUUID(r, "id")
		if err != nil {
			return err
		}
		if err := g.registry.Leave(id, req.Identity); err != nil {
			return err
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	})
}

func (g *Gateway) handleDestroySession(w http.ResponseWriter, r *http.Request) {
	g.serve(w, r, pipeline.RouteDestroySession, func(ctx context.Context, req *pipeline.Request) error {
		id, err := parseUUID(r, "id")
		if err != nil {
			return err
		}
		if err := g.registry.Destroy(id, req.Identity); err != nil {
			return err
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	})
}

func (g *Gateway) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	g.serve(w, r, pipeline.RouteBroadcast, func(ctx context.Context, req *pipeline.Request) error {
		id, err := parseUUID(r, "id")
		if err != nil {
			return err
		}
		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBroadcastBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return fmt.Errorf("%w: payload exceeds %d bytes", pipeline.ErrBadRequest, maxBroadcastBytes)
			}
			return fmt.Errorf("%w: reading body: %v", pipeline.ErrBadRequest, err)
		}
		contentType := r.Header.Get("Content-Type")
		if contentType == "" {
			contentType = defaultContentType
		}
		seq, err := g.registry.Broadcast(id, req.Identity, contentType, payload)
		if err != nil {
			return err
		}
		g.writeJSON(w, http.StatusAccepted, BroadcastResponse{Seq: seq})
		return nil
	})
}

func (g *Gateway) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	g.serve(w, r, pipeline.RouteUnsubscribe, func(ctx context.Context, req *pipeline.Request) error {
		id, err := parseUUID(r, "id")
		if err != nil {
			return err
		}
		listenerID, err := parseUUID(r, "listener")
		if err != nil {
			return err
		}
		if err := g.registry.Unsubscribe(id, req.Identity, listenerID); err != nil {
			return err
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	})
}

// writeJSON writes v as a JSON response with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes the error response for err, including Retry-After
// on rate-limit rejections.
func (g *Gateway) sendJSONError(w http.ResponseWriter, err error) {
	kind := pipeline.Classify(err)
	if kind == pipeline.KindInternal && !errors.Is(err, context.Canceled) {
		g.logger.Error("request failed", "error", err)
	}
	if retry, ok := pipeline.RetryAfter(err); ok {
		w.Header().Set("Retry-After", retryAfterSeconds(retry.Seconds()))
	}
	g.writeJSON(w, kind.HTTPStatus(), ErrorResponse{
		Error:   string(kind),
		Message: pipeline.Message(err),
	})
}

// retryAfterSeconds rounds up to whole seconds, never below one.
func retryAfterSeconds(seconds float64) string {
	return strconv.Itoa(max(1, int(math.Ceil(seconds))))
}

// accessToken returns the bearer header, falling back to the access_token
// query parameter for clients that cannot set headers on upgrade requests.
func accessToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return h
	}
	if tok := strings.TrimSpace(r.URL.Query().Get("access_token")); tok != "" {
		return "Bearer " + tok
	}
	return ""
}
