// ABOUTME: gRPC MeetingService exposing session operations with a JSON wire codec
// ABOUTME: Interceptors run every call through the same auth and rate-limit pipeline as HTTP

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/vrme/vrme-gateway/internal/auth"
	"github.com/vrme/vrme-gateway/internal/pipeline"
	"github.com/vrme/vrme-gateway/internal/session"
)

// MeetingServiceName is the fully qualified gRPC service name.
const MeetingServiceName = "vrme.v1.MeetingService"

// CodecName is the content subtype clients select to talk to MeetingService.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec marshals gRPC messages as JSON.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

// SessionRequest addresses a session by ID.
type SessionRequest struct {
	SessionID string `json:"session_id"`
}

// BroadcastRequest carries one payload for a session's listeners.
type BroadcastRequest struct {
	SessionID   string `json:"session_id"`
	ContentType string `json:"content_type,omitempty"`
	Payload     []byte `json:"payload"`
}

// UnsubscribeRequest removes one listener.
type UnsubscribeRequest struct {
	SessionID  string `json:"session_id"`
	ListenerID string `json:"listener_id"`
}

// Empty is the response of operations with no result.
type Empty struct{}

// MeetingServer is the server API for MeetingService.
type MeetingServer interface {
	CreateSession(context.Context, *Empty) (*session.Info, error)
	GetSession(context.Context, *SessionRequest) (*session.Info, error)
	JoinSession(context.Context, *SessionRequest) (*session.Info, error)
	LeaveSession(context.Context, *SessionRequest) (*Empty, error)
	DestroySession(context.Context, *SessionRequest) (*Empty, error)
	Broadcast(context.Context, *BroadcastRequest) (*BroadcastResponse, error)
	Unsubscribe(context.Context, *UnsubscribeRequest) (*Empty, error)
	Subscribe(*SessionRequest, grpc.ServerStream) error
}

// methodRoutes maps full method names to pipeline routes.
var methodRoutes = map[string]pipeline.Route{
	fullMethod("CreateSession"):  pipeline.RouteCreateSession,
	fullMethod("GetSession"):     pipeline.RouteGetSession,
	fullMethod("JoinSession"):    pipeline.RouteJoinSession,
	fullMethod("LeaveSession"):   pipeline.RouteLeaveSession,
	fullMethod("DestroySession"): pipeline.RouteDestroySession,
	fullMethod("Broadcast"):      pipeline.RouteBroadcast,
	fullMethod("Unsubscribe"):    pipeline.RouteUnsubscribe,
	fullMethod("Subscribe"):      pipeline.RouteSubscribe,
}

func fullMethod(name string) string {
	return "/" + MeetingServiceName + "/" + name
}

// unaryMethod builds a MethodDesc that decodes Req and dispatches to call.
func unaryMethod[Req any, Resp any](name string, call func(MeetingServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(MeetingServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(MeetingServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(SessionRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(MeetingServer).Subscribe(in, stream)
}

// MeetingServiceDesc describes MeetingService for grpc.Server.RegisterService.
var MeetingServiceDesc = grpc.ServiceDesc{
	ServiceName: MeetingServiceName,
	HandlerType: (*MeetingServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("CreateSession", MeetingServer.CreateSession),
		unaryMethod("GetSession", MeetingServer.GetSession),
		unaryMethod("JoinSession", MeetingServer.JoinSession),
		unaryMethod("LeaveSession", MeetingServer.LeaveSession),
		unaryMethod("DestroySession", MeetingServer.DestroySession),
		unaryMethod("Broadcast", MeetingServer.Broadcast),
		unaryMethod("Unsubscribe", MeetingServer.Unsubscribe),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "vrme/v1/meeting.proto",
}

func registerMeetingService(s *grpc.Server, srv MeetingServer) {
	s.RegisterService(&MeetingServiceDesc, srv)
}

// meetingService implements MeetingServer on top of the session registry.
// Handlers run after the interceptors admitted the call, so the identity is
// already in the context for authenticated routes.
type meetingService struct {
	gw     *Gateway
	logger *slog.Logger
}

func newMeetingService(gw *Gateway) *meetingService {
	return &meetingService{
		gw:     gw,
		logger: gw.logger.With("transport", "grpc"),
	}
}

// grpcRequest builds the pipeline envelope from incoming metadata and peer.
func grpcRequest(ctx context.Context, route pipeline.Route) *pipeline.Request {
	req := &pipeline.Request{Route: route}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get("authorization"); len(vals) > 0 {
			req.Authorization = vals[0]
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		addr := p.Addr.String()
		if host, _, err := net.SplitHostPort(addr); err == nil {
			addr = host
		}
		req.RemoteIP = addr
	}
	return req
}

// toStatus converts a pipeline or registry error into a gRPC status error.
func (m *meetingService) toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	kind := pipeline.Classify(err)
	if kind == pipeline.KindInternal {
		if st := status.FromContextError(err); st.Code() != codes.Unknown {
			return st.Err()
		}
		m.logger.Error("request failed", "error", err)
	}
	return status.Error(kind.GRPCCode(), pipeline.Message(err))
}

// retryTrailer returns the retry-after trailer for rate-limit rejections.
func retryTrailer(err error) (metadata.MD, bool) {
	retry, ok := pipeline.RetryAfter(err)
	if !ok {
		return nil, false
	}
	return metadata.Pairs("retry-after", retryAfterSeconds(retry.Seconds())), true
}

func (m *meetingService) unaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	route, ok := methodRoutes[info.FullMethod]
	if !ok {
		return handler(ctx, req)
	}

	var resp any
	err := m.gw.pipeline.Execute(ctx, grpcRequest(ctx, route), func(ctx context.Context, _ *pipeline.Request) error {
		var err error
		resp, err = handler(ctx, req)
		return err
	})
	if err != nil {
		if md, ok := retryTrailer(err); ok {
			_ = grpc.SetTrailer(ctx, md)
		}
		return nil, m.toStatus(err)
	}
	return resp, nil
}

// wrappedStream overrides the stream context with the admitted one.
type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context { return w.ctx }

func (m *meetingService) streamInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	route, ok := methodRoutes[info.FullMethod]
	if !ok {
		return handler(srv, ss)
	}

	err := m.gw.pipeline.Execute(ss.Context(), grpcRequest(ss.Context(), route), func(ctx context.Context, _ *pipeline.Request) error {
		return handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx})
	})
	if err != nil {
		if md, ok := retryTrailer(err); ok {
			ss.SetTrailer(md)
		}
		return m.toStatus(err)
	}
	return nil
}

func parseID(name, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid %s", pipeline.ErrBadRequest, name)
	}
	return id, nil
}

// CreateSession implements MeetingServer.
func (m *meetingService) CreateSession(ctx context.Context, _ *Empty) (*session.Info, error) {
	s, err := m.gw.registry.Create(auth.MustFromContext(ctx))
	if err != nil {
		return nil, err
	}
	info := s.Info()
	return &info, nil
}

// GetSession implements MeetingServer.
func (m *meetingService) GetSession(ctx context.Context, req *SessionRequest) (*session.Info, error) {
	id, err := parseID("session_id", req.SessionID)
	if err != nil {
		return nil, err
	}
	info, err := m.gw.registry.Info(id)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// JoinSession implements MeetingServer.
func (m *meetingService) JoinSession(ctx context.Context, req *SessionRequest) (*session.Info, error) {
	id, err := parseID("session_id", req.SessionID)
	if err != nil {
		return nil, err
	}
	if err := m.gw.registry.Join(id, auth.MustFromContext(ctx)); err != nil {
		return nil, err
	}
	info, err := m.gw.registry.Info(id)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// LeaveSession implements MeetingServer.
func (m *meetingService) LeaveSession(ctx context.Context, req *SessionRequest) (*Empty, error) {
	id, err := parseID("session_id", req.SessionID)
	if err != nil {
		return nil, err
	}
	if err := m.gw.registry.Leave(id, auth.MustFromContext(ctx)); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// DestroySession implements MeetingServer.
func (m *meetingService) DestroySession(ctx context.Context, req *SessionRequest) (*Empty, error) {
	id, err := parseID("session_id", req.SessionID)
	if err != nil {
		return nil, err
	}
	if err := m.gw.registry.Destroy(id, auth.MustFromContext(ctx)); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// Broadcast implements MeetingServer.
func (m *meetingService) Broadcast(ctx context.Context, req *BroadcastRequest) (*BroadcastResponse, error) {
	id, err := parseID("session_id", req.SessionID)
	if err != nil {
		return nil, err
	}
	if len(req.Payload) > maxBroadcastBytes {
		return nil, fmt.Errorf("%w: payload exceeds %d bytes", pipeline.ErrBadRequest, maxBroadcastBytes)
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	seq, err := m.gw.registry.Broadcast(id, auth.MustFromContext(ctx), contentType, req.Payload)
	if err != nil {
		return nil, err
	}
	return &BroadcastResponse{Seq: seq}, nil
}

// Unsubscribe implements MeetingServer.
func (m *meetingService) Unsubscribe(ctx context.Context, req *UnsubscribeRequest) (*Empty, error) {
	id, err := parseID("session_id", req.SessionID)
	if err != nil {
		return nil, err
	}
	listenerID, err := parseID("listener_id", req.ListenerID)
	if err != nil {
		return nil, err
	}
	if err := m.gw.registry.Unsubscribe(id, auth.MustFromContext(ctx), listenerID); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// Subscribe implements MeetingServer. The stream ends after the terminal
// closed frame or when the client goes away.
func (m *meetingService) Subscribe(req *SessionRequest, stream grpc.ServerStream) error {
	id, err := parseID("session_id", req.SessionID)
	if err != nil {
		return err
	}
	ctx := stream.Context()
	listener, err := m.gw.registry.Subscribe(ctx, id, auth.MustFromContext(ctx))
	if err != nil {
		return err
	}

	if err := stream.SendMsg(subscribedFrame(listener)); err != nil {
		return err
	}
	for {
		u, err := listener.Next(ctx)
		if err != nil {
			return err
		}
		if err := stream.SendMsg(frameFromUpdate(u)); err != nil {
			return err
		}
		if u.Kind == session.UpdateClosed {
			return nil
		}
	}
}
