// ABOUTME: Tests for the gRPC MeetingService over an in-memory bufconn listener
// ABOUTME: Covers unary operations, the Subscribe stream and pipeline rejections

package gateway

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/vrme/vrme-gateway/internal/config"
	"github.com/vrme/vrme-gateway/internal/session"
)

// dialGateway serves gw's gRPC server on a bufconn listener and dials it.
func dialGateway(t *testing.T, gw *Gateway) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go func() { _ = gw.grpcServer.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func withAuth(ctx context.Context, authorization string) context.Context {
	if authorization == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", authorization)
}

func invoke(ctx context.Context, conn *grpc.ClientConn, authorization, method string, in, out any, opts ...grpc.CallOption) error {
	return conn.Invoke(withAuth(ctx, authorization), fullMethod(method), in, out, opts...)
}

func subscribe(t *testing.T, conn *grpc.ClientConn, authorization string, sessionID uuid.UUID) grpc.ClientStream {
	t.Helper()
	stream, err := conn.NewStream(withAuth(t.Context(), authorization), &MeetingServiceDesc.Streams[0], fullMethod("Subscribe"))
	require.NoError(t, err)
	if err := stream.SendMsg(&SessionRequest{SessionID: sessionID.String()}); err != nil {
		require.ErrorIs(t, err, io.EOF)
	}
	require.NoError(t, stream.CloseSend())
	return stream
}

func TestGRPC_EndToEnd(t *testing.T) {
	gw := newTestGateway(t)
	conn := dialGateway(t, gw)
	ctx := t.Context()
	u1, bearer1 := newAccount(t, gw, "u1")
	_, bearer2 := newAccount(t, gw, "u2")

	var created session.Info
	require.NoError(t, invoke(ctx, conn, bearer1, "CreateSession", &Empty{}, &created))
	assert.Equal(t, u1.AccountID, created.Owner.AccountID)

	var joined session.Info
	require.NoError(t, invoke(ctx, conn, bearer2, "JoinSession", &SessionRequest{SessionID: created.ID.String()}, &joined))
	assert.Len(t, joined.Participants, 2)

	stream := subscribe(t, conn, bearer2, created.ID)
	var f Frame
	require.NoError(t, stream.RecvMsg(&f))
	assert.Equal(t, FrameSubscribed, f.Type)

	var sent BroadcastResponse
	require.NoError(t, invoke(ctx, conn, bearer1, "Broadcast", &BroadcastRequest{
		SessionID:   created.ID.String(),
		ContentType: "text/plain",
		Payload:     []byte("hello"),
	}, &sent))
	assert.Equal(t, uint64(1), sent.Seq)

	f = Frame{}
	require.NoError(t, stream.RecvMsg(&f))
	assert.Equal(t, FrameMessage, f.Type)
	assert.Equal(t, "hello", string(f.Payload))
	assert.Equal(t, "text/plain", f.ContentType)
	assert.Equal(t, u1.AccountID.String(), f.From)

	require.NoError(t, invoke(ctx, conn, bearer1, "DestroySession", &SessionRequest{SessionID: created.ID.String()}, &Empty{}))

	f = Frame{}
	require.NoError(t, stream.RecvMsg(&f))
	assert.Equal(t, FrameClosed, f.Type)
	assert.Equal(t, session.ReasonSessionClosed, f.Reason)

	assert.ErrorIs(t, stream.RecvMsg(&Frame{}), io.EOF)
}

func TestGRPC_UnsubscribeAndLeave(t *testing.T) {
	gw := newTestGateway(t)
	conn := dialGateway(t, gw)
	ctx := t.Context()
	_, owner := newAccount(t, gw, "owner")
	_, guest := newAccount(t, gw, "guest")

	var created session.Info
	require.NoError(t, invoke(ctx, conn, owner, "CreateSession", &Empty{}, &created))
	id := created.ID.String()
	require.NoError(t, invoke(ctx, conn, guest, "JoinSession", &SessionRequest{SessionID: id}, &session.Info{}))

	stream := subscribe(t, conn, guest, created.ID)
	var f Frame
	require.NoError(t, stream.RecvMsg(&f))

	err := invoke(ctx, conn, owner, "Unsubscribe", &UnsubscribeRequest{SessionID: id, ListenerID: f.ListenerID}, &Empty{})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	require.NoError(t, invoke(ctx, conn, guest, "Unsubscribe", &UnsubscribeRequest{SessionID: id, ListenerID: f.ListenerID}, &Empty{}))
	f = Frame{}
	require.NoError(t, stream.RecvMsg(&f))
	assert.Equal(t, FrameClosed, f.Type)
	assert.Equal(t, session.ReasonUnsubscribed, f.Reason)

	require.NoError(t, invoke(ctx, conn, guest, "LeaveSession", &SessionRequest{SessionID: id}, &Empty{}))

	var info session.Info
	require.NoError(t, invoke(ctx, conn, "", "GetSession", &SessionRequest{SessionID: id}, &info))
	assert.Len(t, info.Participants, 1)
}

func TestGRPC_Errors(t *testing.T) {
	gw := newTestGateway(t)
	conn := dialGateway(t, gw)
	ctx := t.Context()
	_, owner := newAccount(t, gw, "owner")
	_, stranger := newAccount(t, gw, "stranger")

	var created session.Info
	require.NoError(t, invoke(ctx, conn, owner, "CreateSession", &Empty{}, &created))
	id := created.ID.String()

	tests := []struct {
		name          string
		authorization string
		method        string
		in            any
		code          codes.Code
	}{
		{"missing credential", "", "CreateSession", &Empty{}, codes.Unauthenticated},
		{"malformed credential", "Bearer ???", "JoinSession", &SessionRequest{SessionID: id}, codes.Unauthenticated},
		{"unknown session", "", "GetSession", &SessionRequest{SessionID: uuid.NewString()}, codes.NotFound},
		{"invalid session id", stranger, "JoinSession", &SessionRequest{SessionID: "nope"}, codes.InvalidArgument},
		{"not a participant", stranger, "Broadcast", &BroadcastRequest{SessionID: id, Payload: []byte("x")}, codes.PermissionDenied},
		{"destroy by stranger", stranger, "DestroySession", &SessionRequest{SessionID: id}, codes.PermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := invoke(ctx, conn, tt.authorization, tt.method, tt.in, &session.Info{})
			assert.Equal(t, tt.code, status.Code(err), "err=%v", err)
		})
	}

	stream := subscribe(t, conn, stranger, created.ID)
	err := stream.RecvMsg(&Frame{})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	stream = subscribe(t, conn, "", created.ID)
	err = stream.RecvMsg(&Frame{})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestGRPC_RateLimitedTrailer(t *testing.T) {
	gw := newTestGateway(t, func(cfg *config.Config) {
		cfg.RateLimit.Identity = config.LimitConfig{Capacity: 1, RefillPerSecond: 0.1}
	})
	conn := dialGateway(t, gw)
	ctx := t.Context()
	_, bearer := newAccount(t, gw, "busy")

	require.NoError(t, invoke(ctx, conn, bearer, "CreateSession", &Empty{}, &session.Info{}))

	var trailer metadata.MD
	err := invoke(ctx, conn, bearer, "CreateSession", &Empty{}, &session.Info{}, grpc.Trailer(&trailer))
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	require.Len(t, trailer.Get("retry-after"), 1)
	assert.NotEqual(t, "0", trailer.Get("retry-after")[0])
	assert.Equal(t, 1, gw.registry.Len())
}

func TestMeetingServiceDesc(t *testing.T) {
	assert.Equal(t, "vrme.v1.MeetingService", MeetingServiceDesc.ServiceName)

	names := make([]string, 0, len(MeetingServiceDesc.Methods))
	for _, m := range MeetingServiceDesc.Methods {
		names = append(names, m.MethodName)
		assert.Contains(t, methodRoutes, fullMethod(m.MethodName))
	}
	assert.ElementsMatch(t, []string{
		"CreateSession", "GetSession", "JoinSession", "LeaveSession",
		"DestroySession", "Broadcast", "Unsubscribe",
	}, names)

	require.Len(t, MeetingServiceDesc.Streams, 1)
	assert.Equal(t, "Subscribe", MeetingServiceDesc.Streams[0].StreamName)
	assert.True(t, MeetingServiceDesc.Streams[0].ServerStreams)

	// Every route except GetSession requires authentication.
	for method, route := range methodRoutes {
		assert.Equal(t, method != fullMethod("GetSession"), route.RequiresAuth, method)
	}
}
