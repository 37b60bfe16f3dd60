// ABOUTME: Typed gRPC client for MeetingService using the JSON codec
// ABOUTME: Attaches the bearer credential to every call and wraps Subscribe in a frame stream

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/vrme/vrme-gateway/internal/session"
)

// Client calls MeetingService as one authenticated caller.
type Client struct {
	conn          grpc.ClientConnInterface
	authorization string
}

// NewClient wraps an existing connection. authorization is the full
// Authorization value, e.g. "Bearer <credential>"; empty calls anonymously.
func NewClient(conn grpc.ClientConnInterface, authorization string) *Client {
	return &Client{conn: conn, authorization: authorization}
}

// WithAuthorization returns a client sharing the connection with a different caller.
func (c *Client) WithAuthorization(authorization string) *Client {
	return &Client{conn: c.conn, authorization: authorization}
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	if c.authorization == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", c.authorization)
}

func (c *Client) invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.conn.Invoke(c.outgoing(ctx), fullMethod(method), in, out, opts...)
}

// CreateSession creates a session owned by the caller.
func (c *Client) CreateSession(ctx context.Context, opts ...grpc.CallOption) (*session.Info, error) {
	out := new(session.Info)
	if err := c.invoke(ctx, "CreateSession", &Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSession returns a session snapshot.
func (c *Client) GetSession(ctx context.Context, id uuid.UUID, opts ...grpc.CallOption) (*session.Info, error) {
	out := new(session.Info)
	if err := c.invoke(ctx, "GetSession", &SessionRequest{SessionID: id.String()}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// JoinSession adds the caller to a session.
func (c *Client) JoinSession(ctx context.Context, id uuid.UUID, opts ...grpc.CallOption) (*session.Info, error) {
	out := new(session.Info)
	if err := c.invoke(ctx, "JoinSession", &SessionRequest{SessionID: id.String()}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// LeaveSession removes the caller from a session.
func (c *Client) LeaveSession(ctx context.Context, id uuid.UUID, opts ...grpc.CallOption) error {
	return c.invoke(ctx, "LeaveSession", &SessionRequest{SessionID: id.String()}, &Empty{}, opts...)
}

// DestroySession closes a session.
func (c *Client) DestroySession(ctx context.Context, id uuid.UUID, opts ...grpc.CallOption) error {
	return c.invoke(ctx, "DestroySession", &SessionRequest{SessionID: id.String()}, &Empty{}, opts...)
}

// Broadcast publishes payload to the session and returns its sequence number.
func (c *Client) Broadcast(ctx context.Context, id uuid.UUID, contentType string, payload []byte, opts ...grpc.CallOption) (uint64, error) {
	out := new(BroadcastResponse)
	in := &BroadcastRequest{SessionID: id.String(), ContentType: contentType, Payload: payload}
	if err := c.invoke(ctx, "Broadcast", in, out, opts...); err != nil {
		return 0, err
	}
	return out.Seq, nil
}

// Unsubscribe removes one of the caller's listeners.
func (c *Client) Unsubscribe(ctx context.Context, sessionID uuid.UUID, listenerID string, opts ...grpc.CallOption) error {
	in := &UnsubscribeRequest{SessionID: sessionID.String(), ListenerID: listenerID}
	return c.invoke(ctx, "Unsubscribe", in, &Empty{}, opts...)
}

// FrameStream receives listener frames from Subscribe.
type FrameStream struct {
	stream grpc.ClientStream
}

// Recv returns the next frame. It returns io.EOF after the closed frame
// once the server ends the stream.
func (s *FrameStream) Recv() (*Frame, error) {
	f := new(Frame)
	if err := s.stream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

// Trailer returns the trailer metadata once Recv has returned an error.
func (s *FrameStream) Trailer() metadata.MD {
	return s.stream.Trailer()
}

// Subscribe opens a listener on the session. The first frame is always
// FrameSubscribed unless the call is rejected.
func (c *Client) Subscribe(ctx context.Context, id uuid.UUID, opts ...grpc.CallOption) (*FrameStream, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.conn.NewStream(c.outgoing(ctx), &MeetingServiceDesc.Streams[0], fullMethod("Subscribe"), opts...)
	if err != nil {
		return nil, fmt.Errorf("opening subscribe stream: %w", err)
	}
	// io.EOF means the server already ended the stream; Recv reports why.
	if err := stream.SendMsg(&SessionRequest{SessionID: id.String()}); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("sending subscribe request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("closing subscribe send side: %w", err)
	}
	return &FrameStream{stream: stream}, nil
}
