// ABOUTME: gRPC acceptor: a bidirectional AgentRelay/Connect stream carrying CBOR envelopes.
// ABOUTME: The service descriptor and codec are hand-written; no generated stubs are involved.

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/2389/relay-gateway/internal/protocol"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "relay.AgentRelay"

	// ConnectMethod is the full method name of the agent stream.
	ConnectMethod = "/" + ServiceName + "/Connect"
)

// Frame is one encoded envelope as carried on the stream. Receiving into
// a Frame defers decoding, so a malformed envelope surfaces as a protocol
// error instead of a transport failure.
type Frame []byte

// Codec returns the gRPC codec used on the agent stream. It encodes
// values as CBOR and passes Frames through untouched.
func Codec() encoding.Codec {
	return cborCodec{}
}

type cborCodec struct{}

func (cborCodec) Name() string { return "cbor" }

func (cborCodec) Marshal(v any) ([]byte, error) {
	switch f := v.(type) {
	case Frame:
		return f, nil
	case *Frame:
		return *f, nil
	}
	return protocol.MarshalCBOR(v)
}

func (cborCodec) Unmarshal(data []byte, v any) error {
	if f, ok := v.(*Frame); ok {
		*f = append((*f)[:0], data...)
		return nil
	}
	return protocol.UnmarshalCBOR(data, v)
}

// AgentRelayServer is the server side of the agent stream.
type AgentRelayServer interface {
	Connect(stream grpc.ServerStream) error
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(AgentRelayServer).Connect(stream)
}

var agentRelayServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AgentRelayServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "relay/agent_relay",
}

// ConnectStreamDesc describes the agent stream for clients opening it with
// grpc.ClientConn.NewStream.
var ConnectStreamDesc = &agentRelayServiceDesc.Streams[0]

// ServerOptions returns the options a grpc.Server needs to host the agent
// stream: the CBOR codec, the inbound frame limit and keepalive settings.
func ServerOptions(maxMessageBytes int) []grpc.ServerOption {
	if maxMessageBytes <= 0 {
		maxMessageBytes = DefaultMaxMessageBytes
	}
	return []grpc.ServerOption{
		grpc.ForceServerCodec(Codec()),
		grpc.MaxRecvMsgSize(maxMessageBytes),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}
}

// GRPCServer implements the agent stream and feeds a Handler.
type GRPCServer struct {
	handler Handler
	logger  *slog.Logger
}

// NewGRPCServer creates a gRPC acceptor delivering events to h.
func NewGRPCServer(h Handler, logger *slog.Logger) *GRPCServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &GRPCServer{
		handler: h,
		logger:  logger.With("component", "transport", "transport", KindGRPC),
	}
}

// Register installs the agent stream service on reg.
func (s *GRPCServer) Register(reg grpc.ServiceRegistrar) {
	reg.RegisterService(&agentRelayServiceDesc, s)
}

// Connect handles one agent stream until either side ends it.
func (s *GRPCServer) Connect(stream grpc.ServerStream) error {
	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	remoteAddr := ""
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		remoteAddr = p.Addr.String()
	}

	c := &grpcConn{
		id:         uuid.NewString(),
		stream:     stream,
		remoteAddr: remoteAddr,
		cancel:     cancel,
	}
	logger := s.logger.With("conn_id", c.id, "remote_addr", remoteAddr)
	logger.Debug("stream accepted")

	s.handler.OnOpen(c)
	err := s.receive(ctx, c)
	_ = c.Close()

	if err != nil {
		logger.Warn("stream closed with error", "error", err)
	} else {
		logger.Debug("stream closed")
	}
	s.handler.OnClose(c, err)

	if errors.Is(err, protocol.ErrProtocol) {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return nil
}

// receive runs until the stream ends or the connection is closed locally.
// RecvMsg cannot be interrupted directly, so it runs in its own goroutine
// and the loop selects on ctx.
func (s *GRPCServer) receive(ctx context.Context, c *grpcConn) error {
	frames := make(chan Frame)
	recvErr := make(chan error, 1)

	go func() {
		for {
			var f Frame
			if err := c.stream.RecvMsg(&f); err != nil {
				recvErr <- err
				return
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-recvErr:
			if err == io.EOF || status.Code(err) == codes.Canceled || c.closed.Load() {
				return nil
			}
			if status.Code(err) == codes.ResourceExhausted {
				return fmt.Errorf("%w: %v", protocol.ErrProtocol, err)
			}
			return fmt.Errorf("receiving frame: %w", err)

		case f := <-frames:
			msg, err := protocol.DecodeCBOR(f)
			if err != nil {
				return err
			}
			s.handler.OnMessage(c, msg)
		}
	}
}

// grpcConn is a Conn backed by a server stream.
type grpcConn struct {
	id         string
	stream     grpc.ServerStream
	remoteAddr string
	cancel     context.CancelFunc

	sendMu    sync.Mutex // SendMsg is not safe for concurrent use
	closeOnce sync.Once
	closed    atomic.Bool
}

func (c *grpcConn) ID() string         { return c.id }
func (c *grpcConn) Kind() Kind         { return KindGRPC }
func (c *grpcConn) RemoteAddr() string { return c.remoteAddr }

// Send writes msg, giving up when ctx is done or DefaultWriteTimeout
// passes. SendMsg blocks while the agent's flow-control window is full and
// cannot be interrupted, so it runs in its own goroutine. A write that
// misses its deadline closes the connection; the stream is unusable after.
func (c *grpcConn) Send(ctx context.Context, msg protocol.Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, cancel := context.WithDeadline(ctx, writeDeadline(ctx, DefaultWriteTimeout))
	defer cancel()

	done := make(chan error, 1)
	go func() {
		c.sendMu.Lock()
		defer c.sendMu.Unlock()
		if c.closed.Load() {
			done <- ErrClosed
			return
		}
		done <- c.stream.SendMsg(protocol.Wrap(msg))
	}()

	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		if c.closed.Load() {
			return ErrClosed
		}
		return fmt.Errorf("writing %s frame: %w", msg.Kind(), err)
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			_ = c.Close()
		}
		return fmt.Errorf("writing %s frame: %w", msg.Kind(), err)
	}
}

// Close cancels the receive loop; returning from the stream handler is
// what ends the RPC.
func (c *grpcConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
	})
	return nil
}
