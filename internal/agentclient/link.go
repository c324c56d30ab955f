// ABOUTME: Client ends of the agent transports: a gorilla WebSocket and a gRPC Connect stream.
// ABOUTME: Both carry protocol messages; sends are serialised so handlers may reply concurrently.

package agentclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/relay-gateway/internal/protocol"
	"github.com/2389/relay-gateway/internal/transport"
)

// ErrUnsupportedScheme is returned for gateway URLs that name no known transport.
var ErrUnsupportedScheme = errors.New("unsupported gateway URL scheme")

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
)

// link is one live connection to the gateway.
type link interface {
	send(ctx context.Context, msg protocol.Message) error
	recv() (protocol.Message, error)
	close() error
}

// parseGatewayURL validates rawURL and fills in the default WebSocket path.
func parseGatewayURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing gateway URL: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("gateway URL %q has no host", rawURL)
	}
	switch u.Scheme {
	case "ws", "wss":
		if u.Path == "" || u.Path == "/" {
			u.Path = "/agent"
		}
	case "grpc":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	return u, nil
}

func dial(ctx context.Context, u *url.URL, maxMessageBytes int) (link, error) {
	if u.Scheme == "grpc" {
		return dialGRPC(ctx, u.Host, maxMessageBytes)
	}
	return dialWebSocket(ctx, u.String(), maxMessageBytes)
}

type wsLink struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func dialWebSocket(ctx context.Context, target string, maxMessageBytes int) (*wsLink, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	// The handshake response body is consumed by the dialer.
	conn, _, err := dialer.DialContext(ctx, target, nil) //nolint:bodyclose
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", target, err)
	}
	if maxMessageBytes > 0 {
		conn.SetReadLimit(int64(maxMessageBytes))
	}
	return &wsLink{conn: conn}, nil
}

func (l *wsLink) send(ctx context.Context, msg protocol.Message) error {
	frame, err := protocol.EncodeJSON(msg)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", msg.Kind(), err)
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return l.conn.WriteMessage(websocket.TextMessage, frame)
}

func (l *wsLink) recv() (protocol.Message, error) {
	msgType, data, err := l.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msgType != websocket.TextMessage {
		return nil, fmt.Errorf("%w: unexpected binary frame", protocol.ErrProtocol)
	}
	return protocol.DecodeJSON(data)
}

func (l *wsLink) close() error {
	l.writeMu.Lock()
	_ = l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	l.writeMu.Unlock()
	return l.conn.Close()
}

type grpcLink struct {
	cc     *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc
	sendMu sync.Mutex
	once   sync.Once
}

func dialGRPC(ctx context.Context, addr string, maxMessageBytes int) (*grpcLink, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(transport.Codec())),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	if maxMessageBytes > 0 {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxMessageBytes)))
	}

	cc, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc client for %s: %w", addr, err)
	}

	// The stream outlives the dial context; it ends when the link closes.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := cc.NewStream(streamCtx, transport.ConnectStreamDesc, transport.ConnectMethod)
	if err != nil {
		cancel()
		cc.Close()
		return nil, fmt.Errorf("opening agent stream on %s: %w", addr, err)
	}
	return &grpcLink{cc: cc, stream: stream, cancel: cancel}, nil
}

func (l *grpcLink) send(_ context.Context, msg protocol.Message) error {
	frame, err := protocol.EncodeCBOR(msg)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", msg.Kind(), err)
	}
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	return l.stream.SendMsg(transport.Frame(frame))
}

func (l *grpcLink) recv() (protocol.Message, error) {
	var frame transport.Frame
	if err := l.stream.RecvMsg(&frame); err != nil {
		return nil, err
	}
	return protocol.DecodeCBOR(frame)
}

func (l *grpcLink) close() error {
	var err error
	l.once.Do(func() {
		l.sendMu.Lock()
		_ = l.stream.CloseSend()
		l.sendMu.Unlock()
		l.cancel()
		err = l.cc.Close()
	})
	return err
}
