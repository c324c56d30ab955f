// ABOUTME: Tests for Gateway orchestrator lifecycle and end-to-end agent transports
// ABOUTME: Runs real listeners and drives WebSocket and gRPC agents against the HTTP API

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/protocol"
	"github.com/2389/relay-gateway/internal/transport"
)

// testConfig creates a minimal config for testing with available ports.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	// Find available ports
	grpcListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available gRPC port: %v", err)
	}
	grpcAddr := grpcListener.Addr().String()
	grpcListener.Close()

	httpListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available HTTP port: %v", err)
	}
	httpAddr := httpListener.Addr().String()
	httpListener.Close()

	cfg := config.Default()
	cfg.Server = config.ServerConfig{
		GRPCAddr: grpcAddr,
		HTTPAddr: httpAddr,
	}
	cfg.Database = config.DatabaseConfig{
		Path: ":memory:",
	}
	return cfg
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	return newTestGatewayWithConfig(t, testConfig(t))
}

func newTestGatewayWithConfig(t *testing.T, cfg *config.Config) *Gateway {
	t.Helper()
	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return gw
}

// runGateway starts gw and waits until its HTTP listener answers.
func runGateway(t *testing.T, gw *Gateway) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- gw.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			t.Error("gateway did not shutdown in time")
		}
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + gw.config.Server.HTTPAddr + "/health")
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("gateway did not start listening")
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig(t)
	gw := newTestGatewayWithConfig(t, cfg)

	if gw.config != cfg {
		t.Error("gateway config mismatch")
	}
	if gw.registry == nil {
		t.Error("registry should not be nil")
	}
	if gw.table == nil {
		t.Error("table should not be nil")
	}
	if gw.store == nil {
		t.Error("store should not be nil")
	}
}

func TestGatewayNew_LedgerDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Path = ""
	gw := newTestGatewayWithConfig(t, cfg)

	if gw.store != nil {
		t.Error("store should be nil when database.path is empty")
	}
}

func TestGatewayRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("gateway did not shutdown in time")
	}

	// A second Shutdown is a no-op.
	if err := gw.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() = %v", err)
	}
}

func TestGatewayRun_ListenError(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer occupied.Close()

	cfg := testConfig(t)
	cfg.Server.GRPCAddr = occupied.Addr().String()
	gw := newTestGatewayWithConfig(t, cfg)

	if err := gw.Run(context.Background()); err == nil {
		t.Error("Run() should fail when the gRPC address is taken")
	}
}

func TestHealthEndpoint(t *testing.T) {
	gw := newTestGateway(t)
	runGateway(t, gw)

	resp, err := http.Get("http://" + gw.config.Server.HTTPAddr + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestReadyEndpoint(t *testing.T) {
	gw := newTestGateway(t)
	runGateway(t, gw)
	url := "http://" + gw.config.Server.HTTPAddr + "/health/ready"

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("ready request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("ready status with no agents = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}

	connectAgent(t, gw, "A1", nil)

	resp, err = http.Get(url)
	if err != nil {
		t.Fatalf("ready request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ready status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if string(body) != "ready (1 agents)" {
		t.Errorf("ready body = %q", body)
	}
}

// wsAgent dials the gateway's WebSocket endpoint and registers.
func wsAgent(t *testing.T, gw *Gateway, identity string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+gw.config.Server.HTTPAddr+"/agent", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	frame, _ := protocol.EncodeJSON(protocol.Register{Identity: identity, Metadata: json.RawMessage(`{"version":"ws-test"}`)})
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write register: %v", err)
	}

	msg := wsRead(t, conn)
	if ack, ok := msg.(protocol.Registered); !ok || ack.Identity != identity {
		t.Fatalf("expected registered ack for %s, got %#v", identity, msg)
	}
	return conn
}

func wsRead(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := protocol.DecodeJSON(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

// grpcAgent opens the gRPC Connect stream and registers.
func grpcAgent(t *testing.T, gw *Gateway, identity string) grpc.ClientStream {
	t.Helper()
	cc, err := grpc.NewClient(gw.config.Server.GRPCAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(transport.Codec())),
	)
	if err != nil {
		t.Fatalf("grpc client: %v", err)
	}
	t.Cleanup(func() { cc.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	stream, err := cc.NewStream(ctx, transport.ConnectStreamDesc, transport.ConnectMethod)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}

	frame, _ := protocol.EncodeCBOR(protocol.Register{Identity: identity})
	if err := stream.SendMsg(transport.Frame(frame)); err != nil {
		t.Fatalf("send register: %v", err)
	}
	msg := grpcRead(t, stream)
	if ack, ok := msg.(protocol.Registered); !ok || ack.Identity != identity {
		t.Fatalf("expected registered ack for %s, got %#v", identity, msg)
	}
	return stream
}

func grpcRead(t *testing.T, stream grpc.ClientStream) protocol.Message {
	t.Helper()
	var frame transport.Frame
	if err := stream.RecvMsg(&frame); err != nil {
		t.Fatalf("recv: %v", err)
	}
	msg, err := protocol.DecodeCBOR(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

// invokeResult is the decoded outcome of POST /api/invoke.
type invokeResult struct {
	status int
	body   map[string]any
	err    error
}

// postInvoke calls POST /api/invoke and decodes the JSON response. It is
// safe to call from any goroutine.
func postInvoke(gw *Gateway, body string) invokeResult {
	resp, err := http.Post("http://"+gw.config.Server.HTTPAddr+"/api/invoke", "application/json", bytes.NewBufferString(body))
	if err != nil {
		return invokeResult{err: err}
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return invokeResult{status: resp.StatusCode, err: err}
	}
	return invokeResult{status: resp.StatusCode, body: out}
}

func postInvokeAsync(gw *Gateway, body string) <-chan invokeResult {
	done := make(chan invokeResult, 1)
	go func() { done <- postInvoke(gw, body) }()
	return done
}

func awaitInvoke(t *testing.T, done <-chan invokeResult) invokeResult {
	t.Helper()
	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("invoke request failed: %v", r.err)
		}
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("invoke did not complete")
		return invokeResult{}
	}
}

func TestEndToEnd_WebSocketAgent(t *testing.T) {
	gw := newTestGateway(t)
	runGateway(t, gw)
	conn := wsAgent(t, gw, "A1")

	done := postInvokeAsync(gw, `{"target":"A1","action":"light","params":{"red":100,"green":0,"blue":0}}`)

	msg := wsRead(t, conn)
	req, ok := msg.(protocol.Request)
	if !ok {
		t.Fatalf("expected request, got %#v", msg)
	}
	if req.Action != "light" {
		t.Errorf("action = %q, want light", req.Action)
	}

	frame, _ := protocol.EncodeJSON(protocol.Response{CorrelationID: req.CorrelationID, Success: true, Data: json.RawMessage(`{"status":"ok"}`)})
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write response: %v", err)
	}

	r := awaitInvoke(t, done)
	if r.status != http.StatusOK {
		t.Fatalf("status = %d, body = %v", r.status, r.body)
	}
	if r.body["correlation_id"] != req.CorrelationID {
		t.Errorf("correlation_id = %v, want %s", r.body["correlation_id"], req.CorrelationID)
	}
	data, _ := r.body["data"].(map[string]any)
	if data["status"] != "ok" {
		t.Errorf("data = %v", r.body["data"])
	}
}

func TestEndToEnd_GRPCAgent(t *testing.T) {
	gw := newTestGateway(t)
	runGateway(t, gw)
	stream := grpcAgent(t, gw, "G1")

	done := postInvokeAsync(gw, `{"target":"G1","action":"off"}`)

	msg := grpcRead(t, stream)
	req, ok := msg.(protocol.Request)
	if !ok {
		t.Fatalf("expected request, got %#v", msg)
	}

	frame, _ := protocol.EncodeCBOR(protocol.Response{CorrelationID: req.CorrelationID, Success: false, Error: "relay stuck"})
	if err := stream.SendMsg(transport.Frame(frame)); err != nil {
		t.Fatalf("send response: %v", err)
	}

	r := awaitInvoke(t, done)
	if r.status != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500, body = %v", r.status, r.body)
	}
	if r.body["code"] != "agent_error" {
		t.Errorf("code = %v, want agent_error", r.body["code"])
	}
	if r.body["error"] != "agent G1 reported failure: relay stuck" {
		t.Errorf("error = %v", r.body["error"])
	}
}

func TestEndToEnd_SupersessionAcrossTransports(t *testing.T) {
	gw := newTestGateway(t)
	runGateway(t, gw)
	wsConn := wsAgent(t, gw, "A1")

	done := postInvokeAsync(gw, `{"target":"A1","action":"light","timeout_ms":60000}`)
	if _, ok := wsRead(t, wsConn).(protocol.Request); !ok {
		t.Fatal("expected request on the first connection")
	}

	// The same identity re-registers over gRPC.
	grpcAgent(t, gw, "A1")

	r := awaitInvoke(t, done)
	if r.status != http.StatusBadGateway || r.body["code"] != "superseded" {
		t.Errorf("status = %d code = %v, want %d superseded", r.status, r.body["code"], http.StatusBadGateway)
	}

	// The old WebSocket is closed by the relay.
	_ = wsConn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := wsConn.ReadMessage(); err == nil {
		t.Error("expected the superseded WebSocket to be closed")
	}

	conn, err := gw.registry.Lookup("A1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if conn.Transport() != transport.KindGRPC {
		t.Errorf("transport = %s, want grpc", conn.Transport())
	}
}

func TestEndToEnd_PingPong(t *testing.T) {
	gw := newTestGateway(t)
	runGateway(t, gw)
	conn := wsAgent(t, gw, "A1")

	frame, _ := protocol.EncodeJSON(protocol.Ping{})
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if _, ok := wsRead(t, conn).(protocol.Pong); !ok {
		t.Error("expected pong")
	}
}
