// ABOUTME: Tests for the reference agent against a running gateway over both transports.
// ABOUTME: Covers registration, request handling, reconnection and shutdown.

package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/correlation"
	"github.com/2389/relay-gateway/internal/gateway"
	"github.com/2389/relay-gateway/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

type testGateway struct {
	*gateway.Gateway
	httpAddr string
	grpcAddr string
}

// startGateway runs a gateway on free local ports with the ledger disabled.
func startGateway(t *testing.T) *testGateway {
	t.Helper()
	cfg := config.Default()
	cfg.Server = config.ServerConfig{GRPCAddr: freeAddr(t), HTTPAddr: freeAddr(t)}
	cfg.Database = config.DatabaseConfig{}

	gw, err := gateway.New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = gw.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	return &testGateway{Gateway: gw, httpAddr: cfg.Server.HTTPAddr, grpcAddr: cfg.Server.GRPCAddr}
}

// startClient runs c until the test ends and returns a channel with Run's result.
func startClient(t *testing.T, c *Client) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()
	t.Cleanup(cancel)
	return errCh
}

func waitRegistered(t *testing.T, gw *testGateway, identity string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, a := range gw.Status().Agents {
			if a.Identity == identity {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond, "agent %s never registered", identity)
}

func TestClient_WebSocketEcho(t *testing.T) {
	gw := startGateway(t)

	c, err := New(Config{
		GatewayURL:   "ws://" + gw.httpAddr,
		Identity:     "bulb-1",
		Version:      "1.2.0",
		Capabilities: []string{"light", "off"},
		Extra:        map[string]any{"room": "hall"},
	}, testLogger())
	require.NoError(t, err)
	startClient(t, c)
	waitRegistered(t, gw, "bulb-1")
	assert.True(t, c.Registered())

	res, err := gw.Invoke(context.Background(), gateway.InvokeRequest{
		Target: "bulb-1",
		Action: "light",
		Params: json.RawMessage(`{"red":100,"green":0,"blue":0}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "bulb-1", res.Agent)
	assert.JSONEq(t, `{"action":"light","params":{"red":100,"green":0,"blue":0}}`, string(res.Data))
	assert.Eventually(t, func() bool { return c.Handled() == 1 }, time.Second, 10*time.Millisecond)

	status := gw.Status()
	require.Len(t, status.Agents, 1)
	assert.Equal(t, "websocket", status.Agents[0].Transport)
	assert.Equal(t, "1.2.0", status.Agents[0].Version)
	assert.Equal(t, []string{"light", "off"}, status.Agents[0].Capabilities)
	assert.JSONEq(t, `{"version":"1.2.0","capabilities":["light","off"],"room":"hall"}`, string(status.Agents[0].Metadata))
}

func TestClient_GRPCForwarder(t *testing.T) {
	gw := startGateway(t)

	device := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/light":
			body, _ := io.ReadAll(r.Body)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok","received":` + string(body) + `}`))
		default:
			http.Error(w, "bulb missing", http.StatusInternalServerError)
		}
	}))
	t.Cleanup(device.Close)

	forwarder, err := NewHTTPForwarder(device.URL, time.Second)
	require.NoError(t, err)

	c, err := New(Config{
		GatewayURL: "grpc://" + gw.grpcAddr,
		Identity:   "bulb-2",
		Handler:    forwarder,
	}, testLogger())
	require.NoError(t, err)
	startClient(t, c)
	waitRegistered(t, gw, "bulb-2")

	res, err := gw.Invoke(context.Background(), gateway.InvokeRequest{
		Target: "bulb-2",
		Action: "light",
		Params: json.RawMessage(`{"red":1}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok","received":{"red":1}}`, string(res.Data))
	assert.Equal(t, "grpc", gw.Status().Agents[0].Transport)

	_, err = gw.Invoke(context.Background(), gateway.InvokeRequest{Target: "bulb-2", Action: "explode"})
	var agentErr *correlation.AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Contains(t, agentErr.Error(), "bulb missing")
}

func TestClient_ReconnectsAfterSupersession(t *testing.T) {
	gw := startGateway(t)

	c, err := New(Config{
		GatewayURL: "ws://" + gw.httpAddr + "/agent",
		Identity:   "bulb-3",
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 50 * time.Millisecond,
	}, testLogger())
	require.NoError(t, err)
	startClient(t, c)
	waitRegistered(t, gw, "bulb-3")
	require.Equal(t, int64(1), c.Sessions())

	// A second connection under the same identity takes over and the
	// client's connection is closed by the gateway.
	intruder, _, err := websocket.DefaultDialer.Dial("ws://"+gw.httpAddr+"/agent", nil)
	require.NoError(t, err)
	t.Cleanup(func() { intruder.Close() })
	frame, err := protocol.EncodeJSON(protocol.Register{Identity: "bulb-3"})
	require.NoError(t, err)
	require.NoError(t, intruder.WriteMessage(websocket.TextMessage, frame))

	// The client redials and reclaims the identity.
	require.Eventually(t, func() bool { return c.Sessions() >= 2 && c.Registered() }, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		res, err := gw.Invoke(context.Background(), gateway.InvokeRequest{
			Target:  "bulb-3",
			Action:  "light",
			Timeout: 200 * time.Millisecond,
		})
		return err == nil && strings.Contains(string(res.Data), `"light"`)
	}, 3*time.Second, 20*time.Millisecond)
}

func TestClient_RunStopsOnCancel(t *testing.T) {
	gw := startGateway(t)

	c, err := New(Config{GatewayURL: "ws://" + gw.httpAddr, Identity: "bulb-4"}, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()
	waitRegistered(t, gw, "bulb-4")

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, c.Registered())

	require.Eventually(t, func() bool { return len(gw.Status().Agents) == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestClient_RunRetriesUnreachableGateway(t *testing.T) {
	c, err := New(Config{
		GatewayURL: "ws://" + freeAddr(t),
		Identity:   "bulb-5",
		MinBackoff: 5 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
	}, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.NoError(t, c.Run(ctx))
	assert.Zero(t, c.Sessions())
}

func TestClient_RegistrationTimeout(t *testing.T) {
	upgrader := websocket.Upgrader{}
	silent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(silent.Close)

	c, err := New(Config{
		GatewayURL:      "ws" + strings.TrimPrefix(silent.URL, "http") + "/agent",
		Identity:        "bulb-6",
		RegisterTimeout: 50 * time.Millisecond,
	}, testLogger())
	require.NoError(t, err)

	err = c.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrRegistrationTimeout)
	assert.False(t, c.Registered())
}

func TestClient_UnexpectedMessageBeforeRegistration(t *testing.T) {
	upgrader := websocket.Upgrader{}
	rogue := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		frame, _ := protocol.EncodeJSON(protocol.Request{CorrelationID: "c1", Action: "light"})
		_ = conn.WriteMessage(websocket.TextMessage, frame)
		_, _, _ = conn.ReadMessage()
	}))
	t.Cleanup(rogue.Close)

	c, err := New(Config{
		GatewayURL: "ws" + strings.TrimPrefix(rogue.URL, "http"),
		Identity:   "bulb-7",
	}, testLogger())
	require.NoError(t, err)

	err = c.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrUnexpectedMessage)
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{"missing identity", Config{GatewayURL: "ws://localhost:8080"}, nil},
		{"blank identity", Config{GatewayURL: "ws://localhost:8080", Identity: "   "}, nil},
		{"long identity", Config{GatewayURL: "ws://localhost:8080", Identity: strings.Repeat("x", protocol.MaxIdentityLength+1)}, nil},
		{"bad scheme", Config{GatewayURL: "http://localhost:8080", Identity: "a"}, ErrUnsupportedScheme},
		{"missing host", Config{GatewayURL: "grpc://", Identity: "a"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, testLogger())
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	c, err := New(Config{GatewayURL: "ws://localhost:8080", Identity: " a1 "}, nil)
	require.NoError(t, err)

	assert.Equal(t, "a1", c.cfg.Identity)
	assert.Equal(t, "/agent", c.url.Path)
	assert.Equal(t, DefaultMinBackoff, c.cfg.MinBackoff)
	assert.Equal(t, DefaultMaxBackoff, c.cfg.MaxBackoff)
	assert.Equal(t, DefaultRegisterTimeout, c.cfg.RegisterTimeout)
	assert.Equal(t, DefaultHandlerTimeout, c.cfg.HandlerTimeout)
	assert.NotNil(t, c.cfg.Handler)
	assert.JSONEq(t, `{}`, string(c.metadata))
}
