// ABOUTME: Tests for Invoke: routing, outcomes, supersession, disconnect and isolation.
// ABOUTME: Uses in-process fake agent connections driven through the registry.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/agent"
	"github.com/2389/relay-gateway/internal/correlation"
	"github.com/2389/relay-gateway/internal/protocol"
	"github.com/2389/relay-gateway/internal/store"
	"github.com/2389/relay-gateway/internal/transport"
)

// replyFunc decides how a fake agent answers a request. Returning nil
// leaves the request unanswered.
type replyFunc func(req protocol.Request) *protocol.Response

// fakeAgent is an in-process transport.Conn registered with the gateway.
type fakeAgent struct {
	id       string
	identity string
	gw       *Gateway
	reply    replyFunc
	received chan protocol.Request
	closed   atomic.Bool
}

func (f *fakeAgent) ID() string { return f.id }

func (f *fakeAgent) Kind() transport.Kind { return transport.KindWebSocket }

func (f *fakeAgent) RemoteAddr() string { return "fake:" + f.identity }

func (f *fakeAgent) closedByRelay() bool { return f.closed.Load() }

func (f *fakeAgent) answer(resp protocol.Response) { f.gw.registry.OnMessage(f, resp) }

func (f *fakeAgent) Send(_ context.Context, msg protocol.Message) error {
	if f.closed.Load() {
		return transport.ErrClosed
	}
	req, ok := msg.(protocol.Request)
	if !ok {
		return nil
	}
	f.received <- req
	if f.reply != nil {
		if resp := f.reply(req); resp != nil {
			go f.answer(*resp)
		}
	}
	return nil
}

// Close mimics a transport: the close is reported from another goroutine.
func (f *fakeAgent) Close() error {
	if f.closed.CompareAndSwap(false, true) {
		go f.gw.registry.OnClose(f, nil)
	}
	return nil
}

// drop simulates the agent's connection dropping.
func (f *fakeAgent) drop() {
	f.closed.Store(true)
	f.gw.registry.OnClose(f, io.ErrUnexpectedEOF)
}

func (f *fakeAgent) nextRequest(t *testing.T) protocol.Request {
	t.Helper()
	select {
	case req := <-f.received:
		return req
	case <-time.After(2 * time.Second):
		t.Fatalf("agent %s received no request", f.identity)
		return protocol.Request{}
	}
}

func connectAgent(t *testing.T, gw *Gateway, identity string, reply replyFunc) *fakeAgent {
	t.Helper()
	a := &fakeAgent{
		id:       uuid.NewString(),
		identity: identity,
		gw:       gw,
		reply:    reply,
		received: make(chan protocol.Request, 16),
	}
	gw.registry.OnOpen(a)
	gw.registry.OnMessage(a, protocol.Register{
		Identity: identity,
		Metadata: json.RawMessage(`{"version":"1.2.0","capabilities":["light","off"]}`),
	})
	conn, err := gw.registry.Lookup(identity)
	require.NoError(t, err)
	require.Equal(t, a.id, conn.ConnID())
	return a
}

// okReply answers every request successfully with data.
func okReply(data string) replyFunc {
	return func(req protocol.Request) *protocol.Response {
		return &protocol.Response{CorrelationID: req.CorrelationID, Success: true, Data: json.RawMessage(data)}
	}
}

// echoReply answers with the request's action and params.
func echoReply(req protocol.Request) *protocol.Response {
	data, _ := json.Marshal(map[string]any{"action": req.Action, "params": req.Params})
	return &protocol.Response{CorrelationID: req.CorrelationID, Success: true, Data: data}
}

type invokeOutcome struct {
	res *InvokeResult
	err error
}

func invokeAsync(gw *Gateway, ctx context.Context, req InvokeRequest) <-chan invokeOutcome {
	ch := make(chan invokeOutcome, 1)
	go func() {
		res, err := gw.Invoke(ctx, req)
		ch <- invokeOutcome{res: res, err: err}
	}()
	return ch
}

func awaitOutcome(t *testing.T, ch <-chan invokeOutcome) invokeOutcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(3 * time.Second):
		t.Fatal("invoke did not complete")
		return invokeOutcome{}
	}
}

var lightParams = json.RawMessage(`{"red":100,"green":0,"blue":0}`)

func TestInvoke_NoAgentsConnected(t *testing.T) {
	gw := newTestGateway(t)

	start := time.Now()
	_, err := gw.Invoke(context.Background(), InvokeRequest{Action: "light", Params: lightParams})

	require.ErrorIs(t, err, agent.ErrNoAgentsConnected)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 0, gw.table.Len())
}

func TestInvoke_Success(t *testing.T) {
	gw := newTestGateway(t)
	a1 := connectAgent(t, gw, "A1", okReply(`{"status":"ok"}`))

	res, err := gw.Invoke(context.Background(), InvokeRequest{Target: "A1", Action: "light", Params: lightParams})
	require.NoError(t, err)

	assert.Equal(t, "A1", res.Agent)
	assert.JSONEq(t, `{"status":"ok"}`, string(res.Data))
	assert.NotEmpty(t, res.CorrelationID)

	req := a1.nextRequest(t)
	assert.Equal(t, res.CorrelationID, req.CorrelationID)
	assert.Equal(t, "light", req.Action)
	assert.JSONEq(t, string(lightParams), string(req.Params))
	assert.Equal(t, 0, gw.table.Len())
}

func TestInvoke_Timeout(t *testing.T) {
	gw := newTestGateway(t)
	connectAgent(t, gw, "A1", nil)

	timeout := 150 * time.Millisecond
	start := time.Now()
	_, err := gw.Invoke(context.Background(), InvokeRequest{Target: "A1", Action: "light", Timeout: timeout})
	elapsed := time.Since(start)

	require.ErrorIs(t, err, correlation.ErrRequestTimeout)
	var invokeErr *InvokeError
	require.ErrorAs(t, err, &invokeErr)
	assert.Equal(t, "A1", invokeErr.Agent)
	assert.NotEmpty(t, invokeErr.CorrelationID)

	assert.GreaterOrEqual(t, elapsed, timeout, "must not time out early")
	assert.Less(t, elapsed, timeout+time.Second, "must not hang past the timeout")
	assert.Equal(t, 0, gw.table.Len())
}

func TestInvoke_DisconnectFailsAllPending(t *testing.T) {
	gw := newTestGateway(t)
	a1 := connectAgent(t, gw, "A1", nil)

	light := invokeAsync(gw, context.Background(), InvokeRequest{Target: "A1", Action: "light", Timeout: time.Minute})
	off := invokeAsync(gw, context.Background(), InvokeRequest{Target: "A1", Action: "off", Timeout: time.Minute})
	a1.nextRequest(t)
	a1.nextRequest(t)

	a1.drop()

	for _, ch := range []<-chan invokeOutcome{light, off} {
		o := awaitOutcome(t, ch)
		assert.ErrorIs(t, o.err, correlation.ErrAgentDisconnected)
	}
	_, err := gw.registry.Lookup("A1")
	assert.ErrorIs(t, err, agent.ErrUnknownTarget)
	assert.Equal(t, 0, gw.table.Len())
}

func TestInvoke_UnknownTargetCreatesNoRequest(t *testing.T) {
	gw := newTestGateway(t)
	a1 := connectAgent(t, gw, "A1", okReply(`{}`))

	_, err := gw.Invoke(context.Background(), InvokeRequest{Target: "A2", Action: "light"})

	require.ErrorIs(t, err, agent.ErrUnknownTarget)
	assert.Equal(t, 0, gw.table.Len())
	assert.Empty(t, a1.received, "no request may reach another agent")
}

func TestInvoke_SupersessionFailsOldRequests(t *testing.T) {
	gw := newTestGateway(t)
	first := connectAgent(t, gw, "A1", nil)

	pending := invokeAsync(gw, context.Background(), InvokeRequest{Target: "A1", Action: "light", Timeout: time.Minute})
	first.nextRequest(t)

	second := connectAgent(t, gw, "A1", okReply(`{"from":"second"}`))

	o := awaitOutcome(t, pending)
	assert.ErrorIs(t, o.err, correlation.ErrSuperseded)
	assert.True(t, first.closedByRelay(), "superseded connection is closed")

	conn, err := gw.registry.Lookup("A1")
	require.NoError(t, err)
	assert.Equal(t, second.id, conn.ConnID())

	res, err := gw.Invoke(context.Background(), InvokeRequest{Target: "A1", Action: "light"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"from":"second"}`, string(res.Data))
	assert.Empty(t, first.received, "old connection receives nothing after supersession")
}

func TestInvoke_ReplyUnblocksOnlyItsCaller(t *testing.T) {
	gw := newTestGateway(t)
	a1 := connectAgent(t, gw, "A1", nil)
	a2 := connectAgent(t, gw, "A2", nil)

	call1 := invokeAsync(gw, context.Background(), InvokeRequest{Target: "A1", Action: "light", Timeout: time.Minute})
	call2 := invokeAsync(gw, context.Background(), InvokeRequest{Target: "A2", Action: "light", Timeout: time.Minute})
	req1 := a1.nextRequest(t)
	req2 := a2.nextRequest(t)

	a2.answer(protocol.Response{CorrelationID: req2.CorrelationID, Success: true, Data: json.RawMessage(`"a2"`)})

	o2 := awaitOutcome(t, call2)
	require.NoError(t, o2.err)
	assert.Equal(t, "A2", o2.res.Agent)
	assert.JSONEq(t, `"a2"`, string(o2.res.Data))

	select {
	case o := <-call1:
		t.Fatalf("A1 caller unblocked by A2's reply: %+v", o)
	case <-time.After(100 * time.Millisecond):
	}

	a1.answer(protocol.Response{CorrelationID: req1.CorrelationID, Success: true, Data: json.RawMessage(`"a1"`)})
	o1 := awaitOutcome(t, call1)
	require.NoError(t, o1.err)
	assert.JSONEq(t, `"a1"`, string(o1.res.Data))
}

func TestInvoke_ReplyFromOtherAgentIsDropped(t *testing.T) {
	gw := newTestGateway(t)
	a1 := connectAgent(t, gw, "A1", nil)
	a2 := connectAgent(t, gw, "A2", nil)

	call := invokeAsync(gw, context.Background(), InvokeRequest{Target: "A1", Action: "light", Timeout: 300 * time.Millisecond})
	req := a1.nextRequest(t)

	a2.answer(protocol.Response{CorrelationID: req.CorrelationID, Success: true, Data: json.RawMessage(`"forged"`)})

	o := awaitOutcome(t, call)
	assert.ErrorIs(t, o.err, correlation.ErrRequestTimeout)
	assert.EqualValues(t, 1, gw.table.Stats().MisroutedReplies)
}

func TestInvoke_AgentError(t *testing.T) {
	gw := newTestGateway(t)
	connectAgent(t, gw, "A1", func(req protocol.Request) *protocol.Response {
		return &protocol.Response{CorrelationID: req.CorrelationID, Success: false, Error: "device unreachable"}
	})

	_, err := gw.Invoke(context.Background(), InvokeRequest{Target: "A1", Action: "light"})

	var agentErr *correlation.AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, "A1", agentErr.Identity)
	assert.Equal(t, "device unreachable", agentErr.Message)
}

func TestInvoke_DefaultTargetIsEarliestRegistered(t *testing.T) {
	gw := newTestGateway(t)
	connectAgent(t, gw, "first", okReply(`"first"`))
	connectAgent(t, gw, "second", okReply(`"second"`))

	res, err := gw.Invoke(context.Background(), InvokeRequest{Action: "light"})
	require.NoError(t, err)
	assert.Equal(t, "first", res.Agent)
}

func TestInvoke_CallerCancellation(t *testing.T) {
	gw := newTestGateway(t)
	a1 := connectAgent(t, gw, "A1", nil)

	ctx, cancel := context.WithCancel(context.Background())
	call := invokeAsync(gw, ctx, InvokeRequest{Target: "A1", Action: "light", Timeout: time.Minute})
	a1.nextRequest(t)
	cancel()

	o := awaitOutcome(t, call)
	assert.ErrorIs(t, o.err, context.Canceled)
	assert.Equal(t, 0, gw.table.Len())
}

func TestInvoke_InvalidRequests(t *testing.T) {
	gw := newTestGateway(t)
	connectAgent(t, gw, "A1", okReply(`{}`))

	tests := []struct {
		name string
		req  InvokeRequest
	}{
		{"missing action", InvokeRequest{Target: "A1"}},
		{"blank action", InvokeRequest{Target: "A1", Action: "  "}},
		{"malformed params", InvokeRequest{Target: "A1", Action: "light", Params: json.RawMessage(`{"red":`)}},
		{"negative timeout", InvokeRequest{Target: "A1", Action: "light", Timeout: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := gw.Invoke(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	assert.Equal(t, 0, gw.table.Len())
}

func TestInvoke_IdempotencyKey(t *testing.T) {
	gw := newTestGateway(t)
	a1 := connectAgent(t, gw, "A1", okReply(`{}`))

	req := InvokeRequest{Target: "A1", Action: "light", IdempotencyKey: "call-42"}
	_, err := gw.Invoke(context.Background(), req)
	require.NoError(t, err)

	_, err = gw.Invoke(context.Background(), req)
	require.ErrorIs(t, err, ErrDuplicateRequest)

	a1.nextRequest(t)
	assert.Empty(t, a1.received, "duplicate must not reach the agent")
}

func TestInvoke_IdempotencyKeySurvivesRoutingFailure(t *testing.T) {
	gw := newTestGateway(t)

	req := InvokeRequest{Action: "light", IdempotencyKey: "k1"}
	_, err := gw.Invoke(context.Background(), req)
	require.ErrorIs(t, err, agent.ErrNoAgentsConnected)

	req.Target = "nobody"
	_, err = gw.Invoke(context.Background(), req)
	require.ErrorIs(t, err, agent.ErrUnknownTarget)

	// The caller retries once an agent is up; nothing was delivered before.
	a1 := connectAgent(t, gw, "A1", okReply(`{"status":"ok"}`))
	req.Target = "A1"
	res, err := gw.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok"}`, string(res.Data))
	a1.nextRequest(t)

	_, err = gw.Invoke(context.Background(), req)
	assert.ErrorIs(t, err, ErrDuplicateRequest)
}

func TestInvoke_IdempotencyKeySurvivesRejectedCreate(t *testing.T) {
	cfg := testConfig(t)
	cfg.Requests.MaxPending = 1
	gw := newTestGatewayWithConfig(t, cfg)
	a1 := connectAgent(t, gw, "A1", nil)

	first := invokeAsync(gw, context.Background(), InvokeRequest{Target: "A1", Action: "light"})
	held := a1.nextRequest(t)

	req := InvokeRequest{Target: "A1", Action: "off", IdempotencyKey: "k2"}
	_, err := gw.Invoke(context.Background(), req)
	require.ErrorIs(t, err, correlation.ErrTooManyPending)

	a1.answer(protocol.Response{CorrelationID: held.CorrelationID, Success: true})
	require.NoError(t, awaitOutcome(t, first).err)

	a1.reply = okReply(`{}`)
	_, err = gw.Invoke(context.Background(), req)
	assert.NoError(t, err)
}

func TestInvoke_TooManyPending(t *testing.T) {
	cfg := testConfig(t)
	cfg.Requests.MaxPending = 1
	gw := newTestGatewayWithConfig(t, cfg)
	a1 := connectAgent(t, gw, "A1", nil)

	first := invokeAsync(gw, context.Background(), InvokeRequest{Target: "A1", Action: "light", Timeout: time.Minute})
	req := a1.nextRequest(t)

	_, err := gw.Invoke(context.Background(), InvokeRequest{Target: "A1", Action: "off"})
	assert.ErrorIs(t, err, correlation.ErrTooManyPending)

	a1.answer(protocol.Response{CorrelationID: req.CorrelationID, Success: true})
	o := awaitOutcome(t, first)
	require.NoError(t, o.err)
}

func TestInvoke_ShutdownFailsPending(t *testing.T) {
	gw := newTestGateway(t)
	a1 := connectAgent(t, gw, "A1", nil)

	call := invokeAsync(gw, context.Background(), InvokeRequest{Target: "A1", Action: "light", Timeout: time.Minute})
	a1.nextRequest(t)

	require.NoError(t, gw.Shutdown(context.Background()))

	o := awaitOutcome(t, call)
	assert.ErrorIs(t, o.err, correlation.ErrShuttingDown)
}

func TestInvoke_ConcurrentCallersGetTheirOwnReplies(t *testing.T) {
	gw := newTestGateway(t)
	connectAgent(t, gw, "A1", echoReply)
	connectAgent(t, gw, "A2", echoReply)

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 50; i++ {
		for _, target := range []string{"A1", "A2"} {
			wg.Add(1)
			go func(i int, target string) {
				defer wg.Done()
				params, _ := json.Marshal(map[string]any{"n": i, "target": target})
				res, err := gw.Invoke(context.Background(), InvokeRequest{Target: target, Action: "echo", Params: params})
				if err != nil {
					errs <- err
					return
				}
				var got struct {
					Params struct {
						N      int    `json:"n"`
						Target string `json:"target"`
					} `json:"params"`
				}
				if err := json.Unmarshal(res.Data, &got); err != nil {
					errs <- err
					return
				}
				if got.Params.N != i || got.Params.Target != target || res.Agent != target {
					errs <- errors.New("reply delivered to the wrong caller")
				}
			}(i, target)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, 0, gw.table.Len())
}

func TestInvoke_RecordsOutcomesInLedger(t *testing.T) {
	gw := newTestGateway(t)
	connectAgent(t, gw, "A1", okReply(`{}`))
	connectAgent(t, gw, "A2", nil)

	_, err := gw.Invoke(context.Background(), InvokeRequest{Target: "A1", Action: "light"})
	require.NoError(t, err)
	_, err = gw.Invoke(context.Background(), InvokeRequest{Target: "A2", Action: "off", Timeout: 50 * time.Millisecond})
	require.Error(t, err)
	_, err = gw.Invoke(context.Background(), InvokeRequest{Target: "ghost", Action: "off"})
	require.Error(t, err)

	records, err := gw.store.ListRequests(context.Background(), store.ListParams{})
	require.NoError(t, err)
	require.Len(t, records, 2, "unrouted requests are not recorded")

	outcomes := map[string]string{}
	for _, rec := range records {
		outcomes[rec.Target] = rec.Outcome
	}
	assert.Equal(t, store.OutcomeOK, outcomes["A1"])
	assert.Equal(t, store.OutcomeTimeout, outcomes["A2"])

	events, err := gw.store.ListAgentEvents(context.Background(), store.ListParams{Identity: "A1"})
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, string(agent.EventRegistered), events[0].Type)
}

func TestRequestTimeout(t *testing.T) {
	gw := newTestGateway(t)
	gw.config.Requests.DefaultTimeout = 30 * time.Second
	gw.config.Requests.MaxTimeout = time.Minute

	assert.Equal(t, 30*time.Second, gw.requestTimeout(0))
	assert.Equal(t, 5*time.Second, gw.requestTimeout(5*time.Second))
	assert.Equal(t, time.Minute, gw.requestTimeout(time.Hour))
}

func TestOutcomeOf(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, store.OutcomeOK},
		{&correlation.AgentError{Identity: "A1"}, store.OutcomeAgentError},
		{correlation.ErrRequestTimeout, store.OutcomeTimeout},
		{correlation.ErrAgentDisconnected, store.OutcomeDisconnected},
		{correlation.ErrSuperseded, store.OutcomeSuperseded},
		{correlation.ErrSendFailed, store.OutcomeSendFailed},
		{correlation.ErrShuttingDown, store.OutcomeShutdown},
		{context.Canceled, store.OutcomeCancelled},
		{errors.New("boom"), store.OutcomeError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, outcomeOf(tt.err), "outcomeOf(%v)", tt.err)
	}
}
