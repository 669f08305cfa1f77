// SPDX-License-Identifier: MIT
package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"audiorouter/internal/controller"
	"audiorouter/internal/device"
	"audiorouter/internal/service"
	"audiorouter/internal/topology"
)

type fakeRouter struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeRouter) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeRouter) SelectAggregate(_ context.Context, uid string) error {
	return f.record("aggregate:" + uid)
}

func (f *fakeRouter) SelectOutput(_ context.Context, uid string) error {
	return f.record("output:" + uid)
}

func (f *fakeRouter) StartRouting(context.Context) error { return f.record("start") }
func (f *fakeRouter) StopRouting(context.Context) error  { return f.record("stop") }
func (f *fakeRouter) Refresh(context.Context) error      { return f.record("refresh") }

func (f *fakeRouter) Snapshot(context.Context) (service.Snapshot, error) {
	return testSnapshot(), nil
}

func (f *fakeRouter) Health(_ context.Context, uid string) (topology.Health, error) {
	if uid != "agg" {
		return topology.Health{}, device.ErrDeviceNotFound
	}
	return topology.Health{Resolved: []string{"loop", "C"}, Missing: []string{"B"}}, nil
}

func (f *fakeRouter) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func testSnapshot() service.Snapshot {
	agg := device.Ref{UID: "agg", Name: "Router", InputChannels: 2, OutputChannels: 10, IsAggregate: true}
	out := topology.SubDevice{
		UID:       "B",
		Device:    device.Ref{UID: "B", Name: "Headphones", OutputChannels: 2},
		Output:    topology.ChannelRange{Start: 2, End: 4},
		Stereo:    topology.ChannelRange{Start: 2, End: 4},
		HasStereo: true,
	}
	state := controller.RoutingState{Aggregate: &agg, Output: &out, Running: true, OutputRange: out.Stereo}
	return service.Snapshot{
		Session:    "session-1",
		Phase:      state.Phase(),
		State:      state,
		Intent:     controller.RoutingIntent{AggregateUID: "agg", OutputUID: "B", AutoStart: true},
		Aggregates: []device.Ref{agg},
		Outputs:    []topology.SubDevice{out},
	}
}

func dial(t *testing.T, router Router) (*WebSocketTransport, *websocket.Conn) {
	t.Helper()
	wst := NewWebSocketTransport("", router)
	srv := httptest.NewServer(wst.Handler())

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		wst.Close()
		srv.Close()
	})

	var hello Message
	require.NoError(t, conn.ReadJSON(&hello))
	require.Equal(t, TypeHello, hello.Type)
	return wst, conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, req any) Message {
	t.Helper()
	require.NoError(t, conn.WriteJSON(req))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var resp Message
	require.NoError(t, conn.ReadJSON(&resp))
	return resp
}

func TestWebSocketHello(t *testing.T) {
	wst := NewWebSocketTransport("", &fakeRouter{})
	srv := httptest.NewServer(wst.Handler())
	defer srv.Close()
	defer wst.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	var hello Message
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, TypeHello, hello.Type)
	assert.NotEmpty(t, hello.Client)
	require.NotNil(t, hello.State)
	assert.Equal(t, "routed-running", hello.State.Phase)
	assert.Equal(t, [2]int{2, 4}, hello.State.OutputRange)
	assert.Equal(t, "Headphones", hello.State.Output.Name)
	assert.Len(t, hello.State.Aggregates, 1)
	assert.Equal(t, 1, wst.Clients())
}

func TestWebSocketOperations(t *testing.T) {
	router := &fakeRouter{}
	_, conn := dial(t, router)

	tests := []Request{
		{ID: "1", Op: OpSelectAggregate, UID: "agg"},
		{ID: "2", Op: OpSelectOutput, UID: "C"},
		{ID: "3", Op: OpStart},
		{ID: "4", Op: OpStop},
		{ID: "5", Op: OpRefresh},
		{ID: "6", Op: OpSnapshot},
	}
	for _, req := range tests {
		t.Run(req.Op, func(t *testing.T) {
			resp := roundTrip(t, conn, req)
			assert.Equal(t, TypeResult, resp.Type)
			assert.Equal(t, req.ID, resp.ID)
			assert.True(t, resp.OK)
			assert.Nil(t, resp.Error)
			require.NotNil(t, resp.State)
			assert.Equal(t, "session-1", resp.State.Session)
		})
	}

	assert.Equal(t, []string{"aggregate:agg", "output:C", "start", "stop", "refresh"}, router.Calls())
}

func TestWebSocketStructuredFailure(t *testing.T) {
	router := &fakeRouter{err: &controller.ValidationError{Reason: "has no stereo output member (at least 2 channels)"}}
	_, conn := dial(t, router)

	resp := roundTrip(t, conn, Request{ID: "x", Op: OpSelectAggregate, UID: "mono"})
	assert.False(t, resp.OK)
	require.NotNil(t, resp.Error)
	assert.Equal(t, controller.KindValidation, resp.Error.Kind)
	assert.Equal(t, "has no stereo output member (at least 2 channels)", resp.Error.Reason)
	assert.NotNil(t, resp.State, "failures still report the unchanged state")
}

func TestWebSocketBadRequests(t *testing.T) {
	_, conn := dial(t, &fakeRouter{})

	resp := roundTrip(t, conn, Request{ID: "u", Op: "explode"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, KindRequest, resp.Error.Kind)
	assert.Contains(t, resp.Error.Reason, "explode")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	var malformed Message
	require.NoError(t, conn.ReadJSON(&malformed))
	require.NotNil(t, malformed.Error)
	assert.Equal(t, KindRequest, malformed.Error.Kind)

	// The connection survives a malformed frame.
	resp = roundTrip(t, conn, Request{Op: OpSnapshot})
	assert.True(t, resp.OK)
}

func TestWebSocketRateLimit(t *testing.T) {
	router := &fakeRouter{}
	wst := NewWebSocketTransport("", router)
	wst.RequestRate = rate.Every(time.Hour)
	wst.RequestBurst = 2
	srv := httptest.NewServer(wst.Handler())
	defer srv.Close()
	defer wst.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	var hello Message
	require.NoError(t, conn.ReadJSON(&hello))

	assert.True(t, roundTrip(t, conn, Request{ID: "1", Op: OpStart}).OK)
	assert.True(t, roundTrip(t, conn, Request{ID: "2", Op: OpStop}).OK)

	resp := roundTrip(t, conn, Request{ID: "3", Op: OpStart})
	assert.False(t, resp.OK)
	assert.Equal(t, "3", resp.ID)
	require.NotNil(t, resp.Error)
	assert.Equal(t, KindRequest, resp.Error.Kind)
	assert.Equal(t, "rate limited", resp.Error.Reason)
	assert.Equal(t, []string{"start", "stop"}, router.Calls())
}

func TestWebSocketHealth(t *testing.T) {
	_, conn := dial(t, &fakeRouter{})

	resp := roundTrip(t, conn, Request{Op: OpHealth, UID: "agg"})
	require.True(t, resp.OK)
	require.NotNil(t, resp.Health)
	assert.Equal(t, []string{"loop", "C"}, resp.Health.Resolved)
	assert.Equal(t, []string{"B"}, resp.Health.Missing)

	resp = roundTrip(t, conn, Request{Op: OpHealth, UID: "missing"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, controller.KindInternal, resp.Error.Kind)
}

func TestWebSocketBroadcast(t *testing.T) {
	wst, conn := dial(t, &fakeRouter{})

	require.NoError(t, wst.PublishState(NewStateView(testSnapshot())))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, TypeState, msg.Type)
	require.NotNil(t, msg.State)
	assert.True(t, msg.State.Running)

	require.NoError(t, wst.PublishTelemetry(Telemetry{Session: "session-1", Underruns: 2}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, TypeTelemetry, msg.Type)
	require.NotNil(t, msg.Telemetry)
	assert.Equal(t, uint64(2), msg.Telemetry.Underruns)

	require.NoError(t, wst.Close())
	require.NoError(t, wst.Close())
	assert.Error(t, wst.Send(msg))
}

func TestWebSocketStart(t *testing.T) {
	wst := NewWebSocketTransport("127.0.0.1:0", &fakeRouter{})
	require.NoError(t, wst.Start())
	defer wst.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+wst.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	var hello Message
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, TypeHello, hello.Type)
}

func TestLoggingTransport(t *testing.T) {
	lt := NewLoggingTransport()
	state := NewStateView(testSnapshot())

	assert.NoError(t, lt.Send(state))
	assert.Equal(t, "routed-running|B|agg", lt.last)
	assert.NoError(t, lt.Send(Message{Type: TypeState, State: state}))
	assert.NoError(t, lt.Send(Message{Type: TypeTelemetry}))
	assert.Equal(t, "routed-running|B|agg", lt.last)
	assert.NoError(t, lt.Close())
}

func TestNewStateViewEmpty(t *testing.T) {
	v := NewStateView(service.Snapshot{Phase: controller.NoAggregate})
	assert.Equal(t, "no-aggregate", v.Phase)
	assert.Nil(t, v.Aggregate)
	assert.Nil(t, v.Output)
	assert.NotNil(t, v.Aggregates)
	assert.Nil(t, NewFailure(nil))
}
