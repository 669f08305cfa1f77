package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	applog "audiorouter/internal/log"
)

// KindRequest reports a malformed or unknown client request.
const KindRequest = "request"

const (
	writeWait      = 5 * time.Second
	requestTimeout = 10 * time.Second
	broadcastQueue = 256

	defaultRequestRate  = 20 // requests per second, per client
	defaultRequestBurst = 10
)

var errClosed = errors.New("websocket transport is closed")

type client struct {
	id      string
	conn    *websocket.Conn
	limiter *rate.Limiter
	writeMu sync.Mutex
}

func (c *client) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

// WebSocketTransport serves the control and status API. Clients send
// Requests and receive a result for each, plus every broadcast state change.
type WebSocketTransport struct {
	// RequestRate and RequestBurst bound how fast one client may issue
	// requests. Set them before Start.
	RequestRate  rate.Limit
	RequestBurst int

	addr     string
	router   Router
	log      *applog.Logger
	upgrader websocket.Upgrader

	clients   map[*client]bool
	clientsMu sync.Mutex
	broadcast chan any
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	server   *http.Server
	listener net.Listener
}

// NewWebSocketTransport creates the transport and starts its broadcast loop.
// Call Start to listen on addr, or mount Handler on an existing server.
func NewWebSocketTransport(addr string, router Router) *WebSocketTransport {
	wst := &WebSocketTransport{
		RequestRate:  defaultRequestRate,
		RequestBurst: defaultRequestBurst,

		addr:   addr,
		router: router,
		log:    applog.With("component", "websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Local control surface, any origin
			},
		},
		clients:   make(map[*client]bool),
		broadcast: make(chan any, broadcastQueue),
		done:      make(chan struct{}),
	}

	wst.wg.Add(1)
	go wst.handleBroadcasts()
	return wst
}

// Handler returns the HTTP handler serving /ws.
func (wst *WebSocketTransport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wst.handleWebSocket)
	return mux
}

// Start listens on the configured address and serves in the background.
func (wst *WebSocketTransport) Start() error {
	ln, err := net.Listen("tcp", wst.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", wst.addr, err)
	}
	wst.listener = ln
	wst.server = &http.Server{
		Handler:           wst.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	wst.wg.Add(1)
	go func() {
		defer wst.wg.Done()
		wst.log.Info("websocket server listening", "addr", ln.Addr().String())
		if err := wst.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			wst.log.Error("websocket server error", "err", err)
		}
	}()
	return nil
}

// Addr returns the listening address once started.
func (wst *WebSocketTransport) Addr() string {
	if wst.listener == nil {
		return wst.addr
	}
	return wst.listener.Addr().String()
}

// handleWebSocket upgrades the connection and serves requests until the
// client goes away.
func (wst *WebSocketTransport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wst.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wst.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	c := &client{
		id:      uuid.NewString(),
		conn:    conn,
		limiter: rate.NewLimiter(wst.RequestRate, wst.RequestBurst),
	}

	wst.clientsMu.Lock()
	select {
	case <-wst.done:
		wst.clientsMu.Unlock()
		conn.Close()
		return
	default:
	}
	wst.clients[c] = true
	total := len(wst.clients)
	wst.clientsMu.Unlock()
	wst.log.Info("client connected", "client", c.id, "total", total)

	defer wst.remove(c)

	hello := Message{Type: TypeHello, Client: c.id}
	if snap, err := wst.router.Snapshot(r.Context()); err == nil {
		hello.State = NewStateView(snap)
	}
	if err := c.write(hello); err != nil {
		return
	}

	for {
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			// Bad JSON in a complete frame leaves the connection usable.
			if isDecodeError(err) {
				failure := Message{Type: TypeResult, Error: &Failure{Kind: KindRequest, Reason: "malformed request"}}
				if werr := c.write(failure); werr != nil {
					return
				}
				continue
			}
			return
		}

		if !c.limiter.Allow() {
			throttled := Message{Type: TypeResult, ID: req.ID, Error: &Failure{Kind: KindRequest, Reason: "rate limited"}}
			if err := c.write(throttled); err != nil {
				return
			}
			continue
		}

		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		resp := wst.handle(ctx, req)
		cancel()
		if err := c.write(resp); err != nil {
			return
		}
	}
}

// handle executes one request against the router.
func (wst *WebSocketTransport) handle(ctx context.Context, req Request) Message {
	resp := Message{Type: TypeResult, ID: req.ID}

	var err error
	switch req.Op {
	case OpSelectAggregate:
		err = wst.router.SelectAggregate(ctx, req.UID)
	case OpSelectOutput:
		err = wst.router.SelectOutput(ctx, req.UID)
	case OpStart:
		err = wst.router.StartRouting(ctx)
	case OpStop:
		err = wst.router.StopRouting(ctx)
	case OpRefresh:
		err = wst.router.Refresh(ctx)
	case OpSnapshot:
	case OpHealth:
		h, herr := wst.router.Health(ctx, req.UID)
		if herr != nil {
			resp.Error = NewFailure(herr)
			return resp
		}
		resp.OK = true
		resp.Health = &HealthView{Aggregate: req.UID, Resolved: h.Resolved, Missing: h.Missing}
		return resp
	default:
		resp.Error = &Failure{Kind: KindRequest, Reason: fmt.Sprintf("unknown op %q", req.Op)}
		return resp
	}

	if err != nil {
		wst.log.Debug("request failed", "op", req.Op, "uid", req.UID, "err", err)
		resp.Error = NewFailure(err)
	} else {
		resp.OK = true
	}
	if snap, serr := wst.router.Snapshot(ctx); serr == nil {
		resp.State = NewStateView(snap)
	}
	return resp
}

// PublishState queues a state message for every client.
func (wst *WebSocketTransport) PublishState(state *StateView) error {
	return wst.Send(Message{Type: TypeState, State: state})
}

// PublishTelemetry queues a telemetry message for every client.
func (wst *WebSocketTransport) PublishTelemetry(t Telemetry) error {
	return wst.Send(Message{Type: TypeTelemetry, Telemetry: &t})
}

// Send broadcasts data to all connected clients. Messages are dropped when
// the queue is full.
func (wst *WebSocketTransport) Send(data any) error {
	select {
	case <-wst.done:
		return errClosed
	default:
	}
	select {
	case wst.broadcast <- data:
	default:
		wst.log.Debug("broadcast queue full, dropping message")
	}
	return nil
}

// handleBroadcasts sends messages to all connected clients.
func (wst *WebSocketTransport) handleBroadcasts() {
	defer wst.wg.Done()
	for {
		select {
		case <-wst.done:
			return
		case data := <-wst.broadcast:
			for _, c := range wst.snapshotClients() {
				if err := c.write(data); err != nil {
					wst.log.Warn("dropping client after write error", "client", c.id, "err", err)
					wst.remove(c)
				}
			}
		}
	}
}

// Clients returns the number of connected clients.
func (wst *WebSocketTransport) Clients() int {
	wst.clientsMu.Lock()
	defer wst.clientsMu.Unlock()
	return len(wst.clients)
}

func (wst *WebSocketTransport) snapshotClients() []*client {
	wst.clientsMu.Lock()
	defer wst.clientsMu.Unlock()
	clients := make([]*client, 0, len(wst.clients))
	for c := range wst.clients {
		clients = append(clients, c)
	}
	return clients
}

func (wst *WebSocketTransport) remove(c *client) {
	wst.clientsMu.Lock()
	_, ok := wst.clients[c]
	delete(wst.clients, c)
	total := len(wst.clients)
	wst.clientsMu.Unlock()
	c.conn.Close()
	if ok {
		wst.log.Info("client disconnected", "client", c.id, "total", total)
	}
}

// Close disconnects every client and shuts down the server.
func (wst *WebSocketTransport) Close() error {
	var err error
	wst.closeOnce.Do(func() {
		wst.log.Info("closing websocket server")

		wst.clientsMu.Lock()
		close(wst.done)
		for c := range wst.clients {
			c.conn.Close()
		}
		wst.clients = make(map[*client]bool)
		wst.clientsMu.Unlock()

		if wst.server != nil {
			err = wst.server.Close()
		}
		wst.wg.Wait()
	})
	return err
}

// isDecodeError reports whether err came from decoding a well-framed but
// invalid JSON message.
func isDecodeError(err error) bool {
	var syntax *json.SyntaxError
	var typ *json.UnmarshalTypeError
	return errors.As(err, &syntax) || errors.As(err, &typ)
}

// Ensure WebSocketTransport satisfies the interface
var _ Transport = (*WebSocketTransport)(nil)
