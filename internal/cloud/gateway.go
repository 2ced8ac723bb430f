// Package cloud implements the terminal's RPC link to the fleet
// backend: a correlation-ID-keyed request/response multiplexer over a
// single long-lived websocket connection, with automatic reconnect.
package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// endpoint names the RPC calls the rest of the firmware issues. These
// mirror the cloud's external interface 1:1.
const (
	EndpointStartSession           = "start_session"
	EndpointAuthenticateNewSession = "authenticate_new_session"
	EndpointCompleteAuthentication = "complete_authentication"
	EndpointUploadUsage            = "upload_usage"
)

const maxInFlight = 256

type envelope struct {
	ID       uuid.UUID       `json:"id"`
	Endpoint string          `json:"endpoint,omitempty"`
	Kind     string          `json:"kind"` // "request" | "response" | "error"
	Payload  json.RawMessage `json:"payload,omitempty"`
	Code     string          `json:"code,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// pendingRequest type-erases a SharedFuture[Rsp] so the gateway's
// in-flight table can hold requests of differing response types.
type pendingRequest struct {
	deliver func(json.RawMessage)
	fail    func(ErrorKind, string)
	failSrv func(code, msg string)
	timer   *time.Timer
}

// Gateway owns the websocket connection and the in-flight correlation
// table. One Gateway serves every RPC caller in the process.
type Gateway struct {
	url    string
	logger *slog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu       sync.Mutex
	inflight map[uuid.UUID]*pendingRequest
	closed   bool
	lost     chan struct{}
}

// Dial opens the websocket connection and starts the background
// read/reconnect loop. Callers get a Gateway back as soon as the first
// connection attempt succeeds; subsequent disconnects are handled
// transparently by Run.
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		url:      url,
		logger:   logger.With("component", "cloud-gateway"),
		inflight: make(map[uuid.UUID]*pendingRequest),
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("cloud: initial dial: %w", err)
	}
	g.conn = conn
	g.lost = make(chan struct{})
	go g.readLoop(conn)
	return g, nil
}

// Run maintains the connection until ctx is cancelled, reconnecting
// with exponential backoff whenever the read loop observes a transport
// failure. All requests still in flight at disconnect time are failed
// with ErrTransport so their callers are never left hanging.
func (g *Gateway) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			g.shutdown()
			return
		case <-g.connLost():
		}
		g.failAllInFlight(ErrTransport, "connection lost")

		eb := backoff.NewExponentialBackOff()
		eb.MaxElapsedTime = 0
		b := backoff.WithContext(eb, ctx)
		err := backoff.Retry(func() error {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, g.url, nil)
			if err != nil {
				g.logger.Warn("reconnect attempt failed", "error", err)
				return err
			}
			g.mu.Lock()
			g.conn = conn
			g.lost = make(chan struct{})
			g.mu.Unlock()
			go g.readLoop(conn)
			return nil
		}, b)
		if err != nil {
			// context was cancelled while retrying.
			return
		}
	}
}

// connLost returns the channel that closes once the current
// connection's read loop exits. Dial and the reconnect loop each
// install a fresh channel before starting their read loop.
func (g *Gateway) connLost() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lost
}

func (g *Gateway) shutdown() {
	g.mu.Lock()
	g.closed = true
	conn := g.conn
	g.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	g.failAllInFlight(ErrChannelClosed, "gateway shut down")
}

func (g *Gateway) failAllInFlight(kind ErrorKind, msg string) {
	g.mu.Lock()
	inflight := g.inflight
	g.inflight = make(map[uuid.UUID]*pendingRequest)
	g.mu.Unlock()
	for _, p := range inflight {
		p.timer.Stop()
		p.fail(kind, msg)
	}
}

func (g *Gateway) readLoop(conn *websocket.Conn) {
	defer func() {
		g.mu.Lock()
		if g.lost != nil {
			close(g.lost)
		}
		g.lost = nil
		g.mu.Unlock()
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			g.logger.Warn("read loop exiting", "error", err)
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			g.logger.Warn("malformed envelope", "error", err)
			continue
		}
		g.dispatch(env)
	}
}

func (g *Gateway) dispatch(env envelope) {
	g.mu.Lock()
	p, ok := g.inflight[env.ID]
	if ok {
		delete(g.inflight, env.ID)
	}
	g.mu.Unlock()
	if !ok {
		// Response arrived after its request was reaped by timeout, or for
		// a correlation-id this gateway never issued. Dropped per the
		// ordering contract.
		return
	}
	p.timer.Stop()
	switch env.Kind {
	case "response":
		p.deliver(env.Payload)
	case "error":
		p.failSrv(env.Code, env.Message)
	default:
		p.fail(ErrMalformedResponse, "unknown envelope kind "+env.Kind)
	}
}

// Send issues a request to endpoint and returns a future for its
// typed response. The future resolves Failed(Timeout) if no response
// arrives within timeout.
func Send[Rsp any](g *Gateway, req any, endpoint string, timeout time.Duration) (*SharedFuture[Rsp], error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("cloud: marshal request: %w", err)
	}
	id := uuid.New()
	future := NewFuture[Rsp]()

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		future.Fail(ErrChannelClosed, "gateway is shut down")
		return future, nil
	}
	if len(g.inflight) >= maxInFlight {
		g.mu.Unlock()
		return nil, fmt.Errorf("cloud: in-flight table full (%d requests)", maxInFlight)
	}
	pending := &pendingRequest{
		deliver: func(raw json.RawMessage) {
			var rsp Rsp
			if err := json.Unmarshal(raw, &rsp); err != nil {
				future.Fail(ErrMalformedResponse, err.Error())
				return
			}
			future.Resolve(rsp)
		},
		fail:    func(kind ErrorKind, msg string) { future.Fail(kind, msg) },
		failSrv: func(code, msg string) { future.FailServer(code, msg) },
	}
	pending.timer = time.AfterFunc(timeout, func() {
		g.mu.Lock()
		_, stillPending := g.inflight[id]
		if stillPending {
			delete(g.inflight, id)
		}
		g.mu.Unlock()
		if stillPending {
			future.Fail(ErrTimeout, "no response within "+timeout.String())
		}
	})
	g.inflight[id] = pending
	conn := g.conn
	g.mu.Unlock()

	env := envelope{ID: id, Endpoint: endpoint, Kind: "request", Payload: payload}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("cloud: marshal envelope: %w", err)
	}

	g.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	g.writeMu.Unlock()
	if err != nil {
		g.mu.Lock()
		delete(g.inflight, id)
		g.mu.Unlock()
		pending.timer.Stop()
		future.Fail(ErrTransport, err.Error())
	}
	return future, nil
}
