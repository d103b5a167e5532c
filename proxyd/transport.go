package proxyd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"
)

// transport is the single behavioral interface every upstream variant
// (HTTP, WebSocket) is narrowed to, per spec.md §9's design note on
// narrowing broad polymorphism. Upstream (upstream.go) depends only on
// this, never on *http.Client or *websocket.Conn directly.
type transport interface {
	// call issues one JSON-RPC request and returns its raw response body.
	call(ctx context.Context, req *RPCReq) (json.RawMessage, error)
	// close releases transport resources. Safe to call multiple times.
	close() error
}

// httpTransport is a tagged variant backed by net/http. It is used for
// request/response RPC calls; it does not support subscriptions.
type httpTransport struct {
	url    string
	client *http.Client
}

func newHTTPTransport(url string, timeout time.Duration) *httpTransport {
	return &httpTransport{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (t *httpTransport) call(ctx context.Context, req *RPCReq) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, newTransportErr(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, newTransportErr(err)
	}
	defer resp.Body.Close()

	var rpcRes RPCRes
	if err := json.NewDecoder(resp.Body).Decode(&rpcRes); err != nil {
		return nil, newTransportErr(err)
	}
	if rpcRes.Error != nil {
		return nil, newUpstreamErr(rpcRes.Error.Code, rpcRes.Error.Message, rpcRes.Error.Data)
	}
	return rpcRes.Result, nil
}

func (t *httpTransport) close() error {
	t.client.CloseIdleConnections()
	return nil
}

// wsEnvelope covers everything that can arrive on the socket: a call
// reply (keyed by id) or a subscription notification (method ==
// "eth_subscription").
type wsEnvelope struct {
	ID     uint64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *jsonRPCError   `json:"error,omitempty"`
}

type subscriptionParams struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

type wsReply struct {
	result json.RawMessage
	err    *jsonRPCError
}

// onSubscriptionFn is how an upstream's wsTransport forwards
// eth_subscription pushes (newHeads, newPendingTransactions, ...) to
// whatever is listening upstream-side (Upstream.handlePush).
type onSubscriptionFn func(subID string, result json.RawMessage)

// wsTransport is a tagged variant backed by a single persistent WebSocket
// connection. It is also the source of newHeads/newPendingTransactions
// subscription traffic an Upstream forwards to the Head Tracker / Fan-out.
type wsTransport struct {
	url  string
	conn *websocket.Conn
	log  log.Logger

	writeMu sync.Mutex
	nextID  uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan wsReply

	onPush onSubscriptionFn

	closed    chan struct{}
	closeOnce sync.Once
}

func dialWSTransport(ctx context.Context, url string, onPush onSubscriptionFn) (*wsTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, newTransportErr(err)
	}
	t := &wsTransport{
		url:     url,
		conn:    conn,
		log:     log.New("component", "ws-transport", "url", url),
		pending: make(map[uint64]chan wsReply),
		onPush:  onPush,
		closed:  make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *wsTransport) call(ctx context.Context, req *RPCReq) (json.RawMessage, error) {
	id := atomic.AddUint64(&t.nextID, 1)
	wireReq := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      uint64          `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}{JSONRPC: "2.0", ID: id, Method: req.Method, Params: req.Params}

	replyCh := make(chan wsReply, 1)
	t.pendingMu.Lock()
	t.pending[id] = replyCh
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	t.writeMu.Lock()
	err := t.conn.WriteJSON(wireReq)
	t.writeMu.Unlock()
	if err != nil {
		return nil, newTransportErr(err)
	}

	select {
	case reply := <-replyCh:
		if reply.err != nil {
			return nil, newUpstreamErr(reply.err.Code, reply.err.Message, reply.err.Data)
		}
		return reply.result, nil
	case <-t.closed:
		return nil, ErrCanceled
	case <-ctx.Done():
		return nil, newErr(KindTimeout, -32603, "timeout waiting for upstream reply")
	}
}

// subscribe issues eth_subscribe and returns the upstream-assigned
// subscription id. Pushes for it arrive via onPush, keyed by that id.
func (t *wsTransport) subscribe(ctx context.Context, kind string) (string, error) {
	params, _ := json.Marshal([]string{kind})
	res, err := t.call(ctx, &RPCReq{JSONRPC: "2.0", Method: "eth_subscribe", Params: params})
	if err != nil {
		return "", err
	}
	var subID string
	if err := json.Unmarshal(res, &subID); err != nil {
		return "", fmt.Errorf("decode subscription id: %w", err)
	}
	return subID, nil
}

func (t *wsTransport) readLoop() {
	for {
		var env wsEnvelope
		if err := t.conn.ReadJSON(&env); err != nil {
			t.log.Debug("ws upstream read loop exiting", "err", err)
			t.closeOnce.Do(func() { close(t.closed) })
			return
		}
		if env.Method == "eth_subscription" {
			var p subscriptionParams
			if err := json.Unmarshal(env.Params, &p); err != nil {
				t.log.Warn("malformed subscription push", "err", err)
				continue
			}
			t.pendingMu.Lock()
			onPush := t.onPush
			t.pendingMu.Unlock()
			if onPush != nil {
				onPush(p.Subscription, p.Result)
			}
			continue
		}
		t.pendingMu.Lock()
		ch, ok := t.pending[env.ID]
		t.pendingMu.Unlock()
		if !ok {
			continue
		}
		ch <- wsReply{result: env.Result, err: env.Error}
	}
}

// setOnPush attaches the subscription-push callback after construction,
// since the Upstream that owns the callback closure is created after its
// wsTransport is dialed.
func (t *wsTransport) setOnPush(fn onSubscriptionFn) {
	t.pendingMu.Lock()
	t.onPush = fn
	t.pendingMu.Unlock()
}

func (t *wsTransport) close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return t.conn.Close()
}
