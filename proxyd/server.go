package proxyd

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
)

// Server is the ambient HTTP/WS frontend: it decodes JSON-RPC envelopes off
// the wire, resolves/throttles the caller, and hands requests to the Router
// (router.go) and subscriptions to the Fan-out (subscription.go). None of
// spec.md's core semantics live here.
type Server struct {
	log log.Logger

	router *Router
	fanOut *FanOut
	auth   AuthResolver
	client RateLimiter

	httpSrv *http.Server
	upgrader websocket.Upgrader
}

// ServerOpts configures a new Server.
type ServerOpts struct {
	Router             *Router
	FanOut             *FanOut
	Auth               AuthResolver // nil disables auth: every caller is anonymous/unlimited
	ClientRateLimiter  RateLimiter  // nil disables per-client throttling
	CORSAllowedOrigins []string
}

func NewServer(opts ServerOpts) *Server {
	auth := opts.Auth
	if auth == nil {
		auth = anonymousResolver{}
	}
	limiter := opts.ClientRateLimiter
	if limiter == nil {
		limiter = NullRateLimiter{}
	}
	s := &Server{
		log:      log.New("component", "server"),
		router:   opts.Router,
		fanOut:   opts.FanOut,
		auth:     auth,
		client:   limiter,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleHTTP).Methods(http.MethodPost)
	r.HandleFunc("/ws", s.handleWS)

	c := cors.New(cors.Options{
		AllowedOrigins: opts.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodPost},
	})
	s.httpSrv = &http.Server{Handler: c.Handler(r)}
	return s
}

// ListenAndServe blocks serving on addr until the server is shut down.
func (s *Server) ListenAndServe(addr string) error {
	s.httpSrv.Addr = addr
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight HTTP requests up to ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// anonymousResolver is used when no AuthResolver is configured: every caller
// resolves to an unlimited anonymous user.
type anonymousResolver struct{}

func (anonymousResolver) Resolve(context.Context, string) (ResolvedUser, error) {
	return ResolvedUser{UserID: "anonymous", PerMinuteRate: UnlimitedRate}, nil
}

func apiKeyFromRequest(req *http.Request) string {
	if k := req.URL.Query().Get("api_key"); k != "" {
		return k
	}
	return req.Header.Get("X-Api-Key")
}

// authenticate resolves the caller and applies its per-minute client-side
// rate limit (distinct from any per-upstream capacity limit). ok=false
// means "reject"; authenticate has then already written the error response
// itself.
func (s *Server) authenticate(w http.ResponseWriter, req *http.Request) (ResolvedUser, bool) {
	ctx := req.Context()
	user, err := s.auth.Resolve(ctx, apiKeyFromRequest(req))
	if err != nil {
		http.Error(w, `{"error":"unknown api key"}`, http.StatusUnauthorized)
		return ResolvedUser{}, false
	}
	if user.PerMinuteRate != UnlimitedRate {
		verdict, retryAt, rlErr := s.client.Throttle(ctx, user.UserID, user.PerMinuteRate, 1)
		if rlErr == nil && verdict != Allowed {
			if !retryAt.IsZero() {
				secs := int(time.Until(retryAt).Seconds())
				if secs < 0 {
					secs = 0
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
			}
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return ResolvedUser{}, false
		}
	}
	return user, true
}

// handleHTTP serves both single and batch JSON-RPC requests (spec.md §4.4,
// §1.3's HTTP transport).
func (s *Server) handleHTTP(w http.ResponseWriter, req *http.Request) {
	if _, ok := s.authenticate(w, req); !ok {
		return
	}

	raw, err := decodeBody(req)
	if err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	trimmed := firstNonSpace(raw)
	if trimmed == '[' {
		var reqs []*RPCReq
		if err := json.Unmarshal(raw, &reqs); err != nil {
			s.writeError(w, nil, ErrInvalidReq)
			return
		}
		resps := s.router.RouteBatch(req.Context(), reqs)
		json.NewEncoder(w).Encode(resps)
		return
	}

	var rpcReq RPCReq
	if err := json.Unmarshal(raw, &rpcReq); err != nil {
		s.writeError(w, nil, ErrInvalidReq)
		return
	}
	res, rpcErr := s.router.Route(req.Context(), &rpcReq)
	if rpcErr != nil {
		w.WriteHeader(httpStatusFor(rpcErr))
	}
	json.NewEncoder(w).Encode(res)
}

func (s *Server) writeError(w http.ResponseWriter, id json.RawMessage, rpcErr *RPCError) {
	w.WriteHeader(httpStatusFor(rpcErr))
	json.NewEncoder(w).Encode(errorResponse(id, rpcErr))
}

// httpStatusFor maps a core Kind to the HTTP status spec.md §7 implies
// (CAPACITY → 429; everything else that still reached the frontend as an
// error is a well-formed JSON-RPC error body, so 200 is correct per the
// JSON-RPC-over-HTTP convention).
func httpStatusFor(err *RPCError) int {
	if err.Kind == KindCapacity {
		return http.StatusTooManyRequests
	}
	return http.StatusOK
}

func decodeBody(req *http.Request) (json.RawMessage, error) {
	defer req.Body.Close()
	return io.ReadAll(req.Body)
}

func firstNonSpace(b []byte) byte {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return c
		}
	}
	return 0
}

// handleWS upgrades to a WebSocket and serves both ordinary JSON-RPC calls
// and eth_subscribe/eth_unsubscribe over the same connection (spec.md §1.3,
// §4.5).
func (s *Server) handleWS(w http.ResponseWriter, req *http.Request) {
	if _, ok := s.authenticate(w, req); !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", "err", err)
		return
	}
	session := newWSSession(conn, s.router, s.fanOut, s.log)
	session.run(req.Context())
}

// wsSession serves one client connection: request/response multiplexing
// plus any subscriptions it opens.
type wsSession struct {
	conn   *websocket.Conn
	router *Router
	fanOut *FanOut
	log    log.Logger

	writeMu sync.Mutex

	subsMu sync.Mutex
	subs   map[string]func() // subscription id -> cancel
}

func newWSSession(conn *websocket.Conn, router *Router, fanOut *FanOut, log log.Logger) *wsSession {
	return &wsSession{
		conn:   conn,
		router: router,
		fanOut: fanOut,
		log:    log,
		subs:   make(map[string]func()),
	}
}

func (s *wsSession) run(ctx context.Context) {
	defer s.conn.Close()
	defer s.cancelAll()

	for {
		var req RPCReq
		if err := s.conn.ReadJSON(&req); err != nil {
			return
		}
		switch req.Method {
		case "eth_subscribe":
			s.handleSubscribe(ctx, &req)
		case "eth_unsubscribe":
			s.handleUnsubscribe(&req)
		default:
			go func(req RPCReq) {
				res, _ := s.router.Route(ctx, &req)
				s.writeJSON(res)
			}(req)
		}
	}
}

func (s *wsSession) writeJSON(v interface{}) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.WriteJSON(v)
}

var subKindByName = map[string]SubKind{
	"newHeads":                   SubNewHeads,
	"newPendingTransactions":     SubNewPendingTransactions,
	"newPendingFullTransactions": SubNewPendingFullTransactions,
	"newPendingRawTransactions":  SubNewPendingRawTransactions,
}

func (s *wsSession) handleSubscribe(ctx context.Context, req *RPCReq) {
	var params []string
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) == 0 {
		s.writeJSON(errorResponse(req.ID, ErrInvalidReq))
		return
	}
	kind, ok := subKindByName[params[0]]
	if !ok {
		s.writeJSON(errorResponse(req.ID, ErrUnsupported))
		return
	}

	sink := make(chan *subscriptionNotification, subSinkBuffer)
	id, cancel, done := s.fanOut.Subscribe(kind, sink)

	s.subsMu.Lock()
	s.subs[id] = cancel
	s.subsMu.Unlock()

	s.writeJSON(successResponse(req.ID, mustMarshal(id)))

	go s.pump(sink, done)
}

// subSinkBuffer bounds each client's per-subscription channel, per spec.md
// §4.5's backpressure contract.
const subSinkBuffer = 32

func (s *wsSession) pump(sink <-chan *subscriptionNotification, done <-chan struct{}) {
	for {
		select {
		case n, ok := <-sink:
			if !ok {
				return
			}
			s.writeJSON(n)
		case <-done:
			return
		}
	}
}

func (s *wsSession) handleUnsubscribe(req *RPCReq) {
	var ids []string
	if err := json.Unmarshal(req.Params, &ids); err != nil || len(ids) == 0 {
		s.writeJSON(errorResponse(req.ID, ErrInvalidReq))
		return
	}
	s.subsMu.Lock()
	cancel, ok := s.subs[ids[0]]
	delete(s.subs, ids[0])
	s.subsMu.Unlock()
	if ok {
		cancel()
	}
	s.writeJSON(successResponse(req.ID, mustMarshal(ok)))
}

func (s *wsSession) cancelAll() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, cancel := range s.subs {
		cancel()
	}
}

func mustMarshal(v interface{}) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
