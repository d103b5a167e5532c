package proxyd

import "fmt"

// Kind classifies a failure the way spec.md §7 enumerates them. The Router
// and frontend both dispatch on Kind rather than inspecting error strings.
type Kind int

const (
	KindUnsupported Kind = iota
	KindInvalidRequest
	KindInvalidConfig
	KindNotSynced
	KindTimeout
	KindNoServers
	KindCapacity
	KindUpstreamError
	KindTransport
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindUnsupported:
		return "UNSUPPORTED"
	case KindInvalidRequest:
		return "INVALID_REQUEST"
	case KindInvalidConfig:
		return "INVALID_CONFIG"
	case KindNotSynced:
		return "NOT_SYNCED"
	case KindTimeout:
		return "TIMEOUT"
	case KindNoServers:
		return "NO_SERVERS"
	case KindCapacity:
		return "CAPACITY"
	case KindUpstreamError:
		return "UPSTREAM_ERROR"
	case KindTransport:
		return "TRANSPORT"
	case KindCanceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}

// severity orders transport-class errors so broadcast() can pick the most
// informative one to surface when every upstream fails. Lower is "less
// severe" i.e. more likely to be retried successfully elsewhere.
func (k Kind) severity() int {
	switch k {
	case KindCapacity:
		return 0
	case KindTransport:
		return 1
	case KindUpstreamError:
		return 2
	default:
		return 1
	}
}

// RPCError is the one error type the core produces. Code is the JSON-RPC
// 2.0 error code to surface when the Kind maps to one; the HTTP status is
// chosen separately by the HTTP frontend (server.go's httpStatusFor), which
// only departs from 200 for CAPACITY.
type RPCError struct {
	Kind    Kind
	Code    int
	Message string
	// Data carries an upstream's own JSON-RPC error payload verbatim for
	// KindUpstreamError, so it can be relayed unchanged (spec.md §7).
	Data interface{}
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newErr(kind Kind, code int, msg string) *RPCError {
	return &RPCError{Kind: kind, Code: code, Message: msg}
}

var (
	ErrUnsupported   = newErr(KindUnsupported, -32601, "method not supported")
	ErrInvalidReq    = newErr(KindInvalidRequest, -32600, "invalid request")
	ErrInvalidConfig = newErr(KindInvalidConfig, -32600, "invalid config")
	ErrNotSynced     = newErr(KindNotSynced, -32002, "not synced")
	ErrTimeout       = newErr(KindTimeout, -32603, "timeout")
	ErrNoServers     = newErr(KindNoServers, -32603, "no servers")
	ErrCanceled      = newErr(KindCanceled, -32603, "canceled")
)

// ErrCapacity carries an optional retry-after hint (spec.md §7, HTTP 429).
type ErrCapacity struct {
	*RPCError
	RetryAfterSecs int // 0 means unknown
}

func newCapacityErr(retryAfter int) *ErrCapacity {
	return &ErrCapacity{
		RPCError:       newErr(KindCapacity, -32603, "upstream at capacity"),
		RetryAfterSecs: retryAfter,
	}
}

func newTransportErr(cause error) *RPCError {
	return &RPCError{Kind: KindTransport, Code: -32603, Message: fmt.Sprintf("transport error: %v", cause)}
}

// UpstreamError wraps an upstream's own JSON-RPC error object. It is not a
// proxy failure: spec.md §7 requires it be relayed to the client verbatim.
func newUpstreamErr(code int, message string, data interface{}) *RPCError {
	return &RPCError{Kind: KindUpstreamError, Code: code, Message: message, Data: data}
}
