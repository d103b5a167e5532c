package proxyd

import "encoding/json"

// RPCReq is a single JSON-RPC 2.0 request. Params may be a JSON array or
// object per spec.md §6; it is kept raw and canonicalized lazily by the
// Router (see canonicalizeParams in router.go).
type RPCReq struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCRes is a single JSON-RPC 2.0 response.
type RPCRes struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func errorResponse(id json.RawMessage, err *RPCError) *RPCRes {
	return &RPCRes{
		JSONRPC: "2.0",
		ID:      id,
		Error: &jsonRPCError{
			Code:    err.Code,
			Message: err.Message,
			Data:    err.Data,
		},
	}
}

func successResponse(id json.RawMessage, result json.RawMessage) *RPCRes {
	return &RPCRes{JSONRPC: "2.0", ID: id, Result: result}
}

// subscriptionNotification is the envelope for §4.5 fan-out notifications:
// method eth_subscription, params {subscription, result}.
type subscriptionNotification struct {
	JSONRPC string                 `json:"jsonrpc"`
	Method  string                 `json:"method"`
	Params  subscriptionNotifyBody `json:"params"`
}

type subscriptionNotifyBody struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

func newNotification(subID string, result json.RawMessage) *subscriptionNotification {
	return &subscriptionNotification{
		JSONRPC: "2.0",
		Method:  "eth_subscription",
		Params: subscriptionNotifyBody{
			Subscription: subID,
			Result:       result,
		},
	}
}
