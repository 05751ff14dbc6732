// Package bridge speaks newline-delimited JSON-RPC 2.0 over a child
// process's stdin/stdout. It owns the private id space used toward each
// backend: caller-side ids never cross the pipe, every in-flight call is
// keyed by a connection-local monotonic id.
package bridge

import (
	"encoding/json"
	"fmt"
)

// Message is a JSON-RPC 2.0 envelope. Exactly one of the request fields
// (Method set) or response fields (Result or Error set) is populated.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the error member of a JSON-RPC response. It is relayed to
// callers verbatim, code and data included.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error makes ErrorObject usable as a Go error so backend failures flow
// through error returns without losing the wire fields.
func (e *ErrorObject) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend error (code %d)", e.Code)
	}
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// NewRequest builds a request message with the given id.
func NewRequest(id int64, method string, params any) (*Message, error) {
	paramsJSON, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: "2.0", ID: id, Method: method, Params: paramsJSON}, nil
}

// NewNotification builds a notification message, which carries no id and
// expects no reply.
func NewNotification(method string, params any) (*Message, error) {
	paramsJSON, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: "2.0", Method: method, Params: paramsJSON}, nil
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshaling params: %w", err)
	}
	return data, nil
}

// IsResponse reports whether the message answers an earlier request.
func (m *Message) IsResponse() bool {
	return m.ID != nil && m.Method == "" && (m.Result != nil || m.Error != nil)
}

// IsNotification reports whether the message is a server-initiated
// notification.
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// responseID extracts the numeric id from a response. Ids issued by this
// package are always integers; anything else cannot match a pending call.
func responseID(id any) (int64, bool) {
	switch v := id.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}
