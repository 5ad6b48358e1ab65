// Package stratum implements the Stratum V1 mining protocol: TCP listeners,
// per-connection session state machines, the session registry/broadcaster,
// and the variable-difficulty controller.
package stratum

import (
	"encoding/json"
	"fmt"
)

// Stratum V1 error codes.
const (
	ErrOther         = 20
	ErrJobNotFound   = 21
	ErrDuplicate     = 22
	ErrLowDifficulty = 23
	ErrUnauthorized  = 24
	ErrNotSubscribed = 25
)

var errMessages = map[int]string{
	ErrOther:         "Other/Unknown",
	ErrJobNotFound:   "Job not found",
	ErrDuplicate:     "Duplicate share",
	ErrLowDifficulty: "Low difficulty share",
	ErrUnauthorized:  "Unauthorized worker",
	ErrNotSubscribed: "Not subscribed",
}

// Request is a JSON-RPC request from a miner.
type Request struct {
	ID     interface{}       `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// Response is a JSON-RPC response sent to a miner.
type Response struct {
	ID     interface{} `json:"id"`
	Result interface{} `json:"result"`
	Error  *Error      `json:"error"`
}

// Notification is a server-initiated message (id is always null).
type Notification struct {
	ID     interface{} `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

// Error is a structured Stratum protocol error.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("stratum error %d: %s", e.Code, e.Message)
}

// NewError creates an Error with the canonical message for a code.
func NewError(code int) *Error {
	msg, ok := errMessages[code]
	if !ok {
		msg = errMessages[ErrOther]
	}
	return &Error{Code: code, Message: msg}
}

// ParseRequest parses a raw JSON line into a Request.
func ParseRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid JSON-RPC: %w", err)
	}
	if req.Method == "" {
		return nil, fmt.Errorf("missing method")
	}
	return &req, nil
}

// EncodeResponse marshals a response with a trailing newline.
func EncodeResponse(id interface{}, result interface{}, stratumErr *Error) []byte {
	data, _ := json.Marshal(Response{ID: id, Result: result, Error: stratumErr})
	return append(data, '\n')
}

// EncodeNotification marshals a server notification with a trailing newline.
func EncodeNotification(method string, params interface{}) []byte {
	data, _ := json.Marshal(Notification{Method: method, Params: params})
	return append(data, '\n')
}

// ParamString extracts a string parameter from raw params.
func ParamString(params []json.RawMessage, index int) (string, error) {
	if index >= len(params) {
		return "", fmt.Errorf("param index %d out of range (have %d)", index, len(params))
	}
	var s string
	if err := json.Unmarshal(params[index], &s); err != nil {
		return "", fmt.Errorf("param %d not a string: %w", index, err)
	}
	return s, nil
}

// ParamJobID extracts a job id, accepting both the hex string we issue and
// the bare number some miners echo back.
func ParamJobID(params []json.RawMessage, index int) (uint32, error) {
	s, err := ParamString(params, index)
	if err == nil {
		var id uint64
		if _, err := fmt.Sscanf(s, "%x", &id); err != nil {
			return 0, fmt.Errorf("param %d: bad job id %q", index, s)
		}
		return uint32(id), nil
	}
	var n float64
	if err := json.Unmarshal(params[index], &n); err == nil {
		return uint32(n), nil
	}
	return 0, fmt.Errorf("param %d: not a valid job id", index)
}
