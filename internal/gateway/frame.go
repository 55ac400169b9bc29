package gateway

import "encoding/json"

// MaxFrameBytes bounds a single wire frame. It is the socket's read limit:
// a larger frame fails the read and closes the connection; no
// ErrCodePayloadTooLarge response is sent.
const MaxFrameBytes = 25 * 1024 * 1024

// ProtocolVersion is the highest protocol version this router speaks.
const ProtocolVersion = 1

// Frame kinds.
const (
	FrameReq   = "req"
	FrameRes   = "res"
	FrameEvent = "event"
)

// Status markers on an intermediate "res" frame.
const (
	StatusAccepted = "accepted"
)

// Error code strings used on the wire (§7 of the error-handling design).
const (
	ErrCodeInvalidRequest   = "invalid-request"
	ErrCodeUnknownMethod    = "unknown-method"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeUnauthorizedRole = "unauthorized-role"
	ErrCodeMissingScope     = "missing-scope"
	ErrCodeProtocolVersion  = "protocol-version"
	ErrCodePayloadTooLarge  = "payload-too-large"
	ErrCodeRateLimited      = "rate-limited"
	ErrCodeTimeout          = "timeout"
	ErrCodeContextOverflow  = "context-overflow"
	ErrCodeNotFound         = "not-found"
	ErrCodeConflict         = "conflict"
	ErrCodeLockTimeout      = "lock-timeout"
	ErrCodeCorruptStore     = "corrupt-store"
	ErrCodeInternal         = "internal"
)

// Frame is the single wire envelope for all three frame kinds. Unused
// fields are omitted by the json tags so a "req" frame on the wire never
// carries res/event fields and vice versa.
type Frame struct {
	Type string `json:"type"`

	// req / res
	ID string `json:"id,omitempty"`

	// req
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// res
	OK      bool            `json:"ok,omitempty"`
	Status  string          `json:"status,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`

	// event
	Event string `json:"event,omitempty"`
	Seq   uint64 `json:"seq,omitempty"`
}

// FrameError is the shape of Frame.Error.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RouterError carries a wire error code alongside a Go error so handler
// code can produce a precise res.error without string-sniffing.
type RouterError struct {
	Code    string
	Message string
}

func (e *RouterError) Error() string { return e.Code + ": " + e.Message }

// NewRouterError builds a RouterError.
func NewRouterError(code, message string) *RouterError {
	return &RouterError{Code: code, Message: message}
}

func newReqFrame(id, method string, params json.RawMessage) *Frame {
	return &Frame{Type: FrameReq, ID: id, Method: method, Params: params}
}

func newOKFrame(id string, payload json.RawMessage) *Frame {
	return &Frame{Type: FrameRes, ID: id, OK: true, Payload: payload}
}

func newAcceptedFrame(id string, payload json.RawMessage) *Frame {
	return &Frame{Type: FrameRes, ID: id, OK: true, Status: StatusAccepted, Payload: payload}
}

func newErrFrame(id string, routerErr *RouterError) *Frame {
	return &Frame{Type: FrameRes, ID: id, OK: false, Error: &FrameError{Code: routerErr.Code, Message: routerErr.Message}}
}

func newEventFrame(event string, payload json.RawMessage, seq uint64) *Frame {
	return &Frame{Type: FrameEvent, Event: event, Payload: payload, Seq: seq}
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
