// Package protocol defines the wire contract of the gateway: the three
// frame kinds exchanged over a connection and the handshake payloads.
// The codec is pure and stateless; all connection state lives elsewhere.
package protocol

import (
	"encoding/json"
	"fmt"

	"relaygate/internal/domain"
)

// Version is the protocol version this implementation speaks.
const Version = 3

// Reserved method and event names.
const (
	MethodConnect = "connect"
	MethodHealth  = "health"

	EventChallenge = "connect.challenge"
)

// FrameType identifies the kind of frame on the wire.
type FrameType string

const (
	FrameTypeRequest  FrameType = "req"
	FrameTypeResponse FrameType = "res"
	FrameTypeEvent    FrameType = "event"
)

// ErrorInfo is the structured error carried on a failed response.
type ErrorInfo struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Frame is the envelope exchanged between client and server. Exactly one
// frame kind is populated; Validate enforces the per-kind field contract.
type Frame struct {
	Type FrameType `json:"type"`

	// req / res fields.
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	OK     bool            `json:"ok,omitempty"`
	Err    *ErrorInfo      `json:"error,omitempty"`

	// event fields. Seq is assigned per broadcast channel by the server;
	// zero means the event is unsequenced (e.g. the handshake challenge).
	Event string `json:"event,omitempty"`
	Seq   uint64 `json:"seq,omitempty"`

	// Payload carries the response result or the event body.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the per-kind field contract. Frames failing validation
// are rejected at the boundary, never dispatched.
func (f *Frame) Validate() error {
	switch f.Type {
	case FrameTypeRequest:
		if f.ID == "" {
			return domain.NewDomainError("Frame.Validate", domain.ErrMalformedFrame, "req missing id")
		}
		if f.Method == "" {
			return domain.NewDomainError("Frame.Validate", domain.ErrMalformedFrame, "req missing method")
		}
	case FrameTypeResponse:
		if f.ID == "" {
			return domain.NewDomainError("Frame.Validate", domain.ErrMalformedFrame, "res missing id")
		}
		if !f.OK && f.Err == nil {
			return domain.NewDomainError("Frame.Validate", domain.ErrMalformedFrame, "failed res missing error")
		}
		if f.OK && f.Err != nil {
			return domain.NewDomainError("Frame.Validate", domain.ErrMalformedFrame, "ok res carries error")
		}
	case FrameTypeEvent:
		if f.Event == "" {
			return domain.NewDomainError("Frame.Validate", domain.ErrMalformedFrame, "event missing name")
		}
	default:
		return domain.NewDomainError("Frame.Validate", domain.ErrMalformedFrame, fmt.Sprintf("unknown frame type %q", f.Type))
	}
	return nil
}

// Request builds a req frame, marshalling params when non-nil.
func Request(id, method string, params any) (Frame, error) {
	f := Frame{Type: FrameTypeRequest, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return Frame{}, fmt.Errorf("marshal params for %s: %w", method, err)
		}
		f.Params = raw
	}
	return f, nil
}

// Response builds an ok res frame for the given request id.
func Response(id string, payload any) (Frame, error) {
	f := Frame{Type: FrameTypeResponse, ID: id, OK: true}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("marshal response payload: %w", err)
		}
		f.Payload = raw
	}
	return f, nil
}

// ErrorResponse builds a failed res frame carrying a structured error.
func ErrorResponse(id string, code domain.ErrorCode, message string) Frame {
	return Frame{
		Type: FrameTypeResponse,
		ID:   id,
		Err:  &ErrorInfo{Code: string(code), Message: message},
	}
}

// ErrorResponseFrom converts a handler error into a failed res frame using
// the domain error-code mapping.
func ErrorResponseFrom(id string, err error) Frame {
	code := domain.ErrorCodeOf(err)
	if code == domain.CodeUnknown {
		code = domain.CodeInternal
	}
	return ErrorResponse(id, code, err.Error())
}

// EventFrame builds an event frame. seq of zero means unsequenced.
func EventFrame(name string, seq uint64, payload any) (Frame, error) {
	f := Frame{Type: FrameTypeEvent, Event: name, Seq: seq}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("marshal event payload: %w", err)
		}
		f.Payload = raw
	}
	return f, nil
}

// Encode serializes a frame after validating it.
func Encode(f Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

// Decode parses and validates a wire frame.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, domain.NewDomainError("Frame.Decode", domain.ErrMalformedFrame, err.Error())
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}
