package wire

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// Protocol identifiers stamped on every request envelope. Peers with a
// different Alt belong to another network and are disconnected.
const (
	Version = "1.0"
	Alt     = "1"
)

var (
	ErrResponseTimeout = errors.New("response timeout")
	ErrConnClosed      = errors.New("connection closed")
	ErrUnknownCommand  = errors.New("unknown command")
)

// PackType classifies a request envelope.
type PackType uint8

const (
	// PackSystem carries control traffic such as heartbeats.
	PackSystem PackType = iota + 1
	// PackData carries application requests.
	PackData
	// PackSync carries catchup and state synchronisation requests.
	PackSync
)

// Valid reports whether t is a recognized pack type.
func (t PackType) Valid() bool {
	return t >= PackSystem && t <= PackSync
}

func (t PackType) String() string {
	switch t {
	case PackSystem:
		return "system"
	case PackData:
		return "data"
	case PackSync:
		return "sync"
	}
	return fmt.Sprintf("pack(%d)", uint8(t))
}

// Request is the envelope of a request frame. Tag is the content hash of
// the other fields and is left empty while hashing.
type Request struct {
	Version string   `json:"version"`
	Alt     string   `json:"alt"`
	Type    PackType `json:"type"`
	Command string   `json:"command"`
	Body    any      `json:"body"`
	Tag     string   `json:"tag,omitempty"`
}

// NewRequest builds an untagged envelope for the current protocol version.
func NewRequest(pt PackType, command string, body any) Request {
	return Request{
		Version: Version,
		Alt:     Alt,
		Type:    pt,
		Command: command,
		Body:    body,
	}
}

// Response is the envelope of a response frame. Exactly one of Payload
// and Error is meaningful; an empty Payload is a bare acknowledgement.
type Response struct {
	Tag     string          `json:"tag"`
	Payload json.RawMessage `json:"response,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// NewResponse encodes payload into a response for tag. A nil payload
// yields an empty acknowledgement.
func NewResponse(tag string, payload any) (Response, error) {
	resp := Response{Tag: tag}
	if payload == nil {
		return resp, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("encode response payload: %w", err)
	}
	resp.Payload = raw
	return resp, nil
}

// ErrorResponse builds a response carrying err's text.
func ErrorResponse(tag string, err error) Response {
	return Response{Tag: tag, Error: err.Error()}
}

// Err returns the response error, if any, as a Go error. The sentinel
// errors of this package are returned for their wire strings so callers
// can use errors.Is.
func (r Response) Err() error {
	switch r.Error {
	case "":
		return nil
	case ErrResponseTimeout.Error():
		return ErrResponseTimeout
	case ErrConnClosed.Error():
		return ErrConnClosed
	case ErrUnknownCommand.Error():
		return ErrUnknownCommand
	}
	return errors.New(r.Error)
}

// Text returns the payload as a string when it is a JSON string.
func (r Response) Text() (string, bool) {
	if len(r.Payload) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(r.Payload, &s); err != nil {
		return "", false
	}
	return s, true
}

// Decode unmarshals the payload into v.
func (r Response) Decode(v any) error {
	if err := r.Err(); err != nil {
		return err
	}
	if len(r.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(r.Payload, v)
}

// Hello is exchanged once in each direction when a stream opens.
type Hello struct {
	Version string `json:"version"`
	Alt     string `json:"alt"`
	Role    string `json:"role"`
	Agent   string `json:"agent,omitempty"`
}

// Goodbye announces that the sender is closing the stream.
type Goodbye struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// JustSaying is a one-way notification that expects no response.
type JustSaying struct {
	Subject string `json:"subject"`
	Body    any    `json:"body,omitempty"`
}

// InboundJustSaying is JustSaying as received, with the body left raw.
type InboundJustSaying struct {
	Subject string          `json:"subject"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// Encode marshals a frame payload.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode unmarshals a frame payload.
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// DecodeRequest decodes a request frame payload and checks its envelope.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	if req.Tag == "" {
		return Request{}, fmt.Errorf("request without tag")
	}
	if req.Command == "" {
		return Request{}, fmt.Errorf("request without command")
	}
	return req, nil
}

// DecodeResponse decodes a response frame payload.
func DecodeResponse(data []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.Tag == "" {
		return Response{}, fmt.Errorf("response without tag")
	}
	return resp, nil
}
