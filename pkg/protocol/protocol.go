// Package protocol defines the JSON frames exchanged over the shared socket.
//
// Every WebSocket text frame carries exactly one Message. Frames with a
// RequestID take part in request/response correlation; frames without one are
// events. Operation frames (navigate, click, ...) are transported opaquely:
// the broker never looks past Type, RequestID and SessionID.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/grovetools/tabrelay/errors"
	"github.com/mitchellh/mapstructure"
)

// Frame types the broker itself produces or interprets.
const (
	TypeConnectionInit    = "connection_init"
	TypeRelayInit         = "relay_init"
	TypeRelayInitAck      = "relay_init_ack"
	TypeRelayForward      = "relay_forward"
	TypeRelayResponse     = "relay_response"
	TypeSessionCleanup    = "session_cleanup"
	TypeKeepalive         = "keepalive"
	TypePageContextUpdate = "page_context_update"
	TypeResponse          = "response"
	TypeError             = "error"
)

// Message is the envelope of every frame.
type Message struct {
	Type          string          `json:"type"`
	RequestID     string          `json:"requestId,omitempty"`
	ClientID      string          `json:"clientId,omitempty"`
	ServerVersion string          `json:"serverVersion,omitempty"`
	SessionID     string          `json:"sessionId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody is the machine-readable failure carried by a response frame.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RelayInit is the payload of a relay_init frame.
type RelayInit struct {
	PID          int    `json:"pid" mapstructure:"pid"`
	SessionID    string `json:"sessionId" mapstructure:"sessionId"`
	ProjectPath  string `json:"projectPath" mapstructure:"projectPath"`
	ProjectLabel string `json:"projectLabel" mapstructure:"projectLabel"`
}

// Decode parses a single frame. Frames without a type are rejected.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidMessage, "malformed frame")
	}
	if msg.Type == "" && msg.RequestID == "" {
		return nil, errors.InvalidMessage("frame has neither type nor requestId")
	}
	return &msg, nil
}

// Encode serializes a frame.
func Encode(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

// IsEvent reports whether a frame is an untagged event rather than part of a
// request/response exchange.
func (m *Message) IsEvent() bool {
	return m.RequestID == "" || m.Type == TypeKeepalive || m.Type == TypePageContextUpdate
}

// Clone returns a copy safe to mutate (RequestID, SessionID) without touching
// the original. Raw JSON fields are shared; they are never mutated in place.
func (m *Message) Clone() *Message {
	c := *m
	if m.Error != nil {
		e := *m.Error
		c.Error = &e
	}
	return &c
}

// Err converts an error frame into a coded error, or returns nil.
func (m *Message) Err() error {
	if m.Error == nil {
		return nil
	}
	code := errors.ErrorCode(m.Error.Code)
	switch code {
	case errors.ErrCodeTimeout, errors.ErrCodeNoPeer, errors.ErrCodeRelayLinkLost,
		errors.ErrCodeConnectionClosed, errors.ErrCodeInvalidMessage,
		errors.ErrCodeShuttingDown, errors.ErrCodeHeartbeatTimeout, errors.ErrCodeTerminalError:
		// Broker-generated codes survive a relay hop unchanged.
		return errors.New(code, m.Error.Message)
	}
	return errors.TerminalError(m.Error.Code, m.Error.Message)
}

// ErrorFrom builds an error body from any error.
func ErrorFrom(err error) *ErrorBody {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if coded, ok := err.(*errors.Error); ok {
		msg = coded.Message
	}
	return &ErrorBody{Code: string(errors.CodeOrInternal(err)), Message: msg}
}

// NewConnectionInit builds the announcement sent to every accepted socket.
func NewConnectionInit(clientID, serverVersion string) *Message {
	return &Message{Type: TypeConnectionInit, ClientID: clientID, ServerVersion: serverVersion}
}

// NewRelayInit builds the frame a relay sends right after connecting.
func NewRelayInit(init RelayInit) (*Message, error) {
	payload, err := json.Marshal(init)
	if err != nil {
		return nil, err
	}
	return &Message{Type: TypeRelayInit, Payload: payload}, nil
}

// NewRelayForward wraps an inner message in an envelope tagged with outerID.
func NewRelayForward(outerID string, inner *Message) (*Message, error) {
	payload, err := json.Marshal(inner)
	if err != nil {
		return nil, err
	}
	return &Message{Type: TypeRelayForward, RequestID: outerID, Payload: payload}, nil
}

// NewRelayResponse answers a relay_forward. Exactly one of result or err is used.
func NewRelayResponse(outerID string, result *Message, err error) *Message {
	resp := &Message{Type: TypeRelayResponse, RequestID: outerID}
	if err != nil {
		resp.Error = ErrorFrom(err)
		return resp
	}
	if result != nil {
		resp.Result = result.Result
		resp.Error = result.Error
		if resp.Result == nil && result.Payload != nil {
			resp.Result = result.Payload
		}
	}
	return resp
}

// NewSessionCleanup tells terminals that a relay holding sessionKey is gone.
func NewSessionCleanup(sessionKey string) *Message {
	return &Message{Type: TypeSessionCleanup, SessionID: sessionKey}
}

// DecodeRelayInit extracts the relay_init payload.
func DecodeRelayInit(m *Message) (*RelayInit, error) {
	var init RelayInit
	if err := DecodePayload(m, &init); err != nil {
		return nil, err
	}
	if init.PID <= 0 {
		return nil, errors.InvalidMessage("relay_init without a pid")
	}
	return &init, nil
}

// DecodeForwarded extracts the inner message of a relay_forward envelope.
func DecodeForwarded(m *Message) (*Message, error) {
	if m.RequestID == "" {
		return nil, errors.InvalidMessage("relay_forward without requestId")
	}
	if len(m.Payload) == 0 {
		return nil, errors.InvalidMessage("relay_forward without payload")
	}
	inner, err := Decode(m.Payload)
	if err != nil {
		return nil, err
	}
	return inner, nil
}

// DecodePayload decodes a frame's payload object into target. Decoding goes
// through mapstructure with weak typing, so a pid sent as "123" is accepted.
func DecodePayload(m *Message, target interface{}) error {
	if len(m.Payload) == 0 {
		return errors.InvalidMessage(fmt.Sprintf("%s frame without payload", m.Type))
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(m.Payload, &raw); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidMessage, "payload is not an object")
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create payload decoder")
	}
	if err := decoder.Decode(raw); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidMessage, fmt.Sprintf("bad %s payload", m.Type))
	}
	return nil
}
