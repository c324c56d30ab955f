// ABOUTME: Wire messages exchanged between the relay and its agents.
// ABOUTME: Decodes the flat envelope into a closed set of typed messages.

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrProtocol indicates a frame that does not form a valid message.
// The transport closes any connection that produces one.
var ErrProtocol = errors.New("protocol error")

// MaxIdentityLength bounds the identity an agent may register under.
const MaxIdentityLength = 256

// Kind names a message variant on the wire.
type Kind string

const (
	KindRegister   Kind = "register"
	KindRegistered Kind = "registered"
	KindRequest    Kind = "request"
	KindResponse   Kind = "response"
	KindPing       Kind = "ping"
	KindPong       Kind = "pong"
)

// Envelope is the flat wire form shared by every message kind.
// Fields irrelevant to a kind are left empty.
type Envelope struct {
	Kind          Kind            `json:"kind" cbor:"kind"`
	Identity      string          `json:"identity,omitempty" cbor:"identity,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty" cbor:"metadata,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty" cbor:"correlationId,omitempty"`
	Action        string          `json:"action,omitempty" cbor:"action,omitempty"`
	Params        json.RawMessage `json:"params,omitempty" cbor:"params,omitempty"`
	Success       *bool           `json:"success,omitempty" cbor:"success,omitempty"`
	Data          json.RawMessage `json:"data,omitempty" cbor:"data,omitempty"`
	Error         *string         `json:"error,omitempty" cbor:"error,omitempty"`
}

// Message is one of Register, Registered, Request, Response, Ping or Pong.
type Message interface {
	Kind() Kind
	envelope() *Envelope
}

// Register is the handshake an agent sends once, before any request can reach it.
type Register struct {
	Identity string
	Metadata json.RawMessage
}

// Registered acknowledges a successful registration.
type Registered struct {
	Identity string
}

// Request carries an action from the relay to an agent.
type Request struct {
	CorrelationID string
	Action        string
	Params        json.RawMessage
}

// Response is an agent's reply to a Request.
type Response struct {
	CorrelationID string
	Success       bool
	Data          json.RawMessage
	Error         string
}

// Ping asks the peer to answer with a Pong.
type Ping struct{}

// Pong answers a Ping.
type Pong struct{}

func (Register) Kind() Kind   { return KindRegister }
func (Registered) Kind() Kind { return KindRegistered }
func (Request) Kind() Kind    { return KindRequest }
func (Response) Kind() Kind   { return KindResponse }
func (Ping) Kind() Kind       { return KindPing }
func (Pong) Kind() Kind       { return KindPong }

func (m Register) envelope() *Envelope {
	return &Envelope{Kind: KindRegister, Identity: m.Identity, Metadata: m.Metadata}
}

func (m Registered) envelope() *Envelope {
	return &Envelope{Kind: KindRegistered, Identity: m.Identity}
}

func (m Request) envelope() *Envelope {
	params := m.Params
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	return &Envelope{Kind: KindRequest, CorrelationID: m.CorrelationID, Action: m.Action, Params: params}
}

func (m Response) envelope() *Envelope {
	success := m.Success
	env := &Envelope{Kind: KindResponse, CorrelationID: m.CorrelationID, Success: &success, Data: m.Data}
	if m.Error != "" {
		msg := m.Error
		env.Error = &msg
	}
	return env
}

func (Ping) envelope() *Envelope { return &Envelope{Kind: KindPing} }
func (Pong) envelope() *Envelope { return &Envelope{Kind: KindPong} }

// Wrap returns the wire envelope for msg.
func Wrap(msg Message) *Envelope {
	return msg.envelope()
}

// Message validates the envelope and returns the typed message it carries.
// Any failure wraps ErrProtocol.
func (e *Envelope) Message() (Message, error) {
	switch e.Kind {
	case KindRegister:
		identity := strings.TrimSpace(e.Identity)
		if identity == "" {
			return nil, fmt.Errorf("%w: register requires identity", ErrProtocol)
		}
		if len(identity) > MaxIdentityLength {
			return nil, fmt.Errorf("%w: identity exceeds %d bytes", ErrProtocol, MaxIdentityLength)
		}
		return Register{Identity: identity, Metadata: nonNull(e.Metadata)}, nil

	case KindRegistered:
		return Registered{Identity: e.Identity}, nil

	case KindRequest:
		if e.CorrelationID == "" {
			return nil, fmt.Errorf("%w: request requires correlationId", ErrProtocol)
		}
		if e.Action == "" {
			return nil, fmt.Errorf("%w: request requires action", ErrProtocol)
		}
		return Request{CorrelationID: e.CorrelationID, Action: e.Action, Params: nonNull(e.Params)}, nil

	case KindResponse:
		if e.CorrelationID == "" {
			return nil, fmt.Errorf("%w: response requires correlationId", ErrProtocol)
		}
		if e.Success == nil {
			return nil, fmt.Errorf("%w: response requires success", ErrProtocol)
		}
		resp := Response{CorrelationID: e.CorrelationID, Success: *e.Success, Data: nonNull(e.Data)}
		if e.Error != nil {
			resp.Error = *e.Error
		}
		return resp, nil

	case KindPing:
		return Ping{}, nil

	case KindPong:
		return Pong{}, nil

	case "":
		return nil, fmt.Errorf("%w: missing kind", ErrProtocol)

	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrProtocol, e.Kind)
	}
}

// nonNull maps an explicit JSON null to an absent value.
func nonNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	return raw
}

// MetadataInfo holds the well-known fields of registration metadata.
type MetadataInfo struct {
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// Info extracts version and capabilities from the opaque metadata.
// Metadata that is not a JSON object yields a zero MetadataInfo.
func (m Register) Info() MetadataInfo {
	var info MetadataInfo
	if len(m.Metadata) == 0 {
		return info
	}
	_ = json.Unmarshal(m.Metadata, &info)
	return info
}
