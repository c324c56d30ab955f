// ABOUTME: JSON and CBOR encodings of the wire envelope.
// ABOUTME: JSON frames travel over WebSocket, CBOR frames over the gRPC stream.

package protocol

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error

	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}

	// any-typed targets decode as map[string]any so decoded values stay
	// compatible with encoding/json.
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeJSON encodes msg as a JSON envelope.
func EncodeJSON(msg Message) ([]byte, error) {
	return json.Marshal(Wrap(msg))
}

// DecodeJSON decodes and validates a JSON envelope.
func DecodeJSON(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed JSON frame: %v", ErrProtocol, err)
	}
	return env.Message()
}

// MarshalCBOR encodes v with Core Deterministic Encoding.
func MarshalCBOR(v any) ([]byte, error) {
	return cborEnc.Marshal(v)
}

// UnmarshalCBOR decodes CBOR data into v.
func UnmarshalCBOR(data []byte, v any) error {
	return cborDec.Unmarshal(data, v)
}

// EncodeCBOR encodes msg as a CBOR envelope.
func EncodeCBOR(msg Message) ([]byte, error) {
	return MarshalCBOR(Wrap(msg))
}

// DecodeCBOR decodes and validates a CBOR envelope.
func DecodeCBOR(data []byte) (Message, error) {
	var env Envelope
	if err := UnmarshalCBOR(data, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed CBOR frame: %v", ErrProtocol, err)
	}
	return env.Message()
}
