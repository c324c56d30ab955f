// Package protocol defines the messages exchanged between the relay and agents.
//
// Every frame is a flat Envelope whose kind field selects one variant of a
// closed set:
//
//	{kind:"register",   identity, metadata}                       agent → relay
//	{kind:"registered", identity}                                 relay → agent
//	{kind:"request",    correlationId, action, params}            relay → agent
//	{kind:"response",   correlationId, success, data, error}      agent → relay
//	{kind:"ping"} / {kind:"pong"}                                 either side
//
// Envelope.Message validates the envelope and returns the typed variant.
// Anything that fails validation wraps ErrProtocol.
//
// WebSocket transports carry JSON envelopes (EncodeJSON/DecodeJSON); the gRPC
// stream carries CBOR envelopes (EncodeCBOR/DecodeCBOR). The opaque params,
// data and metadata fields are JSON documents in both encodings.
package protocol
