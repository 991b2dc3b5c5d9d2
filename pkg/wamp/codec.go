package wamp

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// WebSocket subprotocol identifiers, one per codec.
const (
	SubprotocolJSON    = "wamp.2.json"
	SubprotocolCBOR    = "wamp.2.cbor"
	SubprotocolMsgPack = "wamp.2.msgpack"
)

// Raw-socket serializer identifiers, carried in the handshake protocol
// nibble.
const (
	RawSocketJSON    byte = 1
	RawSocketMsgPack byte = 2
	RawSocketCBOR    byte = 3
)

// Serializer encodes typed messages to wire frames and back. Binary reports
// whether frames are binary (CBOR, MsgPack) or text (JSON); the WebSocket
// transport uses it to pick the frame type.
type Serializer interface {
	Encode(msg Message) ([]byte, error)
	Decode(data []byte) (Message, error)
	Binary() bool
	Subprotocol() string
	RawSocketID() byte
}

// SerializerForSubprotocol returns the serializer for a negotiated
// WebSocket subprotocol.
func SerializerForSubprotocol(proto string) (Serializer, error) {
	switch proto {
	case SubprotocolJSON, "":
		return &JSONSerializer{}, nil
	case SubprotocolCBOR:
		return &CBORSerializer{}, nil
	case SubprotocolMsgPack:
		return &MsgPackSerializer{}, nil
	}
	return nil, fmt.Errorf("unsupported websocket subprotocol %q", proto)
}

// SerializerForRawSocketID returns the serializer for a raw-socket
// handshake protocol nibble.
func SerializerForRawSocketID(id byte) (Serializer, error) {
	switch id {
	case RawSocketJSON:
		return &JSONSerializer{}, nil
	case RawSocketMsgPack:
		return &MsgPackSerializer{}, nil
	case RawSocketCBOR:
		return &CBORSerializer{}, nil
	}
	return nil, fmt.Errorf("unsupported raw socket serializer %d", id)
}

// Subprotocols lists every WebSocket subprotocol the runtime can serve, in
// negotiation preference order.
func Subprotocols() []string {
	return []string{SubprotocolJSON, SubprotocolCBOR, SubprotocolMsgPack}
}

// JSONSerializer encodes messages as JSON text frames.
type JSONSerializer struct{}

// Encode serializes msg to a JSON array.
func (s *JSONSerializer) Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(MarshalMessage(msg))
	if err != nil {
		return nil, fmt.Errorf("json encode %s: %w", msg.Type(), err)
	}
	return data, nil
}

// Decode parses a JSON array into a typed message.
func (s *JSONSerializer) Decode(data []byte) (Message, error) {
	var wire []any
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: invalid json frame: %v", ErrProtocolViolation, err)
	}
	return UnmarshalMessage(wire)
}

func (s *JSONSerializer) Binary() bool        { return false }
func (s *JSONSerializer) Subprotocol() string { return SubprotocolJSON }
func (s *JSONSerializer) RawSocketID() byte   { return RawSocketJSON }

// cborDecMode decodes maps as map[string]any so dicts look the same across
// codecs.
var cborDecMode, _ = cbor.DecOptions{
	DefaultMapType: reflect.TypeOf(map[string]any(nil)),
}.DecMode()

// CBORSerializer encodes messages as CBOR binary frames.
type CBORSerializer struct{}

// Encode serializes msg to a CBOR array.
func (s *CBORSerializer) Encode(msg Message) ([]byte, error) {
	data, err := cbor.Marshal(MarshalMessage(msg))
	if err != nil {
		return nil, fmt.Errorf("cbor encode %s: %w", msg.Type(), err)
	}
	return data, nil
}

// Decode parses a CBOR array into a typed message.
func (s *CBORSerializer) Decode(data []byte) (Message, error) {
	var wire []any
	if err := cborDecMode.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: invalid cbor frame: %v", ErrProtocolViolation, err)
	}
	return UnmarshalMessage(wire)
}

func (s *CBORSerializer) Binary() bool        { return true }
func (s *CBORSerializer) Subprotocol() string { return SubprotocolCBOR }
func (s *CBORSerializer) RawSocketID() byte   { return RawSocketCBOR }

// MsgPackSerializer encodes messages as MessagePack binary frames.
type MsgPackSerializer struct{}

// Encode serializes msg to a MessagePack array.
func (s *MsgPackSerializer) Encode(msg Message) ([]byte, error) {
	data, err := msgpack.Marshal(MarshalMessage(msg))
	if err != nil {
		return nil, fmt.Errorf("msgpack encode %s: %w", msg.Type(), err)
	}
	return data, nil
}

// Decode parses a MessagePack array into a typed message.
func (s *MsgPackSerializer) Decode(data []byte) (Message, error) {
	var wire []any
	if err := msgpack.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: invalid msgpack frame: %v", ErrProtocolViolation, err)
	}
	return UnmarshalMessage(wire)
}

func (s *MsgPackSerializer) Binary() bool        { return true }
func (s *MsgPackSerializer) Subprotocol() string { return SubprotocolMsgPack }
func (s *MsgPackSerializer) RawSocketID() byte   { return RawSocketMsgPack }
