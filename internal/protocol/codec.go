package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	SubprotocolJSON     = "json.logtail.v1"
	SubprotocolProtobuf = "protobuf.logtail.v1"
)

// Codec translates between domain messages and websocket frames.
// Clients use EncodeStart and DecodeIncoming; servers use the inverse pair.
type Codec interface {
	Name() string
	Subprotocol() string
	// Binary reports whether frames are sent as binary rather than text messages.
	Binary() bool

	EncodeStart(req StartRequest) ([]byte, error)
	DecodeIncoming(frame []byte) (LogEntry, error)

	DecodeStart(frame []byte) (StartRequest, error)
	EncodeEntry(entry LogEntry) ([]byte, error)
}

// CodecFor returns the codec registered under name ("json" or "protobuf").
func CodecFor(name string) (Codec, error) {
	switch name {
	case "", "json":
		return NewJSONCodec(), nil
	case "protobuf":
		return NewProtobufCodec(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCodec, name)
	}
}

// CodecForSubprotocol maps a negotiated websocket subprotocol to its codec.
func CodecForSubprotocol(subprotocol string) (Codec, bool) {
	switch subprotocol {
	case SubprotocolJSON:
		return NewJSONCodec(), true
	case SubprotocolProtobuf:
		return NewProtobufCodec(), true
	default:
		return nil, false
	}
}

// ============================================================================
// JSON Codec
// ============================================================================

type jsonCodec struct{}

// NewJSONCodec returns the text codec. Entry payloads travel as a
// JSON-encoded string inside the frame and are decoded a second time.
func NewJSONCodec() Codec { return jsonCodec{} }

type startFrame struct {
	StartFrom int64 `json:"startFrom"`
}

type entryFrame struct {
	Position *int64  `json:"position"`
	Payload  *string `json:"payload"`
}

func (jsonCodec) Name() string        { return "json" }
func (jsonCodec) Subprotocol() string { return SubprotocolJSON }
func (jsonCodec) Binary() bool        { return false }

func (jsonCodec) EncodeStart(req StartRequest) ([]byte, error) {
	return json.Marshal(startFrame{StartFrom: req.FromPosition})
}

func (jsonCodec) DecodeIncoming(frame []byte) (LogEntry, error) {
	var msg entryFrame
	if err := json.Unmarshal(frame, &msg); err != nil {
		return LogEntry{}, malformed(StageFrame, err)
	}
	if msg.Position == nil {
		return LogEntry{}, malformed(StageFrame, fmt.Errorf("%w: position", ErrMissingField))
	}
	if msg.Payload == nil {
		return LogEntry{}, malformed(StageFrame, fmt.Errorf("%w: payload", ErrMissingField))
	}

	var payload any
	if err := json.Unmarshal([]byte(*msg.Payload), &payload); err != nil {
		return LogEntry{}, malformed(StagePayload, err)
	}

	return LogEntry{Position: *msg.Position, Payload: payload}, nil
}

func (jsonCodec) DecodeStart(frame []byte) (StartRequest, error) {
	var msg struct {
		StartFrom *int64 `json:"startFrom"`
	}
	if err := json.Unmarshal(frame, &msg); err != nil {
		return StartRequest{}, malformed(StageFrame, err)
	}
	if msg.StartFrom == nil {
		return StartRequest{}, nil
	}
	return StartRequest{FromPosition: *msg.StartFrom}, nil
}

func (jsonCodec) EncodeEntry(entry LogEntry) ([]byte, error) {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	s := string(payload)
	pos := entry.Position

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(entryFrame{Position: &pos, Payload: &s}); err != nil {
		return nil, fmt.Errorf("marshal entry frame: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ============================================================================
// Protobuf Codec
// ============================================================================

// Field numbers from logtail.proto.
const (
	fieldFromPosition protowire.Number = 1

	fieldPosition protowire.Number = 1
	fieldEntry    protowire.Number = 2
)

type protobufCodec struct{}

// NewProtobufCodec returns the binary codec matching LogEntryRequest and
// LogEntryResponse in logtail.proto.
func NewProtobufCodec() Codec { return protobufCodec{} }

func (protobufCodec) Name() string        { return "protobuf" }
func (protobufCodec) Subprotocol() string { return SubprotocolProtobuf }
func (protobufCodec) Binary() bool        { return true }

func (protobufCodec) EncodeStart(req StartRequest) ([]byte, error) {
	// from_position is optional in the schema, so it is emitted even when zero.
	b := protowire.AppendTag(nil, fieldFromPosition, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(req.FromPosition))
	return b, nil
}

func (protobufCodec) DecodeStart(frame []byte) (StartRequest, error) {
	var req StartRequest
	err := consumeFields(frame, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == fieldFromPosition && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			req.FromPosition = int64(v)
			return n, nil
		}
		return -1, nil
	})
	if err != nil {
		return StartRequest{}, malformed(StageFrame, err)
	}
	return req, nil
}

func (protobufCodec) DecodeIncoming(frame []byte) (LogEntry, error) {
	var (
		entry    LogEntry
		rawEntry []byte
		hasEntry bool
	)
	err := consumeFields(frame, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldPosition && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			entry.Position = int64(v)
			return n, nil
		case num == fieldEntry && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			rawEntry = v
			hasEntry = true
			return n, nil
		}
		return -1, nil
	})
	if err != nil {
		return LogEntry{}, malformed(StageFrame, err)
	}
	if !hasEntry {
		return LogEntry{}, malformed(StagePayload, fmt.Errorf("%w: entry", ErrMissingField))
	}

	var doc structpb.Struct
	if err := proto.Unmarshal(rawEntry, &doc); err != nil {
		return LogEntry{}, malformed(StagePayload, err)
	}
	entry.Payload = doc.AsMap()
	return entry, nil
}

func (protobufCodec) EncodeEntry(entry LogEntry) ([]byte, error) {
	fields, ok := entry.Payload.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("protobuf entry payload must be an object, got %T", entry.Payload)
	}
	doc, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build struct: %w", err)
	}
	raw, err := proto.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal struct: %w", err)
	}

	var b []byte
	if entry.Position != 0 {
		b = protowire.AppendTag(b, fieldPosition, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(entry.Position))
	}
	b = protowire.AppendTag(b, fieldEntry, protowire.BytesType)
	b = protowire.AppendBytes(b, raw)
	return b, nil
}

// consumeFields walks a protobuf message. visit returns the number of bytes
// it consumed, or -1 to have the field skipped.
func consumeFields(b []byte, visit func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		n, err := visit(num, typ, b)
		if err != nil {
			return err
		}
		if n < 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
		}
		b = b[n:]
	}
	return nil
}
