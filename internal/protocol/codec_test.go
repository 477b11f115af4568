package protocol

import (
	"errors"
	"reflect"
	"testing"
)

func TestJSONEncodeStart(t *testing.T) {
	frame, err := NewJSONCodec().EncodeStart(StartRequest{FromPosition: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(frame) != `{"startFrom":10}` {
		t.Errorf("expected {\"startFrom\":10}, got %s", frame)
	}
}

func TestJSONDecodeIncoming(t *testing.T) {
	entry, err := NewJSONCodec().DecodeIncoming([]byte(`{"position":5,"payload":"{\"a\":1}"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.Position != 5 {
		t.Errorf("expected position 5, got %d", entry.Position)
	}
	want := map[string]any{"a": float64(1)}
	if !reflect.DeepEqual(entry.Payload, want) {
		t.Errorf("expected payload %v, got %v", want, entry.Payload)
	}
}

func TestJSONDecodeIncoming_PositionNotInteger(t *testing.T) {
	_, err := NewJSONCodec().DecodeIncoming([]byte(`{"position":"x","payload":"{}"}`))
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
	var mf *MalformedFrameError
	if !errors.As(err, &mf) {
		t.Fatalf("expected *MalformedFrameError, got %T", err)
	}
	if mf.Stage != StageFrame {
		t.Errorf("expected stage %q, got %q", StageFrame, mf.Stage)
	}
}

func TestJSONDecodeIncoming_Failures(t *testing.T) {
	cases := []struct {
		name  string
		frame string
		stage Stage
	}{
		{"not json", `nope`, StageFrame},
		{"missing position", `{"payload":"{}"}`, StageFrame},
		{"missing payload", `{"position":1}`, StageFrame},
		{"payload not string", `{"position":1,"payload":{}}`, StageFrame},
		{"fractional position", `{"position":1.5,"payload":"{}"}`, StageFrame},
		{"payload not json", `{"position":1,"payload":"{oops"}`, StagePayload},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewJSONCodec().DecodeIncoming([]byte(tc.frame))
			var mf *MalformedFrameError
			if !errors.As(err, &mf) {
				t.Fatalf("expected *MalformedFrameError, got %v", err)
			}
			if mf.Stage != tc.stage {
				t.Errorf("expected stage %q, got %q", tc.stage, mf.Stage)
			}
		})
	}
}

func TestJSONServerSide(t *testing.T) {
	c := NewJSONCodec()

	req, err := c.DecodeStart([]byte(`{"startFrom":42}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.FromPosition != 42 {
		t.Errorf("expected 42, got %d", req.FromPosition)
	}

	req, err = c.DecodeStart([]byte(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.FromPosition != 0 {
		t.Errorf("expected absent startFrom to mean 0, got %d", req.FromPosition)
	}

	frame, err := c.EncodeEntry(LogEntry{Position: 0, Payload: map[string]any{"level": "info"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(frame) != `{"position":0,"payload":"{\"level\":\"info\"}"}` {
		t.Errorf("unexpected frame: %s", frame)
	}
}

func TestProtobufStartRoundTrip(t *testing.T) {
	c := NewProtobufCodec()
	for _, pos := range []int64{0, 1, 300, 1 << 40} {
		frame, err := c.EncodeStart(StartRequest{FromPosition: pos})
		if err != nil {
			t.Fatalf("encode %d: %v", pos, err)
		}
		got, err := c.DecodeStart(frame)
		if err != nil {
			t.Fatalf("decode %d: %v", pos, err)
		}
		if got.FromPosition != pos {
			t.Errorf("expected %d, got %d", pos, got.FromPosition)
		}
	}
}

func TestProtobufEntryRoundTrip(t *testing.T) {
	c := NewProtobufCodec()
	payload := map[string]any{
		"level": "error",
		"count": float64(3),
		"tags":  []any{"a", "b"},
	}

	for _, pos := range []int64{0, 7} {
		frame, err := c.EncodeEntry(LogEntry{Position: pos, Payload: payload})
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		entry, err := c.DecodeIncoming(frame)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if entry.Position != pos {
			t.Errorf("expected position %d, got %d", pos, entry.Position)
		}
		if !reflect.DeepEqual(entry.Payload, payload) {
			t.Errorf("expected payload %v, got %v", payload, entry.Payload)
		}
	}
}

func TestProtobufDecodeIncoming_Failures(t *testing.T) {
	c := NewProtobufCodec()

	_, err := c.DecodeIncoming([]byte{0xff})
	var mf *MalformedFrameError
	if !errors.As(err, &mf) || mf.Stage != StageFrame {
		t.Errorf("expected frame stage error for truncated tag, got %v", err)
	}

	// position only, no entry
	_, err = c.DecodeIncoming([]byte{0x08, 0x05})
	if !errors.As(err, &mf) || mf.Stage != StagePayload {
		t.Errorf("expected payload stage error for missing entry, got %v", err)
	}

	// entry field holding bytes that are not a Struct
	_, err = c.DecodeIncoming([]byte{0x12, 0x02, 0xff, 0xff})
	if !errors.As(err, &mf) || mf.Stage != StagePayload {
		t.Errorf("expected payload stage error for bad struct, got %v", err)
	}
}

func TestProtobufEncodeEntry_RequiresObject(t *testing.T) {
	_, err := NewProtobufCodec().EncodeEntry(LogEntry{Position: 1, Payload: "text"})
	if err == nil {
		t.Fatal("expected error for non-object payload")
	}
}

func TestCodecFor(t *testing.T) {
	for _, name := range []string{"json", "protobuf"} {
		c, err := CodecFor(name)
		if err != nil {
			t.Fatalf("CodecFor(%q): %v", name, err)
		}
		if c.Name() != name {
			t.Errorf("expected %q, got %q", name, c.Name())
		}
		back, ok := CodecForSubprotocol(c.Subprotocol())
		if !ok || back.Name() != name {
			t.Errorf("subprotocol %q did not map back to %q", c.Subprotocol(), name)
		}
	}

	if _, err := CodecFor("xml"); !errors.Is(err, ErrUnknownCodec) {
		t.Errorf("expected ErrUnknownCodec, got %v", err)
	}
}
