package store

import (
	"errors"
	"reflect"
	"testing"

	"github.com/dgnsrekt/logtail/internal/protocol"
)

func entry(pos int64, level string) protocol.LogEntry {
	return protocol.LogEntry{Position: pos, Payload: map[string]any{"level": level}}
}

func positions(entries []protocol.LogEntry) []int64 {
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.Position
	}
	return out
}

func TestAppendKeepsArrivalOrder(t *testing.T) {
	s := New()
	for _, pos := range []int64{3, 1, 2, 10} {
		if err := s.Append(entry(pos, "info")); err != nil {
			t.Fatalf("append %d: %v", pos, err)
		}
	}

	got := positions(s.Snapshot())
	want := []int64{3, 1, 2, 10}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestAppendDuplicateRejected(t *testing.T) {
	s := New()
	_ = s.Append(entry(0, "info"))
	_ = s.Append(entry(1, "error"))

	before := s.Snapshot()

	err := s.Append(entry(1, "debug"))
	if !errors.Is(err, ErrDuplicatePosition) {
		t.Fatalf("expected ErrDuplicatePosition, got %v", err)
	}
	var dup *DuplicatePositionError
	if !errors.As(err, &dup) || dup.Position != 1 {
		t.Errorf("expected DuplicatePositionError for position 1, got %v", err)
	}

	after := s.Snapshot()
	if !reflect.DeepEqual(before, after) {
		t.Errorf("store changed after rejected append: before %v, after %v", before, after)
	}
}

func TestAppendDuplicateAllowedWhenNotStrict(t *testing.T) {
	s := New(WithStrictPositions(false))
	_ = s.Append(entry(1, "info"))
	if err := s.Append(entry(1, "info")); err != nil {
		t.Fatalf("expected duplicate to be kept, got %v", err)
	}
	if s.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", s.Len())
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	s := New()
	_ = s.Append(entry(0, "info"))

	snap := s.Snapshot()
	snap[0].Position = 99

	if s.Snapshot()[0].Position != 0 {
		t.Error("mutating snapshot changed the store")
	}
}

func TestSubscribersNotifiedInRegistrationOrder(t *testing.T) {
	s := New()
	var calls []string

	s.Subscribe(func(e protocol.LogEntry) { calls = append(calls, "first") })
	s.Subscribe(func(e protocol.LogEntry) { calls = append(calls, "second") })

	_ = s.Append(entry(0, "info"))

	want := []string{"first", "second"}
	if !reflect.DeepEqual(calls, want) {
		t.Errorf("expected %v, got %v", want, calls)
	}
}

func TestSubscriberNotNotifiedOnRejectedAppend(t *testing.T) {
	s := New()
	count := 0
	s.Subscribe(func(protocol.LogEntry) { count++ })

	_ = s.Append(entry(0, "info"))
	_ = s.Append(entry(0, "info"))

	if count != 1 {
		t.Errorf("expected 1 notification, got %d", count)
	}
}

func TestUnsubscribe(t *testing.T) {
	s := New()
	var got []int64

	sub := s.Subscribe(func(e protocol.LogEntry) { got = append(got, e.Position) })
	_ = s.Append(entry(0, "info"))
	sub.Unsubscribe()
	sub.Unsubscribe()
	_ = s.Append(entry(1, "info"))

	if !reflect.DeepEqual(got, []int64{0}) {
		t.Errorf("expected only position 0 delivered, got %v", got)
	}
}

func TestSubscriberCanReadStore(t *testing.T) {
	s := New()
	var seen int
	s.Subscribe(func(protocol.LogEntry) { seen = s.Len() })

	_ = s.Append(entry(0, "info"))
	if seen != 1 {
		t.Errorf("expected subscriber to observe the appended entry, saw len %d", seen)
	}
}

func TestClear(t *testing.T) {
	s := New()
	_ = s.Append(entry(0, "info"))
	s.Clear()

	if s.Len() != 0 {
		t.Fatalf("expected empty store, got %d", s.Len())
	}
	if err := s.Append(entry(0, "info")); err != nil {
		t.Errorf("expected position to be reusable after Clear, got %v", err)
	}
}
