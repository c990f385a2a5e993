package core

import (
	"errors"
	"testing"
	"time"
)

func TestNewReadyEntryLength(t *testing.T) {
	t.Parallel()

	e := newReadyEntry([]byte("hello"), 7, PlaceTail, PriorityHigh, time.Time{})
	if e.length != 5 {
		t.Errorf("length = %d, want 5", e.length)
	}
	if e.partType != 7 {
		t.Errorf("partType = %d, want 7", e.partType)
	}
	if e.forcePlaintext {
		t.Error("newReadyEntry should not force plaintext")
	}
}

func TestNewPlaintextEntryForcesPlaintext(t *testing.T) {
	t.Parallel()

	e := newPlaintextEntry([]byte("setkey"), 3, PlaceHead, PriorityExtreme, time.Time{})
	if !e.forcePlaintext {
		t.Error("newPlaintextEntry must set forcePlaintext")
	}
}

func TestLazyEntryPrepareInvokesBuildOnce(t *testing.T) {
	t.Parallel()

	calls := 0
	e := newLazyEntry(10, 1, PlaceNone, PriorityDefault, time.Time{}, func() ([]byte, error) {
		calls++
		return []byte("built"), nil
	})

	if err := e.prepare(); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if string(e.body) != "built" {
		t.Errorf("body = %q, want %q", e.body, "built")
	}
	if e.build != nil {
		t.Error("prepare should clear build after resolving it")
	}

	// Second prepare should be a no-op (build already nil).
	if err := e.prepare(); err != nil {
		t.Fatalf("second prepare: %v", err)
	}
	if calls != 1 {
		t.Errorf("build invoked %d times, want 1", calls)
	}
}

func TestLazyEntryPrepareBuildError(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("boom")
	e := newLazyEntry(10, 1, PlaceNone, PriorityDefault, time.Time{}, func() ([]byte, error) {
		return nil, wantErr
	})

	if err := e.prepare(); err != wantErr {
		t.Errorf("prepare err = %v, want %v", err, wantErr)
	}
}

func TestReadyEntryPrepareIsNoop(t *testing.T) {
	t.Parallel()

	e := newReadyEntry([]byte("already-built"), 1, PlaceNone, PriorityDefault, time.Time{})
	if err := e.prepare(); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if string(e.body) != "already-built" {
		t.Errorf("body = %q, want unchanged", e.body)
	}
}

func TestSendEntryExpired(t *testing.T) {
	t.Parallel()

	now := time.Now()

	noDeadline := newReadyEntry(nil, 1, PlaceNone, PriorityDefault, time.Time{})
	if noDeadline.expired(now) {
		t.Error("an entry with a zero deadline should never expire")
	}

	past := newReadyEntry(nil, 1, PlaceNone, PriorityDefault, now.Add(-time.Minute))
	if !past.expired(now) {
		t.Error("an entry with a past deadline should be expired")
	}

	future := newReadyEntry(nil, 1, PlaceNone, PriorityDefault, now.Add(time.Minute))
	if future.expired(now) {
		t.Error("an entry with a future deadline should not be expired")
	}
}
