package app

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSessionManager_Limit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		max     int
		adds    int
		wantErr int
	}{
		{"unlimited", 0, 5, 0},
		{"under limit", 3, 2, 0},
		{"at limit", 2, 3, 1},
		{"limit one", 1, 4, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sm := NewSessionManager(tt.max, nil)
			ctx := context.Background()

			rejected := 0
			for i := range tt.adds {
				info := SessionInfo{SessionID: string(rune('a' + i)), StartedAt: time.Now()}
				if err := sm.Add(ctx, info, nil); err != nil {
					if !errors.Is(err, ErrTooManySessions) {
						t.Fatalf("Add error = %v, want ErrTooManySessions", err)
					}
					rejected++
				}
			}
			if rejected != tt.wantErr {
				t.Errorf("rejected = %d, want %d", rejected, tt.wantErr)
			}
			if got, want := sm.Count(), tt.adds-tt.wantErr; got != want {
				t.Errorf("Count() = %d, want %d", got, want)
			}
		})
	}
}

func TestSessionManager_RemoveFreesSlot(t *testing.T) {
	t.Parallel()

	sm := NewSessionManager(1, nil)
	ctx := context.Background()

	if err := sm.Add(ctx, SessionInfo{SessionID: "one"}, nil); err != nil {
		t.Fatalf("Add(one): %v", err)
	}
	if err := sm.Add(ctx, SessionInfo{SessionID: "two"}, nil); !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("Add(two) = %v, want ErrTooManySessions", err)
	}

	sm.Remove(ctx, "one")
	sm.Remove(ctx, "unknown")
	if err := sm.Add(ctx, SessionInfo{SessionID: "two"}, nil); err != nil {
		t.Fatalf("Add(two) after Remove: %v", err)
	}
}

func TestSessionManager_DuplicateID(t *testing.T) {
	t.Parallel()

	sm := NewSessionManager(0, nil)
	ctx := context.Background()
	if err := sm.Add(ctx, SessionInfo{SessionID: "same"}, nil); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	err := sm.Add(ctx, SessionInfo{SessionID: "same"}, nil)
	if err == nil {
		t.Fatal("duplicate Add returned nil error")
	}
	if errors.Is(err, ErrTooManySessions) {
		t.Errorf("duplicate Add error = %v, should not be ErrTooManySessions", err)
	}
}

func TestSessionManager_SessionsOldestFirst(t *testing.T) {
	t.Parallel()

	sm := NewSessionManager(0, nil)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"c", "a", "b"} {
		info := SessionInfo{SessionID: id, StartedAt: base.Add(time.Duration(2-i) * time.Minute)}
		if err := sm.Add(ctx, info, nil); err != nil {
			t.Fatalf("Add(%s): %v", id, err)
		}
	}

	got := sm.Sessions()
	want := []string{"b", "a", "c"}
	if len(got) != len(want) {
		t.Fatalf("Sessions() len = %d, want %d", len(got), len(want))
	}
	for i, s := range got {
		if s.SessionID != want[i] {
			t.Errorf("Sessions()[%d] = %q, want %q", i, s.SessionID, want[i])
		}
	}
}

func TestSessionManager_CloseAll(t *testing.T) {
	t.Parallel()

	sm := NewSessionManager(0, nil)
	ctx := context.Background()

	var cancelled []string
	for _, id := range []string{"x", "y"} {
		if err := sm.Add(ctx, SessionInfo{SessionID: id}, func() { cancelled = append(cancelled, id) }); err != nil {
			t.Fatalf("Add(%s): %v", id, err)
		}
	}
	if err := sm.Add(ctx, SessionInfo{SessionID: "nil-cancel"}, nil); err != nil {
		t.Fatalf("Add(nil-cancel): %v", err)
	}

	sm.CloseAll()
	if len(cancelled) != 2 {
		t.Errorf("cancelled = %v, want both sessions", cancelled)
	}
	// Sessions unregister themselves; CloseAll only signals them.
	if got := sm.Count(); got != 3 {
		t.Errorf("Count() after CloseAll = %d, want 3", got)
	}
}
