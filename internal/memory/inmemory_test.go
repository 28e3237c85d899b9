package memory

import (
	"context"
	"testing"
)

func TestInMemoryStoreRecentContext(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	for _, content := range []string{"one", "two", "three"} {
		if err := s.SaveTurn(ctx, TurnRecord{UserID: "u1", Role: "assistant", Content: content}); err != nil {
			t.Fatalf("SaveTurn() error = %v", err)
		}
	}
	_ = s.SaveTurn(ctx, TurnRecord{UserID: "u2", Content: "other"})

	got, err := s.RecentContext(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("RecentContext() error = %v", err)
	}
	if len(got) != 2 || got[0].Content != "two" || got[1].Content != "three" {
		t.Fatalf("RecentContext() = %+v, want [two three]", got)
	}
	if got[0].ID == "" || got[0].CreatedAt.IsZero() {
		t.Fatalf("record defaults not applied: %+v", got[0])
	}

	all, _ := s.RecentContext(ctx, "u1", 0)
	if len(all) != 3 {
		t.Fatalf("RecentContext(limit=0) len = %d, want 3", len(all))
	}
	if none, _ := s.RecentContext(ctx, "missing", 5); none != nil {
		t.Fatalf("RecentContext(missing) = %+v, want nil", none)
	}
	if s.Mode() != "in-memory" {
		t.Fatalf("Mode() = %q", s.Mode())
	}
}

func TestNewStoreWithoutDatabaseURL(t *testing.T) {
	s, err := NewStore(context.Background(), "  ")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Fatalf("NewStore() = %T, want *InMemoryStore", s)
	}
}
