package citation

import (
	"context"
	"sync"
	"testing"

	"github.com/evmakarov/atlas-tutor/internal/domain"
)

// fakeCounterStore keeps counters in memory with the same contract as the
// SQLite implementation: atomic advance, returns the last id of the block.
type fakeCounterStore struct {
	mu  sync.Mutex
	rag map[string]int64
	web map[string]int64
}

func newFakeCounterStore() *fakeCounterStore {
	return &fakeCounterStore{
		rag: make(map[string]int64),
		web: make(map[string]int64),
	}
}

func (f *fakeCounterStore) ReserveRagIDs(_ context.Context, key domain.ConversationKey, n int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rag[key.String()] += int64(n)
	return f.rag[key.String()], nil
}

func (f *fakeCounterStore) ReserveWebIDs(_ context.Context, key domain.ConversationKey, n int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.web[key.String()] += int64(n)
	return f.web[key.String()], nil
}

func TestCountersIssueAscendingBlocks(t *testing.T) {
	t.Parallel()

	counters := NewCounters(newFakeCounterStore())
	key := domain.ConversationKey{UserID: "u1", CourseID: "c1"}
	ctx := context.Background()

	first, err := counters.NextRagIDs(ctx, key, 2)
	if err != nil {
		t.Fatalf("NextRagIDs failed: %v", err)
	}
	if len(first) != 2 || first[0] != 1 || first[1] != 2 {
		t.Errorf("Expected [1 2], got %v", first)
	}

	second, err := counters.NextRagIDs(ctx, key, 3)
	if err != nil {
		t.Fatalf("NextRagIDs failed: %v", err)
	}
	if len(second) != 3 || second[0] != 3 || second[2] != 5 {
		t.Errorf("Expected [3 4 5], got %v", second)
	}
}

func TestCountersCategoriesAdvanceIndependently(t *testing.T) {
	t.Parallel()

	counters := NewCounters(newFakeCounterStore())
	key := domain.ConversationKey{UserID: "u1", CourseID: "c1"}
	ctx := context.Background()

	if _, err := counters.NextRagIDs(ctx, key, 4); err != nil {
		t.Fatalf("NextRagIDs failed: %v", err)
	}

	web, err := counters.NextWebIDs(ctx, key, 2)
	if err != nil {
		t.Fatalf("NextWebIDs failed: %v", err)
	}
	if web[0] != 1 || web[1] != 2 {
		t.Errorf("Expected web ids to start at 1, got %v", web)
	}
}

func TestCountersConversationsAreIsolated(t *testing.T) {
	t.Parallel()

	counters := NewCounters(newFakeCounterStore())
	ctx := context.Background()
	keyA := domain.ConversationKey{UserID: "u1", CourseID: "c1"}
	keyB := domain.ConversationKey{UserID: "u1", CourseID: "c2"}

	if _, err := counters.NextRagIDs(ctx, keyA, 5); err != nil {
		t.Fatalf("NextRagIDs failed: %v", err)
	}

	ids, err := counters.NextRagIDs(ctx, keyB, 1)
	if err != nil {
		t.Fatalf("NextRagIDs failed: %v", err)
	}
	if ids[0] != 1 {
		t.Errorf("Expected fresh conversation to start at 1, got %v", ids)
	}
}

func TestImageSourceID(t *testing.T) {
	t.Parallel()

	if got := ImageSourceID("slide-7", 3); got != "slide-7:p3" {
		t.Errorf("Expected slide-7:p3, got %q", got)
	}
	if got := PreviousImageSourceID("slide-7", 3, "msg-42"); got != "slide-7:p3:msg-42" {
		t.Errorf("Expected slide-7:p3:msg-42, got %q", got)
	}
}
