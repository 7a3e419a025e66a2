package history

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/evmakarov/atlas-tutor/internal/domain"
)

func newTestReconstructor(log *fakeLog) *Reconstructor {
	snapshots := NewTwoTier(NewSnapshotCache(time.Minute), log, time.Second, nil)
	return NewReconstructor(snapshots, log, nil)
}

func ragToolMessage(id string, payload string) domain.Message {
	return domain.Message{
		ID:          id,
		Role:        domain.RoleTool,
		ToolName:    "retrieve_slides",
		ToolPayload: json.RawMessage(payload),
	}
}

func TestHistoryResolvesCitedSources(t *testing.T) {
	t.Parallel()

	log := newFakeLog()
	key := domain.ConversationKey{UserID: "u1", CourseID: "c1"}
	log.messages[key.String()] = []domain.Message{
		{ID: "m1", Role: domain.RoleUser, Content: "what is a monad"},
		{ID: "m2", Role: domain.RoleAssistant}, // tool-call scaffolding
		ragToolMessage("m3", `{"success":true,"results":[
			{"id":"1","slide_id":"s1","text":"first"},
			{"id":"2","slide_id":"s2","text":"second"}
		]}`),
		{ID: "m4", Role: domain.RoleAssistant, Content: "see [2] and [1]", RagSourceIDs: []string{"2", "1"}},
	}

	entries := newTestReconstructor(log).History(context.Background(), key, 0)

	if len(entries) != 2 {
		t.Fatalf("Expected 2 user-facing entries, got %d", len(entries))
	}

	// Newest first.
	if entries[0].ID != "m4" || entries[1].ID != "m1" {
		t.Errorf("Expected order m4,m1 got %s,%s", entries[0].ID, entries[1].ID)
	}

	got := entries[0].RagSources
	if len(got) != 2 {
		t.Fatalf("Expected 2 resolved sources, got %d", len(got))
	}
	// Citation order, not id order.
	if got[0].ID != "2" || got[1].ID != "1" {
		t.Errorf("Expected sources in citation order [2 1], got [%s %s]", got[0].ID, got[1].ID)
	}
	if got[0].Text != "second" {
		t.Errorf("Expected full source record, got %+v", got[0])
	}
}

func TestHistoryUnionsSourcesAcrossToolCalls(t *testing.T) {
	t.Parallel()

	// Two retrieval calls within one turn issue the blocks 1..3 and 4..5.
	// An assistant citing one id from each block must get both records back,
	// in citation order, carrying the renumbered ids.
	log := newFakeLog()
	key := domain.ConversationKey{UserID: "u1", CourseID: "c1"}
	log.messages[key.String()] = []domain.Message{
		{ID: "m1", Role: domain.RoleUser, Content: "compare the two lectures"},
		ragToolMessage("m2", `{"success":true,"results":[
			{"id":"1","slide_id":"s1","text":"alpha"},
			{"id":"2","slide_id":"s1","text":"beta"},
			{"id":"3","slide_id":"s1","text":"gamma"}
		]}`),
		ragToolMessage("m3", `{"success":true,"results":[
			{"id":"4","slide_id":"s2","text":"delta"},
			{"id":"5","slide_id":"s2","text":"epsilon"}
		]}`),
		{ID: "m4", Role: domain.RoleAssistant, Content: "see [2] and [4]", RagSourceIDs: []string{"2", "4"}},
	}

	entries := newTestReconstructor(log).History(context.Background(), key, 0)
	if len(entries) != 2 {
		t.Fatalf("Expected 2 user-facing entries, got %d", len(entries))
	}

	got := entries[0].RagSources
	if len(got) != 2 {
		t.Fatalf("Expected 2 resolved sources, got %d", len(got))
	}
	if got[0].ID != "2" || got[0].Text != "beta" {
		t.Errorf("Expected id 2 from the first call, got %+v", got[0])
	}
	if got[1].ID != "4" || got[1].Text != "delta" {
		t.Errorf("Expected id 4 from the second call, got %+v", got[1])
	}
}

func TestHistoryFailedToolCallYieldsNoSources(t *testing.T) {
	t.Parallel()

	log := newFakeLog()
	key := domain.ConversationKey{UserID: "u1", CourseID: "c1"}
	log.messages[key.String()] = []domain.Message{
		{ID: "m1", Role: domain.RoleUser, Content: "q"},
		ragToolMessage("m2", `{"success":false,"results":[]}`),
		{ID: "m3", Role: domain.RoleAssistant, Content: "answer", RagSourceIDs: []string{"1"}},
	}

	entries := newTestReconstructor(log).History(context.Background(), key, 0)
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if len(entries[0].RagSources) != 0 {
		t.Errorf("Expected no sources from failed tool call, got %v", entries[0].RagSources)
	}
}

func TestHistoryMissingReferenceIsSilent(t *testing.T) {
	t.Parallel()

	log := newFakeLog()
	key := domain.ConversationKey{UserID: "u1", CourseID: "c1"}
	log.messages[key.String()] = []domain.Message{
		ragToolMessage("m1", `{"success":true,"results":[{"id":"1","text":"only"}]}`),
		{ID: "m2", Role: domain.RoleAssistant, Content: "a", RagSourceIDs: []string{"1", "99"}},
	}

	entries := newTestReconstructor(log).History(context.Background(), key, 0)
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	if len(entries[0].RagSources) != 1 || entries[0].RagSources[0].ID != "1" {
		t.Errorf("Expected only resolvable id 1, got %v", entries[0].RagSources)
	}
}

func TestHistoryLimitTruncatesNewestFirst(t *testing.T) {
	t.Parallel()

	log := newFakeLog()
	key := domain.ConversationKey{UserID: "u1", CourseID: "c1"}
	log.messages[key.String()] = []domain.Message{
		{ID: "m1", Role: domain.RoleUser, Content: "one"},
		{ID: "m2", Role: domain.RoleAssistant, Content: "two"},
		{ID: "m3", Role: domain.RoleUser, Content: "three"},
	}

	entries := newTestReconstructor(log).History(context.Background(), key, 2)
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].ID != "m3" || entries[1].ID != "m2" {
		t.Errorf("Expected newest two (m3,m2), got %s,%s", entries[0].ID, entries[1].ID)
	}
}

func TestHistoryEmptyConversation(t *testing.T) {
	t.Parallel()

	log := newFakeLog()
	key := domain.ConversationKey{UserID: "u1", CourseID: "c1"}

	if entries := newTestReconstructor(log).History(context.Background(), key, 10); entries != nil {
		t.Errorf("Expected nil for empty conversation, got %v", entries)
	}
}

func TestHistoryResolvesImageReferences(t *testing.T) {
	t.Parallel()

	log := newFakeLog()
	key := domain.ConversationKey{UserID: "u1", CourseID: "c1"}
	log.messages[key.String()] = []domain.Message{
		{
			ID:       "m1",
			Role:     domain.RoleTool,
			ToolName: "fetch_slide_image",
			ToolPayload: json.RawMessage(`{"success":true,"results":[
				{"id":"s1:p4","kind":"current","slide_id":"s1","page_number":4}
			]}`),
		},
		{ID: "m2", Role: domain.RoleAssistant, Content: "this slide", ImageSourceIDs: []string{"s1:p4"}},
	}

	entries := newTestReconstructor(log).History(context.Background(), key, 0)
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	imgs := entries[0].ImageSources
	if len(imgs) != 1 || imgs[0].SlideID != "s1" || imgs[0].PageNumber != 4 {
		t.Errorf("Expected resolved image s1 page 4, got %v", imgs)
	}
}

func TestHistoryLegacySingularImageReference(t *testing.T) {
	t.Parallel()

	log := newFakeLog()
	key := domain.ConversationKey{UserID: "u1", CourseID: "c1"}
	log.messages[key.String()] = []domain.Message{
		{
			ID:          "m1",
			Role:        domain.RoleAssistant,
			Content:     "look here",
			ImageSource: &domain.ImageRef{SlideID: "s2", PageNumber: 7},
		},
	}

	entries := newTestReconstructor(log).History(context.Background(), key, 0)
	imgs := entries[0].ImageSources
	if len(imgs) != 1 {
		t.Fatalf("Expected legacy image resolved, got %v", imgs)
	}
	if imgs[0].ID != "s2:p7" || imgs[0].Kind != domain.ImageKindCurrent {
		t.Errorf("Expected composite id s2:p7 kind current, got %+v", imgs[0])
	}
}

func TestHistoryLegacyEmbeddedSources(t *testing.T) {
	t.Parallel()

	log := newFakeLog()
	key := domain.ConversationKey{UserID: "u1", CourseID: "c1"}
	log.messages[key.String()] = []domain.Message{
		{
			ID:      "m1",
			Role:    domain.RoleAssistant,
			Content: "old format",
			Sources: &domain.EmbeddedSources{
				RagSources: []domain.RagSource{{ID: "1", Text: "embedded"}},
			},
		},
	}

	entries := newTestReconstructor(log).History(context.Background(), key, 0)
	if len(entries[0].RagSources) != 1 || entries[0].RagSources[0].Text != "embedded" {
		t.Errorf("Expected embedded sources recovered, got %v", entries[0].RagSources)
	}
}

func TestHistoryLegacySideTableSources(t *testing.T) {
	t.Parallel()

	log := newFakeLog()
	key := domain.ConversationKey{UserID: "u1", CourseID: "c1"}
	log.messages[key.String()] = []domain.Message{
		{ID: "m1", Role: domain.RoleAssistant, Content: "older format"},
	}
	log.sources[key.String()+":m1"] = &domain.EmbeddedSources{
		WebSources: []domain.WebSource{{ID: "1", URL: "https://example.com"}},
	}

	entries := newTestReconstructor(log).History(context.Background(), key, 0)
	if len(entries[0].WebSources) != 1 || entries[0].WebSources[0].URL != "https://example.com" {
		t.Errorf("Expected side-table sources recovered, got %v", entries[0].WebSources)
	}
}

func TestHistorySideTableErrorIsAMiss(t *testing.T) {
	t.Parallel()

	log := newFakeLog()
	log.srcErr = errors.New("table corrupt")
	key := domain.ConversationKey{UserID: "u1", CourseID: "c1"}
	log.messages[key.String()] = []domain.Message{
		{ID: "m1", Role: domain.RoleAssistant, Content: "oldest format"},
	}

	entries := newTestReconstructor(log).History(context.Background(), key, 0)
	if len(entries) != 1 {
		t.Fatalf("Expected history to survive side-table failure, got %d entries", len(entries))
	}
	if len(entries[0].RagSources) != 0 || len(entries[0].WebSources) != 0 {
		t.Errorf("Expected empty sources, got %+v", entries[0])
	}
}

func TestHistoryIndexedIDsSkipLegacyChain(t *testing.T) {
	t.Parallel()

	log := newFakeLog()
	key := domain.ConversationKey{UserID: "u1", CourseID: "c1"}
	log.messages[key.String()] = []domain.Message{
		ragToolMessage("m1", `{"success":true,"results":[{"id":"1","text":"indexed"}]}`),
		{
			ID:           "m2",
			Role:         domain.RoleAssistant,
			Content:      "both shapes present",
			RagSourceIDs: []string{"1"},
			Sources: &domain.EmbeddedSources{
				RagSources: []domain.RagSource{{ID: "x", Text: "stale embedded"}},
			},
		},
	}

	entries := newTestReconstructor(log).History(context.Background(), key, 0)
	got := entries[0].RagSources
	if len(got) != 1 || got[0].Text != "indexed" {
		t.Errorf("Expected indexed resolution to win over legacy shapes, got %v", got)
	}
}
