package casemover

import (
	"context"
	"errors"
	"testing"
)

func TestManifestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to MatchStatus
		ok       bool
	}{
		{MatchPending, MatchMatched, true},
		{MatchPending, MatchMissing, true},
		{MatchMatched, MatchImported, true},
		{MatchPending, MatchPending, true},
		{MatchMatched, MatchError, true},
		{MatchImported, MatchError, true},
		{MatchImported, MatchPending, false},
		{MatchImported, MatchMatched, false},
		{MatchMissing, MatchMatched, false},
		{MatchError, MatchPending, false}, // only Reset may do this
	}
	for _, tc := range cases {
		if got := canTransition(tc.from, tc.to); got != tc.ok {
			t.Fatalf("%s -> %s: expected %t, got %t", tc.from, tc.to, tc.ok, got)
		}
	}
}

func TestManifestResetOnlyFromError(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryManifestStore()
	if err := store.Put(ctx, ManifestEntry{SourceDocID: "d_1", Name: "a.pdf", Status: MatchError, LastError: "download: gone"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.Put(ctx, ManifestEntry{SourceDocID: "d_2", Name: "b.pdf", Status: MatchPending}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := store.Reset(ctx, "d_1"); err != nil {
		t.Fatalf("reset error entry: %v", err)
	}
	entry, _ := store.Get(ctx, "d_1")
	if entry.Status != MatchPending || entry.LastError != "" {
		t.Fatalf("expected clean pending entry after reset, got %+v", entry)
	}

	if err := store.Reset(ctx, "d_2"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected reset refused for pending entry, got %v", err)
	}
	if err := store.Reset(ctx, "d_nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpsertIsIdempotentByExternalID(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryTargetStore()

	firstID, err := store.Upsert(ctx, "org_1", UpsertRecord{Resource: ResourceContacts, ExternalID: "c_1", Data: map[string]any{"name": "old"}})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	secondID, err := store.Upsert(ctx, "org_1", UpsertRecord{Resource: ResourceContacts, ExternalID: "c_1", Data: map[string]any{"name": "new"}})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if firstID != secondID {
		t.Fatalf("expected stable target id, got %q then %q", firstID, secondID)
	}
	count, _ := store.CountResource(ctx, "org_1", ResourceContacts)
	if count != 1 {
		t.Fatalf("expected one record, got %d", count)
	}

	// The same external id in another organization is a distinct record.
	if _, err := store.Upsert(ctx, "org_2", UpsertRecord{Resource: ResourceContacts, ExternalID: "c_1", Data: map[string]any{}}); err != nil {
		t.Fatalf("cross-org upsert: %v", err)
	}
	other, _ := store.CountResource(ctx, "org_2", ResourceContacts)
	if other != 1 {
		t.Fatalf("expected org scoping, got %d", other)
	}
}
