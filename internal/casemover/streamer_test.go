package casemover

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func newTestStreamer(t *testing.T, opts StreamerOptions) *Streamer {
	t.Helper()
	streamer, err := NewStreamer(opts)
	if err != nil {
		t.Fatalf("create streamer: %v", err)
	}
	return streamer
}

func TestStreamAllEmptyManifestMakesNoCalls(t *testing.T) {
	source := &docSource{}
	streamer := newTestStreamer(t, StreamerOptions{
		Client:   source,
		Manifest: NewMemoryManifestStore(),
		Blobs:    NewMemoryBlobStore(),
		Target:   NewMemoryTargetStore(),
	})

	summary, err := streamer.StreamAll(context.Background(), "org_1")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if summary != (StreamSummary{}) {
		t.Fatalf("expected empty summary, got %+v", summary)
	}
	if source.downloads.Load() != 0 {
		t.Fatalf("expected no downloads for an empty manifest, got %d", source.downloads.Load())
	}
}

func TestStreamMovesDocumentUnderItsMatter(t *testing.T) {
	ctx := context.Background()
	manifest := NewMemoryManifestStore()
	blobs := NewMemoryBlobStore()
	target := NewMemoryTargetStore()
	if err := manifest.Put(ctx, ManifestEntry{
		SourceDocID: "d_1",
		Name:        "motion.pdf",
		Path:        "2024-0001 - Smith v Jones/Pleadings/motion.pdf",
		MatterID:    "matter_000001",
		Remainder:   "/Pleadings",
		Confidence:  ConfidenceHigh,
		Status:      MatchMatched,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	streamer := newTestStreamer(t, StreamerOptions{
		Client: &docSource{}, Manifest: manifest, Blobs: blobs, Target: target,
	})
	summary, err := streamer.StreamAll(ctx, "org_1")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if summary.Success != 1 || summary.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	data, ok := blobs.Get("matters/matter_000001/Pleadings/motion.pdf")
	if !ok {
		t.Fatalf("expected blob under the matter with the remainder preserved")
	}
	if string(data) != "bytes of d_1" {
		t.Fatalf("unexpected blob contents: %q", data)
	}

	entry, _ := manifest.Get(ctx, "d_1")
	if entry.Status != MatchImported || entry.BlobPath == "" {
		t.Fatalf("expected imported entry with blob path, got %+v", entry)
	}

	count, err := target.CountResource(ctx, "org_1", ResourceDocuments)
	if err != nil || count != 1 {
		t.Fatalf("expected one document record, got %d (%v)", count, err)
	}
}

func TestStreamUnmatchedDocumentGoesToUnmatchedArea(t *testing.T) {
	ctx := context.Background()
	manifest := NewMemoryManifestStore()
	blobs := NewMemoryBlobStore()
	if err := manifest.Put(ctx, ManifestEntry{
		SourceDocID: "d_9",
		Name:        "scan.pdf",
		Path:        "Office Admin/scan.pdf",
		Status:      MatchMatched,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	streamer := newTestStreamer(t, StreamerOptions{
		Client: &docSource{}, Manifest: manifest, Blobs: blobs, Target: NewMemoryTargetStore(),
	})
	if _, err := streamer.StreamAll(ctx, "org_1"); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if _, ok := blobs.Get("unmatched/d_9/scan.pdf"); !ok {
		t.Fatalf("expected blob keyed by doc id in the unmatched area")
	}
}

func TestStreamFailureMarksEntryErrorAndContinues(t *testing.T) {
	ctx := context.Background()
	manifest := NewMemoryManifestStore()
	for _, id := range []string{"d_bad", "d_good"} {
		if err := manifest.Put(ctx, ManifestEntry{SourceDocID: id, Name: id + ".pdf", Status: MatchMatched}); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}

	streamer := newTestStreamer(t, StreamerOptions{
		Client:   &docSource{failDoc: "d_bad"},
		Manifest: manifest,
		Blobs:    NewMemoryBlobStore(),
		Target:   NewMemoryTargetStore(),
	})
	summary, err := streamer.StreamAll(ctx, "org_1")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if summary.Success != 1 || summary.Failed != 1 {
		t.Fatalf("expected sibling to survive the failure, got %+v", summary)
	}

	bad, _ := manifest.Get(ctx, "d_bad")
	if bad.Status != MatchError || !strings.Contains(bad.LastError, "download") {
		t.Fatalf("expected error entry with retained cause, got %+v", bad)
	}
	good, _ := manifest.Get(ctx, "d_good")
	if good.Status != MatchImported {
		t.Fatalf("expected sibling imported, got %s", good.Status)
	}
}

// brokenManifest accepts writes while seeding, then refuses them, like a
// manifest sharing a dead database connection with the target store.
type brokenManifest struct {
	*MemoryManifestStore
	refuseWrites bool
}

func (m *brokenManifest) Put(ctx context.Context, entry ManifestEntry) error {
	if m.refuseWrites {
		return ErrStoreOffline
	}
	return m.MemoryManifestStore.Put(ctx, entry)
}

func TestStreamAbortsWhenFailuresCannotBeRecorded(t *testing.T) {
	ctx := context.Background()
	manifest := &brokenManifest{MemoryManifestStore: NewMemoryManifestStore()}
	if err := manifest.Put(ctx, ManifestEntry{SourceDocID: "d_1", Name: "motion.pdf", Status: MatchMatched}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	manifest.refuseWrites = true

	source := &docSource{failDoc: "d_1"}
	streamer := newTestStreamer(t, StreamerOptions{
		Client:   source,
		Manifest: manifest,
		Blobs:    NewMemoryBlobStore(),
		Target:   NewMemoryTargetStore(),
	})
	summary, err := streamer.StreamAll(ctx, "org_1")
	if !errors.Is(err, ErrStoreOffline) {
		t.Fatalf("expected a store connectivity error, got %v", err)
	}
	if summary.Failed != 1 {
		t.Fatalf("expected a single failure before aborting, got %+v", summary)
	}
	if got := source.downloads.Load(); got != 1 {
		t.Fatalf("expected one download attempt before aborting, got %d", got)
	}
	entry, _ := manifest.Get(ctx, "d_1")
	if entry.Status != MatchMatched {
		t.Fatalf("expected the entry left matched for a later pass, got %s", entry.Status)
	}
}

func TestStreamReportsProgressPerBatch(t *testing.T) {
	ctx := context.Background()
	manifest := NewMemoryManifestStore()
	for _, id := range []string{"d_1", "d_2", "d_3"} {
		if err := manifest.Put(ctx, ManifestEntry{SourceDocID: id, Name: id + ".pdf", Status: MatchMatched}); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}

	var snapshots []StreamSummary
	streamer := newTestStreamer(t, StreamerOptions{
		Client:    &docSource{},
		Manifest:  manifest,
		Blobs:     NewMemoryBlobStore(),
		Target:    NewMemoryTargetStore(),
		BatchSize: 2,
		OnBatch:   func(done StreamSummary) { snapshots = append(snapshots, done) },
	})
	summary, err := streamer.StreamAll(ctx, "org_1")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if summary.Success != 3 {
		t.Fatalf("expected all three streamed, got %+v", summary)
	}
	if len(snapshots) != 2 {
		t.Fatalf("expected two batch snapshots, got %d", len(snapshots))
	}
	if snapshots[1].Success != 3 {
		t.Fatalf("expected cumulative progress, got %+v", snapshots[1])
	}
}
