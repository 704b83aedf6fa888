package casemover

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

const defaultStreamBatchSize = 50

// errEntryStuck marks a failed entry whose error state could not be recorded
// on the manifest. The entry is still matched and another pass would pick it
// up again.
var errEntryStuck = errors.New("manifest entry stuck in matched state")

type StreamerOptions struct {
	Client    SourceClient
	Manifest  ManifestStore
	Blobs     BlobStore
	Target    TargetStore
	Logger    *log.Logger
	BatchSize int
	// OnBatch, if set, observes progress after each completed batch.
	OnBatch func(done StreamSummary)
}

// Streamer transfers document bytes from the source to blob storage in
// bounded concurrent batches: one fixed-size slice of matched manifest
// entries runs in parallel, then the whole slice is awaited before the next
// begins, which keeps concurrency against the source within its tolerance
// and gives natural backpressure. Bytes are held only in memory en route; a
// per-entry failure marks that entry error and never aborts the batch.
type Streamer struct {
	client    SourceClient
	manifest  ManifestStore
	blobs     BlobStore
	target    TargetStore
	logger    *log.Logger
	batchSize int
	onBatch   func(done StreamSummary)
}

func NewStreamer(opts StreamerOptions) (*Streamer, error) {
	if opts.Client == nil || opts.Manifest == nil || opts.Blobs == nil || opts.Target == nil {
		return nil, ErrInvalidInput
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 || batchSize > defaultStreamBatchSize {
		batchSize = defaultStreamBatchSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Streamer{
		client:    opts.Client,
		manifest:  opts.Manifest,
		blobs:     opts.Blobs,
		target:    opts.Target,
		logger:    logger,
		batchSize: batchSize,
		onBatch:   opts.OnBatch,
	}, nil
}

// StreamAll drains matched manifest entries until none remain. With nothing
// matched it performs zero network calls and reports an empty summary.
func (s *Streamer) StreamAll(ctx context.Context, orgID string) (StreamSummary, error) {
	summary := StreamSummary{}
	for {
		entries, err := s.manifest.ListByStatus(ctx, MatchMatched, s.batchSize)
		if err != nil {
			return summary, err
		}
		if len(entries) == 0 {
			return summary, nil
		}
		batch, stuck := s.streamBatch(ctx, orgID, entries)
		summary.Success += batch.Success
		summary.Failed += batch.Failed
		summary.Skipped += batch.Skipped
		if s.onBatch != nil {
			s.onBatch(summary)
		}
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if batch.Success == 0 && stuck == len(entries) {
			// No entry left the matched state, so the next pass would fetch
			// the same slice again. That only happens when the manifest store
			// itself is refusing writes; abort instead of looping on it.
			return summary, fmt.Errorf("%w: streaming made no progress across %d matched entries", ErrStoreOffline, len(entries))
		}
	}
}

func (s *Streamer) streamBatch(ctx context.Context, orgID string, entries []ManifestEntry) (StreamSummary, int) {
	var mu sync.Mutex
	batch := StreamSummary{}
	stuck := 0

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.batchSize)
	for _, entry := range entries {
		entry := entry
		group.Go(func() error {
			err := s.streamOne(groupCtx, orgID, entry)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				batch.Success++
			case errors.Is(err, errEntryStuck):
				batch.Failed++
				stuck++
			default:
				batch.Failed++
			}
			return nil
		})
	}
	_ = group.Wait()
	return batch, stuck
}

// streamOne moves one document: bytes into memory, blob upload, target
// document record, manifest transition to imported. Any step failing flips
// the entry to error with the message retained for the operator.
func (s *Streamer) streamOne(ctx context.Context, orgID string, entry ManifestEntry) error {
	data, contentType, err := s.client.Download(ctx, entry.SourceDocID)
	if err != nil {
		return s.fail(ctx, entry, fmt.Errorf("download: %w", err))
	}
	if entry.ContentType != "" {
		contentType = entry.ContentType
	}

	blobPath := blobPathFor(entry)
	if err := s.blobs.Upload(ctx, blobPath, contentType, data); err != nil {
		return s.fail(ctx, entry, fmt.Errorf("upload: %w", err))
	}

	if _, err := s.target.Upsert(ctx, orgID, UpsertRecord{
		Resource:   ResourceDocuments,
		ExternalID: entry.SourceDocID,
		Data: map[string]any{
			"name":         entry.Name,
			"path":         entry.Path,
			"blob_path":    blobPath,
			"size":         len(data),
			"content_type": contentType,
			"matter_id":    nullable(entry.MatterID),
			"confidence":   string(entry.Confidence),
		},
	}); err != nil {
		return s.fail(ctx, entry, fmt.Errorf("record: %w", err))
	}

	entry.Status = MatchImported
	entry.BlobPath = blobPath
	entry.LastError = ""
	if err := s.manifest.Put(ctx, entry); err != nil {
		return s.fail(ctx, entry, fmt.Errorf("manifest: %w", err))
	}
	return nil
}

func (s *Streamer) fail(ctx context.Context, entry ManifestEntry, cause error) error {
	s.logger.Printf("document %s failed: %v", entry.SourceDocID, cause)
	entry.Status = MatchError
	entry.LastError = cause.Error()
	if putErr := s.manifest.Put(ctx, entry); putErr != nil {
		s.logger.Printf("document %s: could not record failure: %v", entry.SourceDocID, putErr)
		return fmt.Errorf("%w: %v (after: %v)", errEntryStuck, putErr, cause)
	}
	return cause
}

// blobPathFor derives the target path: under the resolved matter with the
// matched remainder preserved, or a generic unmatched area keyed by source
// doc id so name collisions cannot clobber each other.
func blobPathFor(entry ManifestEntry) string {
	if entry.MatterID != "" {
		segments := []string{"matters", entry.MatterID}
		if remainder := strings.Trim(entry.Remainder, "/"); remainder != "" {
			segments = append(segments, remainder)
		}
		segments = append(segments, entry.Name)
		return strings.Join(segments, "/")
	}
	return strings.Join([]string{"unmatched", entry.SourceDocID, entry.Name}, "/")
}
