package casemover

import (
	"context"
	"errors"
	"io"
	"log"
	"net/url"
	"strings"
)

type ManifestBuilderOptions struct {
	Client SourceClient
	Store  ManifestStore
	Logger *log.Logger
}

// ManifestBuilder fetches document and folder metadata (never bytes) from the
// source, reconstructs each document's full hierarchical path, and persists
// one pending manifest entry per document. Matching against loaded matters is
// a separate pass so the expensive metadata crawl never depends on load
// order.
type ManifestBuilder struct {
	client SourceClient
	store  ManifestStore
	logger *log.Logger
}

type ManifestBuildResult struct {
	Folders   int
	Documents int
	Skipped   int
}

func NewManifestBuilder(opts ManifestBuilderOptions) (*ManifestBuilder, error) {
	if opts.Client == nil || opts.Store == nil {
		return nil, ErrInvalidInput
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &ManifestBuilder{client: opts.Client, store: opts.Store, logger: logger}, nil
}

type folderMeta struct {
	id       string
	name     string
	parentID string
}

// Build crawls folder metadata first, then document metadata, writing pending
// manifest entries with reconstructed paths.
func (b *ManifestBuilder) Build(ctx context.Context) (ManifestBuildResult, error) {
	result := ManifestBuildResult{}

	folders, err := b.fetchFolders(ctx)
	if err != nil {
		return result, err
	}
	result.Folders = len(folders)

	cursor := ""
	for {
		page, err := b.client.List(ctx, "documents", url.Values{}, cursor)
		if err != nil {
			return result, err
		}
		for _, payload := range page.Records {
			docID := stringField(payload, "id")
			name := stringField(payload, "name")
			if docID == "" || name == "" {
				result.Skipped++
				b.logger.Printf("document without id or name skipped")
				continue
			}
			entry := ManifestEntry{
				SourceDocID:    docID,
				Name:           name,
				Path:           folderPath(folders, stringField(payload, "parent_id")) + "/" + name,
				Size:           int64Field(payload, "size"),
				ContentType:    stringField(payload, "content_type"),
				MatterSourceID: stringField(payload, "matter_id"),
				Status:         MatchPending,
			}
			if err := b.store.Put(ctx, entry); err != nil {
				// An entry already past pending (a previous run imported it)
				// keeps its state; everything else is a real failure.
				if errors.Is(err, ErrInvalidState) {
					result.Skipped++
					continue
				}
				return result, err
			}
			result.Documents++
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return result, nil
}

func (b *ManifestBuilder) fetchFolders(ctx context.Context) (map[string]folderMeta, error) {
	folders := map[string]folderMeta{}
	cursor := ""
	for {
		page, err := b.client.List(ctx, "folders", url.Values{}, cursor)
		if err != nil {
			return nil, err
		}
		for _, payload := range page.Records {
			id := stringField(payload, "id")
			if id == "" {
				continue
			}
			folders[id] = folderMeta{
				id:       id,
				name:     stringField(payload, "name"),
				parentID: stringField(payload, "parent_id"),
			}
		}
		if page.NextCursor == "" {
			return folders, nil
		}
		cursor = page.NextCursor
	}
}

// folderPath walks the parent chain to a root. The visited set guards against
// parent cycles in source data; a cycle truncates the path at the repeated
// node instead of hanging.
func folderPath(folders map[string]folderMeta, folderID string) string {
	segments := []string{}
	visited := map[string]struct{}{}
	for folderID != "" {
		if _, seen := visited[folderID]; seen {
			break
		}
		visited[folderID] = struct{}{}
		folder, ok := folders[folderID]
		if !ok {
			break
		}
		if folder.name != "" {
			segments = append([]string{folder.name}, segments...)
		}
		folderID = folder.parentID
	}
	if len(segments) == 0 {
		return ""
	}
	return strings.Join(segments, "/")
}

// MatchPending runs the path matcher over every pending entry, transitioning
// pending→matched when a matter is found (directly linked or via the path
// heuristics) and pending→missing when the entry has no usable path or name.
// Unmatched but streamable entries become matched with no matter id; the
// streamer routes those to the unmatched blob area.
func (b *ManifestBuilder) MatchPending(ctx context.Context, matcher *PathMatcher, resolver *ReferenceResolver) (matched, unmatched, missing int, err error) {
	entries, err := b.store.ListByStatus(ctx, MatchPending, 0)
	if err != nil {
		return 0, 0, 0, err
	}
	for _, entry := range entries {
		if strings.TrimSpace(entry.Name) == "" {
			entry.Status = MatchMissing
			if err := b.store.Put(ctx, entry); err != nil {
				return matched, unmatched, missing, err
			}
			missing++
			continue
		}

		// A direct matter link from source metadata beats any heuristic.
		if entry.MatterSourceID != "" && resolver != nil {
			if matterID, ok := resolver.Resolve(ResourceMatters, entry.MatterSourceID); ok {
				entry.MatterID = matterID
				entry.Confidence = ConfidenceHigh
				entry.Status = MatchMatched
				if err := b.store.Put(ctx, entry); err != nil {
					return matched, unmatched, missing, err
				}
				matched++
				continue
			}
		}

		match := matcher.Match(entry.Path)
		entry.MatterID = match.MatterID
		entry.Confidence = match.Confidence
		entry.Remainder = match.Remainder
		entry.Status = MatchMatched
		if err := b.store.Put(ctx, entry); err != nil {
			return matched, unmatched, missing, err
		}
		if match.MatterID == "" {
			unmatched++
		} else {
			matched++
		}
	}
	return matched, unmatched, missing, nil
}

func int64Field(payload map[string]any, key string) int64 {
	switch value := payload[key].(type) {
	case float64:
		return int64(value)
	case int64:
		return value
	case int:
		return int64(value)
	default:
		return 0
	}
}
