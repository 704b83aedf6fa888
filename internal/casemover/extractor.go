package casemover

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"strings"
)

type ExtractorOptions struct {
	Client  SourceClient
	Planner *PartitionPlanner
	Logger  *log.Logger
	// OnRecord, if set, is called once per deduplicated record as it is
	// fetched; errors from it are the caller's and stop the run.
	OnRecord func(record SourceRecord) error
	// OnPartition, if set, observes each finished partition for progress.
	OnPartition func(partition Partition, fetched, added int)
}

// Extractor produces the complete record set for one entity type despite the
// source capping any single filtered query at a fixed ceiling. It runs the
// planner's partitions sequentially (keeping the rate limiter predictable),
// deduplicating by source id against one seen-id set shared across all
// partitions and catch-all passes of the run.
type Extractor struct {
	client      SourceClient
	planner     *PartitionPlanner
	logger      *log.Logger
	onRecord    func(record SourceRecord) error
	onPartition func(partition Partition, fetched, added int)
}

type ExtractionResult struct {
	Records []SourceRecord
	// FetchedTotal counts every record returned by the source, duplicates
	// included, so redundant-fetch overhead is measurable.
	FetchedTotal int
	// CeilingHits counts partitions stopped by the hard result ceiling.
	CeilingHits int
	// FailedPartitions lists partitions that errored and were skipped.
	FailedPartitions []string
}

func NewExtractor(opts ExtractorOptions) (*Extractor, error) {
	if opts.Client == nil {
		return nil, ErrInvalidInput
	}
	planner := opts.Planner
	if planner == nil {
		planner = NewPartitionPlanner()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Extractor{
		client:      opts.Client,
		planner:     planner,
		logger:      logger,
		onRecord:    opts.OnRecord,
		onPartition: opts.OnPartition,
	}, nil
}

// ExtractAll fetches every record of the entity type. A single partition's
// failure never aborts the run; it is logged and the next partition proceeds.
func (e *Extractor) ExtractAll(ctx context.Context, entityType string) (ExtractionResult, error) {
	entityType = strings.TrimSpace(entityType)
	if entityType == "" {
		return ExtractionResult{}, ErrInvalidInput
	}

	result := ExtractionResult{}
	seen := make(map[string]struct{})

	for _, partition := range e.planner.Plan(entityType) {
		fetched, added, err := e.extractPartition(ctx, partition, seen, &result)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return result, err
			}
			result.FailedPartitions = append(result.FailedPartitions, partition.Label)
			e.logger.Printf("partition %s failed, continuing: %v", partition.Label, err)
		}
		if e.onPartition != nil {
			e.onPartition(partition, fetched, added)
		}
	}
	return result, nil
}

// extractPartition paginates one partition until the cursor runs out or the
// source reports its result ceiling. Hitting the ceiling mid-partition keeps
// the records already fetched and is not an error; the partitioning strategy
// exists exactly to bound what one filtered query is asked to return.
func (e *Extractor) extractPartition(ctx context.Context, partition Partition, seen map[string]struct{}, result *ExtractionResult) (fetched, added int, err error) {
	filters := url.Values{}
	for key, values := range partition.Filters {
		for _, value := range values {
			filters.Add(key, value)
		}
	}
	if partition.OrderKey != "" {
		filters.Set("order", partition.OrderKey+"(asc)")
	}

	cursor := ""
	for {
		page, err := e.client.List(ctx, endpointFor(partition.EntityType), filters, cursor)
		if err != nil {
			if errors.Is(err, ErrResultCeiling) {
				result.CeilingHits++
				e.logger.Printf("partition %s hit the result ceiling after %d records", partition.Label, fetched)
				return fetched, added, nil
			}
			return fetched, added, err
		}

		for _, payload := range page.Records {
			fetched++
			result.FetchedTotal++
			sourceID := stringField(payload, "id")
			if sourceID == "" {
				e.logger.Printf("partition %s: record without id skipped", partition.Label)
				continue
			}
			if _, dup := seen[sourceID]; dup {
				continue
			}
			seen[sourceID] = struct{}{}
			record := SourceRecord{EntityType: partition.EntityType, SourceID: sourceID, Payload: payload}
			result.Records = append(result.Records, record)
			added++
			if e.onRecord != nil {
				if err := e.onRecord(record); err != nil {
					return fetched, added, err
				}
			}
		}

		if page.NextCursor == "" {
			return fetched, added, nil
		}
		cursor = page.NextCursor
	}
}

func endpointFor(entityType string) string {
	switch entityType {
	case ResourceOrganization:
		return "organizations"
	case ResourceCalendarEntries:
		return "calendar_entries"
	default:
		return entityType
	}
}

func stringField(payload map[string]any, key string) string {
	switch value := payload[key].(type) {
	case string:
		return strings.TrimSpace(value)
	case float64:
		if value == float64(int64(value)) {
			return fmt.Sprintf("%d", int64(value))
		}
		return fmt.Sprintf("%v", value)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", value))
	}
}
