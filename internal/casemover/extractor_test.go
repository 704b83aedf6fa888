package casemover

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"testing"
)

// fakeSource simulates the practice-management API: filtered queries, page
// cursors, a hard per-query result ceiling, and optional per-filter failures.
type fakeSource struct {
	records     []map[string]any
	pageSize    int
	ceiling     int
	listCalls   int
	failInitial string
}

func (f *fakeSource) List(ctx context.Context, endpoint string, params url.Values, cursor string) (SourcePage, error) {
	f.listCalls++
	if f.failInitial != "" && params.Get("initial") == f.failInitial {
		return SourcePage{}, &APIError{StatusCode: 500, Message: "partition blew up"}
	}

	matched := make([]map[string]any, 0, len(f.records))
	for _, record := range f.records {
		if !matchesFilters(record, params) {
			continue
		}
		matched = append(matched, record)
	}
	sort.Slice(matched, func(i, j int) bool {
		return stringField(matched[i], "id") < stringField(matched[j], "id")
	})

	offset := 0
	if cursor != "" {
		offset, _ = strconv.Atoi(cursor)
	}
	if f.ceiling > 0 && offset >= f.ceiling {
		return SourcePage{}, &CeilingError{Endpoint: endpoint, Fetched: offset}
	}
	end := offset + f.pageSize
	if end > len(matched) {
		end = len(matched)
	}
	page := SourcePage{Records: matched[offset:end]}
	if end < len(matched) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func (f *fakeSource) Download(ctx context.Context, docID string) ([]byte, string, error) {
	return nil, "", ErrNotFound
}

func matchesFilters(record map[string]any, params url.Values) bool {
	if contactType := params.Get("type"); contactType != "" && stringField(record, "type") != contactType {
		return false
	}
	if initial := params.Get("initial"); initial != "" {
		name := stringField(record, "name")
		if name == "" || !strings.HasPrefix(strings.ToUpper(name), initial) {
			return false
		}
	}
	return true
}

// Coverage property: the deduplicated union of all partitions plus catch-all
// passes is a superset of an unfiltered, unbounded fetch. The stray records
// (unicode initial, missing type) fall outside every targeted partition and
// must come back through a catch-all pass.
func TestPartitionedExtractionCoversUnfilteredFetch(t *testing.T) {
	source := &fakeSource{pageSize: 7, ceiling: 50}
	expected := map[string]struct{}{}
	for i := 0; i < 110; i++ {
		contactType := "Person"
		if i%2 == 0 {
			contactType = "Company"
		}
		id := fmt.Sprintf("c_%03d", i+100)
		source.records = append(source.records, map[string]any{
			"id":   id,
			"type": contactType,
			"name": fmt.Sprintf("%c Client %d", 'A'+(i%26), i),
		})
		expected[id] = struct{}{}
	}
	// Strays sort first by id so even a ceiling-bounded catch-all reaches them.
	source.records = append(source.records,
		map[string]any{"id": "c_001", "type": "Person", "name": "Øyvind Berg"},
		map[string]any{"id": "c_002", "type": "", "name": "Archived Import"},
	)
	expected["c_001"] = struct{}{}
	expected["c_002"] = struct{}{}

	extractor, err := NewExtractor(ExtractorOptions{Client: source})
	if err != nil {
		t.Fatalf("create extractor: %v", err)
	}
	result, err := extractor.ExtractAll(context.Background(), ResourceContacts)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	got := map[string]struct{}{}
	for _, record := range result.Records {
		if _, dup := got[record.SourceID]; dup {
			t.Fatalf("duplicate record %s in deduplicated stream", record.SourceID)
		}
		got[record.SourceID] = struct{}{}
	}
	for id := range expected {
		if _, ok := got[id]; !ok {
			t.Fatalf("record %s missing from partitioned extraction", id)
		}
	}
	if len(got) != len(expected) {
		t.Fatalf("expected %d records, got %d", len(expected), len(got))
	}
	if result.FetchedTotal <= len(expected) {
		t.Fatalf("expected catch-all passes to refetch some records, fetched %d", result.FetchedTotal)
	}
}

// A source that reports the ceiling after N pages yields exactly those pages'
// records and no error.
func TestCeilingStopKeepsFetchedRecords(t *testing.T) {
	source := &fakeSource{pageSize: 3, ceiling: 6}
	for i := 0; i < 40; i++ {
		source.records = append(source.records, map[string]any{"id": fmt.Sprintf("u_%02d", i)})
	}

	extractor, err := NewExtractor(ExtractorOptions{Client: source})
	if err != nil {
		t.Fatalf("create extractor: %v", err)
	}
	result, err := extractor.ExtractAll(context.Background(), ResourceUsers)
	if err != nil {
		t.Fatalf("expected graceful stop, got %v", err)
	}
	if len(result.Records) != 6 {
		t.Fatalf("expected exactly two pages of records, got %d", len(result.Records))
	}
	if result.CeilingHits != 1 {
		t.Fatalf("expected one ceiling hit, got %d", result.CeilingHits)
	}
}

func TestPartitionFailureDoesNotAbortRun(t *testing.T) {
	source := &fakeSource{pageSize: 10, failInitial: "B"}
	source.records = append(source.records,
		map[string]any{"id": "c_1", "type": "Person", "name": "Avery Stone"},
		map[string]any{"id": "c_2", "type": "Person", "name": "Casey Hill"},
	)

	extractor, err := NewExtractor(ExtractorOptions{Client: source})
	if err != nil {
		t.Fatalf("create extractor: %v", err)
	}
	result, err := extractor.ExtractAll(context.Background(), ResourceContacts)
	if err != nil {
		t.Fatalf("expected run to continue past failed partition, got %v", err)
	}
	if len(result.FailedPartitions) == 0 {
		t.Fatalf("expected failed partitions recorded")
	}
	if len(result.Records) != 2 {
		t.Fatalf("expected both contacts despite failed partition, got %d", len(result.Records))
	}
}

func TestRecordsWithoutIDAreSkipped(t *testing.T) {
	source := &fakeSource{pageSize: 10}
	source.records = append(source.records,
		map[string]any{"id": "u_1"},
		map[string]any{"name": "no id"},
	)

	extractor, err := NewExtractor(ExtractorOptions{Client: source})
	if err != nil {
		t.Fatalf("create extractor: %v", err)
	}
	result, err := extractor.ExtractAll(context.Background(), ResourceUsers)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(result.Records) != 1 || result.Records[0].SourceID != "u_1" {
		t.Fatalf("expected only the identified record, got %+v", result.Records)
	}
}
