package casemover

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// TargetStore is the relational side of a migration: insert-or-update keyed
// by the external id scoped to the organization, natural-key lookups for
// collision handling, and a transaction wrapper for the synchronous load
// mode.
type TargetStore interface {
	// Upsert inserts or updates by (orgID, resource, externalID) and returns
	// the target record id.
	Upsert(ctx context.Context, orgID string, rec UpsertRecord) (string, error)
	// FindByNaturalKey returns the external id owning a natural key, or
	// ErrNotFound.
	FindByNaturalKey(ctx context.Context, orgID, resource, key string) (string, error)
	CountResource(ctx context.Context, orgID, resource string) (int, error)
	// InTransaction runs fn against a transactional view of the store; any
	// error rolls the whole unit back.
	InTransaction(ctx context.Context, fn func(tx TargetStore) error) error
	Close() error
}

// ManifestStore persists document manifest entries. Put upserts by source
// document id and enforces the status state machine; Reset is the explicit
// operator transition error→pending.
type ManifestStore interface {
	Put(ctx context.Context, entry ManifestEntry) error
	Get(ctx context.Context, sourceDocID string) (ManifestEntry, error)
	ListByStatus(ctx context.Context, status MatchStatus, limit int) ([]ManifestEntry, error)
	Reset(ctx context.Context, sourceDocID string) error
	Close() error
}

func canTransition(from, to MatchStatus) bool {
	if from == to || to == MatchError {
		return true
	}
	switch from {
	case MatchPending:
		return to == MatchMatched || to == MatchMissing
	case MatchMatched:
		return to == MatchImported
	default:
		return false
	}
}

type memoryTargetRecord struct {
	TargetID   string
	NaturalKey string
	Data       map[string]any
}

// MemoryTargetStore backs tests and dry runs with the same contract as the
// Postgres store.
type MemoryTargetStore struct {
	mu      sync.Mutex
	seq     int
	records map[string]*memoryTargetRecord // orgID|resource|externalID
}

func NewMemoryTargetStore() *MemoryTargetStore {
	return &MemoryTargetStore{records: map[string]*memoryTargetRecord{}}
}

func (s *MemoryTargetStore) Upsert(ctx context.Context, orgID string, rec UpsertRecord) (string, error) {
	if err := validateUpsert(orgID, rec); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(orgID, rec)
}

func (s *MemoryTargetStore) upsertLocked(orgID string, rec UpsertRecord) (string, error) {
	key := storeKey(orgID, rec.Resource, rec.ExternalID)
	if existing, ok := s.records[key]; ok {
		existing.NaturalKey = rec.NaturalKey
		existing.Data = rec.Data
		return existing.TargetID, nil
	}
	s.seq++
	record := &memoryTargetRecord{
		TargetID:   fmt.Sprintf("%s_%06d", strings.TrimSuffix(rec.Resource, "s"), s.seq),
		NaturalKey: rec.NaturalKey,
		Data:       rec.Data,
	}
	s.records[key] = record
	return record.TargetID, nil
}

func (s *MemoryTargetStore) FindByNaturalKey(ctx context.Context, orgID, resource, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := storeKey(orgID, resource, "")
	for recordKey, record := range s.records {
		if strings.HasPrefix(recordKey, prefix) && record.NaturalKey == key {
			return strings.TrimPrefix(recordKey, prefix), nil
		}
	}
	return "", ErrNotFound
}

func (s *MemoryTargetStore) CountResource(ctx context.Context, orgID, resource string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := storeKey(orgID, resource, "")
	count := 0
	for recordKey := range s.records {
		if strings.HasPrefix(recordKey, prefix) {
			count++
		}
	}
	return count, nil
}

// InTransaction applies fn to a shadow copy and merges only on success, so a
// failed transactional load leaves no partial writes behind.
func (s *MemoryTargetStore) InTransaction(ctx context.Context, fn func(tx TargetStore) error) error {
	s.mu.Lock()
	shadow := &MemoryTargetStore{seq: s.seq, records: map[string]*memoryTargetRecord{}}
	for key, record := range s.records {
		clone := *record
		shadow.records[key] = &clone
	}
	s.mu.Unlock()

	if err := fn(shadow); err != nil {
		return err
	}

	s.mu.Lock()
	s.seq = shadow.seq
	s.records = shadow.records
	s.mu.Unlock()
	return nil
}

func (s *MemoryTargetStore) Close() error { return nil }

func validateUpsert(orgID string, rec UpsertRecord) error {
	if strings.TrimSpace(orgID) == "" || strings.TrimSpace(rec.Resource) == "" || strings.TrimSpace(rec.ExternalID) == "" {
		return ErrInvalidInput
	}
	return nil
}

func storeKey(orgID, resource, externalID string) string {
	return orgID + "|" + resource + "|" + externalID
}

// MemoryManifestStore is the in-memory ManifestStore.
type MemoryManifestStore struct {
	mu      sync.Mutex
	entries map[string]ManifestEntry
}

func NewMemoryManifestStore() *MemoryManifestStore {
	return &MemoryManifestStore{entries: map[string]ManifestEntry{}}
}

func (s *MemoryManifestStore) Put(ctx context.Context, entry ManifestEntry) error {
	entry.SourceDocID = strings.TrimSpace(entry.SourceDocID)
	if entry.SourceDocID == "" {
		return ErrInvalidInput
	}
	if entry.Status == "" {
		entry.Status = MatchPending
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[entry.SourceDocID]; ok && !canTransition(existing.Status, entry.Status) {
		return fmt.Errorf("%w: manifest %s cannot move %s -> %s", ErrInvalidState, entry.SourceDocID, existing.Status, entry.Status)
	}
	entry.UpdatedAt = time.Now().UTC()
	s.entries[entry.SourceDocID] = entry
	return nil
}

func (s *MemoryManifestStore) Get(ctx context.Context, sourceDocID string) (ManifestEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[strings.TrimSpace(sourceDocID)]
	if !ok {
		return ManifestEntry{}, ErrNotFound
	}
	return entry, nil
}

func (s *MemoryManifestStore) ListByStatus(ctx context.Context, status MatchStatus, limit int) ([]ManifestEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]ManifestEntry, 0)
	for _, entry := range s.entries {
		if entry.Status == status {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].SourceDocID < entries[j].SourceDocID })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *MemoryManifestStore) Reset(ctx context.Context, sourceDocID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[strings.TrimSpace(sourceDocID)]
	if !ok {
		return ErrNotFound
	}
	if entry.Status != MatchError {
		return fmt.Errorf("%w: manifest %s is %s, only error entries reset", ErrInvalidState, sourceDocID, entry.Status)
	}
	entry.Status = MatchPending
	entry.LastError = ""
	entry.UpdatedAt = time.Now().UTC()
	s.entries[entry.SourceDocID] = entry
	return nil
}

func (s *MemoryManifestStore) Close() error { return nil }
