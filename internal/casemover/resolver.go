package casemover

import (
	"log"
	"strings"
	"sync"
)

// ReferenceResolver builds per-entity-type lookup maps from source ids and
// normalized aliases (emails, full names) to target ids, populated
// incrementally as each entity type loads so later types can resolve foreign
// keys to already-loaded parents. First writer wins: a later registration of
// an already-mapped key is logged as a conflict, never silently overwritten.
type ReferenceResolver struct {
	mu      sync.RWMutex
	byID    map[string]map[string]string // entityType -> sourceID -> targetID
	byAlias map[string]map[string]string // entityType -> alias -> targetID
	logger  *log.Logger
}

func NewReferenceResolver(logger *log.Logger) *ReferenceResolver {
	return &ReferenceResolver{
		byID:    map[string]map[string]string{},
		byAlias: map[string]map[string]string{},
		logger:  logger,
	}
}

func (r *ReferenceResolver) Register(entityType, sourceID, targetID string, aliases ...string) {
	entityType = strings.TrimSpace(entityType)
	sourceID = strings.TrimSpace(sourceID)
	targetID = strings.TrimSpace(targetID)
	if entityType == "" || targetID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if sourceID != "" {
		ids := r.byID[entityType]
		if ids == nil {
			ids = map[string]string{}
			r.byID[entityType] = ids
		}
		if existing, ok := ids[sourceID]; ok {
			if existing != targetID && r.logger != nil {
				r.logger.Printf("reference conflict: %s %s already mapped to %s, keeping it over %s", entityType, sourceID, existing, targetID)
			}
		} else {
			ids[sourceID] = targetID
		}
	}

	for _, alias := range aliases {
		normalized := normalizeAlias(alias)
		if normalized == "" {
			continue
		}
		aliasMap := r.byAlias[entityType]
		if aliasMap == nil {
			aliasMap = map[string]string{}
			r.byAlias[entityType] = aliasMap
		}
		if existing, ok := aliasMap[normalized]; ok {
			if existing != targetID && r.logger != nil {
				r.logger.Printf("alias conflict: %s %q already mapped to %s, keeping it over %s", entityType, normalized, existing, targetID)
			}
			continue
		}
		aliasMap[normalized] = targetID
	}
}

// Resolve prefers an exact source-id match, then a normalized alias match.
// An unresolved reference is not an error; the caller loads the dependent
// record with a null link and records a warning.
func (r *ReferenceResolver) Resolve(entityType string, keys ...string) (string, bool) {
	entityType = strings.TrimSpace(entityType)
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if targetID, ok := r.byID[entityType][key]; ok {
			return targetID, true
		}
	}
	for _, key := range keys {
		normalized := normalizeAlias(key)
		if normalized == "" {
			continue
		}
		if targetID, ok := r.byAlias[entityType][normalized]; ok {
			return targetID, true
		}
	}
	return "", false
}

func (r *ReferenceResolver) Count(entityType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID[entityType])
}

func normalizeAlias(alias string) string {
	return strings.ToLower(strings.Join(strings.Fields(alias), " "))
}

// FieldChain is an ordered list of extractor functions tried until one yields
// a non-empty value. Sources name the same logical field several ways (a
// contact's email may live under email, primary_email_address, or inside an
// email_addresses list); the chain makes that probing explicit.
type FieldChain []func(payload map[string]any) string

func (c FieldChain) Extract(payload map[string]any) string {
	for _, extract := range c {
		if value := strings.TrimSpace(extract(payload)); value != "" {
			return value
		}
	}
	return ""
}

// EmailChain probes the known spellings of a record's email field.
var EmailChain = FieldChain{
	func(p map[string]any) string { return stringField(p, "email") },
	func(p map[string]any) string { return stringField(p, "primary_email_address") },
	func(p map[string]any) string {
		list, ok := p["email_addresses"].([]any)
		if !ok || len(list) == 0 {
			return ""
		}
		first, ok := list[0].(map[string]any)
		if !ok {
			return ""
		}
		return stringField(first, "address")
	},
}

// NameChain probes display name spellings, composing first/last as a last
// resort.
var NameChain = FieldChain{
	func(p map[string]any) string { return stringField(p, "name") },
	func(p map[string]any) string { return stringField(p, "display_name") },
	func(p map[string]any) string {
		first := stringField(p, "first_name")
		last := stringField(p, "last_name")
		return strings.TrimSpace(first + " " + last)
	},
}
