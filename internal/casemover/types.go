package casemover

import (
	"time"
)

// Resource names shared by the extractor, loader, and progress phases.
const (
	ResourceOrganization    = "organization"
	ResourceUsers           = "users"
	ResourceContacts        = "contacts"
	ResourceMatters         = "matters"
	ResourceActivities      = "activities"
	ResourceCalendarEntries = "calendar_entries"
	ResourceDocuments       = "documents"
)

// loadOrder is parent-before-child: matters need contacts and users,
// activities and calendar entries need matters and users.
var loadOrder = []string{
	ResourceOrganization,
	ResourceUsers,
	ResourceContacts,
	ResourceMatters,
	ResourceActivities,
	ResourceCalendarEntries,
}

// ImportPayload is the fixed intermediate contract every ingestion path
// produces: the API extractor, the drop-directory watcher, and any free-text
// transformation all hand the load engine this exact shape.
type ImportPayload struct {
	Organization    OrganizationRecord    `json:"organization"`
	Users           []UserRecord          `json:"users,omitempty"`
	Contacts        []ContactRecord       `json:"contacts,omitempty"`
	Matters         []MatterRecord        `json:"matters,omitempty"`
	Activities      []ActivityRecord      `json:"activities,omitempty"`
	CalendarEntries []CalendarEntryRecord `json:"calendar_entries,omitempty"`
}

type OrganizationRecord struct {
	SourceID          string  `json:"sourceId"`
	Name              string  `json:"name"`
	DefaultHourlyRate float64 `json:"defaultHourlyRate,omitempty"`
}

type UserRecord struct {
	SourceID  string  `json:"sourceId"`
	FirstName string  `json:"firstName,omitempty"`
	LastName  string  `json:"lastName,omitempty"`
	Email     string  `json:"email,omitempty"`
	Enabled   bool    `json:"enabled"`
	Rate      float64 `json:"rate,omitempty"`
}

type ContactRecord struct {
	SourceID  string   `json:"sourceId"`
	Type      string   `json:"type"` // Person or Company
	FirstName string   `json:"firstName,omitempty"`
	LastName  string   `json:"lastName,omitempty"`
	Name      string   `json:"name,omitempty"`
	Emails    []string `json:"emails,omitempty"`
	Phone     string   `json:"phone,omitempty"`
	Company   string   `json:"company,omitempty"`
}

type MatterRecord struct {
	SourceID          string `json:"sourceId"`
	DisplayNumber     string `json:"displayNumber"`
	Description       string `json:"description,omitempty"`
	Status            string `json:"status,omitempty"` // Open, Closed, Pending
	ClientSourceID    string `json:"clientSourceId,omitempty"`
	ClientEmail       string `json:"clientEmail,omitempty"`
	ClientName        string `json:"clientName,omitempty"`
	ResponsibleUserID string `json:"responsibleUserId,omitempty"`
	PracticeArea      string `json:"practiceArea,omitempty"`
	OpenDate          string `json:"openDate,omitempty"`
	CloseDate         string `json:"closeDate,omitempty"`
}

type ActivityRecord struct {
	SourceID       string  `json:"sourceId"`
	Kind           string  `json:"kind"` // TimeEntry or ExpenseEntry
	Date           string  `json:"date,omitempty"`
	Quantity       float64 `json:"quantity,omitempty"`
	Rate           float64 `json:"rate,omitempty"`
	Total          float64 `json:"total,omitempty"`
	Note           string  `json:"note,omitempty"`
	MatterSourceID string  `json:"matterSourceId,omitempty"`
	UserSourceID   string  `json:"userSourceId,omitempty"`
}

type CalendarEntryRecord struct {
	SourceID       string `json:"sourceId"`
	Summary        string `json:"summary"`
	Description    string `json:"description,omitempty"`
	StartAt        string `json:"startAt,omitempty"`
	EndAt          string `json:"endAt,omitempty"`
	MatterSourceID string `json:"matterSourceId,omitempty"`
	UserSourceID   string `json:"userSourceId,omitempty"`
}

// SourceRecord is one raw record produced by the partitioned extractor.
// SourceID is unique within one entity type's run; the extractor removes
// cross-partition duplicates before a record reaches consumers.
type SourceRecord struct {
	EntityType string
	SourceID   string
	Payload    map[string]any
}

// UpsertRecord is what the load engine hands the target store. ExternalID
// scoped to the organization is the idempotency conflict key; NaturalKey, if
// set, is a human-readable key that must stay unique outside this job too.
type UpsertRecord struct {
	Resource   string
	ExternalID string
	NaturalKey string
	Data       map[string]any
}

// MatchStatus is the manifest entry lifecycle. Legal transitions:
// pending→matched→imported, pending→missing, any→error, and error→pending
// only through an explicit operator reset.
type MatchStatus string

const (
	MatchPending  MatchStatus = "pending"
	MatchMatched  MatchStatus = "matched"
	MatchImported MatchStatus = "imported"
	MatchMissing  MatchStatus = "missing"
	MatchError    MatchStatus = "error"
)

// MatchConfidence ranks how certain a path-match heuristic is.
type MatchConfidence string

const (
	ConfidenceHigh   MatchConfidence = "high"
	ConfidenceMedium MatchConfidence = "medium"
	ConfidenceLow    MatchConfidence = "low"
	ConfidenceNone   MatchConfidence = "none"
)

// ManifestEntry tracks one remote document's metadata independently of its
// bytes.
type ManifestEntry struct {
	SourceDocID    string          `json:"sourceDocId"`
	Name           string          `json:"name"`
	Path           string          `json:"path"`
	Size           int64           `json:"size"`
	ContentType    string          `json:"contentType,omitempty"`
	MatterSourceID string          `json:"matterSourceId,omitempty"`
	MatterID       string          `json:"matterId,omitempty"`
	Remainder      string          `json:"remainder,omitempty"`
	Status         MatchStatus     `json:"status"`
	Confidence     MatchConfidence `json:"confidence,omitempty"`
	BlobPath       string          `json:"blobPath,omitempty"`
	LastError      string          `json:"lastError,omitempty"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Job phases per resource type.
const (
	PhasePending    = "pending"
	PhaseExtracting = "extracting"
	PhaseLoading    = "loading"
	PhaseDone       = "done"
	PhaseError      = "error"
	PhaseSkipped    = "skipped"
)

// Job statuses.
const (
	JobRunning = "running"
	JobDone    = "done"
	JobError   = "error"
)

type ResourceCounts struct {
	Extracted int `json:"extracted"`
	Loaded    int `json:"loaded"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// ImportJob is the in-memory record a running migration mutates and pollers
// read. Loaded data must survive restarts; this record need not.
type ImportJob struct {
	ID        string                    `json:"id"`
	OrgID     string                    `json:"orgId"`
	Status    string                    `json:"status"`
	Phases    map[string]string         `json:"phases"`
	Counts    map[string]ResourceCounts `json:"counts"`
	Warnings  []string                  `json:"warnings"`
	Log       []string                  `json:"log"`
	CreatedAt time.Time                 `json:"createdAt"`
	UpdatedAt time.Time                 `json:"updatedAt"`
}

// StreamSummary is the document streamer's accounting for one run.
type StreamSummary struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}
