package casemover

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"
)

// LoadMode selects failure semantics for a load.
type LoadMode string

const (
	// LoadTransactional runs the whole payload in one atomic transaction;
	// any store error rolls everything back. Meant for small, synchronous,
	// user-pasted payloads.
	LoadTransactional LoadMode = "transactional"
	// LoadIncremental commits each record independently so an hours-long
	// API-driven job tolerates restarts; per-record failures become warnings.
	LoadIncremental LoadMode = "incremental"
)

const maxNaturalKeyAttempts = 11

type LoaderOptions struct {
	Store    TargetStore
	Resolver *ReferenceResolver
	Tracker  *ProgressTracker
	Logger   *log.Logger
	Clock    func() time.Time
}

// Loader upserts import payloads into the target store in parent-before-child
// order, resolving foreign keys through the reference resolver as it goes.
type Loader struct {
	store    TargetStore
	resolver *ReferenceResolver
	tracker  *ProgressTracker
	logger   *log.Logger
	now      func() time.Time
}

type LoadSummary struct {
	OrgID    string                    `json:"orgId"`
	Counts   map[string]ResourceCounts `json:"counts"`
	Warnings []string                  `json:"warnings"`
}

func NewLoader(opts LoaderOptions) (*Loader, error) {
	if opts.Store == nil {
		return nil, ErrInvalidInput
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = NewReferenceResolver(opts.Logger)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Loader{
		store:    opts.Store,
		resolver: resolver,
		tracker:  opts.Tracker,
		logger:   logger,
		now:      now,
	}, nil
}

func (l *Loader) Resolver() *ReferenceResolver { return l.resolver }

// LoadPayload loads one payload. jobID may be empty for loads that run
// outside a tracked job (the drop-directory path reuses this with its own
// job).
func (l *Loader) LoadPayload(ctx context.Context, jobID string, mode LoadMode, payload ImportPayload) (LoadSummary, error) {
	summary := LoadSummary{Counts: map[string]ResourceCounts{}}

	if mode == LoadTransactional {
		// User-pasted payloads are held to the full contract up front. The
		// incremental path must not be: API-extracted data carries exactly
		// the null classification fields the catch-all passes recover, and
		// one such record rejects only itself, never the batch.
		if err := ValidatePayload(payload); err != nil {
			return LoadSummary{}, err
		}
		err := l.store.InTransaction(ctx, func(tx TargetStore) error {
			return l.loadAll(ctx, tx, jobID, mode, payload, &summary)
		})
		return summary, err
	}
	err := l.loadAll(ctx, l.store, jobID, mode, payload, &summary)
	return summary, err
}

func (l *Loader) loadAll(ctx context.Context, store TargetStore, jobID string, mode LoadMode, payload ImportPayload, summary *LoadSummary) error {
	orgID, err := l.loadOrganization(ctx, store, jobID, payload.Organization, summary)
	if err != nil {
		l.setPhase(jobID, ResourceOrganization, PhaseError)
		return err
	}
	summary.OrgID = orgID
	l.setPhase(jobID, ResourceOrganization, PhaseDone)

	type resourceBatch struct {
		resource string
		load     func() error
	}
	batches := []resourceBatch{
		{ResourceUsers, func() error {
			return l.loadUsers(ctx, store, jobID, orgID, payload.Users, summary)
		}},
		{ResourceContacts, func() error {
			return l.loadContacts(ctx, store, jobID, orgID, payload.Contacts, summary)
		}},
		{ResourceMatters, func() error {
			return l.loadMatters(ctx, store, jobID, orgID, payload.Matters, summary)
		}},
		{ResourceActivities, func() error {
			return l.loadActivities(ctx, store, jobID, orgID, payload.Organization, payload.Activities, summary)
		}},
		{ResourceCalendarEntries, func() error {
			return l.loadCalendarEntries(ctx, store, jobID, orgID, payload.CalendarEntries, summary)
		}},
	}

	var firstErr error
	for _, batch := range batches {
		l.setPhase(jobID, batch.resource, PhaseLoading)
		if err := batch.load(); err != nil {
			l.setPhase(jobID, batch.resource, PhaseError)
			if mode == LoadTransactional {
				return err
			}
			// Connectivity kills the rest of this resource type only;
			// sibling resource types proceed independently.
			if firstErr == nil {
				firstErr = err
			}
			l.warn(jobID, summary, "%s aborted: %v", batch.resource, err)
			continue
		}
		l.setPhase(jobID, batch.resource, PhaseDone)
	}
	return firstErr
}

func (l *Loader) loadOrganization(ctx context.Context, store TargetStore, jobID string, org OrganizationRecord, summary *LoadSummary) (string, error) {
	orgID := strings.TrimSpace(org.SourceID)
	if orgID == "" || strings.TrimSpace(org.Name) == "" {
		return "", &ValidationError{Resource: ResourceOrganization, SourceID: orgID, Field: "name"}
	}
	l.setPhase(jobID, ResourceOrganization, PhaseLoading)
	targetID, err := store.Upsert(ctx, orgID, UpsertRecord{
		Resource:   ResourceOrganization,
		ExternalID: orgID,
		Data: map[string]any{
			"name":                org.Name,
			"default_hourly_rate": org.DefaultHourlyRate,
		},
	})
	if err != nil {
		return "", err
	}
	l.resolver.Register(ResourceOrganization, orgID, targetID, org.Name)
	l.addCounts(jobID, summary, ResourceOrganization, ResourceCounts{Loaded: 1})
	return orgID, nil
}

func (l *Loader) loadUsers(ctx context.Context, store TargetStore, jobID, orgID string, users []UserRecord, summary *LoadSummary) error {
	for _, user := range users {
		if strings.TrimSpace(user.SourceID) == "" {
			l.reject(jobID, summary, &ValidationError{Resource: ResourceUsers, SourceID: user.SourceID, Field: "sourceId"})
			continue
		}
		targetID, err := store.Upsert(ctx, orgID, UpsertRecord{
			Resource:   ResourceUsers,
			ExternalID: user.SourceID,
			Data: map[string]any{
				"first_name": user.FirstName,
				"last_name":  user.LastName,
				"email":      user.Email,
				"enabled":    user.Enabled,
				"rate":       user.Rate,
			},
		})
		if err != nil {
			return err
		}
		fullName := strings.TrimSpace(user.FirstName + " " + user.LastName)
		l.resolver.Register(ResourceUsers, user.SourceID, targetID, user.Email, fullName)
		l.addCounts(jobID, summary, ResourceUsers, ResourceCounts{Loaded: 1})
	}
	return nil
}

func (l *Loader) loadContacts(ctx context.Context, store TargetStore, jobID, orgID string, contacts []ContactRecord, summary *LoadSummary) error {
	for _, contact := range contacts {
		if err := validateContact(contact); err != nil {
			l.reject(jobID, summary, err)
			continue
		}
		name := contactDisplayName(contact)
		targetID, err := store.Upsert(ctx, orgID, UpsertRecord{
			Resource:   ResourceContacts,
			ExternalID: contact.SourceID,
			Data: map[string]any{
				"type":       contact.Type,
				"first_name": contact.FirstName,
				"last_name":  contact.LastName,
				"name":       name,
				"emails":     contact.Emails,
				"phone":      contact.Phone,
				"company":    contact.Company,
			},
		})
		if err != nil {
			return err
		}
		aliases := append([]string{name}, contact.Emails...)
		l.resolver.Register(ResourceContacts, contact.SourceID, targetID, aliases...)
		l.addCounts(jobID, summary, ResourceContacts, ResourceCounts{Loaded: 1})
	}
	return nil
}

func (l *Loader) loadMatters(ctx context.Context, store TargetStore, jobID, orgID string, matters []MatterRecord, summary *LoadSummary) error {
	for _, matter := range matters {
		if strings.TrimSpace(matter.SourceID) == "" || strings.TrimSpace(matter.DisplayNumber) == "" {
			l.reject(jobID, summary, &ValidationError{Resource: ResourceMatters, SourceID: matter.SourceID, Field: "displayNumber"})
			continue
		}

		clientID, ok := l.resolver.Resolve(ResourceContacts, matter.ClientSourceID, matter.ClientEmail, matter.ClientName)
		if !ok && (matter.ClientSourceID != "" || matter.ClientEmail != "" || matter.ClientName != "") {
			l.warn(jobID, summary, "matter %s: client reference unresolved, loading with null client", matter.SourceID)
		}
		responsibleID, ok := l.resolver.Resolve(ResourceUsers, matter.ResponsibleUserID)
		if !ok && matter.ResponsibleUserID != "" {
			l.warn(jobID, summary, "matter %s: responsible user %s unresolved, loading with null user", matter.SourceID, matter.ResponsibleUserID)
		}

		displayNumber, err := l.uniqueDisplayNumber(ctx, store, orgID, matter)
		if err != nil {
			return err
		}
		if displayNumber != matter.DisplayNumber {
			l.warn(jobID, summary, "matter %s: display number %q taken, rewritten to %q", matter.SourceID, matter.DisplayNumber, displayNumber)
		}

		targetID, err := store.Upsert(ctx, orgID, UpsertRecord{
			Resource:   ResourceMatters,
			ExternalID: matter.SourceID,
			NaturalKey: displayNumber,
			Data: map[string]any{
				"display_number":      displayNumber,
				"description":         matter.Description,
				"status":              matter.Status,
				"client_id":           nullable(clientID),
				"responsible_user_id": nullable(responsibleID),
				"practice_area":       matter.PracticeArea,
				"open_date":           matter.OpenDate,
				"close_date":          matter.CloseDate,
			},
		})
		if err != nil {
			return err
		}
		l.resolver.Register(ResourceMatters, matter.SourceID, targetID, matter.DisplayNumber, displayNumber, matter.Description)
		l.addCounts(jobID, summary, ResourceMatters, ResourceCounts{Loaded: 1})
	}
	return nil
}

// uniqueDisplayNumber keeps the source number when free (or already ours from
// a previous run), otherwise rewrites it deterministically: org-derived
// prefix, then numeric suffixes, then a timestamp. Bounded, so a pathological
// collision set cannot loop forever.
func (l *Loader) uniqueDisplayNumber(ctx context.Context, store TargetStore, orgID string, matter MatterRecord) (string, error) {
	original := strings.TrimSpace(matter.DisplayNumber)
	candidates := make([]string, 0, maxNaturalKeyAttempts)
	candidates = append(candidates, original, orgPrefix(orgID)+"-"+original)
	for i := 2; i <= 9; i++ {
		candidates = append(candidates, fmt.Sprintf("%s-%d", original, i))
	}
	candidates = append(candidates, fmt.Sprintf("%s-%d", original, l.now().UTC().Unix()))

	for _, candidate := range candidates {
		owner, err := store.FindByNaturalKey(ctx, orgID, ResourceMatters, candidate)
		if errors.Is(err, ErrNotFound) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
		if owner == matter.SourceID {
			// Re-run of the same job; the key is already ours.
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: no unique display number for matter %s after %d attempts", ErrInvalidState, matter.SourceID, maxNaturalKeyAttempts)
}

func (l *Loader) loadActivities(ctx context.Context, store TargetStore, jobID, orgID string, org OrganizationRecord, activities []ActivityRecord, summary *LoadSummary) error {
	for _, activity := range activities {
		if strings.TrimSpace(activity.SourceID) == "" || !validActivityKind(activity.Kind) {
			l.reject(jobID, summary, &ValidationError{Resource: ResourceActivities, SourceID: activity.SourceID, Field: "kind"})
			continue
		}

		matterID, ok := l.resolver.Resolve(ResourceMatters, activity.MatterSourceID)
		if !ok && activity.MatterSourceID != "" {
			l.warn(jobID, summary, "activity %s: matter %s unresolved, loading with null matter", activity.SourceID, activity.MatterSourceID)
		}
		userID, ok := l.resolver.Resolve(ResourceUsers, activity.UserSourceID)
		if !ok && activity.UserSourceID != "" {
			l.warn(jobID, summary, "activity %s: user %s unresolved, loading with null user", activity.SourceID, activity.UserSourceID)
		}

		rate := activity.Rate
		if rate == 0 && activity.Kind == "TimeEntry" && org.DefaultHourlyRate > 0 {
			// Source omits the rate on some entries; the organization default
			// is substituted so billed totals stay computable. Flagged as a
			// warning so the substitution is visible in the job summary.
			rate = org.DefaultHourlyRate
			l.warn(jobID, summary, "activity %s: no rate on time entry, substituted org default %.2f", activity.SourceID, rate)
		}
		total := activity.Total
		if total == 0 {
			total = activity.Quantity * rate
		}

		if _, err := store.Upsert(ctx, orgID, UpsertRecord{
			Resource:   ResourceActivities,
			ExternalID: activity.SourceID,
			Data: map[string]any{
				"kind":      activity.Kind,
				"date":      activity.Date,
				"quantity":  activity.Quantity,
				"rate":      rate,
				"total":     total,
				"note":      activity.Note,
				"matter_id": nullable(matterID),
				"user_id":   nullable(userID),
			},
		}); err != nil {
			return err
		}
		l.addCounts(jobID, summary, ResourceActivities, ResourceCounts{Loaded: 1})
	}
	return nil
}

func (l *Loader) loadCalendarEntries(ctx context.Context, store TargetStore, jobID, orgID string, entries []CalendarEntryRecord, summary *LoadSummary) error {
	for _, entry := range entries {
		if strings.TrimSpace(entry.SourceID) == "" || strings.TrimSpace(entry.Summary) == "" {
			l.reject(jobID, summary, &ValidationError{Resource: ResourceCalendarEntries, SourceID: entry.SourceID, Field: "summary"})
			continue
		}
		matterID, ok := l.resolver.Resolve(ResourceMatters, entry.MatterSourceID)
		if !ok && entry.MatterSourceID != "" {
			l.warn(jobID, summary, "calendar entry %s: matter %s unresolved, loading with null matter", entry.SourceID, entry.MatterSourceID)
		}
		userID, ok := l.resolver.Resolve(ResourceUsers, entry.UserSourceID)
		if !ok && entry.UserSourceID != "" {
			l.warn(jobID, summary, "calendar entry %s: user %s unresolved, loading with null user", entry.SourceID, entry.UserSourceID)
		}

		if _, err := store.Upsert(ctx, orgID, UpsertRecord{
			Resource:   ResourceCalendarEntries,
			ExternalID: entry.SourceID,
			Data: map[string]any{
				"summary":     entry.Summary,
				"description": entry.Description,
				"start_at":    entry.StartAt,
				"end_at":      entry.EndAt,
				"matter_id":   nullable(matterID),
				"user_id":     nullable(userID),
			},
		}); err != nil {
			return err
		}
		l.addCounts(jobID, summary, ResourceCalendarEntries, ResourceCounts{Loaded: 1})
	}
	return nil
}

func (l *Loader) reject(jobID string, summary *LoadSummary, err *ValidationError) {
	l.warn(jobID, summary, "rejected: %v", err)
	l.addCounts(jobID, summary, err.Resource, ResourceCounts{Failed: 1})
}

func (l *Loader) warn(jobID string, summary *LoadSummary, format string, args ...any) {
	message := fmt.Sprintf(format, args...)
	summary.Warnings = append(summary.Warnings, message)
	l.logger.Printf("%s", message)
	if l.tracker != nil && jobID != "" {
		l.tracker.Warn(jobID, "%s", message)
	}
}

func (l *Loader) addCounts(jobID string, summary *LoadSummary, resource string, delta ResourceCounts) {
	counts := summary.Counts[resource]
	counts.Extracted += delta.Extracted
	counts.Loaded += delta.Loaded
	counts.Skipped += delta.Skipped
	counts.Failed += delta.Failed
	summary.Counts[resource] = counts
	if l.tracker != nil && jobID != "" {
		l.tracker.AddCounts(jobID, resource, delta)
	}
}

func (l *Loader) setPhase(jobID, resource, phase string) {
	if l.tracker != nil && jobID != "" {
		l.tracker.SetPhase(jobID, resource, phase)
	}
}

func validateContact(contact ContactRecord) *ValidationError {
	if strings.TrimSpace(contact.SourceID) == "" {
		return &ValidationError{Resource: ResourceContacts, SourceID: contact.SourceID, Field: "sourceId"}
	}
	switch contact.Type {
	case "Company":
		if strings.TrimSpace(contact.Name) == "" && strings.TrimSpace(contact.Company) == "" {
			return &ValidationError{Resource: ResourceContacts, SourceID: contact.SourceID, Field: "name"}
		}
	case "Person":
		if strings.TrimSpace(contact.FirstName+contact.LastName+contact.Name) == "" {
			return &ValidationError{Resource: ResourceContacts, SourceID: contact.SourceID, Field: "name"}
		}
	default:
		return &ValidationError{Resource: ResourceContacts, SourceID: contact.SourceID, Field: "type"}
	}
	return nil
}

func validActivityKind(kind string) bool {
	return kind == "TimeEntry" || kind == "ExpenseEntry"
}

func contactDisplayName(contact ContactRecord) string {
	if name := strings.TrimSpace(contact.Name); name != "" {
		return name
	}
	if contact.Type == "Company" {
		return strings.TrimSpace(contact.Company)
	}
	return strings.TrimSpace(contact.FirstName + " " + contact.LastName)
}

// orgPrefix derives a short uppercase prefix from the organization id for
// natural-key rewrites.
func orgPrefix(orgID string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - ('a' - 'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return -1
		}
	}, orgID)
	if len(cleaned) > 3 {
		cleaned = cleaned[:3]
	}
	if cleaned == "" {
		cleaned = "ORG"
	}
	return cleaned
}

func nullable(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
