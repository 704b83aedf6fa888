package casemover

import (
	"context"
	"fmt"
	"io"
	"log"
)

type MigratorOptions struct {
	Client           SourceClient
	Store            TargetStore
	Manifest         ManifestStore
	Blobs            BlobStore
	Tracker          *ProgressTracker
	Logger           *log.Logger
	Planner          *PartitionPlanner
	StreamBatchSize  int
	IncludeDocuments bool
}

// Migrator runs one full API-driven migration: partitioned extraction of
// every entity type, an incremental load, then the document manifest and
// streaming phases. Jobs run independently; one job waiting out a rate limit
// never blocks another's progress.
type Migrator struct {
	client           SourceClient
	store            TargetStore
	manifest         ManifestStore
	blobs            BlobStore
	tracker          *ProgressTracker
	logger           *log.Logger
	planner          *PartitionPlanner
	streamBatchSize  int
	includeDocuments bool
}

func NewMigrator(opts MigratorOptions) (*Migrator, error) {
	if opts.Client == nil || opts.Store == nil || opts.Tracker == nil {
		return nil, ErrInvalidInput
	}
	if opts.IncludeDocuments && (opts.Manifest == nil || opts.Blobs == nil) {
		return nil, ErrInvalidInput
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	planner := opts.Planner
	if planner == nil {
		planner = NewPartitionPlanner()
	}
	return &Migrator{
		client:           opts.Client,
		store:            opts.Store,
		manifest:         opts.Manifest,
		blobs:            opts.Blobs,
		tracker:          opts.Tracker,
		logger:           logger,
		planner:          planner,
		streamBatchSize:  opts.StreamBatchSize,
		includeDocuments: opts.IncludeDocuments,
	}, nil
}

// Start registers a job and runs the migration on its own goroutine. The
// returned snapshot carries the job id for polling. A job is abandoned by
// ceasing to poll; it is not preemptible mid-flight.
func (m *Migrator) Start() ImportJob {
	job := m.tracker.CreateJob("")
	go func() {
		if err := m.Run(context.Background(), job.ID); err != nil {
			m.tracker.Logf(job.ID, "job failed: %v", err)
			m.tracker.Finish(job.ID, JobError)
			return
		}
		m.tracker.Finish(job.ID, JobDone)
	}()
	return *job
}

// Run executes the whole pipeline synchronously under the given job id.
func (m *Migrator) Run(ctx context.Context, jobID string) error {
	payload, err := m.extractPayload(ctx, jobID)
	if err != nil {
		return err
	}

	loader, err := NewLoader(LoaderOptions{Store: m.store, Tracker: m.tracker, Logger: m.logger})
	if err != nil {
		return err
	}
	summary, err := loader.LoadPayload(ctx, jobID, LoadIncremental, payload)
	if err != nil {
		// Incremental mode already isolated the failure to one resource
		// type; partial results are retained, never rolled back.
		m.tracker.Logf(jobID, "load finished with errors: %v", err)
	}
	m.tracker.Logf(jobID, "loaded %d resource types for org %s", len(summary.Counts), summary.OrgID)

	if !m.includeDocuments {
		m.tracker.SetPhase(jobID, ResourceDocuments, PhaseSkipped)
		return err
	}
	if docErr := m.runDocuments(ctx, jobID, summary.OrgID, payload, loader.Resolver()); docErr != nil {
		m.tracker.SetPhase(jobID, ResourceDocuments, PhaseError)
		if err == nil {
			err = docErr
		}
		m.tracker.Logf(jobID, "document phase failed: %v", docErr)
		return err
	}
	m.tracker.SetPhase(jobID, ResourceDocuments, PhaseDone)
	return err
}

func (m *Migrator) extractPayload(ctx context.Context, jobID string) (ImportPayload, error) {
	payload := ImportPayload{}

	org, err := m.extractOrganization(ctx, jobID)
	if err != nil {
		m.tracker.SetPhase(jobID, ResourceOrganization, PhaseError)
		return payload, err
	}
	payload.Organization = org

	extractor, err := NewExtractor(ExtractorOptions{
		Client:  m.client,
		Planner: m.planner,
		Logger:  m.logger,
		OnPartition: func(partition Partition, fetched, added int) {
			if added > 0 || fetched > 0 {
				m.tracker.Logf(jobID, "partition %s: fetched %d, new %d", partition.Label, fetched, added)
			}
		},
	})
	if err != nil {
		return payload, err
	}

	for _, resource := range []string{ResourceUsers, ResourceContacts, ResourceMatters, ResourceActivities, ResourceCalendarEntries} {
		m.tracker.SetPhase(jobID, resource, PhaseExtracting)
		result, err := extractor.ExtractAll(ctx, resource)
		if err != nil {
			m.tracker.SetPhase(jobID, resource, PhaseError)
			return payload, fmt.Errorf("extract %s: %w", resource, err)
		}
		for _, label := range result.FailedPartitions {
			m.tracker.Warn(jobID, "partition %s failed and was skipped", label)
		}
		m.tracker.AddCounts(jobID, resource, ResourceCounts{Extracted: len(result.Records)})
		m.tracker.Logf(jobID, "%s: %d records from %d fetched (%d ceiling stops)",
			resource, len(result.Records), result.FetchedTotal, result.CeilingHits)

		switch resource {
		case ResourceUsers:
			for _, record := range result.Records {
				payload.Users = append(payload.Users, mapUser(record))
			}
		case ResourceContacts:
			for _, record := range result.Records {
				payload.Contacts = append(payload.Contacts, mapContact(record))
			}
		case ResourceMatters:
			for _, record := range result.Records {
				payload.Matters = append(payload.Matters, mapMatter(record))
			}
		case ResourceActivities:
			for _, record := range result.Records {
				payload.Activities = append(payload.Activities, mapActivity(record))
			}
		case ResourceCalendarEntries:
			for _, record := range result.Records {
				payload.CalendarEntries = append(payload.CalendarEntries, mapCalendarEntry(record))
			}
		}
	}
	return payload, nil
}

func (m *Migrator) extractOrganization(ctx context.Context, jobID string) (OrganizationRecord, error) {
	m.tracker.SetPhase(jobID, ResourceOrganization, PhaseExtracting)
	extractor, err := NewExtractor(ExtractorOptions{Client: m.client, Planner: m.planner, Logger: m.logger})
	if err != nil {
		return OrganizationRecord{}, err
	}
	result, err := extractor.ExtractAll(ctx, ResourceOrganization)
	if err != nil {
		return OrganizationRecord{}, err
	}
	if len(result.Records) == 0 {
		return OrganizationRecord{}, fmt.Errorf("%w: source returned no organization", ErrNotFound)
	}
	record := result.Records[0]
	return OrganizationRecord{
		SourceID:          record.SourceID,
		Name:              NameChain.Extract(record.Payload),
		DefaultHourlyRate: numberField(record.Payload, "default_hourly_rate"),
	}, nil
}

func (m *Migrator) runDocuments(ctx context.Context, jobID, orgID string, payload ImportPayload, resolver *ReferenceResolver) error {
	m.tracker.SetPhase(jobID, ResourceDocuments, PhaseExtracting)
	builder, err := NewManifestBuilder(ManifestBuilderOptions{Client: m.client, Store: m.manifest, Logger: m.logger})
	if err != nil {
		return err
	}
	build, err := builder.Build(ctx)
	if err != nil {
		return err
	}
	m.tracker.Logf(jobID, "manifest: %d documents across %d folders (%d skipped)", build.Documents, build.Folders, build.Skipped)

	matcher := NewPathMatcher(knownMattersFrom(payload, resolver))
	matched, unmatched, missing, err := builder.MatchPending(ctx, matcher, resolver)
	if err != nil {
		return err
	}
	m.tracker.Logf(jobID, "manifest matched: %d matched, %d unmatched, %d missing", matched, unmatched, missing)

	m.tracker.SetPhase(jobID, ResourceDocuments, PhaseLoading)
	streamer, err := NewStreamer(StreamerOptions{
		Client:    m.client,
		Manifest:  m.manifest,
		Blobs:     m.blobs,
		Target:    m.store,
		Logger:    m.logger,
		BatchSize: m.streamBatchSize,
		OnBatch: func(done StreamSummary) {
			m.tracker.Update(jobID, func(job *ImportJob) {
				counts := job.Counts[ResourceDocuments]
				counts.Loaded = done.Success
				counts.Failed = done.Failed
				job.Counts[ResourceDocuments] = counts
			})
		},
	})
	if err != nil {
		return err
	}
	summary, err := streamer.StreamAll(ctx, orgID)
	if err != nil {
		return err
	}
	m.tracker.AddCounts(jobID, ResourceDocuments, ResourceCounts{Extracted: build.Documents})
	m.tracker.Logf(jobID, "documents streamed: %d imported, %d failed", summary.Success, summary.Failed)
	return nil
}

// knownMattersFrom turns the loaded matters into the matcher's lookup set.
func knownMattersFrom(payload ImportPayload, resolver *ReferenceResolver) []KnownMatter {
	matters := make([]KnownMatter, 0, len(payload.Matters))
	for _, matter := range payload.Matters {
		targetID, ok := resolver.Resolve(ResourceMatters, matter.SourceID)
		if !ok {
			continue
		}
		matters = append(matters, KnownMatter{
			MatterID:   targetID,
			Number:     matter.DisplayNumber,
			Name:       matter.Description,
			ClientName: matter.ClientName,
		})
	}
	return matters
}

func mapUser(record SourceRecord) UserRecord {
	return UserRecord{
		SourceID:  record.SourceID,
		FirstName: stringField(record.Payload, "first_name"),
		LastName:  stringField(record.Payload, "last_name"),
		Email:     EmailChain.Extract(record.Payload),
		Enabled:   boolField(record.Payload, "enabled"),
		Rate:      numberField(record.Payload, "rate"),
	}
}

func mapContact(record SourceRecord) ContactRecord {
	contactType := stringField(record.Payload, "type")
	if contactType == "" {
		contactType = "Person"
	}
	contact := ContactRecord{
		SourceID:  record.SourceID,
		Type:      contactType,
		FirstName: stringField(record.Payload, "first_name"),
		LastName:  stringField(record.Payload, "last_name"),
		Name:      NameChain.Extract(record.Payload),
		Phone:     stringField(record.Payload, "phone"),
		Company:   stringField(record.Payload, "company"),
	}
	if email := EmailChain.Extract(record.Payload); email != "" {
		contact.Emails = []string{email}
	}
	return contact
}

func mapMatter(record SourceRecord) MatterRecord {
	clientSourceID := ""
	clientName := ""
	if client, ok := record.Payload["client"].(map[string]any); ok {
		clientSourceID = stringField(client, "id")
		clientName = NameChain.Extract(client)
	}
	return MatterRecord{
		SourceID:          record.SourceID,
		DisplayNumber:     stringField(record.Payload, "display_number"),
		Description:       stringField(record.Payload, "description"),
		Status:            stringField(record.Payload, "status"),
		ClientSourceID:    clientSourceID,
		ClientName:        clientName,
		ResponsibleUserID: nestedID(record.Payload, "responsible_attorney"),
		PracticeArea:      nestedField(record.Payload, "practice_area", "name"),
		OpenDate:          stringField(record.Payload, "open_date"),
		CloseDate:         stringField(record.Payload, "close_date"),
	}
}

func mapActivity(record SourceRecord) ActivityRecord {
	return ActivityRecord{
		SourceID:       record.SourceID,
		Kind:           stringField(record.Payload, "kind"),
		Date:           stringField(record.Payload, "date"),
		Quantity:       numberField(record.Payload, "quantity"),
		Rate:           numberField(record.Payload, "rate"),
		Total:          numberField(record.Payload, "total"),
		Note:           stringField(record.Payload, "note"),
		MatterSourceID: nestedID(record.Payload, "matter"),
		UserSourceID:   nestedID(record.Payload, "user"),
	}
}

func mapCalendarEntry(record SourceRecord) CalendarEntryRecord {
	return CalendarEntryRecord{
		SourceID:       record.SourceID,
		Summary:        stringField(record.Payload, "summary"),
		Description:    stringField(record.Payload, "description"),
		StartAt:        stringField(record.Payload, "start_at"),
		EndAt:          stringField(record.Payload, "end_at"),
		MatterSourceID: nestedID(record.Payload, "matter"),
		UserSourceID:   nestedID(record.Payload, "user"),
	}
}

func nestedID(payload map[string]any, key string) string {
	return nestedField(payload, key, "id")
}

func nestedField(payload map[string]any, key, inner string) string {
	nested, ok := payload[key].(map[string]any)
	if !ok {
		return ""
	}
	return stringField(nested, inner)
}

func numberField(payload map[string]any, key string) float64 {
	switch value := payload[key].(type) {
	case float64:
		return value
	case int:
		return float64(value)
	case int64:
		return float64(value)
	default:
		return 0
	}
}

func boolField(payload map[string]any, key string) bool {
	value, ok := payload[key].(bool)
	return ok && value
}
