package casemover

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxTrackedJobs = 256
	defaultJobTTL         = 24 * time.Hour
	jobLogCap             = 50
)

type ProgressTrackerOptions struct {
	MaxJobs int
	TTL     time.Duration
	Clock   func() time.Time
}

// ProgressTracker is the bounded registry of running and recently finished
// jobs. Each job has a single writer (its own execution path) and any number
// of polling readers; readers always get a snapshot copy, never a live
// pointer into mutable state. Jobs are evicted after the TTL or, oldest
// first, when the registry is full.
type ProgressTracker struct {
	mu      sync.RWMutex
	jobs    map[string]*ImportJob
	maxJobs int
	ttl     time.Duration
	now     func() time.Time
	seq     int

	subsMu sync.Mutex
	subs   map[string][]chan ImportJob
}

func NewProgressTracker(opts ProgressTrackerOptions) *ProgressTracker {
	maxJobs := opts.MaxJobs
	if maxJobs <= 0 {
		maxJobs = defaultMaxTrackedJobs
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultJobTTL
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &ProgressTracker{
		jobs:    map[string]*ImportJob{},
		maxJobs: maxJobs,
		ttl:     ttl,
		now:     now,
		subs:    map[string][]chan ImportJob{},
	}
}

func (t *ProgressTracker) CreateJob(orgID string) *ImportJob {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictLocked()

	t.seq++
	now := t.now().UTC()
	job := &ImportJob{
		ID:        fmt.Sprintf("job_%d_%d", now.UnixNano(), t.seq),
		OrgID:     strings.TrimSpace(orgID),
		Status:    JobRunning,
		Phases:    map[string]string{},
		Counts:    map[string]ResourceCounts{},
		Warnings:  []string{},
		Log:       []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, resource := range loadOrder {
		job.Phases[resource] = PhasePending
	}
	job.Phases[ResourceDocuments] = PhasePending
	t.jobs[job.ID] = job
	return snapshotJob(job)
}

// Get returns a snapshot of the job, or ErrNotFound after eviction.
func (t *ProgressTracker) Get(jobID string) (ImportJob, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	job, ok := t.jobs[strings.TrimSpace(jobID)]
	if !ok {
		return ImportJob{}, ErrNotFound
	}
	return *snapshotJob(job), nil
}

func (t *ProgressTracker) List() []ImportJob {
	t.mu.RLock()
	defer t.mu.RUnlock()
	jobs := make([]ImportJob, 0, len(t.jobs))
	for _, job := range t.jobs {
		jobs = append(jobs, *snapshotJob(job))
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	return jobs
}

// Update applies fn to the job under the write lock and notifies watchers
// with the resulting snapshot. All job mutation goes through here so partial
// updates are never visible to a poller.
func (t *ProgressTracker) Update(jobID string, fn func(job *ImportJob)) {
	t.mu.Lock()
	job, ok := t.jobs[jobID]
	if !ok {
		t.mu.Unlock()
		return
	}
	fn(job)
	if len(job.Log) > jobLogCap {
		job.Log = job.Log[len(job.Log)-jobLogCap:]
	}
	job.UpdatedAt = t.now().UTC()
	snapshot := *snapshotJob(job)
	t.mu.Unlock()

	t.notify(snapshot)
}

func (t *ProgressTracker) SetPhase(jobID, resource, phase string) {
	t.Update(jobID, func(job *ImportJob) {
		job.Phases[resource] = phase
	})
}

func (t *ProgressTracker) AddCounts(jobID, resource string, delta ResourceCounts) {
	t.Update(jobID, func(job *ImportJob) {
		counts := job.Counts[resource]
		counts.Extracted += delta.Extracted
		counts.Loaded += delta.Loaded
		counts.Skipped += delta.Skipped
		counts.Failed += delta.Failed
		job.Counts[resource] = counts
	})
}

func (t *ProgressTracker) Warn(jobID, format string, args ...any) {
	message := fmt.Sprintf(format, args...)
	t.Update(jobID, func(job *ImportJob) {
		job.Warnings = append(job.Warnings, message)
		job.Log = append(job.Log, "warning: "+message)
	})
}

func (t *ProgressTracker) Logf(jobID, format string, args ...any) {
	message := fmt.Sprintf(format, args...)
	t.Update(jobID, func(job *ImportJob) {
		job.Log = append(job.Log, message)
	})
}

func (t *ProgressTracker) Finish(jobID, status string) {
	t.Update(jobID, func(job *ImportJob) {
		job.Status = status
	})
}

// Watch subscribes to job snapshots until cancel is called. The channel is
// buffered and lossy: a slow reader misses intermediate snapshots, never
// blocks the job.
func (t *ProgressTracker) Watch(jobID string) (<-chan ImportJob, func()) {
	ch := make(chan ImportJob, 8)
	t.subsMu.Lock()
	t.subs[jobID] = append(t.subs[jobID], ch)
	t.subsMu.Unlock()

	cancel := func() {
		t.subsMu.Lock()
		defer t.subsMu.Unlock()
		watchers := t.subs[jobID]
		for i, watcher := range watchers {
			if watcher == ch {
				t.subs[jobID] = append(watchers[:i], watchers[i+1:]...)
				close(ch)
				break
			}
		}
		if len(t.subs[jobID]) == 0 {
			delete(t.subs, jobID)
		}
	}
	return ch, cancel
}

func (t *ProgressTracker) notify(snapshot ImportJob) {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	for _, watcher := range t.subs[snapshot.ID] {
		select {
		case watcher <- snapshot:
		default:
		}
	}
}

func (t *ProgressTracker) evictLocked() {
	cutoff := t.now().UTC().Add(-t.ttl)
	for id, job := range t.jobs {
		if job.UpdatedAt.Before(cutoff) {
			delete(t.jobs, id)
		}
	}
	for len(t.jobs) >= t.maxJobs {
		oldestID := ""
		var oldest time.Time
		for id, job := range t.jobs {
			if oldestID == "" || job.CreatedAt.Before(oldest) {
				oldestID = id
				oldest = job.CreatedAt
			}
		}
		if oldestID == "" {
			return
		}
		delete(t.jobs, oldestID)
	}
}

func snapshotJob(job *ImportJob) *ImportJob {
	clone := *job
	clone.Phases = make(map[string]string, len(job.Phases))
	for resource, phase := range job.Phases {
		clone.Phases[resource] = phase
	}
	clone.Counts = make(map[string]ResourceCounts, len(job.Counts))
	for resource, counts := range job.Counts {
		clone.Counts[resource] = counts
	}
	clone.Warnings = append([]string(nil), job.Warnings...)
	clone.Log = append([]string(nil), job.Log...)
	return &clone
}
