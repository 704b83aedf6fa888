package casemover

import (
	"errors"
	"testing"
	"time"
)

func TestJobSnapshotsAreIsolated(t *testing.T) {
	tracker := NewProgressTracker(ProgressTrackerOptions{})
	job := tracker.CreateJob("org_1")

	// Scribbling on a returned snapshot must not leak into tracker state.
	job.Phases[ResourceContacts] = "vandalized"
	job.Warnings = append(job.Warnings, "vandalized")

	fresh, err := tracker.Get(job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if fresh.Phases[ResourceContacts] != PhasePending {
		t.Fatalf("expected pristine phase, got %q", fresh.Phases[ResourceContacts])
	}
	if len(fresh.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", fresh.Warnings)
	}

	before, _ := tracker.Get(job.ID)
	tracker.SetPhase(job.ID, ResourceContacts, PhaseLoading)
	if before.Phases[ResourceContacts] != PhasePending {
		t.Fatalf("expected earlier snapshot unaffected by update")
	}
}

func TestOldestJobEvictedWhenFull(t *testing.T) {
	current := time.Unix(1_700_000_000, 0)
	tracker := NewProgressTracker(ProgressTrackerOptions{
		MaxJobs: 2,
		Clock:   func() time.Time { return current },
	})

	first := tracker.CreateJob("org_1")
	current = current.Add(time.Minute)
	second := tracker.CreateJob("org_1")
	current = current.Add(time.Minute)
	third := tracker.CreateJob("org_1")

	if _, err := tracker.Get(first.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected oldest job evicted, got %v", err)
	}
	for _, id := range []string{second.ID, third.ID} {
		if _, err := tracker.Get(id); err != nil {
			t.Fatalf("expected job %s retained: %v", id, err)
		}
	}
}

func TestStaleJobsExpireAfterTTL(t *testing.T) {
	current := time.Unix(1_700_000_000, 0)
	tracker := NewProgressTracker(ProgressTrackerOptions{
		TTL:   time.Hour,
		Clock: func() time.Time { return current },
	})

	stale := tracker.CreateJob("org_1")
	current = current.Add(2 * time.Hour)
	fresh := tracker.CreateJob("org_1")

	if _, err := tracker.Get(stale.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected stale job expired, got %v", err)
	}
	if _, err := tracker.Get(fresh.ID); err != nil {
		t.Fatalf("expected fresh job retained: %v", err)
	}
}

func TestJobLogIsCapped(t *testing.T) {
	tracker := NewProgressTracker(ProgressTrackerOptions{})
	job := tracker.CreateJob("org_1")

	for i := 0; i < jobLogCap+20; i++ {
		tracker.Logf(job.ID, "line %d", i)
	}
	got, err := tracker.Get(job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Log) != jobLogCap {
		t.Fatalf("expected log capped at %d lines, got %d", jobLogCap, len(got.Log))
	}
	if got.Log[0] != "line 20" {
		t.Fatalf("expected oldest lines dropped, got %q first", got.Log[0])
	}
}

func TestWatchDeliversSnapshotsAndNeverBlocks(t *testing.T) {
	tracker := NewProgressTracker(ProgressTrackerOptions{})
	job := tracker.CreateJob("org_1")

	updates, cancel := tracker.Watch(job.ID)
	tracker.SetPhase(job.ID, ResourceUsers, PhaseLoading)

	select {
	case snapshot := <-updates:
		if snapshot.Phases[ResourceUsers] != PhaseLoading {
			t.Fatalf("expected snapshot with updated phase, got %+v", snapshot.Phases)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a snapshot delivered")
	}

	// A reader that never drains must not stall the writer.
	for i := 0; i < 20; i++ {
		tracker.Logf(job.ID, "update %d", i)
	}

	cancel()
	for range updates {
		// Drain buffered snapshots; the closed channel ends the loop.
	}
}

func TestFinishSetsTerminalStatus(t *testing.T) {
	tracker := NewProgressTracker(ProgressTrackerOptions{})
	job := tracker.CreateJob("org_1")
	tracker.Warn(job.ID, "something odd with %s", "c_1")
	tracker.Finish(job.ID, JobDone)

	got, err := tracker.Get(job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != JobDone {
		t.Fatalf("expected done status, got %s", got.Status)
	}
	if len(got.Warnings) != 1 || len(got.Log) != 1 {
		t.Fatalf("expected warning recorded in warnings and log, got %+v", got)
	}
}
