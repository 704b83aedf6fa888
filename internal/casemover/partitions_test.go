package casemover

import (
	"testing"
	"time"
)

func fixedPlanner(at time.Time) *PartitionPlanner {
	planner := NewPartitionPlanner()
	planner.now = func() time.Time { return at }
	return planner
}

func TestContactPartitionsCoverTypeAndInitialGrid(t *testing.T) {
	partitions := NewPartitionPlanner().Plan(ResourceContacts)

	if len(partitions) != 2*26+3 {
		t.Fatalf("expected 52 targeted plus 3 catch-all partitions, got %d", len(partitions))
	}
	targeted := 0
	for _, partition := range partitions {
		if partition.CatchAll {
			continue
		}
		targeted++
		if partition.Filters.Get("type") == "" || partition.Filters.Get("initial") == "" {
			t.Fatalf("targeted partition %s missing filters", partition.Label)
		}
		if partition.OrderKey != "id" {
			t.Fatalf("partition %s not ordered by id", partition.Label)
		}
	}
	if targeted != 52 {
		t.Fatalf("expected 52 targeted partitions, got %d", targeted)
	}

	last := partitions[len(partitions)-1]
	if !last.CatchAll || len(last.Filters) != 0 {
		t.Fatalf("expected an unfiltered catch-all last, got %+v", last)
	}
}

func TestCatchAllPartitionsComeAfterTargeted(t *testing.T) {
	for _, entityType := range []string{ResourceContacts, ResourceMatters, ResourceActivities, ResourceCalendarEntries} {
		partitions := NewPartitionPlanner().Plan(entityType)
		sawCatchAll := false
		for _, partition := range partitions {
			if partition.CatchAll {
				sawCatchAll = true
			} else if sawCatchAll {
				t.Fatalf("%s: targeted partition %s after a catch-all", entityType, partition.Label)
			}
		}
		if !sawCatchAll {
			t.Fatalf("%s: no catch-all partition planned", entityType)
		}
	}
}

func TestMatterPartitionsSliceByStatusAndYear(t *testing.T) {
	planner := fixedPlanner(time.Date(2026, time.March, 15, 0, 0, 0, 0, time.UTC))
	partitions := planner.Plan(ResourceMatters)

	// 3 statuses by 26 years, then per-status and unfiltered catch-alls.
	if len(partitions) != 3*26+4 {
		t.Fatalf("expected 82 partitions, got %d", len(partitions))
	}
	first := partitions[0]
	if first.Filters.Get("status") != "Open" || first.Filters.Get("opened_year") != "2001" {
		t.Fatalf("expected oldest year first, got %+v", first.Filters)
	}
}

func TestActivityPartitionsGoWeeklyForRecentData(t *testing.T) {
	now := time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC)
	planner := fixedPlanner(now)
	partitions := planner.Plan(ResourceActivities)

	recentStart := now.AddDate(0, 0, -90).Format("2006-01-02")
	weekly := 0
	for _, partition := range partitions {
		if partition.CatchAll {
			continue
		}
		from, err := time.Parse("2006-01-02", partition.Filters.Get("date_from"))
		if err != nil {
			t.Fatalf("partition %s has no parsable window: %v", partition.Label, err)
		}
		to, _ := time.Parse("2006-01-02", partition.Filters.Get("date_to"))
		if partition.Filters.Get("date_from") >= recentStart {
			weekly++
			if days := to.Sub(from).Hours() / 24; days > 7 {
				t.Fatalf("recent partition %s spans %v days, expected weekly", partition.Label, days)
			}
		}
	}
	// 90 days of weekly windows for each of the two kinds.
	if weekly < 24 {
		t.Fatalf("expected weekly windows across the recent 90 days, got %d", weekly)
	}
}

func TestCalendarPartitionsExtendIntoTheFuture(t *testing.T) {
	now := time.Date(2026, time.March, 15, 0, 0, 0, 0, time.UTC)
	planner := fixedPlanner(now)
	partitions := planner.Plan(ResourceCalendarEntries)

	lastTargeted := partitions[len(partitions)-2]
	if lastTargeted.CatchAll {
		t.Fatalf("expected a targeted window before the catch-all")
	}
	from, err := time.Parse("2006-01-02", lastTargeted.Filters.Get("from"))
	if err != nil {
		t.Fatalf("parse window: %v", err)
	}
	if !from.After(now.AddDate(1, 0, 0)) {
		t.Fatalf("expected windows beyond one year out for future hearings, got %s", from)
	}
}

func TestSmallEntityTypesGetOnePass(t *testing.T) {
	partitions := NewPartitionPlanner().Plan(ResourceUsers)
	if len(partitions) != 1 || partitions[0].CatchAll || len(partitions[0].Filters) != 0 {
		t.Fatalf("expected a single unfiltered pass for users, got %+v", partitions)
	}
}
