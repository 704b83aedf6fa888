package casemover

import (
	"fmt"
	"net/url"
	"time"
)

// Partition is one filtered, paginated query slice of an entity type's full
// record set, chosen so its expected result count stays under the source's
// hard per-query ceiling. OrderKey keeps results ascending by a stable key so
// pagination is resumable.
type Partition struct {
	EntityType string
	Label      string
	Filters    url.Values
	OrderKey   string
	CatchAll   bool
}

// PartitionPlanner builds the partition list for one entity type, ending with
// catch-all passes with progressively looser filters. Catch-alls dedupe
// against the same seen-id set as the targeted partitions, so they only
// contribute records that fell outside every partition's matching criteria
// (null classification fields, unicode initials, reassigned statuses).
type PartitionPlanner struct {
	now func() time.Time
}

func NewPartitionPlanner() *PartitionPlanner {
	return &PartitionPlanner{now: time.Now}
}

func (p *PartitionPlanner) Plan(entityType string) []Partition {
	switch entityType {
	case ResourceContacts:
		return p.contactPartitions()
	case ResourceMatters:
		return p.matterPartitions()
	case ResourceActivities:
		return p.activityPartitions()
	case ResourceCalendarEntries:
		return p.calendarPartitions()
	default:
		// Users and the organization are small; one unfiltered pass.
		return []Partition{{
			EntityType: entityType,
			Label:      entityType + "/all",
			Filters:    url.Values{},
			OrderKey:   "id",
		}}
	}
}

func (p *PartitionPlanner) contactPartitions() []Partition {
	letters := "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	types := []string{"Person", "Company"}
	partitions := make([]Partition, 0, len(letters)*len(types)+len(types)+1)
	for _, contactType := range types {
		for _, letter := range letters {
			filters := url.Values{}
			filters.Set("type", contactType)
			filters.Set("initial", string(letter))
			partitions = append(partitions, Partition{
				EntityType: ResourceContacts,
				Label:      fmt.Sprintf("contacts/%s/%c", contactType, letter),
				Filters:    filters,
				OrderKey:   "id",
			})
		}
	}
	// Looser pass: drop the initial, keep the type.
	for _, contactType := range types {
		filters := url.Values{}
		filters.Set("type", contactType)
		partitions = append(partitions, Partition{
			EntityType: ResourceContacts,
			Label:      "contacts/catchall/" + contactType,
			Filters:    filters,
			OrderKey:   "id",
			CatchAll:   true,
		})
	}
	partitions = append(partitions, Partition{
		EntityType: ResourceContacts,
		Label:      "contacts/catchall/all",
		Filters:    url.Values{},
		OrderKey:   "id",
		CatchAll:   true,
	})
	return partitions
}

func (p *PartitionPlanner) matterPartitions() []Partition {
	statuses := []string{"Open", "Closed", "Pending"}
	currentYear := p.now().Year()
	partitions := make([]Partition, 0, len(statuses)*30+len(statuses)+1)
	for _, status := range statuses {
		for year := currentYear - 25; year <= currentYear; year++ {
			filters := url.Values{}
			filters.Set("status", status)
			filters.Set("opened_year", fmt.Sprintf("%d", year))
			partitions = append(partitions, Partition{
				EntityType: ResourceMatters,
				Label:      fmt.Sprintf("matters/%s/%d", status, year),
				Filters:    filters,
				OrderKey:   "id",
			})
		}
	}
	for _, status := range statuses {
		filters := url.Values{}
		filters.Set("status", status)
		partitions = append(partitions, Partition{
			EntityType: ResourceMatters,
			Label:      "matters/catchall/" + status,
			Filters:    filters,
			OrderKey:   "id",
			CatchAll:   true,
		})
	}
	partitions = append(partitions, Partition{
		EntityType: ResourceMatters,
		Label:      "matters/catchall/all",
		Filters:    url.Values{},
		OrderKey:   "id",
		CatchAll:   true,
	})
	return partitions
}

// activityPartitions slices time and expense entries by time window: monthly
// for older data, weekly for the recent high-volume 90 days.
func (p *PartitionPlanner) activityPartitions() []Partition {
	kinds := []string{"TimeEntry", "ExpenseEntry"}
	now := p.now().UTC()
	recentStart := now.AddDate(0, 0, -90)
	historyStart := now.AddDate(-10, 0, 0)

	partitions := []Partition{}
	for _, kind := range kinds {
		for cursor := monthStart(historyStart); cursor.Before(recentStart); cursor = cursor.AddDate(0, 1, 0) {
			partitions = append(partitions, activityWindow(kind, cursor, cursor.AddDate(0, 1, 0)))
		}
		for cursor := recentStart; cursor.Before(now); cursor = cursor.AddDate(0, 0, 7) {
			end := cursor.AddDate(0, 0, 7)
			if end.After(now) {
				end = now.AddDate(0, 0, 1)
			}
			partitions = append(partitions, activityWindow(kind, cursor, end))
		}
	}
	for _, kind := range kinds {
		filters := url.Values{}
		filters.Set("kind", kind)
		partitions = append(partitions, Partition{
			EntityType: ResourceActivities,
			Label:      "activities/catchall/" + kind,
			Filters:    filters,
			OrderKey:   "id",
			CatchAll:   true,
		})
	}
	partitions = append(partitions, Partition{
		EntityType: ResourceActivities,
		Label:      "activities/catchall/all",
		Filters:    url.Values{},
		OrderKey:   "id",
		CatchAll:   true,
	})
	return partitions
}

func activityWindow(kind string, start, end time.Time) Partition {
	filters := url.Values{}
	filters.Set("kind", kind)
	filters.Set("date_from", start.Format("2006-01-02"))
	filters.Set("date_to", end.Format("2006-01-02"))
	return Partition{
		EntityType: ResourceActivities,
		Label:      fmt.Sprintf("activities/%s/%s", kind, start.Format("2006-01-02")),
		Filters:    filters,
		OrderKey:   "id",
	}
}

func (p *PartitionPlanner) calendarPartitions() []Partition {
	now := p.now().UTC()
	start := monthStart(now.AddDate(-10, 0, 0))
	horizon := now.AddDate(2, 0, 0)

	partitions := []Partition{}
	for cursor := start; cursor.Before(horizon); cursor = cursor.AddDate(0, 1, 0) {
		end := cursor.AddDate(0, 1, 0)
		filters := url.Values{}
		filters.Set("from", cursor.Format("2006-01-02"))
		filters.Set("to", end.Format("2006-01-02"))
		partitions = append(partitions, Partition{
			EntityType: ResourceCalendarEntries,
			Label:      "calendar/" + cursor.Format("2006-01"),
			Filters:    filters,
			OrderKey:   "id",
		})
	}
	partitions = append(partitions, Partition{
		EntityType: ResourceCalendarEntries,
		Label:      "calendar/catchall/all",
		Filters:    url.Values{},
		OrderKey:   "id",
		CatchAll:   true,
	})
	return partitions
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
