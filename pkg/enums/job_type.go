package enums

import "fmt"

// JobType identifies the handler responsible for a background job row.
type JobType string

const (
	JobTypeReconcilePurchase      JobType = "reconcile_purchase"
	JobTypeProviderStatsRecompute JobType = "provider_stats_recompute"
	JobTypeNotificationCleanup    JobType = "notification_cleanup"
)

var validJobTypes = []JobType{
	JobTypeReconcilePurchase,
	JobTypeProviderStatsRecompute,
	JobTypeNotificationCleanup,
}

// singletonRecurringJobTypes lists types for which at most one non-terminal
// row should exist; enqueue reschedules an existing row instead of inserting.
var singletonRecurringJobTypes = map[JobType]bool{
	JobTypeProviderStatsRecompute: true,
	JobTypeNotificationCleanup:    true,
}

// String implements fmt.Stringer.
func (j JobType) String() string {
	return string(j)
}

// IsValid reports whether the value is a known JobType.
func (j JobType) IsValid() bool {
	for _, candidate := range validJobTypes {
		if candidate == j {
			return true
		}
	}
	return false
}

// IsSingletonRecurring reports whether enqueue should reschedule an existing
// non-terminal row of this type rather than insert a duplicate.
func (j JobType) IsSingletonRecurring() bool {
	return singletonRecurringJobTypes[j]
}

// ParseJobType converts raw input into a JobType.
func ParseJobType(value string) (JobType, error) {
	for _, candidate := range validJobTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid job type %q", value)
}
