package model

import "time"

// SyncRecord is one completed sync attempt, successful or not.
type SyncRecord struct {
	ID             int64     `db:"id"`
	StartedAt      time.Time `db:"started_at"`
	CompletedAt    time.Time `db:"completed_at"`
	Success        bool      `db:"success"`
	Error          *string   `db:"error"`
	EntityCount    int       `db:"entity_count"`
	EnumCount      int       `db:"enum_count"`
	DocumentBytes  int64     `db:"document_bytes"`
	DurationMS     int64     `db:"duration_ms"`
	SourceInstance string    `db:"source_instance"`
}

// SyncStatistics are the row counts and timings produced by one bulk parse.
type SyncStatistics struct {
	EntityTypes          int `json:"entity_types"`
	EntitySets           int `json:"entity_sets"`
	Properties           int `json:"properties"`
	NavigationProperties int `json:"navigation_properties"`
	EnumTypes            int `json:"enum_types"`
	EnumMembers          int `json:"enum_members"`
	SearchEntries        int `json:"search_entries"`

	DocumentBytes  int64                    `json:"document_bytes"`
	PhaseDurations map[string]time.Duration `json:"-"`
	Duration       time.Duration            `json:"-"`
}

// RecordsPerSecond is the parse throughput over the two highest-cardinality
// tables, properties and enum members.
func (s SyncStatistics) RecordsPerSecond() float64 {
	secs := s.Duration.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(s.Properties+s.EnumMembers) / secs
}

// SyncStatus is the scheduler's observable state.
type SyncStatus struct {
	Syncing             bool       `json:"syncing"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastAttempt         *time.Time `json:"last_attempt,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	EntityCount         int        `json:"entity_count"`
	EnumCount           int        `json:"enum_count"`
	NextCheckDue        *time.Time `json:"next_check_due,omitempty"`
}
