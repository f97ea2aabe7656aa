package types

import "time"

// Sync results.
const (
	SyncResultSuccess     = "success"
	SyncResultIssuesFound = "issues_found"
	SyncResultError       = "error"
	SyncResultTimeout     = "timeout"
)

// LockInfo is the lock portion of the SyncState row.
type LockInfo struct {
	Holder     *string    `json:"holder"`
	AcquiredAt *time.Time `json:"acquiredAt"`
	ExpiresAt  *time.Time `json:"expiresAt"`
}

// IsLocked is true iff a holder is recorded and there is no expiry or the
// expiry is still in the future.
func (l LockInfo) IsLocked(now time.Time) bool {
	if l.Holder == nil || *l.Holder == "" {
		return false
	}
	return l.ExpiresAt == nil || l.ExpiresAt.After(now)
}

// IsLockedBy is IsLocked restricted to the given holder.
func (l LockInfo) IsLockedBy(id string, now time.Time) bool {
	return l.IsLocked(now) && *l.Holder == id
}

// DriftCounts aggregates a drift check.
type DriftCounts struct {
	TotalCollections int `json:"totalCollections"`
	TotalProperties  int `json:"totalProperties"`
	OrphanedTables   int `json:"orphanedTables"`
	OrphanedColumns  int `json:"orphanedColumns"`
}

// DriftReport is the output of a drift check.
type DriftReport struct {
	Issues []Issue     `json:"issues"`
	Counts DriftCounts `json:"counts"`
}

// DriftDetected reports whether the check found any issue.
func (r DriftReport) DriftDetected() bool {
	return len(r.Issues) > 0
}

// SyncOutcome is what a finished sync run writes to the SyncState row.
type SyncOutcome struct {
	Result       string
	Duration     time.Duration
	ErrorMessage string
}

// SyncState is the singleton record aggregating sync runs, drift, and the
// schema lock.
type SyncState struct {
	Lock LockInfo `json:"lock"`

	LastFullSyncAt       *time.Time    `json:"lastFullSyncAt"`
	LastFullSyncDuration time.Duration `json:"lastFullSyncDuration"`
	LastFullSyncResult   *string       `json:"lastFullSyncResult"`
	LastFullSyncError    *string       `json:"lastFullSyncError"`

	LastDriftCheckAt *time.Time `json:"lastDriftCheckAt"`
	DriftDetected    bool       `json:"driftDetected"`
	DriftDetails     []Issue    `json:"driftDetails"`

	DriftCounts

	UpdatedAt time.Time `json:"updatedAt"`
}

// IssuesBySeverity returns the recorded drift issues with the given severity.
func (s *SyncState) IssuesBySeverity(severity Severity) []Issue {
	return FilterBySeverity(s.DriftDetails, severity)
}
