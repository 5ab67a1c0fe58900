package types

import "time"

// UserStats describes a single cached user index
type UserStats struct {
	UserKey          string    `json:"user_key"`
	PendingVectors   int       `json:"pending_vectors"`
	CommittedVectors int       `json:"committed_vectors"`
	Tombstones       uint64    `json:"tombstones"`
	Dirty            bool      `json:"dirty"`
	Version          uint64    `json:"version"`
	BlobRef          string    `json:"blob_ref,omitempty"`
	LastModified     time.Time `json:"last_modified"`
	PendingSince     time.Time `json:"pending_since,omitempty"`
}

// CacheStats is a point-in-time view of the whole cache
type CacheStats struct {
	TotalUsers          int         `json:"total_users"`
	TotalPendingVectors int         `json:"total_pending_vectors"`
	ActiveBatchJobs     int         `json:"active_batch_jobs"`
	PerUserBreakdown    []UserStats `json:"per_user_breakdown"`
}
