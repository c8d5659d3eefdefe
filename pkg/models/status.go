// Package models holds the persisted domain records: the ingestion job
// ledger, its status machine, and the stored conversation shapes.
package models

// JobStatus is the lifecycle state of an ingestion job.
type JobStatus string

const (
	StatusPending     JobStatus = "pending"
	StatusDownloading JobStatus = "downloading"
	StatusValidating  JobStatus = "validating"
	StatusEmbedding   JobStatus = "embedding"
	StatusCompleted   JobStatus = "completed"
	StatusFailed      JobStatus = "failed"
)

// IsValid checks if the status belongs to the known set.
func (s JobStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusDownloading, StatusValidating, StatusEmbedding,
		StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether the status admits no further transitions short
// of an operator retry. completed is absorbing; failed can only restart.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition enforces the job status machine. In-flight statuses may
// return to downloading so a redelivered message can re-claim a job whose
// worker died mid-processing.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusDownloading
	case StatusDownloading:
		return to == StatusValidating || to == StatusFailed || to == StatusDownloading
	case StatusValidating:
		return to == StatusEmbedding || to == StatusFailed || to == StatusDownloading
	case StatusEmbedding:
		return to == StatusCompleted || to == StatusFailed || to == StatusDownloading
	case StatusFailed:
		return to == StatusDownloading
	case StatusCompleted:
		return false
	}
	return false
}
