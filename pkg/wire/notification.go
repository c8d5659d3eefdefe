// Package wire decodes raw ingestion-stream messages into validated drop
// notifications. A drop is one notification plus one content-addressed
// archive; the notification carries everything the pipeline needs to fetch
// and verify the archive before touching its contents.
package wire

import "time"

// Priority orders drops within operator dashboards. It does not affect
// consumer-group scheduling.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Producer identifies the publishing service, parsed from the serialized
// producer field when present.
type Producer struct {
	Service  string `json:"service"`
	Instance string `json:"instance,omitempty"`
}

// DropNotification is the decoded and validated stream message.
type DropNotification struct {
	StableEventID string
	PackageURI    string
	Bucket        string
	ObjectKey     string
	Checksum      string // canonical lowercase sha256:<hex>
	SchemaVersion string
	RetryCount    int
	ProducedAt    time.Time
	Priority      Priority
	Producer      *Producer
	TraceID       string

	// Raw preserves the verbatim stream fields for dead-letter publication.
	Raw map[string]string
}
