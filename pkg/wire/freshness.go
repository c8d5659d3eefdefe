package wire

import (
	"time"

	"github.com/myrag/audio-ingest/pkg/faults"
)

// CheckFreshness rejects drops whose produced_at is older than maxAge.
// A zero or negative maxAge disables the check. Expired drops are terminal:
// the producer must build a fresh archive rather than have us ingest one
// that may already have been superseded.
func CheckFreshness(n *DropNotification, maxAge time.Duration, now time.Time) error {
	if maxAge <= 0 {
		return nil
	}
	age := now.Sub(n.ProducedAt)
	if age > maxAge {
		return faults.Newf(faults.CodePayloadExpired,
			"drop %s expired: produced_at %s is %s old (max %s)",
			n.StableEventID, n.ProducedAt.Format(time.RFC3339), age.Round(time.Second), maxAge)
	}
	return nil
}
