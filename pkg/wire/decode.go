package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/myrag/audio-ingest/pkg/checksum"
	"github.com/myrag/audio-ingest/pkg/faults"
)

// maxRetryCount caps the retry counter a producer may claim.
const maxRetryCount = 10

var (
	stableEventIDRe = regexp.MustCompile(`^rec-\d{8}T\d{6}Z-[a-f0-9]{8}$`)
	schemaVersionRe = regexp.MustCompile(`^\d+\.\d+$`)
)

// Decode validates the raw stream fields and builds a DropNotification.
// All field problems are collected into a single validation_error so a
// producer gets the full diagnosis in one dead-letter entry. Unknown
// top-level fields are tolerated; unknown keys inside the serialized
// producer and metadata objects are not.
func Decode(fields map[string]string) (*DropNotification, error) {
	n := &DropNotification{
		Priority: PriorityNormal,
		Raw:      fields,
	}
	var problems []string
	fail := func(field, format string, args ...any) {
		problems = append(problems, field+": "+fmt.Sprintf(format, args...))
	}

	n.StableEventID = fields["stable_event_id"]
	switch {
	case n.StableEventID == "":
		fail("stable_event_id", "required")
	case !stableEventIDRe.MatchString(n.StableEventID):
		fail("stable_event_id", "%q does not match rec-<YYYYMMDD>T<HHMMSS>Z-<8 hex>", n.StableEventID)
	}

	if uri := fields["package_uri"]; uri == "" {
		fail("package_uri", "required")
	} else if bucket, key, err := ParseObjectURI(uri); err != nil {
		fail("package_uri", "%v", err)
	} else {
		n.PackageURI = uri
		n.Bucket = bucket
		n.ObjectKey = key
	}

	if sum := fields["checksum"]; sum == "" {
		fail("checksum", "required")
	} else if !checksum.ValidFormat(sum) {
		fail("checksum", "%q is not sha256:<64 hex>", sum)
	} else {
		n.Checksum = checksum.Canonical(sum)
	}

	if v := fields["schema_version"]; v == "" {
		fail("schema_version", "required")
	} else if !schemaVersionRe.MatchString(v) {
		fail("schema_version", "%q is not MAJOR.MINOR", v)
	} else {
		n.SchemaVersion = v
	}

	if rc := fields["retry_count"]; rc == "" {
		fail("retry_count", "required")
	} else if count, err := strconv.Atoi(rc); err != nil {
		fail("retry_count", "%q is not an integer", rc)
	} else if count < 0 || count > maxRetryCount {
		fail("retry_count", "%d is outside 0..%d", count, maxRetryCount)
	} else {
		n.RetryCount = count
	}

	if ts := fields["produced_at"]; ts == "" {
		fail("produced_at", "required")
	} else if at, err := time.Parse(time.RFC3339, ts); err != nil {
		fail("produced_at", "%q is not an RFC 3339 timestamp", ts)
	} else {
		n.ProducedAt = at.UTC()
	}

	if p := fields["priority"]; p != "" {
		switch Priority(p) {
		case PriorityNormal, PriorityHigh:
			n.Priority = Priority(p)
		default:
			fail("priority", "%q is not normal or high", p)
		}
	}

	if raw := fields["producer"]; raw != "" {
		producer, err := decodeProducer(raw)
		if err != nil {
			fail("producer", "%v", err)
		} else {
			n.Producer = producer
		}
	}

	if tid := fields["trace_id"]; tid != "" {
		if _, err := uuid.Parse(tid); err != nil {
			fail("trace_id", "%q is not a UUID", tid)
		} else {
			n.TraceID = tid
		}
	}

	if raw := fields["metadata"]; raw != "" {
		tid, err := decodeMetadata(raw)
		if err != nil {
			fail("metadata", "%v", err)
		} else if n.TraceID == "" {
			n.TraceID = tid
		}
	}

	if len(problems) > 0 {
		return nil, faults.Newf(faults.CodeValidationError,
			"notification validation failed: %s", strings.Join(problems, "; "))
	}
	return n, nil
}

// decodeProducer parses the serialized producer object, rejecting unknown
// keys and requiring a service name.
func decodeProducer(raw string) (*Producer, error) {
	keys := map[string]json.RawMessage{}
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, fmt.Errorf("not a JSON object: %w", err)
	}
	for k := range keys {
		if k != "service" && k != "instance" {
			return nil, fmt.Errorf("unknown field %q", k)
		}
	}
	var p Producer
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, err
	}
	if p.Service == "" {
		return nil, errors.New("service is required")
	}
	return &p, nil
}

// decodeMetadata parses the serialized metadata object. The only key the
// contract defines is trace_id; anything else is a producer bug we surface
// instead of silently dropping.
func decodeMetadata(raw string) (string, error) {
	keys := map[string]json.RawMessage{}
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return "", fmt.Errorf("not a JSON object: %w", err)
	}
	var traceID string
	for k, v := range keys {
		if k != "trace_id" {
			return "", fmt.Errorf("unknown field %q", k)
		}
		if err := json.Unmarshal(v, &traceID); err != nil {
			return "", fmt.Errorf("trace_id: %w", err)
		}
	}
	if traceID != "" {
		if _, err := uuid.Parse(traceID); err != nil {
			return "", fmt.Errorf("trace_id %q is not a UUID", traceID)
		}
	}
	return traceID, nil
}
