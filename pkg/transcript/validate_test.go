package transcript

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myrag/audio-ingest/pkg/faults"
)

const testEventID = "rec-20260810T120000Z-a1b2c3d4"

// basePayload returns a minimal valid payload as a mutable map.
func basePayload() map[string]any {
	return map[string]any{
		"schema_version":  "1.0",
		"stable_event_id": testEventID,
		"source_system":   "recorder-fleet",
		"created_at":      "2026-08-10T12:00:00Z",
		"meeting_metadata": map[string]any{
			"scheduled_start": "2026-08-10T11:00:00Z",
			"duration_sec":    1800,
			"title":           "Weekly sync",
		},
		"participants": []any{
			map[string]any{"speaker_id": "spk-1", "display_name": "Alice"},
			map[string]any{"speaker_id": "spk-2", "display_name": "Bob"},
		},
		"segments": []any{
			map[string]any{
				"segment_id": "seg-001", "speaker_id": "spk-1",
				"start_ms": 0, "end_ms": 4000,
				"text": "Good morning everyone.", "language": "en", "confidence": 0.95,
			},
			map[string]any{
				"segment_id": "seg-002", "speaker_id": "spk-2",
				"start_ms": 4000, "end_ms": 9000,
				"text": "Morning. Let's get started.", "language": "en", "confidence": 0.91,
			},
		},
	}
}

func marshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestValidateAcceptsMinimalPayload(t *testing.T) {
	payload, summary, warnings, err := Validate(marshal(t, basePayload()), testEventID)
	require.NoError(t, err)
	require.NotNil(t, payload)

	assert.Equal(t, testEventID, payload.StableEventID)
	assert.Len(t, payload.Segments, 2)
	assert.Equal(t, 2, summary.SegmentCount)
	assert.Equal(t, 2, summary.ParticipantCount)
	assert.Equal(t, 1800, summary.DurationSec)
	assert.Equal(t, []string{"en"}, summary.Languages)
	assert.Empty(t, warnings)
}

func TestValidateStructuralDefects(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p map[string]any)
		wantMsg string
	}{
		{
			name:    "missing stable_event_id",
			mutate:  func(p map[string]any) { delete(p, "stable_event_id") },
			wantMsg: "payload.stable_event_id: required",
		},
		{
			name:    "malformed schema_version",
			mutate:  func(p map[string]any) { p["schema_version"] = "v1" },
			wantMsg: "not MAJOR.MINOR",
		},
		{
			name: "unknown top-level field",
			mutate: func(p map[string]any) {
				p["extra_field"] = true
			},
			wantMsg: `payload: unknown field "extra_field"`,
		},
		{
			name: "unknown segment field",
			mutate: func(p map[string]any) {
				seg := p["segments"].([]any)[0].(map[string]any)
				seg["loudness"] = 0.5
			},
			wantMsg: `payload.segments[0]: unknown field "loudness"`,
		},
		{
			name: "end_ms precedes start_ms",
			mutate: func(p map[string]any) {
				seg := p["segments"].([]any)[1].(map[string]any)
				seg["start_ms"] = 9000
				seg["end_ms"] = 4000
			},
			wantMsg: "payload.segments[1].end_ms: 4000 precedes start_ms 9000",
		},
		{
			name: "confidence out of range",
			mutate: func(p map[string]any) {
				seg := p["segments"].([]any)[0].(map[string]any)
				seg["confidence"] = 1.5
			},
			wantMsg: "payload.segments[0].confidence",
		},
		{
			name: "empty participants",
			mutate: func(p map[string]any) {
				p["participants"] = []any{}
			},
			wantMsg: "at least one participant is required",
		},
		{
			name: "empty segments",
			mutate: func(p map[string]any) {
				p["segments"] = []any{}
			},
			wantMsg: "at least one segment is required",
		},
		{
			name: "duration and end_at both absent",
			mutate: func(p map[string]any) {
				p["meeting_metadata"] = map[string]any{
					"scheduled_start": "2026-08-10T11:00:00Z",
				}
			},
			wantMsg: "either duration_sec or end_at must be provided",
		},
		{
			name: "location without coordinates",
			mutate: func(p map[string]any) {
				meta := p["meeting_metadata"].(map[string]any)
				meta["location"] = map[string]any{"display_name": "HQ"}
			},
			wantMsg: "lat and lon are required",
		},
		{
			name: "bad sentiment label",
			mutate: func(p map[string]any) {
				seg := p["segments"].([]any)[0].(map[string]any)
				seg["annotations"] = map[string]any{
					"sentiment": map[string]any{"label": "ecstatic", "score": 0.9},
				}
			},
			wantMsg: `"ecstatic" is not a known sentiment label`,
		},
		{
			name: "bad entity type",
			mutate: func(p map[string]any) {
				seg := p["segments"].([]any)[0].(map[string]any)
				seg["annotations"] = map[string]any{
					"entities": []any{map[string]any{"type": "ANIMAL", "text": "capuchin"}},
				}
			},
			wantMsg: `"ANIMAL" is not a known entity type`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := basePayload()
			tt.mutate(p)
			_, _, _, err := Validate(marshal(t, p), testEventID)
			require.Error(t, err)
			code, ok := faults.CodeOf(err)
			require.True(t, ok)
			assert.Equal(t, faults.CodeValidationError, code)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestValidateAggregatesAllDefects(t *testing.T) {
	p := basePayload()
	delete(p, "schema_version")
	delete(p, "source_system")
	seg := p["segments"].([]any)[0].(map[string]any)
	seg["confidence"] = -0.2

	_, _, _, err := Validate(marshal(t, p), testEventID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payload.schema_version")
	assert.Contains(t, err.Error(), "payload.source_system")
	assert.Contains(t, err.Error(), "payload.segments[0].confidence")
}

func TestValidateCrossReferences(t *testing.T) {
	t.Run("unknown speaker", func(t *testing.T) {
		p := basePayload()
		seg := p["segments"].([]any)[1].(map[string]any)
		seg["speaker_id"] = "spk-99"
		_, _, _, err := Validate(marshal(t, p), testEventID)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `unknown speaker_id "spk-99"`)
	})

	t.Run("duplicate segment id", func(t *testing.T) {
		p := basePayload()
		seg := p["segments"].([]any)[1].(map[string]any)
		seg["segment_id"] = "seg-001"
		_, _, _, err := Validate(marshal(t, p), testEventID)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `"seg-001" is duplicated`)
	})

	t.Run("duplicate speaker id", func(t *testing.T) {
		p := basePayload()
		part := p["participants"].([]any)[1].(map[string]any)
		part["speaker_id"] = "spk-1"
		_, _, _, err := Validate(marshal(t, p), testEventID)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `"spk-1" is duplicated`)
	})

	t.Run("identity mismatch with notification", func(t *testing.T) {
		p := basePayload()
		_, _, _, err := Validate(marshal(t, p), "rec-20260101T000000Z-deadbeef")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not match the notification")
	})
}

func TestValidateBusinessRuleWarnings(t *testing.T) {
	t.Run("overlapping segments warn only", func(t *testing.T) {
		p := basePayload()
		seg := p["segments"].([]any)[1].(map[string]any)
		seg["start_ms"] = 2000

		_, _, warnings, err := Validate(marshal(t, p), testEventID)
		require.NoError(t, err)
		require.Len(t, warnings, 1)
		assert.Equal(t, "segment_chronology", warnings[0].Rule)
	})

	t.Run("primary_language not spoken", func(t *testing.T) {
		p := basePayload()
		p["primary_language"] = "fr"

		_, _, warnings, err := Validate(marshal(t, p), testEventID)
		require.NoError(t, err)
		require.Len(t, warnings, 1)
		assert.Equal(t, "primary_language", warnings[0].Rule)
	})

	t.Run("stale low_confidence flag", func(t *testing.T) {
		p := basePayload()
		p["quality_flags"] = map[string]any{"low_confidence": true}

		_, _, warnings, err := Validate(marshal(t, p), testEventID)
		require.NoError(t, err)
		require.Len(t, warnings, 1)
		assert.Equal(t, "quality_flags", warnings[0].Rule)
	})
}

func TestValidatePreservesRawParticipants(t *testing.T) {
	raw := []byte(`{
		"schema_version": "1.1",
		"stable_event_id": "` + testEventID + `",
		"source_system": "recorder-fleet",
		"created_at": "2026-08-10T12:00:00Z",
		"meeting_metadata": {"scheduled_start": "2026-08-10T11:00:00Z", "duration_sec": 600},
		"participants": [
			{"speaker_id": "spk-1", "display_name": "Alice",
			 "metadata": {"voice_matches": [{"candidate": "alice.v2", "score": 0.9731000}]}}
		],
		"segments": [
			{"segment_id": "seg-001", "speaker_id": "spk-1", "start_ms": 0, "end_ms": 1000,
			 "text": "Hello.", "language": "en", "confidence": 0.99}
		]
	}`)

	payload, summary, _, err := Validate(raw, testEventID)
	require.NoError(t, err)

	// Verbatim bytes, trailing zeros in the score included.
	assert.Contains(t, string(payload.RawParticipants()), "0.9731000")
	require.Contains(t, summary.VoiceMatches, "spk-1")
	assert.Contains(t, string(summary.VoiceMatches["spk-1"]), `"alice.v2"`)
}

func TestVersionAtLeast(t *testing.T) {
	tests := []struct {
		version string
		major   int
		minor   int
		want    bool
	}{
		{"1.0", 1, 1, false},
		{"1.1", 1, 1, true},
		{"1.2", 1, 1, true},
		{"2.0", 1, 1, true},
		{"bogus", 1, 1, false},
	}
	for _, tt := range tests {
		p := &ConversationPayload{SchemaVersion: tt.version}
		assert.Equal(t, tt.want, p.VersionAtLeast(tt.major, tt.minor), tt.version)
	}
}
