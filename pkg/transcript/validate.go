package transcript

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/myrag/audio-ingest/pkg/faults"
)

var (
	schemaVersionRe = regexp.MustCompile(`^\d+\.\d+$`)
	stableEventIDRe = regexp.MustCompile(`^rec-\d{8}T\d{6}Z-[a-f0-9]{8}$`)
)

// lowConfidenceThreshold is the per-segment confidence below which a
// segment counts toward quality_flags.low_confidence.
const lowConfidenceThreshold = 0.7

func parseVersion(s string) (major, minor int, ok bool) {
	if _, err := fmt.Sscanf(s, "%d.%d", &major, &minor); err != nil {
		return 0, 0, false
	}
	return major, minor, true
}

// defectList accumulates structural defects as "<json path>: <problem>"
// so a producer gets the complete diagnosis in one rejection.
type defectList []string

func (d *defectList) add(path, format string, args ...any) {
	*d = append(*d, path+": "+fmt.Sprintf(format, args...))
}

// checkKeys rejects keys of obj that are not in allowed, recording one
// defect per unknown key.
func (d *defectList) checkKeys(path string, obj map[string]json.RawMessage, allowed ...string) {
	permitted := make(map[string]bool, len(allowed))
	for _, k := range allowed {
		permitted[k] = true
	}
	var unknown []string
	for k := range obj {
		if !permitted[k] {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	for _, k := range unknown {
		d.add(path, "unknown field %q", k)
	}
}

// Validate checks a raw conversation.json against the payload contract and
// returns the typed payload, a bookkeeping summary, and any business-rule
// warnings. expectedStableEventID is the notification's id; a payload
// claiming a different identity is rejected.
//
// Layers, in order: structural schema (fatal), cross-references (fatal),
// business rules (warnings only).
func Validate(data []byte, expectedStableEventID string) (*ConversationPayload, *Summary, []Warning, error) {
	payload, err := decodeStructural(data)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := checkCrossReferences(payload, expectedStableEventID); err != nil {
		return nil, nil, nil, err
	}
	warnings := checkBusinessRules(payload)
	for _, w := range warnings {
		slog.Warn("Payload business rule violation",
			"stable_event_id", payload.StableEventID, "rule", w.Rule, "detail", w.Message)
	}
	return payload, buildSummary(payload), warnings, nil
}

// decodeStructural performs the strict schema layer: required fields,
// types, enumerations, numeric ranges, and unknown-key rejection on every
// known object. All defects are aggregated into one validation_error.
func decodeStructural(data []byte) (*ConversationPayload, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, faults.Wrapf(faults.CodeValidationError, err, "payload validation failed: conversation.json is not a JSON object")
	}

	var defects defectList
	defects.checkKeys("payload", top,
		"schema_version", "stable_event_id", "source_system", "created_at",
		"meeting_metadata", "participants", "segments",
		"quality_flags", "attachments", "analytics", "tags", "primary_language", "metadata")

	var p ConversationPayload
	if err := json.Unmarshal(data, &p); err != nil {
		defects.add("payload", "%v", err)
	}
	p.rawParticipants = top["participants"]

	switch {
	case top["schema_version"] == nil:
		defects.add("payload.schema_version", "required")
	case !schemaVersionRe.MatchString(p.SchemaVersion):
		defects.add("payload.schema_version", "%q is not MAJOR.MINOR", p.SchemaVersion)
	}
	switch {
	case top["stable_event_id"] == nil:
		defects.add("payload.stable_event_id", "required")
	case !stableEventIDRe.MatchString(p.StableEventID):
		defects.add("payload.stable_event_id", "%q does not match rec-<YYYYMMDD>T<HHMMSS>Z-<8 hex>", p.StableEventID)
	}
	if p.SourceSystem == "" {
		defects.add("payload.source_system", "required")
	}
	if top["created_at"] == nil {
		defects.add("payload.created_at", "required")
	}

	if raw := top["meeting_metadata"]; raw == nil {
		defects.add("payload.meeting_metadata", "required")
	} else {
		validateMeetingMetadata(raw, &p.MeetingMetadata, &defects)
	}

	if raw := top["participants"]; raw == nil {
		defects.add("payload.participants", "required")
	} else {
		validateParticipants(raw, p.Participants, &defects)
	}

	if raw := top["segments"]; raw == nil {
		defects.add("payload.segments", "required")
	} else {
		validateSegments(raw, p.Segments, &defects)
	}

	if raw := top["quality_flags"]; raw != nil {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			defects.add("payload.quality_flags", "not a JSON object")
		} else {
			defects.checkKeys("payload.quality_flags", obj,
				"low_confidence", "missing_audio", "overlapping_speech")
		}
	}

	if len(defects) > 0 {
		return nil, faults.Newf(faults.CodeValidationError,
			"payload validation failed: %s", strings.Join(defects, "; "))
	}
	return &p, nil
}

func validateMeetingMetadata(raw json.RawMessage, m *MeetingMetadata, defects *defectList) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		defects.add("payload.meeting_metadata", "not a JSON object")
		return
	}
	defects.checkKeys("payload.meeting_metadata", obj,
		"scheduled_start", "title", "duration_sec", "end_at", "location",
		"timezone", "organizer", "agenda")

	if obj["scheduled_start"] == nil {
		defects.add("payload.meeting_metadata.scheduled_start", "required")
	}
	if m.DurationSec == nil && m.EndAt == nil {
		defects.add("payload.meeting_metadata", "either duration_sec or end_at must be provided")
	}
	if m.DurationSec != nil && (*m.DurationSec < 1 || *m.DurationSec > 86400) {
		defects.add("payload.meeting_metadata.duration_sec", "%d is outside 1..86400", *m.DurationSec)
	}
	if raw := obj["location"]; raw != nil {
		var locObj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &locObj); err != nil {
			defects.add("payload.meeting_metadata.location", "not a JSON object")
			return
		}
		defects.checkKeys("payload.meeting_metadata.location", locObj,
			"lat", "lon", "display_name", "address", "floor", "room")
		if m.Location != nil {
			if m.Location.Lat < -90 || m.Location.Lat > 90 {
				defects.add("payload.meeting_metadata.location.lat", "%v is outside -90..90", m.Location.Lat)
			}
			if m.Location.Lon < -180 || m.Location.Lon > 180 {
				defects.add("payload.meeting_metadata.location.lon", "%v is outside -180..180", m.Location.Lon)
			}
		}
		if locObj["lat"] == nil || locObj["lon"] == nil {
			defects.add("payload.meeting_metadata.location", "lat and lon are required")
		}
	}
}

func validateParticipants(raw json.RawMessage, participants []Participant, defects *defectList) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		defects.add("payload.participants", "not a JSON array")
		return
	}
	if len(items) == 0 {
		defects.add("payload.participants", "at least one participant is required")
		return
	}
	for i, item := range items {
		path := fmt.Sprintf("payload.participants[%d]", i)
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(item, &obj); err != nil {
			defects.add(path, "not a JSON object")
			continue
		}
		defects.checkKeys(path, obj,
			"speaker_id", "display_name", "email", "role", "company", "phone", "metadata")
		if i < len(participants) {
			if participants[i].SpeakerID == "" {
				defects.add(path+".speaker_id", "required")
			}
			if participants[i].DisplayName == "" {
				defects.add(path+".display_name", "required")
			}
		}
	}
}

func validateSegments(raw json.RawMessage, segments []Segment, defects *defectList) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		defects.add("payload.segments", "not a JSON array")
		return
	}
	if len(items) == 0 {
		defects.add("payload.segments", "at least one segment is required")
		return
	}
	for i, item := range items {
		path := fmt.Sprintf("payload.segments[%d]", i)
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(item, &obj); err != nil {
			defects.add(path, "not a JSON object")
			continue
		}
		defects.checkKeys(path, obj,
			"segment_id", "speaker_id", "start_ms", "end_ms", "text", "language",
			"confidence", "channel", "duration_ms", "offset_ms", "speaker_label",
			"annotations", "metadata")
		if i >= len(segments) {
			continue
		}
		seg := &segments[i]
		if seg.SegmentID == "" {
			defects.add(path+".segment_id", "required")
		}
		if seg.SpeakerID == "" {
			defects.add(path+".speaker_id", "required")
		}
		if seg.StartMS < 0 {
			defects.add(path+".start_ms", "%d is negative", seg.StartMS)
		}
		if seg.EndMS < seg.StartMS {
			defects.add(path+".end_ms", "%d precedes start_ms %d", seg.EndMS, seg.StartMS)
		}
		if seg.Text == "" {
			defects.add(path+".text", "required")
		}
		if seg.Language == "" {
			defects.add(path+".language", "required")
		}
		if obj["confidence"] == nil {
			defects.add(path+".confidence", "required")
		} else if seg.Confidence < 0 || seg.Confidence > 1 {
			defects.add(path+".confidence", "%v is outside 0..1", seg.Confidence)
		}
		if seg.Channel != nil && (*seg.Channel < 0 || *seg.Channel > 32) {
			defects.add(path+".channel", "%d is outside 0..32", *seg.Channel)
		}
		if raw := obj["annotations"]; raw != nil {
			validateAnnotations(path+".annotations", raw, seg.Annotations, defects)
		}
	}
}

func validateAnnotations(path string, raw json.RawMessage, a *Annotations, defects *defectList) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		defects.add(path, "not a JSON object")
		return
	}
	defects.checkKeys(path, obj, "topics", "entities", "sentiment")
	if a == nil {
		return
	}
	if rawSent := obj["sentiment"]; rawSent != nil {
		var sentObj map[string]json.RawMessage
		if err := json.Unmarshal(rawSent, &sentObj); err != nil {
			defects.add(path+".sentiment", "not a JSON object")
		} else {
			defects.checkKeys(path+".sentiment", sentObj, "label", "score", "stars", "metadata")
		}
		if a.Sentiment != nil {
			if !sentimentLabels[a.Sentiment.Label] {
				defects.add(path+".sentiment.label", "%q is not a known sentiment label", a.Sentiment.Label)
			}
			if a.Sentiment.Score < 0 || a.Sentiment.Score > 1 {
				defects.add(path+".sentiment.score", "%v is outside 0..1", a.Sentiment.Score)
			}
			if a.Sentiment.Stars != nil && (*a.Sentiment.Stars < 1 || *a.Sentiment.Stars > 5) {
				defects.add(path+".sentiment.stars", "%d is outside 1..5", *a.Sentiment.Stars)
			}
		}
	}
	if rawEnts := obj["entities"]; rawEnts != nil {
		var entItems []json.RawMessage
		if err := json.Unmarshal(rawEnts, &entItems); err != nil {
			defects.add(path+".entities", "not a JSON array")
			return
		}
		for j, item := range entItems {
			entPath := fmt.Sprintf("%s.entities[%d]", path, j)
			var entObj map[string]json.RawMessage
			if err := json.Unmarshal(item, &entObj); err != nil {
				defects.add(entPath, "not a JSON object")
				continue
			}
			defects.checkKeys(entPath, entObj,
				"type", "text", "start_char", "end_char", "confidence", "metadata")
			if j < len(a.Entities) {
				ent := &a.Entities[j]
				if !entityTypes[ent.Type] {
					defects.add(entPath+".type", "%q is not a known entity type", ent.Type)
				}
				if ent.Text == "" {
					defects.add(entPath+".text", "required")
				}
				if ent.Confidence != nil && (*ent.Confidence < 0 || *ent.Confidence > 1) {
					defects.add(entPath+".confidence", "%v is outside 0..1", *ent.Confidence)
				}
			}
		}
	}
}

// checkCrossReferences enforces referential integrity: unique speaker and
// segment ids, every segment speaker resolving to a participant, and the
// payload agreeing with the notification about its identity.
func checkCrossReferences(p *ConversationPayload, expectedStableEventID string) error {
	var defects defectList

	if expectedStableEventID != "" && p.StableEventID != expectedStableEventID {
		defects.add("payload.stable_event_id",
			"%q does not match the notification's %q", p.StableEventID, expectedStableEventID)
	}

	speakers := make(map[string]bool, len(p.Participants))
	for i, part := range p.Participants {
		if speakers[part.SpeakerID] {
			defects.add(fmt.Sprintf("payload.participants[%d].speaker_id", i),
				"%q is duplicated", part.SpeakerID)
		}
		speakers[part.SpeakerID] = true
	}

	segmentIDs := make(map[string]bool, len(p.Segments))
	for i, seg := range p.Segments {
		if segmentIDs[seg.SegmentID] {
			defects.add(fmt.Sprintf("payload.segments[%d].segment_id", i),
				"%q is duplicated", seg.SegmentID)
		}
		segmentIDs[seg.SegmentID] = true
		if !speakers[seg.SpeakerID] {
			defects.add(fmt.Sprintf("payload.segments[%d].speaker_id", i),
				"segment %s references unknown speaker_id %q", seg.SegmentID, seg.SpeakerID)
		}
	}

	if len(defects) > 0 {
		return faults.Newf(faults.CodeValidationError,
			"payload validation failed: %s", strings.Join(defects, "; "))
	}
	return nil
}

// checkBusinessRules emits warnings for soft violations. None of these
// reject the payload.
func checkBusinessRules(p *ConversationPayload) []Warning {
	var warnings []Warning

	var prevEnd int64
	for _, seg := range p.Segments {
		if seg.StartMS < prevEnd {
			warnings = append(warnings, Warning{
				Rule: "segment_chronology",
				Message: fmt.Sprintf("segment %s overlaps previous segment (start=%d, prev_end=%d)",
					seg.SegmentID, seg.StartMS, prevEnd),
			})
		}
		prevEnd = seg.EndMS
	}

	if p.PrimaryLanguage != "" {
		found := false
		for _, seg := range p.Segments {
			if seg.Language == p.PrimaryLanguage {
				found = true
				break
			}
		}
		if !found {
			warnings = append(warnings, Warning{
				Rule:    "primary_language",
				Message: fmt.Sprintf("primary_language %q not found among segment languages", p.PrimaryLanguage),
			})
		}
	}

	if p.QualityFlags != nil && p.QualityFlags.LowConfidence {
		lowCount := 0
		for _, seg := range p.Segments {
			if seg.Confidence < lowConfidenceThreshold {
				lowCount++
			}
		}
		if lowCount == 0 {
			warnings = append(warnings, Warning{
				Rule:    "quality_flags",
				Message: "quality_flags.low_confidence is set but no segment has confidence < 0.7",
			})
		}
	}

	return warnings
}

// buildSummary extracts the compact per-payload bookkeeping record,
// including the verbatim voice_matches bytes per participant.
func buildSummary(p *ConversationPayload) *Summary {
	langSet := make(map[string]bool)
	var languages []string
	for _, seg := range p.Segments {
		if !langSet[seg.Language] {
			langSet[seg.Language] = true
			languages = append(languages, seg.Language)
		}
	}

	var voiceMatches map[string]json.RawMessage
	for _, part := range p.Participants {
		if len(part.Metadata) == 0 {
			continue
		}
		var meta map[string]json.RawMessage
		if err := json.Unmarshal(part.Metadata, &meta); err != nil {
			continue
		}
		if vm, ok := meta["voice_matches"]; ok {
			if voiceMatches == nil {
				voiceMatches = make(map[string]json.RawMessage)
			}
			voiceMatches[part.SpeakerID] = vm
		}
	}

	return &Summary{
		SegmentCount:     len(p.Segments),
		ParticipantCount: len(p.Participants),
		DurationSec:      p.MeetingMetadata.EffectiveDurationSec(),
		PrimaryLanguage:  p.PrimaryLanguage,
		Languages:        languages,
		QualityFlags:     p.QualityFlags,
		VoiceMatches:     voiceMatches,
	}
}
