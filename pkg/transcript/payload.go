// Package transcript validates the canonical conversation.json payload
// delivered inside a drop archive. The upstream transcript service produces
// the final form; this package only validates it, in three layers:
// structural schema, cross-references, then business rules (warnings only).
package transcript

import (
	"encoding/json"
	"time"
)

// Sentiment labels the transcript service may emit (v1.1+).
const (
	SentimentVeryPositive = "very_positive"
	SentimentPositive     = "positive"
	SentimentNeutral      = "neutral"
	SentimentNegative     = "negative"
	SentimentVeryNegative = "very_negative"
	SentimentMixed        = "mixed"
)

// Entity types the transcript service may emit.
const (
	EntityPerson = "PERSON"
	EntityOrg    = "ORG"
	EntityLoc    = "LOC"
	EntityDate   = "DATE"
	EntityTime   = "TIME"
	EntityMoney  = "MONEY"
	EntityMisc   = "MISC"
)

var sentimentLabels = map[string]bool{
	SentimentVeryPositive: true,
	SentimentPositive:     true,
	SentimentNeutral:      true,
	SentimentNegative:     true,
	SentimentVeryNegative: true,
	SentimentMixed:        true,
}

var entityTypes = map[string]bool{
	EntityPerson: true,
	EntityOrg:    true,
	EntityLoc:    true,
	EntityDate:   true,
	EntityTime:   true,
	EntityMoney:  true,
	EntityMisc:   true,
}

// Location is the optional meeting location.
type Location struct {
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	DisplayName string  `json:"display_name,omitempty"`
	Address     string  `json:"address,omitempty"`
	Floor       string  `json:"floor,omitempty"`
	Room        string  `json:"room,omitempty"`
}

// MeetingMetadata describes the recorded meeting. At least one of
// DurationSec or EndAt must be present.
type MeetingMetadata struct {
	ScheduledStart time.Time  `json:"scheduled_start"`
	Title          string     `json:"title,omitempty"`
	DurationSec    *int       `json:"duration_sec,omitempty"`
	EndAt          *time.Time `json:"end_at,omitempty"`
	Location       *Location  `json:"location,omitempty"`
	Timezone       string     `json:"timezone,omitempty"`
	Organizer      string     `json:"organizer,omitempty"`
	Agenda         string     `json:"agenda,omitempty"`
}

// EffectiveDurationSec derives the meeting duration from duration_sec or
// end_at, whichever is present.
func (m *MeetingMetadata) EffectiveDurationSec() int {
	if m.DurationSec != nil {
		return *m.DurationSec
	}
	if m.EndAt != nil {
		return int(m.EndAt.Sub(m.ScheduledStart).Seconds())
	}
	return 0
}

// Participant is one identified speaker. Metadata is opaque and preserved
// verbatim; it may carry vendor voice_matches data.
type Participant struct {
	SpeakerID   string          `json:"speaker_id"`
	DisplayName string          `json:"display_name"`
	Email       string          `json:"email,omitempty"`
	Role        string          `json:"role,omitempty"`
	Company     string          `json:"company,omitempty"`
	Phone       string          `json:"phone,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// Sentiment is a per-segment sentiment annotation (v1.1+).
type Sentiment struct {
	Label    string          `json:"label"`
	Score    float64         `json:"score"`
	Stars    *int            `json:"stars,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Entity is a per-segment named-entity annotation.
type Entity struct {
	Type       string          `json:"type"`
	Text       string          `json:"text"`
	StartChar  *int            `json:"start_char,omitempty"`
	EndChar    *int            `json:"end_char,omitempty"`
	Confidence *float64        `json:"confidence,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// Annotations carries the optional upstream NLP results on a segment.
type Annotations struct {
	Topics    []string   `json:"topics,omitempty"`
	Entities  []Entity   `json:"entities,omitempty"`
	Sentiment *Sentiment `json:"sentiment,omitempty"`
}

// HasUpstreamNLP reports whether the annotations carry usable sentiment or
// entity data.
func (a *Annotations) HasUpstreamNLP() bool {
	return a != nil && (a.Sentiment != nil || len(a.Entities) > 0)
}

// Segment is one diarized, transcribed slice of audio.
type Segment struct {
	SegmentID  string  `json:"segment_id"`
	SpeakerID  string  `json:"speaker_id"`
	StartMS    int64   `json:"start_ms"`
	EndMS      int64   `json:"end_ms"`
	Text       string  `json:"text"`
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`

	Channel      *int            `json:"channel,omitempty"`
	DurationMS   *int64          `json:"duration_ms,omitempty"`
	OffsetMS     *int64          `json:"offset_ms,omitempty"`
	SpeakerLabel string          `json:"speaker_label,omitempty"`
	Annotations  *Annotations    `json:"annotations,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// QualityFlags are computed upstream.
type QualityFlags struct {
	LowConfidence     bool `json:"low_confidence"`
	MissingAudio      bool `json:"missing_audio"`
	OverlappingSpeech bool `json:"overlapping_speech"`
}

// ConversationPayload is the validated canonical record.
type ConversationPayload struct {
	SchemaVersion string    `json:"schema_version"`
	StableEventID string    `json:"stable_event_id"`
	SourceSystem  string    `json:"source_system"`
	CreatedAt     time.Time `json:"created_at"`

	MeetingMetadata MeetingMetadata `json:"meeting_metadata"`
	Participants    []Participant   `json:"participants"`
	Segments        []Segment       `json:"segments"`

	QualityFlags    *QualityFlags              `json:"quality_flags,omitempty"`
	Attachments     json.RawMessage            `json:"attachments,omitempty"`
	Analytics       map[string]json.RawMessage `json:"analytics,omitempty"`
	Tags            []string                   `json:"tags,omitempty"`
	PrimaryLanguage string                     `json:"primary_language,omitempty"`
	Metadata        json.RawMessage            `json:"metadata,omitempty"`

	// rawParticipants preserves the payload's participants array verbatim
	// for lossless storage.
	rawParticipants json.RawMessage
}

// RawParticipants returns the participants array exactly as it appeared in
// the payload. Storing this instead of a re-marshalled form keeps
// voice_matches metadata byte-identical.
func (p *ConversationPayload) RawParticipants() json.RawMessage {
	return p.rawParticipants
}

// ParticipantBySpeakerID resolves a speaker id to its participant.
func (p *ConversationPayload) ParticipantBySpeakerID(speakerID string) *Participant {
	for i := range p.Participants {
		if p.Participants[i].SpeakerID == speakerID {
			return &p.Participants[i]
		}
	}
	return nil
}

// VersionAtLeast reports whether schema_version is >= major.minor.
func (p *ConversationPayload) VersionAtLeast(major, minor int) bool {
	maj, min, ok := parseVersion(p.SchemaVersion)
	if !ok {
		return false
	}
	return maj > major || (maj == major && min >= minor)
}

// Summary is the compact extract the job ledger keeps per payload.
type Summary struct {
	SegmentCount     int                        `json:"num_segments"`
	ParticipantCount int                        `json:"num_participants"`
	DurationSec      int                        `json:"duration_sec"`
	PrimaryLanguage  string                     `json:"primary_language,omitempty"`
	Languages        []string                   `json:"languages"`
	QualityFlags     *QualityFlags              `json:"quality_flags,omitempty"`
	VoiceMatches     map[string]json.RawMessage `json:"voice_matches,omitempty"`
}

// Warning is a non-fatal business-rule violation.
type Warning struct {
	Rule    string
	Message string
}
