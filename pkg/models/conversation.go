package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ConversationType classifies a conversation by participant count.
type ConversationType string

const (
	TypeMonologue  ConversationType = "monologue"
	TypeOneToOne   ConversationType = "one_to_one"
	TypeSmallGroup ConversationType = "small_group"
	TypeMeeting    ConversationType = "meeting"
)

// DeriveConversationType maps a participant count to its conversation type.
func DeriveConversationType(participants int) ConversationType {
	switch {
	case participants <= 1:
		return TypeMonologue
	case participants == 2:
		return TypeOneToOne
	case participants <= 5:
		return TypeSmallGroup
	default:
		return TypeMeeting
	}
}

// Conversation is the canonical stored record derived from one validated
// payload. Participants are stored as the payload's JSON so vendor metadata
// (voice_matches in particular) survives byte-for-byte.
type Conversation struct {
	ID              string           `json:"id"`
	Title           string           `json:"title"`
	Date            time.Time        `json:"date"`
	DurationMinutes *int             `json:"duration_minutes,omitempty"`
	Language        string           `json:"language"`
	Type            ConversationType `json:"conversation_type"`
	Transcript      string           `json:"transcript"`
	Participants    json.RawMessage  `json:"participants"`
	LocationName    string           `json:"location_name,omitempty"`
	LocationGPS     json.RawMessage  `json:"location_gps,omitempty"`
	ConfidenceScore float64          `json:"confidence_score"`
	MainTopics      []string         `json:"main_topics"`
	Tags            []string         `json:"tags"`
	CreatedAt       time.Time        `json:"created_at"`
}

// ConversationTurn is one segment of the conversation in original order.
type ConversationTurn struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	TurnIndex      int       `json:"turn_index"`
	Speaker        string    `json:"speaker"`
	Text           string    `json:"text"`
	TimestampMS    int64     `json:"timestamp_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// RenderTranscript joins turns into the stored "<speaker>: <text>" form.
func RenderTranscript(turns []ConversationTurn) string {
	lines := make([]string, len(turns))
	for i, t := range turns {
		lines[i] = fmt.Sprintf("%s: %s", t.Speaker, t.Text)
	}
	return strings.Join(lines, "\n")
}

// MeanConfidence averages segment confidences, defaulting to 1.0 when
// there are none.
func MeanConfidence(confidences []float64) float64 {
	if len(confidences) == 0 {
		return 1.0
	}
	var sum float64
	for _, c := range confidences {
		sum += c
	}
	return sum / float64(len(confidences))
}
