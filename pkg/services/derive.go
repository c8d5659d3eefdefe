package services

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/myrag/audio-ingest/pkg/models"
	"github.com/myrag/audio-ingest/pkg/transcript"
)

// DeriveConversation maps a validated payload onto the stored conversation
// shape and its turns. Participants are carried as the payload's raw JSON so
// vendor metadata (voice_matches) survives byte-for-byte.
func DeriveConversation(p *transcript.ConversationPayload) (*models.Conversation, []models.ConversationTurn) {
	turns := make([]models.ConversationTurn, len(p.Segments))
	confidences := make([]float64, len(p.Segments))
	for i, seg := range p.Segments {
		speaker := seg.SpeakerID
		if part := p.ParticipantBySpeakerID(seg.SpeakerID); part != nil {
			speaker = part.DisplayName
		}
		turns[i] = models.ConversationTurn{
			TurnIndex:   i,
			Speaker:     speaker,
			Text:        seg.Text,
			TimestampMS: seg.StartMS,
		}
		confidences[i] = seg.Confidence
	}

	title := p.MeetingMetadata.Title
	if title == "" {
		title = fmt.Sprintf("Conversation %s", p.StableEventID)
	}

	language := p.PrimaryLanguage
	if language == "" && len(p.Segments) > 0 {
		language = p.Segments[0].Language
	}

	conv := &models.Conversation{
		Title:           title,
		Date:            p.MeetingMetadata.ScheduledStart,
		Language:        language,
		Type:            models.DeriveConversationType(len(p.Participants)),
		Transcript:      models.RenderTranscript(turns),
		Participants:    p.RawParticipants(),
		ConfidenceScore: models.MeanConfidence(confidences),
		Tags:            p.Tags,
	}

	if sec := p.MeetingMetadata.EffectiveDurationSec(); sec > 0 {
		minutes := int(math.Round(float64(sec) / 60))
		if minutes == 0 {
			minutes = 1
		}
		conv.DurationMinutes = &minutes
	}

	if loc := p.MeetingMetadata.Location; loc != nil {
		conv.LocationName = loc.DisplayName
		gps, err := json.Marshal(map[string]float64{"lat": loc.Lat, "lon": loc.Lon})
		if err == nil {
			conv.LocationGPS = gps
		}
	}

	return conv, turns
}
