// Package enrich derives topics and NLP metadata for a persisted
// conversation. Payloads from transcript services v1.1+ usually carry their
// own annotations; older payloads are sent to the local enrichment
// collaborator when one is configured. Enrichment is strictly best-effort
// and never fails an ingestion.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/myrag/audio-ingest/pkg/nlp"
	"github.com/myrag/audio-ingest/pkg/transcript"
)

// Enrichment modes.
const (
	ModeEnriched = "enriched"
	ModeLegacy   = "legacy"
	ModeSkipped  = "skipped"
)

// nlp_source metadata values.
const (
	sourceUpstream = "upstream_transcript"
	sourceLocal    = "local"
)

const maxTopics = 5

// Outcome is what enrichment produced for one conversation.
type Outcome struct {
	Mode     string
	Topics   []string
	Metadata map[string]any
	// Partial marks that some enrichment step failed and the result is
	// degraded (fallback taken or enrichment abandoned).
	Partial bool
}

// Dispatcher routes a conversation to the right enrichment path.
type Dispatcher struct {
	processor nlp.Processor
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher. processor may be nil when no local
// enrichment collaborator is configured.
func NewDispatcher(processor nlp.Processor) *Dispatcher {
	return &Dispatcher{processor: processor, logger: slog.Default()}
}

// Dispatch enriches the conversation and always returns an outcome: errors
// degrade the result instead of propagating.
func (d *Dispatcher) Dispatch(ctx context.Context, conversationID string, p *transcript.ConversationPayload) *Outcome {
	logger := d.logger.With("conversation_id", conversationID, "stable_event_id", p.StableEventID)

	if hasUpstreamAnnotations(p) {
		outcome, err := d.harvestUpstream(p)
		if err == nil {
			outcome.Metadata["nlp_partial"] = outcome.Partial
			return outcome
		}
		logger.Warn("Upstream annotation harvest failed, falling back to local enrichment", "error", err)
		if d.processor == nil {
			return skippedOutcome(true)
		}
		outcome, lerr := d.processLocal(ctx, conversationID, p)
		if lerr != nil {
			logger.Warn("Local enrichment fallback failed", "error", lerr)
			return skippedOutcome(true)
		}
		outcome.Partial = true
		outcome.Metadata["nlp_partial"] = true
		return outcome
	}

	if d.processor == nil {
		return skippedOutcome(false)
	}

	outcome, err := d.processLocal(ctx, conversationID, p)
	if err != nil {
		logger.Warn("Local enrichment failed", "error", err)
		return skippedOutcome(true)
	}
	outcome.Metadata["nlp_partial"] = false
	return outcome
}

// hasUpstreamAnnotations reports whether the payload qualifies for the
// enriched path: schema v1.1+ with usable NLP data on the first segment.
func hasUpstreamAnnotations(p *transcript.ConversationPayload) bool {
	if !p.VersionAtLeast(1, 1) || len(p.Segments) == 0 {
		return false
	}
	return p.Segments[0].Annotations.HasUpstreamNLP()
}

// harvestUpstream aggregates the annotations the transcript service already
// computed. Malformed analytics blocks are an error so the caller can fall
// back rather than persist garbage.
func (d *Dispatcher) harvestUpstream(p *transcript.ConversationPayload) (*Outcome, error) {
	personCounts := make(map[string]int)
	personFirst := make(map[string]int)
	entityTypeCounts := make(map[string]int)
	sentimentCounts := make(map[string]int)
	var starsSum float64
	var starsN int
	annotated := 0
	order := 0

	for _, seg := range p.Segments {
		a := seg.Annotations
		if a == nil {
			continue
		}
		annotated++
		if a.Sentiment != nil {
			sentimentCounts[a.Sentiment.Label]++
			if a.Sentiment.Stars != nil {
				starsSum += float64(*a.Sentiment.Stars)
				starsN++
			}
		}
		for _, ent := range a.Entities {
			entityTypeCounts[ent.Type]++
			if ent.Type == transcript.EntityPerson {
				if _, seen := personCounts[ent.Text]; !seen {
					personFirst[ent.Text] = order
					order++
				}
				personCounts[ent.Text]++
			}
		}
	}

	metadata := map[string]any{
		"nlp_source":             sourceUpstream,
		"num_chunks":             len(p.Segments),
		"num_embeddings":         0,
		"num_persons":            len(personCounts),
		"annotated_segments":     annotated,
		"sentiment_distribution": sentimentCounts,
		"entity_type_counts":     entityTypeCounts,
		"nlp_processing_ms":      int64(0),
	}
	if starsN > 0 {
		metadata["avg_sentiment"] = starsSum / float64(starsN)
	}

	// The transcript service may ship conversation-level summaries; carry
	// them through, but a malformed block poisons the whole harvest.
	for _, key := range []string{"sentiment_summary", "entities_summary"} {
		raw, ok := p.Analytics[key]
		if !ok {
			continue
		}
		var summary map[string]any
		if err := json.Unmarshal(raw, &summary); err != nil {
			return nil, fmt.Errorf("malformed analytics.%s: %w", key, err)
		}
		metadata[key] = summary
	}

	return &Outcome{
		Mode:     ModeEnriched,
		Topics:   topPersons(personCounts, personFirst),
		Metadata: metadata,
	}, nil
}

// processLocal renders the transcript into turns and asks the collaborator.
func (d *Dispatcher) processLocal(ctx context.Context, conversationID string, p *transcript.ConversationPayload) (*Outcome, error) {
	turns := make([]nlp.Turn, len(p.Segments))
	for i, seg := range p.Segments {
		speaker := seg.SpeakerID
		if part := p.ParticipantBySpeakerID(seg.SpeakerID); part != nil {
			speaker = part.DisplayName
		}
		turns[i] = nlp.Turn{
			Turn:        i,
			Speaker:     speaker,
			Text:        seg.Text,
			TimestampMS: seg.StartMS,
			Confidence:  seg.Confidence,
		}
	}

	result, err := d.processor.ProcessConversation(ctx, conversationID, turns, map[string]any{
		"stable_event_id": p.StableEventID,
		"language":        p.PrimaryLanguage,
	})
	if err != nil {
		return nil, err
	}

	personCounts := make(map[string]int)
	personFirst := make(map[string]int)
	for i, person := range result.Persons {
		if _, seen := personCounts[person]; !seen {
			personFirst[person] = i
		}
		personCounts[person]++
	}

	metadata := map[string]any{
		"nlp_source":        sourceLocal,
		"num_chunks":        result.NumChunks,
		"num_embeddings":    result.NumEmbeddings,
		"num_persons":       len(personCounts),
		"nlp_processing_ms": result.ProcessingTimeMS,
	}
	if result.SentimentAnalysis != nil {
		metadata["avg_sentiment"] = result.SentimentAnalysis.Stats.AvgStars
	}

	return &Outcome{
		Mode:     ModeLegacy,
		Topics:   topPersons(personCounts, personFirst),
		Metadata: metadata,
	}, nil
}

func skippedOutcome(partial bool) *Outcome {
	return &Outcome{
		Mode:    ModeSkipped,
		Partial: partial,
		Metadata: map[string]any{
			"nlp_source":  "none",
			"nlp_partial": partial,
		},
	}
}

// topPersons picks the most frequent persons, ties broken by first
// appearance, capped at maxTopics.
func topPersons(counts map[string]int, first map[string]int) []string {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if counts[names[i]] != counts[names[j]] {
			return counts[names[i]] > counts[names[j]]
		}
		return first[names[i]] < first[names[j]]
	})
	if len(names) > maxTopics {
		names = names[:maxTopics]
	}
	return names
}
