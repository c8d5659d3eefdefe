package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/myrag/audio-ingest/pkg/models"
)

const conversationColumns = `id, title, date, duration_minutes, language, conversation_type,
	transcript, participants, location_name, location_gps, confidence_score,
	main_topics, tags, created_at`

// ConversationService persists derived conversations and their turns.
type ConversationService struct {
	db *sql.DB
}

// NewConversationService creates a new ConversationService
func NewConversationService(db *sql.DB) *ConversationService {
	return &ConversationService{db: db}
}

// PersistForJob stores a conversation and its turns and links them to the
// job, all in one transaction. Any conversation previously linked to the job
// is replaced, which keeps redelivered messages idempotent: the conversation
// only becomes externally visible once the job completes.
func (s *ConversationService) PersistForJob(ctx context.Context, jobID string, conv *models.Conversation, turns []models.ConversationTurn) (string, error) {
	if conv == nil {
		return "", NewValidationError("conversation", "required")
	}
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	// Drop any conversation from a previous partial attempt. The FK cascade
	// removes its turns.
	var prior sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT conversation_id FROM ingestion_jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&prior)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to lock job: %w", err)
	}
	if prior.Valid {
		if _, err := tx.ExecContext(ctx,
			`UPDATE ingestion_jobs SET conversation_id = NULL WHERE id = $1`, jobID); err != nil {
			return "", fmt.Errorf("failed to unlink prior conversation: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM conversations WHERE id = $1`, prior.String); err != nil {
			return "", fmt.Errorf("failed to delete prior conversation: %w", err)
		}
	}

	// Savepoint around the inserts so a failure leaves the transaction
	// usable for diagnostics before rollback.
	if _, err := tx.ExecContext(ctx, "SAVEPOINT persist_conversation"); err != nil {
		return "", fmt.Errorf("failed to create savepoint: %w", err)
	}
	if err := insertConversation(ctx, tx, conv, turns); err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT persist_conversation"); rbErr != nil {
			return "", fmt.Errorf("failed to roll back savepoint after %v: %w", err, rbErr)
		}
		return "", err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE ingestion_jobs SET conversation_id = $1 WHERE id = $2`, conv.ID, jobID); err != nil {
		return "", fmt.Errorf("failed to link conversation to job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit conversation: %w", err)
	}
	return conv.ID, nil
}

func insertConversation(ctx context.Context, tx *sql.Tx, conv *models.Conversation, turns []models.ConversationTurn) error {
	topicsJSON, err := json.Marshal(orEmpty(conv.MainTopics))
	if err != nil {
		return fmt.Errorf("failed to marshal main_topics: %w", err)
	}
	tagsJSON, err := json.Marshal(orEmpty(conv.Tags))
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	participants := conv.Participants
	if len(participants) == 0 {
		participants = json.RawMessage("[]")
	}
	var locationGPS any
	if len(conv.LocationGPS) > 0 {
		locationGPS = []byte(conv.LocationGPS)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (
			id, title, date, duration_minutes, language, conversation_type,
			transcript, participants, location_name, location_gps,
			confidence_score, main_topics, tags, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		conv.ID, conv.Title, conv.Date, conv.DurationMinutes, conv.Language,
		conv.Type, conv.Transcript, []byte(participants), conv.LocationName,
		locationGPS, conv.ConfidenceScore, topicsJSON, tagsJSON, conv.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert conversation: %w", err)
	}

	for i := range turns {
		turn := &turns[i]
		if turn.ID == "" {
			turn.ID = uuid.New().String()
		}
		turn.ConversationID = conv.ID
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_turns (id, conversation_id, turn_index, speaker, text, timestamp_ms)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			turn.ID, conv.ID, turn.TurnIndex, turn.Speaker, turn.Text, turn.TimestampMS,
		); err != nil {
			return fmt.Errorf("failed to insert turn %d: %w", turn.TurnIndex, err)
		}
	}
	return nil
}

// SetTopics replaces the conversation's main topics after enrichment.
func (s *ConversationService) SetTopics(ctx context.Context, conversationID string, topics []string) error {
	topicsJSON, err := json.Marshal(orEmpty(topics))
	if err != nil {
		return fmt.Errorf("failed to marshal topics: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET main_topics = $1 WHERE id = $2`, topicsJSON, conversationID)
	if err != nil {
		return fmt.Errorf("failed to set topics: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check topics update: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByID fetches a stored conversation.
func (s *ConversationService) GetByID(ctx context.Context, conversationID string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, conversationID)

	var conv models.Conversation
	var durationMinutes sql.NullInt64
	var participantsJSON, topicsJSON, tagsJSON []byte
	var locationGPS []byte
	err := row.Scan(
		&conv.ID, &conv.Title, &conv.Date, &durationMinutes, &conv.Language,
		&conv.Type, &conv.Transcript, &participantsJSON, &conv.LocationName,
		&locationGPS, &conv.ConfidenceScore, &topicsJSON, &tagsJSON, &conv.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}

	if durationMinutes.Valid {
		minutes := int(durationMinutes.Int64)
		conv.DurationMinutes = &minutes
	}
	conv.Participants = json.RawMessage(participantsJSON)
	if len(locationGPS) > 0 {
		conv.LocationGPS = json.RawMessage(locationGPS)
	}
	if err := json.Unmarshal(topicsJSON, &conv.MainTopics); err != nil {
		return nil, fmt.Errorf("failed to decode main_topics: %w", err)
	}
	if err := json.Unmarshal(tagsJSON, &conv.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags: %w", err)
	}
	return &conv, nil
}

// TurnsByConversation returns the conversation's turns in original order.
func (s *ConversationService) TurnsByConversation(ctx context.Context, conversationID string) ([]models.ConversationTurn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, turn_index, speaker, text, timestamp_ms, created_at
		FROM conversation_turns WHERE conversation_id = $1 ORDER BY turn_index`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var turns []models.ConversationTurn
	for rows.Next() {
		var t models.ConversationTurn
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.TurnIndex, &t.Speaker,
			&t.Text, &t.TimestampMS, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func orEmpty(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
