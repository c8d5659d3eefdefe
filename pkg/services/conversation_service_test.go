package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myrag/audio-ingest/pkg/models"
	testutil "github.com/myrag/audio-ingest/test/util"
)

// rawParticipants carries vendor metadata whose bytes must survive storage
// untouched, trailing zeros and key order included.
const rawParticipants = `[{"speaker_id":"spk-1","display_name":"Alice","metadata":{"voice_matches":[{"candidate":"alice.v2","score":0.9731000}]}},{"speaker_id":"spk-2","display_name":"Bob"}]`

func newTestConversation() (*models.Conversation, []models.ConversationTurn) {
	turns := []models.ConversationTurn{
		{TurnIndex: 0, Speaker: "Alice", Text: "Good morning everyone.", TimestampMS: 0},
		{TurnIndex: 1, Speaker: "Bob", Text: "Morning. Let's get started.", TimestampMS: 4000},
	}
	minutes := 30
	conv := &models.Conversation{
		Title:           "Weekly sync",
		Date:            time.Date(2026, 8, 10, 11, 0, 0, 0, time.UTC),
		DurationMinutes: &minutes,
		Language:        "en",
		Type:            models.TypeOneToOne,
		Transcript:      models.RenderTranscript(turns),
		Participants:    json.RawMessage(rawParticipants),
		ConfidenceScore: 0.93,
		MainTopics:      []string{"standup"},
		Tags:            []string{"weekly"},
	}
	return conv, turns
}

func setupJobForConversation(t *testing.T, jobs *JobService, stableEventID string) *models.IngestionJob {
	t.Helper()
	ctx := context.Background()
	job := newTestJob(stableEventID)
	require.NoError(t, jobs.Create(ctx, job))
	_, err := jobs.Advance(ctx, job.ID, models.StatusDownloading, nil)
	require.NoError(t, err)
	return job
}

func TestPersistForJob(t *testing.T) {
	db := testutil.SetupTestDatabase(t)
	jobs := NewJobService(db)
	conversations := NewConversationService(db)
	ctx := context.Background()

	job := setupJobForConversation(t, jobs, "rec-20260810T120000Z-aaaa1111")
	conv, turns := newTestConversation()

	convID, err := conversations.PersistForJob(ctx, job.ID, conv, turns)
	require.NoError(t, err)
	require.NotEmpty(t, convID)

	stored, err := conversations.GetByID(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, "Weekly sync", stored.Title)
	assert.Equal(t, models.TypeOneToOne, stored.Type)
	assert.Equal(t, "Alice: Good morning everyone.\nBob: Morning. Let's get started.", stored.Transcript)
	assert.Equal(t, []string{"standup"}, stored.MainTopics)
	assert.InDelta(t, 0.93, stored.ConfidenceScore, 1e-9)

	// voice_matches must come back with the exact uploaded bytes
	assert.JSONEq(t, rawParticipants, string(stored.Participants))
	assert.Contains(t, string(stored.Participants), "0.9731000")

	storedTurns, err := conversations.TurnsByConversation(ctx, convID)
	require.NoError(t, err)
	require.Len(t, storedTurns, 2)
	assert.Equal(t, 0, storedTurns[0].TurnIndex)
	assert.Equal(t, "Alice", storedTurns[0].Speaker)
	assert.Equal(t, int64(4000), storedTurns[1].TimestampMS)

	// job now points at the conversation
	updated, err := jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.ConversationID)
	assert.Equal(t, convID, *updated.ConversationID)
}

func TestPersistForJobReplacesPriorConversation(t *testing.T) {
	db := testutil.SetupTestDatabase(t)
	jobs := NewJobService(db)
	conversations := NewConversationService(db)
	ctx := context.Background()

	job := setupJobForConversation(t, jobs, "rec-20260810T120000Z-bbbb2222")

	conv1, turns1 := newTestConversation()
	firstID, err := conversations.PersistForJob(ctx, job.ID, conv1, turns1)
	require.NoError(t, err)

	// Redelivery after a partial attempt writes a fresh conversation.
	conv2, turns2 := newTestConversation()
	conv2.Title = "Weekly sync (replay)"
	secondID, err := conversations.PersistForJob(ctx, job.ID, conv2, turns2)
	require.NoError(t, err)
	require.NotEqual(t, firstID, secondID)

	_, err = conversations.GetByID(ctx, firstID)
	assert.ErrorIs(t, err, ErrNotFound)

	// cascade removed the replaced turns
	orphans, err := conversations.TurnsByConversation(ctx, firstID)
	require.NoError(t, err)
	assert.Empty(t, orphans)

	stored, err := conversations.GetByID(ctx, secondID)
	require.NoError(t, err)
	assert.Equal(t, "Weekly sync (replay)", stored.Title)
}

func TestPersistForJobUnknownJob(t *testing.T) {
	db := testutil.SetupTestDatabase(t)
	conversations := NewConversationService(db)

	conv, turns := newTestConversation()
	_, err := conversations.PersistForJob(context.Background(),
		"00000000-0000-0000-0000-000000000000", conv, turns)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetTopics(t *testing.T) {
	db := testutil.SetupTestDatabase(t)
	jobs := NewJobService(db)
	conversations := NewConversationService(db)
	ctx := context.Background()

	job := setupJobForConversation(t, jobs, "rec-20260810T120000Z-cccc3333")
	conv, turns := newTestConversation()
	convID, err := conversations.PersistForJob(ctx, job.ID, conv, turns)
	require.NoError(t, err)

	require.NoError(t, conversations.SetTopics(ctx, convID, []string{"Alice", "Bob"}))

	stored, err := conversations.GetByID(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice", "Bob"}, stored.MainTopics)

	err = conversations.SetTopics(ctx, "00000000-0000-0000-0000-000000000000", []string{"x"})
	assert.ErrorIs(t, err, ErrNotFound)
}
