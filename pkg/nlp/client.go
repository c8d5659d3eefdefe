// Package nlp talks to the optional enrichment collaborator, a sidecar
// service that chunks, embeds and analyzes conversation transcripts. The
// collaborator is best-effort: ingestion completes without it.
package nlp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Turn is one transcript line submitted for processing.
type Turn struct {
	Turn        int     `json:"turn"`
	Speaker     string  `json:"speaker"`
	Text        string  `json:"text"`
	TimestampMS int64   `json:"timestamp_ms"`
	Confidence  float64 `json:"confidence"`
}

// SentimentStats summarizes sentiment across the conversation.
type SentimentStats struct {
	AvgStars float64 `json:"avg_stars"`
}

// SentimentAnalysis is the collaborator's sentiment block.
type SentimentAnalysis struct {
	Stats SentimentStats `json:"stats"`
}

// Result is what the collaborator computed for one conversation.
type Result struct {
	NumChunks         int                 `json:"num_chunks"`
	NumEmbeddings     int                 `json:"num_embeddings"`
	Entities          map[string][]string `json:"entities"`
	Persons           []string            `json:"persons"`
	SentimentAnalysis *SentimentAnalysis  `json:"sentiment_analysis,omitempty"`
	ProcessingTimeMS  int64               `json:"processing_time_ms"`
}

// Processor is the enrichment collaborator surface the dispatcher depends on.
type Processor interface {
	ProcessConversation(ctx context.Context, conversationID string, turns []Turn, metadata map[string]any) (*Result, error)
}

// Client is the HTTP implementation of Processor.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates an HTTP client for the enrichment service.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     slog.Default(),
	}
}

type processRequest struct {
	ConversationID string         `json:"conversation_id"`
	Turns          []Turn         `json:"turns"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// ProcessConversation submits the rendered turns and returns the computed
// enrichment.
func (c *Client) ProcessConversation(ctx context.Context, conversationID string, turns []Turn, metadata map[string]any) (*Result, error) {
	payload, err := json.Marshal(processRequest{
		ConversationID: conversationID,
		Turns:          turns,
		Metadata:       metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal process request: %w", err)
	}

	url := c.baseURL + "/v1/conversations/process"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("process conversation %s: %w", conversationID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("enrichment service returned HTTP %d: %s",
			resp.StatusCode, truncate(string(body), 256))
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode enrichment response: %w", err)
	}
	if result.ProcessingTimeMS == 0 {
		result.ProcessingTimeMS = time.Since(start).Milliseconds()
	}

	c.logger.Debug("Enrichment service call completed",
		"conversation_id", conversationID,
		"chunks", result.NumChunks,
		"embeddings", result.NumEmbeddings,
		"duration_ms", result.ProcessingTimeMS)
	return &result, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
