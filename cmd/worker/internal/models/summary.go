package models

import "time"

// Sentiment labels accepted on a summary.
const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"
	SentimentMixed    = "mixed"
)

// MeetingSummary is the structured digest of one transcript.
type MeetingSummary struct {
	JobID       string    `json:"job_id"`
	Summary     string    `json:"summary"`
	KeyPoints   []string  `json:"key_points"`
	ActionItems []string  `json:"action_items"`
	Topics      []string  `json:"topics,omitempty"`
	Sentiment   string    `json:"sentiment,omitempty"`
	ModelUsed   string    `json:"model_used"`
	CreatedAt   time.Time `json:"created_at"`
}
