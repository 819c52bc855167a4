package domain

import "time"

// Transcript is a stored meeting transcript, paid for by transcript_storage
// credits at creation.
type Transcript struct {
	ID              string    `json:"id"`
	AccountID       string    `json:"account_id"`
	Title           string    `json:"title"`
	Text            string    `json:"transcript_text"`
	JSON            string    `json:"transcript_json"`
	Metadata        string    `json:"meeting_metadata,omitempty"`
	DurationMinutes int64     `json:"meeting_duration_minutes"`
	CreditsCharged  int64     `json:"credits_charged"`
	CreatedAt       time.Time `json:"created_at"`
}
