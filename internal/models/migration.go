package models

import "time"

// Favorite is a saved pet image.
type Favorite struct {
	UserID    string    `json:"user_id" validate:"required"`
	ImageURL  string    `json:"image_url" validate:"required,url"`
	Breed     string    `json:"breed,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// JournalEntry is one day's journal entry.
type JournalEntry struct {
	UserID    string    `json:"user_id" validate:"required"`
	Date      string    `json:"date" validate:"required,datetime=2006-01-02"`
	Content   string    `json:"content"`
	Mood      string    `json:"mood,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Settings is the device-local preference set migrated to the profile.
type Settings struct {
	Theme             string                 `json:"theme,omitempty"`
	Preferences       map[string]interface{} `json:"preferences,omitempty"`
	MigratedFromLocal bool                   `json:"migrated_from_local"`
}

// AnalyticsEvent is one tracked usage event.
type AnalyticsEvent struct {
	ID         string                 `json:"id"`
	UserID     string                 `json:"user_id,omitempty"`
	SessionID  string                 `json:"session_id"`
	Name       string                 `json:"event_name"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}
