package models

import "time"

// Role is the speaker of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a generation conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// GenerationRequest is what the content pipeline sends to a provider.
type GenerationRequest struct {
	SystemFraming string   `json:"system,omitempty"`
	Turns         []Turn   `json:"messages"`
	ProviderOrder []string `json:"provider_order,omitempty"`
	MaxTokens     int      `json:"max_tokens,omitempty"`
}

// GenerationKind names what a result was generated for.
type GenerationKind string

const (
	KindStory   GenerationKind = "story"
	KindTribute GenerationKind = "tribute"
	KindChat    GenerationKind = "chat"
	KindMemory  GenerationKind = "memory"
)

// GenerationResult is the outcome of a generation, remote or template.
type GenerationResult struct {
	Title               string         `json:"title,omitempty"`
	Content             string         `json:"content"`
	Provider            string         `json:"provider,omitempty"`
	Model               string         `json:"model,omitempty"`
	IsTemplateGenerated bool           `json:"is_template_generated"`
	Kind                GenerationKind `json:"kind"`
	Variant             string         `json:"variant,omitempty"`
	PetID               string         `json:"pet_id,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
}

// StoryType selects a story template family and prompt.
type StoryType string

const (
	StoryAdventure  StoryType = "adventure"
	StoryDayInLife  StoryType = "day_in_life"
	StoryFriendship StoryType = "friendship"
	StoryMystery    StoryType = "mystery"
	StoryComedy     StoryType = "comedy"
)

// StoryTypes lists every supported story type.
var StoryTypes = []StoryType{StoryAdventure, StoryDayInLife, StoryFriendship, StoryMystery, StoryComedy}

// Valid reports whether t is a supported story type.
func (t StoryType) Valid() bool {
	for _, s := range StoryTypes {
		if s == t {
			return true
		}
	}
	return false
}

// StoryMaxTokens is the provider token ceiling for stories.
const StoryMaxTokens = 1500

// TributeType selects the shape of a memorial tribute.
type TributeType string

const (
	TributeShort   TributeType = "short"
	TributeFull    TributeType = "full"
	TributePoem    TributeType = "poem"
	TributeCaption TributeType = "caption"
)

// MaxLength is the character ceiling for the tribute type, or 0 if unknown.
func (t TributeType) MaxLength() int {
	switch t {
	case TributeShort:
		return 280
	case TributeFull:
		return 2000
	case TributePoem:
		return 500
	case TributeCaption:
		return 150
	}
	return 0
}

// MaxTokens is the provider token ceiling for the tribute type.
func (t TributeType) MaxTokens() int {
	return min(t.MaxLength()*2, 1024)
}

// Valid reports whether t is a supported tribute type.
func (t TributeType) Valid() bool {
	return t.MaxLength() > 0
}

// Memory is one imagined memory in a memory book.
type Memory struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Season  string `json:"season"`
	Mood    string `json:"mood"`
}

// JournalNote is a short excerpt fed into story prompts.
type JournalNote struct {
	Date    string `json:"date"`
	Content string `json:"content"`
	Mood    string `json:"mood,omitempty"`
}
