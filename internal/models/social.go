package models

import (
	"maps"
	"slices"
	"time"
)

// FriendshipStatus is the state of a friendship edge.
type FriendshipStatus string

const (
	FriendshipPending  FriendshipStatus = "pending"
	FriendshipAccepted FriendshipStatus = "accepted"
	FriendshipBlocked  FriendshipStatus = "blocked"
	FriendshipRemoved  FriendshipStatus = "removed"
)

// Friendship is a directed request between two users.
type Friendship struct {
	ID          string           `json:"id"`
	RequesterID string           `json:"requester_id" validate:"required"`
	AddresseeID string           `json:"addressee_id" validate:"required,nefield=RequesterID"`
	Status      FriendshipStatus `json:"status" validate:"required,oneof=pending accepted blocked removed"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Involves reports whether userID is either side of the edge.
func (f *Friendship) Involves(userID string) bool {
	return f.RequesterID == userID || f.AddresseeID == userID
}

// Other returns the other participant from userID's point of view.
func (f *Friendship) Other(userID string) string {
	if f.RequesterID == userID {
		return f.AddresseeID
	}
	return f.RequesterID
}

// Clone returns an independent copy.
func (f *Friendship) Clone() *Friendship {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}

// Reaction is a user's reaction to an activity.
type Reaction struct {
	ID             string `json:"id"`
	ActivityID     string `json:"activity_id"`
	UserID         string `json:"user_id"`
	ReactionType   string `json:"reaction_type"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Comment is a comment attached to an activity.
type Comment struct {
	ID             string    `json:"id"`
	ActivityID     string    `json:"activity_id"`
	UserID         string    `json:"user_id"`
	Content        string    `json:"content" validate:"required,max=1000"`
	CreatedAt      time.Time `json:"created_at"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

// Activity is a feed item. Reaction and comment totals are never stored;
// ViewFor derives them.
type Activity struct {
	ID           string                 `json:"id"`
	UserID       string                 `json:"user_id" validate:"required"`
	PetID        string                 `json:"pet_id,omitempty"`
	ActivityType string                 `json:"activity_type" validate:"required"`
	Content      string                 `json:"content" validate:"max=2000"`
	ImageURL     string                 `json:"image_url,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Visibility   string                 `json:"visibility" validate:"omitempty,oneof=public friends private"`
	CreatedAt    time.Time              `json:"created_at"`
	Reactions    []Reaction             `json:"reactions,omitempty"`
	Comments     []Comment              `json:"comments,omitempty"`
}

// Clone returns a deep copy.
func (a *Activity) Clone() *Activity {
	if a == nil {
		return nil
	}
	c := *a
	c.Metadata = maps.Clone(a.Metadata)
	c.Reactions = slices.Clone(a.Reactions)
	c.Comments = slices.Clone(a.Comments)
	return &c
}

// ReactionBy returns userID's reaction, if any.
func (a *Activity) ReactionBy(userID string) (Reaction, bool) {
	for _, r := range a.Reactions {
		if r.UserID == userID {
			return r, true
		}
	}
	return Reaction{}, false
}

// ActivityView is an Activity rendered for a viewer.
type ActivityView struct {
	Activity
	HasReacted    bool `json:"has_reacted"`
	ReactionCount int  `json:"reaction_count"`
	CommentCount  int  `json:"comment_count"`
}

// ViewFor derives viewer-specific fields from the activity's collections.
func (a *Activity) ViewFor(userID string) ActivityView {
	_, reacted := a.ReactionBy(userID)
	return ActivityView{
		Activity:      *a.Clone(),
		HasReacted:    reacted,
		ReactionCount: len(a.Reactions),
		CommentCount:  len(a.Comments),
	}
}

// Species values with dedicated template vocabulary.
const (
	SpeciesDog = "dog"
	SpeciesCat = "cat"
)

// Pet is a user's pet profile.
type Pet struct {
	ID                string     `json:"id"`
	OwnerID           string     `json:"owner_id" validate:"required"`
	Name              string     `json:"name" validate:"required,max=50"`
	Species           string     `json:"species" validate:"required,oneof=dog cat other"`
	Breed             string     `json:"breed,omitempty" validate:"max=80"`
	BirthDate         *time.Time `json:"birth_date,omitempty"`
	Bio               string     `json:"bio,omitempty" validate:"max=500"`
	PersonalityTraits []string   `json:"personality_traits,omitempty" validate:"max=10,dive,max=40"`
	Quirks            string     `json:"quirks,omitempty" validate:"max=500"`
	DeceasedAt        *time.Time `json:"deceased_at,omitempty"`
	MemorialMessage   string     `json:"memorial_message,omitempty" validate:"max=1000"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Clone returns a deep copy.
func (p *Pet) Clone() *Pet {
	if p == nil {
		return nil
	}
	c := *p
	c.PersonalityTraits = slices.Clone(p.PersonalityTraits)
	if p.BirthDate != nil {
		b := *p.BirthDate
		c.BirthDate = &b
	}
	if p.DeceasedAt != nil {
		d := *p.DeceasedAt
		c.DeceasedAt = &d
	}
	return &c
}
