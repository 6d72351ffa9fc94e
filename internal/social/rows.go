package social

import (
	"encoding/json"
	"time"

	"github.com/dogtale/companion-core/internal/errors"
	"github.com/dogtale/companion-core/internal/models"
	"github.com/dogtale/companion-core/internal/remote"
)

// decodeRow converts a remote record into a model through its JSON tags.
func decodeRow[T any](row remote.Row) (*T, error) {
	raw, err := json.Marshal(row)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "encode row", err)
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "decode row", err)
	}
	return &v, nil
}

func decodeRows[T any](rows []remote.Row) ([]*T, error) {
	out := make([]*T, 0, len(rows))
	for _, r := range rows {
		v, err := decodeRow[T](r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func friendshipRow(f *models.Friendship) remote.Row {
	return remote.Row{
		"id":           f.ID,
		"requester_id": f.RequesterID,
		"addressee_id": f.AddresseeID,
		"status":       string(f.Status),
		"created_at":   stamp(f.CreatedAt),
		"updated_at":   stamp(f.UpdatedAt),
	}
}

// activityRow is the stored part of an activity; reactions and comments
// live in their own tables.
func activityRow(a *models.Activity) remote.Row {
	row := remote.Row{
		"id":            a.ID,
		"user_id":       a.UserID,
		"activity_type": a.ActivityType,
		"content":       a.Content,
		"visibility":    a.Visibility,
		"created_at":    stamp(a.CreatedAt),
	}
	if a.PetID != "" {
		row["pet_id"] = a.PetID
	}
	if a.ImageURL != "" {
		row["image_url"] = a.ImageURL
	}
	if len(a.Metadata) > 0 {
		row["metadata"] = a.Metadata
	}
	return row
}

func reactionRow(r models.Reaction) remote.Row {
	return remote.Row{
		"id":            r.ID,
		"activity_id":   r.ActivityID,
		"user_id":       r.UserID,
		"reaction_type": r.ReactionType,
	}
}

func commentRow(c models.Comment) remote.Row {
	return remote.Row{
		"id":          c.ID,
		"activity_id": c.ActivityID,
		"user_id":     c.UserID,
		"content":     c.Content,
		"created_at":  stamp(c.CreatedAt),
	}
}

func petRow(p *models.Pet) remote.Row {
	row := remote.Row{
		"id":                 p.ID,
		"owner_id":           p.OwnerID,
		"name":               p.Name,
		"species":            p.Species,
		"breed":              p.Breed,
		"bio":                p.Bio,
		"personality_traits": p.PersonalityTraits,
		"quirks":             p.Quirks,
		"memorial_message":   p.MemorialMessage,
		"updated_at":         stamp(p.UpdatedAt),
	}
	if p.BirthDate != nil {
		row["birth_date"] = stamp(*p.BirthDate)
	}
	if p.DeceasedAt != nil {
		row["deceased_at"] = stamp(*p.DeceasedAt)
	}
	return row
}

// rowID returns row["id"] as a string.
func rowID(row remote.Row) string {
	if row == nil {
		return ""
	}
	s, _ := row["id"].(string)
	return s
}

func rowString(row remote.Row, col string) string {
	if row == nil {
		return ""
	}
	s, _ := row[col].(string)
	return s
}
