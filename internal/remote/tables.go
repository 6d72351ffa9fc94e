package remote

// Remote table names.
const (
	TableFriendships     = "friendships"
	TableActivities      = "activities"
	TableReactions       = "activity_reactions"
	TableComments        = "comments"
	TablePets            = "pets"
	TableFavorites       = "favorites"
	TableJournalEntries  = "journal_entries"
	TableProfiles        = "profiles"
	TableAnalyticsEvents = "analytics_events"
	TableStories         = "ai_stories"
)

// IdempotencyColumn carries the change's idempotency key on tables without
// a natural key.
const IdempotencyColumn = "idempotency_key"

// TableSpec describes how writes to a table are applied.
type TableSpec struct {
	// Conflict is the upsert conflict target.
	Conflict ConflictSpec
	// Keys identify a record for deletes and for matching returned rows.
	Keys []string
}

// UsesIdempotencyColumn reports whether the key is written as a column.
func (s TableSpec) UsesIdempotencyColumn() bool {
	for _, c := range s.Conflict.Columns {
		if c == IdempotencyColumn {
			return true
		}
	}
	return false
}

var tables = map[string]TableSpec{
	TableFriendships: {Conflict: ConflictSpec{Columns: []string{"id"}}, Keys: []string{"id"}},
	TableActivities:  {Conflict: ConflictSpec{Columns: []string{"id"}}, Keys: []string{"id"}},
	TableReactions: {
		Conflict: ConflictSpec{Columns: []string{"activity_id", "user_id"}},
		Keys:     []string{"activity_id", "user_id"},
	},
	TableComments: {
		Conflict: ConflictSpec{Columns: []string{IdempotencyColumn}, IgnoreDuplicates: true},
		Keys:     []string{IdempotencyColumn},
	},
	TablePets: {Conflict: ConflictSpec{Columns: []string{"id"}}, Keys: []string{"id"}},
	TableFavorites: {
		Conflict: ConflictSpec{Columns: []string{"user_id", "image_url"}, IgnoreDuplicates: true},
		Keys:     []string{"user_id", "image_url"},
	},
	TableJournalEntries: {
		Conflict: ConflictSpec{Columns: []string{"user_id", "date"}},
		Keys:     []string{"user_id", "date"},
	},
	TableProfiles: {Conflict: ConflictSpec{Columns: []string{"id"}}, Keys: []string{"id"}},
	TableAnalyticsEvents: {
		Conflict: ConflictSpec{Columns: []string{"id"}, IgnoreDuplicates: true},
		Keys:     []string{"id"},
	},
	TableStories: {
		Conflict: ConflictSpec{Columns: []string{IdempotencyColumn}, IgnoreDuplicates: true},
		Keys:     []string{IdempotencyColumn},
	},
}

var defaultSpec = TableSpec{
	Conflict: ConflictSpec{Columns: []string{IdempotencyColumn}, IgnoreDuplicates: true},
	Keys:     []string{IdempotencyColumn},
}

// SpecFor returns the write spec for table. Unknown tables are keyed by the
// idempotency column.
func SpecFor(table string) TableSpec {
	if s, ok := tables[table]; ok {
		return s
	}
	return defaultSpec
}
