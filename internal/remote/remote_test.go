package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilter_Matches(t *testing.T) {
	row := Row{"activity_id": "A1", "user_id": "u1", "count": float64(3)}

	assert.True(t, Filter{}.Matches(row))
	assert.True(t, Filter{"activity_id": "A1"}.Matches(row))
	assert.True(t, Filter{"activity_id": []string{"A0", "A1"}}.Matches(row))
	assert.True(t, Filter{"count": 3}.Matches(row), "JSON numbers match ints")
	assert.False(t, Filter{"activity_id": "A2"}.Matches(row))
	assert.False(t, Filter{"missing": "x"}.Matches(row))
	assert.False(t, Filter{"activity_id": []string{}}.Matches(row))
}

func TestSameKeyAndKeyOf(t *testing.T) {
	a := Row{"user_id": "u1", "date": "2026-01-02", "content": "a"}
	b := Row{"user_id": "u1", "date": "2026-01-02", "content": "b"}
	cols := []string{"user_id", "date"}

	assert.True(t, SameKey(a, b, cols))
	assert.False(t, SameKey(a, Row{"user_id": "u1"}, cols))
	assert.Equal(t, Row{"user_id": "u1", "date": "2026-01-02"}, KeyOf(a, cols))
}

func TestColumns(t *testing.T) {
	cols := Columns([]Row{{"b": 1, "a": 2}, {"c": 3, "a": 4}})
	assert.Equal(t, []string{"a", "b", "c"}, cols)
}

func TestSpecFor(t *testing.T) {
	fav := SpecFor(TableFavorites)
	assert.Equal(t, []string{"user_id", "image_url"}, fav.Conflict.Columns)
	assert.True(t, fav.Conflict.IgnoreDuplicates)

	journal := SpecFor(TableJournalEntries)
	assert.Equal(t, []string{"user_id", "date"}, journal.Conflict.Columns)
	assert.False(t, journal.Conflict.IgnoreDuplicates)

	unknown := SpecFor("scratch")
	assert.True(t, unknown.UsesIdempotencyColumn())
	assert.False(t, SpecFor(TablePets).UsesIdempotencyColumn())
}

func TestEvent_Row(t *testing.T) {
	ins := Event{Type: EventInsert, Record: Row{"id": "1"}}
	assert.Equal(t, "1", ins.Row()["id"])

	del := Event{Type: EventDelete, OldRecord: Row{"id": "2"}}
	assert.Equal(t, "2", del.Row()["id"])
}
