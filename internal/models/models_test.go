// Package models tests for data model helpers.
package models

import (
	"encoding/json"
	"testing"
	"time"
)

// =====================================================
// PendingChange Tests
// =====================================================

func TestPendingChange_Row(t *testing.T) {
	c := &PendingChange{Payload: json.RawMessage(`{"id":"r1","user_id":"u1"}`)}
	row, err := c.Row()
	if err != nil {
		t.Fatalf("Row() error = %v", err)
	}
	if row["id"] != "r1" || row["user_id"] != "u1" {
		t.Errorf("Row() = %v", row)
	}

	empty := &PendingChange{}
	row, err = empty.Row()
	if err != nil || len(row) != 0 {
		t.Errorf("Row() on empty payload = %v, %v", row, err)
	}
}

func TestOperation_Valid(t *testing.T) {
	for _, op := range []Operation{OperationInsert, OperationUpdate, OperationDelete} {
		if !op.Valid() {
			t.Errorf("%q should be valid", op)
		}
	}
	if Operation("upsert").Valid() {
		t.Error("unknown operation reported valid")
	}
}

func TestCacheEntry_Expired(t *testing.T) {
	now := time.Now()
	e := &CacheEntry{ExpiresAt: now.Add(-time.Second).UnixMilli()}
	if !e.Expired(now) {
		t.Error("entry in the past should be expired")
	}
	e.ExpiresAt = 0
	if e.Expired(now) {
		t.Error("zero expiry never expires")
	}
}

// =====================================================
// Activity Tests
// =====================================================

func TestActivity_ViewFor(t *testing.T) {
	a := &Activity{
		ID: "A1",
		Reactions: []Reaction{
			{ID: "r1", UserID: "u1"},
			{ID: "r2", UserID: "u2"},
		},
		Comments: []Comment{{ID: "c1"}},
	}

	v := a.ViewFor("u2")
	if !v.HasReacted || v.ReactionCount != 2 || v.CommentCount != 1 {
		t.Errorf("ViewFor(u2) = %+v", v)
	}
	if a.ViewFor("u3").HasReacted {
		t.Error("u3 has not reacted")
	}
}

func TestActivity_CloneIsDeep(t *testing.T) {
	a := &Activity{Reactions: []Reaction{{ID: "r1"}}, Metadata: map[string]interface{}{"k": "v"}}
	c := a.Clone()
	c.Reactions[0].ID = "changed"
	c.Metadata["k"] = "changed"
	if a.Reactions[0].ID != "r1" || a.Metadata["k"] != "v" {
		t.Error("Clone() shares state with the original")
	}
}

func TestPet_CloneIsDeep(t *testing.T) {
	b := time.Date(2019, 4, 1, 0, 0, 0, 0, time.UTC)
	p := &Pet{BirthDate: &b, PersonalityTraits: []string{"brave"}}
	c := p.Clone()
	*c.BirthDate = time.Time{}
	c.PersonalityTraits[0] = "shy"
	if p.BirthDate.IsZero() || p.PersonalityTraits[0] != "brave" {
		t.Error("Clone() shares state with the original")
	}
}

// =====================================================
// Tier and Quota Tests
// =====================================================

func TestTier_Gates(t *testing.T) {
	if TierFree.Has(FeatureStoryGeneration) {
		t.Error("free tier should not have story generation")
	}
	if !TierPremium.Has(FeatureStoryGeneration) {
		t.Error("premium tier should have story generation")
	}
	if Tier("gold").DailyMessages() != 5 {
		t.Error("unknown tier should fall back to free limits")
	}
	if TierPremium.DailyMessages() != 50 {
		t.Errorf("premium DailyMessages = %d", TierPremium.DailyMessages())
	}
}

func TestQuotaWindow_ExpiredAt(t *testing.T) {
	start := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	w := &QuotaWindow{WindowStart: start}
	if w.ExpiredAt(start.Add(23 * time.Hour)) {
		t.Error("window should still be open after 23h")
	}
	if !w.ExpiredAt(start.Add(24 * time.Hour)) {
		t.Error("window should roll over after 24h")
	}
}

func TestTributeType_MaxTokens(t *testing.T) {
	tests := map[TributeType]int{
		TributeShort:   560,
		TributeFull:    1024,
		TributePoem:    1000,
		TributeCaption: 300,
	}
	for tt, want := range tests {
		if got := tt.MaxTokens(); got != want {
			t.Errorf("%s.MaxTokens() = %d, want %d", tt, got, want)
		}
	}
	if TributeType("sonnet").Valid() {
		t.Error("unknown tribute type reported valid")
	}
}
