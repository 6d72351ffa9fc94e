package models

import (
	"math"
	"time"
)

// Tier is a subscription tier.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
	TierLuxury  Tier = "luxury"
)

// Feature names gated by tier.
const (
	FeatureStoryGeneration = "storyGeneration"
	FeatureSocial          = "social"
	FeatureExportData      = "exportData"
)

type tierGates struct {
	features         map[string]bool
	aiMessagesPerDay int
	maxFavorites     int
}

var gates = map[Tier]tierGates{
	TierFree: {
		features:         map[string]bool{},
		aiMessagesPerDay: 5,
		maxFavorites:     10,
	},
	TierPremium: {
		features: map[string]bool{
			FeatureStoryGeneration: true,
			FeatureSocial:          true,
			FeatureExportData:      true,
		},
		aiMessagesPerDay: 50,
		maxFavorites:     100,
	},
	TierLuxury: {
		features: map[string]bool{
			FeatureStoryGeneration: true,
			FeatureSocial:          true,
			FeatureExportData:      true,
		},
		aiMessagesPerDay: 500,
		maxFavorites:     math.MaxInt,
	},
}

func (t Tier) gates() tierGates {
	if g, ok := gates[t]; ok {
		return g
	}
	return gates[TierFree]
}

// Has reports whether the tier grants feature. Unknown tiers are free.
func (t Tier) Has(feature string) bool {
	return t.gates().features[feature]
}

// DailyMessages is the tier's daily generation allowance.
func (t Tier) DailyMessages() int {
	return t.gates().aiMessagesPerDay
}

// MaxFavorites is the tier's favorite cap.
func (t Tier) MaxFavorites() int {
	return t.gates().maxFavorites
}

// Account identifies the signed-in user. A zero Account is unauthenticated.
type Account struct {
	UserID string `json:"user_id"`
	Tier   Tier   `json:"tier"`
}

// Authenticated reports whether the account has a user.
func (a Account) Authenticated() bool {
	return a.UserID != ""
}

// QuotaWindow tracks generation usage within one day.
type QuotaWindow struct {
	UserID      string    `json:"user_id"`
	WindowStart time.Time `json:"window_start"`
	Used        int       `json:"used"`
	Tokens      int       `json:"tokens"`
	Limit       int       `json:"limit"`
}

// WindowLength is the quota window duration.
const WindowLength = 24 * time.Hour

// ExpiredAt reports whether the window has rolled over at now.
func (w *QuotaWindow) ExpiredAt(now time.Time) bool {
	return !now.Before(w.WindowStart.Add(WindowLength))
}

// QuotaStatus is the answer to a quota check.
type QuotaStatus struct {
	Allowed   bool `json:"allowed"`
	Remaining int  `json:"remaining"`
	Limit     int  `json:"limit"`
	Used      int  `json:"used"`
	Unlimited bool `json:"unlimited"`
}
