// Package migration moves data kept on the device before sign-in into the
// user's cloud account. Every row goes through the sync writer, so a
// migration started offline is finished by the coordinator.
package migration

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/dogtale/companion-core/internal/errors"
	"github.com/dogtale/companion-core/internal/logging"
	"github.com/dogtale/companion-core/internal/models"
	"github.com/dogtale/companion-core/internal/querycache"
	"github.com/dogtale/companion-core/internal/remote"
	syncpkg "github.com/dogtale/companion-core/internal/sync"
	"github.com/dogtale/companion-core/internal/uuid"
)

// DefaultBatchSize is the number of rows per remote write.
const DefaultBatchSize = 50

// LocalFavorite is a favorite image saved on the device.
type LocalFavorite struct {
	URL   string `json:"url"`
	Type  string `json:"type,omitempty"`
	Breed string `json:"breed,omitempty"`
	// SavedAt is in Unix milliseconds; zero means unknown.
	SavedAt int64 `json:"savedAt,omitempty"`
}

// LocalJournalEntry is one device journal entry.
type LocalJournalEntry struct {
	Text string `json:"text"`
	Mood string `json:"mood,omitempty"`
}

// LocalData is everything the device holds for migration. Journal keys are
// dates in any of the layouts NormalizeDate accepts.
type LocalData struct {
	Favorites []LocalFavorite              `json:"favorites"`
	Journal   map[string]LocalJournalEntry `json:"journal"`
	Theme     string                       `json:"theme,omitempty"`
	Settings  map[string]interface{}       `json:"settings,omitempty"`
}

// Empty reports whether there is nothing to migrate.
func (d LocalData) Empty() bool {
	return len(d.Favorites) == 0 && len(d.Journal) == 0
}

// BatchError records a batch the remote refused.
type BatchError struct {
	Batch int    `json:"batch"`
	Error string `json:"error"`
}

// StepResult summarises one kind of data.
type StepResult struct {
	Migrated int          `json:"migrated"`
	Queued   int          `json:"queued"`
	Skipped  int          `json:"skipped"`
	Errors   []BatchError `json:"errors,omitempty"`
}

// SettingsResult summarises the profile update.
type SettingsResult struct {
	Success bool   `json:"success"`
	Queued  bool   `json:"queued"`
	Error   string `json:"error,omitempty"`
}

// Result is the outcome of a migration.
type Result struct {
	UserID     string         `json:"user_id"`
	Favorites  StepResult     `json:"favorites"`
	Journal    StepResult     `json:"journal"`
	Settings   SettingsResult `json:"settings"`
	Completed  bool           `json:"completed"`
	MigratedAt time.Time      `json:"migrated_at"`
}

// Migrator runs migrations.
type Migrator struct {
	writer    *syncpkg.Writer
	cache     *querycache.Cache
	validate  *validator.Validate
	batchSize int
	now       func() time.Time
}

// Option configures a Migrator.
type Option func(*Migrator)

// WithBatchSize overrides DefaultBatchSize.
func WithBatchSize(n int) Option {
	return func(m *Migrator) {
		if n > 0 {
			m.batchSize = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Migrator) { m.now = now }
}

// New creates a Migrator. cache holds the completion markers and may be nil.
func New(writer *syncpkg.Writer, cache *querycache.Cache, opts ...Option) *Migrator {
	m := &Migrator{
		writer:    writer,
		cache:     cache,
		validate:  validator.New(),
		batchSize: DefaultBatchSize,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func markerKey(userID string) string {
	return "migration:" + userID
}

// HasBeenMigrated reports whether a completed migration is recorded for
// userID.
func (m *Migrator) HasBeenMigrated(ctx context.Context, userID string) (bool, error) {
	if m.cache == nil || userID == "" {
		return false, nil
	}
	var r Result
	found, _, err := m.cache.Get(ctx, markerKey(userID), &r, true)
	if err != nil || !found {
		return false, err
	}
	return r.Completed && r.UserID == userID, nil
}

// Migrate copies data into userID's account. Refused batches are reported
// in the result and do not stop the remaining ones. The migration counts as
// completed when nothing was refused, even if rows are still queued.
func (m *Migrator) Migrate(ctx context.Context, userID string, data LocalData) (*Result, error) {
	if userID == "" {
		return nil, errors.New(errors.ErrPermission, "sign in to migrate local data")
	}

	res := &Result{UserID: userID, MigratedAt: m.now().UTC()}
	res.Favorites = m.migrateFavorites(ctx, userID, data.Favorites)
	res.Journal = m.migrateJournal(ctx, userID, data.Journal)
	res.Settings = m.migrateSettings(ctx, userID, data.Theme, data.Settings)
	if err := ctx.Err(); err != nil {
		return res, err
	}

	res.Completed = len(res.Favorites.Errors) == 0 && len(res.Journal.Errors) == 0 && res.Settings.Error == ""
	if res.Completed && m.cache != nil {
		if err := m.cache.Put(ctx, markerKey(userID), res, -1); err != nil {
			logging.Warn("Failed to record migration marker", map[string]interface{}{
				"user_id": userID,
				"error":   err.Error(),
			})
		}
	}

	logging.Info("Local data migration finished", map[string]interface{}{
		"user_id":            userID,
		"favorites_migrated": res.Favorites.Migrated,
		"favorites_queued":   res.Favorites.Queued,
		"journal_migrated":   res.Journal.Migrated,
		"journal_queued":     res.Journal.Queued,
		"completed":          res.Completed,
	})
	return res, nil
}

func (m *Migrator) migrateFavorites(ctx context.Context, userID string, favorites []LocalFavorite) StepResult {
	var step StepResult
	writes := make([]syncpkg.Write, 0, len(favorites))
	for _, f := range favorites {
		created := m.now()
		if f.SavedAt > 0 {
			created = time.UnixMilli(f.SavedAt)
		}
		fav := models.Favorite{UserID: userID, ImageURL: f.URL, Breed: f.Breed, CreatedAt: created.UTC()}
		if err := m.validate.Struct(fav); err != nil {
			step.Skipped++
			continue
		}
		imageType := f.Type
		if imageType == "" {
			imageType = "dog"
		}
		row := remote.Row{
			"user_id":    userID,
			"image_url":  fav.ImageURL,
			"image_type": imageType,
			"created_at": fav.CreatedAt.Format(time.RFC3339Nano),
		}
		if fav.Breed != "" {
			row["breed"] = fav.Breed
		}
		writes = append(writes, syncpkg.Write{Row: row, Key: uuid.IdempotencyKey("migration", remote.TableFavorites, userID, fav.ImageURL)})
	}
	m.writeBatches(ctx, remote.TableFavorites, models.OperationInsert, writes, &step)
	return step
}

func (m *Migrator) migrateJournal(ctx context.Context, userID string, journal map[string]LocalJournalEntry) StepResult {
	var step StepResult
	seen := make(map[string]bool, len(journal))
	writes := make([]syncpkg.Write, 0, len(journal))
	for _, key := range slices.Sorted(maps.Keys(journal)) {
		date, ok := NormalizeDate(key)
		if !ok || seen[date] {
			step.Skipped++
			continue
		}
		entry := journal[key]
		je := models.JournalEntry{UserID: userID, Date: date, Content: entry.Text, Mood: entry.Mood}
		if err := m.validate.Struct(je); err != nil {
			step.Skipped++
			continue
		}
		seen[date] = true
		row := remote.Row{
			"user_id":    userID,
			"date":       date,
			"content":    entry.Text,
			"is_private": true,
		}
		if entry.Mood != "" {
			row["mood"] = entry.Mood
		}
		writes = append(writes, syncpkg.Write{Row: row, Key: uuid.IdempotencyKey("migration", remote.TableJournalEntries, userID, date)})
	}
	m.writeBatches(ctx, remote.TableJournalEntries, models.OperationInsert, writes, &step)
	return step
}

func (m *Migrator) migrateSettings(ctx context.Context, userID, theme string, settings map[string]interface{}) SettingsResult {
	merged := make(map[string]interface{}, len(settings)+3)
	for k, v := range settings {
		merged[k] = v
	}
	if theme != "" {
		merged["theme"] = theme
	}
	merged["migratedFromLocal"] = true
	merged["migratedAt"] = m.now().UTC().Format(time.RFC3339)

	w := syncpkg.Write{
		Row: remote.Row{"id": userID, "settings": merged},
		Key: uuid.IdempotencyKey("migration", remote.TableProfiles, userID),
	}
	wr, err := m.writer.Write(ctx, remote.TableProfiles, models.OperationUpdate, []syncpkg.Write{w})
	if err != nil {
		logging.Error("Settings migration failed", err, map[string]interface{}{"user_id": userID})
		return SettingsResult{Error: err.Error()}
	}
	return SettingsResult{Success: true, Queued: wr.Queued}
}

// writeBatches writes in batches of m.batchSize, recording refusals per
// batch and carrying on.
func (m *Migrator) writeBatches(ctx context.Context, table string, op models.Operation, writes []syncpkg.Write, step *StepResult) {
	for i := 0; i < len(writes); i += m.batchSize {
		if ctx.Err() != nil {
			return
		}
		batch := writes[i:min(i+m.batchSize, len(writes))]
		res, err := m.writer.Write(ctx, table, op, batch)
		if err != nil {
			step.Errors = append(step.Errors, BatchError{Batch: i / m.batchSize, Error: err.Error()})
			logging.Error(fmt.Sprintf("Migration batch for %s failed", table), err, map[string]interface{}{
				"batch": i / m.batchSize,
				"rows":  len(batch),
			})
			continue
		}
		if res.Queued {
			step.Queued += len(batch)
		} else {
			step.Migrated += len(batch)
		}
	}
}

// Layouts accepted for journal keys besides YYYY-MM-DD, in the order they
// are tried. The first is what browsers produce for Date.toDateString.
var dateLayouts = []string{
	"Mon Jan 02 2006",
	"Mon Jan 2 2006",
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006/01/02",
	"01/02/2006",
	"January 2, 2006",
	"Jan 2, 2006",
	time.RFC1123,
	time.RFC1123Z,
}

// NormalizeDate converts a journal key to YYYY-MM-DD. Keys that parse as
// none of the accepted layouts are rejected.
func NormalizeDate(key string) (string, bool) {
	key = strings.TrimSpace(key)
	if t, err := time.Parse(time.DateOnly, key); err == nil {
		return t.Format(time.DateOnly), true
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, key); err == nil {
			return t.UTC().Format(time.DateOnly), true
		}
	}
	return "", false
}
