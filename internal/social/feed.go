package social

import (
	"context"
	"sort"
	"strings"

	"github.com/dogtale/companion-core/internal/cache"
	"github.com/dogtale/companion-core/internal/errors"
	"github.com/dogtale/companion-core/internal/models"
	"github.com/dogtale/companion-core/internal/remote"
	"github.com/dogtale/companion-core/internal/uuid"
)

// DefaultReaction is used when ToggleReaction is given no reaction type.
const DefaultReaction = "like"

// FeedService owns the activity feed with its reactions and comments.
// Counts shown to the user are always derived from the collections.
type FeedService struct {
	*core
	cache *cache.Cache[models.Activity]
}

// NewFeedService creates a FeedService.
func NewFeedService(deps Deps) *FeedService {
	s := &FeedService{
		core:  newCore(deps, remote.TableActivities, remote.TableReactions, remote.TableComments),
		cache: cache.New((*models.Activity).Clone),
	}
	s.orphan = s.HandlePush
	return s
}

func upsertReaction(a *models.Activity, r models.Reaction) *models.Activity {
	if a == nil {
		return nil
	}
	for i, existing := range a.Reactions {
		if existing.UserID == r.UserID {
			a.Reactions[i] = r
			return a
		}
	}
	a.Reactions = append(a.Reactions, r)
	return a
}

func removeReaction(a *models.Activity, userID string) *models.Activity {
	if a == nil {
		return nil
	}
	kept := a.Reactions[:0]
	for _, r := range a.Reactions {
		if r.UserID != userID {
			kept = append(kept, r)
		}
	}
	a.Reactions = kept
	return a
}

func addComment(a *models.Activity, c models.Comment) *models.Activity {
	if a == nil {
		return nil
	}
	for _, existing := range a.Comments {
		if existing.ID == c.ID {
			return a
		}
	}
	a.Comments = append(a.Comments, c)
	return a
}

func removeComment(a *models.Activity, commentID string) *models.Activity {
	if a == nil {
		return nil
	}
	kept := a.Comments[:0]
	for _, c := range a.Comments {
		if c.ID != commentID {
			kept = append(kept, c)
		}
	}
	a.Comments = kept
	return a
}

// Load fetches the activities of authorIDs together with their reactions
// and comments. When offline the last fetched feed is used.
func (s *FeedService) Load(ctx context.Context, viewerID string, authorIDs []string) ([]models.ActivityView, error) {
	if len(authorIDs) == 0 {
		return nil, nil
	}
	sorted := append([]string(nil), authorIDs...)
	sort.Strings(sorted)
	key := "feed:" + viewerID + ":" + strings.Join(sorted, ",")

	items, _, err := fetch(ctx, s.core, key, func(ctx context.Context) ([]*models.Activity, error) {
		return s.fetchFeed(ctx, sorted)
	})
	if err != nil {
		return nil, err
	}
	for _, a := range items {
		s.cache.Load(a.ID, a)
	}
	return s.Views(viewerID), nil
}

func (s *FeedService) fetchFeed(ctx context.Context, authorIDs []string) ([]*models.Activity, error) {
	rows, err := s.deps.Remote.Select(ctx, remote.TableActivities, remote.Filter{"user_id": authorIDs})
	if err != nil {
		return nil, err
	}
	activities, err := decodeRows[models.Activity](rows)
	if err != nil || len(activities) == 0 {
		return activities, err
	}

	byID := make(map[string]*models.Activity, len(activities))
	ids := make([]string, 0, len(activities))
	for _, a := range activities {
		a.Reactions, a.Comments = nil, nil
		byID[a.ID] = a
		ids = append(ids, a.ID)
	}

	reactionRows, err := s.deps.Remote.Select(ctx, remote.TableReactions, remote.Filter{"activity_id": ids})
	if err != nil {
		return nil, err
	}
	reactions, err := decodeRows[models.Reaction](reactionRows)
	if err != nil {
		return nil, err
	}
	for _, r := range reactions {
		if a, ok := byID[r.ActivityID]; ok {
			upsertReaction(a, *r)
		}
	}

	commentRows, err := s.deps.Remote.Select(ctx, remote.TableComments, remote.Filter{"activity_id": ids})
	if err != nil {
		return nil, err
	}
	comments, err := decodeRows[models.Comment](commentRows)
	if err != nil {
		return nil, err
	}
	for _, c := range comments {
		if a, ok := byID[c.ActivityID]; ok {
			addComment(a, *c)
		}
	}
	return activities, nil
}

// View renders one activity for viewerID.
func (s *FeedService) View(activityID, viewerID string) (models.ActivityView, bool) {
	a, ok := s.cache.Get(activityID)
	if !ok {
		return models.ActivityView{}, false
	}
	return a.ViewFor(viewerID), true
}

// Entry returns the cache entry of an activity.
func (s *FeedService) Entry(activityID string) (cache.Entry[models.Activity], bool) {
	return s.cache.View(activityID)
}

// Views renders every visible activity for viewerID, newest first.
func (s *FeedService) Views(viewerID string) []models.ActivityView {
	all := s.cache.All()
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	views := make([]models.ActivityView, 0, len(all))
	for _, a := range all {
		views = append(views, a.ViewFor(viewerID))
	}
	return views
}

// Create publishes a new activity.
func (s *FeedService) Create(ctx context.Context, a *models.Activity) (*models.Activity, error) {
	a = a.Clone()
	if a.ID == "" {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	if a.Visibility == "" {
		a.Visibility = "friends"
	}
	a.Reactions, a.Comments = nil, nil
	if err := s.validateStruct(a); err != nil {
		return nil, err
	}

	opID := uuid.New()
	shown, err := s.cache.ApplyOptimistic(a.ID, opID, func(cur *models.Activity) (*models.Activity, error) {
		if cur != nil {
			return nil, errors.Newf(errors.ErrInvalid, "activity %s already exists", a.ID)
		}
		return a.Clone(), nil
	})
	if err != nil {
		return nil, err
	}

	err = s.write(ctx, mutation{
		table:      remote.TableActivities,
		op:         models.OperationInsert,
		row:        activityRow(a),
		key:        opID,
		resourceID: a.ID,
		confirm: func(row remote.Row) {
			s.cache.ConfirmWith(a.ID, opID, func(server *models.Activity) *models.Activity {
				next := a.Clone()
				if decoded, err := decodeRow[models.Activity](row); err == nil && decoded.ID != "" {
					next = decoded
				}
				if server != nil {
					next.Reactions, next.Comments = server.Reactions, server.Comments
				}
				return next
			})
		},
		reject: func(error) { s.cache.Reject(a.ID, opID) },
	})
	if err != nil {
		return nil, err
	}
	return shown, nil
}

// Delete removes an activity owned by actor.
func (s *FeedService) Delete(ctx context.Context, activityID, actor string) error {
	current, ok := s.cache.Get(activityID)
	if !ok {
		return errors.Newf(errors.ErrNotFound, "activity %s not found", activityID)
	}
	if current.UserID != actor {
		return errors.New(errors.ErrPermission, "only the author can delete an activity")
	}

	opID := uuid.New()
	if _, err := s.cache.ApplyOptimistic(activityID, opID, func(*models.Activity) (*models.Activity, error) {
		return nil, nil
	}); err != nil {
		return err
	}
	return s.write(ctx, mutation{
		table:      remote.TableActivities,
		op:         models.OperationDelete,
		row:        remote.Row{"id": activityID},
		key:        opID,
		resourceID: activityID,
		confirm:    func(remote.Row) { s.cache.Confirm(activityID, opID, nil) },
		reject:     func(error) { s.cache.Reject(activityID, opID) },
	})
}

// ToggleReaction adds userID's reaction to an activity, or removes it if
// they already reacted. The returned view reflects the change immediately.
func (s *FeedService) ToggleReaction(ctx context.Context, activityID, userID, reactionType string) (models.ActivityView, error) {
	current, ok := s.cache.Get(activityID)
	if !ok {
		return models.ActivityView{}, errors.Newf(errors.ErrNotFound, "activity %s not found", activityID)
	}
	if userID == "" {
		return models.ActivityView{}, errors.New(errors.ErrValidation, "user is required")
	}
	if reactionType == "" {
		reactionType = DefaultReaction
	}

	opID := uuid.New()
	var m mutation
	var mutate cache.Mutation[models.Activity]

	if _, reacted := current.ReactionBy(userID); reacted {
		mutate = func(cur *models.Activity) (*models.Activity, error) {
			if cur == nil {
				return nil, errors.Newf(errors.ErrNotFound, "activity %s not found", activityID)
			}
			return removeReaction(cur, userID), nil
		}
		m = mutation{
			table: remote.TableReactions,
			op:    models.OperationDelete,
			row:   remote.Row{"activity_id": activityID, "user_id": userID},
			confirm: func(remote.Row) {
				s.cache.ConfirmWith(activityID, opID, func(server *models.Activity) *models.Activity {
					return removeReaction(server, userID)
				})
			},
		}
	} else {
		reaction := models.Reaction{
			ID:           uuid.New(),
			ActivityID:   activityID,
			UserID:       userID,
			ReactionType: reactionType,
		}
		mutate = func(cur *models.Activity) (*models.Activity, error) {
			if cur == nil {
				return nil, errors.Newf(errors.ErrNotFound, "activity %s not found", activityID)
			}
			return upsertReaction(cur, reaction), nil
		}
		m = mutation{
			table: remote.TableReactions,
			op:    models.OperationInsert,
			row:   reactionRow(reaction),
			confirm: func(row remote.Row) {
				settled := reaction
				if decoded, err := decodeRow[models.Reaction](row); err == nil && decoded.UserID != "" {
					settled = *decoded
				}
				s.cache.ConfirmWith(activityID, opID, func(server *models.Activity) *models.Activity {
					return upsertReaction(server, settled)
				})
			},
		}
	}

	shown, err := s.cache.ApplyOptimistic(activityID, opID, mutate)
	if err != nil {
		return models.ActivityView{}, err
	}
	m.key = opID
	m.resourceID = activityID
	m.reject = func(error) { s.cache.Reject(activityID, opID) }
	if err := s.write(ctx, m); err != nil {
		return models.ActivityView{}, err
	}
	return shown.ViewFor(userID), nil
}

// AddComment appends a comment by userID to an activity.
func (s *FeedService) AddComment(ctx context.Context, activityID, userID, content string) (*models.Comment, error) {
	if _, ok := s.cache.Get(activityID); !ok {
		return nil, errors.Newf(errors.ErrNotFound, "activity %s not found", activityID)
	}
	opID := uuid.New()
	comment := models.Comment{
		ID:             uuid.New(),
		ActivityID:     activityID,
		UserID:         userID,
		Content:        strings.TrimSpace(content),
		CreatedAt:      s.now(),
		IdempotencyKey: opID,
	}
	if err := s.validateStruct(comment); err != nil {
		return nil, err
	}

	if _, err := s.cache.ApplyOptimistic(activityID, opID, func(cur *models.Activity) (*models.Activity, error) {
		if cur == nil {
			return nil, errors.Newf(errors.ErrNotFound, "activity %s not found", activityID)
		}
		return addComment(cur, comment), nil
	}); err != nil {
		return nil, err
	}

	err := s.write(ctx, mutation{
		table:      remote.TableComments,
		op:         models.OperationInsert,
		row:        commentRow(comment),
		key:        opID,
		resourceID: activityID,
		confirm: func(row remote.Row) {
			settled := comment
			if decoded, err := decodeRow[models.Comment](row); err == nil && decoded.ID != "" {
				settled = *decoded
			}
			s.cache.ConfirmWith(activityID, opID, func(server *models.Activity) *models.Activity {
				return addComment(server, settled)
			})
		},
		reject: func(error) { s.cache.Reject(activityID, opID) },
	})
	if err != nil {
		return nil, err
	}
	return &comment, nil
}

// HandlePush applies a pushed change to activities, reactions or comments.
// Pushes only move server state; pending local changes stay visible.
func (s *FeedService) HandlePush(ev remote.Event) {
	row := ev.Row()
	switch ev.Table {
	case remote.TableActivities:
		id := rowID(row)
		if id == "" {
			return
		}
		if ev.Type == remote.EventDelete {
			s.cache.ApplyPush(id, nil)
			return
		}
		decoded, err := decodeRow[models.Activity](ev.Record)
		if err != nil {
			return
		}
		s.cache.ApplyPushWith(id, func(server *models.Activity) *models.Activity {
			if server != nil {
				decoded.Reactions, decoded.Comments = server.Reactions, server.Comments
			}
			return decoded
		})

	case remote.TableReactions:
		activityID := rowString(row, "activity_id")
		if _, ok := s.cache.View(activityID); !ok {
			return
		}
		if ev.Type == remote.EventDelete {
			userID := rowString(row, "user_id")
			s.cache.ApplyPushWith(activityID, func(server *models.Activity) *models.Activity {
				return removeReaction(server, userID)
			})
			return
		}
		r, err := decodeRow[models.Reaction](ev.Record)
		if err != nil {
			return
		}
		s.cache.ApplyPushWith(activityID, func(server *models.Activity) *models.Activity {
			return upsertReaction(server, *r)
		})

	case remote.TableComments:
		activityID := rowString(row, "activity_id")
		if _, ok := s.cache.View(activityID); !ok {
			return
		}
		if ev.Type == remote.EventDelete {
			commentID := rowID(row)
			s.cache.ApplyPushWith(activityID, func(server *models.Activity) *models.Activity {
				return removeComment(server, commentID)
			})
			return
		}
		c, err := decodeRow[models.Comment](ev.Record)
		if err != nil {
			return
		}
		s.cache.ApplyPushWith(activityID, func(server *models.Activity) *models.Activity {
			return addComment(server, *c)
		})
	}
}

// Watch subscribes to changes on authorIDs' activities and on the
// reactions and comments of the activities currently loaded.
func (s *FeedService) Watch(ctx context.Context, feed remote.PushFeed, authorIDs []string) error {
	if len(authorIDs) > 0 {
		if err := watch(ctx, feed, remote.TableActivities, remote.Filter{"user_id": authorIDs}, s.HandlePush); err != nil {
			return err
		}
	}
	ids := s.cache.IDs()
	if len(ids) == 0 {
		return nil
	}
	for _, table := range []string{remote.TableReactions, remote.TableComments} {
		if err := watch(ctx, feed, table, remote.Filter{"activity_id": ids}, s.HandlePush); err != nil {
			return err
		}
	}
	return nil
}

// Reset drops every cached activity. Used on sign-out.
func (s *FeedService) Reset() {
	s.cache.Clear()
	s.reset()
}
