package social

import (
	"context"

	"github.com/dogtale/companion-core/internal/cache"
	"github.com/dogtale/companion-core/internal/errors"
	"github.com/dogtale/companion-core/internal/models"
	"github.com/dogtale/companion-core/internal/remote"
	"github.com/dogtale/companion-core/internal/uuid"
)

// Action is a friendship state change requested by one participant.
type Action string

const (
	ActionAccept  Action = "accept"
	ActionDecline Action = "decline"
	ActionCancel  Action = "cancel"
	ActionRemove  Action = "remove"
	ActionBlock   Action = "block"
)

// Transition returns the status f moves to when actor performs action.
//
//	pending  --accept (addressee)-->  accepted
//	pending  --decline (addressee)--> removed
//	pending  --cancel (requester)-->  removed
//	pending|accepted --remove-->      removed
//	pending|accepted --block-->       blocked
//
// blocked and removed are terminal.
func Transition(f *models.Friendship, action Action, actor string) (models.FriendshipStatus, error) {
	if !f.Involves(actor) {
		return "", errors.New(errors.ErrPermission, "not a participant of this friendship")
	}
	invalid := errors.Newf(errors.ErrInvalidTransition, "cannot %s a %s friendship", action, f.Status)

	switch f.Status {
	case models.FriendshipPending:
		switch action {
		case ActionAccept, ActionDecline:
			if actor != f.AddresseeID {
				return "", errors.Newf(errors.ErrInvalidTransition, "only the addressee can %s", action)
			}
			if action == ActionAccept {
				return models.FriendshipAccepted, nil
			}
			return models.FriendshipRemoved, nil
		case ActionCancel:
			if actor != f.RequesterID {
				return "", errors.New(errors.ErrInvalidTransition, "only the requester can cancel")
			}
			return models.FriendshipRemoved, nil
		case ActionRemove:
			return models.FriendshipRemoved, nil
		case ActionBlock:
			return models.FriendshipBlocked, nil
		}
	case models.FriendshipAccepted:
		switch action {
		case ActionRemove:
			return models.FriendshipRemoved, nil
		case ActionBlock:
			return models.FriendshipBlocked, nil
		}
	}
	return "", invalid
}

// FriendService owns the friendship graph of the signed-in user.
type FriendService struct {
	*core
	cache *cache.Cache[models.Friendship]
}

// NewFriendService creates a FriendService.
func NewFriendService(deps Deps) *FriendService {
	s := &FriendService{
		core:  newCore(deps, remote.TableFriendships),
		cache: cache.New((*models.Friendship).Clone),
	}
	s.orphan = s.HandlePush
	return s
}

func (s *FriendService) applyRow(row remote.Row) {
	f, err := decodeRow[models.Friendship](row)
	if err != nil || f.ID == "" {
		return
	}
	s.cache.ApplyPush(f.ID, f)
}

// Load fetches every friendship involving userID. When offline the last
// fetched list is used.
func (s *FriendService) Load(ctx context.Context, userID string) ([]*models.Friendship, error) {
	items, _, err := fetch(ctx, s.core, "friendships:"+userID, func(ctx context.Context) ([]*models.Friendship, error) {
		sent, err := s.deps.Remote.Select(ctx, remote.TableFriendships, remote.Filter{"requester_id": userID})
		if err != nil {
			return nil, err
		}
		received, err := s.deps.Remote.Select(ctx, remote.TableFriendships, remote.Filter{"addressee_id": userID})
		if err != nil {
			return nil, err
		}
		return decodeRows[models.Friendship](append(sent, received...))
	})
	if err != nil {
		return nil, err
	}
	for _, f := range items {
		s.cache.Load(f.ID, f)
	}
	return items, nil
}

// Get returns the visible state of a friendship.
func (s *FriendService) Get(id string) (*models.Friendship, bool) {
	return s.cache.Get(id)
}

// View returns the cache entry of a friendship.
func (s *FriendService) View(id string) (cache.Entry[models.Friendship], bool) {
	return s.cache.View(id)
}

func (s *FriendService) between(a, b string) *models.Friendship {
	for _, f := range s.cache.All() {
		if f.Involves(a) && f.Involves(b) &&
			(f.Status == models.FriendshipPending || f.Status == models.FriendshipAccepted || f.Status == models.FriendshipBlocked) {
			return f
		}
	}
	return nil
}

// SendRequest creates a pending friendship from requester to addressee.
func (s *FriendService) SendRequest(ctx context.Context, requester, addressee string) (*models.Friendship, error) {
	now := s.now()
	f := &models.Friendship{
		ID:          uuid.New(),
		RequesterID: requester,
		AddresseeID: addressee,
		Status:      models.FriendshipPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.validateStruct(f); err != nil {
		return nil, err
	}
	if existing := s.between(requester, addressee); existing != nil {
		return nil, errors.Newf(errors.ErrInvalidTransition, "a %s friendship already exists", existing.Status)
	}

	opID := uuid.New()
	shown, err := s.cache.ApplyOptimistic(f.ID, opID, func(*models.Friendship) (*models.Friendship, error) {
		return f.Clone(), nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.write(ctx, s.change(f, models.OperationInsert, opID)); err != nil {
		return nil, err
	}
	return shown, nil
}

// Accept accepts a pending request addressed to actor.
func (s *FriendService) Accept(ctx context.Context, id, actor string) (*models.Friendship, error) {
	return s.transition(ctx, id, ActionAccept, actor)
}

// Decline declines a pending request addressed to actor.
func (s *FriendService) Decline(ctx context.Context, id, actor string) (*models.Friendship, error) {
	return s.transition(ctx, id, ActionDecline, actor)
}

// Cancel withdraws a pending request sent by actor.
func (s *FriendService) Cancel(ctx context.Context, id, actor string) (*models.Friendship, error) {
	return s.transition(ctx, id, ActionCancel, actor)
}

// Remove ends a friendship or request.
func (s *FriendService) Remove(ctx context.Context, id, actor string) (*models.Friendship, error) {
	return s.transition(ctx, id, ActionRemove, actor)
}

// Block blocks the other participant.
func (s *FriendService) Block(ctx context.Context, id, actor string) (*models.Friendship, error) {
	return s.transition(ctx, id, ActionBlock, actor)
}

func (s *FriendService) transition(ctx context.Context, id string, action Action, actor string) (*models.Friendship, error) {
	current, ok := s.cache.Get(id)
	if !ok {
		return nil, errors.Newf(errors.ErrNotFound, "friendship %s not found", id)
	}
	if _, err := Transition(current, action, actor); err != nil {
		return nil, err
	}

	now := s.now()
	opID := uuid.New()
	shown, err := s.cache.ApplyOptimistic(id, opID, func(cur *models.Friendship) (*models.Friendship, error) {
		if cur == nil {
			return nil, errors.Newf(errors.ErrNotFound, "friendship %s not found", id)
		}
		next, err := Transition(cur, action, actor)
		if err != nil {
			return nil, err
		}
		cur.Status = next
		cur.UpdatedAt = now
		return cur, nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.write(ctx, s.change(shown, models.OperationUpdate, opID)); err != nil {
		return nil, err
	}
	return shown, nil
}

func (s *FriendService) change(f *models.Friendship, op models.Operation, opID string) mutation {
	return mutation{
		table:      remote.TableFriendships,
		op:         op,
		row:        friendshipRow(f),
		key:        opID,
		resourceID: f.ID,
		confirm: func(row remote.Row) {
			server := f.Clone()
			if row != nil {
				if decoded, err := decodeRow[models.Friendship](row); err == nil && decoded.ID != "" {
					server = decoded
				}
			}
			s.cache.Confirm(f.ID, opID, server)
		},
		reject: func(error) {
			s.cache.Reject(f.ID, opID)
		},
	}
}

func (s *FriendService) list(keep func(*models.Friendship) bool) []*models.Friendship {
	var out []*models.Friendship
	for _, f := range s.cache.All() {
		if keep(f) {
			out = append(out, f)
		}
	}
	return out
}

// Friends returns userID's accepted friendships.
func (s *FriendService) Friends(userID string) []*models.Friendship {
	return s.list(func(f *models.Friendship) bool {
		return f.Status == models.FriendshipAccepted && f.Involves(userID)
	})
}

// Incoming returns pending requests addressed to userID.
func (s *FriendService) Incoming(userID string) []*models.Friendship {
	return s.list(func(f *models.Friendship) bool {
		return f.Status == models.FriendshipPending && f.AddresseeID == userID
	})
}

// Outgoing returns pending requests sent by userID.
func (s *FriendService) Outgoing(userID string) []*models.Friendship {
	return s.list(func(f *models.Friendship) bool {
		return f.Status == models.FriendshipPending && f.RequesterID == userID
	})
}

// Blocked returns blocked friendships involving userID.
func (s *FriendService) Blocked(userID string) []*models.Friendship {
	return s.list(func(f *models.Friendship) bool {
		return f.Status == models.FriendshipBlocked && f.Involves(userID)
	})
}

// FriendIDs returns the IDs of userID's accepted friends.
func (s *FriendService) FriendIDs(userID string) []string {
	friends := s.Friends(userID)
	ids := make([]string, 0, len(friends))
	for _, f := range friends {
		ids = append(ids, f.Other(userID))
	}
	return ids
}

// HandlePush applies a pushed friendship change.
func (s *FriendService) HandlePush(ev remote.Event) {
	if ev.Table != remote.TableFriendships {
		return
	}
	if ev.Type == remote.EventDelete {
		if id := rowID(ev.Row()); id != "" {
			s.cache.ApplyPush(id, nil)
		}
		return
	}
	s.applyRow(ev.Record)
}

// Watch subscribes to friendship changes involving userID.
func (s *FriendService) Watch(ctx context.Context, feed remote.PushFeed, userID string) error {
	for _, col := range []string{"requester_id", "addressee_id"} {
		if err := watch(ctx, feed, remote.TableFriendships, remote.Filter{col: userID}, s.HandlePush); err != nil {
			return err
		}
	}
	return nil
}

// Reset drops every cached friendship. Used on sign-out.
func (s *FriendService) Reset() {
	s.cache.Clear()
	s.reset()
}
