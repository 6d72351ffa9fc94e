package social

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dogtale/companion-core/internal/errors"
	"github.com/dogtale/companion-core/internal/models"
	"github.com/dogtale/companion-core/internal/remote"
)

func TestTransition(t *testing.T) {
	pending := &models.Friendship{RequesterID: "alice", AddresseeID: "bob", Status: models.FriendshipPending}
	accepted := &models.Friendship{RequesterID: "alice", AddresseeID: "bob", Status: models.FriendshipAccepted}
	blocked := &models.Friendship{RequesterID: "alice", AddresseeID: "bob", Status: models.FriendshipBlocked}
	removed := &models.Friendship{RequesterID: "alice", AddresseeID: "bob", Status: models.FriendshipRemoved}

	tests := []struct {
		name   string
		f      *models.Friendship
		action Action
		actor  string
		want   models.FriendshipStatus
		code   errors.ErrorCode
	}{
		{"addressee accepts", pending, ActionAccept, "bob", models.FriendshipAccepted, ""},
		{"requester cannot accept", pending, ActionAccept, "alice", "", errors.ErrInvalidTransition},
		{"addressee declines", pending, ActionDecline, "bob", models.FriendshipRemoved, ""},
		{"requester cannot decline", pending, ActionDecline, "alice", "", errors.ErrInvalidTransition},
		{"requester cancels", pending, ActionCancel, "alice", models.FriendshipRemoved, ""},
		{"addressee cannot cancel", pending, ActionCancel, "bob", "", errors.ErrInvalidTransition},
		{"block pending", pending, ActionBlock, "bob", models.FriendshipBlocked, ""},
		{"remove accepted", accepted, ActionRemove, "bob", models.FriendshipRemoved, ""},
		{"block accepted", accepted, ActionBlock, "alice", models.FriendshipBlocked, ""},
		{"accept twice", accepted, ActionAccept, "bob", "", errors.ErrInvalidTransition},
		{"cancel accepted", accepted, ActionCancel, "alice", "", errors.ErrInvalidTransition},
		{"blocked is terminal", blocked, ActionRemove, "alice", "", errors.ErrInvalidTransition},
		{"removed is terminal", removed, ActionBlock, "bob", "", errors.ErrInvalidTransition},
		{"outsider", pending, ActionAccept, "carol", "", errors.ErrPermission},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Transition(tt.f, tt.action, tt.actor)
			if tt.code != "" {
				require.Error(t, err)
				assert.Equal(t, tt.code, errors.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFriends_RequestAndAccept(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, true)
	friends := NewFriendService(e.deps)

	f, err := friends.SendRequest(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, models.FriendshipPending, f.Status)
	require.Len(t, e.svc.Rows(remote.TableFriendships), 1)
	assert.Len(t, friends.Outgoing("alice"), 1)
	assert.Len(t, friends.Incoming("bob"), 1)

	_, err = friends.SendRequest(ctx, "bob", "alice")
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition), "an edge already exists in either direction")

	_, err = friends.Accept(ctx, f.ID, "alice")
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))

	f, err = friends.Accept(ctx, f.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, models.FriendshipAccepted, f.Status)
	assert.Equal(t, []string{"bob"}, friends.FriendIDs("alice"))
	assert.Equal(t, "accepted", e.svc.Rows(remote.TableFriendships)[0]["status"])

	entry, _ := friends.View(f.ID)
	assert.Equal(t, models.FriendshipAccepted, entry.ServerState.Status)
}

func TestFriends_SelfRequestIsInvalid(t *testing.T) {
	e := newEnv(t, true)
	friends := NewFriendService(e.deps)

	_, err := friends.SendRequest(context.Background(), "alice", "alice")
	assert.True(t, errors.Is(err, errors.ErrValidation))
	assert.Equal(t, 0, e.svc.CallCount(""))
}

func TestFriends_OfflineAcceptDrains(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, true)
	friends := NewFriendService(e.deps)
	f, err := friends.SendRequest(ctx, "alice", "bob")
	require.NoError(t, err)

	e.monitor.SetOnline(false)
	shown, err := friends.Accept(ctx, f.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, models.FriendshipAccepted, shown.Status)
	entry, _ := friends.View(f.ID)
	assert.Equal(t, models.FriendshipPending, entry.ServerState.Status)

	e.drain(t)
	entry, _ = friends.View(f.ID)
	assert.Equal(t, models.FriendshipAccepted, entry.ServerState.Status)
	assert.Empty(t, entry.PendingOpIDs)
}

func TestFriends_RejectedTransitionRollsBack(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, true)
	friends := NewFriendService(e.deps)
	f, err := friends.SendRequest(ctx, "alice", "bob")
	require.NoError(t, err)

	e.svc.Reject(remote.TableFriendships, errors.New(errors.ErrRemoteRejected, "denied"))
	_, err = friends.Block(ctx, f.ID, "bob")
	require.Error(t, err)

	got, _ := friends.Get(f.ID)
	assert.Equal(t, models.FriendshipPending, got.Status)
	assert.Empty(t, friends.Blocked("bob"))
}

func TestFriends_LoadAndPush(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, true)
	e.svc.Seed(remote.TableFriendships,
		remote.Row{"id": "f1", "requester_id": "alice", "addressee_id": "bob", "status": "accepted"},
		remote.Row{"id": "f2", "requester_id": "carol", "addressee_id": "alice", "status": "pending"},
		remote.Row{"id": "f3", "requester_id": "dave", "addressee_id": "erin", "status": "accepted"},
	)
	friends := NewFriendService(e.deps)

	items, err := friends.Load(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Len(t, friends.Friends("alice"), 1)
	assert.Len(t, friends.Incoming("alice"), 1)

	friends.HandlePush(remote.Event{Type: remote.EventUpdate, Table: remote.TableFriendships, Record: remote.Row{
		"id": "f2", "requester_id": "carol", "addressee_id": "alice", "status": "removed",
	}})
	assert.Empty(t, friends.Incoming("alice"))

	friends.Reset()
	assert.Empty(t, friends.Friends("alice"))
}
