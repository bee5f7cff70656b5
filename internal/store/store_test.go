package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/social-scheduler/internal/model"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory())
	})
	t.Run("pebble", func(t *testing.T) {
		s, err := OpenPebble(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func newConversation(id, a, b string, next time.Time) *model.Conversation {
	return &model.Conversation{
		ID:              id,
		InitiatorID:     a,
		ResponderID:     b,
		Status:          model.StatusActive,
		StartedAt:       t0,
		NextActionAfter: &next,
	}
}

func TestAccounts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.GetAccount(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.PutAccount(ctx, &model.Account{ID: "b", EngagementStage: 2}))
		require.NoError(t, s.PutAccount(ctx, &model.Account{ID: "a", Persona: model.Persona{Name: "Ann"}}))

		got, err := s.GetAccount(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "Ann", got.Persona.Name)

		all, err := s.ListAccounts(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "a", all[0].ID)
	})
}

func TestConversationMessagesDeriveCount(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		c := newConversation("c1", "a", "b", t0)
		first := &model.Message{ID: "m1", SenderID: "a", Text: "hi", CreatedAt: t0}
		require.NoError(t, s.CreateConversation(ctx, c, first))
		assert.Equal(t, 1, c.MessageCount)
		assert.Equal(t, 1, first.Seq)

		assert.ErrorIs(t, s.CreateConversation(ctx, c, nil), ErrExists)

		for i := 2; i <= 4; i++ {
			c.MessageCount = 99 // ignored
			msg := &model.Message{ID: fmt.Sprintf("m%d", i), SenderID: "b", Text: "yo", CreatedAt: t0.Add(time.Duration(i) * time.Minute)}
			require.NoError(t, s.RecordConversationMessage(ctx, c, msg))
			assert.Equal(t, i, msg.Seq)
			assert.Equal(t, i, c.MessageCount)
		}

		// Update never changes the derived count.
		c.MessageCount = 0
		c.Topic = "travel"
		require.NoError(t, s.UpdateConversation(ctx, c))
		got, err := s.GetConversation(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, 4, got.MessageCount)
		assert.Equal(t, "travel", got.Topic)

		window, err := s.ListConversationMessages(ctx, "c1", 2)
		require.NoError(t, err)
		require.Len(t, window, 2)
		assert.Equal(t, "m3", window[0].ID)
		assert.Equal(t, "m4", window[1].ID)

		last, err := s.LastConversationMessage(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "m4", last.ID)
		assert.Equal(t, model.KindConversation, last.Kind)
	})
}

func TestDueConversations(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateConversation(ctx, newConversation("late", "a", "b", t0.Add(time.Hour)), nil))
		require.NoError(t, s.CreateConversation(ctx, newConversation("due2", "a", "c", t0.Add(-time.Minute)), nil))
		require.NoError(t, s.CreateConversation(ctx, newConversation("due1", "d", "a", t0.Add(-time.Hour)), nil))

		ended := newConversation("ended", "a", "e", t0.Add(-time.Hour))
		require.NoError(t, s.CreateConversation(ctx, ended, nil))
		require.NoError(t, ended.End("natural", t0))
		require.NoError(t, s.UpdateConversation(ctx, ended))

		due, err := s.ListDueConversations(ctx, t0)
		require.NoError(t, err)
		require.Len(t, due, 2)
		assert.Equal(t, "due1", due[0].ID)
		assert.Equal(t, "due2", due[1].ID)

		n, err := s.CountActiveConversations(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		n, err = s.CountActiveConversationsFor(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		ok, err := s.HasActiveConversationBetween(ctx, "c", "a")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.HasActiveConversationBetween(ctx, "a", "e")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestGroupMembersAndMessages(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		next := t0
		g := &model.Group{ID: "g1", CreatorID: "a", Status: model.StatusActive, CreatedAt: t0, NextActionAfter: &next}
		require.NoError(t, s.CreateGroup(ctx, g))

		for i, id := range []string{"a", "b", "c"} {
			n, err := s.AddMember(ctx, &model.Member{GroupID: "g1", AccountID: id, Role: model.RoleMember, JoinedAt: t0})
			require.NoError(t, err)
			assert.Equal(t, i+1, n)
		}
		_, err := s.AddMember(ctx, &model.Member{GroupID: "g1", AccountID: "b"})
		assert.ErrorIs(t, err, ErrExists)
		_, err = s.AddMember(ctx, &model.Member{GroupID: "nope", AccountID: "b"})
		assert.ErrorIs(t, err, ErrNotFound)

		members, err := s.ListMembers(ctx, "g1")
		require.NoError(t, err)
		require.Len(t, members, 3)
		assert.Equal(t, []string{"a", "b", "c"}, []string{members[0].AccountID, members[1].AccountID, members[2].AccountID})

		// A stale copy written after AddMember keeps the stored count.
		g.Topic = "hiking"
		require.NoError(t, s.UpdateGroup(ctx, g))
		assert.Equal(t, 3, g.MemberCount)

		msg := &model.Message{ID: "gm1", SenderID: "b", Text: "hello all", CreatedAt: t0.Add(time.Minute)}
		require.NoError(t, s.RecordGroupMessage(ctx, g, msg))
		assert.Equal(t, 1, msg.Seq)
		assert.Equal(t, 1, g.MessageCount)

		members, err = s.ListMembers(ctx, "g1")
		require.NoError(t, err)
		assert.Equal(t, 0, members[0].MessageCount)
		assert.Equal(t, 1, members[1].MessageCount)
		require.NotNil(t, members[1].LastMessageAt)

		got, err := s.GetGroup(ctx, "g1")
		require.NoError(t, err)
		assert.Equal(t, 1, got.MessageCount)
		assert.Equal(t, 3, got.MemberCount)
		assert.Equal(t, "hiking", got.Topic)

		last, err := s.LastGroupMessage(ctx, "g1")
		require.NoError(t, err)
		assert.Equal(t, "gm1", last.ID)

		due, err := s.ListDueGroups(ctx, t0)
		require.NoError(t, err)
		assert.Len(t, due, 1)

		n, err := s.CountActiveMemberships(ctx, "c")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		require.NoError(t, got.Archive("age_limit", t0))
		require.NoError(t, s.UpdateGroup(ctx, got))
		n, err = s.CountActiveGroups(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		n, err = s.CountActiveMemberships(ctx, "c")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

func TestConcurrentRecordsKeepCountExact(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateConversation(ctx, newConversation("c1", "a", "b", t0), nil))

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				c, err := s.GetConversation(ctx, "c1")
				if !assert.NoError(t, err) {
					return
				}
				msg := &model.Message{ID: fmt.Sprintf("m%d", i), SenderID: "a", CreatedAt: t0}
				assert.NoError(t, s.RecordConversationMessage(ctx, c, msg))
			}(i)
		}
		wg.Wait()

		msgs, err := s.ListConversationMessages(ctx, "c1", 0)
		require.NoError(t, err)
		got, err := s.GetConversation(ctx, "c1")
		require.NoError(t, err)
		assert.Len(t, msgs, 20)
		assert.Equal(t, 20, got.MessageCount)
	})
}
