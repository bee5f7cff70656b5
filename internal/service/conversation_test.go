package service

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/social-scheduler/internal/authority"
	"github.com/capitalize-ai/social-scheduler/internal/model"
	"github.com/capitalize-ai/social-scheduler/internal/store"
)

const (
	initialDelay = 315 * time.Second // 30s + 0.5 * (600s - 30s)
	replyDelay   = 315 * time.Second
)

func TestStartPersistsConversationWithFirstMessage(t *testing.T) {
	h := newHarness(t)
	h.account(t, "alice")
	h.account(t, "bob")

	c, err := h.conv.Start(h.ctx, "alice", "bob", "")
	require.NoError(t, err)

	stored := h.conversation(t, c.ID)
	assert.Equal(t, model.StatusActive, stored.Status)
	assert.Equal(t, 1, stored.MessageCount)
	assert.Equal(t, 1, stored.InitiatorMessages)
	assert.Equal(t, "jazz", stored.Topic)
	require.NotNil(t, stored.NextActionAfter)
	assert.Equal(t, t0.Add(initialDelay), *stored.NextActionAfter)

	msgs, err := h.store.ListConversationMessages(h.ctx, c.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "alice", msgs[0].SenderID)
	assert.Equal(t, 1, msgs[0].Seq)
	assert.Equal(t, "dm-1", msgs[0].DeliveryID)

	require.Len(t, h.transport.direct, 1)
	assert.Equal(t, "bob", h.transport.direct[0].to)
}

func TestStartInitiatorNotPermitted(t *testing.T) {
	h := newHarness(t)
	h.account(t, "alice")
	h.account(t, "bob")
	h.auth.set("alice", 1)

	_, err := h.conv.Start(h.ctx, "alice", "bob", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotPermitted)
	assert.Equal(t, "initiator_status_1_cannot_send_dm", Reason(err))

	n, err := h.store.CountActiveConversations(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, h.transport.directCount())
}

func TestCanInitiate(t *testing.T) {
	tests := []struct {
		name   string
		target func(*model.Account)
		setup  func(h *harness)
		skip   bool
		want   string
		ok     bool
	}{
		{name: "permitted", want: "ok", ok: true},
		{name: "initiator check fails", setup: func(h *harness) { h.auth.fail("alice", errors.New("timeout")) }, want: "initiator_status_check_failed"},
		{name: "target missing", skip: true, want: "target_not_found"},
		{name: "target deleted", target: func(a *model.Account) { a.Deleted = true }, want: "target_is_deleted"},
		{name: "target frozen", target: func(a *model.Account) { a.Frozen = true }, want: "target_is_frozen"},
		{name: "target banned forever", target: func(a *model.Account) { a.Banned = true }, want: "target_banned_forever"},
		{name: "target temporarily banned", target: func(a *model.Account) {
			until := t0.Add(time.Hour)
			a.Banned, a.UnbanAt = true, &until
		}, want: "ok", ok: true},
		{name: "target status", setup: func(h *harness) { h.auth.set("bob", 3) }, want: "target_status_3_cannot_receive_dm"},
		{name: "target check fails", setup: func(h *harness) { h.auth.fail("bob", errors.New("unavailable")) }, want: "target_status_check_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.account(t, "alice")
			if !tt.skip {
				if tt.target != nil {
					h.account(t, "bob", tt.target)
				} else {
					h.account(t, "bob")
				}
			}
			if tt.setup != nil {
				tt.setup(h)
			}
			ok, reason := h.conv.CanInitiate(h.ctx, "bob", "alice")
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, reason)
		})
	}
}

func TestStartRejections(t *testing.T) {
	t.Run("same account", func(t *testing.T) {
		h := newHarness(t)
		h.account(t, "alice")
		_, err := h.conv.Start(h.ctx, "alice", "alice", "")
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("stage too low", func(t *testing.T) {
		h := newHarness(t)
		h.account(t, "alice", func(a *model.Account) { a.EngagementStage = 1 })
		h.account(t, "bob")
		_, err := h.conv.Start(h.ctx, "alice", "bob", "")
		assert.ErrorIs(t, err, ErrStageTooLow)
		assert.Zero(t, h.transport.directCount())
	})

	t.Run("pair already active", func(t *testing.T) {
		h := newHarness(t)
		h.account(t, "alice")
		h.account(t, "bob")
		_, err := h.conv.Start(h.ctx, "alice", "bob", "")
		require.NoError(t, err)
		_, err = h.conv.Start(h.ctx, "bob", "alice", "")
		assert.ErrorIs(t, err, ErrAlreadyActive)
	})

	t.Run("compose failure persists nothing", func(t *testing.T) {
		h := newHarness(t)
		h.account(t, "alice")
		h.account(t, "bob")
		h.composer.starterErr = errors.New("llm down")
		_, err := h.conv.Start(h.ctx, "alice", "bob", "")
		assert.ErrorIs(t, err, ErrComposeFailed)
		n, _ := h.store.CountActiveConversations(h.ctx)
		assert.Zero(t, n)
	})

	t.Run("transport failure persists nothing", func(t *testing.T) {
		h := newHarness(t)
		h.account(t, "alice")
		h.account(t, "bob")
		h.transport.sendErr = errors.New("flood wait")
		_, err := h.conv.Start(h.ctx, "alice", "bob", "")
		assert.ErrorIs(t, err, ErrTransport)
		n, _ := h.store.CountActiveConversations(h.ctx)
		assert.Zero(t, n)
	})
}

func TestTickSendsReplyFromOtherParticipant(t *testing.T) {
	h := newHarness(t)
	h.account(t, "alice")
	h.account(t, "bob")
	c, err := h.conv.Start(h.ctx, "alice", "bob", "")
	require.NoError(t, err)

	res, err := h.conv.Tick(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Due, "nothing is due before the first delay elapses")

	h.advanceTo(t, c.NextActionAfter)
	now := h.clock.Now()
	res, err = h.conv.Tick(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, TickResult{Due: 1, Sent: 1}, res)

	stored := h.conversation(t, c.ID)
	assert.Equal(t, 2, stored.MessageCount)
	assert.Equal(t, 1, stored.ResponderMessages)
	assert.Equal(t, now.Add(replyDelay), *stored.NextActionAfter)

	last, err := h.store.LastConversationMessage(h.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "bob", last.SenderID)

	h.advanceTo(t, stored.NextActionAfter)
	_, err = h.conv.Tick(h.ctx)
	require.NoError(t, err)
	last, err = h.store.LastConversationMessage(h.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", last.SenderID)
}

func TestTickEndsWhenResponderNotPermitted(t *testing.T) {
	h := newHarness(t)
	h.account(t, "alice")
	h.account(t, "bob")
	c, err := h.conv.Start(h.ctx, "alice", "bob", "")
	require.NoError(t, err)

	h.auth.set("bob", 2)
	h.advanceTo(t, c.NextActionAfter)
	res, err := h.conv.Tick(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Terminated)

	stored := h.conversation(t, c.ID)
	assert.Equal(t, model.StatusEnded, stored.Status)
	assert.Equal(t, "responder_status_2", stored.EndReason)
	assert.Equal(t, 1, stored.MessageCount)
	assert.Nil(t, stored.NextActionAfter)
	assert.Equal(t, 1, h.transport.directCount())
}

func TestTickFailsClosed(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(h *harness)
		reason string
	}{
		{"responder check error", func(h *harness) { h.auth.fail("bob", authorityTimeout) }, "responder_status_check_failed"},
		{"peer denied", func(h *harness) { h.auth.set("alice", 5) }, "peer_status_5"},
		{"peer check error", func(h *harness) { h.auth.fail("alice", authorityTimeout) }, "peer_status_check_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.account(t, "alice")
			h.account(t, "bob")
			c, err := h.conv.Start(h.ctx, "alice", "bob", "")
			require.NoError(t, err)

			tt.setup(h)
			h.advanceTo(t, c.NextActionAfter)
			_, err = h.conv.Tick(h.ctx)
			require.NoError(t, err)

			stored := h.conversation(t, c.ID)
			assert.Equal(t, model.StatusEnded, stored.Status)
			assert.Equal(t, tt.reason, stored.EndReason)
			assert.Equal(t, 1, h.transport.directCount())
		})
	}
}

var authorityTimeout = &authority.TransientError{Op: "status", Err: errors.New("timeout")}

func TestTickReschedulesOnFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(h *harness)
		backoff time.Duration
	}{
		{"compose failure", func(h *harness) { h.composer.replyErr = errors.New("empty") }, 5 * time.Minute},
		{"transport failure", func(h *harness) { h.transport.sendErr = errors.New("peer flood") }, 10 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.account(t, "alice")
			h.account(t, "bob")
			c, err := h.conv.Start(h.ctx, "alice", "bob", "")
			require.NoError(t, err)

			tt.setup(h)
			h.advanceTo(t, c.NextActionAfter)
			now := h.clock.Now()
			res, err := h.conv.Tick(h.ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, res.Rescheduled)

			stored := h.conversation(t, c.ID)
			assert.Equal(t, model.StatusActive, stored.Status)
			assert.Equal(t, 1, stored.MessageCount)
			assert.Equal(t, now.Add(tt.backoff), *stored.NextActionAfter)
		})
	}
}

func TestTickEndsAtMessageLimitWithClosing(t *testing.T) {
	cfg := defaultHarnessConfig()
	cfg.conv.MaxMessages = 2
	h := newHarnessWith(t, cfg)
	h.account(t, "alice")
	h.account(t, "bob")
	c, err := h.conv.Start(h.ctx, "alice", "bob", "")
	require.NoError(t, err)

	h.advanceTo(t, c.NextActionAfter)
	_, err = h.conv.Tick(h.ctx)
	require.NoError(t, err)

	h.advanceTo(t, h.conversation(t, c.ID).NextActionAfter)
	res, err := h.conv.Tick(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Terminated)

	stored := h.conversation(t, c.ID)
	assert.Equal(t, model.StatusEnded, stored.Status)
	assert.Equal(t, "message_limit", stored.EndReason)
	assert.Equal(t, 3, stored.MessageCount, "the delivered closing is recorded")

	last, err := h.store.LastConversationMessage(h.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", last.SenderID)
	assert.Equal(t, "gotta run, talk later", last.Text)
}

func TestTickEndsWithoutClosingWhenUndeliverable(t *testing.T) {
	cfg := defaultHarnessConfig()
	cfg.conv.MaxMessages = 1
	h := newHarnessWith(t, cfg)
	h.account(t, "alice")
	h.account(t, "bob")
	c, err := h.conv.Start(h.ctx, "alice", "bob", "")
	require.NoError(t, err)

	h.transport.sendErr = errors.New("offline")
	h.advanceTo(t, c.NextActionAfter)
	_, err = h.conv.Tick(h.ctx)
	require.NoError(t, err)

	stored := h.conversation(t, c.ID)
	assert.Equal(t, model.StatusEnded, stored.Status)
	assert.Equal(t, "message_limit", stored.EndReason)
	assert.Equal(t, 1, stored.MessageCount)
}

func TestTickEndsAtAgeLimit(t *testing.T) {
	h := newHarness(t)
	h.account(t, "alice")
	h.account(t, "bob")
	c, err := h.conv.Start(h.ctx, "alice", "bob", "")
	require.NoError(t, err)

	h.clock.Set(t0.Add(49 * time.Hour))
	_, err = h.conv.Tick(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, "age_limit", h.conversation(t, c.ID).EndReason)
}

func TestMessageCountMatchesRowsAcrossTicks(t *testing.T) {
	h := newHarness(t)
	h.account(t, "alice")
	h.account(t, "bob")
	c, err := h.conv.Start(h.ctx, "alice", "bob", "")
	require.NoError(t, err)

	prev := 1
	for i := 0; i < 8; i++ {
		if i == 3 {
			h.composer.replyErr = errors.New("flaky")
		}
		if i == 4 {
			h.composer.replyErr = nil
		}
		h.advanceTo(t, h.conversation(t, c.ID).NextActionAfter)
		_, err := h.conv.Tick(h.ctx)
		require.NoError(t, err)

		stored := h.conversation(t, c.ID)
		msgs, err := h.store.ListConversationMessages(h.ctx, c.ID, 0)
		require.NoError(t, err)
		assert.Equal(t, len(msgs), stored.MessageCount)
		assert.GreaterOrEqual(t, stored.MessageCount, prev)
		prev = stored.MessageCount
	}
	assert.Equal(t, 8, prev, "seven replies after the starter, one tick lost to the composer")
}

func TestConcurrentTicksSendOnce(t *testing.T) {
	h := newHarness(t)
	h.account(t, "alice")
	h.account(t, "bob")
	c, err := h.conv.Start(h.ctx, "alice", "bob", "")
	require.NoError(t, err)
	h.advanceTo(t, c.NextActionAfter)

	block := make(chan struct{})
	entered := make(chan struct{}, 1)
	h.transport.mu.Lock()
	h.transport.block, h.transport.entered = block, entered
	h.transport.mu.Unlock()

	var wg sync.WaitGroup
	var first TickResult
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, _ = h.conv.Tick(h.ctx)
	}()
	<-entered

	second, err := h.conv.Tick(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Skipped)
	assert.Zero(t, second.Sent)

	close(block)
	wg.Wait()
	assert.Equal(t, 1, first.Sent)
	assert.Equal(t, 2, h.transport.directCount())
	assert.Equal(t, 2, h.conversation(t, c.ID).MessageCount)
}

func TestEndCancelsConversation(t *testing.T) {
	h := newHarness(t)
	h.account(t, "alice")
	h.account(t, "bob")
	c, err := h.conv.Start(h.ctx, "alice", "bob", "")
	require.NoError(t, err)

	ended, err := h.conv.End(h.ctx, c.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "cancelled", ended.EndReason)
	assert.Nil(t, h.conversation(t, c.ID).NextActionAfter)

	_, err = h.conv.End(h.ctx, c.ID, "again")
	assert.ErrorIs(t, err, model.ErrAlreadyTerminated)

	h.clock.Set(t0.Add(time.Hour))
	res, err := h.conv.Tick(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Due)
}

func TestInitiateRespectsLimits(t *testing.T) {
	t.Run("per pass", func(t *testing.T) {
		h := newHarness(t)
		for _, id := range []string{"a", "b", "c", "d"} {
			h.account(t, id)
		}
		h.account(t, "newbie", func(a *model.Account) { a.EngagementStage = 1 })

		started, err := h.conv.Initiate(h.ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, started)

		for _, s := range h.transport.direct {
			assert.NotEqual(t, "newbie", s.sender)
			assert.NotEqual(t, "newbie", s.to)
		}
	})

	t.Run("global ceiling", func(t *testing.T) {
		cfg := defaultHarnessConfig()
		cfg.opts.MaxActiveConversations = 1
		h := newHarnessWith(t, cfg)
		for _, id := range []string{"a", "b", "c", "d"} {
			h.account(t, id)
		}
		started, err := h.conv.Initiate(h.ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, started)

		started, err = h.conv.Initiate(h.ctx)
		require.NoError(t, err)
		assert.Zero(t, started)
	})

	t.Run("denied initiators start nothing", func(t *testing.T) {
		h := newHarness(t)
		h.account(t, "a")
		h.account(t, "b")
		h.auth.set("a", 1)
		h.auth.set("b", 1)
		started, err := h.conv.Initiate(h.ctx)
		require.NoError(t, err)
		assert.Zero(t, started)
		assert.Zero(t, h.transport.directCount())
	})
}

func TestConcurrentStartsForSamePair(t *testing.T) {
	h := newHarness(t)
	h.account(t, "alice")
	h.account(t, "bob")

	block := make(chan struct{})
	entered := make(chan struct{}, 2)
	h.transport.mu.Lock()
	h.transport.block, h.transport.entered = block, entered
	h.transport.mu.Unlock()

	errs := make(chan error, 2)
	go func() {
		_, err := h.conv.Start(h.ctx, "alice", "bob", "")
		errs <- err
	}()
	<-entered

	go func() {
		_, err := h.conv.Start(h.ctx, "bob", "alice", "")
		errs <- err
	}()
	select {
	case <-entered:
		t.Fatal("second start reached the transport while the first was sending")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	first, second := <-errs, <-errs
	results := []error{first, second}
	assert.Contains(t, results, nil)
	assert.Contains(t, results, ErrAlreadyActive)

	assert.Equal(t, 1, h.transport.directCount())
	n, err := h.store.CountActiveConversationsFor(h.ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTickStoreFailureIsolatedToConversation(t *testing.T) {
	var fs *failingStore
	cfg := defaultHarnessConfig()
	cfg.store = func(m *store.Memory) store.Store {
		fs = newFailingStore(m)
		return fs
	}
	h := newHarnessWith(t, cfg)
	for _, id := range []string{"alice", "bob", "carol", "dave"} {
		h.account(t, id)
	}
	broken, err := h.conv.Start(h.ctx, "alice", "bob", "")
	require.NoError(t, err)
	healthy, err := h.conv.Start(h.ctx, "carol", "dave", "")
	require.NoError(t, err)
	fs.failThread(broken.ID)

	h.advanceTo(t, broken.NextActionAfter)
	res, err := h.conv.Tick(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, TickResult{Due: 2, Sent: 1, Failed: 1}, res)

	assert.Equal(t, 1, h.conversation(t, broken.ID).MessageCount)
	assert.Equal(t, 2, h.conversation(t, healthy.ID).MessageCount)
}

func TestClosingRequiresBothParties(t *testing.T) {
	h := newHarness(t)
	alice := h.account(t, "alice")
	bob := h.account(t, "bob")
	c, err := h.conv.Start(h.ctx, "alice", "bob", "")
	require.NoError(t, err)

	h.auth.set("alice", 3)
	assert.Nil(t, h.conv.closing(h.ctx, c, bob, alice))
	assert.Equal(t, 1, h.transport.directCount())

	h.auth.set("alice", 0)
	msg := h.conv.closing(h.ctx, c, bob, alice)
	require.NotNil(t, msg)
	assert.Equal(t, "bob", msg.SenderID)
	assert.Equal(t, 2, h.transport.directCount())
}
