package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/social-scheduler/internal/model"
	"github.com/capitalize-ai/social-scheduler/internal/policy"
	"github.com/capitalize-ai/social-scheduler/internal/store"
	"github.com/capitalize-ai/social-scheduler/pkg/metrics"
)

// Partners tried per initiator in one initiation pass.
const maxPartnerAttempts = 3

// ConversationScheduler drives private two-party conversations.
type ConversationScheduler struct {
	*base
}

// NewConversationScheduler creates a conversation scheduler.
func NewConversationScheduler(deps Deps, opts Options) *ConversationScheduler {
	deps.defaults()
	deps.Log = deps.Log.Named("conversations")
	return &ConversationScheduler{base: &base{Deps: deps, opts: opts, claims: newClaimSet()}}
}

// CanInitiate reports whether initiatorID may open a conversation with
// targetID right now, and the first failing reason otherwise.
func (s *ConversationScheduler) CanInitiate(ctx context.Context, targetID, initiatorID string) (bool, string) {
	_, d, err := s.permitted(ctx, initiatorID)
	if err != nil || !d.Allowed {
		if err != nil || d.Err != nil {
			return false, "initiator_status_check_failed"
		}
		return false, fmt.Sprintf("initiator_status_%d_cannot_send_dm", d.Status)
	}

	target, err := s.Store.GetAccount(ctx, targetID)
	if err != nil {
		return false, "target_not_found"
	}
	switch {
	case target.Deleted:
		return false, "target_is_deleted"
	case target.Frozen:
		return false, "target_is_frozen"
	case target.BannedForever():
		return false, "target_banned_forever"
	}

	d = s.Gate.Permitted(ctx, target)
	if !d.Allowed {
		if d.Err != nil {
			return false, "target_status_check_failed"
		}
		return false, fmt.Sprintf("target_status_%d_cannot_receive_dm", d.Status)
	}
	return true, "ok"
}

// Start opens a conversation: it checks both parties, delivers a starter
// message and persists the conversation with that message. Nothing is
// persisted when any step fails.
func (s *ConversationScheduler) Start(ctx context.Context, initiatorID, targetID, commonContext string) (*model.Conversation, error) {
	if initiatorID == "" || targetID == "" || initiatorID == targetID {
		return nil, fmt.Errorf("%w: initiator and target must be two different accounts", ErrInvalidArgument)
	}

	// Held until the conversation row exists, so a concurrent Start for the
	// same pair finds it and stops at ErrAlreadyActive.
	key := pairKey(initiatorID, targetID)
	if err := s.claims.acquire(ctx, key); err != nil {
		return nil, err
	}
	defer s.claims.release(key)

	ctx, span := tracer.Start(ctx, "conversation.start", trace.WithAttributes(
		attribute.String("initiator_id", initiatorID),
		attribute.String("target_id", targetID),
	))
	defer span.End()

	if ok, reason := s.CanInitiate(ctx, targetID, initiatorID); !ok {
		span.SetStatus(codes.Error, reason)
		return nil, &NotPermittedError{Reason: reason}
	}

	initiator, err := s.Store.GetAccount(ctx, initiatorID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, initiatorID)
	}
	if initiator.EngagementStage < s.opts.MinEngagementStage {
		return nil, fmt.Errorf("%w: stage %d < %d", ErrStageTooLow, initiator.EngagementStage, s.opts.MinEngagementStage)
	}
	target, err := s.Store.GetAccount(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, targetID)
	}

	busy, err := s.Store.HasActiveConversationBetween(ctx, initiatorID, targetID)
	if err != nil {
		return nil, fmt.Errorf("check existing conversation: %w", err)
	}
	if busy {
		return nil, ErrAlreadyActive
	}

	text, err := s.Composer.ComposeStarter(ctx, initiator, target, commonContext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrComposeFailed, err)
	}

	deliveryID, err := s.deliver(ctx, initiator, target, text)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	now := s.Clock.Now()
	conv := &model.Conversation{
		ID:                newID(),
		InitiatorID:       initiatorID,
		ResponderID:       targetID,
		Status:            model.StatusActive,
		InitiatorMessages: 1,
		CommonContext:     commonContext,
		StartedAt:         now,
		LastMessageAt:     &now,
	}
	if common := initiator.Persona.CommonInterests(target.Persona); len(common) > 0 {
		conv.Topic = common[0]
	}
	conv.Schedule(now.Add(s.Delay.Initial()))

	first := &model.Message{
		ID:         newID(),
		SenderID:   initiatorID,
		Text:       text,
		DeliveryID: deliveryID,
		CreatedAt:  now,
	}
	if err := s.Store.CreateConversation(ctx, conv, first); err != nil {
		s.Log.Error("starter delivered but conversation not persisted",
			zap.String("initiator_id", initiatorID),
			zap.String("target_id", targetID),
			zap.String("delivery_id", deliveryID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("persist conversation: %w", err)
	}

	metrics.ThreadsStarted.WithLabelValues(string(model.KindConversation)).Inc()
	metrics.MessagesTotal.WithLabelValues(string(model.KindConversation)).Inc()
	s.publish(ctx, model.KindConversation, conv.ID, model.EventConversationStarted, initiatorID, "", conv.MessageCount)

	s.Log.Info("conversation started",
		zap.String("conversation_id", conv.ID),
		zap.String("initiator_id", initiatorID),
		zap.String("responder_id", targetID),
		zap.String("first_reply", humanize.Time(*conv.NextActionAfter)),
	)
	return conv, nil
}

// deliver resolves, links and sends a private message from sender to recipient.
func (s *ConversationScheduler) deliver(ctx context.Context, sender, recipient *model.Account, text string) (string, error) {
	addr, err := s.Transport.ResolveAddress(ctx, recipient)
	if err != nil {
		return "", fmt.Errorf("%w: resolve address: %v", ErrTransport, err)
	}
	contact, err := s.Transport.LinkContact(ctx, sender, addr, recipient.Persona.FirstName(""))
	if err != nil {
		return "", fmt.Errorf("%w: link contact: %v", ErrTransport, err)
	}
	deliveryID, err := s.Transport.SendDirect(ctx, sender, contact, text)
	if err != nil {
		return "", fmt.Errorf("%w: send: %v", ErrTransport, err)
	}
	return deliveryID, nil
}

// Tick advances every due conversation by at most one action.
func (s *ConversationScheduler) Tick(ctx context.Context) (TickResult, error) {
	start := time.Now()
	due, err := s.Store.ListDueConversations(ctx, s.Clock.Now())
	if err != nil {
		return TickResult{}, fmt.Errorf("list due conversations: %w", err)
	}

	t := &tally{}
	forEach(ctx, s.opts.Workers, due, func(ctx context.Context, c model.Conversation) {
		outcome := s.process(ctx, c.ID)
		metrics.RecordAction(string(model.KindConversation), outcome)
		t.add(outcome)
	})
	t.res.Due = len(due)

	metrics.RecordTick(string(model.KindConversation), time.Since(start).Seconds())
	if len(due) > 0 {
		s.Log.Info("conversation tick",
			zap.Int("due", t.res.Due),
			zap.Int("sent", t.res.Sent),
			zap.Int("ended", t.res.Terminated),
			zap.Int("rescheduled", t.res.Rescheduled),
			zap.Int("failed", t.res.Failed),
		)
	}
	return t.res, nil
}

func (s *ConversationScheduler) process(ctx context.Context, id string) string {
	if !s.claims.tryAcquire(id) {
		return outcomeSkipped
	}
	defer s.claims.release(id)

	ctx, span := tracer.Start(ctx, "conversation.tick", trace.WithAttributes(attribute.String("conversation_id", id)))
	defer span.End()
	log := s.Log.WithThread(string(model.KindConversation), id)

	c, err := s.Store.GetConversation(ctx, id)
	if err != nil {
		log.Error("load conversation", zap.Error(err))
		return outcomeFailed
	}
	now := s.Clock.Now()
	if !c.Due(now) {
		return outcomeSkipped
	}

	lastSender := ""
	last, err := s.Store.LastConversationMessage(ctx, id)
	switch {
	case err == nil:
		lastSender = last.SenderID
	case !errors.Is(err, store.ErrNotFound):
		log.Error("load last message", zap.Error(err))
		return outcomeFailed
	}
	responderID, peerID := c.ResponderAfter(lastSender)

	responder, d, err := s.permitted(ctx, responderID)
	if err != nil {
		log.Error("load responder", zap.Error(err))
		return outcomeFailed
	}
	if !d.Allowed {
		return s.end(ctx, c, "responder_"+d.Reason(), nil)
	}
	peer, d, err := s.permitted(ctx, peerID)
	if err != nil {
		log.Error("load peer", zap.Error(err))
		return outcomeFailed
	}
	if !d.Allowed {
		return s.end(ctx, c, "peer_"+d.Reason(), nil)
	}

	if done, reason := s.Termination.ShouldEnd(c, now); done {
		return s.end(ctx, c, reason, s.closing(ctx, c, responder, peer))
	}

	history, err := s.Store.ListConversationMessages(ctx, id, s.opts.HistoryWindow)
	if err != nil {
		log.Error("load history", zap.Error(err))
		return outcomeFailed
	}

	topic := c.Topic
	if topic == "" {
		topic = c.CommonContext
	}
	text, err := s.Composer.ComposeReply(ctx, responder, peer, history, topic)
	if err != nil {
		log.Warn("compose reply failed", zap.Error(err))
		return s.reschedule(ctx, c, now.Add(s.opts.ComposeBackoff))
	}

	deliveryID, err := s.deliver(ctx, responder, peer, text)
	if err != nil {
		span.RecordError(err)
		log.Warn("deliver reply failed", zap.Error(err))
		return s.reschedule(ctx, c, now.Add(s.opts.TransportBackoff))
	}

	sentAt := s.Clock.Now()
	msg := &model.Message{
		ID:         newID(),
		SenderID:   responderID,
		Text:       text,
		DeliveryID: deliveryID,
		CreatedAt:  sentAt,
	}
	c.CountMessageFrom(responderID, sentAt)
	c.Schedule(sentAt.Add(s.Delay.Next(c.MessageCount + 1)))
	if err := s.Store.RecordConversationMessage(ctx, c, msg); err != nil {
		log.Error("reply delivered but not recorded", zap.String("delivery_id", deliveryID), zap.Error(err))
		return outcomeFailed
	}

	metrics.MessagesTotal.WithLabelValues(string(model.KindConversation)).Inc()
	s.publish(ctx, model.KindConversation, id, model.EventConversationMessage, responderID, "", c.MessageCount)
	log.Debug("reply sent",
		zap.String("sender_id", responderID),
		zap.Int("message_count", c.MessageCount),
		zap.String("next", humanize.Time(*c.NextActionAfter)),
	)
	return outcomeSent
}

// closing sends a best-effort goodbye from responder and returns the
// message to record, or nil if nothing was delivered.
func (s *ConversationScheduler) closing(ctx context.Context, c *model.Conversation, responder, peer *model.Account) *model.Message {
	log := s.Log.WithThread(string(model.KindConversation), c.ID)

	for _, acct := range []*model.Account{responder, peer} {
		if d := s.Gate.Permitted(ctx, acct); !d.Allowed {
			log.Info("closing skipped", zap.String("account_id", acct.ID), zap.String("reason", d.Reason()))
			return nil
		}
	}
	history, err := s.Store.ListConversationMessages(ctx, c.ID, 5)
	if err != nil {
		log.Warn("closing history unavailable", zap.Error(err))
	}
	text, err := s.Composer.ComposeClosing(ctx, responder, history)
	if err != nil || strings.TrimSpace(text) == "" {
		log.Info("closing not composed", zap.Error(err))
		return nil
	}
	deliveryID, err := s.deliver(ctx, responder, peer, text)
	if err != nil {
		log.Info("closing not delivered", zap.Error(err))
		return nil
	}
	return &model.Message{
		ID:         newID(),
		SenderID:   responder.ID,
		Text:       text,
		DeliveryID: deliveryID,
		CreatedAt:  s.Clock.Now(),
	}
}

// end moves c to ended. A delivered closing message is recorded in the
// same write.
func (s *ConversationScheduler) end(ctx context.Context, c *model.Conversation, reason string, closing *model.Message) string {
	log := s.Log.WithThread(string(model.KindConversation), c.ID)

	if err := c.End(reason, s.Clock.Now()); err != nil {
		log.Warn("end conversation", zap.Error(err))
		return outcomeSkipped
	}
	var err error
	if closing != nil {
		c.CountMessageFrom(closing.SenderID, closing.CreatedAt)
		err = s.Store.RecordConversationMessage(ctx, c, closing)
	} else {
		err = s.Store.UpdateConversation(ctx, c)
	}
	if err != nil {
		log.Error("persist ended conversation", zap.String("reason", reason), zap.Error(err))
		return outcomeFailed
	}

	metrics.RecordTermination(string(model.KindConversation), reason)
	s.publish(ctx, model.KindConversation, c.ID, model.EventConversationEnded, "", reason, c.MessageCount)
	log.Info("conversation ended", zap.String("reason", reason), zap.Int("message_count", c.MessageCount))
	return outcomeTerminated
}

func (s *ConversationScheduler) reschedule(ctx context.Context, c *model.Conversation, at time.Time) string {
	c.Schedule(at)
	if err := s.Store.UpdateConversation(ctx, c); err != nil {
		s.Log.Error("reschedule conversation", zap.String("conversation_id", c.ID), zap.Error(err))
		return outcomeFailed
	}
	return outcomeRescheduled
}

// End cancels a conversation from outside the tick loop.
func (s *ConversationScheduler) End(ctx context.Context, id, reason string) (*model.Conversation, error) {
	if reason == "" {
		reason = "cancelled"
	}
	if err := s.claims.acquire(ctx, id); err != nil {
		return nil, err
	}
	defer s.claims.release(id)

	c, err := s.Store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.End(reason, s.Clock.Now()); err != nil {
		return nil, err
	}
	if err := s.Store.UpdateConversation(ctx, c); err != nil {
		return nil, fmt.Errorf("persist ended conversation: %w", err)
	}
	metrics.RecordTermination(string(model.KindConversation), reason)
	s.publish(ctx, model.KindConversation, c.ID, model.EventConversationEnded, "", reason, c.MessageCount)
	return c, nil
}

// Initiate starts new conversations among eligible accounts, within the
// global, per-account and per-pass limits. It returns how many started.
func (s *ConversationScheduler) Initiate(ctx context.Context) (int, error) {
	active, err := s.Store.CountActiveConversations(ctx)
	if err != nil {
		return 0, fmt.Errorf("count active conversations: %w", err)
	}
	metrics.ActiveThreads.WithLabelValues(string(model.KindConversation)).Set(float64(active))
	if active >= s.opts.MaxActiveConversations {
		s.Log.Debug("conversation ceiling reached", zap.Int("active", active))
		return 0, nil
	}

	accounts, err := s.Store.ListAccounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list accounts: %w", err)
	}
	var pool []model.Account
	for i := range accounts {
		if s.eligible(&accounts[i]) {
			pool = append(pool, accounts[i])
		}
	}
	policy.Shuffle(s.Random, len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })

	started := 0
	for i := range pool {
		if started >= s.opts.MaxNewPerCycle || active+started >= s.opts.MaxActiveConversations {
			break
		}
		initiator := &pool[i]
		if !s.underAccountCeiling(ctx, initiator.ID) {
			continue
		}

		attempts := 0
		for j := range pool {
			target := &pool[j]
			if target.ID == initiator.ID || attempts >= maxPartnerAttempts {
				continue
			}
			if !s.underAccountCeiling(ctx, target.ID) {
				continue
			}
			if busy, err := s.Store.HasActiveConversationBetween(ctx, initiator.ID, target.ID); err != nil || busy {
				continue
			}

			attempts++
			_, err := s.Start(ctx, initiator.ID, target.ID, "")
			if err == nil {
				started++
				break
			}
			s.Log.Debug("initiation attempt failed",
				zap.String("initiator_id", initiator.ID),
				zap.String("target_id", target.ID),
				zap.Error(err),
			)
			if !errors.Is(err, ErrNotPermitted) || strings.HasPrefix(Reason(err), "initiator_") {
				break
			}
		}
	}

	if started > 0 {
		s.Log.Info("conversations initiated", zap.Int("started", started), zap.Int("active", active+started))
	}
	return started, nil
}

func (s *ConversationScheduler) underAccountCeiling(ctx context.Context, accountID string) bool {
	n, err := s.Store.CountActiveConversationsFor(ctx, accountID)
	return err == nil && n < s.opts.MaxConversationsPerAccount
}
