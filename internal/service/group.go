package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/social-scheduler/internal/model"
	"github.com/capitalize-ai/social-scheduler/internal/policy"
	"github.com/capitalize-ai/social-scheduler/internal/store"
	"github.com/capitalize-ai/social-scheduler/pkg/metrics"
)

// Accounts considered per group initiation pass.
const lonelyLimit = 10

// GroupScheduler drives multi-party groups.
type GroupScheduler struct {
	*base

	// createMu spans the ceiling check and the insert.
	createMu sync.Mutex
}

// NewGroupScheduler creates a group scheduler.
func NewGroupScheduler(deps Deps, opts Options) *GroupScheduler {
	deps.defaults()
	deps.Log = deps.Log.Named("groups")
	return &GroupScheduler{base: &base{Deps: deps, opts: opts, claims: newClaimSet()}}
}

// CreateGroup creates a group on the platform, stores it with the creator
// as admin and admits the initial members that pass their checks.
func (s *GroupScheduler) CreateGroup(ctx context.Context, creatorID string, typ model.GroupType, topic string, initialMembers []string) (*model.Group, error) {
	if typ == "" {
		typ = model.GroupFriends
	}
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: unknown group type %q", ErrInvalidArgument, typ)
	}

	creator, err := s.Store.GetAccount(ctx, creatorID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, creatorID)
	}
	if creator.EngagementStage < s.opts.MinEngagementStage {
		return nil, fmt.Errorf("%w: stage %d < %d", ErrStageTooLow, creator.EngagementStage, s.opts.MinEngagementStage)
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	active, err := s.Store.CountActiveGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("count active groups: %w", err)
	}
	if active >= s.opts.MaxActiveGroups {
		return nil, ErrGroupCeiling
	}

	ctx, span := tracer.Start(ctx, "group.create", trace.WithAttributes(attribute.String("creator_id", creatorID)))
	defer span.End()

	if d := s.Gate.Permitted(ctx, creator); !d.Allowed {
		return nil, &NotPermittedError{Reason: "creator_" + d.Reason()}
	}

	if topic == "" {
		topic = pickTopic(s.Random, typ)
	}
	title := groupTitle(s.Random, topic, typ)

	handle, err := s.Transport.CreateGroup(ctx, creator, title)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: create group: %v", ErrTransport, err)
	}

	now := s.Clock.Now()
	g := &model.Group{
		ID:          newID(),
		CreatorID:   creatorID,
		Type:        typ,
		Topic:       topic,
		Title:       title,
		Description: groupDescription(topic, typ),
		GroupRef:    handle.GroupRef,
		InviteRef:   handle.InviteRef,
		Status:      model.StatusActive,
		CreatedAt:   now,
	}
	if err := s.Store.CreateGroup(ctx, g); err != nil {
		s.Log.Error("group created on platform but not persisted",
			zap.String("group_ref", handle.GroupRef),
			zap.Error(err),
		)
		return nil, fmt.Errorf("persist group: %w", err)
	}

	count, err := s.Store.AddMember(ctx, &model.Member{
		GroupID:   g.ID,
		AccountID: creatorID,
		Role:      model.RoleAdmin,
		JoinedAt:  now,
	})
	if err != nil {
		s.abandon(ctx, g)
		return nil, fmt.Errorf("add creator: %w", err)
	}
	g.MemberCount = count

	s.admit(ctx, g, initialMembers)

	g.TrackMinimum(s.opts.MinMembers, s.Clock.Now())
	g.Schedule(now.Add(s.Delay.GroupInitial()))
	if err := s.Store.UpdateGroup(ctx, g); err != nil {
		s.abandon(ctx, g)
		return nil, fmt.Errorf("schedule group: %w", err)
	}

	metrics.ThreadsStarted.WithLabelValues(string(model.KindGroup)).Inc()
	s.publish(ctx, model.KindGroup, g.ID, model.EventGroupCreated, creatorID, "", g.MemberCount)
	s.Log.Info("group created",
		zap.String("group_id", g.ID),
		zap.String("type", string(typ)),
		zap.String("title", title),
		zap.Int("member_count", g.MemberCount),
	)
	return g, nil
}

// abandon archives a group whose creation failed after it was stored, so
// it does not hold a slot under the active ceiling.
func (s *GroupScheduler) abandon(ctx context.Context, g *model.Group) {
	if err := g.Archive(policy.ReasonCreationFailed, s.Clock.Now()); err != nil {
		s.Log.Warn("abandon group", zap.String("group_id", g.ID), zap.Error(err))
		return
	}
	if err := s.Store.UpdateGroup(ctx, g); err != nil {
		s.Log.Error("abandoned group left active", zap.String("group_id", g.ID), zap.Error(err))
	}
}

// AddMembers admits accountIDs to an active group up to its capacity and
// returns how many joined.
func (s *GroupScheduler) AddMembers(ctx context.Context, groupID string, accountIDs []string) (int, error) {
	if err := s.claims.acquire(ctx, groupID); err != nil {
		return 0, err
	}
	defer s.claims.release(groupID)

	g, err := s.Store.GetGroup(ctx, groupID)
	if err != nil {
		return 0, err
	}
	if !g.Active() {
		return 0, ErrGroupNotActive
	}
	if g.MemberCount >= s.opts.MaxMembers {
		return 0, ErrGroupFull
	}

	added := s.admit(ctx, g, accountIDs)
	g.TrackMinimum(s.opts.MinMembers, s.Clock.Now())
	if err := s.Store.UpdateGroup(ctx, g); err != nil {
		return added, fmt.Errorf("update group: %w", err)
	}
	return added, nil
}

// admit joins each candidate that is not yet a member, is not locally
// flagged and passes the live check. Failures skip the candidate.
func (s *GroupScheduler) admit(ctx context.Context, g *model.Group, candidates []string) int {
	log := s.Log.WithThread(string(model.KindGroup), g.ID)

	current, err := s.Store.ListMembers(ctx, g.ID)
	if err != nil {
		log.Error("list members", zap.Error(err))
		return 0
	}
	seen := make(map[string]struct{}, len(current)+len(candidates))
	for _, m := range current {
		seen[m.AccountID] = struct{}{}
	}

	added := 0
	for _, id := range candidates {
		if g.MemberCount >= s.opts.MaxMembers {
			break
		}
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}

		acct, err := s.Store.GetAccount(ctx, id)
		if err != nil {
			log.Info("member skipped", zap.String("account_id", id), zap.Error(err))
			continue
		}
		if acct.Deleted || acct.Frozen || acct.BannedForever() {
			log.Info("member skipped", zap.String("account_id", id), zap.String("reason", "local_flags"))
			continue
		}
		if d := s.Gate.Permitted(ctx, acct); !d.Allowed {
			log.Info("member skipped", zap.String("account_id", id), zap.String("reason", d.Reason()))
			continue
		}
		if err := s.Transport.JoinGroup(ctx, acct, g.InviteRef); err != nil {
			log.Warn("join failed", zap.String("account_id", id), zap.Error(err))
			continue
		}

		count, err := s.Store.AddMember(ctx, &model.Member{
			GroupID:   g.ID,
			AccountID: id,
			Role:      model.RoleMember,
			JoinedAt:  s.Clock.Now(),
		})
		if err != nil {
			log.Error("joined on platform but membership not stored", zap.String("account_id", id), zap.Error(err))
			continue
		}
		g.MemberCount = count
		added++
		s.publish(ctx, model.KindGroup, g.ID, model.EventGroupMemberJoined, id, "", count)
	}
	return added
}

// Tick advances every due group by at most one action.
func (s *GroupScheduler) Tick(ctx context.Context) (TickResult, error) {
	start := time.Now()
	due, err := s.Store.ListDueGroups(ctx, s.Clock.Now())
	if err != nil {
		return TickResult{}, fmt.Errorf("list due groups: %w", err)
	}

	t := &tally{}
	forEach(ctx, s.opts.Workers, due, func(ctx context.Context, g model.Group) {
		outcome := s.process(ctx, g.ID)
		metrics.RecordAction(string(model.KindGroup), outcome)
		t.add(outcome)
	})
	t.res.Due = len(due)

	metrics.RecordTick(string(model.KindGroup), time.Since(start).Seconds())
	if len(due) > 0 {
		s.Log.Info("group tick",
			zap.Int("due", t.res.Due),
			zap.Int("sent", t.res.Sent),
			zap.Int("archived", t.res.Terminated),
			zap.Int("rescheduled", t.res.Rescheduled),
			zap.Int("failed", t.res.Failed),
		)
	}
	return t.res, nil
}

func (s *GroupScheduler) process(ctx context.Context, id string) string {
	if !s.claims.tryAcquire(id) {
		return outcomeSkipped
	}
	defer s.claims.release(id)

	ctx, span := tracer.Start(ctx, "group.tick", trace.WithAttributes(attribute.String("group_id", id)))
	defer span.End()
	log := s.Log.WithThread(string(model.KindGroup), id)

	g, err := s.Store.GetGroup(ctx, id)
	if err != nil {
		log.Error("load group", zap.Error(err))
		return outcomeFailed
	}
	now := s.Clock.Now()
	if !g.Due(now) {
		return outcomeSkipped
	}

	if done, reason := s.Termination.ShouldArchive(g, now); done {
		return s.archive(ctx, g, reason)
	}

	members, err := s.Store.ListMembers(ctx, id)
	if err != nil {
		log.Error("load members", zap.Error(err))
		return outcomeFailed
	}
	if len(members) < 2 {
		return s.reschedule(ctx, g, now.Add(s.opts.SparseBackoff))
	}

	lastSender := ""
	last, err := s.Store.LastGroupMessage(ctx, id)
	switch {
	case err == nil:
		lastSender = last.SenderID
	case !errors.Is(err, store.ErrNotFound):
		log.Error("load last message", zap.Error(err))
		return outcomeFailed
	}

	speaker, ok, err := s.pickSpeaker(ctx, members, lastSender)
	if err != nil {
		log.Error("select speaker", zap.Error(err))
		return outcomeFailed
	}
	if !ok {
		log.Info("no permitted speaker")
		return s.reschedule(ctx, g, now.Add(s.opts.ComposeBackoff))
	}

	others := make([]model.Account, 0, len(members)-1)
	for _, m := range members {
		if m.AccountID == speaker.ID {
			continue
		}
		acct, err := s.Store.GetAccount(ctx, m.AccountID)
		if err != nil {
			log.Warn("load member account", zap.String("account_id", m.AccountID), zap.Error(err))
			continue
		}
		others = append(others, *acct)
	}

	history, err := s.Store.ListGroupMessages(ctx, id, s.opts.HistoryWindow)
	if err != nil {
		log.Error("load history", zap.Error(err))
		return outcomeFailed
	}

	text, err := s.Composer.ComposeGroupMessage(ctx, speaker, others, g, history)
	if err != nil {
		log.Warn("compose group message failed", zap.Error(err))
		return s.reschedule(ctx, g, now.Add(s.opts.GroupFailureBackoff))
	}
	deliveryID, err := s.Transport.SendToGroup(ctx, speaker, g.GroupRef, text)
	if err != nil {
		span.RecordError(err)
		log.Warn("send to group failed", zap.Error(err))
		return s.reschedule(ctx, g, now.Add(s.opts.GroupFailureBackoff))
	}

	sentAt := s.Clock.Now()
	msg := &model.Message{
		ID:         newID(),
		SenderID:   speaker.ID,
		Text:       text,
		DeliveryID: deliveryID,
		CreatedAt:  sentAt,
	}
	g.Schedule(sentAt.Add(s.Delay.GroupNext()))
	if err := s.Store.RecordGroupMessage(ctx, g, msg); err != nil {
		log.Error("group message delivered but not recorded", zap.String("delivery_id", deliveryID), zap.Error(err))
		return outcomeFailed
	}

	metrics.MessagesTotal.WithLabelValues(string(model.KindGroup)).Inc()
	s.publish(ctx, model.KindGroup, id, model.EventGroupMessage, speaker.ID, "", g.MessageCount)
	log.Debug("group message sent", zap.String("sender_id", speaker.ID), zap.Int("message_count", g.MessageCount))
	return outcomeSent
}

// pickSpeaker draws a speaker and re-validates it, dropping denied members
// and drawing again until one is permitted or none remain. The previous
// sender never speaks twice in a row while others are in the group.
func (s *GroupScheduler) pickSpeaker(ctx context.Context, members []model.Member, lastSender string) (*model.Account, bool, error) {
	remaining := append([]model.Member(nil), members...)
	for len(remaining) > 0 {
		if len(members) > 1 && len(remaining) == 1 && remaining[0].AccountID == lastSender {
			return nil, false, nil
		}
		m, ok := s.Speaker.Select(remaining, lastSender)
		if !ok {
			return nil, false, nil
		}
		acct, d, err := s.permitted(ctx, m.AccountID)
		if err != nil {
			return nil, false, err
		}
		if d.Allowed {
			return acct, true, nil
		}
		s.Log.Info("speaker denied", zap.String("account_id", m.AccountID), zap.String("reason", d.Reason()))
		remaining = without(remaining, m.AccountID)
	}
	return nil, false, nil
}

func without(members []model.Member, accountID string) []model.Member {
	out := members[:0]
	for _, m := range members {
		if m.AccountID != accountID {
			out = append(out, m)
		}
	}
	return out
}

func (s *GroupScheduler) archive(ctx context.Context, g *model.Group, reason string) string {
	if err := g.Archive(reason, s.Clock.Now()); err != nil {
		return outcomeSkipped
	}
	if err := s.Store.UpdateGroup(ctx, g); err != nil {
		s.Log.Error("persist archived group", zap.String("group_id", g.ID), zap.Error(err))
		return outcomeFailed
	}
	metrics.RecordTermination(string(model.KindGroup), reason)
	s.publish(ctx, model.KindGroup, g.ID, model.EventGroupArchived, "", reason, g.MessageCount)
	s.Log.Info("group archived",
		zap.String("group_id", g.ID),
		zap.String("reason", reason),
		zap.Int("message_count", g.MessageCount),
	)
	return outcomeTerminated
}

func (s *GroupScheduler) reschedule(ctx context.Context, g *model.Group, at time.Time) string {
	g.Schedule(at)
	if err := s.Store.UpdateGroup(ctx, g); err != nil {
		s.Log.Error("reschedule group", zap.String("group_id", g.ID), zap.Error(err))
		return outcomeFailed
	}
	return outcomeRescheduled
}

// Archive retires a group from outside the tick loop.
func (s *GroupScheduler) Archive(ctx context.Context, id, reason string) (*model.Group, error) {
	if reason == "" {
		reason = "cancelled"
	}
	if err := s.claims.acquire(ctx, id); err != nil {
		return nil, err
	}
	defer s.claims.release(id)

	g, err := s.Store.GetGroup(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := g.Archive(reason, s.Clock.Now()); err != nil {
		return nil, err
	}
	if err := s.Store.UpdateGroup(ctx, g); err != nil {
		return nil, fmt.Errorf("persist archived group: %w", err)
	}
	metrics.RecordTermination(string(model.KindGroup), reason)
	s.publish(ctx, model.KindGroup, g.ID, model.EventGroupArchived, "", reason, g.MessageCount)
	return g, nil
}

// Initiate creates one group for eligible accounts that belong to no active
// group, when the ceiling allows and enough of them exist. It returns the
// number of groups created.
func (s *GroupScheduler) Initiate(ctx context.Context) (int, error) {
	active, err := s.Store.CountActiveGroups(ctx)
	if err != nil {
		return 0, fmt.Errorf("count active groups: %w", err)
	}
	metrics.ActiveThreads.WithLabelValues(string(model.KindGroup)).Set(float64(active))
	if active >= s.opts.MaxActiveGroups {
		s.Log.Debug("group ceiling reached", zap.Int("active", active))
		return 0, nil
	}

	accounts, err := s.Store.ListAccounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list accounts: %w", err)
	}
	var lonely []string
	for i := range accounts {
		if len(lonely) >= lonelyLimit {
			break
		}
		if !s.eligible(&accounts[i]) {
			continue
		}
		n, err := s.Store.CountActiveMemberships(ctx, accounts[i].ID)
		if err != nil || n > 0 {
			continue
		}
		lonely = append(lonely, accounts[i].ID)
	}
	if len(lonely) < s.opts.MinMembers {
		s.Log.Debug("not enough accounts for a new group", zap.Int("available", len(lonely)))
		return 0, nil
	}

	limit := min(len(lonely), s.opts.MaxMembers)
	types := []model.GroupType{model.GroupFriends, model.GroupThematic}
	typ := types[policy.Pick(s.Random, len(types))]

	if _, err := s.CreateGroup(ctx, lonely[0], typ, "", lonely[1:limit]); err != nil {
		s.Log.Warn("group initiation failed", zap.String("creator_id", lonely[0]), zap.Error(err))
		return 0, nil
	}
	return 1, nil
}
