// Package service implements the conversation and group schedulers and the
// loop that drives them.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/capitalize-ai/social-scheduler/internal/authority"
	"github.com/capitalize-ai/social-scheduler/internal/clock"
	"github.com/capitalize-ai/social-scheduler/internal/model"
	"github.com/capitalize-ai/social-scheduler/internal/policy"
	"github.com/capitalize-ai/social-scheduler/internal/store"
	"github.com/capitalize-ai/social-scheduler/pkg/logger"
)

var tracer = otel.Tracer("github.com/capitalize-ai/social-scheduler/internal/service")

// Options holds scheduler limits and backoffs.
type Options struct {
	Workers       int
	HistoryWindow int

	MinEngagementStage int

	ComposeBackoff      time.Duration
	TransportBackoff    time.Duration
	GroupFailureBackoff time.Duration
	SparseBackoff       time.Duration

	MaxActiveConversations     int
	MaxConversationsPerAccount int
	MaxNewPerCycle             int

	MaxActiveGroups int
	MinMembers      int
	MaxMembers      int
}

// DefaultOptions returns the production limits.
func DefaultOptions() Options {
	return Options{
		Workers:                    4,
		HistoryWindow:              20,
		MinEngagementStage:         3,
		ComposeBackoff:             5 * time.Minute,
		TransportBackoff:           10 * time.Minute,
		GroupFailureBackoff:        30 * time.Minute,
		SparseBackoff:              2 * time.Hour,
		MaxActiveConversations:     50,
		MaxConversationsPerAccount: 3,
		MaxNewPerCycle:             3,
		MaxActiveGroups:            20,
		MinMembers:                 3,
		MaxMembers:                 10,
	}
}

// Deps are the collaborators shared by both schedulers.
type Deps struct {
	Store       store.Store
	Gate        *authority.Gate
	Composer    Composer
	Transport   Transport
	Events      EventPublisher
	Delay       *policy.DelayPolicy
	Termination *policy.TerminationPolicy
	Speaker     *policy.SpeakerSelector
	Random      policy.Source
	Clock       clock.Clock
	Log         *logger.Logger
}

func (d *Deps) defaults() {
	if d.Events == nil {
		d.Events = NopPublisher{}
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Random == nil {
		d.Random = policy.NewSource(0)
	}
	if d.Log == nil {
		d.Log = logger.NewNop()
	}
}

// TickResult summarizes one tick.
type TickResult struct {
	Due         int `json:"due"`
	Sent        int `json:"sent"`
	Terminated  int `json:"terminated"`
	Rescheduled int `json:"rescheduled"`
	Skipped     int `json:"skipped"`
	Failed      int `json:"failed"`
}

// Per-entity tick outcomes.
const (
	outcomeSent        = "sent"
	outcomeTerminated  = "terminated"
	outcomeRescheduled = "rescheduled"
	outcomeSkipped     = "skipped"
	outcomeFailed      = "failed"
)

type tally struct {
	mu  sync.Mutex
	res TickResult
}

func (t *tally) add(outcome string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch outcome {
	case outcomeSent:
		t.res.Sent++
	case outcomeTerminated:
		t.res.Terminated++
	case outcomeRescheduled:
		t.res.Rescheduled++
	case outcomeSkipped:
		t.res.Skipped++
	default:
		t.res.Failed++
	}
}

// base holds what the two schedulers share.
type base struct {
	Deps
	opts   Options
	claims *claimSet
}

// permitted loads accountID and checks its live status. A missing account
// denies; any other store error is returned.
func (b *base) permitted(ctx context.Context, accountID string) (*model.Account, authority.Decision, error) {
	acct, err := b.Store.GetAccount(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, authority.Denied(err), nil
	}
	if err != nil {
		return nil, authority.Decision{}, err
	}
	return acct, b.Gate.Permitted(ctx, acct), nil
}

// eligible reports whether acct may take part in new threads at all.
func (b *base) eligible(acct *model.Account) bool {
	return acct.EngagementStage >= b.opts.MinEngagementStage &&
		!acct.Deleted && !acct.Frozen && !acct.BannedForever()
}

func (b *base) publish(ctx context.Context, kind model.ThreadKind, threadID string, typ model.EventType, accountID, reason string, count int) {
	ev := &model.ThreadEvent{
		ID:        newID(),
		ThreadID:  threadID,
		Kind:      kind,
		Type:      typ,
		AccountID: accountID,
		Reason:    reason,
		Count:     count,
		CreatedAt: b.Clock.Now(),
	}
	if err := b.Events.Publish(ctx, ev); err != nil {
		b.Log.Warn("event publish failed",
			zap.String("type", string(typ)),
			zap.String("thread_id", threadID),
			zap.Error(err),
		)
	}
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}
