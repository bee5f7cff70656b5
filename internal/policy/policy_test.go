package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/social-scheduler/internal/model"
)

// forbiddenSource fails the test if any draw is taken.
type forbiddenSource struct{ t *testing.T }

func (s forbiddenSource) Float64() float64 {
	s.t.Helper()
	s.t.Fatal("unexpected random draw")
	return 0
}

func members(counts map[string]int, order ...string) []model.Member {
	out := make([]model.Member, 0, len(order))
	for _, id := range order {
		out = append(out, model.Member{AccountID: id, MessageCount: counts[id]})
	}
	return out
}

func TestSpeakerSelectExcludesLastSender(t *testing.T) {
	ms := members(map[string]int{"a": 0, "b": 1, "c": 3}, "a", "b", "c")

	// b and c remain with weights 1/2 and 1/4, normalized to 2/3 and 1/3.
	sel := NewSpeakerSelector(NewScripted(0.5))
	got, ok := sel.Select(ms, "a")
	require.True(t, ok)
	assert.Equal(t, "b", got.AccountID)

	sel = NewSpeakerSelector(NewScripted(0.7))
	got, _ = sel.Select(ms, "a")
	assert.Equal(t, "c", got.AccountID)
}

func TestSpeakerSelectSingleMemberMayRepeat(t *testing.T) {
	ms := members(map[string]int{"a": 7}, "a")
	got, ok := NewSpeakerSelector(NewScripted(0.99)).Select(ms, "a")
	require.True(t, ok)
	assert.Equal(t, "a", got.AccountID)
}

func TestSpeakerSelectEmpty(t *testing.T) {
	_, ok := NewSpeakerSelector(NewScripted(0.1)).Select(nil, "")
	assert.False(t, ok)
}

func TestSpeakerSelectTieBreakByOrder(t *testing.T) {
	ms := members(map[string]int{}, "x", "y")
	// Equal weights: a draw exactly on the boundary goes to the earlier member.
	got, _ := NewSpeakerSelector(NewScripted(0.5)).Select(ms, "")
	assert.Equal(t, "x", got.AccountID)
}

func TestWeightsFavorQuietMembers(t *testing.T) {
	ms := members(map[string]int{"quiet": 0, "mid": 1, "loud": 3}, "quiet", "mid", "loud")
	w := Weights(ms)
	require.Len(t, w, 3)

	var sum float64
	for _, v := range w {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.Greater(t, w[0], w[1])
	assert.Greater(t, w[1], w[2])
	assert.InDelta(t, 4.0/7.0, w[0], 1e-9)
}

func TestSpeakerFairnessOverManyDraws(t *testing.T) {
	ms := members(map[string]int{"quiet": 0, "loud": 5, "other": 5}, "quiet", "loud", "other")
	sel := NewSpeakerSelector(NewSource(42))

	picks := map[string]int{}
	for i := 0; i < 10000; i++ {
		m, _ := sel.Select(ms, "")
		picks[m.AccountID]++
	}
	assert.Greater(t, picks["quiet"], picks["loud"])
	assert.Greater(t, picks["quiet"], picks["other"])
}

func TestDelayNextEscalates(t *testing.T) {
	cfg := DefaultDelayConfig()

	tests := []struct {
		name  string
		count int
		want  time.Duration
	}{
		{"short thread", 5, 315 * time.Second},
		{"past first threshold", 11, 472500 * time.Millisecond},
		{"past both thresholds", 21, 708750 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// 0.5 -> midpoint of [30s, 600s]; 0.9 -> not busy.
			p := NewDelayPolicy(cfg, NewScripted(0.5, 0.9))
			assert.Equal(t, tt.want, p.Next(tt.count))
		})
	}
}

func TestDelayNextBusyPause(t *testing.T) {
	p := NewDelayPolicy(DefaultDelayConfig(), NewScripted(0.5, 0.05, 0.5))
	// 315s base + 20m busy pause.
	assert.Equal(t, 315*time.Second+20*time.Minute, p.Next(3))
}

func TestDelayWindows(t *testing.T) {
	cfg := DefaultDelayConfig()

	p := NewDelayPolicy(cfg, NewScripted(0))
	assert.Equal(t, cfg.Min, p.Initial())
	assert.Equal(t, cfg.GroupInitialMin, p.GroupInitial())
	assert.Equal(t, cfg.GroupMin, p.GroupNext())

	p = NewDelayPolicy(cfg, NewScripted(0.999999))
	assert.LessOrEqual(t, p.GroupNext(), cfg.GroupMax)
	assert.GreaterOrEqual(t, p.GroupNext(), cfg.GroupMin)
}

func TestShouldEndHardCapsIgnoreRandomness(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := NewTerminationPolicy(DefaultConversationLimits(), DefaultGroupLimits(), forbiddenSource{t})

	end, reason := p.ShouldEnd(&model.Conversation{MessageCount: 30, StartedAt: now}, now)
	assert.True(t, end)
	assert.Equal(t, ReasonMessageLimit, reason)

	end, reason = p.ShouldEnd(&model.Conversation{MessageCount: 2, StartedAt: now.Add(-49 * time.Hour)}, now)
	assert.True(t, end)
	assert.Equal(t, ReasonAgeLimit, reason)

	// Below the hazard threshold no draw is taken either.
	end, _ = p.ShouldEnd(&model.Conversation{MessageCount: 15, StartedAt: now}, now)
	assert.False(t, end)
}

func TestShouldEndHazard(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := &model.Conversation{MessageCount: 16, StartedAt: now.Add(-time.Hour)}

	p := NewTerminationPolicy(DefaultConversationLimits(), DefaultGroupLimits(), NewScripted(0.1))
	end, reason := p.ShouldEnd(c, now)
	assert.True(t, end)
	assert.Equal(t, ReasonNatural, reason)

	p = NewTerminationPolicy(DefaultConversationLimits(), DefaultGroupLimits(), NewScripted(0.5))
	end, _ = p.ShouldEnd(c, now)
	assert.False(t, end)
}

func TestShouldArchive(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := NewTerminationPolicy(DefaultConversationLimits(), DefaultGroupLimits(), forbiddenSource{t})
	longAgo := now.Add(-25 * time.Hour)
	recently := now.Add(-time.Hour)

	tests := []struct {
		name   string
		group  model.Group
		want   bool
		reason string
	}{
		{"healthy", model.Group{MessageCount: 199, MemberCount: 3, CreatedAt: recently}, false, ""},
		{"message cap", model.Group{MessageCount: 200, MemberCount: 3, CreatedAt: recently}, true, ReasonMessageLimit},
		{"too old", model.Group{MemberCount: 5, CreatedAt: now.Add(-15 * 24 * time.Hour)}, true, ReasonAgeLimit},
		{"under minimum past grace", model.Group{MemberCount: 2, CreatedAt: longAgo, UnderMinimumSince: &longAgo}, true, ReasonUnderMembership},
		{"under minimum within grace", model.Group{MemberCount: 2, CreatedAt: longAgo, UnderMinimumSince: &recently}, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := p.ShouldArchive(&tt.group, now)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.reason, reason)
		})
	}
}
