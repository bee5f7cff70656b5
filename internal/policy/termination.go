package policy

import (
	"time"

	"github.com/capitalize-ai/social-scheduler/internal/model"
)

// End and archive reasons.
const (
	ReasonMessageLimit    = "message_limit"
	ReasonAgeLimit        = "age_limit"
	ReasonNatural         = "natural"
	ReasonUnderMembership = "under_membership"
	ReasonCreationFailed  = "creation_failed"
)

// ConversationLimits bounds the life of a two-party thread.
type ConversationLimits struct {
	MaxMessages int
	MaxAge      time.Duration

	// Past HazardAfter messages every tick ends the thread with HazardProbability.
	HazardAfter       int
	HazardProbability float64
}

// GroupLimits bounds the life of a group.
type GroupLimits struct {
	MaxMessages       int
	MaxAge            time.Duration
	UnderMinimumGrace time.Duration
}

// DefaultConversationLimits returns the production conversation limits.
func DefaultConversationLimits() ConversationLimits {
	return ConversationLimits{
		MaxMessages:       30,
		MaxAge:            48 * time.Hour,
		HazardAfter:       15,
		HazardProbability: 0.15,
	}
}

// DefaultGroupLimits returns the production group limits.
func DefaultGroupLimits() GroupLimits {
	return GroupLimits{
		MaxMessages:       200,
		MaxAge:            14 * 24 * time.Hour,
		UnderMinimumGrace: 24 * time.Hour,
	}
}

// TerminationPolicy decides when threads end naturally.
type TerminationPolicy struct {
	conv  ConversationLimits
	group GroupLimits
	src   Source
}

// NewTerminationPolicy creates a termination policy drawing from src.
func NewTerminationPolicy(conv ConversationLimits, group GroupLimits, src Source) *TerminationPolicy {
	return &TerminationPolicy{conv: conv, group: group, src: src}
}

// ShouldEnd reports whether a conversation should end on this tick, and why.
// The hard caps never consume a random draw.
func (p *TerminationPolicy) ShouldEnd(c *model.Conversation, now time.Time) (bool, string) {
	if c.MessageCount >= p.conv.MaxMessages {
		return true, ReasonMessageLimit
	}
	if now.Sub(c.StartedAt) >= p.conv.MaxAge {
		return true, ReasonAgeLimit
	}
	if c.MessageCount > p.conv.HazardAfter && p.src.Float64() < p.conv.HazardProbability {
		return true, ReasonNatural
	}
	return false, ""
}

// ShouldArchive reports whether a group should be archived, and why.
func (p *TerminationPolicy) ShouldArchive(g *model.Group, now time.Time) (bool, string) {
	if g.MessageCount >= p.group.MaxMessages {
		return true, ReasonMessageLimit
	}
	if now.Sub(g.CreatedAt) >= p.group.MaxAge {
		return true, ReasonAgeLimit
	}
	if g.UnderMinimumSince != nil && now.Sub(*g.UnderMinimumSince) > p.group.UnderMinimumGrace {
		return true, ReasonUnderMembership
	}
	return false, ""
}
