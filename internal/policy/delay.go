package policy

import (
	"time"
)

// Escalation multiplies the base delay once a thread has more than
// AfterMessages messages.
type Escalation struct {
	AfterMessages int     `toml:"after_messages"`
	Factor        float64 `toml:"factor"`
}

// DelayConfig configures inter-message delays.
type DelayConfig struct {
	// Conversation reply window.
	Min time.Duration
	Max time.Duration

	Escalations []Escalation

	// With BusyProbability an extra pause in [BusyMin, BusyMax] is added.
	BusyProbability float64
	BusyMin         time.Duration
	BusyMax         time.Duration

	// Group activity windows.
	GroupInitialMin time.Duration
	GroupInitialMax time.Duration
	GroupMin        time.Duration
	GroupMax        time.Duration
}

// DefaultDelayConfig returns the production pacing.
func DefaultDelayConfig() DelayConfig {
	return DelayConfig{
		Min: 30 * time.Second,
		Max: 10 * time.Minute,
		Escalations: []Escalation{
			{AfterMessages: 10, Factor: 1.5},
			{AfterMessages: 20, Factor: 1.5},
		},
		BusyProbability: 0.1,
		BusyMin:         10 * time.Minute,
		BusyMax:         30 * time.Minute,
		GroupInitialMin: 5 * time.Minute,
		GroupInitialMax: 30 * time.Minute,
		GroupMin:        30 * time.Minute,
		GroupMax:        4 * time.Hour,
	}
}

// DelayPolicy computes randomized waits between thread actions.
type DelayPolicy struct {
	cfg DelayConfig
	src Source
}

// NewDelayPolicy creates a delay policy drawing from src.
func NewDelayPolicy(cfg DelayConfig, src Source) *DelayPolicy {
	return &DelayPolicy{cfg: cfg, src: src}
}

// Initial returns the wait before the first reply of a new conversation.
func (p *DelayPolicy) Initial() time.Duration {
	return uniform(p.src, p.cfg.Min, p.cfg.Max)
}

// Next returns the wait after a conversation reached messageCount messages.
// Longer threads pause longer, and now and then someone is busy.
func (p *DelayPolicy) Next(messageCount int) time.Duration {
	d := float64(uniform(p.src, p.cfg.Min, p.cfg.Max))
	for _, e := range p.cfg.Escalations {
		if messageCount > e.AfterMessages {
			d *= e.Factor
		}
	}
	if p.src.Float64() < p.cfg.BusyProbability {
		d += float64(uniform(p.src, p.cfg.BusyMin, p.cfg.BusyMax))
	}
	return time.Duration(d)
}

// GroupInitial returns the wait before a new group's first activity.
func (p *DelayPolicy) GroupInitial() time.Duration {
	return uniform(p.src, p.cfg.GroupInitialMin, p.cfg.GroupInitialMax)
}

// GroupNext returns the wait between group messages.
func (p *DelayPolicy) GroupNext() time.Duration {
	return uniform(p.src, p.cfg.GroupMin, p.cfg.GroupMax)
}
