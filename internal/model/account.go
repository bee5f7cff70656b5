package model

import (
	"strings"
	"time"
)

// Account is an agent account as seen by the scheduler. The scheduler only
// reads accounts; their lifecycle is owned elsewhere.
type Account struct {
	ID string `json:"id"`

	// Identifier is the account's id in the authority service.
	Identifier string `json:"identifier"`

	EngagementStage int `json:"engagement_stage"`

	Deleted bool       `json:"deleted,omitempty"`
	Frozen  bool       `json:"frozen,omitempty"`
	Banned  bool       `json:"banned,omitempty"`
	UnbanAt *time.Time `json:"unban_at,omitempty"`

	Persona Persona `json:"persona"`
}

// BannedForever reports a ban without an unban date.
func (a *Account) BannedForever() bool {
	return a.Banned && a.UnbanAt == nil
}

// Persona describes the character an account writes as.
type Persona struct {
	Name       string   `json:"name"`
	Age        int      `json:"age,omitempty"`
	Occupation string   `json:"occupation,omitempty"`
	Interests  []string `json:"interests,omitempty"`
	Traits     []string `json:"traits,omitempty"`
	Style      string   `json:"style,omitempty"`
}

// FirstName returns the first word of the persona name, or fallback.
func (p Persona) FirstName(fallback string) string {
	fields := strings.Fields(p.Name)
	if len(fields) == 0 {
		return fallback
	}
	return fields[0]
}

// CommonInterests returns the interests shared by p and other, in p's order.
func (p Persona) CommonInterests(other Persona) []string {
	theirs := make(map[string]struct{}, len(other.Interests))
	for _, i := range other.Interests {
		theirs[i] = struct{}{}
	}
	var out []string
	for _, i := range p.Interests {
		if _, ok := theirs[i]; ok {
			out = append(out, i)
		}
	}
	return out
}
