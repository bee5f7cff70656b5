package model

import (
	"time"
)

// GroupType selects the topic catalog and naming style of a group.
type GroupType string

const (
	GroupFriends  GroupType = "friends"
	GroupThematic GroupType = "thematic"
	GroupWork     GroupType = "work"
)

// Valid reports whether t is a known group type.
func (t GroupType) Valid() bool {
	switch t {
	case GroupFriends, GroupThematic, GroupWork:
		return true
	}
	return false
}

// MemberRole is the role of an account inside a group.
type MemberRole string

const (
	RoleAdmin  MemberRole = "admin"
	RoleMember MemberRole = "member"
)

// Group represents a multi-party thread.
type Group struct {
	ID          string    `json:"id"`
	CreatorID   string    `json:"creator_id"`
	Type        GroupType `json:"type"`
	Topic       string    `json:"topic"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`

	// Platform references returned by the transport.
	GroupRef  string `json:"group_ref"`
	InviteRef string `json:"invite_ref,omitempty"`

	Status       ThreadStatus `json:"status"`
	MessageCount int          `json:"message_count"`
	MemberCount  int          `json:"member_count"`

	// UnderMinimumSince is set while MemberCount is below the configured minimum.
	UnderMinimumSince *time.Time `json:"under_minimum_since,omitempty"`

	CreatedAt       time.Time  `json:"created_at"`
	LastActivityAt  *time.Time `json:"last_activity_at,omitempty"`
	NextActionAfter *time.Time `json:"next_action_after,omitempty"`
	EndReason       string     `json:"end_reason,omitempty"`
	ArchivedAt      *time.Time `json:"archived_at,omitempty"`
}

// Active reports whether the group still receives ticks.
func (g *Group) Active() bool {
	return g.Status == StatusActive
}

// Due reports whether the group is active and its next action time has elapsed.
func (g *Group) Due(now time.Time) bool {
	return g.Active() && g.NextActionAfter != nil && !g.NextActionAfter.After(now)
}

// Schedule sets the next action time.
func (g *Group) Schedule(at time.Time) {
	g.NextActionAfter = &at
}

// TrackMinimum maintains UnderMinimumSince against the minimum member count.
func (g *Group) TrackMinimum(minMembers int, now time.Time) {
	if g.MemberCount >= minMembers {
		g.UnderMinimumSince = nil
		return
	}
	if g.UnderMinimumSince == nil {
		g.UnderMinimumSince = &now
	}
}

// Archive moves the group to archived and clears its scheduling.
func (g *Group) Archive(reason string, at time.Time) error {
	if !g.Active() {
		return ErrAlreadyTerminated
	}
	g.Status = StatusArchived
	g.EndReason = reason
	g.ArchivedAt = &at
	g.NextActionAfter = nil
	return nil
}

// Member is an account's membership in a group.
type Member struct {
	GroupID       string     `json:"group_id"`
	AccountID     string     `json:"account_id"`
	Role          MemberRole `json:"role"`
	MessageCount  int        `json:"message_count"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	JoinedAt      time.Time  `json:"joined_at"`
}

// CreateGroupRequest is the request to create a new group.
type CreateGroupRequest struct {
	CreatorID      string    `json:"creator_id"`
	Type           GroupType `json:"type"`
	Topic          string    `json:"topic,omitempty"`
	InitialMembers []string  `json:"initial_members,omitempty"`
}

// AddMembersRequest is the request to admit accounts to a group.
type AddMembersRequest struct {
	AccountIDs []string `json:"account_ids"`
}

// AddMembersResponse reports how many accounts were admitted.
type AddMembersResponse struct {
	Added       int `json:"added"`
	MemberCount int `json:"member_count"`
}
