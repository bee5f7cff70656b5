// Package model defines data structures for the social thread scheduler.
package model

import (
	"errors"
	"time"
)

// ThreadStatus is the lifecycle state of a conversation or group.
type ThreadStatus string

const (
	StatusActive   ThreadStatus = "active"
	StatusEnded    ThreadStatus = "ended"
	StatusArchived ThreadStatus = "archived"
)

// ErrAlreadyTerminated is returned when a terminal transition is applied twice.
var ErrAlreadyTerminated = errors.New("thread already terminated")

// Conversation represents a private two-party thread.
type Conversation struct {
	ID          string `json:"id"`
	InitiatorID string `json:"initiator_id"`
	ResponderID string `json:"responder_id"`

	Status            ThreadStatus `json:"status"`
	MessageCount      int          `json:"message_count"`
	InitiatorMessages int          `json:"initiator_messages"`
	ResponderMessages int          `json:"responder_messages"`

	Topic         string `json:"topic,omitempty"`
	CommonContext string `json:"common_context,omitempty"`

	StartedAt       time.Time  `json:"started_at"`
	LastMessageAt   *time.Time `json:"last_message_at,omitempty"`
	NextActionAfter *time.Time `json:"next_action_after,omitempty"`
	EndReason       string     `json:"end_reason,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
}

// Active reports whether the conversation still receives ticks.
func (c *Conversation) Active() bool {
	return c.Status == StatusActive
}

// Due reports whether the conversation is active and its next action time has elapsed.
func (c *Conversation) Due(now time.Time) bool {
	return c.Active() && c.NextActionAfter != nil && !c.NextActionAfter.After(now)
}

// Participant reports whether accountID is one of the two parties.
func (c *Conversation) Participant(accountID string) bool {
	return accountID == c.InitiatorID || accountID == c.ResponderID
}

// ResponderAfter returns the participant expected to act after lastSenderID
// spoke, and the other party. An unknown or empty sender yields the responder.
func (c *Conversation) ResponderAfter(lastSenderID string) (responder, peer string) {
	if lastSenderID == c.ResponderID {
		return c.InitiatorID, c.ResponderID
	}
	return c.ResponderID, c.InitiatorID
}

// CountMessageFrom bumps the per-participant counter for senderID.
func (c *Conversation) CountMessageFrom(senderID string, at time.Time) {
	switch senderID {
	case c.InitiatorID:
		c.InitiatorMessages++
	case c.ResponderID:
		c.ResponderMessages++
	}
	c.LastMessageAt = &at
}

// Schedule sets the next action time.
func (c *Conversation) Schedule(at time.Time) {
	c.NextActionAfter = &at
}

// End moves the conversation to ended and clears its scheduling.
func (c *Conversation) End(reason string, at time.Time) error {
	if !c.Active() {
		return ErrAlreadyTerminated
	}
	c.Status = StatusEnded
	c.EndReason = reason
	c.EndedAt = &at
	c.NextActionAfter = nil
	return nil
}
