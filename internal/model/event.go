package model

import (
	"time"
)

// EventType represents the type of thread lifecycle event.
type EventType string

const (
	EventConversationStarted EventType = "conversation.started"
	EventConversationMessage EventType = "conversation.message"
	EventConversationEnded   EventType = "conversation.ended"

	EventGroupCreated      EventType = "group.created"
	EventGroupMemberJoined EventType = "group.member_joined"
	EventGroupMessage      EventType = "group.message"
	EventGroupArchived     EventType = "group.archived"
)

// ThreadEvent is a lifecycle event emitted by the schedulers.
type ThreadEvent struct {
	ID        string            `json:"id"`
	ThreadID  string            `json:"thread_id"`
	Kind      ThreadKind        `json:"kind"`
	Type      EventType         `json:"type"`
	AccountID string            `json:"account_id,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Count     int               `json:"count,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Sequence  uint64            `json:"sequence,omitempty"`
}
