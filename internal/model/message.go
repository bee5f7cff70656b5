package model

import (
	"time"
)

// ThreadKind distinguishes the owner of a message.
type ThreadKind string

const (
	KindConversation ThreadKind = "conversation"
	KindGroup        ThreadKind = "group"
)

// Message represents one delivered message in a thread.
type Message struct {
	// Identity
	ID       string     `json:"id"`
	ThreadID string     `json:"thread_id"`
	Kind     ThreadKind `json:"kind"`

	// Content
	SenderID string `json:"sender_id"`
	Text     string `json:"text"`

	// DeliveryID is the platform message id, when the transport returned one.
	DeliveryID string `json:"delivery_id,omitempty"`

	// Seq is the 1-based position within the thread, assigned by the store.
	Seq int `json:"seq"`

	CreatedAt time.Time `json:"created_at"`
}

// StartConversationRequest is the request to start a conversation.
type StartConversationRequest struct {
	InitiatorID string `json:"initiator_id"`
	TargetID    string `json:"target_id"`
	Context     string `json:"context,omitempty"`
}

// EndRequest is the request to end or archive a thread.
type EndRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ListMessagesResponse is the response for listing thread messages.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	Total    int       `json:"total"`
}
