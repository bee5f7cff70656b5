// Package store persists conversations, groups, members, messages and the
// read-only account view used by the schedulers.
//
// The store owns the derived counters: a thread's MessageCount always equals
// its persisted message rows and a group's MemberCount its member rows.
// Update calls never overwrite them.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/capitalize-ai/social-scheduler/internal/model"
)

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrExists is returned when creating an entity that already exists.
	ErrExists = errors.New("store: already exists")
)

// Store is the entity store used by the schedulers. Implementations are
// safe for concurrent use.
type Store interface {
	AccountStore
	ConversationStore
	GroupStore

	Ping(ctx context.Context) error
	Close() error
}

// AccountStore is the account view. Accounts are seeded from outside.
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	PutAccount(ctx context.Context, acct *model.Account) error
	ListAccounts(ctx context.Context) ([]model.Account, error)
}

// ConversationStore persists conversations and their messages.
type ConversationStore interface {
	// CreateConversation persists c together with its first message.
	CreateConversation(ctx context.Context, c *model.Conversation, first *model.Message) error
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	UpdateConversation(ctx context.Context, c *model.Conversation) error

	// RecordConversationMessage appends msg and writes c in one step. It
	// assigns msg.Seq and sets c.MessageCount from the stored rows.
	RecordConversationMessage(ctx context.Context, c *model.Conversation, msg *model.Message) error

	ListDueConversations(ctx context.Context, now time.Time) ([]model.Conversation, error)
	ListConversations(ctx context.Context, status model.ThreadStatus) ([]model.Conversation, error)

	// ListConversationMessages returns up to limit most recent messages in
	// send order. A non-positive limit returns all of them.
	ListConversationMessages(ctx context.Context, id string, limit int) ([]model.Message, error)
	LastConversationMessage(ctx context.Context, id string) (*model.Message, error)

	CountActiveConversations(ctx context.Context) (int, error)
	CountActiveConversationsFor(ctx context.Context, accountID string) (int, error)
	HasActiveConversationBetween(ctx context.Context, a, b string) (bool, error)
}

// GroupStore persists groups, members and group messages.
type GroupStore interface {
	CreateGroup(ctx context.Context, g *model.Group) error
	GetGroup(ctx context.Context, id string) (*model.Group, error)
	UpdateGroup(ctx context.Context, g *model.Group) error

	// AddMember stores m and returns the group's new member count. Adding
	// an existing member returns ErrExists.
	AddMember(ctx context.Context, m *model.Member) (int, error)

	// ListMembers returns members in join order.
	ListMembers(ctx context.Context, groupID string) ([]model.Member, error)

	// RecordGroupMessage appends msg, writes g, and bumps the sender's
	// member counters in one step.
	RecordGroupMessage(ctx context.Context, g *model.Group, msg *model.Message) error

	ListDueGroups(ctx context.Context, now time.Time) ([]model.Group, error)
	ListGroupMessages(ctx context.Context, groupID string, limit int) ([]model.Message, error)
	LastGroupMessage(ctx context.Context, groupID string) (*model.Message, error)

	CountActiveGroups(ctx context.Context) (int, error)
	// CountActiveMemberships returns how many active groups accountID belongs to.
	CountActiveMemberships(ctx context.Context, accountID string) (int, error)
}

func tail(msgs []model.Message, limit int) []model.Message {
	if limit > 0 && len(msgs) > limit {
		return msgs[len(msgs)-limit:]
	}
	return msgs
}

func byNextAction(a, b *time.Time) bool {
	if a == nil || b == nil {
		return b == nil && a != nil
	}
	return a.Before(*b)
}
