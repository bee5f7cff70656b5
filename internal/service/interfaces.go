package service

import (
	"context"

	"github.com/capitalize-ai/social-scheduler/internal/model"
)

// Composer produces message text in an account's voice. An error means
// nothing usable was produced this cycle.
type Composer interface {
	ComposeStarter(ctx context.Context, from, to *model.Account, commonContext string) (string, error)
	ComposeReply(ctx context.Context, from, to *model.Account, history []model.Message, topic string) (string, error)
	ComposeClosing(ctx context.Context, from *model.Account, history []model.Message) (string, error)
	ComposeGroupMessage(ctx context.Context, from *model.Account, others []model.Account, g *model.Group, history []model.Message) (string, error)
}

// Transport performs actions on the messaging platform.
type Transport interface {
	ResolveAddress(ctx context.Context, target *model.Account) (string, error)
	LinkContact(ctx context.Context, sender *model.Account, address, displayName string) (model.Contact, error)
	SendDirect(ctx context.Context, sender *model.Account, to model.Contact, text string) (string, error)
	CreateGroup(ctx context.Context, creator *model.Account, title string) (model.GroupHandle, error)
	JoinGroup(ctx context.Context, acct *model.Account, inviteRef string) error
	SendToGroup(ctx context.Context, sender *model.Account, groupRef, text string) (string, error)
}

// EventPublisher receives thread lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, event *model.ThreadEvent) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

// Publish does nothing.
func (NopPublisher) Publish(context.Context, *model.ThreadEvent) error { return nil }
