package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/social-scheduler/internal/model"
	"github.com/capitalize-ai/social-scheduler/pkg/logger"
)

// PlatformPrefix is the subject prefix served by the platform gateway.
const PlatformPrefix = "platform"

// Platform operations.
const (
	OpResolveAddress = "resolve_address"
	OpLinkContact    = "link_contact"
	OpSendDirect     = "send_direct"
	OpCreateGroup    = "create_group"
	OpJoinGroup      = "join_group"
	OpSendToGroup    = "send_to_group"
)

// ErrNoAddress is returned when the gateway has no deliverable address for an account.
var ErrNoAddress = errors.New("platform: no deliverable address")

// PlatformError is an error reported by the gateway.
type PlatformError struct {
	Op      string
	Message string
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf("platform %s: %s", e.Op, e.Message)
}

// Requester sends a request and waits for the reply.
type Requester interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
}

// Request is the envelope sent to the gateway. Only the fields an
// operation needs are set.
type Request struct {
	Account     string `json:"account,omitempty"`
	Address     string `json:"address,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	RecipientID string `json:"recipient_id,omitempty"`
	Handle      string `json:"recipient_handle,omitempty"`
	Title       string `json:"title,omitempty"`
	GroupRef    string `json:"group_ref,omitempty"`
	InviteRef   string `json:"invite_ref,omitempty"`
	Text        string `json:"text,omitempty"`
}

// Reply is the gateway's response envelope.
type Reply struct {
	OK          bool   `json:"ok"`
	Error       string `json:"error,omitempty"`
	Address     string `json:"address,omitempty"`
	RecipientID string `json:"recipient_id,omitempty"`
	Handle      string `json:"recipient_handle,omitempty"`
	DeliveryID  string `json:"delivery_id,omitempty"`
	GroupRef    string `json:"group_ref,omitempty"`
	InviteRef   string `json:"invite_ref,omitempty"`
}

// PlatformTransport delivers messages through a platform gateway listening
// on platform.<op> subjects.
type PlatformTransport struct {
	req     Requester
	timeout time.Duration
	log     *logger.Logger
}

// NewPlatformTransport creates a transport over req, normally a *Client.
func NewPlatformTransport(req Requester, timeout time.Duration, log *logger.Logger) *PlatformTransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PlatformTransport{req: req, timeout: timeout, log: log.Named("transport")}
}

func (t *PlatformTransport) call(ctx context.Context, op string, in *Request) (*Reply, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	raw, err := t.req.Request(ctx, PlatformPrefix+"."+op, data)
	if err != nil {
		t.log.Warn("platform request failed", zap.String("op", op), zap.Error(err))
		return nil, fmt.Errorf("platform %s: %w", op, err)
	}

	var out Reply
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s reply: %w", op, err)
	}
	if !out.OK {
		return nil, &PlatformError{Op: op, Message: out.Error}
	}
	return &out, nil
}

// ResolveAddress returns the deliverable address of target.
func (t *PlatformTransport) ResolveAddress(ctx context.Context, target *model.Account) (string, error) {
	out, err := t.call(ctx, OpResolveAddress, &Request{Account: target.ID})
	if err != nil {
		return "", err
	}
	if out.Address == "" {
		return "", ErrNoAddress
	}
	return out.Address, nil
}

// LinkContact adds address to sender's contacts.
func (t *PlatformTransport) LinkContact(ctx context.Context, sender *model.Account, address, displayName string) (model.Contact, error) {
	out, err := t.call(ctx, OpLinkContact, &Request{Account: sender.ID, Address: address, DisplayName: displayName})
	if err != nil {
		return model.Contact{}, err
	}
	return model.Contact{RecipientID: out.RecipientID, RecipientHandle: out.Handle}, nil
}

// SendDirect sends a private message and returns the platform delivery id.
func (t *PlatformTransport) SendDirect(ctx context.Context, sender *model.Account, to model.Contact, text string) (string, error) {
	out, err := t.call(ctx, OpSendDirect, &Request{
		Account:     sender.ID,
		RecipientID: to.RecipientID,
		Handle:      to.RecipientHandle,
		Text:        text,
	})
	if err != nil {
		return "", err
	}
	return out.DeliveryID, nil
}

// CreateGroup creates an empty group owned by creator.
func (t *PlatformTransport) CreateGroup(ctx context.Context, creator *model.Account, title string) (model.GroupHandle, error) {
	out, err := t.call(ctx, OpCreateGroup, &Request{Account: creator.ID, Title: title})
	if err != nil {
		return model.GroupHandle{}, err
	}
	return model.GroupHandle{GroupRef: out.GroupRef, InviteRef: out.InviteRef}, nil
}

// JoinGroup makes acct join the group behind inviteRef.
func (t *PlatformTransport) JoinGroup(ctx context.Context, acct *model.Account, inviteRef string) error {
	_, err := t.call(ctx, OpJoinGroup, &Request{Account: acct.ID, InviteRef: inviteRef})
	return err
}

// SendToGroup posts text to a group and returns the platform delivery id.
func (t *PlatformTransport) SendToGroup(ctx context.Context, sender *model.Account, groupRef, text string) (string, error) {
	out, err := t.call(ctx, OpSendToGroup, &Request{Account: sender.ID, GroupRef: groupRef, Text: text})
	if err != nil {
		return "", err
	}
	return out.DeliveryID, nil
}
