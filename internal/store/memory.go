package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/capitalize-ai/social-scheduler/internal/model"
)

// Memory is an in-memory Store for development and tests.
type Memory struct {
	mu sync.RWMutex

	accounts      map[string]*model.Account
	conversations map[string]*model.Conversation
	convMessages  map[string][]model.Message
	groups        map[string]*model.Group
	members       map[string][]model.Member
	groupMessages map[string][]model.Message
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		accounts:      make(map[string]*model.Account),
		conversations: make(map[string]*model.Conversation),
		convMessages:  make(map[string][]model.Message),
		groups:        make(map[string]*model.Group),
		members:       make(map[string][]model.Member),
		groupMessages: make(map[string][]model.Message),
	}
}

// Ping always succeeds.
func (s *Memory) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *Memory) Close() error { return nil }

// GetAccount retrieves an account by ID.
func (s *Memory) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *acct
	return &cp, nil
}

// PutAccount creates or replaces an account.
func (s *Memory) PutAccount(ctx context.Context, acct *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *acct
	s.accounts[acct.ID] = &cp
	return nil
}

// ListAccounts returns all accounts ordered by ID.
func (s *Memory) ListAccounts(ctx context.Context) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateConversation persists c with its first message.
func (s *Memory) CreateConversation(ctx context.Context, c *model.Conversation, first *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[c.ID]; ok {
		return ErrExists
	}
	var msgs []model.Message
	if first != nil {
		first.ThreadID = c.ID
		first.Kind = model.KindConversation
		first.Seq = 1
		msgs = append(msgs, *first)
	}
	c.MessageCount = len(msgs)

	cp := *c
	s.conversations[c.ID] = &cp
	s.convMessages[c.ID] = msgs
	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *Memory) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// UpdateConversation writes c, keeping the stored message count.
func (s *Memory) UpdateConversation(ctx context.Context, c *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[c.ID]; !ok {
		return ErrNotFound
	}
	c.MessageCount = len(s.convMessages[c.ID])
	cp := *c
	s.conversations[c.ID] = &cp
	return nil
}

// RecordConversationMessage appends msg and writes c.
func (s *Memory) RecordConversationMessage(ctx context.Context, c *model.Conversation, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[c.ID]; !ok {
		return ErrNotFound
	}
	msgs := s.convMessages[c.ID]
	msg.ThreadID = c.ID
	msg.Kind = model.KindConversation
	msg.Seq = len(msgs) + 1
	msgs = append(msgs, *msg)
	s.convMessages[c.ID] = msgs

	c.MessageCount = len(msgs)
	cp := *c
	s.conversations[c.ID] = &cp
	return nil
}

// ListDueConversations returns active conversations due at now, earliest first.
func (s *Memory) ListDueConversations(ctx context.Context, now time.Time) ([]model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Conversation
	for _, c := range s.conversations {
		if c.Due(now) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return byNextAction(out[i].NextActionAfter, out[j].NextActionAfter) })
	return out, nil
}

// ListConversations returns conversations with the given status, or all
// conversations when status is empty, ordered by start time.
func (s *Memory) ListConversations(ctx context.Context, status model.ThreadStatus) ([]model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Conversation
	for _, c := range s.conversations {
		if status == "" || c.Status == status {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// ListConversationMessages returns the most recent messages of a conversation.
func (s *Memory) ListConversationMessages(ctx context.Context, id string, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.conversations[id]; !ok {
		return nil, ErrNotFound
	}
	msgs := tail(s.convMessages[id], limit)
	return append([]model.Message(nil), msgs...), nil
}

// LastConversationMessage returns the latest message of a conversation.
func (s *Memory) LastConversationMessage(ctx context.Context, id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.convMessages[id]
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	m := msgs[len(msgs)-1]
	return &m, nil
}

// CountActiveConversations counts active conversations.
func (s *Memory) CountActiveConversations(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, c := range s.conversations {
		if c.Active() {
			n++
		}
	}
	return n, nil
}

// CountActiveConversationsFor counts active conversations accountID takes part in.
func (s *Memory) CountActiveConversationsFor(ctx context.Context, accountID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, c := range s.conversations {
		if c.Active() && c.Participant(accountID) {
			n++
		}
	}
	return n, nil
}

// HasActiveConversationBetween reports an active conversation between a and b in either direction.
func (s *Memory) HasActiveConversationBetween(ctx context.Context, a, b string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.conversations {
		if c.Active() && c.Participant(a) && c.Participant(b) {
			return true, nil
		}
	}
	return false, nil
}

// CreateGroup persists a new group with no members.
func (s *Memory) CreateGroup(ctx context.Context, g *model.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[g.ID]; ok {
		return ErrExists
	}
	g.MessageCount = 0
	g.MemberCount = 0
	cp := *g
	s.groups[g.ID] = &cp
	return nil
}

// GetGroup retrieves a group by ID.
func (s *Memory) GetGroup(ctx context.Context, id string) (*model.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	return &cp, nil
}

// UpdateGroup writes g, keeping the stored counters.
func (s *Memory) UpdateGroup(ctx context.Context, g *model.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[g.ID]; !ok {
		return ErrNotFound
	}
	g.MessageCount = len(s.groupMessages[g.ID])
	g.MemberCount = len(s.members[g.ID])
	cp := *g
	s.groups[g.ID] = &cp
	return nil
}

// AddMember stores a membership and returns the new member count.
func (s *Memory) AddMember(ctx context.Context, m *model.Member) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[m.GroupID]
	if !ok {
		return 0, ErrNotFound
	}
	for _, existing := range s.members[m.GroupID] {
		if existing.AccountID == m.AccountID {
			return len(s.members[m.GroupID]), ErrExists
		}
	}
	s.members[m.GroupID] = append(s.members[m.GroupID], *m)
	g.MemberCount = len(s.members[m.GroupID])
	return g.MemberCount, nil
}

// ListMembers returns members in join order.
func (s *Memory) ListMembers(ctx context.Context, groupID string) ([]model.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.groups[groupID]; !ok {
		return nil, ErrNotFound
	}
	return append([]model.Member(nil), s.members[groupID]...), nil
}

// RecordGroupMessage appends msg, writes g and updates the sender's counters.
func (s *Memory) RecordGroupMessage(ctx context.Context, g *model.Group, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[g.ID]; !ok {
		return ErrNotFound
	}
	msgs := s.groupMessages[g.ID]
	msg.ThreadID = g.ID
	msg.Kind = model.KindGroup
	msg.Seq = len(msgs) + 1
	msgs = append(msgs, *msg)
	s.groupMessages[g.ID] = msgs

	members := s.members[g.ID]
	for i := range members {
		if members[i].AccountID == msg.SenderID {
			at := msg.CreatedAt
			members[i].MessageCount++
			members[i].LastMessageAt = &at
		}
	}

	at := msg.CreatedAt
	g.LastActivityAt = &at
	g.MessageCount = len(msgs)
	g.MemberCount = len(members)
	cp := *g
	s.groups[g.ID] = &cp
	return nil
}

// ListDueGroups returns active groups due at now, earliest first.
func (s *Memory) ListDueGroups(ctx context.Context, now time.Time) ([]model.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Group
	for _, g := range s.groups {
		if g.Due(now) {
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return byNextAction(out[i].NextActionAfter, out[j].NextActionAfter) })
	return out, nil
}

// ListGroupMessages returns the most recent messages of a group.
func (s *Memory) ListGroupMessages(ctx context.Context, groupID string, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.groups[groupID]; !ok {
		return nil, ErrNotFound
	}
	msgs := tail(s.groupMessages[groupID], limit)
	return append([]model.Message(nil), msgs...), nil
}

// LastGroupMessage returns the latest message of a group.
func (s *Memory) LastGroupMessage(ctx context.Context, groupID string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.groupMessages[groupID]
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	m := msgs[len(msgs)-1]
	return &m, nil
}

// CountActiveGroups counts active groups.
func (s *Memory) CountActiveGroups(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, g := range s.groups {
		if g.Active() {
			n++
		}
	}
	return n, nil
}

// CountActiveMemberships counts active groups accountID belongs to.
func (s *Memory) CountActiveMemberships(ctx context.Context, accountID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for id, g := range s.groups {
		if !g.Active() {
			continue
		}
		for _, m := range s.members[id] {
			if m.AccountID == accountID {
				n++
				break
			}
		}
	}
	return n, nil
}
