package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/capitalize-ai/social-scheduler/internal/model"
)

// Key layout:
//
//	acct:{id}
//	conv:{id}
//	cmsg:{conversation}:{seq}
//	grp:{id}
//	gmem:{group}:{join order}
//	gmsg:{group}:{seq}
//
// Sequence numbers are zero padded so keys sort in order.
const (
	prefixAccount      = "acct:"
	prefixConversation = "conv:"
	prefixConvMessage  = "cmsg:"
	prefixGroup        = "grp:"
	prefixMember       = "gmem:"
	prefixGroupMessage = "gmsg:"
)

func seqKey(prefix, owner string, seq int) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefix, owner, seq))
}

func ownerPrefix(prefix, owner string) []byte {
	return []byte(prefix + owner + ":")
}

// Pebble is a durable Store on a pebble database.
type Pebble struct {
	db *pebble.DB

	// Serializes read-modify-write operations.
	mu sync.Mutex
}

// OpenPebble opens or creates a pebble store at path.
func OpenPebble(path string) (*Pebble, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	return &Pebble{db: db}, nil
}

// Close closes the database.
func (s *Pebble) Close() error {
	return s.db.Close()
}

// Ping checks that the database is readable.
func (s *Pebble) Ping(ctx context.Context) error {
	_, closer, err := s.db.Get([]byte(prefixAccount))
	if err == nil {
		closer.Close()
		return nil
	}
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	return err
}

func (s *Pebble) getJSON(key []byte, out interface{}) error {
	v, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	defer closer.Close()
	return json.Unmarshal(v, out)
}

func setJSON(b *pebble.Batch, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Set(key, data, nil)
}

// scan calls fn with the value of every key under prefix, in key order.
func (s *Pebble) scan(prefix []byte, fn func(key, value []byte) error) error {
	upper := append(bytes.Clone(prefix[:len(prefix)-1]), prefix[len(prefix)-1]+1)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *Pebble) count(prefix []byte) (int, error) {
	n := 0
	err := s.scan(prefix, func(_, _ []byte) error {
		n++
		return nil
	})
	return n, err
}

func (s *Pebble) messages(prefix []byte, limit int) ([]model.Message, error) {
	var out []model.Message
	err := s.scan(prefix, func(_, v []byte) error {
		var m model.Message
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}
		out = append(out, m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tail(out, limit), nil
}

func (s *Pebble) last(prefix []byte) (*model.Message, error) {
	msgs, err := s.messages(prefix, 1)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	return &msgs[0], nil
}

// GetAccount retrieves an account by ID.
func (s *Pebble) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	if err := s.getJSON([]byte(prefixAccount+id), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// PutAccount creates or replaces an account.
func (s *Pebble) PutAccount(ctx context.Context, acct *model.Account) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, []byte(prefixAccount+acct.ID), acct); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// ListAccounts returns all accounts ordered by ID.
func (s *Pebble) ListAccounts(ctx context.Context) ([]model.Account, error) {
	var out []model.Account
	err := s.scan([]byte(prefixAccount), func(_, v []byte) error {
		var a model.Account
		if err := json.Unmarshal(v, &a); err != nil {
			return err
		}
		out = append(out, a)
		return nil
	})
	return out, err
}

// CreateConversation persists c with its first message in one batch.
func (s *Pebble) CreateConversation(ctx context.Context, c *model.Conversation, first *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := []byte(prefixConversation + c.ID)
	var existing model.Conversation
	if err := s.getJSON(key, &existing); err == nil {
		return ErrExists
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	b := s.db.NewBatch()
	defer b.Close()

	c.MessageCount = 0
	if first != nil {
		first.ThreadID = c.ID
		first.Kind = model.KindConversation
		first.Seq = 1
		if err := setJSON(b, seqKey(prefixConvMessage, c.ID, 1), first); err != nil {
			return err
		}
		c.MessageCount = 1
	}
	if err := setJSON(b, key, c); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// GetConversation retrieves a conversation by ID.
func (s *Pebble) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var c model.Conversation
	if err := s.getJSON([]byte(prefixConversation+id), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateConversation writes c, keeping the stored message count.
func (s *Pebble) UpdateConversation(ctx context.Context, c *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := []byte(prefixConversation + c.ID)
	var stored model.Conversation
	if err := s.getJSON(key, &stored); err != nil {
		return err
	}
	c.MessageCount = stored.MessageCount

	b := s.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, key, c); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// RecordConversationMessage appends msg and writes c in one batch.
func (s *Pebble) RecordConversationMessage(ctx context.Context, c *model.Conversation, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := []byte(prefixConversation + c.ID)
	var stored model.Conversation
	if err := s.getJSON(key, &stored); err != nil {
		return err
	}
	rows, err := s.count(ownerPrefix(prefixConvMessage, c.ID))
	if err != nil {
		return err
	}

	msg.ThreadID = c.ID
	msg.Kind = model.KindConversation
	msg.Seq = rows + 1
	c.MessageCount = msg.Seq

	b := s.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, seqKey(prefixConvMessage, c.ID, msg.Seq), msg); err != nil {
		return err
	}
	if err := setJSON(b, key, c); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// ListConversations returns conversations with the given status, or all
// conversations when status is empty, ordered by start time.
func (s *Pebble) ListConversations(ctx context.Context, status model.ThreadStatus) ([]model.Conversation, error) {
	var out []model.Conversation
	err := s.scan([]byte(prefixConversation), func(_, v []byte) error {
		var c model.Conversation
		if err := json.Unmarshal(v, &c); err != nil {
			return err
		}
		if status == "" || c.Status == status {
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// ListDueConversations returns active conversations due at now, earliest first.
func (s *Pebble) ListDueConversations(ctx context.Context, now time.Time) ([]model.Conversation, error) {
	active, err := s.ListConversations(ctx, model.StatusActive)
	if err != nil {
		return nil, err
	}
	var out []model.Conversation
	for _, c := range active {
		if c.Due(now) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return byNextAction(out[i].NextActionAfter, out[j].NextActionAfter) })
	return out, nil
}

// ListConversationMessages returns the most recent messages of a conversation.
func (s *Pebble) ListConversationMessages(ctx context.Context, id string, limit int) ([]model.Message, error) {
	if _, err := s.GetConversation(ctx, id); err != nil {
		return nil, err
	}
	return s.messages(ownerPrefix(prefixConvMessage, id), limit)
}

// LastConversationMessage returns the latest message of a conversation.
func (s *Pebble) LastConversationMessage(ctx context.Context, id string) (*model.Message, error) {
	return s.last(ownerPrefix(prefixConvMessage, id))
}

// CountActiveConversations counts active conversations.
func (s *Pebble) CountActiveConversations(ctx context.Context) (int, error) {
	active, err := s.ListConversations(ctx, model.StatusActive)
	return len(active), err
}

// CountActiveConversationsFor counts active conversations accountID takes part in.
func (s *Pebble) CountActiveConversationsFor(ctx context.Context, accountID string) (int, error) {
	active, err := s.ListConversations(ctx, model.StatusActive)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range active {
		if c.Participant(accountID) {
			n++
		}
	}
	return n, nil
}

// HasActiveConversationBetween reports an active conversation between a and b in either direction.
func (s *Pebble) HasActiveConversationBetween(ctx context.Context, a, b string) (bool, error) {
	active, err := s.ListConversations(ctx, model.StatusActive)
	if err != nil {
		return false, err
	}
	for _, c := range active {
		if c.Participant(a) && c.Participant(b) {
			return true, nil
		}
	}
	return false, nil
}

// CreateGroup persists a new group with no members.
func (s *Pebble) CreateGroup(ctx context.Context, g *model.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := []byte(prefixGroup + g.ID)
	var existing model.Group
	if err := s.getJSON(key, &existing); err == nil {
		return ErrExists
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	g.MessageCount = 0
	g.MemberCount = 0
	b := s.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, key, g); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// GetGroup retrieves a group by ID.
func (s *Pebble) GetGroup(ctx context.Context, id string) (*model.Group, error) {
	var g model.Group
	if err := s.getJSON([]byte(prefixGroup+id), &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// UpdateGroup writes g, keeping the stored counters.
func (s *Pebble) UpdateGroup(ctx context.Context, g *model.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := []byte(prefixGroup + g.ID)
	var stored model.Group
	if err := s.getJSON(key, &stored); err != nil {
		return err
	}
	g.MessageCount = stored.MessageCount
	g.MemberCount = stored.MemberCount

	b := s.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, key, g); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (s *Pebble) members(groupID string) ([]model.Member, error) {
	var out []model.Member
	err := s.scan(ownerPrefix(prefixMember, groupID), func(_, v []byte) error {
		var m model.Member
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}
		out = append(out, m)
		return nil
	})
	return out, err
}

// AddMember stores a membership and returns the new member count.
func (s *Pebble) AddMember(ctx context.Context, m *model.Member) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := []byte(prefixGroup + m.GroupID)
	var g model.Group
	if err := s.getJSON(key, &g); err != nil {
		return 0, err
	}
	existing, err := s.members(m.GroupID)
	if err != nil {
		return 0, err
	}
	for _, e := range existing {
		if e.AccountID == m.AccountID {
			return len(existing), ErrExists
		}
	}

	g.MemberCount = len(existing) + 1
	b := s.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, seqKey(prefixMember, m.GroupID, g.MemberCount), m); err != nil {
		return 0, err
	}
	if err := setJSON(b, key, &g); err != nil {
		return 0, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, err
	}
	return g.MemberCount, nil
}

// ListMembers returns members in join order.
func (s *Pebble) ListMembers(ctx context.Context, groupID string) ([]model.Member, error) {
	if _, err := s.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}
	return s.members(groupID)
}

// RecordGroupMessage appends msg, writes g and updates the sender's counters in one batch.
func (s *Pebble) RecordGroupMessage(ctx context.Context, g *model.Group, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := []byte(prefixGroup + g.ID)
	var stored model.Group
	if err := s.getJSON(key, &stored); err != nil {
		return err
	}
	rows, err := s.count(ownerPrefix(prefixGroupMessage, g.ID))
	if err != nil {
		return err
	}

	b := s.db.NewBatch()
	defer b.Close()

	msg.ThreadID = g.ID
	msg.Kind = model.KindGroup
	msg.Seq = rows + 1
	if err := setJSON(b, seqKey(prefixGroupMessage, g.ID, msg.Seq), msg); err != nil {
		return err
	}

	members := 0
	err = s.scan(ownerPrefix(prefixMember, g.ID), func(k, v []byte) error {
		members++
		var m model.Member
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}
		if m.AccountID != msg.SenderID {
			return nil
		}
		at := msg.CreatedAt
		m.MessageCount++
		m.LastMessageAt = &at
		return setJSON(b, bytes.Clone(k), &m)
	})
	if err != nil {
		return err
	}

	at := msg.CreatedAt
	g.LastActivityAt = &at
	g.MessageCount = msg.Seq
	g.MemberCount = members
	if err := setJSON(b, key, g); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// ListDueGroups returns active groups due at now, earliest first.
func (s *Pebble) ListDueGroups(ctx context.Context, now time.Time) ([]model.Group, error) {
	var out []model.Group
	err := s.scan([]byte(prefixGroup), func(_, v []byte) error {
		var g model.Group
		if err := json.Unmarshal(v, &g); err != nil {
			return err
		}
		if g.Due(now) {
			out = append(out, g)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return byNextAction(out[i].NextActionAfter, out[j].NextActionAfter) })
	return out, nil
}

// ListGroupMessages returns the most recent messages of a group.
func (s *Pebble) ListGroupMessages(ctx context.Context, groupID string, limit int) ([]model.Message, error) {
	if _, err := s.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}
	return s.messages(ownerPrefix(prefixGroupMessage, groupID), limit)
}

// LastGroupMessage returns the latest message of a group.
func (s *Pebble) LastGroupMessage(ctx context.Context, groupID string) (*model.Message, error) {
	return s.last(ownerPrefix(prefixGroupMessage, groupID))
}

func (s *Pebble) activeGroups() ([]model.Group, error) {
	var out []model.Group
	err := s.scan([]byte(prefixGroup), func(_, v []byte) error {
		var g model.Group
		if err := json.Unmarshal(v, &g); err != nil {
			return err
		}
		if g.Active() {
			out = append(out, g)
		}
		return nil
	})
	return out, err
}

// CountActiveGroups counts active groups.
func (s *Pebble) CountActiveGroups(ctx context.Context) (int, error) {
	groups, err := s.activeGroups()
	return len(groups), err
}

// CountActiveMemberships counts active groups accountID belongs to.
func (s *Pebble) CountActiveMemberships(ctx context.Context, accountID string) (int, error) {
	groups, err := s.activeGroups()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, g := range groups {
		members, err := s.members(g.ID)
		if err != nil {
			return 0, err
		}
		for _, m := range members {
			if m.AccountID == accountID {
				n++
				break
			}
		}
	}
	return n, nil
}
