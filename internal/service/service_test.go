package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/social-scheduler/internal/authority"
	"github.com/capitalize-ai/social-scheduler/internal/clock"
	"github.com/capitalize-ai/social-scheduler/internal/model"
	"github.com/capitalize-ai/social-scheduler/internal/policy"
	"github.com/capitalize-ai/social-scheduler/internal/store"
	"github.com/capitalize-ai/social-scheduler/pkg/logger"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// fakeAuthority permits every account unless told otherwise.
type fakeAuthority struct {
	mu     sync.Mutex
	status map[string]authority.Status
	errs   map[string]error
	calls  int
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{status: map[string]authority.Status{}, errs: map[string]error{}}
}

func (f *fakeAuthority) Status(ctx context.Context, identifier string) (authority.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errs[identifier]; err != nil {
		return 0, err
	}
	return f.status[identifier], nil
}

func (f *fakeAuthority) set(id string, st authority.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[id] = st
}

func (f *fakeAuthority) fail(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[id] = err
}

type fakeComposer struct {
	mu         sync.Mutex
	starterErr error
	replyErr   error
	closingErr error
	groupErr   error
}

func (f *fakeComposer) ComposeStarter(ctx context.Context, from, to *model.Account, commonContext string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.starterErr != nil {
		return "", f.starterErr
	}
	return fmt.Sprintf("hi %s, %s here", to.ID, from.ID), nil
}

func (f *fakeComposer) ComposeReply(ctx context.Context, from, to *model.Account, history []model.Message, topic string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replyErr != nil {
		return "", f.replyErr
	}
	return fmt.Sprintf("reply %d from %s", len(history)+1, from.ID), nil
}

func (f *fakeComposer) ComposeClosing(ctx context.Context, from *model.Account, history []model.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closingErr != nil {
		return "", f.closingErr
	}
	return "gotta run, talk later", nil
}

func (f *fakeComposer) ComposeGroupMessage(ctx context.Context, from *model.Account, others []model.Account, g *model.Group, history []model.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.groupErr != nil {
		return "", f.groupErr
	}
	return fmt.Sprintf("%s to %d others", from.ID, len(others)), nil
}

type sent struct {
	sender string
	to     string
	text   string
}

type fakeTransport struct {
	mu sync.Mutex

	sendErr   error
	createErr error
	joinFail  map[string]bool

	direct      []sent
	group       []sent
	createCalls int
	joins       []string

	// When block is set, SendDirect signals entered and waits on block.
	block   chan struct{}
	entered chan struct{}
}

func (f *fakeTransport) ResolveAddress(ctx context.Context, target *model.Account) (string, error) {
	return "@" + target.ID, nil
}

func (f *fakeTransport) LinkContact(ctx context.Context, sender *model.Account, address, displayName string) (model.Contact, error) {
	return model.Contact{RecipientID: address[1:], RecipientHandle: address}, nil
}

func (f *fakeTransport) SendDirect(ctx context.Context, sender *model.Account, to model.Contact, text string) (string, error) {
	f.mu.Lock()
	block, entered := f.block, f.entered
	f.mu.Unlock()
	if block != nil {
		entered <- struct{}{}
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.direct = append(f.direct, sent{sender: sender.ID, to: to.RecipientID, text: text})
	return fmt.Sprintf("dm-%d", len(f.direct)), nil
}

func (f *fakeTransport) CreateGroup(ctx context.Context, creator *model.Account, title string) (model.GroupHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return model.GroupHandle{}, f.createErr
	}
	return model.GroupHandle{GroupRef: fmt.Sprintf("grp-%d", f.createCalls), InviteRef: "invite"}, nil
}

func (f *fakeTransport) JoinGroup(ctx context.Context, acct *model.Account, inviteRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinFail[acct.ID] {
		return errors.New("join refused")
	}
	f.joins = append(f.joins, acct.ID)
	return nil
}

func (f *fakeTransport) SendToGroup(ctx context.Context, sender *model.Account, groupRef, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.group = append(f.group, sent{sender: sender.ID, to: groupRef, text: text})
	return fmt.Sprintf("gm-%d", len(f.group)), nil
}

func (f *fakeTransport) directCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.direct)
}

var errStoreDown = errors.New("store unavailable")

// failingStore fails writes for chosen threads and account reads for
// chosen accounts on top of the memory store.
type failingStore struct {
	*store.Memory

	mu       sync.Mutex
	threads  map[string]bool
	members  map[string]bool
	accounts map[string]bool
	created  []string
}

func newFailingStore(m *store.Memory) *failingStore {
	return &failingStore{
		Memory:   m,
		threads:  map[string]bool{},
		members:  map[string]bool{},
		accounts: map[string]bool{},
	}
}

func (f *failingStore) failThread(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads[id] = true
}

func (f *failingStore) failMember(accountID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[accountID] = true
}

func (f *failingStore) hideAccount(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[id] = true
}

func (f *failingStore) failing(set map[string]bool, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return set[id]
}

func (f *failingStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	if f.failing(f.accounts, id) {
		return nil, fmt.Errorf("account %s: %w", id, store.ErrNotFound)
	}
	return f.Memory.GetAccount(ctx, id)
}

func (f *failingStore) RecordConversationMessage(ctx context.Context, c *model.Conversation, msg *model.Message) error {
	if f.failing(f.threads, c.ID) {
		return errStoreDown
	}
	return f.Memory.RecordConversationMessage(ctx, c, msg)
}

func (f *failingStore) RecordGroupMessage(ctx context.Context, g *model.Group, msg *model.Message) error {
	if f.failing(f.threads, g.ID) {
		return errStoreDown
	}
	return f.Memory.RecordGroupMessage(ctx, g, msg)
}

func (f *failingStore) CreateGroup(ctx context.Context, g *model.Group) error {
	f.mu.Lock()
	f.created = append(f.created, g.ID)
	f.mu.Unlock()
	return f.Memory.CreateGroup(ctx, g)
}

func (f *failingStore) AddMember(ctx context.Context, m *model.Member) (int, error) {
	if f.failing(f.members, m.AccountID) {
		return 0, errStoreDown
	}
	return f.Memory.AddMember(ctx, m)
}

type harnessConfig struct {
	opts  Options
	conv  policy.ConversationLimits
	group policy.GroupLimits

	// Optional: wrap the memory store the schedulers write through, and
	// the logger they use.
	store func(*store.Memory) store.Store
	log   *logger.Logger
}

func defaultHarnessConfig() harnessConfig {
	return harnessConfig{
		opts:  DefaultOptions(),
		conv:  policy.DefaultConversationLimits(),
		group: policy.DefaultGroupLimits(),
	}
}

type harness struct {
	ctx       context.Context
	store     *store.Memory
	auth      *fakeAuthority
	composer  *fakeComposer
	transport *fakeTransport
	clock     *clock.FakeClock
	conv      *ConversationScheduler
	groups    *GroupScheduler
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, defaultHarnessConfig())
}

// newHarnessWith wires both schedulers over fakes. Every random draw is
// 0.5: delays land mid-window, the busy pause and hazard never fire.
func newHarnessWith(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()
	src := policy.NewScripted(0.5)
	h := &harness{
		ctx:       context.Background(),
		store:     store.NewMemory(),
		auth:      newFakeAuthority(),
		composer:  &fakeComposer{},
		transport: &fakeTransport{joinFail: map[string]bool{}},
		clock:     clock.Fake(t0),
	}
	log := cfg.log
	if log == nil {
		log = logger.NewNop()
	}
	var st store.Store = h.store
	if cfg.store != nil {
		st = cfg.store(h.store)
	}
	deps := Deps{
		Store:       st,
		Gate:        authority.NewGate(h.auth, log),
		Composer:    h.composer,
		Transport:   h.transport,
		Delay:       policy.NewDelayPolicy(policy.DefaultDelayConfig(), src),
		Termination: policy.NewTerminationPolicy(cfg.conv, cfg.group, src),
		Speaker:     policy.NewSpeakerSelector(src),
		Random:      src,
		Clock:       h.clock,
		Log:         log,
	}
	h.conv = NewConversationScheduler(deps, cfg.opts)
	h.groups = NewGroupScheduler(deps, cfg.opts)
	return h
}

// account seeds an eligible account.
func (h *harness) account(t *testing.T, id string, mutate ...func(*model.Account)) *model.Account {
	t.Helper()
	acct := &model.Account{
		ID:              id,
		EngagementStage: 3,
		Persona: model.Persona{
			Name:      id + " Tester",
			Interests: []string{"jazz", "hiking"},
		},
	}
	for _, fn := range mutate {
		fn(acct)
	}
	require.NoError(t, h.store.PutAccount(h.ctx, acct))
	return acct
}

func (h *harness) conversation(t *testing.T, id string) *model.Conversation {
	t.Helper()
	c, err := h.store.GetConversation(h.ctx, id)
	require.NoError(t, err)
	return c
}

func (h *harness) group(t *testing.T, id string) *model.Group {
	t.Helper()
	g, err := h.store.GetGroup(h.ctx, id)
	require.NoError(t, err)
	return g
}

// advanceTo moves the clock to the entity's next action time.
func (h *harness) advanceTo(t *testing.T, at *time.Time) {
	t.Helper()
	require.NotNil(t, at)
	h.clock.Set(*at)
}
