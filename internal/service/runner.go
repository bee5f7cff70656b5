package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/dustin/go-humanize"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/capitalize-ai/social-scheduler/pkg/logger"
)

// RunnerConfig controls how often the schedulers run.
type RunnerConfig struct {
	// TickInterval separates the end of one tick from the start of the next.
	TickInterval time.Duration
	// InitiateCron is a cron expression for the initiation passes.
	InitiateCron string
}

// Runner drives both schedulers until its context is cancelled.
type Runner struct {
	conversations *ConversationScheduler
	groups        *GroupScheduler
	cfg           RunnerConfig
	log           *logger.Logger

	tickMu sync.Mutex
	initMu sync.Mutex
}

// NewRunner creates a runner. It fails on an invalid cron expression.
func NewRunner(conversations *ConversationScheduler, groups *GroupScheduler, cfg RunnerConfig, log *logger.Logger) (*Runner, error) {
	if cfg.TickInterval <= 0 {
		return nil, fmt.Errorf("%w: tick interval must be positive", ErrInvalidArgument)
	}
	if cfg.InitiateCron != "" && !gronx.IsValid(cfg.InitiateCron) {
		return nil, fmt.Errorf("%w: invalid initiate cron %q", ErrInvalidArgument, cfg.InitiateCron)
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Runner{
		conversations: conversations,
		groups:        groups,
		cfg:           cfg,
		log:           log.Named("runner"),
	}, nil
}

// Run ticks on the configured interval and runs initiation passes on the
// cron schedule. It returns when ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	r.log.Info("scheduler started",
		zap.Duration("tick_interval", r.cfg.TickInterval),
		zap.String("initiate_cron", r.cfg.InitiateCron),
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.tickLoop(ctx)
	}()
	if r.cfg.InitiateCron != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.initiateLoop(ctx)
		}()
	}
	wg.Wait()

	r.log.Info("scheduler stopped")
}

func (r *Runner) tickLoop(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if _, _, err := r.Tick(ctx); err != nil {
			r.log.Error("tick failed", zap.Error(err))
		}
		timer.Reset(r.cfg.TickInterval)
	}
}

func (r *Runner) initiateLoop(ctx context.Context) {
	for {
		now := time.Now()
		next, err := gronx.NextTickAfter(r.cfg.InitiateCron, now, false)
		if err != nil {
			r.log.Error("next initiation time", zap.String("cron", r.cfg.InitiateCron), zap.Error(err))
			return
		}
		r.log.Debug("next initiation pass", zap.String("at", humanize.Time(next)))

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}
		if _, _, err := r.Initiate(ctx); err != nil {
			r.log.Error("initiation failed", zap.Error(err))
		}
	}
}

// Tick runs one conversation tick then one group tick. Concurrent calls
// are serialized.
func (r *Runner) Tick(ctx context.Context) (conversations, groups TickResult, err error) {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()

	conversations, cerr := r.conversations.Tick(ctx)
	groups, gerr := r.groups.Tick(ctx)
	return conversations, groups, multierr.Append(cerr, gerr)
}

// Initiate runs one initiation pass for each scheduler and returns how many
// conversations and groups were started.
func (r *Runner) Initiate(ctx context.Context) (conversations, groups int, err error) {
	r.initMu.Lock()
	defer r.initMu.Unlock()

	conversations, cerr := r.conversations.Initiate(ctx)
	groups, gerr := r.groups.Initiate(ctx)
	if conversations > 0 || groups > 0 {
		r.log.Info("initiation pass",
			zap.Int("conversations", conversations),
			zap.Int("groups", groups),
		)
	}
	return conversations, groups, multierr.Append(cerr, gerr)
}
