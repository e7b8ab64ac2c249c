// Package trigger runs the periodic settlement pass: scan for due payments,
// then settle the candidates through the same two-phase protocol external
// callers use.
package trigger

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"paystream/internal/eventbus"
	"paystream/internal/ledger"
	logx "paystream/pkg/logx"
)

// EventSettlementPass is published after every non-empty pass.
const EventSettlementPass = "trigger.settlement_pass"

// Settler is the slice of the ledger the trigger needs.
type Settler interface {
	CheckDue() (bool, ledger.Candidates)
	Settle(ctx context.Context, candidates ledger.Candidates) ledger.Report
}

type Config struct {
	Enabled  bool
	Schedule string
	Timezone string
}

// settleTimeout bounds one settlement pass (the pass itself is in-memory;
// the timeout covers write-through persistence).
const settleTimeout = 30 * time.Second

type Service struct {
	log     logx.Logger
	bus     eventbus.Bus
	settler Settler
	parser  cron.Parser

	mu   sync.Mutex
	cfg  Config
	c    *cron.Cron
	loc  *time.Location
	stop context.CancelFunc
	ctx  context.Context
}

func New(cfg Config, settler Settler, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		settler: settler,
		// SecondOptional allows both 5-field and 6-field cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Enabled reports the current config flag. Apply may run concurrently.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start begins triggering. Disabled or invalid schedules leave the service
// idle; Apply can bring it up later.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.stop = context.WithCancel(ctx)
	s.startLocked()
}

func (s *Service) startLocked() {
	if !s.cfg.Enabled {
		s.log.Debug("trigger disabled")
		return
	}

	spec, err := ParseSchedule(s.cfg.Schedule)
	if err != nil {
		s.log.Error("invalid trigger schedule", logx.String("schedule", s.cfg.Schedule), logx.Err(err))
		return
	}

	loc := s.loadLocationLocked()
	s.loc = loc
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	switch spec.Kind {
	case SpecCron:
		if _, err := c.AddFunc(spec.Cron, s.runPass); err != nil {
			s.log.Error("invalid cron expression", logx.String("cron", spec.Cron), logx.Err(err))
			return
		}
	case SpecInterval:
		c.Schedule(cron.Every(spec.Every), cron.FuncJob(s.runPass))
	}

	c.Start()
	s.c = c
	s.log.Info("trigger started",
		logx.String("schedule", s.cfg.Schedule),
		logx.String("tz", loc.String()),
	)
}

// Apply handles a config reload: a changed schedule or timezone restarts the
// cron runner; toggling Enabled brings it up or down.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := s.cfg.Enabled != cfg.Enabled ||
		strings.TrimSpace(s.cfg.Schedule) != strings.TrimSpace(cfg.Schedule) ||
		strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if !changed || s.ctx == nil {
		return
	}

	s.stopCronLocked(context.Background())
	s.startLocked()
}

// Stop halts triggering. A pass already running is allowed to finish under
// its own timeout.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	if s.stop != nil {
		s.stop()
	}
	s.stopCronLocked(ctx)
	s.mu.Unlock()

	s.log.Info("trigger stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) stopCronLocked(ctx context.Context) {
	c := s.c
	s.c = nil
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("unknown timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// runPass is one scheduled tick: scan, then settle whatever was due.
func (s *Service) runPass() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	has, cands := s.settler.CheckDue()
	if !has {
		s.log.Debug("settlement pass: nothing due")
		return
	}

	cctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()
	rep := s.settler.Settle(cctx, cands)

	s.log.Info("settlement pass",
		logx.Int("candidates", len(cands)),
		logx.Int("settled", rep.Settled),
		logx.Int("deferred", rep.Deferred),
		logx.Int("skipped", rep.Skipped),
	)
	if s.bus != nil && !rep.Empty() {
		s.bus.Publish(eventbus.Event{Type: EventSettlementPass, Data: eventbus.EventData{
			Settled:  rep.Settled,
			Deferred: rep.Deferred,
			Skipped:  rep.Skipped,
		}})
	}
}
