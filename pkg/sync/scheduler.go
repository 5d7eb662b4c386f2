package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/meetsync/meetsync/internal/config"
	"github.com/meetsync/meetsync/internal/event_bus"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// Scheduler turns the various sync triggers (local writes, periodic timer,
// explicit user refresh) into at most one reconciliation pass at a time.
// Triggers arriving while a pass runs collapse into a single follow-up pass.
type Scheduler struct {
	engine *Engine
	bus    *event_bus.EventBus
	cfg    config.Sync
	cron   *cron.Cron

	trigger chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	stop    gosync.Once

	mu       gosync.Mutex
	debounce *time.Timer
}

func NewScheduler(engine *Engine, bus *event_bus.EventBus, cfg config.Sync) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		engine:  engine,
		bus:     bus,
		cfg:     cfg,
		cron:    cron.New(),
		trigger: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start wires the triggers and launches the run loop.
func (s *Scheduler) Start() error {
	s.bus.Subscribe(event_bus.EventRecordModified, func(e event_bus.Event) error {
		s.TriggerDebounced()
		return nil
	})

	if s.cfg.Interval != "" {
		if _, err := s.cron.AddFunc(s.cfg.Interval, s.TriggerNow); err != nil {
			return err
		}
		s.cron.Start()
	}

	go s.run()
	return nil
}

// Stop halts the triggers and cancels any pass still in flight; the engine
// gives up at its next phase boundary.
func (s *Scheduler) Stop() {
	s.stop.Do(func() {
		s.cron.Stop()
		s.mu.Lock()
		if s.debounce != nil {
			s.debounce.Stop()
		}
		s.mu.Unlock()
		s.cancel()
	})
}

// TriggerNow requests a pass immediately, bypassing the debounce. When a
// pass is already pending or running, the request coalesces into it.
func (s *Scheduler) TriggerNow() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// TriggerDebounced requests a pass after the configured quiet period,
// restarting the timer on every call so bursts of local writes cause one
// pass.
func (s *Scheduler) TriggerDebounced() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounce = time.AfterFunc(s.cfg.Debounce, s.TriggerNow)
}

func (s *Scheduler) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.trigger:
			if err := s.engine.RunAll(s.ctx); err != nil && s.ctx.Err() == nil {
				log.Errorf("scheduled sync run failed: %v", err)
			}
		}
	}
}
