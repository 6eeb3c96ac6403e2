package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/malbeclabs/replicator/replicator/pkg/capture"
	"github.com/robfig/cron/v3"
)

const (
	DefaultFullSchedule        = "0 0 * * *"
	DefaultIncrementalSchedule = "*/15 * * * *"
)

// Capturer runs one capture for every configured table of a mode.
type Capturer interface {
	RunCapture(ctx context.Context, mode capture.Mode) error
}

type SchedulerConfig struct {
	Logger   *slog.Logger
	Capturer Capturer

	// Cron expressions in UTC. "-" disables a schedule.
	FullSchedule        string
	IncrementalSchedule string
	// RunTimeout bounds a single scheduled capture. Zero means no bound.
	RunTimeout time.Duration
}

func (cfg *SchedulerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Capturer == nil {
		return errors.New("capturer is required")
	}
	if cfg.FullSchedule == "" {
		cfg.FullSchedule = DefaultFullSchedule
	}
	if cfg.IncrementalSchedule == "" {
		cfg.IncrementalSchedule = DefaultIncrementalSchedule
	}
	return nil
}

// Scheduler triggers full and incremental captures on cron schedules.
// Overlapping runs of the same mode are skipped.
type Scheduler struct {
	log     *slog.Logger
	cfg     SchedulerConfig
	cron    *cron.Cron
	entries map[capture.Mode]cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clog := cronLogger{log: cfg.Logger}
	s := &Scheduler{
		log: cfg.Logger,
		cfg: cfg,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(clog),
			cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
		),
		entries: make(map[capture.Mode]cron.EntryID),
	}
	for mode, spec := range map[capture.Mode]string{
		capture.ModeFull:        cfg.FullSchedule,
		capture.ModeIncremental: cfg.IncrementalSchedule,
	} {
		if spec == "-" {
			continue
		}
		id, err := s.cron.AddFunc(spec, func() { s.run(mode) })
		if err != nil {
			return nil, fmt.Errorf("invalid %s schedule %q: %w", mode, spec, err)
		}
		s.entries[mode] = id
	}
	return s, nil
}

// Start begins scheduling. Runs stop being triggered once ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	for mode, id := range s.entries {
		s.log.Info("trigger: scheduled capture", "mode", mode, "next", s.cron.Entry(id).Next)
	}
	go func() {
		<-s.ctx.Done()
		s.Stop()
	}()
}

// Stop stops scheduling, cancels running captures and waits for them to
// return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
}

func (s *Scheduler) run(mode capture.Mode) {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if s.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RunTimeout)
		defer cancel()
	}
	if err := s.cfg.Capturer.RunCapture(ctx, mode); err != nil {
		s.log.Error("trigger: scheduled capture failed", "mode", mode, "error", err)
	}
}

type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("trigger: cron "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("trigger: cron "+msg, append(keysAndValues, "error", err)...)
}
