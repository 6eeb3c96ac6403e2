package replicator

import (
	"context"
	"fmt"
	"time"

	"github.com/malbeclabs/replicator/replicator/pkg/server"
	"github.com/malbeclabs/replicator/replicator/pkg/trigger"
)

type ServeConfig struct {
	ListenAddr  string
	VersionInfo server.VersionInfo
	Bucket      string

	// Cron schedules; "-" disables one. Scheduling is off when capture is
	// not configured.
	FullSchedule        string
	IncrementalSchedule string
	CaptureTimeout      time.Duration

	// ChainLoads loads manifests as soon as they are written.
	ChainLoads bool
	Events     server.EventReader
	Ready      func(ctx context.Context) error
}

// Serve runs the scheduler and the notification server until ctx is done.
func (r *Replicator) Serve(ctx context.Context, cfg ServeConfig) error {
	dispatcher, err := trigger.NewDispatcher(trigger.DispatcherConfig{
		Logger: r.log,
		Stages: r,
		Chain:  cfg.ChainLoads,
	})
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}

	srv, err := server.New(server.Config{
		Logger:      r.log,
		ListenAddr:  cfg.ListenAddr,
		VersionInfo: cfg.VersionInfo,
		Dispatcher:  dispatcher,
		Bucket:      cfg.Bucket,
		Events:      cfg.Events,
		Ready:       cfg.Ready,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if r.cfg.Capture != nil {
		scheduler, err := trigger.NewScheduler(trigger.SchedulerConfig{
			Logger:              r.log,
			Capturer:            r,
			FullSchedule:        cfg.FullSchedule,
			IncrementalSchedule: cfg.IncrementalSchedule,
			RunTimeout:          cfg.CaptureTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to create scheduler: %w", err)
		}
		scheduler.Start(ctx)
		defer scheduler.Stop()
	} else {
		r.log.Info("replicator: capture not configured, scheduling disabled")
	}

	return srv.Run(ctx)
}
