package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/malbeclabs/replicator/replicator/pkg/journal"
	"github.com/malbeclabs/replicator/replicator/pkg/trigger"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Dispatcher handles a created object.
type Dispatcher interface {
	Dispatch(ctx context.Context, key string) (trigger.Route, error)
}

// EventReader lists journal events.
type EventReader interface {
	Recent(ctx context.Context, sourceTable string, limit int) ([]journal.Event, error)
}

type Config struct {
	Logger            *slog.Logger
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo

	Dispatcher Dispatcher
	// Bucket, when set, rejects notifications for other buckets.
	Bucket string
	// Events is optional; /events returns 404 without it.
	Events EventReader
	// Ready reports whether dependencies are reachable. Nil means always
	// ready.
	Ready func(ctx context.Context) error
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Dispatcher == nil {
		return errors.New("dispatcher is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return nil
}
