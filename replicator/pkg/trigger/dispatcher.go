package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/malbeclabs/replicator/replicator/pkg/manifest"
)

type Route string

const (
	RouteTransform Route = "transform"
	RouteLoad      Route = "load"
	RouteIgnored   Route = "ignored"
)

// RouteFor maps an object key to the stage that consumes it.
func RouteFor(key string) Route {
	switch {
	case strings.HasSuffix(key, manifest.SummaryFileName):
		return RouteTransform
	case strings.HasSuffix(key, manifest.ManifestFileName):
		return RouteLoad
	default:
		return RouteIgnored
	}
}

// Stages runs the object-driven pipeline stages.
type Stages interface {
	// RunTransform returns the written manifest key, or "" when the export
	// had no data.
	RunTransform(ctx context.Context, summaryKey string) (string, error)
	RunLoad(ctx context.Context, manifestKey string) error
}

type DispatcherConfig struct {
	Logger *slog.Logger
	Stages Stages
	// Chain loads the manifest written by a transform directly instead of
	// waiting for its object-created notification.
	Chain bool
}

func (cfg *DispatcherConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Stages == nil {
		return errors.New("stages are required")
	}
	return nil
}

// Dispatcher routes object-created notifications to pipeline stages.
type Dispatcher struct {
	log *slog.Logger
	cfg DispatcherConfig
}

func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Dispatcher{log: cfg.Logger, cfg: cfg}, nil
}

// Dispatch handles one created object and reports the route it took.
func (d *Dispatcher) Dispatch(ctx context.Context, key string) (Route, error) {
	route := RouteFor(key)
	switch route {
	case RouteTransform:
		manifestKey, err := d.cfg.Stages.RunTransform(ctx, key)
		if err != nil {
			return route, fmt.Errorf("failed to transform %s: %w", key, err)
		}
		if d.cfg.Chain && manifestKey != "" {
			if err := d.cfg.Stages.RunLoad(ctx, manifestKey); err != nil {
				return route, fmt.Errorf("failed to load %s: %w", manifestKey, err)
			}
		}
	case RouteLoad:
		if err := d.cfg.Stages.RunLoad(ctx, key); err != nil {
			return route, fmt.Errorf("failed to load %s: %w", key, err)
		}
	default:
		d.log.Debug("trigger: ignoring object", "key", key)
	}
	return route, nil
}
