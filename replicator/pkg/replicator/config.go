package replicator

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/replicator/replicator/pkg/capture"
	"github.com/malbeclabs/replicator/replicator/pkg/journal"
	"github.com/malbeclabs/replicator/replicator/pkg/manifest"
	"github.com/malbeclabs/replicator/replicator/pkg/objectstore"
	"github.com/malbeclabs/replicator/replicator/pkg/tablespec"
	"github.com/malbeclabs/replicator/replicator/pkg/trigger"
	"github.com/malbeclabs/replicator/replicator/pkg/warehouse"
)

type Capturer interface {
	RunWithOptions(ctx context.Context, tables []string, mode capture.Mode, opts capture.RunOptions) (*capture.Result, error)
}

type Transformer interface {
	Transform(ctx context.Context, summaryKey string) (*manifest.LoadManifest, string, error)
}

type Loader interface {
	LoadWithResult(ctx context.Context, m *manifest.LoadManifest) (*warehouse.LoadResult, error)
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  objectstore.Store

	// Each stage is optional; running a stage that is not configured fails.
	Capture     Capturer
	Transformer Transformer
	Loader      Loader

	Exports tablespec.ExportLists
	Journal journal.Journal
	// Locks serializes loads per target table.
	Locks *trigger.KeyedMutex
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("object store is required")
	}
	if cfg.Capture == nil && cfg.Transformer == nil && cfg.Loader == nil {
		return errors.New("at least one stage is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Journal == nil {
		cfg.Journal = journal.Nop{}
	}
	if cfg.Locks == nil {
		cfg.Locks = trigger.NewKeyedMutex()
	}
	return nil
}
