package capture

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/malbeclabs/replicator/replicator/pkg/objectstore"
)

// WatermarkLayout is the persisted watermark format, UTC with microseconds.
const WatermarkLayout = "2006-01-02T15:04:05.000000Z"

// WatermarkStore persists the end of the last accepted incremental window per
// table.
type WatermarkStore interface {
	Get(ctx context.Context, table string) (time.Time, bool, error)
	Put(ctx context.Context, table string, t time.Time) error
}

// ObjectWatermarkStore keeps watermarks as plain text objects next to the
// table's incremental exports.
type ObjectWatermarkStore struct {
	store  objectstore.Store
	prefix string
}

func NewObjectWatermarkStore(store objectstore.Store, prefix string) *ObjectWatermarkStore {
	return &ObjectWatermarkStore{store: store, prefix: prefix}
}

// Key returns the object key holding table's watermark.
func (s *ObjectWatermarkStore) Key(table string) string {
	return path.Join(IncrementalExportPrefix(s.prefix, table), "last-export-time.txt")
}

func (s *ObjectWatermarkStore) Get(ctx context.Context, table string) (time.Time, bool, error) {
	data, err := s.store.Get(ctx, s.Key(table))
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("failed to read watermark: %w", err)
	}
	t, err := ParseWatermark(string(data))
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

func (s *ObjectWatermarkStore) Put(ctx context.Context, table string, t time.Time) error {
	if err := s.store.Put(ctx, s.Key(table), []byte(FormatWatermark(t))); err != nil {
		return fmt.Errorf("failed to write watermark: %w", err)
	}
	return nil
}

func FormatWatermark(t time.Time) string {
	return t.UTC().Format(WatermarkLayout)
}

func ParseWatermark(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	t, err := time.Parse(WatermarkLayout, s)
	if err != nil {
		if t2, err2 := time.Parse(time.RFC3339Nano, s); err2 == nil {
			return t2.UTC(), nil
		}
		return time.Time{}, fmt.Errorf("invalid watermark %q: %w", s, err)
	}
	return t.UTC(), nil
}
