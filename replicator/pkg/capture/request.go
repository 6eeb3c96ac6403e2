// Package capture submits full and incremental export requests for source
// tables and keeps the per-table incremental watermark.
package capture

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/malbeclabs/replicator/replicator/pkg/window"
)

type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

const (
	ExportFormatDynamoDBJSON = "DYNAMODB_JSON"
	SSEAlgorithmAES256       = "AES256"
)

func (m Mode) Validate() error {
	switch m {
	case ModeFull, ModeIncremental:
		return nil
	default:
		return fmt.Errorf("unknown capture mode %q", string(m))
	}
}

// ExportType is the source store's name for the mode.
func (m Mode) ExportType() string {
	if m == ModeIncremental {
		return "INCREMENTAL_EXPORT"
	}
	return "FULL_EXPORT"
}

// Request is one capture request against the source store.
type Request struct {
	Table  string
	Bucket string
	// Prefix is the output prefix inside Bucket.
	Prefix string
	Mode   Mode
	// ExportTime is the point in time of a full export and the invocation
	// time of an incremental one.
	ExportTime time.Time
	// Window is set for incremental requests only.
	Window       *window.Window
	Format       string
	SSEAlgorithm string
}

// Exporter submits capture requests. Export returns once the request has been
// accepted; completion is observed later through the export's summary object.
type Exporter interface {
	Export(ctx context.Context, req Request) (string, error)
}

// FullExportPrefix is where full exports of table are written.
func FullExportPrefix(prefix, table string) string {
	return path.Join(prefix, "dynamodb-export", "full-export", table)
}

// IncrementalExportPrefix is where incremental exports of table are written.
func IncrementalExportPrefix(prefix, table string) string {
	return path.Join(prefix, "dynamodb-export", "incremental-export", table)
}
