// Package manifest turns completed exports into load manifests.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/malbeclabs/replicator/replicator/pkg/tablespec"
)

type ExportType string

const (
	ExportTypeFull        ExportType = "FULL_EXPORT"
	ExportTypeIncremental ExportType = "INCREMENTAL_EXPORT"
)

const (
	SummaryFileName  = "manifest-summary.json"
	ManifestFileName = "warehouse.manifest"
	NoDataMarkerName = "processed_no_data.txt"
)

// Summary is the completion descriptor the source store writes when an
// export finishes.
type Summary struct {
	ExportType         ExportType `json:"exportType"`
	S3Prefix           string     `json:"s3Prefix"`
	ManifestFilesS3Key string     `json:"manifestFilesS3Key"`
}

func (s *Summary) validate() error {
	switch s.ExportType {
	case ExportTypeFull, ExportTypeIncremental:
	default:
		return fmt.Errorf("unknown export type %q", s.ExportType)
	}
	if strings.Trim(s.S3Prefix, "/") == "" {
		return errors.New("s3Prefix is required")
	}
	if s.ManifestFilesS3Key == "" {
		return errors.New("manifestFilesS3Key is required")
	}
	return nil
}

// TableName is the last segment of the export prefix.
func (s *Summary) TableName() string {
	prefix := strings.TrimRight(s.S3Prefix, "/")
	return prefix[strings.LastIndex(prefix, "/")+1:]
}

// DataFile is one entry of an export's file listing.
type DataFile struct {
	DataFileS3Key string `json:"dataFileS3Key"`
}

// ParseListing accepts either a JSON array or newline-delimited JSON objects.
func ParseListing(data []byte) ([]DataFile, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var files []DataFile
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &files); err != nil {
			return nil, fmt.Errorf("failed to parse file listing: %w", err)
		}
	} else {
		for i, line := range bytes.Split(trimmed, []byte("\n")) {
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			var f DataFile
			if err := json.Unmarshal(line, &f); err != nil {
				return nil, fmt.Errorf("failed to parse file listing line %d: %w", i+1, err)
			}
			files = append(files, f)
		}
	}
	for i, f := range files {
		if f.DataFileS3Key == "" {
			return nil, fmt.Errorf("file listing entry %d has no dataFileS3Key", i)
		}
	}
	return files, nil
}

type Entry struct {
	URL       string `json:"url"`
	Mandatory bool   `json:"mandatory"`
}

// LoadManifest is the handoff between the transformer and the warehouse
// loader.
type LoadManifest struct {
	Entries         []Entry                `json:"entries"`
	SourceTableName string                 `json:"source_table_name"`
	IsIncremental   bool                   `json:"is_incremental"`
	TargetTable     string                 `json:"target_table"`
	PartitionKey    string                 `json:"partition_key"`
	SortKey         *string                `json:"sort_key"`
	FormatTime      string                 `json:"format_time"`
	ColumnPaths     []tablespec.ColumnPath `json:"column_paths"`
}

// KeyColumns returns the partition key followed by the sort key, if any.
func (m *LoadManifest) KeyColumns() []string {
	if m.SortKey == nil || *m.SortKey == "" {
		return []string{m.PartitionKey}
	}
	return []string{m.PartitionKey, *m.SortKey}
}

func (m *LoadManifest) Validate() error {
	if m.SourceTableName == "" {
		return errors.New("source_table_name is required")
	}
	if m.TargetTable == "" {
		return errors.New("target_table is required")
	}
	if m.PartitionKey == "" {
		return errors.New("partition_key is required")
	}
	if len(m.ColumnPaths) == 0 {
		return errors.New("column_paths must not be empty")
	}
	if len(m.Entries) == 0 {
		return errors.New("entries must not be empty")
	}
	return nil
}

func (m *LoadManifest) Encode() ([]byte, error) {
	return json.MarshalIndent(m, "", "    ")
}

func Decode(data []byte) (*LoadManifest, error) {
	var m LoadManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode load manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid load manifest: %w", err)
	}
	return &m, nil
}
