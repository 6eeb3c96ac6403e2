package capture

import (
	"errors"
	"fmt"
)

// ErrNoTables is returned when a run is given no tables.
var ErrNoTables = errors.New("no tables to export")

// TableCaptureError records the failure of one table. Other tables in the
// same run are still attempted.
type TableCaptureError struct {
	Table string
	Err   error
}

func (e *TableCaptureError) Error() string {
	return fmt.Sprintf("failed to capture table %s: %v", e.Table, e.Err)
}

func (e *TableCaptureError) Unwrap() error {
	return e.Err
}

// BatchCaptureError is returned after every table was attempted and at least
// one failed. It unwraps to the first failure in table input order.
type BatchCaptureError struct {
	Mode   Mode
	Failed int
	Total  int
	First  *TableCaptureError
}

func (e *BatchCaptureError) Error() string {
	return fmt.Sprintf("%d of %d tables failed %s capture, first: %v", e.Failed, e.Total, e.Mode, e.First)
}

func (e *BatchCaptureError) Unwrap() error {
	return e.First
}
