package tablespec

import "fmt"

// NotFoundError is returned when a table has no mapping.
type NotFoundError struct {
	Table string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no table mapping for %q", e.Table)
}

// ConfigurationError reports metadata that is missing or inconsistent for a
// table that has data to replicate. It is fatal: the caller must fix the
// mapping before the stage can succeed.
type ConfigurationError struct {
	Table string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error for table %q: %v", e.Table, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
