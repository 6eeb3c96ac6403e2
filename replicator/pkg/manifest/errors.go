package manifest

import "fmt"

// TransformationError fails the whole capture. Line is 1-based and zero when
// the failure concerns the file as a whole.
type TransformationError struct {
	File string
	Line int
	Err  error
}

func (e *TransformationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("failed to transform %s line %d: %v", e.File, e.Line, e.Err)
	}
	return fmt.Sprintf("failed to transform %s: %v", e.File, e.Err)
}

func (e *TransformationError) Unwrap() error {
	return e.Err
}
