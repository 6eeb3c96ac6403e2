package objectstore

import "fmt"

// NotFoundError identifies the missing object. It matches ErrNotFound.
type NotFoundError struct {
	Bucket string
	Key    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("object s3://%s/%s not found", e.Bucket, e.Key)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}
