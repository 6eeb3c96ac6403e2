// Package objectstore is the byte-level object storage used to hand artifacts
// between pipeline stages.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// Store reads and writes whole objects in a single bucket.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
	// Bucket returns the bucket all keys are relative to.
	Bucket() string
}

// URL returns the s3:// URL of key in the store's bucket.
func URL(s Store, key string) string {
	return fmt.Sprintf("s3://%s/%s", s.Bucket(), strings.TrimPrefix(key, "/"))
}

// ParseURL splits an s3://bucket/key URL.
func ParseURL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse object URL %q: %w", raw, err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("expected s3:// scheme, got %q in %q", u.Scheme, raw)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("object URL %q must have a bucket and a key", raw)
	}
	return u.Host, key, nil
}

// KeyFromURL returns the key of an s3:// URL that must point into the store's
// bucket.
func KeyFromURL(s Store, raw string) (string, error) {
	bucket, key, err := ParseURL(raw)
	if err != nil {
		return "", err
	}
	if bucket != s.Bucket() {
		return "", fmt.Errorf("object URL %q is outside bucket %q", raw, s.Bucket())
	}
	return key, nil
}

// ReadDecoded reads key and transparently decompresses it when the key ends
// in .gz.
func ReadDecoded(ctx context.Context, s Store, key string) ([]byte, error) {
	data, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(key, ".gz") {
		return data, nil
	}
	decoded, err := Gunzip(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %s: %w", key, err)
	}
	return decoded, nil
}
