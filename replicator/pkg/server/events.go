package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
)

// objectCreated is either a single {"bucket","key"} notification or an S3
// event notification document with a Records list.
type objectCreated struct {
	Bucket  string `json:"bucket"`
	Key     string `json:"key"`
	Records []struct {
		EventName string `json:"eventName"`
		S3        struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key string `json:"key"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

type objectRef struct {
	Bucket string
	Key    string
}

// parseObjectCreated extracts the created objects from a notification body.
// S3 event keys arrive URL-encoded.
func parseObjectCreated(body []byte) ([]objectRef, error) {
	var ev objectCreated
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode notification: %w", err)
	}
	if len(ev.Records) == 0 {
		if ev.Key == "" {
			return nil, errors.New("notification has no key")
		}
		return []objectRef{{Bucket: ev.Bucket, Key: ev.Key}}, nil
	}

	refs := make([]objectRef, 0, len(ev.Records))
	for _, r := range ev.Records {
		key, err := url.QueryUnescape(r.S3.Object.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to decode key %q: %w", r.S3.Object.Key, err)
		}
		if key == "" {
			return nil, errors.New("notification record has no key")
		}
		refs = append(refs, objectRef{Bucket: r.S3.Bucket.Name, Key: key})
	}
	return refs, nil
}
