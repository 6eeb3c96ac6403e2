package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	activeFlag   = json.RawMessage(`{"BOOL":true}`)
	inactiveFlag = json.RawMessage(`{"BOOL":false}`)
)

// ActiveAttribute is the synthetic attribute marking a row live or deleted.
const ActiveAttribute = "is_active"

// ChangeRecord is one line of an incremental export.
type ChangeRecord struct {
	Keys     map[string]json.RawMessage `json:"Keys,omitempty"`
	OldImage map[string]json.RawMessage `json:"OldImage,omitempty"`
	NewImage map[string]json.RawMessage `json:"NewImage,omitempty"`
}

// TransformRecord rewrites a change record into a single Item. The new image
// wins when present and is flagged active; otherwise the old image is flagged
// inactive. Other top-level fields are carried over. Object keys in the
// output are sorted, so equal inputs encode identically.
func TransformRecord(line []byte) (out []byte, active bool, err error) {
	var rec map[string]json.RawMessage
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, false, fmt.Errorf("invalid change record: %w", err)
	}
	if rec == nil {
		return nil, false, errors.New("change record is not an object")
	}

	image, flag := rec["NewImage"], activeFlag
	active = true
	if isAbsent(image) {
		image, flag = rec["OldImage"], inactiveFlag
		active = false
	}
	if isAbsent(image) {
		return nil, false, errors.New("change record has neither NewImage nor OldImage")
	}

	var item map[string]json.RawMessage
	if err := json.Unmarshal(image, &item); err != nil {
		return nil, false, fmt.Errorf("invalid image: %w", err)
	}
	if item == nil {
		item = make(map[string]json.RawMessage, 1)
	}
	item[ActiveAttribute] = flag

	encoded, err := json.Marshal(item)
	if err != nil {
		return nil, false, err
	}
	delete(rec, "NewImage")
	delete(rec, "OldImage")
	rec["Item"] = encoded

	out, err = json.Marshal(rec)
	if err != nil {
		return nil, false, err
	}
	return out, active, nil
}

func isAbsent(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
