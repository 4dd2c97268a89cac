package task

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrInvalidInput is returned when the input document is neither an array nor an object.
	ErrInvalidInput = errors.New("invalid work item input")

	// ErrMissingID is returned when an object in an input array has no usable id field.
	ErrMissingID = errors.New("work item has no id")
)

// ParseItems builds work items from an input document.
//
// Accepted shapes:
//   - an array of identifiers (strings or numbers)
//   - an array of objects, the id taken from idField and the whole object kept as Meta
//   - an object mapping identifiers to enrichment data, kept as Meta
//
// Object keys are sorted so repeated runs see the same order.
func ParseItems(data []byte, idField string) ([]WorkItem, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidInput)
	}

	switch trimmed[0] {
	case '[':
		return parseArray(trimmed, idField)
	case '{':
		return parseObject(trimmed)
	default:
		return nil, fmt.Errorf("%w: expected array or object", ErrInvalidInput)
	}
}

func parseArray(data []byte, idField string) ([]WorkItem, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	items := make([]WorkItem, 0, len(raw))
	for i, elem := range raw {
		elem = bytes.TrimSpace(elem)
		if len(elem) > 0 && elem[0] == '{' {
			if idField == "" {
				return nil, fmt.Errorf("%w: element %d is an object but no id field is configured", ErrMissingID, i)
			}
			var obj map[string]json.RawMessage
			if err := json.Unmarshal(elem, &obj); err != nil {
				return nil, fmt.Errorf("%w: element %d: %v", ErrInvalidInput, i, err)
			}
			id, err := ScalarID(obj[idField])
			if err != nil {
				return nil, fmt.Errorf("%w: element %d field %q: %v", ErrMissingID, i, idField, err)
			}
			items = append(items, WorkItem{ID: id, Meta: elem})
			continue
		}

		id, err := ScalarID(elem)
		if err != nil {
			return nil, fmt.Errorf("%w: element %d: %v", ErrInvalidInput, i, err)
		}
		items = append(items, WorkItem{ID: id})
	}
	return items, nil
}

func parseObject(data []byte) ([]WorkItem, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	items := make([]WorkItem, 0, len(keys))
	for _, k := range keys {
		items = append(items, WorkItem{ID: k, Meta: obj[k]})
	}
	return items, nil
}

// ScalarID renders a JSON string or number as an identifier.
func ScalarID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", errors.New("missing value")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", err
	}

	switch val := v.(type) {
	case string:
		if strings.TrimSpace(val) == "" {
			return "", errors.New("empty string")
		}
		return val, nil
	case json.Number:
		return val.String(), nil
	default:
		return "", fmt.Errorf("unsupported id type %T", v)
	}
}

// Pending drops items whose ids are already done, keeping input order.
// Duplicate ids in the input are collapsed to their first occurrence.
func Pending(items []WorkItem, done func(id string) bool) (pending []WorkItem, skipped int) {
	seen := make(map[string]struct{}, len(items))
	pending = make([]WorkItem, 0, len(items))
	for _, item := range items {
		if _, dup := seen[item.ID]; dup {
			continue
		}
		seen[item.ID] = struct{}{}
		if done != nil && done(item.ID) {
			skipped++
			continue
		}
		pending = append(pending, item)
	}
	return pending, skipped
}
