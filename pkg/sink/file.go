package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Sternrassler/fut-harvester/pkg/jsonfile"
)

// ErrNoIndex is returned by LoadEntries when an output file has payloads but
// no id index and no fallback could name them.
var ErrNoIndex = errors.New("output file has no id index")

// IndexPath returns the id index written next to an output file:
// "items.json" is indexed by "items.ids.json".
func IndexPath(path string) string {
	return strings.TrimSuffix(path, ".json") + ".ids.json"
}

// JSONFileWriter writes payloads as a pretty-printed JSON array, plus an id
// index holding the work-item id of every payload at the same position.
type JSONFileWriter[P any] struct {
	path    string
	options jsonfile.Options
}

// NewJSONFileWriter creates a writer for path.
func NewJSONFileWriter[P any](path string, options jsonfile.Options) *JSONFileWriter[P] {
	return &JSONFileWriter[P]{path: path, options: options}
}

// Name implements Writer.
func (w *JSONFileWriter[P]) Name() string {
	return "file:" + w.path
}

// Path returns the output path.
func (w *JSONFileWriter[P]) Path() string {
	return w.path
}

// Write implements Writer. The payload file is written before the index, and
// collected entries only ever append or replace in place, so an index left
// behind by an interrupted write is a prefix of the payload file.
func (w *JSONFileWriter[P]) Write(ctx context.Context, entries []Entry[P]) error {
	payloads := make([]P, len(entries))
	ids := make([]string, len(entries))
	for i, e := range entries {
		payloads[i] = e.Payload
		ids[i] = e.ID
	}
	if err := jsonfile.Write(ctx, w.path, payloads, w.options); err != nil {
		return err
	}
	if err := jsonfile.Write(ctx, IndexPath(w.path), ids, w.options); err != nil {
		return fmt.Errorf("write id index: %w", err)
	}
	return nil
}

// LoadEntries reads a previous output file back as entries, naming each payload
// from the id index. Payloads past the end of the index were never recorded as
// completed and are dropped. Without an index, fallback names each payload; a
// nil fallback or a payload it cannot name fails with ErrNoIndex. A missing
// output file yields no entries.
func LoadEntries[P any](path string, fallback func(P) (string, bool)) ([]Entry[P], error) {
	var payloads []P
	ok, err := jsonfile.Read(path, &payloads)
	if err != nil || !ok {
		return nil, err
	}

	var ids []string
	indexed, err := jsonfile.Read(IndexPath(path), &ids)
	if err != nil {
		return nil, fmt.Errorf("read id index: %w", err)
	}

	if !indexed {
		if len(payloads) == 0 {
			return nil, nil
		}
		if fallback == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoIndex, path)
		}
		entries := make([]Entry[P], 0, len(payloads))
		for i, p := range payloads {
			id, ok := fallback(p)
			if !ok {
				return nil, fmt.Errorf("%w: entry %d in %s has no id", ErrNoIndex, i, path)
			}
			entries = append(entries, Entry[P]{ID: id, Payload: p})
		}
		return entries, nil
	}

	n := min(len(ids), len(payloads))
	entries := make([]Entry[P], 0, n)
	for i := range n {
		entries = append(entries, Entry[P]{ID: ids[i], Payload: payloads[i]})
	}
	return entries, nil
}

// JSONField returns a LoadEntries fallback for raw JSON objects that reads one
// top-level field.
func JSONField(field string) func(json.RawMessage) (string, bool) {
	return func(raw json.RawMessage) (string, bool) {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return "", false
		}
		v, ok := obj[field]
		if !ok {
			return "", false
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			return s, s != ""
		}
		var n json.Number
		if err := json.Unmarshal(v, &n); err == nil {
			return n.String(), true
		}
		return "", false
	}
}
