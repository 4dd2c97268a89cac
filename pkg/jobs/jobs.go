// Package jobs contains the per-item transforms run by the harvester executables.
//
// Each transform is a task.Transform over a pooled *fetch.Client. Transforms
// return errors for any problem; retries and timeouts are handled by the executor.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/Sternrassler/fut-harvester/pkg/fetch"
	"github.com/Sternrassler/fut-harvester/pkg/task"
)

// ErrEmptyPayload is returned when a definition endpoint answers with an empty body.
var ErrEmptyPayload = errors.New("empty payload")

// Placeholders substituted into URL templates.
const (
	PlaceholderID        = "{id}"
	PlaceholderPage      = "{page}"
	PlaceholderArchetype = "{archetype}"
)

// Expand substitutes placeholders into template. Values are query-escaped.
func Expand(template string, values map[string]string) string {
	pairs := make([]string, 0, len(values)*2)
	for k, v := range values {
		pairs = append(pairs, k, url.QueryEscape(v))
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// ItemDefinition fetches the raw JSON document for one identifier.
// The template must contain {id}, e.g. "https://host/api/items/{id}/".
func ItemDefinition(urlTemplate string) task.Transform[*fetch.Client, json.RawMessage] {
	return func(ctx context.Context, c *fetch.Client, item task.WorkItem) (json.RawMessage, error) {
		target := Expand(urlTemplate, map[string]string{PlaceholderID: item.ID})

		var doc json.RawMessage
		if err := c.GetJSON(ctx, target, &doc); err != nil {
			return nil, err
		}
		if len(doc) == 0 || string(doc) == "null" {
			return nil, fmt.Errorf("%s: %w", target, ErrEmptyPayload)
		}
		return doc, nil
	}
}
