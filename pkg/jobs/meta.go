package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/fut-harvester/pkg/fetch"
	"github.com/Sternrassler/fut-harvester/pkg/jsonfile"
	"github.com/Sternrassler/fut-harvester/pkg/logging"
	"github.com/Sternrassler/fut-harvester/pkg/task"
)

// ErrNotARecord is returned when a meta work item carries no JSON object.
var ErrNotARecord = errors.New("work item meta is not a JSON object")

// MetaConfig configures the meta-rating enrichment transform.
type MetaConfig struct {
	// URLTemplate must contain {id} and {archetype}.
	URLTemplate string

	// ArchetypeField names the record field holding the archetype list.
	ArchetypeField string

	// OutputField names the field the ratings are attached under.
	OutputField string

	// ChemStyles maps chem style ids to labels.
	ChemStyles map[string]string

	// ArchetypeDelay is the pause between archetype requests for one record.
	ArchetypeDelay time.Duration
}

// DefaultMetaConfig returns the defaults used by harvest-meta.
func DefaultMetaConfig() MetaConfig {
	return MetaConfig{
		ArchetypeField: "archetype",
		OutputField:    "metaRatings",
		ArchetypeDelay: 250 * time.Millisecond,
	}
}

// ArchetypeRatings is the rating list fetched for one archetype.
type ArchetypeRatings struct {
	Archetype string           `json:"archetype"`
	Ratings   []map[string]any `json:"ratings"`
}

// LoadChemStyles reads the "chemStyles" map from a maps file.
// A missing file yields an empty map.
func LoadChemStyles(path string) (map[string]string, error) {
	var maps struct {
		ChemStyles map[string]string `json:"chemStyles"`
	}
	if _, err := jsonfile.Read(path, &maps); err != nil {
		return nil, err
	}
	if maps.ChemStyles == nil {
		maps.ChemStyles = map[string]string{}
	}
	return maps.ChemStyles, nil
}

// MetaRatings enriches the record in the work item's Meta with the full
// rating list of every archetype it lists. Each rating gets a chemStyle label
// looked up from its chemstyleId. A record without archetypes gets an empty list.
// Any failed archetype fetch fails the whole attempt.
func MetaRatings(config MetaConfig, logger zerolog.Logger) task.Transform[*fetch.Client, json.RawMessage] {
	defaults := DefaultMetaConfig()
	if config.ArchetypeField == "" {
		config.ArchetypeField = defaults.ArchetypeField
	}
	if config.OutputField == "" {
		config.OutputField = defaults.OutputField
	}
	logger = logging.NewLogger(logger, "meta")

	return func(ctx context.Context, c *fetch.Client, item task.WorkItem) (json.RawMessage, error) {
		var record map[string]json.RawMessage
		if err := json.Unmarshal(item.Meta, &record); err != nil || record == nil {
			return nil, fmt.Errorf("item %s: %w", item.ID, ErrNotARecord)
		}

		archetypes, err := archetypeList(record[config.ArchetypeField])
		if err != nil {
			return nil, fmt.Errorf("item %s: field %q: %w", item.ID, config.ArchetypeField, err)
		}

		out := make([]ArchetypeRatings, 0, len(archetypes))
		for i, archetype := range archetypes {
			if i > 0 {
				if err := wait(ctx, config.ArchetypeDelay); err != nil {
					return nil, err
				}
			}

			target := Expand(config.URLTemplate, map[string]string{
				PlaceholderID:        item.ID,
				PlaceholderArchetype: archetype,
			})
			var ratings []map[string]any
			if err := c.GetJSON(ctx, target, &ratings); err != nil {
				return nil, err
			}
			if len(ratings) == 0 {
				logger.Warn().
					Str("item_id", item.ID).
					Str("archetype", archetype).
					Msg("No ratings found")
			}
			for _, r := range ratings {
				r["chemStyle"] = chemStyleLabel(config.ChemStyles, r["chemstyleId"])
			}
			if ratings == nil {
				ratings = []map[string]any{}
			}
			out = append(out, ArchetypeRatings{Archetype: archetype, Ratings: ratings})
		}

		encoded, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("encode ratings: %w", err)
		}
		record[config.OutputField] = encoded

		return json.Marshal(record)
	}
}

func archetypeList(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var values []json.RawMessage
	if err := json.Unmarshal(raw, &values); err != nil {
		// a single archetype is accepted in place of a list
		id, scalarErr := task.ScalarID(raw)
		if scalarErr != nil {
			return nil, err
		}
		return []string{id}, nil
	}

	out := make([]string, 0, len(values))
	for _, v := range values {
		id, err := task.ScalarID(v)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// chemStyleLabel returns the mapped label, or the raw id when it is unknown.
func chemStyleLabel(styles map[string]string, id any) any {
	var key string
	switch v := id.(type) {
	case float64:
		key = fmt.Sprintf("%d", int64(v))
	case string:
		key = v
	default:
		return id
	}
	if label, ok := styles[key]; ok {
		return label
	}
	return id
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
