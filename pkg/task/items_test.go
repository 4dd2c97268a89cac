package task

import (
	"errors"
	"testing"
)

func TestParseItems(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		idField string
		wantIDs []string
		wantErr error
	}{
		{
			name:    "string array",
			input:   `["a", "b", "c"]`,
			wantIDs: []string{"a", "b", "c"},
		},
		{
			name:    "number array keeps integer form",
			input:   `[1, 2, 50571547]`,
			wantIDs: []string{"1", "2", "50571547"},
		},
		{
			name:    "object array uses id field",
			input:   `[{"eaId": 10, "name": "x"}, {"eaId": "11"}]`,
			idField: "eaId",
			wantIDs: []string{"10", "11"},
		},
		{
			name:    "object map sorted by key",
			input:   `{"b": {"x": 1}, "a": {"x": 2}}`,
			wantIDs: []string{"a", "b"},
		},
		{
			name:    "object array without id field",
			input:   `[{"eaId": 10}]`,
			wantErr: ErrMissingID,
		},
		{
			name:    "object missing configured field",
			input:   `[{"name": "x"}]`,
			idField: "eaId",
			wantErr: ErrMissingID,
		},
		{
			name:    "scalar document",
			input:   `42`,
			wantErr: ErrInvalidInput,
		},
		{
			name:    "empty document",
			input:   `  `,
			wantErr: ErrInvalidInput,
		},
		{
			name:    "boolean id",
			input:   `[true]`,
			wantErr: ErrInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := ParseItems([]byte(tt.input), tt.idField)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseItems() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseItems() error = %v", err)
			}
			if len(items) != len(tt.wantIDs) {
				t.Fatalf("len(items) = %d, want %d", len(items), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if items[i].ID != id {
					t.Errorf("items[%d].ID = %q, want %q", i, items[i].ID, id)
				}
			}
		})
	}
}

func TestParseItems_KeepsMeta(t *testing.T) {
	items, err := ParseItems([]byte(`{"7": {"archetype": ["a1"]}}`), "")
	if err != nil {
		t.Fatalf("ParseItems() error = %v", err)
	}
	if string(items[0].Meta) != `{"archetype": ["a1"]}` {
		t.Errorf("Meta = %s", items[0].Meta)
	}
}

func TestPending(t *testing.T) {
	items := []WorkItem{{ID: "1"}, {ID: "2"}, {ID: "2"}, {ID: "3"}, {ID: "4"}}
	done := map[string]bool{"1": true, "3": true}

	pending, skipped := Pending(items, func(id string) bool { return done[id] })

	if skipped != 2 {
		t.Errorf("skipped = %d, want 2", skipped)
	}
	if len(pending) != 2 || pending[0].ID != "2" || pending[1].ID != "4" {
		t.Errorf("pending = %+v, want [2 4]", pending)
	}
}

func TestResult(t *testing.T) {
	ok := Completed(WorkItem{ID: "1"}, "payload", 1)
	if !ok.IsCompleted() || ok.Reason() != "" {
		t.Errorf("Completed result = %+v", ok)
	}

	failed := Exhausted[string](WorkItem{ID: "2"}, errors.New("boom"), 3)
	if failed.IsCompleted() {
		t.Error("Exhausted result should not be completed")
	}
	if failed.Reason() != "boom" {
		t.Errorf("Reason() = %q, want boom", failed.Reason())
	}
	if failed.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", failed.Attempts)
	}
}
