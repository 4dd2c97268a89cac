package progress

import (
	"context"
	"fmt"
	"sync"

	"github.com/Sternrassler/fut-harvester/pkg/jsonfile"
	"github.com/Sternrassler/fut-harvester/pkg/logging"
	"github.com/rs/zerolog"
)

// FileStore keeps progress in two JSON files: an object of phase cursors
// ({"top": 12, "new": 1}) and an array of completed ids. Each mutation
// rewrites the affected file in full.
type FileStore struct {
	cursorPath    string
	completedPath string
	options       jsonfile.Options
	logger        zerolog.Logger

	mu     sync.Mutex
	record Record
	loaded bool
}

// NewFileStore creates a file-backed store. Either path may be empty when the
// job does not use that half of the record.
func NewFileStore(cursorPath, completedPath string, options jsonfile.Options, logger zerolog.Logger) *FileStore {
	return &FileStore{
		cursorPath:    cursorPath,
		completedPath: completedPath,
		options:       options,
		logger:        logging.NewLogger(logger, "progress").With().Str("backend", "file").Logger(),
		record:        NewRecord(),
	}
}

// Load implements Store.
func (s *FileStore) Load(ctx context.Context) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return Record{}, err
	}

	s.logger.Info().
		Int("completed", len(s.record.Completed)).
		Interface("cursors", s.record.Cursors).
		Msg("Progress loaded")

	return s.record.Clone(), nil
}

// load must be called with mu held.
func (s *FileStore) load() error {
	record := NewRecord()

	if s.cursorPath != "" {
		if _, err := jsonfile.Read(s.cursorPath, &record.Cursors); err != nil {
			return fmt.Errorf("load cursors: %w", err)
		}
		if record.Cursors == nil {
			record.Cursors = make(map[string]int)
		}
	}

	if s.completedPath != "" {
		var ids []string
		if _, err := jsonfile.Read(s.completedPath, &ids); err != nil {
			return fmt.Errorf("load completed ids: %w", err)
		}
		for _, id := range ids {
			record.Completed[id] = struct{}{}
		}
	}

	s.record = record
	s.loaded = true
	return nil
}

// MarkCompleted implements Store.
func (s *FileStore) MarkCompleted(ctx context.Context, ids ...string) error {
	if s.completedPath == "" {
		return fmt.Errorf("file store has no completed-ids path")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return err
	}

	added := 0
	for _, id := range ids {
		if _, ok := s.record.Completed[id]; !ok {
			s.record.Completed[id] = struct{}{}
			added++
		}
	}
	if added == 0 {
		return nil
	}

	if err := jsonfile.Write(ctx, s.completedPath, s.record.CompletedIDs(), s.options); err != nil {
		return fmt.Errorf("persist completed ids: %w", err)
	}

	s.logger.Debug().Int("added", added).Int("completed", len(s.record.Completed)).Msg("Completed ids flushed")
	return nil
}

// SaveCursor implements Store.
func (s *FileStore) SaveCursor(ctx context.Context, phase string, next int) error {
	if s.cursorPath == "" {
		return fmt.Errorf("file store has no cursor path")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return err
	}
	if err := s.record.checkCursor(phase, next); err != nil {
		return err
	}

	previous, had := s.record.Cursors[phase]
	s.record.Cursors[phase] = next
	if err := jsonfile.Write(ctx, s.cursorPath, s.record.Cursors, s.options); err != nil {
		if had {
			s.record.Cursors[phase] = previous
		} else {
			delete(s.record.Cursors, phase)
		}
		return fmt.Errorf("persist cursor: %w", err)
	}

	s.logger.Debug().Str("phase", phase).Int("next_page", next).Msg("Cursor flushed")
	return nil
}

// ensureLoaded must be called with mu held. A store that was never loaded
// would otherwise overwrite existing files with partial state.
func (s *FileStore) ensureLoaded() error {
	if s.loaded {
		return nil
	}
	return s.load()
}
