package sink

import (
	"context"
	"sync"

	"github.com/Sternrassler/fut-harvester/pkg/jsonfile"
)

// IDSet is an insertion-ordered set of identifiers gathered by discovery jobs,
// rewritten to its file after every page.
type IDSet struct {
	path    string
	options jsonfile.Options

	mu    sync.Mutex
	order []string
	seen  map[string]struct{}
}

// NewIDSet creates an empty set bound to path.
func NewIDSet(path string, options jsonfile.Options) *IDSet {
	return &IDSet{
		path:    path,
		options: options,
		seen:    make(map[string]struct{}),
	}
}

// Load merges the ids already stored at the set's path.
func (s *IDSet) Load() error {
	var ids []string
	if _, err := jsonfile.Read(s.path, &ids); err != nil {
		return err
	}
	s.Add(ids...)
	return nil
}

// Add unions ids into the set and returns how many were new.
func (s *IDSet) Add(ids ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, id := range ids {
		if _, ok := s.seen[id]; ok {
			continue
		}
		s.seen[id] = struct{}{}
		s.order = append(s.order, id)
		added++
	}
	return added
}

// Len returns the number of ids.
func (s *IDSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Slice returns the ids in insertion order.
func (s *IDSet) Slice() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Save rewrites the set's file.
func (s *IDSet) Save(ctx context.Context) error {
	return jsonfile.Write(ctx, s.path, s.Slice(), s.options)
}

// Path returns the file the set is persisted to.
func (s *IDSet) Path() string {
	return s.path
}
