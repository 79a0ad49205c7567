// Package chatstore persists conversations as JSON files under a single
// directory, one file per named chat.
package chatstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"fireside/internal/domain"
)

// writeFile is injectable so tests can force write errors.
var writeFile = os.WriteFile

// Store reads and writes named conversation snapshots.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir. The directory is created on the
// first save. Panics if dir is empty.
func NewStore(dir string) *Store {
	if dir == "" {
		panic("chatstore: dir must not be empty")
	}
	return &Store{dir: dir}
}

// validName rejects names that would escape the store directory.
func validName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("chatstore: name must not be empty")
	}
	if name != filepath.Base(name) || name == "." || name == ".." {
		return fmt.Errorf("chatstore: invalid name %q", name)
	}
	return nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Save writes the conversation under the given name, replacing any previous
// snapshot with that name.
func (s *Store) Save(name string, state domain.ConversationState) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("chatstore save mkdir: %w", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("chatstore save marshal: %w", err)
	}
	if err := writeFile(s.path(name), data, 0644); err != nil {
		return fmt.Errorf("chatstore save write: %w", err)
	}
	return nil
}

// Load reads the named conversation.
func (s *Store) Load(name string) (domain.ConversationState, error) {
	if err := validName(name); err != nil {
		return domain.ConversationState{}, err
	}
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		return domain.ConversationState{}, fmt.Errorf("chatstore load: %w", err)
	}
	var state domain.ConversationState
	if err := json.Unmarshal(data, &state); err != nil {
		return domain.ConversationState{}, fmt.Errorf("chatstore parse %s: %w", name, err)
	}
	return state, nil
}

// List returns the saved chat names, sorted. A missing store directory is an
// empty store, not an error.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chatstore list: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes the named conversation.
func (s *Store) Delete(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := os.Remove(s.path(name)); err != nil {
		return fmt.Errorf("chatstore delete: %w", err)
	}
	return nil
}
