package store

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/signalnine/gridsearch/internal/space"
)

const (
	staticFileName  = "config_static.json"
	dynamicFileName = "config_dynamic.json"
)

// ErrStateMismatch means a resumed search was started with a grid that
// differs from the one persisted under the root.
var ErrStateMismatch = errors.New("persisted search config does not match")

// State is the persisted static and dynamic configuration of a search.
type State struct {
	Static  space.Static
	Dynamic space.Dynamic
}

// LoadState reads the persisted state. ok is false when the search was never
// initialized.
func (s *Store) LoadState() (st *State, ok bool, err error) {
	static, found, err := s.readState(staticFileName)
	if err != nil || !found {
		return nil, false, err
	}
	raw, found, err := s.readState(dynamicFileName)
	if err != nil || !found {
		return nil, false, err
	}
	return &State{Static: space.Static(static), Dynamic: space.NewDynamic(raw)}, true, nil
}

// InitState persists static and dynamic, or checks them against an earlier
// run. Divergence is never reconciled.
func (s *Store) InitState(static space.Static, dynamic space.Dynamic) error {
	if err := s.checkOrWrite(staticFileName, static); err != nil {
		return err
	}
	return s.checkOrWrite(dynamicFileName, dynamic)
}

func (s *Store) checkOrWrite(name string, want any) error {
	path := filepath.Join(s.root, name)
	persisted, found, err := s.readState(name)
	if err != nil {
		return err
	}
	if !found {
		if err := s.writeJSON(path, want); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		return nil
	}
	a, err := space.Canonical(persisted)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	b, err := space.Canonical(want)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if string(a) != string(b) {
		return fmt.Errorf("%s: %w\n  persisted: %s\n  requested: %s", path, ErrStateMismatch, a, b)
	}
	return nil
}

func (s *Store) readState(name string) (map[string]any, bool, error) {
	path := filepath.Join(s.root, name)
	exists, err := afero.Exists(s.fs, path)
	if err != nil {
		return nil, false, fmt.Errorf("checking %s: %w", path, err)
	}
	if !exists {
		return nil, false, nil
	}
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, false, fmt.Errorf("reading %s: %w", path, err)
	}
	m, err := space.DecodeObject(data)
	if err != nil {
		return nil, false, fmt.Errorf("parsing %s: %w", path, err)
	}
	return m, true, nil
}
