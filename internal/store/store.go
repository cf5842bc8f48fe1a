package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/signalnine/gridsearch/internal/space"
)

const (
	trialPrefix       = "model_"
	trainerConfigName = "trainer_config.json"
	idLength          = 6
	maxIDAttempts     = 1_000_000
)

var ErrIDSpaceExhausted = errors.New("no free trial id")

// Trial is one checkpoint directory and the configuration it was trained with.
type Trial struct {
	ID     string
	Dir    string
	Params space.Params
}

// Store is the directory-backed registry of trials under a search root.
// It creates directories on demand and never removes trial data.
type Store struct {
	fs    afero.Fs
	root  string
	newID func() string
}

func Open(fsys afero.Fs, root string) (*Store, error) {
	if err := fsys.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating search root: %w", err)
	}
	return &Store{fs: fsys, root: root, newID: randomID}, nil
}

func (s *Store) Root() string { return s.root }
func (s *Store) Fs() afero.Fs { return s.fs }

// SetIDSource replaces the trial id generator.
func (s *Store) SetIDSource(fn func() string) { s.newID = fn }

func (s *Store) TrialDir(id string) string {
	return filepath.Join(s.root, trialPrefix+id)
}

// Rel returns path relative to the search root, or path itself when it is
// outside the root.
func (s *Store) Rel(path string) string {
	rel, err := filepath.Rel(s.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}

// Trials lists every trial that has a persisted configuration, ordered by
// directory name. A malformed configuration is an error.
func (s *Store) Trials() ([]Trial, error) {
	entries, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		return nil, fmt.Errorf("reading search root: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var trials []Trial
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), trialPrefix) {
			continue
		}
		dir := filepath.Join(s.root, e.Name())
		params, err := s.ReadParams(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		trials = append(trials, Trial{
			ID:     strings.TrimPrefix(e.Name(), trialPrefix),
			Dir:    dir,
			Params: params,
		})
	}
	return trials, nil
}

// ReadParams loads the trainer configuration of a trial directory.
func (s *Store) ReadParams(trialDir string) (space.Params, error) {
	path := filepath.Join(trialDir, trainerConfigName)
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	params, err := space.DecodeObject(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return space.Params(params), nil
}

// FindByFingerprint returns the trial whose whole configuration equals params.
func (s *Store) FindByFingerprint(params space.Params) (Trial, bool, error) {
	want, err := params.Canonical()
	if err != nil {
		return Trial{}, false, err
	}
	trials, err := s.Trials()
	if err != nil {
		return Trial{}, false, err
	}
	for _, t := range trials {
		got, err := t.Params.Canonical()
		if err != nil {
			return Trial{}, false, fmt.Errorf("trial %s: %w", t.ID, err)
		}
		if string(got) == string(want) {
			return t, true, nil
		}
	}
	return Trial{}, false, nil
}

// AllocateTrialID returns an id that is neither on disk nor in exclude.
func (s *Store) AllocateTrialID(exclude map[string]bool) (string, error) {
	for i := 0; i < maxIDAttempts; i++ {
		id := s.newID()
		if exclude[id] {
			continue
		}
		exists, err := afero.Exists(s.fs, s.TrialDir(id))
		if err != nil {
			return "", fmt.Errorf("checking trial id %s: %w", id, err)
		}
		if !exists {
			return id, nil
		}
	}
	return "", ErrIDSpaceExhausted
}

// CreateTrial claims a fresh trial directory with an exclusive mkdir and
// persists params into it. The new id is added to exclude.
func (s *Store) CreateTrial(params space.Params, exclude map[string]bool) (Trial, error) {
	if exclude == nil {
		exclude = map[string]bool{}
	}
	for {
		id, err := s.AllocateTrialID(exclude)
		if err != nil {
			return Trial{}, err
		}
		exclude[id] = true
		dir := s.TrialDir(id)
		if err := s.fs.Mkdir(dir, 0o755); err != nil {
			if errors.Is(err, fs.ErrExist) {
				continue
			}
			return Trial{}, fmt.Errorf("creating trial dir: %w", err)
		}
		if err := s.writeJSON(filepath.Join(dir, trainerConfigName), params); err != nil {
			return Trial{}, fmt.Errorf("writing trainer config: %w", err)
		}
		return Trial{ID: id, Dir: dir, Params: params}, nil
	}
}

func (s *Store) writeJSON(path string, v any) error {
	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return err
	}
	return s.fs.Rename(tmp, path)
}

func randomID() string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	u := uuid.New()
	b := make([]byte, idLength)
	for i := range b {
		b[i] = letters[int(u[i])%len(letters)]
	}
	return string(b)
}
