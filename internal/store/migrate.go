package store

import (
	"fmt"
	"path/filepath"

	"github.com/signalnine/gridsearch/internal/space"
)

// Migrate rewrites fixed settings across the persisted search state and every
// trial configuration, so that a search can be resumed after a deliberate
// change (for example a smaller batch with more gradient accumulation).
// Dynamic overrides must name a single value. It returns the number of trial
// configurations rewritten.
func (s *Store) Migrate(staticSet, dynamicSet map[string]any) (int, error) {
	st, ok, err := s.LoadState()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("no search state under %s", s.root)
	}

	dyn := space.NewDynamic(dynamicSet)
	for k, vals := range dyn {
		if len(vals) != 1 {
			return 0, fmt.Errorf("dynamic override %s: want exactly one value, got %d", k, len(vals))
		}
		if _, ok := st.Dynamic[k]; !ok {
			return 0, fmt.Errorf("dynamic override %s: not a dynamic field", k)
		}
	}
	for k := range staticSet {
		if _, ok := st.Dynamic[k]; ok {
			return 0, fmt.Errorf("static override %s: field is dynamic", k)
		}
	}

	trials, err := s.Trials()
	if err != nil {
		return 0, err
	}

	for k, v := range staticSet {
		st.Static[k] = v
	}
	for k, vals := range dyn {
		st.Dynamic[k] = vals
	}
	if err := s.writeJSON(filepath.Join(s.root, staticFileName), st.Static); err != nil {
		return 0, fmt.Errorf("writing %s: %w", staticFileName, err)
	}
	if err := s.writeJSON(filepath.Join(s.root, dynamicFileName), st.Dynamic); err != nil {
		return 0, fmt.Errorf("writing %s: %w", dynamicFileName, err)
	}

	for _, t := range trials {
		for k, v := range staticSet {
			t.Params[k] = v
		}
		for k, vals := range dyn {
			t.Params[k] = vals[0]
		}
		if err := s.writeJSON(filepath.Join(t.Dir, trainerConfigName), t.Params); err != nil {
			return 0, fmt.Errorf("rewriting trial %s: %w", t.ID, err)
		}
	}
	return len(trials), nil
}
