package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"
)

const (
	StageExplore = "1st"
	StageRefine  = "2nd"
)

// Entry is one ranked snapshot.
type Entry struct {
	Path  string  `json:"path"`
	Trial string  `json:"trial"`
	Epoch int     `json:"epoch"`
	Value float64 `json:"value"`
}

type Ranking []Entry

// Sort orders entries by value, highest first. Ties keep insertion order.
func (r Ranking) Sort() {
	sort.SliceStable(r, func(i, j int) bool { return r[i].Value > r[j].Value })
}

// Top returns at most k leading entries.
func (r Ranking) Top(k int) Ranking {
	if k < 0 || k >= len(r) {
		return r
	}
	return r[:k]
}

func RankingFile(stage string) string {
	return fmt.Sprintf("metric.%s.json", stage)
}

func (s *Store) WriteRanking(stage string, r Ranking) error {
	if r == nil {
		r = Ranking{}
	}
	path := filepath.Join(s.root, RankingFile(stage))
	if err := s.writeJSON(path, r); err != nil {
		return fmt.Errorf("writing ranking %s: %w", stage, err)
	}
	return nil
}

func (s *Store) ReadRanking(stage string) (Ranking, error) {
	path := filepath.Join(s.root, RankingFile(stage))
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading ranking: %w", err)
	}
	var r Ranking
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing ranking %s: %w", path, err)
	}
	return r, nil
}
