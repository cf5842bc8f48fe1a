package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/tidwall/gjson"
)

const (
	snapshotPrefix       = "epoch_"
	evalDirName          = "eval"
	metricFileName       = "metric.json"
	failedMetricFileName = "metric.failed.json"
	failedFileName       = "failed.json"
)

func SnapshotDir(trialDir string, epoch int) string {
	return filepath.Join(trialDir, fmt.Sprintf("%s%d", snapshotPrefix, epoch))
}

// EvalDir is where an evaluation of the snapshot writes its outputs.
func EvalDir(snapshotDir string) string {
	return filepath.Join(snapshotDir, evalDirName)
}

func MetricPath(snapshotDir string) string {
	return filepath.Join(EvalDir(snapshotDir), metricFileName)
}

// ListSnapshots returns the epoch indices present in trialDir, ascending.
func (s *Store) ListSnapshots(trialDir string) ([]int, error) {
	entries, err := afero.ReadDir(s.fs, trialDir)
	if err != nil {
		return nil, fmt.Errorf("reading trial dir: %w", err)
	}
	var epochs []int
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), snapshotPrefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), snapshotPrefix))
		if err != nil || n < 0 {
			continue
		}
		epochs = append(epochs, n)
	}
	sort.Ints(epochs)
	return epochs, nil
}

func (s *Store) HasSnapshot(trialDir string, epoch int) bool {
	ok, err := afero.DirExists(s.fs, SnapshotDir(trialDir, epoch))
	return err == nil && ok
}

// Metric is an evaluation record keyed by split name then metric name.
type Metric struct {
	data []byte
}

func NewMetric(v any) (Metric, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Metric{}, fmt.Errorf("encoding metric: %w", err)
	}
	return Metric{data: data}, nil
}

// Value reads the numeric score at split/name.
func (m Metric) Value(split, name string) (float64, bool) {
	r := gjson.GetBytes(m.data, gjson.Escape(split)+"."+gjson.Escape(name))
	if r.Type != gjson.Number {
		return 0, false
	}
	return r.Float(), true
}

func (m Metric) Bytes() []byte { return m.data }

// HasMetric reports whether a well-formed metric record exists. A malformed
// record counts as absent.
func (s *Store) HasMetric(snapshotDir string) bool {
	_, err := s.ReadMetric(snapshotDir)
	return err == nil
}

func (s *Store) ReadMetric(snapshotDir string) (Metric, error) {
	path := MetricPath(snapshotDir)
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return Metric{}, fmt.Errorf("reading metric: %w", err)
	}
	if !gjson.ValidBytes(data) || !gjson.ParseBytes(data).IsObject() {
		return Metric{}, fmt.Errorf("parsing metric %s: malformed record", path)
	}
	return Metric{data: data}, nil
}

func (s *Store) WriteMetric(snapshotDir string, m Metric) error {
	if err := s.fs.MkdirAll(EvalDir(snapshotDir), 0o755); err != nil {
		return fmt.Errorf("creating eval dir: %w", err)
	}
	path := MetricPath(snapshotDir)
	if err := afero.WriteFile(s.fs, path+".tmp", m.data, 0o644); err != nil {
		return fmt.Errorf("writing metric: %w", err)
	}
	return s.fs.Rename(path+".tmp", path)
}

// DiscardMetric moves the snapshot's metric record aside so it no longer
// counts as evaluated. The record is kept as metric.failed.json.
func (s *Store) DiscardMetric(snapshotDir string) error {
	path := MetricPath(snapshotDir)
	if ok, err := afero.Exists(s.fs, path); err != nil || !ok {
		return err
	}
	if err := s.fs.Rename(path, filepath.Join(EvalDir(snapshotDir), failedMetricFileName)); err != nil {
		return fmt.Errorf("discarding metric: %w", err)
	}
	return nil
}

// Failure records why a trial's training did not finish.
type Failure struct {
	Reason string    `json:"reason"`
	Epochs int       `json:"epochs"`
	Time   time.Time `json:"time"`
}

func (s *Store) MarkFailed(trialDir string, epochs int, reason string) error {
	return s.writeJSON(filepath.Join(trialDir, failedFileName), &Failure{
		Reason: reason,
		Epochs: epochs,
		Time:   time.Now().UTC(),
	})
}

// ClearFailure drops the failure marker after a successful retry.
func (s *Store) ClearFailure(trialDir string) error {
	err := s.fs.Remove(filepath.Join(trialDir, failedFileName))
	if err != nil {
		if ok, _ := afero.Exists(s.fs, filepath.Join(trialDir, failedFileName)); !ok {
			return nil
		}
	}
	return err
}

func (s *Store) Failure(trialDir string) (*Failure, bool) {
	data, err := afero.ReadFile(s.fs, filepath.Join(trialDir, failedFileName))
	if err != nil {
		return nil, false
	}
	var f Failure
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, false
	}
	return &f, true
}
