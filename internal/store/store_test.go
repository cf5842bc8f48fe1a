package store_test

import (
	"errors"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/signalnine/gridsearch/internal/space"
	"github.com/signalnine/gridsearch/internal/store"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(afero.NewMemMapFs(), "/search")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

// sequence returns ids from list in order, then repeats the last one.
func sequence(list ...string) func() string {
	i := 0
	return func() string {
		id := list[i]
		if i < len(list)-1 {
			i++
		}
		return id
	}
}

func TestFindByFingerprint(t *testing.T) {
	s := newStore(t)
	params := space.Params{"model": "m", "lr": 0.001, "epoch": 4}

	if _, ok, err := s.FindByFingerprint(params); err != nil || ok {
		t.Fatalf("empty store: ok=%v err=%v", ok, err)
	}

	created, err := s.CreateTrial(params, nil)
	if err != nil {
		t.Fatalf("CreateTrial: %v", err)
	}

	equal := space.Params{"epoch": float64(4), "lr": 1e-3, "model": "m"}
	found, ok, err := s.FindByFingerprint(equal)
	if err != nil || !ok {
		t.Fatalf("FindByFingerprint: ok=%v err=%v", ok, err)
	}
	if found.ID != created.ID {
		t.Errorf("found %q, want %q", found.ID, created.ID)
	}

	other := space.Params{"model": "m", "lr": 0.001, "epoch": 4, "fp16": true}
	if _, ok, _ := s.FindByFingerprint(other); ok {
		t.Error("config with an extra field must not match")
	}
}

func TestLargeSeedsAreDistinctTrials(t *testing.T) {
	s := newStore(t)
	low := space.Params{"model": "m", "random_seed": int64(9007199254740992)}
	high := space.Params{"model": "m", "random_seed": int64(9007199254740993)}
	if _, err := s.CreateTrial(low, nil); err != nil {
		t.Fatalf("CreateTrial: %v", err)
	}
	if _, ok, err := s.FindByFingerprint(high); err != nil || ok {
		t.Fatalf("distinct seed matched an existing trial: ok=%v err=%v", ok, err)
	}
	if err := s.InitState(space.Static{"epoch": 2}, space.NewDynamic(map[string]any{"random_seed": []any{int64(9007199254740993)}})); err != nil {
		t.Fatalf("InitState: %v", err)
	}
	if err := s.InitState(space.Static{"epoch": 2}, space.NewDynamic(map[string]any{"random_seed": []any{int64(9007199254740993)}})); err != nil {
		t.Errorf("resume with the same large seed: %v", err)
	}
}

func TestAllocateTrialIDSkipsTaken(t *testing.T) {
	s := newStore(t)
	s.SetIDSource(sequence("aaaaaa", "aaaaaa", "bbbbbb", "cccccc"))

	first, err := s.CreateTrial(space.Params{"n": 1}, nil)
	if err != nil {
		t.Fatalf("CreateTrial: %v", err)
	}
	if first.ID != "aaaaaa" {
		t.Fatalf("first id = %q", first.ID)
	}

	id, err := s.AllocateTrialID(map[string]bool{"bbbbbb": true})
	if err != nil {
		t.Fatalf("AllocateTrialID: %v", err)
	}
	if id != "cccccc" {
		t.Errorf("got %q, want cccccc", id)
	}
}

func TestAllocateTrialIDExhausted(t *testing.T) {
	s := newStore(t)
	s.SetIDSource(func() string { return "zzzzzz" })
	_, err := s.AllocateTrialID(map[string]bool{"zzzzzz": true})
	if !errors.Is(err, store.ErrIDSpaceExhausted) {
		t.Errorf("expected ErrIDSpaceExhausted, got %v", err)
	}
}

func TestRandomIDShape(t *testing.T) {
	s := newStore(t)
	id, err := s.AllocateTrialID(nil)
	if err != nil {
		t.Fatalf("AllocateTrialID: %v", err)
	}
	if len(id) != 6 {
		t.Errorf("id %q: want 6 characters", id)
	}
	for _, c := range id {
		if c < 'a' || c > 'z' {
			t.Errorf("id %q: unexpected character %q", id, c)
		}
	}
}

func TestMalformedTrainerConfigIsFatal(t *testing.T) {
	s := newStore(t)
	dir := s.TrialDir("broken")
	s.Fs().MkdirAll(dir, 0o755)
	afero.WriteFile(s.Fs(), filepath.Join(dir, "trainer_config.json"), []byte("{not json"), 0o644)

	if _, err := s.Trials(); err == nil {
		t.Error("expected error for malformed trainer config")
	}
	if _, _, err := s.FindByFingerprint(space.Params{"n": 1}); err == nil {
		t.Error("expected FindByFingerprint to surface the malformed config")
	}
}

func TestTrialDirWithoutConfigIsIgnored(t *testing.T) {
	s := newStore(t)
	s.Fs().MkdirAll(s.TrialDir("halfway"), 0o755)
	trials, err := s.Trials()
	if err != nil {
		t.Fatalf("Trials: %v", err)
	}
	if len(trials) != 0 {
		t.Errorf("expected no trials, got %d", len(trials))
	}

	s.SetIDSource(sequence("halfway", "fresh1"))
	id, err := s.AllocateTrialID(nil)
	if err != nil {
		t.Fatalf("AllocateTrialID: %v", err)
	}
	if id != "fresh1" {
		t.Errorf("allocated id %q collides with an existing dir", id)
	}
}

func TestListSnapshots(t *testing.T) {
	s := newStore(t)
	trial, err := s.CreateTrial(space.Params{"n": 1}, nil)
	if err != nil {
		t.Fatalf("CreateTrial: %v", err)
	}
	for _, n := range []int{3, 1, 10, 2} {
		s.Fs().MkdirAll(store.SnapshotDir(trial.Dir, n), 0o755)
	}
	s.Fs().MkdirAll(filepath.Join(trial.Dir, "epoch_x"), 0o755)

	got, err := s.ListSnapshots(trial.Dir)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	want := []int{1, 2, 3, 10}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
			break
		}
	}
	if !s.HasSnapshot(trial.Dir, 10) || s.HasSnapshot(trial.Dir, 4) {
		t.Error("HasSnapshot disagrees with ListSnapshots")
	}
}

func TestMetricReadWrite(t *testing.T) {
	s := newStore(t)
	snap := store.SnapshotDir(s.TrialDir("abcdef"), 2)

	if s.HasMetric(snap) {
		t.Fatal("expected no metric yet")
	}
	m, err := store.NewMetric(map[string]any{
		"dev":  map[string]any{"Bleu_4": 0.25, "note": "text"},
		"test": map[string]any{"Bleu_4": 0.2},
	})
	if err != nil {
		t.Fatalf("NewMetric: %v", err)
	}
	if err := s.WriteMetric(snap, m); err != nil {
		t.Fatalf("WriteMetric: %v", err)
	}
	if !s.HasMetric(snap) {
		t.Fatal("expected metric after write")
	}
	got, err := s.ReadMetric(snap)
	if err != nil {
		t.Fatalf("ReadMetric: %v", err)
	}

	tests := []struct {
		split, name string
		want        float64
		ok          bool
	}{
		{"dev", "Bleu_4", 0.25, true},
		{"test", "Bleu_4", 0.2, true},
		{"dev", "note", 0, false},
		{"dev", "ROUGE_L", 0, false},
		{"train", "Bleu_4", 0, false},
	}
	for _, tt := range tests {
		v, ok := got.Value(tt.split, tt.name)
		if ok != tt.ok || v != tt.want {
			t.Errorf("Value(%s, %s) = %v, %v; want %v, %v", tt.split, tt.name, v, ok, tt.want, tt.ok)
		}
	}
}

func TestMalformedMetricCountsAsAbsent(t *testing.T) {
	s := newStore(t)
	snap := store.SnapshotDir(s.TrialDir("abcdef"), 1)
	s.Fs().MkdirAll(store.EvalDir(snap), 0o755)
	afero.WriteFile(s.Fs(), store.MetricPath(snap), []byte(`{"dev": {"score": 0.`), 0o644)

	if s.HasMetric(snap) {
		t.Error("malformed metric should count as absent")
	}
	if _, err := s.ReadMetric(snap); err == nil {
		t.Error("expected ReadMetric error")
	}
}

func TestFailureMarker(t *testing.T) {
	s := newStore(t)
	trial, _ := s.CreateTrial(space.Params{"n": 1}, nil)

	if _, ok := s.Failure(trial.Dir); ok {
		t.Fatal("unexpected failure marker")
	}
	if err := s.MarkFailed(trial.Dir, 2, "out of memory"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	f, ok := s.Failure(trial.Dir)
	if !ok || f.Reason != "out of memory" || f.Epochs != 2 {
		t.Errorf("Failure() = %+v, %v", f, ok)
	}
	if err := s.ClearFailure(trial.Dir); err != nil {
		t.Fatalf("ClearFailure: %v", err)
	}
	if _, ok := s.Failure(trial.Dir); ok {
		t.Error("marker still present after ClearFailure")
	}
	if err := s.ClearFailure(trial.Dir); err != nil {
		t.Errorf("ClearFailure on a clean trial: %v", err)
	}
}

func TestInitState(t *testing.T) {
	s := newStore(t)
	static := space.Static{"model": "m", "epoch": 4}
	dynamic := space.NewDynamic(map[string]any{"lr": []any{1e-4, 1e-3}, "seed": 1})

	if err := s.InitState(static, dynamic); err != nil {
		t.Fatalf("first InitState: %v", err)
	}
	if err := s.InitState(space.Static{"epoch": 4.0, "model": "m"}, dynamic); err != nil {
		t.Fatalf("resume with equal config: %v", err)
	}

	st, ok, err := s.LoadState()
	if err != nil || !ok {
		t.Fatalf("LoadState: ok=%v err=%v", ok, err)
	}
	if len(st.Dynamic["lr"]) != 2 || len(st.Dynamic["seed"]) != 1 {
		t.Errorf("unexpected dynamic state: %v", st.Dynamic)
	}

	err = s.InitState(space.Static{"model": "m", "epoch": 5}, dynamic)
	if !errors.Is(err, store.ErrStateMismatch) {
		t.Errorf("static change: expected ErrStateMismatch, got %v", err)
	}
	err = s.InitState(static, space.NewDynamic(map[string]any{"lr": []any{1e-3, 1e-4}, "seed": 1}))
	if !errors.Is(err, store.ErrStateMismatch) {
		t.Errorf("dynamic reorder: expected ErrStateMismatch, got %v", err)
	}
}

func TestInitStateMalformedIsFatal(t *testing.T) {
	s := newStore(t)
	afero.WriteFile(s.Fs(), filepath.Join(s.Root(), "config_static.json"), []byte("]"), 0o644)
	err := s.InitState(space.Static{"epoch": 1}, space.Dynamic{})
	if err == nil || errors.Is(err, store.ErrStateMismatch) {
		t.Errorf("expected parse error, got %v", err)
	}
}

func TestRankingSortIsStable(t *testing.T) {
	r := store.Ranking{
		{Trial: "a", Value: 0.5},
		{Trial: "b", Value: 0.9},
		{Trial: "c", Value: 0.5},
		{Trial: "d", Value: 0.9},
		{Trial: "e", Value: 0.1},
	}
	r.Sort()
	want := []string{"b", "d", "a", "c", "e"}
	for i, e := range r {
		if e.Trial != want[i] {
			t.Fatalf("position %d: got %s, want %s (full: %v)", i, e.Trial, want[i], r)
		}
	}
	if top := r.Top(2); len(top) != 2 || top[1].Trial != "d" {
		t.Errorf("Top(2) = %v", top)
	}
	if top := r.Top(10); len(top) != 5 {
		t.Errorf("Top(10) returned %d entries", len(top))
	}
}

func TestRankingRoundTrip(t *testing.T) {
	s := newStore(t)
	if err := s.WriteRanking(store.StageExplore, nil); err != nil {
		t.Fatalf("WriteRanking: %v", err)
	}
	r, err := s.ReadRanking(store.StageExplore)
	if err != nil {
		t.Fatalf("ReadRanking: %v", err)
	}
	if r == nil || len(r) != 0 {
		t.Errorf("expected empty ranking, got %v", r)
	}
	if _, err := s.ReadRanking(store.StageRefine); err == nil {
		t.Error("expected error for missing ranking")
	}
}

func TestLock(t *testing.T) {
	s := newStore(t)
	unlock, err := s.Lock()
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if _, err := s.Lock(); !errors.Is(err, store.ErrLocked) {
		t.Errorf("second Lock: expected ErrLocked, got %v", err)
	}
	unlock()
	unlock2, err := s.Lock()
	if err != nil {
		t.Fatalf("Lock after unlock: %v", err)
	}
	unlock2()
}

func TestLockReplacesStale(t *testing.T) {
	s := newStore(t)
	lockDir := filepath.Join(s.Root(), ".lock")
	s.Fs().MkdirAll(lockDir, 0o755)
	afero.WriteFile(s.Fs(), filepath.Join(lockDir, "pid"), []byte(strconv.Itoa(1<<30)), 0o644)

	unlock, err := s.Lock()
	if err != nil {
		t.Fatalf("Lock over stale lock: %v", err)
	}
	unlock()
}

func TestLockWithoutPidIsHeldWhileFresh(t *testing.T) {
	s := newStore(t)
	lockDir := filepath.Join(s.Root(), ".lock")
	s.Fs().MkdirAll(lockDir, 0o755)

	if _, err := s.Lock(); !errors.Is(err, store.ErrLocked) {
		t.Fatalf("lock being acquired: expected ErrLocked, got %v", err)
	}
	if ok, _ := afero.DirExists(s.Fs(), lockDir); !ok {
		t.Fatal("a fresh lock dir was removed")
	}

	old := time.Now().Add(-time.Hour)
	if err := s.Fs().Chtimes(lockDir, old, old); err != nil {
		t.Fatal(err)
	}
	unlock, err := s.Lock()
	if err != nil {
		t.Fatalf("Lock over abandoned pid-less lock: %v", err)
	}
	unlock()
}

func TestMigrate(t *testing.T) {
	s := newStore(t)
	static := space.Static{"model": "m", "epoch": 4, "gradient_accumulation_steps": 4}
	dynamic := space.NewDynamic(map[string]any{"batch": 64, "lr": []any{0.1, 0.2}})
	if err := s.InitState(static, dynamic); err != nil {
		t.Fatalf("InitState: %v", err)
	}
	grid, _ := space.Expand(static, dynamic)
	for _, p := range grid {
		if _, err := s.CreateTrial(p, nil); err != nil {
			t.Fatalf("CreateTrial: %v", err)
		}
	}

	n, err := s.Migrate(map[string]any{"gradient_accumulation_steps": 32}, map[string]any{"batch": 16})
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if n != 2 {
		t.Errorf("rewrote %d trials, want 2", n)
	}

	newStatic := space.Static{"model": "m", "epoch": 4, "gradient_accumulation_steps": 32}
	newDynamic := space.NewDynamic(map[string]any{"batch": 16, "lr": []any{0.1, 0.2}})
	if err := s.InitState(newStatic, newDynamic); err != nil {
		t.Fatalf("InitState after migrate: %v", err)
	}
	newGrid, _ := space.Expand(newStatic, newDynamic)
	for _, p := range newGrid {
		if _, ok, err := s.FindByFingerprint(p); err != nil || !ok {
			t.Errorf("migrated trial not found for %v (err=%v)", p, err)
		}
	}

	if _, err := s.Migrate(nil, map[string]any{"lr": []any{0.1, 0.3}}); err == nil {
		t.Error("expected error for multi-valued dynamic override")
	}
	if _, err := s.Migrate(map[string]any{"lr": 0.5}, nil); err == nil {
		t.Error("expected error for static override of a dynamic field")
	}
}
