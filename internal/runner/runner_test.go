package runner_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/signalnine/gridsearch/internal/runner"
	"github.com/signalnine/gridsearch/internal/store"
)

func TestExitReason(t *testing.T) {
	tests := []struct {
		code     int
		timedOut bool
		want     string
	}{
		{0, false, "completed"},
		{1, false, "crashed"},
		{137, false, "killed"},
		{124, true, "timeout"},
		{42, false, "crashed"},
	}
	for _, tt := range tests {
		got := runner.ExitReason(tt.code, tt.timedOut)
		if got != tt.want {
			t.Errorf("ExitReason(%d, %v) = %q, want %q", tt.code, tt.timedOut, got, tt.want)
		}
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	os.WriteFile(path, []byte("# secrets\nHF_TOKEN=abc\nexport WANDB_MODE=\"offline\"\n"), 0o644)

	env, err := runner.LoadEnvFile(path)
	if err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	if env["HF_TOKEN"] != "abc" || env["WANDB_MODE"] != "offline" {
		t.Errorf("unexpected env: %v", env)
	}

	empty, err := runner.LoadEnvFile("")
	if err != nil || len(empty) != 0 {
		t.Errorf("LoadEnvFile(\"\") = %v, %v", empty, err)
	}
	if _, err := runner.LoadEnvFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing env file")
	}
}

func TestExecTrain(t *testing.T) {
	trialDir := t.TempDir()
	r := &runner.Exec{
		TrainCmd: `for i in $(seq 1 "$EPOCHS"); do mkdir -p "$CHECKPOINT_DIR/epoch_$i"; done; echo "$LABEL"`,
		Env:      map[string]string{"LABEL": "from-env"},
	}
	err := r.Train(context.Background(), runner.TrainRequest{TrialDir: trialDir, Epochs: 3, SaveEvery: 1})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	for _, n := range []int{1, 2, 3} {
		if _, err := os.Stat(store.SnapshotDir(trialDir, n)); err != nil {
			t.Errorf("epoch %d missing: %v", n, err)
		}
	}
	logs, _ := os.ReadFile(filepath.Join(trialDir, "train.log"))
	if string(logs) != "from-env\n" {
		t.Errorf("train.log = %q", logs)
	}
}

func TestExecTrainFailures(t *testing.T) {
	tests := []struct {
		name    string
		cmd     string
		timeout time.Duration
		noSnap  bool
	}{
		{"non-zero exit", "exit 3", 0, false},
		{"timeout", "sleep 5", 100 * time.Millisecond, false},
		{"no snapshot written", "true", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &runner.Exec{TrainCmd: tt.cmd, TrainTimeout: tt.timeout}
			err := r.Train(context.Background(), runner.TrainRequest{TrialDir: t.TempDir(), Epochs: 1})
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.noSnap && !errors.Is(err, runner.ErrNoSnapshot) {
				t.Errorf("expected ErrNoSnapshot, got %v", err)
			}
		})
	}
}

func TestExecEvaluate(t *testing.T) {
	snap := store.SnapshotDir(t.TempDir(), 2)
	os.MkdirAll(snap, 0o755)

	r := &runner.Exec{
		EvalCmd: `echo "{\"dev\": {\"batch\": $EVAL_BATCH, \"beams\": $EVAL_BEAMS}}" > "$EXPORT_DIR/metric.json"`,
	}
	res := r.Evaluate(context.Background(), runner.EvalRequest{SnapshotDir: snap, Batch: 16, Beams: 4})
	if !res.OK() {
		t.Fatalf("Evaluate failed: %v", res.Err)
	}
	if res.Snapshot != snap {
		t.Errorf("snapshot = %q, want %q", res.Snapshot, snap)
	}

	data, err := os.ReadFile(store.MetricPath(snap))
	if err != nil {
		t.Fatalf("reading metric: %v", err)
	}
	if string(data) != "{\"dev\": {\"batch\": 16, \"beams\": 4}}\n" {
		t.Errorf("metric = %q", data)
	}
}

func TestExecEvaluateFailures(t *testing.T) {
	tests := []struct {
		name string
		cmd  string
	}{
		{"non-zero exit", "echo boom >&2; exit 1"},
		{"no metric", "true"},
		{"malformed metric", `echo '{"dev":' > "$EXPORT_DIR/metric.json"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := store.SnapshotDir(t.TempDir(), 1)
			os.MkdirAll(snap, 0o755)
			r := &runner.Exec{EvalCmd: tt.cmd}
			res := r.Evaluate(context.Background(), runner.EvalRequest{SnapshotDir: snap, Batch: 1, Beams: 1})
			if res.OK() {
				t.Error("expected failure")
			}
		})
	}
}
