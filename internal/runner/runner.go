package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/subosito/gotenv"
	"github.com/tidwall/gjson"

	"github.com/signalnine/gridsearch/internal/space"
	"github.com/signalnine/gridsearch/internal/store"
)

// Environment passed to train and eval commands.
const (
	EnvCheckpointDir = "CHECKPOINT_DIR"
	EnvTrainerConfig = "TRAINER_CONFIG"
	EnvEpochs        = "EPOCHS"
	EnvSaveEvery     = "SAVE_EVERY"
	EnvSnapshotDir   = "SNAPSHOT_DIR"
	EnvExportDir     = "EXPORT_DIR"
	EnvEvalBatch     = "EVAL_BATCH"
	EnvEvalBeams     = "EVAL_BEAMS"
)

var ErrNoSnapshot = errors.New("trainer finished without the final snapshot")

// TrainRequest asks for training in TrialDir up to Epochs, resuming from the
// highest snapshot already present.
type TrainRequest struct {
	TrialDir  string
	Params    space.Params
	Epochs    int
	SaveEvery int
}

type EvalRequest struct {
	SnapshotDir string
	Batch       int
	Beams       int
}

// EvalResult is the outcome of evaluating one snapshot. On success the
// runner has written the metric record under the snapshot's eval dir.
type EvalResult struct {
	Snapshot string
	Err      error
}

func (r EvalResult) OK() bool { return r.Err == nil }

func Failed(snapshot string, err error) EvalResult {
	return EvalResult{Snapshot: snapshot, Err: err}
}

// TrialRunner trains and evaluates trials. Both calls block until the
// external work finishes.
type TrialRunner interface {
	Train(ctx context.Context, req TrainRequest) error
	Evaluate(ctx context.Context, req EvalRequest) EvalResult
}

func ExitReason(code int, timedOut bool) string {
	if timedOut {
		return "timeout"
	}
	switch code {
	case 0:
		return "completed"
	case 137:
		return "killed"
	default:
		return "crashed"
	}
}

// LoadEnvFile reads KEY=VALUE secrets passed to every command.
func LoadEnvFile(path string) (map[string]string, error) {
	if path == "" {
		return map[string]string{}, nil
	}
	env, err := gotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("reading env file %s: %w", path, err)
	}
	return env, nil
}

func trainEnv(checkpointDir, configPath string, req TrainRequest) map[string]string {
	save := req.SaveEvery
	if save < 1 {
		save = 1
	}
	return map[string]string{
		EnvCheckpointDir: checkpointDir,
		EnvTrainerConfig: configPath,
		EnvEpochs:        strconv.Itoa(req.Epochs),
		EnvSaveEvery:     strconv.Itoa(save),
	}
}

func evalEnv(snapshotDir, exportDir string, req EvalRequest) map[string]string {
	return map[string]string{
		EnvSnapshotDir: snapshotDir,
		EnvExportDir:   exportDir,
		EnvEvalBatch:   strconv.Itoa(req.Batch),
		EnvEvalBeams:   strconv.Itoa(req.Beams),
	}
}

func merge(maps ...map[string]string) map[string]string {
	out := map[string]string{}
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// checkTrained verifies that the host directory holds the final snapshot.
func checkTrained(req TrainRequest) error {
	if _, err := os.Stat(store.SnapshotDir(req.TrialDir, req.Epochs)); err != nil {
		return fmt.Errorf("epoch %d: %w", req.Epochs, ErrNoSnapshot)
	}
	return nil
}

// checkEvaluated verifies that the metric record exists and parses.
func checkEvaluated(snapshotDir string) error {
	data, err := os.ReadFile(store.MetricPath(snapshotDir))
	if err != nil {
		return fmt.Errorf("evaluator wrote no metric record: %w", err)
	}
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("evaluator wrote a malformed metric record")
	}
	return nil
}
