package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/signalnine/gridsearch/internal/store"
)

// Exec runs train and eval commands on the local host through sh -c.
type Exec struct {
	TrainCmd     string
	EvalCmd      string
	Env          map[string]string
	TrainTimeout time.Duration
	EvalTimeout  time.Duration
}

func (e *Exec) Train(ctx context.Context, req TrainRequest) error {
	env := merge(e.Env, trainEnv(req.TrialDir, filepath.Join(req.TrialDir, "trainer_config.json"), req))
	code, timedOut, err := e.run(ctx, e.TrainCmd, env, filepath.Join(req.TrialDir, "train.log"), e.TrainTimeout)
	if err != nil {
		return fmt.Errorf("running train command: %w", err)
	}
	if code != 0 || timedOut {
		return fmt.Errorf("train command %s (exit %d)", ExitReason(code, timedOut), code)
	}
	return checkTrained(req)
}

func (e *Exec) Evaluate(ctx context.Context, req EvalRequest) EvalResult {
	exportDir := store.EvalDir(req.SnapshotDir)
	if err := os.MkdirAll(exportDir, 0o755); err != nil {
		return Failed(req.SnapshotDir, fmt.Errorf("creating eval dir: %w", err))
	}
	env := merge(e.Env, evalEnv(req.SnapshotDir, exportDir, req))
	code, timedOut, err := e.run(ctx, e.EvalCmd, env, filepath.Join(exportDir, "eval.log"), e.EvalTimeout)
	if err != nil {
		return Failed(req.SnapshotDir, fmt.Errorf("running eval command: %w", err))
	}
	if code != 0 || timedOut {
		return Failed(req.SnapshotDir, fmt.Errorf("eval command %s (exit %d)", ExitReason(code, timedOut), code))
	}
	if err := checkEvaluated(req.SnapshotDir); err != nil {
		return Failed(req.SnapshotDir, err)
	}
	return EvalResult{Snapshot: req.SnapshotDir}
}

func (e *Exec) run(ctx context.Context, command string, env map[string]string, logPath string, timeout time.Duration) (int, bool, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return 0, false, fmt.Errorf("creating log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, false, fmt.Errorf("opening log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	err = cmd.Run()
	if err == nil {
		return 0, false, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ctx.Err() == context.DeadlineExceeded {
			return exitErr.ExitCode(), true, nil
		}
		if ctx.Err() != nil {
			return 0, false, ctx.Err()
		}
		return exitErr.ExitCode(), false, nil
	}
	return 0, false, err
}
