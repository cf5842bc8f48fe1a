package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/signalnine/gridsearch/internal/docker"
	"github.com/signalnine/gridsearch/internal/store"
)

const (
	containerCheckpoint = "/checkpoint"
	containerSnapshot   = "/snapshot"
)

// Docker runs train and eval commands inside a trainer image. The trial or
// snapshot directory is bind-mounted, so paths must be absolute.
type Docker struct {
	Image        string
	TrainCmd     string
	EvalCmd      string
	Env          map[string]string
	GPUs         bool
	CPULimit     float64
	MemoryLimit  int64
	TrainTimeout time.Duration
	EvalTimeout  time.Duration
}

func (d *Docker) Train(ctx context.Context, req TrainRequest) error {
	env := merge(d.Env, trainEnv(containerCheckpoint, containerCheckpoint+"/trainer_config.json", req))
	res, err := docker.RunContainer(ctx, d.opts(
		d.TrainCmd, env,
		docker.Mount{Source: req.TrialDir, Target: containerCheckpoint},
		filepath.Join(req.TrialDir, "train.log"),
		d.TrainTimeout,
	))
	if err != nil {
		return fmt.Errorf("running trainer: %w", err)
	}
	if res.ExitCode != 0 || res.TimedOut {
		return fmt.Errorf("trainer %s after %s (exit %d)", ExitReason(res.ExitCode, res.TimedOut), res.Duration.Round(time.Second), res.ExitCode)
	}
	return checkTrained(req)
}

func (d *Docker) Evaluate(ctx context.Context, req EvalRequest) EvalResult {
	exportDir := store.EvalDir(req.SnapshotDir)
	if err := os.MkdirAll(exportDir, 0o755); err != nil {
		return Failed(req.SnapshotDir, fmt.Errorf("creating eval dir: %w", err))
	}
	env := merge(d.Env, evalEnv(containerSnapshot, containerSnapshot+"/eval", req))
	res, err := docker.RunContainer(ctx, d.opts(
		d.EvalCmd, env,
		docker.Mount{Source: req.SnapshotDir, Target: containerSnapshot},
		filepath.Join(exportDir, "eval.log"),
		d.EvalTimeout,
	))
	if err != nil {
		return Failed(req.SnapshotDir, fmt.Errorf("running evaluator: %w", err))
	}
	if res.ExitCode != 0 || res.TimedOut {
		return Failed(req.SnapshotDir, fmt.Errorf("evaluator %s (exit %d)", ExitReason(res.ExitCode, res.TimedOut), res.ExitCode))
	}
	if err := checkEvaluated(req.SnapshotDir); err != nil {
		return Failed(req.SnapshotDir, err)
	}
	return EvalResult{Snapshot: req.SnapshotDir}
}

func (d *Docker) opts(command string, env map[string]string, m docker.Mount, logPath string, timeout time.Duration) *docker.RunOpts {
	return &docker.RunOpts{
		Image:       d.Image,
		Command:     []string{"sh", "-c", command},
		Env:         env,
		Mounts:      []docker.Mount{m},
		Timeout:     timeout,
		GPUs:        d.GPUs,
		CPULimit:    d.CPULimit,
		MemoryLimit: d.MemoryLimit,
		UserID:      fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
		LogPath:     logPath,
	}
}
