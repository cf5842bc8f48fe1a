package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/signalnine/gridsearch/internal/space"
)

const (
	RunnerDocker = "docker"
	RunnerExec   = "exec"
)

type Config struct {
	Search  Search         `yaml:"search" toml:"search"`
	Static  map[string]any `yaml:"static" toml:"static"`
	Dynamic map[string]any `yaml:"dynamic" toml:"dynamic"`
	Runner  Runner         `yaml:"runner" toml:"runner"`
}

type Search struct {
	Root         string `yaml:"root" toml:"root"`
	EpochPartial int    `yaml:"epoch_partial" toml:"epoch_partial"`
	MaxConfigs   int    `yaml:"max_configs" toml:"max_configs"`
	Metric       string `yaml:"metric" toml:"metric"`
	EvalBatch    int    `yaml:"eval_batch" toml:"eval_batch"`
	EvalBeams    int    `yaml:"eval_beams" toml:"eval_beams"`
	Workers      int    `yaml:"workers" toml:"workers"`
}

type Runner struct {
	Kind                string  `yaml:"kind" toml:"kind"`
	Image               string  `yaml:"image" toml:"image"`
	TrainCmd            string  `yaml:"train_cmd" toml:"train_cmd"`
	EvalCmd             string  `yaml:"eval_cmd" toml:"eval_cmd"`
	EnvFile             string  `yaml:"env_file" toml:"env_file"`
	GPUs                bool    `yaml:"gpus" toml:"gpus"`
	CPULimit            float64 `yaml:"cpu_limit" toml:"cpu_limit"`
	MemoryLimitGB       int64   `yaml:"memory_limit_gb" toml:"memory_limit_gb"`
	TrainTimeoutMinutes int     `yaml:"train_timeout_minutes" toml:"train_timeout_minutes"`
	EvalTimeoutMinutes  int     `yaml:"eval_timeout_minutes" toml:"eval_timeout_minutes"`
}

func (r Runner) TrainTimeout() time.Duration {
	return time.Duration(r.TrainTimeoutMinutes) * time.Minute
}

func (r Runner) EvalTimeout() time.Duration {
	return time.Duration(r.EvalTimeoutMinutes) * time.Minute
}

// Load reads a search config. Files ending in .toml are parsed as TOML,
// everything else as YAML. Relative paths in the file are resolved against
// the file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	base := filepath.Dir(path)
	cfg.Search.Root = resolve(base, cfg.Search.Root)
	cfg.Runner.EnvFile = resolve(base, cfg.Runner.EnvFile)
	return &cfg, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// StaticSpace returns the fixed trainer fields.
func (c *Config) StaticSpace() space.Static { return space.Static(c.Static) }

// DynamicSpace returns the swept fields. Scalars become single-value fields.
func (c *Config) DynamicSpace() space.Dynamic { return space.NewDynamic(c.Dynamic) }

func validate(cfg *Config) error {
	s := &cfg.Search
	if s.Root == "" {
		return fmt.Errorf("search.root is required")
	}
	if s.EpochPartial == 0 {
		s.EpochPartial = 2
	}
	if s.MaxConfigs == 0 {
		s.MaxConfigs = 5
	}
	if s.Metric == "" {
		s.Metric = "dev/Bleu_4"
	}
	if s.EvalBatch == 0 {
		s.EvalBatch = 128
	}
	if s.EvalBeams == 0 {
		s.EvalBeams = 4
	}
	if s.Workers == 0 {
		s.Workers = 1
	}
	if split, name, ok := strings.Cut(s.Metric, "/"); !ok || split == "" || name == "" {
		return fmt.Errorf("search.metric %q: want split/name", s.Metric)
	}
	if s.MaxConfigs < 1 {
		return fmt.Errorf("search.max_configs must be at least 1")
	}
	if s.Workers < 1 {
		return fmt.Errorf("search.workers must be at least 1")
	}

	if len(cfg.Static) == 0 {
		return fmt.Errorf("no static fields defined")
	}
	epoch, err := cfg.StaticSpace().Epoch()
	if err != nil {
		return err
	}
	if s.EpochPartial < 1 || s.EpochPartial >= epoch {
		return fmt.Errorf("search.epoch_partial %d must be at least 1 and below static.epoch %d", s.EpochPartial, epoch)
	}
	if _, err := space.Expand(cfg.StaticSpace(), cfg.DynamicSpace()); err != nil {
		return err
	}

	r := &cfg.Runner
	if r.Kind == "" {
		r.Kind = RunnerDocker
	}
	if r.TrainTimeoutMinutes == 0 {
		r.TrainTimeoutMinutes = 600
	}
	if r.EvalTimeoutMinutes == 0 {
		r.EvalTimeoutMinutes = 60
	}
	switch r.Kind {
	case RunnerDocker:
		if r.Image == "" {
			return fmt.Errorf("runner.image is required for the docker runner")
		}
	case RunnerExec:
	default:
		return fmt.Errorf("runner.kind %q: want %s or %s", r.Kind, RunnerDocker, RunnerExec)
	}
	if r.TrainCmd == "" {
		return fmt.Errorf("runner.train_cmd is required")
	}
	if r.EvalCmd == "" {
		return fmt.Errorf("runner.eval_cmd is required")
	}
	return nil
}
