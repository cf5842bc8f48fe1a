package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/signalnine/gridsearch/internal/config"
	"github.com/signalnine/gridsearch/internal/logx"
	"github.com/signalnine/gridsearch/internal/report"
	"github.com/signalnine/gridsearch/internal/runner"
	"github.com/signalnine/gridsearch/internal/search"
	"github.com/signalnine/gridsearch/internal/store"
)

const logFileName = "grid_search.log"

func newSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Run or resume the two-stage search",
		RunE:  runSearch,
	}
	cmd.Flags().String("root", "", "override search.root")
	cmd.Flags().Int("workers", 0, "max concurrent train/eval jobs")
	cmd.Flags().Int("max-configs", 0, "survivors promoted to full training")
	cmd.Flags().Int("epoch-partial", 0, "epoch budget of the exploratory stage")
	cmd.Flags().String("metric", "", "ranking metric as split/name")
	return cmd
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(settings)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	lg, err := logx.Open(filepath.Base(st.Root()), filepath.Join(st.Root(), logFileName))
	if err != nil {
		return err
	}
	defer lg.Close()

	r, err := newTrialRunner(cfg)
	if err != nil {
		return err
	}
	opts, err := searchOptions(cfg)
	if err != nil {
		return err
	}
	c, err := search.New(st, r, lg, opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	res, err := c.Run(ctx)
	if err != nil {
		lg.Errorf("search stopped: %v", err)
		return err
	}

	fmt.Printf("\n--- Results (%d configs, top %d by %s) ---\n", res.GridSize, opts.MaxConfigs, opts.Metric)
	return report.Generate(st, store.StageRefine, "table", os.Stdout)
}

// loadConfig reads the config file named by --config and applies flag and
// GRIDSEARCH_* environment overrides.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg, err := config.Load(v.GetString("config"))
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, v)
	return cfg, nil
}

func applyOverrides(cfg *config.Config, v *viper.Viper) {
	if v.IsSet("root") && v.GetString("root") != "" {
		cfg.Search.Root = v.GetString("root")
	}
	if v.IsSet("workers") && v.GetInt("workers") > 0 {
		cfg.Search.Workers = v.GetInt("workers")
	}
	if v.IsSet("max-configs") && v.GetInt("max-configs") > 0 {
		cfg.Search.MaxConfigs = v.GetInt("max-configs")
	}
	if v.IsSet("epoch-partial") && v.GetInt("epoch-partial") > 0 {
		cfg.Search.EpochPartial = v.GetInt("epoch-partial")
	}
	if v.IsSet("metric") && v.GetString("metric") != "" {
		cfg.Search.Metric = v.GetString("metric")
	}
}

// openStore opens the search root on the host filesystem. The root is made
// absolute so container bind mounts resolve.
func openStore(cfg *config.Config) (*store.Store, error) {
	root, err := filepath.Abs(cfg.Search.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving search root: %w", err)
	}
	return store.Open(afero.NewOsFs(), root)
}

func searchOptions(cfg *config.Config) (search.Options, error) {
	metric, err := search.ParseMetricPath(cfg.Search.Metric)
	if err != nil {
		return search.Options{}, err
	}
	return search.Options{
		Static:       cfg.StaticSpace(),
		Dynamic:      cfg.DynamicSpace(),
		EpochPartial: cfg.Search.EpochPartial,
		MaxConfigs:   cfg.Search.MaxConfigs,
		Metric:       metric,
		EvalBatch:    cfg.Search.EvalBatch,
		EvalBeams:    cfg.Search.EvalBeams,
		Workers:      cfg.Search.Workers,
	}, nil
}

func newTrialRunner(cfg *config.Config) (runner.TrialRunner, error) {
	env, err := runner.LoadEnvFile(cfg.Runner.EnvFile)
	if err != nil {
		return nil, err
	}
	rc := cfg.Runner
	switch rc.Kind {
	case config.RunnerExec:
		return &runner.Exec{
			TrainCmd:     rc.TrainCmd,
			EvalCmd:      rc.EvalCmd,
			Env:          env,
			TrainTimeout: rc.TrainTimeout(),
			EvalTimeout:  rc.EvalTimeout(),
		}, nil
	case config.RunnerDocker:
		return &runner.Docker{
			Image:        rc.Image,
			TrainCmd:     rc.TrainCmd,
			EvalCmd:      rc.EvalCmd,
			Env:          env,
			GPUs:         rc.GPUs,
			CPULimit:     rc.CPULimit,
			MemoryLimit:  rc.MemoryLimitGB << 30,
			TrainTimeout: rc.TrainTimeout(),
			EvalTimeout:  rc.EvalTimeout(),
		}, nil
	default:
		return nil, fmt.Errorf("unknown runner kind %q", rc.Kind)
	}
}
