package search

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/signalnine/gridsearch/internal/logx"
	"github.com/signalnine/gridsearch/internal/runner"
	"github.com/signalnine/gridsearch/internal/space"
	"github.com/signalnine/gridsearch/internal/store"
)

// Phase is a step of the search. Phases run in order and each one reads the
// previous one's output from disk, so a restart can begin anywhere.
type Phase int

const (
	Uninitialized Phase = iota
	ExploreTrain
	ExploreEval
	ExploreRank
	RefineTrain
	RefineEval
	RefineRank
	Done
)

var phaseNames = [...]string{
	"UNINITIALIZED",
	"EXPLORE_TRAIN",
	"EXPLORE_EVAL",
	"EXPLORE_RANK",
	"REFINE_TRAIN",
	"REFINE_EVAL",
	"REFINE_RANK",
	"DONE",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phaseNames[p]
}

// MetricPath locates the ranking score inside a metric record.
type MetricPath struct {
	Split string
	Name  string
}

// ParseMetricPath parses "split/name", e.g. "dev/Bleu_4".
func ParseMetricPath(s string) (MetricPath, error) {
	split, name, ok := strings.Cut(s, "/")
	if !ok || split == "" || name == "" {
		return MetricPath{}, fmt.Errorf("metric %q: want split/name", s)
	}
	return MetricPath{Split: split, Name: name}, nil
}

func (m MetricPath) String() string { return m.Split + "/" + m.Name }

type Options struct {
	Static       space.Static
	Dynamic      space.Dynamic
	EpochPartial int
	MaxConfigs   int
	Metric       MetricPath
	EvalBatch    int
	EvalBeams    int
	// Workers bounds concurrent train and eval calls. 1 runs everything in
	// grid order.
	Workers int
}

// Result summarizes one invocation.
type Result struct {
	Phase         Phase
	GridSize      int
	Created       int
	Resumed       int
	Skipped       int
	TrainFailures int
	EvalFailures  int
	Explore       store.Ranking
	Refine        store.Ranking
}

type Coordinator struct {
	store  *store.Store
	runner runner.TrialRunner
	base   *logx.Logger
	// log carries the current phase.
	log  *logx.Logger
	opts Options

	epochFull int
	grid      []space.Params
	fields    []string

	mu         sync.Mutex
	res        Result
	failedEval map[string]bool
}

func New(st *store.Store, r runner.TrialRunner, lg *logx.Logger, opts Options) (*Coordinator, error) {
	epochFull, err := opts.Static.Epoch()
	if err != nil {
		return nil, err
	}
	if opts.EpochPartial < 1 || opts.EpochPartial >= epochFull {
		return nil, fmt.Errorf("partial epoch budget %d must be in [1, %d)", opts.EpochPartial, epochFull)
	}
	if opts.MaxConfigs < 1 {
		return nil, fmt.Errorf("max configs must be at least 1, got %d", opts.MaxConfigs)
	}
	if opts.Metric.Split == "" || opts.Metric.Name == "" {
		return nil, fmt.Errorf("metric path is required")
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	grid, err := space.Expand(opts.Static, opts.Dynamic)
	if err != nil {
		return nil, fmt.Errorf("expanding grid: %w", err)
	}
	if lg == nil {
		lg = logx.Discard()
	}
	return &Coordinator{
		store:      st,
		runner:     r,
		base:       lg,
		log:        lg,
		opts:       opts,
		epochFull:  epochFull,
		grid:       grid,
		fields:     opts.Dynamic.Fields(),
		failedEval: map[string]bool{},
	}, nil
}

// Grid returns the trial configurations in grid order.
func (c *Coordinator) Grid() []space.Params { return c.grid }

// Run drives the search to DONE. Per-trial training and evaluation failures
// are logged and excluded; consistency errors and cancellation abort.
func (c *Coordinator) Run(ctx context.Context) (*Result, error) {
	c.res = Result{GridSize: len(c.grid)}
	c.failedEval = map[string]bool{}

	c.enter(Uninitialized)
	unlock, err := c.store.Lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := c.store.InitState(c.opts.Static, c.opts.Dynamic); err != nil {
		return nil, fmt.Errorf("initializing search state: %w", err)
	}
	c.log.Infof("initialized search at %s: %d configs, partial epoch %d, full epoch %d, top %d by %s",
		c.store.Root(), len(c.grid), c.opts.EpochPartial, c.epochFull, c.opts.MaxConfigs, c.opts.Metric)

	c.enter(ExploreTrain)
	trials, err := c.exploreTrain(ctx)
	if err != nil {
		return nil, err
	}

	c.enter(ExploreEval)
	candidates := make([]snapshotRef, 0, len(trials))
	for _, t := range trials {
		switch {
		case c.failedAt(t.Dir, c.opts.EpochPartial):
			c.log.With("trial", t.ID).Warnf("training failed, excluded from exploration")
		case c.store.HasSnapshot(t.Dir, c.opts.EpochPartial):
			candidates = append(candidates, snapshotRef{trial: t.ID, dir: t.Dir, epoch: c.opts.EpochPartial})
		default:
			c.log.With("trial", t.ID).Warnf("no epoch_%d, excluded from exploration", c.opts.EpochPartial)
		}
	}
	if err := c.evaluate(ctx, candidates); err != nil {
		return nil, err
	}

	c.enter(ExploreRank)
	c.res.Explore = c.rank(candidates, c.opts.EpochPartial)
	if err := c.store.WriteRanking(store.StageExplore, c.res.Explore); err != nil {
		return nil, err
	}
	c.logRanking("exploration", c.res.Explore)

	c.enter(RefineTrain)
	survivors, err := c.refineTrain(ctx, c.res.Explore.Top(c.opts.MaxConfigs))
	if err != nil {
		return nil, err
	}

	c.enter(RefineEval)
	var refined []snapshotRef
	for _, t := range survivors {
		if c.failedAt(t.Dir, c.epochFull) {
			c.log.With("trial", t.ID).Warnf("training failed, excluded from refinement")
			continue
		}
		epochs, err := c.store.ListSnapshots(t.Dir)
		if err != nil {
			return nil, err
		}
		for _, n := range epochs {
			if n > c.opts.EpochPartial && n <= c.epochFull {
				refined = append(refined, snapshotRef{trial: t.ID, dir: t.Dir, epoch: n})
			}
		}
	}
	if err := c.evaluate(ctx, refined); err != nil {
		return nil, err
	}

	c.enter(RefineRank)
	c.res.Refine = c.rank(refined, c.epochFull)
	if err := c.store.WriteRanking(store.StageRefine, c.res.Refine); err != nil {
		return nil, err
	}
	c.logRanking("refinement", c.res.Refine)

	c.enter(Done)
	c.log.Infof("search finished: %d created, %d resumed, %d skipped, %d training failures, %d evaluation failures",
		c.res.Created, c.res.Resumed, c.res.Skipped, c.res.TrainFailures, c.res.EvalFailures)
	res := c.res
	return &res, nil
}

func (c *Coordinator) enter(p Phase) {
	c.res.Phase = p
	c.log = c.base.With("phase", p.String())
	c.log.Infof("phase %s", p)
}

// failedAt reports whether the trial's last training run to the given budget
// failed. Snapshots it saved before failing do not count.
func (c *Coordinator) failedAt(trialDir string, epochs int) bool {
	f, ok := c.store.Failure(trialDir)
	return ok && f.Epochs == epochs
}

// exploreTrain makes sure every grid point has a trial trained to the
// partial budget and returns those trials in grid order.
func (c *Coordinator) exploreTrain(ctx context.Context) ([]store.Trial, error) {
	var (
		trials  []store.Trial
		pending []store.Trial
		seen    = map[string]bool{}
		exclude = map[string]bool{}
	)
	for n, params := range c.grid {
		c.log.Infof("exploration config %d/%d: %s", n+1, len(c.grid), params.Describe(c.fields))

		t, found, err := c.store.FindByFingerprint(params)
		if err != nil {
			return nil, fmt.Errorf("looking up config %d: %w", n+1, err)
		}
		if found {
			if seen[t.ID] {
				c.log.Infof("config %d repeats trial %s, skipping", n+1, t.ID)
				continue
			}
			seen[t.ID] = true
			trials = append(trials, t)
			failed := c.failedAt(t.Dir, c.opts.EpochPartial)
			if !failed && c.store.HasSnapshot(t.Dir, c.opts.EpochPartial) {
				c.log.Infof("skip: config already trained at %s", c.store.Rel(t.Dir))
				c.res.Skipped++
				continue
			}
			if failed {
				c.log.Infof("retry: %s failed its last run to epoch_%d", c.store.Rel(t.Dir), c.opts.EpochPartial)
			} else {
				c.log.Infof("resume: %s stopped before epoch_%d", c.store.Rel(t.Dir), c.opts.EpochPartial)
			}
			c.res.Resumed++
			pending = append(pending, t)
			continue
		}

		t, err = c.store.CreateTrial(params, exclude)
		if err != nil {
			return nil, fmt.Errorf("creating trial for config %d: %w", n+1, err)
		}
		c.log.Infof("new trial %s", c.store.Rel(t.Dir))
		seen[t.ID] = true
		c.res.Created++
		trials = append(trials, t)
		pending = append(pending, t)
	}

	if err := c.train(ctx, pending, c.opts.EpochPartial); err != nil {
		return nil, err
	}
	return trials, nil
}

// refineTrain resumes each survivor in its own directory up to the full
// budget and returns the survivors in ranking order.
func (c *Coordinator) refineTrain(ctx context.Context, top store.Ranking) ([]store.Trial, error) {
	var survivors, pending []store.Trial
	for n, e := range top {
		dir := c.store.TrialDir(e.Trial)
		params, err := c.store.ReadParams(dir)
		if err != nil {
			return nil, fmt.Errorf("loading survivor %s: %w", e.Trial, err)
		}
		t := store.Trial{ID: e.Trial, Dir: dir, Params: params}
		survivors = append(survivors, t)
		c.log.Infof("refinement config %d/%d: %s %s = %.4f", n+1, len(top), e.Trial, c.opts.Metric, e.Value)
		if c.store.HasSnapshot(dir, c.epochFull) && !c.failedAt(dir, c.epochFull) {
			c.log.Infof("skip: %s already has epoch_%d", c.store.Rel(dir), c.epochFull)
			continue
		}
		pending = append(pending, t)
	}
	if err := c.train(ctx, pending, c.epochFull); err != nil {
		return nil, err
	}
	return survivors, nil
}

// train runs the trainer for each trial. A failing trial is marked, which
// keeps its snapshots out of ranking until a later run succeeds; only
// cancellation is returned.
func (c *Coordinator) train(ctx context.Context, trials []store.Trial, epochs int) error {
	jobs := make([]runner.Job, 0, len(trials))
	for _, t := range trials {
		lg := c.log.With("trial", t.ID)
		jobs = append(jobs, func(ctx context.Context) error {
			lg.Infof("training to epoch %d", epochs)
			err := c.runner.Train(ctx, runner.TrainRequest{
				TrialDir:  t.Dir,
				Params:    t.Params,
				Epochs:    epochs,
				SaveEvery: 1,
			})
			if ctx.Err() != nil {
				return fmt.Errorf("training %s: %w", t.ID, ctx.Err())
			}
			if err != nil {
				lg.Errorf("training failed, excluding trial: %v", err)
				if mErr := c.store.MarkFailed(t.Dir, epochs, err.Error()); mErr != nil {
					lg.Warnf("marking failed: %v", mErr)
				}
				c.count(&c.res.TrainFailures)
				return nil
			}
			if _, failed := c.store.Failure(t.Dir); failed {
				if err := c.store.ClearFailure(t.Dir); err != nil {
					lg.Warnf("clearing failure marker: %v", err)
				}
			}
			return nil
		})
	}
	return c.runJobs(ctx, jobs)
}

type snapshotRef struct {
	trial string
	dir   string
	epoch int
}

func (s snapshotRef) path() string { return store.SnapshotDir(s.dir, s.epoch) }

// evaluate fills in missing metric records. Failures are logged and the
// snapshot is left out of ranking; a record the evaluator wrote before
// failing is set aside so the next run evaluates again.
func (c *Coordinator) evaluate(ctx context.Context, snaps []snapshotRef) error {
	var jobs []runner.Job
	for i, s := range snaps {
		snap := s.path()
		if c.store.HasMetric(snap) {
			continue
		}
		lg := c.log.With("trial", s.trial, "epoch", s.epoch)
		jobs = append(jobs, func(ctx context.Context) error {
			lg.Infof("evaluating %s (%d/%d)", c.store.Rel(snap), i+1, len(snaps))
			res := c.runner.Evaluate(ctx, runner.EvalRequest{
				SnapshotDir: snap,
				Batch:       c.opts.EvalBatch,
				Beams:       c.opts.EvalBeams,
			})
			if ctx.Err() != nil {
				return fmt.Errorf("evaluating %s: %w", c.store.Rel(snap), ctx.Err())
			}
			if !res.OK() {
				lg.Errorf("evaluation of %s failed, excluding snapshot: %v", c.store.Rel(snap), res.Err)
				if err := c.store.DiscardMetric(snap); err != nil {
					lg.Warnf("setting aside metric record: %v", err)
				}
				c.mu.Lock()
				c.failedEval[snap] = true
				c.res.EvalFailures++
				c.mu.Unlock()
			}
			return nil
		})
	}
	return c.runJobs(ctx, jobs)
}

func (c *Coordinator) runJobs(ctx context.Context, jobs []runner.Job) error {
	if c.opts.Workers <= 1 {
		for _, job := range jobs {
			if err := job(ctx); err != nil {
				return err
			}
		}
		return nil
	}
	if errs := runner.RunPool(ctx, c.opts.Workers, jobs); len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// rank scores snapshots in the given order and sorts them; equal scores
// keep that order. Snapshots of trials whose training to budget failed are
// left out.
func (c *Coordinator) rank(snaps []snapshotRef, budget int) store.Ranking {
	ranking := store.Ranking{}
	for _, s := range snaps {
		snap := s.path()
		if c.failedEval[snap] {
			continue
		}
		if c.failedAt(s.dir, budget) {
			c.log.With("trial", s.trial).Warnf("%s excluded: training failed", c.store.Rel(snap))
			continue
		}
		m, err := c.store.ReadMetric(snap)
		if err != nil {
			c.log.Warnf("%s excluded: %v", c.store.Rel(snap), err)
			continue
		}
		v, ok := m.Value(c.opts.Metric.Split, c.opts.Metric.Name)
		if !ok {
			c.log.Warnf("%s excluded: no numeric %s in metric record", c.store.Rel(snap), c.opts.Metric)
			continue
		}
		ranking = append(ranking, store.Entry{
			Path:  c.store.Rel(snap),
			Trial: s.trial,
			Epoch: s.epoch,
			Value: v,
		})
	}
	ranking.Sort()
	return ranking
}

func (c *Coordinator) logRanking(stage string, r store.Ranking) {
	c.log.Infof("%s results (%s): %d ranked", stage, c.opts.Metric, len(r))
	for n, e := range r {
		c.log.Infof("  * rank: %d | metric: %.3f | model: %s |", n, e.Value, e.Path)
	}
}

func (c *Coordinator) count(field *int) {
	c.mu.Lock()
	*field++
	c.mu.Unlock()
}
