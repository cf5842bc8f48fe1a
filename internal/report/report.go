package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/signalnine/gridsearch/internal/search"
	"github.com/signalnine/gridsearch/internal/store"
)

// RankRow is one ranked snapshot joined with its trial's swept fields.
type RankRow struct {
	Rank   int     `json:"rank"`
	Trial  string  `json:"trial"`
	Epoch  int     `json:"epoch"`
	Value  float64 `json:"value"`
	Path   string  `json:"path"`
	Config string  `json:"config"`
}

// TrialStatus is the on-disk progress of one trial.
type TrialStatus struct {
	Trial     string   `json:"trial"`
	Config    string   `json:"config"`
	Snapshots int      `json:"snapshots"`
	Latest    int      `json:"latest_epoch"`
	Evaluated int      `json:"evaluated"`
	Best      *float64 `json:"best,omitempty"`
	Failed    string   `json:"failed,omitempty"`
}

// Generate renders the ranking of one stage ("1st" or "2nd").
func Generate(st *store.Store, stage, format string, w io.Writer) error {
	ranking, err := st.ReadRanking(stage)
	if err != nil {
		return err
	}
	fields, err := sweptFields(st)
	if err != nil {
		return err
	}
	rows := make([]RankRow, 0, len(ranking))
	for n, e := range ranking {
		row := RankRow{Rank: n, Trial: e.Trial, Epoch: e.Epoch, Value: e.Value, Path: e.Path}
		if params, err := st.ReadParams(st.TrialDir(e.Trial)); err == nil {
			row.Config = params.Describe(fields)
		}
		rows = append(rows, row)
	}

	switch format {
	case "markdown":
		return writeRankMarkdown(rows, w)
	case "json":
		return writeJSON(rows, w)
	default:
		return writeRankTable(rows, w)
	}
}

// CollectStatus summarizes every trial under the search root in id order.
func CollectStatus(st *store.Store, metric search.MetricPath) ([]TrialStatus, error) {
	trials, err := st.Trials()
	if err != nil {
		return nil, err
	}
	fields, err := sweptFields(st)
	if err != nil {
		return nil, err
	}
	out := make([]TrialStatus, 0, len(trials))
	for _, t := range trials {
		epochs, err := st.ListSnapshots(t.Dir)
		if err != nil {
			return nil, err
		}
		s := TrialStatus{Trial: t.ID, Config: t.Params.Describe(fields), Snapshots: len(epochs)}
		if len(epochs) > 0 {
			s.Latest = epochs[len(epochs)-1]
		}
		for _, n := range epochs {
			snap := store.SnapshotDir(t.Dir, n)
			if !st.HasMetric(snap) {
				continue
			}
			s.Evaluated++
			m, err := st.ReadMetric(snap)
			if err != nil {
				continue
			}
			if v, ok := m.Value(metric.Split, metric.Name); ok && (s.Best == nil || v > *s.Best) {
				s.Best = &v
			}
		}
		if f, ok := st.Failure(t.Dir); ok {
			s.Failed = f.Reason
		}
		out = append(out, s)
	}
	return out, nil
}

// Status renders CollectStatus output.
func Status(st *store.Store, metric search.MetricPath, format string, w io.Writer) error {
	rows, err := CollectStatus(st, metric)
	if err != nil {
		return err
	}
	switch format {
	case "markdown":
		return writeStatusMarkdown(rows, metric, w)
	case "json":
		return writeJSON(rows, w)
	default:
		return writeStatusTable(rows, metric, w)
	}
}

// sweptFields returns the dynamic field names recorded for the search, or
// nil before the search has been initialized.
func sweptFields(st *store.Store) ([]string, error) {
	state, ok, err := st.LoadState()
	if err != nil || !ok {
		return nil, err
	}
	return state.Dynamic.Fields(), nil
}

func writeRankTable(rows []RankRow, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tMETRIC\tTRIAL\tEPOCH\tCONFIG")
	fmt.Fprintln(tw, strings.Repeat("-", 80))
	for _, r := range rows {
		fmt.Fprintf(tw, "%d\t%.4f\t%s\t%d\t%s\n", r.Rank, r.Value, r.Trial, r.Epoch, r.Config)
	}
	return tw.Flush()
}

func writeRankMarkdown(rows []RankRow, w io.Writer) error {
	fmt.Fprintln(w, "| Rank | Metric | Trial | Epoch | Config |")
	fmt.Fprintln(w, "|---|---|---|---|---|")
	for _, r := range rows {
		fmt.Fprintf(w, "| %d | %.4f | %s | %d | %s |\n", r.Rank, r.Value, r.Trial, r.Epoch, r.Config)
	}
	return nil
}

func writeStatusTable(rows []TrialStatus, metric search.MetricPath, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "TRIAL\tEPOCH\tEVALUATED\tBEST %s\tSTATE\tCONFIG\n", strings.ToUpper(metric.String()))
	fmt.Fprintln(tw, strings.Repeat("-", 80))
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%d\t%d/%d\t%s\t%s\t%s\n",
			r.Trial, r.Latest, r.Evaluated, r.Snapshots, best(r.Best), state(r), r.Config)
	}
	return tw.Flush()
}

func writeStatusMarkdown(rows []TrialStatus, metric search.MetricPath, w io.Writer) error {
	fmt.Fprintf(w, "| Trial | Epoch | Evaluated | Best %s | State | Config |\n", metric)
	fmt.Fprintln(w, "|---|---|---|---|---|---|")
	for _, r := range rows {
		fmt.Fprintf(w, "| %s | %d | %d/%d | %s | %s | %s |\n",
			r.Trial, r.Latest, r.Evaluated, r.Snapshots, best(r.Best), state(r), r.Config)
	}
	return nil
}

func best(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.4f", *v)
}

func state(r TrialStatus) string {
	switch {
	case r.Failed != "":
		return "failed: " + r.Failed
	case r.Snapshots == 0:
		return "pending"
	default:
		return "ok"
	}
}

func writeJSON(v any, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
