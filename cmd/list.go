package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/signalnine/gridsearch/internal/space"
	"github.com/signalnine/gridsearch/internal/store"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the expanded grid and which points already have a trial",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(settings)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			dyn := cfg.DynamicSpace()
			grid, err := space.Expand(cfg.StaticSpace(), dyn)
			if err != nil {
				return err
			}
			rows, err := gridRows(st, grid, dyn.Fields(), cfg.Search.EpochPartial)
			if err != nil {
				return err
			}

			fmt.Printf("Search root: %s\n", st.Root())
			fmt.Printf("Grid: %d configs over %s\n\n", len(grid), strings.Join(dyn.Fields(), ", "))
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tTRIAL\tEPOCHS\tCONFIG")
			for _, r := range rows {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", r.pos, r.trial, r.progress, r.config)
			}
			return tw.Flush()
		},
	}
}

type gridRow struct {
	pos      int
	trial    string
	progress string
	config   string
}

// gridRows matches each grid point against the trials on disk.
func gridRows(st *store.Store, grid []space.Params, fields []string, partial int) ([]gridRow, error) {
	rows := make([]gridRow, 0, len(grid))
	for n, params := range grid {
		row := gridRow{pos: n + 1, trial: "-", progress: "-", config: params.Describe(fields)}
		t, found, err := st.FindByFingerprint(params)
		if err != nil {
			return nil, err
		}
		if found {
			row.trial = t.ID
			epochs, err := st.ListSnapshots(t.Dir)
			if err != nil {
				return nil, err
			}
			latest := 0
			if len(epochs) > 0 {
				latest = epochs[len(epochs)-1]
			}
			row.progress = fmt.Sprintf("%d/%d", latest, partial)
			if _, failed := st.Failure(t.Dir); failed {
				row.progress += " (failed)"
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
