package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/signalnine/gridsearch/internal/report"
	"github.com/signalnine/gridsearch/internal/store"
)

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "report [1st|2nd]",
		Short:     "Render a stored ranking",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{store.StageExplore, store.StageRefine},
		RunE: func(cmd *cobra.Command, args []string) error {
			stage := store.StageRefine
			if len(args) > 0 {
				stage = args[0]
			}
			if stage != store.StageExplore && stage != store.StageRefine {
				return fmt.Errorf("unknown stage %q: want %s or %s", stage, store.StageExplore, store.StageRefine)
			}
			cfg, err := loadConfig(settings)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			return report.Generate(st, stage, settings.GetString("format"), os.Stdout)
		},
	}
	cmd.Flags().String("format", "table", "output format (table, markdown, json)")
	return cmd
}
