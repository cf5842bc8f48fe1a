package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// settings merges command-line flags with GRIDSEARCH_* environment variables.
var settings *viper.Viper

func NewRootCmd() *cobra.Command {
	settings = viper.New()
	settings.SetEnvPrefix("GRIDSEARCH")
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()

	root := &cobra.Command{
		Use:          "gridsearch",
		Short:        "Two-stage hyperparameter grid search over a checkpoint directory",
		SilenceUsage: true,
	}
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return settings.BindPFlags(cmd.Flags())
	}
	root.PersistentFlags().String("config", "gridsearch.yaml", "config file path (yaml or toml)")
	root.AddCommand(newSearchCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newReportCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newMigrateCmd())
	return root
}
