package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Rewrite fixed settings in the persisted search and every trial",
		Long: "Rewrite static fields, or pin single-valued dynamic fields, in config_static.json, " +
			"config_dynamic.json and every trainer_config.json under the search root. " +
			"Update the config file to match before resuming the search.",
		RunE: func(cmd *cobra.Command, args []string) error {
			static, err := parseAssignments(settings.GetStringSlice("static"))
			if err != nil {
				return err
			}
			dynamic, err := parseAssignments(settings.GetStringSlice("dynamic"))
			if err != nil {
				return err
			}
			if len(static) == 0 && len(dynamic) == 0 {
				return fmt.Errorf("nothing to migrate: pass --static or --dynamic")
			}
			cfg, err := loadConfig(settings)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			unlock, err := st.Lock()
			if err != nil {
				return err
			}
			defer unlock()
			n, err := st.Migrate(static, dynamic)
			if err != nil {
				return err
			}
			fmt.Printf("Rewrote %d trial configs under %s\n", n, st.Root())
			return nil
		},
	}
	cmd.Flags().StringSlice("static", nil, "static field override as key=value (repeatable)")
	cmd.Flags().StringSlice("dynamic", nil, "single-valued dynamic field override as key=value (repeatable)")
	return cmd
}

// parseAssignments turns key=value pairs into a map. Values are YAML
// scalars, so "16" is an int and "1e-4" a float.
func parseAssignments(pairs []string) (map[string]any, error) {
	out := map[string]any{}
	for _, p := range pairs {
		k, raw, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("override %q: want key=value", p)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("override %s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}
