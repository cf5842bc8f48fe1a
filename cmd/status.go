package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/signalnine/gridsearch/internal/report"
	"github.com/signalnine/gridsearch/internal/search"
	"github.com/signalnine/gridsearch/internal/store"
)

// followDebounce coalesces bursts of filesystem events into one redraw.
const followDebounce = 500 * time.Millisecond

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show per-trial progress under the search root",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(settings)
			if err != nil {
				return err
			}
			metric, err := search.ParseMetricPath(cfg.Search.Metric)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			format := settings.GetString("format")
			if !settings.GetBool("follow") {
				return report.Status(st, metric, format, os.Stdout)
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return follow(ctx, st, os.Stdout, func(w io.Writer) error {
				fmt.Fprint(w, "\033[H\033[2J")
				fmt.Fprintf(w, "%s  %s\n\n", st.Root(), time.Now().Format(time.TimeOnly))
				return report.Status(st, metric, format, w)
			})
		},
	}
	cmd.Flags().String("format", "table", "output format (table, markdown, json)")
	cmd.Flags().Bool("follow", false, "re-render whenever the search root changes")
	return cmd
}

// follow renders once, then again after every quiet period following a
// change under the search root, until ctx is done.
func follow(ctx context.Context, st *store.Store, w io.Writer, render func(io.Writer) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()
	if err := watchTree(watcher, st.Root()); err != nil {
		return err
	}

	if err := render(w); err != nil {
		return err
	}
	var redraw <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					watchTree(watcher, ev.Name)
				}
			}
			if redraw == nil {
				redraw = time.After(followDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watching %s: %w", st.Root(), err)
		case <-redraw:
			redraw = nil
			if err := render(w); err != nil {
				return err
			}
		}
	}
}

// watchTree adds dir and every directory below it. fsnotify watches are not
// recursive.
func watchTree(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}
