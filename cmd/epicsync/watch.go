package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/codeswell/epicsync/internal/engine"
	"github.com/codeswell/epicsync/internal/ui"
	"github.com/codeswell/epicsync/internal/watch"
)

var watchCmd = &cobra.Command{
	Use:     "watch <epic-root>",
	GroupID: "sync",
	Short:   "Watch the hierarchy and report drift as it is edited",
	Long: `Watch the epic root for changes and re-run dry-run detection whenever
hierarchy files change. No remote mutations are ever made; this is a
live preview of what the next 'epicsync sync' would do.

Stop with Ctrl-C.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := findConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		logger := newLogger(cfg, "[watch] ")

		cache := openSnapshot(cfg, logger)
		if cache != nil {
			defer cache.Close()
		}

		watcher, err := watch.New(args[0], logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		runDetection := func(paths []string) {
			if len(paths) > 0 {
				fmt.Printf("\n%s %d file(s) changed\n", ui.RenderAccent("→"), len(paths))
			}
			orch := engine.New(cfg, nil, cache, logger, engine.Options{DryRun: true})
			report, err := orch.Sync(rootCtx, args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Detection failed: %v\n", err)
				return
			}
			fmt.Printf("%s %s\n", ui.RenderAccent("Σ"), report.Summary())
		}

		// Initial pass so the user sees current state immediately.
		runDetection(nil)

		if err := watcher.Run(rootCtx, runDetection); err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
