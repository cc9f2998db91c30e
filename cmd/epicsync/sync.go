package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/codeswell/epicsync/internal/config"
	"github.com/codeswell/epicsync/internal/engine"
	"github.com/codeswell/epicsync/internal/snapshot"
	"github.com/codeswell/epicsync/internal/tracker"
	"github.com/codeswell/epicsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync <epic-root>",
	GroupID: "sync",
	Short:   "Sync an epic hierarchy to the configured tracker",
	Long: `Sync the epic rooted at the given directory to the configured tracker.

The run creates missing remote items level by level (epic, then stories,
then tasks) with bounded concurrency, reconciles already-mapped nodes
against the tracker's current state, and records every created item in
.epicsync/mapping.json as soon as its creation commits.

Use --dry-run to see what would happen without any remote calls.
Exit code is nonzero if any node failed or a conflict is unresolved.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := findConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		logger := newLogger(cfg, "[sync] ")

		dryRun, _ := cmd.Flags().GetBool("dry-run")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		policyFlag, _ := cmd.Flags().GetString("conflict-policy")

		policy := engine.ConflictPolicy(cfg.Defaults.ConflictPolicy)
		if policyFlag != "" {
			policy, err = engine.ParsePolicy(policyFlag)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		var provider tracker.Provider
		if !dryRun {
			provider, err = tracker.New(cfg, logger)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		cache := openSnapshot(cfg, logger)
		if cache != nil {
			defer cache.Close()
		}

		orch := engine.New(cfg, provider, cache, logger, engine.Options{
			DryRun:      dryRun,
			Concurrency: concurrency,
			Policy:      policy,
		})

		report, err := orch.Sync(rootCtx, args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		printReport(report)
		if !report.Success() {
			os.Exit(1)
		}
	},
}

func init() {
	syncCmd.Flags().Bool("dry-run", false, "detect work and conflicts without any remote calls")
	syncCmd.Flags().Int("concurrency", 0, "max in-flight tracker calls (default from config)")
	syncCmd.Flags().String("conflict-policy", "", "conflict policy: local-wins, remote-wins, or manual")
	rootCmd.AddCommand(syncCmd)
}

// openSnapshot opens the remote snapshot cache. Cache failures degrade
// to refetching; they never block a sync.
func openSnapshot(cfg *config.Config, logger tracker.Logger) *snapshot.DB {
	cache, err := snapshot.Open(cfg.SnapshotPath())
	if err != nil {
		logger.Printf("WARNING: snapshot cache unavailable: %v", err)
		return nil
	}
	if err := cache.InitSchema(); err != nil {
		logger.Printf("WARNING: snapshot schema init failed: %v", err)
		_ = cache.Close()
		return nil
	}
	return cache
}

// printReport renders the per-node outcome table and the summary line.
func printReport(report *engine.Report) {
	if report.DryRun {
		fmt.Printf("%s Dry run against %s (no remote calls made)\n", ui.RenderAccent("→"), report.Provider)
	}

	for _, row := range report.Rows {
		marker := ui.RenderPass("✓")
		switch row.Status {
		case engine.StatusFailed, engine.StatusSkippedParent:
			marker = ui.RenderFail("✗")
		case engine.StatusConflict:
			marker = ui.RenderWarn("⚠")
		case engine.StatusUnchanged:
			marker = ui.RenderDim("·")
		}

		line := fmt.Sprintf("%s %-40s %s", marker, row.LocalID, row.Status)
		if row.Detail != "" {
			line += fmt.Sprintf(" (%s)", row.Detail)
		}
		if row.RemoteURL != "" {
			line += " " + ui.RenderDim(row.RemoteURL)
		}
		fmt.Println(line)
	}

	fmt.Printf("\n%s %s in %s\n", ui.RenderAccent("Σ"), report.Summary(), report.Duration.Round(time.Millisecond))
	for _, c := range report.Conflicts {
		if c.Outcome == engine.OutcomeUnresolved {
			fmt.Printf("%s unresolved conflict: %s (run 'epicsync resolve')\n", ui.RenderWarn("⚠"), c.LocalID)
		}
	}
}
