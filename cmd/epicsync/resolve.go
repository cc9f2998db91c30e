package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/codeswell/epicsync/internal/engine"
	"github.com/codeswell/epicsync/internal/hierarchy"
	"github.com/codeswell/epicsync/internal/mapstore"
	"github.com/codeswell/epicsync/internal/tracker"
	"github.com/codeswell/epicsync/internal/ui"
)

var resolveCmd = &cobra.Command{
	Use:     "resolve <epic-root>",
	GroupID: "sync",
	Short:   "Interactively resolve sync conflicts",
	Long: `Detect nodes where both the local file and the tracker changed since
the last sync, then resolve them interactively:

  Local wins all  - push every conflicted node's local content
  Remote wins all - pull every conflicted node into a .remote.md shadow
  Decide individually - choose per node

Requires an interactive terminal.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if !ui.IsInteractive() {
			fmt.Fprintf(os.Stderr, "Error: resolve requires an interactive terminal\n")
			os.Exit(1)
		}

		cfg, err := findConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		logger := newLogger(cfg, "[resolve] ")

		provider, err := tracker.New(cfg, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		lock, err := mapstore.AcquireLock(cfg.LockPath())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer lock.Release()

		store, err := mapstore.Load(cfg.MappingStorePath())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		tree, err := hierarchy.Load(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		cache := openSnapshot(cfg, logger)
		if cache != nil {
			defer cache.Close()
		}

		// Detection pass: manual policy surfaces conflicts without
		// mutating either side.
		detector := engine.NewResolver(provider, cache, engine.PolicyManual, false, logger)

		type conflicted struct {
			node  *hierarchy.Node
			entry mapstore.Entry
		}
		var conflicts []conflicted
		for _, id := range tree.Order {
			entry, ok := store.Lookup(id)
			if !ok {
				continue
			}
			res, err := detector.Resolve(rootCtx, tree.Nodes[id], entry)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if res.State == engine.StateBothChanged {
				conflicts = append(conflicts, conflicted{node: tree.Nodes[id], entry: entry})
			}
		}

		if len(conflicts) == 0 {
			fmt.Printf("%s No conflicts to resolve\n", ui.RenderPass("✓"))
			return
		}
		fmt.Printf("%s %d conflicted node(s)\n\n", ui.RenderWarn("⚠"), len(conflicts))

		var mode string
		form := huh.NewForm(huh.NewGroup(
			huh.NewSelect[string]().
				Title(fmt.Sprintf("Resolve %d conflict(s)", len(conflicts))).
				Options(
					huh.NewOption("Local wins all", "local"),
					huh.NewOption("Remote wins all", "remote"),
					huh.NewOption("Decide individually", "each"),
				).
				Value(&mode),
		))
		if err := form.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		apply := func(c conflicted, policy engine.ConflictPolicy) error {
			applier := engine.NewResolver(provider, cache, policy, false, logger)
			res, err := applier.Resolve(rootCtx, c.node, c.entry)
			if err != nil {
				return err
			}
			if res.NewFingerprint != "" {
				if err := store.Record(c.node.LocalID, c.entry.Ref(), res.NewFingerprint); err != nil {
					return err
				}
			}
			fmt.Printf("%s %s: %s\n", ui.RenderPass("✓"), c.node.LocalID, res.Detail)
			return nil
		}

		for _, c := range conflicts {
			policy := engine.PolicyLocalWins
			switch mode {
			case "remote":
				policy = engine.PolicyRemoteWins
			case "each":
				var choice string
				form := huh.NewForm(huh.NewGroup(
					huh.NewSelect[string]().
						Title(fmt.Sprintf("%s (%s)", c.node.LocalID, c.node.Title)).
						Options(
							huh.NewOption("Local wins (push)", "local"),
							huh.NewOption("Remote wins (pull to shadow)", "remote"),
							huh.NewOption("Skip (leave unresolved)", "skip"),
						).
						Value(&choice),
				))
				if err := form.Run(); err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					os.Exit(1)
				}
				if choice == "skip" {
					fmt.Printf("%s %s: left unresolved\n", ui.RenderWarn("⚠"), c.node.LocalID)
					continue
				}
				if choice == "remote" {
					policy = engine.PolicyRemoteWins
				}
			}

			if err := apply(c, policy); err != nil {
				fmt.Fprintf(os.Stderr, "Error resolving %s: %v\n", c.node.LocalID, err)
				os.Exit(1)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(resolveCmd)
}
