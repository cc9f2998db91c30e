package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/codeswell/epicsync/internal/mapstore"
	"github.com/codeswell/epicsync/internal/snapshot"
	"github.com/codeswell/epicsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show the mapping store and snapshot cache state",
	Long: `Display the current sync state without any remote calls.

Shows every mapping entry (local id, remote id, item type, url) in
insertion order, plus snapshot cache statistics.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := findConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		store, err := mapstore.Load(cfg.MappingStorePath())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if store.Len() == 0 {
			fmt.Printf("%s No nodes synced yet (mapping store is empty)\n", ui.RenderWarn("⚠"))
			return
		}

		fmt.Printf("%s Provider: %s\n", ui.RenderAccent("→"), cfg.Provider)
		fmt.Printf("%s Mapping:  %s (%d entries)\n\n", ui.RenderAccent("→"), store.Path(), store.Len())

		for _, entry := range store.Entries() {
			fmt.Printf("  %-40s %-10s #%-8s %s\n",
				entry.LocalID, entry.ItemType, entry.RemoteID, ui.RenderDim(entry.RemoteURL))
		}

		cache, err := snapshot.Open(cfg.SnapshotPath())
		if err != nil {
			return
		}
		defer cache.Close()
		if err := cache.InitSchema(); err != nil {
			return
		}
		if count, err := cache.Count(); err == nil {
			fmt.Printf("\n%s Snapshot cache: %d remote items\n", ui.RenderAccent("→"), count)
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
