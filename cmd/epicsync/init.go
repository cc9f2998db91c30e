package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/codeswell/epicsync/internal/config"
	"github.com/codeswell/epicsync/internal/ui"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "setup",
	Short:   "Create a starter .epicsync/config.toml",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		base := viper.GetString("dir")
		if base == "" {
			base = "."
		}
		dir := filepath.Join(base, config.ConfigDirName)

		path, err := config.WriteStarter(dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		fmt.Println("Edit the provider settings, then export your tracker credential.")
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
