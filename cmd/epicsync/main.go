// Command epicsync projects a file-based Epic/Story/Task hierarchy onto
// an external item tracker (GitHub Issues or Azure DevOps work items).
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/codeswell/epicsync/internal/config"

	// Tracker providers register themselves with the selector.
	_ "github.com/codeswell/epicsync/internal/tracker/azure"
	_ "github.com/codeswell/epicsync/internal/tracker/github"
)

// rootCtx is cancelled on SIGINT/SIGTERM so in-flight batch calls can
// finish or fail cleanly before the process exits.
var rootCtx context.Context

var rootCmd = &cobra.Command{
	Use:   "epicsync",
	Short: "Sync a local Epic/Story/Task hierarchy to an item tracker",
	Long: `epicsync projects markdown-authored work hierarchies onto an external
item tracker, creating missing remote items, linking parent/child
relationships, and reconciling divergence between the two sides.

Hierarchies live under an epic root directory:

  <root>/epic.md
  <root>/01-login/story.md
  <root>/01-login/01-form.md

Project configuration lives in .epicsync/config.toml (see 'epicsync init').
Tracker credentials come from the environment:

  EPICSYNC_GITHUB_TOKEN (or GITHUB_TOKEN)
  EPICSYNC_AZURE_TOKEN  (or AZURE_DEVOPS_PAT)`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("dir", "", "project directory to search for .epicsync (default: walk up from cwd)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "echo debug logging to stderr")

	_ = viper.BindPFlags(rootCmd.PersistentFlags())
	viper.SetEnvPrefix("EPICSYNC")
	viper.AutomaticEnv()

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "setup", Title: "Setup Commands:"},
	)
}

// findConfig locates and loads the project configuration, honoring the
// --dir override.
func findConfig() (*config.Config, error) {
	start := viper.GetString("dir")
	if start == "" {
		start = "."
	}
	dir := config.FindProjectDir(start)
	if dir == "" {
		return nil, fmt.Errorf(".epicsync directory not found (run 'epicsync init' first)")
	}
	return config.Load(dir)
}

// newLogger builds the run logger: a rotating debug log in the project
// directory, echoed to stderr with --verbose.
func newLogger(cfg *config.Config, prefix string) *log.Logger {
	var w io.Writer = &lumberjack.Logger{
		Filename:   cfg.LogPath(),
		MaxSize:    5, // megabytes
		MaxBackups: 2,
	}
	if viper.GetBool("verbose") {
		w = io.MultiWriter(w, os.Stderr)
	}
	return log.New(w, prefix, log.LstdFlags)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	rootCtx = ctx

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
