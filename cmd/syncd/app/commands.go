// Package app provides the commands of the catalog sync daemon.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/timmy/catalogsync/internal/config"
	"github.com/timmy/catalogsync/internal/logger"
)

// Set at build time with -ldflags "-X ...app.version=...".
var (
	version = "dev"
	commit  = "unknown"
)

// options are the persistent flags shared by every command.
type options struct {
	configPath string
}

// NewRootCmd creates the root command with all subcommands attached.
func NewRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "syncd",
		Short:         "Batch catalog synchronization engine",
		Long:          "syncd pulls paged records from a source system into the catalog, deduplicating binary assets and resuming from checkpoints after crashes.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("CONFIG_PATH"), "Path to config file (YAML)")

	root.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newStatusCmd(opts),
		newSweepCmd(opts),
		newVersionCmd(),
	)
	return root
}

// bootstrap loads configuration and installs the process logger.
func bootstrap(ctx context.Context, opts *options, component string) (context.Context, *config.Config, *logger.Logger, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return ctx, nil, nil, err
	}
	log := logger.NewDefault()
	logger.SetDefaultLogger(log)
	ctx = logger.SetComponent(log.WithContext(ctx), component)
	return ctx, cfg, log.WithComponent(component), nil
}

func newVersionCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printVersion(cmd.OutOrStdout(), format)
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "Output format (json)")
	return cmd
}

func printVersion(w io.Writer, format string) error {
	info := map[string]string{
		"version":  version,
		"commit":   commit,
		"go":       runtime.Version(),
		"platform": runtime.GOOS + "/" + runtime.GOARCH,
	}
	if format == "json" {
		return writeJSON(w, info)
	}
	_, err := fmt.Fprintf(w, "syncd %s (%s) %s %s\n", info["version"], info["commit"], info["go"], info["platform"])
	return err
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
