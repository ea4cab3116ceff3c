// Package cli is the memory-engine command tree.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/xiy/memory-engine/internal/config"
	"github.com/xiy/memory-engine/internal/container"
)

// Version is stamped at build time with -ldflags "-X".
var Version = "dev"

const defaultConfigPath = "~/.memory-engine/config.yaml"

const rootLongDesc string = `memory-engine assembles bounded, best-effort context for conversational
agents from three memory tiers: live sessions, medium-lived records and
durable facts.

Run services using:
  memory-engine serve    Background workers plus the HTTP API
  memory-engine mcp      MCP stdio server for agent CLIs (workers included)`

type rootOptions struct {
	configPath string
	debug      bool
}

// NewRootCmd builds the full command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "memory-engine",
		Short:         "Resilient context assembly for agents",
		Long:          rootLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "Path to config file")
	cmd.PersistentFlags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")

	cmd.AddCommand(
		newServeCmd(opts),
		newMCPCmd(opts),
		newAdminCmd(opts),
		newAssembleCmd(opts),
		newStatsCmd(opts),
		newWorkerCmd(opts),
		newFailuresCmd(opts),
		newConfigCmd(opts),
		newRegisterAgentsCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return cfg, err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (o *rootOptions) logger(w io.Writer, cfg config.Config) *log.Logger {
	logger := log.NewWithOptions(w, log.Options{ReportTimestamp: true, Prefix: cfg.ServerName})
	if o.debug {
		logger.SetLevel(log.DebugLevel)
		return logger
	}
	setLogLevel(logger, cfg.LogLevel)
	return logger
}

// openEngine loads config and wires an engine. Logs go to stderr so stdout
// stays clean for JSON and MCP traffic.
func (o *rootOptions) openEngine(ctx context.Context, cmd *cobra.Command) (*container.Engine, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	return container.New(ctx, cfg, o.logger(cmd.ErrOrStderr(), cfg))
}

func setLogLevel(logger *log.Logger, level string) {
	switch strings.ToLower(level) {
	case "debug":
		logger.SetLevel(log.DebugLevel)
	case "warn":
		logger.SetLevel(log.WarnLevel)
	case "error":
		logger.SetLevel(log.ErrorLevel)
	default:
		logger.SetLevel(log.InfoLevel)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "memory-engine "+Version)
		},
	}
}
