package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/xiy/memory-engine/internal/bootstrap"
	"github.com/xiy/memory-engine/internal/config"
	"github.com/xiy/memory-engine/pkg/types"
)

func newAssembleCmd(opts *rootOptions) *cobra.Command {
	var in types.AssembleInput
	cmd := &cobra.Command{
		Use:   "assemble",
		Short: "Assemble and print a context as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := opts.openEngine(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			out, err := eng.Assemble(cmd.Context(), in.UserID, in.SessionID, in.MaxTokens)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVarP(&in.UserID, "user", "u", "", "User identifier")
	cmd.Flags().StringVarP(&in.SessionID, "session", "s", "", "Session identifier")
	cmd.Flags().IntVarP(&in.MaxTokens, "max-tokens", "m", 0, "Token budget (default from config)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print per-user record counts and token estimate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := opts.openEngine(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			stats, err := eng.GetStats(cmd.Context(), userID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User identifier")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newWorkerCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Inspect and run background workers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered workers and their schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := opts.openEngine(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			for _, h := range eng.Supervisor.Health() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-16s %s\n", h.Name, h.Schedule)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "run <name>",
		Short: "Run one worker cycle now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := opts.openEngine(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			if err := eng.RunWorker(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("run %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", args[0])
			return nil
		},
	})
	return cmd
}

func newFailuresCmd(opts *rootOptions) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "failures",
		Short: "List failure queue entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := opts.openEngine(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			rows, err := eng.ListFailures(cmd.Context(), types.FailureStatus(status), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rows)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status: pending, retrying, resolved or failed")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum entries")
	return cmd
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the config file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := config.ExpandPath(opts.configPath)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := config.Write(path, config.Default()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "wrote "+path)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config after file and env overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cfg)
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

func newRegisterAgentsCmd(opts *rootOptions) *cobra.Command {
	var (
		bo     bootstrap.Options
		agents []string
	)
	cmd := &cobra.Command{
		Use:   "register-agents",
		Short: "Register the MCP server with installed agent CLIs (codex, claude, gemini)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			path, err := filepath.Abs(config.ExpandPath(opts.configPath))
			if err != nil {
				return err
			}
			bo.ConfigPath = path
			bo.AuditDir = filepath.Dir(path)
			if bo.ServerName == "" {
				bo.ServerName = cfg.ServerName
			}
			for _, a := range agents {
				bo.Agents = append(bo.Agents, bootstrap.Agent(a))
			}

			res, err := bootstrap.Register(cmd.Context(), opts.logger(cmd.ErrOrStderr(), cfg), bo, nil)
			if err != nil {
				return err
			}
			for _, c := range res.Commands {
				fmt.Fprintln(cmd.OutOrStdout(), c.String())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&bo.Scope, "scope", "user", "Registration scope: user or project")
	cmd.Flags().StringVar(&bo.ServerName, "server-name", "", "MCP server registration name (default server_name from config)")
	cmd.Flags().StringVar(&bo.ServeCmd, "serve-command", "memory-engine mcp", "Command agent CLIs use to launch the stdio server")
	cmd.Flags().StringSliceVar(&agents, "agent", nil, "Limit to these CLIs (repeatable)")
	cmd.Flags().BoolVar(&bo.DryRun, "dry-run", false, "Print intended commands without executing")
	return cmd
}
