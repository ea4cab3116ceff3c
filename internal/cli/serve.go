package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xiy/memory-engine/internal/admin"
	"github.com/xiy/memory-engine/internal/api"
	"github.com/xiy/memory-engine/internal/mcp"
	"github.com/xiy/memory-engine/internal/store"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var noAPI bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run background workers and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, err := opts.openEngine(ctx, cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return eng.Supervisor.Run(gctx) })

			if eng.Config.API.Enabled && !noAPI {
				server := api.NewServer(api.Config{ListenAddr: eng.Config.API.Listen}, eng, eng.Logger)
				g.Go(server.Run)
				g.Go(func() error {
					<-gctx.Done()
					return server.Shutdown()
				})
			}

			eng.Logger.Info("engine started", "workers", eng.Supervisor.Names(), "storage", eng.Config.Storage.Driver)
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			eng.Logger.Info("engine stopped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&noAPI, "no-api", false, "Run workers only, without the HTTP API")
	return cmd
}

func newMCPCmd(opts *rootOptions) *cobra.Command {
	var noWorkers bool
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, err := opts.openEngine(ctx, cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			g, gctx := errgroup.WithContext(ctx)
			if !noWorkers {
				g.Go(func() error { return eng.Supervisor.Run(gctx) })
			}
			server := mcp.NewServer(eng.Config.ServerName, Version, eng, eng.Logger)
			g.Go(func() error {
				// The client closing stdin ends the session and stops the workers.
				defer cancel()
				return server.Serve(gctx, cmd.InOrStdin(), cmd.OutOrStdout())
			})

			eng.Logger.Info("starting MCP stdio server", "storage", eng.Config.Storage.Driver)
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "Do not run background workers in this process")
	return cmd
}

func newAdminCmd(opts *rootOptions) *cobra.Command {
	var ao admin.Options
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Open the terminal dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := opts.logger(cmd.ErrOrStderr(), cfg)
			st, err := store.Open(ctx, cfg.Storage.Driver, cfg.Storage.SQLitePath, cfg.Storage.PostgresDSN, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			return admin.Run(ctx, st, ao)
		},
	}
	cmd.Flags().DurationVar(&ao.Interval, "interval", 2*time.Second, "Refresh interval")
	cmd.Flags().IntVar(&ao.Rows, "rows", 8, "Rows per list pane")
	return cmd
}
