package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/tokdash/internal/api"
	"github.com/kalambet/tokdash/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the local ledger to the dashboard",
	Long: `Serve the local ledger over HTTP on 127.0.0.1.

Requests other than /health need the local bearer token, which is created
on first use and kept in the system keychain. With --watch the server also
syncs as tool logs change.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		watch, _ := cmd.Flags().GetBool("watch")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		token, err := config.GetLocalToken()
		if err != nil {
			return fmt.Errorf("getting local API token: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		handler := api.NewHandler(api.Deps{
			Ledger:    a.store,
			Prefs:     a.prefs,
			Sync:      a.engine,
			Token:     token,
			MachineID: a.machineID,
			Version:   version,
		})
		addr := fmt.Sprintf("127.0.0.1:%d", a.cfg.Server.Port)
		srv := &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext: func(_ net.Listener) context.Context {
				return ctx
			},
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			fmt.Fprintf(os.Stderr, "tokdash listening on %s\n", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		if a.cfg.API.Token != "" {
			u, err := a.uploader()
			if err != nil {
				return err
			}
			g.Go(func() error {
				u.Run(gctx)
				return nil
			})
		}
		if watch {
			w := newWatcher(a, a.cfg.Sync.Upload, 0)
			g.Go(func() error { return w.Run(gctx) })
		}

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().Bool("watch", false, "sync as tool logs change")
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the MCP server on stdio",
	Long: `Run an MCP server on stdin/stdout so an assistant can query usage.

Tools: usage_summary, daily_usage, list_sources, sync_now.
Resource: usage://stats.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		mcpSrv := api.NewMCPServer(api.Deps{
			Ledger:    a.store,
			Prefs:     a.prefs,
			Sync:      a.engine,
			MachineID: a.machineID,
			Version:   version,
		})
		stdio := server.NewStdioServer(mcpSrv)
		slog.Debug("MCP server started (stdio transport)")
		if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP stdio server: %w", err)
		}
		return nil
	},
}
