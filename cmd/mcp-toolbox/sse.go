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
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MegaGrindStone/mcp-toolbox"
	"github.com/MegaGrindStone/mcp-toolbox/internal/httpserver"
)

func newSSECmd(a *app) *cobra.Command {
	var addr, baseURL string

	cmd := &cobra.Command{
		Use:   "sse",
		Short: "Serve MCP over HTTP with Server-Sent Events",
		Long: `Serve MCP over HTTP. Clients open the event stream at /sse, post requests to the
endpoint announced on it (/messages) and receive results on the stream. /health reports liveness.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("addr") {
				a.cfg.HTTP.Addr = addr
			}
			if cmd.Flags().Changed("base-url") {
				a.cfg.HTTP.BaseURL = baseURL
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}

			ln, err := net.Listen("tcp", a.cfg.HTTP.Addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", a.cfg.HTTP.Addr, err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runSSE(ctx, ln)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides http.addr")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "public base URL announced to clients, overrides http.baseURL")
	return cmd
}

// runSSE serves until ctx is done or the listener fails, then drains in-flight calls before
// closing the HTTP server.
func (a *app) runSSE(ctx context.Context, ln net.Listener) error {
	dispatcher, _, err := a.newDispatcher()
	if err != nil {
		return err
	}

	messageURL := strings.TrimSuffix(a.cfg.HTTP.BaseURL, "/") + httpserver.PathMessages
	transport := mcp.NewSSEServer(messageURL,
		mcp.WithSSEServerLogger(a.logger),
		mcp.WithSSEServerKeepAliveInterval(a.cfg.HTTP.KeepAliveInterval.Duration),
		mcp.WithSSEServerMaxBodySize(a.cfg.HTTP.MaxBodySize),
	)
	srv := mcp.NewServer(dispatcher, transport, a.serverOptions()...)

	httpSrv := &http.Server{
		Handler: httpserver.NewRouter(transport, httpserver.Options{
			ServerName:     a.cfg.Server.Name,
			AllowedOrigins: a.cfg.HTTP.AllowedOrigins,
			Logger:         a.logger,
		}),
		ReadHeaderTimeout: 15 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("serving SSE",
			slog.String("addr", ln.Addr().String()),
			slog.String("sse", httpserver.PathSSE),
			slog.String("messages", messageURL),
			slog.String("health", httpserver.PathHealth),
		)
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return srv.Serve()
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration)
		defer cancel()

		// Sessions first: their event stream handlers must return before the HTTP server can
		// finish its own shutdown.
		var errs []error
		if err := srv.Shutdown(sctx); err != nil {
			errs = append(errs, err)
		}
		if err := httpSrv.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown http server: %w", err))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}
