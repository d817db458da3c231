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

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/LeonardoBonacci/meaningful-complaints/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the sentiment agent and complaint search over HTTP and MCP",
	Long: `Serve the HTTP API under /v1, the MCP streamable HTTP endpoint at /mcp and,
with --stdio, MCP over stdin/stdout.

Examples:
  complaints serve
  complaints serve --addr 0.0.0.0:8080
  complaints serve --stdio`,
	RunE: func(cmd *cobra.Command, args []string) error {
		stdio, _ := cmd.Flags().GetBool("stdio")
		skip, _ := cmd.Flags().GetBool("skip-ready-check")
		addr, _ := cmd.Flags().GetString("addr")
		return runServer(cmd.Context(), addr, stdio, skip)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default server.addr)")
	serveCmd.Flags().Bool("stdio", false, "also serve MCP over stdin/stdout")
	serveCmd.Flags().Bool("skip-ready-check", false, "do not check Ollama before starting")
}

// buildDeps wires the API collaborators from config.
func buildDeps(ctx context.Context, a *app) (api.Deps, error) {
	rt, err := a.SentimentRuntime(ctx)
	if err != nil {
		return api.Deps{}, err
	}
	asm, err := a.Assembler(ctx)
	if err != nil {
		return api.Deps{}, err
	}
	store, err := a.Store()
	if err != nil {
		return api.Deps{}, err
	}
	dead, err := a.DeadLetters(ctx)
	if err != nil {
		return api.Deps{}, err
	}
	return api.Deps{
		Analyzer:    rt,
		Retriever:   asm,
		Results:     store,
		DeadLetters: dead,
		Token:       a.cfg.Server.Token,
	}, nil
}

func newRootHandler(deps api.Deps) http.Handler {
	r := chi.NewRouter()
	r.Handle("/mcp", server.NewStreamableHTTPServer(api.NewMCPServer(deps)))
	r.Mount("/", api.NewHandler(deps))
	return r
}

func runServer(parent context.Context, addr string, stdio, skipReady bool) error {
	fmt.Fprintf(os.Stderr, "complaints version %s\n", version)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing resources: %v\n", err)
		}
	}()

	if !skipReady {
		if err := a.ensureReady(ctx, true, os.Stderr); err != nil {
			return err
		}
	}

	deps, err := buildDeps(ctx, a)
	if err != nil {
		return err
	}
	if deps.Token == "" {
		slog.Warn("server.token is empty, /v1 routes are unauthenticated")
	}

	if stdio {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(deps))
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	if addr == "" {
		addr = a.cfg.Server.Addr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           newRootHandler(deps),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "complaints listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
