// Package main provides the CLI entry point for the tutoring engine.
//
// Start the server:
//
//	tutor serve --config tutor.yaml
//
// Inspect a learner's live session:
//
//	tutor session inspect <learner-id>
//	tutor session list
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/tutor-core/internal/tutor"
	"github.com/haasonsaas/tutor-core/internal/tutor/config"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "tutor",
		Short:        "tutor - pedagogical tutoring session engine",
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd(), buildSessionCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tutoring websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to tutor.yaml (defaults embedded if omitted)")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting tutor server", "version", version, "commit", commit, "config", configPath, "listen_addr", cfg.Transport.ListenAddr)

	engine, err := tutor.New(cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer engine.Close()

	mux := http.NewServeMux()
	mux.Handle(cfg.Transport.Path, engine.Handler)
	mux.Handle("/admin/", engine.AdminHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	server := &http.Server{
		Addr:    cfg.Transport.ListenAddr,
		Handler: mux,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("tutor server listening", "addr", cfg.Transport.ListenAddr, "path", cfg.Transport.Path)
		serveErr <- server.ListenAndServe()
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve: %w", err)
		}
	case <-sigCtx.Done():
		slog.Info("shutting down tutor server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}

func buildSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect live tutoring sessions against a running server",
	}
	cmd.AddCommand(buildSessionInspectCmd(), buildSessionListCmd())
	return cmd
}

func buildSessionInspectCmd() *cobra.Command {
	var adminAddr string
	cmd := &cobra.Command{
		Use:   "inspect <learner-id>",
		Short: "Print a learner's live session snapshot as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetchAdminJSON(cmd.Context(), adminAddr, "/admin/sessions/"+args[0])
		},
	}
	cmd.Flags().StringVar(&adminAddr, "addr", "http://localhost:8089", "Base URL of a running tutor server")
	return cmd
}

func buildSessionListCmd() *cobra.Command {
	var adminAddr string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active session ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetchAdminJSON(cmd.Context(), adminAddr, "/admin/sessions")
		},
	}
	cmd.Flags().StringVar(&adminAddr, "addr", "http://localhost:8089", "Base URL of a running tutor server")
	return cmd
}

func fetchAdminJSON(ctx context.Context, baseURL, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", baseURL+path, err)
	}
	defer resp.Body.Close()

	var body any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	pretty, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return fmt.Errorf("format response: %w", err)
	}
	fmt.Println(string(pretty))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
