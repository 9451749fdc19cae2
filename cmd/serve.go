package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mnemolabs/mnemo/internal/server"
	"github.com/spf13/cobra"
)

var (
	serveHost    string
	servePort    int
	serveResetDB bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP service (default)",
	Long: `Start the Mnemo HTTP service.

Agents submit memories to POST /ingest/memory and retrieve them via
GET /memories/search, GET /memories, GET /memories/chain and GET /projects.

Examples:
  mnemo serve
  mnemo serve --host 0.0.0.0 --port 9090
  mnemo serve --reset-db`,
	RunE: func(cmd *cobra.Command, args []string) error { return runServe() },
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mnemo %s (commit: %s, built: %s)\n", Version, Commit, Date)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show memory statistics",
	Long: `Show current memory statistics including alive memories and
database size.

Examples:
  mnemo status`,
	RunE: func(cmd *cobra.Command, args []string) error { return runStatus() },
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen address (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides config)")
	serveCmd.Flags().BoolVar(&serveResetDB, "reset-db", false, "Drop and recreate all data before serving")
}

func runServe() error {
	comps, err := openComponents()
	if err != nil {
		return err
	}
	defer comps.Close()

	if serveResetDB {
		fmt.Fprintln(os.Stderr, "🗑️  Resetting database")
		if err := comps.store.Reset(context.Background()); err != nil {
			return fmt.Errorf("failed to reset database: %w", err)
		}
	}

	host := comps.settings.Host
	if serveHost != "" {
		host = serveHost
	}
	port := comps.settings.Port
	if servePort != 0 {
		port = servePort
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           server.New(comps.store, comps.ingestor, comps.searcher).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	fmt.Fprintln(os.Stderr, "🧠 Mnemo - semantic memory for coding agents")
	fmt.Fprintf(os.Stderr, "Listening on http://%s\n", srv.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func runStatus() error {
	comps, err := openComponents()
	if err != nil {
		return err
	}
	defer comps.Close()

	count, err := comps.store.Count(context.Background())
	if err != nil {
		return fmt.Errorf("failed to count memories: %w", err)
	}
	size, _ := comps.store.Size()

	fmt.Printf("Mnemo Status:\n")
	fmt.Printf("  Alive Memories: %d\n", count)
	fmt.Printf("  Database Size: %s\n", size)
	return nil
}
