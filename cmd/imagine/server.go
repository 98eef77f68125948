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
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/infinityai/imagine/internal/api"
	"github.com/infinityai/imagine/internal/archive"
	"github.com/infinityai/imagine/internal/blob"
	"github.com/infinityai/imagine/internal/config"
	"github.com/infinityai/imagine/internal/replicate"
	"github.com/infinityai/imagine/internal/storage"
	"github.com/infinityai/imagine/internal/translate"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the prediction proxy (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running proxy",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show proxy status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "imagine.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// newTranslator returns nil when translation is disabled.
func newTranslator(cfg config.Config) (*translate.Client, error) {
	if !cfg.Translate.Enabled {
		return nil, nil
	}
	t, err := translate.NewClient(cfg.Translate.BaseURL, cfg.Translate.LangPair)
	if err != nil {
		return nil, fmt.Errorf("configuring translation: %w", err)
	}
	return t, nil
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "imagine version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	if cfg.Replicate.APIToken == "" {
		slog.Warn("REPLICATE_API_TOKEN is not set; prediction requests will fail until it is")
	}

	// Refuse to start twice.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(serverURL(cfg) + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("imagine is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("imagine is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	rc := replicate.NewClientWithBaseURL(cfg.Replicate.APIToken, cfg.Replicate.ModelVersion, cfg.Replicate.BaseURL)
	slog.Info("replicate client ready", "base_url", cfg.Replicate.BaseURL, "model_version", rc.Version())

	archiveOn := cfg.Archive.Enabled()
	if archiveOn {
		bc, err := blob.NewClient(cfg.Archive.Endpoint, cfg.Archive.Bucket, cfg.Archive.AccessKey, cfg.Archive.SecretKey, cfg.Archive.UseSSL)
		if err != nil {
			return fmt.Errorf("configuring archive: %w", err)
		}
		worker := archive.NewWorker(store, rc, bc, 2*time.Second)
		go worker.Run(ctx)
		slog.Info("archiving outputs", "endpoint", cfg.Archive.Endpoint, "bucket", bc.Bucket())
	}

	handler := api.NewHandler(api.Deps{
		Replicate: rc,
		Store:     store,
		Archive:   archiveOn,
		AuthToken: cfg.Server.AuthToken,
	})

	if withMCP {
		t, err := newTranslator(cfg)
		if err != nil {
			return err
		}
		var translator api.Translator
		if t != nil {
			translator = t
		}
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Replicate:  rc,
			Translator: translator,
			Store:      store,
			Archive:    archiveOn,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConns)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "imagine listening on %s\n", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
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

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("imagine is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop imagine (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to imagine (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	running := false
	resp, err := client.Get(serverURL(cfg) + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if cfg.Replicate.APIToken == "" {
		printStatus("Replicate token", "missing")
	} else {
		printStatus("Replicate token", "set")
	}
	printStatus("Model version", "%s", shortVersion(cfg.Replicate.ModelVersion))
	if cfg.Translate.Enabled {
		printStatus("Translation", "%s via %s", cfg.Translate.LangPair, cfg.Translate.BaseURL)
	} else {
		printStatus("Translation", "disabled")
	}
	if cfg.Archive.Enabled() {
		printStatus("Archive", "%s/%s", cfg.Archive.Endpoint, cfg.Archive.Bucket)
	} else {
		printStatus("Archive", "disabled")
	}

	if running {
		ac := &apiClient{baseURL: serverURL(cfg), token: cfg.Server.AuthToken, httpClient: client}
		if resp, err := ac.get(ctx, "/predictions?limit=100"); err == nil {
			var rows []storage.Prediction
			if decodeJSON(resp, &rows) == nil {
				printStatus("Predictions", "%s", countLabel(len(rows), 100))
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}

func shortVersion(v string) string {
	if len(v) > 12 {
		return v[:12]
	}
	return v
}
