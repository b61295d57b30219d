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
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/driftwatch/internal/config"
	"github.com/kalambet/driftwatch/internal/engine"
	"github.com/kalambet/driftwatch/internal/logging"
	"github.com/kalambet/driftwatch/internal/storage"
)

const cachePurgeInterval = time.Hour

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the driftwatch server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		stdio, _ := cmd.Flags().GetBool("stdio")
		return runServer(stdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running driftwatch server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show driftwatch system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("stdio", false, "also serve MCP over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "driftwatch.pid")
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

func runServer(stdio bool) error {
	fmt.Fprintf(os.Stderr, "driftwatch version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logging.Init(level, cfg.Log.Format)
	if cfg.Server.APIToken == "" {
		return errors.New("DRIFTWATCH_SERVER_API_TOKEN must be set to start the server")
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng := engine.New(cfg.Ollama.BaseURL)
	if err := engine.EnsureReady(ctx, eng, cfg.Ollama.JudgeModel, cfg.Ollama.EmbedModel, os.Stderr); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	a := newApp(cfg, store, eng)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: a.handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.pool.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.maintain(gctx, cachePurgeInterval)
		return nil
	})
	g.Go(func() error {
		slog.Info("driftwatch listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	var mcpHTTP *server.StreamableHTTPServer
	if cfg.Server.MCPPort > 0 {
		mcpHTTP = server.NewStreamableHTTPServer(a.mcp)
		mcpAddr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.MCPPort)
		g.Go(func() error {
			slog.Info("MCP server listening", "addr", mcpAddr)
			if err := mcpHTTP.Start(mcpAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("MCP server error: %w", err)
			}
			return nil
		})
	}
	if stdio {
		stdioSrv := server.NewStdioServer(a.mcp)
		g.Go(func() error {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if mcpHTTP != nil {
			err = errors.Join(err, mcpHTTP.Shutdown(shutdownCtx))
		}
		return err
	})

	return g.Wait()
}

// maintain purges expired cache entries until ctx is done.
func (a *app) maintain(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := a.counters.Purge(ctx)
			if err != nil {
				slog.Warn("purging cache", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("purged cache entries", "count", n)
			}
		}
	}
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("driftwatch is not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		os.Remove(pidPath)
		return fmt.Errorf("stopping driftwatch (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to driftwatch (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	hc := &http.Client{Timeout: 2 * time.Second}
	running := false
	if resp, err := hc.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)); err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		running = resp.StatusCode == http.StatusOK
		if running {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if resp, err := hc.Get(cfg.Ollama.BaseURL + "/api/version"); err != nil {
		printStatus("Ollama", "not running")
	} else {
		resp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	}
	printStatus("Judge model", "%s", cfg.Ollama.JudgeModel)
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)

	if running && cfg.Server.APIToken != "" {
		client, err := newAPIClient()
		if err == nil {
			if counts, err := jobCounts(ctx, client); err == nil {
				printStatus("Jobs", "%s", counts)
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func jobCounts(ctx context.Context, client *apiClient) (string, error) {
	resp, err := client.get(ctx, "/jobs")
	if err != nil {
		return "", err
	}
	var out struct {
		Jobs map[string]int `json:"jobs"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return "", err
	}
	var parts []string
	for _, status := range []string{"pending", "running", "completed", "skipped", "failed"} {
		parts = append(parts, fmt.Sprintf("%d %s", out.Jobs[status], status))
	}
	return strings.Join(parts, ", "), nil
}
