package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
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

	"github.com/veselov/askdoc/internal/ai"
	"github.com/veselov/askdoc/internal/api"
	"github.com/veselov/askdoc/internal/config"
	"github.com/veselov/askdoc/internal/extract"
	"github.com/veselov/askdoc/internal/govern"
	"github.com/veselov/askdoc/internal/jobs"
	"github.com/veselov/askdoc/internal/pipeline"
	"github.com/veselov/askdoc/internal/storage"
	"github.com/veselov/askdoc/internal/vectorstore"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the askdoc server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running askdoc server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show askdoc system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "askdoc.pid")
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

// governorPolicies maps the configured limits onto per-job-type admission
// policies.
func governorPolicies(cfg config.Config) map[string]govern.Policy {
	return map[string]govern.Policy{
		jobs.TypeIngest: {
			Throttle:  govern.Limit{Count: cfg.Limits.IngestThrottleCount, Window: cfg.Limits.IngestThrottleWindow},
			RateLimit: govern.Limit{Count: cfg.Limits.IngestPerDocCount, Window: cfg.Limits.IngestPerDocWindow},
		},
		jobs.TypeQuery: {
			Throttle: govern.Limit{Count: cfg.Limits.QueryThrottleCount, Window: cfg.Limits.QueryThrottleWindow},
		},
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "askdoc version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	apiToken, err := loadOrCreateToken(cfg)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("askdoc is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("askdoc is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Select the vector backend and pin the collection.
	var vectors vectorstore.Store
	switch cfg.Vector.Backend {
	case "qdrant":
		vectors = vectorstore.NewQdrantStore(vectorstore.QdrantConfig{
			URL:    cfg.Vector.QdrantURL,
			APIKey: cfg.Vector.QdrantAPIKey,
		})
	default:
		vectors = vectorstore.NewSQLiteStore(store.DB())
	}
	if err := vectors.EnsureCollection(ctx, cfg.Vector.Collection, cfg.Vector.Dimension, vectorstore.MetricCosine); err != nil {
		return fmt.Errorf("ensuring vector collection: %w", err)
	}
	slog.Info("vector store ready", "backend", cfg.Vector.Backend, "collection", cfg.Vector.Collection, "dimension", cfg.Vector.Dimension)

	// Model clients.
	aiClient, err := ai.NewClient(ai.Config{
		APIKey:     cfg.OpenAI.APIKey,
		BaseURL:    cfg.OpenAI.BaseURL,
		EmbedModel: cfg.OpenAI.EmbedModel,
		ChatModel:  cfg.OpenAI.ChatModel,
	})
	if err != nil {
		return fmt.Errorf("creating model client: %w", err)
	}

	// Pipeline engine with admission control.
	gov := govern.New(governorPolicies(cfg))
	engine, err := pipeline.New(store, gov, pipeline.Options{
		Workers:      cfg.Pipeline.Workers,
		PollInterval: cfg.Pipeline.PollInterval,
		Retry: pipeline.RetryPolicy{
			MaxAttempts: cfg.Pipeline.MaxStepAttempts,
			Backoff:     cfg.Pipeline.RetryBackoff,
		},
	})
	if err != nil {
		return fmt.Errorf("creating pipeline engine: %w", err)
	}
	defer engine.Close()

	jobs.Register(engine, jobs.Deps{
		Chunker:    extract.NewChunker(cfg.Chunking.SentencesPerChunk, cfg.Chunking.OverlapSentences),
		Embedder:   aiClient,
		Generator:  aiClient,
		Vectors:    vectors,
		Collection: cfg.Vector.Collection,
	})
	go engine.Run(ctx)

	// Build HTTP handler and server.
	handler := api.NewHandler(api.Deps{
		Engine: engine,
		Store:  store,
		Token:  apiToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{Engine: engine})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "askdoc listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
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
		printError("askdoc is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop askdoc (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to askdoc (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Vector backend", "%s", cfg.Vector.Backend)
	if cfg.Vector.Backend == "qdrant" {
		qdrantResp, err := client.Get(cfg.Vector.QdrantURL + "/healthz")
		if err != nil {
			printStatus("Qdrant", "not reachable at %s", cfg.Vector.QdrantURL)
		} else {
			qdrantResp.Body.Close()
			printStatus("Qdrant", "running at %s", cfg.Vector.QdrantURL)
		}
	}
	printStatus("Embed model", "%s", cfg.OpenAI.EmbedModel)
	printStatus("Chat model", "%s", cfg.OpenAI.ChatModel)

	// Show recent jobs if the server is up.
	if running {
		if apiC, err := newAPIClient(); err == nil {
			jobsResp, err := apiC.get(context.Background(), "/jobs?limit=100")
			if err == nil {
				var list []struct {
					Status string `json:"status"`
				}
				if decodeJSON(jobsResp, &list) == nil {
					counts := map[string]int{}
					for _, j := range list {
						counts[j.Status]++
					}
					printStatus("Jobs", "%d recent (%d running, %d failed)",
						len(list), counts["running"], counts["failed"])
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
