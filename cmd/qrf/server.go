package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/qrf/internal/api"
	"github.com/kalambet/qrf/internal/config"
	"github.com/kalambet/qrf/internal/engine"
	"github.com/kalambet/qrf/internal/ingest"
	"github.com/kalambet/qrf/internal/intercept"
	"github.com/kalambet/qrf/internal/invoke"
	"github.com/kalambet/qrf/internal/notify"
	"github.com/kalambet/qrf/internal/ollama"
	"github.com/kalambet/qrf/internal/pipeline"
	"github.com/kalambet/qrf/internal/proxy"
	"github.com/kalambet/qrf/internal/retrieval"
	"github.com/kalambet/qrf/internal/settings"
	"github.com/kalambet/qrf/internal/storage"
	"github.com/kalambet/qrf/internal/worldbook"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the qrf server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running qrf server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show qrf system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "qrf.pid")
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
	if strings.EqualFold(level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// services is the wired object graph of a running server.
type services struct {
	settings   *settings.Manager
	controller *intercept.Controller
	ollama     *engine.OllamaBackend
	worker     *ingest.Worker
	http       http.Handler
	mcp        *server.MCPServer
}

// buildServices wires storage, the planning pipeline and every HTTP and MCP
// surface on top of store.
func buildServices(cfg config.Config, store *storage.Store, token string) *services {
	sink := notify.LogSink{}

	upstream := proxy.NewClient(cfg.Upstream.APIKey, cfg.Upstream.BaseURL)
	ollamaBackend := engine.NewOllamaBackend(cfg.Ollama.BaseURL)
	router := engine.NewRouter(engine.RouterConfig{
		Host:      engine.NewOpenAIBackend(upstream),
		HostModel: cfg.Upstream.DefaultModel,
		Ollama:    ollamaBackend,
	})
	invoker := invoke.New(router, sink,
		invoke.WithMaxRetries(cfg.Planner.MaxRetries),
		invoke.WithBackoff(cfg.Planner.BackoffDuration()),
	)

	settingsMgr := settings.NewManager(store)

	var wbOpts []worldbook.Option
	var workerOpts []ingest.Option
	if cfg.Worldbook.RecallTopK > 0 {
		retriever := retrieval.NewRetriever(
			retrieval.NewEmbedder(ollamaBackend.Client(), cfg.Ollama.EmbedModel),
			retrieval.NewSQLiteStore(store.DB()),
			cfg.Worldbook.RecallTopK,
		)
		wbOpts = append(wbOpts, worldbook.WithRecaller(retriever))
		workerOpts = append(workerOpts, ingest.WithIndexer(retriever))
	}
	provider := worldbook.NewProvider(store, wbOpts...)
	planner := pipeline.NewPlanner(settingsMgr, store, provider, router, invoker, sink)
	controller := intercept.NewController(planner, store, settingsMgr, sink)

	openaiHandler := api.NewOpenAIHandler(upstream, controller)
	hostHandler := api.NewHostHandler(api.HostDeps{Controller: controller, Chats: store})
	appHandler := api.NewAppHandler(api.AppDeps{
		Store:    store,
		Settings: settingsMgr,
		Token:    token,
	})

	// Host routes and the management API take precedence; everything else
	// is the OpenAI-compatible proxy.
	top := chi.NewRouter()
	top.Mount(managementPrefix, appHandler)
	top.Handle("/v1/intercept", hostHandler)
	top.Handle("/v1/chats/*", hostHandler)
	top.Mount("/", openaiHandler)

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:     store,
		Settings:  settingsMgr,
		Planner:   planner,
		Worldbook: provider,
	})

	return &services{
		settings:   settingsMgr,
		controller: controller,
		ollama:     ollamaBackend,
		worker:     ingest.NewWorker(store, store, cfg.Ingest.PollDuration(), workerOpts...),
		http:       top,
		mcp:        mcpSrv,
	}
}

// prepareOllama pulls and warms the planning model when the saved settings
// plan on the default local Ollama server, and pulls the embedding model
// when vector recall is on. Failures are reported, not fatal: the mode can
// be changed at runtime.
func prepareOllama(ctx context.Context, svc *services, cfg config.Config) {
	client := svc.ollama.Client()
	if cfg.Worldbook.RecallTopK > 0 && client.IsRunning(ctx) && !client.HasModel(ctx, cfg.Ollama.EmbedModel) {
		printStep("Pulling embedding model %s...", cfg.Ollama.EmbedModel)
		if err := client.PullModel(ctx, cfg.Ollama.EmbedModel, nil); err != nil {
			printWarning("embedding model not available, vector recall will fail: %v", err)
		}
	}

	s, err := svc.settings.Global()
	if err != nil {
		slog.Warn("loading settings for ollama check failed", "error", err)
		return
	}
	if mode, err := engine.ParseMode(s.API.APIMode); err != nil || mode != engine.ModeOllama || s.API.APIURL != "" {
		return
	}
	if err := ollama.EnsureReady(ctx, client, s.API.Model, os.Stderr); err != nil {
		printWarning("ollama not ready: %v", err)
	}
}

func runServer(ctx context.Context) error {
	fmt.Fprintf(os.Stderr, "qrf version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	// Ensure API token exists in platform secret store.
	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")
	if cfg.Upstream.APIKey == "" {
		slog.Warn("no upstream API key configured; proxy requests go out unauthenticated", "env", "QRF_UPSTREAM_API_KEY")
	}

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("qrf is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("qrf is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	svc := buildServices(cfg, store, apiToken)
	prepareOllama(ctx, svc, cfg)

	go svc.worker.Run(ctx)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: svc.http}

	mcpAddr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.MCPPort)
	mcpHTTP := &http.Server{Addr: mcpAddr, Handler: server.NewStreamableHTTPServer(svc.mcp)}

	errCh := make(chan error, 2)
	go func() {
		fmt.Fprintf(os.Stderr, "qrf listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		slog.Info("MCP server started (streamable HTTP)", "addr", mcpAddr, "path", "/mcp")
		if err := mcpHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("mcp: %w", err)
		}
	}()

	// Wait for signal or server error.
	var runErr error
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		runErr = fmt.Errorf("server error: %w", err)
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mcpHTTP.Shutdown(shutdownCtx); err != nil {
		slog.Warn("mcp shutdown", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
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
		printError("qrf is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop qrf (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to qrf (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
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
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d (MCP on %d)", cfg.Server.Port, cfg.Server.MCPPort)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if ollama.New(cfg.Ollama.BaseURL).IsRunning(checkCtx) {
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	} else {
		printStatus("Ollama", "not running")
	}
	printStatus("Upstream", "%s", cfg.Upstream.BaseURL)

	if running {
		if token, err := config.GetAPIToken(config.NewKeychain()); err == nil {
			showPlannerStatus(ctx, &apiClient{baseURL: serverURL, token: token, httpClient: client})
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func showPlannerStatus(ctx context.Context, client *apiClient) {
	resp, err := client.get(ctx, managementPrefix+"/settings")
	if err != nil {
		return
	}
	var s struct {
		Enabled        bool   `json:"enabled"`
		MinLength      int    `json:"minLength"`
		LastUsedPreset string `json:"lastUsedPresetName"`
		API            struct {
			APIMode string `json:"apiMode"`
			Model   string `json:"model"`
		} `json:"apiSettings"`
	}
	if err := decodeJSON(resp, &s); err != nil {
		return
	}

	state := "disabled"
	if s.Enabled {
		state = "enabled"
	}
	printStatus("Planner", "%s (%s, model %s)", state, s.API.APIMode, s.API.Model)
	if s.LastUsedPreset != "" {
		printStatus("Preset", "%s", s.LastUsedPreset)
	}
	if s.MinLength > 0 {
		printStatus("Min length", "%d", s.MinLength)
	}

	if resp, err := client.get(ctx, managementPrefix+"/worldbooks"); err == nil {
		var books []string
		if decodeJSON(resp, &books) == nil {
			printStatus("Worldbooks", "%d", len(books))
		}
	}
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tools over stdio (for clients that spawn their servers)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCPStdio(cmd.Context())
	},
}

func runMCPStdio(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// stdout carries the protocol; logs stay on stderr.
	setupLogging(cfg.Log.Level)

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	svc := buildServices(cfg, store, apiToken)
	stdioSrv := server.NewStdioServer(svc.mcp)
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}
