// ============================================================================
// faas-bridge CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running and exercising the adapter
//
// Command Structure:
//   faasbridge                     # Root command
//   ├── serve                      # Run the HTTP adapter
//   ├── invoke                     # Run one recorded platform event locally
//   │   └── --file, -f            # Event JSON file
//   ├── config                     # Print the effective configuration
//   ├── functions                  # List registered functions
//   ├── coordinator                # In-memory coordination server (local dev)
//   │   ├── --listen / --grpc
//   │   └── --base-url / --sweep / --senders
//   ├── --config, -c               # Config file (default: search faasbridge.yaml)
//   └── --version
//
// serve Command:
//   1. Load config (file + FAASBRIDGE_* env)
//   2. Set up zap logger
//   3. Build transport (http | grpc) -> engine Runner -> Adapter
//   4. Start metrics server (if enabled)
//   5. Serve server.path and /healthz until SIGINT / SIGTERM
//   6. Graceful shutdown within server.shutdown_timeout
//
// invoke Command:
//   Event JSON format:
//   {
//     "method": "POST",
//     "path": "/",
//     "headers": {"x-forwarded-proto": "https", "host": "fn.example.com"},
//     "body": {"type": "invoke", "href": {"base": "..."}, "task": {...}}
//   }
//   body may also be a JSON string holding the raw body.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ChuLiYu/faas-bridge/internal/adapter"
	"github.com/ChuLiYu/faas-bridge/internal/codec"
	"github.com/ChuLiYu/faas-bridge/internal/config"
	"github.com/ChuLiYu/faas-bridge/internal/engine"
	"github.com/ChuLiYu/faas-bridge/internal/metrics"
	"github.com/ChuLiYu/faas-bridge/internal/observability"
	"github.com/ChuLiYu/faas-bridge/internal/transport"
	"github.com/ChuLiYu/faas-bridge/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Version 由 main 在編譯時注入
var Version = "dev"

var configFile string

// BuildCLI builds the root command. registry must be fully populated.
func BuildCLI(registry *engine.Registry) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "faasbridge",
		Short: "faas-bridge: run durable tasks inside serverless invocations",
		Long: `faas-bridge adapts a durable-execution coordinator to a serverless platform:
- one invocation = one ephemeral worker = one task
- TTL-based claim reclamation instead of heartbeats
- HTTP or gRPC coordinator transport
- Prometheus metrics`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default: search faasbridge.yaml)")

	rootCmd.AddCommand(buildServeCommand(registry))
	rootCmd.AddCommand(buildInvokeCommand(registry))
	rootCmd.AddCommand(buildConfigCommand())
	rootCmd.AddCommand(buildFunctionsCommand(registry))
	rootCmd.AddCommand(buildCoordinatorCommand())

	return rootCmd
}

// ============================================================================
// Runtime wiring
// ============================================================================

// runtime 一個行程內共用的元件
type runtime struct {
	cfg      *config.Config
	log      *zap.Logger
	adapter  *adapter.Adapter
	registry *prometheus.Registry
	close    func() error
}

func newRuntime(cfg *config.Config, functions *engine.Registry, logger *zap.Logger, withMetrics bool) (*runtime, error) {
	c, err := codec.ForName(cfg.Engine.Encoding)
	if err != nil {
		return nil, err
	}

	dial, closeFn, err := newDialer(cfg.Coordinator)
	if err != nil {
		return nil, err
	}

	runner := engine.NewRunner(functions, dial,
		engine.WithCodec(c),
		engine.WithLogger(logger.Named("engine")))

	opts := []adapter.Option{
		adapter.WithLogger(logger.Named("adapter")),
		adapter.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
	}

	reg := prometheus.NewRegistry()
	if withMetrics {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts = append(opts, adapter.WithMetrics(metrics.NewCollector(reg)))
	}

	a := adapter.New(runner, adapter.Config{
		TTL:             cfg.Worker.TTL.Std(),
		PIDPrefix:       cfg.Worker.PIDPrefix,
		BaseURLOverride: cfg.Coordinator.BaseURL,
	}, opts...)

	return &runtime{cfg: cfg, log: logger, adapter: a, registry: reg, close: closeFn}, nil
}

// newDialer 依設定選擇協調伺服器傳輸方式
func newDialer(c config.CoordinatorConfig) (transport.Dialer, func() error, error) {
	switch c.Transport {
	case config.TransportGRPC:
		g, err := transport.DialGRPC(c.GRPCTarget, c.Timeout.Std())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to dial coordinator: %w", err)
		}
		return g.Dialer(), g.Close, nil
	default:
		return transport.HTTPDialer(c.Timeout.Std()), func() error { return nil }, nil
	}
}

// newServeMux 註冊 adapter 與健康檢查
func newServeMux(rt *runtime) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle(rt.cfg.Server.Path, rt.adapter)
	return mux
}

func loadRuntime(functions *engine.Registry, withMetrics bool) (*runtime, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logger: %w", err)
	}
	return newRuntime(cfg, functions, logger, withMetrics && cfg.Metrics.Enabled)
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand(functions *engine.Registry) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP adapter",
		Long:  "Serve platform invocations on server.listen until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(functions, true)
			if err != nil {
				return err
			}
			defer rt.log.Sync() //nolint:errcheck
			defer rt.close()    //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, rt)
		},
	}
}

func serve(ctx context.Context, rt *runtime) error {
	cfg := rt.cfg
	errCh := make(chan error, 2)

	srv := &http.Server{Addr: cfg.Server.Listen, Handler: newServeMux(rt)}
	go func() {
		rt.log.Info("adapter listening",
			zap.String("addr", cfg.Server.Listen),
			zap.String("path", cfg.Server.Path),
			zap.String("transport", cfg.Coordinator.Transport),
			zap.Duration("ttl", cfg.Worker.TTL.Std()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		rt.log.Info("metrics listening", zap.Int("port", cfg.Metrics.Port), zap.String("path", cfg.Metrics.Path))
		metricsSrv = metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path, rt.registry, errCh)
	}

	var runErr error
	select {
	case <-ctx.Done():
		rt.log.Info("received shutdown signal, stopping gracefully")
	case runErr = <-errCh:
		rt.log.Error("server failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		rt.log.Warn("adapter shutdown", zap.Error(err))
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			rt.log.Warn("metrics shutdown", zap.Error(err))
		}
	}

	rt.log.Info("stopped")
	return runErr
}

// ============================================================================
// invoke
// ============================================================================

// recordedEvent 平台事件的檔案格式
type recordedEvent struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}

func buildInvokeCommand(functions *engine.Registry) *cobra.Command {
	var eventFile string

	cmd := &cobra.Command{
		Use:   "invoke",
		Short: "Run one recorded platform event",
		Long:  "Read a platform event from a JSON file, run it through the adapter and print the response",
		RunE: func(cmd *cobra.Command, args []string) error {
			if eventFile == "" {
				return fmt.Errorf("event file is required (use --file or -f)")
			}
			req, err := loadEvent(eventFile)
			if err != nil {
				return err
			}
			rt, err := loadRuntime(functions, false)
			if err != nil {
				return err
			}
			defer rt.log.Sync() //nolint:errcheck
			defer rt.close()    //nolint:errcheck

			return invoke(cmd.Context(), rt, req, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&eventFile, "file", "f", "", "JSON file containing the platform event")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func loadEvent(path string) (types.InvocationRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.InvocationRequest{}, fmt.Errorf("failed to read event file: %w", err)
	}

	var ev recordedEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return types.InvocationRequest{}, fmt.Errorf("failed to parse event file: %w", err)
	}
	if ev.Method == "" {
		ev.Method = http.MethodPost
	}

	body := []byte(ev.Body)
	var s string
	if err := json.Unmarshal(ev.Body, &s); err == nil {
		body = []byte(s)
	}

	return types.InvocationRequest{
		Method:  ev.Method,
		Headers: ev.Headers,
		Body:    body,
		Path:    ev.Path,
	}, nil
}

func invoke(ctx context.Context, rt *runtime, req types.InvocationRequest, out io.Writer) error {
	resp := rt.adapter.Handle(ctx, req)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	return nil
}

// ============================================================================
// config / functions
// ============================================================================

func buildConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			data, err := cfg.Dump()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func buildFunctionsCommand(functions *engine.Registry) *cobra.Command {
	return &cobra.Command{
		Use:   "functions",
		Short: "List registered functions",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range functions.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}
