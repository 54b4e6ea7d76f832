package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/faas-bridge/internal/codec"
	"github.com/ChuLiYu/faas-bridge/internal/config"
	"github.com/ChuLiYu/faas-bridge/internal/coordinator"
	"github.com/ChuLiYu/faas-bridge/internal/observability"
	"github.com/ChuLiYu/faas-bridge/internal/transport"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// ============================================================================
// coordinator - 本地開發用的協調伺服器
// ============================================================================

type coordinatorOptions struct {
	listen  string
	grpc    string
	baseURL string
	sweep   time.Duration
	senders int
	codec   codec.Codec // 與 function 端 engine.encoding 相同
}

func buildCoordinatorCommand() *cobra.Command {
	opts := coordinatorOptions{}

	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Run an in-memory coordination server for local development",
		Long: `Run an in-memory coordination server.

Tasks are created with POST /tasks and delivered to their recv URL like a
serverless gateway would. Expired claims are reclaimed every --sweep.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			opts.codec, err = codec.ForName(cfg.Engine.Encoding)
			if err != nil {
				return err
			}
			logger, err := observability.SetupLogger(cfg.Log)
			if err != nil {
				return fmt.Errorf("failed to set up logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runCoordinator(ctx, opts, logger, cfg.Server.ShutdownTimeout.Std())
		},
	}

	cmd.Flags().StringVar(&opts.listen, "listen", ":7070", "HTTP listen address")
	cmd.Flags().StringVar(&opts.grpc, "grpc", "", "gRPC listen address (disabled when empty)")
	cmd.Flags().StringVar(&opts.baseURL, "base-url", "http://localhost:7070", "coordinator URL advertised to functions as href.base")
	cmd.Flags().DurationVar(&opts.sweep, "sweep", time.Second, "interval between expired claim sweeps")
	cmd.Flags().IntVar(&opts.senders, "senders", 8, "number of concurrent notification senders")

	return cmd
}

func runCoordinator(ctx context.Context, opts coordinatorOptions, logger *zap.Logger, shutdownTimeout time.Duration) error {
	if opts.sweep <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", opts.sweep)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	deliverer := coordinator.NewDeliverer(&http.Client{Timeout: time.Minute}, logger.Named("deliver"))
	dispatcher := coordinator.NewDispatcher(deliverer, 256)
	if err := dispatcher.Start(ctx, opts.senders); err != nil {
		return err
	}
	defer func() {
		cancel()
		dispatcher.Stop()
	}()

	if opts.codec == nil {
		opts.codec = codec.JSON()
	}
	c := coordinator.New(opts.baseURL,
		coordinator.WithCodec(opts.codec),
		coordinator.WithNotifier(dispatcher.Notifier()),
		coordinator.WithLogger(logger.Named("coordinator")))
	go c.Run(ctx, opts.sweep)

	errCh := make(chan error, 2)

	srv := &http.Server{Addr: opts.listen, Handler: c.Handler()}
	go func() {
		logger.Info("coordinator listening",
			zap.String("addr", opts.listen),
			zap.String("base_url", opts.baseURL),
			zap.String("encoding", opts.codec.ContentType()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var grpcSrv *grpc.Server
	if opts.grpc != "" {
		lis, err := net.Listen("tcp", opts.grpc)
		if err != nil {
			_ = srv.Close()
			return fmt.Errorf("failed to listen on %s: %w", opts.grpc, err)
		}
		grpcSrv = grpc.NewServer()
		transport.RegisterCoordinatorServer(grpcSrv, transport.NewCoordinatorServer(c))
		go func() {
			logger.Info("coordinator gRPC listening", zap.String("addr", lis.Addr().String()))
			if err := grpcSrv.Serve(lis); err != nil {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal, stopping gracefully")
	case runErr = <-errCh:
		logger.Error("coordinator failed", zap.Error(runErr))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("coordinator shutdown", zap.Error(err))
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}

	logger.Info("coordinator stopped",
		zap.Any("tasks", c.Stats()),
		zap.Int("undelivered", dispatcher.Pending()))
	return runErr
}
