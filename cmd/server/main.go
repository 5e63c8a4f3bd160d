package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/opscientia/opsci-commons-rbac/internal/blobstore"
	"github.com/opscientia/opsci-commons-rbac/internal/config"
	"github.com/opscientia/opsci-commons-rbac/internal/manager"
	"github.com/opscientia/opsci-commons-rbac/internal/metadata"
	"github.com/opscientia/opsci-commons-rbac/internal/server"
	"github.com/opscientia/opsci-commons-rbac/internal/signature"
)

const (
	maxMessageSize  = 10 * 1024 * 1024 // 10MB
	shutdownTimeout = 15 * time.Second
)

func main() {
	root := &cobra.Command{
		Use:           "registry",
		Short:         "Dataset metadata registry",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC APIs",
		RunE:  cmdServe,
	}
	config.RegisterFlags(serve.Flags())
	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}

func cmdServe(cmd *cobra.Command, args []string) (err error) {
	cfg, err := config.Load(cmd)
	if err != nil {
		return err
	}
	log, err := cfg.Log.Logger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, log, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = errs.Combine(err, store.Close(closeCtx))
	}()

	blobs, err := openBlobs(log, cfg.Blobs)
	if err != nil {
		return err
	}

	lifecycle := manager.NewLifecycle(log.Named("lifecycle"), store, blobs, signature.NewVerifier(), manager.Config{
		PublishAttempts:      cfg.Publish.Attempts,
		PublishRetryInterval: cfg.Publish.RetryInterval,
		BlobDeleteRetries:    cfg.Blobs.DeleteRetries,
	})
	queries := manager.NewQueries(log.Named("queries"), store, blobs)

	group, ctx := errgroup.WithContext(ctx)

	if cfg.HTTP.Address != "" {
		api := server.NewHTTPServer(log.Named("http"), lifecycle, queries)
		httpServer := &http.Server{
			Addr:              cfg.HTTP.Address,
			Handler:           api.Handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		group.Go(func() error {
			log.Info("HTTP server listening", zap.String("address", cfg.HTTP.Address))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	if cfg.GRPC.Address != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Address)
		if err != nil {
			return errs.New("listen %s: %v", cfg.GRPC.Address, err)
		}
		grpcServer := grpc.NewServer(
			grpc.MaxRecvMsgSize(maxMessageSize),
			grpc.MaxSendMsgSize(maxMessageSize),
			grpc.UnaryInterceptor(server.UnaryInterceptor(log.Named("grpc"))),
		)
		server.RegisterRegistryServer(grpcServer, server.NewGRPCServer(log.Named("grpc"), lifecycle, queries))
		// Enable reflection for debugging with grpcurl
		reflection.Register(grpcServer)

		group.Go(func() error {
			log.Info("gRPC server listening", zap.String("address", cfg.GRPC.Address))
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			grpcServer.GracefulStop()
			return nil
		})
	}

	if cfg.Debug.Address != "" {
		debugServer := &http.Server{
			Addr:              cfg.Debug.Address,
			Handler:           server.NewDebugHandler(monkit.Default),
			ReadHeaderTimeout: 10 * time.Second,
		}
		group.Go(func() error {
			log.Info("debug server listening", zap.String("address", cfg.Debug.Address))
			if err := debugServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			return debugServer.Shutdown(context.Background())
		})
	}

	log.Info("registry ready",
		zap.String("store", cfg.Store.Kind),
		zap.String("blobs", cfg.Blobs.Kind))

	err = group.Wait()
	log.Info("registry stopped")
	return err
}

func openStore(ctx context.Context, log *zap.Logger, cfg config.StoreConfig) (metadata.Store, error) {
	if cfg.Kind == config.StoreMemory {
		log.Warn("using the in-memory metadata store, records are lost on exit")
		return metadata.NewMemoryStore(), nil
	}
	return metadata.NewMongoStore(ctx, log.Named("mongo"), cfg.MongoURI, cfg.Database)
}

func openBlobs(log *zap.Logger, cfg config.BlobsConfig) (blobstore.Store, error) {
	if cfg.Kind == config.BlobsRemote {
		return blobstore.NewRemote(log.Named("blobs"), cfg.RemoteURL, cfg.Token, &http.Client{Timeout: time.Minute}), nil
	}
	return blobstore.NewLocal(log.Named("blobs"), cfg.Dir, cfg.Nodes, cfg.Replicas)
}
