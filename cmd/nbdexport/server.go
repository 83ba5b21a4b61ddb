package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"cloud.google.com/go/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/coldbit/nbdexport/internal/backend"
	"github.com/coldbit/nbdexport/internal/backend/memimage"
	"github.com/coldbit/nbdexport/internal/backend/objectimage"
	"github.com/coldbit/nbdexport/internal/config"
	"github.com/coldbit/nbdexport/internal/logging"
	"github.com/coldbit/nbdexport/internal/reactor"
)

func serverCmd() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "server <config.toml>",
		Short: "Serve NBD exports over TCP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(args[0], debug)
		},
	}

	cmd.Flags().BoolVar(&debug, "debug", false, "use a human-readable development logger")
	return cmd
}

func runServer(configPath string, debug bool) error {
	doc, err := config.LoadServerDocument(configPath)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}

	logger, err := logging.New(debug)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry, closeRegistry, err := buildRegistry(ctx, doc, logger)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	defer closeRegistry()

	network, addr := "tcp", fmt.Sprintf("%s:%d", doc.Server.Address, doc.Server.Port)
	if doc.Server.SocketPath != "" {
		network, addr = "unix", doc.Server.SocketPath
		_ = os.Remove(addr)
	}

	ln, err := net.Listen(network, addr)
	if err != nil {
		return fmt.Errorf("server: listen %s %s: %w", network, addr, err)
	}
	logger.Info("listening", zap.String("network", network), zap.String("addr", addr))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("shutdown signal received")
		cancel()
	}()

	r := reactor.New(registry, logger, doc.Server.MaxErrors)
	return r.Serve(ctx, ln)
}

// buildRegistry registers one handler factory per back-end section in the
// server document, keyed by section name (the name a client's handshake
// selects with). "objectimage" sections additionally require a live GCS
// client, built once here and torn down by the returned close func.
func buildRegistry(ctx context.Context, doc config.ServerDocument, logger *zap.Logger) (*backend.Registry, func(), error) {
	registry := backend.NewRegistry()
	closers := []func(){}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	for name, section := range doc.Backends {
		switch name {
		case "memimage":
			size, _ := section["size"].(int64)
			if size == 0 {
				size = 1 << 30 // 1 GiB default scratch image
			}
			registry.Register(name, memimage.Factory(size))

		case "objectimage":
			client, err := storage.NewClient(ctx)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("build objectimage client: %w", err)
			}
			closers = append(closers, func() { _ = client.Close() })

			bucket, _ := section["bucket"].(string)
			cacheDir, _ := section["cache_dir"].(string)
			if cacheDir == "" {
				cacheDir = "/var/cache/nbdexport"
			}

			registry.Register(name, objectimage.Factory(ctx, client, bucket, cacheDir, func(err error) {
				logger.Warn("prefetch failed", zap.Error(err))
			}))

		default:
			registry.RegisterUnavailable(name, fmt.Errorf("server: unknown back-end kind %q", name))
		}
	}

	return registry, closeAll, nil
}
