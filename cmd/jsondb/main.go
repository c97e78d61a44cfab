package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/adfharrison1/jsondb/pkg/engine"
	"github.com/adfharrison1/jsondb/pkg/server"
	"github.com/adfharrison1/jsondb/pkg/storage"
)

var (
	dataDir        string
	format         string
	chunkCacheSize int
	indexCacheSize int
	maxChunkSize   int64
	fsync          bool
	debug          bool

	port            int
	collectionCache int
	rateLimit       float64
	flushInterval   time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "jsondb",
	Short: "Embedded JSON document store",
	Long: `jsondb stores JSON documents in chunked collection files with
secondary indexes, and serves them over HTTP.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync()
		log := logger.Sugar()

		storeOpts, err := storeOptions(log)
		if err != nil {
			return err
		}
		reg, err := engine.NewRegistry(dataDir,
			engine.WithCapacity(collectionCache),
			engine.WithStoreOptions(storeOpts...),
			engine.WithRegistryLogger(log.Named("registry")),
		)
		if err != nil {
			return err
		}
		if flushInterval > 0 {
			reg.StartBackgroundFlush(flushInterval)
			log.Infow("background flush enabled", "interval", flushInterval)
		}
		db := engine.New(reg, engine.WithLogger(log.Named("engine")))

		srv := server.NewServer(db, reg,
			server.WithLogger(log.Named("http")),
			server.WithRateLimit(rateLimit, 0),
		)
		httpServer := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: srv.Router(),
		}

		errCh := make(chan error, 1)
		go func() {
			log.Infow("starting jsondb server", "port", port, "data_dir", dataDir, "format", format)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case err := <-errCh:
			if err != nil {
				db.Close()
				return fmt.Errorf("server failed: %w", err)
			}
		case <-quit:
		}
		log.Info("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Errorw("server forced to shutdown", "error", err)
		}
		if err := db.Close(); err != nil {
			return fmt.Errorf("failed to flush collections: %w", err)
		}
		log.Info("server exited")
		return nil
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <collection>",
	Short: "Open and verify a collection and print its metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync()

		storeOpts, err := storeOptions(logger.Sugar())
		if err != nil {
			return err
		}
		if _, err := os.Stat(filepath.Join(dataDir, args[0])); err != nil {
			return fmt.Errorf("collection %s: %w", args[0], err)
		}
		store, err := storage.Open(args[0], dataDir, storeOpts...)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(store.Metadata())
	},
}

func newLogger() (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func storeOptions(log *zap.SugaredLogger) ([]storage.Option, error) {
	f, err := storage.ParseFormat(format)
	if err != nil {
		return nil, err
	}
	return []storage.Option{
		storage.WithFormat(f),
		storage.WithMaxChunkSize(maxChunkSize),
		storage.WithChunkCacheSize(chunkCacheSize),
		storage.WithIndexCacheSize(indexCacheSize),
		storage.WithFsync(fsync),
		storage.WithLogger(log.Named("storage")),
	}, nil
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&dataDir, "data-dir", "./data", "Data directory holding one directory per collection")
	pf.StringVar(&format, "format", storage.FormatJSON.String(), "File format: json, msgpack-lz4 or msgpack-zstd")
	pf.IntVar(&chunkCacheSize, "chunk-cache", storage.DefaultChunkCacheSize, "Chunks cached per collection")
	pf.IntVar(&indexCacheSize, "index-cache", storage.DefaultIndexCacheSize, "Indexes cached per collection")
	pf.Int64Var(&maxChunkSize, "max-chunk-size", storage.DefaultMaxChunkSize, "Soft cap on estimated chunk size in bytes")
	pf.BoolVar(&fsync, "fsync", false, "Sync every file before it replaces the previous version")
	pf.BoolVar(&debug, "debug", false, "Enable development logging")

	serveCmd.Flags().IntVar(&port, "port", 4354, "Server port")
	serveCmd.Flags().IntVar(&collectionCache, "collection-cache", engine.DefaultCapacity, "Collections kept open")
	serveCmd.Flags().Float64Var(&rateLimit, "rate-limit", 0, "Requests per second, 0 disables limiting")
	serveCmd.Flags().DurationVar(&flushInterval, "flush-interval", 0, "Background flush interval for staged writes, 0 disables")

	rootCmd.AddCommand(serveCmd, inspectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
