// Command ocistored serves the OCI distribution protocol, storing blob
// content in an S3-compatible object store and metadata in SQLite.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"ocistore.dev/go/ocistore/config"
	"ocistore.dev/go/ocistore/metadb"
	"ocistore.dev/go/ocistore/objstore"
	"ocistore.dev/go/ocistore/objstore/memstore"
	"ocistore.dev/go/ocistore/objstore/s3store"
	"ocistore.dev/go/ocistore/ociserver"
	"ocistore.dev/go/ocistore/registry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cmd := &cli.Command{
		Name:  "ocistored",
		Usage: "serve an OCI distribution registry",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML configuration file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (trace, debug, info, warn, error)",
				Value: "info",
			},
		},
		Action: run,
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := cmd.Run(ctx, os.Args); err != nil {
		logrus.WithError(err).Fatal("ocistored failed")
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	level, err := logrus.ParseLevel(cmd.String("log-level"))
	if err != nil {
		return err
	}
	logrus.SetLevel(level)

	cfg := config.Default()
	if path := cmd.String("config"); path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return err
		}
	}

	db, err := metadb.Open(cfg.Metadata.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := openObjectStore(ctx, cfg)
	if err != nil {
		return err
	}

	reg := registry.New(db, store)
	for _, name := range cfg.Repositories {
		if _, err := reg.GetOrCreate(ctx, name); err != nil {
			return fmt.Errorf("cannot create repository %q: %w", name, err)
		}
	}

	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: ociserver.New(reg, nil),
	}
	logrus.WithFields(logrus.Fields{
		"addr":    cfg.HTTP.Addr,
		"backend": cfg.ObjectStore.Backend,
	}).Info("serving registry")

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func openObjectStore(ctx context.Context, cfg *config.Config) (objstore.Store, error) {
	switch cfg.ObjectStore.Backend {
	case "memory":
		return memstore.New(), nil
	case "s3":
		return s3store.Open(ctx, s3store.Options{
			Endpoint:     cfg.ObjectStore.S3.Endpoint,
			Region:       cfg.ObjectStore.S3.Region,
			Bucket:       cfg.ObjectStore.S3.Bucket,
			AccessKey:    cfg.ObjectStore.S3.AccessKey,
			SecretKey:    cfg.ObjectStore.S3.SecretKey,
			UsePathStyle: cfg.ObjectStore.S3.UsePathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown objectstore backend %q", cfg.ObjectStore.Backend)
	}
}
