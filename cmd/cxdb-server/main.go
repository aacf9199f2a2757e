// Command cxdb-server is CXDB's production entrypoint: load
// configuration from the environment, open the stores, and serve the
// binary protocol until an OS signal requests a graceful shutdown (spec
// section 6, "CLI surface of the core server").
//
// Grounded on the teacher's cmd/server/main.go (load config, then start
// the service), expanded with the init/shutdown sequencing the spec
// requires that the teacher's one-liner main doesn't need.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cxdb/cxdb/internal/blobstore"
	"github.com/cxdb/cxdb/internal/config"
	"github.com/cxdb/cxdb/internal/diskguard"
	"github.com/cxdb/cxdb/internal/fsattach"
	"github.com/cxdb/cxdb/internal/idempotency"
	"github.com/cxdb/cxdb/internal/server"
	"github.com/cxdb/cxdb/internal/stats"
	"github.com/cxdb/cxdb/internal/turnstore"
)

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Error("cxdb-server: fatal")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := newLogger(cfg)

	guard, err := diskguard.Acquire(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("acquiring data directory lock: %w", err)
	}
	defer guard.Close()

	blobs, err := blobstore.Open(cfg.DataDir+"/blobs", cfg.MaxBlobSize, log)
	if err != nil {
		return fmt.Errorf("opening blob store: %w", err)
	}
	defer blobs.Close()

	idem, err := idempotency.Open(cfg.DataDir+"/idempotency", time.Duration(cfg.IdempotencyTTLSec)*time.Second, log)
	if err != nil {
		return fmt.Errorf("opening idempotency table: %w", err)
	}
	defer idem.Close()

	turns, err := turnstore.Open(cfg.DataDir+"/turns", turnstore.Options{
		BlobChecker: blobs,
		Idempotency: idem,
		Logger:      log,
	})
	if err != nil {
		return fmt.Errorf("opening turn store: %w", err)
	}
	defer turns.Close()

	fsa, err := fsattach.Open(cfg.DataDir+"/fsattach", log)
	if err != nil {
		return fmt.Errorf("opening fs attachment table: %w", err)
	}
	defer fsa.Close()

	ln, err := net.Listen("tcp", cfg.Bind)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Bind, err)
	}

	srv := server.New(server.Config{
		Listener:    ln,
		Blobs:       blobs,
		Turns:       turns,
		FSAttach:    fsa,
		MaxBlobSize: cfg.MaxBlobSize,
		ServerTag:   "cxdb-server",
		Logger:      log,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reporter := stats.New(cfg.DataDir, 30*time.Second, log)
	go reporter.Run(ctx)

	log.WithField("bind", cfg.Bind).Info("cxdb-server: listening")
	if err := srv.Serve(ctx); err != nil {
		return fmt.Errorf("serving: %w", err)
	}

	log.Info("cxdb-server: shut down cleanly")
	return nil
}

func newLogger(cfg config.Config) *logrus.Logger {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}
