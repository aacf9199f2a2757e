// Command cxdbctl is CXDB's operator CLI: serve, fsck, and stats against
// a data directory (spec section 6, "CLI surface").
//
// The root-command-plus-subcommands shape is grounded on the
// go-go-golems-pinocchio example pack's cobra usage (a package-level
// &cobra.Command{Use, Short} with subcommands registered onto it via
// AddCommand) — the teacher itself has no CLI framework of its own.
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
	"github.com/spf13/cobra"

	"github.com/cxdb/cxdb/internal/blobstore"
	"github.com/cxdb/cxdb/internal/diskguard"
	"github.com/cxdb/cxdb/internal/fsattach"
	"github.com/cxdb/cxdb/internal/idempotency"
	"github.com/cxdb/cxdb/internal/server"
	"github.com/cxdb/cxdb/internal/turnstore"
)

var dataDir string

var rootCmd = &cobra.Command{
	Use:   "cxdbctl",
	Short: "Operate a CXDB data directory",
}

func main() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "./data", "CXDB data directory")
	rootCmd.AddCommand(serveCmd, fsckCmd, statsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the CXDB server against --data-dir",
	RunE: func(cmd *cobra.Command, args []string) error {
		bind, err := cmd.Flags().GetString("bind")
		if err != nil {
			return err
		}
		maxBlobSize, err := cmd.Flags().GetInt64("max-blob-size")
		if err != nil {
			return err
		}

		log := logrus.New()

		guard, err := diskguard.Acquire(dataDir)
		if err != nil {
			return fmt.Errorf("acquiring data directory lock: %w", err)
		}
		defer guard.Close()

		blobs, err := blobstore.Open(dataDir+"/blobs", maxBlobSize, log)
		if err != nil {
			return fmt.Errorf("opening blob store: %w", err)
		}
		defer blobs.Close()

		idem, err := idempotency.Open(dataDir+"/idempotency", 24*time.Hour, log)
		if err != nil {
			return fmt.Errorf("opening idempotency table: %w", err)
		}
		defer idem.Close()

		turns, err := turnstore.Open(dataDir+"/turns", turnstore.Options{
			BlobChecker: blobs,
			Idempotency: idem,
			Logger:      log,
		})
		if err != nil {
			return fmt.Errorf("opening turn store: %w", err)
		}
		defer turns.Close()

		fsa, err := fsattach.Open(dataDir+"/fsattach", log)
		if err != nil {
			return fmt.Errorf("opening fs attachment table: %w", err)
		}
		defer fsa.Close()

		ln, err := net.Listen("tcp", bind)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", bind, err)
		}

		srv := server.New(server.Config{
			Listener:    ln,
			Blobs:       blobs,
			Turns:       turns,
			FSAttach:    fsa,
			MaxBlobSize: maxBlobSize,
			ServerTag:   "cxdbctl-serve",
			Logger:      log,
		})

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		log.WithField("bind", bind).Info("cxdbctl: serving")
		return srv.Serve(ctx)
	},
}

var fsckCmd = &cobra.Command{
	Use:   "fsck",
	Short: "Open every store, running crash recovery, and report its record counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logrus.New()
		log.SetLevel(logrus.WarnLevel)

		blobs, err := blobstore.Open(dataDir+"/blobs", 1<<30, log)
		if err != nil {
			return fmt.Errorf("blob store: %w", err)
		}
		defer blobs.Close()

		idem, err := idempotency.Open(dataDir+"/idempotency", 24*time.Hour, log)
		if err != nil {
			return fmt.Errorf("idempotency table: %w", err)
		}
		defer idem.Close()

		turns, err := turnstore.Open(dataDir+"/turns", turnstore.Options{
			BlobChecker: blobs,
			Idempotency: idem,
			Logger:      log,
		})
		if err != nil {
			return fmt.Errorf("turn store: %w", err)
		}
		defer turns.Close()

		fsa, err := fsattach.Open(dataDir+"/fsattach", log)
		if err != nil {
			return fmt.Errorf("fs attachment table: %w", err)
		}
		defer fsa.Close()

		turnCount, contextCount := turns.Stats()
		fmt.Printf("blobs:    %d\n", blobs.Count())
		fmt.Printf("turns:    %d\n", turnCount)
		fmt.Printf("contexts: %d\n", contextCount)
		fmt.Println("fsck: all stores opened and recovered cleanly")
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print current store sizes for --data-dir without holding the data directory lock",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logrus.New()
		log.SetLevel(logrus.WarnLevel)

		blobs, err := blobstore.Open(dataDir+"/blobs", 1<<30, log)
		if err != nil {
			return fmt.Errorf("blob store: %w", err)
		}
		defer blobs.Close()

		turns, err := turnstore.Open(dataDir+"/turns", turnstore.Options{
			BlobChecker: blobs,
			Logger:      log,
		})
		if err != nil {
			return fmt.Errorf("turn store: %w", err)
		}
		defer turns.Close()

		turnCount, contextCount := turns.Stats()
		fmt.Printf("blobs:    %d\n", blobs.Count())
		fmt.Printf("turns:    %d\n", turnCount)
		fmt.Printf("contexts: %d\n", contextCount)
		return nil
	},
}

func init() {
	serveCmd.Flags().String("bind", ":9009", "TCP address to listen on")
	serveCmd.Flags().Int64("max-blob-size", 10<<20, "maximum accepted blob size in bytes")
}
