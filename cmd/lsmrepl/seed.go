package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	pkgconfig "lsmrepl/pkg/config"
	"lsmrepl/pkg/replication"
	"lsmrepl/pkg/store"
)

func newSeedCmd(a *app) *cobra.Command {
	var from, to string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Copy a stopped primary store into an empty replica directory",
		Long: "seed copies the initial state of the primary store and then every " +
			"batch left in its history into a new replica directory. The primary " +
			"must not be running.",
		Example: "lsmrepl seed --from ./primary --to ./replica",
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return seed(a.cfg.Store, from, to, os.TempDir())
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "primary store directory")
	cmd.Flags().StringVar(&to, "to", "", "replica store directory, must be empty")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func seed(cfg pkgconfig.StoreConfig, from, to, tmpDir string) error {
	entries, err := os.ReadDir(to)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to read %s: %w", to, err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("replica directory %s is not empty", to)
	}

	primary, err := store.Open(cfg.WithPath(from))
	if err != nil {
		return fmt.Errorf("failed to open primary store: %w", err)
	}
	defer primary.Close()

	source := replication.NewSource(primary, tmpDir)
	snap, err := source.InitialState()
	if err != nil {
		return err
	}
	defer snap.Close()

	files, err := snap.Files()
	if err != nil {
		return err
	}
	consumer := replication.NewConsumer(to, nil, nil)
	for _, f := range files {
		if err := consumer.IngestFile(f); err != nil {
			return err
		}
	}

	replica, err := store.Open(cfg.WithPath(to))
	if err != nil {
		return fmt.Errorf("failed to open replica store: %w", err)
	}
	defer replica.Close()
	consumer.SetEngine(replica)

	var applied int
	for upd, err := range source.UpdatesSince(replica.LatestSequenceNumber().Next()) {
		if err != nil {
			return fmt.Errorf("failed to read primary history: %w", err)
		}
		if err := consumer.IngestBatch(upd); err != nil {
			return err
		}
		applied++
	}

	slog.Info("replica seeded",
		"files", len(files),
		"snapshot_seq", snap.Sequence(),
		"batches", applied,
		"seq", replica.LatestSequenceNumber(),
	)
	return nil
}
