// Copyright (C) 2026 Tesuji AI (dev@tesuji.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// tesuji is the administrative CLI for the move-priority engine: seed
// profiles, inspect rankings, reset tables and run schema migrations.
// It drives the same facade the trainers embed; nothing here touches
// the stores directly.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/TesujiAI/tesuji/pkg/logging"
	"github.com/TesujiAI/tesuji/services/rank"
	"github.com/TesujiAI/tesuji/services/rank/config"
	"github.com/TesujiAI/tesuji/services/rank/lock"
	"github.com/TesujiAI/tesuji/services/rank/migrate"
	"github.com/TesujiAI/tesuji/services/rank/seed"
	badgerstore "github.com/TesujiAI/tesuji/services/rank/storage/badger"
)

var (
	configPath string
	dataDir    string
	logLevel   string

	seedYes       bool
	resetYes      bool
	resetOpenings bool
	topCount      int

	rootCmd = &cobra.Command{
		Use:   "tesuji",
		Short: "Administer a tesuji move-priority store",
		Long: `tesuji manages the statistics store behind the move-priority
engine: apply seed profiles, inspect top-ranked patterns, review
opening performance, reset tables and migrate key schemas.`,
		SilenceUsage: true,
	}

	seedCmd = &cobra.Command{
		Use:   "seed <profile.yaml>",
		Short: "Apply a seed profile to the pattern store (requires --yes)",
		Args:  cobra.ExactArgs(1),
		RunE:  runSeed,
	}

	topCmd = &cobra.Command{
		Use:   "top",
		Short: "Show the highest-priority patterns",
		Args:  cobra.NoArgs,
		RunE:  runTop,
	}

	openingCmd = &cobra.Command{
		Use:   "opening <position>",
		Short: "Show opening performance for a position",
		Args:  cobra.ExactArgs(1),
		RunE:  runOpening,
	}

	resetCmd = &cobra.Command{
		Use:   "reset",
		Short: "Delete all pattern statistics (requires --yes)",
		Args:  cobra.NoArgs,
		RunE:  runReset,
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Upgrade the store to the current key schema",
		Args:  cobra.NoArgs,
		RunE:  runMigrate,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "tesuji.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "store directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides config)")

	seedCmd.Flags().BoolVar(&seedYes, "yes", false, "confirm overwriting records for the seeded keys")
	resetCmd.Flags().BoolVar(&resetYes, "yes", false, "confirm the reset")
	resetCmd.Flags().BoolVar(&resetOpenings, "openings", false, "reset opening statistics instead of patterns")
	topCmd.Flags().IntVarP(&topCount, "count", "n", 10, "number of patterns to show")

	rootCmd.AddCommand(seedCmd, topCmd, openingCmd, resetCmd, migrateCmd)
}

// loadConfig merges the config file with command-line overrides.
func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return cfg, nil, err
	}

	logger, err := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		Service: "tesuji",
	})
	if err != nil {
		return cfg, nil, err
	}
	return cfg, logger.Logger, nil
}

// openEngine assembles the engine for commands that use the facade.
func openEngine(ctx context.Context) (*rank.Engine, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return rank.Open(ctx, cfg, logger)
}

func runSeed(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if !seedYes {
		return fmt.Errorf("refusing to seed without --yes: seeding overwrites records for the seeded keys")
	}

	profile, err := seed.Load(args[0])
	if err != nil {
		return err
	}

	engine, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()

	rep, err := engine.Seed(ctx, profile, true)
	if err != nil {
		return err
	}
	fmt.Printf("Applied profile %q: %d records seeded\n", rep.Profile, rep.Applied)
	return nil
}

func runTop(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	engine, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()

	records, err := engine.GetTop(ctx, topCount)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No pattern statistics recorded yet.")
		return nil
	}

	fmt.Printf("%-30s %8s %8s %10s %10s\n", "KEY", "SEEN", "WINRATE", "CONFIDENCE", "PRIORITY")
	for _, r := range records {
		fmt.Printf("%-30s %8d %8.3f %10.3f %10.2f\n",
			fmt.Sprintf("p%d c%d d%d %s r%d s%d m%d",
				r.Key.PieceType, r.Key.MoveCategory, r.Key.DistanceFromStart,
				r.Key.GamePhase, r.Key.RepetitionCount, r.Key.MovesSinceProgress,
				r.Key.TotalMaterialLevel),
			r.TimesSeen, r.WinRate, r.Confidence, r.PriorityScore)
	}
	return nil
}

func runOpening(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	engine, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()

	stats, err := engine.GetStats(ctx, args[0])
	if err != nil {
		return err
	}
	if len(stats) == 0 {
		fmt.Println("No opening statistics for this position.")
		return nil
	}

	fmt.Printf("%-12s %8s %6s %6s %6s %8s %12s\n",
		"MOVE", "PLAYED", "W", "D", "L", "AVG", "ADJUSTMENT")
	for _, s := range stats {
		adj, err := engine.GetAdjustment(ctx, s.Position, s.Move)
		if err != nil {
			return err
		}
		fmt.Printf("%-12s %8d %6d %6d %6d %8.3f %+12.2f\n",
			s.Move, s.TimesPlayed, s.Wins, s.Draws, s.Losses, s.AvgGameResult, adj)
	}
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if !resetYes {
		return fmt.Errorf("refusing to reset without --yes")
	}

	engine, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()

	var n int
	if resetOpenings {
		n, err = engine.ResetOpenings(ctx, true)
	} else {
		n, err = engine.ResetPatterns(ctx, true)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d records\n", n)
	return nil
}

// runMigrate works below the facade: the engine refuses to open a
// stale-schema store, so migration locks the directory and opens the
// database directly.
func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.InMemory {
		return fmt.Errorf("nothing to migrate for an in-memory store")
	}

	guard, err := lock.Acquire(ctx, lock.Config{
		Dir:     cfg.DataDir,
		Timeout: cfg.LockTimeout,
		TTL:     cfg.LockTTL,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer guard.Release()

	db, err := badgerstore.Open(badgerstore.Config{
		Path:       filepath.Join(cfg.DataDir, "db"),
		SyncWrites: cfg.SyncWrites,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	rep, err := migrate.Migrate(ctx, db, logger)
	if err != nil {
		return err
	}
	fmt.Printf("Schema v%d -> v%d: %d records migrated in %s\n",
		rep.FromVersion, rep.ToVersion, rep.Migrated, rep.Elapsed)
	return nil
}
