package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rl1809/collectible-market/internal/adapter/auth"
	"github.com/rl1809/collectible-market/internal/adapter/catalog"
	"github.com/rl1809/collectible-market/internal/clock"
	"github.com/rl1809/collectible-market/internal/config"
	"github.com/rl1809/collectible-market/internal/core/domain"
	"github.com/rl1809/collectible-market/internal/core/service"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := cfg.Log.NewLogger(os.Stderr)

			db, err := openDatabase(cmd.Context(), cfg.Database, logger)
			if err != nil {
				return err
			}
			defer db.close()

			if err := db.migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("migrations applied", "driver", cfg.Database.Driver)
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Release expired reservations once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := cfg.Log.NewLogger(os.Stderr)

			db, err := openDatabase(cmd.Context(), cfg.Database, logger)
			if err != nil {
				return err
			}
			defer db.close()

			clk := clock.NewSystem()
			engine := service.NewReservationService(db.store, clk,
				service.WithReservationTTL(cfg.Reservation.TTL),
				service.WithSweepBatchSize(cfg.Reservation.SweepBatch),
				service.WithLogger(logger),
			)
			sweeper := service.NewSweeper(engine, clk,
				service.WithSweepTTL(cfg.Reservation.TTL),
				service.WithSweepLogger(logger),
			)

			n, err := sweeper.RunOnce(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d attempts\n", n)
			return err
		},
	}
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed [catalog.yaml]",
		Short: "Import catalog items from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := cfg.Log.NewLogger(os.Stderr)

			items, err := catalog.LoadFile(args[0])
			if err != nil {
				return err
			}

			db, err := openDatabase(cmd.Context(), cfg.Database, logger)
			if err != nil {
				return err
			}
			defer db.close()

			n, err := catalog.Seed(cmd.Context(), db.store, items)
			for _, item := range items[:n] {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", item.ID, item.Title)
			}
			if err != nil {
				return err
			}
			logger.Info("catalog imported", "items", n)
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		userID int64
		email  string
		admin  bool
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is required")
			}
			if userID <= 0 {
				return fmt.Errorf("--user-id must be positive")
			}

			authn := auth.NewJWTAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, clock.NewSystem())
			tok, err := authn.Issue(domain.Principal{BuyerID: userID, Email: email, Admin: admin}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user-id", 0, "buyer id to embed")
	cmd.Flags().StringVar(&email, "email", "", "buyer email")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant operator rights")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
