package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/medcalc/internal/api"
	"github.com/ehr/medcalc/internal/cache"
	"github.com/ehr/medcalc/internal/clinicaldata"
	"github.com/ehr/medcalc/internal/config"
	"github.com/ehr/medcalc/internal/platform/db"
	"github.com/ehr/medcalc/internal/platform/telemetry"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "medcalc",
		Short:        "Clinical data access and caching service for medical calculators",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(observationCmd())
	root.AddCommand(cacheCmd())
	root.AddCommand(migrateCmd())
	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the calculator data API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrate, _ := cmd.Flags().GetBool("migrate")
			return runServer(migrate)
		},
	}
	cmd.Flags().Bool("migrate", false, "Apply audit database migrations before serving")
	return cmd
}

func runServer(migrate bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    "medcalc",
		ServiceVersion: api.Version,
		Environment:    cfg.Env,
		Endpoint:       cfg.OTelEndpoint,
		SampleRate:     cfg.OTelSampleRate,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("tracing disabled")
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if migrate && a.auditDB != nil {
		count, err := a.auditDB.Migrator().Up(ctx)
		if err != nil {
			a.close(ctx)
			return fmt.Errorf("migration failed: %w", err)
		}
		logger.Info().Int("applied", count).Msg("audit migrations applied")
	}

	if cfg.CacheCleanInterval > 0 {
		a.cache.StartCleanup(ctx, cfg.CacheCleanInterval)
	}

	patientID, err := launchPatient(cfg)
	if err != nil {
		logger.Warn().Err(err).Msg("cannot resolve launch patient from token")
	}
	a.bindLaunchContext(ctx, patientID)

	e := api.NewServer(a.handler(), api.ServerConfig{
		RequestTimeout: cfg.RequestTimeout,
		CORSOrigins:    cfg.CORSOrigins,
		AuditDB:        a.dbChecker(),
		HSTS:           cfg.IsProduction(),
		Feed:           a.feed,
	}, logger)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("cache_backend", cfg.CacheBackend).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	cancel()
	a.close(shutdownCtx)
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("flush traces")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// ---------------------------------------------------------------------------
// observation

func observationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "observation <code>",
		Short: "Fetch the latest observation for a LOINC code from the configured FHIR server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			targetUnit, _ := cmd.Flags().GetString("target-unit")
			patientID, _ := cmd.Flags().GetString("patient")
			skipCache, _ := cmd.Flags().GetBool("skip-cache")
			component, _ := cmd.Flags().GetString("component")

			if err := clinicaldata.ValidateCode(args[0]); err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.FHIRBaseURL == "" {
				return fmt.Errorf("FHIR_BASE_URL is required")
			}
			if patientID == "" {
				if patientID, err = launchPatient(cfg); err != nil {
					return err
				}
			}
			if patientID == "" {
				return fmt.Errorf("--patient or FHIR_PATIENT_ID is required")
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			a.bindLaunchContext(ctx, patientID)
			res := a.data.GetObservation(ctx, args[0], clinicaldata.Options{
				TargetUnit:    targetUnit,
				SkipCache:     skipCache,
				ComponentCode: component,
			})
			if !res.Found() {
				return fmt.Errorf("no observation found for %s", args[0])
			}
			out := json.NewEncoder(cmd.OutOrStdout())
			out.SetIndent("", "  ")
			return out.Encode(res)
		},
	}
	cmd.Flags().String("target-unit", "", "Convert the value to this unit")
	cmd.Flags().String("patient", "", "Patient id (defaults to the launch context)")
	cmd.Flags().String("component", "", "Component code of a panel observation")
	cmd.Flags().Bool("skip-cache", false, "Bypass the FHIR cache")
	return cmd
}

// ---------------------------------------------------------------------------
// cache

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the durable cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show entries and size per cache class",
		RunE: withCache(func(cmd *cobra.Command, _ []string, a *app) error {
			stats := a.cache.Stats(cmd.Context())
			classes := make([]string, 0, len(stats))
			for c := range stats {
				classes = append(classes, string(c))
			}
			sort.Strings(classes)

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Cache backend: %s (version %s)\n", a.cfg.CacheBackend, a.cache.Version())
			fmt.Fprintf(w, "%-12s %-28s %-10s %-10s %s\n", "CLASS", "BUCKET", "ENTRIES", "BYTES", "TTL")
			fmt.Fprintln(w, "------------ ---------------------------- ---------- ---------- ----------")
			for _, name := range classes {
				st := stats[cache.Class(name)]
				fmt.Fprintf(w, "%-12s %-28s %-10d %-10d %s\n", name, st.Bucket, st.Entries, st.Bytes, st.TTL)
			}
			total := a.cache.TotalSize(cmd.Context())
			fmt.Fprintf(w, "Total: %d entries, %d bytes\n", total.Entries, total.Bytes)
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear <class|all>",
		Short: "Remove every entry of a cache class",
		Args:  cobra.ExactArgs(1),
		RunE: withCache(func(cmd *cobra.Command, args []string, a *app) error {
			if args[0] == "all" {
				a.cache.ClearAllCaches(cmd.Context())
				fmt.Fprintln(cmd.OutOrStdout(), "Cleared all cache classes.")
				return nil
			}
			class, err := cache.ParseClass(args[0])
			if err != nil {
				return err
			}
			a.cache.ClearCache(cmd.Context(), class)
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared cache class %s.\n", class)
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clean",
		Short: "Remove expired entries from every cache class",
		RunE: withCache(func(cmd *cobra.Command, _ []string, a *app) error {
			removed := 0
			for _, c := range cache.Classes {
				removed += a.cache.CleanExpired(cmd.Context(), c)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired entries.\n", removed)
			return nil
		}),
	})
	return cmd
}

func withCache(run func(cmd *cobra.Command, args []string, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newCacheApp(cmd.Context(), cfg, newLogger(cfg))
		if err != nil {
			return err
		}
		defer a.close(context.Background())
		return run(cmd, args, a)
	}
}

// ---------------------------------------------------------------------------
// migrate

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run audit database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: withMigrator(func(cmd *cobra.Command, m *db.Migrator, schema string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
			count, err := m.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		}),
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: withMigrator(func(cmd *cobra.Command, m *db.Migrator, schema string) error {
			statuses, err := m.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd, schema, statuses)
			return nil
		}),
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	return cmd
}

func withMigrator(run func(cmd *cobra.Command, m *db.Migrator, schema string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		schema, _ := cmd.Flags().GetString("schema")
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
		adb, err := db.OpenAuditDB(cmd.Context(), db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
			Schema:   schema,
		})
		if err != nil {
			return err
		}
		defer adb.Close()
		return run(cmd, adb.Migrator(), schema)
	}
}

func printMigrationStatus(cmd *cobra.Command, schema string, statuses []db.MigrationStatus) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}
