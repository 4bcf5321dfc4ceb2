package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/ehr/medcalc/internal/api"
	"github.com/ehr/medcalc/internal/audit"
	"github.com/ehr/medcalc/internal/cache"
	"github.com/ehr/medcalc/internal/cache/redisstore"
	"github.com/ehr/medcalc/internal/cache/sealed"
	"github.com/ehr/medcalc/internal/cache/sqlite"
	"github.com/ehr/medcalc/internal/clinicaldata"
	"github.com/ehr/medcalc/internal/config"
	"github.com/ehr/medcalc/internal/platform/db"
	"github.com/ehr/medcalc/internal/platform/fhir"
	"github.com/ehr/medcalc/internal/platform/websocket"
	"github.com/ehr/medcalc/internal/provenance"
	"github.com/ehr/medcalc/internal/staleness"
	"github.com/ehr/medcalc/internal/units"
)

// app holds the wired services of one process.
type app struct {
	cfg        *config.Config
	logger     zerolog.Logger
	store      cache.Store
	cache      *cache.Manager
	converter  *units.Converter
	data       *clinicaldata.Service
	audit      *audit.Service
	provenance *provenance.Service
	auditDB    *db.AuditDB
	feed       *websocket.Hub
	newClient  api.ClientFactory
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// openStore returns the durable cache tier selected by CACHE_BACKEND, sealed
// when CACHE_ENCRYPTION_KEY is set. The memory backend has no durable tier
// and returns nil.
func openStore(ctx context.Context, cfg *config.Config) (cache.Store, error) {
	store, err := openBackend(ctx, cfg)
	if err != nil || store == nil || cfg.CacheEncryptionKey == "" {
		return store, err
	}
	key, err := sealed.KeyFromBase64(cfg.CacheEncryptionKey)
	if err == nil {
		var s *sealed.Store
		if s, err = sealed.New(store, key); err == nil {
			return s, nil
		}
	}
	if c, ok := store.(io.Closer); ok {
		_ = c.Close()
	}
	return nil, err
}

func openBackend(ctx context.Context, cfg *config.Config) (cache.Store, error) {
	switch cfg.CacheBackend {
	case config.BackendSQLite:
		s, err := sqlite.Open(cfg.CacheSQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite cache: %w", err)
		}
		return s, nil
	case config.BackendRedis:
		s, err := redisstore.NewFromURL(ctx, cfg.RedisURL, "medcalc")
		if err != nil {
			return nil, fmt.Errorf("connect redis cache: %w", err)
		}
		return s, nil
	default:
		return nil, nil
	}
}

// newCacheApp wires only the cache; the cache subcommands need nothing else.
func newCacheApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	opts := []cache.Option{
		cache.WithVersion(cfg.CacheVersion),
		cache.WithLogger(logger),
	}
	if store != nil {
		opts = append(opts, cache.WithStore(store))
	}
	return &app{
		cfg:    cfg,
		logger: logger,
		store:  store,
		cache:  cache.NewManager(opts...),
	}, nil
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a, err := newCacheApp(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	a.converter = units.NewConverter()
	a.feed = websocket.NewHub(logger)
	a.data = clinicaldata.New(clinicaldata.Config{
		Cache:     a.cache,
		Converter: a.converter,
		Presenter: staleness.Presenters{
			staleness.LogPresenter{Logger: logger.With().Str("component", "staleness").Logger()},
			staleness.FeedPresenter{Publisher: a.feed},
		},
		StalenessThreshold: cfg.StalenessThreshold(),
		FetchTimeout:       cfg.FHIRFetchTimeout,
		DisableDedup:       !cfg.DedupInflight,
		Logger:             logger,
	})

	var recorder audit.Recorder = audit.LogRecorder{Logger: logger}
	var provOpts []provenance.Option
	if cfg.AuditPersistent() {
		adb, err := db.OpenAuditDB(ctx, db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("connect audit database: %w", err)
		}
		a.auditDB = adb
		recorder = audit.NewPostgresRecorder(adb.Pool)
		provOpts = append(provOpts,
			provenance.WithSink(provenance.NewPostgresSink(adb.Pool)),
			provenance.WithQueueSize(cfg.AuditQueueSize),
		)
		logger.Info().Msg("connected to audit database")
	}

	a.audit = audit.NewService(recorder,
		audit.WithQueueSize(cfg.AuditQueueSize),
		audit.WithLogger(logger),
		audit.WithSite(cfg.AuditSite),
	)
	a.data.AddListener(a.audit)
	a.provenance = provenance.NewService(nil, append(provOpts, provenance.WithLogger(logger))...)

	if cfg.FHIRBaseURL != "" {
		a.newClient = func(patientID, accessToken string) fhir.Client {
			if accessToken == "" {
				accessToken = cfg.FHIRAccessToken
			}
			return fhir.NewHTTPClient(cfg.FHIRBaseURL, accessToken, patientID, fhir.WithTimeout(cfg.FHIRFetchTimeout))
		}
	}
	return a, nil
}

// launchPatient resolves the patient of the configured launch context.
func launchPatient(cfg *config.Config) (string, error) {
	if cfg.FHIRPatientID != "" {
		return cfg.FHIRPatientID, nil
	}
	if cfg.FHIRAccessToken == "" {
		return "", nil
	}
	return fhir.PatientFromToken(cfg.FHIRAccessToken)
}

// bindLaunchContext initializes the data layer for the configured patient.
// It reports false when no FHIR endpoint or patient is configured.
func (a *app) bindLaunchContext(ctx context.Context, patientID string) bool {
	if a.newClient == nil || patientID == "" {
		return false
	}
	a.data.Initialize(ctx, a.newClient(patientID, ""), nil, clinicaldata.Container{ID: a.cfg.StalenessElementID})
	name := a.data.PatientName(ctx)
	a.provenance.SetPatientContext(ctx, provenance.PatientContext{PatientID: patientID, PatientName: name})
	a.audit.LogPatientAccess(ctx, patientID, name, "Patient", "medcalc")
	a.logger.Info().Str("patient_id", patientID).Msg("launch context bound")
	return true
}

// dbChecker returns the audit database for health checks, or nil when audit
// and provenance are only logged.
func (a *app) dbChecker() db.Checker {
	if a.auditDB == nil {
		return nil
	}
	return a.auditDB
}

func (a *app) handler() *api.Handler {
	return api.NewHandler(api.Deps{
		Data:       a.data,
		Cache:      a.cache,
		Converter:  a.converter,
		Audit:      a.audit,
		Provenance: a.provenance,
		NewClient:  a.newClient,
		Logger:     a.logger,
	})
}

// close releases everything newApp acquired, draining the audit queue first.
func (a *app) close(ctx context.Context) {
	if a.data != nil {
		a.data.Dispose()
	}
	if a.audit != nil {
		if err := a.audit.Close(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("audit drain incomplete")
		}
	}
	if a.provenance != nil {
		if err := a.provenance.Close(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("provenance drain incomplete")
		}
	}
	if a.auditDB != nil {
		a.auditDB.Close()
	}
	if c, ok := a.store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close cache store")
		}
	}
}
