package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/acee-ventures/openpoi/internal/deposit"
	"github.com/acee-ventures/openpoi/internal/httpapi"
	"github.com/acee-ventures/openpoi/internal/identity"
	"github.com/acee-ventures/openpoi/internal/store/gormstore"
	"github.com/acee-ventures/openpoi/internal/store/pgstore"
	"github.com/acee-ventures/openpoi/pkg/credits"
	"github.com/acee-ventures/openpoi/pkg/gate"
	"github.com/acee-ventures/openpoi/pkg/pricing"
)

const (
	flagDatabaseURL     = "database-url"
	flagListenAddr      = "listen-addr"
	flagStoreDriver     = "store-driver"
	flagSigningKey      = "jwt-signing-key"
	flagIssuer          = "jwt-issuer"
	flagAllowedOrigins  = "allowed-origins"
	flagGoogleClientID  = "google-client-id"
	flagIndexerURL      = "deposit-indexer-url"
	flagDepositChains   = "deposit-chains"
	flagOpTimeout       = "op-timeout"
	flagMetrics         = "metrics"
	defaultDatabaseURL  = "sqlite:///tmp/payhub.db"
	defaultListenAddr   = ":8080"
	defaultStoreDriver  = "gorm"
	defaultIssuer       = "payhub"
	defaultOpTimeout    = 3 * time.Second
	storeDriverGorm     = "gorm"
	storeDriverPgx      = "pgx"
	databaseDriverPg    = "postgres"
	databaseDriverLite  = "sqlite"
	envDatabaseURL      = "DATABASE_URL"
	envListenAddr       = "LISTEN_ADDR"
	envStoreDriver      = "STORE_DRIVER"
	envSigningKey       = "JWT_SIGNING_KEY"
	envIssuer           = "JWT_ISSUER"
	envAllowedOrigins   = "ALLOWED_ORIGINS"
	envGoogleClientID   = "GOOGLE_CLIENT_ID"
	envIndexerURL       = "DEPOSIT_INDEXER_URL"
	envDepositChains    = "DEPOSIT_CHAINS"
	envOpTimeout        = "OP_TIMEOUT"
	envMetrics          = "METRICS_ENABLED"
	configPairSeparator = ","
)

type runtimeConfig struct {
	DatabaseURL    string
	ListenAddr     string
	StoreDriver    string
	SigningKey     string
	Issuer         string
	AllowedOrigins []string
	GoogleClientID string
	IndexerURL     string
	DepositChains  []string
	OpTimeout      time.Duration
	Metrics        bool
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "payhubd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "payhubd",
		Short:         "Credit accounting and billing HTTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "database connection string (postgres:// or sqlite path)")
	cmd.PersistentFlags().String(flagStoreDriver, defaultStoreDriver, "store implementation: gorm or pgx (pgx requires a postgres DSN)")
	cmd.PersistentFlags().Duration(flagOpTimeout, defaultOpTimeout, "per-operation persistence timeout")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagSigningKey, "", "HMAC key validating session tokens")
	cmd.Flags().String(flagIssuer, defaultIssuer, "expected session token issuer")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated CORS origins")
	cmd.Flags().String(flagGoogleClientID, "", "Google OAuth client id for identity binding")
	cmd.Flags().String(flagIndexerURL, "", "chain indexer base URL for deposit verification")
	cmd.Flags().String(flagDepositChains, "", "comma-separated accepted deposit chains")
	cmd.Flags().Bool(flagMetrics, true, "expose /metrics")

	cmd.AddCommand(newMigrateLegacyCommand(cfg))

	return cmd
}

// newMigrateLegacyCommand folds every remaining legacy balance into the
// spendable balance and exits. Run once during cutover.
func newMigrateLegacyCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:           "migrate-legacy",
		Short:         "Fold legacy balances into spendable credits",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			engine, _, cleanup, err := buildEngine(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			users, migrated, err := engine.MigrateLegacyCredits(cmd.Context())
			if err != nil {
				return err
			}
			logger.Info("legacy migration complete",
				zap.Int("users", users),
				zap.Int64("credits_migrated", migrated))
			return nil
		},
	}
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		flagDatabaseURL:    envDatabaseURL,
		flagListenAddr:     envListenAddr,
		flagStoreDriver:    envStoreDriver,
		flagSigningKey:     envSigningKey,
		flagIssuer:         envIssuer,
		flagAllowedOrigins: envAllowedOrigins,
		flagGoogleClientID: envGoogleClientID,
		flagIndexerURL:     envIndexerURL,
		flagDepositChains:  envDepositChains,
		flagOpTimeout:      envOpTimeout,
		flagMetrics:        envMetrics,
	}
	for flagName, envName := range bindings {
		if err := viper.BindEnv(flagName, envName); err != nil {
			return err
		}
		flag := cmd.Flags().Lookup(flagName)
		if flag == nil {
			flag = cmd.Root().PersistentFlags().Lookup(flagName)
		}
		if flag == nil {
			flag = cmd.Root().Flags().Lookup(flagName)
		}
		if flag != nil {
			if err := viper.BindPFlag(flagName, flag); err != nil {
				return err
			}
		}
	}

	cfg.DatabaseURL = viper.GetString(flagDatabaseURL)
	cfg.ListenAddr = viper.GetString(flagListenAddr)
	cfg.StoreDriver = strings.ToLower(viper.GetString(flagStoreDriver))
	cfg.SigningKey = viper.GetString(flagSigningKey)
	cfg.Issuer = viper.GetString(flagIssuer)
	cfg.AllowedOrigins = httpapi.ParseAllowedOrigins(viper.GetString(flagAllowedOrigins))
	cfg.GoogleClientID = viper.GetString(flagGoogleClientID)
	cfg.IndexerURL = viper.GetString(flagIndexerURL)
	cfg.DepositChains = splitList(viper.GetString(flagDepositChains))
	cfg.OpTimeout = viper.GetDuration(flagOpTimeout)
	cfg.Metrics = viper.GetBool(flagMetrics)

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = defaultStoreDriver
	}
	if cfg.StoreDriver != storeDriverGorm && cfg.StoreDriver != storeDriverPgx {
		return fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultOpTimeout
	}
	return nil
}

// backendStore is the full persistence surface the server wires.
type backendStore interface {
	credits.Store
	credits.DepositStore
	credits.AuditSink
	identity.Store
	pricing.OverrideSource
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	engine, store, cleanup, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	resolver := pricing.NewResolver(store, logger)
	gatekeeper, err := gate.NewGate(engine, resolver, logger)
	if err != nil {
		return err
	}
	registry := gate.NewRegistry(logger)

	var googleVerifier identity.GoogleVerifier
	if cfg.GoogleClientID != "" {
		googleVerifier, err = identity.NewIDTokenVerifier(cfg.GoogleClientID)
		if err != nil {
			return err
		}
	}
	identityService, err := identity.NewService(store, engine, googleVerifier, nil, logger)
	if err != nil {
		return err
	}

	var depositVerifier deposit.Verifier = disabledVerifier{}
	if cfg.IndexerURL != "" {
		depositVerifier, err = deposit.NewHTTPVerifier(cfg.IndexerURL, cfg.OpTimeout)
		if err != nil {
			return err
		}
	}
	depositOptions := []deposit.Option{deposit.WithVerifyTimeout(cfg.OpTimeout)}
	if len(cfg.DepositChains) > 0 {
		depositOptions = append(depositOptions, deposit.WithChains(cfg.DepositChains))
	}
	processor, err := deposit.NewProcessor(engine, store, depositVerifier, logger, depositOptions...)
	if err != nil {
		return err
	}

	server, err := httpapi.NewServer(httpapi.Config{
		ListenAddr:        cfg.ListenAddr,
		AllowedOrigins:    cfg.AllowedOrigins,
		SessionSigningKey: cfg.SigningKey,
		SessionIssuer:     cfg.Issuer,
		RequestTimeout:    cfg.OpTimeout,
		MetricsEnabled:    cfg.Metrics,
	}, logger, engine, gatekeeper, registry, resolver, processor, identityService)
	if err != nil {
		return err
	}

	return server.Run(ctx)
}

// buildEngine opens the database, prepares the schema and wires the credit
// engine over the configured store implementation.
func buildEngine(ctx context.Context, cfg *runtimeConfig, logger *zap.Logger) (*credits.Engine, backendStore, func(), error) {
	gormDB, closeGorm, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("database open: %w", err)
	}
	if err := gormstore.AutoMigrate(gormDB); err != nil {
		_ = closeGorm()
		return nil, nil, nil, fmt.Errorf("auto migrate: %w", err)
	}

	var store backendStore
	cleanup := func() { _ = closeGorm() }
	switch {
	case cfg.StoreDriver == storeDriverPgx && driver == databaseDriverPg:
		_ = closeGorm()
		pool, poolErr := pgxpool.New(ctx, cfg.DatabaseURL)
		if poolErr != nil {
			return nil, nil, nil, fmt.Errorf("pgx pool: %w", poolErr)
		}
		store = pgstore.New(pool)
		cleanup = pool.Close
	case cfg.StoreDriver == storeDriverPgx:
		_ = closeGorm()
		return nil, nil, nil, fmt.Errorf("store driver pgx requires a postgres database url")
	default:
		store = gormstore.New(gormDB)
	}

	clock := func() time.Time { return time.Now().UTC() }
	engine, err := credits.NewEngine(store, clock,
		credits.WithOperationTimeout(cfg.OpTimeout),
		credits.WithOperationLogger(credits.NewZapOperationLogger(logger)),
		credits.WithAuditSink(store),
	)
	if err != nil {
		cleanup()
		return nil, nil, nil, fmt.Errorf("credit engine init: %w", err)
	}
	return engine, store, cleanup, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	switch driver {
	case databaseDriverPg:
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case databaseDriverLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return databaseDriverPg, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = "payhub.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return databaseDriverLite, sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return databaseDriverLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, configPairSeparator)
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}

// disabledVerifier rejects every deposit when no indexer is configured.
type disabledVerifier struct{}

func (disabledVerifier) Verify(context.Context, string, string) (deposit.Verification, error) {
	return deposit.Verification{}, fmt.Errorf("deposit verification is not configured")
}
