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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/quorumsec/audita/internal/audit"
	"github.com/quorumsec/audita/internal/catalog"
	"github.com/quorumsec/audita/internal/engine"
	"github.com/quorumsec/audita/internal/httpapi"
	"github.com/quorumsec/audita/internal/observability"
	"github.com/quorumsec/audita/internal/payment"
	"github.com/quorumsec/audita/internal/purchase"
	"github.com/quorumsec/audita/internal/relay"
	"github.com/quorumsec/audita/internal/store/gormstore"
	"github.com/quorumsec/audita/pkg/ledger"
)

const (
	flagDatabaseURL       = "database-url"
	flagListenAddr        = "listen-addr"
	flagEngineURL         = "engine-url"
	flagSigningKey        = "jwt-signing-key"
	flagSignupGrant       = "signup-grant"
	flagWatchdogSeconds   = "watchdog-seconds"
	flagAllowedOrigins    = "allowed-origins"
	flagCurrency          = "currency"
	flagRazorpayKeyID     = "razorpay-key-id"
	flagRazorpayKeySecret = "razorpay-key-secret"
	flagPayPalClientID    = "paypal-client-id"
	flagPayPalSecret      = "paypal-client-secret"

	defaultDatabaseURL     = "sqlite:///tmp/audita.db"
	defaultListenAddr      = ":8080"
	defaultEngineURL       = "http://localhost:9090"
	defaultSignupGrant     = 50
	defaultWatchdogSeconds = 300
	defaultCurrency        = "USD"
)

type runtimeConfig struct {
	DatabaseURL       string
	ListenAddr        string
	EngineURL         string
	SigningKey        string
	SignupGrant       int64
	WatchdogSeconds   int64
	AllowedOrigins    []string
	Currency          string
	RazorpayKeyID     string
	RazorpayKeySecret string
	PayPalClientID    string
	PayPalSecret      string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "auditad: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "auditad",
		Short:         "Credit ledger and audit session daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "sqlite path or postgres connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagEngineURL, defaultEngineURL, "analysis engine base URL")
	cmd.Flags().String(flagSigningKey, "", "HS256 signing key for bearer tokens")
	cmd.Flags().Int64(flagSignupGrant, defaultSignupGrant, "credits granted on first authentication")
	cmd.Flags().Int64(flagWatchdogSeconds, defaultWatchdogSeconds, "seconds of engine silence before a session is refunded")
	cmd.Flags().StringSlice(flagAllowedOrigins, nil, "CORS allowed origins")
	cmd.Flags().String(flagCurrency, defaultCurrency, "checkout currency")
	cmd.Flags().String(flagRazorpayKeyID, "", "Razorpay key id")
	cmd.Flags().String(flagRazorpayKeySecret, "", "Razorpay key secret")
	cmd.Flags().String(flagPayPalClientID, "", "PayPal client id")
	cmd.Flags().String(flagPayPalSecret, "", "PayPal client secret")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, flagName := range []string{
		flagDatabaseURL, flagListenAddr, flagEngineURL, flagSigningKey,
		flagSignupGrant, flagWatchdogSeconds, flagAllowedOrigins, flagCurrency,
		flagRazorpayKeyID, flagRazorpayKeySecret, flagPayPalClientID, flagPayPalSecret,
	} {
		configKey := strings.ReplaceAll(flagName, "-", "_")
		if err := viper.BindEnv(configKey, strings.ToUpper(configKey)); err != nil {
			return err
		}
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString("database_url")
	cfg.ListenAddr = viper.GetString("listen_addr")
	cfg.EngineURL = viper.GetString("engine_url")
	cfg.SigningKey = viper.GetString("jwt_signing_key")
	cfg.SignupGrant = viper.GetInt64("signup_grant")
	cfg.WatchdogSeconds = viper.GetInt64("watchdog_seconds")
	cfg.AllowedOrigins = viper.GetStringSlice("allowed_origins")
	cfg.Currency = viper.GetString("currency")
	cfg.RazorpayKeyID = viper.GetString("razorpay_key_id")
	cfg.RazorpayKeySecret = viper.GetString("razorpay_key_secret")
	cfg.PayPalClientID = viper.GetString("paypal_client_id")
	cfg.PayPalSecret = viper.GetString("paypal_client_secret")

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.SigningKey == "" {
		return fmt.Errorf("jwt signing key is required")
	}
	if cfg.SignupGrant < 0 {
		return fmt.Errorf("signup grant must not be negative")
	}
	if cfg.WatchdogSeconds <= 0 {
		return fmt.Errorf("watchdog seconds must be positive")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	streams := relay.New()
	metrics := observability.NewMetrics(registry, streams.ActiveStreams)

	clock := func() int64 { return time.Now().UTC().Unix() }
	credits, err := ledger.NewService(gormstore.New(gormDB), clock,
		ledger.WithSignupGrant(ledger.CreditAmount(cfg.SignupGrant)),
		ledger.WithOperationLogger(observability.NewOperationLogger(logger, metrics)))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	packages := catalog.Default()

	providers, err := buildProviders(cfg)
	if err != nil {
		return err
	}
	purchases, err := purchase.New(purchase.Config{
		Store:     gormstore.NewPurchaseStore(gormDB),
		Credits:   credits,
		Packages:  packages,
		Providers: providers,
		Currency:  cfg.Currency,
		Logger:    logger,
		Now:       clock,
	})
	if err != nil {
		return fmt.Errorf("purchase orchestrator init: %w", err)
	}

	engineClient, err := engine.NewHTTPClient(engine.HTTPClientConfig{
		BaseURL: cfg.EngineURL,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("engine client init: %w", err)
	}
	audits, err := audit.New(audit.Config{
		Store:    gormstore.NewAuditStore(gormDB),
		Credits:  credits,
		Engine:   engineClient,
		Relay:    streams,
		Watchdog: time.Duration(cfg.WatchdogSeconds) * time.Second,
		Logger:   logger,
		Observer: metrics,
		Now:      clock,
	})
	if err != nil {
		return fmt.Errorf("audit manager init: %w", err)
	}

	recovered, err := audits.RecoverPending(ctx)
	if err != nil {
		return fmt.Errorf("recover pending sessions: %w", err)
	}
	if recovered > 0 {
		logger.Warn("refunded sessions interrupted by previous shutdown", zap.Int("count", recovered))
	}

	server, err := httpapi.NewServer(httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		SigningKey:     []byte(cfg.SigningKey),
		Credits:        credits,
		Packages:       packages,
		Purchases:      purchases,
		Audits:         audits,
		Streams:        streams,
		Metrics:        metrics,
		Gatherer:       registry,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}

	err = server.Run(ctx)
	audits.Wait()
	return err
}

func buildProviders(cfg *runtimeConfig) (*payment.Registry, error) {
	var providers []payment.Provider
	if cfg.RazorpayKeyID != "" {
		razorpay, err := payment.NewRazorpay(payment.RazorpayConfig{
			KeyID:     cfg.RazorpayKeyID,
			KeySecret: cfg.RazorpayKeySecret,
		})
		if err != nil {
			return nil, fmt.Errorf("razorpay init: %w", err)
		}
		providers = append(providers, razorpay)
	}
	if cfg.PayPalClientID != "" {
		paypal, err := payment.NewPayPal(payment.PayPalConfig{
			ClientID:     cfg.PayPalClientID,
			ClientSecret: cfg.PayPalSecret,
		})
		if err != nil {
			return nil, fmt.Errorf("paypal init: %w", err)
		}
		providers = append(providers, paypal)
	}
	return payment.NewRegistry(providers...), nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	if driver == "sqlite" {
		if err := gormstore.LimitToSingleConnection(db); err != nil {
			return nil, nil, "", err
		}
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
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "audita.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
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

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := gormstore.Migrate(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
