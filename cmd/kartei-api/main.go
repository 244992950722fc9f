package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kartei-app/kartei/internal/auth"
	"github.com/kartei-app/kartei/internal/config"
	"github.com/kartei-app/kartei/internal/database"
	"github.com/kartei-app/kartei/internal/identity"
	"github.com/kartei-app/kartei/internal/importer"
	"github.com/kartei-app/kartei/internal/logging"
	"github.com/kartei-app/kartei/internal/review"
	"github.com/kartei-app/kartei/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kartei-api",
		Short: "Kartei spaced-repetition backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Backend token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")
	cmd.PersistentFlags().String("admin-username", defaults.GetString("admin.username"), "Bootstrap admin username")
	cmd.PersistentFlags().String("admin-password", "", "Bootstrap admin password (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "admin.username", "admin-username")
	bindFlag(cmd, "admin.password", "admin-password")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "kartei-auth",
		Audience:      "kartei-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	identityService, err := identity.NewService(identity.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: review.NewUUIDProvider(),
	})
	if err != nil {
		return err
	}

	if err := bootstrapAdmin(ctx, identityService, appConfig, logger); err != nil {
		return err
	}

	reviewService, err := review.NewService(review.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: review.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	deckImporter := importer.New(db, reviewService, logger)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:    tokenManager,
		IdentityService: identityService,
		ReviewService:   reviewService,
		Importer:        deckImporter,
		Dispatcher:      server.NewActivityDispatcher(),
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// bootstrapAdmin ensures the configured admin account exists. Skipped
// when no admin password is configured.
func bootstrapAdmin(ctx context.Context, identities *identity.Service, cfg config.AppConfig, logger *zap.Logger) error {
	if cfg.AdminPassword == "" {
		return nil
	}
	_, err := identities.Register(ctx, cfg.AdminUsername, cfg.AdminPassword, true)
	if errors.Is(err, identity.ErrUsernameTaken) {
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info("admin account created", zap.String("username", cfg.AdminUsername))
	return nil
}
