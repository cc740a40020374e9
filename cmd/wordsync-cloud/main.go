package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/wordsync/internal/auth"
	"github.com/MarcoPoloResearchLab/wordsync/internal/cloud"
	"github.com/MarcoPoloResearchLab/wordsync/internal/config"
	"github.com/MarcoPoloResearchLab/wordsync/internal/database"
	"github.com/MarcoPoloResearchLab/wordsync/internal/logging"
	"github.com/MarcoPoloResearchLab/wordsync/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "wordsync-cloud",
		Short:        "Cloud record service for wordsync devices",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newServeCommand(),
		newIssueTokenCommand(),
		newAccountStatusCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("cloud.http_address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("cloud.database_path"), "SQLite database path")
	cmd.PersistentFlags().Duration("token-ttl", defaults.GetDuration("cloud.token_ttl"), "Device token lifetime")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Device token signing secret (overrides env)")

	bindFlag(cmd, "cloud.http_address", "http-address")
	bindFlag(cmd, "cloud.database_path", "database-path")
	bindFlag(cmd, "cloud.token_ttl", "token-ttl")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "cloud.signing_secret", "signing-secret")
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

// cloudRuntime owns the resources shared by every cloud command.
type cloudRuntime struct {
	config  config.CloudConfig
	logger  *zap.Logger
	db      *gorm.DB
	service *cloud.Service
	tokens  *auth.TokenIssuer
}

func openCloud() (*cloudRuntime, error) {
	cloudConfig, err := config.LoadCloud(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLoggerWithFile(cloudConfig.Log.Level, logging.FileConfig{
		Path:       cloudConfig.Log.File,
		MaxSizeMB:  cloudConfig.Log.MaxSizeMB,
		MaxBackups: cloudConfig.Log.MaxBackups,
	})
	if err != nil {
		return nil, err
	}

	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(cloudConfig.SigningSecret),
		Issuer:        cloudConfig.TokenIssuer,
		Audience:      cloudConfig.TokenAudience,
		TokenTTL:      cloudConfig.TokenTTL,
	})
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	db, err := database.OpenSQLite(cloudConfig.DatabasePath, cloud.Schema(), logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	service, err := cloud.NewService(cloud.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: cloud.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		closeDatabase(db, logger)
		_ = logger.Sync()
		return nil, err
	}

	return &cloudRuntime{
		config:  cloudConfig,
		logger:  logger,
		db:      db,
		service: service,
		tokens:  tokens,
	}, nil
}

func (r *cloudRuntime) Close() {
	closeDatabase(r.db, r.logger)
	_ = r.logger.Sync()
}

func closeDatabase(db *gorm.DB, logger *zap.Logger) {
	sqlDB, err := db.DB()
	if err == nil {
		err = sqlDB.Close()
	}
	if err != nil {
		logger.Warn("failed to close database", zap.Error(err))
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the record API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	runtime, err := openCloud()
	if err != nil {
		return err
	}
	defer runtime.Close()
	logger := runtime.logger

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	cloudMetrics, err := metrics.NewCloudCollectors(registry)
	if err != nil {
		return err
	}

	handler, err := cloud.NewHTTPHandler(cloud.Dependencies{
		Service:        runtime.service,
		Tokens:         runtime.tokens,
		Metrics:        cloudMetrics,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              runtime.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", runtime.config.HTTPAddress))
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

func newIssueTokenCommand() *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Issue a device token for an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := cloud.NewAccountID(account)
			if err != nil {
				return err
			}
			runtime, err := openCloud()
			if err != nil {
				return err
			}
			defer runtime.Close()

			if _, err := runtime.service.Account(cmd.Context(), accountID); err != nil {
				return err
			}
			token, expiresIn, err := runtime.tokens.IssueDeviceToken(accountID.String())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n# expires in %s\n", token, time.Duration(expiresIn)*time.Second)
			return err
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "Account identifier")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func newAccountStatusCommand() *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:       "account-status <available|restricted>",
		Short:     "Enable or restrict syncing for an account",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(cloud.AccountAvailable), string(cloud.AccountRestricted)},
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := cloud.NewAccountID(account)
			if err != nil {
				return err
			}
			runtime, err := openCloud()
			if err != nil {
				return err
			}
			defer runtime.Close()

			if err := runtime.service.SetAccountStatus(cmd.Context(), accountID, cloud.AccountStatus(args[0])); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "account %s is %s\n", accountID, args[0])
			return err
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "Account identifier")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}
