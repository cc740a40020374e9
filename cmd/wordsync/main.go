package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"

	"github.com/MarcoPoloResearchLab/wordsync/internal/config"
	"github.com/MarcoPoloResearchLab/wordsync/internal/database"
	"github.com/MarcoPoloResearchLab/wordsync/internal/logging"
	"github.com/MarcoPoloResearchLab/wordsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/wordsync/internal/remote"
	"github.com/MarcoPoloResearchLab/wordsync/internal/store"
	"github.com/MarcoPoloResearchLab/wordsync/internal/syncengine"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "wordsync",
		Short:         "Local-first sync client for dictionary folders, favorites and settings",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newSyncCommand(),
		newStatusCommand(),
		newConflictsCommand(),
		newResolveCommand(),
		newAutoSyncCommand(),
		newPruneCommand(),
		newServeCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("remote-url", defaults.GetString("remote.url"), "Cloud record service base URL")
	cmd.PersistentFlags().String("remote-token", "", "Device token for the cloud record service (overrides env)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", defaults.GetString("log.file"), "Optional rotating log file")

	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "remote.url", "remote-url")
	bindFlag(cmd, "remote.token", "remote-token")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
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

// clientRuntime owns every resource one command invocation opens.
type clientRuntime struct {
	config   config.ClientConfig
	logger   *zap.Logger
	store    *store.Store
	engine   *syncengine.Engine
	registry *prometheus.Registry
}

func openClient(ctx context.Context) (*clientRuntime, error) {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLoggerWithFile(clientConfig.Log.Level, logging.FileConfig{
		Path:       clientConfig.Log.File,
		MaxSizeMB:  clientConfig.Log.MaxSizeMB,
		MaxBackups: clientConfig.Log.MaxBackups,
	})
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(clientConfig.DatabasePath, store.Schema(), logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	entityStore, err := store.New(store.Config{Database: db, Logger: logger})
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	client := &clientRuntime{
		config:   clientConfig,
		logger:   logger,
		store:    entityStore,
		registry: prometheus.NewRegistry(),
	}

	remoteClient, err := remote.NewClient(remote.ClientConfig{
		BaseURL: clientConfig.RemoteURL,
		Token:   clientConfig.RemoteToken,
		Timeout: clientConfig.RemoteTimeout,
		Logger:  logger,
	})
	if err != nil {
		client.Close()
		return nil, err
	}

	var collectors *metrics.SyncCollectors
	if clientConfig.MetricsEnabled {
		collectors, err = metrics.NewSyncCollectors(client.registry)
		if err != nil {
			client.Close()
			return nil, err
		}
	}

	engine, err := syncengine.Open(ctx, syncengine.EngineConfig{
		Store:      entityStore,
		Remote:     remoteClient,
		IDProvider: syncengine.NewUUIDProvider(),
		Logger:     logger,
		Metrics:    collectors,
	})
	if err != nil {
		client.Close()
		return nil, err
	}
	client.engine = engine
	return client, nil
}

// Close waits for in-flight runs, then releases the database and flushes logs.
func (r *clientRuntime) Close() {
	if r.engine != nil {
		_ = r.engine.Close()
	}
	if err := r.store.Close(); err != nil {
		r.logger.Warn("failed to close database", zap.Error(err))
	}
	_ = r.logger.Sync()
}

func writeJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
