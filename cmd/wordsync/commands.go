package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/wordsync/internal/entities"
	"github.com/MarcoPoloResearchLab/wordsync/internal/server"
	"github.com/MarcoPoloResearchLab/wordsync/internal/syncengine"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func newSyncCommand() *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Upload local changes, download remote changes and report the run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parsedScope, err := entities.ParseScope(scope)
			if err != nil {
				return err
			}
			client, err := openClient(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			report, runErr := client.engine.RunSync(cmd.Context(), parsedScope)
			if report.Operation.ID == "" {
				return runErr
			}
			if err := writeJSON(cmd.OutOrStdout(), map[string]any{
				"operationId": report.Operation.ID,
				"status":      report.Operation.Status,
				"uploaded":    report.Upload.SucceededIDs,
				"deleted":     report.Upload.DeletedIDs,
				"failed":      len(report.Upload.FailedIDs),
				"applied":     report.Download.Applied,
				"conflicts":   len(report.Download.Conflicted),
			}); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&scope, "scope", string(entities.ScopeFull), "Sync scope (full, folders, favorites, settings)")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending changes, conflicts and the last sync time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			status, err := client.engine.Status(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), status)
		},
	}
}

func newConflictsCommand() *cobra.Command {
	var includeResolved bool
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List sync conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			conflicts, err := client.engine.ListConflicts(cmd.Context(), !includeResolved)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), conflicts)
		},
	}
	cmd.Flags().BoolVar(&includeResolved, "all", false, "Include resolved conflicts")
	return cmd
}

func newResolveCommand() *cobra.Command {
	var use string
	cmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Resolve a conflict with useLocal, useRemote or merge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolution, err := syncengine.ParseResolution(use)
			if err != nil {
				return err
			}
			client, err := openClient(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			if _, err := client.engine.ResolveConflict(cmd.Context(), args[0], resolution); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "conflict %s resolved with %s\n", args[0], resolution)
			return err
		},
	}
	cmd.Flags().StringVar(&use, "use", "", "Resolution (useLocal, useRemote, merge)")
	_ = cmd.MarkFlagRequired("use")
	return cmd
}

func newAutoSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "autosync <on|off>",
		Short:     "Enable or disable automatic sync",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var enabled bool
			switch args[0] {
			case "on":
				enabled = true
			case "off":
				enabled = false
			default:
				return fmt.Errorf("expected on or off, got %q", args[0])
			}
			client, err := openClient(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			stored, err := client.engine.SetAutoSync(cmd.Context(), enabled)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "auto sync enabled: %t\n", stored)
			return err
		},
	}
}

func newPruneCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete resolved conflicts and finished operations past retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			conflicts, operations, err := prune(cmd.Context(), client)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "pruned %d conflicts and %d operations\n", conflicts, operations)
			return err
		},
	}
}

func prune(ctx context.Context, client *clientRuntime) (int64, int64, error) {
	conflicts, err := client.engine.PruneResolvedConflicts(ctx)
	if err != nil {
		return 0, 0, err
	}
	operations, err := client.engine.PruneOperations(ctx, client.config.OperationRetention)
	if err != nil {
		return conflicts, 0, err
	}
	return conflicts, operations, nil
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the local sync API and run automatic sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	defaults := viper.GetViper()
	cmd.Flags().String("http-address", defaults.GetString("http.address"), "Local API listen address")
	cmd.Flags().Duration("auto-interval", defaults.GetDuration("sync.auto_interval"), "Interval between automatic sync runs")
	if err := viper.BindPFlag("http.address", cmd.Flags().Lookup("http-address")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag("sync.auto_interval", cmd.Flags().Lookup("auto-interval")); err != nil {
		panic(err)
	}
	return cmd
}

func runServe(ctx context.Context) error {
	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := openClient(signalCtx)
	if err != nil {
		return err
	}
	defer client.Close()
	logger := client.logger

	if conflicts, operations, err := prune(signalCtx, client); err != nil {
		logger.Warn("startup pruning failed", zap.Error(err))
	} else {
		logger.Info("startup pruning finished", zap.Int64("conflicts", conflicts), zap.Int64("operations", operations))
	}

	var metricsHandler http.Handler
	if client.config.MetricsEnabled {
		metricsHandler = promhttp.HandlerFor(client.registry, promhttp.HandlerOpts{})
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Engine:         client.engine,
		MetricsHandler: metricsHandler,
		AllowedOrigins: client.config.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	autoSyncer, err := syncengine.NewAutoSyncer(client.engine, client.config.AutoSyncInterval, logger)
	if err != nil {
		return err
	}
	stopAutoSync := autoSyncer.Start(signalCtx)
	defer stopAutoSync()

	httpServer := &http.Server{
		Addr:              client.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("local api starting", zap.String("address", client.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
