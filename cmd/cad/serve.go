package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cadence/internal/app"
	"cadence/internal/db"
	"cadence/internal/engine"
	"cadence/internal/logging"
	"cadence/internal/migrate"
	"cadence/internal/refresher"
	"cadence/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noRefresh bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long: `Serves the REST API, rolls every horizon forward on the refresh schedule
and delivers events to the configured webhooks. CADENCE_JWT_SECRET signs
bearer tokens and must be set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := app.ResolveConfig(workspace)
			if err != nil {
				return err
			}
			logger, err := logging.Setup(os.Stderr, cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			secret := viper.GetString("jwt_secret")
			if secret == "" {
				return fmt.Errorf("CADENCE_JWT_SECRET is required for bearer auth")
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if _, err := migrate.MigrateContext(cmd.Context(), conn); err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			e.Logger = logger

			if !cmd.Flags().Changed("addr") && cfg.Server.Addr != "" {
				addr = cfg.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && cfg.Server.BasePath != "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:             e,
				BasePath:           basePath,
				Auth:               server.AuthConfig{JWTSecret: secret, Logger: logger},
				RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
				Logger:             logger,
			})
			if err != nil {
				return err
			}

			ref, err := newRefresher(e, cfg.Refresh.Schedule, noRefresh, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			var wg sync.WaitGroup
			if ref != nil {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := ref.Run(ctx); err != nil {
						logger.Error("refresher", "err", err)
					}
				}()
			}
			if len(cfg.Webhooks) > 0 {
				dispatcher := server.NewWebhookDispatcher(e.Repo, cfg.Webhooks, logger)
				wg.Add(1)
				go func() {
					defer wg.Done()
					dispatcher.Run(ctx)
				}()
			}

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving", "addr", addr, "base_path", basePath)
			fmt.Printf("Serving Cadence API on http://%s%s (OpenAPI at %s/openapi.json, docs at /docs)\n", addr, basePath, basePath)
			err = srv.ListenAndServe()
			stop()
			wg.Wait()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path (overrides server.base_path)")
	cmd.Flags().BoolVar(&noRefresh, "no-refresh", false, "do not run the horizon refresher")
	return cmd
}

// newRefresher returns nil when refreshing is switched off by flag or by an
// empty refresh.schedule.
func newRefresher(job refresher.Regenerator, spec string, disabled bool, logger *slog.Logger) (*refresher.Refresher, error) {
	if disabled || strings.TrimSpace(spec) == "" {
		return nil, nil
	}
	return refresher.New(job, spec, logger)
}
