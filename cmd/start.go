package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/coinpulse/alertfeed/alert"
	"github.com/coinpulse/alertfeed/config"
	"github.com/coinpulse/alertfeed/market"
	"github.com/coinpulse/alertfeed/market/exchange"
	"github.com/coinpulse/alertfeed/push"
	v1 "github.com/coinpulse/alertfeed/router/v1"
	"github.com/coinpulse/alertfeed/token"
)

const shutdownGrace = 5 * time.Second

func getStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start [config-file]",
		Args:  cobra.MaximumNArgs(1),
		Short: "Start the alertfeed server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := getLogger(cmd)
			if err != nil {
				return err
			}

			configPath := ""
			if len(args) == 1 {
				configPath = args[0]
			}
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			// listen for and trap any OS signal to gracefully shutdown and exit
			trapSignal(cancel, logger)

			db, err := sqlx.Connect("postgres", cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer db.Close()

			hub := push.NewHub(logger)
			manager := market.NewManager(logger, hub)

			registry, err := exchange.NewDefaultRegistry(ctx, logger, manager.OnCandle, cfg.ExchangeEndpoints)
			if err != nil {
				return err
			}
			manager.BindRegistry(registry)
			resolver := market.NewResolver(logger, registry)

			store := alert.NewPostgresStore(db, cfg.Database.GetQueryTimeout())
			engine := alert.NewEngine(logger, store, resolver, hub, cfg.Alerts.GetSweepInterval())

			var tokens token.Store
			if cfg.Redis.Addr != "" {
				rdb := redis.NewClient(&redis.Options{
					Addr:     cfg.Redis.Addr,
					Password: cfg.Redis.Password,
					DB:       cfg.Redis.DB,
				})
				if err := rdb.Ping(ctx).Err(); err != nil {
					return err
				}
				defer rdb.Close()
				tokens = token.NewRedisStore(rdb)
			} else {
				logger.Warn().Msg("redis not configured; connect tokens are process-local")
				tokens = token.NewMemoryStore()
			}

			auth := push.NewAuthenticator(cfg.Auth.JWTSecret)
			pushHandler := push.Handler(logger, hub, manager, auth, func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || v1.OriginAllowed(cfg.Server, origin)
			})

			rtr := mux.NewRouter()
			v1.New(logger, cfg, registry, resolver, hub, pushHandler, auth, tokens).
				RegisterRoutes(rtr, v1.APIPathPrefix)

			srv := &http.Server{
				Addr:         cfg.Server.GetListenAddr(),
				Handler:      rtr,
				WriteTimeout: cfg.Server.GetWriteTimeout(),
				ReadTimeout:  cfg.Server.GetReadTimeout(),
			}

			registry.StartConnections()

			g, gCtx := errgroup.WithContext(ctx)
			g.Go(func() error {
				engine.Run(gCtx)
				return nil
			})
			g.Go(func() error {
				logger.Info().Str("listen_addr", srv.Addr).Msg("starting alertfeed server...")
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gCtx.Done()
				// shutdown order: stop accepting connections, then the sweep
				// loop (via ctx), then upstream websockets; drain briefly.
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
				defer shutdownCancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Warn().Err(err).Msg("server shutdown incomplete")
				}
				return nil
			})

			err = g.Wait()
			registry.Close()
			if err != nil {
				return err
			}
			logger.Info().Msg("alertfeed server stopped")
			return nil
		},
	}
}
