// Command relayd runs the two-party chat relay.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/whisper/relay/internal/api"
	"github.com/whisper/relay/internal/config"
	"github.com/whisper/relay/internal/logging"
	"github.com/whisper/relay/internal/messaging"
	"github.com/whisper/relay/internal/moderation"
	"github.com/whisper/relay/internal/ratelimit"
	"github.com/whisper/relay/internal/relay"
	"github.com/whisper/relay/internal/ws"
)

const shutdownTimeout = 15 * time.Second

func main() {
	root := &cobra.Command{
		Use:           "relayd",
		Short:         "Two-party live chat relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand())

	if err := root.Execute(); err != nil {
		os.Stderr.WriteString("relayd: " + err.Error() + "\n")
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP, SSE and WebSocket endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			// A missing .env is normal outside development.
			_ = godotenv.Load()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log, err := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	var (
		opts    []relay.Option
		limiter *ratelimit.Limiter
	)

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		limiter = ratelimit.NewLimiter(rdb, log)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := limiter.Ping(pingCtx); err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable, rate limits fail open")
		}
		cancel()
		opts = append(opts, relay.WithLimiter(limiter))
	}

	if cfg.NATSURL != "" {
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		natsCfg.Name = "relayd"
		nc, err := messaging.NewNATSClient(natsCfg, log)
		if err != nil {
			return errors.Wrap(err, "connect nats")
		}
		defer nc.Close()
		opts = append(opts, relay.WithMirror(nc))

		err = nc.SubscribeModerationResults(func(chatID string, data []byte) {
			log.Warn().Str("chat_id", chatID).RawJSON("verdict", data).Msg("message flagged by moderator")
		})
		if err != nil {
			return errors.Wrap(err, "subscribe moderation results")
		}
	}

	if cfg.InlineModeration {
		opts = append(opts, relay.WithScreener(moderation.NewFilter()))
	}

	svc, err := relay.NewService(cfg.Relay(), log, opts...)
	if err != nil {
		return err
	}
	defer svc.Close()

	wsCfg := ws.DefaultServerConfig()
	wsCfg.MaxConnections = cfg.MaxConnections
	sockets := ws.NewServer(wsCfg, svc, log)
	sockets.Start()

	var connLimiter api.ConnLimiter
	if limiter != nil {
		connLimiter = limiter
	}
	handler := api.NewHandler(svc, sockets, connLimiter, log)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Router(cfg.AllowedOrigins),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		// Event streams stay open indefinitely.
		WriteTimeout: 0,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info().Str("addr", cfg.ListenAddr).Msg("relay listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Close subscriptions first so event streams return promptly; streams
		// opened after this point start closed.
		svc.Close()
		if err := sockets.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("websocket shutdown")
		}
		return errors.Wrap(srv.Shutdown(shutdownCtx), "http shutdown")
	})

	if err := eg.Wait(); err != nil {
		return err
	}
	log.Info().Msg("relay stopped")
	return nil
}
