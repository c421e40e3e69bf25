// Command moderator screens mirrored chat messages and publishes verdicts
// for blocked content.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/config"
	"github.com/whisper/relay/internal/logging"
	"github.com/whisper/relay/internal/messaging"
	"github.com/whisper/relay/internal/moderation"
)

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:           "moderator",
		Short:         "Screen relayed chat messages",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()

			cfg, err := config.LoadWorker(configPath)
			if err != nil {
				return err
			}
			log, err := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, log)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	if err := cmd.Execute(); err != nil {
		os.Stderr.WriteString("moderator: " + err.Error() + "\n")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	log = log.With().Str("component", "moderator").Logger()

	var strikes *moderation.StrikeStore
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return errors.Wrapf(err, "connect redis %s", cfg.RedisAddr)
		}
		strikes = moderation.NewStrikeStore(rdb)
	}

	natsCfg := messaging.DefaultNATSConfig()
	if cfg.NATSURL != "" {
		natsCfg.URL = cfg.NATSURL
	}
	natsCfg.Name = "relay-moderator"
	nc, err := messaging.NewNATSClient(natsCfg, log)
	if err != nil {
		return errors.Wrap(err, "connect nats")
	}
	defer nc.Close()

	filter := moderation.NewFilter()

	err = nc.SubscribeChatEvents(func(chatID string, data []byte) {
		var ev chat.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Error().Err(err).Str("chat_id", chatID).Msg("failed to decode chat event")
			return
		}
		if ev.ChatID == "" {
			ev.ChatID = chatID
		}

		result, ok := filter.Review(ev, time.Now())
		if !ok {
			return
		}
		if !result.Blocked {
			log.Debug().Str("chat_id", chatID).Int64("seq", result.Seq).Msg("clean")
			return
		}

		if strikes != nil {
			n, escalated, err := strikes.Record(ctx, chatID, result.Sender)
			if err != nil {
				log.Error().Err(err).Str("chat_id", chatID).Msg("failed to record strike")
			} else {
				result.Strikes, result.Escalated = n, escalated
			}
		}

		log.Info().
			Str("chat_id", chatID).
			Int64("seq", result.Seq).
			Str("sender", string(result.Sender)).
			Str("reason", result.Reason).
			Str("term", result.Term).
			Int("strikes", result.Strikes).
			Msg("flagged")

		out, err := json.Marshal(result)
		if err != nil {
			log.Error().Err(err).Msg("failed to marshal verdict")
			return
		}
		if err := nc.PublishModerationResult(chatID, out); err != nil {
			log.Error().Err(err).Str("chat_id", chatID).Msg("failed to publish verdict")
		}
	})
	if err != nil {
		return errors.Wrap(err, "subscribe chat events")
	}

	log.Info().Str("nats_url", natsCfg.URL).Bool("strikes", strikes != nil).Msg("moderator running")
	<-ctx.Done()
	log.Info().Msg("moderator stopped")
	return nil
}
