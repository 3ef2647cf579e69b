package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xendit/xendit-go/v6"

	"github.com/farellandr/spoticket-gate/internal/gateway"
	"github.com/farellandr/spoticket-gate/internal/notify"
)

func InitXenditClient(config *XenditConfig) (*xendit.APIClient, error) {
	if config.SecretKey == "" {
		return nil, fmt.Errorf("xendit secret key is empty")
	}
	client := xendit.NewClient(config.SecretKey)
	if config.BaseURL != "" {
		if err := gateway.XenditBaseURL(client, config.BaseURL); err != nil {
			return nil, err
		}
	}

	return client, nil
}

func InitRedis(cfg *Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// InitGateway picks the refund gateway named by GatewayProvider.
func InitGateway(cfg *Config, logger *slog.Logger) (gateway.Gateway, error) {
	switch cfg.GatewayProvider {
	case "xendit":
		client, err := InitXenditClient(&cfg.Xendit)
		if err != nil {
			return nil, err
		}
		return gateway.NewXendit(client), nil
	default:
		callback := cfg.Sandbox.CallbackURL
		if callback == "" {
			callback = "http://localhost:" + cfg.Port + "/v1/webhooks/refunds"
		}
		return gateway.NewSandbox(gateway.SandboxConfig{
			CallbackURL: callback,
			Secret:      cfg.WebhookSecret,
			Delay:       cfg.Sandbox.Delay,
		}, logger), nil
	}
}

// InitNotifier publishes through PubNub when keys are configured and logs
// otherwise. The result never blocks or fails its caller.
func InitNotifier(cfg *Config, logger *slog.Logger) *notify.Async {
	var sender notify.Sender = notify.NewLog(logger)
	if cfg.PubNub.PublishKey != "" && cfg.PubNub.SubscribeKey != "" {
		sender = notify.NewPubNub(notify.PubNubConfig{
			PublishKey:   cfg.PubNub.PublishKey,
			SubscribeKey: cfg.PubNub.SubscribeKey,
			UserID:       cfg.PubNub.UserID,
		})
	}
	return notify.NewAsync(notify.NewTemplated(sender), logger)
}

func InitLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
