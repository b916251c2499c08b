package config

import (
	"fmt"

	"github.com/mikeyg42/fieldcall/internal/notification"
)

// CreateWebhookConfig maps the notify section onto the webhook notifier's
// config. ok is false when no webhook URL is configured.
func CreateWebhookConfig(cfg *Config) (whCfg notification.WebhookConfig, ok bool, err error) {
	n := cfg.Notify
	if n.WebhookURL == "" {
		return notification.WebhookConfig{}, false, nil
	}

	level := notification.LevelWarning
	if n.WebhookMinLevel != "" {
		if err := level.UnmarshalText([]byte(n.WebhookMinLevel)); err != nil {
			return notification.WebhookConfig{}, false, fmt.Errorf("notify.webhook_min_level: %w", err)
		}
	}

	return notification.WebhookConfig{
		URL:         n.WebhookURL,
		Token:       n.WebhookToken,
		MinLevel:    level,
		Timeout:     n.WebhookTimeout,
		MaxAttempts: n.WebhookMaxAttempts,
	}, true, nil
}
