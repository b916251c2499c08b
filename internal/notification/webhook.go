package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// WebhookConfig holds configuration for posting notices to an HTTP endpoint
type WebhookConfig struct {
	URL         string
	Token       string
	MinLevel    Level
	Timeout     time.Duration
	MaxAttempts int
}

// WebhookNotifier posts notices at or above MinLevel as JSON. Delivery runs
// on a background queue; Close drains it.
type WebhookNotifier struct {
	config WebhookConfig
	client *resty.Client
	queue  chan Notice
	done   chan struct{}
	logger *zap.Logger
}

func NewWebhookNotifier(config WebhookConfig, logger *zap.Logger) (*WebhookNotifier, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if logger == nil {
		logger = zap.L()
	}

	client := resty.New().
		SetTimeout(config.Timeout).
		SetHeader("Content-Type", "application/json")
	if config.Token != "" {
		client.SetAuthToken(config.Token)
	}

	n := &WebhookNotifier{
		config: config,
		client: client,
		queue:  make(chan Notice, 64),
		done:   make(chan struct{}),
		logger: logger.Named("webhook-notifier"),
	}
	go n.run()
	return n, nil
}

func (n *WebhookNotifier) Notify(notice Notice) {
	if notice.Level < n.config.MinLevel {
		return
	}
	select {
	case n.queue <- notice:
	default:
		n.logger.Warn("Webhook queue full, dropping notice",
			zap.String("callId", notice.CallID),
			zap.String("message", notice.Message))
	}
}

func (n *WebhookNotifier) run() {
	defer close(n.done)
	for notice := range n.queue {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(n.config.MaxAttempts)*n.config.Timeout)
		if err := n.sendWithRetry(ctx, notice); err != nil {
			n.logger.Error("Failed to deliver notice", zap.Error(err), zap.String("callId", notice.CallID))
		}
		cancel()
	}
}

func (n *WebhookNotifier) sendWithRetry(ctx context.Context, notice Notice) error {
	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = 500 * time.Millisecond
	ebo.MaxInterval = 5 * time.Second
	ebo.Reset()

	b := backoff.WithContext(backoff.WithMaxRetries(ebo, uint64(n.config.MaxAttempts-1)), ctx)
	return backoff.Retry(func() error { return n.send(ctx, notice) }, b)
}

func (n *WebhookNotifier) send(ctx context.Context, notice Notice) error {
	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(notice).
		Post(n.config.URL)
	if err != nil {
		return fmt.Errorf("failed to post notice: %w", err)
	}
	if resp.IsError() {
		err := fmt.Errorf("webhook returned status %d: %s", resp.StatusCode(), resp.String())
		if resp.StatusCode() >= 400 && resp.StatusCode() < 500 {
			return backoff.Permanent(err)
		}
		return err
	}
	return nil
}

// Close stops accepting notices and waits for queued ones to be delivered.
func (n *WebhookNotifier) Close() error {
	close(n.queue)
	<-n.done
	return nil
}
