// Package notify delivers incident events to external consumers.
//
// Each notifier implements dispatch.Notifier. Notifiers do not retry; the
// dispatcher owns retries and backoff.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pilot-net/topomon/pkg/types"
)

// DefaultChannel is the Redis pub/sub channel incident events are published on.
const DefaultChannel = "topomon:incidents"

// =============================================================================
// WEBHOOK
// =============================================================================

// WebhookConfig configures generic webhook notifications.
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method"` // Default: POST
	Headers map[string]string `yaml:"headers"`

	// BearerToken, when set, is sent as an Authorization header.
	BearerToken string `yaml:"bearer_token"`

	// MinSeverity filters out less severe events ("" sends everything).
	MinSeverity types.Severity `yaml:"min_severity"`

	Timeout time.Duration `yaml:"timeout"`
}

// Webhook POSTs incident events as JSON.
type Webhook struct {
	cfg    WebhookConfig
	client *http.Client
}

// NewWebhook creates a webhook notifier.
func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Webhook{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Name implements dispatch.Notifier.
func (w *Webhook) Name() string { return "webhook" }

// Notify sends one event. Any non-2xx response is an error.
func (w *Webhook) Notify(ctx context.Context, event types.IncidentEvent) error {
	if w.cfg.MinSeverity != "" && event.Severity.Level() < w.cfg.MinSeverity.Level() {
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, w.cfg.Method, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Topomon-Event", string(event.Type))
	req.Header.Set("X-Topomon-Delivery", fmt.Sprintf("%s:%d", event.IncidentID, event.Revision))
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}
	if w.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.BearerToken)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(msg))
	}
	return nil
}

// =============================================================================
// REDIS PUB/SUB
// =============================================================================

// Publisher is the subset of the Redis client used for pub/sub.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisPublisher publishes incident events on a Redis channel.
type RedisPublisher struct {
	client  Publisher
	channel string
}

// NewRedisPublisher creates a Redis notifier. An empty channel uses DefaultChannel.
func NewRedisPublisher(client Publisher, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

// Name implements dispatch.Notifier.
func (r *RedisPublisher) Name() string { return "redis" }

// Notify publishes the JSON-encoded event.
func (r *RedisPublisher) Notify(ctx context.Context, event types.IncidentEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", r.channel, err)
	}
	return nil
}

// =============================================================================
// LOG
// =============================================================================

// Log writes incident events to the structured log (useful for debugging).
type Log struct {
	logger *slog.Logger
}

// NewLog creates a log notifier.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger.With("component", "incident_log")}
}

// Name implements dispatch.Notifier.
func (l *Log) Name() string { return "log" }

// Notify logs the event. Critical events are logged at warn level.
func (l *Log) Notify(ctx context.Context, event types.IncidentEvent) error {
	level := slog.LevelInfo
	if event.Severity == types.SeverityCritical {
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, "incident event",
		"type", event.Type,
		"incident_id", event.IncidentID,
		"status", event.Status,
		"severity", event.Severity,
		"title", event.Incident.Title,
		"revision", event.Revision,
		"timeline_length", event.TimelineLength,
	)
	return nil
}
