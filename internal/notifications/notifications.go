package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-policy/internal/config"
	"github.com/thatsimonsguy/hvac-policy/internal/datadog"
)

const (
	DefaultNtfyURL = "https://ntfy.sh"

	// repeated failure notifications for the same key are held back this long
	FailureWindow = time.Hour
)

type Priority int

const (
	PriorityLow     Priority = 2
	PriorityDefault Priority = 3
	PriorityHigh    Priority = 4
)

// Event is one notification. Failure events with the same Key are
// throttled; everything else is always sent.
type Event struct {
	Kind     string    `json:"kind"`
	Key      string    `json:"key,omitempty"`
	Title    string    `json:"title"`
	Message  string    `json:"message"`
	Priority Priority  `json:"priority"`
	Failure  bool      `json:"failure"`
	At       time.Time `json:"at"`
}

type Sink interface {
	Notify(ctx context.Context, e Event) error
}

// Ntfy posts events to an ntfy server.
type Ntfy struct {
	client *http.Client
	url    string
	topic  string
}

func NewNtfy(baseURL, topic string) *Ntfy {
	if baseURL == "" {
		baseURL = DefaultNtfyURL
	}
	return &Ntfy{
		client: &http.Client{Timeout: 10 * time.Second},
		url:    strings.TrimRight(baseURL, "/"),
		topic:  topic,
	}
}

func (n *Ntfy) Notify(ctx context.Context, e Event) error {
	payload := map[string]interface{}{
		"topic":    n.topic,
		"title":    e.Title,
		"message":  e.Message,
		"priority": int(e.Priority),
	}
	if e.Kind != "" {
		payload["tags"] = []string{e.Kind}
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy returned non-success status: %d", resp.StatusCode)
	}

	log.Debug().
		Str("title", e.Title).
		Int("status", resp.StatusCode).
		Msg("Notification sent successfully")
	return nil
}

// Publisher is satisfied by the MQTT client.
type Publisher interface {
	PublishEvent(v any) error
}

// MQTTSink forwards events to the events topic.
type MQTTSink struct {
	Publisher Publisher
}

func (s MQTTSink) Notify(_ context.Context, e Event) error {
	return s.Publisher.PublishEvent(e)
}

// Throttle allows one event per key per window.
type Throttle struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
	now    func() time.Time
}

func NewThrottle(window time.Duration, now func() time.Time) *Throttle {
	if now == nil {
		now = time.Now
	}
	return &Throttle{window: window, last: make(map[string]time.Time), now: now}
}

func (t *Throttle) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if last, ok := t.last[key]; ok && now.Sub(last) < t.window {
		return false
	}
	t.last[key] = now
	return true
}

// Dispatcher fans events out to every sink. Sink errors are logged and
// never returned to the caller.
type Dispatcher struct {
	sinks    []Sink
	throttle *Throttle
	now      func() time.Time
}

func NewDispatcher(throttle *Throttle, sinks ...Sink) *Dispatcher {
	return &Dispatcher{sinks: sinks, throttle: throttle, now: time.Now}
}

// FromConfig builds a dispatcher with ntfy when a topic is configured and
// the MQTT events sink when pub is non-nil.
func FromConfig(cfg config.NotificationsConfig, pub Publisher) *Dispatcher {
	var sinks []Sink
	if cfg.NtfyTopic != "" {
		sinks = append(sinks, NewNtfy(cfg.NtfyURL, cfg.NtfyTopic))
		log.Info().Str("topic", cfg.NtfyTopic).Msg("Ntfy notifications initialized")
	} else {
		log.Warn().Msg("Ntfy topic not configured - push notifications disabled")
	}
	if pub != nil {
		sinks = append(sinks, MQTTSink{Publisher: pub})
	}
	return NewDispatcher(NewThrottle(FailureWindow, nil), sinks...)
}

func (d *Dispatcher) Notify(ctx context.Context, e Event) {
	if d == nil {
		return
	}
	if e.Priority == 0 {
		e.Priority = PriorityDefault
	}
	if e.At.IsZero() {
		e.At = d.now()
	}
	if e.Failure && d.throttle != nil && !d.throttle.Allow(e.Kind+":"+e.Key) {
		datadog.Incr("notifications.throttled", "kind:"+e.Kind)
		log.Debug().Str("kind", e.Kind).Str("key", e.Key).Msg("Failure notification throttled")
		return
	}
	for _, s := range d.sinks {
		if err := s.Notify(ctx, e); err != nil {
			datadog.Incr("notifications.failed")
			log.Warn().Err(err).Str("title", e.Title).Msg("Failed to send notification")
		}
	}
}
