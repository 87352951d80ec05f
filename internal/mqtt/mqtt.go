package mqtt

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-policy/internal/config"
	"github.com/thatsimonsguy/hvac-policy/internal/datadog"
)

// readings older than this no longer count as current solar output
const solarStale = 15 * time.Minute

type powerMessage struct {
	Power *float64 `json:"power"`
	Value *float64 `json:"value"`
}

// Client listens for PV output and publishes policy events.
type Client struct {
	client paho.Client
	cfg    config.MQTTConfig
	now    func() time.Time

	mu      sync.RWMutex
	solarW  *float64
	solarAt time.Time
}

func New(cfg config.MQTTConfig) *Client {
	c := &Client{cfg: cfg, now: time.Now}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.Error().Err(err).Msg("MQTT connection lost")
	})

	c.client = paho.NewClient(opts)
	return c
}

func (c *Client) Connect() error {
	log.Info().Str("broker", c.cfg.Broker).Msg("Connecting to MQTT broker")
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return nil
}

func (c *Client) Disconnect() {
	c.client.Disconnect(250)
}

func (c *Client) onConnect(client paho.Client) {
	if c.cfg.PVTopic == "" {
		return
	}
	if token := client.Subscribe(c.cfg.PVTopic, 1, c.handlePV); token.Wait() && token.Error() != nil {
		log.Error().Err(token.Error()).Str("topic", c.cfg.PVTopic).Msg("Failed to subscribe to PV topic")
		return
	}
	log.Info().Str("topic", c.cfg.PVTopic).Msg("Subscribed to PV topic")
}

func (c *Client) handlePV(_ paho.Client, msg paho.Message) {
	watts, err := ParsePower(msg.Payload())
	if err != nil {
		log.Warn().Err(err).Str("topic", msg.Topic()).Msg("Ignoring unparseable PV reading")
		return
	}
	c.mu.Lock()
	c.solarW = &watts
	c.solarAt = c.now()
	c.mu.Unlock()

	datadog.Gauge("pv.output_w", watts)
	log.Debug().Float64("watts", watts).Msg("PV output updated")
}

// SolarOutput returns the latest PV output in watts, or nil when no
// recent reading exists.
func (c *Client) SolarOutput() *float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.solarW == nil || c.now().Sub(c.solarAt) > solarStale {
		return nil
	}
	w := *c.solarW
	return &w
}

// PublishEvent sends v as JSON to the events topic. It does not wait for
// delivery.
func (c *Client) PublishEvent(v any) error {
	if c.cfg.EventsTopic == "" {
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	c.client.Publish(c.cfg.EventsTopic, 1, false, payload)
	return nil
}

// ParsePower reads a watt value from a plain number or a JSON object with
// a power or value field.
func ParsePower(payload []byte) (float64, error) {
	text := strings.TrimSpace(string(payload))
	if json.Valid([]byte(text)) && strings.HasPrefix(text, "{") {
		var m powerMessage
		if err := json.Unmarshal([]byte(text), &m); err != nil {
			return 0, err
		}
		switch {
		case m.Power != nil:
			return *m.Power, nil
		case m.Value != nil:
			return *m.Value, nil
		}
		return 0, fmt.Errorf("no power field in %q", text)
	}
	return strconv.ParseFloat(text, 64)
}
