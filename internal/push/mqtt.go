package push

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"iot-gateway/internal/model"
)

// MQTTChannel publishes through one lazily connected client per push config.
type MQTTChannel struct {
	log            zerolog.Logger
	connectTimeout time.Duration
	newClient      func(*mqtt.ClientOptions) mqtt.Client

	clients sync.Map // configID -> *mqttEntry
	locks   sync.Map // configID -> *sync.Mutex
}

type mqttEntry struct {
	client mqtt.Client
	// broker and credentials the client was built with
	signature string
}

func NewMQTTChannel(log zerolog.Logger, connectTimeout time.Duration) *MQTTChannel {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	return &MQTTChannel{
		log:            log.With().Str("channel", "mqtt").Logger(),
		connectTimeout: connectTimeout,
		newClient:      mqtt.NewClient,
	}
}

func (c *MQTTChannel) Send(ctx context.Context, cfg model.PushConfig, msg Message) error {
	client, err := c.client(cfg)
	if err != nil {
		return err
	}
	qos := byte(1)
	if cfg.QoS > 0 && cfg.QoS <= 2 {
		qos = byte(cfg.QoS)
	}
	token := client.Publish(Topic(cfg.Topic, msg.DeviceKey), qos, false, msg.Body)
	wait := c.connectTimeout
	if dl, ok := ctx.Deadline(); ok {
		wait = time.Until(dl)
	}
	if !token.WaitTimeout(wait) {
		return errors.New("mqtt publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish: %w", err)
	}
	return nil
}

// Topic expands {deviceKey} in pattern.
func Topic(pattern, deviceKey string) string {
	return strings.ReplaceAll(pattern, "{deviceKey}", deviceKey)
}

func mqttSignature(cfg model.PushConfig) string {
	return cfg.TargetURL + "|" + cfg.Username + "|" + cfg.Password + "|" + cfg.ClientID
}

// client returns the cached connected client of cfg, connecting a new one
// under the per-config lock when it is missing, stale or disconnected.
func (c *MQTTChannel) client(cfg model.PushConfig) (mqtt.Client, error) {
	sig := mqttSignature(cfg)
	if v, ok := c.clients.Load(cfg.ID); ok {
		e := v.(*mqttEntry)
		if e.signature == sig && e.client.IsConnected() {
			return e.client, nil
		}
	}

	l, _ := c.locks.LoadOrStore(cfg.ID, &sync.Mutex{})
	mu := l.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	if v, ok := c.clients.Load(cfg.ID); ok {
		e := v.(*mqttEntry)
		if e.signature == sig && e.client.IsConnected() {
			return e.client, nil
		}
		e.client.Disconnect(100)
		c.clients.Delete(cfg.ID)
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "iot-gateway-push-" + uuid.NewString()[:8]
	}
	opts := mqtt.NewClientOptions().AddBroker(cfg.TargetURL)
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(c.connectTimeout)
	configID := cfg.ID
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.log.Warn().Err(err).Int64("config_id", configID).Msg("push mqtt connection lost")
	}

	client := c.newClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(c.connectTimeout) {
		// abort the pending attempt so its goroutines exit
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect %s: timeout", cfg.TargetURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.TargetURL, err)
	}
	c.clients.Store(cfg.ID, &mqttEntry{client: client, signature: sig})
	c.log.Info().Int64("config_id", cfg.ID).Str("broker", cfg.TargetURL).Msg("push mqtt client connected")
	return client, nil
}

// Cached reports whether a client for configID is cached.
func (c *MQTTChannel) Cached(configID int64) bool {
	_, ok := c.clients.Load(configID)
	return ok
}

func (c *MQTTChannel) Close() error {
	c.clients.Range(func(k, v any) bool {
		v.(*mqttEntry).client.Disconnect(250)
		c.clients.Delete(k)
		return true
	})
	return nil
}
