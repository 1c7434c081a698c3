// Package mqtt publishes device telemetry to an MQTT broker, where Home
// Assistant picks it up through MQTT discovery.
package mqtt

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/koios/hass-renderer/internal/config"
	"github.com/koios/hass-renderer/internal/telemetry"
	"go.uber.org/zap"
)

const (
	defaultPort    = "1883"
	connectTimeout = 10 * time.Second
)

// Client wraps the paho client for retained telemetry publishing
type Client struct {
	client paho.Client
	logger *zap.Logger
}

// NewClient connects to the broker. If the broker is not reachable yet the
// client keeps retrying in the background.
func NewClient(cfg config.MQTTConfig, logger *zap.Logger) (*Client, error) {
	broker := brokerURL(cfg.Server)
	clientID := "hass-renderer-" + uuid.NewString()

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(func(paho.Client) {
			logger.Info("Connected to MQTT broker", zap.String("broker", broker))
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Warn("Lost connection to MQTT broker", zap.String("broker", broker), zap.Error(err))
		})

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		logger.Warn("MQTT broker not reachable yet, retrying in background",
			zap.String("broker", broker),
			zap.String("client_id", clientID))
	} else if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", broker, err)
	}

	return &Client{client: client, logger: logger}, nil
}

// Publish sends payload and waits for the broker's acknowledgement or ctx
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, opts telemetry.PublishOptions) error {
	token := c.client.Publish(topic, opts.QoS, opts.Retain, payload)

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", topic, ctx.Err())
	}
}

// IsHealthy reports whether the broker connection is up
func (c *Client) IsHealthy() bool {
	return c.client.IsConnectionOpen()
}

// Close disconnects from the broker after in-flight messages are sent
func (c *Client) Close() error {
	c.client.Disconnect(250)
	return nil
}

// brokerURL accepts "host", "host:port" or a full URL and returns a URL paho
// understands. mqtt:// is the scheme used by Home Assistant's own docs.
func brokerURL(server string) string {
	if strings.Contains(server, "://") {
		return server
	}
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, defaultPort)
	}
	return "tcp://" + server
}
