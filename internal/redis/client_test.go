package redis

import (
	"context"
	"testing"
	"time"

	"github.com/koios/hass-renderer/internal/config"
	"github.com/koios/hass-renderer/internal/telemetry"
	"go.uber.org/zap"
)

func TestClientPublish(t *testing.T) {
	// This test requires a running Redis instance
	// Skip if Redis is not available
	cfg := config.RedisConfig{
		Addr: "localhost:6379",
		DB:   1, // Use a test database
	}

	client, err := NewClient(cfg, zap.NewNop())
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	topic := "hass-renderer-test/kindle/state"
	client.client.Del(ctx, retainedPrefix+topic)

	sub := client.client.Subscribe(ctx, topic)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}

	t.Run("Retained publish", func(t *testing.T) {
		payload := []byte(`{"name":"kindle","battery_level":80}`)
		if err := client.Publish(ctx, topic, payload, telemetry.PublishOptions{QoS: 1, Retain: true}); err != nil {
			t.Fatalf("Failed to publish: %v", err)
		}

		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			t.Fatalf("Failed to receive message: %v", err)
		}
		if msg.Payload != string(payload) {
			t.Errorf("Expected %s, got %s", payload, msg.Payload)
		}

		retained, ok, err := client.Retained(ctx, topic)
		if err != nil {
			t.Fatalf("Failed to read retained message: %v", err)
		}
		if !ok || string(retained) != string(payload) {
			t.Errorf("Expected retained %s, got %s (found=%v)", payload, retained, ok)
		}
	})

	t.Run("Missing retained message", func(t *testing.T) {
		_, ok, err := client.Retained(ctx, "hass-renderer-test/missing/state")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if ok {
			t.Error("Expected no retained message")
		}
	})

	t.Run("Health", func(t *testing.T) {
		if !client.IsHealthy() {
			t.Error("Expected healthy client")
		}
	})

	client.client.Del(ctx, retainedPrefix+topic)
}
