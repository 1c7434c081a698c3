package mqtt

import (
	"context"
	"errors"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/koios/hass-renderer/internal/telemetry"
	"go.uber.org/zap"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func completedToken(err error) *fakeToken {
	done := make(chan struct{})
	close(done)
	return &fakeToken{done: done, err: err}
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeClient implements the publish side of paho.Client
type fakeClient struct {
	paho.Client
	token    *fakeToken
	messages []published
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	c.messages = append(c.messages, published{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)})
	return c.token
}

func (c *fakeClient) IsConnectionOpen() bool { return true }

func TestClientPublish(t *testing.T) {
	fake := &fakeClient{token: completedToken(nil)}
	client := &Client{client: fake, logger: zap.NewNop()}

	err := client.Publish(context.Background(), "hass-renderer/kindle/state", []byte(`{}`),
		telemetry.PublishOptions{QoS: 1, Retain: true})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(fake.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(fake.messages))
	}
	msg := fake.messages[0]
	if msg.topic != "hass-renderer/kindle/state" || msg.qos != 1 || !msg.retained {
		t.Errorf("unexpected message: %+v", msg)
	}
	if !client.IsHealthy() {
		t.Error("expected healthy client")
	}
}

func TestClientPublish_BrokerError(t *testing.T) {
	brokerErr := errors.New("not authorized")
	client := &Client{client: &fakeClient{token: completedToken(brokerErr)}, logger: zap.NewNop()}

	err := client.Publish(context.Background(), "t", []byte("x"), telemetry.PublishOptions{})
	if !errors.Is(err, brokerErr) {
		t.Errorf("expected broker error, got %v", err)
	}
}

func TestClientPublish_Timeout(t *testing.T) {
	pending := &fakeToken{done: make(chan struct{})}
	client := &Client{client: &fakeClient{token: pending}, logger: zap.NewNop()}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := client.Publish(ctx, "t", []byte("x"), telemetry.PublishOptions{QoS: 1})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestBrokerURL(t *testing.T) {
	testCases := []struct {
		in   string
		want string
	}{
		{"broker.local", "tcp://broker.local:1883"},
		{"broker.local:1884", "tcp://broker.local:1884"},
		{"mqtt://broker.local:1883", "mqtt://broker.local:1883"},
		{"ssl://broker.local:8883", "ssl://broker.local:8883"},
	}

	for _, tc := range testCases {
		if got := brokerURL(tc.in); got != tc.want {
			t.Errorf("brokerURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
