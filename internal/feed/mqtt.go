package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"vehicle-flow-monitor/internal/models"
)

// MQTTOptions configure the broker subscription
type MQTTOptions struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Topic    string `mapstructure:"topic"`
	QoS      byte   `mapstructure:"qos"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// MQTTSource subscribes to a topic on which every message is a whole feed
// snapshot (a JSON object of entry key to entry)
type MQTTSource struct {
	opts   MQTTOptions
	logger *slog.Logger
}

// NewMQTTSource creates an MQTT subscription source
func NewMQTTSource(opts MQTTOptions, logger *slog.Logger) *MQTTSource {
	if opts.ClientID == "" {
		opts.ClientID = "vehicle-flow-monitor"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTSource{opts: opts, logger: logger.With("source", "mqtt", "topic", opts.Topic)}
}

func (s *MQTTSource) Name() string { return "mqtt" }

func (s *MQTTSource) Run(ctx context.Context, out chan<- models.RawSnapshot) error {
	latest := make(chan models.RawSnapshot, 1)

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		raw, err := decodeSnapshot(msg.Payload())
		if err != nil {
			s.logger.Warn("ignoring mqtt message", "err", err)
			return
		}
		offerLatest(latest, raw)
	}

	opts := mqtt.NewClientOptions().
		AddBroker(s.opts.Broker).
		SetClientID(s.opts.ClientID).
		SetOrderMatters(false).
		SetCleanSession(true).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	if s.opts.Username != "" {
		opts.SetUsername(s.opts.Username)
	}
	if s.opts.Password != "" {
		opts.SetPassword(s.opts.Password)
	}

	opts.OnConnect = func(c mqtt.Client) {
		s.logger.Info("connected to mqtt broker", "broker", s.opts.Broker)
		if token := c.Subscribe(s.opts.Topic, s.opts.QoS, handler); token.Wait() && token.Error() != nil {
			s.logger.Error("mqtt subscribe failed", "err", token.Error())
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		s.logger.Warn("mqtt connection lost", "err", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
		// with ConnectRetry the token only completes once connected
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to connect to mqtt broker %s: %w", s.opts.Broker, err)
		}
	case <-ctx.Done():
		client.Disconnect(250)
		return nil
	}
	defer client.Disconnect(250)

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw := <-latest:
			if !send(ctx, out, raw) {
				return nil
			}
		}
	}
}
