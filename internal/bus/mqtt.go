package bus

import (
	"context"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MQTTConfig configures the broker bridge.
type MQTTConfig struct {
	BrokerURL   string
	ClientID    string
	TopicPrefix string
	QoS         byte
}

// CueTopic is the broker-side topic carrying detector cues.
func (c MQTTConfig) CueTopic() string { return c.TopicPrefix + "/cues" }

// SightingTopic is the broker-side topic for confirmed sightings.
func (c MQTTConfig) SightingTopic() string { return c.TopicPrefix + "/sightings" }

// Bridge connects the in-process bus to an MQTT broker: detector cues flow
// in, confirmed sightings flow out. The planner itself never touches the
// network.
type Bridge struct {
	cfg    MQTTConfig
	bus    *Bus
	logger *zap.Logger

	newClient func(*mqtt.ClientOptions) mqtt.Client
}

// NewBridge wires a bridge to the in-process bus.
func NewBridge(cfg MQTTConfig, b *Bus, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{cfg: cfg, bus: b, logger: logger, newClient: mqtt.NewClient}
}

// Run connects to the broker and bridges both directions until the context
// ends. Connect and subscribe failures surface as errors; republish
// failures are logged and dropped.
func (br *Bridge) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(br.cfg.BrokerURL).
		SetClientID(br.cfg.ClientID).
		SetAutoReconnect(true)

	client := br.newClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect %s: %w", br.cfg.BrokerURL, token.Error())
	}
	defer client.Disconnect(250)

	cueTopic := br.cfg.CueTopic()
	token := client.Subscribe(cueTopic, br.cfg.QoS, func(_ mqtt.Client, m mqtt.Message) {
		br.bus.Publish(TopicCue, m.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", cueTopic, token.Error())
	}

	br.logger.Info("mqtt bridge up",
		zap.String("broker", br.cfg.BrokerURL),
		zap.String("cue_topic", cueTopic),
		zap.String("sighting_topic", br.cfg.SightingTopic()))

	sightings := br.bus.Subscribe(TopicSighting, 32)
	defer br.bus.Unsubscribe(TopicSighting, sightings)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sightings:
			if !ok {
				return nil
			}
			t := client.Publish(br.cfg.SightingTopic(), br.cfg.QoS, false, msg.Payload)
			t.Wait()
			if err := t.Error(); err != nil {
				br.logger.Error("failed to republish sighting", zap.Error(err))
			}
		}
	}
}
