package hub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig holds hub link configuration.
type MQTTConfig struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

// MQTTLink is the Reporter implementation over MQTT, and the inbound
// command source. Commands arrive as raw frames on <prefix>/cmd: one code
// byte followed by the payload. The paho callback only enqueues; dispatch
// happens on the coordinator's loop.
type MQTTLink struct {
	client pahomqtt.Client
	prefix string
	logger *slog.Logger
	submit func(Command)
}

type statePayload struct {
	ModeTag    uint8 `json:"mode"`
	Percentage uint8 `json:"percentage"`
}

type alertPayload struct {
	Alert string `json:"alert"`
	Value uint8  `json:"value"`
}

// NewMQTTLink connects to the broker and subscribes to the command topic.
// Submit receives decoded inbound commands.
func NewMQTTLink(cfg MQTTConfig, submit func(Command), logger *slog.Logger) (*MQTTLink, error) {
	l := &MQTTLink{
		prefix: cfg.TopicPrefix,
		logger: logger.With("component", "mqtt"),
		submit: submit,
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "zigbee-window"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/availability", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			l.logger.Info("MQTT connected")
			l.publish("availability", []byte("online"), true)
			l.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			l.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	l.client = client
	return l, nil
}

// Close publishes offline availability and disconnects.
func (l *MQTTLink) Close() {
	l.publish("availability", []byte("offline"), true)
	l.client.Disconnect(1000)
	l.logger.Info("MQTT link closed")
}

// ReportWindowState publishes the retained state topic.
func (l *MQTTLink) ReportWindowState(modeTag uint8, percentage uint8) error {
	data, err := json.Marshal(statePayload{ModeTag: modeTag, Percentage: percentage})
	if err != nil {
		return err
	}
	return l.publish("state", data, true)
}

// SendAlert publishes one alert. Alerts are not retained; a hub that was
// offline reads the current state topic instead.
func (l *MQTTLink) SendAlert(alert AlertType, value uint8) error {
	data, err := json.Marshal(alertPayload{Alert: alert.String(), Value: value})
	if err != nil {
		return err
	}
	return l.publish("alert", data, false)
}

func (l *MQTTLink) publish(topic string, payload []byte, retain bool) error {
	token := l.client.Publish(l.prefix+"/"+topic, 1, retain, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (l *MQTTLink) subscribeCommands() {
	topic := l.prefix + "/cmd"
	token := l.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		raw := msg.Payload()
		if len(raw) == 0 {
			l.logger.Warn("empty command frame")
			return
		}
		payload := make([]byte, len(raw)-1)
		copy(payload, raw[1:])
		l.submit(Command{Code: raw[0], Payload: payload})
	})
	if !token.WaitTimeout(5 * time.Second) {
		l.logger.Error("subscribe commands: timeout")
		return
	}
	if err := token.Error(); err != nil {
		l.logger.Error("subscribe commands", "err", err)
	}
}
