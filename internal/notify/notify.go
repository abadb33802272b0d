package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"timealign/internal/config"
	"timealign/internal/pipeline"
)

const publishTimeout = 2 * time.Second

// publisher is the part of mqtt.Client the notifier needs.
type publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Message is the JSON body published for every finished job.
type Message struct {
	Job       string         `json:"job"`
	Type      string         `json:"type"`
	Status    string         `json:"status"`
	Error     string         `json:"error,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// MQTTNotifier publishes job results to <prefix>/<job type>.
type MQTTNotifier struct {
	client publisher
	prefix string
	qos    byte
	log    *slog.Logger
	now    func() time.Time
}

// New connects to the configured broker. It returns (nil, nil) when no broker
// is configured so callers can treat notifications as optional.
func New(cfg config.MQTTConfig, logger *slog.Logger) (*MQTTNotifier, error) {
	if cfg.Broker == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "timealign"
	}
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost, reconnecting", "error", err)
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("mqtt connected", "broker", cfg.Broker)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Broker, token.Error())
	}
	return newNotifier(client, cfg.TopicPrefix, cfg.QoS, logger), nil
}

func newNotifier(client publisher, prefix string, qos byte, logger *slog.Logger) *MQTTNotifier {
	if prefix == "" {
		prefix = "timealign/jobs"
	}
	return &MQTTNotifier{client: client, prefix: prefix, qos: qos, log: logger, now: time.Now}
}

// Notify implements pipeline.Notifier. Failures are logged, never returned:
// a broker outage must not fail a finished job.
func (n *MQTTNotifier) Notify(res pipeline.Result) {
	if err := n.Publish(res); err != nil {
		n.log.Warn("job notification not sent", "job", res.Job.ID, "error", err)
	}
}

// Publish sends one result and waits briefly for the broker.
func (n *MQTTNotifier) Publish(res pipeline.Result) error {
	if n == nil || n.client == nil {
		return nil
	}
	if !n.client.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}

	msg := Message{
		Job:       res.Job.ID,
		Type:      string(res.Job.Type),
		Status:    "completed",
		Meta:      res.Meta,
		Timestamp: n.now().Unix(),
	}
	if res.Error != nil {
		msg.Status = "failed"
		msg.Error = res.Error.Error()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}

	topic := n.Topic(res.Job.Type)
	token := n.client.Publish(topic, n.qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publishing to %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	n.log.Debug("job notification sent", "topic", topic, "job", res.Job.ID)
	return nil
}

// Topic is the topic results of the given job type are published on.
func (n *MQTTNotifier) Topic(t pipeline.JobType) string {
	return n.prefix + "/" + string(t)
}

// Close disconnects from the broker.
func (n *MQTTNotifier) Close() {
	if n == nil {
		return
	}
	if c, ok := n.client.(mqtt.Client); ok {
		c.Disconnect(250)
	}
}
