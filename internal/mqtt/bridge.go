// Package mqtt publishes device events to an MQTT broker and routes commands
// received from it.
//
// Topics are expanded to <prefix>/<mac>/<event>, e.g. unifi/protect/AABBCCDDEEFF/motion.
package mqtt

import (
	"crypto/tls"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"

	"github.com/lanikai/protectbridge/internal/config"
	"github.com/lanikai/protectbridge/internal/logging"
)

var log = logging.DefaultLogger.WithTag("mqtt")

const (
	disconnectQuiesce = 250 // ms
	subscribeTimeout  = 5 * time.Second
)

// Handler receives the payload of a message on a subscribed topic.
type Handler func(payload []byte)

type Bridge struct {
	prefix string
	url    string
	client paho.Client

	// Sends a message to the broker. Replaced in tests.
	send func(topic string, payload string)

	mu            sync.Mutex
	subscriptions map[string]Handler
}

var redactPassword = regexp.MustCompile(`^(.*:/{0,2}.*:)(.*)(@.*)`)

// Redact hides the password in a broker URL.
func Redact(u string) string {
	return redactPassword.ReplaceAllString(u, "${1}REDACTED${3}")
}

// New creates a bridge for the broker in cfg. It does not connect.
func New(cfg config.MQTT) (*Bridge, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("MQTT Broker: Invalid URL provided: %s", Redact(cfg.URL))
	}

	prefix := cfg.Topic
	if prefix == "" {
		prefix = config.MQTTTopic
	}

	b := &Bridge{
		prefix:        prefix,
		url:           cfg.URL,
		subscriptions: make(map[string]Handler),
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.URL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(config.MQTTReconnectInterval)
	opts.SetMaxReconnectInterval(config.MQTTReconnectInterval)
	opts.SetOnConnectHandler(b.onConnect)
	opts.SetConnectionLostHandler(b.onConnectionLost)
	opts.SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
		b.dispatch(msg.Topic(), msg.Payload())
	})

	b.client = paho.NewClient(opts)
	b.send = b.publishToBroker
	return b, nil
}

// Connect starts connecting in the background. The client keeps retrying
// until it reaches the broker or is closed.
func (b *Bridge) Connect() {
	token := b.client.Connect()
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			log.Error("MQTT Broker: %v (url: %s).", err, Redact(b.url))
		}
	}()
}

func (b *Bridge) Close() {
	if b.client.IsConnected() {
		b.client.Disconnect(disconnectQuiesce)
		log.Info("Disconnected from MQTT broker: %s.", Redact(b.url))
	}
}

func (b *Bridge) onConnect(client paho.Client) {
	log.Info("Connected to MQTT broker: %s (topic: %s).", Redact(b.url), b.prefix)

	// A clean session forgets subscriptions across reconnects.
	b.mu.Lock()
	topics := make([]string, 0, len(b.subscriptions))
	for topic := range b.subscriptions {
		topics = append(topics, topic)
	}
	b.mu.Unlock()

	for _, topic := range topics {
		b.subscribeBroker(topic)
	}
}

func (b *Bridge) onConnectionLost(_ paho.Client, err error) {
	minutes := int(config.MQTTReconnectInterval / time.Minute)
	plural := ""
	if minutes > 1 {
		plural = "s"
	}
	log.Error("MQTT Broker: %v (url: %s). Will retry again in %d minute%s.", err, Redact(b.url), minutes, plural)
}

func (b *Bridge) expandTopic(mac, topic string) string {
	if mac == "" {
		return ""
	}
	return b.prefix + "/" + mac + "/" + topic
}

// Publish sends a device event.
func (b *Bridge) Publish(mac, topic, payload string) {
	expanded := b.expandTopic(mac, topic)
	if expanded == "" {
		return
	}
	log.Debug("MQTT publish: %s Message: %s.", expanded, payload)
	b.send(expanded, payload)
}

func (b *Bridge) publishToBroker(topic, payload string) {
	if !b.client.IsConnectionOpen() {
		log.Trace(3, "Not connected, dropping message on %s", topic)
		return
	}
	b.client.Publish(topic, 0, false, payload)
}

// Subscribe routes messages on a device topic to h.
func (b *Bridge) Subscribe(mac, topic string, h Handler) {
	expanded := b.expandTopic(mac, topic)
	if expanded == "" {
		return
	}
	log.Debug("MQTT subscribe: %s.", expanded)

	b.mu.Lock()
	b.subscriptions[expanded] = h
	b.mu.Unlock()

	if b.client != nil && b.client.IsConnectionOpen() {
		b.subscribeBroker(expanded)
	}
}

// SubscribeGet publishes get() on topic whenever "true" arrives on topic/get.
// name and kind describe the value in the log.
func (b *Bridge) SubscribeGet(mac, name, topic, kind string, get func() string) {
	b.Subscribe(mac, topic+"/get", func(payload []byte) {
		if !isTrue(payload) {
			return
		}
		b.Publish(mac, topic, get())
		log.Info("%s: %s information published via MQTT.", name, kind)
	})
}

func (b *Bridge) Unsubscribe(mac, topic string) {
	expanded := b.expandTopic(mac, topic)
	if expanded == "" {
		return
	}

	b.mu.Lock()
	delete(b.subscriptions, expanded)
	b.mu.Unlock()

	if b.client != nil && b.client.IsConnectionOpen() {
		b.client.Unsubscribe(expanded)
	}
}

func (b *Bridge) subscribeBroker(topic string) {
	token := b.client.Subscribe(topic, 0, nil)
	go func() {
		if !token.WaitTimeout(subscribeTimeout) {
			log.Warn("MQTT subscribe to %s timed out.", topic)
			return
		}
		if err := token.Error(); err != nil {
			log.Warn("MQTT subscribe to %s failed: %v", topic, err)
		}
	}()
}

func (b *Bridge) dispatch(topic string, payload []byte) {
	b.mu.Lock()
	h := b.subscriptions[topic]
	b.mu.Unlock()

	if h != nil {
		h(payload)
	}
}

func isTrue(payload []byte) bool {
	return strings.EqualFold(strings.TrimSpace(string(payload)), "true")
}
