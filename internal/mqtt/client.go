package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/timeio/tsm-ingest/internal/config"
	"github.com/timeio/tsm-ingest/internal/dispatch"
	"github.com/timeio/tsm-ingest/internal/metrics"
)

// Validation limits
const (
	MaxTopicLength  = 1024
	MaxClientIDLen  = 255
	MaxBrokerURLLen = 2048
)

var validSchemes = []string{"tcp://", "ssl://", "ws://", "wss://", "mqtt://", "mqtts://"}

// Options configures a Client
type Options struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	CleanSession   bool
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	// Topics are subscribed on every (re)connect
	Topics      []string
	TLSEnabled  bool
	TLSCACert   string
	TLSInsecure bool
}

// OptionsFromConfig builds client options subscribing to topics
func OptionsFromConfig(cfg config.MQTTConfig, topics ...string) Options {
	return Options{
		Broker:         cfg.Broker,
		ClientID:       cfg.ClientID,
		Username:       cfg.Username,
		Password:       cfg.Password,
		QoS:            byte(cfg.QoS),
		CleanSession:   cfg.CleanSession,
		KeepAlive:      cfg.KeepAlive,
		ConnectTimeout: cfg.ConnectTimeout,
		Topics:         topics,
		TLSEnabled:     cfg.TLSEnabled,
		TLSCACert:      cfg.TLSCACert,
		TLSInsecure:    cfg.TLSInsecure,
	}
}

// Validate checks the options and normalises the broker URL
func (o *Options) Validate() error {
	if o.Broker == "" {
		return errors.New("broker is required")
	}
	broker, err := NormalizeBrokerURL(o.Broker)
	if err != nil {
		return fmt.Errorf("invalid broker URL: %w", err)
	}
	o.Broker = broker

	if o.ClientID == "" {
		return errors.New("client_id is required")
	}
	if len(o.ClientID) > MaxClientIDLen {
		return fmt.Errorf("client_id exceeds %d characters", MaxClientIDLen)
	}
	for _, topic := range o.Topics {
		if topic == "" {
			return errors.New("empty topic not allowed")
		}
		if len(topic) > MaxTopicLength {
			return fmt.Errorf("topic exceeds %d characters", MaxTopicLength)
		}
	}
	if o.QoS > 2 {
		return errors.New("qos must be 0, 1, or 2")
	}
	if o.TLSCACert != "" && strings.Contains(o.TLSCACert, "..") {
		return errors.New("path traversal not allowed in certificate paths")
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = 60 * time.Second
	}
	return nil
}

// NormalizeBrokerURL returns broker with a scheme. A bare host:port is read
// as tcp.
func NormalizeBrokerURL(broker string) (string, error) {
	if len(broker) > MaxBrokerURLLen {
		return "", fmt.Errorf("broker URL exceeds %d characters", MaxBrokerURLLen)
	}
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	hasValidScheme := false
	for _, scheme := range validSchemes {
		if strings.HasPrefix(broker, scheme) {
			hasValidScheme = true
			break
		}
	}
	if !hasValidScheme {
		return "", fmt.Errorf("must start with one of: %v", validSchemes)
	}

	parsed, err := url.Parse(broker)
	if err != nil {
		return "", err
	}
	if parsed.Host == "" {
		return "", errors.New("host is required")
	}
	return broker, nil
}

// Stats contains runtime statistics of the client
type Stats struct {
	Connected        bool      `json:"connected"`
	MessagesReceived int64     `json:"messages_received"`
	BytesReceived    int64     `json:"bytes_received"`
	Published        int64     `json:"published"`
	Reconnects       int64     `json:"reconnects"`
	ConnectedSince   time.Time `json:"connected_since,omitempty"`
}

// Client is a paho MQTT connection that hands received messages to the
// dispatch loop one at a time and publishes events.
type Client struct {
	opts     Options
	client   pahomqtt.Client
	messages chan dispatch.Message
	logger   zerolog.Logger

	mu             sync.RWMutex
	connectedSince time.Time

	messagesReceived atomic.Int64
	bytesReceived    atomic.Int64
	published        atomic.Int64
	reconnects       atomic.Int64

	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

// New validates opts and creates a client. It does not connect.
func New(opts Options, logger zerolog.Logger) (*Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:     opts,
		messages: make(chan dispatch.Message),
		logger:   logger.With().Str("component", "mqtt").Str("client_id", opts.ClientID).Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}

	pahoOpts, err := c.buildClientOptions()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to build client options: %w", err)
	}
	c.client = pahomqtt.NewClient(pahoOpts)
	return c, nil
}

// Connect connects to the broker. Subscriptions are made by the connect
// handler.
func (c *Client) Connect(ctx context.Context) error {
	c.logger.Info().Str("broker", c.opts.Broker).Msg("Connecting to MQTT broker")

	token := c.client.Connect()
	if err := c.wait(ctx, token, c.opts.ConnectTimeout); err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	c.logger.Info().Msg("Connected to MQTT broker")
	return nil
}

// Messages implements dispatch.Source
func (c *Client) Messages() <-chan dispatch.Message { return c.messages }

// Broker returns the normalised broker URL
func (c *Client) Broker() string { return c.opts.Broker }

// Publish sends payload to topic and waits for the broker acknowledgement
// required by qos.
func (c *Client) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	token := c.client.Publish(topic, qos, false, payload)
	if err := c.wait(ctx, token, c.opts.ConnectTimeout); err != nil {
		return fmt.Errorf("publish to %q: %w", topic, err)
	}
	c.published.Add(1)
	metrics.Get().IncMQTTPublished()
	return nil
}

// IsConnected reports whether the client is connected
func (c *Client) IsConnected() bool { return c.client.IsConnected() }

// Close disconnects and releases handlers blocked on the hand-off. The
// message channel stays open; the dispatch loop stops on its context.
// Safe to call twice.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.client.IsConnected() {
			for _, topic := range c.opts.Topics {
				c.client.Unsubscribe(topic)
			}
			c.client.Disconnect(1000)
		}
		metrics.Get().SetMQTTConnected(false)
		c.logger.Info().Msg("Disconnected from MQTT broker")
	})
	return nil
}

// GetStats returns current statistics
func (c *Client) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Connected:        c.client.IsConnected(),
		MessagesReceived: c.messagesReceived.Load(),
		BytesReceived:    c.bytesReceived.Load(),
		Published:        c.published.Load(),
		Reconnects:       c.reconnects.Load(),
		ConnectedSince:   c.connectedSince,
	}
}

func (c *Client) wait(ctx context.Context, token pahomqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("timeout after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// buildClientOptions creates paho client options
func (c *Client) buildClientOptions() (*pahomqtt.ClientOptions, error) {
	opts := pahomqtt.NewClientOptions()

	opts.AddBroker(c.opts.Broker)
	opts.SetClientID(c.opts.ClientID)
	opts.SetKeepAlive(c.opts.KeepAlive)
	opts.SetConnectTimeout(c.opts.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetCleanSession(c.opts.CleanSession)
	// handlers block until the dispatch loop takes the message; ordered
	// delivery would also hold back the acks of our own publishes
	opts.SetOrderMatters(false)

	if c.opts.Username != "" {
		opts.SetUsername(c.opts.Username)
	}
	if c.opts.Password != "" {
		opts.SetPassword(c.opts.Password)
	}

	if c.opts.TLSEnabled {
		tlsConfig, err := c.buildTLSConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to build TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)
	return opts, nil
}

func (c *Client) buildTLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.opts.TLSInsecure,
	}
	if c.opts.TLSCACert != "" {
		caCert, err := os.ReadFile(c.opts.TLSCACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

func (c *Client) onConnect(client pahomqtt.Client) {
	c.logger.Info().Msg("MQTT connection established, subscribing to topics")

	for _, topic := range c.opts.Topics {
		token := client.Subscribe(topic, c.opts.QoS, c.onMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			c.logger.Error().Err(err).Str("topic", topic).Msg("Failed to subscribe to topic")
			continue
		}
		c.logger.Info().Str("topic", topic).Int("qos", int(c.opts.QoS)).Msg("Subscribed to topic")
	}

	c.mu.Lock()
	c.connectedSince = time.Now()
	c.mu.Unlock()
	metrics.Get().SetMQTTConnected(true)
}

func (c *Client) onConnectionLost(_ pahomqtt.Client, err error) {
	c.logger.Warn().Err(err).Msg("MQTT connection lost")
	metrics.Get().SetMQTTConnected(false)
}

func (c *Client) onReconnecting(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
	c.reconnects.Add(1)
	metrics.Get().IncMQTTReconnects()
	c.logger.Info().Int64("reconnect_count", c.reconnects.Load()).Msg("Attempting to reconnect to MQTT broker")
}

// onMessage hands the message to the dispatch loop and blocks until it is
// taken or the client closes.
func (c *Client) onMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	c.messagesReceived.Add(1)
	c.bytesReceived.Add(int64(len(msg.Payload())))

	m := dispatch.Message{
		Topic:      msg.Topic(),
		Payload:    msg.Payload(),
		ReceivedAt: time.Now(),
	}
	select {
	case c.messages <- m:
	case <-c.ctx.Done():
		c.logger.Debug().Str("topic", m.Topic).Msg("Client closed, message dropped")
	}
}
