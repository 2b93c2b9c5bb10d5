// Package mqtt implements the MQTT Communicator (spec.md §4.4.1), built on
// the same paho.mqtt.golang client options, atomic publish/receive
// counters, and connect/connectionLost callback wiring a typical MQTT
// messaging component uses, adapted from a fixed telemetry/commands/alarms
// topic tree to Hydrogen's transform.ToMQTT/FromMQTT command-derived topic
// convention.
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"hydrogen/internal/message"
	"hydrogen/internal/transform"
	"hydrogen/internal/transport"
)

// Config mirrors a typical MQTTConfig shape, trimmed to what a
// device-control topic tree actually needs.
type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    transform.TopicPrefix
	QoS            byte
	Retain         bool
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	AutoReconnect  bool
	CleanSession   bool
	TLSConfig      *tls.Config
}

func DefaultConfig(broker, clientID string) Config {
	return Config{
		Broker:         broker,
		ClientID:       clientID,
		TopicPrefix:    "hydrogen",
		QoS:            1,
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		WriteTimeout:   5 * time.Second,
		AutoReconnect:  true,
		CleanSession:   true,
	}
}

type pendingEntry struct {
	future *transport.Future
	sentAt time.Time
}

// Client implements transport.Communicator over an MQTT broker. Because MQTT
// has no inherent request/response pairing, correlation is reconstructed by
// subscribing to the whole topic-prefix tree and matching on
// Message.OriginalMessageID, the same key client.Plane correlates on.
type Client struct {
	transport.BaseStats
	transport.Handlers

	cfg    Config
	client paho.Client

	connected atomic.Bool
	lastError atomic.Value // string

	pendingMu sync.Mutex
	pending   map[string]*pendingEntry

	responseTopic string
}

// New builds an unconnected MQTT client.
func New(cfg Config) *Client {
	c := &Client{cfg: cfg, pending: make(map[string]*pendingEntry)}
	// Subscribes to the whole prefix tree rather than a dedicated response
	// topic: MQTT has no reply-to header, so correlation is reconstructed
	// purely from Message.OriginalMessageID once a payload arrives, whatever
	// verb-derived topic it was published under (see transform.ToMQTT).
	c.responseTopic = fmt.Sprintf("%s/#", cfg.TopicPrefix)

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetWriteTimeout(cfg.WriteTimeout)
	opts.SetAutoReconnect(cfg.AutoReconnect)
	opts.SetCleanSession(cfg.CleanSession)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.TLSConfig != nil {
		opts.SetTLSConfig(cfg.TLSConfig)
	}
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetOnConnectHandler(c.onConnect)

	c.client = paho.NewClient(opts)
	return c
}

func (c *Client) Connect(ctx context.Context) error {
	token := c.client.Connect()
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		return fmt.Errorf("mqtt: connect timeout")
	}
	if err := token.Error(); err != nil {
		c.lastError.Store(err.Error())
		return fmt.Errorf("mqtt: connect to %s: %w", c.cfg.Broker, err)
	}
	return nil
}

func (c *Client) Disconnect() error {
	if !c.IsConnected() {
		return nil
	}
	c.client.Disconnect(250)
	c.connected.Store(false)
	c.failPending(fmt.Errorf("mqtt: disconnected"))
	return nil
}

func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.client.IsConnected()
}

func (c *Client) onConnect(_ paho.Client) {
	c.connected.Store(true)
	token := c.client.Subscribe(c.responseTopic, c.cfg.QoS, c.onWireMessage)
	token.Wait()
	c.FireConnectionChanged(true)
}

func (c *Client) onConnectionLost(_ paho.Client, err error) {
	c.connected.Store(false)
	c.lastError.Store(err.Error())
	c.failPending(fmt.Errorf("mqtt: connection lost: %w", err))
	c.FireConnectionChanged(false)
}

func (c *Client) onWireMessage(_ paho.Client, wire paho.Message) {
	c.RecordReceived()
	msg, err := transform.FromMQTT(wire.Topic(), wire.Payload())
	if err != nil {
		c.RecordError()
		return
	}
	c.dispatch(msg)
}

func (c *Client) SendAsync(msg *message.Message) (*transport.Future, error) {
	if !c.IsConnected() {
		return nil, fmt.Errorf("mqtt: not connected")
	}
	topic, payload, err := transform.ToMQTT(msg, c.cfg.TopicPrefix)
	if err != nil {
		return nil, err
	}

	future := transport.NewFuture()
	if msg.MessageType == message.TypeCommand {
		c.pendingMu.Lock()
		c.pending[msg.MessageID] = &pendingEntry{future: future, sentAt: time.Now()}
		c.pendingMu.Unlock()
	} else {
		future.Complete(nil, nil)
	}

	token := c.client.Publish(topic, c.cfg.QoS, c.cfg.Retain, payload)
	if !token.WaitTimeout(c.cfg.WriteTimeout) {
		c.RecordError()
		c.pendingMu.Lock()
		delete(c.pending, msg.MessageID)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("mqtt: publish timeout")
	}
	if err := token.Error(); err != nil {
		c.RecordError()
		c.pendingMu.Lock()
		delete(c.pending, msg.MessageID)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("mqtt: publish: %w", err)
	}
	c.RecordSent()
	return future, nil
}

func (c *Client) SendSync(ctx context.Context, msg *message.Message, timeout time.Duration) (*message.Message, error) {
	future, err := c.SendAsync(msg)
	if err != nil {
		return nil, err
	}
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	resp, err := future.Wait(waitCtx)
	if err != nil {
		c.RecordTimeout()
		c.pendingMu.Lock()
		delete(c.pending, msg.MessageID)
		c.pendingMu.Unlock()
		return nil, err
	}
	return resp, nil
}

func (c *Client) OnMessage(cb transport.MessageHandler)             { c.SetOnMessage(cb) }
func (c *Client) OnConnectionChanged(cb transport.ConnectionHandler) { c.SetOnConnectionChanged(cb) }
func (c *Client) Stats() transport.Stats                             { return c.Snapshot() }
func (c *Client) ResetStats()                                        { c.Reset() }

func (c *Client) SetQoS(params transport.QoSParams) {
	switch params.Level {
	case message.QoSAtMostOnce:
		c.cfg.QoS = 0
	case message.QoSAtLeastOnce:
		c.cfg.QoS = 1
	case message.QoSExactlyOnce:
		c.cfg.QoS = 2
	}
}

// SetCompression is unsupported: MQTT 3.1.1 (what paho.mqtt.golang speaks by
// default) has no payload compression negotiation.
func (c *Client) SetCompression(bool) {}

// SetEncryption cannot switch TLS on after construction: paho.mqtt.golang
// takes its TLS config from the ClientOptions built in New, so enabling
// returns an error pointing at Config.TLSConfig and disabling is a no-op.
func (c *Client) SetEncryption(enabled bool, key []byte) error {
	if !enabled {
		return nil
	}
	return fmt.Errorf("mqtt: set Config.TLSConfig before New to enable encryption")
}

func (c *Client) dispatch(msg *message.Message) {
	if msg.OriginalMessageID != "" {
		c.pendingMu.Lock()
		entry, ok := c.pending[msg.OriginalMessageID]
		if ok {
			delete(c.pending, msg.OriginalMessageID)
		}
		c.pendingMu.Unlock()
		if ok {
			c.RecordRoundTrip(time.Since(entry.sentAt))
			entry.future.Complete(msg, nil)
			return
		}
	}
	c.FireMessage(msg)
}

func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, entry := range c.pending {
		entry.future.Complete(nil, err)
		delete(c.pending, id)
	}
}
