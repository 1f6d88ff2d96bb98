package roborock

import (
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// wire is the pub/sub surface a device client needs. Satisfied by
// MQTTChannel; tests substitute an in-memory fake.
type wire interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, cb func([]byte)) (func(), error)
}

// MQTTChannel is one broker connection per account credential. All of the
// account's devices multiplex over it using per-device topic pairs.
type MQTTChannel struct {
	client mqtt.Client
	mu     sync.Mutex
	subs   map[string]map[int]func([]byte)
	nextID int
}

type mqttConfig struct {
	host     string
	port     int
	tls      bool
	username string
	password string
}

// NewMQTTChannel connects to the broker named in the credential's rriot
// block. Username and password are derived from the rriot keys the same
// way the vendor app does.
func NewMQTTChannel(userData *UserData) (*MQTTChannel, error) {
	cfg, err := mqttConfigFromUserData(userData)
	if err != nil {
		return nil, err
	}

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if cfg.tls {
		scheme = "ssl"
		opts.SetTLSConfig(&tls.Config{})
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.host, cfg.port))
	opts.SetUsername(cfg.username)
	opts.SetPassword(cfg.password)
	opts.SetClientID(randomClientID())
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)

	ch := &MQTTChannel{
		subs: make(map[string]map[int]func([]byte)),
	}
	opts.SetDefaultPublishHandler(ch.dispatch)
	opts.OnConnect = func(_ mqtt.Client) {
		ch.resubscribeAll()
	}
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("%w: mqtt connect: %v", ErrCommunication, token.Error())
	}
	ch.client = client
	return ch, nil
}

// mqttTopics returns the request and response topics for one device.
func mqttTopics(userData *UserData, deviceID string) (pub string, sub string) {
	mqttUser := md5Hex([]byte(userData.RRIOT.U + ":" + userData.RRIOT.K))[2:10]
	return fmt.Sprintf("rr/m/i/%s/%s/%s", userData.RRIOT.U, mqttUser, deviceID),
		fmt.Sprintf("rr/m/o/%s/%s/%s", userData.RRIOT.U, mqttUser, deviceID)
}

func (c *MQTTChannel) Subscribe(topic string, cb func([]byte)) (func(), error) {
	c.mu.Lock()
	if c.subs[topic] == nil {
		c.subs[topic] = make(map[int]func([]byte))
	}
	id := c.nextID
	c.nextID++
	c.subs[topic][id] = cb
	needSubscribe := len(c.subs[topic]) == 1
	c.mu.Unlock()

	if needSubscribe {
		if token := c.client.Subscribe(topic, 0, nil); token.Wait() && token.Error() != nil {
			return nil, fmt.Errorf("%w: mqtt subscribe: %v", ErrCommunication, token.Error())
		}
	}

	return func() {
		c.mu.Lock()
		callbacks := c.subs[topic]
		if callbacks == nil {
			c.mu.Unlock()
			return
		}
		delete(callbacks, id)
		shouldUnsub := len(callbacks) == 0
		if shouldUnsub {
			delete(c.subs, topic)
		}
		c.mu.Unlock()
		if shouldUnsub {
			_ = c.client.Unsubscribe(topic).Wait()
		}
	}, nil
}

func (c *MQTTChannel) Publish(topic string, payload []byte) error {
	if token := c.client.Publish(topic, 0, false, payload); token.Wait() && token.Error() != nil {
		return fmt.Errorf("%w: mqtt publish: %v", ErrCommunication, token.Error())
	}
	return nil
}

func (c *MQTTChannel) Close() {
	if c.client != nil {
		c.client.Disconnect(250)
	}
}

func (c *MQTTChannel) dispatch(_ mqtt.Client, msg mqtt.Message) {
	c.mu.Lock()
	callbacks := c.subs[msg.Topic()]
	list := make([]func([]byte), 0, len(callbacks))
	for _, cb := range callbacks {
		list = append(list, cb)
	}
	c.mu.Unlock()
	for _, cb := range list {
		cb(msg.Payload())
	}
}

func (c *MQTTChannel) resubscribeAll() {
	c.mu.Lock()
	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	c.mu.Unlock()
	for _, topic := range topics {
		_ = c.client.Subscribe(topic, 0, nil).Wait()
	}
}

func mqttConfigFromUserData(userData *UserData) (mqttConfig, error) {
	if userData == nil {
		return mqttConfig{}, errors.New("missing user data")
	}
	rawURL := userData.RRIOT.R.M
	if rawURL == "" {
		return mqttConfig{}, errors.New("missing rriot mqtt url")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return mqttConfig{}, err
	}
	if parsed.Hostname() == "" || parsed.Port() == "" {
		return mqttConfig{}, fmt.Errorf("invalid mqtt url %q", rawURL)
	}
	hashedUser := md5Hex([]byte(userData.RRIOT.U + ":" + userData.RRIOT.K))[2:10]
	hashedPass := md5Hex([]byte(userData.RRIOT.S + ":" + userData.RRIOT.K))[16:]
	port := 0
	_, _ = fmt.Sscanf(parsed.Port(), "%d", &port)
	if port == 0 {
		return mqttConfig{}, fmt.Errorf("invalid mqtt port %q", parsed.Port())
	}
	return mqttConfig{
		host:     parsed.Hostname(),
		port:     port,
		tls:      parsed.Scheme == "ssl",
		username: hashedUser,
		password: hashedPass,
	}, nil
}

func randomClientID() string {
	nonce := make([]byte, 8)
	_, _ = rand.Read(nonce)
	return "rrbridge-" + base64.RawURLEncoding.EncodeToString(nonce)
}
