// Package mqtt_broker embeds the MQTT broker external subscribers connect
// to. The engine publishes through the broker's inline client; no client
// connection of its own is kept.
package mqtt_broker

import (
	"fmt"
	"os"
	"sync"
	"time"

	MQTT "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"
)

// ListenerConfig describes one broker listener.
type ListenerConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
	Type    string `yaml:"type"` // tcp | websocket
}

// AuthEntry is one optional broker credential. With no entries configured,
// anonymous clients are accepted.
type AuthEntry struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Allow    bool   `yaml:"allow"`
}

// Config is the broker section of broker.yaml.
type Config struct {
	Listeners []ListenerConfig `yaml:"listeners"`
	Auth      []AuthEntry      `yaml:"auth"`
}

// Broker wraps the embedded server. Restart rebuilds the server, re-reading
// broker.yaml, so listener changes apply without restarting the gateway.
type Broker struct {
	mu     sync.Mutex
	server *MQTT.Server
	host   string
	port   int
}

// Start creates the broker with listeners from broker.yaml (or a single TCP
// listener on the given host/port when the file is absent) and starts the
// serve loop.
func Start(host string, port int) (*Broker, error) {
	b := &Broker{host: host, port: port}

	s, err := b.startInstance()
	if err != nil {
		return nil, err
	}
	b.server = s
	return b, nil
}

// startInstance builds and serves one broker instance.
func (b *Broker) startInstance() (*MQTT.Server, error) {
	cfg, err := loadConfig("broker.yaml")
	if err != nil {
		cfg = &Config{Listeners: []ListenerConfig{
			{ID: "t1", Address: fmt.Sprintf("%s:%d", b.host, b.port), Type: "tcp"},
		}}
	}

	s := MQTT.New(&MQTT.Options{
		InlineClient: true,
	})

	if err := addAuthHook(s, cfg.Auth); err != nil {
		return nil, fmt.Errorf("add auth hook: %v", err)
	}
	if err := createListeners(s, cfg.Listeners); err != nil {
		return nil, fmt.Errorf("add listeners: %v", err)
	}

	go func() {
		if err := s.Serve(); err != nil {
			logrus.Errorf("MQTT-Broker: serve error: %v", err)
		}
	}()

	logrus.Infof("MQTT-Broker: started with %d listeners", len(cfg.Listeners))
	return s, nil
}

// Stop closes the running server; Restart or a new Start brings it back.
func (b *Broker) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.server == nil {
		logrus.Info("MQTT-Broker: not running")
		return
	}
	if err := b.server.Close(); err != nil {
		logrus.Warnf("MQTT-Broker: close: %v", err)
	}
	b.server = nil
	logrus.Info("MQTT-Broker: stopped")
}

// Restart bounces the broker, re-reading broker.yaml. Connected clients are
// dropped and must reconnect.
func (b *Broker) Restart() error {
	b.Stop()
	time.Sleep(500 * time.Millisecond) // let listener sockets release

	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.startInstance()
	if err != nil {
		return fmt.Errorf("restart broker: %v", err)
	}
	b.server = s
	logrus.Info("MQTT-Broker: restarted")
	return nil
}

// addAuthHook accepts anonymous clients unless credentials are configured.
func addAuthHook(s *MQTT.Server, entries []AuthEntry) error {
	if len(entries) == 0 {
		return s.AddHook(new(auth.AllowHook), nil)
	}

	ledger := map[string]interface{}{"auth": entries}
	data, err := yaml.Marshal(ledger)
	if err != nil {
		return err
	}
	return s.AddHook(new(auth.Hook), &auth.Options{Data: data})
}

func loadConfig(filename string) (*Config, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Listeners) == 0 {
		return nil, fmt.Errorf("no listeners configured")
	}
	return &cfg, nil
}

func createListeners(server *MQTT.Server, configs []ListenerConfig) error {
	for _, lc := range configs {
		var l listeners.Listener

		switch lc.Type {
		case "tcp", "":
			l = listeners.NewTCP(listeners.Config{ID: lc.ID, Address: lc.Address})
		case "websocket":
			l = listeners.NewWebsocket(listeners.Config{ID: lc.ID, Address: lc.Address})
		default:
			logrus.Warnf("MQTT-Broker: unknown listener type %q", lc.Type)
			continue
		}

		if err := server.AddListener(l); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broker) current() *MQTT.Server {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.server
}

// Publish sends a message through the inline client.
func (b *Broker) Publish(topic string, payload []byte, retain bool, qos byte) error {
	s := b.current()
	if s == nil {
		return fmt.Errorf("broker is not running")
	}
	return s.Publish(topic, payload, retain, qos)
}

// ClientCount reports how many clients are connected.
func (b *Broker) ClientCount() int {
	s := b.current()
	if s == nil {
		return 0
	}
	return int(s.Info.Clone().ClientsConnected)
}

// MessageCount reports the number of messages the broker has received.
func (b *Broker) MessageCount() int64 {
	s := b.current()
	if s == nil {
		return 0
	}
	return s.Info.Clone().MessagesReceived
}

// SubscriptionCount reports the number of active subscriptions.
func (b *Broker) SubscriptionCount() int {
	s := b.current()
	if s == nil {
		return 0
	}
	return int(s.Info.Clone().Subscriptions)
}

// Close shuts the broker down for good.
func (b *Broker) Close() {
	b.Stop()
}
