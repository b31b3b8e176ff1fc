package dataforwarding

import (
	"encoding/json"
	"fmt"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
)

// mqttSink forwards samples to an external MQTT broker (not the embedded
// one).
type mqttSink struct {
	client MQTT.Client
	prefix string
}

func newMQTTSink(cfg SinkConfig) (Sink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("mqtt sink needs a broker url")
	}

	opts := MQTT.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID("ads-gateway-forwarder").
		SetPingTimeout(10 * time.Second).
		SetConnectTimeout(10 * time.Second).
		SetAutoReconnect(true)

	client := MQTT.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to external broker: %v", token.Error())
	}

	prefix := cfg.Topic
	if prefix == "" {
		prefix = "gateway"
	}
	return &mqttSink{client: client, prefix: prefix}, nil
}

func (s *mqttSink) Name() string { return "mqtt" }

func (s *mqttSink) Forward(sample Sample) error {
	payload, err := json.Marshal(sample)
	if err != nil {
		return err
	}

	topic := s.prefix + "/" + sample.VariableID
	token := s.client.Publish(topic, 0, false, payload)
	token.Wait()
	return token.Error()
}

func (s *mqttSink) Close() {
	s.client.Disconnect(250)
}
