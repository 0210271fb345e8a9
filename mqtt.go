package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"stagelink.io/dspgw/sym"
)

const mqttConnectTimeout = 10 * time.Second

// PushPublisher forwards push notification batches from the device to
// an MQTT topic, one JSON array of records per message.
type PushPublisher struct {
	Logger *slog.Logger
	Topic  string
	client mqtt.Client
}

// NewPushPublisher connects to the broker configured in cfg. The paho
// client reconnects on its own; publishes during an outage are dropped.
func NewPushPublisher(cfg *Config, logger *slog.Logger) (*PushPublisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MqttBroker).
		SetClientID(cfg.MqttClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(false)

	if cfg.MqttUsername != "" {
		opts.SetUsername(cfg.MqttUsername)
		opts.SetPassword(cfg.MqttPassword)
	}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", "error", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect: timeout after %v", mqttConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	return &PushPublisher{
		Logger: logger,
		Topic:  cfg.MqttTopic,
		client: client,
	}, nil
}

// Run consumes the push channel until it is closed or the publisher is
// stopped by Close. Intended to run as a goroutine.
func (p *PushPublisher) Run(pushes <-chan []sym.Record) {
	for records := range pushes {
		p.publish(records)
	}
}

func (p *PushPublisher) publish(records []sym.Record) {
	payload, err := json.Marshal(toControlRecords(records))
	if err != nil {
		p.Logger.Error("Failed to encode push records", "error", err)
		return
	}

	token := p.client.Publish(p.Topic, 0, false, payload)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			p.Logger.Warn("Failed to publish push records", "error", err)
		}
	}()
}

// Close disconnects from the broker, allowing in-flight publishes a
// short grace period.
func (p *PushPublisher) Close() {
	p.client.Disconnect(250)
}
