// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package telemetry publishes per-request timing events to external
// observability sinks (SPEC_FULL.md §4.17): MQTT for event-driven
// consumers, InfluxDB for time-series storage. Both publishers are
// fire-and-forget — a slow or unreachable sink must never add latency to
// a Modbus transaction.
package telemetry

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/modbusgw/gateway/internal/config"
)

// TransactionEvent is what gets published per completed engine.Request
// (SPEC_FULL.md §4.17).
type TransactionEvent struct {
	RequestID    string    `json:"request_id"`
	UnitID       byte      `json:"unit_id"`
	FunctionCode byte      `json:"function_code"`
	Address      uint16    `json:"address"`
	Success      bool      `json:"success"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	Enqueued     time.Time `json:"enqueued"`
	Completed    time.Time `json:"completed"`
	LatencyMS    float64   `json:"latency_ms"`
}

// MQTTPublisher publishes TransactionEvents to a broker topic.
type MQTTPublisher struct {
	client mqtt.Client
	topic  string
	qos    byte
	log    *zap.Logger

	mu        sync.RWMutex
	connected bool
}

// NewMQTTPublisher connects to cfg.Broker. Connection failures at
// construction time are logged but never returned as fatal: telemetry is
// best-effort and must not block gateway startup (SPEC_FULL.md §9).
func NewMQTTPublisher(cfg config.MQTTConfig, log *zap.Logger) *MQTTPublisher {
	p := &MQTTPublisher{topic: cfg.Topic, qos: 1, log: log}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("modbusgw_%d", time.Now().UnixNano())
	}
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetOnConnectHandler(func(mqtt.Client) {
		p.mu.Lock()
		p.connected = true
		p.mu.Unlock()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.mu.Lock()
		p.connected = false
		p.mu.Unlock()
		log.Warn("mqtt connection lost", zap.Error(err))
	})

	p.client = mqtt.NewClient(opts)
	token := p.client.Connect()
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			log.Warn("mqtt initial connect failed, will auto-reconnect", zap.Error(err))
		}
	}()
	return p
}

// Publish fire-and-forgets a TransactionEvent to the configured topic.
// Marshal or publish failures are logged, never returned: callers on the
// request path must not branch on telemetry outcomes.
func (p *MQTTPublisher) Publish(ev TransactionEvent) {
	p.mu.RLock()
	connected := p.connected
	p.mu.RUnlock()
	if !connected {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn("failed to marshal telemetry event", zap.Error(err))
		return
	}

	token := p.client.Publish(p.topic, p.qos, false, payload)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			p.log.Warn("mqtt publish failed", zap.Error(err))
		}
	}()
}

// Close disconnects the MQTT client.
func (p *MQTTPublisher) Close() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
