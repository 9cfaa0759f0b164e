// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package telemetry

import (
	"context"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"github.com/modbusgw/gateway/internal/config"
)

// InfluxPublisher writes TransactionEvents to InfluxDB as points, one
// field set per completed request, tagged by unit and function code for
// per-device/per-operation dashboards (SPEC_FULL.md §4.17).
type InfluxPublisher struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPIBlocking
	measurement string
	log         *zap.Logger
}

// NewInfluxPublisher builds a publisher against cfg. It does not verify
// connectivity at construction: InfluxDB's blocking write API surfaces
// errors per-write instead, which Publish logs and discards.
func NewInfluxPublisher(cfg config.InfluxConfig, log *zap.Logger) *InfluxPublisher {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	measurement := cfg.Measurement
	if measurement == "" {
		measurement = "modbus_transaction"
	}
	return &InfluxPublisher{
		client:      client,
		writeAPI:    client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		measurement: measurement,
		log:         log,
	}
}

// Publish writes ev as a single point from a background goroutine, so the
// caller never waits on InfluxDB. Fire-and-forget: errors are logged and
// swallowed, matching MQTTPublisher's discipline (SPEC_FULL.md §9).
func (p *InfluxPublisher) Publish(ev TransactionEvent) {
	tags := map[string]string{
		"unit_id":       strconv.Itoa(int(ev.UnitID)),
		"function_code": strconv.Itoa(int(ev.FunctionCode)),
	}
	fields := map[string]interface{}{
		"success":    ev.Success,
		"error_kind": ev.ErrorKind,
		"latency_ms": ev.LatencyMS,
		"address":    ev.Address,
	}
	point := write.NewPoint(p.measurement, tags, fields, ev.Completed)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := p.writeAPI.WritePoint(ctx, point); err != nil {
			p.log.Warn("influx write failed", zap.Error(err))
		}
	}()
}

// Close releases the InfluxDB client's HTTP resources.
func (p *InfluxPublisher) Close() {
	p.client.Close()
}
