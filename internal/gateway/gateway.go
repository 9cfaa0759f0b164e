// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package gateway wires the Serialization Engine, Write-Dedup Cache,
// Serial Transport, TCP Frontend, health checker, admin surface, and
// telemetry/audit publishers into a single running process (SPEC_FULL.md
// §5), and owns its start/shutdown lifecycle.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/modbusgw/gateway/internal/admin"
	"github.com/modbusgw/gateway/internal/audit"
	"github.com/modbusgw/gateway/internal/config"
	"github.com/modbusgw/gateway/internal/dedup"
	"github.com/modbusgw/gateway/internal/engine"
	"github.com/modbusgw/gateway/internal/health"
	"github.com/modbusgw/gateway/internal/logger"
	"github.com/modbusgw/gateway/internal/rtutransport"
	"github.com/modbusgw/gateway/internal/serialport"
	"github.com/modbusgw/gateway/internal/tcpserver"
	"github.com/modbusgw/gateway/internal/telemetry"
)

// Gateway is a single running instance: one TCP frontend, one engine, one
// serial transport, and the ambient health/admin/telemetry/audit
// components wired around them (spec §5: "exactly one Serialization
// Engine and one Serial Session per gateway process").
type Gateway struct {
	cfg *config.Config
	log *zap.Logger

	dedupCache *dedup.Cache
	mirror     *dedup.RedisMirror
	transport  *rtutransport.Transport
	engine     *engine.Engine
	tcp        *tcpserver.Server
	health     *health.Checker
	adminSrv   *admin.Server
	mqtt       *telemetry.MQTTPublisher
	influx     *telemetry.InfluxPublisher
	auditLog   *audit.Log
	sweeper    *cron.Cron
}

// New builds a Gateway from cfg but does not start anything yet.
func New(cfg *config.Config, log *zap.Logger) (*Gateway, error) {
	g := &Gateway{cfg: cfg, log: log}

	g.dedupCache = dedup.New(cfg.Dedup.TTL)
	if cfg.Dedup.Redis.Enabled {
		g.mirror = dedup.NewRedisMirror(cfg.Dedup.Redis.Addr, cfg.Dedup.Redis.Password, cfg.Dedup.Redis.DB, 10*cfg.Dedup.TTL)
		g.dedupCache.SetMirror(g.mirror)
	}

	port := serialport.New(cfg.Serial)
	g.transport = rtutransport.New(port, cfg.Serial, log)
	g.engine = engine.New(g.transport, cfg.Engine.QueueBound)

	g.tcp = tcpserver.New(
		fmt.Sprintf("%s:%d", cfg.TCP.Host, cfg.TCP.Port),
		g.engine,
		g.dedupCache,
		cfg.Engine.GatewayTimeout,
		log,
	)

	g.health = health.NewChecker()
	g.health.Register("serial_session", health.SerialSessionCheck(func() string { return g.transport.State().String() }), 5*time.Second)
	g.health.Register("engine_queue", health.EngineDepthCheck(g.engine.Depth, cfg.Engine.QueueBound), 5*time.Second)

	if cfg.Admin.Enabled {
		g.adminSrv = admin.New(cfg.Admin.Address, g.snapshotStats, log)
		g.transport.OnStateChange = func(s rtutransport.State) {
			g.adminSrv.Publish(admin.EventStateTransition, map[string]string{"state": s.String()})
		}
	}

	if cfg.Telemetry.MQTT.Enabled {
		g.mqtt = telemetry.NewMQTTPublisher(cfg.Telemetry.MQTT, log)
	}
	if cfg.Telemetry.Influx.Enabled {
		g.influx = telemetry.NewInfluxPublisher(cfg.Telemetry.Influx, log)
	}
	if cfg.Audit.Enabled {
		a, err := audit.Open(cfg.Audit.Path, log)
		if err != nil {
			return nil, fmt.Errorf("gateway: open audit log: %w", err)
		}
		g.auditLog = a
	}

	if g.mqtt != nil || g.influx != nil || g.auditLog != nil || g.adminSrv != nil {
		g.tcp.OnTransaction = g.publishTransaction
	}

	return g, nil
}

// publishTransaction fans ev out to every configured sink (SPEC_FULL.md
// §4.17/§4.18) and pushes a WebSocket event to any connected admin
// clients. Every sink is fire-and-forget by construction; this method
// never blocks on I/O.
func (g *Gateway) publishTransaction(ev telemetry.TransactionEvent) {
	if g.mqtt != nil {
		g.mqtt.Publish(ev)
	}
	if g.influx != nil {
		g.influx.Publish(ev)
	}
	if g.auditLog != nil {
		g.auditLog.RecordTransactionEvent(ev)
	}
	if g.adminSrv != nil {
		g.adminSrv.Publish(admin.EventTransaction, ev)
	}
}

// Start runs the gateway until ctx is cancelled. It starts the engine
// worker, the TCP frontend listener, the admin surface (if enabled), the
// periodic health checker, and a cron-driven dedup-cache sweep, then
// blocks until ctx.Done().
func (g *Gateway) Start(ctx context.Context) error {
	g.log.Info("starting gateway",
		zap.String("tcp_addr", fmt.Sprintf("%s:%d", g.cfg.TCP.Host, g.cfg.TCP.Port)),
		zap.String("serial_port", g.cfg.Serial.Port),
	)

	go g.engine.Run(ctx)
	g.health.StartPeriodic(ctx)
	g.startSweeper()

	if g.adminSrv != nil {
		go func() {
			if err := g.adminSrv.Start(); err != nil {
				g.log.Warn("admin server stopped", zap.Error(err))
			}
		}()
	}

	if err := g.tcp.Start(ctx); err != nil {
		return fmt.Errorf("gateway: start tcp frontend: %w", err)
	}

	<-ctx.Done()
	return g.shutdown()
}

// startSweeper schedules the periodic dedup-cache history eviction via
// robfig/cron rather than leaving it purely lazy: a bus that goes quiet
// (no further writes submitted) would otherwise never trigger
// internal/dedup's own lazy eviction-on-write-submission path, so a
// standing sweep keeps memory bounded even during idle periods
// (SPEC_FULL.md §4.3).
func (g *Gateway) startSweeper() {
	g.sweeper = cron.New()
	_, err := g.sweeper.AddFunc("@every 1m", g.dedupCache.Sweep)
	if err != nil {
		g.log.Warn("failed to schedule dedup sweep", zap.Error(err))
		return
	}
	g.sweeper.Start()
}

// shutdown closes components in reverse dependency order: stop accepting
// new TCP work first, then release the serial port and ambient sinks. The
// engine is not touched here: its worker drains the queue by itself once
// ctx is cancelled (engine.Run), and shutdown does not wait for it.
func (g *Gateway) shutdown() error {
	g.log.Info("shutting down gateway")

	if g.sweeper != nil {
		g.sweeper.Stop()
	}
	if err := g.tcp.Close(); err != nil {
		g.log.Warn("tcp frontend close error", zap.Error(err))
	}
	if err := g.transport.Close(); err != nil {
		g.log.Warn("serial transport close error", zap.Error(err))
	}
	if g.adminSrv != nil {
		if err := g.adminSrv.Close(); err != nil {
			g.log.Warn("admin server close error", zap.Error(err))
		}
	}
	if g.mqtt != nil {
		g.mqtt.Close()
	}
	if g.influx != nil {
		g.influx.Close()
	}
	if g.mirror != nil {
		if err := g.mirror.Close(); err != nil {
			g.log.Warn("redis mirror close error", zap.Error(err))
		}
	}
	if g.auditLog != nil {
		if err := g.auditLog.Close(); err != nil {
			g.log.Warn("audit log close error", zap.Error(err))
		}
	}
	return nil
}

// ApplyReloadable updates the fields SPEC_FULL.md §4.6 marks safe to
// change without a restart: log level, dedup TTL, and the gateway-await
// timeout. queue_bound is deliberately excluded — the engine's queue is a
// fixed-capacity channel and resizing it at runtime would mean either
// draining in-flight requests or running two queues briefly, both of
// which violate the "exactly one FIFO queue" invariant (spec §4.2); a
// changed queue_bound is logged and otherwise ignored until restart,
// mirroring how WatchReloadable already holds serial/tcp fixed.
func (g *Gateway) ApplyReloadable(cfg *config.Config) {
	logger.SetLevel(cfg.Log.Level)
	g.dedupCache.SetTTL(cfg.Dedup.TTL)
	g.tcp.SetGatewayTimeout(cfg.Engine.GatewayTimeout)
	if cfg.Engine.QueueBound != g.cfg.Engine.QueueBound {
		g.log.Warn("engine.queue_bound changed on disk but requires a restart to take effect; ignoring")
	}
	g.cfg = cfg
}

// snapshotStats builds the admin surface's point-in-time view
// (SPEC_FULL.md §4.16).
func (g *Gateway) snapshotStats() admin.Stats {
	status, checks := g.health.Snapshot()
	anyChecks := make(map[string]any, len(checks))
	for name, r := range checks {
		anyChecks[name] = r
	}
	return admin.Stats{
		SerialState: g.transport.State().String(),
		QueueDepth:  g.engine.Depth(),
		DedupSize:   g.dedupCache.Len(),
		Connections: g.tcp.Connections(),
		Health:      status,
		Checks:      anyChecks,
	}
}
