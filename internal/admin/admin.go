// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package admin serves the gateway's read-only operator surface
// (SPEC_FULL.md §4.16): /healthz, /stats, and a /ws feed of state
// transitions and periodic stat snapshots. It never touches the Modbus
// request path — a slow or absent admin client must not affect gateway
// throughput.
package admin

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/modbusgw/gateway/internal/health"
)

// Stats is a point-in-time snapshot of gateway activity, rendered by
// /stats and pushed over /ws (SPEC_FULL.md §4.16).
type Stats struct {
	SerialState string         `json:"serial_state"`
	QueueDepth  int            `json:"queue_depth"`
	DedupSize   int            `json:"dedup_size"`
	Connections int            `json:"tcp_connections"`
	Health      health.Status  `json:"health"`
	Checks      map[string]any `json:"checks"`
}

// StatsFunc produces a fresh Stats snapshot on demand.
type StatsFunc func() Stats

// EventType discriminates pushed /ws messages.
type EventType string

const (
	EventStateTransition EventType = "state_transition"
	EventStatsSnapshot   EventType = "stats_snapshot"
	EventTransaction     EventType = "transaction"
)

// Event is one message pushed to /ws subscribers.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Server is the admin HTTP+WS surface.
type Server struct {
	Address string
	Log     *zap.Logger
	Stats   StatsFunc

	app *fiber.App

	mu      sync.RWMutex
	clients map[*websocket.Conn]chan Event
}

// New builds an admin Server. statsFn is called on every /stats request
// and every periodic /ws push tick.
func New(address string, statsFn StatsFunc, log *zap.Logger) *Server {
	s := &Server{
		Address: address,
		Log:     log,
		Stats:   statsFn,
		clients: make(map[*websocket.Conn]chan Event),
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/healthz", s.handleHealthz)
	app.Get("/stats", s.handleStats)
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(s.handleWebSocket))
	s.app = app
	return s
}

func (s *Server) handleHealthz(c *fiber.Ctx) error {
	snap := s.Stats()
	status := fiber.StatusOK
	if snap.Health == health.StatusUnhealthy {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{
		"status": snap.Health,
		"checks": snap.Checks,
	})
}

func (s *Server) handleStats(c *fiber.Ctx) error {
	return c.JSON(s.Stats())
}

func (s *Server) handleWebSocket(c *websocket.Conn) {
	events := make(chan Event, 32)
	s.mu.Lock()
	s.clients[c] = events
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		close(events)
		c.Close()
	}()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	go func() {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			ev := Event{Type: EventStatsSnapshot, Timestamp: time.Now(), Data: s.Stats()}
			payload, _ := json.Marshal(ev)
			if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

// Publish fans a non-snapshot event (e.g. a serial session state
// transition) out to every connected /ws client. Fire-and-forget: a
// client whose buffer is full is skipped rather than blocking the
// publisher (SPEC_FULL.md §9 non-blocking invariant).
func (s *Server) Publish(evType EventType, data any) {
	ev := Event{Type: evType, Timestamp: time.Now(), Data: data}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.clients {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Start listens and serves until the app is shut down with Close.
func (s *Server) Start() error {
	s.Log.Info("admin surface listening", zap.String("addr", s.Address))
	if err := s.app.Listen(s.Address); err != nil {
		return fmt.Errorf("admin: listen on %s: %w", s.Address, err)
	}
	return nil
}

// Close shuts the admin HTTP server down.
func (s *Server) Close() error {
	return s.app.Shutdown()
}
