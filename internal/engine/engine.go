// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package engine implements the Serialization Engine (spec §4.2): a single
// FIFO work queue fed by many producers (TCP handlers) and drained by one
// consumer (the Serial Transport worker). It guarantees at most one RTU
// transaction in flight at any instant and strict FIFO ordering across all
// TCP connections.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Request is the unit of work flowing through the engine (spec §3).
type Request struct {
	ID           string
	UnitID       byte
	FunctionCode byte
	Address      uint16
	Count        uint16
	Values       []uint16 // normalized; for FC5/6 a single value, for FC15/16 a sequence

	Timestamps Timestamps

	completion chan Outcome
	once       sync.Once
}

// Timestamps captures the monotonic marks spec §3 asks for, used only for
// observability (SPEC_FULL.md §4.17 feeds these to InfluxDB).
type Timestamps struct {
	Enqueued time.Time
	Dequeued time.Time
	WireOut  time.Time
	WireIn   time.Time
	Complete time.Time
}

// Outcome is what the worker delivers to a Request's completion slot:
// either a Result or an error kind (spec §7).
type Outcome struct {
	Result Result
	Err    error
}

// Result is the decoded response payload (spec §3).
type Result struct {
	Bits  []bool   // FC1/2 reads, truncated to Count
	Words []uint16 // FC3/4 reads, truncated to Count; also write echoes
}

// Sentinel error kinds (spec §7). Transact implementations wrap these with
// %w so callers can errors.Is against them.
var (
	ErrRTUIOError      = errors.New("engine: rtu io error")
	ErrRTUUnavailable  = errors.New("engine: rtu unavailable")
	ErrInvalidRequest  = errors.New("engine: invalid request")
	ErrBackpressure    = errors.New("engine: queue full")
	ErrGatewayTimeout  = errors.New("engine: gateway timeout")
	ErrShuttingDown    = errors.New("engine: shutting down")
)

// ModbusException wraps spec's modbus_exception(code) error kind.
type ModbusException struct {
	Code byte
}

func (e *ModbusException) Error() string { return "engine: modbus exception" }

// Transactor performs a single RTU transaction synchronously relative to
// its caller. Implemented by internal/rtutransport.Transport.
type Transactor interface {
	Transact(ctx context.Context, req *Request) (Result, error)
}

// NewRequest builds a Request with a fresh completion slot (capacity 1, so
// the worker never blocks delivering an outcome to an abandoned caller —
// spec §5, §9 "cancellation is abandonment, not preemption").
func NewRequest(unitID, functionCode byte, address, count uint16, values []uint16) *Request {
	return &Request{
		ID:           uuid.NewString(),
		UnitID:       unitID,
		FunctionCode: functionCode,
		Address:      address,
		Count:        count,
		Values:       values,
		completion:   make(chan Outcome, 1),
	}
}

// signal delivers outcome to the Request's completion slot exactly once
// (spec §3 invariant). Safe to call multiple times; only the first call
// has effect, matching "cancellation is abandonment": if the caller
// already gave up and nobody will ever read this channel again, the send
// to the buffered channel of size 1 still succeeds without blocking.
func (r *Request) signal(o Outcome) {
	r.once.Do(func() {
		r.Timestamps.Complete = time.Now()
		r.completion <- o
	})
}

// Engine is the single global FIFO queue and its worker.
type Engine struct {
	queue chan *Request
	tx    Transactor

	closeOnce sync.Once
	done      chan struct{}
}

// New creates an Engine bound to transactor tx, with queue capacity bound.
func New(tx Transactor, bound int) *Engine {
	return &Engine{
		queue: make(chan *Request, bound),
		tx:    tx,
		done:  make(chan struct{}),
	}
}

// Submit places req at the tail of the queue (spec §4.2 submit contract).
// Safe for concurrent callers. Returns ErrBackpressure immediately if the
// queue is full, ErrShuttingDown if the engine has already begun shutdown.
func (e *Engine) Submit(req *Request) error {
	req.Timestamps.Enqueued = time.Now()
	select {
	case <-e.done:
		req.signal(Outcome{Err: ErrShuttingDown})
		return ErrShuttingDown
	default:
	}

	select {
	case e.queue <- req:
		return nil
	default:
		req.signal(Outcome{Err: ErrBackpressure})
		return ErrBackpressure
	}
}

// Await blocks until req's completion is signalled or ctx is done. On
// ctx cancellation the caller abandons the wait (spec §5, §9): the worker
// still executes the transaction and its eventual outcome is discarded
// because nothing reads the completion channel again.
func (e *Engine) Await(ctx context.Context, req *Request) (Result, error) {
	select {
	case o := <-req.completion:
		return o.Result, o.Err
	case <-ctx.Done():
		return Result{}, ErrGatewayTimeout
	}
}

// Run is the single worker loop: pull the head of the queue, call the
// transactor, signal completion, repeat. It never drops a request — on
// transactor error it signals completion with that error and continues
// (spec §4.2). Run returns when ctx is done, after draining.
func (e *Engine) Run(ctx context.Context) {
	for {
		// Check ctx first so that, once cancelled, queued requests are
		// failed with ErrShuttingDown instead of being sent to the bus.
		select {
		case <-ctx.Done():
			e.shutdown()
			return
		default:
		}
		select {
		case <-ctx.Done():
			e.shutdown()
			return
		case req, ok := <-e.queue:
			if !ok {
				return
			}
			e.process(ctx, req)
		}
	}
}

func (e *Engine) process(ctx context.Context, req *Request) {
	req.Timestamps.Dequeued = time.Now()
	result, err := e.tx.Transact(ctx, req)
	req.signal(Outcome{Result: result, Err: err})
}

// shutdown stops accepting new submissions and drains outstanding
// requests by failing each with ErrShuttingDown (spec §4.2 shutdown
// contract).
func (e *Engine) shutdown() {
	e.closeOnce.Do(func() {
		close(e.done)
	})
	for {
		select {
		case req := <-e.queue:
			req.signal(Outcome{Err: ErrShuttingDown})
		default:
			return
		}
	}
}

// Depth returns the current number of requests waiting in the queue,
// for health/admin reporting (SPEC_FULL.md §4.15, §4.16).
func (e *Engine) Depth() int {
	return len(e.queue)
}
