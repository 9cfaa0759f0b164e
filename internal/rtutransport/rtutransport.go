// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package rtutransport implements the Serial Transport (spec §4.1): it
// owns the single RS-485 port, performs one RTU transaction at a time,
// enforces inter-transaction pacing, and runs the Serial Session state
// machine (spec §4.5: Closed -> Connecting -> Open <-> Degraded -> Closed).
package rtutransport

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/modbusgw/gateway/internal/config"
	"github.com/modbusgw/gateway/internal/engine"
	"github.com/modbusgw/gateway/internal/modbus"
	"github.com/modbusgw/gateway/internal/rtuframe"
)

// serialPort is the subset of *serialport.Port the transport depends on.
// Declared here so tests can substitute a fake port without a real RS-485
// device.
type serialPort interface {
	IsOpen() bool
	Open() error
	Close() error
	Write(frame []byte) (int, error)
	Reader() io.Reader
}

// State is the Serial Session state (spec §4.5).
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Transport implements engine.Transactor over a single RS-485 serial port.
// It is driven exclusively by the engine's worker goroutine (spec §5): no
// method here needs to guard against concurrent callers of Transact, but
// State()/reconnect bookkeeping is guarded since health/admin read it from
// other goroutines.
type Transport struct {
	port serialPort
	log  *zap.Logger

	respTimeout    time.Duration
	turnaround     time.Duration
	reconnectMax   int
	reconnectDelay time.Duration

	// OnStateChange, if set, is notified of every Serial Session state
	// transition (SPEC_FULL.md §4.16, fed to the admin surface's /ws
	// feed). Must not block.
	OnStateChange func(State)

	mu             sync.Mutex
	state          State
	consecutiveIO  int
	lastTransition time.Time
}

// New builds a Transport bound to port. cfg supplies timeouts and retry
// policy (spec §4.1, §4.5 defaults).
func New(port serialPort, cfg config.SerialConfig, log *zap.Logger) *Transport {
	respTimeout := cfg.Timeout
	if respTimeout <= 0 {
		respTimeout = 500 * time.Millisecond
	}
	turnaround := cfg.Turnaround
	if turnaround <= 0 {
		turnaround = 10 * time.Millisecond
	}
	reconnectMax := cfg.ReconnectMaxAttempts
	if reconnectMax <= 0 {
		reconnectMax = 3
	}
	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = 500 * time.Millisecond
	}
	return &Transport{
		port:           port,
		log:            log,
		respTimeout:    respTimeout,
		turnaround:     turnaround,
		reconnectMax:   reconnectMax,
		reconnectDelay: reconnectDelay,
		state:          StateClosed,
		lastTransition: time.Now(),
	}
}

// State reports the current Serial Session state, for health/admin (spec
// §4.15, §4.16).
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	changed := t.state != s
	t.state = s
	t.lastTransition = time.Now()
	t.mu.Unlock()
	if changed {
		t.log.Info("serial session state transition", zap.String("state", s.String()))
		if t.OnStateChange != nil {
			t.OnStateChange(s)
		}
	}
}

// Transact performs one full RTU transaction for req, enforcing
// ensure_open, broadcast handling, exception decoding, and the
// inter-transaction quiet time (spec §4.1). It implements
// engine.Transactor.
func (t *Transport) Transact(ctx context.Context, req *engine.Request) (engine.Result, error) {
	defer t.pace()

	if err := t.ensureOpen(ctx); err != nil {
		return engine.Result{}, engine.ErrRTUUnavailable
	}

	pdu, err := encodeRequestPDU(req)
	if err != nil {
		return engine.Result{}, fmt.Errorf("%w: %v", engine.ErrInvalidRequest, err)
	}
	adu := &rtuframe.ADU{UnitID: req.UnitID, Pdu: pdu}
	raw, err := rtuframe.Encode(adu)
	if err != nil {
		return engine.Result{}, fmt.Errorf("%w: %v", engine.ErrInvalidRequest, err)
	}

	req.Timestamps.WireOut = time.Now()
	if _, err := t.port.Write(raw); err != nil {
		t.onIOError()
		return engine.Result{}, fmt.Errorf("%w: %v", engine.ErrRTUIOError, err)
	}

	if req.UnitID == 0 {
		// Broadcast: fan-and-forget. No reply is expected; framing noise on
		// the bus in the turnaround window is not an error (spec §4.1).
		return engine.Result{}, nil
	}

	deadline := time.Now().Add(t.respTimeout)
	respRaw, err := rtuframe.ReadResponse(req.UnitID, pdu.FunctionCode, t.port.Reader(), deadline)
	req.Timestamps.WireIn = time.Now()
	if err != nil {
		t.onIOError()
		return engine.Result{}, fmt.Errorf("%w: %v", engine.ErrRTUIOError, err)
	}

	respADU, err := rtuframe.Decode(respRaw)
	if err != nil {
		t.onIOError()
		return engine.Result{}, fmt.Errorf("%w: %v", engine.ErrRTUIOError, err)
	}

	t.onSuccess()

	if modbus.IsException(respADU.Pdu.FunctionCode) {
		code := byte(0)
		if len(respADU.Pdu.Data) > 0 {
			code = respADU.Pdu.Data[0]
		}
		return engine.Result{}, &engine.ModbusException{Code: code}
	}

	return decodeResponsePDU(req, respADU.Pdu)
}

// ensureOpen implements spec §4.1's ensure_open: if not Open, attempt to
// open with up to reconnectMax retries and a short back-off, else mark
// Degraded. If already Degraded, only retries after reconnectDelay has
// elapsed (spec §4.5: "Degraded -> Connecting: after reconnect_delay and
// presence of at least one queued request" — Transact being called at all
// is evidence of a queued request).
func (t *Transport) ensureOpen(ctx context.Context) error {
	if t.port.IsOpen() {
		t.setState(StateOpen)
		return nil
	}

	t.mu.Lock()
	sinceDegraded := time.Since(t.lastTransition)
	wasDegraded := t.state == StateDegraded
	t.mu.Unlock()
	if wasDegraded && sinceDegraded < t.reconnectDelay {
		return fmt.Errorf("rtutransport: degraded, reconnect delay not elapsed")
	}

	t.setState(StateConnecting)
	var lastErr error
	for attempt := 0; attempt < t.reconnectMax; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := t.port.Open(); err != nil {
			lastErr = err
			t.log.Warn("serial port open failed", zap.Int("attempt", attempt+1), zap.Error(err))
			time.Sleep(100 * time.Millisecond)
			continue
		}
		t.setState(StateOpen)
		t.mu.Lock()
		t.consecutiveIO = 0
		t.mu.Unlock()
		return nil
	}
	t.setState(StateDegraded)
	return lastErr
}

// onIOError tracks rtu_io_error occurrences; every occurrence closes the
// port and marks the session Degraded, forcing a reopen on the next
// transaction (spec §4.5: "Open -> Degraded: any rtu_io_error").
func (t *Transport) onIOError() {
	t.mu.Lock()
	t.consecutiveIO++
	degrade := t.consecutiveIO >= 1
	t.mu.Unlock()
	if degrade {
		_ = t.port.Close()
		t.setState(StateDegraded)
	}
}

func (t *Transport) onSuccess() {
	t.mu.Lock()
	t.consecutiveIO = 0
	t.mu.Unlock()
	t.setState(StateOpen)
}

// pace enforces the inter-transaction quiet time (spec §4.1: "after
// completing any transaction, wait at least 10ms before starting the
// next").
func (t *Transport) pace() {
	time.Sleep(t.turnaround)
}

// Close releases the underlying serial port.
func (t *Transport) Close() error {
	t.setState(StateClosed)
	return t.port.Close()
}

func encodeRequestPDU(req *engine.Request) (modbus.ProtocolDataUnit, error) {
	switch req.FunctionCode {
	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters:
		if req.UnitID == 0 {
			return modbus.ProtocolDataUnit{}, fmt.Errorf("reads addressed to unit 0 are invalid")
		}
		data := make([]byte, 4)
		binary.BigEndian.PutUint16(data[0:], req.Address)
		binary.BigEndian.PutUint16(data[2:], req.Count)
		return modbus.ProtocolDataUnit{FunctionCode: req.FunctionCode, Data: data}, nil

	case modbus.FuncCodeWriteSingleCoil:
		data := make([]byte, 4)
		binary.BigEndian.PutUint16(data[0:], req.Address)
		v := uint16(0)
		if len(req.Values) > 0 && req.Values[0] != 0 {
			v = 0xFF00
		}
		binary.BigEndian.PutUint16(data[2:], v)
		return modbus.ProtocolDataUnit{FunctionCode: req.FunctionCode, Data: data}, nil

	case modbus.FuncCodeWriteSingleRegister:
		data := make([]byte, 4)
		binary.BigEndian.PutUint16(data[0:], req.Address)
		if len(req.Values) > 0 {
			binary.BigEndian.PutUint16(data[2:], req.Values[0])
		}
		return modbus.ProtocolDataUnit{FunctionCode: req.FunctionCode, Data: data}, nil

	case modbus.FuncCodeWriteMultipleCoils:
		byteCount := (len(req.Values) + 7) / 8
		data := make([]byte, 5+byteCount)
		binary.BigEndian.PutUint16(data[0:], req.Address)
		binary.BigEndian.PutUint16(data[2:], uint16(len(req.Values)))
		data[4] = byte(byteCount)
		for i, v := range req.Values {
			if v != 0 {
				data[5+i/8] |= 1 << uint(i%8)
			}
		}
		return modbus.ProtocolDataUnit{FunctionCode: req.FunctionCode, Data: data}, nil

	case modbus.FuncCodeWriteMultipleRegisters:
		data := make([]byte, 5+len(req.Values)*2)
		binary.BigEndian.PutUint16(data[0:], req.Address)
		binary.BigEndian.PutUint16(data[2:], uint16(len(req.Values)))
		data[4] = byte(len(req.Values) * 2)
		for i, v := range req.Values {
			binary.BigEndian.PutUint16(data[5+i*2:], v)
		}
		return modbus.ProtocolDataUnit{FunctionCode: req.FunctionCode, Data: data}, nil

	default:
		return modbus.ProtocolDataUnit{}, fmt.Errorf("unsupported function code %#x", req.FunctionCode)
	}
}

func decodeResponsePDU(req *engine.Request, pdu modbus.ProtocolDataUnit) (engine.Result, error) {
	switch pdu.FunctionCode {
	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs:
		if len(pdu.Data) < 1 {
			return engine.Result{}, fmt.Errorf("%w: %s", engine.ErrRTUIOError, hex.EncodeToString(pdu.Data))
		}
		bits := make([]bool, 0, req.Count)
		payload := pdu.Data[1:]
		for i := uint16(0); i < req.Count; i++ {
			byteIdx := i / 8
			if int(byteIdx) >= len(payload) {
				break
			}
			bits = append(bits, payload[byteIdx]&(1<<uint(i%8)) != 0)
		}
		return engine.Result{Bits: bits}, nil

	case modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters:
		if len(pdu.Data) < 1 {
			return engine.Result{}, fmt.Errorf("%w: short register payload", engine.ErrRTUIOError)
		}
		payload := pdu.Data[1:]
		words := make([]uint16, 0, req.Count)
		for i := 0; i+1 < len(payload) && len(words) < int(req.Count); i += 2 {
			words = append(words, binary.BigEndian.Uint16(payload[i:]))
		}
		return engine.Result{Words: words}, nil

	case modbus.FuncCodeWriteSingleCoil, modbus.FuncCodeWriteSingleRegister,
		modbus.FuncCodeWriteMultipleCoils, modbus.FuncCodeWriteMultipleRegisters:
		return engine.Result{Words: req.Values}, nil

	default:
		return engine.Result{}, nil
	}
}

// compile-time assertion that Transport satisfies engine.Transactor.
var _ engine.Transactor = (*Transport)(nil)
