// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package tcpserver implements the TCP Frontend (spec §4.4): it terminates
// Modbus TCP, decodes inbound PDUs, consults the dedup cache, submits to
// the Serialization Engine, and maps every outcome back to a TCP response.
package tcpserver

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/modbusgw/gateway/internal/dedup"
	"github.com/modbusgw/gateway/internal/engine"
	"github.com/modbusgw/gateway/internal/modbus"
	"github.com/modbusgw/gateway/internal/tcpframe"
	"github.com/modbusgw/gateway/internal/telemetry"
)

// Submitter is the subset of *engine.Engine the frontend depends on.
type Submitter interface {
	Submit(req *engine.Request) error
	Await(ctx context.Context, req *engine.Request) (engine.Result, error)
}

// Server is the Modbus TCP Frontend.
type Server struct {
	Address string
	Engine  Submitter
	Dedup   *dedup.Cache
	Log     *zap.Logger

	// OnTransaction, if set, is called once per completed dispatch with a
	// telemetry event (SPEC_FULL.md §4.17/§4.18). It must not block: both
	// telemetry publishers and the audit log only ever enqueue.
	OnTransaction func(telemetry.TransactionEvent)

	listener       net.Listener
	conns          int64
	gatewayTimeout int64 // nanoseconds; hot-reloadable (SPEC_FULL.md §4.6)
}

// New builds a Server bound to address. gatewayTimeout bounds how long a
// connection waits for the engine to complete a request before surfacing
// a gateway_timeout exception (spec §7).
func New(address string, eng Submitter, dedupCache *dedup.Cache, gatewayTimeout time.Duration, log *zap.Logger) *Server {
	s := &Server{
		Address: address,
		Engine:  eng,
		Dedup:   dedupCache,
		Log:     log,
	}
	s.SetGatewayTimeout(gatewayTimeout)
	return s
}

// SetGatewayTimeout updates the per-request engine-await timeout. Safe to
// call concurrently with in-flight dispatches (SPEC_FULL.md §4.6 hot
// reload).
func (s *Server) SetGatewayTimeout(d time.Duration) {
	atomic.StoreInt64(&s.gatewayTimeout, int64(d))
}

// GatewayTimeout reports the current per-request engine-await timeout,
// for tests and admin/health reporting.
func (s *Server) GatewayTimeout() time.Duration {
	return time.Duration(atomic.LoadInt64(&s.gatewayTimeout))
}

// Connections reports the number of currently open client connections,
// for admin/health reporting.
func (s *Server) Connections() int {
	return int(atomic.LoadInt64(&s.conns))
}

// Start listens on s.Address and serves connections until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.Address)
	if err != nil {
		return fmt.Errorf("tcpserver: listen on %s: %w", s.Address, err)
	}
	s.listener = listener
	s.Log.Info("modbus tcp frontend listening", zap.String("addr", s.Address))

	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.Log.Error("accept failed", zap.Error(err))
				continue
			}
		}
		go s.handleConnection(ctx, conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr()
	s.Log.Info("tcp client connected", zap.Stringer("addr", remote))

	atomic.AddInt64(&s.conns, 1)
	defer atomic.AddInt64(&s.conns, -1)

	buf := make([]byte, tcpframe.MaxSize+1)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := conn.Read(buf)
		if err != nil {
			s.Log.Info("tcp client disconnected", zap.Stringer("addr", remote), zap.Error(err))
			return
		}
		if n > tcpframe.MaxSize {
			s.Log.Warn("request exceeds max adu size, dropping connection", zap.Int("length", n), zap.Stringer("addr", remote))
			return
		}

		reqADU, err := tcpframe.Decode(buf[:n])
		if err != nil {
			s.Log.Warn("failed to decode tcp request", zap.Error(err), zap.Stringer("addr", remote))
			continue
		}

		respPdu := s.dispatch(ctx, reqADU)

		respADU := &tcpframe.ADU{
			TransactionID: reqADU.TransactionID,
			ProtocolID:    reqADU.ProtocolID,
			Length:        uint16(1 + len(respPdu.Data) + 1),
			UnitID:        reqADU.UnitID,
			Pdu:           respPdu,
		}
		raw, err := tcpframe.Encode(respADU)
		if err != nil {
			s.Log.Error("failed to encode tcp response", zap.Error(err))
			continue
		}
		if _, err := conn.Write(raw); err != nil {
			s.Log.Warn("failed to write response", zap.Error(err), zap.Stringer("addr", remote))
			return
		}
	}
}

// dispatch decodes one PDU, consults the dedup cache for write requests,
// submits to the engine, and maps the outcome to a response PDU (spec
// §4.4, §7). It never returns an error — every failure becomes a Modbus
// exception PDU per the gateway's "always surface, never swallow"
// invariant (spec §9).
func (s *Server) dispatch(ctx context.Context, reqADU *tcpframe.ADU) modbus.ProtocolDataUnit {
	fc := reqADU.Pdu.FunctionCode
	if !modbus.IsSupportedFunction(fc) {
		return exceptionPDU(fc, modbus.ExcIllegalFunction)
	}

	req, excCode := decodeRequest(reqADU)
	if excCode != 0 {
		return exceptionPDU(fc, excCode)
	}

	var err error
	defer func() { s.publish(req, err) }()

	if modbus.IsWriteFunction(fc) {
		key := dedup.Key{UnitID: req.UnitID, Address: req.Address, Kind: modbus.KindForFunction(fc)}
		values := req.Values
		if modbus.IsCoilFunction(fc) {
			values = dedup.NormalizeCoils(values)
		}
		if echo, hit := s.Dedup.Check(key, values); hit {
			return writeEchoPDU(fc, req.Address, echo)
		}
		req.Values = values
	}

	if err = s.Engine.Submit(req); err != nil {
		return exceptionPDU(fc, codeForError(err))
	}

	timeout := s.GatewayTimeout()
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	awaitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var result engine.Result
	result, err = s.Engine.Await(awaitCtx, req)
	if err != nil {
		return exceptionPDU(fc, codeForError(err))
	}

	if modbus.IsWriteFunction(fc) {
		key := dedup.Key{UnitID: req.UnitID, Address: req.Address, Kind: modbus.KindForFunction(fc)}
		s.Dedup.Install(key, req.Values)
		return writeEchoPDU(fc, req.Address, req.Values)
	}

	return readResultPDU(fc, req.Count, result)
}

// publish reports req's outcome to OnTransaction, if configured. Called
// once per dispatched request that reached the engine (cache short-
// circuits and pre-engine validation failures carry no engine timings and
// are not reported).
func (s *Server) publish(req *engine.Request, err error) {
	if s.OnTransaction == nil || req == nil || req.Timestamps.Complete.IsZero() {
		return
	}
	ev := telemetry.TransactionEvent{
		RequestID:    req.ID,
		UnitID:       req.UnitID,
		FunctionCode: req.FunctionCode,
		Address:      req.Address,
		Success:      err == nil,
		Enqueued:     req.Timestamps.Enqueued,
		Completed:    req.Timestamps.Complete,
		LatencyMS:    float64(req.Timestamps.Complete.Sub(req.Timestamps.Enqueued)) / float64(time.Millisecond),
	}
	if err != nil {
		ev.ErrorKind = errorKind(err)
	}
	s.OnTransaction(ev)
}

// errorKind names the error taxonomy bucket (spec §7) for telemetry
// tagging, independent of the numeric exception code it maps to.
func errorKind(err error) string {
	var modbusExc *engine.ModbusException
	switch {
	case errors.As(err, &modbusExc):
		return "modbus_exception"
	case errors.Is(err, engine.ErrRTUIOError):
		return "rtu_io_error"
	case errors.Is(err, engine.ErrRTUUnavailable):
		return "rtu_unavailable"
	case errors.Is(err, engine.ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, engine.ErrBackpressure):
		return "backpressure"
	case errors.Is(err, engine.ErrGatewayTimeout):
		return "gateway_timeout"
	case errors.Is(err, engine.ErrShuttingDown):
		return "shutting_down"
	default:
		return "unknown"
	}
}

func decodeRequest(adu *tcpframe.ADU) (*engine.Request, byte) {
	fc := adu.Pdu.FunctionCode
	data := adu.Pdu.Data

	switch fc {
	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs:
		if len(data) != 4 {
			return nil, modbus.ExcIllegalDataValue
		}
		address := binary.BigEndian.Uint16(data[0:])
		count := binary.BigEndian.Uint16(data[2:])
		if count == 0 || count > 0x07D0 {
			return nil, modbus.ExcIllegalDataValue
		}
		return engine.NewRequest(adu.UnitID, fc, address, count, nil), 0

	case modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters:
		if len(data) != 4 {
			return nil, modbus.ExcIllegalDataValue
		}
		address := binary.BigEndian.Uint16(data[0:])
		count := binary.BigEndian.Uint16(data[2:])
		if count == 0 || count > 0x007D {
			return nil, modbus.ExcIllegalDataValue
		}
		return engine.NewRequest(adu.UnitID, fc, address, count, nil), 0

	case modbus.FuncCodeWriteSingleCoil:
		if len(data) != 4 {
			return nil, modbus.ExcIllegalDataValue
		}
		address := binary.BigEndian.Uint16(data[0:])
		raw := binary.BigEndian.Uint16(data[2:])
		if raw != 0x0000 && raw != 0xFF00 {
			return nil, modbus.ExcIllegalDataValue
		}
		v := uint16(0)
		if raw == 0xFF00 {
			v = 1
		}
		return engine.NewRequest(adu.UnitID, fc, address, 1, []uint16{v}), 0

	case modbus.FuncCodeWriteSingleRegister:
		if len(data) != 4 {
			return nil, modbus.ExcIllegalDataValue
		}
		address := binary.BigEndian.Uint16(data[0:])
		v := binary.BigEndian.Uint16(data[2:])
		return engine.NewRequest(adu.UnitID, fc, address, 1, []uint16{v}), 0

	case modbus.FuncCodeWriteMultipleCoils:
		if len(data) < 5 {
			return nil, modbus.ExcIllegalDataValue
		}
		address := binary.BigEndian.Uint16(data[0:])
		count := binary.BigEndian.Uint16(data[2:])
		byteCount := data[4]
		if count == 0 || count > 0x07B0 || int(byteCount) != len(data[5:]) || int(byteCount) != (int(count)+7)/8 {
			return nil, modbus.ExcIllegalDataValue
		}
		values := make([]uint16, count)
		for i := uint16(0); i < count; i++ {
			byteIdx := i / 8
			if data[5+byteIdx]&(1<<uint(i%8)) != 0 {
				values[i] = 1
			}
		}
		return engine.NewRequest(adu.UnitID, fc, address, count, values), 0

	case modbus.FuncCodeWriteMultipleRegisters:
		if len(data) < 5 {
			return nil, modbus.ExcIllegalDataValue
		}
		address := binary.BigEndian.Uint16(data[0:])
		count := binary.BigEndian.Uint16(data[2:])
		byteCount := data[4]
		if count == 0 || count > 0x007B || int(byteCount) != len(data[5:]) || int(byteCount) != int(count)*2 {
			return nil, modbus.ExcIllegalDataValue
		}
		values := make([]uint16, count)
		for i := uint16(0); i < count; i++ {
			values[i] = binary.BigEndian.Uint16(data[5+i*2:])
		}
		return engine.NewRequest(adu.UnitID, fc, address, count, values), 0

	default:
		return nil, modbus.ExcIllegalFunction
	}
}

func exceptionPDU(fc, code byte) modbus.ProtocolDataUnit {
	return modbus.ProtocolDataUnit{FunctionCode: fc | 0x80, Data: []byte{code}}
}

func writeEchoPDU(fc byte, address uint16, values []uint16) modbus.ProtocolDataUnit {
	switch fc {
	case modbus.FuncCodeWriteSingleCoil:
		raw := uint16(0)
		if len(values) > 0 && values[0] != 0 {
			raw = 0xFF00
		}
		data := make([]byte, 4)
		binary.BigEndian.PutUint16(data[0:], address)
		binary.BigEndian.PutUint16(data[2:], raw)
		return modbus.ProtocolDataUnit{FunctionCode: fc, Data: data}

	case modbus.FuncCodeWriteSingleRegister:
		data := make([]byte, 4)
		binary.BigEndian.PutUint16(data[0:], address)
		if len(values) > 0 {
			binary.BigEndian.PutUint16(data[2:], values[0])
		}
		return modbus.ProtocolDataUnit{FunctionCode: fc, Data: data}

	default: // FC15/16: echo address + quantity
		data := make([]byte, 4)
		binary.BigEndian.PutUint16(data[0:], address)
		binary.BigEndian.PutUint16(data[2:], uint16(len(values)))
		return modbus.ProtocolDataUnit{FunctionCode: fc, Data: data}
	}
}

func readResultPDU(fc byte, count uint16, result engine.Result) modbus.ProtocolDataUnit {
	switch fc {
	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs:
		byteCount := (int(count) + 7) / 8
		data := make([]byte, 1+byteCount)
		data[0] = byte(byteCount)
		for i, bit := range result.Bits {
			if bit {
				data[1+i/8] |= 1 << uint(i%8)
			}
		}
		return modbus.ProtocolDataUnit{FunctionCode: fc, Data: data}

	default: // FC3/4
		data := make([]byte, 1+len(result.Words)*2)
		data[0] = byte(len(result.Words) * 2)
		for i, w := range result.Words {
			binary.BigEndian.PutUint16(data[1+i*2:], w)
		}
		return modbus.ProtocolDataUnit{FunctionCode: fc, Data: data}
	}
}

// codeForError maps an engine/transport error kind to a Modbus exception
// code (spec §7's error taxonomy table).
func codeForError(err error) byte {
	var modbusExc *engine.ModbusException
	switch {
	case errors.As(err, &modbusExc):
		return modbusExc.Code
	case errors.Is(err, engine.ErrRTUIOError):
		return modbus.ExcGatewayTargetDeviceFailedToRespond
	case errors.Is(err, engine.ErrRTUUnavailable):
		return modbus.ExcGatewayPathUnavailable
	case errors.Is(err, engine.ErrInvalidRequest):
		return modbus.ExcIllegalDataValue
	case errors.Is(err, engine.ErrBackpressure):
		return modbus.ExcServerBusy
	case errors.Is(err, engine.ErrGatewayTimeout):
		return modbus.ExcGatewayTargetDeviceFailedToRespond
	case errors.Is(err, engine.ErrShuttingDown):
		return modbus.ExcGatewayTargetDeviceFailedToRespond
	default:
		return modbus.ExcGatewayTargetDeviceFailedToRespond
	}
}
