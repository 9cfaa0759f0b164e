// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcpserver

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/modbusgw/gateway/internal/dedup"
	"github.com/modbusgw/gateway/internal/engine"
)

// fakeSubmitter stands in for the Serialization Engine, letting tests
// script a canned outcome per submitted request without a real serial bus.
type fakeSubmitter struct {
	outcome engine.Outcome
	submit  func(req *engine.Request) error
}

func (f *fakeSubmitter) Submit(req *engine.Request) error {
	if f.submit != nil {
		return f.submit(req)
	}
	return nil
}

func (f *fakeSubmitter) Await(ctx context.Context, req *engine.Request) (engine.Result, error) {
	return f.outcome.Result, f.outcome.Err
}

func startTestServer(t *testing.T, sub Submitter) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	srv := New(addr, sub, dedup.New(200*time.Millisecond), time.Second, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go srv.Start(ctx)
	for i := 0; i < 50; i++ {
		if conn, err := net.Dial("tcp", addr); err == nil {
			conn.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	return addr
}

func mbapRequest(txn, unitID byte, fc byte, data []byte) []byte {
	pduLen := uint16(1 + 1 + len(data))
	buf := make([]byte, 6+1+1+len(data))
	binary.BigEndian.PutUint16(buf[0:], uint16(txn))
	binary.BigEndian.PutUint16(buf[2:], 0)
	binary.BigEndian.PutUint16(buf[4:], pduLen)
	buf[6] = unitID
	buf[7] = fc
	copy(buf[8:], data)
	return buf
}

func TestReadHoldingRegistersRoundTrip(t *testing.T) {
	sub := &fakeSubmitter{outcome: engine.Outcome{Result: engine.Result{Words: []uint16{0x1234}}}}
	addr := startTestServer(t, sub)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	req := mbapRequest(1, 17, 0x03, []byte{0x00, 0x00, 0x00, 0x01})
	_, err = conn.Write(req)
	require.NoError(t, err)

	resp := make([]byte, 256)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(resp)
	require.NoError(t, err)
	resp = resp[:n]

	require.Equal(t, byte(0x03), resp[7])
	require.Equal(t, byte(0x02), resp[8]) // byte count
	require.Equal(t, []byte{0x12, 0x34}, resp[9:11])
}

func TestReadCoilsAllowsCountsAboveRegisterLimit(t *testing.T) {
	bits := make([]bool, 256)
	sub := &fakeSubmitter{outcome: engine.Outcome{Result: engine.Result{Bits: bits}}}
	addr := startTestServer(t, sub)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:], 0)
	binary.BigEndian.PutUint16(data[2:], 256) // within 1-2000 coil range, above the 125 register cap
	req := mbapRequest(1, 17, 0x01, data)
	_, err = conn.Write(req)
	require.NoError(t, err)

	resp := make([]byte, 256)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(resp)
	require.NoError(t, err)
	resp = resp[:n]

	require.Equal(t, byte(0x01), resp[7], "a 256-coil read must not be rejected as illegal data value")
}

func TestReadHoldingRegistersRejectsCountAboveRegisterLimit(t *testing.T) {
	sub := &fakeSubmitter{}
	addr := startTestServer(t, sub)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:], 0)
	binary.BigEndian.PutUint16(data[2:], 126) // one above the 125 register cap
	req := mbapRequest(1, 17, 0x03, data)
	_, err = conn.Write(req)
	require.NoError(t, err)

	resp := make([]byte, 256)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(resp)
	require.NoError(t, err)
	resp = resp[:n]

	require.Equal(t, byte(0x83), resp[7])
	require.Equal(t, byte(0x03), resp[8])
}

func TestIllegalFunctionReturnsException(t *testing.T) {
	sub := &fakeSubmitter{}
	addr := startTestServer(t, sub)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	req := mbapRequest(2, 17, 0x45, nil)
	_, err = conn.Write(req)
	require.NoError(t, err)

	resp := make([]byte, 256)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(resp)
	require.NoError(t, err)
	resp = resp[:n]

	require.Equal(t, byte(0x45|0x80), resp[7])
	require.Equal(t, byte(0x01), resp[8]) // illegal function
}

func TestBackpressureMapsToServerBusy(t *testing.T) {
	sub := &fakeSubmitter{submit: func(req *engine.Request) error { return engine.ErrBackpressure }}
	addr := startTestServer(t, sub)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	req := mbapRequest(3, 17, 0x03, []byte{0x00, 0x00, 0x00, 0x01})
	_, err = conn.Write(req)
	require.NoError(t, err)

	resp := make([]byte, 256)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(resp)
	require.NoError(t, err)
	resp = resp[:n]

	require.Equal(t, byte(0x03|0x80), resp[7])
	require.Equal(t, byte(0x06), resp[8]) // server busy
}

func TestWriteSingleCoilDedupSuppressesSecondSubmit(t *testing.T) {
	submitCount := 0
	sub := &fakeSubmitter{
		outcome: engine.Outcome{Result: engine.Result{Words: []uint16{1}}},
		submit: func(req *engine.Request) error {
			submitCount++
			return nil
		},
	}
	addr := startTestServer(t, sub)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	writeFC5 := func(txn byte) []byte {
		resp := make([]byte, 256)
		req := mbapRequest(txn, 17, 0x05, []byte{0x03, 0xE9, 0xFF, 0x00})
		_, err := conn.Write(req)
		require.NoError(t, err)
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := conn.Read(resp)
		require.NoError(t, err)
		return resp[:n]
	}

	first := writeFC5(10)
	require.Equal(t, byte(0x05), first[7])
	require.Equal(t, 1, submitCount)

	second := writeFC5(11)
	require.Equal(t, byte(0x05), second[7])
	require.Equal(t, 1, submitCount, "dedup must suppress the repeat write")
	require.Equal(t, first[8:], second[8:])
}
