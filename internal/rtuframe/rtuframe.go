// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package rtuframe encodes and decodes Modbus RTU Application Data Units:
// [unit(1) | fc(1) | payload(n) | crc16(2)].
package rtuframe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/modbusgw/gateway/internal/modbus"
	"github.com/modbusgw/gateway/internal/modbus/crc"
)

const (
	MinSize = 4
	MaxSize = 256
)

// ErrRequestTimedOut is returned when a response is not read within the
// caller-supplied deadline.
var ErrRequestTimedOut = errors.New("rtuframe: request timed out")

// ADU is a decoded RTU Application Data Unit.
type ADU struct {
	UnitID byte
	Pdu    modbus.ProtocolDataUnit
}

// Decode parses a raw RTU frame and validates its CRC.
func Decode(raw []byte) (*ADU, error) {
	length := len(raw)
	if length < MinSize {
		return nil, fmt.Errorf("rtuframe: frame length %d below minimum %d", length, MinSize)
	}

	var c crc.CRC
	c.Reset().PushBytes(raw[:length-2])
	want := c.Value()
	got := uint16(raw[length-1])<<8 | uint16(raw[length-2])
	if want != got {
		return nil, fmt.Errorf("rtuframe: crc mismatch: frame has 0x%04X, computed 0x%04X", got, want)
	}

	return &ADU{
		UnitID: raw[0],
		Pdu: modbus.ProtocolDataUnit{
			FunctionCode: raw[1],
			Data:         raw[2 : length-2],
		},
	}, nil
}

// Encode renders an ADU to its wire form, appending the CRC.
func Encode(adu *ADU) ([]byte, error) {
	length := len(adu.Pdu.Data) + 4
	if length > MaxSize {
		return nil, fmt.Errorf("rtuframe: encoded length %d exceeds maximum %d", length, MaxSize)
	}

	raw := make([]byte, length)
	raw[0] = adu.UnitID
	raw[1] = adu.Pdu.FunctionCode
	copy(raw[2:], adu.Pdu.Data)

	var c crc.CRC
	c.Reset().PushBytes(raw[:length-2])
	sum := c.Value()
	raw[length-2] = byte(sum)
	raw[length-1] = byte(sum >> 8)
	return raw, nil
}

// InvalidLengthError is returned by the incremental reader when a response
// declares an internally-inconsistent byte count.
type InvalidLengthError struct {
	Length byte
}

func (e *InvalidLengthError) Error() string {
	return fmt.Sprintf("rtuframe: invalid length byte received: %d", e.Length)
}

const (
	stateUnitID = iota
	stateFunctionCode
	stateReadLength
	stateReadPayload
	stateCRC
)

// CalculateResponseLength predicts the byte length of the response to adu
// (a raw encoded request), so the transport knows how long to wait before
// it starts reading.
func CalculateResponseLength(adu []byte) int {
	length := MinSize
	if len(adu) < 2 {
		return length
	}
	switch adu[1] {
	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs:
		if len(adu) < 6 {
			return length
		}
		count := int(binary.BigEndian.Uint16(adu[4:]))
		length += 1 + count/8
		if count%8 != 0 {
			length++
		}
	case modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters:
		if len(adu) < 6 {
			return length
		}
		count := int(binary.BigEndian.Uint16(adu[4:]))
		length += 1 + count*2
	case modbus.FuncCodeWriteSingleCoil, modbus.FuncCodeWriteSingleRegister,
		modbus.FuncCodeWriteMultipleCoils, modbus.FuncCodeWriteMultipleRegisters:
		length += 4
	}
	return length
}

// CalculateRequestLength returns the total expected length of an inbound
// RTU request ADU, given its function code and the header bytes read so
// far (spec §6: only the eight supported function codes are framed).
func CalculateRequestLength(funcCode byte, header []byte) (int, error) {
	switch funcCode {
	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters,
		modbus.FuncCodeWriteSingleCoil, modbus.FuncCodeWriteSingleRegister:
		// [UnitID, Func, Addr(2), Val/Count(2), CRC(2)]
		return 8, nil
	case modbus.FuncCodeWriteMultipleCoils, modbus.FuncCodeWriteMultipleRegisters:
		// [UnitID, Func, Addr(2), Quant(2), ByteCount(1), Data(N), CRC(2)]
		if len(header) < 7 {
			return 0, fmt.Errorf("rtuframe: need 7 bytes to determine length for 0x%02X, got %d", funcCode, len(header))
		}
		byteCount := int(header[6])
		return 7 + byteCount + 2, nil
	default:
		return 0, fmt.Errorf("rtuframe: unsupported function code: 0x%02X", funcCode)
	}
}

// ReadResponse reads an RTU response frame incrementally from r, matching
// it against the expected unitID and functionCode (or its exception
// variant), until deadline.
func ReadResponse(unitID, functionCode byte, r io.Reader, deadline time.Time) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("rtuframe: reader is nil")
	}

	buf := make([]byte, 1)
	data := make([]byte, MaxSize)

	state := stateUnitID
	var length, toRead byte
	var n, crcCount int

	for {
		if time.Now().After(deadline) {
			return nil, ErrRequestTimedOut
		}

		if _, err := io.ReadAtLeast(r, buf, 1); err != nil {
			return nil, err
		}

		switch state {
		case stateUnitID:
			if buf[0] == unitID {
				state = stateFunctionCode
				data[n] = buf[0]
				n++
			}
		case stateFunctionCode:
			switch {
			case buf[0] == functionCode:
				if isReadFunction(functionCode) {
					state = stateReadLength
				} else {
					state = stateReadPayload
					toRead = 4
				}
				data[n] = buf[0]
				n++
			case buf[0] == modbus.ExceptionBit(functionCode):
				state = stateReadPayload
				data[n] = buf[0]
				n++
				toRead = 1
			}
		case stateReadLength:
			length = buf[0]
			if length > MaxSize-5 || length == 0 {
				return nil, &InvalidLengthError{Length: length}
			}
			toRead = length
			data[n] = length
			n++
			state = stateReadPayload
		case stateReadPayload:
			data[n] = buf[0]
			toRead--
			n++
			if toRead == 0 {
				state = stateCRC
			}
		case stateCRC:
			data[n] = buf[0]
			crcCount++
			n++
			if crcCount == 2 {
				return data[:n], nil
			}
		}
	}
}

func isReadFunction(fc byte) bool {
	switch fc {
	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters:
		return true
	default:
		return false
	}
}
