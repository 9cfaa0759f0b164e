// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package tcpframe encodes and decodes Modbus TCP Application Data Units:
// a 7-byte MBAP header (transaction id, protocol id, length, unit id)
// followed by a PDU.
package tcpframe

import (
	"fmt"

	"github.com/modbusgw/gateway/internal/modbus"
)

const (
	// MBAPSize is the fixed MBAP header length.
	MBAPSize = 7
	MinSize  = MBAPSize + 1 // header + function code
	MaxSize  = 260
)

// ADU is a decoded Modbus TCP Application Data Unit.
type ADU struct {
	TransactionID uint16
	ProtocolID    uint16
	Length        uint16
	UnitID        byte
	Pdu           modbus.ProtocolDataUnit
}

// Decode parses MBAP + PDU bytes read off a TCP connection.
func Decode(raw []byte) (*ADU, error) {
	if len(raw) < MinSize {
		return nil, fmt.Errorf("tcpframe: request length %d below minimum %d", len(raw), MinSize)
	}
	adu := &ADU{
		TransactionID: uint16(raw[0])<<8 | uint16(raw[1]),
		ProtocolID:    uint16(raw[2])<<8 | uint16(raw[3]),
		Length:        uint16(raw[4])<<8 | uint16(raw[5]),
		UnitID:        raw[6],
	}
	if adu.ProtocolID != 0 {
		return nil, fmt.Errorf("tcpframe: unsupported protocol id %d", adu.ProtocolID)
	}
	adu.Pdu.FunctionCode = raw[7]
	adu.Pdu.Data = raw[8:]
	return adu, nil
}

// Encode renders an ADU (with Length recomputed from the PDU) to wire
// bytes.
func Encode(adu *ADU) ([]byte, error) {
	length := len(adu.Pdu.Data) + 8
	if length > MaxSize {
		return nil, fmt.Errorf("tcpframe: encoded length %d exceeds maximum %d", length, MaxSize)
	}
	raw := make([]byte, length)
	raw[0] = byte(adu.TransactionID >> 8)
	raw[1] = byte(adu.TransactionID)
	raw[2] = byte(adu.ProtocolID >> 8)
	raw[3] = byte(adu.ProtocolID)

	pduLen := uint16(1 + 1 + len(adu.Pdu.Data)) // unit id + func code + data
	raw[4] = byte(pduLen >> 8)
	raw[5] = byte(pduLen)
	raw[6] = adu.UnitID
	raw[7] = adu.Pdu.FunctionCode
	copy(raw[8:], adu.Pdu.Data)
	return raw, nil
}

// ReadHeader parses just the 7-byte MBAP header, returning the PDU length
// (Length field minus the unit id byte already counted in it) the caller
// must read next.
func ReadHeader(raw []byte) (txnID, protoID uint16, pduLen int, unitID byte, err error) {
	if len(raw) < MBAPSize {
		return 0, 0, 0, 0, fmt.Errorf("tcpframe: header length %d below minimum %d", len(raw), MBAPSize)
	}
	txnID = uint16(raw[0])<<8 | uint16(raw[1])
	protoID = uint16(raw[2])<<8 | uint16(raw[3])
	length := uint16(raw[4])<<8 | uint16(raw[5])
	unitID = raw[6]
	if length == 0 {
		return 0, 0, 0, 0, fmt.Errorf("tcpframe: zero length field")
	}
	pduLen = int(length) - 1
	return txnID, protoID, pduLen, unitID, nil
}
