// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package modbus holds the protocol vocabulary shared by the RTU and TCP
// framers: function codes, exception codes, and the PDU carried by both
// wire formats.
package modbus

// ProtocolDataUnit is the function-code+payload portion shared between
// Modbus TCP and RTU framing.
type ProtocolDataUnit struct {
	FunctionCode byte
	Data         []byte
}

// Function codes this gateway supports end to end (spec §1 Non-goals: no
// other function is implemented).
const (
	FuncCodeReadCoils              = 0x01
	FuncCodeReadDiscreteInputs     = 0x02
	FuncCodeReadHoldingRegisters   = 0x03
	FuncCodeReadInputRegisters     = 0x04
	FuncCodeWriteSingleCoil        = 0x05
	FuncCodeWriteSingleRegister    = 0x06
	FuncCodeWriteMultipleCoils     = 0x0F
	FuncCodeWriteMultipleRegisters = 0x10

	exceptionBit = 0x80
)

// ExceptionBit returns fc with the exception high bit set.
func ExceptionBit(fc byte) byte { return fc | exceptionBit }

// IsException reports whether fc carries the exception high bit.
func IsException(fc byte) bool { return fc&exceptionBit != 0 }

// Exception codes emitted on the TCP wire (spec §6, §7).
const (
	ExcIllegalFunction                    = 0x01
	ExcIllegalDataValue                   = 0x03
	ExcServerBusy                         = 0x06
	ExcGatewayPathUnavailable             = 0x0A
	ExcGatewayTargetDeviceFailedToRespond = 0x0B
)

// supportedFunctionCodes lists the eight function codes this gateway
// understands (spec §1).
var supportedFunctionCodes = map[byte]struct{}{
	FuncCodeReadCoils:              {},
	FuncCodeReadDiscreteInputs:     {},
	FuncCodeReadHoldingRegisters:   {},
	FuncCodeReadInputRegisters:     {},
	FuncCodeWriteSingleCoil:        {},
	FuncCodeWriteSingleRegister:    {},
	FuncCodeWriteMultipleCoils:     {},
	FuncCodeWriteMultipleRegisters: {},
}

// IsSupportedFunction reports whether fc is one of the eight standard
// functions this gateway bridges.
func IsSupportedFunction(fc byte) bool {
	_, ok := supportedFunctionCodes[fc]
	return ok
}

// IsWriteFunction reports whether fc is a write (single or multiple).
func IsWriteFunction(fc byte) bool {
	switch fc {
	case FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister,
		FuncCodeWriteMultipleCoils, FuncCodeWriteMultipleRegisters:
		return true
	default:
		return false
	}
}

// IsCoilFunction reports whether fc operates on coils (bit-addressed) as
// opposed to registers (word-addressed).
func IsCoilFunction(fc byte) bool {
	switch fc {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs,
		FuncCodeWriteSingleCoil, FuncCodeWriteMultipleCoils:
		return true
	default:
		return false
	}
}

// Kind is the dedup key discriminator between coils and registers (spec
// §3 DedupEntry).
type Kind uint8

const (
	KindCoil Kind = iota
	KindRegister
)

func (k Kind) String() string {
	if k == KindCoil {
		return "coil"
	}
	return "register"
}

// KindForFunction returns the DedupEntry Kind addressed by fc.
func KindForFunction(fc byte) Kind {
	if IsCoilFunction(fc) {
		return KindCoil
	}
	return KindRegister
}
