// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package crc

import "testing"

func TestCRC(t *testing.T) {
	var c CRC
	c.Reset()
	c.PushBytes([]byte{0x02, 0x07})

	if c.Value() != 0x1241 {
		t.Fatalf("crc expected %v, actual %v", 0x1241, c.Value())
	}
}

func TestCRCPushByteMatchesPushBytes(t *testing.T) {
	var viaBytes, viaByte CRC
	data := []byte{0x11, 0x05, 0x03, 0xE9, 0xFF, 0x00}

	viaBytes.Reset().PushBytes(data)

	viaByte.Reset()
	for _, b := range data {
		viaByte.PushByte(b)
	}

	if viaBytes.Value() != viaByte.Value() {
		t.Fatalf("PushByte/PushBytes diverged: %v != %v", viaByte.Value(), viaBytes.Value())
	}
}

func TestCRCKnownFrame(t *testing.T) {
	// Write Single Coil, unit 0x11 addr 0x03E9 value ON — scenario 1 of the
	// spec's end-to-end examples.
	var c CRC
	c.Reset().PushBytes([]byte{0x11, 0x05, 0x03, 0xE9, 0xFF, 0x00})
	if got := c.Value(); got != 0x1A5F {
		t.Fatalf("crc = 0x%04X, want 0x1A5F", got)
	}
}
