// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package serialport owns the RS-485 serial port handle: open/close and,
// for adapters without kernel RS485 ioctl support, a GPIO-driven DE/RE
// direction toggle around each write (SPEC_FULL.md §4.10).
package serialport

import (
	"fmt"
	"io"
	"sync"

	"github.com/grid-x/serial"
	"github.com/stianeikeland/go-rpio/v4"

	"github.com/modbusgw/gateway/internal/config"
)

// Port is the RS-485 serial port handle, driven by the Serial Transport
// worker (spec §5). Every method holds an internal mutex, so Close may be
// called from another goroutine; reads through the io.Reader returned by
// Reader are not guarded by it.
type Port struct {
	cfg serial.Config

	gpioPin  int
	gpio     rpio.Pin
	gpioOpen bool

	mu   sync.Mutex
	conn io.ReadWriteCloser
}

// New builds a Port from the gateway's serial configuration. It does not
// open the port yet.
func New(cfg config.SerialConfig) *Port {
	return &Port{
		cfg: serial.Config{
			Address:  cfg.Port,
			BaudRate: cfg.Baud,
			DataBits: cfg.ByteSize,
			StopBits: cfg.StopBits,
			Parity:   cfg.Parity,
			Timeout:  cfg.Timeout,
		},
		gpioPin: cfg.RS485GPIOPin,
	}
}

// Open opens the underlying serial device. Safe to call when already
// open (no-op).
func (p *Port) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return nil
	}

	conn, err := serial.Open(&p.cfg)
	if err != nil {
		return fmt.Errorf("serialport: open %s: %w", p.cfg.Address, err)
	}
	p.conn = conn

	if p.gpioPin > 0 && !p.gpioOpen {
		if err := rpio.Open(); err != nil {
			conn.Close()
			p.conn = nil
			return fmt.Errorf("serialport: open gpio for rs485 direction pin: %w", err)
		}
		p.gpioOpen = true
		p.gpio = rpio.Pin(p.gpioPin)
		p.gpio.Output()
		p.gpio.Low() // receive by default
	}
	return nil
}

// Close closes the serial device (and the GPIO handle, if one was
// opened).
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	if p.conn != nil {
		err = p.conn.Close()
		p.conn = nil
	}
	if p.gpioOpen {
		p.gpio.Low()
		rpio.Close()
		p.gpioOpen = false
	}
	return err
}

// IsOpen reports whether the port is currently open.
func (p *Port) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

// Write drives the RS-485 direction pin high (transmit) for adapters that
// need manual DE/RE toggling, writes frame, then returns to receive.
// With gpioPin == 0 no toggle is done; New does not set grid-x/serial's
// RS485 options either, so direction control is left to the adapter.
func (p *Port) Write(frame []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return 0, fmt.Errorf("serialport: write on closed port")
	}
	if p.gpioOpen {
		p.gpio.High()
		defer p.gpio.Low()
	}
	return p.conn.Write(frame)
}

// Reader exposes the underlying connection for the incremental RTU frame
// reader, which needs raw one-byte reads with its own deadline logic.
func (p *Port) Reader() io.Reader {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}
