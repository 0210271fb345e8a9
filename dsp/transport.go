package dsp

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"go.bug.st/serial"
)

//go:generate go tool mockgen -source=transport.go -destination=mocks.go -package=dsp

// Transport represents an established, bidirectional byte stream to the
// unit's control port.
//
// A Transport is assumed to be already connected and ready for use. It
// provides the low-level I/O primitives required to send commands and
// receive frames. Typical implementations are TCP connections to the
// unit's control port, RS-232 serial ports, or in-memory fakes used in
// tests.
type Transport interface {
	io.ReadWriteCloser
}

// Dialer opens a Transport to the unit.
//
// Dialer abstracts how the connection is created (TCP, serial, or a test
// double). It is used during device construction and again by the
// reconnect supervisor after a transport failure.
type Dialer interface {
	// Dial creates and returns a connected Transport. It may perform
	// blocking operations and should respect cancellation and deadlines
	// provided by the context.
	Dial(ctx context.Context) (Transport, error)
}

// TCPDialer connects to the unit's TCP control port.
type TCPDialer struct {
	// Addr is the host:port of the control port.
	Addr string
	// Timeout bounds the connection attempt. Zero means no timeout
	// beyond what the context imposes.
	Timeout time.Duration
}

func (d TCPDialer) Dial(ctx context.Context) (Transport, error) {
	if d.Addr == "" {
		return nil, errors.New("dsp: tcp address is required")
	}
	if ctx == nil {
		return nil, errors.New("dsp: context is nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: d.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// SerialDialer connects to the unit's RS-232 control port.
type SerialDialer struct {
	// PortName is the serial device path (e.g. "/dev/ttyUSB0").
	PortName string
	// BaudRate is used when Mode is nil. Zero selects 57600, the unit's
	// factory setting.
	BaudRate int
	// Mode overrides the full port configuration when set.
	Mode *serial.Mode
}

func (d SerialDialer) Dial(ctx context.Context) (Transport, error) {
	if d.PortName == "" {
		return nil, errors.New("dsp: serial port name is required")
	}
	if ctx == nil {
		return nil, errors.New("dsp: context is nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode := d.Mode
	if mode == nil {
		baud := d.BaudRate
		if baud == 0 {
			baud = 57600
		}
		mode = &serial.Mode{
			BaudRate: baud,
			Parity:   serial.NoParity,
			DataBits: 8,
			StopBits: serial.OneStopBit,
		}
	}

	port, err := serial.Open(d.PortName, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}
