package dsp

import "errors"

var (
	// ErrNoDialer is returned when a Device is constructed without a Dialer.
	//
	// This indicates a configuration error. A Dialer is required in order
	// to establish a connection to the unit.
	ErrNoDialer = errors.New("no dialer configured")

	// ErrNotConnected is returned when an operation requires a transport
	// and none is established.
	ErrNotConnected = errors.New("device not connected")

	// ErrAlreadyClosed is returned when Close is called on a Device that
	// has already been closed, or when a command is submitted after Close.
	ErrAlreadyClosed = errors.New("device already closed")

	// ErrLoopRunning is returned when Loop is called while another Loop
	// invocation is still active.
	ErrLoopRunning = errors.New("loop already running")

	// ErrReplyTimeout is returned to a command's caller when no matching
	// reply arrives within the no-response window. The command was
	// written to the wire; only the wait for its reply is abandoned, and
	// the queue advances to the next command.
	ErrReplyTimeout = errors.New("reply timed out")

	// ErrNegativeAck is returned when the unit answers a command with NAK.
	ErrNegativeAck = errors.New("device rejected command")

	// Validation errors, surfaced synchronously before a command is
	// queued. The queue and in-flight state are untouched.
	ErrInvalidControl  = errors.New("control id out of range")
	ErrInvalidValue    = errors.New("control value out of range")
	ErrInvalidDelta    = errors.New("control delta out of range")
	ErrInvalidBlock    = errors.New("block size out of range")
	ErrInvalidPreset   = errors.New("preset number out of range")
	ErrInvalidInterval = errors.New("push interval out of range")
	ErrInvalidRange    = errors.New("control range is empty or reversed")
	ErrEmptyName       = errors.New("system string name is empty")
)
