// Package dsp implements the command/response engine for the unit's
// line-delimited control protocol. A single event loop owns all
// transport I/O: it dispatches commands one at a time in submission
// order, pairs each reply with the command that is awaiting it, and
// separates unsolicited push notifications from solicited replies on a
// stream that carries no header to tell the two apart.
package dsp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"stagelink.io/dspgw/sym"
)

// maxFrame bounds a single assembled frame. A full 256-record block
// reply is under 4 KiB; anything near this limit is a framing error.
const maxFrame = 64 * 1024

// Device represents one DSP unit reachable over a Transport. It
// provides thread-safe access to the unit's controls through a
// centralized event loop that handles all transport I/O.
type Device struct {
	// transport is the established connection; replaced by Run on
	// reconnect, only between Loop invocations.
	transport Transport
	// config contains the engine settings
	config Config
	// logger receives engine diagnostics
	logger *slog.Logger
	// closed indicates the device has been shut down. Atomic because
	// Close races with exec and Run on other goroutines.
	closed atomic.Bool
	// loopRunning indicates if the Loop is currently running
	loopRunning bool

	// seq holds the command queue and in-flight slot. Mutated only by
	// the Loop goroutine (and by Run after Loop has returned), never
	// concurrently.
	seq *sequencer

	// commands delivers submitted requests to the Loop
	commands chan *request
	// pushChan delivers parsed push notifications to the consumer
	pushChan chan []sym.Record
	// connChan signals that a connection has been established
	connChan chan struct{}
}

// New creates a Device and establishes the initial connection via the
// configured Dialer. Loop (or Run) must be started before commands can
// be executed.
func New(ctx context.Context, config Config) (*Device, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.setDefaults()

	transport, err := config.Dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, ErrNotConnected
	}

	d := &Device{
		transport: transport,
		config:    config,
		logger:    config.Logger,
		seq:       newSequencer(config.ResponseTimeout),
		// No queue on the channel itself; ordering lives in the sequencer
		commands: make(chan *request),
		pushChan: make(chan []sym.Record, config.PushBuffer),
		connChan: make(chan struct{}, 1),
	}
	d.notifyConnected()

	return d, nil
}

// Pushes returns a read-only channel carrying parsed push
// notifications: the (controller, value) records the unit sends on its
// own initiative. The channel is buffered; batches are dropped if not
// consumed fast enough.
func (d *Device) Pushes() <-chan []sym.Record {
	return d.pushChan
}

// Connected returns a channel that receives an event each time a
// connection to the unit is established, including the initial one.
func (d *Device) Connected() <-chan struct{} {
	return d.connChan
}

// Close shuts down the device and releases the transport. Queued
// commands fail once the loop observes the closed transport. After
// Close the device cannot be reused.
func (d *Device) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return ErrAlreadyClosed
	}

	if d.transport != nil {
		return d.transport.Close()
	}
	return nil
}

// Loop is the event loop that handles all transport I/O. It is the ONLY
// goroutine that touches the transport or the sequencer while running,
// which is what makes the queue safe without locks and guarantees
// pushes are never lost between commands.
//
// It processes three event sources to completion, one at a time:
// submitted commands, assembled inbound frames, and the no-response
// timer. Loop returns when the context is cancelled or the transport
// fails; Run wraps it with reconnect handling.
func (d *Device) Loop(ctx context.Context) error {
	if d.loopRunning {
		return ErrLoopRunning
	}
	d.loopRunning = true
	defer func() {
		d.loopRunning = false
	}()

	scanner := bufio.NewScanner(d.transport)
	scanner.Buffer(make([]byte, 0, 4096), maxFrame)
	scanner.Split(sym.Splitter)

	// Channels for frames and errors from the scanner goroutine
	frames := make(chan string, 10)
	scanErrs := make(chan error, 1)

	go func() {
		defer close(frames)
		for scanner.Scan() {
			frame := scanner.Text()
			if frame == "" {
				continue
			}
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case scanErrs <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			d.failPending(ctx.Err())
			return ctx.Err()

		case req := <-d.commands:
			if next := d.seq.submit(req); next != nil {
				d.dispatch(next)
			}

		case frame, ok := <-frames:
			if !ok {
				// Scanner stopped without an error: transport EOF.
				return io.EOF
			}
			d.handleFrame(frame)

		case <-d.seq.timer.C:
			d.handleTimeout()

		case err := <-scanErrs:
			return fmt.Errorf("scanner error: %w", err)
		}
	}
}

// Run drives the device until the context is cancelled: it runs the
// event loop and, when the transport fails, redials after the
// configured delay. The command queue survives reconnects; commands
// queued during an outage dispatch once connectivity is restored. A
// command that was in flight when the link dropped is not failed
// explicitly, the no-response window times it out.
func (d *Device) Run(ctx context.Context) error {
	d.refreshAfterConnect(ctx)

	for {
		err := d.Loop(ctx)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.closed.Load() {
			d.failPending(ErrAlreadyClosed)
			return nil
		}

		d.logger.Error("transport failed", "error", err)
		if d.transport != nil {
			d.transport.Close()
		}

		for {
			select {
			case <-ctx.Done():
				d.failPending(ctx.Err())
				return ctx.Err()
			case <-time.After(d.config.ReconnectDelay):
			}

			transport, derr := d.config.Dialer.Dial(ctx)
			if derr != nil {
				d.logger.Error("reconnect failed", "error", derr)
				continue
			}
			d.transport = transport
			break
		}

		d.logger.Info("reconnected")
		d.notifyConnected()
		d.refreshAfterConnect(ctx)
	}
}

// dispatch writes a command to the wire and arms the no-response
// window. A write failure resolves the command immediately and tries
// the next queued one, so a dead transport cannot wedge the queue.
func (d *Device) dispatch(req *request) {
	for req != nil {
		if d.transport == nil {
			req.respChan <- result{err: ErrNotConnected}
			req = d.seq.advance()
			continue
		}
		if _, err := d.transport.Write(req.cmd.Wire()); err != nil {
			req.respChan <- result{err: fmt.Errorf("write command %q: %w", req.cmd.Text, err)}
			req = d.seq.advance()
			continue
		}
		d.seq.arm()
		return
	}
}

// handleFrame classifies one assembled frame against the in-flight
// expected pattern, emits any push segment, and resolves the in-flight
// command if its reply is present. A push segment with no parseable
// records is logged but not emitted: consumers only see non-empty
// batches.
func (d *Device) handleFrame(frame string) {
	cur := d.seq.current()
	var expect *regexp.Regexp
	if cur != nil {
		expect = cur.cmd.Expect
	}

	push, response := sym.Split(frame, expect)

	if push != "" {
		records := sym.ParseRecords(push)
		if len(records) > 0 {
			select {
			case d.pushChan <- records:
			default:
				d.logger.Warn("push channel full, dropping records", "count", len(records))
			}
		} else if strings.TrimSpace(strings.ReplaceAll(push, sym.Terminator, " ")) != "" {
			d.logger.Debug("unrecognized push traffic", "data", push)
		}
	}

	if response == "" || cur == nil {
		return
	}

	d.seq.disarm()
	cur.respChan <- d.parseResponse(cur.cmd, response)
	if next := d.seq.advance(); next != nil {
		d.dispatch(next)
	}
}

// parseResponse applies the response parser to a matched segment. Block
// replies are identified by their header and parsed with the
// multi-record form; everything else goes through the single-record
// form. An unrecognized reply is logged and reported, not fatal.
func (d *Device) parseResponse(cmd sym.Command, segment string) result {
	if strings.HasPrefix(segment, sym.BlockHeader) {
		return result{records: sym.ParseRecords(sym.TrimBlockHeader(segment))}
	}

	reply, err := sym.ParseReply(cmd.Expect, segment)
	if err != nil {
		d.logger.Warn("unrecognized reply", "command", cmd.Text, "segment", segment)
		return result{err: fmt.Errorf("command %q: %w", cmd.Text, err)}
	}
	return result{reply: reply}
}

// handleTimeout abandons the in-flight command after the no-response
// window elapses and unblocks the queue. The command was already
// written; only the wait for its reply ends here.
func (d *Device) handleTimeout() {
	cur := d.seq.current()
	if cur == nil {
		return
	}
	d.logger.Warn("no reply within window, abandoning command", "command", cur.cmd.Text)
	cur.respChan <- result{err: ErrReplyTimeout}
	if next := d.seq.advance(); next != nil {
		d.dispatch(next)
	}
}

// failPending resolves the in-flight command and every queued command
// with err, in submission order.
func (d *Device) failPending(err error) {
	for _, req := range d.seq.drain() {
		req.respChan <- result{err: err}
	}
}

func (d *Device) notifyConnected() {
	select {
	case d.connChan <- struct{}{}:
	default:
	}
}

// refreshAfterConnect asks the unit to re-push current values for the
// configured controller range, recovering state changes missed while
// disconnected. Runs through the ordinary queue so it cannot jump ahead
// of commands submitted earlier.
func (d *Device) refreshAfterConnect(ctx context.Context) {
	if d.config.RefreshLow == 0 && d.config.RefreshHigh == 0 {
		return
	}
	go func() {
		if err := d.RefreshPush(ctx, d.config.RefreshLow, d.config.RefreshHigh); err != nil {
			d.logger.Warn("push refresh after connect failed", "error", err)
		}
	}()
}

// exec submits a command to the Loop and waits for its resolution. The
// Loop must be running. Completion order across callers follows
// submission order exactly, because only one command is ever in flight
// and the queue is strict FIFO.
func (d *Device) exec(ctx context.Context, cmd sym.Command) (result, error) {
	if d.closed.Load() {
		return result{}, ErrAlreadyClosed
	}

	req := &request{
		cmd:      cmd,
		respChan: make(chan result, 1), // Buffered so the Loop never blocks resolving
	}

	select {
	case d.commands <- req:
	case <-ctx.Done():
		return result{}, fmt.Errorf("command cancelled before sending: %w", ctx.Err())
	}

	select {
	case res := <-req.respChan:
		return res, res.err
	case <-ctx.Done():
		return result{}, fmt.Errorf("command abandoned: %w", ctx.Err())
	}
}
