package dsp_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/mock/gomock"
	"stagelink.io/dspgw/dsp"
	"stagelink.io/dspgw/sym"
)

// newTestDevice builds a Device over a TestTransport and starts its
// Loop. The returned transport scripts the unit's side of the
// conversation.
func newTestDevice(t *testing.T, window time.Duration) (*dsp.Device, *dsp.TestTransport) {
	t.Helper()

	ctrl := gomock.NewController(t)
	transport := dsp.NewTestTransport()
	dialer := dsp.NewMockDialer(ctrl)
	dialer.EXPECT().Dial(gomock.Any()).Return(transport, nil)

	config, err := dsp.NewConfigBuilder().
		WithDialer(dialer).
		WithResponseTimeout(window).
		Build()
	if err != nil {
		t.Fatalf("unexpected error from Build(): %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d, err := dsp.New(ctx, config)
	if err != nil {
		t.Fatalf("failed to create device: %v", err)
	}

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		d.Loop(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		d.Close()
		<-loopDone
	})

	return d, transport
}

func expectWrite(t *testing.T, transport *dsp.TestTransport, want string) {
	t.Helper()
	select {
	case w := <-transport.Writes():
		if string(w) != want {
			t.Fatalf("expected write %q, got %q", want, w)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for write %q", want)
	}
}

func expectNoWrite(t *testing.T, transport *dsp.TestTransport, window time.Duration) {
	t.Helper()
	select {
	case w := <-transport.Writes():
		t.Fatalf("expected no write, got %q", w)
	case <-time.After(window):
	}
}

func TestScalarGet(t *testing.T) {
	d, transport := newTestDevice(t, time.Second)

	done := make(chan struct{})
	var value int
	var err error
	go func() {
		defer close(done)
		value, err = d.GetControl(context.Background(), 1000)
	}()

	expectWrite(t, transport, "Q GS2 1000\r")
	transport.SendData("1000 04096\r")

	<-done
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != 4096 {
		t.Errorf("expected 4096, got %d", value)
	}
}

func TestMutateNak(t *testing.T) {
	d, transport := newTestDevice(t, time.Second)

	done := make(chan error, 1)
	go func() {
		done <- d.SetControl(context.Background(), 7, 123)
	}()

	expectWrite(t, transport, "Q CS 7 123\r")
	transport.SendData("NAK\r")

	if err := <-done; !errors.Is(err, dsp.ErrNegativeAck) {
		t.Errorf("expected ErrNegativeAck, got %v", err)
	}
}

func TestBlockGetRoundTrip(t *testing.T) {
	d, transport := newTestDevice(t, time.Second)

	type blockResult struct {
		records []sym.Record
		err     error
	}
	done := make(chan blockResult, 1)
	go func() {
		records, err := d.GetControlBlock(context.Background(), 100, 3)
		done <- blockResult{records, err}
	}()

	expectWrite(t, transport, "Q GSB 100 3\r")
	transport.SendData("GSB3 GSB 100 3 36\r#00100=00001#00101=00002#00102=00003\r")

	res := <-done
	if res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
	expected := []sym.Record{{ID: 100, Value: 1}, {ID: 101, Value: 2}, {ID: 102, Value: 3}}
	if len(res.records) != len(expected) {
		t.Fatalf("expected %d records, got %d: %v", len(expected), len(res.records), res.records)
	}
	for i := range expected {
		if res.records[i] != expected[i] {
			t.Errorf("record %d: expected %+v, got %+v", i, expected[i], res.records[i])
		}
	}
}

func TestFIFOOrdering(t *testing.T) {
	d, transport := newTestDevice(t, time.Second)
	ctx := context.Background()

	completions := make(chan string, 3)

	go func() {
		if _, err := d.GetControl(ctx, 1000); err != nil {
			t.Errorf("first command failed: %v", err)
		}
		completions <- "first"
	}()
	expectWrite(t, transport, "Q GS2 1000\r")

	go func() {
		if _, err := d.GetControl(ctx, 2000); err != nil {
			t.Errorf("second command failed: %v", err)
		}
		completions <- "second"
	}()
	time.Sleep(20 * time.Millisecond)

	go func() {
		if err := d.SetControl(ctx, 10, 1); err != nil {
			t.Errorf("third command failed: %v", err)
		}
		completions <- "third"
	}()
	time.Sleep(20 * time.Millisecond)

	// Single flight: nothing else is written while the first command
	// is awaiting its reply.
	expectNoWrite(t, transport, 50*time.Millisecond)

	transport.SendData("1000 04096\r")
	expectWrite(t, transport, "Q GS2 2000\r")
	transport.SendData("2000 00007\r")
	expectWrite(t, transport, "Q CS 10 1\r")
	transport.SendData("ACK\r")

	order := []string{<-completions, <-completions, <-completions}
	expected := []string{"first", "second", "third"}
	for i := range expected {
		if order[i] != expected[i] {
			t.Fatalf("completion order: expected %v, got %v", expected, order)
		}
	}
}

func TestTimeoutAdvancesQueue(t *testing.T) {
	d, transport := newTestDevice(t, 50*time.Millisecond)
	ctx := context.Background()

	firstErr := make(chan error, 1)
	go func() {
		_, err := d.GetControl(ctx, 1000)
		firstErr <- err
	}()
	expectWrite(t, transport, "Q GS2 1000\r")

	secondDone := make(chan error, 1)
	go func() {
		err := d.SetControl(ctx, 5, 5)
		secondDone <- err
	}()
	time.Sleep(10 * time.Millisecond)

	// No reply for the first command: after the window it is abandoned
	// and the queued command dispatches.
	if err := <-firstErr; !errors.Is(err, dsp.ErrReplyTimeout) {
		t.Fatalf("expected ErrReplyTimeout, got %v", err)
	}
	expectWrite(t, transport, "Q CS 5 5\r")
	transport.SendData("ACK\r")
	if err := <-secondDone; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLateReplyAfterTimeoutIsNotARecord(t *testing.T) {
	d, transport := newTestDevice(t, 40*time.Millisecond)

	_, err := d.GetControl(context.Background(), 1000)
	if !errors.Is(err, dsp.ErrReplyTimeout) {
		t.Fatalf("expected ErrReplyTimeout, got %v", err)
	}

	// The reply arrives after the command was abandoned. With nothing
	// in flight it is push traffic, and it contains no records.
	transport.SendData("1000 04096\r")

	select {
	case records := <-d.Pushes():
		t.Fatalf("expected no push records, got %v", records)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPushDispatchWhenIdle(t *testing.T) {
	d, transport := newTestDevice(t, time.Second)

	transport.SendData("#00001=00050#00002=00051\r")

	select {
	case records := <-d.Pushes():
		expected := []sym.Record{{ID: 1, Value: 50}, {ID: 2, Value: 51}}
		if len(records) != len(expected) {
			t.Fatalf("expected %d records, got %d", len(expected), len(records))
		}
		for i := range expected {
			if records[i] != expected[i] {
				t.Errorf("record %d: expected %+v, got %+v", i, expected[i], records[i])
			}
		}
	case <-time.After(time.Second):
		t.Fatal("expected push records within timeout")
	}
}

func TestInterleavedPushAndReply(t *testing.T) {
	d, transport := newTestDevice(t, time.Second)

	done := make(chan struct{})
	var value int
	var err error
	go func() {
		defer close(done)
		value, err = d.GetControl(context.Background(), 1000)
	}()
	expectWrite(t, transport, "Q GS2 1000\r")

	// The unit concatenated a push with the awaited reply in one frame.
	transport.SendData("#00003=00099\r1000 04096\r")

	select {
	case records := <-d.Pushes():
		if len(records) != 1 || records[0] != (sym.Record{ID: 3, Value: 99}) {
			t.Errorf("expected push record {3 99}, got %v", records)
		}
	case <-time.After(time.Second):
		t.Fatal("expected push records within timeout")
	}

	<-done
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != 4096 {
		t.Errorf("expected 4096, got %d", value)
	}
}

// Adversarial interleaving: several pushes, one of them carrying digit
// patterns close to the awaited reply, before the real reply arrives in
// a later frame.
func TestPushBurstBeforeReply(t *testing.T) {
	d, transport := newTestDevice(t, time.Second)

	done := make(chan struct{})
	var value int
	var err error
	go func() {
		defer close(done)
		value, err = d.GetControl(context.Background(), 1000)
	}()
	expectWrite(t, transport, "Q GS2 1000\r")

	transport.SendData("#01000=01000\r")
	transport.SendData("#00999=10004#01001=00001\r")
	transport.SendData("1000 00123\r")

	var pushes int
	for i := 0; i < 2; i++ {
		select {
		case records := <-d.Pushes():
			pushes += len(records)
		case <-time.After(time.Second):
			t.Fatal("expected push records within timeout")
		}
	}
	if pushes != 3 {
		t.Errorf("expected 3 push records total, got %d", pushes)
	}

	<-done
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != 123 {
		t.Errorf("expected 123, got %d", value)
	}
}

func TestFragmentedReply(t *testing.T) {
	d, transport := newTestDevice(t, time.Second)

	done := make(chan struct{})
	var value int
	var err error
	go func() {
		defer close(done)
		value, err = d.GetControl(context.Background(), 1000)
	}()
	expectWrite(t, transport, "Q GS2 1000\r")

	for _, fragment := range []string{"10", "00 0", "409", "6\r"} {
		transport.SendData(fragment)
		time.Sleep(5 * time.Millisecond)
	}

	<-done
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != 4096 {
		t.Errorf("expected 4096, got %d", value)
	}
}

func TestValidationFailsSynchronously(t *testing.T) {
	// No Loop is started: validation must fail before anything touches
	// the queue or the wire.
	ctrl := gomock.NewController(t)
	transport := dsp.NewTestTransport()
	dialer := dsp.NewMockDialer(ctrl)
	dialer.EXPECT().Dial(gomock.Any()).Return(transport, nil)

	config, err := dsp.NewConfigBuilder().WithDialer(dialer).Build()
	if err != nil {
		t.Fatalf("unexpected error from Build(): %v", err)
	}
	d, err := dsp.New(context.Background(), config)
	if err != nil {
		t.Fatalf("failed to create device: %v", err)
	}
	defer d.Close()

	ctx := context.Background()
	cases := []struct {
		name     string
		err      error
		expected error
	}{
		{"control id zero", func() error { _, e := d.GetControl(ctx, 0); return e }(), dsp.ErrInvalidControl},
		{"control id too large", d.SetControl(ctx, 10001, 0), dsp.ErrInvalidControl},
		{"value too large", d.SetControl(ctx, 1, 65536), dsp.ErrInvalidValue},
		{"delta too small", d.ChangeControl(ctx, 1, -65536), dsp.ErrInvalidDelta},
		{"block too large", func() error { _, e := d.GetControlBlock(ctx, 1, 257); return e }(), dsp.ErrInvalidBlock},
		{"preset zero", d.LoadPreset(ctx, 0), dsp.ErrInvalidPreset},
		{"preset too large", d.LoadPreset(ctx, 1001), dsp.ErrInvalidPreset},
		{"interval too small", d.SetPushInterval(ctx, 19), dsp.ErrInvalidInterval},
		{"interval too large", d.SetPushInterval(ctx, 30001), dsp.ErrInvalidInterval},
		{"reversed range", d.EnablePush(ctx, 100, 1), dsp.ErrInvalidRange},
		{"empty name", func() error { _, e := d.GetSystemString(ctx, ""); return e }(), dsp.ErrEmptyName},
	}

	for _, tt := range cases {
		if !errors.Is(tt.err, tt.expected) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.expected, tt.err)
		}
	}
}

func TestDeviceNew(t *testing.T) {
	t.Run("ErrNoDialer when no dialer provided", func(t *testing.T) {
		_, err := dsp.NewConfigBuilder().Build()
		if !errors.Is(err, dsp.ErrNoDialer) {
			t.Errorf("expected ErrNoDialer, got: %v", err)
		}
	})

	t.Run("Dialer error", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		dialer := dsp.NewMockDialer(ctrl)
		dialer.EXPECT().Dial(gomock.Any()).Return(nil, errors.New("connection refused"))

		config, err := dsp.NewConfigBuilder().WithDialer(dialer).Build()
		if err != nil {
			t.Fatalf("unexpected error from Build(): %v", err)
		}

		d, err := dsp.New(context.Background(), config)
		if err == nil {
			t.Error("expected error from dialer failure")
		}
		if d != nil {
			t.Error("New() should return nil device when dialer fails")
		}
	})

	t.Run("ErrNotConnected on nil transport", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		dialer := dsp.NewMockDialer(ctrl)
		dialer.EXPECT().Dial(gomock.Any()).Return(nil, nil)

		config, err := dsp.NewConfigBuilder().WithDialer(dialer).Build()
		if err != nil {
			t.Fatalf("unexpected error from Build(): %v", err)
		}

		_, err = dsp.New(context.Background(), config)
		if !errors.Is(err, dsp.ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got: %v", err)
		}
	})

	t.Run("Initial connected event", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mockTransport := dsp.NewMockTransport(ctrl)
		dialer := dsp.NewMockDialer(ctrl)
		dialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil)
		mockTransport.EXPECT().Close().Return(nil)

		config, err := dsp.NewConfigBuilder().WithDialer(dialer).Build()
		if err != nil {
			t.Fatalf("unexpected error from Build(): %v", err)
		}
		d, err := dsp.New(context.Background(), config)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer d.Close()

		select {
		case <-d.Connected():
		default:
			t.Error("expected connected event after New()")
		}
	})
}

func TestDeviceClose(t *testing.T) {
	t.Run("Closes underlying transport", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mockTransport := dsp.NewMockTransport(ctrl)
		dialer := dsp.NewMockDialer(ctrl)
		dialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil)
		mockTransport.EXPECT().Close().Return(nil)

		config, err := dsp.NewConfigBuilder().WithDialer(dialer).Build()
		if err != nil {
			t.Fatalf("unexpected error from Build(): %v", err)
		}
		d, err := dsp.New(context.Background(), config)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := d.Close(); err != nil {
			t.Errorf("unexpected error from Close(): %v", err)
		}
	})

	t.Run("Returns transport error on close failure", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mockTransport := dsp.NewMockTransport(ctrl)
		dialer := dsp.NewMockDialer(ctrl)
		closeError := errors.New("transport close failed")
		dialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil)
		mockTransport.EXPECT().Close().Return(closeError)

		config, err := dsp.NewConfigBuilder().WithDialer(dialer).Build()
		if err != nil {
			t.Fatalf("unexpected error from Build(): %v", err)
		}
		d, err := dsp.New(context.Background(), config)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := d.Close(); !errors.Is(err, closeError) {
			t.Errorf("expected transport error, got: %v", err)
		}
	})

	t.Run("ErrAlreadyClosed on double close", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mockTransport := dsp.NewMockTransport(ctrl)
		dialer := dsp.NewMockDialer(ctrl)
		dialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil)
		mockTransport.EXPECT().Close().Return(nil)

		config, err := dsp.NewConfigBuilder().WithDialer(dialer).Build()
		if err != nil {
			t.Fatalf("unexpected error from Build(): %v", err)
		}
		d, err := dsp.New(context.Background(), config)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if err := d.Close(); err != nil {
			t.Errorf("first close should succeed, got error: %v", err)
		}
		if err := d.Close(); !errors.Is(err, dsp.ErrAlreadyClosed) {
			t.Errorf("expected ErrAlreadyClosed on second close, got: %v", err)
		}
	})
}

func TestDeviceLoop(t *testing.T) {
	t.Run("Stops on EOF", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		transport := dsp.NewTestTransport()
		dialer := dsp.NewMockDialer(ctrl)
		dialer.EXPECT().Dial(gomock.Any()).Return(transport, nil)

		config, err := dsp.NewConfigBuilder().WithDialer(dialer).Build()
		if err != nil {
			t.Fatalf("unexpected error from Build(): %v", err)
		}
		d, err := dsp.New(context.Background(), config)
		if err != nil {
			t.Fatalf("failed to create device: %v", err)
		}

		loopDone := make(chan error, 1)
		go func() {
			loopDone <- d.Loop(context.Background())
		}()

		// Closing the transport ends the stream.
		d.Close()

		if err := <-loopDone; err != nil && !errors.Is(err, io.EOF) {
			t.Errorf("expected Loop to handle EOF gracefully, got: %v", err)
		}
	})

	t.Run("Exits on context cancellation", func(t *testing.T) {
		d, transport := func() (*dsp.Device, *dsp.TestTransport) {
			ctrl := gomock.NewController(t)
			transport := dsp.NewTestTransport()
			dialer := dsp.NewMockDialer(ctrl)
			dialer.EXPECT().Dial(gomock.Any()).Return(transport, nil)
			config, err := dsp.NewConfigBuilder().WithDialer(dialer).Build()
			if err != nil {
				t.Fatalf("unexpected error from Build(): %v", err)
			}
			dev, err := dsp.New(context.Background(), config)
			if err != nil {
				t.Fatalf("failed to create device: %v", err)
			}
			return dev, transport
		}()
		defer d.Close()
		_ = transport

		ctx, cancel := context.WithCancel(context.Background())
		loopDone := make(chan error, 1)
		go func() {
			loopDone <- d.Loop(ctx)
		}()

		time.Sleep(10 * time.Millisecond)
		cancel()

		if err := <-loopDone; !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got: %v", err)
		}
	})

	t.Run("Propagates scanner errors", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mockTransport := dsp.NewMockTransport(ctrl)
		dialer := dsp.NewMockDialer(ctrl)
		dialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil)

		readError := errors.New("transport read error")
		mockTransport.EXPECT().Read(gomock.Any()).Return(0, readError)
		mockTransport.EXPECT().Close().Return(nil)

		config, err := dsp.NewConfigBuilder().WithDialer(dialer).Build()
		if err != nil {
			t.Fatalf("unexpected error from Build(): %v", err)
		}
		d, err := dsp.New(context.Background(), config)
		if err != nil {
			t.Fatalf("failed to create device: %v", err)
		}
		defer d.Close()

		err = d.Loop(context.Background())
		if err == nil || !strings.Contains(err.Error(), "scanner error") {
			t.Errorf("expected scanner error to be wrapped, got: %v", err)
		}
	})

	t.Run("ErrLoopRunning on consecutive calls", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		transport := dsp.NewTestTransport()
		dialer := dsp.NewMockDialer(ctrl)
		dialer.EXPECT().Dial(gomock.Any()).Return(transport, nil)

		config, err := dsp.NewConfigBuilder().WithDialer(dialer).Build()
		if err != nil {
			t.Fatalf("unexpected error from Build(): %v", err)
		}
		d, err := dsp.New(context.Background(), config)
		if err != nil {
			t.Fatalf("failed to create device: %v", err)
		}
		defer d.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		loopDone := make(chan error, 1)
		go func() {
			loopDone <- d.Loop(ctx)
		}()

		time.Sleep(10 * time.Millisecond)

		if err := d.Loop(ctx); !errors.Is(err, dsp.ErrLoopRunning) {
			t.Errorf("expected ErrLoopRunning, got: %v", err)
		}

		cancel()
		<-loopDone
	})
}

func TestRunReconnects(t *testing.T) {
	ctrl := gomock.NewController(t)
	first := dsp.NewTestTransport()
	second := dsp.NewTestTransport()
	dialer := dsp.NewMockDialer(ctrl)
	gomock.InOrder(
		dialer.EXPECT().Dial(gomock.Any()).Return(first, nil),
		dialer.EXPECT().Dial(gomock.Any()).Return(second, nil),
	)

	config, err := dsp.NewConfigBuilder().
		WithDialer(dialer).
		WithReconnectDelay(10 * time.Millisecond).
		WithRefreshOnConnect(1, 100).
		Build()
	if err != nil {
		t.Fatalf("unexpected error from Build(): %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d, err := dsp.New(ctx, config)
	if err != nil {
		t.Fatalf("failed to create device: %v", err)
	}

	// Consume the initial connected event so the reconnect one is
	// observable.
	<-d.Connected()

	runDone := make(chan error, 1)
	go func() {
		runDone <- d.Run(ctx)
	}()

	// The configured refresh goes out on the first connection.
	expectWrite(t, first, "Q PUR 1 100\r")
	first.SendData("ACK\r")

	// Drop the link: Run must redial and refresh again.
	first.Close()

	select {
	case <-d.Connected():
	case <-time.After(time.Second):
		t.Fatal("expected reconnect event")
	}
	expectWrite(t, second, "Q PUR 1 100\r")
	second.SendData("ACK\r")

	// The restored connection serves commands as before.
	done := make(chan struct{})
	var value int
	var opErr error
	go func() {
		defer close(done)
		value, opErr = d.GetControl(ctx, 42)
	}()
	expectWrite(t, second, "Q GS2 42\r")
	second.SendData("42 00777\r")
	<-done
	if opErr != nil {
		t.Fatalf("unexpected error after reconnect: %v", opErr)
	}
	if value != 777 {
		t.Errorf("expected 777, got %d", value)
	}

	cancel()
	if err := <-runDone; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled from Run, got: %v", err)
	}
	d.Close()
}

// A command queued behind the in-flight one when the link drops must
// dispatch on the new transport after redial. The in-flight command
// itself is abandoned by the no-response window, not the disconnect.
func TestReconnectDispatchesQueuedCommands(t *testing.T) {
	ctrl := gomock.NewController(t)
	first := dsp.NewTestTransport()
	second := dsp.NewTestTransport()
	dialer := dsp.NewMockDialer(ctrl)
	gomock.InOrder(
		dialer.EXPECT().Dial(gomock.Any()).Return(first, nil),
		dialer.EXPECT().Dial(gomock.Any()).Return(second, nil),
	)

	config, err := dsp.NewConfigBuilder().
		WithDialer(dialer).
		WithResponseTimeout(50 * time.Millisecond).
		WithReconnectDelay(10 * time.Millisecond).
		Build()
	if err != nil {
		t.Fatalf("unexpected error from Build(): %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d, err := dsp.New(ctx, config)
	if err != nil {
		t.Fatalf("failed to create device: %v", err)
	}

	runDone := make(chan error, 1)
	go func() {
		runDone <- d.Run(ctx)
	}()

	firstErr := make(chan error, 1)
	go func() {
		_, err := d.GetControl(ctx, 100)
		firstErr <- err
	}()
	expectWrite(t, first, "Q GS2 100\r")

	type queuedResult struct {
		value int
		err   error
	}
	queued := make(chan queuedResult, 1)
	go func() {
		v, err := d.GetControl(ctx, 200)
		queued <- queuedResult{v, err}
	}()
	time.Sleep(20 * time.Millisecond)

	// Drop the link with one command in flight and one queued.
	first.Close()

	if err := <-firstErr; !errors.Is(err, dsp.ErrReplyTimeout) {
		t.Fatalf("expected ErrReplyTimeout for in-flight command, got %v", err)
	}

	expectWrite(t, second, "Q GS2 200\r")
	second.SendData("200 00555\r")

	res := <-queued
	if res.err != nil {
		t.Fatalf("queued command failed after reconnect: %v", res.err)
	}
	if res.value != 555 {
		t.Errorf("expected 555, got %d", res.value)
	}

	cancel()
	if err := <-runDone; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled from Run, got: %v", err)
	}
	d.Close()
}

// Close may race a caller submitting a command from another goroutine;
// both must return without corrupting the closed state.
func TestCloseConcurrentWithSubmit(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockTransport := dsp.NewMockTransport(ctrl)
	dialer := dsp.NewMockDialer(ctrl)
	dialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil)
	mockTransport.EXPECT().Close().Return(nil)

	config, err := dsp.NewConfigBuilder().WithDialer(dialer).Build()
	if err != nil {
		t.Fatalf("unexpected error from Build(): %v", err)
	}
	d, err := dsp.New(context.Background(), config)
	if err != nil {
		t.Fatalf("failed to create device: %v", err)
	}

	// No Loop is running: the submission either fails fast on the closed
	// check or gives up when its context expires.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = d.GetControl(ctx, 1000)
	}()
	go func() {
		defer wg.Done()
		if err := d.Close(); err != nil {
			t.Errorf("unexpected error from Close(): %v", err)
		}
	}()
	wg.Wait()

	if err := d.Close(); !errors.Is(err, dsp.ErrAlreadyClosed) {
		t.Errorf("expected ErrAlreadyClosed on second close, got: %v", err)
	}
}
