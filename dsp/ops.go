package dsp

import (
	"context"
	"fmt"

	"stagelink.io/dspgw/sym"
)

// Caller-facing operations. Arguments are validated synchronously;
// invalid input fails before anything touches the queue or the wire.

func validControl(id int) error {
	if id < sym.MinControl || id > sym.MaxControl {
		return fmt.Errorf("%w: %d", ErrInvalidControl, id)
	}
	return nil
}

func validRange(low, high int) error {
	if err := validControl(low); err != nil {
		return err
	}
	if err := validControl(high); err != nil {
		return err
	}
	if low > high {
		return fmt.Errorf("%w: %d..%d", ErrInvalidRange, low, high)
	}
	return nil
}

// execAck runs a command whose reply is ACK or NAK. NAK surfaces as
// ErrNegativeAck.
func (d *Device) execAck(ctx context.Context, cmd sym.Command) error {
	res, err := d.exec(ctx, cmd)
	if err != nil {
		return err
	}
	if res.reply.Kind == sym.KindNak {
		return fmt.Errorf("%w: %s", ErrNegativeAck, cmd.Text)
	}
	return nil
}

// execScalar runs a command whose reply carries a numeric capture.
func (d *Device) execScalar(ctx context.Context, cmd sym.Command) (int, error) {
	res, err := d.exec(ctx, cmd)
	if err != nil {
		return 0, err
	}
	v, err := res.reply.Int()
	if err != nil {
		return 0, fmt.Errorf("command %q: %w", cmd.Text, err)
	}
	return v, nil
}

// SetControl sets controller id to an absolute value.
func (d *Device) SetControl(ctx context.Context, id, value int) error {
	if err := validControl(id); err != nil {
		return err
	}
	if value < 0 || value > sym.MaxValue {
		return fmt.Errorf("%w: %d", ErrInvalidValue, value)
	}
	return d.execAck(ctx, sym.SetControl(id, value))
}

// ChangeControl moves controller id by a relative amount.
func (d *Device) ChangeControl(ctx context.Context, id, delta int) error {
	if err := validControl(id); err != nil {
		return err
	}
	if delta < -sym.MaxValue || delta > sym.MaxValue {
		return fmt.Errorf("%w: %d", ErrInvalidDelta, delta)
	}
	return d.execAck(ctx, sym.ChangeControl(id, delta))
}

// GetControl reads the current value of controller id.
func (d *Device) GetControl(ctx context.Context, id int) (int, error) {
	if err := validControl(id); err != nil {
		return 0, err
	}
	return d.execScalar(ctx, sym.GetControl(id))
}

// GetControlBlock reads a contiguous run of up to 256 controllers
// starting at start. Controllers the unit does not report are simply
// absent from the result.
func (d *Device) GetControlBlock(ctx context.Context, start, count int) ([]sym.Record, error) {
	if err := validControl(start); err != nil {
		return nil, err
	}
	if count < 1 || count > sym.MaxBlock {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBlock, count)
	}
	res, err := d.exec(ctx, sym.GetControlBlock(start, count))
	if err != nil {
		return nil, err
	}
	return res.records, nil
}

// GetPreset reads the number of the most recently loaded preset.
func (d *Device) GetPreset(ctx context.Context) (int, error) {
	return d.execScalar(ctx, sym.GetPreset())
}

// LoadPreset recalls preset n.
func (d *Device) LoadPreset(ctx context.Context, n int) error {
	if n < sym.MinPreset || n > sym.MaxPreset {
		return fmt.Errorf("%w: %d", ErrInvalidPreset, n)
	}
	return d.execAck(ctx, sym.LoadPreset(n))
}

// GetSystemString reads the named system string (unit name, firmware
// version and the like).
func (d *Device) GetSystemString(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", ErrEmptyName
	}
	res, err := d.exec(ctx, sym.GetSystemString(name))
	if err != nil {
		return "", err
	}
	return res.reply.Value, nil
}

// SetSystemString writes the named system string.
func (d *Device) SetSystemString(ctx context.Context, name, value string) error {
	if name == "" {
		return ErrEmptyName
	}
	return d.execAck(ctx, sym.SetSystemString(name, value))
}

// Reboot restarts the unit. The transport drops shortly after the
// acknowledgement; Run reconnects once the unit is back.
func (d *Device) Reboot(ctx context.Context) error {
	return d.execAck(ctx, sym.Reboot())
}

// FlashPanel flashes the front panel LEDs, a quick way to physically
// locate the unit in a rack.
func (d *Device) FlashPanel(ctx context.Context, count int) error {
	if count < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidValue, count)
	}
	return d.execAck(ctx, sym.FlashPanel(count))
}

// EnablePush turns on push notifications for the controller range [low, high].
func (d *Device) EnablePush(ctx context.Context, low, high int) error {
	if err := validRange(low, high); err != nil {
		return err
	}
	return d.execAck(ctx, sym.PushEnable(low, high))
}

// DisablePush turns off push notifications for the controller range [low, high].
func (d *Device) DisablePush(ctx context.Context, low, high int) error {
	if err := validRange(low, high); err != nil {
		return err
	}
	return d.execAck(ctx, sym.PushDisable(low, high))
}

// QueryPush reports whether push notifications are enabled for
// controller id.
func (d *Device) QueryPush(ctx context.Context, id int) (bool, error) {
	if err := validControl(id); err != nil {
		return false, err
	}
	v, err := d.execScalar(ctx, sym.PushQuery(id))
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// RefreshPush asks the unit to re-send current values for [low, high]
// as pushes, whether or not they changed.
func (d *Device) RefreshPush(ctx context.Context, low, high int) error {
	if err := validRange(low, high); err != nil {
		return err
	}
	return d.execAck(ctx, sym.PushRefresh(low, high))
}

// ClearPush discards the unit's record of last-pushed values for
// [low, high], so the next change is always reported.
func (d *Device) ClearPush(ctx context.Context, low, high int) error {
	if err := validRange(low, high); err != nil {
		return err
	}
	return d.execAck(ctx, sym.PushClear(low, high))
}

// SetPushInterval sets the minimum time between pushes, in
// milliseconds.
func (d *Device) SetPushInterval(ctx context.Context, ms int) error {
	if ms < sym.MinPushInterval || ms > sym.MaxPushInterval {
		return fmt.Errorf("%w: %d", ErrInvalidInterval, ms)
	}
	return d.execAck(ctx, sym.PushInterval(ms))
}

// SetPushThreshold sets how far audio and logic values must move before
// the unit reports them.
func (d *Device) SetPushThreshold(ctx context.Context, audio, logic int) error {
	if audio < 0 || audio > sym.MaxValue {
		return fmt.Errorf("%w: %d", ErrInvalidValue, audio)
	}
	if logic < 0 || logic > sym.MaxValue {
		return fmt.Errorf("%w: %d", ErrInvalidValue, logic)
	}
	return d.execAck(ctx, sym.PushThreshold(audio, logic))
}
