// Package sym implements the wire protocol spoken by the DSP's control
// port: a line-delimited ASCII dialect where every command and reply is
// terminated by a carriage return, and where the unit freely interleaves
// unsolicited push notifications with solicited replies on the same
// stream, with no framing header to tell the two apart.
package sym

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// Terminator ends every outbound command and every inbound frame.
	Terminator = "\r"

	// Quiet is the marker token prefixed to every outbound mnemonic. It
	// suppresses the unit's acknowledgement chatter so that only the
	// targeted reply for the command is sent back.
	Quiet = "Q"

	// Reply tokens
	Ack = "ACK"
	Nak = "NAK"

	// BlockHeader opens a block-query reply. The unit echoes the command
	// and the payload size on a header line before the records.
	BlockHeader = "GSB3"

	// Command mnemonics
	CmdSetControl      = "CS"
	CmdChangeControl   = "CC"
	CmdGetControl      = "GS2"
	CmdGetControlBlock = "GSB"
	CmdGetPreset       = "GPR"
	CmdLoadPreset      = "LP"
	CmdGetSystemString = "GSYSS"
	CmdSetSystemString = "SSYSS"
	CmdReboot          = "R!"
	CmdFlashPanel      = "FU"
	CmdPushEnable      = "PUE"
	CmdPushDisable     = "PUD"
	CmdPushQuery       = "GPU"
	CmdPushRefresh     = "PUR"
	CmdPushClear       = "PUC"
	CmdPushInterval    = "PUI"
	CmdPushThreshold   = "PUT"
)

// Protocol domains for caller-supplied values.
const (
	MinControl      = 1
	MaxControl      = 10000
	MaxValue        = 65535
	MaxBlock        = 256
	MinPreset       = 1
	MaxPreset       = 1000
	MinPushInterval = 20
	MaxPushInterval = 30000
)

// Command pairs the outbound command text with the pattern its reply is
// expected to match. The pattern drives the push/response split in Split
// and the single-record parse in ParseReply.
type Command struct {
	Text   string
	Expect *regexp.Regexp
}

// Wire returns the on-the-wire form of the command: quiet marker,
// command text with trailing whitespace trimmed, terminator appended.
func (c Command) Wire() []byte {
	return []byte(Quiet + " " + strings.TrimSpace(c.Text) + Terminator)
}

var (
	ackPattern = regexp.MustCompile(`(?P<ack>ACK)|(?P<nak>NAK)`)

	// blockPattern anchors on the reply header; the record payload that
	// follows is handled by TrimBlockHeader and ParseRecords.
	blockPattern = regexp.MustCompile(BlockHeader + " ")

	stringPattern = regexp.MustCompile(CmdGetSystemString + ` (?P<ret>[^\r]*)`)

	// barePattern matches a reply that is a bare number on its own line.
	// The leading frame-start/terminator guard keeps it from matching
	// the digits inside a push record.
	barePattern = regexp.MustCompile(`(?:^|\r)(?P<ret>\d+)`)
)

// echoPattern builds the pattern for a reply of the form
// "<id> <value>", anchored on the echoed identifier.
func echoPattern(id int) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf(`(?:^|\r)%d (?P<ret>\d+)`, id))
}

func ackCommand(mnemonic string, args ...int) Command {
	text := mnemonic
	for _, a := range args {
		text += fmt.Sprintf(" %d", a)
	}
	return Command{Text: text, Expect: ackPattern}
}

// SetControl sets controller id to an absolute value.
func SetControl(id, value int) Command {
	return ackCommand(CmdSetControl, id, value)
}

// ChangeControl moves controller id by a relative amount. The wire form
// carries a direction flag and an unsigned magnitude.
func ChangeControl(id, delta int) Command {
	dir := 1
	if delta < 0 {
		dir = 0
		delta = -delta
	}
	return ackCommand(CmdChangeControl, id, dir, delta)
}

// GetControl queries the current value of controller id. The unit
// replies with the id echoed back followed by the value.
func GetControl(id int) Command {
	return Command{
		Text:   fmt.Sprintf("%s %d", CmdGetControl, id),
		Expect: echoPattern(id),
	}
}

// GetControlBlock queries a contiguous run of controllers starting at
// start. The reply carries a GSB3 header line followed by one record
// per reported controller.
func GetControlBlock(start, count int) Command {
	return Command{
		Text:   fmt.Sprintf("%s %d %d", CmdGetControlBlock, start, count),
		Expect: blockPattern,
	}
}

// GetPreset queries the number of the most recently loaded preset.
func GetPreset() Command {
	return Command{Text: CmdGetPreset, Expect: barePattern}
}

// LoadPreset recalls preset n.
func LoadPreset(n int) Command {
	return ackCommand(CmdLoadPreset, n)
}

// GetSystemString reads the named system string.
func GetSystemString(name string) Command {
	return Command{
		Text:   fmt.Sprintf("%s %s", CmdGetSystemString, name),
		Expect: stringPattern,
	}
}

// SetSystemString writes the named system string.
func SetSystemString(name, value string) Command {
	return Command{
		Text:   fmt.Sprintf("%s %s %s", CmdSetSystemString, name, value),
		Expect: ackPattern,
	}
}

// Reboot restarts the unit. The unit acknowledges before dropping the
// connection.
func Reboot() Command {
	return Command{Text: CmdReboot, Expect: ackPattern}
}

// FlashPanel flashes the front panel LEDs the given number of times.
func FlashPanel(count int) Command {
	return ackCommand(CmdFlashPanel, count)
}

// PushEnable enables push notifications for the controller range [low, high].
func PushEnable(low, high int) Command {
	return ackCommand(CmdPushEnable, low, high)
}

// PushDisable disables push notifications for the controller range [low, high].
func PushDisable(low, high int) Command {
	return ackCommand(CmdPushDisable, low, high)
}

// PushQuery asks whether push notifications are enabled for controller id.
func PushQuery(id int) Command {
	return Command{
		Text:   fmt.Sprintf("%s %d", CmdPushQuery, id),
		Expect: echoPattern(id),
	}
}

// PushRefresh forces the unit to re-send current values for the range
// [low, high] as pushes, regardless of whether they changed.
func PushRefresh(low, high int) Command {
	return ackCommand(CmdPushRefresh, low, high)
}

// PushClear discards the unit's record of last-pushed values for the
// range [low, high].
func PushClear(low, high int) Command {
	return ackCommand(CmdPushClear, low, high)
}

// PushInterval sets the minimum time between pushes, in milliseconds.
func PushInterval(ms int) Command {
	return ackCommand(CmdPushInterval, ms)
}

// PushThreshold sets how far an audio or logic value must move before
// the unit reports it.
func PushThreshold(audio, logic int) Command {
	return ackCommand(CmdPushThreshold, audio, logic)
}
