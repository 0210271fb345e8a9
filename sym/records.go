package sym

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// ErrUnrecognizedReply is returned when a response segment matches the
// in-flight pattern but carries none of the expected captures. This is a
// diagnostic condition, not a fatal one: the caller still completes,
// with an empty reply.
var ErrUnrecognizedReply = errors.New("sym: unrecognized reply format")

// Record is one (controller, value) pair from a push notification or a
// block-query reply.
type Record struct {
	ID    int
	Value int
}

// ReplyKind identifies what a single-record reply carried.
type ReplyKind int

const (
	KindScalar ReplyKind = iota // captured scalar value
	KindAck                     // positive acknowledgement
	KindNak                     // negative acknowledgement
)

// Reply is the parsed form of a single-record response segment.
type Reply struct {
	Kind  ReplyKind
	Value string // scalar capture, only for KindScalar
}

// Int converts a scalar reply to its numeric value.
func (r Reply) Int() (int, error) {
	return strconv.Atoi(r.Value)
}

// recordPattern is the fixed sub-pattern of one push/block record:
// a 5-digit controller number and a 5-digit value.
var recordPattern = regexp.MustCompile(`#(\d{5})=(\d{5})`)

// ParseRecords scans a segment for all records and returns them in wire
// order. Segments with no records yield an empty slice; push frames
// legitimately carry zero or more records.
func ParseRecords(segment string) []Record {
	matches := recordPattern.FindAllStringSubmatch(segment, -1)
	records := make([]Record, 0, len(matches))
	for _, m := range matches {
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		value, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		records = append(records, Record{ID: id, Value: value})
	}
	return records
}

// TrimBlockHeader strips the GSB3 header line from a block-query reply.
// The header echoes the command and the payload size and is terminated
// like any other frame line; the records follow it.
func TrimBlockHeader(segment string) string {
	if !strings.HasPrefix(segment, BlockHeader) {
		return segment
	}
	if i := strings.Index(segment, Terminator); i >= 0 {
		return segment[i+len(Terminator):]
	}
	return ""
}

// ParseReply applies the single-record form to a response segment. The
// result is exactly one of: a captured scalar (named capture "ret"), a
// positive acknowledgement ("ack") or a negative one ("nak"). A segment
// that matches the pattern but produces none of these captures is an
// unrecognized reply.
func ParseReply(expect *regexp.Regexp, segment string) (Reply, error) {
	m := expect.FindStringSubmatch(segment)
	if m == nil {
		return Reply{}, ErrUnrecognizedReply
	}
	for i, name := range expect.SubexpNames() {
		if i == 0 || i >= len(m) || m[i] == "" {
			continue
		}
		switch name {
		case "ack":
			return Reply{Kind: KindAck}, nil
		case "nak":
			return Reply{Kind: KindNak}, nil
		case "ret":
			return Reply{Kind: KindScalar, Value: m[i]}, nil
		}
	}
	return Reply{}, ErrUnrecognizedReply
}
