package sym

import (
	"regexp"
)

// Split classifies the content of a complete frame against the expected
// reply pattern of the in-flight command.
//
// The stream carries no structural marker separating unsolicited pushes
// from solicited replies, so classification is by pattern search:
//
//   - expect nil (no command in flight): the whole frame is push traffic.
//   - no match: the whole frame is push traffic; the awaited reply has
//     not arrived yet, or has already been abandoned by timeout.
//   - match at offset 0: the whole frame is the reply.
//   - match at a non-zero offset: the bytes before the match are push
//     traffic the unit emitted concurrently with the reply, and the
//     bytes from the match onward are the reply.
//
// This assumes the expected pattern does not spuriously match inside
// unrelated push data; the patterns in this package are anchored on the
// command echo or a terminator boundary to keep that assumption honest.
func Split(frame string, expect *regexp.Regexp) (push, response string) {
	if expect == nil {
		return frame, ""
	}
	loc := expect.FindStringIndex(frame)
	if loc == nil {
		return frame, ""
	}
	return frame[:loc[0]], frame[loc[0]:]
}
