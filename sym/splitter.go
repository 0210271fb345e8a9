package sym

import (
	"bufio"
)

// Splitter assembles complete frames from the raw byte stream. It has the
// signature of bufio.SplitFunc so it can be used directly with
// bufio.Scanner.
//
// The protocol terminates every frame with a carriage return, but the
// network may deliver a frame in arbitrary fragments. Data that does not
// yet end with the terminator is assumed to be an incomplete frame and is
// left buffered until more arrives. Once the accumulated data ends with
// the terminator, all of it is emitted as one frame. A frame can
// therefore span several terminator-separated lines (a push concatenated
// with a reply, or a block reply's header line plus its records): the
// protocol never splits a logical reply across frames, only the network
// fragments one.
//
// The atEOF parameter indicates whether any more data will be available.
// When true, any remaining data is returned as the final frame.
func Splitter(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if len(data) == 0 {
		return 0, nil, nil
	}

	if data[len(data)-1] == Terminator[0] {
		return len(data), data, nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var _ bufio.SplitFunc = Splitter
