package gitpkt

import (
	"bytes"
	"fmt"
	"strconv"
)

// Decoder is a streaming pkt-line decoder: feed it bytes as they arrive off
// the wire with Write, then drain complete frames with Next. Partial
// frames are never consumed from the buffer, so Decoder is safe to use
// across multiple reads from a non-blocking or chunked transport.
type Decoder struct {
	buf []byte
}

// Write appends newly-received bytes to the decode buffer.
func (d *Decoder) Write(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next attempts to decode one payload frame from the buffered bytes.
// It returns (payload, true, nil) when a data frame was decoded,
// (nil, false, nil) when more bytes are needed, and a non-nil error on
// malformed input (ErrProtocolAbuse). Control frames (flush, delimiter,
// response-end) are consumed silently and never returned as a payload;
// callers learn about them only by their absence (an empty data frame is
// distinct: pkt-line length 0004 decodes to an empty, but present, payload).
func (d *Decoder) Next() ([]byte, bool, error) {
	for {
		if len(d.buf) < lengthFieldSize {
			return nil, false, nil
		}

		length, err := strconv.ParseUint(string(d.buf[:lengthFieldSize]), 16, 16)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrProtocolAbuse, err)
		}

		switch length {
		case 0, 1, 2:
			// Flush / delimiter / response-end: consume and keep looking.
			d.buf = d.buf[lengthFieldSize:]
			continue
		}

		if length < lengthFieldSize || length > MaxPktLineSize {
			return nil, false, fmt.Errorf("%w: length %d", ErrProtocolAbuse, length)
		}

		if uint64(len(d.buf)) < length {
			return nil, false, nil
		}

		frame := d.buf[lengthFieldSize:length]
		d.buf = d.buf[length:]

		payload := bytes.TrimSuffix(frame, []byte("\n"))
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, true, nil
	}
}
