// Package gitpkt implements Git's pkt-line wire framing, used by every
// Git smart-protocol transport (HTTP, SSH, git://).
//
// A pkt-line is a 4-byte ASCII-hex length prefix followed by that many
// bytes of payload, with three reserved lengths used as control frames:
// flush-pkt ("0000"), delim-pkt ("0001") and response-end-pkt ("0002").
//
// For more details, see:
//   - https://git-scm.com/docs/gitprotocol-common
//   - https://git-scm.com/docs/protocol-v2
package gitpkt

import (
	"errors"
	"fmt"
)

const (
	// lengthFieldSize is the size of the length prefix (4 ASCII hex digits).
	lengthFieldSize = 4

	// MaxDataSize is the maximum size of a pkt-line's payload.
	MaxDataSize = 65516

	// MaxPktLineSize is the maximum total size of a pkt-line, payload included.
	MaxPktLineSize = MaxDataSize + lengthFieldSize

	// maxSidebandChunk leaves one byte of the payload for the stream-id prefix.
	maxSidebandChunk = MaxDataSize - 1
)

// ErrDataTooLarge is returned when a payload would not fit in a single pkt-line.
var ErrDataTooLarge = errors.New("gitpkt: payload exceeds maximum pkt-line data size")

// ErrProtocolAbuse is returned when a decoded length field falls outside
// the valid pkt-line range.
var ErrProtocolAbuse = errors.New("gitpkt: invalid pkt-line length")

// Sideband stream identifiers, per the side-band-64k capability.
const (
	SidebandPack     byte = 1
	SidebandProgress byte = 2
	SidebandError    byte = 3
)

// Special control frames, pre-encoded.
const (
	Flush       = special("0000")
	Delimiter   = special("0001")
	ResponseEnd = special("0002")
)

type special string

// Bytes returns the literal wire encoding of a control frame.
func (s special) Bytes() []byte { return []byte(s) }

// Data encodes a single pkt-line payload frame: a 4-byte hex length
// (payload length + 4) followed by the payload verbatim. No trailing
// newline is added.
func Data(payload []byte) ([]byte, error) {
	if len(payload) > MaxDataSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrDataTooLarge, len(payload))
	}
	out := make([]byte, 0, len(payload)+lengthFieldSize)
	out = append(out, []byte(fmt.Sprintf("%04x", len(payload)+lengthFieldSize))...)
	out = append(out, payload...)
	return out, nil
}

// SidebandMsg encodes a progress message (stream 2) as a single pkt-line.
func SidebandMsg(payload []byte) ([]byte, error) {
	return sideband(SidebandProgress, payload)
}

// SidebandErr encodes a fatal error message (stream 3) as a single pkt-line.
func SidebandErr(payload []byte) ([]byte, error) {
	return sideband(SidebandError, payload)
}

func sideband(stream byte, payload []byte) ([]byte, error) {
	framed := make([]byte, 0, len(payload)+1)
	framed = append(framed, stream)
	framed = append(framed, payload...)
	return Data(framed)
}

// SidebandData encodes pack data (stream 1), chunking the payload into
// pieces that fit within a single pkt-line (MaxDataSize - 1 bytes, to
// leave room for the leading stream byte), and returns the concatenated
// framed bytes.
func SidebandData(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return sideband(SidebandPack, nil)
	}

	out := make([]byte, 0, len(payload)+((len(payload)/maxSidebandChunk)+1)*(lengthFieldSize+1))
	for len(payload) > 0 {
		n := maxSidebandChunk
		if n > len(payload) {
			n = len(payload)
		}
		framed, err := sideband(SidebandPack, payload[:n])
		if err != nil {
			return nil, err
		}
		out = append(out, framed...)
		payload = payload[n:]
	}
	return out, nil
}
