// Package gitpack serialises GitObjects into a Git packfile (v2), the
// wire format streamed back to clients as sideband-framed pkt-line data.
//
// For more details about the on-disk/wire packfile format, see:
// https://git-scm.com/docs/pack-format
package gitpack

import (
	"crypto"
	"encoding/binary"
	"fmt"
	"hash"
	"io"

	// Linking SHA-1 into the binary; see internal/gitobj for the same
	// rationale.
	//nolint:gosec
	_ "crypto/sha1"

	"github.com/klauspost/compress/zlib"
	"github.com/ttys3/chartered-git/internal/gitobj"
)

const (
	magic   = "PACK"
	version = 2
)

// hashingWriter tees every byte written through it into a running SHA-1
// sum, so the trailing packfile checksum can be computed incrementally
// without buffering the whole pack.
type hashingWriter struct {
	w io.Writer
	h hash.Hash
}

func newHashingWriter(w io.Writer) *hashingWriter {
	return &hashingWriter{w: w, h: crypto.SHA1.New()}
}

func (h *hashingWriter) Write(p []byte) (int, error) {
	n, err := h.w.Write(p)
	if n > 0 {
		h.h.Write(p[:n])
	}
	return n, err
}

func (h *hashingWriter) sum() []byte {
	return h.h.Sum(nil)
}

// WriteObjects serialises objects, in the order given, as a complete v2
// packfile to dst. Callers are responsible for supplying objects in
// topological order: every object an entry refers to must already have
// been written before that entry.
func WriteObjects(dst io.Writer, objects []gitobj.Object) error {
	hw := newHashingWriter(dst)

	header := make([]byte, 12)
	copy(header[0:4], magic)
	binary.BigEndian.PutUint32(header[4:8], version)
	binary.BigEndian.PutUint32(header[8:12], uint32(len(objects)))
	if _, err := hw.Write(header); err != nil {
		return fmt.Errorf("gitpack: write header: %w", err)
	}

	for i, obj := range objects {
		if err := writeObject(hw, obj); err != nil {
			return fmt.Errorf("gitpack: write object %d: %w", i, err)
		}
	}

	if _, err := dst.Write(hw.sum()); err != nil {
		return fmt.Errorf("gitpack: write trailer: %w", err)
	}
	return nil
}

func writeObject(hw *hashingWriter, obj gitobj.Object) error {
	body := obj.Body()
	if _, err := hw.Write(encodeObjectHeader(obj.Type(), len(body))); err != nil {
		return fmt.Errorf("write object header: %w", err)
	}

	zw := zlib.NewWriter(hw)
	if _, err := zw.Write(body); err != nil {
		_ = zw.Close()
		return fmt.Errorf("deflate object body: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("flush deflate stream: %w", err)
	}
	return nil
}

// encodeObjectHeader encodes a packfile object's variable-length
// type-and-size header: the first byte's low 4 bits hold the bottom 4
// bits of size, the next 3 bits the object type, and the MSB is a
// continuation flag; subsequent bytes contribute 7 more size bits each,
// little-endian, until size is exhausted.
func encodeObjectHeader(t gitobj.Type, size int) []byte {
	first := byte(t)<<4 | byte(size&0x0f)
	size >>= 4

	var out []byte
	for size != 0 {
		out = append(out, first|0x80)
		first = byte(size & 0x7f)
		size >>= 7
	}
	out = append(out, first)
	return out
}

// Stream writes objects into a packfile on a background goroutine and
// returns the read side of a pipe, so callers can begin relaying bytes
// to the client before the whole pack has been produced.
func Stream(objects []gitobj.Object) io.Reader {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(WriteObjects(pw, objects))
	}()
	return pr
}
