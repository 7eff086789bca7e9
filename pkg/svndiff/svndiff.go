// Package svndiff implements the binary delta format used by revstore
// representations.
//
// A delta stream begins with the four bytes "SVN\x00" (version 0) or
// "SVN\x01" (version 1) and is followed by a sequence of windows. Each
// window reconstructs a slice of the target from three sources: a view into
// the base ("source view"), bytes already produced for this window, and
// literal new data carried in the window itself. Version 1 additionally
// zlib-compresses the instruction and new-data sections of each window.
//
// The encoder here favors simplicity: fixed-size target windows, a source
// view aligned at the same offset, and greedy block matching. Any encoder
// is acceptable as long as applying its output to the declared base yields
// the target byte-for-byte; the decoder accepts the full format.
package svndiff

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/orneryd/revstore/pkg/pool"
)

// Stream versions.
const (
	Version0 = 0 // uncompressed windows
	Version1 = 1 // zlib-compressed instruction and new-data sections
)

// Window geometry. Target windows are deliberately small so that random
// access into a delta chain touches a bounded amount of base data.
const (
	targetWindowSize = 4096
	sourceViewSize   = 2 * targetWindowSize
	matchBlockSize   = 16
)

// Instruction opcodes (top two bits of the first instruction byte).
const (
	opCopySource  = 0x00
	opCopyTarget  = 0x40
	opCopyNewData = 0x80
)

var streamMagic = []byte{'S', 'V', 'N'}

// ErrCorrupt reports a malformed delta stream.
var ErrCorrupt = errors.New("svndiff: corrupt delta")

// putVarint appends the big-endian base-128 encoding of v.
func putVarint(dst []byte, v uint64) []byte {
	var tmp [10]byte
	i := len(tmp)
	tmp[i-1] = byte(v & 0x7f)
	v >>= 7
	i--
	for v > 0 {
		i--
		tmp[i] = byte(v&0x7f) | 0x80
		v >>= 7
	}
	return append(dst, tmp[i:]...)
}

// readVarint consumes one base-128 integer from buf, returning the value
// and the remaining bytes.
func readVarint(buf []byte) (uint64, []byte, error) {
	var v uint64
	for i := 0; i < len(buf); i++ {
		if i >= 10 {
			return 0, nil, ErrCorrupt
		}
		b := buf[i]
		v = v<<7 | uint64(b&0x7f)
		if b&0x80 == 0 {
			return v, buf[i+1:], nil
		}
	}
	return 0, nil, ErrCorrupt
}

// readVarintFrom reads one base-128 integer from a byte reader.
func readVarintFrom(r io.ByteReader) (uint64, error) {
	var v uint64
	for i := 0; ; i++ {
		if i >= 10 {
			return 0, ErrCorrupt
		}
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		v = v<<7 | uint64(b&0x7f)
		if b&0x80 == 0 {
			return v, nil
		}
	}
}

// Encode writes a delta stream transforming source into target.
//
// A nil or empty source produces a self-compressed delta: every window
// carries its bytes as new data, which version 1 then compresses.
func Encode(w io.Writer, source, target []byte, version int) error {
	if version != Version0 && version != Version1 {
		return fmt.Errorf("svndiff: unknown version %d", version)
	}
	if _, err := w.Write(streamMagic); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(version)}); err != nil {
		return err
	}

	for off := 0; off < len(target) || (off == 0 && len(target) == 0); off += targetWindowSize {
		end := off + targetWindowSize
		if end > len(target) {
			end = len(target)
		}
		tview := target[off:end]

		srcOff := off
		if srcOff > len(source) {
			srcOff = len(source)
		}
		srcEnd := srcOff + sourceViewSize
		if srcEnd > len(source) {
			srcEnd = len(source)
		}
		sview := source[srcOff:srcEnd]

		if err := encodeWindow(w, version, uint64(srcOff), sview, tview); err != nil {
			return err
		}
		if len(target) == 0 {
			break
		}
	}
	return nil
}

// encodeWindow emits one window reconstructing tview.
func encodeWindow(w io.Writer, version int, srcOff uint64, sview, tview []byte) error {
	instr := pool.GetBytes()
	defer pool.PutBytes(instr)
	newData := pool.GetBytes()
	defer pool.PutBytes(newData)

	instr, newData = matchWindow(instr, newData, sview, tview)

	instrSection, err := encodeSection(version, instr)
	if err != nil {
		return err
	}
	newDataSection, err := encodeSection(version, newData)
	if err != nil {
		return err
	}

	header := pool.GetBytes()
	defer pool.PutBytes(header)
	header = putVarint(header, srcOff)
	header = putVarint(header, uint64(len(sview)))
	header = putVarint(header, uint64(len(tview)))
	header = putVarint(header, uint64(len(instrSection)))
	header = putVarint(header, uint64(len(newDataSection)))

	if _, err := w.Write(header); err != nil {
		return err
	}
	if _, err := w.Write(instrSection); err != nil {
		return err
	}
	_, err = w.Write(newDataSection)
	return err
}

// encodeSection applies the version-1 per-section compression wrapper.
func encodeSection(version int, data []byte) ([]byte, error) {
	if version == Version0 {
		return append([]byte(nil), data...), nil
	}

	out := putVarint(nil, uint64(len(data)))
	if len(data) == 0 {
		return out, nil
	}

	compressed := pool.GetBuffer()
	defer pool.PutBuffer(compressed)
	zw := zlib.NewWriter(compressed)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}

	// Store raw if compression does not help.
	if compressed.Len() >= len(data) {
		return append(out, data...), nil
	}
	return append(out, compressed.Bytes()...), nil
}

// matchWindow produces instructions and new data for one window using
// greedy block matching against the source view.
func matchWindow(instr, newData, sview, tview []byte) ([]byte, []byte) {
	if bytes.Equal(sview, tview) && len(tview) > 0 {
		return appendCopySource(instr, 0, len(tview)), newData
	}

	// Index the source view by fixed-size blocks.
	var index map[string]int
	if len(sview) >= matchBlockSize {
		index = make(map[string]int, len(sview)/matchBlockSize)
		for i := 0; i+matchBlockSize <= len(sview); i += matchBlockSize {
			index[string(sview[i:i+matchBlockSize])] = i
		}
	}

	pendingStart := 0 // start of unmatched run in tview
	i := 0
	for index != nil && i+matchBlockSize <= len(tview) {
		srcPos, ok := index[string(tview[i:i+matchBlockSize])]
		if !ok {
			i++
			continue
		}

		// Extend the match backwards into the pending run and forwards.
		start, srcStart := i, srcPos
		for start > pendingStart && srcStart > 0 && tview[start-1] == sview[srcStart-1] {
			start--
			srcStart--
		}
		end, srcEnd := i+matchBlockSize, srcPos+matchBlockSize
		for end < len(tview) && srcEnd < len(sview) && tview[end] == sview[srcEnd] {
			end++
			srcEnd++
		}

		if pendingStart < start {
			instr = appendCopyNew(instr, start-pendingStart)
			newData = append(newData, tview[pendingStart:start]...)
		}
		instr = appendCopySource(instr, srcStart, srcEnd-srcStart)
		pendingStart = end
		i = end
	}

	if pendingStart < len(tview) {
		instr = appendCopyNew(instr, len(tview)-pendingStart)
		newData = append(newData, tview[pendingStart:]...)
	}
	return instr, newData
}

// appendCopySource emits a copy-from-source instruction.
func appendCopySource(instr []byte, off, length int) []byte {
	instr = appendOp(instr, opCopySource, length)
	return putVarint(instr, uint64(off))
}

// appendCopyNew emits a copy-from-new-data instruction.
func appendCopyNew(instr []byte, length int) []byte {
	return appendOp(instr, opCopyNewData, length)
}

// appendOp emits the opcode byte (with inline length when it fits in six
// bits) plus the length varint otherwise.
func appendOp(instr []byte, op byte, length int) []byte {
	if length > 0 && length < 64 {
		return append(instr, op|byte(length))
	}
	instr = append(instr, op)
	return putVarint(instr, uint64(length))
}
