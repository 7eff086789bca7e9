package svndiff

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// Apply reads a delta stream and reconstructs the target against source.
// A self-compressed delta passes a nil source.
func Apply(source []byte, delta io.Reader) ([]byte, error) {
	br := bufio.NewReader(delta)

	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return nil, fmt.Errorf("svndiff: reading stream header: %w", err)
	}
	if !bytes.Equal(magic[:3], streamMagic) {
		return nil, ErrCorrupt
	}
	version := int(magic[3])
	if version != Version0 && version != Version1 {
		return nil, fmt.Errorf("svndiff: unknown version %d", version)
	}

	var target []byte
	for {
		tview, err := applyWindow(br, version, source)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		target = append(target, tview...)
	}
	return target, nil
}

// applyWindow consumes one window from the stream. io.EOF signals a clean
// end of stream before any window byte.
func applyWindow(br *bufio.Reader, version int, source []byte) ([]byte, error) {
	if _, err := br.Peek(1); err == io.EOF {
		return nil, io.EOF
	}

	srcOff, err := readVarintFrom(br)
	if err != nil {
		return nil, windowErr(err)
	}
	srcLen, err := readVarintFrom(br)
	if err != nil {
		return nil, windowErr(err)
	}
	tgtLen, err := readVarintFrom(br)
	if err != nil {
		return nil, windowErr(err)
	}
	instrLen, err := readVarintFrom(br)
	if err != nil {
		return nil, windowErr(err)
	}
	newLen, err := readVarintFrom(br)
	if err != nil {
		return nil, windowErr(err)
	}

	if srcOff+srcLen > uint64(len(source)) {
		return nil, fmt.Errorf("%w: source view [%d,%d) outside base of %d bytes",
			ErrCorrupt, srcOff, srcOff+srcLen, len(source))
	}
	sview := source[srcOff : srcOff+srcLen]

	instr, err := readSection(br, version, instrLen)
	if err != nil {
		return nil, err
	}
	newData, err := readSection(br, version, newLen)
	if err != nil {
		return nil, err
	}

	return interpret(sview, instr, newData, int(tgtLen))
}

// readSection reads a window section, undoing version-1 compression.
func readSection(br *bufio.Reader, version int, storedLen uint64) ([]byte, error) {
	raw := make([]byte, storedLen)
	if _, err := io.ReadFull(br, raw); err != nil {
		return nil, windowErr(err)
	}
	if version == Version0 {
		return raw, nil
	}

	origLen, rest, err := readVarint(raw)
	if err != nil {
		return nil, err
	}
	if uint64(len(rest)) == origLen {
		return rest, nil // stored uncompressed
	}

	zr, err := zlib.NewReader(bytes.NewReader(rest))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer zr.Close()

	out := make([]byte, 0, origLen)
	buf := bytes.NewBuffer(out)
	if _, err := io.Copy(buf, zr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if uint64(buf.Len()) != origLen {
		return nil, fmt.Errorf("%w: section inflated to %d bytes, want %d",
			ErrCorrupt, buf.Len(), origLen)
	}
	return buf.Bytes(), nil
}

// interpret executes a window's instructions.
func interpret(sview, instr, newData []byte, tgtLen int) ([]byte, error) {
	tview := make([]byte, 0, tgtLen)
	newPos := 0

	for len(instr) > 0 {
		op := instr[0] & 0xc0
		length := uint64(instr[0] & 0x3f)
		instr = instr[1:]

		var err error
		if length == 0 {
			length, instr, err = readVarint(instr)
			if err != nil {
				return nil, err
			}
		}

		switch op {
		case opCopySource:
			var off uint64
			off, instr, err = readVarint(instr)
			if err != nil {
				return nil, err
			}
			if off+length > uint64(len(sview)) {
				return nil, fmt.Errorf("%w: source copy outside view", ErrCorrupt)
			}
			tview = append(tview, sview[off:off+length]...)

		case opCopyTarget:
			var off uint64
			off, instr, err = readVarint(instr)
			if err != nil {
				return nil, err
			}
			if off >= uint64(len(tview)) {
				return nil, fmt.Errorf("%w: target copy ahead of output", ErrCorrupt)
			}
			// Overlapping copies replicate runs byte by byte.
			for i := uint64(0); i < length; i++ {
				tview = append(tview, tview[off+i])
			}

		case opCopyNewData:
			if newPos+int(length) > len(newData) {
				return nil, fmt.Errorf("%w: new-data copy past section end", ErrCorrupt)
			}
			tview = append(tview, newData[newPos:newPos+int(length)]...)
			newPos += int(length)

		default:
			return nil, fmt.Errorf("%w: reserved opcode", ErrCorrupt)
		}
	}

	if len(tview) != tgtLen {
		return nil, fmt.Errorf("%w: window produced %d bytes, want %d",
			ErrCorrupt, len(tview), tgtLen)
	}
	return tview, nil
}

func windowErr(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("%w: truncated window", ErrCorrupt)
	}
	return err
}
