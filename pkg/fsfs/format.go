package fsfs

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// On-disk format numbers. Every feature is gated on the first format that
// introduced it; opening a repository with a format above CurrentFormat
// fails with UNSUPPORTED_FORMAT.
const (
	MinFormat     = 1
	CurrentFormat = 6

	// minSvndiff1Format allows zlib-compressed delta windows.
	minSvndiff1Format = 2

	// minLayoutOptionFormat allows the sharded layout and switches the
	// `current` file to a bare revision number.
	minLayoutOptionFormat = 3

	// minTxnCurrentFormat introduces the txn-current counter and its
	// lock, the txn-protorevs directory, representation sharing,
	// directory/property deltification, SHA-1 + uniquifier fields in
	// representation tuples, and fsfs.conf.
	minTxnCurrentFormat = 4

	// minPackedFormat introduces revision packing and min-unpacked-rev.
	minPackedFormat = 5

	// minPackedRevpropFormat introduces revprop packing.
	minPackedRevpropFormat = 6
)

// DefaultMaxFilesPerDir is the shard size for newly created repositories.
const DefaultMaxFilesPerDir = 1000

// Format describes the parsed contents of a format file.
type Format struct {
	// Number is the format number from the first line.
	Number int

	// MaxFilesPerDir is the shard size; 0 means linear layout.
	MaxFilesPerDir int64
}

// Feature predicates. Each answers "does this repository's format carry
// the feature", never "is the feature turned on" - that is fsfs.conf's job.

func (f *Format) supportsSvndiff1() bool     { return f.Number >= minSvndiff1Format }
func (f *Format) supportsTxnCurrent() bool   { return f.Number >= minTxnCurrentFormat }
func (f *Format) supportsRepSharing() bool   { return f.Number >= minTxnCurrentFormat }
func (f *Format) supportsDeltifyMeta() bool  { return f.Number >= minTxnCurrentFormat }
func (f *Format) supportsPacking() bool      { return f.Number >= minPackedFormat }
func (f *Format) supportsPackedProps() bool  { return f.Number >= minPackedRevpropFormat }
func (f *Format) usesBareCurrent() bool      { return f.Number >= minLayoutOptionFormat }
func (f *Format) Sharded() bool              { return f.MaxFilesPerDir > 0 }

// ParseFormat reads a format file's contents. The first line is the
// decimal format number; an optional second line carries the layout.
func ParseFormat(data []byte) (*Format, error) {
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, corruptf("empty format file")
	}

	number, err := strconv.Atoi(lines[0])
	if err != nil {
		return nil, corruptf("first line of format file is not a number: %q", lines[0])
	}
	if number < MinFormat {
		return nil, corruptf("invalid format number %d", number)
	}
	if number > CurrentFormat {
		return nil, newErrorf(KindUnsupportedFormat,
			"expected repository format between %d and %d; found format %d",
			MinFormat, CurrentFormat, number)
	}

	f := &Format{Number: number}
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if fields[0] != "layout" {
			return nil, corruptf("unknown format file line %q", line)
		}
		if number < minLayoutOptionFormat {
			return nil, corruptf("format %d does not allow a layout line", number)
		}
		switch {
		case len(fields) == 2 && fields[1] == "linear":
			f.MaxFilesPerDir = 0
		case len(fields) == 3 && fields[1] == "sharded":
			n, err := strconv.ParseInt(fields[2], 10, 64)
			if err != nil || n <= 0 {
				return nil, corruptf("bad shard size in format file line %q", line)
			}
			f.MaxFilesPerDir = n
		default:
			return nil, corruptf("malformed layout line %q", line)
		}
	}
	return f, nil
}

// Marshal renders the format file contents.
func (f *Format) Marshal() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%d\n", f.Number)
	if f.Number >= minLayoutOptionFormat {
		if f.Sharded() {
			fmt.Fprintf(&b, "layout sharded %d\n", f.MaxFilesPerDir)
		} else {
			b.WriteString("layout linear\n")
		}
	}
	return []byte(b.String())
}

// readFormatFile loads and parses a format file. A missing file is
// interpreted as format 1 with linear layout, the one silent recovery the
// engine performs.
func readFormatFile(path string) (*Format, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Format{Number: 1}, nil
	}
	if err != nil {
		return nil, ioWrap(err, "reading format file %s", path)
	}
	return ParseFormat(data)
}
