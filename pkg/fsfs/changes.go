package fsfs

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
)

// ChangeKind is the kind of change a revision applied to a path.
type ChangeKind uint8

const (
	ChangeAdd ChangeKind = iota + 1
	ChangeDelete
	ChangeReplace
	ChangeModify
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdd:
		return "add"
	case ChangeDelete:
		return "delete"
	case ChangeReplace:
		return "replace"
	case ChangeModify:
		return "modify"
	default:
		return "unknown"
	}
}

func parseChangeKind(s string) (ChangeKind, error) {
	switch s {
	case "add":
		return ChangeAdd, nil
	case "delete":
		return ChangeDelete, nil
	case "replace":
		return ChangeReplace, nil
	case "modify":
		return ChangeModify, nil
	default:
		return 0, corruptf("invalid change kind %q", s)
	}
}

// PathChange records one changed path of a revision (or of a transaction
// in progress).
type PathChange struct {
	Path         string
	ID           NodeRevisionID
	Kind         ChangeKind
	TextMod      bool
	PropMod      bool
	CopyfromRev  RevisionRef
	CopyfromPath string
}

// marshalChange renders a change as its two on-disk lines: the change line
// and the copyfrom line (blank when the change has no copy history).
func marshalChange(c *PathChange) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s %s %s %s\n",
		c.ID.String(), c.Kind.String(), boolWord(c.TextMod), boolWord(c.PropMod), c.Path)
	if c.CopyfromRev.IsValid() {
		fmt.Fprintf(&b, "%s %s\n", c.CopyfromRev.Serialized(), c.CopyfromPath)
	} else {
		b.WriteByte('\n')
	}
	return b.Bytes()
}

func boolWord(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// parseChanges reads change entries until EOF or a blank change line.
// Readers of committed revisions bound the input to the changed-paths
// section, which ends where the offsets footer line begins.
func parseChanges(r *bufio.Reader) ([]*PathChange, error) {
	var changes []*PathChange
	for {
		line, err := r.ReadString('\n')
		if err == io.EOF && line == "" {
			return changes, nil
		}
		if err != nil && err != io.EOF {
			return nil, ioWrap(err, "reading changed paths")
		}
		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			return changes, nil
		}

		fields := strings.SplitN(line, " ", 5)
		if len(fields) != 5 {
			return nil, corruptf("malformed change line %q", line)
		}
		id, err := ParseID(fields[0])
		if err != nil {
			return nil, err
		}
		kind, err := parseChangeKind(fields[1])
		if err != nil {
			return nil, err
		}
		change := &PathChange{
			Path:        fields[4],
			ID:          id,
			Kind:        kind,
			TextMod:     fields[2] == "true",
			PropMod:     fields[3] == "true",
			CopyfromRev: InvalidRev(),
		}

		copyLine, err := r.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, ioWrap(err, "reading copyfrom line")
		}
		copyLine = strings.TrimSuffix(copyLine, "\n")
		if copyLine != "" {
			space := strings.IndexByte(copyLine, ' ')
			if space < 0 {
				return nil, corruptf("malformed copyfrom line %q", copyLine)
			}
			ref, err := ParseRevisionRef(copyLine[:space])
			if err != nil {
				return nil, err
			}
			change.CopyfromRev = ref
			change.CopyfromPath = copyLine[space+1:]
		}

		changes = append(changes, change)
	}
}

// ChangedPaths returns the changed-path records of a committed revision in
// the order they were written.
func (fs *FS) ChangedPaths(rev Revision) ([]*PathChange, error) {
	if err := fs.ensureRevision(rev); err != nil {
		return nil, err
	}
	key := fmt.Sprintf("cp:%d", rev)
	if v, ok := fs.revCache.Get(key); ok {
		return v.([]*PathChange), nil
	}

	ref, err := fs.openRevFile(rev)
	if err != nil {
		return nil, err
	}
	defer ref.Close()

	_, changedOff, footerStart, err := readRevFooter(ref)
	if err != nil {
		return nil, wrapErrorf(KindCorrupt, err, "reading footer of r%d", rev)
	}
	changes, err := parseChanges(bufio.NewReader(
		io.LimitReader(ref.sectionAt(changedOff), footerStart-changedOff)))
	if err != nil {
		return nil, err
	}

	fs.revCache.Put(key, int64(rev), changes)
	return changes, nil
}

// readRevFooter parses the trailing offsets footer: the last line of the
// revision holds the root node-revision offset and the changed-paths
// offset. footerStart is the offset of the footer line itself, which is
// where the changed-paths section ends.
func readRevFooter(ref *revFileRef) (rootOff, changedOff, footerStart int64, err error) {
	const tail = 64
	start := ref.size - tail
	if start < 0 {
		start = 0
	}

	buf := make([]byte, ref.size-start)
	if _, err := io.ReadFull(ref.sectionAt(start), buf); err != nil {
		return 0, 0, 0, corruptf("truncated revision footer: %v", err)
	}

	trimmed := bytes.TrimRight(buf, "\n")
	if len(trimmed) == len(buf) {
		return 0, 0, 0, corruptf("revision does not end with a newline")
	}
	footerStart = start
	if nl := bytes.LastIndexByte(trimmed, '\n'); nl >= 0 {
		footerStart = start + int64(nl) + 1
		trimmed = trimmed[nl+1:]
	}

	if _, err := fmt.Sscanf(string(trimmed), "%d %d", &rootOff, &changedOff); err != nil {
		return 0, 0, 0, corruptf("malformed offsets footer %q", string(trimmed))
	}
	if rootOff < 0 || changedOff < 0 || rootOff >= ref.size || changedOff > footerStart {
		return 0, 0, 0, corruptf("offsets footer outside revision: %q", string(trimmed))
	}
	return rootOff, changedOff, footerStart, nil
}
