package fsfs

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// NodeRevision is one historical snapshot of one node: its identity, kind,
// place in the predecessor chain, copy ancestry, and references to its
// content and property representations. Committed node-revisions are
// immutable.
type NodeRevision struct {
	ID   NodeRevisionID
	Kind NodeKind

	// Predecessor chain. PredecessorCount must equal
	// 1 + Predecessor.PredecessorCount, or 0 for a brand-new node.
	Predecessor      *NodeRevisionID
	PredecessorCount int

	// Copy ancestry.
	Copyfrom *PathRev // set when introduced by copy-with-history
	Copyroot *PathRev // deepest ancestor rooting the containing copy

	// Content.
	DataRep  *Representation
	PropsRep *Representation

	// CreatedPath is the canonical absolute path in the committing
	// revision. Advisory: used for logs and cache keys, never identity.
	CreatedPath string

	// Mergeinfo bookkeeping.
	MergeinfoCount int64
	HasMergeinfo   bool
}

// PathRev is a (revision, path) pair.
type PathRev struct {
	Rev  Revision
	Path string
}

// Header keys of the node-revision record.
const (
	hdrID        = "id"
	hdrType      = "type"
	hdrPred      = "pred"
	hdrCount     = "count"
	hdrText      = "text"
	hdrProps     = "props"
	hdrCpath     = "cpath"
	hdrCopyfrom  = "copyfrom"
	hdrCopyroot  = "copyroot"
	hdrMinfoCnt  = "minfo-cnt"
	hdrMinfoHere = "minfo-here"
)

// Marshal renders the record: "key: value" lines terminated by a blank
// line. Key order is fixed so records are byte-stable.
func (nr *NodeRevision) Marshal() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s: %s\n", hdrID, nr.ID.String())
	fmt.Fprintf(&b, "%s: %s\n", hdrType, nr.Kind.String())
	if nr.Predecessor != nil {
		fmt.Fprintf(&b, "%s: %s\n", hdrPred, nr.Predecessor.String())
	}
	fmt.Fprintf(&b, "%s: %d\n", hdrCount, nr.PredecessorCount)
	if nr.DataRep != nil {
		fmt.Fprintf(&b, "%s: %s\n", hdrText, marshalRepTuple(nr.DataRep))
	}
	if nr.PropsRep != nil {
		fmt.Fprintf(&b, "%s: %s\n", hdrProps, marshalRepTuple(nr.PropsRep))
	}
	fmt.Fprintf(&b, "%s: %s\n", hdrCpath, nr.CreatedPath)
	if nr.Copyfrom != nil {
		fmt.Fprintf(&b, "%s: %d %s\n", hdrCopyfrom, nr.Copyfrom.Rev, nr.Copyfrom.Path)
	}
	if nr.Copyroot != nil {
		fmt.Fprintf(&b, "%s: %d %s\n", hdrCopyroot, nr.Copyroot.Rev, nr.Copyroot.Path)
	}
	if nr.MergeinfoCount > 0 {
		fmt.Fprintf(&b, "%s: %d\n", hdrMinfoCnt, nr.MergeinfoCount)
	}
	if nr.HasMergeinfo {
		fmt.Fprintf(&b, "%s: y\n", hdrMinfoHere)
	}
	b.WriteByte('\n')
	return b.Bytes()
}

// parseNodeRevision reads one record from r, up to and including the blank
// line. txn supplies context for in-transaction representation tuples.
func parseNodeRevision(r *bufio.Reader, txn TxnID) (*NodeRevision, error) {
	nr := &NodeRevision{}
	sawID := false

	for {
		line, err := r.ReadString('\n')
		if err == io.EOF && line == "" {
			return nil, corruptf("truncated node-revision record")
		}
		if err != nil && err != io.EOF {
			return nil, ioWrap(err, "reading node-revision record")
		}
		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			break
		}

		colon := strings.Index(line, ": ")
		if colon < 0 {
			return nil, corruptf("malformed node-revision header line %q", line)
		}
		key, val := line[:colon], line[colon+2:]

		switch key {
		case hdrID:
			id, err := ParseID(val)
			if err != nil {
				return nil, err
			}
			nr.ID = id
			sawID = true

		case hdrType:
			kind, err := parseNodeKind(val)
			if err != nil {
				return nil, err
			}
			nr.Kind = kind

		case hdrPred:
			id, err := ParseID(val)
			if err != nil {
				return nil, err
			}
			nr.Predecessor = &id

		case hdrCount:
			n, err := strconv.Atoi(val)
			if err != nil || n < 0 {
				return nil, corruptf("malformed predecessor count %q", val)
			}
			nr.PredecessorCount = n

		case hdrText:
			rep, err := parseRepTuple(val, txn)
			if err != nil {
				return nil, err
			}
			nr.DataRep = rep

		case hdrProps:
			rep, err := parseRepTuple(val, txn)
			if err != nil {
				return nil, err
			}
			nr.PropsRep = rep

		case hdrCpath:
			nr.CreatedPath = val

		case hdrCopyfrom:
			pr, err := parsePathRev(val)
			if err != nil {
				return nil, err
			}
			nr.Copyfrom = pr

		case hdrCopyroot:
			pr, err := parsePathRev(val)
			if err != nil {
				return nil, err
			}
			nr.Copyroot = pr

		case hdrMinfoCnt:
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil || n < 0 {
				return nil, corruptf("malformed mergeinfo count %q", val)
			}
			nr.MergeinfoCount = n

		case hdrMinfoHere:
			nr.HasMergeinfo = true

		default:
			// Unknown keys are ignored for forward compatibility.
		}
	}

	if !sawID {
		return nil, corruptf("node-revision record without id")
	}
	if nr.Kind == 0 {
		return nil, corruptf("node-revision %s without type", nr.ID)
	}
	if nr.Predecessor == nil && nr.PredecessorCount != 0 {
		return nil, corruptf("node-revision %s has count %d but no predecessor",
			nr.ID, nr.PredecessorCount)
	}
	return nr, nil
}

func parsePathRev(val string) (*PathRev, error) {
	space := strings.IndexByte(val, ' ')
	if space < 0 {
		return nil, corruptf("malformed revision-path pair %q", val)
	}
	rev, err := strconv.ParseInt(val[:space], 10, 64)
	if err != nil || rev < 0 {
		return nil, corruptf("malformed revision in %q", val)
	}
	return &PathRev{Rev: Revision(rev), Path: val[space+1:]}, nil
}

// nodeRevision loads the record named by id, consulting the cache for
// committed records.
func (fs *FS) nodeRevision(id NodeRevisionID) (*NodeRevision, error) {
	if id.InTxn {
		return fs.readTxnNodeRevision(id)
	}

	key := fmt.Sprintf("nr:%d:%d", id.Rev, id.Offset)
	if v, ok := fs.revCache.Get(key); ok {
		return v.(*NodeRevision), nil
	}

	ref, err := fs.openRevFile(id.Rev)
	if err != nil {
		return nil, err
	}
	defer ref.Close()

	nr, err := parseNodeRevision(bufio.NewReader(ref.sectionAt(id.Offset)), 0)
	if err != nil {
		return nil, err
	}
	if !nr.ID.Equal(id) {
		return nil, corruptf("node-revision at r%d/%d identifies itself as %s",
			id.Rev, id.Offset, nr.ID)
	}

	fs.revCache.Put(key, int64(id.Rev), nr)
	return nr, nil
}

// readTxnNodeRevision loads an uncommitted record from its transaction
// directory.
func (fs *FS) readTxnNodeRevision(id NodeRevisionID) (*NodeRevision, error) {
	data, err := readFileMaybe(fs.pathTxnNode(id.Txn, id.Node, id.Copy))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, notFoundf("no node-revision %s in transaction %s", id, id.Txn)
	}
	return parseNodeRevision(bufio.NewReader(bytes.NewReader(data)), id.Txn)
}

// IsAncestor reports whether a is an ancestor of b on the same logical
// node, walking b's predecessor chain toward a.
func (fs *FS) IsAncestor(a, b NodeRevisionID) (bool, error) {
	if !a.SameNode(b) {
		return false, nil
	}
	cur := b
	for i := 0; i <= maxDeltaChain; i++ {
		if cur.Equal(a) {
			return true, nil
		}
		nr, err := fs.nodeRevision(cur)
		if err != nil {
			return false, err
		}
		if nr.Predecessor == nil {
			return false, nil
		}
		cur = *nr.Predecessor
	}
	return false, corruptf("predecessor chain of %s does not terminate", b)
}
