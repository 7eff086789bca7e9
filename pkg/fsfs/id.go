package fsfs

import (
	"strconv"
	"strings"
)

// Revision is a committed revision number. Zero is the synthesized empty
// root; negative values never appear outside serialization boundaries.
type Revision int64

// RevisionRef distinguishes a valid revision from the two reserved
// non-revision states that the on-disk format collapses into "-1":
// "invalid" (an error to use) and "unspecified" (intentionally ignored).
// Both serialize to -1; internally they stay distinct.
type RevisionRef struct {
	rev  Revision
	kind revRefKind
}

type revRefKind uint8

const (
	revRefValid revRefKind = iota
	revRefInvalid
	revRefUnspecified
)

// ValidRev wraps a concrete revision number.
func ValidRev(rev Revision) RevisionRef {
	return RevisionRef{rev: rev}
}

// InvalidRev is the "no such revision" reference.
func InvalidRev() RevisionRef {
	return RevisionRef{kind: revRefInvalid}
}

// UnspecifiedRev is the "deliberately not given" reference.
func UnspecifiedRev() RevisionRef {
	return RevisionRef{kind: revRefUnspecified}
}

// IsValid reports whether the reference names a concrete revision.
func (r RevisionRef) IsValid() bool {
	return r.kind == revRefValid
}

// Rev returns the concrete revision. Only meaningful when IsValid.
func (r RevisionRef) Rev() Revision {
	return r.rev
}

// Serialized renders the reference for on-disk records: the decimal
// revision, or "-1" for both non-revision states.
func (r RevisionRef) Serialized() string {
	if r.kind != revRefValid {
		return "-1"
	}
	return strconv.FormatInt(int64(r.rev), 10)
}

// ParseRevisionRef reads a serialized reference; "-1" comes back invalid.
func ParseRevisionRef(s string) (RevisionRef, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return RevisionRef{}, corruptf("malformed revision %q", s)
	}
	if n < 0 {
		return InvalidRev(), nil
	}
	return ValidRev(Revision(n)), nil
}

// TxnID identifies an uncommitted transaction. The textual form is the
// base-36 counter value, e.g. "1b".
type TxnID uint64

func (t TxnID) String() string {
	return strconv.FormatUint(uint64(t), 36)
}

// ParseTxnID reads a base-36 transaction id.
func ParseTxnID(s string) (TxnID, error) {
	n, err := strconv.ParseUint(s, 36, 64)
	if err != nil {
		return 0, corruptf("malformed transaction id %q", s)
	}
	return TxnID(n), nil
}

// NodeID is the stable identity of a logical node. Inside a transaction a
// freshly created node carries a provisional, transaction-local id
// (rendered "_<base36>"); commit rewrites it to a repository-global one.
type NodeID struct {
	N        uint64
	TxnLocal bool
}

func (n NodeID) String() string {
	if n.TxnLocal {
		return "_" + strconv.FormatUint(n.N, 36)
	}
	return strconv.FormatUint(n.N, 36)
}

// CopyID identifies a copy lineage. Copy id 0 is "no copy lineage".
// Like NodeID, it may be transaction-local before commit.
type CopyID struct {
	C        uint64
	TxnLocal bool
}

func (c CopyID) String() string {
	if c.TxnLocal {
		return "_" + strconv.FormatUint(c.C, 36)
	}
	return strconv.FormatUint(c.C, 36)
}

func parseBase36Part(s string) (uint64, bool, error) {
	local := strings.HasPrefix(s, "_")
	if local {
		s = s[1:]
	}
	n, err := strconv.ParseUint(s, 36, 64)
	if err != nil {
		return 0, false, err
	}
	return n, local, nil
}

// NodeRevisionID names one historical snapshot of one node: the
// (node-id, copy-id, txn-id) triple of the data model. The third element
// locates the node-revision record: "r<rev>/<offset>" once committed,
// "t<txn>" while the snapshot only exists inside a transaction.
type NodeRevisionID struct {
	Node NodeID
	Copy CopyID

	// Committed location (when !InTxn).
	Rev    Revision
	Offset int64

	// Transaction (when InTxn).
	Txn   TxnID
	InTxn bool
}

// String renders the canonical textual form, e.g. "5.0.r3/1204" or
// "_2.0.t7".
func (id NodeRevisionID) String() string {
	var b strings.Builder
	b.WriteString(id.Node.String())
	b.WriteByte('.')
	b.WriteString(id.Copy.String())
	b.WriteByte('.')
	if id.InTxn {
		b.WriteByte('t')
		b.WriteString(id.Txn.String())
	} else {
		b.WriteByte('r')
		b.WriteString(strconv.FormatInt(int64(id.Rev), 10))
		b.WriteByte('/')
		b.WriteString(strconv.FormatInt(id.Offset, 10))
	}
	return b.String()
}

// ParseID parses the canonical textual form.
func ParseID(s string) (NodeRevisionID, error) {
	parts := strings.SplitN(s, ".", 3)
	if len(parts) != 3 {
		return NodeRevisionID{}, corruptf("malformed node-revision id %q", s)
	}

	var id NodeRevisionID
	n, local, err := parseBase36Part(parts[0])
	if err != nil {
		return NodeRevisionID{}, corruptf("malformed node id in %q", s)
	}
	id.Node = NodeID{N: n, TxnLocal: local}

	c, local, err := parseBase36Part(parts[1])
	if err != nil {
		return NodeRevisionID{}, corruptf("malformed copy id in %q", s)
	}
	id.Copy = CopyID{C: c, TxnLocal: local}

	tail := parts[2]
	switch {
	case strings.HasPrefix(tail, "t"):
		txn, err := ParseTxnID(tail[1:])
		if err != nil {
			return NodeRevisionID{}, corruptf("malformed txn part in %q", s)
		}
		id.Txn = txn
		id.InTxn = true

	case strings.HasPrefix(tail, "r"):
		slash := strings.IndexByte(tail, '/')
		if slash < 0 {
			return NodeRevisionID{}, corruptf("malformed revision part in %q", s)
		}
		rev, err := strconv.ParseInt(tail[1:slash], 10, 64)
		if err != nil || rev < 0 {
			return NodeRevisionID{}, corruptf("malformed revision in %q", s)
		}
		off, err := strconv.ParseInt(tail[slash+1:], 10, 64)
		if err != nil || off < 0 {
			return NodeRevisionID{}, corruptf("malformed offset in %q", s)
		}
		id.Rev = Revision(rev)
		id.Offset = off

	default:
		return NodeRevisionID{}, corruptf("malformed node-revision id %q", s)
	}
	return id, nil
}

// Equal reports full identity of two node-revision ids.
func (id NodeRevisionID) Equal(other NodeRevisionID) bool {
	return id == other
}

// SameNode reports whether two ids name revisions of the same logical
// node (same node id and copy lineage).
func (id NodeRevisionID) SameNode(other NodeRevisionID) bool {
	return id.Node == other.Node && id.Copy == other.Copy
}
