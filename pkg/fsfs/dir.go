package fsfs

import (
	"sort"
	"strings"
)

// NodeKind is the kind of a node: file or directory.
type NodeKind uint8

const (
	NodeKindFile NodeKind = iota + 1
	NodeKindDir
)

func (k NodeKind) String() string {
	switch k {
	case NodeKindFile:
		return "file"
	case NodeKindDir:
		return "dir"
	default:
		return "unknown"
	}
}

func parseNodeKind(s string) (NodeKind, error) {
	switch s {
	case "file":
		return NodeKindFile, nil
	case "dir":
		return NodeKindDir, nil
	default:
		return 0, corruptf("invalid node kind %q", s)
	}
}

// DirEntry is one entry of a directory listing.
type DirEntry struct {
	Name string
	Kind NodeKind
	ID   NodeRevisionID
}

// marshalDirectory renders a directory fulltext: a hash dump of entry name
// to "<kind> <id>", in lexicographic name order. This is the semantic
// order used for delta targets and for all committed listings.
func marshalDirectory(entries []DirEntry) []byte {
	h := make(map[string]string, len(entries))
	for _, e := range entries {
		h[e.Name] = e.Kind.String() + " " + e.ID.String()
	}
	return marshalHash(h)
}

// parseDirectory decodes a directory fulltext into entries sorted by name.
func parseDirectory(fulltext []byte) ([]DirEntry, error) {
	h, err := parseHashBytes(fulltext)
	if err != nil {
		return nil, err
	}

	entries := make([]DirEntry, 0, len(h))
	for name, val := range h {
		space := strings.IndexByte(val, ' ')
		if space < 0 {
			return nil, corruptf("malformed directory entry %q -> %q", name, val)
		}
		kind, err := parseNodeKind(val[:space])
		if err != nil {
			return nil, err
		}
		id, err := ParseID(val[space+1:])
		if err != nil {
			return nil, err
		}
		entries = append(entries, DirEntry{Name: name, Kind: kind, ID: id})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

// sortEntriesForRead orders entries for bulk node-revision fetches:
// revision descending, then offset ascending. Most entries of a directory
// were produced by its own revision, so this keeps the reader inside one
// file as long as possible, then walks the remaining files forward.
// In-transaction entries have no file location and sort first.
func sortEntriesForRead(entries []DirEntry) []DirEntry {
	sorted := make([]DirEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].ID, sorted[j].ID
		if a.InTxn != b.InTxn {
			return a.InTxn
		}
		if a.InTxn {
			return false
		}
		if a.Rev != b.Rev {
			return a.Rev > b.Rev
		}
		return a.Offset < b.Offset
	})
	return sorted
}

// findEntry locates a name in a sorted entry slice.
func findEntry(entries []DirEntry, name string) (DirEntry, bool) {
	i := sort.Search(len(entries), func(i int) bool {
		return entries[i].Name >= name
	})
	if i < len(entries) && entries[i].Name == name {
		return entries[i], true
	}
	return DirEntry{}, false
}
