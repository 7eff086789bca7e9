package fsfs

import (
	"bufio"
	"fmt"
	"strings"
)

// Root is a read handle on the tree frozen by one committed revision.
type Root struct {
	fs  *FS
	rev Revision

	rootID NodeRevisionID
}

// RevisionRoot opens the tree of a committed revision.
func (fs *FS) RevisionRoot(rev Revision) (*Root, error) {
	if err := fs.ensureRevision(rev); err != nil {
		return nil, err
	}
	id, err := fs.revisionRootID(rev)
	if err != nil {
		return nil, err
	}
	return &Root{fs: fs, rev: rev, rootID: id}, nil
}

// revisionRootID resolves the root node-revision id of rev via the footer.
func (fs *FS) revisionRootID(rev Revision) (NodeRevisionID, error) {
	key := fmt.Sprintf("rt:%d", rev)
	if v, ok := fs.revCache.Get(key); ok {
		return v.(NodeRevisionID), nil
	}

	ref, err := fs.openRevFile(rev)
	if err != nil {
		return NodeRevisionID{}, err
	}
	defer ref.Close()

	rootOff, _, _, err := readRevFooter(ref)
	if err != nil {
		return NodeRevisionID{}, wrapErrorf(KindCorrupt, err, "reading footer of r%d", rev)
	}
	nr, err := parseNodeRevision(bufio.NewReader(ref.sectionAt(rootOff)), 0)
	if err != nil {
		return NodeRevisionID{}, err
	}
	if nr.Kind != NodeKindDir {
		return NodeRevisionID{}, corruptf("root of r%d is not a directory", rev)
	}

	fs.revCache.Put(key, int64(rev), nr.ID)
	return nr.ID, nil
}

// Revision returns the revision this root freezes.
func (r *Root) Revision() Revision {
	return r.rev
}

// canonPath normalizes an absolute path into its components. "/" yields an
// empty slice.
func canonPath(path string) ([]string, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, notFoundf("path %q is not absolute", path)
	}
	var parts []string
	for _, p := range strings.Split(path, "/") {
		switch p {
		case "", ".":
			continue
		case "..":
			return nil, notFoundf("path %q escapes the root", path)
		default:
			parts = append(parts, p)
		}
	}
	return parts, nil
}

// Stat resolves a path to its node-revision, or NOT_FOUND.
func (r *Root) Stat(path string) (*NodeRevision, error) {
	return r.fs.walkPath(r.rootID, path)
}

// CheckPath reports the node kind at path, or 0 when the path is absent.
func (r *Root) CheckPath(path string) (NodeKind, error) {
	nr, err := r.Stat(path)
	if IsKind(err, KindNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return nr.Kind, nil
}

// walkPath descends from a directory node-revision to the node at path.
func (fs *FS) walkPath(from NodeRevisionID, path string) (*NodeRevision, error) {
	parts, err := canonPath(path)
	if err != nil {
		return nil, err
	}

	nr, err := fs.nodeRevision(from)
	if err != nil {
		return nil, err
	}
	for _, part := range parts {
		if nr.Kind != NodeKindDir {
			return nil, notFoundf("%q: %q is not a directory", path, nr.CreatedPath)
		}
		entries, err := fs.dirEntries(nr)
		if err != nil {
			return nil, err
		}
		entry, ok := findEntry(entries, part)
		if !ok {
			return nil, notFoundf("path %q not found", path)
		}
		if nr, err = fs.nodeRevision(entry.ID); err != nil {
			return nil, err
		}
	}
	return nr, nil
}

// dirEntries loads and parses a directory node's listing.
func (fs *FS) dirEntries(nr *NodeRevision) ([]DirEntry, error) {
	if nr.Kind != NodeKindDir {
		return nil, corruptf("node-revision %s is not a directory", nr.ID)
	}
	if nr.DataRep == nil {
		return nil, nil
	}
	text, err := fs.repFulltext(nr.DataRep)
	if err != nil {
		return nil, err
	}
	return parseDirectory(text)
}

// ReadDir lists a directory at path, sorted by entry name.
func (r *Root) ReadDir(path string) ([]DirEntry, error) {
	nr, err := r.Stat(path)
	if err != nil {
		return nil, err
	}
	if nr.Kind != NodeKindDir {
		return nil, notFoundf("%q is not a directory", path)
	}
	return r.fs.dirEntries(nr)
}

// ReadFile returns the fulltext of a file at path.
func (r *Root) ReadFile(path string) ([]byte, error) {
	nr, err := r.Stat(path)
	if err != nil {
		return nil, err
	}
	if nr.Kind != NodeKindFile {
		return nil, notFoundf("%q is not a file", path)
	}
	if nr.DataRep == nil {
		return nil, nil
	}
	return r.fs.repFulltext(nr.DataRep)
}

// FileLength returns the fulltext length of a file at path without
// reading it.
func (r *Root) FileLength(path string) (int64, error) {
	nr, err := r.Stat(path)
	if err != nil {
		return 0, err
	}
	if nr.Kind != NodeKindFile {
		return 0, notFoundf("%q is not a file", path)
	}
	if nr.DataRep == nil {
		return 0, nil
	}
	return nr.DataRep.ExpandedSize, nil
}

// NodeProplist returns the properties of the node at path.
func (r *Root) NodeProplist(path string) (map[string]string, error) {
	nr, err := r.Stat(path)
	if err != nil {
		return nil, err
	}
	return r.fs.nodeProplist(nr)
}

// nodeProplist decodes a node-revision's property representation.
func (fs *FS) nodeProplist(nr *NodeRevision) (map[string]string, error) {
	if nr.PropsRep == nil {
		return map[string]string{}, nil
	}
	text, err := fs.repFulltext(nr.PropsRep)
	if err != nil {
		return nil, err
	}
	return parseHashBytes(text)
}
