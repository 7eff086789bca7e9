package fsfs

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
)

// Dump writes the repository history [lower, upper] to w in the version-2
// dump stream format: a stream header, then for each revision its
// properties followed by one node record per changed path, fulltexts
// inline. The stream replays into an empty repository to reproduce the
// same trees.
//
// cancel, when non-nil, is polled between revisions and between node
// records.
func (fs *FS) Dump(w io.Writer, lower, upper Revision, cancel func() bool) error {
	youngest, err := fs.Youngest()
	if err != nil {
		return err
	}
	if upper < 0 || upper > youngest {
		upper = youngest
	}
	if lower < 0 {
		lower = 0
	}
	if lower > upper {
		return noSuchRevision(lower)
	}

	if _, err := fmt.Fprintf(w, "SVN-fs-dump-format-version: 2\n\n"); err != nil {
		return ioWrap(err, "writing dump header")
	}
	if _, err := fmt.Fprintf(w, "UUID: %s\n\n", fs.uuid); err != nil {
		return ioWrap(err, "writing dump uuid")
	}

	for rev := lower; rev <= upper; rev++ {
		if cancel != nil && cancel() {
			return newErrorf(KindCanceled, "dump canceled at r%d", rev)
		}
		if err := fs.dumpRevision(w, rev, cancel); err != nil {
			return err
		}
	}
	return nil
}

// dumpRevision emits one revision record plus its node records.
func (fs *FS) dumpRevision(w io.Writer, rev Revision, cancel func() bool) error {
	props, err := fs.RevisionProplist(rev)
	if err != nil {
		return err
	}
	propData := marshalHash(props)

	if _, err := fmt.Fprintf(w,
		"Revision-number: %d\nProp-content-length: %d\nContent-length: %d\n\n",
		rev, len(propData), len(propData)); err != nil {
		return ioWrap(err, "writing revision record for r%d", rev)
	}
	if _, err := w.Write(propData); err != nil {
		return ioWrap(err, "writing revision properties for r%d", rev)
	}
	if _, err := io.WriteString(w, "\n"); err != nil {
		return ioWrap(err, "writing revision separator")
	}

	if rev == 0 {
		return nil
	}

	changes, err := fs.ChangedPaths(rev)
	if err != nil {
		return err
	}
	sorted := make([]*PathChange, len(changes))
	copy(sorted, changes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	root, err := fs.RevisionRoot(rev)
	if err != nil {
		return err
	}

	for _, change := range sorted {
		if cancel != nil && cancel() {
			return newErrorf(KindCanceled, "dump canceled at r%d", rev)
		}
		if err := fs.dumpNode(w, root, change); err != nil {
			return err
		}
	}
	return nil
}

// dumpNode emits one node record for a changed path.
func (fs *FS) dumpNode(w io.Writer, root *Root, change *PathChange) error {
	relPath := change.Path
	if len(relPath) > 0 && relPath[0] == '/' {
		relPath = relPath[1:]
	}

	if change.Kind == ChangeDelete {
		_, err := fmt.Fprintf(w, "Node-path: %s\nNode-action: delete\n\n\n", relPath)
		if err != nil {
			return ioWrap(err, "writing delete record for %s", change.Path)
		}
		return nil
	}

	nr, err := root.Stat(change.Path)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "Node-path: %s\nNode-kind: %s\nNode-action: %s\n",
		relPath, nr.Kind, change.Kind); err != nil {
		return ioWrap(err, "writing node record for %s", change.Path)
	}
	if change.CopyfromRev.IsValid() {
		copyPath := change.CopyfromPath
		if len(copyPath) > 0 && copyPath[0] == '/' {
			copyPath = copyPath[1:]
		}
		if _, err := fmt.Fprintf(w, "Node-copyfrom-rev: %s\nNode-copyfrom-path: %s\n",
			change.CopyfromRev.Serialized(), copyPath); err != nil {
			return ioWrap(err, "writing copyfrom for %s", change.Path)
		}
	}

	props, err := fs.nodeProplist(nr)
	if err != nil {
		return err
	}
	propData := marshalHash(props)

	var text []byte
	if nr.Kind == NodeKindFile && nr.DataRep != nil {
		if text, err = fs.repFulltext(nr.DataRep); err != nil {
			return err
		}
	}

	if _, err := fmt.Fprintf(w, "Prop-content-length: %d\n", len(propData)); err != nil {
		return ioWrap(err, "writing node record for %s", change.Path)
	}
	if nr.Kind == NodeKindFile {
		sum := md5.Sum(text)
		if _, err := fmt.Fprintf(w, "Text-content-length: %d\nText-content-md5: %s\n",
			len(text), hex.EncodeToString(sum[:])); err != nil {
			return ioWrap(err, "writing node record for %s", change.Path)
		}
	}
	if _, err := fmt.Fprintf(w, "Content-length: %d\n\n",
		len(propData)+len(text)); err != nil {
		return ioWrap(err, "writing node record for %s", change.Path)
	}

	if _, err := w.Write(propData); err != nil {
		return ioWrap(err, "writing node properties for %s", change.Path)
	}
	if len(text) > 0 {
		if _, err := w.Write(text); err != nil {
			return ioWrap(err, "writing node text for %s", change.Path)
		}
	}
	_, err = io.WriteString(w, "\n\n")
	if err != nil {
		return ioWrap(err, "writing node separator")
	}
	return nil
}
