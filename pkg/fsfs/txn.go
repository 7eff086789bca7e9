package fsfs

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/orneryd/revstore/pkg/log"
)

// Txn is an open transaction: an editable tree rooted at a base revision,
// accumulating new node-revisions and representations until commit. All
// transaction state lives on disk under transactions/<id>.txn and
// txn-protorevs/<id>.rev, so a transaction survives process restarts and
// can be reopened by id.
//
// A transaction mutates only its own files and therefore needs no
// repository lock; the write lock is taken once, at commit.
type Txn struct {
	fs      *FS
	id      TxnID
	baseRev Revision
	logger  zerolog.Logger

	mu sync.Mutex

	// changes is the folded changed-paths table, ordered by first touch.
	changes []*PathChange

	// lockedPaths are path locks the caller holds for this commit.
	lockedPaths map[string]struct{}

	aborted   bool
	committed bool
}

// ID returns the transaction id.
func (txn *Txn) ID() TxnID {
	return txn.id
}

// BaseRevision returns the revision this transaction is editing.
func (txn *Txn) BaseRevision() Revision {
	return txn.baseRev
}

// rootID is the transaction's root node-revision id.
func (txn *Txn) rootID() (NodeRevisionID, error) {
	baseRoot, err := txn.fs.revisionRootID(txn.baseRev)
	if err != nil {
		return NodeRevisionID{}, err
	}
	return NodeRevisionID{
		Node:  baseRoot.Node,
		Copy:  baseRoot.Copy,
		Txn:   txn.id,
		InTxn: true,
	}, nil
}

// BeginTxn creates a transaction against a base revision. The id is
// allocated under the txn-current lock; everything else happens outside
// any lock.
func (fs *FS) BeginTxn(base Revision) (*Txn, error) {
	if !fs.format.supportsTxnCurrent() {
		return nil, newErrorf(KindUnsupportedFormat,
			"repository format %d is read-only for this implementation; run upgrade",
			fs.format.Number)
	}
	if err := fs.ensureRevision(base); err != nil {
		return nil, err
	}

	var id TxnID
	err := fs.WithTxnCurrentLock(func() error {
		n, err := readTxnCounter(fs.dbPath(pathTxnCurrent))
		if err != nil {
			return err
		}
		id = TxnID(n + 1)
		return writeFileAtomic(fs.dbPath(pathTxnCurrent), []byte(id.String()+"\n"))
	})
	if err != nil {
		return nil, err
	}

	txn := &Txn{
		fs:          fs,
		id:          id,
		baseRev:     base,
		logger:      log.WithTxn(id.String()),
		lockedPaths: make(map[string]struct{}),
	}

	dir := fs.pathTxnDir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, ioWrap(err, "creating transaction directory %s", dir)
	}
	if err := os.WriteFile(fs.pathTxnFile(id, txnPathBase),
		[]byte(fmt.Sprintf("%d\n", base)), 0644); err != nil {
		return nil, ioWrap(err, "writing transaction base")
	}
	if err := os.WriteFile(fs.pathTxnFile(id, txnPathProps),
		marshalHash(map[string]string{}), 0644); err != nil {
		return nil, ioWrap(err, "writing transaction props")
	}
	if err := os.WriteFile(fs.pathTxnFile(id, txnPathNextIDs),
		[]byte("1 1\n"), 0644); err != nil {
		return nil, ioWrap(err, "writing transaction next-ids")
	}
	if err := os.WriteFile(fs.pathProtoRev(id), nil, 0644); err != nil {
		return nil, ioWrap(err, "creating proto-revision file")
	}
	if err := os.WriteFile(fs.pathProtoRevLock(id), nil, 0644); err != nil {
		return nil, ioWrap(err, "creating proto-revision lock")
	}

	if err := txn.seedRoot(); err != nil {
		txn.Abort()
		return nil, err
	}

	txn.logger.Debug().Int64("base", int64(base)).Msg("transaction created")
	return txn, nil
}

// readTxnCounter reads the base-36 txn-current counter.
func readTxnCounter(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, ioWrap(err, "reading txn-current")
	}
	n, err := strconv.ParseUint(trimNewline(string(data)), 36, 64)
	if err != nil {
		return 0, corruptf("malformed txn-current %q", string(data))
	}
	return n, nil
}

// seedRoot writes the transaction's root node-revision: the base root,
// advanced by one predecessor step into this transaction.
func (txn *Txn) seedRoot() error {
	baseRootID, err := txn.fs.revisionRootID(txn.baseRev)
	if err != nil {
		return err
	}
	baseRoot, err := txn.fs.nodeRevision(baseRootID)
	if err != nil {
		return err
	}

	rootID, err := txn.rootID()
	if err != nil {
		return err
	}
	root := &NodeRevision{
		ID:               rootID,
		Kind:             NodeKindDir,
		Predecessor:      &baseRootID,
		PredecessorCount: baseRoot.PredecessorCount + 1,
		DataRep:          baseRoot.DataRep,
		PropsRep:         baseRoot.PropsRep,
		CreatedPath:      "/",
		MergeinfoCount:   baseRoot.MergeinfoCount,
		HasMergeinfo:     baseRoot.HasMergeinfo,
	}
	return txn.writeNodeRevision(root)
}

// OpenTxn reopens an existing transaction by id.
func (fs *FS) OpenTxn(id TxnID) (*Txn, error) {
	base, err := readNumberFile(fs.pathTxnFile(id, txnPathBase))
	if os.IsNotExist(err) {
		return nil, notFoundf("no transaction %s", id)
	}
	if err != nil {
		return nil, err
	}

	txn := &Txn{
		fs:          fs,
		id:          id,
		baseRev:     Revision(base),
		logger:      log.WithTxn(id.String()),
		lockedPaths: make(map[string]struct{}),
	}

	data, err := readFileMaybe(fs.pathTxnFile(id, txnPathChanges))
	if err != nil {
		return nil, err
	}
	if data != nil {
		changes, err := parseChanges(bufio.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, err
		}
		txn.changes = changes
	}
	return txn, nil
}

// Abort deletes the transaction and its proto-revision file. Idempotent
// and safe at any time before a successful commit.
func (txn *Txn) Abort() error {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if txn.committed {
		return nil
	}
	txn.aborted = true
	return txn.fs.removeTxnFiles(txn.id)
}

func (fs *FS) removeTxnFiles(id TxnID) error {
	if err := os.RemoveAll(fs.pathTxnDir(id)); err != nil {
		return ioWrap(err, "removing transaction directory")
	}
	if err := os.Remove(fs.pathProtoRev(id)); err != nil && !os.IsNotExist(err) {
		return ioWrap(err, "removing proto-revision file")
	}
	if err := os.Remove(fs.pathProtoRevLock(id)); err != nil && !os.IsNotExist(err) {
		return ioWrap(err, "removing proto-revision lock")
	}
	return nil
}

// writeNodeRevision persists an in-transaction node-revision record.
func (txn *Txn) writeNodeRevision(nr *NodeRevision) error {
	path := txn.fs.pathTxnNode(txn.id, nr.ID.Node, nr.ID.Copy)
	if err := os.WriteFile(path, nr.Marshal(), 0644); err != nil {
		return ioWrap(err, "writing node-revision %s", nr.ID)
	}
	return nil
}

// allocTxnIDs hands out transaction-local provisional node and copy ids.
func (txn *Txn) allocTxnIDs(wantNode, wantCopy bool) (NodeID, CopyID, error) {
	path := txn.fs.pathTxnFile(txn.id, txnPathNextIDs)
	data, err := os.ReadFile(path)
	if err != nil {
		return NodeID{}, CopyID{}, ioWrap(err, "reading transaction next-ids")
	}
	fields := splitFields(string(data))
	if len(fields) != 2 {
		return NodeID{}, CopyID{}, corruptf("malformed transaction next-ids %q", string(data))
	}
	nextNode, err1 := strconv.ParseUint(fields[0], 36, 64)
	nextCopy, err2 := strconv.ParseUint(fields[1], 36, 64)
	if err1 != nil || err2 != nil {
		return NodeID{}, CopyID{}, corruptf("malformed transaction next-ids %q", string(data))
	}

	node := NodeID{N: nextNode, TxnLocal: true}
	copyID := CopyID{C: nextCopy, TxnLocal: true}
	if wantNode {
		nextNode++
	}
	if wantCopy {
		nextCopy++
	}
	contents := strconv.FormatUint(nextNode, 36) + " " + strconv.FormatUint(nextCopy, 36) + "\n"
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		return NodeID{}, CopyID{}, ioWrap(err, "writing transaction next-ids")
	}
	return node, copyID, nil
}

// getNode resolves a path within the transaction's tree.
func (txn *Txn) getNode(p string) (*NodeRevision, error) {
	parts, err := canonPath(p)
	if err != nil {
		return nil, err
	}
	rootID, err := txn.rootID()
	if err != nil {
		return nil, err
	}
	nr, err := txn.fs.nodeRevision(rootID)
	if err != nil {
		return nil, err
	}
	for _, part := range parts {
		if nr.Kind != NodeKindDir {
			return nil, notFoundf("%q: not a directory", p)
		}
		entries, err := txn.dirListing(nr)
		if err != nil {
			return nil, err
		}
		entry, ok := findEntry(entries, part)
		if !ok {
			return nil, notFoundf("path %q not found in transaction", p)
		}
		if nr, err = txn.fs.nodeRevision(entry.ID); err != nil {
			return nil, err
		}
	}
	return nr, nil
}

// Stat resolves a path in the transaction tree.
func (txn *Txn) Stat(p string) (*NodeRevision, error) {
	return txn.getNode(p)
}

// ReadDir lists a directory in the transaction tree.
func (txn *Txn) ReadDir(p string) ([]DirEntry, error) {
	nr, err := txn.getNode(p)
	if err != nil {
		return nil, err
	}
	if nr.Kind != NodeKindDir {
		return nil, notFoundf("%q is not a directory", p)
	}
	return txn.dirListing(nr)
}

// dirListing reads a directory's entries, preferring the transaction's
// mutable children file over the committed representation.
func (txn *Txn) dirListing(nr *NodeRevision) ([]DirEntry, error) {
	if nr.ID.InTxn {
		data, err := readFileMaybe(txn.childrenPath(nr.ID))
		if err != nil {
			return nil, err
		}
		if data != nil {
			return parseDirectory(data)
		}
	}
	return txn.fs.dirEntries(nr)
}

func (txn *Txn) childrenPath(id NodeRevisionID) string {
	return txn.fs.pathTxnNode(txn.id, id.Node, id.Copy) + txnChildrenExt
}

func (txn *Txn) nodePropsPath(id NodeRevisionID) string {
	return txn.fs.pathTxnNode(txn.id, id.Node, id.Copy) + txnNodePropsExt
}

// writeDirListing stores a mutable directory's entries.
func (txn *Txn) writeDirListing(id NodeRevisionID, entries []DirEntry) error {
	if err := os.WriteFile(txn.childrenPath(id), marshalDirectory(entries), 0644); err != nil {
		return ioWrap(err, "writing directory listing for %s", id)
	}
	return nil
}

// makePathMutable clones every node from the root down to p, p included,
// into the transaction (nodes already in it are reused), returning p's
// node-revision. Cloning preserves node and copy ids and
// advances the predecessor chain by one.
func (txn *Txn) makePathMutable(p string) (*NodeRevision, error) {
	parts, err := canonPath(p)
	if err != nil {
		return nil, err
	}

	rootID, err := txn.rootID()
	if err != nil {
		return nil, err
	}
	parent, err := txn.fs.nodeRevision(rootID)
	if err != nil {
		return nil, err
	}

	walked := "/"
	for _, part := range parts {
		entries, err := txn.dirListing(parent)
		if err != nil {
			return nil, err
		}
		entry, ok := findEntry(entries, part)
		if !ok {
			return nil, notFoundf("path %q not found in transaction", p)
		}

		child, err := txn.fs.nodeRevision(entry.ID)
		if err != nil {
			return nil, err
		}
		walked = path.Join(walked, part)

		if !child.ID.InTxn {
			clone := &NodeRevision{
				ID: NodeRevisionID{
					Node:  child.ID.Node,
					Copy:  child.ID.Copy,
					Txn:   txn.id,
					InTxn: true,
				},
				Kind:             child.Kind,
				Predecessor:      &entry.ID,
				PredecessorCount: child.PredecessorCount + 1,
				Copyfrom:         nil,
				Copyroot:         child.Copyroot,
				DataRep:          child.DataRep,
				PropsRep:         child.PropsRep,
				CreatedPath:      walked,
				MergeinfoCount:   child.MergeinfoCount,
				HasMergeinfo:     child.HasMergeinfo,
			}
			if err := txn.writeNodeRevision(clone); err != nil {
				return nil, err
			}
			if err := txn.setEntry(parent, part, clone.ID, clone.Kind); err != nil {
				return nil, err
			}
			child = clone
		}
		parent = child
	}
	return parent, nil
}

// setEntry updates (or inserts) one entry of a mutable directory.
func (txn *Txn) setEntry(dir *NodeRevision, name string, id NodeRevisionID, kind NodeKind) error {
	if !dir.ID.InTxn {
		return corruptf("setEntry on immutable directory %s", dir.ID)
	}
	entries, err := txn.dirListing(dir)
	if err != nil {
		return err
	}

	replaced := false
	for i := range entries {
		if entries[i].Name == name {
			entries[i].ID = id
			entries[i].Kind = kind
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, DirEntry{Name: name, Kind: kind, ID: id})
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	}
	return txn.writeDirListing(dir.ID, entries)
}

// removeEntry deletes one entry of a mutable directory.
func (txn *Txn) removeEntry(dir *NodeRevision, name string) error {
	entries, err := txn.dirListing(dir)
	if err != nil {
		return err
	}
	out := entries[:0]
	for _, e := range entries {
		if e.Name != name {
			out = append(out, e)
		}
	}
	return txn.writeDirListing(dir.ID, out)
}

// checkEditable guards editor operations.
func (txn *Txn) checkEditable() error {
	if txn.aborted {
		return notFoundf("transaction %s was aborted", txn.id)
	}
	if txn.committed {
		return newErrorf(KindAlreadyExists, "transaction %s is already committed", txn.id)
	}
	return nil
}

// MakeDir adds an empty directory at p.
func (txn *Txn) MakeDir(p string) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if err := txn.checkEditable(); err != nil {
		return err
	}
	_, err := txn.addNode(p, NodeKindDir, nil)
	return err
}

// MakeFile adds an empty file at p. Contents follow via SetFileContents.
func (txn *Txn) MakeFile(p string) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if err := txn.checkEditable(); err != nil {
		return err
	}
	_, err := txn.addNode(p, NodeKindFile, nil)
	return err
}

// addNode creates a new node at p. copyfrom, when set, makes it a
// copy-with-history of the source node.
func (txn *Txn) addNode(p string, kind NodeKind, copyfrom *PathRev) (*NodeRevision, error) {
	dir, name := path.Split(path.Clean(p))
	if name == "" || name == "/" {
		return nil, notFoundf("cannot add %q", p)
	}
	if dir == "" {
		dir = "/"
	}

	parent, err := txn.makePathMutable(dir)
	if err != nil {
		return nil, err
	}
	if parent.Kind != NodeKindDir {
		return nil, notFoundf("%q is not a directory", dir)
	}
	entries, err := txn.dirListing(parent)
	if err != nil {
		return nil, err
	}
	if _, exists := findEntry(entries, name); exists {
		// A path deleted earlier in this transaction may be re-added;
		// everything else is a collision.
		if !txn.wasDeleted(path.Clean(p)) {
			return nil, newErrorf(KindAlreadyExists, "path %q already exists", p)
		}
	}

	nr := &NodeRevision{
		Kind:        kind,
		CreatedPath: path.Clean(p),
	}

	if copyfrom != nil {
		srcRoot, err := txn.fs.RevisionRoot(copyfrom.Rev)
		if err != nil {
			return nil, err
		}
		src, err := srcRoot.Stat(copyfrom.Path)
		if err != nil {
			return nil, err
		}
		_, copyID, err := txn.allocTxnIDs(false, true)
		if err != nil {
			return nil, err
		}
		nr.ID = NodeRevisionID{Node: src.ID.Node, Copy: copyID, Txn: txn.id, InTxn: true}
		nr.Kind = src.Kind
		nr.Predecessor = &src.ID
		nr.PredecessorCount = src.PredecessorCount + 1
		nr.Copyfrom = copyfrom
		nr.DataRep = src.DataRep
		nr.PropsRep = src.PropsRep
		nr.MergeinfoCount = src.MergeinfoCount
		nr.HasMergeinfo = src.HasMergeinfo
	} else {
		nodeID, _, err := txn.allocTxnIDs(true, false)
		if err != nil {
			return nil, err
		}
		nr.ID = NodeRevisionID{Node: nodeID, Copy: CopyID{}, Txn: txn.id, InTxn: true}
	}

	if err := txn.writeNodeRevision(nr); err != nil {
		return nil, err
	}
	if err := txn.setEntry(parent, name, nr.ID, nr.Kind); err != nil {
		return nil, err
	}

	change := &PathChange{
		Path:        nr.CreatedPath,
		ID:          nr.ID,
		Kind:        ChangeAdd,
		TextMod:     nr.Kind == NodeKindFile,
		PropMod:     false,
		CopyfromRev: InvalidRev(),
	}
	if copyfrom != nil {
		change.CopyfromRev = ValidRev(copyfrom.Rev)
		change.CopyfromPath = copyfrom.Path
	}
	if err := txn.foldChange(change); err != nil {
		return nil, err
	}
	return nr, nil
}

// Copy adds a copy-with-history of fromPath@fromRev at toPath.
func (txn *Txn) Copy(fromRev Revision, fromPath, toPath string) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if err := txn.checkEditable(); err != nil {
		return err
	}
	_, err := txn.addNode(toPath, 0, &PathRev{Rev: fromRev, Path: fromPath})
	return err
}

// Delete removes the node at p from the transaction tree.
func (txn *Txn) Delete(p string) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if err := txn.checkEditable(); err != nil {
		return err
	}

	clean := path.Clean(p)
	if clean == "/" {
		return notFoundf("cannot delete the root directory")
	}
	dir, name := path.Split(clean)

	node, err := txn.getNode(clean)
	if err != nil {
		return err
	}

	parent, err := txn.makePathMutable(dir)
	if err != nil {
		return err
	}
	if err := txn.removeEntry(parent, name); err != nil {
		return err
	}

	// Record the deleted node by its committed identity: an in-txn id
	// would dangle once the node drops out of the final tree.
	changeID := node.ID
	if changeID.InTxn && node.Predecessor != nil {
		changeID = *node.Predecessor
	}
	return txn.foldChange(&PathChange{
		Path:        clean,
		ID:          changeID,
		Kind:        ChangeDelete,
		CopyfromRev: InvalidRev(),
	})
}

// SetFileContents replaces the contents of the file at p, writing the new
// representation into the proto-revision file (or sharing an existing one).
func (txn *Txn) SetFileContents(p string, contents io.Reader) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if err := txn.checkEditable(); err != nil {
		return err
	}

	nr, err := txn.makePathMutable(p)
	if err != nil {
		return err
	}
	if nr.Kind != NodeKindFile {
		return notFoundf("%q is not a file", p)
	}

	fulltext, err := io.ReadAll(contents)
	if err != nil {
		return ioWrap(err, "reading new contents for %q", p)
	}

	rep, err := txn.writeRep(fulltext, nr, false)
	if err != nil {
		return err
	}
	nr.DataRep = rep
	if err := txn.writeNodeRevision(nr); err != nil {
		return err
	}

	return txn.foldChange(&PathChange{
		Path:        path.Clean(p),
		ID:          nr.ID,
		Kind:        ChangeModify,
		TextMod:     true,
		CopyfromRev: InvalidRev(),
	})
}

// ChangeNodeProp sets (or, with a nil value, deletes) one property of the
// node at p.
func (txn *Txn) ChangeNodeProp(p, name string, value *string) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if err := txn.checkEditable(); err != nil {
		return err
	}

	nr, err := txn.makePathMutable(p)
	if err != nil {
		return err
	}

	props, err := txn.nodeProps(nr)
	if err != nil {
		return err
	}
	if value == nil {
		delete(props, name)
	} else {
		props[name] = *value
	}
	if err := os.WriteFile(txn.nodePropsPath(nr.ID), marshalHash(props), 0644); err != nil {
		return ioWrap(err, "writing node props for %s", nr.ID)
	}

	if name == PropMergeinfo {
		had := nr.HasMergeinfo
		nr.HasMergeinfo = value != nil
		switch {
		case !had && nr.HasMergeinfo:
			nr.MergeinfoCount++
		case had && !nr.HasMergeinfo:
			nr.MergeinfoCount--
		}
		if err := txn.writeNodeRevision(nr); err != nil {
			return err
		}
	}

	return txn.foldChange(&PathChange{
		Path:        path.Clean(p),
		ID:          nr.ID,
		Kind:        ChangeModify,
		PropMod:     true,
		CopyfromRev: InvalidRev(),
	})
}

// NodeProplist reads the node properties at p as seen by the transaction.
func (txn *Txn) NodeProplist(p string) (map[string]string, error) {
	nr, err := txn.getNode(p)
	if err != nil {
		return nil, err
	}
	return txn.nodeProps(nr)
}

// nodeProps reads a node's properties, preferring the transaction's
// mutable sidecar file.
func (txn *Txn) nodeProps(nr *NodeRevision) (map[string]string, error) {
	if nr.ID.InTxn {
		data, err := readFileMaybe(txn.nodePropsPath(nr.ID))
		if err != nil {
			return nil, err
		}
		if data != nil {
			return parseHashBytes(data)
		}
	}
	return txn.fs.nodeProplist(nr)
}

// SetRevProp stages a revision property for the revision this transaction
// will create. svn:date is overwritten at commit time.
func (txn *Txn) SetRevProp(name, value string) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if err := txn.checkEditable(); err != nil {
		return err
	}

	props, err := txn.Proplist()
	if err != nil {
		return err
	}
	props[name] = value
	if err := os.WriteFile(txn.fs.pathTxnFile(txn.id, txnPathProps),
		marshalHash(props), 0644); err != nil {
		return ioWrap(err, "writing transaction props")
	}
	return nil
}

// Proplist reads the transaction's staged revision properties.
func (txn *Txn) Proplist() (map[string]string, error) {
	data, err := readFileMaybe(txn.fs.pathTxnFile(txn.id, txnPathProps))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return map[string]string{}, nil
	}
	return parseHashBytes(data)
}

// RecordLock notes a path lock held for this commit.
func (txn *Txn) RecordLock(p string) {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	txn.lockedPaths[path.Clean(p)] = struct{}{}
}

// LockedPaths returns the recorded lock set.
func (txn *Txn) LockedPaths() []string {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	paths := make([]string, 0, len(txn.lockedPaths))
	for p := range txn.lockedPaths {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// ChangedPaths returns the transaction's folded changed-paths table.
func (txn *Txn) ChangedPaths() []*PathChange {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	out := make([]*PathChange, len(txn.changes))
	copy(out, txn.changes)
	return out
}

// wasDeleted reports whether the folded table currently deletes p.
func (txn *Txn) wasDeleted(p string) bool {
	for _, c := range txn.changes {
		if c.Path == p {
			return c.Kind == ChangeDelete
		}
	}
	return false
}

// foldChange merges a new change into the table, keeping one entry per
// path, and persists the table. Folding rules:
//
//	none    + any     -> the new change
//	add     + modify  -> add (mods merged)
//	add     + delete  -> entry removed (the path was never committed)
//	modify  + delete  -> delete
//	delete  + add     -> replace
//	replace + delete  -> delete
//	x       + modify  -> x (mods merged)
//	x       + add     -> ALREADY_EXISTS unless x is delete
func (txn *Txn) foldChange(change *PathChange) error {
	idx := -1
	for i, c := range txn.changes {
		if c.Path == change.Path {
			idx = i
			break
		}
	}

	if idx < 0 {
		txn.changes = append(txn.changes, change)
		return txn.flushChanges()
	}

	old := txn.changes[idx]
	switch {
	case change.Kind == ChangeDelete && old.Kind == ChangeAdd:
		txn.changes = append(txn.changes[:idx], txn.changes[idx+1:]...)

	case change.Kind == ChangeDelete:
		old.Kind = ChangeDelete
		old.ID = change.ID
		old.TextMod = false
		old.PropMod = false
		old.CopyfromRev = InvalidRev()
		old.CopyfromPath = ""

	case change.Kind == ChangeAdd && old.Kind == ChangeDelete:
		old.Kind = ChangeReplace
		old.ID = change.ID
		old.TextMod = change.TextMod
		old.PropMod = change.PropMod
		old.CopyfromRev = change.CopyfromRev
		old.CopyfromPath = change.CopyfromPath

	case change.Kind == ChangeAdd:
		return newErrorf(KindAlreadyExists, "path %q already changed in transaction", change.Path)

	default: // modify folded into whatever is there
		old.ID = change.ID
		old.TextMod = old.TextMod || change.TextMod
		old.PropMod = old.PropMod || change.PropMod
	}
	return txn.flushChanges()
}

// flushChanges rewrites the transaction's changes file.
func (txn *Txn) flushChanges() error {
	var b bytes.Buffer
	for _, c := range txn.changes {
		b.Write(marshalChange(c))
	}
	if err := os.WriteFile(txn.fs.pathTxnFile(txn.id, txnPathChanges),
		b.Bytes(), 0644); err != nil {
		return ioWrap(err, "writing transaction changes")
	}
	return nil
}
