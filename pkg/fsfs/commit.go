package fsfs

import (
	"crypto/md5"
	"crypto/sha1"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/orneryd/revstore/pkg/metrics"
	"github.com/orneryd/revstore/pkg/repcache"
)

// Commit publishes the transaction as the next revision.
//
// Under the write lock: the true youngest is re-read, the transaction's
// changed paths are checked against every revision committed since the
// base, the proto-revision is rewritten into the final revision file,
// revision properties are written, and `current` advances. A CONFLICT
// leaves the transaction intact for retry; any success deletes it.
func (txn *Txn) Commit() (Revision, error) {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if err := txn.checkEditable(); err != nil {
		return 0, err
	}

	var newRev Revision
	err := txn.fs.WithWriteLock(func() error {
		youngest := txn.fs.youngestCached()
		if txn.baseRev > youngest {
			return corruptf("transaction base r%d is beyond youngest r%d",
				txn.baseRev, youngest)
		}

		if err := txn.fs.checkConflicts(txn.changes, txn.baseRev, youngest); err != nil {
			return err
		}

		newRev = youngest + 1
		return txn.writeRevision(newRev)
	})
	if err != nil {
		if IsKind(err, KindConflict) {
			metrics.CommitConflictsTotal.Inc()
		}
		return 0, err
	}

	txn.committed = true
	if err := txn.fs.removeTxnFiles(txn.id); err != nil {
		txn.logger.Warn().Err(err).Msg("could not clean up committed transaction")
	}

	metrics.CommitsTotal.Inc()
	txn.logger.Info().Int64("revision", int64(newRev)).Msg("committed")
	return newRev, nil
}

// checkConflicts rejects the commit when any path changed by the
// transaction was also touched, or had an ancestor removed, by a revision
// in (base, youngest].
func (fs *FS) checkConflicts(txnChanges []*PathChange, base, youngest Revision) error {
	if base == youngest || len(txnChanges) == 0 {
		return nil
	}

	for rev := base + 1; rev <= youngest; rev++ {
		committed, err := fs.ChangedPaths(rev)
		if err != nil {
			return err
		}
		for _, cc := range committed {
			for _, tc := range txnChanges {
				switch {
				case cc.Path == tc.Path:
					return newErrorf(KindConflict,
						"path %q changed in r%d after the transaction base r%d",
						tc.Path, rev, base)
				case (cc.Kind == ChangeDelete || cc.Kind == ChangeReplace) &&
					isPathAncestor(cc.Path, tc.Path):
					return newErrorf(KindConflict,
						"ancestor %q of %q removed in r%d", cc.Path, tc.Path, rev)
				case (tc.Kind == ChangeDelete || tc.Kind == ChangeReplace) &&
					isPathAncestor(tc.Path, cc.Path):
					return newErrorf(KindConflict,
						"path %q changed in r%d under %q removed by the transaction",
						cc.Path, rev, tc.Path)
				}
			}
		}
	}
	return nil
}

// isPathAncestor reports whether a strictly contains b.
func isPathAncestor(a, b string) bool {
	if a == b {
		return false
	}
	if a == "/" {
		return strings.HasPrefix(b, "/")
	}
	return strings.HasPrefix(b, a+"/")
}

// countingWriter tracks the bytes written to the revision file so record
// offsets can be assigned as the file grows.
type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// commitCtx carries the state of one revision-file rewrite.
type commitCtx struct {
	fs     *FS
	txn    *Txn
	out    *countingWriter
	newRev Revision

	nextNode uint64
	nextCopy uint64

	// idMap maps in-transaction id strings to final committed ids.
	idMap map[string]NodeRevisionID

	// shared collects SHA-1 -> location mappings to insert into the
	// rep-sharing side-store after publication.
	shared map[[20]byte]repcache.Entry
}

// writeRevision rewrites the proto-revision into the final revision file,
// writes the revision's properties, and publishes `current`. Caller holds
// the write lock.
func (txn *Txn) writeRevision(newRev Revision) error {
	fs := txn.fs

	if err := os.MkdirAll(fs.pathRevShard(newRev), 0755); err != nil {
		return ioWrap(err, "creating shard directory for r%d", newRev)
	}
	if err := os.MkdirAll(fs.pathRevpropsShard(newRev), 0755); err != nil {
		return ioWrap(err, "creating revprops shard directory for r%d", newRev)
	}

	f, err := os.OpenFile(fs.pathRev(newRev), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return ioWrap(err, "creating revision file for r%d", newRev)
	}
	defer f.Close()

	ctx := &commitCtx{
		fs:     fs,
		txn:    txn,
		out:    &countingWriter{w: f},
		newRev: newRev,
		idMap:  make(map[string]NodeRevisionID),
		shared: make(map[[20]byte]repcache.Entry),
	}

	// The proto-revision's representation records move verbatim to the
	// head of the revision file, so every offset recorded during the
	// transaction stays valid.
	proto, err := os.Open(fs.pathProtoRev(txn.id))
	if err != nil {
		return ioWrap(err, "opening proto-revision file")
	}
	if _, err := io.Copy(ctx.out, proto); err != nil {
		proto.Close()
		return ioWrap(err, "copying proto-revision into r%d", newRev)
	}
	proto.Close()

	if err := ctx.loadNextIDs(); err != nil {
		return err
	}

	rootTxnID, err := txn.rootID()
	if err != nil {
		return err
	}
	rootNR, err := fs.nodeRevision(rootTxnID)
	if err != nil {
		return err
	}
	rootFinal, _, err := ctx.writeNode(rootNR, "/")
	if err != nil {
		return err
	}

	changedOff := ctx.out.n
	for _, change := range txn.changes {
		final := *change
		if final.ID.InTxn {
			mapped, ok := ctx.idMap[final.ID.String()]
			if !ok {
				return corruptf("change for %q references unresolved id %s",
					final.Path, final.ID)
			}
			final.ID = mapped
		}
		if _, err := ctx.out.Write(marshalChange(&final)); err != nil {
			return ioWrap(err, "writing changed paths for r%d", newRev)
		}
	}

	// The root node-revision record's blank-line terminator is the only
	// framing before the footer; the changed-paths section ends exactly
	// where the footer line begins.
	footer := fmt.Sprintf("%d %d\n", rootFinal.Offset, changedOff)
	if _, err := io.WriteString(ctx.out, footer); err != nil {
		return ioWrap(err, "writing footer for r%d", newRev)
	}

	if err := f.Sync(); err != nil {
		return ioWrap(err, "syncing revision file for r%d", newRev)
	}
	if err := syncDir(fs.pathRevShard(newRev)); err != nil {
		return err
	}

	if err := ctx.storeNextIDs(); err != nil {
		return err
	}

	// Revision properties: author and log from the transaction, date from
	// the commit instant.
	props, err := txn.Proplist()
	if err != nil {
		return err
	}
	props[PropRevisionDate] = formatTime(time.Now())
	if err := writeFileAtomic(fs.pathRevprops(newRev), marshalHash(props)); err != nil {
		return err
	}

	// Publish. After this write the revision is visible to every reader.
	if err := fs.writeCurrent(newRev); err != nil {
		return err
	}
	fs.youngestVal.Store(int64(newRev) + 1)

	// Feed the rep-sharing side-store. Advisory: failures only cost
	// future dedup.
	if fs.repStore != nil {
		for sum, entry := range ctx.shared {
			if err := fs.repStore.Put(sum, entry); err != nil {
				fs.logger.Debug().Err(err).Msg("rep-cache insert failed")
				break
			}
		}
	}
	return nil
}

// loadNextIDs reads the repository-global id counters.
func (c *commitCtx) loadNextIDs() error {
	data, err := os.ReadFile(c.fs.dbPath(pathNextIDs))
	if err != nil {
		return ioWrap(err, "reading next-ids")
	}
	fields := splitFields(string(data))
	if len(fields) != 2 {
		return corruptf("malformed next-ids %q", string(data))
	}
	if c.nextNode, err = strconv.ParseUint(fields[0], 36, 64); err != nil {
		return corruptf("malformed next-ids %q", string(data))
	}
	if c.nextCopy, err = strconv.ParseUint(fields[1], 36, 64); err != nil {
		return corruptf("malformed next-ids %q", string(data))
	}
	return nil
}

// storeNextIDs writes the advanced id counters back.
func (c *commitCtx) storeNextIDs() error {
	contents := strconv.FormatUint(c.nextNode, 36) + " " +
		strconv.FormatUint(c.nextCopy, 36) + "\n"
	return writeFileAtomic(c.fs.dbPath(pathNextIDs), []byte(contents))
}

// writeNode finalizes one in-transaction node-revision: children first,
// then its directory listing or proto-held data, then properties, then the
// record itself. Returns the final id and the node's mergeinfo count.
func (c *commitCtx) writeNode(nr *NodeRevision, cpath string) (NodeRevisionID, int64, error) {
	final := &NodeRevision{
		Kind:             nr.Kind,
		Predecessor:      nr.Predecessor,
		PredecessorCount: nr.PredecessorCount,
		Copyfrom:         nr.Copyfrom,
		Copyroot:         nr.Copyroot,
		DataRep:          nr.DataRep,
		PropsRep:         nr.PropsRep,
		CreatedPath:      cpath,
		HasMergeinfo:     nr.HasMergeinfo,
	}

	// Predecessor-count invariant: violations mean the transaction state
	// is corrupt, and the commit fails rather than persisting it.
	if final.Predecessor != nil {
		pred, err := c.fs.nodeRevision(*final.Predecessor)
		if err != nil {
			return NodeRevisionID{}, 0, err
		}
		if final.PredecessorCount != pred.PredecessorCount+1 {
			return NodeRevisionID{}, 0, corruptf(
				"node %s has predecessor count %d, predecessor %s has %d",
				nr.ID, final.PredecessorCount, pred.ID, pred.PredecessorCount)
		}
	}

	minfo := int64(0)
	if nr.HasMergeinfo {
		minfo = 1
	}

	if nr.Kind == NodeKindDir {
		entries, err := c.txn.dirListing(nr)
		if err != nil {
			return NodeRevisionID{}, 0, err
		}

		listingChanged, err := c.txn.hasMutableListing(nr.ID)
		if err != nil {
			return NodeRevisionID{}, 0, err
		}

		for i := range entries {
			if entries[i].ID.InTxn {
				child, err := c.fs.nodeRevision(entries[i].ID)
				if err != nil {
					return NodeRevisionID{}, 0, err
				}
				childID, childMinfo, err := c.writeNode(child, path.Join(cpath, entries[i].Name))
				if err != nil {
					return NodeRevisionID{}, 0, err
				}
				entries[i].ID = childID
				minfo += childMinfo
			} else {
				childNR, err := c.fs.nodeRevision(entries[i].ID)
				if err != nil {
					return NodeRevisionID{}, 0, err
				}
				minfo += childNR.MergeinfoCount
			}
		}

		if listingChanged {
			rep, err := c.writeCommittedRep(marshalDirectory(entries), nr, false)
			if err != nil {
				return NodeRevisionID{}, 0, err
			}
			final.DataRep = rep
		}
	}

	// File data written during the transaction lives in the proto region
	// already copied to the head of the file; only the reference changes.
	if final.DataRep != nil && final.DataRep.InTxn {
		committed := *final.DataRep
		committed.Rev = c.newRev
		committed.InTxn = false
		committed.Txn = 0
		final.DataRep = &committed
		c.recordShared(&committed)
	}

	// Properties modified in the transaction sit in a sidecar file and
	// become a representation now.
	propsData, err := readFileMaybe(c.txn.nodePropsPath(nr.ID))
	if err != nil {
		return NodeRevisionID{}, 0, err
	}
	if propsData != nil {
		rep, err := c.writeCommittedRep(propsData, nr, true)
		if err != nil {
			return NodeRevisionID{}, 0, err
		}
		final.PropsRep = rep
	}

	final.MergeinfoCount = minfo

	// Resolve provisional ids against the repository-global counters.
	node := nr.ID.Node
	if node.TxnLocal {
		node = NodeID{N: c.nextNode}
		c.nextNode++
	}
	copyID := nr.ID.Copy
	if copyID.TxnLocal {
		copyID = CopyID{C: c.nextCopy}
		c.nextCopy++
	}
	if final.Copyfrom != nil {
		final.Copyroot = &PathRev{Rev: c.newRev, Path: cpath}
	}

	offset := c.out.n
	final.ID = NodeRevisionID{Node: node, Copy: copyID, Rev: c.newRev, Offset: offset}
	if _, err := c.out.Write(final.Marshal()); err != nil {
		return NodeRevisionID{}, 0, ioWrap(err, "writing node-revision %s", final.ID)
	}

	c.idMap[nr.ID.String()] = final.ID
	return final.ID, minfo, nil
}

// hasMutableListing reports whether the transaction materialized a
// children file for this directory, i.e. its listing changed.
func (txn *Txn) hasMutableListing(id NodeRevisionID) (bool, error) {
	_, err := os.Stat(txn.childrenPath(id))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, ioWrap(err, "stat children file for %s", id)
	}
	return true, nil
}

// writeCommittedRep writes a representation straight into the revision
// file (directory listings and property lists are serialized at commit),
// going through the same sharing and deltification policy as transaction
// writes.
func (c *commitCtx) writeCommittedRep(fulltext []byte, nr *NodeRevision, props bool) (*Representation, error) {
	fs := c.fs

	md5Sum := md5.Sum(fulltext)
	sha1Sum := sha1.Sum(fulltext)

	if fs.repStore != nil {
		if entry, found, err := fs.repStore.Get(sha1Sum); err == nil && found {
			shared := &Representation{
				Rev:          Revision(entry.Revision),
				Offset:       entry.Offset,
				Size:         entry.Size,
				ExpandedSize: entry.ExpandedSize,
				MD5:          md5Sum,
				SHA1:         sha1Sum,
				HasSHA1:      true,
				hasDigests:   true,
				Uniquifier:   fmt.Sprintf("%s/%d", c.txn.id, entry.Offset),
			}
			if fs.repExists(shared) {
				metrics.RepSharingHitsTotal.Inc()
				return shared, nil
			}
		}
	}

	var base *Representation
	deltify := true
	if props {
		deltify = fs.cfg.EnablePropsDeltification && fs.format.supportsDeltifyMeta()
	} else if nr.Kind == NodeKindDir {
		deltify = fs.cfg.EnableDirDeltification && fs.format.supportsDeltifyMeta()
	}
	if deltify {
		var err error
		if base, err = fs.chooseDeltaBase(nr, props); err != nil {
			return nil, err
		}
	}

	offset := c.out.n
	size, err := fs.encodeRepTo(c.out, fulltext, base)
	if err != nil {
		return nil, err
	}

	rep := &Representation{
		Rev:          c.newRev,
		Offset:       offset,
		Size:         size,
		ExpandedSize: int64(len(fulltext)),
		MD5:          md5Sum,
		hasDigests:   true,
	}
	if fs.format.supportsTxnCurrent() {
		rep.SHA1 = sha1Sum
		rep.HasSHA1 = true
		rep.Uniquifier = fmt.Sprintf("%s/%d", c.txn.id, offset)
	}
	c.recordShared(rep)
	return rep, nil
}

// recordShared queues a committed representation for the side-store.
func (c *commitCtx) recordShared(rep *Representation) {
	if c.fs.repStore == nil || !rep.HasSHA1 {
		return
	}
	if _, dup := c.shared[rep.SHA1]; dup {
		return
	}
	c.shared[rep.SHA1] = repcache.Entry{
		Revision:     int64(rep.Rev),
		Offset:       rep.Offset,
		Size:         rep.Size,
		ExpandedSize: rep.ExpandedSize,
	}
}
