package fsfs

import (
	"crypto/md5"
	"crypto/sha1"
	"fmt"
	"io"
	"os"

	"github.com/gofrs/flock"

	"github.com/orneryd/revstore/pkg/metrics"
	"github.com/orneryd/revstore/pkg/pool"
	"github.com/orneryd/revstore/pkg/svndiff"
)

// svndiffVersion picks the delta encoding the format allows.
func (fs *FS) svndiffVersion() int {
	if fs.format.supportsSvndiff1() {
		return svndiff.Version1
	}
	return svndiff.Version0
}

// chooseDeltaBase picks the delta base for a new representation of nr,
// applying the skip-delta-with-linear-prelude policy:
//
// The predecessor count with its lowest set bit cleared names a skip
// target. While the distance to that target stays within the linear
// prelude (max-linear-deltification), the immediate predecessor is used,
// keeping recent history cheap; beyond it the skip target is used,
// bounding reconstruction to O(log n) deltas. A walk longer than
// max-deltification-walk, or a lineage with no usable base, falls back to
// fulltext (nil).
func (fs *FS) chooseDeltaBase(nr *NodeRevision, props bool) (*Representation, error) {
	if nr.Predecessor == nil {
		return nil, nil
	}

	count := nr.PredecessorCount
	skip := count & (count - 1)
	linearWalk := count - skip

	steps := 0 // predecessor steps beyond the immediate one
	if linearWalk > fs.cfg.MaxLinearDeltification {
		steps = (count - 1) - skip
		if steps > fs.cfg.MaxDeltificationWalk {
			return nil, nil
		}
	}

	base, err := fs.nodeRevision(*nr.Predecessor)
	if err != nil {
		return nil, err
	}
	for i := 0; i < steps; i++ {
		if base.Predecessor == nil {
			return nil, nil
		}
		if base, err = fs.nodeRevision(*base.Predecessor); err != nil {
			return nil, err
		}
	}

	rep := base.DataRep
	if props {
		rep = base.PropsRep
	}
	if rep == nil || rep.InTxn {
		return nil, nil
	}
	return rep, nil
}

// encodeRepTo writes one representation record (header, encoded stream,
// ENDREP) to w, returning the encoded stream's byte length.
func (fs *FS) encodeRepTo(w io.Writer, fulltext []byte, base *Representation) (int64, error) {
	if base == nil {
		if _, err := io.WriteString(w, "PLAIN\n"); err != nil {
			return 0, ioWrap(err, "writing representation header")
		}
		if _, err := w.Write(fulltext); err != nil {
			return 0, ioWrap(err, "writing representation data")
		}
		if _, err := io.WriteString(w, repTrailer); err != nil {
			return 0, ioWrap(err, "writing representation trailer")
		}
		return int64(len(fulltext)), nil
	}

	baseText, err := fs.repFulltext(base)
	if err != nil {
		return 0, err
	}

	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)
	if err := svndiff.Encode(buf, baseText, fulltext, fs.svndiffVersion()); err != nil {
		return 0, ioWrap(err, "encoding delta")
	}

	header := fmt.Sprintf("DELTA %d %d %d\n", base.Rev, base.Offset, base.Size)
	if _, err := io.WriteString(w, header); err != nil {
		return 0, ioWrap(err, "writing representation header")
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return 0, ioWrap(err, "writing representation data")
	}
	if _, err := io.WriteString(w, repTrailer); err != nil {
		return 0, ioWrap(err, "writing representation trailer")
	}
	return int64(buf.Len()), nil
}

// writeRep stores a new representation for nr's data (or props), either by
// sharing an existing identical one or by appending to the transaction's
// proto-revision file.
func (txn *Txn) writeRep(fulltext []byte, nr *NodeRevision, props bool) (*Representation, error) {
	fs := txn.fs

	md5Sum := md5.Sum(fulltext)
	sha1Sum := sha1.Sum(fulltext)

	// Rep sharing: an identical fulltext already on disk wins over a new
	// write. The side-store is advisory, so every failure just disables
	// the shortcut.
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
				Uniquifier:   fmt.Sprintf("%s/%d", txn.id, entry.Offset),
			}
			if fs.repExists(shared) {
				metrics.RepSharingHitsTotal.Inc()
				return shared, nil
			}
		} else if err != nil && fs.cfg.FailStop {
			return nil, wrapErrorf(KindIO, err, "rep-cache lookup failed")
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

	offset, size, err := txn.appendProtoRep(fulltext, base)
	if err != nil {
		return nil, err
	}

	rep := &Representation{
		Txn:          txn.id,
		InTxn:        true,
		Offset:       offset,
		Size:         size,
		ExpandedSize: int64(len(fulltext)),
		MD5:          md5Sum,
		hasDigests:   true,
		Uniquifier:   fmt.Sprintf("%s/%d", txn.id, offset),
	}
	if fs.format.supportsTxnCurrent() {
		rep.SHA1 = sha1Sum
		rep.HasSHA1 = true
	}
	return rep, nil
}

// appendProtoRep appends a representation record to the proto-revision
// file under its lock, returning the record's offset and encoded size.
func (txn *Txn) appendProtoRep(fulltext []byte, base *Representation) (offset, size int64, err error) {
	fl := flock.New(txn.fs.pathProtoRevLock(txn.id))
	if err := fl.Lock(); err != nil {
		return 0, 0, wrapErrorf(KindLocked, err, "locking proto-revision file")
	}
	defer fl.Unlock()

	f, err := os.OpenFile(txn.fs.pathProtoRev(txn.id), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, 0, ioWrap(err, "opening proto-revision file")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, 0, ioWrap(err, "stat proto-revision file")
	}
	offset = info.Size()

	size, err = txn.fs.encodeRepTo(f, fulltext, base)
	if err != nil {
		return 0, 0, err
	}
	return offset, size, nil
}
