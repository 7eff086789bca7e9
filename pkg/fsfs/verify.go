package fsfs

import (
	"bufio"
	"crypto/sha1"
	"io"
	"runtime"
	"sync"

	"github.com/alitto/pond"
)

// Verify re-walks the revision range [lower, upper] and checks the
// invariants a well-formed repository must satisfy: parseable offset
// footers, consistent predecessor counts, checksummed representations,
// and decodable directory listings. Revisions are verified in parallel.
//
// cancel, when non-nil, is polled between revisions.
func (fs *FS) Verify(lower, upper Revision, workers int, cancel func() bool) error {
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

	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	pool := pond.New(workers, 0, pond.MinWorkers(1))

	var mu sync.Mutex
	var firstErr error
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}
	failed := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return firstErr != nil
	}

	for rev := lower; rev <= upper; rev++ {
		if cancel != nil && cancel() {
			fail(newErrorf(KindCanceled, "verify canceled at r%d", rev))
			break
		}
		if failed() {
			break
		}
		rev := rev
		pool.Submit(func() {
			if failed() {
				return
			}
			if err := fs.verifyRevision(rev); err != nil {
				fail(err)
			}
		})
	}

	pool.StopAndWait()
	return firstErr
}

// verifyRevision checks one revision's structure and the integrity of the
// node-revisions it introduced.
func (fs *FS) verifyRevision(rev Revision) error {
	ref, err := fs.openRevFile(rev)
	if err != nil {
		return err
	}
	rootOff, changedOff, footerStart, err := readRevFooter(ref)
	if err != nil {
		ref.Close()
		return wrapErrorf(KindCorrupt, err, "footer of r%d", rev)
	}

	rootNR, err := parseNodeRevision(bufio.NewReader(ref.sectionAt(rootOff)), 0)
	if err != nil {
		ref.Close()
		return wrapErrorf(KindCorrupt, err, "root of r%d", rev)
	}
	if rootNR.Kind != NodeKindDir {
		ref.Close()
		return corruptf("root of r%d is not a directory", rev)
	}

	changes, err := parseChanges(bufio.NewReader(
		io.LimitReader(ref.sectionAt(changedOff), footerStart-changedOff)))
	ref.Close()
	if err != nil {
		return wrapErrorf(KindCorrupt, err, "changed paths of r%d", rev)
	}

	if err := fs.verifyNodeRevision(rootNR); err != nil {
		return err
	}
	for _, change := range changes {
		if change.Kind == ChangeDelete {
			continue
		}
		nr, err := fs.nodeRevision(change.ID)
		if err != nil {
			return err
		}
		if err := fs.verifyNodeRevision(nr); err != nil {
			return err
		}
	}
	return nil
}

// verifyNodeRevision checks one record: the predecessor-count invariant,
// the readability and digests of its representations, and the
// parseability of directory listings.
func (fs *FS) verifyNodeRevision(nr *NodeRevision) error {
	if nr.Predecessor != nil {
		pred, err := fs.nodeRevision(*nr.Predecessor)
		if err != nil {
			return err
		}
		if nr.PredecessorCount != pred.PredecessorCount+1 {
			return corruptf("node %s has predecessor count %d, predecessor has %d",
				nr.ID, nr.PredecessorCount, pred.PredecessorCount)
		}
	}

	for _, rep := range []*Representation{nr.DataRep, nr.PropsRep} {
		if rep == nil {
			continue
		}
		// repFulltext verifies MD5 and expanded size against the tuple.
		text, err := fs.repFulltext(rep)
		if err != nil {
			return err
		}
		if rep.HasSHA1 {
			if sum := sha1.Sum(text); sum != rep.SHA1 {
				return corruptf("sha1 mismatch on representation of %s", nr.ID)
			}
		}
	}

	if nr.Kind == NodeKindDir && nr.DataRep != nil {
		if _, err := fs.dirEntries(nr); err != nil {
			return err
		}
	}
	return nil
}
