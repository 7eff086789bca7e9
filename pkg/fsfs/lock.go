package fsfs

import (
	"os"
	"time"

	"github.com/gofrs/flock"

	"github.com/orneryd/revstore/pkg/metrics"
)

// WithWriteLock runs body while holding the repository write lock.
//
// Threads of this process serialize on an in-process mutex before
// contending for the on-disk lock, so at most one file-lock attempt per
// process is ever outstanding. Acquisition blocks; contention with other
// processes is expected and waited out.
//
// On entry the youngest-revision and min-unpacked-rev caches are
// refreshed, so code running under the lock may trust them without
// re-reading. Any function that mutates committed state must run through
// here.
func (fs *FS) WithWriteLock(body func() error) error {
	fs.writeLockMu.Lock()
	defer fs.writeLockMu.Unlock()

	start := time.Now()
	fl, err := fs.acquireFileLock(fs.abs(pathWriteLock))
	if err != nil {
		return err
	}
	defer fl.Unlock()
	metrics.WriteLockWait.Observe(time.Since(start).Seconds())

	fs.hasWriteLock.Store(true)
	defer fs.hasWriteLock.Store(false)

	if err := fs.refreshYoungest(); err != nil {
		return err
	}
	if err := fs.refreshMinUnpacked(); err != nil {
		return err
	}
	return body()
}

// WithTxnCurrentLock runs body while holding the transaction-id allocator
// lock. It covers exactly the read-modify-write of the txn-current counter
// and does not grant write-lock privileges.
func (fs *FS) WithTxnCurrentLock(body func() error) error {
	fs.txnCurrentMu.Lock()
	defer fs.txnCurrentMu.Unlock()

	fl, err := fs.acquireFileLock(fs.dbPath(pathTxnCurrentLock))
	if err != nil {
		return err
	}
	defer fl.Unlock()

	return body()
}

// acquireFileLock takes a blocking exclusive lock on path, creating the
// lock file if it has gone missing.
func (fs *FS) acquireFileLock(path string) (*flock.Flock, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// A missing lock file is recovered by recreating it.
		if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644); err == nil {
			f.Close()
		}
	}

	fl := flock.New(path)
	if err := fl.Lock(); err != nil {
		return nil, wrapErrorf(KindLocked, err, "acquiring lock %s", path)
	}
	return fl, nil
}
