package fsfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// File and directory names within a repository. The top level carries the
// repository-wide markers; everything versioned lives under db/.
const (
	pathFormat    = "format"
	pathUUID      = "uuid"
	pathCurrent   = "current"
	pathWriteLock = "write-lock"

	pathDB             = "db"
	pathTxnCurrent     = "txn-current"
	pathTxnCurrentLock = "txn-current-lock"
	pathMinUnpackedRev = "min-unpacked-rev"
	pathNextIDs        = "next-ids"
	pathConfigFile     = "fsfs.conf"
	pathRevsDir        = "revs"
	pathRevpropsDir    = "revprops"
	pathTxnsDir        = "transactions"
	pathTxnProtosDir   = "txn-protorevs"
	pathRepCacheDir    = "rep-cache"

	extTxn     = ".txn"
	extRev     = ".rev"
	extRevLock = ".rev-lock"
	extPack    = ".pack"

	pathPackFile = "pack"
	pathManifest = "manifest"
)

// Transaction-directory file names.
const (
	txnPathBase     = "base"
	txnPathProps    = "props"
	txnPathNextIDs  = "next-ids"
	txnPathChanges  = "changes"
	txnNodePrefix   = "node."
	txnChildrenExt  = ".children"
	txnNodePropsExt = ".props"
)

func (fs *FS) abs(parts ...string) string {
	return filepath.Join(append([]string{fs.path}, parts...)...)
}

func (fs *FS) dbPath(parts ...string) string {
	return filepath.Join(append([]string{fs.path, pathDB}, parts...)...)
}

// shardOf maps a revision to its shard number, or -1 for linear layouts.
func (fs *FS) shardOf(rev Revision) int64 {
	if !fs.format.Sharded() {
		return -1
	}
	return int64(rev) / fs.format.MaxFilesPerDir
}

// pathRevShard is the directory holding rev's (unpacked) revision file.
func (fs *FS) pathRevShard(rev Revision) string {
	if !fs.format.Sharded() {
		return fs.dbPath(pathRevsDir)
	}
	return fs.dbPath(pathRevsDir, strconv.FormatInt(fs.shardOf(rev), 10))
}

// pathRev is the unpacked revision file for rev.
func (fs *FS) pathRev(rev Revision) string {
	return filepath.Join(fs.pathRevShard(rev), strconv.FormatInt(int64(rev), 10))
}

// pathRevPackDir is the pack directory for rev's shard.
func (fs *FS) pathRevPackDir(rev Revision) string {
	return fs.dbPath(pathRevsDir,
		strconv.FormatInt(fs.shardOf(rev), 10)+extPack)
}

// pathRevPacked is the pack file holding rev once its shard is packed.
func (fs *FS) pathRevPacked(rev Revision) string {
	return filepath.Join(fs.pathRevPackDir(rev), pathPackFile)
}

// pathRevManifest is the manifest beside the pack file.
func (fs *FS) pathRevManifest(rev Revision) string {
	return filepath.Join(fs.pathRevPackDir(rev), pathManifest)
}

// pathRevpropsShard is the directory holding rev's revprops file.
func (fs *FS) pathRevpropsShard(rev Revision) string {
	if !fs.format.Sharded() {
		return fs.dbPath(pathRevpropsDir)
	}
	return fs.dbPath(pathRevpropsDir, strconv.FormatInt(fs.shardOf(rev), 10))
}

// pathRevprops is the unpacked revprops file for rev.
func (fs *FS) pathRevprops(rev Revision) string {
	return filepath.Join(fs.pathRevpropsShard(rev), strconv.FormatInt(int64(rev), 10))
}

// pathRevpropsPackDir is the packed-revprops directory for rev's shard.
func (fs *FS) pathRevpropsPackDir(rev Revision) string {
	return fs.dbPath(pathRevpropsDir,
		strconv.FormatInt(fs.shardOf(rev), 10)+extPack)
}

// pathRevpropsManifest is the packed-revprops manifest for rev's shard.
func (fs *FS) pathRevpropsManifest(rev Revision) string {
	return filepath.Join(fs.pathRevpropsPackDir(rev), pathManifest)
}

// pathTxnDir is the directory of an in-progress transaction.
func (fs *FS) pathTxnDir(txn TxnID) string {
	return fs.dbPath(pathTxnsDir, txn.String()+extTxn)
}

// pathTxnFile is a file within a transaction directory.
func (fs *FS) pathTxnFile(txn TxnID, name string) string {
	return filepath.Join(fs.pathTxnDir(txn), name)
}

// pathTxnNode is the node-revision file for a node inside a transaction.
func (fs *FS) pathTxnNode(txn TxnID, node NodeID, copy CopyID) string {
	return fs.pathTxnFile(txn, txnNodePrefix+node.String()+"."+copy.String())
}

// pathProtoRev is the proto-revision file for a transaction.
func (fs *FS) pathProtoRev(txn TxnID) string {
	return fs.dbPath(pathTxnProtosDir, txn.String()+extRev)
}

// pathProtoRevLock guards single-writer access to the proto-revision file.
func (fs *FS) pathProtoRevLock(txn TxnID) string {
	return fs.dbPath(pathTxnProtosDir, txn.String()+extRevLock)
}

// writeFileAtomic writes data via a temp file in the same directory, fsyncs
// it, and renames it over path. Every mutable repository file goes through
// here so a crash leaves either the old or the new contents.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.")
	if err != nil {
		return ioWrap(err, "creating temp file in %s", dir)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return ioWrap(err, "writing %s", tmpName)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return ioWrap(err, "syncing %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return ioWrap(err, "closing %s", tmpName)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return ioWrap(err, "renaming %s to %s", tmpName, path)
	}
	return syncDir(dir)
}

// syncDir fsyncs a directory so renames within it are durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return ioWrap(err, "opening directory %s", dir)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return ioWrap(err, "syncing directory %s", dir)
	}
	return nil
}

// readNumberFile reads a file whose first whitespace-delimited token is a
// decimal number.
func readNumberFile(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var n int64
	if _, err := fmt.Sscanf(string(data), "%d", &n); err != nil {
		return 0, corruptf("malformed number file %s: %q", path, string(data))
	}
	return n, nil
}
