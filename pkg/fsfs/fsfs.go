package fsfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/orneryd/revstore/pkg/cache"
	"github.com/orneryd/revstore/pkg/config"
	"github.com/orneryd/revstore/pkg/log"
	"github.com/orneryd/revstore/pkg/repcache"
)

// FS is an open repository handle. It owns the per-process caches and the
// rep-sharing side-store connection; handles are safe for concurrent use
// by multiple goroutines.
type FS struct {
	path   string
	format *Format
	uuid   string
	cfg    *config.Config
	logger zerolog.Logger

	// Process-local revision cache: fulltexts, node-revisions, manifests.
	revCache *cache.RevisionCache

	// Rep-sharing side-store; nil when disabled or unsupported.
	repStore *repcache.Store

	// Cached mutable markers. youngestVal/minUnpackedVal hold value+1 so
	// that zero means "not cached".
	youngestVal    atomic.Int64
	minUnpackedVal atomic.Int64

	// Lock state. writeLockMu and txnCurrentMu serialize this process's
	// threads ahead of the on-disk locks; hasWriteLock is owned by the
	// write-lock holder.
	writeLockMu  sync.Mutex
	txnCurrentMu sync.Mutex
	hasWriteLock atomic.Bool
}

// Options configures opening or creating a repository.
type Options struct {
	// CacheSize bounds the revision cache entry count. 0 uses a default.
	CacheSize int

	// Format overrides the format number at creation. 0 means current.
	Format int

	// MaxFilesPerDir overrides the shard size at creation. Ignored for
	// formats below the layout option; negative selects linear layout.
	MaxFilesPerDir int64
}

// Open opens an existing repository.
func Open(path string, opts *Options) (*FS, error) {
	if opts == nil {
		opts = &Options{}
	}

	if _, err := os.Stat(path); err != nil {
		return nil, notFoundf("no repository at %s", path)
	}

	formatPath := filepath.Join(path, pathDB, pathFormat)
	if _, err := os.Stat(formatPath); os.IsNotExist(err) {
		// Very old repositories only carry the top-level format file; a
		// missing file altogether means format 1.
		formatPath = filepath.Join(path, pathFormat)
	}
	format, err := readFormatFile(formatPath)
	if err != nil {
		return nil, err
	}

	fs := &FS{
		path:     path,
		format:   format,
		logger:   log.WithComponent("fsfs"),
		revCache: cache.New("revision", opts.CacheSize, 0),
	}

	uuidBytes, err := os.ReadFile(fs.abs(pathUUID))
	if err != nil {
		return nil, ioWrap(err, "reading uuid file")
	}
	fs.uuid = trimNewline(string(uuidBytes))

	cfg, err := config.Load(fs.dbPath(pathConfigFile))
	if err != nil {
		return nil, ioWrap(err, "loading fsfs.conf")
	}
	fs.cfg = cfg

	if fs.format.supportsRepSharing() && cfg.EnableRepSharing {
		store, err := repcache.Open(repcache.Options{Dir: fs.dbPath(pathRepCacheDir)})
		if err != nil {
			// The side-store is advisory; run without it.
			fs.logger.Warn().Err(err).Msg("rep-cache unavailable, sharing disabled")
		} else {
			fs.repStore = store
		}
	}

	if _, err := fs.Youngest(); err != nil {
		fs.Close()
		return nil, err
	}
	return fs, nil
}

// Create initializes a new repository at path and opens it. The directory
// must be empty or absent.
func Create(path string, opts *Options) (*FS, error) {
	if opts == nil {
		opts = &Options{}
	}

	formatNumber := opts.Format
	if formatNumber == 0 {
		formatNumber = CurrentFormat
	}
	if formatNumber < MinFormat || formatNumber > CurrentFormat {
		return nil, newErrorf(KindUnsupportedFormat,
			"cannot create repository with format %d", formatNumber)
	}

	format := &Format{Number: formatNumber}
	if formatNumber >= minLayoutOptionFormat {
		switch {
		case opts.MaxFilesPerDir > 0:
			format.MaxFilesPerDir = opts.MaxFilesPerDir
		case opts.MaxFilesPerDir == 0:
			format.MaxFilesPerDir = DefaultMaxFilesPerDir
		}
	}

	if entries, err := os.ReadDir(path); err == nil && len(entries) > 0 {
		return nil, newErrorf(KindAlreadyExists, "%s is not empty", path)
	}

	fs := &FS{
		path:     path,
		format:   format,
		logger:   log.WithComponent("fsfs"),
		revCache: cache.New("revision", opts.CacheSize, 0),
		cfg:      config.Default(),
	}

	if err := fs.createLayout(); err != nil {
		return nil, err
	}
	fs.logger.Info().Str("path", path).Int("format", formatNumber).
		Msg("repository created")

	fs.Close()
	return Open(path, opts)
}

// createLayout writes the skeleton of a fresh repository, ending with
// revision 0.
func (fs *FS) createLayout() error {
	dirs := []string{
		fs.path,
		fs.abs(pathDB),
		fs.pathRevShard(0),
		fs.pathRevpropsShard(0),
		fs.dbPath(pathTxnsDir),
	}
	if fs.format.supportsTxnCurrent() {
		dirs = append(dirs, fs.dbPath(pathTxnProtosDir))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return ioWrap(err, "creating %s", dir)
		}
	}

	formatBytes := fs.format.Marshal()
	if err := os.WriteFile(fs.abs(pathFormat), formatBytes, 0644); err != nil {
		return ioWrap(err, "writing format file")
	}
	if err := os.WriteFile(fs.dbPath(pathFormat), formatBytes, 0644); err != nil {
		return ioWrap(err, "writing db format file")
	}

	fs.uuid = uuid.NewString()
	if err := os.WriteFile(fs.abs(pathUUID), []byte(fs.uuid+"\n"), 0644); err != nil {
		return ioWrap(err, "writing uuid file")
	}

	current := "0\n"
	if !fs.format.usesBareCurrent() {
		current = "0 1 1\n"
	}
	if err := os.WriteFile(fs.abs(pathCurrent), []byte(current), 0644); err != nil {
		return ioWrap(err, "writing current file")
	}

	for _, lock := range []string{fs.abs(pathWriteLock)} {
		if err := os.WriteFile(lock, nil, 0644); err != nil {
			return ioWrap(err, "writing %s", lock)
		}
	}

	if fs.format.supportsTxnCurrent() {
		if err := os.WriteFile(fs.dbPath(pathTxnCurrent), []byte("0\n"), 0644); err != nil {
			return ioWrap(err, "writing txn-current")
		}
		if err := os.WriteFile(fs.dbPath(pathTxnCurrentLock), nil, 0644); err != nil {
			return ioWrap(err, "writing txn-current-lock")
		}
		if err := os.WriteFile(fs.dbPath(pathNextIDs), []byte("1 1\n"), 0644); err != nil {
			return ioWrap(err, "writing next-ids")
		}
		if err := config.WriteDefault(fs.dbPath(pathConfigFile)); err != nil {
			return ioWrap(err, "writing fsfs.conf")
		}
	}
	if fs.format.supportsPacking() {
		if err := os.WriteFile(fs.dbPath(pathMinUnpackedRev), []byte("0\n"), 0644); err != nil {
			return ioWrap(err, "writing min-unpacked-rev")
		}
	}

	return fs.writeRevisionZero()
}

// revisionZeroContents is the exact byte sequence of revision 0: an empty
// root directory (the PLAIN representation of an empty hash dump), its
// node-revision record at offset 17 terminated by its blank line, a
// zero-byte changed-paths section at offset 107, and the offsets footer.
const revisionZeroContents = "PLAIN\n" +
	"END\n" +
	"ENDREP\n" +
	"id: 0.0.r0/17\n" +
	"type: dir\n" +
	"count: 0\n" +
	"text: 0 0 4 4 2d2977d1c96f487abe4a1e202dd03b4e\n" +
	"cpath: /\n" +
	"\n17 107\n"

// writeRevisionZero seeds revision 0 and its creation-date property.
func (fs *FS) writeRevisionZero() error {
	if err := os.WriteFile(fs.pathRev(0), []byte(revisionZeroContents), 0644); err != nil {
		return ioWrap(err, "writing revision 0")
	}
	props := map[string]string{
		PropRevisionDate: formatTime(time.Now()),
	}
	if err := os.WriteFile(fs.pathRevprops(0), marshalHash(props), 0644); err != nil {
		return ioWrap(err, "writing revision 0 properties")
	}
	return nil
}

// Close releases the handle's resources.
func (fs *FS) Close() error {
	if fs.repStore != nil {
		err := fs.repStore.Close()
		fs.repStore = nil
		return err
	}
	return nil
}

// Path returns the repository directory.
func (fs *FS) Path() string {
	return fs.path
}

// UUID returns the repository uuid.
func (fs *FS) UUID() string {
	return fs.uuid
}

// FormatNumber returns the on-disk format number.
func (fs *FS) FormatNumber() int {
	return fs.format.Number
}

// Youngest returns the youngest committed revision, re-reading `current`.
func (fs *FS) Youngest() (Revision, error) {
	if err := fs.refreshYoungest(); err != nil {
		return 0, err
	}
	return Revision(fs.youngestVal.Load() - 1), nil
}

// refreshYoungest re-reads the `current` file into the cache.
func (fs *FS) refreshYoungest() error {
	data, err := os.ReadFile(fs.abs(pathCurrent))
	if err != nil {
		return ioWrap(err, "reading current file")
	}
	fields := splitFields(string(data))
	if len(fields) == 0 {
		return corruptf("empty current file")
	}
	n, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || n < 0 {
		return corruptf("malformed current file %q", string(data))
	}
	fs.youngestVal.Store(n + 1)
	return nil
}

// youngestCached returns the cached youngest revision; callers under the
// write lock may trust it.
func (fs *FS) youngestCached() Revision {
	return Revision(fs.youngestVal.Load() - 1)
}

// ensureRevision validates that rev exists.
func (fs *FS) ensureRevision(rev Revision) error {
	if rev < 0 {
		return noSuchRevision(rev)
	}
	if fs.hasWriteLock.Load() {
		if rev > fs.youngestCached() {
			return noSuchRevision(rev)
		}
		return nil
	}
	youngest, err := fs.Youngest()
	if err != nil {
		return err
	}
	if rev > youngest {
		return noSuchRevision(rev)
	}
	return nil
}

// loadMinUnpacked returns the cached min-unpacked-rev, reading it on first
// use. Formats without packing always report 0.
func (fs *FS) loadMinUnpacked() Revision {
	if !fs.format.supportsPacking() {
		return 0
	}
	if v := fs.minUnpackedVal.Load(); v > 0 {
		return Revision(v - 1)
	}
	n, err := readNumberFile(fs.dbPath(pathMinUnpackedRev))
	if err != nil {
		// Treat an unreadable marker as "nothing packed"; reads fall
		// back to per-revision files and re-probe on miss.
		return 0
	}
	fs.minUnpackedVal.Store(n + 1)
	return Revision(n)
}

// refreshMinUnpacked re-reads min-unpacked-rev. Called on write-lock entry.
func (fs *FS) refreshMinUnpacked() error {
	if !fs.format.supportsPacking() {
		return nil
	}
	n, err := readNumberFile(fs.dbPath(pathMinUnpackedRev))
	if os.IsNotExist(err) {
		fs.minUnpackedVal.Store(1)
		return nil
	}
	if err != nil {
		return ioWrap(err, "reading min-unpacked-rev")
	}
	fs.minUnpackedVal.Store(n + 1)
	return nil
}

// invalidateMinUnpacked drops the cached marker so the next check re-reads
// it; used when a revision file disappears underneath a reader.
func (fs *FS) invalidateMinUnpacked() {
	fs.minUnpackedVal.Store(0)
}

// revIsPacked reports whether rev lives in a pack file.
func (fs *FS) revIsPacked(rev Revision) bool {
	return fs.format.supportsPacking() && fs.format.Sharded() &&
		rev < fs.loadMinUnpacked()
}

// minUnpackedRevprops mirrors revision packing: revprops pack in the same
// operation, so the same marker governs both.
func (fs *FS) minUnpackedRevprops() Revision {
	return fs.loadMinUnpacked()
}

// Upgrade brings the repository to the current format in place. Upgrading
// never rewrites revision data and never converts the layout; it creates
// the bookkeeping files newer formats require and bumps the format number.
// A current-format repository is a no-op.
func (fs *FS) Upgrade() error {
	return fs.WithWriteLock(func() error {
		if fs.format.Number == CurrentFormat {
			return nil
		}
		fs.logger.Info().Int("from", fs.format.Number).Int("to", CurrentFormat).
			Msg("upgrading repository format")

		if !fs.format.supportsTxnCurrent() {
			if err := writeFileAtomic(fs.dbPath(pathTxnCurrent), []byte("0\n")); err != nil {
				return err
			}
			if err := os.WriteFile(fs.dbPath(pathTxnCurrentLock), nil, 0644); err != nil {
				return ioWrap(err, "writing txn-current-lock")
			}
			if err := os.MkdirAll(fs.dbPath(pathTxnProtosDir), 0755); err != nil {
				return ioWrap(err, "creating txn-protorevs")
			}
			if _, err := os.Stat(fs.dbPath(pathConfigFile)); os.IsNotExist(err) {
				if err := config.WriteDefault(fs.dbPath(pathConfigFile)); err != nil {
					return ioWrap(err, "writing fsfs.conf")
				}
			}
			if _, err := os.Stat(fs.dbPath(pathNextIDs)); os.IsNotExist(err) {
				next, err := fs.deriveNextIDs()
				if err != nil {
					return err
				}
				if err := writeFileAtomic(fs.dbPath(pathNextIDs), []byte(next)); err != nil {
					return err
				}
			}
		}
		if !fs.format.supportsPacking() {
			if err := writeFileAtomic(fs.dbPath(pathMinUnpackedRev), []byte("0\n")); err != nil {
				return err
			}
		}

		// Old formats stored the id counters on the current file; rewrite
		// it to the bare form along with the format bump.
		if !fs.format.usesBareCurrent() {
			youngest := fs.youngestCached()
			if err := writeFileAtomic(fs.abs(pathCurrent),
				[]byte(fmt.Sprintf("%d\n", youngest))); err != nil {
				return err
			}
		}

		upgraded := &Format{
			Number:         CurrentFormat,
			MaxFilesPerDir: fs.format.MaxFilesPerDir,
		}
		formatBytes := upgraded.Marshal()
		if err := writeFileAtomic(fs.dbPath(pathFormat), formatBytes); err != nil {
			return err
		}
		if err := writeFileAtomic(fs.abs(pathFormat), formatBytes); err != nil {
			return err
		}

		fs.format = upgraded
		fs.revCache.Purge()
		return nil
	})
}

// deriveNextIDs computes the next-ids contents when upgrading a repository
// whose old format kept the counters on the current file.
func (fs *FS) deriveNextIDs() (string, error) {
	data, err := os.ReadFile(fs.abs(pathCurrent))
	if err != nil {
		return "", ioWrap(err, "reading current file")
	}
	fields := splitFields(string(data))
	if len(fields) >= 3 {
		return fields[1] + " " + fields[2] + "\n", nil
	}
	// No recorded counters: scan the youngest root for the highest node
	// id would be expensive; new ids only need to be unique, so restart
	// above a generous ceiling derived from the revision count.
	youngest := fs.youngestCached()
	seed := strconv.FormatUint(uint64(youngest+1)*1000, 36)
	return seed + " " + seed + "\n", nil
}

// Recover re-derives the youngest revision from the revision files present
// and rewrites `current`. Used after a crash that left `current` behind an
// orphan revision file, or after restoring from a partial copy.
func (fs *FS) Recover() error {
	return fs.WithWriteLock(func() error {
		youngest := fs.loadMinUnpacked()
		if youngest > 0 {
			youngest-- // last packed revision certainly exists
		}
		for {
			if _, err := os.Stat(fs.pathRev(youngest + 1)); err != nil {
				break
			}
			youngest++
		}

		// Never move current backwards past a published revision.
		if published := fs.youngestCached(); youngest < published {
			return corruptf("revision files end at r%d but current names r%d",
				youngest, published)
		}

		fs.logger.Info().Int64("youngest", int64(youngest)).Msg("recovered youngest")
		if err := fs.writeCurrent(youngest); err != nil {
			return err
		}
		fs.youngestVal.Store(int64(youngest) + 1)
		return nil
	})
}

// writeCurrent publishes a youngest revision. Caller holds the write lock.
func (fs *FS) writeCurrent(youngest Revision) error {
	var contents string
	if fs.format.usesBareCurrent() {
		contents = fmt.Sprintf("%d\n", youngest)
	} else {
		node, copyID, err := fs.readOldStyleIDs()
		if err != nil {
			return err
		}
		contents = fmt.Sprintf("%d %s %s\n", youngest, node, copyID)
	}
	return writeFileAtomic(fs.abs(pathCurrent), []byte(contents))
}

// readOldStyleIDs reads the id counters that pre-layout formats keep on
// the current file.
func (fs *FS) readOldStyleIDs() (string, string, error) {
	data, err := os.ReadFile(fs.abs(pathCurrent))
	if err != nil {
		return "", "", ioWrap(err, "reading current file")
	}
	fields := splitFields(string(data))
	if len(fields) >= 3 {
		return fields[1], fields[2], nil
	}
	return "1", "1", nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func splitFields(s string) []string {
	return strings.Fields(s)
}

// readFileMaybe reads a file, mapping absence to (nil, nil).
func readFileMaybe(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, ioWrap(err, "reading %s", path)
	}
	return data, nil
}
