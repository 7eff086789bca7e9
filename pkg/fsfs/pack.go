package fsfs

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/orneryd/revstore/pkg/metrics"
)

// Pack consolidates the oldest unpacked shard that lies wholly below the
// youngest revision into a single pack
// file plus a manifest, packs its revision properties on formats that
// support it, advances min-unpacked-rev, and removes the per-revision
// files. One target shard per call; calling again packs the next shard.
// Returns (false, nil) when no shard is ready.
//
// cancel, when non-nil, is polled between revisions; a true return aborts
// with CANCELED, leaving a partial pack directory that the next run
// detects and restarts.
func (fs *FS) Pack(cancel func() bool) (packed bool, err error) {
	if !fs.format.supportsPacking() {
		return false, newErrorf(KindUnsupportedFormat,
			"repository format %d does not support packing", fs.format.Number)
	}
	if !fs.format.Sharded() {
		return false, newErrorf(KindUnsupportedFormat,
			"cannot pack a repository with linear layout")
	}

	start := time.Now()
	err = fs.WithWriteLock(func() error {
		maxFiles := fs.format.MaxFilesPerDir
		youngest := fs.youngestCached()
		minUnpacked := fs.loadMinUnpacked()

		shard := int64(minUnpacked) / maxFiles
		shardEnd := (shard + 1) * maxFiles // first revision after the shard
		if Revision(shardEnd) > youngest {
			return nil // the shard reaches the youngest revision or beyond
		}

		packed = true
		return fs.packShard(shard, cancel)
	})
	if err != nil {
		return false, err
	}
	if packed {
		metrics.PackDuration.Observe(time.Since(start).Seconds())
	}
	return packed, nil
}

// PackAll packs every complete shard, oldest first.
func (fs *FS) PackAll(cancel func() bool) error {
	for {
		packed, err := fs.Pack(cancel)
		if err != nil {
			return err
		}
		if !packed {
			return nil
		}
	}
}

// packShard consolidates one shard. Caller holds the write lock.
func (fs *FS) packShard(shard int64, cancel func() bool) error {
	maxFiles := fs.format.MaxFilesPerDir
	first := Revision(shard * maxFiles)
	last := Revision((shard+1)*maxFiles - 1)

	fs.logger.Info().Int64("shard", shard).
		Int64("first", int64(first)).Int64("last", int64(last)).
		Msg("packing shard")

	// A pack directory left behind by an interrupted run is incomplete
	// (min-unpacked-rev was not bumped); remove it and start over.
	packDir := fs.pathRevPackDir(first)
	if _, err := os.Stat(packDir); err == nil {
		if err := os.RemoveAll(packDir); err != nil {
			return ioWrap(err, "removing partial pack directory %s", packDir)
		}
	}
	if err := os.MkdirAll(packDir, 0755); err != nil {
		return ioWrap(err, "creating pack directory %s", packDir)
	}

	packFile, err := os.OpenFile(fs.pathRevPacked(first),
		os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return ioWrap(err, "creating pack file")
	}
	defer packFile.Close()

	var manifest []byte
	offset := int64(0)
	for rev := first; rev <= last; rev++ {
		if cancel != nil && cancel() {
			return newErrorf(KindCanceled, "pack canceled at r%d", rev)
		}

		manifest = append(manifest,
			[]byte(strconv.FormatInt(offset, 10)+"\n")...)

		src, err := os.Open(fs.pathRev(rev))
		if err != nil {
			return ioWrap(err, "opening revision file for r%d", rev)
		}
		n, err := io.Copy(packFile, src)
		src.Close()
		if err != nil {
			return ioWrap(err, "packing r%d", rev)
		}
		offset += n
	}

	if err := packFile.Sync(); err != nil {
		return ioWrap(err, "syncing pack file")
	}
	if err := writeFileAtomic(fs.pathRevManifest(first), manifest); err != nil {
		return err
	}
	if err := syncDir(packDir); err != nil {
		return err
	}

	if fs.format.supportsPackedProps() {
		if err := fs.packRevprops(first, last, cancel); err != nil {
			return err
		}
	}

	// The bump makes the pack authoritative; the per-revision files are
	// garbage from here on.
	next := int64(last) + 1
	if err := writeFileAtomic(fs.dbPath(pathMinUnpackedRev),
		[]byte(fmt.Sprintf("%d\n", next))); err != nil {
		return err
	}
	fs.minUnpackedVal.Store(next + 1)

	// Packing rewrote file offsets; drop everything cached for the shard.
	fs.revCache.InvalidateRevisions(int64(first), int64(last))

	if err := os.RemoveAll(fs.pathRevShard(first)); err != nil {
		return ioWrap(err, "removing packed shard directory")
	}
	if fs.format.supportsPackedProps() {
		if err := os.RemoveAll(fs.pathRevpropsShard(first)); err != nil {
			return ioWrap(err, "removing packed revprops directory")
		}
	}

	metrics.RevisionsPackedTotal.Add(float64(last - first + 1))
	return nil
}

// packRevprops packs the shard's revision properties into size-bounded
// chunks. The manifest carries, per revision, the first revision of the
// chunk holding it; chunk files are named after that revision.
func (fs *FS) packRevprops(first, last Revision, cancel func() bool) error {
	packDir := fs.pathRevpropsPackDir(first)
	if _, err := os.Stat(packDir); err == nil {
		if err := os.RemoveAll(packDir); err != nil {
			return ioWrap(err, "removing partial revprop pack directory")
		}
	}
	if err := os.MkdirAll(packDir, 0755); err != nil {
		return ioWrap(err, "creating revprop pack directory")
	}

	budget := fs.cfg.EffectiveRevpropPackSize()

	var manifest []byte
	chunkFirst := first
	var chunk [][]byte
	chunkSize := int64(0)

	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		if err := fs.writeRevpropChunk(
			fs.pathRevpropChunk(first, chunkFirst), chunk); err != nil {
			return err
		}
		chunk = nil
		chunkSize = 0
		return nil
	}

	for rev := first; rev <= last; rev++ {
		if cancel != nil && cancel() {
			return newErrorf(KindCanceled, "revprop pack canceled at r%d", rev)
		}

		data, err := os.ReadFile(fs.pathRevprops(rev))
		if err != nil {
			return ioWrap(err, "reading revision properties for r%d", rev)
		}

		if len(chunk) > 0 && chunkSize+int64(len(data)) > budget {
			if err := flush(); err != nil {
				return err
			}
			chunkFirst = rev
		}
		chunk = append(chunk, data)
		chunkSize += int64(len(data))

		manifest = append(manifest,
			[]byte(strconv.FormatInt(int64(chunkFirst), 10)+"\n")...)
	}
	if err := flush(); err != nil {
		return err
	}

	if err := writeFileAtomic(fs.pathRevpropsManifest(first), manifest); err != nil {
		return err
	}
	return syncDir(packDir)
}
