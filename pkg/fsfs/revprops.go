package fsfs

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zlib"
)

// Reserved revision property names. Revision properties are the one
// mutable artifact of a committed revision.
const (
	PropRevisionAuthor = "svn:author"
	PropRevisionDate   = "svn:date"
	PropRevisionLog    = "svn:log"
)

// PropMergeinfo is the node property whose presence the engine counts.
const PropMergeinfo = "svn:mergeinfo"

// timeFormat is the on-disk timestamp layout: RFC3339 UTC with fixed
// microsecond precision.
const timeFormat = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// RevisionProplist returns the properties of rev. The returned map is the
// caller's to mutate.
func (fs *FS) RevisionProplist(rev Revision) (map[string]string, error) {
	if err := fs.ensureRevision(rev); err != nil {
		return nil, err
	}

	if fs.revpropsArePacked(rev) {
		props, err := fs.readPackedRevprops(rev)
		if err == nil {
			return props, nil
		}
		// A shard packed before the repository learned revprop packing
		// (e.g. under format 5) keeps per-revision property files.
		if _, statErr := os.Stat(fs.pathRevprops(rev)); statErr != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(fs.pathRevprops(rev))
	if os.IsNotExist(err) {
		// Racing a revprop pack: re-check before giving up.
		if fs.revpropsArePacked(rev) {
			return fs.readPackedRevprops(rev)
		}
		return nil, noSuchRevision(rev)
	}
	if err != nil {
		return nil, ioWrap(err, "reading revision properties for r%d", rev)
	}
	return parseHashBytes(data)
}

// RevisionProp returns one property of rev, or "" when unset.
func (fs *FS) RevisionProp(rev Revision, name string) (string, error) {
	props, err := fs.RevisionProplist(rev)
	if err != nil {
		return "", err
	}
	return props[name], nil
}

// SetRevisionProp changes one revision property in place. nil value
// deletes the property. Writers of the same revision's properties are
// linearized by the write lock.
func (fs *FS) SetRevisionProp(rev Revision, name string, value *string) error {
	return fs.WithWriteLock(func() error {
		props, err := fs.RevisionProplist(rev)
		if err != nil {
			return err
		}
		if value == nil {
			delete(props, name)
		} else {
			props[name] = *value
		}
		return fs.writeRevisionProps(rev, props)
	})
}

// writeRevisionProps persists a revision's property list. Caller holds the
// write lock (or is the commit path, which does).
func (fs *FS) writeRevisionProps(rev Revision, props map[string]string) error {
	if fs.revpropsArePacked(rev) {
		if _, err := os.Stat(fs.pathRevpropsManifest(rev)); err == nil {
			return fs.rewritePackedRevprops(rev, props)
		}
		// Shard packed before revprop packing existed; fall through.
	}
	return writeFileAtomic(fs.pathRevprops(rev), marshalHash(props))
}

// revpropsArePacked reports whether rev's properties live in a pack chunk.
func (fs *FS) revpropsArePacked(rev Revision) bool {
	if !fs.format.supportsPackedProps() || !fs.format.Sharded() {
		return false
	}
	return rev < fs.minUnpackedRevprops()
}

// Packed revprop storage. A packed shard directory holds a manifest naming,
// for each revision in shard order, the chunk file carrying it. A chunk is
// named after its first revision and contains a count line, one size line
// per revision, then the concatenated property hashes. When
// compress-packed-revprops is set, the whole chunk is zlib-compressed.

// readPackedRevprops loads rev's properties from its chunk.
func (fs *FS) readPackedRevprops(rev Revision) (map[string]string, error) {
	chunkFirst, err := fs.revpropChunkFor(rev)
	if err != nil {
		return nil, err
	}
	_, payloads, err := fs.readRevpropChunk(rev, chunkFirst)
	if err != nil {
		return nil, err
	}

	idx := int(rev - chunkFirst)
	if idx < 0 || idx >= len(payloads) {
		return nil, corruptf("revprop chunk %d does not contain r%d", chunkFirst, rev)
	}
	return parseHashBytes(payloads[idx])
}

// revpropChunkFor resolves the chunk (by first revision) holding rev.
func (fs *FS) revpropChunkFor(rev Revision) (Revision, error) {
	data, err := os.ReadFile(fs.pathRevpropsManifest(rev))
	if err != nil {
		return 0, ioWrap(err, "reading revprop manifest for r%d", rev)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")

	shardStart := Revision(fs.shardOf(rev) * fs.format.MaxFilesPerDir)
	idx := int(rev - shardStart)
	if idx < 0 || idx >= len(lines) {
		return 0, corruptf("revprop manifest for shard %d lacks r%d", fs.shardOf(rev), rev)
	}
	first, err := strconv.ParseInt(lines[idx], 10, 64)
	if err != nil {
		return 0, corruptf("malformed revprop manifest line %q", lines[idx])
	}
	return Revision(first), nil
}

// readRevpropChunk reads and decodes the chunk starting at chunkFirst in
// rev's shard, returning the per-revision serialized hashes.
func (fs *FS) readRevpropChunk(rev Revision, chunkFirst Revision) (compressed bool, payloads [][]byte, err error) {
	path := fs.pathRevpropChunk(rev, chunkFirst)
	raw, err := os.ReadFile(path)
	if err != nil {
		return false, nil, ioWrap(err, "reading revprop chunk %s", path)
	}

	data := raw
	if fs.cfg.CompressPackedRevprops {
		zr, zerr := zlib.NewReader(bytes.NewReader(raw))
		if zerr == nil {
			var buf bytes.Buffer
			if _, cerr := io.Copy(&buf, zr); cerr == nil {
				data = buf.Bytes()
				compressed = true
			}
			zr.Close()
		}
	}

	lines := bytes.SplitN(data, []byte{'\n'}, 2)
	if len(lines) != 2 {
		return compressed, nil, corruptf("truncated revprop chunk %s", path)
	}
	count, err := strconv.Atoi(string(lines[0]))
	if err != nil || count <= 0 {
		return compressed, nil, corruptf("malformed revprop chunk count in %s", path)
	}

	rest := lines[1]
	sizes := make([]int, count)
	for i := 0; i < count; i++ {
		nl := bytes.IndexByte(rest, '\n')
		if nl < 0 {
			return compressed, nil, corruptf("truncated revprop chunk sizes in %s", path)
		}
		sizes[i], err = strconv.Atoi(string(rest[:nl]))
		if err != nil || sizes[i] < 0 {
			return compressed, nil, corruptf("malformed revprop size in %s", path)
		}
		rest = rest[nl+1:]
	}

	payloads = make([][]byte, count)
	for i, size := range sizes {
		if len(rest) < size {
			return compressed, nil, corruptf("revprop chunk %s shorter than its index", path)
		}
		payloads[i] = rest[:size]
		rest = rest[size:]
	}
	return compressed, payloads, nil
}

// pathRevpropChunk is the chunk file named by its first revision.
func (fs *FS) pathRevpropChunk(rev Revision, chunkFirst Revision) string {
	return filepath.Join(fs.pathRevpropsPackDir(rev),
		strconv.FormatInt(int64(chunkFirst), 10))
}

// rewritePackedRevprops replaces one revision's properties inside its
// chunk. The chunk stays in place even if the new payload pushes it past
// the pack-size budget; re-chunking only happens on the next pack.
func (fs *FS) rewritePackedRevprops(rev Revision, props map[string]string) error {
	chunkFirst, err := fs.revpropChunkFor(rev)
	if err != nil {
		return err
	}
	_, payloads, err := fs.readRevpropChunk(rev, chunkFirst)
	if err != nil {
		return err
	}

	idx := int(rev - chunkFirst)
	if idx < 0 || idx >= len(payloads) {
		return corruptf("revprop chunk %d does not contain r%d", chunkFirst, rev)
	}
	payloads[idx] = marshalHash(props)

	return fs.writeRevpropChunk(fs.pathRevpropChunk(rev, chunkFirst), payloads)
}

// writeRevpropChunk encodes and atomically writes a chunk file.
func (fs *FS) writeRevpropChunk(path string, payloads [][]byte) error {
	var body bytes.Buffer
	fmt.Fprintf(&body, "%d\n", len(payloads))
	for _, p := range payloads {
		fmt.Fprintf(&body, "%d\n", len(p))
	}
	for _, p := range payloads {
		body.Write(p)
	}

	data := body.Bytes()
	if fs.cfg.CompressPackedRevprops {
		var compressed bytes.Buffer
		zw := zlib.NewWriter(&compressed)
		if _, err := zw.Write(data); err != nil {
			return ioWrap(err, "compressing revprop chunk %s", path)
		}
		if err := zw.Close(); err != nil {
			return ioWrap(err, "compressing revprop chunk %s", path)
		}
		data = compressed.Bytes()
	}
	return writeFileAtomic(path, data)
}
