package fsfs

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/orneryd/revstore/pkg/svndiff"
)

// Representation is a reference to one stored byte sequence: file text, a
// directory listing, or a property list. The bytes live in a revision file
// (or, before commit, in the transaction's proto-revision file) and may be
// stored literally or as a delta against another representation.
type Representation struct {
	// Location. Committed representations carry Rev/Offset; uncommitted
	// ones carry Txn with the offset pointing into the proto-revision
	// file.
	Rev    Revision
	Offset int64
	Txn    TxnID
	InTxn  bool

	// Size is the on-disk byte length of the encoded stream, between the
	// header line and ENDREP. ExpandedSize is the fulltext length.
	Size         int64
	ExpandedSize int64

	// Fulltext digests. SHA1 is only present on formats that record it.
	MD5     [md5.Size]byte
	SHA1    [20]byte
	HasSHA1 bool

	// Uniquifier distinguishes otherwise-identical in-progress
	// representations of one transaction; see RepKey.
	Uniquifier string

	// hasDigests marks representations parsed from node-revision tuples,
	// whose checksums are verified on read. Bases resolved from DELTA
	// headers have no digests of their own.
	hasDigests bool
}

// RepKey identifies a representation for caching and sharing decisions.
//
// Equality deliberately compares revision, offset, and uniquifier but NOT
// size: two references to the same location are the same representation
// even if one carries a stale size. Do not add size without coordinating a
// format change.
type RepKey struct {
	Rev        Revision
	Offset     int64
	Uniquifier string
}

// Key returns the sharing/caching key of the representation.
func (r *Representation) Key() RepKey {
	return RepKey{Rev: r.Rev, Offset: r.Offset, Uniquifier: r.Uniquifier}
}

// marshalRepTuple renders the representation reference for a node-revision
// header: "<rev> <offset> <size> <expanded-size> <md5>" with SHA-1 and
// uniquifier appended on formats that track them. Uncommitted
// representations serialize their revision as -1.
func marshalRepTuple(rep *Representation) string {
	var b strings.Builder
	if rep.InTxn {
		b.WriteString("-1")
	} else {
		b.WriteString(strconv.FormatInt(int64(rep.Rev), 10))
	}
	fmt.Fprintf(&b, " %d %d %d %s", rep.Offset, rep.Size, rep.ExpandedSize,
		hex.EncodeToString(rep.MD5[:]))
	if rep.HasSHA1 {
		fmt.Fprintf(&b, " %s %s", hex.EncodeToString(rep.SHA1[:]), rep.Uniquifier)
	}
	return b.String()
}

// parseRepTuple reads a representation reference from a node-revision
// header. txn supplies the context for uncommitted references.
func parseRepTuple(s string, txn TxnID) (*Representation, error) {
	fields := strings.Fields(s)
	if len(fields) != 5 && len(fields) != 7 {
		return nil, corruptf("malformed representation tuple %q", s)
	}

	rep := &Representation{hasDigests: true}

	rev, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return nil, corruptf("malformed revision in rep tuple %q", s)
	}
	if rev < 0 {
		rep.InTxn = true
		rep.Txn = txn
	} else {
		rep.Rev = Revision(rev)
	}

	if rep.Offset, err = strconv.ParseInt(fields[1], 10, 64); err != nil {
		return nil, corruptf("malformed offset in rep tuple %q", s)
	}
	if rep.Size, err = strconv.ParseInt(fields[2], 10, 64); err != nil {
		return nil, corruptf("malformed size in rep tuple %q", s)
	}
	if rep.ExpandedSize, err = strconv.ParseInt(fields[3], 10, 64); err != nil {
		return nil, corruptf("malformed expanded size in rep tuple %q", s)
	}

	md5Bytes, err := hex.DecodeString(fields[4])
	if err != nil || len(md5Bytes) != md5.Size {
		return nil, corruptf("malformed md5 in rep tuple %q", s)
	}
	copy(rep.MD5[:], md5Bytes)

	if len(fields) == 7 {
		sha1Bytes, err := hex.DecodeString(fields[5])
		if err != nil || len(sha1Bytes) != 20 {
			return nil, corruptf("malformed sha1 in rep tuple %q", s)
		}
		copy(rep.SHA1[:], sha1Bytes)
		rep.HasSHA1 = true
		rep.Uniquifier = fields[6]
	}
	return rep, nil
}

// repHeader is the decoded first line of an on-disk representation record.
type repHeader struct {
	plain bool

	// Delta base; baseLen == 0 (or a bare "DELTA" line) marks a
	// self-compressed delta with no base.
	baseRev    Revision
	baseOffset int64
	baseLen    int64

	// headerLen is the byte length of the header line itself.
	headerLen int64
}

func parseRepHeader(line string) (*repHeader, error) {
	h := &repHeader{headerLen: int64(len(line) + 1)}
	switch {
	case line == "PLAIN":
		h.plain = true
		return h, nil
	case line == "DELTA":
		return h, nil
	case strings.HasPrefix(line, "DELTA "):
		fields := strings.Fields(line[len("DELTA "):])
		if len(fields) != 3 {
			return nil, corruptf("malformed representation header %q", line)
		}
		rev, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil || rev < 0 {
			return nil, corruptf("malformed base revision in %q", line)
		}
		h.baseRev = Revision(rev)
		if h.baseOffset, err = strconv.ParseInt(fields[1], 10, 64); err != nil {
			return nil, corruptf("malformed base offset in %q", line)
		}
		if h.baseLen, err = strconv.ParseInt(fields[2], 10, 64); err != nil {
			return nil, corruptf("malformed base length in %q", line)
		}
		return h, nil
	default:
		return nil, corruptf("malformed representation header %q", line)
	}
}

// revFileRef is an open handle on the byte range of one revision: the
// revision's own file, or its slice of a pack file.
type revFileRef struct {
	f    *os.File
	base int64 // offset of the revision's first byte within f
	size int64 // byte length of the revision
}

func (r *revFileRef) Close() error {
	return r.f.Close()
}

// sectionAt returns a reader over [off, r.size) of the revision.
func (r *revFileRef) sectionAt(off int64) *io.SectionReader {
	return io.NewSectionReader(r.f, r.base+off, r.size-off)
}

// openRevFile opens the byte range of rev, resolving pack manifests for
// revisions below min-unpacked-rev.
func (fs *FS) openRevFile(rev Revision) (*revFileRef, error) {
	if rev < 0 {
		return nil, noSuchRevision(rev)
	}

	if !fs.revIsPacked(rev) {
		f, err := os.Open(fs.pathRev(rev))
		if os.IsNotExist(err) {
			// The shard may have been packed since we checked.
			fs.invalidateMinUnpacked()
			if fs.revIsPacked(rev) {
				return fs.openPackedRev(rev)
			}
			return nil, noSuchRevision(rev)
		}
		if err != nil {
			return nil, ioWrap(err, "opening revision file for r%d", rev)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, ioWrap(err, "stat revision file for r%d", rev)
		}
		return &revFileRef{f: f, size: info.Size()}, nil
	}
	return fs.openPackedRev(rev)
}

// openPackedRev opens rev's slice of its shard's pack file.
func (fs *FS) openPackedRev(rev Revision) (*revFileRef, error) {
	manifest, err := fs.packManifest(rev)
	if err != nil {
		return nil, err
	}

	idx := int(int64(rev) % fs.format.MaxFilesPerDir)
	if idx >= len(manifest) {
		return nil, corruptf("manifest for r%d has only %d entries", rev, len(manifest))
	}

	f, err := os.Open(fs.pathRevPacked(rev))
	if err != nil {
		return nil, ioWrap(err, "opening pack file for r%d", rev)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ioWrap(err, "stat pack file for r%d", rev)
	}

	start := manifest[idx]
	end := info.Size()
	if idx+1 < len(manifest) {
		end = manifest[idx+1]
	}
	if start > end || end > info.Size() {
		f.Close()
		return nil, corruptf("manifest offsets for r%d out of order", rev)
	}
	return &revFileRef{f: f, base: start, size: end - start}, nil
}

// packManifest loads (with caching) the offsets of rev's shard manifest.
func (fs *FS) packManifest(rev Revision) ([]int64, error) {
	shard := fs.shardOf(rev)
	key := fmt.Sprintf("mf:%d", shard)
	if v, ok := fs.revCache.Get(key); ok {
		return v.([]int64), nil
	}

	data, err := os.ReadFile(fs.pathRevManifest(rev))
	if err != nil {
		return nil, ioWrap(err, "reading pack manifest for shard %d", shard)
	}

	var offsets []int64
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		n, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return nil, corruptf("malformed manifest line %q in shard %d", line, shard)
		}
		offsets = append(offsets, n)
	}

	fs.revCache.Put(key, int64(rev), offsets)
	return offsets, nil
}

// repFulltext assembles the fulltext of a representation, walking its
// delta chain down to a PLAIN or self-compressed base.
func (fs *FS) repFulltext(rep *Representation) ([]byte, error) {
	var key string
	if !rep.InTxn {
		key = fmt.Sprintf("ft:%d:%d", rep.Rev, rep.Offset)
		if v, ok := fs.revCache.Get(key); ok {
			return v.([]byte), nil
		}
	}

	text, err := fs.assembleFulltext(rep, 0)
	if err != nil {
		return nil, err
	}

	if rep.hasDigests {
		if int64(len(text)) != rep.ExpandedSize {
			return nil, corruptf("representation at r%d/%d expanded to %d bytes, want %d",
				rep.Rev, rep.Offset, len(text), rep.ExpandedSize)
		}
		if sum := md5.Sum(text); sum != rep.MD5 {
			return nil, corruptf("checksum mismatch on representation at r%d/%d",
				rep.Rev, rep.Offset)
		}
	}

	if key != "" {
		fs.revCache.Put(key, int64(rep.Rev), text)
	}
	return text, nil
}

// maxDeltaChain bounds delta recursion; a deeper chain indicates a cycle
// or corrupted base references.
const maxDeltaChain = 2048

// assembleFulltext resolves one link of the delta chain.
func (fs *FS) assembleFulltext(rep *Representation, depth int) ([]byte, error) {
	if depth > maxDeltaChain {
		return nil, corruptf("delta chain deeper than %d at r%d/%d",
			maxDeltaChain, rep.Rev, rep.Offset)
	}

	header, data, err := fs.readRepRecord(rep)
	if err != nil {
		return nil, err
	}

	if header.plain {
		return data, nil
	}

	var base []byte
	if header.baseLen > 0 {
		baseRep := &Representation{
			Rev:    header.baseRev,
			Offset: header.baseOffset,
			Size:   header.baseLen,
		}
		if base, err = fs.assembleFulltext(baseRep, depth+1); err != nil {
			return nil, err
		}
	}

	text, err := svndiff.Apply(base, bytes.NewReader(data))
	if err != nil {
		return nil, corruptf("applying delta at r%d/%d: %v", rep.Rev, rep.Offset, err)
	}
	return text, nil
}

// readRepRecord reads a representation record's header and encoded bytes,
// and checks the ENDREP trailer.
func (fs *FS) readRepRecord(rep *Representation) (*repHeader, []byte, error) {
	var section *io.SectionReader
	if rep.InTxn {
		f, err := os.Open(fs.pathProtoRev(rep.Txn))
		if err != nil {
			return nil, nil, ioWrap(err, "opening proto-revision file for txn %s", rep.Txn)
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return nil, nil, ioWrap(err, "stat proto-revision file for txn %s", rep.Txn)
		}
		section = io.NewSectionReader(f, rep.Offset, info.Size()-rep.Offset)
	} else {
		ref, err := fs.openRevFile(rep.Rev)
		if err != nil {
			return nil, nil, err
		}
		defer ref.Close()
		section = ref.sectionAt(rep.Offset)
	}

	br := bufio.NewReader(section)
	line, err := br.ReadString('\n')
	if err != nil {
		return nil, nil, corruptf("truncated representation at r%d/%d", rep.Rev, rep.Offset)
	}
	header, err := parseRepHeader(strings.TrimSuffix(line, "\n"))
	if err != nil {
		return nil, nil, err
	}

	// rep.Size from a tuple is authoritative; bases resolved from DELTA
	// headers carry the base length the header declared.
	data := make([]byte, rep.Size)
	if _, err := io.ReadFull(br, data); err != nil {
		return nil, nil, corruptf("truncated representation data at r%d/%d", rep.Rev, rep.Offset)
	}

	trailer := make([]byte, len(repTrailer))
	if _, err := io.ReadFull(br, trailer); err != nil || string(trailer) != repTrailer {
		return nil, nil, corruptf("representation at r%d/%d is not terminated by ENDREP",
			rep.Rev, rep.Offset)
	}
	return header, data, nil
}

// repTrailer terminates every representation record.
const repTrailer = "ENDREP\n"

// repExists is the cheap integrity check used before trusting a
// rep-sharing entry: the record must be present and carry a well-formed
// header and trailer.
func (fs *FS) repExists(rep *Representation) bool {
	_, _, err := fs.readRepRecord(rep)
	return err == nil
}
