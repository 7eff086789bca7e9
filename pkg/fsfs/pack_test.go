package fsfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPack_Shard(t *testing.T) {
	fs := createTestRepo(t, &Options{MaxFilesPerDir: 4})

	// Eight trivial commits: revisions 1..8, shard 0 holds 0..3.
	for i := 1; i <= 8; i++ {
		commitFile(t, fs, fmt.Sprintf("/f%d", i), fmt.Sprintf("contents %d\n", i),
			"alice", fmt.Sprintf("commit %d", i))
	}

	// Snapshot the trees of shard 0 before packing.
	type snapshot struct {
		entries []DirEntry
		props   map[string]string
	}
	before := make(map[Revision]snapshot)
	for rev := Revision(0); rev <= 3; rev++ {
		root, err := fs.RevisionRoot(rev)
		require.NoError(t, err)
		entries, err := root.ReadDir("/")
		require.NoError(t, err)
		props, err := fs.RevisionProplist(rev)
		require.NoError(t, err)
		before[rev] = snapshot{entries: entries, props: props}
	}

	packed, err := fs.Pack(nil)
	require.NoError(t, err)
	require.True(t, packed)

	t.Run("pack_file_and_manifest_exist", func(t *testing.T) {
		packDir := filepath.Join(fs.Path(), "db", "revs", "0.pack")
		_, err := os.Stat(filepath.Join(packDir, "pack"))
		assert.NoError(t, err)

		data, err := os.ReadFile(filepath.Join(packDir, "manifest"))
		require.NoError(t, err)
		lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
		require.Len(t, lines, 4)

		prev := int64(-1)
		for _, line := range lines {
			off, err := strconv.ParseInt(line, 10, 64)
			require.NoError(t, err)
			assert.Greater(t, off, prev, "offsets must increase")
			prev = off
		}
	})

	t.Run("per_revision_files_removed", func(t *testing.T) {
		for rev := 0; rev <= 3; rev++ {
			_, err := os.Stat(filepath.Join(fs.Path(), "db", "revs", "0", strconv.Itoa(rev)))
			assert.True(t, os.IsNotExist(err), "revs/0/%d should be gone", rev)
		}
	})

	t.Run("min_unpacked_rev_advanced", func(t *testing.T) {
		data, err := os.ReadFile(filepath.Join(fs.Path(), "db", "min-unpacked-rev"))
		require.NoError(t, err)
		assert.Equal(t, "4\n", string(data))
	})

	t.Run("packed_revisions_read_identically", func(t *testing.T) {
		for rev := Revision(0); rev <= 3; rev++ {
			root, err := fs.RevisionRoot(rev)
			require.NoError(t, err, "r%d", rev)
			entries, err := root.ReadDir("/")
			require.NoError(t, err, "r%d", rev)
			assert.Equal(t, before[rev].entries, entries, "r%d", rev)

			props, err := fs.RevisionProplist(rev)
			require.NoError(t, err, "r%d", rev)
			assert.Equal(t, before[rev].props, props, "r%d", rev)
		}

		root, err := fs.RevisionRoot(3)
		require.NoError(t, err)
		text, err := root.ReadFile("/f2")
		require.NoError(t, err)
		assert.Equal(t, "contents 2\n", string(text))
	})

	t.Run("unpacked_revisions_unaffected", func(t *testing.T) {
		root, err := fs.RevisionRoot(8)
		require.NoError(t, err)
		text, err := root.ReadFile("/f8")
		require.NoError(t, err)
		assert.Equal(t, "contents 8\n", string(text))
	})
}

func TestPack_SecondCallPacksNextShard(t *testing.T) {
	fs := createTestRepo(t, &Options{MaxFilesPerDir: 4})
	for i := 1; i <= 8; i++ {
		commitFile(t, fs, "/f", fmt.Sprintf("v%d\n", i), "alice", "msg")
	}

	packed, err := fs.Pack(nil)
	require.NoError(t, err)
	require.True(t, packed)

	packed, err = fs.Pack(nil)
	require.NoError(t, err)
	assert.True(t, packed, "shard 1 (revisions 4..7) is also complete")

	data, err := os.ReadFile(filepath.Join(fs.Path(), "db", "min-unpacked-rev"))
	require.NoError(t, err)
	assert.Equal(t, "8\n", string(data))

	t.Run("no_complete_shard_left", func(t *testing.T) {
		packed, err := fs.Pack(nil)
		require.NoError(t, err)
		assert.False(t, packed, "shard 2 still holds the youngest revision")
	})

	t.Run("history_reads_through_both_packs", func(t *testing.T) {
		for rev := Revision(1); rev <= 8; rev++ {
			root, err := fs.RevisionRoot(rev)
			require.NoError(t, err)
			text, err := root.ReadFile("/f")
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("v%d\n", rev), string(text), "r%d", rev)
		}
	})
}

func TestPack_Idempotence(t *testing.T) {
	fs := createTestRepo(t, &Options{MaxFilesPerDir: 2})
	for i := 1; i <= 2; i++ {
		commitFile(t, fs, "/f", fmt.Sprintf("v%d\n", i), "alice", "msg")
	}

	require.NoError(t, fs.PackAll(nil))

	// Already-packed shards stay untouched by another run.
	mtimeBefore := packMtime(t, fs, 0)
	require.NoError(t, fs.PackAll(nil))
	assert.Equal(t, mtimeBefore, packMtime(t, fs, 0))
}

func packMtime(t *testing.T, fs *FS, shard int) int64 {
	t.Helper()
	info, err := os.Stat(filepath.Join(fs.Path(), "db", "revs",
		fmt.Sprintf("%d.pack", shard), "pack"))
	require.NoError(t, err)
	return info.ModTime().UnixNano()
}

func TestPack_Canceled(t *testing.T) {
	fs := createTestRepo(t, &Options{MaxFilesPerDir: 2})
	for i := 1; i <= 4; i++ {
		commitFile(t, fs, "/f", fmt.Sprintf("v%d\n", i), "alice", "msg")
	}

	_, err := fs.Pack(func() bool { return true })
	require.True(t, IsKind(err, KindCanceled), "got %v", err)

	t.Run("partial_pack_is_restartable", func(t *testing.T) {
		packed, err := fs.Pack(nil)
		require.NoError(t, err)
		assert.True(t, packed)

		root, err := fs.RevisionRoot(1)
		require.NoError(t, err)
		text, err := root.ReadFile("/f")
		require.NoError(t, err)
		assert.Equal(t, "v1\n", string(text))
	})
}

func TestPack_LinearLayoutRefused(t *testing.T) {
	fs := createTestRepo(t, &Options{MaxFilesPerDir: -1})
	_, err := fs.Pack(nil)
	assert.True(t, IsKind(err, KindUnsupportedFormat), "got %v", err)
}
