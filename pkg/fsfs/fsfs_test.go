package fsfs

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestRepo(t *testing.T, opts *Options) *FS {
	t.Helper()
	fs, err := Create(t.TempDir(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })
	return fs
}

// commitFile runs one whole-file commit: begin, add or replace contents,
// commit. Returns the new revision.
func commitFile(t *testing.T, fs *FS, p, contents, author, logMsg string) Revision {
	t.Helper()

	txn, err := fs.BeginTxn(mustYoungest(t, fs))
	require.NoError(t, err)

	if kind, err := mustRoot(t, fs).CheckPath(p); err == nil && kind == 0 {
		require.NoError(t, txn.MakeFile(p))
	}
	require.NoError(t, txn.SetFileContents(p, strings.NewReader(contents)))
	require.NoError(t, txn.SetRevProp(PropRevisionAuthor, author))
	require.NoError(t, txn.SetRevProp(PropRevisionLog, logMsg))

	rev, err := txn.Commit()
	require.NoError(t, err)
	return rev
}

func mustYoungest(t *testing.T, fs *FS) Revision {
	t.Helper()
	youngest, err := fs.Youngest()
	require.NoError(t, err)
	return youngest
}

func mustRoot(t *testing.T, fs *FS) *Root {
	t.Helper()
	root, err := fs.RevisionRoot(mustYoungest(t, fs))
	require.NoError(t, err)
	return root
}

func TestCreate_EmptyRepo(t *testing.T) {
	fs := createTestRepo(t, nil)

	t.Run("format_file_contents", func(t *testing.T) {
		data, err := os.ReadFile(filepath.Join(fs.Path(), "format"))
		require.NoError(t, err)
		assert.Equal(t, "6\nlayout sharded 1000\n", string(data))
	})

	t.Run("current_names_revision_zero", func(t *testing.T) {
		data, err := os.ReadFile(filepath.Join(fs.Path(), "current"))
		require.NoError(t, err)
		assert.Equal(t, "0\n", string(data))
	})

	t.Run("revision_zero_is_byte_exact", func(t *testing.T) {
		data, err := os.ReadFile(fs.pathRev(0))
		require.NoError(t, err)

		want := "PLAIN\n" +
			"END\n" +
			"ENDREP\n" +
			"id: 0.0.r0/17\n" +
			"type: dir\n" +
			"count: 0\n" +
			"text: 0 0 4 4 2d2977d1c96f487abe4a1e202dd03b4e\n" +
			"cpath: /\n" +
			"\n17 107\n"
		assert.Equal(t, want, string(data))
		assert.Len(t, data, 114)
		assert.Equal(t, 107, strings.Index(string(data), "17 107"),
			"the footer line starts at the declared changed-paths offset")
	})

	t.Run("root_of_revision_zero_is_empty", func(t *testing.T) {
		root, err := fs.RevisionRoot(0)
		require.NoError(t, err)
		entries, err := root.ReadDir("/")
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("creation_date_is_rfc3339", func(t *testing.T) {
		date, err := fs.RevisionProp(0, PropRevisionDate)
		require.NoError(t, err)
		_, err = time.Parse(time.RFC3339, date)
		assert.NoError(t, err, "svn:date %q", date)
	})

	t.Run("uuid_present", func(t *testing.T) {
		assert.NotEmpty(t, fs.UUID())
		data, err := os.ReadFile(filepath.Join(fs.Path(), "uuid"))
		require.NoError(t, err)
		assert.Equal(t, fs.UUID()+"\n", string(data))
	})

	t.Run("create_refuses_nonempty_directory", func(t *testing.T) {
		_, err := Create(fs.Path(), nil)
		assert.True(t, IsKind(err, KindAlreadyExists))
	})
}

func TestCommit_FirstRevision(t *testing.T) {
	fs := createTestRepo(t, nil)

	txn, err := fs.BeginTxn(0)
	require.NoError(t, err)
	require.NoError(t, txn.MakeFile("/a.txt"))
	require.NoError(t, txn.SetFileContents("/a.txt", strings.NewReader("hello\n")))
	require.NoError(t, txn.SetRevProp(PropRevisionAuthor, "alice"))
	require.NoError(t, txn.SetRevProp(PropRevisionLog, "initial"))

	rev, err := txn.Commit()
	require.NoError(t, err)
	assert.Equal(t, Revision(1), rev)

	t.Run("current_advanced", func(t *testing.T) {
		data, err := os.ReadFile(filepath.Join(fs.Path(), "current"))
		require.NoError(t, err)
		assert.Equal(t, "1\n", string(data))
	})

	t.Run("file_readable", func(t *testing.T) {
		root, err := fs.RevisionRoot(1)
		require.NoError(t, err)
		text, err := root.ReadFile("/a.txt")
		require.NoError(t, err)
		assert.Equal(t, []byte("hello\n"), text)

		length, err := root.FileLength("/a.txt")
		require.NoError(t, err)
		assert.Equal(t, int64(6), length)
	})

	t.Run("revision_properties", func(t *testing.T) {
		author, err := fs.RevisionProp(1, PropRevisionAuthor)
		require.NoError(t, err)
		assert.Equal(t, "alice", author)

		logMsg, err := fs.RevisionProp(1, PropRevisionLog)
		require.NoError(t, err)
		assert.Equal(t, "initial", logMsg)

		date, err := fs.RevisionProp(1, PropRevisionDate)
		require.NoError(t, err)
		_, err = time.Parse(time.RFC3339, date)
		assert.NoError(t, err)
	})

	t.Run("revision_file_framing_is_exact", func(t *testing.T) {
		data, err := os.ReadFile(fs.pathRev(1))
		require.NoError(t, err)

		ref, err := fs.openRevFile(1)
		require.NoError(t, err)
		defer ref.Close()
		rootOff, changedOff, footerStart, err := readRevFooter(ref)
		require.NoError(t, err)

		assert.Equal(t, fmt.Sprintf("%d %d\n", rootOff, changedOff),
			string(data[footerStart:]),
			"the footer line is the very last bytes of the file")

		changes, err := fs.ChangedPaths(1)
		require.NoError(t, err)
		var section bytes.Buffer
		for _, c := range changes {
			section.Write(marshalChange(c))
		}
		assert.Equal(t, section.String(), string(data[changedOff:footerStart]),
			"the changed-paths section runs exactly up to the footer line, with no extra blank line")
	})

	t.Run("changed_paths_recorded", func(t *testing.T) {
		changes, err := fs.ChangedPaths(1)
		require.NoError(t, err)
		require.Len(t, changes, 1)
		assert.Equal(t, "/a.txt", changes[0].Path)
		assert.Equal(t, ChangeAdd, changes[0].Kind)
		assert.True(t, changes[0].TextMod)
	})

	t.Run("older_tree_unchanged", func(t *testing.T) {
		root, err := fs.RevisionRoot(0)
		require.NoError(t, err)
		_, err = root.Stat("/a.txt")
		assert.True(t, IsKind(err, KindNotFound))
	})

	t.Run("transaction_cleaned_up", func(t *testing.T) {
		_, err := fs.OpenTxn(txn.ID())
		assert.True(t, IsKind(err, KindNotFound))
	})
}

func TestCommit_Conflict(t *testing.T) {
	fs := createTestRepo(t, nil)
	commitFile(t, fs, "/a.txt", "v1\n", "alice", "initial")

	// Two transactions against the same base, both touching /a.txt.
	t1, err := fs.BeginTxn(1)
	require.NoError(t, err)
	t2, err := fs.BeginTxn(1)
	require.NoError(t, err)

	require.NoError(t, t1.SetFileContents("/a.txt", strings.NewReader("from t1\n")))
	require.NoError(t, t2.SetFileContents("/a.txt", strings.NewReader("from t2\n")))

	rev, err := t1.Commit()
	require.NoError(t, err)
	assert.Equal(t, Revision(2), rev)

	_, err = t2.Commit()
	require.True(t, IsKind(err, KindConflict), "got %v", err)

	t.Run("youngest_still_names_the_winner", func(t *testing.T) {
		assert.Equal(t, Revision(2), mustYoungest(t, fs))
		root, err := fs.RevisionRoot(2)
		require.NoError(t, err)
		text, err := root.ReadFile("/a.txt")
		require.NoError(t, err)
		assert.Equal(t, "from t1\n", string(text))
	})

	t.Run("loser_remains_abortable", func(t *testing.T) {
		reopened, err := fs.OpenTxn(t2.ID())
		require.NoError(t, err)
		assert.NoError(t, reopened.Abort())
	})

	t.Run("disjoint_paths_do_not_conflict", func(t *testing.T) {
		t3, err := fs.BeginTxn(1)
		require.NoError(t, err)
		require.NoError(t, t3.MakeFile("/other.txt"))
		require.NoError(t, t3.SetFileContents("/other.txt", strings.NewReader("x")))
		rev, err := t3.Commit()
		require.NoError(t, err)
		assert.Equal(t, Revision(3), rev)
	})
}

func TestRepSharing_Dedup(t *testing.T) {
	fs := createTestRepo(t, nil)

	revX := commitFile(t, fs, "/x", "same", "alice", "first copy")
	revY := commitFile(t, fs, "/y", "same", "alice", "second copy")
	require.Equal(t, revX+1, revY)

	rootX, err := fs.RevisionRoot(revX)
	require.NoError(t, err)
	nrX, err := rootX.Stat("/x")
	require.NoError(t, err)

	rootY, err := fs.RevisionRoot(revY)
	require.NoError(t, err)
	nrY, err := rootY.Stat("/y")
	require.NoError(t, err)

	require.NotNil(t, nrX.DataRep)
	require.NotNil(t, nrY.DataRep)
	assert.Equal(t, nrX.DataRep.Rev, nrY.DataRep.Rev,
		"the second write must reuse the first representation")
	assert.Equal(t, nrX.DataRep.Offset, nrY.DataRep.Offset)

	t.Run("both_files_read_back", func(t *testing.T) {
		text, err := rootY.ReadFile("/y")
		require.NoError(t, err)
		assert.Equal(t, "same", string(text))
	})

	t.Run("no_duplicate_bytes_in_second_revision", func(t *testing.T) {
		data, err := os.ReadFile(fs.pathRev(revY))
		require.NoError(t, err)
		assert.NotContains(t, string(data), "PLAIN\nsame",
			"revision %d should not carry a second copy of the text", revY)
	})
}

func TestYoungestAndErrors(t *testing.T) {
	fs := createTestRepo(t, nil)

	t.Run("no_such_revision", func(t *testing.T) {
		_, err := fs.RevisionRoot(99)
		assert.True(t, IsKind(err, KindNoSuchRevision))
		_, err = fs.RevisionProplist(-1)
		assert.True(t, IsKind(err, KindNoSuchRevision))
	})

	t.Run("open_missing_repository", func(t *testing.T) {
		_, err := Open(filepath.Join(t.TempDir(), "nope"), nil)
		assert.Error(t, err)
	})

	t.Run("youngest_tracks_commits", func(t *testing.T) {
		assert.Equal(t, Revision(0), mustYoungest(t, fs))
		commitFile(t, fs, "/f", "data", "bob", "msg")
		assert.Equal(t, Revision(1), mustYoungest(t, fs))
	})

	t.Run("reopen_sees_committed_state", func(t *testing.T) {
		reopened, err := Open(fs.Path(), nil)
		require.NoError(t, err)
		defer reopened.Close()
		// The rep-cache store is single-writer; the second handle may run
		// without it, but committed data must be identical.
		root, err := reopened.RevisionRoot(1)
		require.NoError(t, err)
		text, err := root.ReadFile("/f")
		require.NoError(t, err)
		assert.Equal(t, "data", string(text))
	})
}

func TestSetRevisionProp(t *testing.T) {
	fs := createTestRepo(t, nil)
	commitFile(t, fs, "/f", "data", "alice", "original message")

	newLog := "amended message"
	require.NoError(t, fs.SetRevisionProp(1, PropRevisionLog, &newLog))

	got, err := fs.RevisionProp(1, PropRevisionLog)
	require.NoError(t, err)
	assert.Equal(t, "amended message", got)

	t.Run("delete_property", func(t *testing.T) {
		require.NoError(t, fs.SetRevisionProp(1, PropRevisionLog, nil))
		props, err := fs.RevisionProplist(1)
		require.NoError(t, err)
		_, present := props[PropRevisionLog]
		assert.False(t, present)
	})

	t.Run("immutable_tree_untouched", func(t *testing.T) {
		root, err := fs.RevisionRoot(1)
		require.NoError(t, err)
		text, err := root.ReadFile("/f")
		require.NoError(t, err)
		assert.Equal(t, "data", string(text))
	})
}

func TestDeltaChains_LongHistory(t *testing.T) {
	fs := createTestRepo(t, nil)

	// Enough revisions of one file to leave the linear prelude and force
	// skip-delta bases.
	base := strings.Repeat("a line of file content that stays mostly stable\n", 50)
	var want string
	for i := 0; i < 40; i++ {
		want = base + strings.Repeat("x", i) + "\n"
		commitFile(t, fs, "/churn.txt", want, "alice", "churn")
	}

	youngest := mustYoungest(t, fs)
	assert.Equal(t, Revision(40), youngest)

	t.Run("every_revision_reconstructs", func(t *testing.T) {
		for rev := Revision(1); rev <= youngest; rev++ {
			root, err := fs.RevisionRoot(rev)
			require.NoError(t, err)
			text, err := root.ReadFile("/churn.txt")
			require.NoError(t, err, "r%d", rev)
			wantText := base + strings.Repeat("x", int(rev-1)) + "\n"
			assert.Equal(t, wantText, string(text), "r%d", rev)
		}
	})

	t.Run("deep_revision_uses_delta", func(t *testing.T) {
		root, err := fs.RevisionRoot(youngest)
		require.NoError(t, err)
		nr, err := root.Stat("/churn.txt")
		require.NoError(t, err)
		assert.Less(t, nr.DataRep.Size, nr.DataRep.ExpandedSize,
			"a late revision of a stable file should be delta-compressed")
	})
}
