package fsfs

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTxn_TreeEditing(t *testing.T) {
	fs := createTestRepo(t, nil)

	txn, err := fs.BeginTxn(0)
	require.NoError(t, err)
	require.NoError(t, txn.MakeDir("/trunk"))
	require.NoError(t, txn.MakeDir("/trunk/src"))
	require.NoError(t, txn.MakeFile("/trunk/src/main.c"))
	require.NoError(t, txn.SetFileContents("/trunk/src/main.c",
		strings.NewReader("int main(void) { return 0; }\n")))
	require.NoError(t, txn.SetRevProp(PropRevisionAuthor, "alice"))
	require.NoError(t, txn.SetRevProp(PropRevisionLog, "import"))

	t.Run("transaction_tree_is_readable_before_commit", func(t *testing.T) {
		nr, err := txn.Stat("/trunk/src/main.c")
		require.NoError(t, err)
		assert.Equal(t, NodeKindFile, nr.Kind)

		entries, err := txn.ReadDir("/trunk")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "src", entries[0].Name)
	})

	rev, err := txn.Commit()
	require.NoError(t, err)

	t.Run("committed_tree_matches", func(t *testing.T) {
		root, err := fs.RevisionRoot(rev)
		require.NoError(t, err)

		entries, err := root.ReadDir("/")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "trunk", entries[0].Name)
		assert.Equal(t, NodeKindDir, entries[0].Kind)

		text, err := root.ReadFile("/trunk/src/main.c")
		require.NoError(t, err)
		assert.Equal(t, "int main(void) { return 0; }\n", string(text))
	})

	t.Run("predecessor_chain_of_root", func(t *testing.T) {
		root, err := fs.RevisionRoot(rev)
		require.NoError(t, err)
		nr, err := root.Stat("/")
		require.NoError(t, err)
		require.NotNil(t, nr.Predecessor)
		assert.Equal(t, 1, nr.PredecessorCount)

		ancestor, err := fs.IsAncestor(*nr.Predecessor, nr.ID)
		require.NoError(t, err)
		assert.True(t, ancestor)
	})
}

func TestTxn_Delete(t *testing.T) {
	fs := createTestRepo(t, nil)
	commitFile(t, fs, "/a.txt", "keep me\n", "alice", "add")

	txn, err := fs.BeginTxn(1)
	require.NoError(t, err)
	require.NoError(t, txn.Delete("/a.txt"))

	changes := txn.ChangedPaths()
	require.Len(t, changes, 1)
	assert.Equal(t, ChangeDelete, changes[0].Kind)
	assert.False(t, changes[0].ID.InTxn,
		"a delete records the committed identity of the removed node")

	rev, err := txn.Commit()
	require.NoError(t, err)

	t.Run("gone_in_new_revision", func(t *testing.T) {
		root, err := fs.RevisionRoot(rev)
		require.NoError(t, err)
		_, err = root.Stat("/a.txt")
		assert.True(t, IsKind(err, KindNotFound))
	})

	t.Run("still_present_in_history", func(t *testing.T) {
		root, err := fs.RevisionRoot(1)
		require.NoError(t, err)
		text, err := root.ReadFile("/a.txt")
		require.NoError(t, err)
		assert.Equal(t, "keep me\n", string(text))
	})

	t.Run("deleting_root_is_refused", func(t *testing.T) {
		txn2, err := fs.BeginTxn(rev)
		require.NoError(t, err)
		defer txn2.Abort()
		assert.Error(t, txn2.Delete("/"))
	})
}

func TestTxn_Copy(t *testing.T) {
	fs := createTestRepo(t, nil)
	commitFile(t, fs, "/a.txt", "copied contents\n", "alice", "add")

	txn, err := fs.BeginTxn(1)
	require.NoError(t, err)
	require.NoError(t, txn.Copy(1, "/a.txt", "/b.txt"))
	rev, err := txn.Commit()
	require.NoError(t, err)

	root, err := fs.RevisionRoot(rev)
	require.NoError(t, err)

	t.Run("copy_reads_source_contents", func(t *testing.T) {
		text, err := root.ReadFile("/b.txt")
		require.NoError(t, err)
		assert.Equal(t, "copied contents\n", string(text))
	})

	t.Run("copy_metadata", func(t *testing.T) {
		nr, err := root.Stat("/b.txt")
		require.NoError(t, err)
		require.NotNil(t, nr.Copyfrom)
		assert.Equal(t, Revision(1), nr.Copyfrom.Rev)
		assert.Equal(t, "/a.txt", nr.Copyfrom.Path)
		require.NotNil(t, nr.Copyroot)
		assert.Equal(t, rev, nr.Copyroot.Rev)

		src, err := root.Stat("/a.txt")
		require.NoError(t, err)
		assert.Equal(t, src.ID.Node, nr.ID.Node, "a copy keeps the node id")
		assert.NotEqual(t, src.ID.Copy, nr.ID.Copy, "a copy bumps the copy id")
		require.NotNil(t, nr.Predecessor)
		assert.Equal(t, src.ID, *nr.Predecessor)
	})

	t.Run("changed_paths_carry_copyfrom", func(t *testing.T) {
		changes, err := fs.ChangedPaths(rev)
		require.NoError(t, err)
		require.Len(t, changes, 1)
		assert.Equal(t, ChangeAdd, changes[0].Kind)
		assert.True(t, changes[0].CopyfromRev.IsValid())
		assert.Equal(t, Revision(1), changes[0].CopyfromRev.Rev())
		assert.Equal(t, "/a.txt", changes[0].CopyfromPath)
	})

	t.Run("copy_shares_the_representation", func(t *testing.T) {
		src, err := root.Stat("/a.txt")
		require.NoError(t, err)
		dst, err := root.Stat("/b.txt")
		require.NoError(t, err)
		assert.Equal(t, src.DataRep.Key(), dst.DataRep.Key(),
			"lazy copies point at the source bytes")
	})
}

func TestTxn_NodeProps(t *testing.T) {
	fs := createTestRepo(t, nil)
	commitFile(t, fs, "/a.txt", "x", "alice", "add")

	txn, err := fs.BeginTxn(1)
	require.NoError(t, err)
	v := "native"
	require.NoError(t, txn.ChangeNodeProp("/a.txt", "svn:eol-style", &v))
	rev, err := txn.Commit()
	require.NoError(t, err)

	root, err := fs.RevisionRoot(rev)
	require.NoError(t, err)
	props, err := root.NodeProplist("/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "native", props["svn:eol-style"])

	t.Run("prop_change_marks_propmod", func(t *testing.T) {
		changes, err := fs.ChangedPaths(rev)
		require.NoError(t, err)
		require.Len(t, changes, 1)
		assert.Equal(t, ChangeModify, changes[0].Kind)
		assert.True(t, changes[0].PropMod)
		assert.False(t, changes[0].TextMod)
	})

	t.Run("deleting_a_prop", func(t *testing.T) {
		txn, err := fs.BeginTxn(rev)
		require.NoError(t, err)
		require.NoError(t, txn.ChangeNodeProp("/a.txt", "svn:eol-style", nil))
		rev2, err := txn.Commit()
		require.NoError(t, err)

		root, err := fs.RevisionRoot(rev2)
		require.NoError(t, err)
		props, err := root.NodeProplist("/a.txt")
		require.NoError(t, err)
		_, present := props["svn:eol-style"]
		assert.False(t, present)
	})
}

func TestTxn_MergeinfoCounting(t *testing.T) {
	fs := createTestRepo(t, nil)

	txn, err := fs.BeginTxn(0)
	require.NoError(t, err)
	require.NoError(t, txn.MakeDir("/branch"))
	require.NoError(t, txn.MakeFile("/branch/f"))
	mi := "/trunk:1-10"
	require.NoError(t, txn.ChangeNodeProp("/branch/f", PropMergeinfo, &mi))
	rev, err := txn.Commit()
	require.NoError(t, err)

	root, err := fs.RevisionRoot(rev)
	require.NoError(t, err)

	leaf, err := root.Stat("/branch/f")
	require.NoError(t, err)
	assert.True(t, leaf.HasMergeinfo)
	assert.Equal(t, int64(1), leaf.MergeinfoCount)

	dir, err := root.Stat("/branch")
	require.NoError(t, err)
	assert.False(t, dir.HasMergeinfo)
	assert.Equal(t, int64(1), dir.MergeinfoCount, "directories aggregate descendants")

	rootNR, err := root.Stat("/")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rootNR.MergeinfoCount)
}

func TestTxn_ChangeFolding(t *testing.T) {
	fs := createTestRepo(t, nil)
	commitFile(t, fs, "/old.txt", "x", "alice", "add")

	t.Run("add_then_delete_vanishes", func(t *testing.T) {
		txn, err := fs.BeginTxn(1)
		require.NoError(t, err)
		defer txn.Abort()

		require.NoError(t, txn.MakeFile("/tmp.txt"))
		require.NoError(t, txn.Delete("/tmp.txt"))
		assert.Empty(t, txn.ChangedPaths())
	})

	t.Run("delete_then_add_is_replace", func(t *testing.T) {
		txn, err := fs.BeginTxn(1)
		require.NoError(t, err)
		defer txn.Abort()

		require.NoError(t, txn.Delete("/old.txt"))
		require.NoError(t, txn.MakeFile("/old.txt"))
		changes := txn.ChangedPaths()
		require.Len(t, changes, 1)
		assert.Equal(t, ChangeReplace, changes[0].Kind)
	})

	t.Run("add_then_modify_stays_add", func(t *testing.T) {
		txn, err := fs.BeginTxn(1)
		require.NoError(t, err)
		defer txn.Abort()

		require.NoError(t, txn.MakeFile("/new.txt"))
		require.NoError(t, txn.SetFileContents("/new.txt", strings.NewReader("data")))
		changes := txn.ChangedPaths()
		require.Len(t, changes, 1)
		assert.Equal(t, ChangeAdd, changes[0].Kind)
		assert.True(t, changes[0].TextMod)
	})

	t.Run("modify_then_delete_is_delete", func(t *testing.T) {
		txn, err := fs.BeginTxn(1)
		require.NoError(t, err)
		defer txn.Abort()

		require.NoError(t, txn.SetFileContents("/old.txt", strings.NewReader("y")))
		require.NoError(t, txn.Delete("/old.txt"))
		changes := txn.ChangedPaths()
		require.Len(t, changes, 1)
		assert.Equal(t, ChangeDelete, changes[0].Kind)
	})
}

func TestTxn_Errors(t *testing.T) {
	fs := createTestRepo(t, nil)
	commitFile(t, fs, "/a.txt", "x", "alice", "add")

	txn, err := fs.BeginTxn(1)
	require.NoError(t, err)

	t.Run("add_existing_path", func(t *testing.T) {
		err := txn.MakeFile("/a.txt")
		assert.True(t, IsKind(err, KindAlreadyExists), "got %v", err)
	})

	t.Run("edit_missing_path", func(t *testing.T) {
		err := txn.SetFileContents("/missing.txt", strings.NewReader("x"))
		assert.True(t, IsKind(err, KindNotFound), "got %v", err)
	})

	t.Run("add_under_missing_parent", func(t *testing.T) {
		err := txn.MakeFile("/no/such/dir.txt")
		assert.True(t, IsKind(err, KindNotFound), "got %v", err)
	})

	t.Run("abort_is_idempotent", func(t *testing.T) {
		require.NoError(t, txn.Abort())
		assert.NoError(t, txn.Abort())
	})

	t.Run("aborted_transaction_rejects_edits", func(t *testing.T) {
		assert.Error(t, txn.MakeFile("/later.txt"))
	})

	t.Run("begin_against_missing_revision", func(t *testing.T) {
		_, err := fs.BeginTxn(42)
		assert.True(t, IsKind(err, KindNoSuchRevision))
	})
}

func TestTxn_OpenAndLocks(t *testing.T) {
	fs := createTestRepo(t, nil)

	txn, err := fs.BeginTxn(0)
	require.NoError(t, err)
	require.NoError(t, txn.MakeFile("/f"))
	txn.RecordLock("/f")

	t.Run("reopen_by_id", func(t *testing.T) {
		reopened, err := fs.OpenTxn(txn.ID())
		require.NoError(t, err)
		assert.Equal(t, Revision(0), reopened.BaseRevision())
		changes := reopened.ChangedPaths()
		require.Len(t, changes, 1)
		assert.Equal(t, "/f", changes[0].Path)
	})

	t.Run("locked_paths_tracked", func(t *testing.T) {
		assert.Equal(t, []string{"/f"}, txn.LockedPaths())
	})

	t.Run("ids_are_sequential", func(t *testing.T) {
		other, err := fs.BeginTxn(0)
		require.NoError(t, err)
		defer other.Abort()
		assert.Equal(t, txn.ID()+1, other.ID())
	})

	require.NoError(t, txn.Abort())
}
