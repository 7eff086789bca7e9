package fsfs

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDump(t *testing.T) {
	fs := createTestRepo(t, nil)
	commitFile(t, fs, "/a.txt", "hello\n", "alice", "initial")

	txn, err := fs.BeginTxn(1)
	require.NoError(t, err)
	require.NoError(t, txn.MakeDir("/dir"))
	require.NoError(t, txn.Delete("/a.txt"))
	_, err = txn.Commit()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, fs.Dump(&buf, 0, -1, nil))
	out := buf.String()

	t.Run("stream_header", func(t *testing.T) {
		assert.True(t, strings.HasPrefix(out, "SVN-fs-dump-format-version: 2\n\n"))
		assert.Contains(t, out, "UUID: "+fs.UUID())
	})

	t.Run("revision_records", func(t *testing.T) {
		assert.Contains(t, out, "Revision-number: 0\n")
		assert.Contains(t, out, "Revision-number: 1\n")
		assert.Contains(t, out, "Revision-number: 2\n")
	})

	t.Run("node_records", func(t *testing.T) {
		assert.Contains(t, out, "Node-path: a.txt\nNode-kind: file\nNode-action: add\n")
		assert.Contains(t, out, "Text-content-length: 6\n")
		assert.Contains(t, out, "hello\n")
		assert.Contains(t, out, "Node-path: dir\nNode-kind: dir\nNode-action: add\n")
		assert.Contains(t, out, "Node-path: a.txt\nNode-action: delete\n")
	})

	t.Run("revision_props_embedded", func(t *testing.T) {
		assert.Contains(t, out, "alice")
		assert.Contains(t, out, "initial")
	})

	t.Run("subrange", func(t *testing.T) {
		var sub bytes.Buffer
		require.NoError(t, fs.Dump(&sub, 2, 2, nil))
		assert.NotContains(t, sub.String(), "Revision-number: 1\n")
		assert.Contains(t, sub.String(), "Revision-number: 2\n")
	})

	t.Run("cancellation", func(t *testing.T) {
		var devnull bytes.Buffer
		err := fs.Dump(&devnull, 0, -1, func() bool { return true })
		assert.True(t, IsKind(err, KindCanceled), "got %v", err)
	})
}
