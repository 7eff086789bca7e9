package fsfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalHash(t *testing.T) {
	t.Run("empty_hash_is_END", func(t *testing.T) {
		assert.Equal(t, "END\n", string(marshalHash(nil)))
	})

	t.Run("keys_are_sorted", func(t *testing.T) {
		data := marshalHash(map[string]string{"b": "2", "a": "1"})
		assert.Equal(t, "K 1\na\nV 1\n1\nK 1\nb\nV 1\n2\nEND\n", string(data))
	})
}

func TestParseHash(t *testing.T) {
	t.Run("round_trip", func(t *testing.T) {
		want := map[string]string{
			"svn:log":    "a message\nwith two lines",
			"svn:author": "alice",
			"empty":      "",
		}
		got, err := parseHashBytes(marshalHash(want))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("binary_safe_values", func(t *testing.T) {
		want := map[string]string{"bin": string([]byte{0, 1, '\n', 255})}
		got, err := parseHashBytes(marshalHash(want))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("rejects_truncation", func(t *testing.T) {
		data := marshalHash(map[string]string{"k": "v"})
		for cut := 1; cut < len(data); cut += 3 {
			_, err := parseHashBytes(data[:len(data)-cut])
			assert.Error(t, err, "cut %d bytes", cut)
		}
	})

	t.Run("rejects_bad_lengths", func(t *testing.T) {
		_, err := parseHashBytes([]byte("K x\na\nV 1\n1\nEND\n"))
		assert.True(t, IsKind(err, KindCorrupt))
	})
}

func TestDirectoryCodec(t *testing.T) {
	idA, err := ParseID("3.0.r2/100")
	require.NoError(t, err)
	idB, err := ParseID("4.1.r2/200")
	require.NoError(t, err)

	entries := []DirEntry{
		{Name: "beta", Kind: NodeKindDir, ID: idB},
		{Name: "alpha.txt", Kind: NodeKindFile, ID: idA},
	}

	parsed, err := parseDirectory(marshalDirectory(entries))
	require.NoError(t, err)
	require.Len(t, parsed, 2)
	assert.Equal(t, "alpha.txt", parsed[0].Name, "entries come back name-sorted")
	assert.Equal(t, NodeKindFile, parsed[0].Kind)
	assert.Equal(t, idA, parsed[0].ID)
	assert.Equal(t, "beta", parsed[1].Name)
}

func TestSortEntriesForRead(t *testing.T) {
	mk := func(s string) NodeRevisionID {
		id, err := ParseID(s)
		require.NoError(t, err)
		return id
	}

	entries := []DirEntry{
		{Name: "a", ID: mk("1.0.r2/500")},
		{Name: "b", ID: mk("2.0.r5/300")},
		{Name: "c", ID: mk("3.0.r5/100")},
		{Name: "d", ID: mk("4.0.r1/0")},
	}

	sorted := sortEntriesForRead(entries)
	// Revision descending, then offset ascending: the file that produced
	// most entries is read first, remaining reads walk forward.
	assert.Equal(t, []string{"c", "b", "a", "d"},
		[]string{sorted[0].Name, sorted[1].Name, sorted[2].Name, sorted[3].Name})
}
