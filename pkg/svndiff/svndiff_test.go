package svndiff

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, source, target []byte, version int) {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, source, target, version))

	got, err := Apply(source, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, append([]byte{}, target...), append([]byte{}, got...))
}

func TestEncodeApply_RoundTrip(t *testing.T) {
	t.Run("no_base_small", func(t *testing.T) {
		roundTrip(t, nil, []byte("hello, world\n"), Version0)
		roundTrip(t, nil, []byte("hello, world\n"), Version1)
	})

	t.Run("empty_target", func(t *testing.T) {
		roundTrip(t, []byte("something"), nil, Version0)
		roundTrip(t, nil, nil, Version1)
	})

	t.Run("identical_source_and_target", func(t *testing.T) {
		data := bytes.Repeat([]byte("0123456789abcdef"), 1024)
		roundTrip(t, data, data, Version0)
		roundTrip(t, data, data, Version1)
	})

	t.Run("small_edit_in_large_text", func(t *testing.T) {
		source := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog\n"), 500)
		target := append([]byte{}, source...)
		copy(target[9000:], []byte("SLOW GREEN"))
		roundTrip(t, source, target, Version0)
		roundTrip(t, source, target, Version1)
	})

	t.Run("insertion_shifts_content", func(t *testing.T) {
		source := bytes.Repeat([]byte("line one\nline two\nline three\n"), 200)
		target := append([]byte("inserted preamble\n"), source...)
		roundTrip(t, source, target, Version1)
	})

	t.Run("binary_content", func(t *testing.T) {
		source := make([]byte, 10000)
		for i := range source {
			source[i] = byte(i * 31)
		}
		target := make([]byte, 12000)
		for i := range target {
			target[i] = byte(i * 37)
		}
		roundTrip(t, source, target, Version0)
		roundTrip(t, source, target, Version1)
	})

	t.Run("spans_multiple_windows", func(t *testing.T) {
		target := bytes.Repeat([]byte("windowed "), 3000) // well past one window
		roundTrip(t, nil, target, Version1)
	})
}

func TestEncode_DeltaSmallerThanFulltext(t *testing.T) {
	source := bytes.Repeat([]byte("a stable paragraph of text that never changes\n"), 400)
	target := append([]byte{}, source...)
	target[100] = 'X'

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, source, target, Version1))
	assert.Less(t, buf.Len(), len(target)/2,
		"delta against a near-identical base should be much smaller than the fulltext")
}

func TestApply_Corrupt(t *testing.T) {
	t.Run("bad_magic", func(t *testing.T) {
		_, err := Apply(nil, bytes.NewReader([]byte("NVS\x00")))
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("unknown_version", func(t *testing.T) {
		_, err := Apply(nil, bytes.NewReader([]byte{'S', 'V', 'N', 9}))
		assert.Error(t, err)
	})

	t.Run("truncated_window", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, nil, []byte("some target data"), Version0))
		_, err := Apply(nil, bytes.NewReader(buf.Bytes()[:buf.Len()-3]))
		assert.Error(t, err)
	})

	t.Run("source_view_outside_base", func(t *testing.T) {
		source := []byte("short")
		target := bytes.Repeat([]byte("abcdefgh"), 600)
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, bytes.Repeat(target, 2), target, Version0))
		_, err := Apply(source, bytes.NewReader(buf.Bytes()))
		assert.ErrorIs(t, err, ErrCorrupt)
	})
}

func TestVarint(t *testing.T) {
	for _, v := range []uint64{0, 1, 63, 64, 127, 128, 16384, 1 << 40} {
		enc := putVarint(nil, v)
		got, rest, err := readVarint(enc)
		require.NoError(t, err)
		assert.Equal(t, v, got)
		assert.Empty(t, rest)
	}
}
