package fsfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	t.Run("current_sharded", func(t *testing.T) {
		f, err := ParseFormat([]byte("6\nlayout sharded 1000\n"))
		require.NoError(t, err)
		assert.Equal(t, 6, f.Number)
		assert.Equal(t, int64(1000), f.MaxFilesPerDir)
		assert.True(t, f.Sharded())
	})

	t.Run("linear_layout", func(t *testing.T) {
		f, err := ParseFormat([]byte("3\nlayout linear\n"))
		require.NoError(t, err)
		assert.Equal(t, 3, f.Number)
		assert.False(t, f.Sharded())
	})

	t.Run("bare_number", func(t *testing.T) {
		f, err := ParseFormat([]byte("2\n"))
		require.NoError(t, err)
		assert.Equal(t, 2, f.Number)
		assert.False(t, f.Sharded())
	})

	t.Run("future_format_is_unsupported", func(t *testing.T) {
		_, err := ParseFormat([]byte("7\n"))
		assert.True(t, IsKind(err, KindUnsupportedFormat), "got %v", err)
	})

	t.Run("layout_line_needs_modern_format", func(t *testing.T) {
		_, err := ParseFormat([]byte("2\nlayout sharded 1000\n"))
		assert.True(t, IsKind(err, KindCorrupt), "got %v", err)
	})

	t.Run("rejects_garbage", func(t *testing.T) {
		for _, data := range []string{"", "x\n", "0\n", "6\nlayout sharded x\n", "6\nwhat\n"} {
			_, err := ParseFormat([]byte(data))
			assert.Error(t, err, "ParseFormat(%q)", data)
		}
	})
}

func TestFormatMarshal(t *testing.T) {
	t.Run("round_trip", func(t *testing.T) {
		for _, f := range []*Format{
			{Number: 6, MaxFilesPerDir: 1000},
			{Number: 4},
			{Number: 2},
		} {
			parsed, err := ParseFormat(f.Marshal())
			require.NoError(t, err)
			assert.Equal(t, f, parsed)
		}
	})

	t.Run("exact_bytes_for_default_create", func(t *testing.T) {
		f := &Format{Number: 6, MaxFilesPerDir: 1000}
		assert.Equal(t, "6\nlayout sharded 1000\n", string(f.Marshal()))
	})
}

func TestFormatFeatureGates(t *testing.T) {
	f3 := &Format{Number: 3}
	f4 := &Format{Number: 4}
	f5 := &Format{Number: 5, MaxFilesPerDir: 1000}
	f6 := &Format{Number: 6, MaxFilesPerDir: 1000}

	assert.False(t, f3.supportsTxnCurrent())
	assert.True(t, f4.supportsTxnCurrent())
	assert.False(t, f4.supportsPacking())
	assert.True(t, f5.supportsPacking())
	assert.False(t, f5.supportsPackedProps())
	assert.True(t, f6.supportsPackedProps())
	assert.True(t, f3.usesBareCurrent())
	assert.False(t, (&Format{Number: 2}).usesBareCurrent())
}
