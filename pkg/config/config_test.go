package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.True(t, cfg.EnableRepSharing)
	assert.False(t, cfg.EnableDirDeltification)
	assert.False(t, cfg.EnablePropsDeltification)
	assert.Equal(t, DefaultMaxDeltificationWalk, cfg.MaxDeltificationWalk)
	assert.Equal(t, DefaultMaxLinearDeltification, cfg.MaxLinearDeltification)
	assert.False(t, cfg.CompressPackedRevprops)
	assert.False(t, cfg.FailStop)
}

func TestLoad(t *testing.T) {
	t.Run("missing_file_yields_defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "fsfs.conf"))
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("parses_all_sections", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "fsfs.conf")
		contents := `[rep-sharing]
enable-rep-sharing = false

[deltification]
enable-dir-deltification = true
enable-props-deltification = true
max-deltification-walk = 100
max-linear-deltification = 4

[packed-revprops]
revprop-pack-size = 16
compress-packed-revprops = true

[caches]
fail-stop = true
`
		require.NoError(t, os.WriteFile(path, []byte(contents), 0644))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.False(t, cfg.EnableRepSharing)
		assert.True(t, cfg.EnableDirDeltification)
		assert.True(t, cfg.EnablePropsDeltification)
		assert.Equal(t, 100, cfg.MaxDeltificationWalk)
		assert.Equal(t, 4, cfg.MaxLinearDeltification)
		assert.Equal(t, int64(16), cfg.RevpropPackSize)
		assert.True(t, cfg.CompressPackedRevprops)
		assert.True(t, cfg.FailStop)
	})

	t.Run("commented_template_yields_defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "fsfs.conf")
		require.NoError(t, WriteDefault(path))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})
}

func TestEffectiveRevpropPackSize(t *testing.T) {
	t.Run("uncompressed_default", func(t *testing.T) {
		cfg := Default()
		assert.Equal(t, int64(64*1024), cfg.EffectiveRevpropPackSize())
	})

	t.Run("compressed_default", func(t *testing.T) {
		cfg := Default()
		cfg.CompressPackedRevprops = true
		assert.Equal(t, int64(256*1024), cfg.EffectiveRevpropPackSize())
	})

	t.Run("explicit_size_wins", func(t *testing.T) {
		cfg := Default()
		cfg.RevpropPackSize = 8
		assert.Equal(t, int64(8*1024), cfg.EffectiveRevpropPackSize())
	})
}
