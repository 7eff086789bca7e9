// Package config handles the per-repository fsfs.conf file.
//
// fsfs.conf is an INI file living at db/fsfs.conf. It tunes behaviors that
// never affect the correctness of reads: representation sharing, directory
// and property deltification, revprop packing, and cache failure policy.
// A missing file means defaults; unknown sections and options are ignored
// so newer tools can open older repositories and vice versa.
package config

import (
	"fmt"
	"os"

	"gopkg.in/ini.v1"
)

// Defaults for the deltification tunables.
const (
	DefaultMaxDeltificationWalk   = 1023
	DefaultMaxLinearDeltification = 16

	// DefaultRevpropPackSize is the revprop chunk budget in kilobytes.
	// The compressed default is larger because zlib typically shrinks
	// property text by 4x or more.
	DefaultRevpropPackSize           = 64
	DefaultRevpropPackSizeCompressed = 256
)

// Config holds the parsed fsfs.conf options.
type Config struct {
	// [rep-sharing]
	EnableRepSharing bool

	// [deltification]
	EnableDirDeltification   bool
	EnablePropsDeltification bool
	MaxDeltificationWalk     int
	MaxLinearDeltification   int

	// [packed-revprops]
	RevpropPackSize        int64 // kilobytes; 0 means "use default"
	CompressPackedRevprops bool

	// [caches]
	FailStop bool
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		EnableRepSharing:       true,
		MaxDeltificationWalk:   DefaultMaxDeltificationWalk,
		MaxLinearDeltification: DefaultMaxLinearDeltification,
	}
}

// EffectiveRevpropPackSize resolves the revprop chunk budget in bytes,
// applying the compression-dependent default.
func (c *Config) EffectiveRevpropPackSize() int64 {
	kb := c.RevpropPackSize
	if kb <= 0 {
		if c.CompressPackedRevprops {
			kb = DefaultRevpropPackSizeCompressed
		} else {
			kb = DefaultRevpropPackSize
		}
	}
	return kb * 1024
}

// Load reads fsfs.conf from path. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	file, err := ini.LoadSources(ini.LoadOptions{
		Loose:               true,
		IgnoreInlineComment: true,
	}, path)
	if err != nil {
		return nil, fmt.Errorf("config: loading %s: %w", path, err)
	}

	repSharing := file.Section("rep-sharing")
	cfg.EnableRepSharing = repSharing.Key("enable-rep-sharing").MustBool(cfg.EnableRepSharing)

	delt := file.Section("deltification")
	cfg.EnableDirDeltification = delt.Key("enable-dir-deltification").MustBool(false)
	cfg.EnablePropsDeltification = delt.Key("enable-props-deltification").MustBool(false)
	cfg.MaxDeltificationWalk = delt.Key("max-deltification-walk").MustInt(DefaultMaxDeltificationWalk)
	cfg.MaxLinearDeltification = delt.Key("max-linear-deltification").MustInt(DefaultMaxLinearDeltification)

	packedProps := file.Section("packed-revprops")
	cfg.RevpropPackSize = packedProps.Key("revprop-pack-size").MustInt64(0)
	cfg.CompressPackedRevprops = packedProps.Key("compress-packed-revprops").MustBool(false)

	cfg.FailStop = file.Section("caches").Key("fail-stop").MustBool(false)

	return cfg, nil
}

// WriteDefault writes the commented default fsfs.conf to path. Called at
// repository creation and by upgrade when the file is missing.
func WriteDefault(path string) error {
	return os.WriteFile(path, []byte(defaultConfContents), 0644)
}

const defaultConfContents = `### This file controls the configuration of the FSFS filesystem.

[rep-sharing]
### To conserve space, the filesystem can optionally avoid storing
### duplicate representations.  This comes at a slight cost in
### performance, as maintaining a database of shared representations can
### increase commit times.  The space savings are dependent upon the size
### of the repository, the number of objects it contains and the amount of
### duplication between them, usually a function of the branching and
### merging process.
# enable-rep-sharing = true

[deltification]
### To conserve space, the filesystem stores data as differences against
### existing representations.  This comes at a slight cost in performance,
### as calculating differences can increase commit times.  Reading data
### will also create higher CPU load and the data will be fragmented.
### Since deltification tends to save significant amounts of disk space,
### the overall I/O load can actually be lower.
###
### Whether directory instances should be deltified.
# enable-dir-deltification = false
###
### Whether property lists should be deltified.
# enable-props-deltification = false
###
### During commit, the server may need to walk the whole change history of
### the node.  This walk is limited to this number of revisions.
# max-deltification-walk = 1023
###
### The number of most recent revisions of a node that will be stored as
### deltas against their immediate predecessor before a skip-delta base
### is considered.
# max-linear-deltification = 16

[packed-revprops]
### Revision properties of consecutive revisions may be packed into files
### of roughly this size, given in kilobytes.
# revprop-pack-size = 64
###
### Whether packed revision property files shall be compressed.
# compress-packed-revprops = false

[caches]
### When a cache-related error occurs, the filesystem will by default
### degrade gracefully and continue without the cache.  Enable this to
### turn those errors into failures instead.
# fail-stop = false
`
