// Package main provides the revstore admin CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/orneryd/revstore/pkg/fsfs"
	"github.com/orneryd/revstore/pkg/log"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// toolConfig is the operator-side configuration of the CLI, loaded from a
// YAML file given with --config. It never affects on-disk repository
// state; per-repository behavior lives in db/fsfs.conf.
type toolConfig struct {
	LogLevel      string `yaml:"log-level"`
	LogJSON       bool   `yaml:"log-json"`
	CacheSize     int    `yaml:"cache-size"`
	VerifyWorkers int    `yaml:"verify-workers"`
}

func loadToolConfig(path string) (*toolConfig, error) {
	cfg := &toolConfig{LogLevel: "info"}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

func main() {
	var configPath string
	var cfg *toolConfig

	rootCmd := &cobra.Command{
		Use:   "revstore",
		Short: "revstore - administration tool for FSFS repositories",
		Long: `revstore administers append-only revision filesystems: creating
repositories, inspecting and verifying them, packing completed shards,
upgrading old on-disk formats, and dumping history.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = loadToolConfig(configPath); err != nil {
				return err
			}
			log.Init(log.Config{
				Level:      log.Level(cfg.LogLevel),
				JSONOutput: cfg.LogJSON,
			})
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to a YAML tool configuration file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("revstore v%s (%s)\n", version, commit)
		},
	})

	createCmd := &cobra.Command{
		Use:   "create REPO-PATH",
		Short: "Create a new repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			shard, _ := cmd.Flags().GetInt64("shard-size")
			fs, err := fsfs.Create(args[0], &fsfs.Options{
				CacheSize:      cfg.CacheSize,
				MaxFilesPerDir: shard,
			})
			if err != nil {
				return err
			}
			defer fs.Close()
			fmt.Printf("created repository %s (uuid %s)\n", args[0], fs.UUID())
			return nil
		},
	}
	createCmd.Flags().Int64("shard-size", 0,
		"revisions per shard (0 for the default, negative for linear layout)")
	rootCmd.AddCommand(createCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "info REPO-PATH",
		Short: "Show repository format, uuid, and youngest revision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := fsfs.Open(args[0], &fsfs.Options{CacheSize: cfg.CacheSize})
			if err != nil {
				return err
			}
			defer fs.Close()
			youngest, err := fs.Youngest()
			if err != nil {
				return err
			}
			fmt.Printf("path:     %s\n", fs.Path())
			fmt.Printf("uuid:     %s\n", fs.UUID())
			fmt.Printf("format:   %d\n", fs.FormatNumber())
			fmt.Printf("youngest: %d\n", youngest)
			return nil
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "youngest REPO-PATH",
		Short: "Print the youngest revision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := fsfs.Open(args[0], &fsfs.Options{CacheSize: cfg.CacheSize})
			if err != nil {
				return err
			}
			defer fs.Close()
			youngest, err := fs.Youngest()
			if err != nil {
				return err
			}
			fmt.Println(youngest)
			return nil
		},
	})

	packCmd := &cobra.Command{
		Use:   "pack REPO-PATH",
		Short: "Pack all completed shards",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := fsfs.Open(args[0], &fsfs.Options{CacheSize: cfg.CacheSize})
			if err != nil {
				return err
			}
			defer fs.Close()
			return fs.PackAll(nil)
		},
	}
	rootCmd.AddCommand(packCmd)

	verifyCmd := &cobra.Command{
		Use:   "verify REPO-PATH",
		Short: "Verify repository invariants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lower, _ := cmd.Flags().GetInt64("from")
			upper, _ := cmd.Flags().GetInt64("to")
			fs, err := fsfs.Open(args[0], &fsfs.Options{CacheSize: cfg.CacheSize})
			if err != nil {
				return err
			}
			defer fs.Close()
			if err := fs.Verify(fsfs.Revision(lower), fsfs.Revision(upper),
				cfg.VerifyWorkers, nil); err != nil {
				return err
			}
			fmt.Println("verified")
			return nil
		},
	}
	verifyCmd.Flags().Int64("from", 0, "first revision to verify")
	verifyCmd.Flags().Int64("to", -1, "last revision to verify (-1 for youngest)")
	rootCmd.AddCommand(verifyCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "upgrade REPO-PATH",
		Short: "Upgrade the repository to the current on-disk format",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := fsfs.Open(args[0], &fsfs.Options{CacheSize: cfg.CacheSize})
			if err != nil {
				return err
			}
			defer fs.Close()
			if err := fs.Upgrade(); err != nil {
				return err
			}
			fmt.Printf("repository is at format %d\n", fs.FormatNumber())
			return nil
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "recover REPO-PATH",
		Short: "Re-derive the youngest revision from the revision files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := fsfs.Open(args[0], &fsfs.Options{CacheSize: cfg.CacheSize})
			if err != nil {
				return err
			}
			defer fs.Close()
			return fs.Recover()
		},
	})

	dumpCmd := &cobra.Command{
		Use:   "dump REPO-PATH",
		Short: "Write the repository history as a dump stream to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lower, _ := cmd.Flags().GetInt64("from")
			upper, _ := cmd.Flags().GetInt64("to")
			fs, err := fsfs.Open(args[0], &fsfs.Options{CacheSize: cfg.CacheSize})
			if err != nil {
				return err
			}
			defer fs.Close()
			return fs.Dump(os.Stdout, fsfs.Revision(lower), fsfs.Revision(upper), nil)
		},
	}
	dumpCmd.Flags().Int64("from", 0, "first revision to dump")
	dumpCmd.Flags().Int64("to", -1, "last revision to dump (-1 for youngest)")
	rootCmd.AddCommand(dumpCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "revstore: %v\n", err)
		os.Exit(1)
	}
}
