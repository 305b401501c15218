package simplestorage

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/navijation/vsst/util"
)

const (
	manifestFileName = "manifest.json"
	manifestType     = "SimpleStorage"

	MinMemtableSize = 4 * 1024 * 1024
	MaxMemtableSize = 2*1024*1024*1024 - 1
	MinL0NumFiles   = 2
	MinBlockSize    = 2 * 1024
	MaxBlockSize    = 2 * 1024 * 1024
)

type Config struct {
	MemtableSizeBytes uint64 `json:"memtable_size_bytes"`
	L0MaxFiles        int    `json:"l0_max_files"`
	BlockSize         uint32 `json:"block_size"`

	// ShrinkTimerMinutes enables the periodic terminal-tier shrink when
	// nonzero.
	ShrinkTimerMinutes uint `json:"shrink_timer_minutes"`
}

func DefaultConfig() Config {
	return Config{
		MemtableSizeBytes: 64 * 1024 * 1024,
		L0MaxFiles:        4,
		BlockSize:         128 * 1024,
	}
}

func (me Config) validate() error {
	if me.MemtableSizeBytes < MinMemtableSize || me.MemtableSizeBytes > MaxMemtableSize {
		return errors.Wrapf(ErrInvalidConfig, "memtable_size_bytes %d outside [%d, %d]",
			me.MemtableSizeBytes, MinMemtableSize, uint64(MaxMemtableSize))
	}
	if me.L0MaxFiles < MinL0NumFiles {
		return errors.Wrapf(ErrInvalidConfig, "l0_max_files %d below minimum %d", me.L0MaxFiles, MinL0NumFiles)
	}
	if me.BlockSize < MinBlockSize || me.BlockSize > MaxBlockSize {
		return errors.Wrapf(ErrInvalidConfig, "block_size %d outside [%d, %d]",
			me.BlockSize, MinBlockSize, MaxBlockSize)
	}
	return nil
}

type manifestDocument struct {
	Type      string `json:"type"`
	StorageID string `json:"storage_id"`
	Config
}

// loadOrCreateManifest reconciles the caller's config with the data
// directory. An existing manifest wins: the storage was created with its
// parameters and they are binding from then on.
func loadOrCreateManifest(dataDir string, config Config) (Config, error) {
	manifestPath := filepath.Join(dataDir, manifestFileName)

	exists, err := util.FileExists(manifestPath)
	if err != nil {
		return config, errors.Wrapf(err, "stat manifest %q", manifestPath)
	}

	if exists {
		raw, err := os.ReadFile(manifestPath)
		if err != nil {
			return config, errors.Wrapf(err, "read manifest %q", manifestPath)
		}
		// fields absent from the manifest keep the caller's values
		doc := manifestDocument{Config: config}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return config, errors.Wrapf(err, "parse manifest %q", manifestPath)
		}
		if doc.Type != manifestType {
			return config, errors.Wrapf(ErrInvalidConfig, "manifest type %q is not %q", doc.Type, manifestType)
		}
		if err := doc.Config.validate(); err != nil {
			return config, err
		}
		return doc.Config, nil
	}

	if err := config.validate(); err != nil {
		return config, err
	}
	doc := manifestDocument{
		Type:      manifestType,
		StorageID: uuid.NewString(),
		Config:    config,
	}
	raw, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return config, errors.Wrap(err, "encode manifest")
	}
	if err := os.WriteFile(manifestPath, raw, 0o644); err != nil {
		return config, errors.Wrapf(err, "write manifest %q", manifestPath)
	}
	return config, nil
}
