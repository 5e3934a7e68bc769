// Package config loads and validates the engine's on-disk configuration
// using a validator.New().Struct pattern and gopkg.in/yaml.v3 for config
// files.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/embeddedkv/lsmkv/internal/storageerr"
)

// CompactionStrategyName selects which compaction strategy the engine runs.
type CompactionStrategyName string

const (
	StrategyLeveled    CompactionStrategyName = "leveled"
	StrategyTiered     CompactionStrategyName = "tiered"
	StrategySizeTiered CompactionStrategyName = "sizeTiered"
)

// LeveledConfig tunes the leveled compaction strategy.
type LeveledConfig struct {
	SizeMultiplier float64 `yaml:"sizeMultiplier" validate:"required,gt=1"`
	L0Trigger      int     `yaml:"l0Trigger" validate:"required,min=1"`
}

// TieredConfig tunes the tiered compaction strategy.
type TieredConfig struct {
	MaxTierSize int64   `yaml:"maxTierSize" validate:"required,gt=0"`
	Multiplier  float64 `yaml:"multiplier" validate:"required,gt=1"`
}

// SizeTieredConfig tunes the size-tiered compaction strategy.
type SizeTieredConfig struct {
	MinSize     int64 `yaml:"minSize" validate:"gte=0"`
	MaxSize     int64 `yaml:"maxSize" validate:"required,gtfield=MinSize"`
	BucketCount int   `yaml:"bucketCount" validate:"required,min=1"`
}

// CompactionConfig selects and tunes a compaction strategy plus the
// background worker cadence.
type CompactionConfig struct {
	Strategy               CompactionStrategyName `yaml:"strategy" validate:"required,oneof=leveled tiered sizeTiered"`
	Leveled                LeveledConfig          `yaml:"leveled"`
	Tiered                 TieredConfig           `yaml:"tiered"`
	SizeTiered             SizeTieredConfig       `yaml:"sizeTiered"`
	BackgroundIntervalSecs int64                  `yaml:"backgroundIntervalSecs" validate:"required,min=1"`
	MaxRunsPerLevel        int                    `yaml:"maxRunsPerLevel" validate:"required,min=1"`
}

// GCConfig controls the background version garbage collector.
type GCConfig struct {
	Enabled              bool  `yaml:"enabled"`
	IntervalSecs         int64 `yaml:"intervalSecs" validate:"required_if=Enabled true,min=1"`
	VersionRetentionSecs int64 `yaml:"versionRetentionSecs" validate:"min=0"`
	MinVersionsToKeep    int   `yaml:"minVersionsToKeep" validate:"required,min=1"`
}

// Config is the engine's full on-disk configuration, loaded from YAML and
// validated before Open proceeds.
type Config struct {
	DataDir                     string           `yaml:"dataDir" validate:"required"`
	MemTableFlushThresholdBytes int              `yaml:"memTableFlushThresholdBytes" validate:"required,min=1"`
	BlockCacheCapacity          int              `yaml:"blockCacheCapacity" validate:"min=0"`
	Compaction                  CompactionConfig `yaml:"compaction" validate:"required"`
	GC                          GCConfig         `yaml:"gc"`
}

// Default returns a reasonable out-of-the-box configuration: leveled
// compaction with a 10s background tick and GC enabled on a 60s tick with a
// 5-minute retention window.
func Default(dataDir string) Config {
	return Config{
		DataDir:                     dataDir,
		MemTableFlushThresholdBytes: 1 << 20,
		BlockCacheCapacity:          10000,
		Compaction: CompactionConfig{
			Strategy:               StrategyLeveled,
			Leveled:                LeveledConfig{SizeMultiplier: 10, L0Trigger: 4},
			Tiered:                 TieredConfig{MaxTierSize: 4 << 20, Multiplier: 4},
			SizeTiered:              SizeTieredConfig{MinSize: 1 << 20, MaxSize: 64 << 20, BucketCount: 4},
			BackgroundIntervalSecs: 10,
			MaxRunsPerLevel:        32,
		},
		GC: GCConfig{
			Enabled:              true,
			IntervalSecs:         60,
			VersionRetentionSecs: 300,
			MinVersionsToKeep:    1,
		},
	}
}

var validate = validator.New()

// Load reads and validates a YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, storageerr.New("Load", storageerr.ComponentStorage, err, nil)
	}

	cfg := Default("")
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, storageerr.New("Load", storageerr.ComponentSerialization, err, nil)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate runs struct-tag validation over cfg, wrapping any failure as a
// Schema-component EngineError.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return storageerr.New("Validate", storageerr.ComponentSchema, fmt.Errorf("%w: %v", storageerr.ErrInvalidConfig, err), nil)
	}
	return nil
}
