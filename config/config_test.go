package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := Default("/tmp/lsmkv-data")
	if err := Validate(&cfg); err != nil {
		t.Fatalf("expected default config to validate, got %v", err)
	}
}

func TestValidateRejectsMissingDataDir(t *testing.T) {
	cfg := Default("")
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected validation error for empty dataDir")
	}
}

func TestValidateRejectsUnknownStrategy(t *testing.T) {
	cfg := Default("/tmp/lsmkv-data")
	cfg.Compaction.Strategy = "bogus"
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected validation error for unknown compaction strategy")
	}
}

func TestValidateRejectsZeroFlushThreshold(t *testing.T) {
	cfg := Default("/tmp/lsmkv-data")
	cfg.MemTableFlushThresholdBytes = 0
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected validation error for zero flush threshold")
	}
}

func TestLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := `
dataDir: ./data
memTableFlushThresholdBytes: 1048576
compaction:
  strategy: leveled
  leveled: {sizeMultiplier: 10, l0Trigger: 4}
  tiered: {maxTierSize: 4194304, multiplier: 4}
  sizeTiered: {minSize: 1048576, maxSize: 67108864, bucketCount: 4}
  backgroundIntervalSecs: 10
  maxRunsPerLevel: 32
gc:
  enabled: true
  intervalSecs: 60
  versionRetentionSecs: 300
  minVersionsToKeep: 1
`
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != "./data" {
		t.Fatalf("expected dataDir ./data, got %q", cfg.DataDir)
	}
	if cfg.Compaction.Strategy != StrategyLeveled {
		t.Fatalf("expected leveled strategy, got %q", cfg.Compaction.Strategy)
	}
	if cfg.GC.MinVersionsToKeep != 1 {
		t.Fatalf("expected min versions to keep 1, got %d", cfg.GC.MinVersionsToKeep)
	}
}

func TestLoadSurfacesMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("expected error loading a nonexistent config file")
	}
}
