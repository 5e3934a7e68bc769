package lsm

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func runWith(t *testing.T, dir string, name string, level int, kvs map[string]string) *SortedRun {
	t.Helper()
	mt := NewMemTable(1 << 20)
	ts := int64(1)
	for k, v := range kvs {
		mt.Put([]byte(k), []byte(v), ts)
		ts++
	}
	run, err := NewSortedRunFromMemTable(filepath.Join(dir, name), level, mt)
	require.NoError(t, err)
	return run
}

func TestLeveledStrategyTriggersOnL0Overflow(t *testing.T) {
	dir := t.TempDir()
	strategy := &LeveledCompactionStrategy{L0Trigger: 2, SizeMultiplier: 10, MaxLevels: 7, BottomLevel: 6}

	levels := [][]*SortedRun{{
		runWith(t, dir, "L0-000001.sst", 0, map[string]string{"a": "1"}),
		runWith(t, dir, "L0-000002.sst", 0, map[string]string{"b": "2"}),
	}}

	plan := strategy.SelectCompaction(levels)
	require.NotNil(t, plan)
	require.Equal(t, 0, plan.Level)
	require.Equal(t, 1, plan.OutputLevel)
}

func TestLeveledStrategyNoPlanBelowTrigger(t *testing.T) {
	dir := t.TempDir()
	strategy := DefaultLeveledCompaction()

	levels := [][]*SortedRun{{
		runWith(t, dir, "L0-000001.sst", 0, map[string]string{"a": "1"}),
	}}

	require.Nil(t, strategy.SelectCompaction(levels))
}

func TestTieredStrategyTriggersOnTierOverflow(t *testing.T) {
	dir := t.TempDir()
	strategy := &TieredCompactionStrategy{MaxTierSize: 1, Multiplier: 4, BottomLevel: 6}

	levels := [][]*SortedRun{{
		runWith(t, dir, "L0-000001.sst", 0, map[string]string{"a": "1", "b": "2", "c": "3"}),
	}}

	plan := strategy.SelectCompaction(levels)
	require.NotNil(t, plan)
	require.Equal(t, 1, plan.OutputLevel)
}

func TestSizeTieredStrategyMergesSameBucket(t *testing.T) {
	dir := t.TempDir()
	strategy := DefaultSizeTieredCompaction()

	levels := [][]*SortedRun{{
		runWith(t, dir, "L0-000001.sst", 0, map[string]string{"a": "1"}),
		runWith(t, dir, "L0-000002.sst", 0, map[string]string{"b": "2"}),
	}}

	plan := strategy.SelectCompaction(levels)
	require.NotNil(t, plan)
	require.Len(t, plan.Runs, 2)
	require.Equal(t, 0, plan.OutputLevel)
}

func TestCompactorMergesAndDropsTombstonesAtBottom(t *testing.T) {
	dir := t.TempDir()

	mt1 := NewMemTable(1 << 20)
	mt1.Put([]byte("a"), []byte("old"), 1)
	mt1.Put([]byte("b"), []byte("keep"), 1)
	run1, err := NewSortedRunFromMemTable(filepath.Join(dir, "L0-000001.sst"), 0, mt1)
	require.NoError(t, err)

	mt2 := NewMemTable(1 << 20)
	mt2.Put([]byte("a"), []byte("new"), 2)
	mt2.Delete([]byte("c"), 2)
	run2, err := NewSortedRunFromMemTable(filepath.Join(dir, "L0-000002.sst"), 0, mt2)
	require.NoError(t, err)

	compactor := NewCompactor(dir, 0)
	plan := &CompactionPlan{
		Level:          0,
		Runs:           []*SortedRun{run2, run1}, // run2 newer, listed first
		OutputLevel:    1,
		DropTombstones: true,
	}

	outputs, err := compactor.Compact(plan)
	require.NoError(t, err)
	require.Len(t, outputs, 1)

	entry, ok := outputs[0].Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, "new", string(entry.Value), "newest version must win the merge")

	entry, ok = outputs[0].Get([]byte("b"))
	require.True(t, ok)
	require.Equal(t, "keep", string(entry.Value))

	_, ok = outputs[0].Get([]byte("c"))
	require.False(t, ok, "tombstone for c must not resurrect a value")

	all, err := outputs[0].ScanAll()
	require.NoError(t, err)
	for _, e := range all {
		require.False(t, e.Deleted, "tombstones must be dropped when DropTombstones is set")
	}
}

func TestCompactorKeepsTombstonesWhenNotBottomLevel(t *testing.T) {
	dir := t.TempDir()

	mt := NewMemTable(1 << 20)
	mt.Put([]byte("a"), []byte("v"), 1)
	mt.Delete([]byte("b"), 2)
	run, err := NewSortedRunFromMemTable(filepath.Join(dir, "L0-000001.sst"), 0, mt)
	require.NoError(t, err)

	compactor := NewCompactor(dir, 0)
	plan := &CompactionPlan{Level: 0, Runs: []*SortedRun{run}, OutputLevel: 1, DropTombstones: false}

	outputs, err := compactor.Compact(plan)
	require.NoError(t, err)
	require.Len(t, outputs, 1)

	all, err := outputs[0].ScanAll()
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestCompactionManagerInstallsOutputAndDrainsInputs(t *testing.T) {
	dir := t.TempDir()
	catalog := NewRunCatalog()

	run1 := runWith(t, dir, "L0-000001.sst", 0, map[string]string{"a": "1"})
	run2 := runWith(t, dir, "L0-000002.sst", 0, map[string]string{"b": "2"})
	catalog.InstallFlush(run1)
	catalog.InstallFlush(run2)

	strategy := &LeveledCompactionStrategy{L0Trigger: 2, SizeMultiplier: 10, MaxLevels: 7, BottomLevel: 6}
	manager := NewCompactionManager(catalog, NewCompactor(dir, 0), []CompactionStrategy{strategy})

	stats, err := manager.Trigger()
	require.NoError(t, err)
	require.NotNil(t, stats)
	require.Equal(t, "leveled", stats.Strategy)

	snap := catalog.Snapshot()
	require.Len(t, snap[0], 0)
	require.Len(t, snap[1], 1)
}

func TestCompactionManagerNoOpWhenNoPlan(t *testing.T) {
	dir := t.TempDir()
	catalog := NewRunCatalog()
	run := runWith(t, dir, "L0-000001.sst", 0, map[string]string{"a": "1"})
	catalog.InstallFlush(run)

	strategy := DefaultLeveledCompaction()
	manager := NewCompactionManager(catalog, NewCompactor(dir, 0), []CompactionStrategy{strategy})

	stats, err := manager.Trigger()
	require.NoError(t, err)
	require.Nil(t, stats)
}
