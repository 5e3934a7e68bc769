package lsm

// CompactionStrategy selects the next compaction job, if any, given the
// catalog's current levels.
type CompactionStrategy interface {
	Name() string
	SelectCompaction(levels [][]*SortedRun) *CompactionPlan
}

// CompactionPlan describes one compaction job: merge Runs (taken from Level
// and, for leveled compaction, the overlapping runs of the next level) into
// OutputLevel.
type CompactionPlan struct {
	Level       int
	Runs        []*SortedRun
	OutputLevel int
	// DropTombstones is true when the output level is the configured
	// bottom level, so tombstones may finally be discarded rather than
	// carried forward.
	DropTombstones bool
}

// CompactionStats reports the outcome of one compaction job, fed into the
// Prometheus registry.
type CompactionStats struct {
	Strategy       string
	RunsMerged     int
	SpaceReclaimed int64
	DurationMs     int64
}

func levelSize(runs []*SortedRun) int64 {
	var total int64
	for _, r := range runs {
		total += r.SizeBytes
	}
	return total
}

// LeveledCompactionStrategy merges L0 into L1 once it has too many
// overlapping runs; L>=1 merges into L+1 once its total size exceeds
// SizeMultiplier times the size of L+1. Only levels that have a next level
// in the catalog are checked, so the deepest level present is never
// compacted further.
type LeveledCompactionStrategy struct {
	L0Trigger     int
	SizeMultiplier float64
	MaxLevels     int
	BottomLevel   int
}

// DefaultLeveledCompaction picks sane defaults (L0 trigger 4, 10x size
// ratio, 7 levels).
func DefaultLeveledCompaction() *LeveledCompactionStrategy {
	return &LeveledCompactionStrategy{
		L0Trigger:      4,
		SizeMultiplier: 10.0,
		MaxLevels:      7,
		BottomLevel:    6,
	}
}

func (s *LeveledCompactionStrategy) Name() string { return "leveled" }

func (s *LeveledCompactionStrategy) SelectCompaction(levels [][]*SortedRun) *CompactionPlan {
	if len(levels) > 0 && len(levels[0]) >= s.L0Trigger {
		runs := append([]*SortedRun(nil), levels[0]...)
		if len(levels) > 1 {
			runs = append(runs, overlapping(levels[1], levels[0])...)
		}
		return &CompactionPlan{
			Level:          0,
			Runs:           runs,
			OutputLevel:    1,
			DropTombstones: s.BottomLevel == 1,
		}
	}

	for level := 1; level < len(levels)-1; level++ {
		thisSize := levelSize(levels[level])
		nextSize := levelSize(levels[level+1])
		if float64(thisSize) > s.SizeMultiplier*float64(nextSize) && len(levels[level]) > 0 {
			runs := append([]*SortedRun(nil), levels[level][0])
			runs = append(runs, overlapping(levels[level+1], levels[level][:1])...)
			return &CompactionPlan{
				Level:          level,
				Runs:           runs,
				OutputLevel:    level + 1,
				DropTombstones: level+1 >= s.BottomLevel,
			}
		}
	}

	return nil
}

func overlapping(candidates, against []*SortedRun) []*SortedRun {
	if len(against) == 0 {
		return nil
	}
	minKey, maxKey := against[0].MinKey, against[0].MaxKey
	for _, r := range against[1:] {
		if r.MinKey != nil && (minKey == nil || string(r.MinKey) < string(minKey)) {
			minKey = r.MinKey
		}
		if r.MaxKey != nil && (maxKey == nil || string(r.MaxKey) > string(maxKey)) {
			maxKey = r.MaxKey
		}
	}
	var out []*SortedRun
	for _, r := range candidates {
		if r.Overlaps(minKey, maxKey) {
			out = append(out, r)
		}
	}
	return out
}

// TieredCompactionStrategy treats each level as one tier with cap
// MaxTierSize·Multiplier^level; once a level's total size exceeds its cap,
// all of its runs are merged into the next level.
type TieredCompactionStrategy struct {
	MaxTierSize int64
	Multiplier  float64
	BottomLevel int
}

// DefaultTieredCompaction picks a 16MiB base tier cap growing 4x per tier.
func DefaultTieredCompaction() *TieredCompactionStrategy {
	return &TieredCompactionStrategy{
		MaxTierSize: 16 * 1024 * 1024,
		Multiplier:  4.0,
		BottomLevel: 6,
	}
}

func (s *TieredCompactionStrategy) Name() string { return "tiered" }

func (s *TieredCompactionStrategy) tierCap(tier int) int64 {
	cap := float64(s.MaxTierSize)
	for i := 0; i < tier; i++ {
		cap *= s.Multiplier
	}
	return int64(cap)
}

func (s *TieredCompactionStrategy) SelectCompaction(levels [][]*SortedRun) *CompactionPlan {
	for tier, runs := range levels {
		if len(runs) == 0 {
			continue
		}
		if levelSize(runs) > s.tierCap(tier) {
			outputLevel := tier + 1
			return &CompactionPlan{
				Level:          tier,
				Runs:           append([]*SortedRun(nil), runs...),
				OutputLevel:    outputLevel,
				DropTombstones: outputLevel >= s.BottomLevel,
			}
		}
	}
	return nil
}

// SizeTieredCompactionStrategy buckets runs within level 0 (the only level
// it manages) into BucketCount equal-size ranges between [MinSize, MaxSize]
// and merges any bucket with at least two runs, mirroring Cassandra-style
// size-tiered compaction.
type SizeTieredCompactionStrategy struct {
	MinSize     int64
	MaxSize     int64
	BucketCount int
	BottomLevel int
}

// DefaultSizeTieredCompaction buckets runs between 4KiB and 64MiB across 8
// buckets.
func DefaultSizeTieredCompaction() *SizeTieredCompactionStrategy {
	return &SizeTieredCompactionStrategy{
		MinSize:     4 * 1024,
		MaxSize:     64 * 1024 * 1024,
		BucketCount: 8,
		BottomLevel: 6,
	}
}

func (s *SizeTieredCompactionStrategy) Name() string { return "size_tiered" }

func (s *SizeTieredCompactionStrategy) bucketFor(size int64) int {
	if size <= s.MinSize {
		return 0
	}
	if size >= s.MaxSize {
		return s.BucketCount - 1
	}
	span := float64(s.MaxSize-s.MinSize) / float64(s.BucketCount)
	idx := int(float64(size-s.MinSize) / span)
	if idx >= s.BucketCount {
		idx = s.BucketCount - 1
	}
	return idx
}

func (s *SizeTieredCompactionStrategy) SelectCompaction(levels [][]*SortedRun) *CompactionPlan {
	if len(levels) == 0 {
		return nil
	}

	buckets := make(map[int][]*SortedRun)
	for _, run := range levels[0] {
		b := s.bucketFor(run.SizeBytes)
		buckets[b] = append(buckets[b], run)
	}

	for _, runs := range buckets {
		if len(runs) >= 2 {
			return &CompactionPlan{
				Level:          0,
				Runs:           append([]*SortedRun(nil), runs...),
				OutputLevel:    0,
				DropTombstones: s.BottomLevel == 0,
			}
		}
	}
	return nil
}
