package lsm

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// maxRunSize caps the byte size of a single compaction output run before a
// new one is started.
const maxRunSize = 64 * 1024 * 1024

// Compactor performs the k-way merge behind one CompactionPlan.
type Compactor struct {
	dataDir string
	nextID  int64
}

// NewCompactor creates a Compactor that writes its output runs under
// dataDir, with its id counter seeded to startID (the highest run id
// already on disk, so a restart never reuses a filename a loaded run still
// references).
func NewCompactor(dataDir string, startID int64) *Compactor {
	return &Compactor{dataDir: dataDir, nextID: startID}
}

// Compact merges plan.Runs by key, keeping the newest version of each key
// (the entry with the highest write timestamp; on equal timestamps the run
// listed earlier in plan.Runs wins) and dropping tombstones only when
// plan.DropTombstones is set.
// Panic recovery prevents a corrupt merge from crashing the background
// compaction worker; any partially written output runs are cleaned up.
func (c *Compactor) Compact(plan *CompactionPlan) (outputs []*SortedRun, err error) {
	if plan == nil || len(plan.Runs) == 0 {
		return nil, nil
	}

	defer func() {
		if r := recover(); r != nil {
			for _, o := range outputs {
				o.Release()
			}
			outputs = nil
			err = fmt.Errorf("lsm: panic during compaction: %v", r)
		}
	}()

	type tagged struct {
		entry *Entry
		rank  int // lower rank = newer input, wins ties
	}

	all := make([]tagged, 0)
	for rank, run := range plan.Runs {
		entries, iterErr := run.ScanAll()
		if iterErr != nil {
			return nil, fmt.Errorf("lsm: iterate run %s: %w", run.Path, iterErr)
		}
		for _, e := range entries {
			all = append(all, tagged{entry: e, rank: rank})
		}
	}

	sort.Slice(all, func(i, j int) bool {
		cmp := EntryCompare(all[i].entry, all[j].entry)
		if cmp != 0 {
			return cmp < 0
		}
		if all[i].entry.Timestamp != all[j].entry.Timestamp {
			return all[i].entry.Timestamp > all[j].entry.Timestamp
		}
		return all[i].rank < all[j].rank
	})

	deduped := make([]*Entry, 0, len(all))
	var lastKey []byte
	for _, t := range all {
		if lastKey != nil && string(t.entry.Key) == string(lastKey) {
			continue
		}
		lastKey = t.entry.Key
		if t.entry.Deleted && plan.DropTombstones {
			continue
		}
		deduped = append(deduped, t.entry)
	}

	if len(deduped) == 0 {
		return nil, nil
	}

	batch := make([]*Entry, 0)
	batchSize := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		id := atomic.AddInt64(&c.nextID, 1)
		path := filepath.Join(c.dataDir, fmt.Sprintf("L%d-%06d.sst", plan.OutputLevel, id))
		run, createErr := NewSortedRunFromMerge(path, plan.OutputLevel, batch)
		if createErr != nil {
			return fmt.Errorf("lsm: create compaction output %s: %w", path, createErr)
		}
		outputs = append(outputs, run)
		batch = make([]*Entry, 0)
		batchSize = 0
		return nil
	}

	for _, e := range deduped {
		entrySize := len(e.Key) + len(e.Value) + 20
		if batchSize+entrySize > maxRunSize && len(batch) > 0 {
			if err := flush(); err != nil {
				for _, o := range outputs {
					o.Release()
				}
				return nil, err
			}
		}
		batch = append(batch, e)
		batchSize += entrySize
	}
	if err := flush(); err != nil {
		for _, o := range outputs {
			o.Release()
		}
		return nil, err
	}

	return outputs, nil
}

// CompactionManager coordinates background compaction: it asks a strategy
// for the next plan, hands it to a Compactor, and installs the result in
// the catalog. Only one compaction runs at a time; a concurrent Trigger
// joins the in-flight call rather than starting a second job, using
// golang.org/x/sync/singleflight to enforce the single-compaction-at-a-time
// discipline.
type CompactionManager struct {
	catalog    *RunCatalog
	compactor  *Compactor
	strategies []CompactionStrategy
	group      singleflight.Group
}

// NewCompactionManager builds a manager that tries each strategy in order
// and acts on the first one that proposes a plan.
func NewCompactionManager(catalog *RunCatalog, compactor *Compactor, strategies []CompactionStrategy) *CompactionManager {
	return &CompactionManager{catalog: catalog, compactor: compactor, strategies: strategies}
}

// Trigger runs (or joins an in-flight) compaction pass and returns its
// stats. A nil *CompactionStats with a nil error means no strategy proposed
// work.
func (m *CompactionManager) Trigger() (*CompactionStats, error) {
	v, err, _ := m.group.Do("compact", func() (interface{}, error) {
		return m.runOnce()
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.(*CompactionStats), nil
}

func (m *CompactionManager) runOnce() (*CompactionStats, error) {
	start := time.Now()
	snapshot := m.catalog.Snapshot()

	var plan *CompactionPlan
	var strategyName string
	for _, s := range m.strategies {
		if p := s.SelectCompaction(snapshot); p != nil {
			plan = p
			strategyName = s.Name()
			break
		}
	}
	if plan == nil {
		return nil, nil
	}

	outputs, err := m.compactor.Compact(plan)
	if err != nil {
		return nil, err
	}

	var reclaimed int64
	for _, r := range plan.Runs {
		reclaimed += r.SizeBytes
	}
	for _, o := range outputs {
		reclaimed -= o.SizeBytes
	}

	m.catalog.InstallCompaction(plan.Level, plan.Runs, outputs, plan.OutputLevel)

	return &CompactionStats{
		Strategy:       strategyName,
		RunsMerged:     len(plan.Runs),
		SpaceReclaimed: reclaimed,
		DurationMs:     time.Since(start).Milliseconds(),
	}, nil
}
