package mvcc

import (
	"context"

	"github.com/embeddedkv/lsmkv/internal/lsm"
)

// Recover rebuilds the VersionStore from the LsmEngine's already-replayed,
// already-flushed key space: every persisted key becomes a single live
// VersionedRecord with CreatedTx=0, the reserved sentinel reused here to
// mean "committed in a prior process, visible to every transaction".
// Seeding happens once at Open instead of on every miss so Scan sees a
// complete picture immediately.
func Recover(ctx context.Context, base *lsm.LsmEngine, versions *VersionStore) error {
	kvs, err := base.Scan(ctx, nil)
	if err != nil {
		return err
	}
	for _, kv := range kvs {
		versions.Append(kv.Key, &VersionedRecord{
			Value:     kv.Value,
			CreatedTx: 0,
			CreatedTs: 0,
		})
	}
	return nil
}
