package lsmkv

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func newPropertyTestEngine(t *testing.T) *Engine {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	e, err := Open(ctx, dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = e.Close(ctx) })
	return e
}

// TestEngineInvariants uses property-based testing to verify the round-trip
// and idempotence invariants every put/get/compaction cycle must preserve,
// regardless of the specific bytes involved.
func TestEngineInvariants(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping property-based test in short mode")
	}

	ctx := context.Background()
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20

	properties := gopter.NewProperties(parameters)

	properties.Property("put then get returns the written value", prop.ForAll(
		func(key, value string) bool {
			if key == "" {
				return true
			}
			e := newPropertyTestEngine(t)
			if err := e.Put(ctx, []byte(key), []byte(value)); err != nil {
				return false
			}
			got, found, err := e.Get(ctx, []byte(key))
			if err != nil || !found {
				return false
			}
			return string(got) == value
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.Property("repeated identical puts are idempotent", prop.ForAll(
		func(key, value string) bool {
			if key == "" {
				return true
			}
			e := newPropertyTestEngine(t)
			for i := 0; i < 3; i++ {
				if err := e.Put(ctx, []byte(key), []byte(value)); err != nil {
					return false
				}
			}
			got, found, err := e.Get(ctx, []byte(key))
			if err != nil || !found {
				return false
			}
			return string(got) == value
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.Property("compacting an already-compacted engine is a no-op on reads", prop.ForAll(
		func(key, value string) bool {
			if key == "" {
				return true
			}
			e := newPropertyTestEngine(t)
			if err := e.Put(ctx, []byte(key), []byte(value)); err != nil {
				return false
			}
			if _, err := e.TriggerCompaction(ctx); err != nil {
				return false
			}
			if _, err := e.TriggerCompaction(ctx); err != nil {
				return false
			}
			got, found, err := e.Get(ctx, []byte(key))
			if err != nil || !found {
				return false
			}
			return string(got) == value
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestTransactionsOnNonOverlappingKeysCommitInAnyOrder verifies that two
// transactions writing disjoint key sets commit independently of the order
// their Commit calls interleave, matching sequential application of either
// order.
func TestTransactionsOnNonOverlappingKeysCommitInAnyOrder(t *testing.T) {
	ctx := context.Background()
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("disjoint-key transactions commit regardless of order", prop.ForAll(
		func(v1, v2 string) bool {
			e := newPropertyTestEngine(t)

			tx1, err := e.Begin(ctx)
			if err != nil {
				return false
			}
			tx1.Put([]byte("alpha"), []byte(v1))

			tx2, err := e.Begin(ctx)
			if err != nil {
				return false
			}
			tx2.Put([]byte("beta"), []byte(v2))

			if err := e.Commit(ctx, tx2); err != nil {
				return false
			}
			if err := e.Commit(ctx, tx1); err != nil {
				return false
			}

			a, foundA, errA := e.Get(ctx, []byte("alpha"))
			b, foundB, errB := e.Get(ctx, []byte("beta"))
			if errA != nil || errB != nil || !foundA || !foundB {
				return false
			}
			return string(a) == v1 && string(b) == v2
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
