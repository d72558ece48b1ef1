package btree

import (
	"context"
	"math/rand/v2"
	"path/filepath"
	"slices"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// --- Test Helpers ---

// newTestTree creates an int64 -> string tree in a temporary directory.
func newTestTree(t *testing.T, degree int, opts ...Option) (*BTree[int64, string], string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tree.db")
	opts = append([]Option{WithLogger(zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)))}, opts...)
	bt, err := NewBTreeFile(path, degree, DefaultKeyOrder[int64], Int64StringSerializer(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bt.Close() })
	return bt, path
}

func openTestTree(t *testing.T, path string, opts ...Option) *BTree[int64, string] {
	t.Helper()
	bt, err := OpenBTreeFile(path, DefaultKeyOrder[int64], Int64StringSerializer(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bt.Close() })
	return bt
}

func insertAll(t *testing.T, bt *BTree[int64, string], keys ...int64) {
	t.Helper()
	for _, k := range keys {
		require.NoError(t, bt.Insert(k, "v"+strconv.FormatInt(k, 10)))
	}
}

func requireKeys(t *testing.T, bt *BTree[int64, string], want ...int64) {
	t.Helper()
	got, err := bt.Keys()
	require.NoError(t, err)
	if len(want) == 0 {
		require.Empty(t, got)
		return
	}
	require.Equal(t, want, got)
}

// --- Construction ---

func TestNewBTreeFile_ArgumentValidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tree.db")

	_, err := NewBTreeFile(path, 1, DefaultKeyOrder[int64], Int64StringSerializer())
	require.ErrorIs(t, err, ErrInvalidDegree)

	_, err = NewBTreeFile[int64, string](path, 3, nil, Int64StringSerializer())
	require.ErrorIs(t, err, ErrNilKeyOrder)

	incomplete := Int64StringSerializer()
	incomplete.DeserializeValue = nil
	_, err = NewBTreeFile(path, 3, DefaultKeyOrder[int64], incomplete)
	require.ErrorIs(t, err, ErrNilSerializer)

	_, err = OpenBTreeFile(filepath.Join(dir, "missing.db"), DefaultKeyOrder[int64], Int64StringSerializer())
	require.ErrorIs(t, err, ErrDBFileNotFound)
}

func TestNewBTreeFile_RefusesExistingFile(t *testing.T) {
	bt, path := newTestTree(t, 3)
	insertAll(t, bt, 1)
	require.NoError(t, bt.Close())

	_, err := NewBTreeFile(path, 3, DefaultKeyOrder[int64], Int64StringSerializer())
	require.ErrorIs(t, err, ErrDBFileExists)
}

func TestOpenOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tree.db")

	bt, err := OpenOrCreate(path, 4, DefaultKeyOrder[int64], Int64StringSerializer())
	require.NoError(t, err)
	insertAll(t, bt, 3, 1, 2)
	require.NoError(t, bt.Close())

	bt, err = OpenOrCreate(path, 9, DefaultKeyOrder[int64], Int64StringSerializer())
	require.NoError(t, err)
	defer bt.Close()
	require.Equal(t, 4, bt.Degree(), "degree comes from the file once it exists")
	requireKeys(t, bt, 1, 2, 3)
}

func TestClosedTree(t *testing.T) {
	bt, _ := newTestTree(t, 3)
	insertAll(t, bt, 1)
	require.NoError(t, bt.Close())
	require.NoError(t, bt.Close(), "close is idempotent")

	require.ErrorIs(t, bt.Insert(2, "x"), ErrTreeClosed)
	require.ErrorIs(t, bt.Delete(1), ErrTreeClosed)
	_, _, err := bt.Search(1)
	require.ErrorIs(t, err, ErrTreeClosed)
	_, _, err = bt.Min()
	require.ErrorIs(t, err, ErrTreeClosed)
	require.ErrorIs(t, bt.InOrder(func(int64, string) bool { return true }), ErrTreeClosed)
	require.ErrorIs(t, bt.Save(), ErrTreeClosed)
}

// --- Read operations ---

func TestEmptyTree(t *testing.T) {
	bt, _ := newTestTree(t, 3)

	v, ok, err := bt.Search(42)
	require.NoError(t, err, "searching an empty tree is not an error")
	require.False(t, ok)
	require.Empty(t, v)

	_, _, err = bt.Min()
	require.ErrorIs(t, err, ErrEmptyTree)
	_, _, err = bt.Max()
	require.ErrorIs(t, err, ErrEmptyTree)
	require.ErrorIs(t, bt.Save(), ErrEmptyTree)
	require.NoError(t, bt.Delete(42), "deleting from an empty tree is a no-op")

	n, err := bt.Len()
	require.NoError(t, err)
	require.Zero(t, n)
	require.NoError(t, bt.CheckInvariants())
	require.Equal(t, "BTree (empty)\n", bt.String())
}

func TestSearchMinMax(t *testing.T) {
	bt, _ := newTestTree(t, 2)
	insertAll(t, bt, 50, 20, 80, 10, 30, 70, 90, 60, 40, 100, 0)

	for _, k := range []int64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100} {
		v, ok, err := bt.Search(k)
		require.NoError(t, err)
		require.True(t, ok, "key %d", k)
		require.Equal(t, "v"+strconv.FormatInt(k, 10), v)
	}
	for _, k := range []int64{-1, 5, 55, 101} {
		_, ok, err := bt.Search(k)
		require.NoError(t, err)
		require.False(t, ok, "key %d", k)
	}

	k, v, err := bt.Min()
	require.NoError(t, err)
	require.Equal(t, int64(0), k)
	require.Equal(t, "v0", v)

	k, v, err = bt.Max()
	require.NoError(t, err)
	require.Equal(t, int64(100), k)
	require.Equal(t, "v100", v)
}

func TestInOrder_StopsEarly(t *testing.T) {
	bt, _ := newTestTree(t, 2)
	insertAll(t, bt, 9, 8, 7, 6, 5, 4, 3, 2, 1)

	var seen []int64
	require.NoError(t, bt.InOrder(func(k int64, _ string) bool {
		seen = append(seen, k)
		return k < 4
	}))
	require.Equal(t, []int64{1, 2, 3, 4}, seen)

	items, err := bt.Items()
	require.NoError(t, err)
	require.Len(t, items, 9)
	require.Equal(t, Item[int64, string]{Key: 1, Value: "v1"}, items[0])

	values, err := bt.Values()
	require.NoError(t, err)
	require.Equal(t, "v9", values[8])
}

// --- Insert ---

// TestScenario_DegreeThree inserts [10,20,5,6,12,30,7,17] at t=3. The root
// leaf fills at five keys and the sixth insert splits it around 10.
func TestScenario_DegreeThree(t *testing.T) {
	bt, _ := newTestTree(t, 3)

	insertAll(t, bt, 10, 20, 5, 6, 12)
	require.True(t, bt.root.IsLeaf())
	require.Equal(t, []int64{5, 6, 10, 12, 20}, bt.root.Keys())
	leafRoot := bt.RootPageID()

	insertAll(t, bt, 30)
	require.False(t, bt.root.IsLeaf(), "the sixth key splits the root")
	require.Equal(t, []int64{10}, bt.root.Keys())
	require.NotEqual(t, leafRoot, bt.RootPageID())
	require.Equal(t, uint32(3), bt.TotalNodes())

	insertAll(t, bt, 7, 17)
	require.Equal(t, []int64{10}, bt.root.Keys(), "no further split")
	left, err := bt.child(bt.root, 0)
	require.NoError(t, err)
	right, err := bt.child(bt.root, 1)
	require.NoError(t, err)
	require.Equal(t, []int64{5, 6, 7}, left.Keys())
	require.Equal(t, []int64{12, 17, 20, 30}, right.Keys())
	require.NoError(t, bt.CheckInvariants())

	require.NoError(t, bt.Delete(6))
	requireKeys(t, bt, 5, 7, 10, 12, 17, 20, 30)
	require.NoError(t, bt.CheckInvariants())

	_, ok, err := bt.Search(6)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInsert_Upsert(t *testing.T) {
	bt, _ := newTestTree(t, 2)

	insertAll(t, bt, 1, 2, 3)
	// the root is full; re-inserting its median updates the promoted key
	require.NoError(t, bt.Insert(2, "two"))
	require.Equal(t, []int64{2}, bt.root.Keys())

	insertAll(t, bt, 4, 5)
	// the right child is full; re-inserting its median updates it in the parent
	require.NoError(t, bt.Insert(4, "four"))
	require.Equal(t, []int64{2, 4}, bt.root.Keys())

	require.NoError(t, bt.Insert(5, "five"))

	n, err := bt.Len()
	require.NoError(t, err)
	require.Equal(t, 5, n)
	for k, want := range map[int64]string{1: "v1", 2: "two", 3: "v3", 4: "four", 5: "five"} {
		v, ok, err := bt.Search(k)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want, v)
	}
	require.NoError(t, bt.CheckInvariants())
}

// --- Delete ---

func TestDelete_MissingKeyIsNoOp(t *testing.T) {
	bt, _ := newTestTree(t, 3)
	insertAll(t, bt, 1, 2, 3, 4, 5, 6, 7, 8, 9)

	require.NoError(t, bt.Delete(100))
	require.NoError(t, bt.Delete(-1))
	require.NoError(t, bt.CheckInvariants())
	n, err := bt.Len()
	require.NoError(t, err)
	require.Equal(t, 9, n)
}

func TestDelete_FreedPageIsReusedFirst(t *testing.T) {
	bt, _ := newTestTree(t, 3)
	// root [3 6] over [1 2] [4 5] [7 8 9]
	insertAll(t, bt, 1, 2, 3, 4, 5, 6, 7, 8, 9)
	require.Equal(t, uint32(4), bt.TotalNodes())

	// [1 2] cannot spare a key and neither can [4 5]: they merge
	require.NoError(t, bt.Delete(1))
	pm := bt.PageManager()
	freed := pm.FreeListCache()
	require.Len(t, freed, 1)
	require.Equal(t, uint32(3), bt.TotalNodes())
	require.NoError(t, bt.CheckInvariants())

	// fill [7 8 9] and split it; the new sibling takes the freed page
	insertAll(t, bt, 10, 11, 12)
	require.Empty(t, pm.FreeListCache())
	require.Contains(t, bt.root.ChildPageIDs(), freed[0])
	require.Equal(t, uint32(4), bt.TotalNodes())
	requireKeys(t, bt, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12)
	require.NoError(t, bt.CheckInvariants())
}

func TestDelete_RootCollapse(t *testing.T) {
	bt, _ := newTestTree(t, 2)
	insertAll(t, bt, 1, 2, 3, 4)
	require.False(t, bt.root.IsLeaf())
	oldRoot := bt.RootPageID()

	for _, k := range []int64{4, 3} {
		require.NoError(t, bt.Delete(k))
		require.NoError(t, bt.CheckInvariants())
	}
	require.True(t, bt.root.IsLeaf(), "tree shrinks back to a single leaf")
	require.NotEqual(t, oldRoot, bt.RootPageID())
	require.Contains(t, bt.PageManager().FreeListCache(), oldRoot)

	require.NoError(t, bt.Delete(1))
	require.NoError(t, bt.Delete(2))
	require.Equal(t, InvalidPageID, bt.RootPageID())
	require.Equal(t, uint32(0), bt.TotalNodes())
	requireKeys(t, bt)

	// the tree is usable again after emptying
	insertAll(t, bt, 7)
	requireKeys(t, bt, 7)
}

func TestDelete_InternalKeyCases(t *testing.T) {
	bt, _ := newTestTree(t, 3)
	keys := make([]int64, 0, 60)
	for k := int64(1); k <= 60; k++ {
		keys = append(keys, k)
	}
	insertAll(t, bt, keys...)

	// delete separators first so the predecessor, successor and merge paths run
	for len(bt.root.keys) > 0 && !bt.root.isLeaf {
		k := bt.root.keys[0]
		require.NoError(t, bt.Delete(k))
		require.NoError(t, bt.CheckInvariants())
		keys = slices.DeleteFunc(keys, func(x int64) bool { return x == k })
		requireKeys(t, bt, keys...)
	}
	for _, k := range slices.Clone(keys) {
		require.NoError(t, bt.Delete(k))
		require.NoError(t, bt.CheckInvariants())
	}
	requireKeys(t, bt)
	require.Equal(t, uint32(0), bt.TotalNodes())
}

// TestRandomizedAgainstMap runs a random insert/delete workload and checks the
// tree against a map after every step.
func TestRandomizedAgainstMap(t *testing.T) {
	for _, degree := range []int{2, 3, 5} {
		t.Run("degree="+strconv.Itoa(degree), func(t *testing.T) {
			bt, path := newTestTree(t, degree, WithLogger(zap.NewNop()))
			rng := rand.New(rand.NewPCG(uint64(degree), 42))
			model := make(map[int64]string)

			for step := 0; step < 1500; step++ {
				k := rng.Int64N(300)
				if rng.IntN(10) < 6 {
					v := strconv.Itoa(step)
					require.NoError(t, bt.Insert(k, v))
					model[k] = v
				} else {
					require.NoError(t, bt.Delete(k))
					delete(model, k)
				}
				require.NoError(t, bt.CheckInvariants(), "step %d", step)

				probe := rng.Int64N(300)
				v, ok, err := bt.Search(probe)
				require.NoError(t, err)
				want, inModel := model[probe]
				require.Equal(t, inModel, ok, "step %d key %d", step, probe)
				require.Equal(t, want, v)
			}

			want := make([]int64, 0, len(model))
			for k := range model {
				want = append(want, k)
			}
			slices.Sort(want)
			requireKeys(t, bt, want...)

			before, err := bt.Items()
			require.NoError(t, err)
			require.NoError(t, bt.Close())

			reopened := openTestTree(t, path)
			require.NoError(t, reopened.CheckInvariants())
			after, err := reopened.Items()
			require.NoError(t, err)
			require.Equal(t, before, after)
		})
	}
}

// --- Persistence ---

func TestPersistence_RoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 500} {
		for _, eager := range []bool{false, true} {
			t.Run(strconv.Itoa(n)+"/eager="+strconv.FormatBool(eager), func(t *testing.T) {
				bt, path := newTestTree(t, 4)
				rng := rand.New(rand.NewPCG(uint64(n), 7))
				for i := 0; i < n; i++ {
					require.NoError(t, bt.Insert(rng.Int64(), strconv.Itoa(i)))
				}
				before, err := bt.Items()
				require.NoError(t, err)
				if n > 0 {
					require.NoError(t, bt.Save())
				}
				require.NoError(t, bt.Close())

				var opts []Option
				if eager {
					opts = append(opts, WithEagerLoad())
				}
				reopened := openTestTree(t, path, opts...)
				require.Equal(t, 4, reopened.Degree())
				require.Equal(t, bt.TotalNodes(), reopened.TotalNodes())
				after, err := reopened.Items()
				require.NoError(t, err)
				require.Equal(t, before, after)
				require.NoError(t, reopened.CheckInvariants())
			})
		}
	}
}

func TestOpen_LazyChildResolution(t *testing.T) {
	bt, path := newTestTree(t, 2)
	insertAll(t, bt, 1, 2, 3, 4, 5, 6, 7, 8)
	require.NoError(t, bt.Close())

	lazy := openTestTree(t, path)
	for _, c := range lazy.root.children {
		require.False(t, c.IsResolved())
	}
	reads := lazy.Stats().PageReads

	v, ok, err := lazy.Search(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", v)
	require.True(t, lazy.root.children[0].IsResolved())
	require.Greater(t, lazy.Stats().PageReads, reads)
	require.NoError(t, lazy.Close())

	eager := openTestTree(t, path, WithEagerLoad())
	for _, c := range eager.root.children {
		require.True(t, c.IsResolved())
	}
}

func TestOpen_TypeDescriptorMismatch(t *testing.T) {
	bt, path := newTestTree(t, 3)
	insertAll(t, bt, 1)
	require.NoError(t, bt.Close())

	_, err := OpenBTreeFile(path, DefaultKeyOrder[string], MsgpackSerializer[string, string]())
	require.ErrorIs(t, err, ErrKeyTypeMismatch)

	_, err = OpenBTreeFile(path, DefaultKeyOrder[int64], MsgpackSerializer[int64, int64]())
	require.ErrorIs(t, err, ErrElementTypeMismatch)
}

func TestInsert_KeyTypeEstablishedByFirstInsert(t *testing.T) {
	path := filepath.Join(t.TempDir(), "any.db")
	order := func(a, b any) int { return DefaultKeyOrder(a.(int64), b.(int64)) }
	bt, err := NewBTreeFile(path, 3, order, MsgpackSerializer[any, string]())
	require.NoError(t, err)
	defer bt.Close()
	require.Empty(t, bt.PageManager().Metadata().KeyType)

	require.NoError(t, bt.Insert(int64(1), "one"))
	require.Equal(t, "int64", bt.PageManager().Metadata().KeyType)
	require.Equal(t, "string", bt.PageManager().Metadata().ElementType)

	err = bt.Insert("one", "x")
	require.ErrorIs(t, err, ErrKeyTypeMismatch)
	_, _, err = bt.Search("one")
	require.ErrorIs(t, err, ErrKeyTypeMismatch)
	require.ErrorIs(t, bt.Delete(1.5), ErrKeyTypeMismatch)

	v, ok, err := bt.Search(int64(1))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "one", v)
}

// --- Debug surface ---

func TestString_DumpsEveryNode(t *testing.T) {
	bt, _ := newTestTree(t, 2)
	insertAll(t, bt, 1, 2, 3, 4)

	out := bt.String()
	require.Contains(t, out, "PageID: ")
	require.Contains(t, out, "ChildPageIDs (2)")
	require.Contains(t, out, "  PageID: ", "children are indented")
}

func TestCheckInvariants_DetectsCorruption(t *testing.T) {
	bt, _ := newTestTree(t, 3)
	insertAll(t, bt, 1, 2, 3, 4, 5, 6, 7, 8, 9)

	left, err := bt.child(bt.root, 0)
	require.NoError(t, err)
	left.keys[0], left.keys[1] = left.keys[1], left.keys[0]
	require.ErrorIs(t, bt.CheckInvariants(), ErrInvariantViolation)
}

func TestMetrics_CountStructuralEvents(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	bt, _ := newTestTree(t, 3, WithMeter(provider.Meter("btree_test")))
	insertAll(t, bt, 1, 2, 3, 4, 5, 6, 7, 8, 9)
	require.NoError(t, bt.Delete(1))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if s, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range s.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	require.Equal(t, int64(2), sums["gojodb.btree.node.splits"])
	require.Equal(t, int64(1), sums["gojodb.btree.node.merges"])
	require.Equal(t, int64(1), sums["gojodb.btree.page.frees"])
	require.Equal(t, int64(4), sums["gojodb.btree.page.allocations"])
	require.Positive(t, sums["gojodb.btree.page.writes"])
}
