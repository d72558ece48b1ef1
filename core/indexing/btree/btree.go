package btree

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	pagemanager "github.com/sushant-115/gojodb/core/write_engine/page_manager"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// BTree is a disk-backed B-tree of minimum degree t. Every non-root node holds
// between t-1 and 2t-1 keys. Nodes are materialized from the backing file on
// demand and every structural change is written through immediately.
//
// A BTree is not safe for concurrent use.
type BTree[K any, V any] struct {
	dm       *pagemanager.DiskManager
	pm       *PageManager[K, V]
	root     *Node[K, V]
	degree   int
	keyOrder Order[K]

	// arena holds every materialized node by page id.
	arena map[PageID]*Node[K, V]

	closed  bool
	metrics *Metrics
	logger  *zap.Logger
}

// Item is one key/element pair as returned by Items.
type Item[K any, V any] struct {
	Key   K
	Value V
}

// --- Options ---

type options struct {
	logger    *zap.Logger
	meter     metric.Meter
	eagerLoad bool
}

// Option configures a BTree at construction time.
type Option func(*options)

// WithLogger sets the logger. The tree logs under the "btree" name.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMeter sets the OpenTelemetry meter the tree's instruments are created from.
func WithMeter(meter metric.Meter) Option {
	return func(o *options) { o.meter = meter }
}

// WithEagerLoad makes OpenBTreeFile read the whole tree into memory up front
// instead of resolving children as they are reached.
func WithEagerLoad() Option {
	return func(o *options) { o.eagerLoad = true }
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}

// --- Construction ---

func validateArgs[K any, V any](keyOrder Order[K], kvSerializer KeyValueSerializer[K, V]) error {
	if keyOrder == nil {
		return ErrNilKeyOrder
	}
	if !kvSerializer.complete() {
		return ErrNilSerializer
	}
	return nil
}

func newTree[K any, V any](dm *pagemanager.DiskManager, keyOrder Order[K], kvSerializer KeyValueSerializer[K, V], o options) (*BTree[K, V], error) {
	metrics, err := NewMetrics(o.meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create btree metrics: %w", err)
	}
	logger := o.logger.Named("btree")
	pm, err := newPageManager(dm, kvSerializer, metrics, logger.Named("page_manager"))
	if err != nil {
		return nil, err
	}
	return &BTree[K, V]{
		dm:       dm,
		pm:       pm,
		keyOrder: keyOrder,
		arena:    make(map[PageID]*Node[K, V]),
		metrics:  metrics,
		logger:   logger,
	}, nil
}

// NewBTreeFile creates a new backing file at filePath and an empty tree in it.
// It fails with ErrDBFileExists if the file already holds data.
func NewBTreeFile[K any, V any](filePath string, degree int, keyOrder Order[K], kvSerializer KeyValueSerializer[K, V], opts ...Option) (*BTree[K, V], error) {
	if degree < 2 {
		return nil, ErrInvalidDegree
	}
	if err := validateArgs(keyOrder, kvSerializer); err != nil {
		return nil, err
	}
	o := buildOptions(opts)

	dm, err := pagemanager.OpenDiskManager(filePath, o.logger)
	if err != nil {
		return nil, err
	}
	if !dm.IsNew() {
		_ = dm.Close()
		return nil, fmt.Errorf("%w: %s", ErrDBFileExists, filePath)
	}

	bt, err := newTree(dm, keyOrder, kvSerializer, o)
	if err != nil {
		_ = dm.Close()
		return nil, err
	}
	bt.degree = degree
	meta := TreeMetadata{
		RootPageID:   InvalidPageID,
		FreeListHead: InvalidPageID,
		Degree:       uint32(degree),
		KeyType:      staticDescriptor[K](),
		ElementType:  staticDescriptor[V](),
	}
	if err := bt.pm.WriteTreeMetadata(meta); err != nil {
		_ = dm.Close()
		return nil, fmt.Errorf("failed to initialize metadata: %w", err)
	}
	if err := dm.Sync(); err != nil {
		_ = dm.Close()
		return nil, err
	}

	bt.logger.Info("Created new B-tree file",
		zap.String("path", filePath),
		zap.Int("degree", degree),
		zap.String("key_type", meta.KeyType),
		zap.String("element_type", meta.ElementType))
	return bt, nil
}

// OpenBTreeFile opens an existing backing file. The degree is read from the
// file's metadata. The stored type descriptors must match K and V.
func OpenBTreeFile[K any, V any](filePath string, keyOrder Order[K], kvSerializer KeyValueSerializer[K, V], opts ...Option) (*BTree[K, V], error) {
	if err := validateArgs(keyOrder, kvSerializer); err != nil {
		return nil, err
	}
	if _, err := os.Stat(filePath); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrDBFileNotFound, filePath)
	}
	o := buildOptions(opts)

	dm, err := pagemanager.OpenDiskManager(filePath, o.logger)
	if err != nil {
		return nil, err
	}
	if dm.IsNew() {
		_ = dm.Close()
		return nil, fmt.Errorf("%w: %s is empty", ErrDBFileNotFound, filePath)
	}

	bt, err := newTree(dm, keyOrder, kvSerializer, o)
	if err != nil {
		_ = dm.Close()
		return nil, err
	}
	if err := bt.load(o.eagerLoad); err != nil {
		_ = dm.Close()
		return nil, err
	}

	bt.logger.Info("Opened B-tree file",
		zap.String("path", filePath),
		zap.Int("degree", bt.degree),
		zap.Uint32("root_page_id", uint32(bt.RootPageID())),
		zap.Uint32("total_nodes", bt.TotalNodes()),
		zap.Bool("eager", o.eagerLoad))
	return bt, nil
}

// OpenOrCreate opens filePath if it holds a tree and creates one otherwise.
// degree is ignored when the file already exists.
func OpenOrCreate[K any, V any](filePath string, degree int, keyOrder Order[K], kvSerializer KeyValueSerializer[K, V], opts ...Option) (*BTree[K, V], error) {
	fi, err := os.Stat(filePath)
	if err == nil && fi.Size() > 0 {
		return OpenBTreeFile(filePath, keyOrder, kvSerializer, opts...)
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: stat %s: %v", ErrIO, filePath, err)
	}
	return NewBTreeFile(filePath, degree, keyOrder, kvSerializer, opts...)
}

func (bt *BTree[K, V]) load(eager bool) error {
	meta, err := bt.pm.ReadTreeMetadata()
	if err != nil {
		return err
	}
	if meta.Degree < 2 {
		return fmt.Errorf("%w: stored degree is %d", ErrInvalidDegree, meta.Degree)
	}
	bt.degree = int(meta.Degree)

	if want := staticDescriptor[K](); want != "" && meta.KeyType != "" && want != meta.KeyType {
		return fmt.Errorf("%w: file holds %s, opened as %s", ErrKeyTypeMismatch, meta.KeyType, want)
	}
	if want := staticDescriptor[V](); want != "" && meta.ElementType != "" && want != meta.ElementType {
		return fmt.Errorf("%w: file holds %s, opened as %s", ErrElementTypeMismatch, meta.ElementType, want)
	}

	if meta.RootPageID == InvalidPageID {
		return nil
	}
	var root *Node[K, V]
	if eager {
		root, err = bt.pm.ReadNodeFromDisk(meta.RootPageID)
	} else {
		root, err = bt.pm.ReadNode(meta.RootPageID)
	}
	if err != nil {
		return fmt.Errorf("failed to load root page %d: %w", meta.RootPageID, err)
	}
	bt.root = root
	bt.register(root)
	return nil
}

// register adds n and every resolved node below it to the arena.
func (bt *BTree[K, V]) register(n *Node[K, V]) {
	if n.pageID != InvalidPageID {
		bt.arena[n.pageID] = n
	}
	for _, c := range n.children {
		if c.node != nil {
			bt.register(c.node)
		}
	}
}

// --- Node access and persistence ---

// child resolves parent.children[i], loading it from disk on first use and
// caching it in both the ref and the arena.
func (bt *BTree[K, V]) child(parent *Node[K, V], i int) (*Node[K, V], error) {
	ref := &parent.children[i]
	if ref.node != nil {
		return ref.node, nil
	}
	if n, ok := bt.arena[ref.pageID]; ok {
		ref.node = n
		return n, nil
	}
	n, err := bt.pm.ReadNode(ref.pageID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve child %d of page %d: %w", i, parent.pageID, err)
	}
	bt.arena[n.pageID] = n
	ref.node = n
	return n, nil
}

// write persists one node, allocating a page for it if it has none yet.
func (bt *BTree[K, V]) write(n *Node[K, V]) error {
	id, err := bt.pm.WriteNodeToDisk(n)
	if err != nil {
		return err
	}
	bt.arena[id] = n
	return nil
}

// free returns a detached node's page to the free list.
func (bt *BTree[K, V]) free(n *Node[K, V]) error {
	if n.pageID == InvalidPageID {
		return nil
	}
	id := n.pageID
	delete(bt.arena, id)
	n.pageID = InvalidPageID
	return bt.pm.FreePageID(id)
}

// setRoot points the tree and the metadata at n. A nil n empties the tree.
func (bt *BTree[K, V]) setRoot(n *Node[K, V]) error {
	bt.root = n
	meta := bt.pm.Metadata()
	meta.RootPageID = InvalidPageID
	if n != nil {
		meta.RootPageID = n.pageID
	}
	if err := bt.pm.WriteTreeMetadata(meta); err != nil {
		return fmt.Errorf("failed to update root page id: %w", err)
	}
	bt.logger.Debug("Root changed", zap.Uint32("root_page_id", uint32(meta.RootPageID)))
	return nil
}

// find returns the index of the first key >= key and whether it is an exact match.
func (bt *BTree[K, V]) find(n *Node[K, V], key K) (int, bool) {
	return slices.BinarySearchFunc(n.keys, key, bt.keyOrder)
}

func (bt *BTree[K, V]) maxKeys() int { return 2*bt.degree - 1 }

// checkKey rejects keys whose dynamic type differs from the one the tree holds.
func (bt *BTree[K, V]) checkKey(key K) error {
	want := bt.pm.Metadata().KeyType
	if want == "" {
		return nil
	}
	if got := valueDescriptor(key); got != want {
		return fmt.Errorf("%w: got %s, tree holds %s", ErrKeyTypeMismatch, got, want)
	}
	return nil
}

func (bt *BTree[K, V]) checkValue(value V) error {
	want := bt.pm.Metadata().ElementType
	if want == "" {
		return nil
	}
	if got := valueDescriptor(value); got != want {
		return fmt.Errorf("%w: got %s, tree holds %s", ErrElementTypeMismatch, got, want)
	}
	return nil
}

// --- Read operations ---

// search returns the node holding key and the key's index in it, or a nil node.
func (bt *BTree[K, V]) search(key K) (*Node[K, V], int, error) {
	n := bt.root
	for n != nil {
		i, found := bt.find(n, key)
		if found {
			return n, i, nil
		}
		if n.isLeaf {
			return nil, 0, nil
		}
		var err error
		if n, err = bt.child(n, i); err != nil {
			return nil, 0, err
		}
	}
	return nil, 0, nil
}

// Search returns the element stored under key. A missing key is not an error.
func (bt *BTree[K, V]) Search(key K) (V, bool, error) {
	var zero V
	if bt.closed {
		return zero, false, ErrTreeClosed
	}
	defer bt.metrics.observe("search", time.Now())
	if err := bt.checkKey(key); err != nil {
		return zero, false, err
	}
	n, i, err := bt.search(key)
	if err != nil || n == nil {
		return zero, false, err
	}
	return n.values[i], true, nil
}

// Min returns the smallest key and its element.
func (bt *BTree[K, V]) Min() (K, V, error) {
	return bt.edge(func(n *Node[K, V]) int { return 0 })
}

// Max returns the largest key and its element.
func (bt *BTree[K, V]) Max() (K, V, error) {
	return bt.edge(func(n *Node[K, V]) int { return len(n.children) - 1 })
}

// edge descends along pick to a leaf and returns that leaf's boundary entry.
func (bt *BTree[K, V]) edge(pick func(*Node[K, V]) int) (K, V, error) {
	var zeroK K
	var zeroV V
	if bt.closed {
		return zeroK, zeroV, ErrTreeClosed
	}
	if bt.root == nil {
		return zeroK, zeroV, ErrEmptyTree
	}
	n := bt.root
	for !n.isLeaf {
		var err error
		if n, err = bt.child(n, pick(n)); err != nil {
			return zeroK, zeroV, err
		}
	}
	i := 0
	if pick(n) != 0 {
		i = len(n.keys) - 1
	}
	return n.keys[i], n.values[i], nil
}

// subtreeMax returns the largest entry under n.
func (bt *BTree[K, V]) subtreeMax(n *Node[K, V]) (K, V, error) {
	for !n.isLeaf {
		var err error
		if n, err = bt.child(n, len(n.children)-1); err != nil {
			var zeroK K
			var zeroV V
			return zeroK, zeroV, err
		}
	}
	last := len(n.keys) - 1
	return n.keys[last], n.values[last], nil
}

// subtreeMin returns the smallest entry under n.
func (bt *BTree[K, V]) subtreeMin(n *Node[K, V]) (K, V, error) {
	for !n.isLeaf {
		var err error
		if n, err = bt.child(n, 0); err != nil {
			var zeroK K
			var zeroV V
			return zeroK, zeroV, err
		}
	}
	return n.keys[0], n.values[0], nil
}

// --- Accessors ---

func (bt *BTree[K, V]) Degree() int { return bt.degree }

// TotalNodes returns the number of allocated node pages.
func (bt *BTree[K, V]) TotalNodes() uint32 { return bt.pm.Metadata().TotalNodes }

// RootPageID returns the root's page, or InvalidPageID for an empty tree.
func (bt *BTree[K, V]) RootPageID() PageID {
	if bt.root == nil {
		return InvalidPageID
	}
	return bt.root.pageID
}

// Stats returns the page-level counters.
func (bt *BTree[K, V]) Stats() Stats { return bt.pm.Stats() }

// PageManager exposes the tree's page manager.
func (bt *BTree[K, V]) PageManager() *PageManager[K, V] { return bt.pm }

// Len counts the keys in the tree. It walks every node.
func (bt *BTree[K, V]) Len() (int, error) {
	n := 0
	err := bt.InOrder(func(K, V) bool {
		n++
		return true
	})
	return n, err
}

// --- Lifecycle ---

// Save rewrites every materialized node and the metadata, then syncs.
func (bt *BTree[K, V]) Save() error {
	if bt.closed {
		return ErrTreeClosed
	}
	if bt.root == nil {
		return ErrEmptyTree
	}
	if err := bt.pm.SaveTreeToDisk(bt.root); err != nil {
		return fmt.Errorf("failed to save tree: %w", err)
	}
	bt.register(bt.root)
	return nil
}

// Close syncs and releases the backing file. Calling Close twice is a no-op.
func (bt *BTree[K, V]) Close() error {
	if bt.closed {
		return nil
	}
	bt.closed = true
	if err := bt.dm.Close(); err != nil {
		return err
	}
	bt.logger.Info("Closed B-tree file", zap.String("path", bt.dm.FilePath()))
	return nil
}

// String renders the tree one node per line, indented by depth. Children are
// loaded from disk as needed.
func (bt *BTree[K, V]) String() string {
	if bt.root == nil {
		return "BTree (empty)\n"
	}
	var sb strings.Builder
	if err := bt.dump(&sb, bt.root, 0); err != nil {
		fmt.Fprintf(&sb, "Error generating string: %v\n", err)
	}
	return sb.String()
}

func (bt *BTree[K, V]) dump(sb *strings.Builder, n *Node[K, V], level int) error {
	indent := strings.Repeat("  ", level)
	fmt.Fprintf(sb, "%sPageID: %d (Leaf: %v, Keys: %d)\n", indent, n.pageID, n.isLeaf, len(n.keys))
	fmt.Fprintf(sb, "%s  Keys: %v\n", indent, n.keys)
	fmt.Fprintf(sb, "%s  Values: %v\n", indent, n.values)
	if n.isLeaf {
		return nil
	}
	fmt.Fprintf(sb, "%s  ChildPageIDs (%d): %v\n", indent, len(n.children), n.ChildPageIDs())
	for i := range n.children {
		c, err := bt.child(n, i)
		if err != nil {
			return err
		}
		if err := bt.dump(sb, c, level+1); err != nil {
			return err
		}
	}
	return nil
}
