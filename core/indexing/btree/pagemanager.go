package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	pagemanager "github.com/sushant-115/gojodb/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// TreeMetadata is the content of page 0.
//
// On-disk layout (big-endian):
//
//	root PageID (4) | free-list head (4) | degree (4) | total nodes (4) |
//	element descriptor len (2) + bytes | key descriptor len (2) + bytes
type TreeMetadata struct {
	RootPageID   PageID
	FreeListHead PageID
	Degree       uint32
	TotalNodes   uint32
	ElementType  string
	KeyType      string
}

// Stats are cumulative page-level counters for one PageManager.
type Stats struct {
	PageReads   uint64
	PageWrites  uint64
	Allocations uint64
	Reuses      uint64
	Frees       uint64
	FreeListLen int
}

// freeEntry mirrors one link of the on-disk free list.
type freeEntry struct {
	id   PageID
	next PageID
}

// PageManager is the only component that touches the backing file. It encodes
// nodes into pages, hands out and reclaims PageIDs and owns the metadata page.
// It holds no node state.
type PageManager[K any, V any] struct {
	dm         *pagemanager.DiskManager
	serializer KeyValueSerializer[K, V]
	meta       TreeMetadata
	nextPageID PageID

	// freeCache mirrors the head of the free list, most recently freed first.
	freeCache []freeEntry
	freeSet   map[PageID]struct{}

	stats   Stats
	metrics *Metrics
	logger  *zap.Logger
}

func newPageManager[K any, V any](dm *pagemanager.DiskManager, serializer KeyValueSerializer[K, V], metrics *Metrics, logger *zap.Logger) (*PageManager[K, V], error) {
	numPages, err := dm.NumPages()
	if err != nil {
		return nil, err
	}
	next := numPages
	if next < 1 {
		// page 0 is reserved for metadata
		next = 1
	}
	return &PageManager[K, V]{
		dm:         dm,
		serializer: serializer,
		nextPageID: next,
		freeSet:    make(map[PageID]struct{}),
		metrics:    metrics,
		logger:     logger,
	}, nil
}

// Metadata returns the in-memory copy of the tree metadata.
func (pm *PageManager[K, V]) Metadata() TreeMetadata { return pm.meta }

// Stats returns a snapshot of the page counters.
func (pm *PageManager[K, V]) Stats() Stats {
	s := pm.stats
	s.FreeListLen = len(pm.freeCache)
	return s
}

// FreeListCache returns the cached free PageIDs, most recently freed first.
func (pm *PageManager[K, V]) FreeListCache() []PageID {
	out := make([]PageID, len(pm.freeCache))
	for i, e := range pm.freeCache {
		out[i] = e.id
	}
	return out
}

func (pm *PageManager[K, V]) isFree(id PageID) bool {
	_, ok := pm.freeSet[id]
	return ok
}

// --- Page I/O ---

// StorePage writes the whole page at id*PageSize.
func (pm *PageManager[K, V]) StorePage(page *pagemanager.Page) error {
	if pm.isFree(page.GetPageID()) {
		return fmt.Errorf("%w: write to page %d", ErrUseAfterFree, page.GetPageID())
	}
	if err := pm.dm.WritePage(page); err != nil {
		return err
	}
	pm.stats.PageWrites++
	pm.metrics.inc(pm.metrics.PageWrites)
	return nil
}

// LoadPage reads exactly one page.
func (pm *PageManager[K, V]) LoadPage(id PageID) (*pagemanager.Page, error) {
	if pm.isFree(id) {
		return nil, fmt.Errorf("%w: read of page %d", ErrUseAfterFree, id)
	}
	page, err := pm.dm.ReadPage(id)
	if err != nil {
		return nil, err
	}
	pm.stats.PageReads++
	pm.metrics.inc(pm.metrics.PageReads)
	return page, nil
}

// --- Allocation ---

// AllocatePageID returns a page id for a new node: the most recently freed page
// if one is cached, else the on-disk free-list head, else a fresh page at the
// end of the file.
func (pm *PageManager[K, V]) AllocatePageID() (PageID, error) {
	var id PageID
	switch {
	case len(pm.freeCache) > 0:
		head := pm.freeCache[0]
		pm.freeCache = pm.freeCache[1:]
		delete(pm.freeSet, head.id)
		id = head.id
		pm.meta.FreeListHead = head.next
		pm.stats.Reuses++
		pm.logger.Debug("Reusing cached free page", zap.Uint32("page_id", uint32(id)), zap.Uint32("next_free", uint32(head.next)))

	case pm.meta.FreeListHead != InvalidPageID:
		head := pm.meta.FreeListHead
		page, err := pm.LoadPage(head)
		if err != nil {
			return InvalidPageID, fmt.Errorf("failed to read free-list head %d: %w", head, err)
		}
		next := PageID(binary.BigEndian.Uint32(page.GetBytes()[:4]))
		if next >= pm.nextPageID {
			return InvalidPageID, fmt.Errorf("%w: page %d links to %d", ErrCorruptFreeList, head, next)
		}
		id = head
		pm.meta.FreeListHead = next
		pm.stats.Reuses++
		pm.logger.Debug("Reusing on-disk free page", zap.Uint32("page_id", uint32(id)), zap.Uint32("next_free", uint32(next)))

	default:
		id = pm.nextPageID
		pm.nextPageID++
	}

	pm.meta.TotalNodes++
	pm.stats.Allocations++
	pm.metrics.inc(pm.metrics.PageAllocations)
	if err := pm.WriteTreeMetadata(pm.meta); err != nil {
		return InvalidPageID, err
	}
	return id, nil
}

// FreePageID threads id onto the front of the free list. The page's first four
// bytes are overwritten with the previous head; the rest is left stale.
func (pm *PageManager[K, V]) FreePageID(id PageID) error {
	if id == pagemanager.MetadataPageID || id >= pm.nextPageID {
		return fmt.Errorf("%w: cannot free page %d", ErrInvalidPageID, id)
	}
	page, err := pm.LoadPage(id)
	if err != nil {
		return fmt.Errorf("failed to free page %d: %w", id, err)
	}
	data := page.GetBytes()
	binary.BigEndian.PutUint32(data[:4], uint32(pm.meta.FreeListHead))
	if err := page.ModifyBytes(data); err != nil {
		return err
	}
	if err := pm.StorePage(page); err != nil {
		return err
	}

	pm.freeCache = append([]freeEntry{{id: id, next: pm.meta.FreeListHead}}, pm.freeCache...)
	pm.freeSet[id] = struct{}{}
	pm.meta.FreeListHead = id
	if pm.meta.TotalNodes > 0 {
		pm.meta.TotalNodes--
	}
	pm.stats.Frees++
	pm.metrics.inc(pm.metrics.PageFrees)
	pm.logger.Debug("Freed page", zap.Uint32("page_id", uint32(id)), zap.Int("free_list_len", len(pm.freeCache)))
	return pm.WriteTreeMetadata(pm.meta)
}

// --- Metadata ---

// WriteTreeMetadata rewrites page 0 and adopts meta as the current metadata.
func (pm *PageManager[K, V]) WriteTreeMetadata(meta TreeMetadata) error {
	buf := new(bytes.Buffer)
	for _, v := range []uint32{uint32(meta.RootPageID), uint32(meta.FreeListHead), meta.Degree, meta.TotalNodes} {
		if err := binary.Write(buf, binary.BigEndian, v); err != nil {
			return fmt.Errorf("%w: writing metadata: %v", ErrSerialization, err)
		}
	}
	for _, desc := range []string{meta.ElementType, meta.KeyType} {
		if err := writeLenPrefixed(buf, []byte(desc)); err != nil {
			return err
		}
	}
	if buf.Len() > pagemanager.PageSize {
		return fmt.Errorf("%w: metadata is %d bytes", ErrCapacityExceeded, buf.Len())
	}

	page := pagemanager.NewPage(pagemanager.MetadataPageID)
	data := make([]byte, pagemanager.PageSize)
	copy(data, buf.Bytes())
	if err := page.ModifyBytes(data); err != nil {
		return err
	}
	if err := pm.StorePage(page); err != nil {
		return fmt.Errorf("failed to write tree metadata: %w", err)
	}
	pm.meta = meta
	return nil
}

// ReadTreeMetadata reads page 0 and adopts it as the current metadata.
func (pm *PageManager[K, V]) ReadTreeMetadata() (TreeMetadata, error) {
	page, err := pm.LoadPage(pagemanager.MetadataPageID)
	if err != nil {
		return TreeMetadata{}, fmt.Errorf("failed to read tree metadata: %w", err)
	}
	r := bytes.NewReader(page.GetBytes())
	var fixed [4]uint32
	if err := binary.Read(r, binary.BigEndian, &fixed); err != nil {
		return TreeMetadata{}, fmt.Errorf("%w: reading metadata: %v", ErrDeserialization, err)
	}
	elemDesc, err := readLenPrefixed(r)
	if err != nil {
		return TreeMetadata{}, fmt.Errorf("%w: element descriptor: %v", ErrDeserialization, err)
	}
	keyDesc, err := readLenPrefixed(r)
	if err != nil {
		return TreeMetadata{}, fmt.Errorf("%w: key descriptor: %v", ErrDeserialization, err)
	}
	meta := TreeMetadata{
		RootPageID:   PageID(fixed[0]),
		FreeListHead: PageID(fixed[1]),
		Degree:       fixed[2],
		TotalNodes:   fixed[3],
		ElementType:  string(elemDesc),
		KeyType:      string(keyDesc),
	}
	if meta.RootPageID >= pm.nextPageID || meta.FreeListHead >= pm.nextPageID {
		return TreeMetadata{}, fmt.Errorf("%w: metadata references page beyond end of file (root %d, free head %d, pages %d)",
			ErrDeserialization, meta.RootPageID, meta.FreeListHead, pm.nextPageID)
	}
	pm.meta = meta
	return meta, nil
}

// --- Tree-level operations ---

// WriteNodeToDisk writes any children that were never written, encodes node,
// assigns it a page id if it has none, then stores it.
func (pm *PageManager[K, V]) WriteNodeToDisk(node *Node[K, V]) (PageID, error) {
	for i := range node.children {
		child := node.children[i].node
		if child == nil || child.pageID != InvalidPageID {
			continue
		}
		if _, err := pm.WriteNodeToDisk(child); err != nil {
			return InvalidPageID, err
		}
	}
	data, err := pm.EncodeNode(node)
	if err != nil {
		return InvalidPageID, err
	}
	if node.pageID == InvalidPageID {
		id, err := pm.AllocatePageID()
		if err != nil {
			return InvalidPageID, fmt.Errorf("failed to allocate page for node: %w", err)
		}
		node.pageID = id
	}
	page := pagemanager.NewPage(node.pageID)
	if err := page.ModifyBytes(data); err != nil {
		return InvalidPageID, err
	}
	if err := pm.StorePage(page); err != nil {
		return InvalidPageID, err
	}
	return node.pageID, nil
}

// ReadNode loads and decodes one page. Children stay on disk.
func (pm *PageManager[K, V]) ReadNode(id PageID) (*Node[K, V], error) {
	if id == pagemanager.MetadataPageID {
		return nil, fmt.Errorf("%w: page 0 holds metadata, not a node", ErrInvalidPageID)
	}
	page, err := pm.LoadPage(id)
	if err != nil {
		return nil, err
	}
	node, err := pm.DecodeNode(page.GetBytes())
	if err != nil {
		return nil, fmt.Errorf("failed to decode node on page %d: %w", id, err)
	}
	node.pageID = id
	return node, nil
}

// ReadNodeFromDisk loads a node and, recursively, every node below it.
func (pm *PageManager[K, V]) ReadNodeFromDisk(id PageID) (*Node[K, V], error) {
	node, err := pm.ReadNode(id)
	if err != nil {
		return nil, err
	}
	for i := range node.children {
		child, err := pm.ReadNodeFromDisk(node.children[i].pageID)
		if err != nil {
			return nil, err
		}
		node.children[i] = resolved(child)
	}
	return node, nil
}

// SaveTreeToDisk rewrites every materialized node under root, children first,
// points the metadata at root and syncs the file.
func (pm *PageManager[K, V]) SaveTreeToDisk(root *Node[K, V]) error {
	if root == nil {
		return ErrEmptyTree
	}
	if err := pm.saveSubtree(root); err != nil {
		return err
	}
	meta := pm.meta
	meta.RootPageID = root.pageID
	if err := pm.WriteTreeMetadata(meta); err != nil {
		return err
	}
	return pm.dm.Sync()
}

func (pm *PageManager[K, V]) saveSubtree(node *Node[K, V]) error {
	for i := range node.children {
		if child := node.children[i].node; child != nil {
			if err := pm.saveSubtree(child); err != nil {
				return err
			}
		}
	}
	_, err := pm.WriteNodeToDisk(node)
	return err
}

// LoadTreeFromDisk reads the metadata and eagerly loads the whole tree.
// It returns a nil root for an empty tree.
func (pm *PageManager[K, V]) LoadTreeFromDisk() (*Node[K, V], error) {
	meta, err := pm.ReadTreeMetadata()
	if err != nil {
		return nil, err
	}
	if meta.RootPageID == InvalidPageID {
		return nil, nil
	}
	return pm.ReadNodeFromDisk(meta.RootPageID)
}

// --- length-prefixed fields ---

func writeLenPrefixed(w *bytes.Buffer, b []byte) error {
	if len(b) > 0xFFFF {
		return fmt.Errorf("%w: field of %d bytes exceeds the 2-byte length prefix", ErrCapacityExceeded, len(b))
	}
	if err := binary.Write(w, binary.BigEndian, uint16(len(b))); err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	w.Write(b)
	return nil
}

func readLenPrefixed(r *bytes.Reader) ([]byte, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
