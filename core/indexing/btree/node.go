package btree

import (
	pagemanager "github.com/sushant-115/gojodb/core/write_engine/page_manager"
)

// PageID is the page identifier used throughout the tree.
type PageID = pagemanager.PageID

const InvalidPageID = pagemanager.InvalidPageID

// ChildRef points at a child node. It is either resolved (the node is in memory)
// or on-disk (only the PageID is known). BTree.child turns the latter into the
// former and caches the result in the ref.
type ChildRef[K any, V any] struct {
	pageID PageID
	node   *Node[K, V]
}

func onDisk[K any, V any](id PageID) ChildRef[K, V] {
	return ChildRef[K, V]{pageID: id}
}

func resolved[K any, V any](n *Node[K, V]) ChildRef[K, V] {
	return ChildRef[K, V]{pageID: n.pageID, node: n}
}

// IsResolved reports whether the child node is already materialized.
func (r ChildRef[K, V]) IsResolved() bool { return r.node != nil }

// PageID returns the child's page, or InvalidPageID if it was never written.
func (r ChildRef[K, V]) PageID() PageID {
	if r.node != nil {
		return r.node.pageID
	}
	return r.pageID
}

// Node represents an in-memory B-tree node.
// Invariants: keys strictly increasing, len(values) == len(keys), and for internal
// nodes len(children) == len(keys)+1.
type Node[K any, V any] struct {
	pageID   PageID
	isLeaf   bool
	keys     []K
	values   []V
	children []ChildRef[K, V]
}

func newLeaf[K any, V any]() *Node[K, V] {
	return &Node[K, V]{
		isLeaf: true,
		keys:   make([]K, 0),
		values: make([]V, 0),
	}
}

func newInternal[K any, V any]() *Node[K, V] {
	return &Node[K, V]{
		keys:     make([]K, 0),
		values:   make([]V, 0),
		children: make([]ChildRef[K, V], 0),
	}
}

func (n *Node[K, V]) GetPageID() PageID { return n.pageID }
func (n *Node[K, V]) IsLeaf() bool      { return n.isLeaf }
func (n *Node[K, V]) NumKeys() int      { return len(n.keys) }

// Keys returns a copy of the node's keys.
func (n *Node[K, V]) Keys() []K {
	out := make([]K, len(n.keys))
	copy(out, n.keys)
	return out
}

// Values returns a copy of the node's elements.
func (n *Node[K, V]) Values() []V {
	out := make([]V, len(n.values))
	copy(out, n.values)
	return out
}

// ChildPageIDs returns the page ids of the node's children.
func (n *Node[K, V]) ChildPageIDs() []PageID {
	out := make([]PageID, len(n.children))
	for i, c := range n.children {
		out[i] = c.PageID()
	}
	return out
}
