package btree

import (
	"slices"
	"time"

	"go.uber.org/zap"
)

// Delete removes key and its element. Deleting an absent key is a no-op.
// Every child is topped up to at least t keys before the descent enters it, so
// removal from a leaf never underflows.
func (bt *BTree[K, V]) Delete(key K) error {
	if bt.closed {
		return ErrTreeClosed
	}
	defer bt.metrics.observe("delete", time.Now())
	if err := bt.checkKey(key); err != nil {
		return err
	}
	if bt.root == nil {
		return nil
	}

	if err := bt.delete(bt.root, key); err != nil {
		return err
	}
	if len(bt.root.keys) > 0 {
		return nil
	}

	old := bt.root
	if old.isLeaf {
		if err := bt.setRoot(nil); err != nil {
			return err
		}
	} else {
		child, err := bt.child(old, 0)
		if err != nil {
			return err
		}
		if err := bt.setRoot(child); err != nil {
			return err
		}
	}
	return bt.free(old)
}

func (bt *BTree[K, V]) delete(n *Node[K, V], key K) error {
	t := bt.degree
	for {
		i, found := bt.find(n, key)

		if n.isLeaf {
			if !found {
				return nil
			}
			if n != bt.root && len(n.keys) < t {
				panic(assertionFailed("delete from leaf %d with %d keys, degree %d", n.pageID, len(n.keys), t))
			}
			n.keys = slices.Delete(n.keys, i, i+1)
			n.values = slices.Delete(n.values, i, i+1)
			return bt.write(n)
		}

		if found {
			left, err := bt.child(n, i)
			if err != nil {
				return err
			}
			if len(left.keys) >= t {
				// replace with the predecessor, then delete it from the left subtree
				pk, pv, err := bt.subtreeMax(left)
				if err != nil {
					return err
				}
				n.keys[i], n.values[i] = pk, pv
				if err := bt.write(n); err != nil {
					return err
				}
				n, key = left, pk
				continue
			}
			right, err := bt.child(n, i+1)
			if err != nil {
				return err
			}
			if len(right.keys) >= t {
				sk, sv, err := bt.subtreeMin(right)
				if err != nil {
					return err
				}
				n.keys[i], n.values[i] = sk, sv
				if err := bt.write(n); err != nil {
					return err
				}
				n, key = right, sk
				continue
			}
			if err := bt.mergeRightIntoChild(n, i); err != nil {
				return err
			}
			n = left
			continue
		}

		child, err := bt.child(n, i)
		if err != nil {
			return err
		}
		if len(child.keys) < t {
			if child, err = bt.fill(n, i); err != nil {
				return err
			}
		}
		n = child
	}
}

// fill brings parent.children[i] up to at least t keys, borrowing from a
// sibling when one can spare a key and merging otherwise. It returns the node
// the descent should continue into.
func (bt *BTree[K, V]) fill(parent *Node[K, V], i int) (*Node[K, V], error) {
	t := bt.degree
	if i > 0 {
		left, err := bt.child(parent, i-1)
		if err != nil {
			return nil, err
		}
		if len(left.keys) >= t {
			if err := bt.borrowLeft(parent, i); err != nil {
				return nil, err
			}
			return parent.children[i].node, nil
		}
	}
	if i < len(parent.keys) {
		right, err := bt.child(parent, i+1)
		if err != nil {
			return nil, err
		}
		if len(right.keys) >= t {
			if err := bt.borrowRight(parent, i); err != nil {
				return nil, err
			}
			return parent.children[i].node, nil
		}
		if err := bt.mergeRightIntoChild(parent, i); err != nil {
			return nil, err
		}
		return parent.children[i].node, nil
	}
	if err := bt.mergeWithLeft(parent, i); err != nil {
		return nil, err
	}
	return parent.children[i-1].node, nil
}

// borrowLeft rotates the last entry of the left sibling through the parent
// into the front of parent.children[i].
func (bt *BTree[K, V]) borrowLeft(parent *Node[K, V], i int) error {
	child, left := parent.children[i].node, parent.children[i-1].node
	last := len(left.keys) - 1

	child.keys = slices.Insert(child.keys, 0, parent.keys[i-1])
	child.values = slices.Insert(child.values, 0, parent.values[i-1])
	parent.keys[i-1], parent.values[i-1] = left.keys[last], left.values[last]
	left.keys = slices.Delete(left.keys, last, last+1)
	left.values = slices.Delete(left.values, last, last+1)
	if !child.isLeaf {
		lastChild := len(left.children) - 1
		child.children = slices.Insert(child.children, 0, left.children[lastChild])
		left.children = slices.Delete(left.children, lastChild, lastChild+1)
	}

	bt.metrics.inc(bt.metrics.NodeBorrows)
	bt.logger.Debug("Borrowed from left sibling",
		zap.Uint32("page_id", uint32(child.pageID)),
		zap.Uint32("sibling_page_id", uint32(left.pageID)))
	return bt.writeAll(left, child, parent)
}

// borrowRight rotates the first entry of the right sibling through the parent
// onto the end of parent.children[i].
func (bt *BTree[K, V]) borrowRight(parent *Node[K, V], i int) error {
	child, right := parent.children[i].node, parent.children[i+1].node

	child.keys = append(child.keys, parent.keys[i])
	child.values = append(child.values, parent.values[i])
	parent.keys[i], parent.values[i] = right.keys[0], right.values[0]
	right.keys = slices.Delete(right.keys, 0, 1)
	right.values = slices.Delete(right.values, 0, 1)
	if !child.isLeaf {
		child.children = append(child.children, right.children[0])
		right.children = slices.Delete(right.children, 0, 1)
	}

	bt.metrics.inc(bt.metrics.NodeBorrows)
	bt.logger.Debug("Borrowed from right sibling",
		zap.Uint32("page_id", uint32(child.pageID)),
		zap.Uint32("sibling_page_id", uint32(right.pageID)))
	return bt.writeAll(right, child, parent)
}

// mergeRightIntoChild folds parent.keys[i] and the right sibling into
// parent.children[i] and frees the sibling's page.
func (bt *BTree[K, V]) mergeRightIntoChild(parent *Node[K, V], i int) error {
	child, right := parent.children[i].node, parent.children[i+1].node
	bt.absorb(parent, i, child, right)
	if err := bt.writeAll(child, parent); err != nil {
		return err
	}
	return bt.free(right)
}

// mergeWithLeft folds parent.children[i] into its left sibling and frees the
// child's page.
func (bt *BTree[K, V]) mergeWithLeft(parent *Node[K, V], i int) error {
	left, child := parent.children[i-1].node, parent.children[i].node
	bt.absorb(parent, i-1, left, child)
	if err := bt.writeAll(left, parent); err != nil {
		return err
	}
	return bt.free(child)
}

// absorb appends the separator parent.keys[sep] and all of right into left,
// then drops the separator and right's slot from parent.
func (bt *BTree[K, V]) absorb(parent *Node[K, V], sep int, left, right *Node[K, V]) {
	left.keys = append(left.keys, parent.keys[sep])
	left.values = append(left.values, parent.values[sep])
	left.keys = append(left.keys, right.keys...)
	left.values = append(left.values, right.values...)
	left.children = append(left.children, right.children...)

	parent.keys = slices.Delete(parent.keys, sep, sep+1)
	parent.values = slices.Delete(parent.values, sep, sep+1)
	parent.children = slices.Delete(parent.children, sep+1, sep+2)

	if len(left.keys) != bt.maxKeys() {
		panic(assertionFailed("merge into page %d produced %d keys, want %d", left.pageID, len(left.keys), bt.maxKeys()))
	}
	bt.metrics.inc(bt.metrics.NodeMerges)
	bt.logger.Debug("Merged siblings",
		zap.Uint32("page_id", uint32(left.pageID)),
		zap.Uint32("absorbed_page_id", uint32(right.pageID)),
		zap.Uint32("parent_page_id", uint32(parent.pageID)))
}

func (bt *BTree[K, V]) writeAll(nodes ...*Node[K, V]) error {
	for _, n := range nodes {
		if err := bt.write(n); err != nil {
			return err
		}
	}
	return nil
}
