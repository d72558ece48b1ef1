package btree

import (
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"
)

// Insert adds key with value, replacing the element if key is already present.
// Full nodes are split on the way down so the descent never has to back up.
func (bt *BTree[K, V]) Insert(key K, value V) error {
	if bt.closed {
		return ErrTreeClosed
	}
	defer bt.metrics.observe("insert", time.Now())

	if err := bt.checkKey(key); err != nil {
		return err
	}
	if err := bt.checkValue(value); err != nil {
		return err
	}
	if err := bt.recordTypes(key, value); err != nil {
		return err
	}

	if bt.root == nil {
		root := newLeaf[K, V]()
		root.keys = append(root.keys, key)
		root.values = append(root.values, value)
		if err := bt.write(root); err != nil {
			return fmt.Errorf("failed to write first root: %w", err)
		}
		return bt.setRoot(root)
	}

	if len(bt.root.keys) == bt.maxKeys() {
		if err := bt.splitRoot(); err != nil {
			return err
		}
	}
	return bt.insertNonFull(bt.root, key, value)
}

// recordTypes stores the descriptors of the first key and element when the
// static types did not already fix them.
func (bt *BTree[K, V]) recordTypes(key K, value V) error {
	meta := bt.pm.Metadata()
	if meta.KeyType != "" && meta.ElementType != "" {
		return nil
	}
	if meta.KeyType == "" {
		meta.KeyType = valueDescriptor(key)
	}
	if meta.ElementType == "" {
		meta.ElementType = valueDescriptor(value)
	}
	if err := bt.pm.WriteTreeMetadata(meta); err != nil {
		return fmt.Errorf("failed to record type descriptors: %w", err)
	}
	bt.logger.Debug("Type descriptors established",
		zap.String("key_type", meta.KeyType),
		zap.String("element_type", meta.ElementType))
	return nil
}

// insertNonFull places key into the subtree rooted at n, which is known to
// have room for one more key.
func (bt *BTree[K, V]) insertNonFull(n *Node[K, V], key K, value V) error {
	for {
		i, found := bt.find(n, key)
		if found {
			prev := n.values[i]
			n.values[i] = value
			if err := bt.write(n); err != nil {
				n.values[i] = prev
				return err
			}
			return nil
		}
		if n.isLeaf {
			n.keys = slices.Insert(n.keys, i, key)
			n.values = slices.Insert(n.values, i, value)
			if err := bt.write(n); err != nil {
				// an entry that cannot be written is not kept in memory either
				n.keys = slices.Delete(n.keys, i, i+1)
				n.values = slices.Delete(n.values, i, i+1)
				return err
			}
			return nil
		}

		child, err := bt.child(n, i)
		if err != nil {
			return err
		}
		if len(child.keys) == bt.maxKeys() {
			if err := bt.splitChild(n, i); err != nil {
				return err
			}
			// the promoted median now sits at n.keys[i]
			switch c := bt.keyOrder(key, n.keys[i]); {
			case c == 0:
				n.values[i] = value
				return bt.write(n)
			case c > 0:
				i++
			}
			if child, err = bt.child(n, i); err != nil {
				return err
			}
		}
		n = child
	}
}

// splitRoot grows the tree by one level: the old root becomes the only child
// of a new internal root and is then split.
func (bt *BTree[K, V]) splitRoot() error {
	old := bt.root
	newRoot := newInternal[K, V]()
	newRoot.children = append(newRoot.children, resolved(old))
	if err := bt.splitChild(newRoot, 0); err != nil {
		return err
	}
	if err := bt.setRoot(newRoot); err != nil {
		return err
	}
	bt.logger.Debug("Root split",
		zap.Uint32("old_root", uint32(old.pageID)),
		zap.Uint32("new_root", uint32(newRoot.pageID)))
	return nil
}

// splitChild splits the full child at parent.children[i] around its median.
// The left t-1 keys stay, the right t-1 keys move to a new sibling at i+1 and
// the median moves up into parent at i. All three nodes are written.
func (bt *BTree[K, V]) splitChild(parent *Node[K, V], i int) error {
	t := bt.degree
	child, err := bt.child(parent, i)
	if err != nil {
		return err
	}
	if len(child.keys) != bt.maxKeys() {
		panic(assertionFailed("split of page %d with %d keys, want %d", child.pageID, len(child.keys), bt.maxKeys()))
	}

	sibling := &Node[K, V]{
		isLeaf: child.isLeaf,
		keys:   slices.Clone(child.keys[t:]),
		values: slices.Clone(child.values[t:]),
	}
	if !child.isLeaf {
		sibling.children = slices.Clone(child.children[t:])
		child.children = slices.Delete(child.children, t, len(child.children))
	}

	midKey, midValue := child.keys[t-1], child.values[t-1]
	child.keys = slices.Delete(child.keys, t-1, len(child.keys))
	child.values = slices.Delete(child.values, t-1, len(child.values))

	parent.keys = slices.Insert(parent.keys, i, midKey)
	parent.values = slices.Insert(parent.values, i, midValue)
	parent.children = slices.Insert(parent.children, i+1, resolved(sibling))

	if err := bt.write(sibling); err != nil {
		return fmt.Errorf("writing new sibling during split: %w", err)
	}
	if err := bt.write(child); err != nil {
		return fmt.Errorf("writing child during split: %w", err)
	}
	if err := bt.write(parent); err != nil {
		return fmt.Errorf("writing parent during split: %w", err)
	}

	bt.metrics.inc(bt.metrics.NodeSplits)
	bt.logger.Debug("Split node",
		zap.Uint32("page_id", uint32(child.pageID)),
		zap.Uint32("sibling_page_id", uint32(sibling.pageID)),
		zap.Uint32("parent_page_id", uint32(parent.pageID)))
	return nil
}
