package btree

import "time"

type frame[K any, V any] struct {
	node *Node[K, V]
	next int // next key to visit; children[:next] are done
}

// InOrder calls fn for every entry in ascending key order until fn returns
// false. Children are loaded from disk as the walk reaches them.
func (bt *BTree[K, V]) InOrder(fn func(K, V) bool) error {
	if bt.closed {
		return ErrTreeClosed
	}
	if bt.root == nil {
		return nil
	}
	defer bt.metrics.observe("scan", time.Now())

	var stack []frame[K, V]
	pushLeft := func(n *Node[K, V]) error {
		for {
			stack = append(stack, frame[K, V]{node: n})
			if n.isLeaf {
				return nil
			}
			var err error
			if n, err = bt.child(n, 0); err != nil {
				return err
			}
		}
	}

	if err := pushLeft(bt.root); err != nil {
		return err
	}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next >= len(top.node.keys) {
			stack = stack[:len(stack)-1]
			continue
		}
		n, i := top.node, top.next
		top.next++
		if !fn(n.keys[i], n.values[i]) {
			return nil
		}
		if !n.isLeaf {
			c, err := bt.child(n, i+1)
			if err != nil {
				return err
			}
			if err := pushLeft(c); err != nil {
				return err
			}
		}
	}
	return nil
}

// Keys returns every key in ascending order.
func (bt *BTree[K, V]) Keys() ([]K, error) {
	var out []K
	err := bt.InOrder(func(k K, _ V) bool {
		out = append(out, k)
		return true
	})
	return out, err
}

// Values returns every element in ascending key order.
func (bt *BTree[K, V]) Values() ([]V, error) {
	var out []V
	err := bt.InOrder(func(_ K, v V) bool {
		out = append(out, v)
		return true
	})
	return out, err
}

// Items returns every key/element pair in ascending key order.
func (bt *BTree[K, V]) Items() ([]Item[K, V], error) {
	var out []Item[K, V]
	err := bt.InOrder(func(k K, v V) bool {
		out = append(out, Item[K, V]{Key: k, Value: v})
		return true
	})
	return out, err
}
