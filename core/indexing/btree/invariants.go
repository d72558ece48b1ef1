package btree

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// assertionFailed builds the error a structural bug panics with.
func assertionFailed(format string, args ...interface{}) error {
	return errors.AssertionFailedf("btree: "+format, args...)
}

// CheckInvariants walks the whole tree and verifies key order, separator
// bounds, key counts, child counts and uniform leaf depth. The first violation
// is returned wrapped in ErrInvariantViolation.
func (bt *BTree[K, V]) CheckInvariants() error {
	if bt.closed {
		return ErrTreeClosed
	}
	if bt.root == nil {
		return nil
	}
	leafDepth := -1
	return bt.checkNode(bt.root, nil, nil, 0, &leafDepth)
}

func (bt *BTree[K, V]) checkNode(n *Node[K, V], lo, hi *K, depth int, leafDepth *int) error {
	violation := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: page %d: %s", ErrInvariantViolation, n.pageID, fmt.Sprintf(format, args...))
	}

	if n.pageID == InvalidPageID {
		return violation("node was never written")
	}
	if len(n.values) != len(n.keys) {
		return violation("%d keys but %d elements", len(n.keys), len(n.values))
	}
	if len(n.keys) > bt.maxKeys() {
		return violation("%d keys exceeds maximum %d", len(n.keys), bt.maxKeys())
	}
	if n != bt.root && len(n.keys) < bt.degree-1 {
		return violation("%d keys below minimum %d", len(n.keys), bt.degree-1)
	}
	if n == bt.root && len(n.keys) == 0 {
		return violation("root has no keys")
	}
	for i := range n.keys {
		if i > 0 && bt.keyOrder(n.keys[i-1], n.keys[i]) >= 0 {
			return violation("keys %v and %v out of order", n.keys[i-1], n.keys[i])
		}
		if lo != nil && bt.keyOrder(*lo, n.keys[i]) >= 0 {
			return violation("key %v not above separator %v", n.keys[i], *lo)
		}
		if hi != nil && bt.keyOrder(n.keys[i], *hi) >= 0 {
			return violation("key %v not below separator %v", n.keys[i], *hi)
		}
	}

	if n.isLeaf {
		if len(n.children) != 0 {
			return violation("leaf has %d children", len(n.children))
		}
		if *leafDepth == -1 {
			*leafDepth = depth
		} else if *leafDepth != depth {
			return violation("leaf at depth %d, expected %d", depth, *leafDepth)
		}
		return nil
	}

	if len(n.children) != len(n.keys)+1 {
		return violation("%d keys but %d children", len(n.keys), len(n.children))
	}
	for i := range n.children {
		c, err := bt.child(n, i)
		if err != nil {
			return err
		}
		cLo, cHi := lo, hi
		if i > 0 {
			cLo = &n.keys[i-1]
		}
		if i < len(n.keys) {
			cHi = &n.keys[i]
		}
		if err := bt.checkNode(c, cLo, cHi, depth+1, leafDepth); err != nil {
			return err
		}
	}
	return nil
}
