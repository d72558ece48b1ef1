package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"

	pagemanager "github.com/sushant-115/gojodb/core/write_engine/page_manager"
)

// EncodeNode serializes a node into exactly one page buffer.
//
// Layout (big-endian):
//  1. isLeaf (1 byte)
//  2. numKeys (uint32)
//  3. keys, each as uint16 length + bytes
//  4. values, each as uint16 length + bytes
//  5. internal nodes only: numKeys+1 child PageIDs (uint32)
//
// Nothing is written to disk here. An encoding that does not fit the page fails
// with ErrCapacityExceeded.
func (pm *PageManager[K, V]) EncodeNode(n *Node[K, V]) ([]byte, error) {
	buffer := new(bytes.Buffer)

	// 1. isLeaf
	var leaf byte
	if n.isLeaf {
		leaf = 1
	}
	buffer.WriteByte(leaf)

	// 2. numKeys
	if err := binary.Write(buffer, binary.BigEndian, uint32(len(n.keys))); err != nil {
		return nil, fmt.Errorf("%w: writing numKeys: %v", ErrSerialization, err)
	}

	// 3. Keys
	for _, k := range n.keys {
		keyData, err := pm.serializer.SerializeKey(k)
		if err != nil {
			return nil, fmt.Errorf("%w: serializing key: %v", ErrSerialization, err)
		}
		if err := writeLenPrefixed(buffer, keyData); err != nil {
			return nil, err
		}
	}

	// 4. Values
	for _, v := range n.values {
		valData, err := pm.serializer.SerializeValue(v)
		if err != nil {
			return nil, fmt.Errorf("%w: serializing value: %v", ErrSerialization, err)
		}
		if err := writeLenPrefixed(buffer, valData); err != nil {
			return nil, err
		}
	}

	// 5. Child PageIDs
	if !n.isLeaf {
		if len(n.children) != len(n.keys)+1 {
			return nil, fmt.Errorf("%w: node %d has %d keys and %d children",
				ErrSerialization, n.pageID, len(n.keys), len(n.children))
		}
		for i, c := range n.children {
			id := c.PageID()
			if id == InvalidPageID {
				return nil, fmt.Errorf("%w: child %d of node %d", ErrMissingChild, i, n.pageID)
			}
			if err := binary.Write(buffer, binary.BigEndian, uint32(id)); err != nil {
				return nil, fmt.Errorf("%w: writing child page id: %v", ErrSerialization, err)
			}
		}
	}

	if buffer.Len() > pagemanager.PageSize {
		return nil, fmt.Errorf("%w: node %d encodes to %d bytes, page holds %d",
			ErrCapacityExceeded, n.pageID, buffer.Len(), pagemanager.PageSize)
	}
	pageData := make([]byte, pagemanager.PageSize)
	copy(pageData, buffer.Bytes())
	return pageData, nil
}

// DecodeNode is the mirror of EncodeNode. Children of an internal node come back
// as on-disk references.
func (pm *PageManager[K, V]) DecodeNode(data []byte) (*Node[K, V], error) {
	r := bytes.NewReader(data)

	leaf, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: reading isLeaf: %v", ErrDeserialization, err)
	}
	if leaf > 1 {
		return nil, fmt.Errorf("%w: isLeaf byte is %d", ErrDeserialization, leaf)
	}
	var numKeys uint32
	if err := binary.Read(r, binary.BigEndian, &numKeys); err != nil {
		return nil, fmt.Errorf("%w: reading numKeys: %v", ErrDeserialization, err)
	}
	// each key and value costs at least its 2-byte prefix
	if int64(numKeys)*4 > int64(r.Len()) {
		return nil, fmt.Errorf("%w: numKeys %d does not fit the page", ErrDeserialization, numKeys)
	}

	n := &Node[K, V]{
		isLeaf: leaf == 1,
		keys:   make([]K, numKeys),
		values: make([]V, numKeys),
	}

	for i := range n.keys {
		keyData, err := readLenPrefixed(r)
		if err != nil {
			return nil, fmt.Errorf("%w: reading key %d: %v", ErrDeserialization, i, err)
		}
		if n.keys[i], err = pm.serializer.DeserializeKey(keyData); err != nil {
			return nil, fmt.Errorf("%w: deserializing key %d: %v", ErrDeserialization, i, err)
		}
	}
	for i := range n.values {
		valData, err := readLenPrefixed(r)
		if err != nil {
			return nil, fmt.Errorf("%w: reading value %d: %v", ErrDeserialization, i, err)
		}
		if n.values[i], err = pm.serializer.DeserializeValue(valData); err != nil {
			return nil, fmt.Errorf("%w: deserializing value %d: %v", ErrDeserialization, i, err)
		}
	}

	if !n.isLeaf {
		n.children = make([]ChildRef[K, V], numKeys+1)
		for i := range n.children {
			var id uint32
			if err := binary.Read(r, binary.BigEndian, &id); err != nil {
				return nil, fmt.Errorf("%w: reading child %d: %v", ErrDeserialization, i, err)
			}
			if PageID(id) == InvalidPageID {
				return nil, fmt.Errorf("%w: child %d points at page 0", ErrDeserialization, i)
			}
			n.children[i] = onDisk[K, V](PageID(id))
		}
	}
	return n, nil
}
