package btree

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"reflect"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"go.mongodb.org/mongo-driver/bson"
)

// Order compares two keys and returns -1, 0 or +1.
type Order[K any] func(a, b K) int

// KeyValueSerializer turns keys and elements into opaque byte strings and back.
// The tree never looks inside the bytes.
type KeyValueSerializer[K any, V any] struct {
	SerializeKey     func(K) ([]byte, error)
	DeserializeKey   func([]byte) (K, error)
	SerializeValue   func(V) ([]byte, error)
	DeserializeValue func([]byte) (V, error)
}

func (s KeyValueSerializer[K, V]) complete() bool {
	return s.SerializeKey != nil && s.DeserializeKey != nil &&
		s.SerializeValue != nil && s.DeserializeValue != nil
}

// DefaultKeyOrder provides a comparison function for ordered types.
func DefaultKeyOrder[K cmp.Ordered](a, b K) int {
	return cmp.Compare(a, b)
}

// --- msgpack ---

var msgpackHandle = &codec.MsgpackHandle{}

func msgpackEncode[T any](v T) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, msgpackHandle).Encode(v); err != nil {
		return nil, fmt.Errorf("%w: msgpack encode %T: %v", ErrSerialization, v, err)
	}
	return out, nil
}

func msgpackDecode[T any](data []byte) (T, error) {
	var v T
	if err := codec.NewDecoderBytes(data, msgpackHandle).Decode(&v); err != nil {
		return v, fmt.Errorf("%w: msgpack decode %T: %v", ErrDeserialization, v, err)
	}
	return v, nil
}

// MsgpackSerializer encodes keys and elements with msgpack. It is the default
// codec and works for any type the msgpack codec can round-trip.
func MsgpackSerializer[K any, V any]() KeyValueSerializer[K, V] {
	return KeyValueSerializer[K, V]{
		SerializeKey:     msgpackEncode[K],
		DeserializeKey:   msgpackDecode[K],
		SerializeValue:   msgpackEncode[V],
		DeserializeValue: msgpackDecode[V],
	}
}

// --- bson ---

// BSON documents must be embedded documents at the top level, so scalars are
// boxed into a single-field document.
type bsonBox[T any] struct {
	V T `bson:"v"`
}

func bsonEncode[T any](v T) ([]byte, error) {
	out, err := bson.Marshal(bsonBox[T]{V: v})
	if err != nil {
		return nil, fmt.Errorf("%w: bson encode %T: %v", ErrSerialization, v, err)
	}
	return out, nil
}

func bsonDecode[T any](data []byte) (T, error) {
	var box bsonBox[T]
	if err := bson.Unmarshal(data, &box); err != nil {
		return box.V, fmt.Errorf("%w: bson decode %T: %v", ErrDeserialization, box.V, err)
	}
	return box.V, nil
}

// BSONSerializer encodes keys and elements as single-field BSON documents.
func BSONSerializer[K any, V any]() KeyValueSerializer[K, V] {
	return KeyValueSerializer[K, V]{
		SerializeKey:     bsonEncode[K],
		DeserializeKey:   bsonDecode[K],
		SerializeValue:   bsonEncode[V],
		DeserializeValue: bsonDecode[V],
	}
}

// --- fixed-width helpers ---

// SerializeInt64 serializes an int64 to 8 big-endian bytes.
func SerializeInt64(k int64) ([]byte, error) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(k))
	return buf, nil
}

// DeserializeInt64 deserializes 8 big-endian bytes to an int64.
func DeserializeInt64(data []byte) (int64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("%w: int64 data must be 8 bytes, got %d", ErrDeserialization, len(data))
	}
	return int64(binary.BigEndian.Uint64(data)), nil
}

// SerializeString serializes a string to a byte slice.
func SerializeString(s string) ([]byte, error) {
	return []byte(s), nil
}

// DeserializeString deserializes a byte slice to a string.
func DeserializeString(data []byte) (string, error) {
	return string(data), nil
}

// Int64StringSerializer pairs the fixed-width int64 key codec with raw string elements.
func Int64StringSerializer() KeyValueSerializer[int64, string] {
	return KeyValueSerializer[int64, string]{
		SerializeKey:     SerializeInt64,
		DeserializeKey:   DeserializeInt64,
		SerializeValue:   SerializeString,
		DeserializeValue: DeserializeString,
	}
}

// --- type descriptors ---

// staticDescriptor names the static type T, or "" when T is an interface and the
// descriptor can only be known from a concrete value.
func staticDescriptor[T any]() string {
	rt := reflect.TypeOf((*T)(nil)).Elem()
	if rt.Kind() == reflect.Interface {
		return ""
	}
	return rt.String()
}

// valueDescriptor names the dynamic type of v.
func valueDescriptor(v any) string {
	return fmt.Sprintf("%T", v)
}
