package btree

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type testRecord struct {
	Name  string
	Count int64
	Tags  []string
}

func TestSerializeInt64(t *testing.T) {
	for _, k := range []int64{0, 1, -1, 1 << 40, -1 << 62} {
		data, err := SerializeInt64(k)
		require.NoError(t, err)
		require.Len(t, data, 8)
		got, err := DeserializeInt64(data)
		require.NoError(t, err)
		require.Equal(t, k, got)
	}

	_, err := DeserializeInt64([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrDeserialization)
}

func TestMsgpackSerializer(t *testing.T) {
	s := MsgpackSerializer[string, testRecord]()
	require.True(t, s.complete())

	rec := testRecord{Name: "alpha", Count: 12, Tags: []string{"a", "b"}}
	data, err := s.SerializeValue(rec)
	require.NoError(t, err)
	got, err := s.DeserializeValue(data)
	require.NoError(t, err)
	require.Equal(t, rec, got)

	kdata, err := s.SerializeKey("key")
	require.NoError(t, err)
	k, err := s.DeserializeKey(kdata)
	require.NoError(t, err)
	require.Equal(t, "key", k)

	_, err = s.DeserializeValue([]byte{0xc1})
	require.ErrorIs(t, err, ErrDeserialization)
}

func TestBSONSerializer(t *testing.T) {
	s := BSONSerializer[int64, string]()

	data, err := s.SerializeKey(-42)
	require.NoError(t, err)
	k, err := s.DeserializeKey(data)
	require.NoError(t, err)
	require.Equal(t, int64(-42), k)

	data, err = s.SerializeValue("hello")
	require.NoError(t, err)
	v, err := s.DeserializeValue(data)
	require.NoError(t, err)
	require.Equal(t, "hello", v)

	_, err = s.DeserializeValue([]byte{1, 2})
	require.ErrorIs(t, err, ErrDeserialization)
}

// TestTreeWithCodecs stores struct elements through each codec and reads them
// back from a reopened file.
func TestTreeWithCodecs(t *testing.T) {
	codecs := map[string]KeyValueSerializer[string, testRecord]{
		"msgpack": MsgpackSerializer[string, testRecord](),
		"bson":    BSONSerializer[string, testRecord](),
	}
	for name, s := range codecs {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name+".db")
			bt, err := NewBTreeFile(path, 2, DefaultKeyOrder[string], s)
			require.NoError(t, err)

			want := map[string]testRecord{}
			for _, key := range []string{"delta", "alpha", "echo", "bravo", "charlie", "foxtrot"} {
				rec := testRecord{Name: key, Count: int64(len(key)), Tags: []string{key[:1]}}
				require.NoError(t, bt.Insert(key, rec))
				want[key] = rec
			}
			require.NoError(t, bt.Close())

			bt, err = OpenBTreeFile(path, DefaultKeyOrder[string], s)
			require.NoError(t, err)
			defer bt.Close()

			keys, err := bt.Keys()
			require.NoError(t, err)
			require.Equal(t, []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot"}, keys)
			for k, rec := range want {
				got, ok, err := bt.Search(k)
				require.NoError(t, err)
				require.True(t, ok)
				require.Equal(t, rec, got)
			}
		})
	}
}
