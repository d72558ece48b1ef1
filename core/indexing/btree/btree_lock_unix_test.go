//go:build unix

package btree

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpen_SecondHandleIsLocked(t *testing.T) {
	_, path := newTestTree(t, 3)

	_, err := OpenBTreeFile(path, DefaultKeyOrder[int64], Int64StringSerializer())
	require.ErrorIs(t, err, ErrFileLocked)
}
