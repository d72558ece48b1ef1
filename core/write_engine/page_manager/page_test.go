package pagemanager

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPage_GetBytesReturnsCopy(t *testing.T) {
	p := NewPage(7)
	require.Equal(t, PageID(7), p.GetPageID())

	b := p.GetBytes()
	require.Len(t, b, PageSize)
	b[0] = 0xFF
	require.Equal(t, byte(0), p.GetBytes()[0], "mutating the copy must not touch the page")
}

func TestPage_ModifyBytesRequiresFullPage(t *testing.T) {
	p := NewPage(1)

	err := p.ModifyBytes(make([]byte, PageSize-1))
	require.ErrorIs(t, err, ErrCapacityExceeded)
	err = p.ModifyBytes(make([]byte, PageSize+1))
	require.ErrorIs(t, err, ErrCapacityExceeded)

	data := bytes.Repeat([]byte{0xAB}, PageSize)
	require.NoError(t, p.ModifyBytes(data))
	require.Equal(t, data, p.GetBytes())
}

func TestPageID_Offset(t *testing.T) {
	require.Equal(t, int64(0), PageID(0).Offset())
	require.Equal(t, int64(3*PageSize), PageID(3).Offset())
}

func TestDiskManager_WriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pages.db")
	dm, err := OpenDiskManager(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.True(t, dm.IsNew())

	p := NewPage(2)
	data := bytes.Repeat([]byte{0x5A}, PageSize)
	require.NoError(t, p.ModifyBytes(data))
	require.NoError(t, dm.WritePage(p))

	n, err := dm.NumPages()
	require.NoError(t, err)
	require.Equal(t, PageID(3), n, "writing page 2 extends the file to three pages")

	got, err := dm.ReadPage(2)
	require.NoError(t, err)
	require.Equal(t, data, got.GetBytes())

	_, err = dm.ReadPage(10)
	require.ErrorIs(t, err, ErrIO)

	require.NoError(t, dm.Close())
	require.NoError(t, dm.Close(), "closing twice is harmless")

	_, err = dm.ReadPage(2)
	require.ErrorIs(t, err, ErrFileClosed)

	dm2, err := OpenDiskManager(path, nil)
	require.NoError(t, err)
	defer dm2.Close()
	require.False(t, dm2.IsNew())
	got, err = dm2.ReadPage(2)
	require.NoError(t, err)
	require.Equal(t, data, got.GetBytes())
}
