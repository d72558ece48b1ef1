package pagemanager

import (
	"fmt"
)

// --- Page Management ---

const (
	// PageSize is the fixed size of every block in a backing file.
	PageSize = 4096

	// MetadataPageID is always the tree metadata page. No node ever lives there,
	// so the same value marks "no page" in root pointers and free-list links.
	MetadataPageID PageID = 0
	InvalidPageID  PageID = 0
)

// PageID represents a unique identifier for a page on disk.
// It is stored as 4 bytes in every on-disk structure.
type PageID uint32

// Offset returns the byte offset of the page inside the backing file.
func (id PageID) Offset() int64 {
	return int64(id) * PageSize
}

// Page is an in-memory mirror of one on-disk block. The buffer is always
// exactly PageSize bytes; pages are written whole.
type Page struct {
	id   PageID
	data []byte
}

// NewPage creates a zeroed page for the given id.
func NewPage(id PageID) *Page {
	return &Page{
		id:   id,
		data: make([]byte, PageSize),
	}
}

// newPageFrom wraps an already sized buffer without copying it.
func newPageFrom(id PageID, data []byte) *Page {
	return &Page{id: id, data: data}
}

func (p *Page) GetPageID() PageID { return p.id }

// GetBytes returns a copy of the page buffer.
func (p *Page) GetBytes() []byte {
	out := make([]byte, len(p.data))
	copy(out, p.data)
	return out
}

// ModifyBytes replaces the whole buffer. Partial writes are rejected.
func (p *Page) ModifyBytes(data []byte) error {
	if len(data) != PageSize {
		return fmt.Errorf("%w: page %d expects %d bytes, got %d", ErrCapacityExceeded, p.id, PageSize, len(data))
	}
	copy(p.data, data)
	return nil
}

// raw exposes the live buffer to the disk manager.
func (p *Page) raw() []byte { return p.data }
