package pagemanager

import (
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
)

// DiskManager is responsible for direct I/O operations with the backing file.
// There is no caching: every ReadPage and WritePage touches the file.
type DiskManager struct {
	filePath string
	file     *os.File
	isNew    bool
	logger   *zap.Logger
}

// OpenDiskManager opens the backing file, creating it when missing, and takes an
// exclusive advisory lock on it. A file that is already locked by another handle
// fails with ErrFileLocked.
func OpenDiskManager(filePath string, logger *zap.Logger) (*DiskManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening file %s: %v", ErrIO, filePath, err)
	}
	if err := lockFile(file); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%s: %w", filePath, err)
	}
	fi, err := file.Stat()
	if err != nil {
		_ = unlockFile(file)
		_ = file.Close()
		return nil, fmt.Errorf("%w: getting file info: %v", ErrIO, err)
	}

	dm := &DiskManager{
		filePath: filePath,
		file:     file,
		isNew:    fi.Size() == 0,
		logger:   logger.Named("disk_manager"),
	}
	dm.logger.Debug("Backing file opened",
		zap.String("path", filePath),
		zap.Int64("size", fi.Size()),
		zap.Bool("new", dm.isNew))
	return dm, nil
}

// IsNew reports whether the file was empty when it was opened.
func (dm *DiskManager) IsNew() bool { return dm.isNew }

func (dm *DiskManager) FilePath() string { return dm.filePath }

// NumPages returns the number of whole pages currently in the file.
func (dm *DiskManager) NumPages() (PageID, error) {
	if dm.file == nil {
		return 0, ErrFileClosed
	}
	fi, err := dm.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: getting file info: %v", ErrIO, err)
	}
	return PageID(fi.Size() / PageSize), nil
}

// ReadPage reads exactly PageSize bytes at the page's offset.
func (dm *DiskManager) ReadPage(pageID PageID) (*Page, error) {
	if dm.file == nil {
		return nil, ErrFileClosed
	}
	data := make([]byte, PageSize)
	n, err := dm.file.ReadAt(data, pageID.Offset())
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: EOF reading page %d at offset %d (read %d bytes)", ErrIO, pageID, pageID.Offset(), n)
		}
		return nil, fmt.Errorf("%w: reading page %d: %v", ErrIO, pageID, err)
	}
	return newPageFrom(pageID, data), nil
}

// WritePage writes the whole page buffer at the page's offset.
func (dm *DiskManager) WritePage(page *Page) error {
	if dm.file == nil {
		return ErrFileClosed
	}
	data := page.raw()
	if len(data) != PageSize {
		return fmt.Errorf("%w: page %d buffer is %d bytes", ErrCapacityExceeded, page.GetPageID(), len(data))
	}
	if _, err := dm.file.WriteAt(data, page.GetPageID().Offset()); err != nil {
		return fmt.Errorf("%w: writing page %d: %v", ErrIO, page.GetPageID(), err)
	}
	return nil
}

// Sync flushes all written data to stable storage.
func (dm *DiskManager) Sync() error {
	if dm.file == nil {
		return nil
	}
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %v", ErrIO, dm.filePath, err)
	}
	return nil
}

// Close syncs, unlocks and closes the underlying file handle.
func (dm *DiskManager) Close() error {
	if dm.file == nil {
		return nil
	}
	syncErr := dm.file.Sync()
	if syncErr != nil {
		dm.logger.Error("Error syncing file on close", zap.String("path", dm.filePath), zap.Error(syncErr))
	}
	_ = unlockFile(dm.file)
	closeErr := dm.file.Close()
	dm.file = nil
	if closeErr != nil {
		return fmt.Errorf("%w: closing %s: %v", ErrIO, dm.filePath, closeErr)
	}
	if syncErr != nil {
		return fmt.Errorf("%w: sync %s: %v", ErrIO, dm.filePath, syncErr)
	}
	return nil
}
