package pagemanager

import "errors"

// --- Error Definitions ---

var (
	ErrIO               = errors.New("i/o error")
	ErrCapacityExceeded = errors.New("payload does not fit the page")
	ErrFileLocked       = errors.New("backing file is locked by another process")
	ErrFileClosed       = errors.New("backing file is not open")
)
