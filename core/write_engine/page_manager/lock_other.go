//go:build !unix

package pagemanager

import "os"

// Advisory locking is only wired up on unix platforms.
func lockFile(*os.File) error   { return nil }
func unlockFile(*os.File) error { return nil }
