//go:build unix

package common

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// lowerPriority raises this process's niceness to 19 so a backup copy yields
// to foreground work.
func lowerPriority() error {
	const niceness = 19
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, niceness); err != nil {
		return fmt.Errorf("setpriority failed: %w", err)
	}
	return nil
}
