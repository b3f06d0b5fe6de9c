//go:build unix

package flowplug

import (
	"fmt"
	"math"

	"golang.org/x/sys/unix"
)

// enterForegroundProcessGroup joins the process group the engine designated
// as the terminal's foreground group.
func enterForegroundProcessGroup(pgid int64) error {
	if pgid <= 0 || pgid > math.MaxInt32 {
		return fmt.Errorf("invalid foreground process group id %d", pgid)
	}
	if err := unix.Setpgid(0, int(pgid)); err != nil {
		return fmt.Errorf("failed to set foreground process group: %w", err)
	}
	return nil
}

// resetForegroundProcessGroup puts the process back into its own process
// group.
func resetForegroundProcessGroup() error {
	if err := unix.Setpgid(0, 0); err != nil {
		return fmt.Errorf("failed to reset process group: %w", err)
	}
	return nil
}
