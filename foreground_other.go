//go:build !unix

package flowplug

import "errors"

// Process groups do not exist here; an engine that sends a group id is asking
// for something this platform cannot do.
func enterForegroundProcessGroup(pgid int64) error {
	return errors.New("setting the foreground process group is not supported on this platform")
}

func resetForegroundProcessGroup() error {
	return nil
}
