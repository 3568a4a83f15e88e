package manager

import (
	"os"
	"sync"
)

var (
	isRunningSystemdOnce sync.Once
	isRunningSystemd     bool
)

// IsRunningSystemd reports whether the real systemd is the init system, in
// which case the shim must not take its bus name.
func IsRunningSystemd() bool {
	isRunningSystemdOnce.Do(func() {
		fi, err := os.Lstat("/run/systemd/system")
		isRunningSystemd = err == nil && fi.IsDir()
	})
	return isRunningSystemd
}
