package cgroups

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/opencontainers/runc/libcontainer/userns"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const unifiedMountpoint = "/sys/fs/cgroup"

// IsCgroup2UnifiedMode reports whether root is a cgroup v2 mount. cgmanager
// only drives v1 hierarchies, so the shim can not do anything useful there.
func IsCgroup2UnifiedMode(root string) (bool, error) {
	if root == "" {
		root = unifiedMountpoint
	}
	var st unix.Statfs_t
	if err := unix.Statfs(root, &st); err != nil {
		if errors.Is(err, os.ErrNotExist) && userns.RunningInUserNS() {
			logrus.WithError(err).Debugf("%s missing, assuming cgroup v1", root)
			return false, nil
		}
		return false, fmt.Errorf("cannot statfs cgroup root %s: %w", root, err)
	}
	return st.Type == unix.CGROUP2_SUPER_MAGIC, nil
}

// ParseCgroupFile parses the given cgroup file, typically /proc/self/cgroup
// or /proc/<pid>/cgroup, into a map of subsystems to cgroup paths, e.g.
//
//	"name=systemd": "/user.slice/user-1000.slice/session-2.scope"
//	"cpu,cpuacct": "/user.slice"
//
// Comma separated controller lists are split, so "cpu" and "cpuacct" both
// appear as keys. On the unified hierarchy the only key is "".
func ParseCgroupFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return parseCgroupFromReader(f)
}

func parseCgroupFromReader(r io.Reader) (map[string]string, error) {
	s := bufio.NewScanner(r)
	cgroups := make(map[string]string)

	for s.Scan() {
		text := s.Text()
		if text == "" {
			continue
		}
		// hierarchy-ID:subsystem-list:cgroup-path
		parts := strings.SplitN(text, ":", 3)
		if len(parts) < 3 {
			return nil, fmt.Errorf("invalid cgroup entry: must contain at least two colons: %v", text)
		}

		for _, subs := range strings.Split(parts[1], ",") {
			cgroups[subs] = parts[2]
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return cgroups, nil
}
