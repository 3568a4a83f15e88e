package cgroups

import (
	"strings"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

const cgroupsContents = `11:hugetlb:/
10:perf_event:/
9:blkio:/user.slice
8:net_cls,net_prio:/
7:freezer:/
6:devices:/user.slice
5:memory:/user.slice
4:cpu,cpuacct:/user.slice
3:cpuset:/
2:pids:/user.slice/user-1000.slice/session-2.scope
1:name=systemd:/user.slice/user-1000.slice/session-2.scope
0::/user.slice/user-1000.slice/session-2.scope
`

func TestParseCgroups(t *testing.T) {
	cgroups, err := parseCgroupFromReader(strings.NewReader(cgroupsContents))
	assert.NilError(t, err)

	assert.Check(t, is.Equal(cgroups["name=systemd"], "/user.slice/user-1000.slice/session-2.scope"))
	assert.Check(t, is.Equal(cgroups["cpu"], "/user.slice"))
	assert.Check(t, is.Equal(cgroups["cpuacct"], "/user.slice"))
	assert.Check(t, is.Equal(cgroups[""], "/user.slice/user-1000.slice/session-2.scope"))
}

func TestParseCgroupsInvalid(t *testing.T) {
	_, err := parseCgroupFromReader(strings.NewReader("1:cpu\n"))
	assert.ErrorContains(t, err, "invalid cgroup entry")
}

func TestIsCgroup2UnifiedModeNotCgroupfs(t *testing.T) {
	unified, err := IsCgroup2UnifiedMode(t.TempDir())
	assert.NilError(t, err)
	assert.Check(t, !unified)
}

func TestIsCgroup2UnifiedModeMissing(t *testing.T) {
	_, err := IsCgroup2UnifiedMode("/nonexistent/cgroup/root")
	if err != nil {
		assert.Check(t, is.ErrorContains(err, "cannot statfs"))
	}
}
