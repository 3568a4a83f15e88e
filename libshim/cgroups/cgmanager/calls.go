package cgmanager

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/sirupsen/logrus"

	"github.com/systemd_shim/libshim/cgroups"
)

func (c *Conn) call(ctx context.Context, method string, ret interface{}, args ...interface{}) error {
	logrus.Debugf("cgmanager %s%v", method, args)
	call := c.obj.CallWithContext(ctx, Interface+"."+method, 0, args...)
	var err error
	if ret != nil {
		err = call.Store(ret)
	} else {
		err = call.Err
	}
	if err != nil {
		return fmt.Errorf("cgmanager %s%v: %w: %w", method, args, errdefs.ErrInternal, err)
	}
	return nil
}

// Create creates path under controller. existed is true when the cgroup was
// already there.
func (c *Conn) Create(ctx context.Context, controller, path string) (bool, error) {
	var existed int32
	if err := c.call(ctx, "Create", &existed, controller, cgroups.StripRoot(path)); err != nil {
		return false, err
	}
	return existed == 1, nil
}

// Chown hands path to uid:gid. A gid of -1 leaves the group unchanged.
func (c *Conn) Chown(ctx context.Context, controller, path string, uid, gid int) error {
	return c.call(ctx, "Chown", nil, controller, cgroups.StripRoot(path), int32(uid), int32(gid))
}

func (c *Conn) MovePid(ctx context.Context, controller, path string, pid int) error {
	return c.call(ctx, "MovePid", nil, controller, cgroups.StripRoot(path), int32(pid))
}

func (c *Conn) RemoveOnEmpty(ctx context.Context, controller, path string) error {
	return c.call(ctx, "RemoveOnEmpty", nil, controller, cgroups.StripRoot(path))
}

// Remove deletes path. existed is false when there was nothing to delete.
func (c *Conn) Remove(ctx context.Context, controller, path string, recursive bool) (bool, error) {
	var existed int32
	if err := c.call(ctx, "Remove", &existed, controller, cgroups.StripRoot(path), boolToInt32(recursive)); err != nil {
		return false, err
	}
	return existed == 1, nil
}

func (c *Conn) ListChildren(ctx context.Context, controller, path string) ([]string, error) {
	var children []string
	if err := c.call(ctx, "ListChildren", &children, controller, cgroups.StripRoot(path)); err != nil {
		return nil, err
	}
	return children, nil
}

func (c *Conn) GetTasks(ctx context.Context, controller, path string) ([]int32, error) {
	var pids []int32
	if err := c.call(ctx, "GetTasks", &pids, controller, cgroups.StripRoot(path)); err != nil {
		return nil, err
	}
	return pids, nil
}

// Exists reports whether path is present. cgmanager has no dedicated call,
// but GetTasks fails for missing cgroups.
func (c *Conn) Exists(ctx context.Context, controller, path string) bool {
	_, err := c.GetTasks(ctx, controller, path)
	return err == nil
}

func boolToInt32(b bool) int32 {
	if b {
		return 1
	}
	return 0
}
