package cgmanager

import (
	"context"

	dbus "github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/systemd_shim/libshim/cgroups"
)

// goCall issues method without waiting for the reply. All calls share one
// connection, and cgmanager handles a connection's calls in the order they
// were written, so callers may rely on submission order but nothing else.
func (c *Conn) goCall(method string, args ...interface{}) {
	logrus.Debugf("cgmanager %s%v (async)", method, args)
	c.obj.GoWithContext(context.Background(), Interface+"."+method, 0, c.done, args...)
}

func (c *Conn) logFailures() {
	for {
		select {
		case call := <-c.done:
			logFailure(call)
		case <-c.closed:
			return
		}
	}
}

func logFailure(call *dbus.Call) {
	if call.Err != nil {
		logrus.WithError(call.Err).Warnf("cgmanager method call %s failed", call.Method)
	}
}

func (c *Conn) CreateAsync(controller, path string) {
	c.goCall("Create", controller, cgroups.StripRoot(path))
}

func (c *Conn) ChownAsync(controller, path string, uid, gid int) {
	c.goCall("Chown", controller, cgroups.StripRoot(path), int32(uid), int32(gid))
}

func (c *Conn) MovePidAsync(controller, path string, pid int) {
	c.goCall("MovePid", controller, cgroups.StripRoot(path), int32(pid))
}

func (c *Conn) MovePidAbsAsync(controller, path string, pid int) {
	c.goCall("MovePidAbs", controller, path, int32(pid))
}

func (c *Conn) RemoveOnEmptyAsync(controller, path string) {
	c.goCall("RemoveOnEmpty", controller, cgroups.StripRoot(path))
}
