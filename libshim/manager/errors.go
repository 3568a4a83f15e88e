package manager

import (
	"github.com/containerd/errdefs"
	dbus "github.com/godbus/dbus/v5"
)

const (
	errInvalidArgs  = "org.freedesktop.DBus.Error.InvalidArgs"
	errNotSupported = "org.freedesktop.DBus.Error.NotSupported"
	errFailed       = "org.freedesktop.DBus.Error.Failed"
	errNoSuchUnit   = "org.freedesktop.systemd1.NoSuchUnit"
)

// toDBusError maps an error kind onto the D-Bus error name systemd would
// have used.
func toDBusError(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	name := errFailed
	switch {
	case errdefs.IsInvalidArgument(err):
		name = errInvalidArgs
	case errdefs.IsNotFound(err):
		name = errNoSuchUnit
	case errdefs.IsNotImplemented(err):
		name = errNotSupported
	}
	return dbus.NewError(name, []interface{}{err.Error()})
}
