package cgmanager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/containerd/errdefs"
	dbus "github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

const (
	DefaultAddress = "unix:path=/sys/fs/cgroup/cgmanager/sock"

	// MinAPIVersion is the first cgmanager API level offering both the "all"
	// controller and RemoveOnEmpty on it.
	MinAPIVersion int32 = 9

	ObjectPath = dbus.ObjectPath("/org/linuxcontainers/cgmanager")
	Interface  = "org.linuxcontainers.cgmanager0_0"

	// ControllerAll addresses every mounted controller at once.
	ControllerAll = "all"
	// ControllerSystemd is the named hierarchy used for read-only discovery.
	ControllerSystemd = "name=systemd"
)

// Conn is a peer-to-peer D-Bus connection to cgmanager. Synchronous methods
// wait for the reply; the *Async variants only wait for the message to be
// written and report failures to the log.
type Conn struct {
	conn *dbus.Conn
	obj  dbus.BusObject

	done      chan *dbus.Call
	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to cgmanager at address and checks that it speaks at least
// minVersion of the API.
func Dial(ctx context.Context, address string, minVersion int32) (*Conn, error) {
	conn, err := dbus.Dial(address, dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("connecting to cgmanager at %s: %w: %w", address, errdefs.ErrUnavailable, err)
	}
	// cgmanager is not a bus daemon, so there is no Hello after auth.
	if err := conn.Auth(nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("authenticating to cgmanager: %w: %w", errdefs.ErrUnavailable, err)
	}

	c := newConn(conn)
	version, err := c.apiVersion(ctx)
	if err != nil {
		c.Close()
		if missingAPIVersion(err) {
			return nil, fmt.Errorf("cgmanager predates api_version, need at least %d: %w", minVersion, errdefs.ErrUnavailable)
		}
		return nil, fmt.Errorf("querying cgmanager api_version: %w: %w", errdefs.ErrUnavailable, err)
	}
	if version < minVersion {
		c.Close()
		return nil, fmt.Errorf("incorrect cgmanager API version %d, need at least %d: %w", version, minVersion, errdefs.ErrUnavailable)
	}
	logrus.Debugf("connected to cgmanager at %s (api_version %d)", address, version)
	return c, nil
}

func newConn(conn *dbus.Conn) *Conn {
	c := &Conn{
		conn:   conn,
		obj:    conn.Object("", ObjectPath),
		done:   make(chan *dbus.Call, 64),
		closed: make(chan struct{}),
	}
	go c.logFailures()
	return c
}

func (c *Conn) apiVersion(ctx context.Context) (int32, error) {
	var v dbus.Variant
	err := c.obj.CallWithContext(ctx, "org.freedesktop.DBus.Properties.Get", 0, Interface, "api_version").Store(&v)
	if err != nil {
		return 0, err
	}
	version, ok := v.Value().(int32)
	if !ok {
		return 0, fmt.Errorf("unexpected api_version type %s", v.Signature())
	}
	return version, nil
}

// missingAPIVersion reports whether err says the api_version property does
// not exist, as returned by cgmanager releases that predate it.
func missingAPIVersion(err error) bool {
	return IsDBusError(err, "org.freedesktop.DBus.Error.UnknownProperty") ||
		IsDBusError(err, "org.freedesktop.DBus.Error.UnknownInterface") ||
		IsDBusError(err, "org.freedesktop.DBus.Error.InvalidArgs")
}

// Close shuts down the connection. Calls still in flight are abandoned.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// IsDBusError returns true if err is a D-Bus error whose name contains name.
func IsDBusError(err error, name string) bool {
	if err != nil {
		var derr dbus.Error
		if errors.As(err, &derr) {
			return strings.Contains(derr.Name, name)
		}
		var pderr *dbus.Error
		if errors.As(err, &pderr) && pderr != nil {
			return strings.Contains(pderr.Name, name)
		}
	}
	return false
}
