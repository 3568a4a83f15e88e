package manager

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"
	systemdDbus "github.com/coreos/go-systemd/v22/dbus"
	dbus "github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/systemd_shim/libshim/unit"
)

// rootJob is the job path returned for every request; jobs complete before
// the reply is sent.
const rootJob = dbus.ObjectPath("/")

// UnitFileChange is one (type, file name, destination) entry of an
// Enable/DisableUnitFiles reply.
type UnitFileChange struct {
	Type        string
	Filename    string
	Destination string
}

// AuxUnit is one entry of StartTransientUnit's auxiliary unit list.
type AuxUnit struct {
	Name       string
	Properties []systemdDbus.Property
}

// managerObject carries the methods of org.freedesktop.systemd1.Manager.
type managerObject struct {
	m *Manager
}

func (o *managerObject) GetUnitFileState(name string) (string, *dbus.Error) {
	var state string
	err := o.m.withUnit(name, func(ctx context.Context) error {
		u, err := o.m.factory.Lookup(name)
		if err != nil {
			return err
		}
		state = u.State()
		return nil
	})
	if err != nil {
		return "", toDBusError(err)
	}
	return state, nil
}

func (o *managerObject) EnableUnitFiles(files []string, runtime, force bool) (bool, []UnitFileChange, *dbus.Error) {
	return true, []UnitFileChange{}, nil
}

func (o *managerObject) DisableUnitFiles(files []string, runtime bool) ([]UnitFileChange, *dbus.Error) {
	return []UnitFileChange{}, nil
}

func (o *managerObject) Reload() *dbus.Error {
	return nil
}

func (o *managerObject) Subscribe() *dbus.Error {
	return nil
}

func (o *managerObject) Unsubscribe() *dbus.Error {
	return nil
}

func (o *managerObject) StartUnit(call dbus.Message, name, mode string) (dbus.ObjectPath, *dbus.Error) {
	logrus.WithField("unit", name).Debugf("StartUnit mode=%s", mode)
	err := o.m.withUnit(name, func(ctx context.Context) error {
		u, err := o.m.factory.Lookup(name)
		if err != nil {
			return err
		}
		return u.Start(ctx)
	})
	if err != nil {
		return "", toDBusError(err)
	}
	o.m.emitJobRemoved(&call, "", "")
	return rootJob, nil
}

func (o *managerObject) StopUnit(name, mode string) (dbus.ObjectPath, *dbus.Error) {
	logrus.WithField("unit", name).Debugf("StopUnit mode=%s", mode)
	err := o.m.withUnit(name, func(ctx context.Context) error {
		u, err := o.m.factory.Lookup(name)
		if err != nil {
			return err
		}
		return u.Stop(ctx)
	})
	if err != nil {
		return "", toDBusError(err)
	}
	return rootJob, nil
}

func (o *managerObject) StartTransientUnit(call dbus.Message, name, mode string, properties []systemdDbus.Property, aux []AuxUnit) (dbus.ObjectPath, *dbus.Error) {
	log := logrus.WithField("unit", name)
	log.Debugf("StartTransientUnit mode=%s", mode)
	if len(aux) > 0 {
		log.Debugf("ignoring %d auxiliary units", len(aux))
	}
	props := unit.ParseProperties(properties)

	var state string
	err := o.m.withUnit(name, func(ctx context.Context) error {
		u, err := o.m.factory.Transient(name, props)
		if err != nil {
			return err
		}
		if err := u.StartTransient(ctx, props); err != nil {
			return err
		}
		state = u.State()
		return nil
	})
	if err != nil {
		return "", toDBusError(err)
	}
	o.m.emitJobRemoved(&call, state, "done")
	o.m.registerScope(name)
	return rootJob, nil
}

// scopeObject carries org.freedesktop.systemd1.Scope for one scope.
type scopeObject struct {
	m    *Manager
	name string
}

func (o *scopeObject) Abandon() *dbus.Error {
	log := logrus.WithField("unit", o.name)
	log.Debug("Abandon")
	err := o.m.withUnit(o.name, func(ctx context.Context) error {
		// A concurrent Abandon may have finished while this one waited.
		if _, ok := o.m.Registered(UnitPath(o.name)); !ok {
			return fmt.Errorf("scope %s was already abandoned: %w", o.name, errdefs.ErrNotFound)
		}
		u, err := o.m.factory.Lookup(o.name)
		if err != nil {
			return err
		}
		return u.Abandon(ctx)
	})
	if err != nil {
		return toDBusError(err)
	}
	o.m.unregisterScope(o.name)
	return nil
}
