// Package manager exports the org.freedesktop.systemd1 Manager object and
// routes its method calls to units.
package manager

import (
	"context"
	"fmt"
	"strings"
	"sync"

	systemdDbus "github.com/coreos/go-systemd/v22/dbus"
	dbus "github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"
	"github.com/moby/locker"
	"github.com/sirupsen/logrus"

	"github.com/systemd_shim/libshim/unit"
)

const (
	ObjectPath       = dbus.ObjectPath("/org/freedesktop/systemd1")
	ManagerInterface = "org.freedesktop.systemd1.Manager"
	ScopeInterface   = "org.freedesktop.systemd1.Scope"

	unitPathPrefix = "/org/freedesktop/systemd1/unit/"
)

// Factory resolves unit names for the method handlers.
type Factory interface {
	Lookup(name string) (unit.Unit, error)
	Transient(name string, props unit.Properties) (unit.Unit, error)
}

// ScopeLister lists the transient scopes started by an earlier instance.
type ScopeLister interface {
	List() ([]string, error)
}

// Bus is the part of a D-Bus connection the handlers use.
type Bus interface {
	Export(v interface{}, path dbus.ObjectPath, iface string) error
	Emit(path dbus.ObjectPath, name string, values ...interface{}) error
}

type Manager struct {
	factory        Factory
	scopes         ScopeLister
	virtualization string
	locks          *locker.Locker

	mu         sync.Mutex
	bus        Bus
	gate       *replyGate
	registered map[dbus.ObjectPath]string
}

type Opts struct {
	Factory        Factory
	Scopes         ScopeLister
	Virtualization string
}

func New(opts Opts) *Manager {
	return &Manager{
		factory:        opts.Factory,
		scopes:         opts.Scopes,
		virtualization: opts.Virtualization,
		locks:          locker.New(),
		registered:     map[dbus.ObjectPath]string{},
	}
}

// UnitPath returns the object path systemd uses for the unit called name.
func UnitPath(name string) dbus.ObjectPath {
	return dbus.ObjectPath(unitPathPrefix + systemdDbus.PathBusEscape(name))
}

// Serve claims busName on the system bus and handles calls until ctx is
// done or the name is lost.
func (m *Manager) Serve(ctx context.Context, busName string) error {
	conn, err := dbus.ConnectSystemBus(m.ConnOptions()...)
	if err != nil {
		return fmt.Errorf("connecting to the system bus: %w", err)
	}
	defer conn.Close()

	return m.serve(ctx, conn, busName)
}

// ConnOptions returns the options a bus connection serving m must be opened
// with, so that signals about a job follow the reply naming it.
func (m *Manager) ConnOptions() []dbus.ConnOption {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gate == nil {
		m.gate = newReplyGate()
	}
	return m.gate.options()
}

func (m *Manager) serve(ctx context.Context, conn *dbus.Conn, busName string) error {
	props, err := prop.Export(conn, ObjectPath, prop.Map{
		ManagerInterface: {
			"Virtualization": {Value: m.virtualization, Writable: false, Emit: prop.EmitFalse},
		},
	})
	if err != nil {
		return fmt.Errorf("exporting properties: %w", err)
	}
	if err := m.Export(conn, props.Introspection(ManagerInterface)); err != nil {
		return err
	}

	signals := make(chan *dbus.Signal, 8)
	conn.Signal(signals)
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameLost"),
	); err != nil {
		return fmt.Errorf("watching bus name: %w", err)
	}

	reply, err := conn.RequestName(busName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("requesting bus name %s: %w", busName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("unable to acquire bus name %q", busName)
	}
	logrus.Infof("acquired bus name %s", busName)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return fmt.Errorf("system bus connection closed")
			}
			if sig.Name == "org.freedesktop.DBus.NameLost" && len(sig.Body) > 0 && sig.Body[0] == busName {
				return fmt.Errorf("lost bus name %q", busName)
			}
		}
	}
}

// Export publishes the Manager object and its introspection data on bus and
// re-registers the scopes recorded by a previous run.
func (m *Manager) Export(bus Bus, props []introspect.Property) error {
	m.mu.Lock()
	m.bus = bus
	m.mu.Unlock()

	obj := &managerObject{m: m}
	if err := bus.Export(obj, ObjectPath, ManagerInterface); err != nil {
		return fmt.Errorf("exporting %s: %w", ObjectPath, err)
	}
	node := &introspect.Node{
		Name: string(ObjectPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			{
				Name:       ManagerInterface,
				Methods:    introspect.Methods(obj),
				Signals:    []introspect.Signal{jobRemovedSignal},
				Properties: props,
			},
		},
	}
	if err := bus.Export(introspect.NewIntrospectable(node), ObjectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("exporting introspection data: %w", err)
	}

	if m.scopes == nil {
		return nil
	}
	names, err := m.scopes.List()
	if err != nil {
		logrus.WithError(err).Warn("unable to list recorded scopes")
		return nil
	}
	for _, name := range names {
		m.registerScope(name)
	}
	return nil
}

var jobRemovedSignal = introspect.Signal{
	Name: "JobRemoved",
	Args: []introspect.Arg{
		{Name: "id", Type: "u"},
		{Name: "job", Type: "o"},
		{Name: "unit", Type: "s"},
		{Name: "result", Type: "s"},
	},
}

// emitJobRemoved announces the end of the job started by call once the
// reply to call is on the wire.
func (m *Manager) emitJobRemoved(call *dbus.Message, unitState, result string) {
	m.mu.Lock()
	bus, gate := m.bus, m.gate
	m.mu.Unlock()
	if bus == nil {
		return
	}
	emit := func() {
		err := bus.Emit(ObjectPath, ManagerInterface+".JobRemoved", uint32(0), rootJob, unitState, result)
		if err != nil {
			logrus.WithError(err).Warn("unable to emit JobRemoved")
		}
	}
	if gate == nil {
		emit()
		return
	}
	gate.after(call, emit)
}

// registerScope exports an object with an Abandon method for the scope.
func (m *Manager) registerScope(name string) {
	if !strings.HasSuffix(name, ".scope") {
		return
	}
	path := UnitPath(name)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bus == nil {
		return
	}
	if _, ok := m.registered[path]; ok {
		return
	}
	obj := &scopeObject{m: m, name: name}
	if err := m.bus.Export(obj, path, ScopeInterface); err != nil {
		logrus.WithError(err).Errorf("error registering object %s", path)
		return
	}
	node := &introspect.Node{
		Name: string(path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{Name: ScopeInterface, Methods: introspect.Methods(obj)},
		},
	}
	if err := m.bus.Export(introspect.NewIntrospectable(node), path, "org.freedesktop.DBus.Introspectable"); err != nil {
		logrus.WithError(err).Warnf("error registering introspection data for %s", path)
	}
	m.registered[path] = name
	logrus.Debugf("registered %s for %s", path, name)
}

func (m *Manager) unregisterScope(name string) {
	path := UnitPath(name)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.registered[path]; !ok || m.bus == nil {
		return
	}
	// Exporting nil removes the handler.
	if err := m.bus.Export(nil, path, ScopeInterface); err != nil {
		logrus.WithError(err).Warnf("error unregistering object %s", path)
	}
	if err := m.bus.Export(nil, path, "org.freedesktop.DBus.Introspectable"); err != nil {
		logrus.WithError(err).Warnf("error unregistering introspection data for %s", path)
	}
	delete(m.registered, path)
}

// Registered returns the unit name behind an exported scope object path.
func (m *Manager) Registered(path dbus.ObjectPath) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.registered[path]
	return name, ok
}

// withUnit runs fn with the per-name lock held. Backend calls are not
// bounded here; a hung cgmanager blocks only callers of the same unit.
func (m *Manager) withUnit(name string, fn func(ctx context.Context) error) error {
	m.locks.Lock(name)
	defer m.locks.Unlock(name)

	return fn(context.Background())
}
