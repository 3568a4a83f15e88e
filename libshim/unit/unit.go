// Package unit implements the systemd unit types the shim pretends to
// manage, each backed by cgroups in cgmanager.
package unit

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"
	systemdDbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/sirupsen/logrus"
)

// Unit is the lifecycle surface the dispatcher drives.
type Unit interface {
	// Name is the systemd unit name, e.g. "session-42.scope".
	Name() string
	Start(ctx context.Context) error
	StartTransient(ctx context.Context, props Properties) error
	Stop(ctx context.Context) error
	Abandon(ctx context.Context) error
	// State is the unit name or its cgroup path. It is never empty.
	State() string
}

// Properties are the StartTransientUnit properties the shim understands.
type Properties struct {
	Slice string
	PIDs  []uint32
}

// ParseProperties picks Slice and PIDs out of a StartTransientUnit property
// list. Unknown properties and values of the wrong type are ignored, and
// repeated PIDs properties accumulate.
func ParseProperties(props []systemdDbus.Property) Properties {
	var p Properties
	for _, prop := range props {
		switch prop.Name {
		case "Slice":
			if s, ok := prop.Value.Value().(string); ok {
				p.Slice = s
			}
		case "PIDs":
			if pids, ok := prop.Value.Value().([]uint32); ok {
				p.PIDs = append(p.PIDs, pids...)
			}
		}
	}
	return p
}

func notSupported(name, op string) error {
	logrus.Warnf("%s: can not %s this unit type", name, op)
	return fmt.Errorf("%s: %s is not supported for this unit type: %w", name, op, errdefs.ErrNotImplemented)
}
