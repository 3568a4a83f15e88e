package unit

import (
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/sirupsen/logrus"

	"github.com/systemd_shim/libshim/cgroups"
	"github.com/systemd_shim/libshim/cgroups/reaper"
)

// Hierarchy selects where per-user units live.
type Hierarchy string

const (
	// HierarchySlice follows systemd naming: user-<uid>.slice/session-<n>.scope.
	HierarchySlice Hierarchy = "slice"
	// HierarchyLegacy uses the old /user/<uid>.user/c<n>.session layout.
	HierarchyLegacy Hierarchy = "legacy"
)

// Factory turns unit names into units.
type Factory struct {
	Backend      AsyncBackend
	Dialer       Dialer
	Reaper       *reaper.Reaper
	Store        ScopeStore
	StopAttempts int
	Hierarchy    Hierarchy
}

// Lookup returns the unit called name. The unit type is chosen from the
// name's suffix; user slices go to the legacy hierarchy if configured.
func (f *Factory) Lookup(name string) (Unit, error) {
	switch {
	case strings.HasSuffix(name, ".slice"):
		if f.Hierarchy == HierarchyLegacy {
			if uid, err := cgroups.ParseSliceUID(name); err == nil {
				u, err := NewUserSlice(name, uid, f.Dialer)
				if err != nil {
					return nil, err
				}
				return u, nil
			}
		}
		return NewSlice(name, f.Backend, f.Reaper, f.StopAttempts), nil
	case strings.HasSuffix(name, ".scope"):
		if f.Hierarchy == HierarchyLegacy && strings.HasPrefix(name, "session-") {
			if u := f.recordedUserScope(name); u != nil {
				return u, nil
			}
		}
		return NewTransientScope(name, f.Backend, f.Store, f.Reaper, f.StopAttempts), nil
	}
	return nil, fmt.Errorf("unit %q: unknown unit type: %w", name, errdefs.ErrInvalidArgument)
}

// Transient returns the unit a StartTransientUnit call for name should act
// on. In the legacy hierarchy a login session scope becomes a UserScope.
func (f *Factory) Transient(name string, props Properties) (Unit, error) {
	if f.Hierarchy == HierarchyLegacy && strings.HasPrefix(name, "session-") && strings.HasSuffix(name, ".scope") {
		u, err := NewUserScope(name, props.Slice, f.Dialer, f.Store)
		if err != nil {
			return nil, err
		}
		return u, nil
	}
	return f.Lookup(name)
}

// recordedUserScope rebuilds the legacy session started as name from its
// record. It returns nil when there is no usable record.
func (f *Factory) recordedUserScope(name string) *UserScope {
	path, err := f.Store.Get(name)
	if err != nil {
		return nil
	}
	uid, id, err := cgroups.ParseSessionPath(path)
	if err != nil {
		logrus.WithError(err).Debugf("%s: record is not a legacy session", name)
		return nil
	}
	return newUserScope(name, uid, id, f.Dialer, f.Store)
}
