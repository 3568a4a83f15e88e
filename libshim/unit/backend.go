package unit

import (
	"context"

	"github.com/systemd_shim/libshim/cgroups/reaper"
)

// AsyncBackend is the shared cgmanager connection used by slices and
// transient scopes. Mutations are fire-and-forget.
type AsyncBackend interface {
	reaper.Backend
	CreateAsync(ctx context.Context, controller, path string)
	ChownAsync(ctx context.Context, controller, path string, uid, gid int)
	MovePidAsync(ctx context.Context, controller, path string, pid int)
}

// Session is a dedicated cgmanager connection whose every call is checked.
type Session interface {
	Create(ctx context.Context, controller, path string) (bool, error)
	Chown(ctx context.Context, controller, path string, uid, gid int) error
	MovePid(ctx context.Context, controller, path string, pid int) error
	RemoveOnEmpty(ctx context.Context, controller, path string) error
	Remove(ctx context.Context, controller, path string, recursive bool) (bool, error)
	Close() error
}

// Dialer opens a Session for one unit operation.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// DialerFunc adapts a function to a Dialer.
type DialerFunc func(ctx context.Context) (Session, error)

func (f DialerFunc) Dial(ctx context.Context) (Session, error) {
	return f(ctx)
}

// ScopeStore remembers the cgroup path of transient scopes until they are
// abandoned.
type ScopeStore interface {
	Put(unit, cgroupPath string) error
	Get(unit string) (string, error)
	Delete(unit string) error
}
