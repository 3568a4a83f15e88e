package unit

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/sirupsen/logrus"

	"github.com/systemd_shim/libshim/cgroups"
	"github.com/systemd_shim/libshim/cgroups/cgmanager"
)

// UserSlice is the per-user cgroup of the legacy hierarchy,
// "/user/<uid>.user". Every step is confirmed over a dedicated connection.
type UserSlice struct {
	name   string
	uid    int
	path   string
	dialer Dialer
}

func NewUserSlice(name string, uid int, dialer Dialer) (*UserSlice, error) {
	if uid < 0 {
		return nil, fmt.Errorf("invalid uid %d: %w", uid, errdefs.ErrInvalidArgument)
	}
	return &UserSlice{
		name:   name,
		uid:    uid,
		path:   cgroups.UserPath(uid),
		dialer: dialer,
	}, nil
}

func (u *UserSlice) Name() string  { return u.name }
func (u *UserSlice) State() string { return u.path }

func (u *UserSlice) Start(ctx context.Context) error {
	return createAll(ctx, u.dialer, u.path, u.uid, nil)
}

func (u *UserSlice) StartTransient(ctx context.Context, props Properties) error {
	return notSupported(u.name, "start transient")
}

func (u *UserSlice) Stop(ctx context.Context) error {
	return removeAll(ctx, u.dialer, u.path)
}

func (u *UserSlice) Abandon(ctx context.Context) error {
	return notSupported(u.name, "abandon")
}

// UserScope is a login session of the legacy hierarchy,
// "/user/<uid>.user/c<id>.session". The user part is normally created
// beforehand by the UserSlice.
type UserScope struct {
	name   string
	uid    int
	id     int
	path   string
	dialer Dialer
	store  ScopeStore
}

// NewUserScope builds the session scope name ("session-<id>.scope") inside
// slice ("user-<uid>.slice").
func NewUserScope(name, slice string, dialer Dialer, store ScopeStore) (*UserScope, error) {
	id, err := parseSessionID(name)
	if err != nil {
		return nil, err
	}
	uid, err := cgroups.ParseSliceUID(slice)
	if err != nil {
		return nil, err
	}
	return newUserScope(name, uid, id, dialer, store), nil
}

func newUserScope(name string, uid, id int, dialer Dialer, store ScopeStore) *UserScope {
	return &UserScope{
		name:   name,
		uid:    uid,
		id:     id,
		path:   cgroups.SessionPath(uid, id),
		dialer: dialer,
		store:  store,
	}
}

func (u *UserScope) Name() string  { return u.name }
func (u *UserScope) State() string { return u.path }

func (u *UserScope) Start(ctx context.Context) error {
	return createAll(ctx, u.dialer, u.path, u.uid, nil)
}

func (u *UserScope) StartTransient(ctx context.Context, props Properties) error {
	if err := createAll(ctx, u.dialer, u.path, u.uid, props.PIDs); err != nil {
		return err
	}
	if err := u.store.Put(u.name, u.path); err != nil {
		logrus.WithError(err).Errorf("%s: unable to record scope path", u.name)
		return err
	}
	return nil
}

func (u *UserScope) Stop(ctx context.Context) error {
	return removeAll(ctx, u.dialer, u.path)
}

// Abandon forgets the session. Its cgroup goes away now if it is empty and
// otherwise once the last process has left.
func (u *UserScope) Abandon(ctx context.Context) error {
	log := logrus.WithField("unit", u.name)
	path, err := u.store.Get(u.name)
	if err != nil {
		log.WithError(err).Warn("failed to find scope path")
		return err
	}

	if s, err := u.dialer.Dial(ctx); err != nil {
		log.WithError(err).Warn("unable to prune session cgroup")
	} else {
		if _, err := s.Remove(ctx, cgmanager.ControllerAll, path, false); err != nil {
			log.WithError(err).Debug("session not empty, leaving it to be removed when empty")
			if err := s.RemoveOnEmpty(ctx, cgmanager.ControllerAll, path); err != nil {
				log.WithError(err).Warn("unable to mark session for removal")
			}
		}
		s.Close()
	}

	return u.store.Delete(u.name)
}

func parseSessionID(name string) (int, error) {
	digits := strings.TrimSuffix(strings.TrimPrefix(name, "session-"), ".scope")
	if len(digits)+len("session-")+len(".scope") != len(name) {
		return 0, fmt.Errorf("bad session scope %q: %w", name, errdefs.ErrInvalidArgument)
	}
	id, err := strconv.ParseUint(digits, 10, 31)
	if err != nil {
		return 0, fmt.Errorf("bad session scope %q: %w", name, errdefs.ErrInvalidArgument)
	}
	return int(id), nil
}

// createAll creates path, gives it to uid, moves pids in and marks it for
// removal once empty. The first failing step ends the sequence.
func createAll(ctx context.Context, dialer Dialer, path string, uid int, pids []uint32) (retErr error) {
	log := logrus.WithField("cgroup", path)
	defer func() {
		if retErr != nil {
			log.WithError(retErr).Error("failed to set up cgroup")
		}
	}()

	s, err := dialer.Dial(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := s.Create(ctx, cgmanager.ControllerAll, path); err != nil {
		return err
	}
	if err := s.Chown(ctx, cgmanager.ControllerAll, path, uid, -1); err != nil {
		return err
	}
	for _, pid := range pids {
		if err := s.MovePid(ctx, cgmanager.ControllerAll, path, int(pid)); err != nil {
			return err
		}
	}
	return s.RemoveOnEmpty(ctx, cgmanager.ControllerAll, path)
}

// removeAll recursively removes path, which must exist.
func removeAll(ctx context.Context, dialer Dialer, path string) (retErr error) {
	log := logrus.WithField("cgroup", path)
	defer func() {
		if retErr != nil {
			log.WithError(retErr).Error("failed to remove cgroup")
		}
	}()

	s, err := dialer.Dial(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	existed, err := s.Remove(ctx, cgmanager.ControllerAll, path, true)
	if err != nil {
		return err
	}
	if !existed {
		return fmt.Errorf("cgroup %s did not exist: %w", path, errdefs.ErrInternal)
	}
	return nil
}
