package unit

import (
	"context"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/sirupsen/logrus"

	"github.com/systemd_shim/libshim/cgroups"
	"github.com/systemd_shim/libshim/cgroups/cgmanager"
	"github.com/systemd_shim/libshim/cgroups/reaper"
)

// TransientScope is a scope such as "session-42.scope" wrapping processes
// that are already running. Its cgroup location is recorded in the store
// when it is started.
type TransientScope struct {
	name     string
	backend  AsyncBackend
	store    ScopeStore
	teardown teardown
}

func NewTransientScope(name string, backend AsyncBackend, store ScopeStore, r *reaper.Reaper, attempts int) *TransientScope {
	return &TransientScope{
		name:     name,
		backend:  backend,
		store:    store,
		teardown: newTeardown(r, attempts),
	}
}

func (s *TransientScope) Name() string  { return s.name }
func (s *TransientScope) State() string { return s.name }

func (s *TransientScope) Start(ctx context.Context) error {
	return notSupported(s.name, "start")
}

// StartTransient creates the scope below props.Slice and moves props.PIDs
// into it.
func (s *TransientScope) StartTransient(ctx context.Context, props Properties) error {
	if !strings.HasSuffix(props.Slice, ".slice") {
		logrus.Warnf("%s: StartTransient failed: requires 'Slice' property ending with '.slice'", s.name)
		return fmt.Errorf("%s: requires 'Slice' property ending with '.slice': %w", s.name, errdefs.ErrInvalidArgument)
	}
	path, uid, err := cgroups.ResolveScope(props.Slice, s.name)
	if err != nil {
		return err
	}

	create(ctx, s.backend, path, uid, props.PIDs)

	if err := s.store.Put(s.name, path); err != nil {
		logrus.WithError(err).Errorf("%s: unable to record scope path", s.name)
		return err
	}
	return nil
}

// Stop kills everything in the scope. The recorded cgroup is torn down
// first; without a record the scope is looked up below the reaper's root.
// A sweep for the name over that subtree follows either way.
func (s *TransientScope) Stop(ctx context.Context) error {
	log := logrus.WithField("unit", s.name)
	path, err := s.store.Get(s.name)
	switch {
	case err == nil:
		log.Debugf("killing recorded cgroup %s", path)
		if err := s.teardown.reaper.KillRecursive(ctx, path); err != nil {
			log.WithError(err).Warnf("unable to tear down %s", path)
		}
	case errdefs.IsNotFound(err):
		if err := s.teardown.reaper.KillByName(ctx, s.name); err != nil {
			log.WithError(err).Debug("scope lookup failed")
		}
	default:
		log.WithError(err).Warn("unable to recall scope path")
	}
	s.teardown.run(ctx, s.name)
	return nil
}

// Abandon stops tracking the scope. Its cgroup is removed if it is already
// empty and otherwise left to go away once the last process exits.
func (s *TransientScope) Abandon(ctx context.Context) error {
	return abandon(ctx, s.name, s.backend, s.store)
}

func abandon(ctx context.Context, name string, backend AsyncBackend, store ScopeStore) error {
	log := logrus.WithField("unit", name)
	path, err := store.Get(name)
	if err != nil {
		log.WithError(err).Warn("failed to find scope path")
		return err
	}

	if _, err := backend.Remove(ctx, cgmanager.ControllerAll, path, false); err != nil {
		log.WithError(err).Debug("scope not empty, leaving it to be removed when empty")
		backend.RemoveOnEmptyAsync(ctx, cgmanager.ControllerAll, path)
	}

	return store.Delete(name)
}
