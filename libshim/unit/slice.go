package unit

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/systemd_shim/libshim/cgroups"
	"github.com/systemd_shim/libshim/cgroups/cgmanager"
	"github.com/systemd_shim/libshim/cgroups/reaper"
)

// DefaultStopAttempts bounds the search-and-kill passes of Stop.
const DefaultStopAttempts = 5

// Slice is a slice unit such as "user-1000.slice", created through the
// shared asynchronous connection.
type Slice struct {
	name     string
	backend  AsyncBackend
	teardown teardown
}

func NewSlice(name string, backend AsyncBackend, r *reaper.Reaper, attempts int) *Slice {
	return &Slice{
		name:     name,
		backend:  backend,
		teardown: newTeardown(r, attempts),
	}
}

func (s *Slice) Name() string  { return s.name }
func (s *Slice) State() string { return s.name }

// Start creates the slice's cgroup and hands it to the owning user, if any.
// A slice has no processes of its own.
func (s *Slice) Start(ctx context.Context) error {
	path, uid, err := cgroups.ResolveSlice(s.name)
	if err != nil {
		logrus.WithError(err).Warnf("%s: can only start slices", s.name)
		return err
	}
	create(ctx, s.backend, path, uid, nil)
	return nil
}

func (s *Slice) StartTransient(ctx context.Context, props Properties) error {
	return notSupported(s.name, "start transient")
}

func (s *Slice) Stop(ctx context.Context) error {
	s.teardown.run(ctx, s.name)
	return nil
}

func (s *Slice) Abandon(ctx context.Context) error {
	return notSupported(s.name, "abandon")
}

// create issues the asynchronous create, chown and move calls for path.
func create(ctx context.Context, backend AsyncBackend, path string, uid int, pids []uint32) {
	backend.CreateAsync(ctx, cgmanager.ControllerAll, path)
	if uid != cgroups.NoUID {
		backend.ChownAsync(ctx, cgmanager.ControllerAll, path, uid, -1)
	}
	for _, pid := range pids {
		backend.MovePidAsync(ctx, cgmanager.ControllerAll, path, int(pid))
	}
}

// teardown kills every cgroup below the reaper's root whose path contains
// the unit name as a segment. New matches may appear while it runs, so the
// scan is repeated until a pass finishes cleanly or attempts run out.
type teardown struct {
	reaper   *reaper.Reaper
	attempts int
}

func newTeardown(r *reaper.Reaper, attempts int) teardown {
	if attempts <= 0 {
		attempts = DefaultStopAttempts
	}
	return teardown{reaper: r, attempts: attempts}
}

// run returns the number of passes it made.
func (t teardown) run(ctx context.Context, name string) int {
	log := logrus.WithField("unit", name)
	for pass := 1; pass <= t.attempts; pass++ {
		paths, err := t.reaper.EnumeratePaths(ctx)
		if err != nil {
			log.WithError(err).Warnf("unable to enumerate cgroups below %s", t.reaper.Root())
			continue
		}

		successful := true
		// Pre-order reversed: children are handled before their parents.
		for i := len(paths) - 1; i >= 0; i-- {
			if !cgroups.PathMatchesName(paths[i], name) {
				continue
			}
			log.Debugf("killing cgroup %s", paths[i])
			if err := t.reaper.KillRecursive(ctx, paths[i]); err != nil {
				successful = false
			}
		}
		if successful {
			return pass
		}
	}
	log.Warnf("cgroups of %s still present after %d attempts", name, t.attempts)
	return t.attempts
}
