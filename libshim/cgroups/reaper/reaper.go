// Package reaper tears down cgroup subtrees whose exact location is not
// known in advance, such as session scopes created by a login manager under
// "user.slice".
package reaper

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/systemd_shim/libshim/cgroups/cgmanager"
)

// DefaultRoot is where login managers place per-user slices and session
// scopes.
const DefaultRoot = "user.slice"

// ErrPartialTeardown is returned when some part of a subtree could not be
// listed or removed. The remains are left for a later attempt.
var ErrPartialTeardown = fmt.Errorf("partial teardown: %w", errdefs.ErrAborted)

// Backend is the subset of cgmanager the reaper needs.
type Backend interface {
	ListChildren(ctx context.Context, controller, path string) ([]string, error)
	GetTasks(ctx context.Context, controller, path string) ([]int32, error)
	Exists(ctx context.Context, controller, path string) bool
	RemoveOnEmptyAsync(ctx context.Context, controller, path string)
	Remove(ctx context.Context, controller, path string, recursive bool) (bool, error)
}

// Killer delivers signals to processes.
type Killer interface {
	Kill(pid int, sig unix.Signal) error
}

// DefaultKiller signals processes with kill(2).
type DefaultKiller struct{}

func (DefaultKiller) Kill(pid int, sig unix.Signal) error {
	return unix.Kill(pid, sig)
}

type Reaper struct {
	backend Backend
	killer  Killer
	root    string
}

// New returns a Reaper searching below root. An empty root means
// DefaultRoot and a nil killer means DefaultKiller.
func New(backend Backend, killer Killer, root string) *Reaper {
	if killer == nil {
		killer = DefaultKiller{}
	}
	if root == "" {
		root = DefaultRoot
	}
	return &Reaper{
		backend: backend,
		killer:  killer,
		root:    root,
	}
}

func (r *Reaper) Root() string {
	return r.root
}

// FindScopePath looks for scope in every direct child of the root and
// returns the first "root/<child>/<scope>" that exists.
func (r *Reaper) FindScopePath(ctx context.Context, scope string) (string, error) {
	children, err := r.backend.ListChildren(ctx, cgmanager.ControllerSystemd, r.root)
	if err != nil {
		logrus.WithError(err).Warnf("error getting list of sessions from cgmanager")
		return "", err
	}
	for _, child := range children {
		path := r.root + "/" + child + "/" + scope
		if r.backend.Exists(ctx, cgmanager.ControllerSystemd, path) {
			return path, nil
		}
	}
	return "", fmt.Errorf("scope %s not found under %s: %w", scope, r.root, errdefs.ErrNotFound)
}

// KillByName finds scope and kills everything in it. A scope that cannot
// be found is not an error.
func (r *Reaper) KillByName(ctx context.Context, scope string) error {
	path, err := r.FindScopePath(ctx, scope)
	if err != nil {
		if errdefs.IsNotFound(err) {
			logrus.Debugf("scope %s is already gone", scope)
			return nil
		}
		return err
	}
	return r.KillRecursive(ctx, path)
}

// KillRecursive kills every process in path and its descendants, children
// before parents, removing each cgroup once it is empty. Processes get
// SIGKILL straight away since the cgroup is going away anyway. Failures are
// logged and only stop the work at the node where they happen.
func (r *Reaper) KillRecursive(ctx context.Context, path string) error {
	log := logrus.WithField("cgroup", path)

	r.backend.RemoveOnEmptyAsync(ctx, cgmanager.ControllerAll, path)

	children, err := r.backend.ListChildren(ctx, cgmanager.ControllerSystemd, path)
	if err != nil {
		log.WithError(err).Warn("error listing child cgroups")
		return fmt.Errorf("%s: %w", path, ErrPartialTeardown)
	}
	var partial error
	for _, child := range children {
		if err := r.KillRecursive(ctx, path+"/"+child); err != nil {
			partial = err
		}
	}

	pids, err := r.backend.GetTasks(ctx, cgmanager.ControllerSystemd, path)
	if err != nil {
		log.WithError(err).Warn("error listing tasks")
		return fmt.Errorf("%s: %w", path, ErrPartialTeardown)
	}
	for _, pid := range pids {
		if err := r.killer.Kill(int(pid), unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			log.WithError(err).Warnf("failed to kill pid %d", pid)
		}
	}

	if partial != nil {
		// A child survived, so the directory cannot be empty.
		return partial
	}
	existed, err := r.backend.Remove(ctx, cgmanager.ControllerAll, path, false)
	if err != nil {
		log.WithError(err).Warn("error removing cgroup")
		return fmt.Errorf("%s: %w", path, ErrPartialTeardown)
	}
	if !existed {
		log.Debug("cgroup was already removed")
	}
	return nil
}

// EnumeratePaths lists every cgroup below the root in pre-order, parents
// before their children. Subtrees that cannot be listed are skipped.
func (r *Reaper) EnumeratePaths(ctx context.Context) ([]string, error) {
	children, err := r.backend.ListChildren(ctx, cgmanager.ControllerSystemd, r.root)
	if err != nil {
		logrus.WithError(err).Warnf("error getting list of sessions from cgmanager")
		return nil, err
	}
	var paths []string
	for _, child := range children {
		paths = r.enumerate(ctx, r.root+"/"+child, paths)
	}
	return paths, nil
}

func (r *Reaper) enumerate(ctx context.Context, path string, paths []string) []string {
	paths = append(paths, path)
	children, err := r.backend.ListChildren(ctx, cgmanager.ControllerSystemd, path)
	if err != nil {
		logrus.WithError(err).WithField("cgroup", path).Debug("error listing child cgroups")
		return paths
	}
	for _, child := range children {
		paths = r.enumerate(ctx, path+"/"+child, paths)
	}
	return paths
}
