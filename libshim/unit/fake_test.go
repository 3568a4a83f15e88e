package unit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/containerd/errdefs"
	"golang.org/x/sys/unix"
)

// fakeBackend records every call and keeps a small cgroup tree for the
// discovery calls.
type fakeBackend struct {
	calls     []string
	nodes     map[string][]int32
	listFails map[string]int // remaining ListChildren failures per path
	removeErr error
}

func newFakeBackend(paths ...string) *fakeBackend {
	b := &fakeBackend{nodes: map[string][]int32{}, listFails: map[string]int{}}
	for _, p := range paths {
		parts := strings.Split(p, "/")
		for i := range parts {
			b.nodes[strings.Join(parts[:i+1], "/")] = nil
		}
	}
	return b
}

func (b *fakeBackend) record(format string, args ...interface{}) {
	b.calls = append(b.calls, fmt.Sprintf(format, args...))
}

func (b *fakeBackend) CreateAsync(ctx context.Context, controller, path string) {
	b.record("create %s %s", controller, path)
}

func (b *fakeBackend) ChownAsync(ctx context.Context, controller, path string, uid, gid int) {
	b.record("chown %s %s %d %d", controller, path, uid, gid)
}

func (b *fakeBackend) MovePidAsync(ctx context.Context, controller, path string, pid int) {
	b.record("movepid %s %s %d", controller, path, pid)
}

func (b *fakeBackend) RemoveOnEmptyAsync(ctx context.Context, controller, path string) {
	b.record("remove-on-empty %s %s", controller, path)
}

func (b *fakeBackend) Remove(ctx context.Context, controller, path string, recursive bool) (bool, error) {
	b.record("remove %s %s %t", controller, path, recursive)
	if b.removeErr != nil {
		return false, b.removeErr
	}
	if _, ok := b.nodes[path]; !ok {
		return false, nil
	}
	delete(b.nodes, path)
	return true, nil
}

func (b *fakeBackend) ListChildren(ctx context.Context, controller, path string) ([]string, error) {
	if n := b.listFails[path]; n > 0 {
		b.listFails[path] = n - 1
		return nil, errors.New("transient listing failure")
	}
	if _, ok := b.nodes[path]; !ok {
		return nil, fmt.Errorf("%s: %w", path, errdefs.ErrNotFound)
	}
	var children []string
	for p := range b.nodes {
		if strings.HasPrefix(p, path+"/") && !strings.Contains(p[len(path)+1:], "/") {
			children = append(children, p[len(path)+1:])
		}
	}
	sort.Strings(children)
	return children, nil
}

func (b *fakeBackend) GetTasks(ctx context.Context, controller, path string) ([]int32, error) {
	pids, ok := b.nodes[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, errdefs.ErrNotFound)
	}
	return pids, nil
}

func (b *fakeBackend) Exists(ctx context.Context, controller, path string) bool {
	_, ok := b.nodes[path]
	return ok
}

type nopKiller struct{}

func (nopKiller) Kill(pid int, sig unix.Signal) error { return nil }

// exitKiller removes a killed pid from the fake tree, as the kernel would.
type exitKiller struct {
	b      *fakeBackend
	killed []int
}

func (k *exitKiller) Kill(pid int, sig unix.Signal) error {
	k.killed = append(k.killed, pid)
	for path, pids := range k.b.nodes {
		for i, p := range pids {
			if int(p) == pid {
				k.b.nodes[path] = append(pids[:i:i], pids[i+1:]...)
				break
			}
		}
	}
	return nil
}

// fakeSession records synchronous calls and fails the one named in failOn.
type fakeSession struct {
	calls   *[]string
	failOn  string
	existed bool
}

func (s *fakeSession) step(name string, format string, args ...interface{}) error {
	*s.calls = append(*s.calls, fmt.Sprintf(format, args...))
	if name == s.failOn {
		return fmt.Errorf("%s failed: %w", name, errdefs.ErrInternal)
	}
	return nil
}

func (s *fakeSession) Create(ctx context.Context, controller, path string) (bool, error) {
	return false, s.step("create", "create %s %s", controller, path)
}

func (s *fakeSession) Chown(ctx context.Context, controller, path string, uid, gid int) error {
	return s.step("chown", "chown %s %s %d %d", controller, path, uid, gid)
}

func (s *fakeSession) MovePid(ctx context.Context, controller, path string, pid int) error {
	return s.step("movepid", "movepid %s %s %d", controller, path, pid)
}

func (s *fakeSession) RemoveOnEmpty(ctx context.Context, controller, path string) error {
	return s.step("remove-on-empty", "remove-on-empty %s %s", controller, path)
}

func (s *fakeSession) Remove(ctx context.Context, controller, path string, recursive bool) (bool, error) {
	return s.existed, s.step("remove", "remove %s %s %t", controller, path, recursive)
}

func (s *fakeSession) Close() error {
	*s.calls = append(*s.calls, "close")
	return nil
}

type fakeDialer struct {
	calls   []string
	failOn  string
	existed bool
	dialErr error
}

func (d *fakeDialer) Dial(ctx context.Context) (Session, error) {
	d.calls = append(d.calls, "dial")
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	return &fakeSession{calls: &d.calls, failOn: d.failOn, existed: d.existed}, nil
}

type memStore map[string]string

func (m memStore) Put(unit, path string) error {
	m[unit] = path
	return nil
}

func (m memStore) Get(unit string) (string, error) {
	p, ok := m[unit]
	if !ok {
		return "", fmt.Errorf("%s: %w", unit, errdefs.ErrNotFound)
	}
	return p, nil
}

func (m memStore) Delete(unit string) error {
	delete(m, unit)
	return nil
}
