package reaper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/containerd/errdefs"
	"golang.org/x/sys/unix"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

// fakeTree is an in-memory cgroup hierarchy. Nodes are keyed by their full
// path; the parent/child relation is derived from the keys.
type fakeTree struct {
	nodes     map[string][]int32
	listFails map[string]bool
	ops       []string
}

func newFakeTree(paths ...string) *fakeTree {
	f := &fakeTree{nodes: map[string][]int32{}, listFails: map[string]bool{}}
	for _, p := range paths {
		f.add(p)
	}
	return f
}

func (f *fakeTree) add(path string, pids ...int32) {
	parts := strings.Split(path, "/")
	for i := range parts {
		p := strings.Join(parts[:i+1], "/")
		if _, ok := f.nodes[p]; !ok {
			f.nodes[p] = nil
		}
	}
	f.nodes[path] = append(f.nodes[path], pids...)
}

func (f *fakeTree) ListChildren(ctx context.Context, controller, path string) ([]string, error) {
	if _, ok := f.nodes[path]; !ok || f.listFails[path] {
		return nil, fmt.Errorf("ListChildren %s: no such cgroup", path)
	}
	var children []string
	for p := range f.nodes {
		if strings.HasPrefix(p, path+"/") && !strings.Contains(p[len(path)+1:], "/") {
			children = append(children, p[len(path)+1:])
		}
	}
	sort.Strings(children)
	return children, nil
}

func (f *fakeTree) GetTasks(ctx context.Context, controller, path string) ([]int32, error) {
	pids, ok := f.nodes[path]
	if !ok {
		return nil, fmt.Errorf("GetTasks %s: no such cgroup", path)
	}
	return pids, nil
}

func (f *fakeTree) Exists(ctx context.Context, controller, path string) bool {
	_, err := f.GetTasks(ctx, controller, path)
	return err == nil
}

func (f *fakeTree) RemoveOnEmptyAsync(ctx context.Context, controller, path string) {
	f.ops = append(f.ops, "remove-on-empty "+path)
}

func (f *fakeTree) Remove(ctx context.Context, controller, path string, recursive bool) (bool, error) {
	if _, ok := f.nodes[path]; !ok {
		return false, nil
	}
	for p := range f.nodes {
		if strings.HasPrefix(p, path+"/") {
			if !recursive {
				return false, errors.New("cgroup busy")
			}
			delete(f.nodes, p)
		}
	}
	delete(f.nodes, path)
	f.ops = append(f.ops, "remove "+path)
	return true, nil
}

type fakeKiller struct {
	tree   *fakeTree
	killed []int
}

func (k *fakeKiller) Kill(pid int, sig unix.Signal) error {
	if sig != unix.SIGKILL {
		return fmt.Errorf("unexpected signal %v", sig)
	}
	k.killed = append(k.killed, pid)
	k.tree.ops = append(k.tree.ops, fmt.Sprintf("kill %d", pid))
	// The process leaves its cgroup once it is dead.
	for p, pids := range k.tree.nodes {
		for i, v := range pids {
			if int(v) == pid {
				k.tree.nodes[p] = append(pids[:i:i], pids[i+1:]...)
				break
			}
		}
	}
	return nil
}

func TestFindScopePath(t *testing.T) {
	tree := newFakeTree("user.slice/c1", "user.slice/c2/session-9.scope")
	r := New(tree, &fakeKiller{tree: tree}, "")

	path, err := r.FindScopePath(context.Background(), "session-9.scope")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(path, "user.slice/c2/session-9.scope"))

	_, err = r.FindScopePath(context.Background(), "session-10.scope")
	assert.Check(t, errdefs.IsNotFound(err))
}

func TestFindScopePathDoesNotDescend(t *testing.T) {
	tree := newFakeTree("user.slice/c1/deeper/session-9.scope")
	r := New(tree, nil, "user.slice")

	_, err := r.FindScopePath(context.Background(), "session-9.scope")
	assert.Check(t, errdefs.IsNotFound(err))
}

func TestKillRecursiveOrder(t *testing.T) {
	tree := newFakeTree()
	tree.add("user.slice/u/s.scope", 10, 11)
	tree.add("user.slice/u/s.scope/a", 20)
	tree.add("user.slice/u/s.scope/a/b", 30)
	tree.add("user.slice/u/s.scope/c")
	killer := &fakeKiller{tree: tree}
	r := New(tree, killer, "")

	err := r.KillRecursive(context.Background(), "user.slice/u/s.scope")
	assert.NilError(t, err)

	expected := []string{
		"remove-on-empty user.slice/u/s.scope",
		"remove-on-empty user.slice/u/s.scope/a",
		"remove-on-empty user.slice/u/s.scope/a/b",
		"kill 30",
		"remove user.slice/u/s.scope/a/b",
		"kill 20",
		"remove user.slice/u/s.scope/a",
		"remove-on-empty user.slice/u/s.scope/c",
		"remove user.slice/u/s.scope/c",
		"kill 10",
		"kill 11",
		"remove user.slice/u/s.scope",
	}
	assert.Check(t, is.DeepEqual(tree.ops, expected))
	assert.Check(t, !tree.Exists(context.Background(), "", "user.slice/u/s.scope"))
	assert.Check(t, tree.Exists(context.Background(), "", "user.slice/u"))
}

func TestKillRecursiveListFailure(t *testing.T) {
	tree := newFakeTree()
	tree.add("user.slice/u/s.scope", 10)
	tree.add("user.slice/u/s.scope/stuck", 20)
	tree.add("user.slice/u/s.scope/ok", 30)
	tree.listFails["user.slice/u/s.scope/stuck"] = true
	killer := &fakeKiller{tree: tree}
	r := New(tree, killer, "")

	err := r.KillRecursive(context.Background(), "user.slice/u/s.scope")
	assert.Check(t, errors.Is(err, ErrPartialTeardown))
	assert.Check(t, errdefs.IsAborted(err))

	// The sibling and the parent's own tasks are still handled.
	assert.Check(t, is.DeepEqual(killer.killed, []int{30, 10}))
	assert.Check(t, !tree.Exists(context.Background(), "", "user.slice/u/s.scope/ok"))
	assert.Check(t, tree.Exists(context.Background(), "", "user.slice/u/s.scope/stuck"))
	assert.Check(t, tree.Exists(context.Background(), "", "user.slice/u/s.scope"))
}

func TestKillByName(t *testing.T) {
	tree := newFakeTree("user.slice/user-1000.slice")
	tree.add("user.slice/user-1000.slice/session-3.scope", 42)
	killer := &fakeKiller{tree: tree}
	r := New(tree, killer, "")

	assert.NilError(t, r.KillByName(context.Background(), "session-3.scope"))
	assert.Check(t, is.DeepEqual(killer.killed, []int{42}))
	assert.Check(t, !tree.Exists(context.Background(), "", "user.slice/user-1000.slice/session-3.scope"))

	// Gone now, so a second attempt is a no-op.
	assert.NilError(t, r.KillByName(context.Background(), "session-3.scope"))
}

func TestEnumeratePaths(t *testing.T) {
	tree := newFakeTree(
		"user.slice/user-1000.slice/session-1.scope",
		"user.slice/user-1000.slice/user@1000.service",
		"user.slice/user-1001.slice",
	)
	r := New(tree, nil, "")

	paths, err := r.EnumeratePaths(context.Background())
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(paths, []string{
		"user.slice/user-1000.slice",
		"user.slice/user-1000.slice/session-1.scope",
		"user.slice/user-1000.slice/user@1000.service",
		"user.slice/user-1001.slice",
	}))
}

func TestEnumeratePathsMissingRoot(t *testing.T) {
	r := New(newFakeTree(), nil, "user.slice")
	_, err := r.EnumeratePaths(context.Background())
	assert.Check(t, err != nil)
}
