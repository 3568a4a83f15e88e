package cgroups

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
)

const (
	sliceSuffix = ".slice"
	scopeSuffix = ".scope"
	userPrefix  = "user-"

	// NoUID means the unit name does not carry an owning user.
	NoUID = -1
)

// StripRoot removes every leading "/" from p. cgmanager addresses paths
// relative to the cgroup of the caller, so absolute paths are never sent.
func StripRoot(p string) string {
	return strings.TrimLeft(p, "/")
}

// ResolveSlice maps a slice unit name to its cgroup path and, for
// "user-<uid>.slice", the owning uid. Every "-" in the name introduces one
// level of nesting, so "foo-bar-baz.slice" lives at
// "foo.slice/foo-bar.slice/foo-bar-baz.slice". Per-user slices are the
// exception: the uid is part of the component, so "user-1000.slice" maps to
// "user-1000.slice".
func ResolveSlice(slice string) (string, int, error) {
	if err := checkSliceName(slice); err != nil {
		return "", NoUID, err
	}
	if uid := sliceUID(slice); uid != NoUID {
		return slice, uid, nil
	}

	var b strings.Builder
	for i := 0; i < len(slice); i++ {
		if slice[i] == '-' {
			b.WriteString(slice[:i])
			b.WriteString(sliceSuffix + "/")
		}
	}
	b.WriteString(slice)

	return b.String(), NoUID, nil
}

// ResolveScope returns the cgroup path of scope inside slice together with
// the uid derived from the slice name.
func ResolveScope(slice, scope string) (string, int, error) {
	if !strings.HasSuffix(scope, scopeSuffix) || len(scope) == len(scopeSuffix) || strings.Contains(scope, "/") {
		return "", NoUID, fmt.Errorf("invalid scope name %q: %w", scope, errdefs.ErrInvalidArgument)
	}
	path, uid, err := ResolveSlice(slice)
	if err != nil {
		return "", NoUID, err
	}
	return AppendScope(path, scope), uid, nil
}

// AppendScope appends "/" + scope to path. An empty scope leaves path as is.
func AppendScope(path, scope string) string {
	if scope == "" {
		return path
	}
	return path + "/" + scope
}

// ParseSliceUID strictly parses "user-<uid>.slice".
func ParseSliceUID(slice string) (int, error) {
	uid := sliceUID(slice)
	if uid == NoUID {
		return NoUID, fmt.Errorf("slice %q is not of the form user-<uid>.slice: %w", slice, errdefs.ErrInvalidArgument)
	}
	return uid, nil
}

// UserPath is the cgroup of a user in the legacy /user hierarchy.
func UserPath(uid int) string {
	return fmt.Sprintf("/user/%d.user", uid)
}

// SessionPath is the cgroup of login session id of uid in the legacy
// /user hierarchy.
func SessionPath(uid, id int) string {
	return fmt.Sprintf("%s/c%d.session", UserPath(uid), id)
}

// ParseSessionPath is the inverse of SessionPath.
func ParseSessionPath(path string) (uid, id int, err error) {
	var rest string
	if _, err := fmt.Sscanf(path, "/user/%d.user/c%d%s", &uid, &id, &rest); err != nil || rest != ".session" || uid < 0 || id < 0 {
		return NoUID, 0, fmt.Errorf("%q is not a session cgroup: %w", path, errdefs.ErrInvalidArgument)
	}
	if SessionPath(uid, id) != path {
		return NoUID, 0, fmt.Errorf("%q is not a session cgroup: %w", path, errdefs.ErrInvalidArgument)
	}
	return uid, id, nil
}

// PathMatchesName reports whether name occurs in path as a whole path
// segment, i.e. bounded by "/" or the ends of the string on both sides.
func PathMatchesName(path, name string) bool {
	if name == "" {
		return false
	}
	for i := 0; ; {
		hit := strings.Index(path[i:], name)
		if hit < 0 {
			return false
		}
		start := i + hit
		end := start + len(name)
		if (start == 0 || path[start-1] == '/') && (end == len(path) || path[end] == '/') {
			return true
		}
		i = start + 1
	}
}

func checkSliceName(slice string) error {
	if !strings.HasSuffix(slice, sliceSuffix) || len(slice) == len(sliceSuffix) {
		return fmt.Errorf("invalid slice name %q: must end with %q: %w", slice, sliceSuffix, errdefs.ErrInvalidArgument)
	}
	if strings.Contains(slice, "/") {
		return fmt.Errorf("invalid slice name %q: %w", slice, errdefs.ErrInvalidArgument)
	}
	// "a--b.slice" and "-a.slice" would produce empty path segments.
	for _, component := range strings.Split(strings.TrimSuffix(slice, sliceSuffix), "-") {
		if component == "" {
			return fmt.Errorf("invalid slice name %q: %w", slice, errdefs.ErrInvalidArgument)
		}
	}
	return nil
}

func sliceUID(slice string) int {
	if !strings.HasPrefix(slice, userPrefix) || !strings.HasSuffix(slice, sliceSuffix) {
		return NoUID
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(slice, userPrefix), sliceSuffix)
	if digits == "" || strings.TrimLeft(digits, "0123456789") != "" {
		return NoUID
	}
	v, err := strconv.ParseUint(digits, 10, 64)
	if err != nil || v > math.MaxInt32 {
		return NoUID
	}
	return int(v)
}
