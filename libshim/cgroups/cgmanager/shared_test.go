package cgmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/containerd/errdefs"
	dbus "github.com/godbus/dbus/v5"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestSharedFailureIsNotRetried(t *testing.T) {
	var dials int
	s := NewShared(DialerFunc(func(ctx context.Context) (*Conn, error) {
		dials++
		return nil, fmt.Errorf("no socket: %w", errdefs.ErrUnavailable)
	}))
	ctx := context.Background()

	assert.Check(t, is.Equal(s.State(), Unset))

	s.CreateAsync(ctx, ControllerAll, "user-1000.slice")
	s.ChownAsync(ctx, ControllerAll, "user-1000.slice", 1000, -1)
	s.MovePidAsync(ctx, ControllerAll, "user-1000.slice", 1)

	_, err := s.ListChildren(ctx, ControllerSystemd, "user.slice")
	assert.Check(t, errdefs.IsUnavailable(err))
	_, err = s.GetTasks(ctx, ControllerSystemd, "user.slice")
	assert.Check(t, errdefs.IsUnavailable(err))
	assert.Check(t, !s.Exists(ctx, ControllerSystemd, "user.slice"))

	assert.Check(t, is.Equal(dials, 1))
	assert.Check(t, is.Equal(s.State(), Failed))
}

func TestSharedSingleInitialization(t *testing.T) {
	var (
		mu    sync.Mutex
		dials int
	)
	s := NewShared(DialerFunc(func(ctx context.Context) (*Conn, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return nil, errors.New("refused")
	}))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Get(context.Background())
		}()
	}
	wg.Wait()
	assert.Check(t, is.Equal(dials, 1))
}

func TestSharedCloseBeforeUse(t *testing.T) {
	s := NewShared(DialerFunc(func(ctx context.Context) (*Conn, error) {
		t.Fatal("dial after close")
		return nil, nil
	}))
	assert.NilError(t, s.Close())
	_, err := s.Get(context.Background())
	assert.Check(t, errdefs.IsUnavailable(err))
}

func TestIsDBusError(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", dbus.Error{Name: "org.linuxcontainers.cgmanager.Error.NotFound"})
	assert.Check(t, IsDBusError(err, "NotFound"))
	assert.Check(t, !IsDBusError(err, "AccessDenied"))
	assert.Check(t, !IsDBusError(errors.New("plain"), "NotFound"))
	assert.Check(t, !IsDBusError(nil, "NotFound"))
}

func TestMissingAPIVersion(t *testing.T) {
	for _, name := range []string{
		"org.freedesktop.DBus.Error.UnknownProperty",
		"org.freedesktop.DBus.Error.InvalidArgs",
	} {
		assert.Check(t, missingAPIVersion(&dbus.Error{Name: name}), name)
	}
	assert.Check(t, !missingAPIVersion(&dbus.Error{Name: "org.freedesktop.DBus.Error.AccessDenied"}))
	assert.Check(t, !missingAPIVersion(errors.New("connection reset")))
}

func TestStateString(t *testing.T) {
	assert.Check(t, is.Equal(Unset.String(), "unset"))
	assert.Check(t, is.Equal(Connected.String(), "connected"))
	assert.Check(t, is.Equal(Failed.String(), "failed"))
}
